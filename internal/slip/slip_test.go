package slip

import (
	"bytes"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x01, 0x02, 0x03},
		{frameDelimiter},
		{escape},
		{frameDelimiter, escape, frameDelimiter, escape},
		bytes.Repeat([]byte{0xC0, 0xDB, 0x55}, 100),
	}
	for _, data := range cases {
		buf := &bytes.Buffer{}
		srw := NewReaderWriter(buf)
		if _, err := srw.Write(data); err != nil {
			t.Fatalf("Write(%v): %v", data, err)
		}
		out := make([]byte, 4096)
		n, err := srw.Read(out)
		if err != nil {
			t.Fatalf("Read after Write(%v): %v", data, err)
		}
		if !bytes.Equal(out[:n], data) {
			t.Errorf("round trip mismatch: got %v, want %v", out[:n], data)
		}
	}
}

func TestReadRejectsBadStart(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x00, 0x01, frameDelimiter})
	srw := NewReaderWriter(buf)
	out := make([]byte, 16)
	if _, err := srw.Read(out); err == nil {
		t.Fatal("expected ErrBadStart, got nil")
	}
}

func TestReadRejectsInvalidEscape(t *testing.T) {
	buf := bytes.NewBuffer([]byte{frameDelimiter, escape, 0x42, frameDelimiter})
	srw := NewReaderWriter(buf)
	out := make([]byte, 16)
	if _, err := srw.Read(out); err == nil {
		t.Fatal("expected invalid-escape error, got nil")
	}
}

func TestReadBufferOverflow(t *testing.T) {
	buf := bytes.NewBuffer([]byte{frameDelimiter, 0x01, 0x02, 0x03, frameDelimiter})
	srw := NewReaderWriter(buf)
	out := make([]byte, 2)
	if _, err := srw.Read(out); err == nil {
		t.Fatal("expected buffer-overflow error, got nil")
	}
}
