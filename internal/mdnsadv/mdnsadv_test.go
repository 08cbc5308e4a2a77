package mdnsadv

import (
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/grandcat/zeroconf"

	"github.com/espbrew/espbrew/internal/board"
)

func TestBuildTXT(t *testing.T) {
	boards := []board.ConnectedBoard{
		{BoardID: "board_1", LogicalName: "bench-1"},
		{BoardID: "board_2"},
	}
	txt := buildTXT("1.2.3", "espbrewd-1", "bench fleet", boards)
	want := map[string]bool{
		"version=1.2.3":           true,
		"hostname=espbrewd-1":     true,
		"description=bench fleet": true,
		"board_count=2":           true,
		"boards=bench-1,board_2":  true,
	}
	if len(txt) != len(want) {
		t.Fatalf("got %d TXT records, want %d: %v", len(txt), len(want), txt)
	}
	for _, rec := range txt {
		if !want[rec] {
			t.Errorf("unexpected TXT record %q", rec)
		}
	}
}

func TestBuildTXTTruncatesBoardsToFitOneRecord(t *testing.T) {
	boards := make([]board.ConnectedBoard, 200)
	for i := range boards {
		boards[i] = board.ConnectedBoard{BoardID: board.BoardID("board_with_a_fairly_long_id_" + strconv.Itoa(i))}
	}
	txt := buildTXT("1.2.3", "espbrewd-1", "bench fleet", boards)

	var boardsField string
	for _, rec := range txt {
		if strings.HasPrefix(rec, "boards=") {
			boardsField = rec
		}
	}
	if boardsField == "" {
		t.Fatal("no \"boards=\" record present")
	}
	if len(boardsField) > maxTXTStringLen {
		t.Errorf("boards TXT record is %d bytes, want <= %d", len(boardsField), maxTXTStringLen)
	}
	if strings.HasSuffix(boardsField, ",") {
		t.Error("boards field ends with a dangling comma, suggesting a cut mid-name")
	}
}

func TestSplitTXT(t *testing.T) {
	k, v, ok := splitTXT("version=1.0")
	if !ok || k != "version" || v != "1.0" {
		t.Errorf("got (%q, %q, %v)", k, v, ok)
	}
	if _, _, ok := splitTXT("no-equals-sign"); ok {
		t.Error("expected ok=false for a record with no '='")
	}
}

func TestPreferredAddrIPv4OverIPv6(t *testing.T) {
	entry := &zeroconf.ServiceEntry{}
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.0.2.1")}
	entry.AddrIPv6 = []net.IP{net.ParseIP("2001:db8::1")}
	if got := preferredAddr(entry); got != "192.0.2.1" {
		t.Errorf("got %q, want IPv4 preferred", got)
	}
}

func TestPreferredAddrFallsBackToIPv6(t *testing.T) {
	entry := &zeroconf.ServiceEntry{}
	entry.AddrIPv6 = []net.IP{net.ParseIP("2001:db8::1")}
	got := preferredAddr(entry)
	if got != "[2001:db8::1]" {
		t.Errorf("got %q, want bracketed IPv6", got)
	}
}

func TestPreferredAddrFallsBackToHostname(t *testing.T) {
	entry := &zeroconf.ServiceEntry{HostName: "espbrewd-1.local."}
	if got := preferredAddr(entry); got != "espbrewd-1.local" {
		t.Errorf("got %q, want trailing dot stripped", got)
	}
}

func TestEntryToAdvertisement(t *testing.T) {
	entry := &zeroconf.ServiceEntry{Instance: "espbrewd-1", Port: 8080}
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.0.2.1")}
	entry.Text = []string{"version=1.0", "hostname=espbrewd-1.local", "description=bench fleet", "board_count=3", "boards=a,b,c"}
	adv := entryToAdvertisement(entry)
	if adv.Host != "192.0.2.1" || adv.Port != 8080 || adv.Name != "espbrewd-1" {
		t.Errorf("got %+v", adv)
	}
	if adv.Version != "1.0" || adv.BoardCount != 3 || adv.BoardNamesCSV != "a,b,c" {
		t.Errorf("got %+v, want parsed TXT fields", adv)
	}
	if adv.Hostname != "espbrewd-1.local" || adv.Description != "bench fleet" {
		t.Errorf("got %+v, want hostname/description parsed from TXT", adv)
	}
}
