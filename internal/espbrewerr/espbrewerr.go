// Package espbrewerr defines the error taxonomy surfaced across component
// boundaries (spec.md §7). Components annotate these sentinels with
// errors.Annotatef/errors.Trace rather than returning bare strings, so
// callers can recover the Kind with As/Is while still seeing the full
// annotated chain in logs.
package espbrewerr

import "fmt"

// Kind identifies a class of failure from the taxonomy in spec.md §7.
type Kind int

const (
	KindUnknown Kind = iota
	KindPortNotFound
	KindPortBusy
	KindPortIoError
	KindChipNotDetected
	KindUnsupportedChip
	KindInvalidFlashPlan
	KindFlashConnectFailed
	KindFlashWriteError
	KindFlashVerifyFailed
	KindRemoteUnreachable
	KindRemoteRejected
	KindRemoteProtocolError
	KindBoardBusy
	KindSessionNotFound
	KindSessionExpired
	KindConfigIoError
	KindConfigParseError
)

func (k Kind) String() string {
	switch k {
	case KindPortNotFound:
		return "PortNotFound"
	case KindPortBusy:
		return "PortBusy"
	case KindPortIoError:
		return "PortIoError"
	case KindChipNotDetected:
		return "ChipNotDetected"
	case KindUnsupportedChip:
		return "UnsupportedChip"
	case KindInvalidFlashPlan:
		return "InvalidFlashPlan"
	case KindFlashConnectFailed:
		return "FlashConnectFailed"
	case KindFlashWriteError:
		return "FlashWriteError"
	case KindFlashVerifyFailed:
		return "FlashVerifyFailed"
	case KindRemoteUnreachable:
		return "RemoteUnreachable"
	case KindRemoteRejected:
		return "RemoteRejected"
	case KindRemoteProtocolError:
		return "RemoteProtocolError"
	case KindBoardBusy:
		return "BoardBusy"
	case KindSessionNotFound:
		return "SessionNotFound"
	case KindSessionExpired:
		return "SessionExpired"
	case KindConfigIoError:
		return "ConfigIoError"
	case KindConfigParseError:
		return "ConfigParseError"
	default:
		return "Unknown"
	}
}

// Error is a taxonomy-tagged error. Offset/detail fields are populated for
// the kinds that carry structured data (FlashWriteError{offset},
// FlashVerifyFailed{offset}, RemoteRejected{status, body}).
type Error struct {
	Kind    Kind
	Detail  string
	Offset  uint32
	HasAddr bool
	Status  int
}

func (e *Error) Error() string {
	if e.HasAddr {
		return fmt.Sprintf("%s @ 0x%x: %s", e.Kind, e.Offset, e.Detail)
	}
	if e.Detail == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func New(k Kind, detail string) *Error {
	return &Error{Kind: k, Detail: detail}
}

func WithAddr(k Kind, addr uint32, detail string) *Error {
	return &Error{Kind: k, Detail: detail, Offset: addr, HasAddr: true}
}

func WithStatus(k Kind, status int, detail string) *Error {
	return &Error{Kind: k, Detail: detail, Status: status}
}

// KindOf unwraps err (which may be an errors.Trace/Annotatef chain from
// github.com/cesanta/errors) looking for an *Error, returning KindUnknown
// if none is found.
func KindOf(err error) Kind {
	type causer interface{ Cause() error }
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		c, ok := err.(causer)
		if !ok {
			break
		}
		err = c.Cause()
	}
	return KindUnknown
}

// HTTPStatus maps a Kind to the status code the HTTP surface (C8) should
// use, per spec.md §7: 4xx for Invalid*/BoardBusy/SessionNotFound, 5xx for
// FlashWriteError/RemoteProtocolError/ConfigIoError.
func HTTPStatus(k Kind) int {
	switch k {
	case KindInvalidFlashPlan:
		return 400
	case KindPortNotFound, KindSessionNotFound:
		return 404
	case KindBoardBusy:
		return 409
	case KindSessionExpired:
		return 410
	case KindPortBusy:
		return 423
	case KindChipNotDetected, KindUnsupportedChip:
		return 422
	case KindFlashWriteError, KindFlashVerifyFailed, KindFlashConnectFailed,
		KindRemoteProtocolError, KindConfigIoError, KindConfigParseError, KindPortIoError:
		return 500
	case KindRemoteUnreachable:
		return 502
	default:
		return 500
	}
}
