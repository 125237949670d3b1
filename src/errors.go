package groupwave

import "fmt"

// ErrKind enumerates the error taxonomy from the error-handling design:
// transport, frame, crypto, protocol, resource, and storage failures.
type ErrKind int

const (
	ErrNone ErrKind = iota

	// Transport
	ErrLinkUnavailable
	ErrChannelBusy
	ErrTxTimeout
	ErrRxCRC

	// Frame
	ErrShortBuffer
	ErrBadMagic
	ErrUnsupportedVersion
	ErrLengthMismatch
	ErrIntegrityMismatch
	ErrUnknownMessageKind
	ErrReassemblyTimeout

	// Crypto
	ErrAuthFail
	ErrNonceReplay
	ErrNonceExhausted
	ErrKeyExpired
	ErrKeyNotAgreed

	// Protocol
	ErrWrongTarget
	ErrPermissionDenied
	ErrFrequencyFull
	ErrFrequencyClosed
	ErrWrongPassword
	ErrTimeout

	// Resource
	ErrSlotTableFull
	ErrBufferOverrun
	ErrBufferUnderrun

	// Storage
	ErrNotMounted
	ErrNotFound
	ErrNoSpace
	ErrIO
)

func (k ErrKind) String() string {
	switch k {
	case ErrNone:
		return "none"
	case ErrLinkUnavailable:
		return "link_unavailable"
	case ErrChannelBusy:
		return "channel_busy"
	case ErrTxTimeout:
		return "tx_timeout"
	case ErrRxCRC:
		return "rx_crc"
	case ErrShortBuffer:
		return "short_buffer"
	case ErrBadMagic:
		return "bad_magic"
	case ErrUnsupportedVersion:
		return "unsupported_version"
	case ErrLengthMismatch:
		return "length_mismatch"
	case ErrIntegrityMismatch:
		return "integrity_mismatch"
	case ErrUnknownMessageKind:
		return "unknown_message_kind"
	case ErrReassemblyTimeout:
		return "reassembly_timeout"
	case ErrAuthFail:
		return "auth_fail"
	case ErrNonceReplay:
		return "nonce_replay"
	case ErrNonceExhausted:
		return "nonce_exhausted"
	case ErrKeyExpired:
		return "key_expired"
	case ErrKeyNotAgreed:
		return "key_not_agreed"
	case ErrWrongTarget:
		return "wrong_target"
	case ErrPermissionDenied:
		return "permission_denied"
	case ErrFrequencyFull:
		return "frequency_full"
	case ErrFrequencyClosed:
		return "frequency_closed"
	case ErrWrongPassword:
		return "wrong_password"
	case ErrTimeout:
		return "timeout"
	case ErrSlotTableFull:
		return "slot_table_full"
	case ErrBufferOverrun:
		return "buffer_overrun"
	case ErrBufferUnderrun:
		return "buffer_underrun"
	case ErrNotMounted:
		return "not_mounted"
	case ErrNotFound:
		return "not_found"
	case ErrNoSpace:
		return "no_space"
	case ErrIO:
		return "io"
	default:
		return "unknown"
	}
}

// RadioError carries a taxonomy kind plus an optional wrapped cause.
// Transport and Frame kinds are meant to be counted and dropped, never
// shown to the operator; Protocol kinds are meant to surface.
type RadioError struct {
	Kind ErrKind
	Op   string
	Err  error
}

func (e *RadioError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *RadioError) Unwrap() error { return e.Err }

func newErr(op string, kind ErrKind) error {
	return &RadioError{Op: op, Kind: kind}
}

func wrapErr(op string, kind ErrKind, err error) error {
	return &RadioError{Op: op, Kind: kind, Err: err}
}

// KindOf extracts the ErrKind from an error produced by this module, or
// ErrNone if it is not one of ours.
func KindOf(err error) ErrKind {
	if err == nil {
		return ErrNone
	}
	if e, ok := err.(*RadioError); ok {
		return e.Kind
	}
	return ErrNone
}
