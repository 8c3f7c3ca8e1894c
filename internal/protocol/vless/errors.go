package vless

import (
	"errors"
	"fmt"
)

// ErrProtocol matches every ProtocolError via errors.Is.
var ErrProtocol = errors.New("vless: protocol error")

// Reason 描述握手失败的具体原因。对外一律返回 400，原因只用于日志和指标。
type Reason int

const (
	TooShort Reason = iota + 1
	BadVersion
	AuthMismatch
	MalformedAddress
	UnsupportedCommand
	BadEncoding
)

func (r Reason) String() string {
	switch r {
	case TooShort:
		return "too_short"
	case BadVersion:
		return "bad_version"
	case AuthMismatch:
		return "auth_mismatch"
	case MalformedAddress:
		return "malformed_address"
	case UnsupportedCommand:
		return "unsupported_command"
	case BadEncoding:
		return "bad_encoding"
	default:
		return "unknown"
	}
}

type ProtocolError struct {
	Reason Reason
	Detail string
}

func (e *ProtocolError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("vless: %s", e.Reason)
	}
	return fmt.Sprintf("vless: %s: %s", e.Reason, e.Detail)
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

func protoErr(r Reason, format string, args ...any) error {
	return &ProtocolError{Reason: r, Detail: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the failure reason, or 0 if err is not a ProtocolError.
func ReasonOf(err error) Reason {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return 0
}
