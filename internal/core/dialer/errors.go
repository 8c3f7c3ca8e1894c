package dialer

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAllAttemptsFailed matches every ConnectionError via errors.Is.
var ErrAllAttemptsFailed = errors.New("dialer: all connection attempts failed")

type Reason int

const AllAttemptsFailed Reason = 1

// ConnectionError 表示所有回退阶段都没能建立连接。
type ConnectionError struct {
	Reason   Reason
	Target   string
	Attempts []Attempt
}

func (e *ConnectionError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "dialer: connect %s: all attempts failed", e.Target)
	for _, a := range e.Attempts {
		sb.WriteString("; ")
		sb.WriteString(string(a.Stage))
		if a.Address != "" {
			sb.WriteString(" ")
			sb.WriteString(a.Address)
		}
		sb.WriteString(": ")
		sb.WriteString(a.Err.Error())
	}
	if len(e.Attempts) == 0 {
		sb.WriteString("; no applicable stage")
	}
	return sb.String()
}

func (e *ConnectionError) Is(target error) bool { return target == ErrAllAttemptsFailed }

// Unwrap exposes the per-attempt errors to errors.Is/As.
func (e *ConnectionError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}
