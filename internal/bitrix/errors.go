package bitrix

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed webhook call. The orchestrator reads the
// kind and always continues the call; no gateway failure is fatal.
type ErrorKind int

const (
	// KindTransport covers dial failures, timeouts and broken connections.
	KindTransport ErrorKind = iota + 1
	// KindHTTP covers well-delivered requests answered with a non-2xx status.
	KindHTTP
	// KindSemantic covers 2xx responses whose body carries no usable result.
	KindSemantic
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindHTTP:
		return "http"
	case KindSemantic:
		return "semantic"
	}
	return "unknown"
}

// Error is a classified webhook failure.
type Error struct {
	Kind   ErrorKind
	Op     string // endpoint, e.g. "crm.lead.add"
	Status int    // HTTP status for KindHTTP
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHTTP:
		return fmt.Sprintf("bitrix: %s: status %d", e.Op, e.Status)
	default:
		return fmt.Sprintf("bitrix: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classification of err, or 0 when err is not a
// gateway error.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return 0
}
