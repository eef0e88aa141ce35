package errcode

import "errors"

// Code is a stable error identifier reported on the error topic.
type Code string

func (c Code) Error() string { return string(c) }

const (
	OK Code = "ok"

	// Command parsing
	InvalidPayload   Code = "invalid_payload"
	InvalidState     Code = "invalid_state"
	InvalidNumeric   Code = "invalid_numeric"
	MalformedPayload Code = "malformed_payload"
	MissingState     Code = "missing_state"

	// Backlight I/O
	DeviceReadError  Code = "device_read_error"
	DeviceWriteError Code = "device_write_error"

	// Self-update
	NotARepository   Code = "not_a_repository"
	BranchNotAllowed Code = "branch_not_allowed"
	UpdateFailed     Code = "update_failed"
	UpdateInProgress Code = "update_in_progress"

	Error Code = "error" // generic fallback
)

// E wraps a Code with the operation that failed, a human readable message and an optional cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

// New returns an *E without a cause.
func New(c Code, op, msg string) *E {
	return &E{C: c, Op: op, Msg: msg}
}

// Wrap returns an *E carrying err as its cause.
func Wrap(c Code, op, msg string, err error) *E {
	return &E{C: c, Op: op, Msg: msg, Err: err}
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Of extracts a Code from an error chain, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	var e *E
	if errors.As(err, &e) {
		return e.C
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Error
}
