package driver

import (
	"errors"
	"fmt"
)

// Code is a driver status code. Each code is an error whose text is the
// human readable name of the code.
type Code int

const (
	ErrFail         Code = -1
	ErrNoMem        Code = 0x101
	ErrInvalidArg   Code = 0x102
	ErrInvalidState Code = 0x103
	ErrInvalidSize  Code = 0x104
	ErrNotFound     Code = 0x105
	ErrNotSupported Code = 0x106
	ErrTimeout      Code = 0x107
)

var codeNames = map[Code]string{
	ErrFail:         "FAIL",
	ErrNoMem:        "NO_MEM",
	ErrInvalidArg:   "INVALID_ARG",
	ErrInvalidState: "INVALID_STATE",
	ErrInvalidSize:  "INVALID_SIZE",
	ErrNotFound:     "NOT_FOUND",
	ErrNotSupported: "NOT_SUPPORTED",
	ErrTimeout:      "TIMEOUT",
}

func (c Code) Error() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_ERROR(0x%x)", int(c))
}

// Error is returned by driver operations. It carries the status code and, for
// hardware backends, the error reported by the underlying library.
type Error struct {
	Op   string
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Code}
	}
	return []error{e.Code, e.Err}
}

func newError(op string, code Code, cause error) *Error {
	return &Error{Op: op, Code: code, Err: cause}
}

func errorf(op string, code Code, format string, a ...any) *Error {
	return &Error{Op: op, Code: code, Err: fmt.Errorf(format, a...)}
}

// CodeOf extracts the status code of err. Errors that did not come from the
// driver map to ErrFail.
func CodeOf(err error) Code {
	if err == nil {
		return 0
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return ErrFail
}
