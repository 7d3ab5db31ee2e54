// Package nnerr defines the error taxonomy shared by every layer of the
// backend. Codes are numerically stable because they cross the C ABI.
package nnerr

import (
	"context"
	"errors"
	"fmt"
)

// Code is a backend status code.
type Code uint8

const (
	Success Code = iota
	InvalidArgument
	InvalidEncoding
	Timeout
	RuntimeError
	UnsupportedOperation
	TooLarge
	NotFound
)

var codeNames = [...]string{
	Success:              "success",
	InvalidArgument:      "invalid_argument",
	InvalidEncoding:      "invalid_encoding",
	Timeout:              "timeout",
	RuntimeError:         "runtime_error",
	UnsupportedOperation: "unsupported_operation",
	TooLarge:             "too_large",
	NotFound:             "not_found",
}

func (c Code) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("code(%d)", uint8(c))
}

// Error carries a code, the failing operation and an optional cause.
type Error struct {
	Code Code
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return e.Code.String() + ": " + msg
	}
	return e.Op + ": " + e.Code.String() + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code so errors.Is(err, nnerr.E(NotFound)) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Code == e.Code
}

// New builds an error with a formatted message.
func New(code Code, op, format string, args ...any) error {
	return &Error{Code: code, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and operation to err. A nil err yields nil.
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

// E returns a bare code marker usable as an errors.Is target.
func E(code Code) error { return &Error{Code: code} }

// coder is implemented by package sentinels that map onto a code without
// being an *Error themselves.
type coder interface {
	NNCode() Code
}

// CodeOf reports the code for err. Unknown errors are runtime errors.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var c coder
	if errors.As(err, &c) {
		return c.NNCode()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return RuntimeError
}

// Sentinel is a comparable error value with a fixed code.
type Sentinel struct {
	code Code
	msg  string
}

// NewSentinel returns a sentinel for use with errors.Is.
func NewSentinel(code Code, msg string) *Sentinel { return &Sentinel{code: code, msg: msg} }

func (s *Sentinel) Error() string { return s.msg }
func (s *Sentinel) NNCode() Code  { return s.code }

func IsInvalidArgument(err error) bool      { return CodeOf(err) == InvalidArgument }
func IsInvalidEncoding(err error) bool      { return CodeOf(err) == InvalidEncoding }
func IsTimeout(err error) bool              { return CodeOf(err) == Timeout }
func IsNotFound(err error) bool             { return CodeOf(err) == NotFound }
func IsTooLarge(err error) bool             { return CodeOf(err) == TooLarge }
func IsUnsupportedOperation(err error) bool { return CodeOf(err) == UnsupportedOperation }
