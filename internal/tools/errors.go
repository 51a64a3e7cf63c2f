package tools

import (
	"errors"
	"fmt"
	"io/fs"
)

// Kind distinguishes caller mistakes from policy boundaries and bad input.
type Kind string

const (
	KindValidation Kind = "ValidationError"
	KindNotAllowed Kind = "NotAllowedError"
	KindParse      Kind = "ParseError"
	KindIO         Kind = "IOError"
	KindCommand    Kind = "CommandError"
)

// Error is the typed error every tool module returns.
type Error struct {
	Kind Kind
	Op   string // The tool operation that failed
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s %s: %s", e.Kind, e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Message is the error text without the kind prefix.
func (e *Error) Message() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func newError(kind Kind, op, path, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: fmt.Errorf(format, args...)}
}

func Validation(op, path, format string, args ...any) *Error {
	return newError(KindValidation, op, path, format, args...)
}

func NotAllowed(op, path, format string, args ...any) *Error {
	return newError(KindNotAllowed, op, path, format, args...)
}

func Parse(op, path string, err error) *Error {
	return &Error{Kind: KindParse, Op: op, Path: path, Err: err}
}

func Command(op string, err error) *Error {
	return &Error{Kind: KindCommand, Op: op, Err: err}
}

// IO wraps a filesystem error. A missing file is reported as a validation
// error because it is the caller naming something that is not there.
func IO(op, path string, err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, fs.ErrNotExist) {
		return &Error{Kind: KindValidation, Op: op, Path: path, Err: err}
	}
	return &Error{Kind: KindIO, Op: op, Path: path, Err: err}
}

// FileError records one file a multi-file operation could not process.
type FileError struct {
	Path    string `json:"path"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// NewFileError describes err as the failure of path.
func NewFileError(path string, err error) FileError {
	fe := FileError{Path: path, Kind: KindOf(err), Message: err.Error()}
	var te *Error
	if errors.As(err, &te) {
		fe.Message = te.Message()
	}
	return fe
}

// KindOf returns the kind of err, or KindIO for untyped errors.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindIO
}

func IsValidation(err error) bool { return hasKind(err, KindValidation) }

func IsNotAllowed(err error) bool { return hasKind(err, KindNotAllowed) }

func IsParse(err error) bool { return hasKind(err, KindParse) }

func hasKind(err error, kind Kind) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == kind
}
