// Package xerrors gives every leaf package (bitmap, layer, tree, synapses,
// checksum, docstore) a common error Kind without creating an import cycle
// back to the root synapsd package, which owns the public Error type and
// translates these at the API boundary.
package xerrors

import (
	"errors"
	"fmt"
)

// Kind mirrors the taxonomy from spec §7.
type Kind int

const (
	Validation Kind = iota
	NotFound
	Duplicate
	Locked
	Database
)

// Error is a Kind-tagged wrapped error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func NotFoundf(format string, args ...any) *Error   { return New(NotFound, format, args...) }
func Validationf(format string, args ...any) *Error { return New(Validation, format, args...) }
func Duplicatef(format string, args ...any) *Error  { return New(Duplicate, format, args...) }
func Lockedf(format string, args ...any) *Error     { return New(Locked, format, args...) }
func Databasef(format string, args ...any) *Error   { return New(Database, format, args...) }

// Is reports whether the first *Error in err's chain carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
