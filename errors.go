package synapsd

import (
	"errors"
	"fmt"

	"github.com/agentic-research/synapsd/internal/xerrors"
)

// Kind classifies the error taxonomy from the indexing engine's design:
// validation failures, missing entities, checksum duplicates, locked-layer
// mutation, and underlying storage failures.
type Kind int

const (
	// KindValidation covers bad input, missing required fields, out-of-range
	// OIDs, and invalid schemas.
	KindValidation Kind = iota
	// KindNotFound covers unknown OIDs, layers, and path segments.
	KindNotFound
	// KindDuplicate covers a checksum collision under strict insert.
	KindDuplicate
	// KindLocked covers mutation of a locked layer, or moving/removing a
	// locked path.
	KindLocked
	// KindDatabase covers KV adapter failures and serialization failures.
	KindDatabase
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindDuplicate:
		return "duplicate"
	case KindLocked:
		return "locked"
	case KindDatabase:
		return "database"
	default:
		return "unknown"
	}
}

// Error is the taxonomy's concrete type, modeled on os.PathError: an
// operation name, a Kind, and an optional wrapped cause.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("synapsd: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("synapsd: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the same Kind, so callers can write
// errors.Is(err, synapsd.ErrNotFound) style checks via the sentinel Kind
// wrappers below.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newErr(op string, kind Kind, cause error) *Error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

func errValidation(op string, cause error) error { return newErr(op, KindValidation, cause) }
func errNotFound(op string, cause error) error   { return newErr(op, KindNotFound, cause) }
func errDuplicate(op string, cause error) error  { return newErr(op, KindDuplicate, cause) }
func errLocked(op string, cause error) error     { return newErr(op, KindLocked, cause) }
func errDatabase(op string, cause error) error   { return newErr(op, KindDatabase, cause) }

// Sentinel Kind markers for errors.Is comparisons, e.g.:
//
//	if errors.Is(err, synapsd.ErrNotFound) { ... }
var (
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrValidation = &Error{Kind: KindValidation}
	ErrDuplicate  = &Error{Kind: KindDuplicate}
	ErrLocked     = &Error{Kind: KindLocked}
	ErrDatabase   = &Error{Kind: KindDatabase}
)

var xkindToKind = map[xerrors.Kind]Kind{
	xerrors.Validation: KindValidation,
	xerrors.NotFound:   KindNotFound,
	xerrors.Duplicate:  KindDuplicate,
	xerrors.Locked:     KindLocked,
	xerrors.Database:   KindDatabase,
}

// translate wraps an internal leaf-package error into the public taxonomy,
// preserving its Kind when it carries an *xerrors.Error and falling back to
// KindDatabase for anything else (KV/serialization failures surface as
// plain wrapped errors from the leaf packages).
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var xe *xerrors.Error
	if errors.As(err, &xe) {
		return newErr(op, xkindToKind[xe.Kind], xe.Err)
	}
	return newErr(op, KindDatabase, err)
}
