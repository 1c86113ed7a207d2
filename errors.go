package galdrdb

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers use [errors.Is] against these; [errors.As] against
// [*Error] recovers the structured Collection/ID/Op context.
var (
	// ErrNotFound indicates a lookup by id found no live document. Facade
	// methods that look up by id return it as a zero value / false, not as
	// an error; it is exported so callers that do receive it (e.g. from
	// DropIndex on a missing index) can still test for it with errors.Is.
	ErrNotFound = errors.New("galdrdb: not found")

	// ErrWriteConflict is returned when optimistic concurrency control
	// detects that a transaction's write set has become stale relative to
	// the currently committed version of one of its targets.
	ErrWriteConflict = errors.New("galdrdb: write conflict")

	// ErrUniqueViolation is returned when a commit would insert a duplicate
	// key into a unique secondary index.
	ErrUniqueViolation = errors.New("galdrdb: unique constraint violated")

	// ErrCorruption indicates a checksum, magic number, or structural
	// invariant was violated. The database handle is poisoned afterward.
	ErrCorruption = errors.New("galdrdb: corruption detected")

	// ErrInvalidPassword indicates an encrypted file failed to authenticate
	// against the supplied password on Open.
	ErrInvalidPassword = errors.New("galdrdb: invalid password")

	// ErrInvalidArgument indicates a caller-supplied argument was invalid
	// (zero id on update, nil collection name, unsupported page size, …).
	ErrInvalidArgument = errors.New("galdrdb: invalid argument")

	// ErrTransactionEnded indicates an operation was attempted on a
	// transaction handle that already committed, rolled back, or errored.
	ErrTransactionEnded = errors.New("galdrdb: transaction ended")

	// ErrIO wraps an underlying file I/O failure. The current operation
	// fails but engine state is preserved (not poisoned) unless the I/O
	// failure happened mid-commit, in which case the handle is poisoned.
	ErrIO = errors.New("galdrdb: io error")

	// ErrClosed indicates an operation was attempted on a closed database
	// handle. A poisoned handle reports [ErrCorruption] instead.
	ErrClosed = errors.New("galdrdb: database closed")
)

// Error is the uniform error type returned by GaldrDb's public API. It wraps
// one of the sentinels above together with contextual fields, following the
// "(cause) (collection=... id=...)" message shape:
//
//	db.Collection("Person").Insert(doc)
//	// galdrdb: unique constraint violated (collection=Person id=7 op=insert)
//
// Use [errors.Is] to test for a sentinel and [errors.As] to recover context:
//
//	var gErr *galdrdb.Error
//	if errors.As(err, &gErr) {
//	    fmt.Println(gErr.Collection, gErr.ID)
//	}
type Error struct {
	// Collection is the collection name involved, when known.
	Collection string

	// ID is the document id involved, when known. Zero means "not
	// applicable", since valid ids start at 1.
	ID int64

	// Op names the operation that failed (e.g. "insert", "commit").
	Op string

	// Err is the underlying cause, normally one of the sentinels above.
	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}

	suffix := e.suffix()
	switch {
	case suffix == "":
		return cause
	case cause == "":
		return suffix
	default:
		return cause + " " + suffix
	}
}

func (e *Error) suffix() string {
	var parts []string
	if e.Collection != "" {
		parts = append(parts, "collection="+e.Collection)
	}
	if e.ID != 0 {
		parts = append(parts, fmt.Sprintf("id=%d", e.ID))
	}
	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}
	if len(parts) == 0 {
		return ""
	}
	s := "("
	for i, p := range parts {
		if i > 0 {
			s += " "
		}
		s += p
	}
	return s + ")"
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// errOpt configures an [Error] during construction via [wrapErr].
type errOpt func(*Error)

func withCollection(name string) errOpt { return func(e *Error) { e.Collection = name } }
func withID(id int64) errOpt            { return func(e *Error) { e.ID = id } }
func withOp(op string) errOpt           { return func(e *Error) { e.Op = op } }

// wrapErr attaches context to err with an inherit-then-override rule: if
// err is already an *Error, its context is inherited and the supplied
// opts may override it; otherwise a fresh *Error is created around err.
func wrapErr(err error, opts ...errOpt) error {
	if err == nil {
		return nil
	}

	existing := &Error{}
	isDirect := errors.As(err, &existing)

	if isDirect && len(opts) == 0 {
		return existing
	}

	e := &Error{Err: err}
	if isDirect {
		e.Collection = existing.Collection
		e.ID = existing.ID
		e.Op = existing.Op
		e.Err = existing.Err
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}
