package store

import (
	"errors"
	"fmt"

	storageerrors "github.com/devrev/pairdb/internal/errors"
	"github.com/jackc/pgx/v5/pgconn"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ConflictKind classifies a storage failure for retry decisions
type ConflictKind int

const (
	// ConflictUnclassified is any failure that is not a recognised conflict
	ConflictUnclassified ConflictKind = iota
	// ConflictOptimisticLock means the expected version did not match
	ConflictOptimisticLock
	// ConflictWriteWrite means a concurrent transaction committed first
	ConflictWriteWrite
	// ConflictUniqueConstraint means a unique index already holds the key
	ConflictUniqueConstraint
)

func (k ConflictKind) String() string {
	switch k {
	case ConflictOptimisticLock:
		return "optimistic_lock"
	case ConflictWriteWrite:
		return "write_write"
	case ConflictUniqueConstraint:
		return "unique_constraint"
	default:
		return "unclassified"
	}
}

// ErrNotFound is returned when a record id is not present
var ErrNotFound = errors.New("record not found")

// NotFoundError names the missing record
type NotFoundError struct {
	Store string
	ID    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s/%s: %v", e.Store, e.ID, ErrNotFound)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError is a storage-level conflict raised by the in-memory stores
type ConflictError struct {
	Kind     ConflictKind
	Store    string
	ID       string
	Expected uint64
	Actual   uint64
	Index    string
	Key      string
}

func (e *ConflictError) Error() string {
	switch e.Kind {
	case ConflictOptimisticLock:
		return fmt.Sprintf("%s/%s: version mismatch (expected %d, actual %d)", e.Store, e.ID, e.Expected, e.Actual)
	case ConflictUniqueConstraint:
		return fmt.Sprintf("%s/%s: unique index %s already holds %q", e.Store, e.ID, e.Index, e.Key)
	case ConflictWriteWrite:
		return fmt.Sprintf("%s: concurrent transaction committed first", e.Store)
	default:
		return fmt.Sprintf("%s/%s: conflict", e.Store, e.ID)
	}
}

// ValidationError reports a rejected command or value
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation failed: %s: %v", e.Reason, e.Err)
	}
	return "validation failed: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Invalid builds a ValidationError
func Invalid(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ClassifyConflict assigns exactly one conflict kind to err. It recognises the
// in-memory ConflictError, runtime version conflicts, Postgres SQLSTATEs and
// SQLite result codes.
func ClassifyConflict(err error) ConflictKind {
	if err == nil {
		return ConflictUnclassified
	}

	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Kind
	}

	switch storageerrors.GetCode(err) {
	case storageerrors.ErrCodeVersionConflict:
		return ConflictOptimisticLock
	case storageerrors.ErrCodeAlreadyExists:
		return ConflictUniqueConstraint
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ConflictUniqueConstraint
		case "40001", "40P01":
			return ConflictWriteWrite
		}
		return ConflictUnclassified
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return ConflictWriteWrite
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return ConflictUniqueConstraint
		}
	}
	return ConflictUnclassified
}

// DomainErrorKind is the error vocabulary exposed to application code
type DomainErrorKind int

const (
	DomainInternal DomainErrorKind = iota
	DomainNotFound
	DomainConflictConcurrent
	DomainConflictUnique
	DomainValidation
)

func (k DomainErrorKind) String() string {
	switch k {
	case DomainNotFound:
		return "not_found"
	case DomainConflictConcurrent:
		return "conflict_concurrent"
	case DomainConflictUnique:
		return "conflict_unique"
	case DomainValidation:
		return "validation"
	default:
		return "internal"
	}
}

// DomainError hides storage details behind a small taxonomy
type DomainError struct {
	Kind   DomainErrorKind
	Detail string
	Err    error
}

func (e *DomainError) Error() string {
	return e.Kind.String() + ": " + e.Detail
}

func (e *DomainError) Unwrap() error { return e.Err }

// ToDomainError converts any store or runtime error into a DomainError
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var de *DomainError
	if errors.As(err, &de) {
		return de
	}

	out := &DomainError{Kind: DomainInternal, Detail: err.Error(), Err: err}
	var ve *ValidationError
	switch {
	case errors.Is(err, ErrNotFound), storageerrors.IsNotFound(err):
		out.Kind = DomainNotFound
	case errors.As(err, &ve),
		storageerrors.HasCode(err, storageerrors.ErrCodeInvalidArgument),
		storageerrors.HasCode(err, storageerrors.ErrCodeSchemaViolation),
		storageerrors.HasCode(err, storageerrors.ErrCodeCommandRejected):
		out.Kind = DomainValidation
	default:
		switch ClassifyConflict(err) {
		case ConflictOptimisticLock, ConflictWriteWrite:
			out.Kind = DomainConflictConcurrent
		case ConflictUniqueConstraint:
			out.Kind = DomainConflictUnique
		}
	}
	return out
}

// MutationError separates caller business errors from storage failures.
// Exactly one of Domain and User is set.
type MutationError struct {
	Domain *DomainError
	User   error
}

func (e *MutationError) Error() string {
	if e.User != nil {
		return e.User.Error()
	}
	return e.Domain.Error()
}

func (e *MutationError) Unwrap() error {
	if e.User != nil {
		return e.User
	}
	return e.Domain
}

// IsUser reports whether the caller's closure produced the error
func (e *MutationError) IsUser() bool { return e.User != nil }

func domainFailure(err error) error {
	return &MutationError{Domain: ToDomainError(err)}
}
