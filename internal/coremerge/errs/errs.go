// Package errs defines the typed error taxonomy the core merger uses to
// decide what a failure means: a per-row skip, a batch rollback, or a
// failed merge run.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way the core merger's callers need to react
// to it, not the way a database driver happens to report it.
type Kind string

const (
	KindBusinessKeyMissing  Kind = "business_key_missing"
	KindBusinessKeyConflict Kind = "business_key_conflict"
	KindTransformation      Kind = "transformation_error"
	KindMissingForeignKey   Kind = "missing_foreign_key"
	KindConstraintViolation Kind = "constraint_violation"
	KindDatabase            Kind = "database_error"
	KindSCD2Constraint      Kind = "scd2_constraint_violation"
	KindMergePrecondition   Kind = "merge_precondition"
)

// RowError is a single per-row failure, scoped to one business key. It
// never aborts the batch it was raised in; the loader records it and moves
// on to the next row.
type RowError struct {
	Kind        Kind
	BusinessKey string
	Message     string
}

func (e *RowError) Error() string {
	if e.BusinessKey != "" {
		return fmt.Sprintf("%s: %s (key=%s)", e.Kind, e.Message, e.BusinessKey)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewRowError builds a RowError, the per-row counterpart to WrapDatabaseError below.
func NewRowError(kind Kind, businessKey, msg string) *RowError {
	return &RowError{Kind: kind, BusinessKey: businessKey, Message: msg}
}

// BatchError wraps a failure that invalidates an entire batch (transaction
// rollback). Kind is always one of KindConstraintViolation, KindDatabase,
// KindMissingForeignKey, or KindSCD2Constraint.
type BatchError struct {
	Kind Kind
	Err  error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// WrapDatabaseError tags a raw driver error as a batch-fatal database_error,
// mirroring the teacher's wrapLockError/wrapDBError convention of
// attaching operator-facing context to low-level driver failures.
func WrapDatabaseError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &BatchError{Kind: KindDatabase, Err: fmt.Errorf("%s: %w", op, err)}
}

// WrapConstraintViolation tags a raw driver error as batch-fatal because a
// unique/foreign-key/check constraint rejected the statement.
func WrapConstraintViolation(op string, err error) error {
	if err == nil {
		return nil
	}
	return &BatchError{Kind: KindConstraintViolation, Err: fmt.Errorf("%s: %w", op, err)}
}

// MissingForeignKeyError is raised when a fact row references a dimension
// business key that the cache cannot resolve and the relationship's
// missing-FK strategy is "error" (spec §4.6 policy matrix). It rolls back
// the batch it was raised in, but per §7 it does not transition the
// MergeRun itself to failed; see IsFatal.
func MissingForeignKeyError(dimType, detail string) error {
	return &BatchError{
		Kind: KindMissingForeignKey,
		Err:  fmt.Errorf("dimension %q: %s", dimType, detail),
	}
}

// SCD2ConstraintViolation is raised when the loader detects more than one
// current version (or overlapping effective ranges) for a business key. It
// is always a critical, merge-failing condition (§7).
func SCD2ConstraintViolation(businessKey, detail string) error {
	return &BatchError{
		Kind: KindSCD2Constraint,
		Err:  fmt.Errorf("business key %q: %s", businessKey, detail),
	}
}

// MergePreconditionError signals mergeToCore cannot even start: the load
// run is unknown, or it already completed without forceReprocess. Neither
// case has any side effect.
type MergePreconditionError struct {
	Reason string
}

func (e *MergePreconditionError) Error() string { return e.Reason }

func NewMergePrecondition(reason string) error {
	return &MergePreconditionError{Reason: reason}
}

// IsFatal reports whether err can transition a MergeRun to failed: only
// database_error and scd2_constraint_violation may (§7); everything else,
// including a required+error missing foreign key, is per-row/per-batch
// bookkeeping the orchestrator absorbs.
func IsFatal(err error) bool {
	var be *BatchError
	if errors.As(err, &be) {
		return be.Kind == KindDatabase || be.Kind == KindSCD2Constraint
	}
	return false
}

// KindOf extracts the Kind from any error produced by this package, or ""
// if err wasn't one of ours.
func KindOf(err error) Kind {
	var be *BatchError
	if errors.As(err, &be) {
		return be.Kind
	}
	var re *RowError
	if errors.As(err, &re) {
		return re.Kind
	}
	var mp *MergePreconditionError
	if errors.As(err, &mp) {
		return KindMergePrecondition
	}
	return ""
}
