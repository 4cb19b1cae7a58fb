// Package rdberrors defines the error kinds surfaced by the engine core,
// per spec.md §7. Every constructor returns its kind wrapped with
// github.com/pingcap/errors.Trace so stack traces survive across goroutine
// and channel boundaries, matching the teacher repo's error-wrapping
// convention. Only the kinds that carry a Cause implement Unwrap.
package rdberrors

import (
	"fmt"

	"github.com/pingcap/errors"
)

// ValidationIssue is one field-level problem found while validating a
// mutation against a collection's schema.
type ValidationIssue struct {
	Path    string
	Message string
}

// SchemaValidationError is returned synchronously from insert/update when
// schema validation fails; the optimistic overlay is never touched.
type SchemaValidationError struct {
	Type   string // "insert" or "update"
	Issues []ValidationIssue
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("schema validation failed for %s: %d issue(s)", e.Type, len(e.Issues))
}

func NewSchemaValidationError(typ string, issues []ValidationIssue) error {
	return errors.Trace(&SchemaValidationError{Type: typ, Issues: issues})
}

// InvalidSourceError is raised during query compilation when a query's
// `from` or join source is not a recognized collection-like or subquery
// value.
type InvalidSourceError struct {
	Detail string
}

func (e *InvalidSourceError) Error() string { return "invalid source: " + e.Detail }

func NewInvalidSourceError(detail string) error {
	return errors.Trace(&InvalidSourceError{Detail: detail})
}

// InvalidSourceTypeError is raised when a source is of a recognizable
// shape but the wrong concrete type for its position in the plan.
type InvalidSourceTypeError struct {
	Detail string
}

func (e *InvalidSourceTypeError) Error() string { return "invalid source type: " + e.Detail }

func NewInvalidSourceTypeError(detail string) error {
	return errors.Trace(&InvalidSourceTypeError{Detail: detail})
}

// OnlyOneSourceAllowedError is raised when a plan specifies more than one
// `from` clause.
type OnlyOneSourceAllowedError struct{}

func (e *OnlyOneSourceAllowedError) Error() string { return "only one source is allowed" }

func NewOnlyOneSourceAllowedError() error {
	return errors.Trace(&OnlyOneSourceAllowedError{})
}

// SubQueryMustHaveFromClauseError is raised when a nested query IR used as
// a join or from source omits `from`.
type SubQueryMustHaveFromClauseError struct{}

func (e *SubQueryMustHaveFromClauseError) Error() string { return "subquery must have a from clause" }

func NewSubQueryMustHaveFromClauseError() error {
	return errors.Trace(&SubQueryMustHaveFromClauseError{})
}

// QueryMustHaveFromClauseError is raised when a top-level query IR omits
// `from`.
type QueryMustHaveFromClauseError struct{}

func (e *QueryMustHaveFromClauseError) Error() string { return "query must have a from clause" }

func NewQueryMustHaveFromClauseError() error {
	return errors.Trace(&QueryMustHaveFromClauseError{})
}

// UnknownCollectionError is raised when a persistence or dataflow
// operation targets a collection id that was never registered.
type UnknownCollectionError struct {
	CollectionID string
}

func (e *UnknownCollectionError) Error() string {
	return "unknown collection: " + e.CollectionID
}

func NewUnknownCollectionError(id string) error {
	return errors.Trace(&UnknownCollectionError{CollectionID: id})
}

// TransactionFailedError wraps the underlying mutation or sync error that
// caused a transaction (and possibly the transactions cascaded from it)
// to fail.
type TransactionFailedError struct {
	TransactionID string
	Cause         error
}

func (e *TransactionFailedError) Error() string {
	return fmt.Sprintf("transaction %s failed: %v", e.TransactionID, e.Cause)
}

func (e *TransactionFailedError) Unwrap() error { return e.Cause }

func NewTransactionFailedError(txID string, cause error) error {
	return errors.Trace(&TransactionFailedError{TransactionID: txID, Cause: cause})
}

// IterationLimitExceeded is a non-fatal diagnostic: the dataflow run loop
// hit its configured bound and returned with best-effort results.
type IterationLimitExceeded struct {
	Limit      int
	PerOperator map[string]int
}

func (e *IterationLimitExceeded) Error() string {
	return fmt.Sprintf("iteration limit of %d exceeded across %d operator(s)", e.Limit, len(e.PerOperator))
}

func NewIterationLimitExceeded(limit int, perOperator map[string]int) error {
	return errors.Trace(&IterationLimitExceeded{Limit: limit, PerOperator: perOperator})
}

// IndexEvaluationError is surfaced as a warning and skipped for the row
// that triggered it; the collection remains operational.
type IndexEvaluationError struct {
	IndexID string
	Cause   error
}

func (e *IndexEvaluationError) Error() string {
	return fmt.Sprintf("index %s: evaluation error: %v", e.IndexID, e.Cause)
}

func (e *IndexEvaluationError) Unwrap() error { return e.Cause }

func NewIndexEvaluationError(indexID string, cause error) error {
	return errors.Trace(&IndexEvaluationError{IndexID: indexID, Cause: cause})
}
