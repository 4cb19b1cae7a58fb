// Package schema validates records against a declared shape before they
// enter a collection's optimistic overlay, adapted from the teacher
// repo's pkg/lint: there, rules walk a parsed SQL statement and collect
// Issues; here, rules walk a rowvalue.Row and collect
// rdberrors.ValidationIssue, since this engine has no SQL surface to lint
// (queries are authored through the typed builder in pkg/query, per
// spec.md's non-goals).
package schema

import (
	"fmt"

	"github.com/block/reactivedb/pkg/rdberrors"
	"github.com/block/reactivedb/pkg/rowvalue"
)

// FieldRule declares one expectation about a field path.
type FieldRule struct {
	Path     string
	Required bool
	Kind     rowvalue.Kind // ignored if AnyKind is true
	AnyKind  bool
}

// Schema is an ordered set of field rules. A zero-value Schema accepts
// every row: callers that never register a schema get no validation
// overhead, matching the teacher's opt-in lint rule registration.
type Schema struct {
	Fields []FieldRule
}

// Validate returns the issues found in row, in field declaration order.
// A nil/empty return means the row is valid.
func (s Schema) Validate(row rowvalue.Row) []rdberrors.ValidationIssue {
	var issues []rdberrors.ValidationIssue
	for _, f := range s.Fields {
		v, present := row[f.Path]
		if !present || v.IsUndefined() {
			if f.Required {
				issues = append(issues, rdberrors.ValidationIssue{
					Path:    f.Path,
					Message: "required field is missing",
				})
			}
			continue
		}
		if !f.AnyKind && v.Kind() != f.Kind {
			issues = append(issues, rdberrors.ValidationIssue{
				Path:    f.Path,
				Message: fmt.Sprintf("expected kind %d, got %d", f.Kind, v.Kind()),
			})
		}
	}
	return issues
}

// CheckInsert validates a row being inserted and, on failure, returns a
// ready-to-propagate SchemaValidationError. It never mutates collection
// state (spec.md §4.1: validation failure must not touch the overlay).
func (s Schema) CheckInsert(row rowvalue.Row) error {
	if issues := s.Validate(row); len(issues) > 0 {
		return rdberrors.NewSchemaValidationError("insert", issues)
	}
	return nil
}

// CheckUpdate validates a row being updated.
func (s Schema) CheckUpdate(row rowvalue.Row) error {
	if issues := s.Validate(row); len(issues) > 0 {
		return rdberrors.NewSchemaValidationError("update", issues)
	}
	return nil
}
