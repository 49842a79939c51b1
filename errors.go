package relic

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common failure cases
var (
	// ErrRecordNotFound is returned when a query that requires a row finds none.
	ErrRecordNotFound = errors.New("relic: record not found")

	// ErrNotRegistered is returned when a model type was never passed to Register.
	ErrNotRegistered = errors.New("relic: model type not registered")

	// ErrNotAStruct is returned when a registered model is not a struct type.
	ErrNotAStruct = errors.New("relic: model must be a struct")

	// ErrNoConnection is returned when no connection has been set up.
	ErrNoConnection = errors.New("relic: no connection configured")

	// ErrRelationNotFound is returned when a property name does not resolve
	// to a discovered relation.
	ErrRelationNotFound = errors.New("relic: relation not found")

	// ErrAmbiguousRelation is the root of every discovery ambiguity failure.
	ErrAmbiguousRelation = errors.New("relic: ambiguous relation")
)

// DiscoveryError reports a model set whose relations cannot be resolved.
// Discovery never guesses: two candidate property pairs between the same
// types that cannot be told apart by a link identifier are fatal.
type DiscoveryError struct {
	LocalType   string
	ForeignType string
	Properties  []string
	Err         error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("relic: discovery failed between %s and %s (properties %s): %v",
		e.LocalType, e.ForeignType, strings.Join(e.Properties, ", "), e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// CardinalityError reports a single-result accessor that observed the wrong
// number of rows.
type CardinalityError struct {
	Type string
	Want int
	Got  int
}

func (e *CardinalityError) Error() string {
	return fmt.Sprintf("relic: expected %d row(s) of %s, got %d", e.Want, e.Type, e.Got)
}

// CoercionError reports a raw driver value that cannot be converted to the
// target property's type.
type CoercionError struct {
	Property string
	Value    any
	Target   string
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("relic: cannot coerce %T (%v) into %s for property %s",
		e.Value, e.Value, e.Target, e.Property)
}

// QueryError wraps execution failures with the rendered SQL and parameters
// for debugging. The executor logs the same context before propagating.
type QueryError struct {
	Query     string
	Params    map[string]any
	Operation string
	Err       error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("relic: %s failed: %v\nquery: %s\nparams: %s",
		e.Operation, e.Err, e.Query, formatParams(e.Params))
}

func (e *QueryError) Unwrap() error { return e.Err }

func wrapQueryError(operation, query string, params map[string]any, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRecordNotFound
	}
	return &QueryError{Query: query, Params: params, Operation: operation, Err: err}
}

// IsNotFound reports whether err means no matching row existed.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound) || errors.Is(err, sql.ErrNoRows)
}

// IsAmbiguous reports whether err is a discovery ambiguity failure.
func IsAmbiguous(err error) bool {
	return errors.Is(err, ErrAmbiguousRelation)
}

func formatParams(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(params))
	for _, tok := range sortedKeys(params) {
		parts = append(parts, fmt.Sprintf("%s=%v", tok, params[tok]))
	}
	result := "{" + strings.Join(parts, ", ") + "}"
	if len(result) > 200 {
		return result[:197] + "...}"
	}
	return result
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// tokens are @p0, @p1, ... so sort by numeric suffix length first
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && tokenLess(keys[j], keys[j-1]); j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

func tokenLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
