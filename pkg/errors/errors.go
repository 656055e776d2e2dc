package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeParse represents field-definition parse errors
	ErrorTypeParse ErrorType = "parse"
	// ErrorTypeSchema represents schema assembly/validation errors
	ErrorTypeSchema ErrorType = "schema"
	// ErrorTypeGraph represents dependency graph errors
	ErrorTypeGraph ErrorType = "graph"
	// ErrorTypeStore represents entity/relation store errors
	ErrorTypeStore ErrorType = "store"
	// ErrorTypeResolve represents reference resolution errors
	ErrorTypeResolve ErrorType = "resolve"
	// ErrorTypeGenerate represents content generation errors
	ErrorTypeGenerate ErrorType = "generate"
	// ErrorTypeContext represents context cancellation/timeout errors
	ErrorTypeContext ErrorType = "context"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
)

// BaseError is the base error type with common fields
type BaseError struct {
	Type      ErrorType
	Message   string
	Timestamp time.Time
	Err       error // Wrapped error
}

// Error implements the error interface
func (e *BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error for error unwrapping
func (e *BaseError) Unwrap() error {
	return e.Err
}

// ErrType returns the error category. Promoted into every error type that
// embeds BaseError, so IsErrorType works across the hierarchy.
func (e *BaseError) ErrType() ErrorType {
	return e.Type
}

// NewBaseError creates a new base error
func NewBaseError(errType ErrorType, message string, err error) *BaseError {
	return &BaseError{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// Parse Errors

// ParseError is returned when a field-definition string cannot be parsed.
// Fragment holds the offending portion of the input.
type ParseError struct {
	*BaseError
	Field    string
	Fragment string
	Reason   string
}

func NewParseError(field, fragment, reason string) *ParseError {
	return &ParseError{
		BaseError: NewBaseError(ErrorTypeParse, fmt.Sprintf("cannot parse field %q at %q: %s", field, fragment, reason), nil),
		Field:     field,
		Fragment:  fragment,
		Reason:    reason,
	}
}

// Schema Errors

// SchemaValidationError is returned when a relation field references a type
// that is not declared in the schema.
type SchemaValidationError struct {
	*BaseError
	TypeName    string
	Field       string
	MissingType string
}

func NewSchemaValidationError(typeName, field, missingType string) *SchemaValidationError {
	return &SchemaValidationError{
		BaseError:   NewBaseError(ErrorTypeSchema, fmt.Sprintf("field %s.%s references undeclared type %q", typeName, field, missingType), nil),
		TypeName:    typeName,
		Field:       field,
		MissingType: missingType,
	}
}

// Graph Errors

// CircularDependencyError is returned when the dependency graph contains a
// cycle through mandatory edges. Path holds the offending cycle, with the
// first node repeated at the end.
type CircularDependencyError struct {
	*BaseError
	Path []string
}

func NewCircularDependencyError(path []string) *CircularDependencyError {
	return &CircularDependencyError{
		BaseError: NewBaseError(ErrorTypeGraph, fmt.Sprintf("circular dependency: %s", strings.Join(path, " -> ")), nil),
		Path:      path,
	}
}

// Store Errors

// ConflictError is returned when inserting a record whose id already exists.
type ConflictError struct {
	*BaseError
	ID string
}

func NewConflictError(id string) *ConflictError {
	return &ConflictError{
		BaseError: NewBaseError(ErrorTypeStore, fmt.Sprintf("record already exists: %s", id), nil),
		ID:        id,
	}
}

// NotFoundError is returned when a record id is absent from the store.
type NotFoundError struct {
	*BaseError
	ID string
}

func NewNotFoundError(id string) *NotFoundError {
	return &NotFoundError{
		BaseError: NewBaseError(ErrorTypeStore, fmt.Sprintf("record not found: %s", id), nil),
		ID:        id,
	}
}

// StoreError is returned for backend failures (I/O, query errors).
type StoreError struct {
	*BaseError
	Op string
}

func NewStoreError(op string, err error) *StoreError {
	return &StoreError{
		BaseError: NewBaseError(ErrorTypeStore, fmt.Sprintf("store operation failed: %s", op), err),
		Op:        op,
	}
}

// Resolve Errors

// ResolveError is returned when a single reference field fails to resolve.
// It degrades that field only, never the whole entity.
type ResolveError struct {
	*BaseError
	Field string
}

func NewResolveError(field string, err error) *ResolveError {
	return &ResolveError{
		BaseError: NewBaseError(ErrorTypeResolve, fmt.Sprintf("failed to resolve field: %s", field), err),
		Field:     field,
	}
}

// Generate Errors

// GenerateError is returned when the content generator fails.
type GenerateError struct {
	*BaseError
	Model    string
	Attempts int
}

func NewGenerateError(model string, attempts int, err error) *GenerateError {
	return &GenerateError{
		BaseError: NewBaseError(ErrorTypeGenerate, fmt.Sprintf("generation failed after %d attempts", attempts), err),
		Model:     model,
		Attempts:  attempts,
	}
}

// Context Errors

// ContextError is returned when an operation is cancelled or times out.
type ContextError struct {
	*BaseError
	Operation string
}

func NewContextError(operation string, err error) *ContextError {
	return &ContextError{
		BaseError: NewBaseError(ErrorTypeContext, fmt.Sprintf("operation cancelled: %s", operation), err),
		Operation: operation,
	}
}

// Helper functions

// IsErrorType checks if an error is of a specific category
func IsErrorType(err error, errType ErrorType) bool {
	var typed interface{ ErrType() ErrorType }
	if errors.As(err, &typed) {
		return typed.ErrType() == errType
	}
	return false
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsParseError reports whether err is a ParseError.
func IsParseError(err error) bool {
	var p *ParseError
	return errors.As(err, &p)
}

// IsCircularDependency reports whether err is a CircularDependencyError.
func IsCircularDependency(err error) bool {
	var c *CircularDependencyError
	return errors.As(err, &c)
}
