package engine

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ValidationError reports malformed input with field-level detail. It is
// surfaced to the caller and never retried automatically.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ConflictError reports a state collision the caller must resolve
// explicitly, such as enrolling while another enrollment is still active.
// EnrollmentID names the conflicting enrollment when one is known.
type ConflictError struct {
	Message      string
	EnrollmentID primitive.ObjectID
}

func (e *ConflictError) Error() string {
	return e.Message
}

// NotFoundError reports an unknown template, instance, or enrollment.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return e.Resource + " not found"
}

// ForbiddenError reports an ownership mismatch. It carries no resource
// detail so non-owners learn nothing beyond "not authorized".
type ForbiddenError struct{}

func (e *ForbiddenError) Error() string {
	return "not authorized"
}
