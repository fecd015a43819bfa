// Copyright 2025 Market Spine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors defines the error taxonomy surfaced by the Market Spine
// core. Every error that crosses a component boundary carries a Category;
// the dispatcher uses it to decide retryability and the HTTP layer maps it
// to a status code.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Category classifies an error for retry and surfacing decisions.
type Category string

const (
	// CategoryValidation marks parameter or configuration errors. Permanent.
	CategoryValidation Category = "validation"

	// CategoryNotFound marks a missing pipeline, execution, or schedule.
	CategoryNotFound Category = "not_found"

	// CategoryConflict marks idempotency hits, uniqueness violations, and
	// held locks.
	CategoryConflict Category = "conflict"

	// CategoryDependency marks upstream data that is missing or not
	// certified.
	CategoryDependency Category = "dependency"

	// CategoryTimeout marks wall-clock or lock TTL expiry.
	CategoryTimeout Category = "timeout"

	// CategoryTransient marks network, driver, and 5xx failures. The only
	// category the dispatcher retries.
	CategoryTransient Category = "transient"

	// CategoryPermanent marks any other non-retryable failure.
	CategoryPermanent Category = "permanent"
)

// Error is the canonical error type carried across component boundaries.
type Error struct {
	// Category classifies the failure per the core taxonomy.
	Category Category

	// Message is the human-readable description.
	Message string

	// Details holds structured context (field names, keys, identifiers).
	Details map[string]any

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error with the given category and message.
func New(cat Category, message string) *Error {
	return &Error{Category: cat, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(cat Category, format string, args ...any) *Error {
	return &Error{Category: cat, Message: fmt.Sprintf(format, args...)}
}

// WithDetail returns e with a detail key set. The receiver is mutated and
// returned for chaining at construction sites.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Validation creates a validation error for a named field.
func Validation(field, reason string) *Error {
	return New(CategoryValidation, reason).WithDetail("field", field)
}

// NotFound creates a not_found error for a resource and identifier.
func NotFound(resource, id string) *Error {
	return Newf(CategoryNotFound, "%s not found: %s", resource, id).
		WithDetail("resource", resource).
		WithDetail("id", id)
}

// Conflict creates a conflict error.
func Conflict(message string) *Error {
	return New(CategoryConflict, message)
}

// Transient wraps err as a transient (retryable) error.
func Transient(err error, message string) *Error {
	return &Error{Category: CategoryTransient, Message: message, Cause: err}
}

// Permanent wraps err as a permanent (non-retryable) error.
func Permanent(err error, message string) *Error {
	return &Error{Category: CategoryPermanent, Message: message, Cause: err}
}

// Timeout creates a timeout error for an operation.
func Timeout(operation string) *Error {
	return Newf(CategoryTimeout, "%s timed out", operation).
		WithDetail("operation", operation)
}

// CategoryOf returns the category of err, unwrapping as needed.
// Unclassified errors are reported as permanent.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryPermanent
}

// IsRetryable reports whether err should be retried by the dispatcher.
// Only transient failures are retry candidates.
func IsRetryable(err error) bool {
	return CategoryOf(err) == CategoryTransient
}

// IsCategory reports whether err carries the given category.
func IsCategory(err error, cat Category) bool {
	return CategoryOf(err) == cat
}

// HTTPStatus maps an error category to the status code served by the API
// layer: validation 400, not_found 404, conflict 409, timeout 504, and
// everything else 500.
func HTTPStatus(err error) int {
	switch CategoryOf(err) {
	case CategoryValidation:
		return http.StatusBadRequest
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryConflict:
		return http.StatusConflict
	case CategoryTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
