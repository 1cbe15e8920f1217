// Package apperror gives the engine's error taxonomy (validation, upstream
// transient/auth failures, not-found, program logic, template evaluation,
// fatal) concrete types instead of ad-hoc string matching, the way
// cklxx-elephant.ai's internal/errs distinguishes its HTTP-facing error
// classes.
package apperror

import (
	"errors"
	"fmt"
)

// Category is one branch of the error taxonomy.
type Category string

const (
	Validation         Category = "validation"
	UpstreamTransient  Category = "upstream_transient"
	UpstreamAuth       Category = "upstream_auth"
	NotFound           Category = "not_found"
	ProgramLogic       Category = "program_logic"
	TemplateEvaluation Category = "template_evaluation"
	Fatal              Category = "fatal"
)

// Error wraps an underlying cause with a Category and caller-facing
// message/details.
type Error struct {
	Category Category
	Message  string
	Details  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func new_(cat Category, msg string, cause error) *Error {
	return &Error{Category: cat, Message: msg, Cause: cause}
}

// NewValidation builds a Validation-category error: a rule's trigger,
// components, or action config failed schema check on write.
func NewValidation(msg string) *Error { return new_(Validation, msg, nil) }

// NewUpstreamTransient wraps a 5xx/timeout from the upstream REST call.
func NewUpstreamTransient(msg string, cause error) *Error {
	return new_(UpstreamTransient, msg, cause)
}

// NewUpstreamAuth wraps a 401 from the upstream.
func NewUpstreamAuth(msg string, cause error) *Error { return new_(UpstreamAuth, msg, cause) }

// NewNotFound builds a NotFound-category error for an absent item,
// catalog, or reference.
func NewNotFound(msg string) *Error { return new_(NotFound, msg, nil) }

// NewProgramLogic builds a ProgramLogic-category error: an unknown
// action/condition/trigger type found in stored data.
func NewProgramLogic(msg string) *Error { return new_(ProgramLogic, msg, nil) }

// NewTemplateEvaluation wraps an unknown root, bad syntax, or runtime
// error raised while resolving a template expression.
func NewTemplateEvaluation(msg string, cause error) *Error {
	return new_(TemplateEvaluation, msg, cause)
}

// NewFatal wraps a Store-unreachable or similarly unrecoverable failure.
func NewFatal(msg string, cause error) *Error { return new_(Fatal, msg, cause) }

// CategoryOf extracts the Category of err if it (or something it wraps)
// is an *Error; ok is false otherwise.
func CategoryOf(err error) (cat Category, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Category, true
	}
	return "", false
}

// HTTPStatus maps a Category to the status code the HTTP surface should
// answer with; unmatched errors default to 500.
func HTTPStatus(err error) int {
	cat, ok := CategoryOf(err)
	if !ok {
		return 500
	}
	switch cat {
	case Validation:
		return 400
	case UpstreamAuth:
		return 401
	case NotFound:
		return 404
	default:
		return 500
	}
}
