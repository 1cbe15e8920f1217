package apperror

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_MessageIncludesCauseWhenPresent(t *testing.T) {
	cause := errors.New("boom")
	err := NewUpstreamTransient("request failed", cause)

	got := err.Error()
	want := "request failed: boom"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestError_MessageOmitsCauseWhenNil(t *testing.T) {
	err := NewValidation("bad input")
	if got := err.Error(); got != "bad input" {
		t.Errorf("Error() = %q, want %q", got, "bad input")
	}
}

func TestError_UnwrapExposesCause(t *testing.T) {
	cause := errors.New("boom")
	err := NewFatal("store unreachable", cause)
	if !errors.Is(err, cause) {
		t.Errorf("expected errors.Is to find the wrapped cause")
	}
}

func TestCategoryOf_FindsCategoryThroughWrapping(t *testing.T) {
	err := NewNotFound("item missing")
	wrapped := fmt.Errorf("loading rule: %w", err)

	cat, ok := CategoryOf(wrapped)
	if !ok {
		t.Fatalf("expected CategoryOf to find the wrapped *Error")
	}
	if cat != NotFound {
		t.Errorf("CategoryOf() = %v, want %v", cat, NotFound)
	}
}

func TestCategoryOf_FalseForPlainError(t *testing.T) {
	_, ok := CategoryOf(errors.New("plain"))
	if ok {
		t.Errorf("expected CategoryOf to return false for a non-taxonomy error")
	}
}

func TestHTTPStatus_MapsKnownCategories(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{NewValidation("x"), 400},
		{NewUpstreamAuth("x", nil), 401},
		{NewNotFound("x"), 404},
		{NewProgramLogic("x"), 500},
		{NewUpstreamTransient("x", nil), 500},
		{NewTemplateEvaluation("x", nil), 500},
		{NewFatal("x", nil), 500},
		{errors.New("plain"), 500},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
