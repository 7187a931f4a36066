package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures.
type ErrorKind string

const (
	KindToolNotFound       ErrorKind = "tool_not_found"
	KindEmptyFile          ErrorKind = "empty_file"
	KindBadHeader          ErrorKind = "bad_header"
	KindBadTrailer         ErrorKind = "bad_trailer"
	KindPageCountUnknown   ErrorKind = "page_count_unknown"
	KindOptimizationFailed ErrorKind = "optimization_failed"
	KindRenderFailed       ErrorKind = "render_failed"
	KindFileNotFound       ErrorKind = "file_not_found"
	KindFileMoveFailed     ErrorKind = "file_move_failed"
)

// ProcessingError carries the failure kind, the page for render failures
// and the underlying cause (tool output, fs error).
type ProcessingError struct {
	Kind    ErrorKind
	Page    int
	Message string
	Err     error
}

func (e *ProcessingError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Kind == KindRenderFailed && e.Page > 0 {
		msg = fmt.Sprintf("%s (page %d)", msg, e.Page)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// Is matches on kind. A target with Page set also has to match the page.
func (e *ProcessingError) Is(target error) bool {
	t, ok := target.(*ProcessingError)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Page == 0 || t.Page == e.Page
}

var (
	ErrToolNotFound       = &ProcessingError{Kind: KindToolNotFound}
	ErrEmptyFile          = &ProcessingError{Kind: KindEmptyFile}
	ErrBadHeader          = &ProcessingError{Kind: KindBadHeader}
	ErrBadTrailer         = &ProcessingError{Kind: KindBadTrailer}
	ErrPageCountUnknown   = &ProcessingError{Kind: KindPageCountUnknown}
	ErrOptimizationFailed = &ProcessingError{Kind: KindOptimizationFailed}
	ErrRenderFailed       = &ProcessingError{Kind: KindRenderFailed}
	ErrFileNotFound       = &ProcessingError{Kind: KindFileNotFound}
	ErrFileMoveFailed     = &ProcessingError{Kind: KindFileMoveFailed}
)

func NewError(kind ErrorKind, message string, err error) *ProcessingError {
	return &ProcessingError{Kind: kind, Message: message, Err: err}
}

func RenderFailed(page int, err error) *ProcessingError {
	return &ProcessingError{Kind: KindRenderFailed, Page: page, Message: "render failed", Err: err}
}

// KindOf returns the kind of the first ProcessingError in the chain, or "".
func KindOf(err error) ErrorKind {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsValidationError reports whether err came from the input validator.
func IsValidationError(err error) bool {
	switch KindOf(err) {
	case KindEmptyFile, KindBadHeader, KindBadTrailer:
		return true
	}
	return false
}

// ErrNotFound is returned by stores for unknown magazine ids.
var ErrNotFound = errors.New("record not found")
