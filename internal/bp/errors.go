package bp

import (
	"errors"
	"fmt"
)

// ToolError is a tool-level failure: precondition or environment problems
// that abort the whole operation, as opposed to per-path errors which are
// reported and skipped. The CLI maps it to a distinct exit code.
type ToolError struct {
	msg string
	err error
}

func (e *ToolError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *ToolError) Unwrap() error {
	return e.err
}

// Errorf creates a ToolError with a formatted message.
func Errorf(format string, args ...any) *ToolError {
	return &ToolError{msg: fmt.Sprintf(format, args...)}
}

// WrapTool wraps err as a ToolError with a message.
func WrapTool(err error, format string, args ...any) *ToolError {
	return &ToolError{msg: fmt.Sprintf(format, args...), err: err}
}

// IsToolError reports whether err is (or wraps) a ToolError.
func IsToolError(err error) bool {
	var te *ToolError
	return errors.As(err, &te)
}
