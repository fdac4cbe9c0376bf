package utils

import "fmt"

// AppError wraps an operation, a human-facing message and the underlying error.
type AppError struct {
	Op  string
	Msg string
	Err error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}

// Wrap attaches an operation name to err, passing nil through.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &AppError{Op: op, Err: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(op string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &AppError{Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}
