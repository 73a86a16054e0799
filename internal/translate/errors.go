package translate

import (
	"fmt"
	"strings"

	"github.com/atlekbai/formula_engine/internal/formula"
)

// TranslationError holds one or more translation failures.
type TranslationError struct {
	Errors []error
}

func (e *TranslationError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d translation errors: %s", len(e.Errors), strings.Join(msgs, "; "))
}

func (e *TranslationError) Unwrap() []error { return e.Errors }

// UnknownFunctionError is reported when no variant of a function exists for
// the dialect and arity.
type UnknownFunctionError struct {
	Name    string
	Dialect string
	Arity   int
	Pos     formula.Position
}

func (e *UnknownFunctionError) Error() string {
	return fmt.Sprintf("unknown function %s with %d arguments for dialect %s at position %d",
		e.Name, e.Arity, e.Dialect, e.Pos.Start)
}

// UnknownFieldError is reported for a reference the environment cannot resolve.
type UnknownFieldError struct {
	Name string
	Pos  formula.Position
	Err  error
}

func (e *UnknownFieldError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unknown field %s at position %d: %v", e.Name, e.Pos.Start, e.Err)
	}
	return fmt.Sprintf("unknown field %s at position %d", e.Name, e.Pos.Start)
}

func (e *UnknownFieldError) Unwrap() error { return e.Err }

// TypeMismatchError is reported when operand types do not fit an operation.
type TypeMismatchError struct {
	Token   string
	Pos     formula.Position
	Message string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch at position %d (%s): %s", e.Pos.Start, e.Token, e.Message)
}

// ArgumentError is reported when a generator rejects an argument value.
type ArgumentError struct {
	Token string
	Pos   formula.Position
	Err   error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid argument of %s at position %d: %v", e.Token, e.Pos.Start, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }
