// Package validate runs pluggable checkers over a formula AST.
package validate

import (
	"fmt"
	"strings"

	"github.com/atlekbai/formula_engine/internal/formula"
)

// Checker inspects one node given its ancestors (outermost first).
type Checker interface {
	Check(n formula.Node, parents []formula.Node) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(n formula.Node, parents []formula.Node) error

func (f CheckerFunc) Check(n formula.Node, parents []formula.Node) error { return f(n, parents) }

// ValidationError holds one or more checker failures.
type ValidationError struct {
	Errors []error
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d validation errors: %s", len(e.Errors), strings.Join(msgs, "; "))
}

func (e *ValidationError) Unwrap() []error { return e.Errors }

// Failures is returned by a checker that finds several problems in one node.
// Each failure is reported on its own.
type Failures []error

func (f Failures) Error() string {
	msgs := make([]string, len(f))
	for i, err := range f {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

func (f Failures) Unwrap() []error { return f }

func expand(err error) []error {
	if f, ok := err.(Failures); ok {
		return f
	}
	return []error{err}
}

type memoKey struct {
	checker int
	node    formula.NodeID
}

// Validate applies checkers to every node of root. Each (checker, node)
// pair runs at most once; a node reached again through a shared subtree
// replays the recorded outcome. Without collectErrors the first failure
// aborts; with it every failure is gathered into one ValidationError.
func Validate(root formula.Node, checkers []Checker, collectErrors bool) error {
	v := &validator{
		checkers: checkers,
		collect:  collectErrors,
		memo:     make(map[memoKey]error),
	}
	formula.Walk(root, v.visit)
	if len(v.errs) == 0 {
		return nil
	}
	return &ValidationError{Errors: v.errs}
}

type validator struct {
	checkers []Checker
	collect  bool
	memo     map[memoKey]error
	errs     []error
	stopped  bool
}

func (v *validator) visit(n formula.Node, parents []formula.Node) bool {
	if v.stopped {
		return false
	}
	for i, c := range v.checkers {
		key := memoKey{checker: i, node: n.ID()}
		err, seen := v.memo[key]
		if !seen {
			err = c.Check(n, parents)
			v.memo[key] = err
		}
		if err == nil {
			continue
		}
		errs := expand(err)
		if !v.collect {
			v.errs = errs[:1]
			v.stopped = true
			return false
		}
		if !seen {
			v.errs = append(v.errs, errs...)
		}
	}
	return true
}
