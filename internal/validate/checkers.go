package validate

import (
	"fmt"
	"strings"

	"github.com/atlekbai/formula_engine/internal/capability"
	"github.com/atlekbai/formula_engine/internal/formula"
)

// Env is the shared state checkers read from.
type Env struct {
	fields map[string]struct{}
	Caps   *capability.Registry
}

// NewEnv builds an environment from the known field ids and titles.
// Lookups are case-insensitive.
func NewEnv(caps *capability.Registry, fields ...string) *Env {
	env := &Env{fields: make(map[string]struct{}, len(fields)), Caps: caps}
	for _, f := range fields {
		env.fields[strings.ToLower(f)] = struct{}{}
	}
	return env
}

func (e *Env) HasField(name string) bool {
	_, ok := e.fields[strings.ToLower(name)]
	return ok
}

// UnknownBFBFieldError is reported for a BEFORE FILTER BY field that does
// not exist.
type UnknownBFBFieldError struct {
	Field string
	Pos   formula.Position
}

func (e *UnknownBFBFieldError) Error() string {
	return fmt.Sprintf("unknown field [%s] in BEFORE FILTER BY at position %d", e.Field, e.Pos.Start)
}

// Error codes of NodeError.
const (
	CodeUnknownField            = "UNKNOWN_FIELD"
	CodeUnknownIgnoredDim       = "UNKNOWN_IGNORED_DIMENSION"
	CodeUnknownFunction         = "UNKNOWN_FUNCTION"
	CodeWrongArgCount           = "WRONG_ARG_COUNT"
	CodeWindowInAggregate       = "WINDOW_IN_AGGREGATE"
	CodeNestedWindow            = "NESTED_WINDOW"
	CodeNestedAggregate         = "NESTED_AGGREGATE"
	CodeIncludeOutsideAggregate = "INCLUDE_OUTSIDE_AGGREGATE"
)

// NodeError is a checker failure tied to a node.
type NodeError struct {
	Code    string
	Token   string
	Pos     formula.Position
	Message string
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("%s at position %d: %s", e.Code, e.Pos.Start, e.Message)
}

func nodeErr(code string, n formula.Node, token, format string, args ...any) *NodeError {
	return &NodeError{Code: code, Token: token, Pos: n.Pos(), Message: fmt.Sprintf(format, args...)}
}

// failures returns nil for an empty list and the single error for one.
func failures(errs Failures) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	return errs
}

// BFBFieldChecker requires every BEFORE FILTER BY field to exist.
type BFBFieldChecker struct{ Env *Env }

func (c BFBFieldChecker) Check(n formula.Node, _ []formula.Node) error {
	bfb, ok := n.(*formula.BeforeFilterBy)
	if !ok {
		return nil
	}
	var errs Failures
	for _, f := range bfb.Fields {
		if !c.Env.HasField(f) {
			errs = append(errs, &UnknownBFBFieldError{Field: f, Pos: bfb.Pos()})
		}
	}
	return failures(errs)
}

// IgnoreDimensionsChecker requires every IGNORE DIMENSIONS field to exist.
type IgnoreDimensionsChecker struct{ Env *Env }

func (c IgnoreDimensionsChecker) Check(n formula.Node, _ []formula.Node) error {
	ig, ok := n.(*formula.IgnoreDimensions)
	if !ok {
		return nil
	}
	var errs Failures
	for _, f := range ig.Fields {
		if !c.Env.HasField(f) {
			errs = append(errs, nodeErr(CodeUnknownIgnoredDim, ig, f, "unknown field [%s] in IGNORE DIMENSIONS", f))
		}
	}
	return failures(errs)
}

// FieldChecker requires every field reference to exist.
type FieldChecker struct{ Env *Env }

func (c FieldChecker) Check(n formula.Node, _ []formula.Node) error {
	f, ok := n.(*formula.Field)
	if !ok || c.Env.HasField(f.Name) {
		return nil
	}
	return nodeErr(CodeUnknownField, f, f.Name, "unknown field [%s]", f.Name)
}

// FunctionChecker requires every call to name a known function with a
// supported number of arguments.
type FunctionChecker struct{ Env *Env }

func (c FunctionChecker) Check(n formula.Node, _ []formula.Node) error {
	call, ok := n.(*formula.Call)
	if !ok {
		return nil
	}
	if !c.Env.Caps.Has(call.Name) {
		return nodeErr(CodeUnknownFunction, call, call.Name, "unknown function %s", call.Name)
	}
	if len(c.Env.Caps.Lookup(call.Name, len(call.Args))) == 0 {
		return nodeErr(CodeWrongArgCount, call, call.Name, "function %s does not accept %d arguments", call.Name, len(call.Args))
	}
	return nil
}

func nearestAggregate(parents []formula.Node) *formula.Call {
	for i := len(parents) - 1; i >= 0; i-- {
		if c, ok := parents[i].(*formula.Call); ok && c.Aggregate && !c.Window {
			return c
		}
	}
	return nil
}

func nearestWindow(parents []formula.Node) *formula.Call {
	for i := len(parents) - 1; i >= 0; i-- {
		if c, ok := parents[i].(*formula.Call); ok && c.Window {
			return c
		}
	}
	return nil
}

// WindowInAggregateChecker rejects window calls inside aggregates or other window calls.
type WindowInAggregateChecker struct{}

func (WindowInAggregateChecker) Check(n formula.Node, parents []formula.Node) error {
	call, ok := n.(*formula.Call)
	if !ok || !call.Window {
		return nil
	}
	if agg := nearestAggregate(parents); agg != nil {
		return nodeErr(CodeWindowInAggregate, call, call.Name, "window function %s cannot be used inside aggregate %s", call.Name, agg.Name)
	}
	if w := nearestWindow(parents); w != nil {
		return nodeErr(CodeNestedWindow, call, call.Name, "window function %s cannot be nested in window function %s", call.Name, w.Name)
	}
	return nil
}

// NestedAggregateChecker allows an aggregate inside another aggregate only
// when the inner one declares a level of detail.
type NestedAggregateChecker struct{}

func (NestedAggregateChecker) Check(n formula.Node, parents []formula.Node) error {
	call, ok := n.(*formula.Call)
	if !ok || !call.Aggregate || call.Window || call.LOD != nil {
		return nil
	}
	if outer := nearestAggregate(parents); outer != nil {
		return nodeErr(CodeNestedAggregate, call, call.Name, "aggregate %s inside %s requires a level of detail clause", call.Name, outer.Name)
	}
	return nil
}

// IncludeLODChecker requires INCLUDE to appear inside an enclosing aggregate.
type IncludeLODChecker struct{}

func (IncludeLODChecker) Check(n formula.Node, parents []formula.Node) error {
	call, ok := n.(*formula.Call)
	if !ok || call.LOD == nil || call.LOD.Kind != formula.LODInclude {
		return nil
	}
	if nearestAggregate(parents) == nil {
		return nodeErr(CodeIncludeOutsideAggregate, call, call.Name, "%s with INCLUDE must be used inside another aggregate", call.Name)
	}
	return nil
}

// DefaultCheckers returns the checker set applied to user formulas.
func DefaultCheckers(env *Env) []Checker {
	return []Checker{
		FieldChecker{Env: env},
		FunctionChecker{Env: env},
		BFBFieldChecker{Env: env},
		IgnoreDimensionsChecker{Env: env},
		WindowInAggregateChecker{},
		NestedAggregateChecker{},
		IncludeLODChecker{},
	}
}
