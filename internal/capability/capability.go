// Package capability describes which functions exist, whether they aggregate
// or run as window functions, and which optional call clauses they accept.
package capability

import (
	"fmt"
	"strings"
)

// Clause is a bit set of optional call clauses.
type Clause uint8

const (
	ClauseGrouping Clause = 1 << iota // TOTAL, WITHIN, AMONG
	ClauseOrdering                    // ORDER BY
	ClauseBFB                         // BEFORE FILTER BY
	ClauseIgnoreDims                  // IGNORE DIMENSIONS
	ClauseLOD                         // INCLUDE, EXCLUDE, FIXED
)

var clauseNames = []struct {
	c    Clause
	name string
}{
	{ClauseGrouping, "grouping"},
	{ClauseOrdering, "ordering"},
	{ClauseBFB, "before filter by"},
	{ClauseIgnoreDims, "ignore dimensions"},
	{ClauseLOD, "level of detail"},
}

func (c Clause) String() string {
	var parts []string
	for _, n := range clauseNames {
		if c&n.c != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}

// Variadic marks a descriptor without an upper arity bound.
const Variadic = -1

// NoImplicitBFB marks a descriptor without an implicit BEFORE FILTER BY argument.
const NoImplicitBFB = -1

// Descriptor is one capability entry: a name, an arity range and a kind.
type Descriptor struct {
	Name        string
	MinArgs     int
	MaxArgs     int // Variadic for no bound
	IsWindow    bool
	IsAggregate bool
	Clauses     Clause

	// DefaultGrouping means a window call without a grouping clause runs
	// over the whole result (TOTAL).
	DefaultGrouping bool
	// DefaultOrdering means a window call without ORDER BY inherits the
	// ordering of the enclosing query.
	DefaultOrdering bool

	// ImplicitBFBArg is the index of the argument whose field is always
	// added to the BEFORE FILTER BY set.
	ImplicitBFBArg int
	// Lookup marks functions that read a value at another dimension value.
	Lookup bool
}

// Accepts reports whether the descriptor allows arity arguments.
func (d Descriptor) Accepts(arity int) bool {
	if arity < d.MinArgs {
		return false
	}
	return d.MaxArgs == Variadic || arity <= d.MaxArgs
}

// Supports reports whether every clause in c is supported.
func (d Descriptor) Supports(c Clause) bool {
	return c&^d.Clauses == 0
}

// ParseClauseError is returned when a call uses a clause its function does
// not support.
type ParseClauseError struct {
	Func   string
	Clause Clause
	Start  int
	End    int
}

func (e *ParseClauseError) Error() string {
	return fmt.Sprintf("parse error at position %d: function %s does not support %s clause", e.Start, e.Func, e.Clause)
}
