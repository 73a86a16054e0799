package capability

import (
	"strings"
	"sync"
)

// Registry is an immutable table of descriptors looked up by name
// (case-insensitive) and arity.
type Registry struct {
	byName map[string][]Descriptor
}

// NewRegistry builds a registry. Names are normalized to upper case.
func NewRegistry(descs ...Descriptor) *Registry {
	r := &Registry{byName: make(map[string][]Descriptor, len(descs))}
	for _, d := range descs {
		d.Name = strings.ToUpper(d.Name)
		r.byName[d.Name] = append(r.byName[d.Name], d)
	}
	return r
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the registry of built-in functions.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry(builtins()...)
	})
	return defaultRegistry
}

// Has reports whether any descriptor exists for name.
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[strings.ToUpper(name)]
	return ok
}

// Lookup returns every descriptor of name that accepts arity arguments.
func (r *Registry) Lookup(name string, arity int) []Descriptor {
	var out []Descriptor
	for _, d := range r.byName[strings.ToUpper(name)] {
		if d.Accepts(arity) {
			out = append(out, d)
		}
	}
	return out
}

// Resolution is the outcome of resolving a call against the registry.
type Resolution struct {
	Known       bool
	IsWindow    bool
	IsAggregate bool
	Descriptor  Descriptor
}

// ResolveFunctionCapabilities decides whether a call is a window call and
// checks its clauses. A name usable both ways is a window call only when a
// grouping clause is present; a window-only name is always a window call.
// Unknown names resolve with Known set to false and no error.
func (r *Registry) ResolveFunctionCapabilities(name string, arity int, clauses Clause) (Resolution, error) {
	candidates := r.Lookup(name, arity)
	if len(candidates) == 0 {
		return Resolution{}, nil
	}

	var window, plain []Descriptor
	for _, d := range candidates {
		if d.IsWindow {
			window = append(window, d)
		} else {
			plain = append(plain, d)
		}
	}

	isWindow := false
	switch {
	case len(plain) == 0:
		isWindow = true
	case len(window) > 0:
		isWindow = clauses&ClauseGrouping != 0
	}

	desc := plain
	if isWindow {
		desc = window
	}
	d := desc[0]
	if !d.Supports(clauses) {
		return Resolution{}, &ParseClauseError{Func: d.Name, Clause: clauses &^ d.Clauses}
	}

	return Resolution{
		Known:       true,
		IsWindow:    isWindow,
		IsAggregate: d.IsAggregate,
		Descriptor:  d,
	}, nil
}

func builtins() []Descriptor {
	var out []Descriptor

	aggregate := func(name string, minArgs, maxArgs int) {
		out = append(out, Descriptor{
			Name: name, MinArgs: minArgs, MaxArgs: maxArgs,
			IsAggregate: true, Clauses: ClauseBFB | ClauseLOD,
			ImplicitBFBArg: NoImplicitBFB,
		})
	}
	window := func(name string, minArgs, maxArgs int, clauses Clause, defaultOrdering bool) {
		out = append(out, Descriptor{
			Name: name, MinArgs: minArgs, MaxArgs: maxArgs,
			IsWindow: true, Clauses: clauses,
			DefaultGrouping: true, DefaultOrdering: defaultOrdering,
			ImplicitBFBArg: NoImplicitBFB,
		})
	}
	scalar := func(name string, minArgs, maxArgs int) {
		out = append(out, Descriptor{Name: name, MinArgs: minArgs, MaxArgs: maxArgs, ImplicitBFBArg: NoImplicitBFB})
	}

	for _, name := range []string{"SUM", "AVG", "MIN", "MAX", "COUNT", "COUNTD", "ANY"} {
		minArgs := 1
		if name == "COUNT" {
			minArgs = 0
		}
		aggregate(name, minArgs, 1)
	}
	for _, name := range []string{"SUM_IF", "AVG_IF", "COUNTD_IF"} {
		aggregate(name, 2, 2)
	}
	aggregate("COUNT_IF", 1, 1)

	// Window variants of plain aggregates, selected by a grouping clause.
	for _, name := range []string{"SUM", "AVG", "MIN", "MAX", "COUNT"} {
		window(name, 1, 1, ClauseGrouping|ClauseBFB, false)
	}

	for _, name := range []string{"RANK", "RANK_DENSE", "RANK_UNIQUE", "RANK_PERCENTILE"} {
		window(name, 1, 2, ClauseGrouping|ClauseBFB, false)
	}
	for _, name := range []string{"RSUM", "RAVG", "RMIN", "RMAX", "RCOUNT"} {
		window(name, 1, 2, ClauseGrouping|ClauseOrdering|ClauseBFB, true)
	}
	for _, name := range []string{"MSUM", "MAVG", "MMIN", "MMAX", "MCOUNT"} {
		window(name, 2, 3, ClauseGrouping|ClauseOrdering|ClauseBFB, true)
	}
	window("LAG", 1, 3, ClauseGrouping|ClauseOrdering|ClauseBFB, true)
	window("FIRST", 1, 1, ClauseGrouping|ClauseOrdering|ClauseBFB, true)
	window("LAST", 1, 1, ClauseGrouping|ClauseOrdering|ClauseBFB, true)

	out = append(out,
		Descriptor{
			Name: "AGO", MinArgs: 2, MaxArgs: 4,
			Clauses:        ClauseBFB | ClauseIgnoreDims,
			ImplicitBFBArg: 1, Lookup: true,
		},
		Descriptor{
			Name: "AT_DATE", MinArgs: 3, MaxArgs: 3,
			Clauses:        ClauseBFB | ClauseIgnoreDims,
			ImplicitBFBArg: 1, Lookup: true,
		},
	)

	for _, s := range []struct {
		name     string
		min, max int
	}{
		{"ABS", 1, 1}, {"ROUND", 1, 2}, {"FLOOR", 1, 1}, {"CEILING", 1, 1},
		{"SQRT", 1, 1}, {"POWER", 2, 2}, {"LN", 1, 1}, {"EXP", 1, 1},
		{"SIGN", 1, 1}, {"DIV", 2, 2},
		{"LEN", 1, 1}, {"UPPER", 1, 1}, {"LOWER", 1, 1}, {"TRIM", 1, 1},
		{"LTRIM", 1, 1}, {"RTRIM", 1, 1}, {"CONTAINS", 2, 2},
		{"STARTSWITH", 2, 2}, {"ENDSWITH", 2, 2}, {"SUBSTR", 2, 3},
		{"LEFT", 2, 2}, {"RIGHT", 2, 2}, {"REPLACE", 3, 3},
		{"CONCAT", 1, Variadic},
		{"IFNULL", 2, 2}, {"ZN", 1, 1}, {"IIF", 3, 3}, {"COALESCE", 1, Variadic},
		{"YEAR", 1, 1}, {"MONTH", 1, 1}, {"DAY", 1, 1},
		{"DATETRUNC", 2, 2}, {"DATEADD", 3, 3}, {"TODAY", 0, 0}, {"NOW", 0, 0},
		{"STR", 1, 1}, {"INT", 1, 1}, {"FLOAT", 1, 1}, {"DATE", 1, 1},
	} {
		scalar(s.name, s.min, s.max)
	}
	return out
}
