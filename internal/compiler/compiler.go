// Package compiler resolves dataset fields inside formulas: every field
// reference becomes the column it is bound to or the compiled tree of its
// own formula, and measures get their default aggregation.
package compiler

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	errors "gopkg.in/src-d/go-errors.v1"

	"github.com/atlekbai/formula_engine/internal/capability"
	"github.com/atlekbai/formula_engine/internal/columns"
	"github.com/atlekbai/formula_engine/internal/dataset"
	"github.com/atlekbai/formula_engine/internal/formula"
	"github.com/atlekbai/formula_engine/internal/schema"
	"github.com/atlekbai/formula_engine/internal/validate"
)

// ErrFieldCycle is returned when a formula field depends on itself.
var ErrFieldCycle = errors.NewKind("field %s depends on itself: %s")

// Sources resolves physical sources by id and by qualified name.
// *schema.Cache implements it.
type Sources interface {
	columns.SourceLookup
	GetByName(name string) *schema.Source
}

// Compiled is a formula with every field resolved.
type Compiled struct {
	Text string
	Node formula.Node
	// FieldIDs are the dataset fields the formula reads, directly or
	// through other formula fields, sorted.
	FieldIDs []string
}

// Compiler compiles formulas against one dataset. All nodes it produces
// share one arena, and a field used several times resolves to one node.
type Compiler struct {
	// CollectErrors reports every validation error instead of the first.
	CollectErrors bool

	dataset *dataset.Dataset
	columns *columns.Registry
	parser  *formula.ParseCache
	caps    *capability.Registry
	arena   *formula.Arena
	env     *validate.Env

	raw      map[string]formula.Node
	measured map[string]formula.Node
	deps     map[string][]string
	visiting []string
}

// New binds every avatar of ds to its source and returns a compiler. A nil
// parser gets a private parse cache.
func New(ds *dataset.Dataset, sources Sources, parser *formula.ParseCache) (*Compiler, error) {
	caps := capability.Default()
	if parser == nil {
		var err error
		parser, err = formula.NewParseCache(formula.NewParser(caps), formula.DefaultParseCacheSize)
		if err != nil {
			return nil, err
		}
	}

	reg := columns.NewRegistry(sources)
	for _, av := range ds.Avatars {
		src := sources.GetByName(av.Source)
		if src == nil {
			return nil, schema.ErrUnknownSource.New(av.Source)
		}
		if err := reg.RegisterAvatar(av.ID, src.ID); err != nil {
			return nil, err
		}
	}

	names := make([]string, 0, 2*len(ds.Fields))
	for _, f := range ds.Fields {
		names = append(names, f.ID, f.Title)
	}

	return &Compiler{
		dataset:  ds,
		columns:  reg,
		parser:   parser,
		caps:     caps,
		arena:    formula.NewArena(),
		env:      validate.NewEnv(caps, names...),
		raw:      make(map[string]formula.Node),
		measured: make(map[string]formula.Node),
		deps:     make(map[string][]string),
	}, nil
}

func (c *Compiler) Dataset() *dataset.Dataset       { return c.dataset }
func (c *Compiler) Columns() *columns.Registry      { return c.columns }
func (c *Compiler) Arena() *formula.Arena           { return c.arena }
func (c *Compiler) Caps() *capability.Registry      { return c.caps }
func (c *Compiler) ParseCache() *formula.ParseCache { return c.parser }

// Compile parses, validates and resolves text.
func (c *Compiler) Compile(text string) (*Compiled, error) {
	f, err := c.parser.Parse(text)
	if err != nil {
		return nil, err
	}
	if err := validate.Validate(f.Root, validate.DefaultCheckers(c.env), c.CollectErrors); err != nil {
		return nil, err
	}
	node, deps, err := c.resolve(f.Root)
	if err != nil {
		return nil, err
	}

	// Substituted measures can nest aggregates the text did not show.
	checks := []validate.Checker{validate.WindowInAggregateChecker{}, validate.NestedAggregateChecker{}}
	if err := validate.Validate(node, checks, c.CollectErrors); err != nil {
		return nil, err
	}
	return &Compiled{Text: text, Node: node, FieldIDs: deps}, nil
}

// aggregated returns the ids of field nodes that sit inside an aggregate call.
func aggregated(root formula.Node) map[formula.NodeID]bool {
	out := make(map[formula.NodeID]bool)
	formula.Walk(root, func(n formula.Node, parents []formula.Node) bool {
		if _, ok := n.(*formula.Field); !ok {
			return true
		}
		for _, p := range parents {
			if call, ok := p.(*formula.Call); ok && call.Aggregate && !call.Window {
				out[n.ID()] = true
				break
			}
		}
		return true
	})
	return out
}

func (c *Compiler) resolve(root formula.Node) (formula.Node, []string, error) {
	inAggregate := aggregated(root)
	deps := make(map[string]bool)
	var firstErr error

	out := formula.Rewrite(c.arena, root, func(n formula.Node) (formula.Node, bool) {
		if firstErr != nil {
			return n, true
		}
		switch n := n.(type) {
		case *formula.Field:
			f, err := c.dataset.Field(n.Name)
			if err != nil {
				firstErr = err
				return n, true
			}
			node, err := c.field(f, !inAggregate[n.ID()])
			if err != nil {
				firstErr = err
				return n, true
			}
			deps[f.ID] = true
			for _, d := range c.deps[f.ID] {
				deps[d] = true
			}
			return node, true
		case *formula.BeforeFilterBy:
			ids, err := c.fieldIDs(n.Fields)
			if err != nil {
				firstErr = err
				return n, true
			}
			return formula.Alloc(c.arena, n.Pos(), &formula.BeforeFilterBy{Fields: ids}), true
		case *formula.IgnoreDimensions:
			ids, err := c.fieldIDs(n.Fields)
			if err != nil {
				firstErr = err
				return n, true
			}
			return formula.Alloc(c.arena, n.Pos(), &formula.IgnoreDimensions{Fields: ids}), true
		}
		return nil, false
	})
	if firstErr != nil {
		return nil, nil, firstErr
	}

	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return out, ids, nil
}

func (c *Compiler) fieldIDs(names []string) ([]string, error) {
	out := make([]string, 0, len(names))
	for _, name := range names {
		f, err := c.dataset.Field(name)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(out, f.ID) {
			out = append(out, f.ID)
		}
	}
	return out, nil
}

// field returns the node of f. A measure used outside an aggregate is
// wrapped in its default aggregation.
func (c *Compiler) field(f *dataset.Field, measured bool) (formula.Node, error) {
	if measured && f.Aggregation != dataset.AggNone {
		if n, ok := c.measured[f.ID]; ok {
			return n, nil
		}
	}
	raw, err := c.rawField(f)
	if err != nil {
		return nil, err
	}
	if !measured || f.Aggregation == dataset.AggNone {
		return raw, nil
	}
	n := formula.Alloc(c.arena, raw.Pos(), &formula.Call{
		Name:      f.Aggregation.Func(),
		Args:      []formula.Node{raw},
		Aggregate: true,
	})
	c.measured[f.ID] = n
	return n, nil
}

func (c *Compiler) rawField(f *dataset.Field) (formula.Node, error) {
	if n, ok := c.raw[f.ID]; ok {
		return n, nil
	}
	if slices.Contains(c.visiting, f.ID) {
		return nil, ErrFieldCycle.New(f.ID, strings.Join(append(c.visiting, f.ID), " -> "))
	}

	var n formula.Node
	if !f.IsFormula() {
		col, err := c.columns.GetAvatarColumn(f.AvatarID, f.Column)
		if err != nil {
			return nil, err
		}
		n = formula.Alloc(c.arena, formula.Position{}, &formula.Ref{RefID: col.ID, Name: f.Title})
	} else {
		c.visiting = append(c.visiting, f.ID)
		defer func() { c.visiting = c.visiting[:len(c.visiting)-1] }()

		parsed, err := c.parser.Parse(f.Formula)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Title, err)
		}
		if err := validate.Validate(parsed.Root, validate.DefaultCheckers(c.env), false); err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Title, err)
		}
		node, deps, err := c.resolve(parsed.Root)
		if err != nil {
			return nil, err
		}
		c.deps[f.ID] = deps
		n = node
	}
	c.raw[f.ID] = n
	return n, nil
}

// FieldNode returns the unaggregated node of the field with the given id
// or title.
func (c *Compiler) FieldNode(ref string) (formula.Node, error) {
	f, err := c.dataset.Field(ref)
	if err != nil {
		return nil, err
	}
	return c.rawField(f)
}
