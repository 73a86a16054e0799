package query

import (
	"fmt"

	errors "gopkg.in/src-d/go-errors.v1"

	"github.com/atlekbai/formula_engine/internal/columns"
	"github.com/atlekbai/formula_engine/internal/dataset"
	"github.com/atlekbai/formula_engine/internal/dialect"
	"github.com/atlekbai/formula_engine/internal/formula"
)

var (
	ErrEmptySelect      = errors.NewKind("query selects nothing")
	ErrInvalidLimit     = errors.NewKind("invalid limit %d or offset %d")
	ErrUnresolvedColumn = errors.NewKind("reference %s does not resolve to a column")
)

type formalizer struct {
	spec  *QuerySpec
	byKey map[string]*Item
}

func (f *formalizer) item(e Expr, phantom bool) *Item {
	key := formula.Format(e.Compiled.Node)
	if it, ok := f.byKey[key]; ok {
		return it
	}
	it := &Item{
		ID:      fmt.Sprintf("c%d", len(f.spec.Select)),
		Title:   e.Title,
		Node:    e.Compiled.Node,
		Scope:   formula.ScopeOf(e.Compiled.Node),
		Phantom: phantom,
	}
	if it.Title == "" {
		it.Title = e.Compiled.Text
	}
	f.byKey[key] = it
	f.spec.Select = append(f.spec.Select, it)
	return it
}

// MakeQuerySpec builds the logical query of block. Steps run in a fixed
// order: ordering, phantom items, select items, grouping, filters, the
// join tree and the row limit.
func MakeQuerySpec(block *BlockSpec, ds *dataset.Dataset, cols *columns.Registry, d *dialect.Dialect) (*QuerySpec, error) {
	if len(block.Select) == 0 {
		return nil, ErrEmptySelect.New()
	}
	if block.Limit < 0 || block.Offset < 0 {
		return nil, ErrInvalidLimit.New(block.Limit, block.Offset)
	}
	f := &formalizer{spec: &QuerySpec{}, byKey: make(map[string]*Item)}

	// Ordering keys, then the ones no select item provides.
	selected := make(map[string]bool, len(block.Select))
	for _, e := range block.Select {
		selected[formula.Format(e.Compiled.Node)] = true
	}
	var phantoms []Expr
	for _, o := range block.OrderBy {
		key := formula.Format(o.Expr.Compiled.Node)
		if !selected[key] {
			selected[key] = true
			phantoms = append(phantoms, o.Expr)
		}
	}

	for _, e := range block.Select {
		f.spec.Legend = append(f.spec.Legend, f.item(e, false).ID)
	}
	for _, e := range phantoms {
		f.item(e, true)
	}
	for _, o := range block.OrderBy {
		f.spec.OrderBy = append(f.spec.OrderBy, Order{ItemID: f.item(o.Expr, false).ID, Desc: o.Desc})
	}

	// Every non-aggregated item is a grouping key.
	for _, it := range f.spec.Select {
		if it.Scope != 0 {
			continue
		}
		f.spec.GroupBy = append(f.spec.GroupBy, it)
		f.spec.Dims = append(f.spec.Dims, it.Node)
	}

	for _, c := range block.Filters {
		scope := formula.ScopeOf(c.Node)
		level := LevelWhere
		switch {
		case scope.Has(formula.ScopeWindow):
			level = LevelWindow
		case scope.Has(formula.ScopeAggregate):
			level = LevelHaving
		}
		f.spec.Filters = append(f.spec.Filters, &Filter{Node: c.Node, Level: level, FieldIDs: c.FieldIDs})
	}

	if err := f.joinTree(ds, cols); err != nil {
		return nil, err
	}

	f.spec.Limit = d.DefaultLimit
	if block.Limit > 0 && block.Limit < d.DefaultLimit {
		f.spec.Limit = block.Limit
	}
	f.spec.Offset = block.Offset
	return f.spec, nil
}

// joinTree collects the avatars every reference needs and the relations
// connecting them to the root.
func (f *formalizer) joinTree(ds *dataset.Dataset, cols *columns.Registry) error {
	var nodes []formula.Node
	for _, it := range f.spec.Select {
		nodes = append(nodes, it.Node)
	}
	for _, flt := range f.spec.Filters {
		nodes = append(nodes, flt.Node)
	}

	required := make(map[string]bool)
	var avatars []string
	for _, n := range nodes {
		for _, id := range formula.RefIDs(n) {
			avatar, ok := cols.AvatarOf(id)
			if !ok {
				return ErrUnresolvedColumn.New(id)
			}
			if !required[avatar] {
				required[avatar] = true
				avatars = append(avatars, avatar)
			}
		}
	}

	rels, err := ds.ResolveRelations(avatars)
	if err != nil {
		return err
	}
	f.spec.Root = ds.Root
	f.spec.Relations = rels
	f.spec.Avatars = []string{ds.Root}
	for _, r := range rels {
		f.spec.Avatars = append(f.spec.Avatars, r.Right)
	}
	return nil
}
