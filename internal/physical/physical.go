// Package physical renders a planned multi-query into SQL statements, one
// per group of same-tier sub-queries, ordered so every statement runs
// after the statements it reads.
package physical

import (
	"fmt"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"
	errors "gopkg.in/src-d/go-errors.v1"

	"github.com/atlekbai/formula_engine/internal/columns"
	"github.com/atlekbai/formula_engine/internal/dataset"
	"github.com/atlekbai/formula_engine/internal/dialect"
	"github.com/atlekbai/formula_engine/internal/formula"
	"github.com/atlekbai/formula_engine/internal/planner"
	"github.com/atlekbai/formula_engine/internal/query"
	"github.com/atlekbai/formula_engine/internal/schema"
	"github.com/atlekbai/formula_engine/internal/translate"
)

var (
	ErrTierInversion      = errors.NewKind("sub-query %s on %s cannot read %s")
	ErrGroupByNotSelected = errors.NewKind("grouping expression %s of sub-query %s is not selected")
	ErrUnknownReference   = errors.NewKind("reference %s is neither a column nor a sub-query output")
	ErrNotFinalized       = errors.NewKind("multi-query is %s, want finalized")
)

// Column is one output column of a statement.
type Column struct {
	ID   string          `json:"id"`
	Type schema.DataType `json:"type"`
}

// Query is one executable statement.
type Query struct {
	ID      string       `json:"id"`
	Tier    planner.Tier `json:"tier"`
	Dialect string       `json:"dialect"`
	SQL     string       `json:"sql"`
	Args    []any        `json:"args,omitempty"`
	Columns []Column     `json:"columns"`
	// Inputs are statements whose results this one reads as tables.
	Inputs []string `json:"inputs,omitempty"`
}

// Plan holds the statements of one multi-query, inputs first.
type Plan struct {
	Queries []*Query
	TopID   string
}

// Top returns the statement producing the final result.
func (p *Plan) Top() *Query { return p.Query(p.TopID) }

// Query returns the statement with the given id.
func (p *Plan) Query(id string) *Query {
	for _, q := range p.Queries {
		if q.ID == id {
			return q
		}
	}
	return nil
}

// TableName is the table the local tier stores the result of statement id in.
func TableName(id string) string { return "q_" + id }

// Assembler renders finalized multi-queries.
type Assembler struct {
	Columns *columns.Registry
	// Source is the dialect of the source database.
	Source *dialect.Dialect
	// Local is the dialect of the local compute tier.
	Local         *dialect.Dialect
	CollectErrors bool
}

// Assemble renders mq against source.
func Assemble(mq *planner.MultiQuery, cols *columns.Registry, source *dialect.Dialect) (*Plan, error) {
	a := &Assembler{Columns: cols, Source: source, Local: dialect.Local()}
	return a.Assemble(mq)
}

func (a *Assembler) Assemble(mq *planner.MultiQuery) (*Plan, error) {
	if mq.State != planner.StateFinalized {
		return nil, ErrNotFinalized.New(mq.State)
	}
	r := &renderer{
		a:        a,
		mq:       mq,
		done:     make(map[string]*rendered),
		producer: make(map[string]string),
		types:    make(map[string]schema.DataType),
	}

	emitted := map[string]bool{mq.TopID: true}
	for _, q := range mq.Queries {
		for _, id := range q.JoinedFrom.SubQueryIDs() {
			if child := mq.Get(id); child != nil && child.Tier != q.Tier {
				emitted[id] = true
			}
		}
	}

	plan := &Plan{TopID: mq.TopID}
	for _, q := range mq.Order() {
		if !emitted[q.ID] {
			continue
		}
		out, err := r.render(q)
		if err != nil {
			return nil, err
		}
		d := a.dialect(q.Tier)
		sql, args, err := out.sb.ToSql()
		if err != nil {
			return nil, err
		}
		if sql, err = d.Finalize(sql); err != nil {
			return nil, err
		}
		plan.Queries = append(plan.Queries, &Query{
			ID:      q.ID,
			Tier:    q.Tier,
			Dialect: d.Name,
			SQL:     sql,
			Args:    args,
			Columns: out.columns,
			Inputs:  out.inputs,
		})
	}
	return plan, nil
}

func (a *Assembler) dialect(t planner.Tier) *dialect.Dialect {
	if t == planner.TierLocal {
		return a.Local
	}
	return a.Source
}

type rendered struct {
	sb      sq.SelectBuilder
	columns []Column
	inputs  []string
}

type renderer struct {
	a  *Assembler
	mq *planner.MultiQuery

	done map[string]*rendered
	// producer maps an item id to the sub-query selecting it.
	producer map[string]string
	types    map[string]schema.DataType
}

func (r *renderer) render(q *planner.SubQuery) (*rendered, error) {
	if out, ok := r.done[q.ID]; ok {
		return out, nil
	}
	d := r.a.dialect(q.Tier)
	out := &rendered{}

	// Sources first: items read their columns.
	from, err := r.source(q, d, q.JoinedFrom.Root, out)
	if err != nil {
		return nil, err
	}
	targets := make([]sq.Sqlizer, len(q.JoinedFrom.Joins))
	for i, j := range q.JoinedFrom.Joins {
		if targets[i], err = r.joinTarget(q, d, j, out); err != nil {
			return nil, err
		}
	}

	tr := translate.New(d, &env{r: r, q: q, d: d})
	tr.CollectErrors = r.a.CollectErrors

	sb := sq.Select()
	for _, it := range q.Select {
		ctx, err := tr.Translate(it.Node)
		if err != nil {
			return nil, fmt.Errorf("sub-query %s item %s: %w", q.ID, it.ID, err)
		}
		sb = sb.Column(sq.Alias(ctx.Expr, d.QuoteIdent(it.ID)))
		out.columns = append(out.columns, Column{ID: it.ID, Type: ctx.Type})
		r.producer[it.ID] = q.ID
		r.types[it.ID] = ctx.Type
	}

	switch f := from.(type) {
	case string:
		sb = sb.From(f)
	case sq.SelectBuilder:
		sb = sb.FromSelect(f, d.QuoteIdent(q.JoinedFrom.Root.SubQueryID))
	}
	for i, j := range q.JoinedFrom.Joins {
		clause, err := r.join(q, tr, j, targets[i])
		if err != nil {
			return nil, err
		}
		sb = sb.JoinClause(clause)
	}

	var windowFilters []sq.Sqlizer
	for _, f := range q.Filters {
		ctx, err := tr.Translate(f.Node)
		if err != nil {
			return nil, fmt.Errorf("sub-query %s filter: %w", q.ID, err)
		}
		switch f.Level {
		case query.LevelWhere:
			sb = sb.Where(ctx.Expr)
		case query.LevelHaving:
			sb = sb.Having(ctx.Expr)
		case query.LevelWindow:
			windowFilters = append(windowFilters, ctx.Expr)
		}
	}

	var groupBy []string
	for _, g := range q.GroupBy {
		pos := selected(q, g)
		if pos < 0 {
			if _, ok := g.(*formula.Literal); ok {
				continue
			}
			return nil, ErrGroupByNotSelected.New(formula.Format(g), q.ID)
		}
		groupBy = append(groupBy, strconv.Itoa(pos+1))
	}
	if len(groupBy) > 0 {
		sb = sb.GroupBy(groupBy...)
	}

	if len(windowFilters) > 0 {
		sb = r.wrapWindowFilters(q, d, sb, windowFilters)
	}
	if q.ID == r.mq.TopID || q.Limit > 0 {
		for _, o := range q.OrderBy {
			dir := " ASC"
			if o.Desc {
				dir = " DESC"
			}
			sb = sb.OrderBy(d.QuoteIdent(o.ItemID) + dir)
		}
	}
	if q.Limit > 0 {
		sb = sb.Limit(uint64(q.Limit))
	}
	if q.Offset > 0 {
		sb = sb.Offset(uint64(q.Offset))
	}

	out.sb = sb
	r.done[q.ID] = out
	return out, nil
}

// wrapWindowFilters selects q's items from sb with the window filter
// results as extra columns and filters on them outside.
func (r *renderer) wrapWindowFilters(q *planner.SubQuery, d *dialect.Dialect, sb sq.SelectBuilder, filters []sq.Sqlizer) sq.SelectBuilder {
	outer := sq.Select()
	for _, it := range q.Select {
		outer = outer.Column(d.QuoteIdent(it.ID))
	}
	for i, f := range filters {
		name := d.QuoteIdent(fmt.Sprintf("_wf%d", i))
		sb = sb.Column(sq.Alias(f, name))
		outer = outer.Where(name)
	}
	return outer.FromSelect(sb, d.QuoteIdent("w"))
}

// source renders one join source: an avatar table, an inlined sub-query of
// the same tier or the stored result of a sub-query of another tier.
func (r *renderer) source(q *planner.SubQuery, d *dialect.Dialect, from planner.From, out *rendered) (any, error) {
	if from.AvatarID != "" {
		if q.Tier == planner.TierLocal {
			return nil, ErrTierInversion.New(q.ID, q.Tier, "avatar "+from.AvatarID)
		}
		src, err := r.a.Columns.Source(from.AvatarID)
		if err != nil {
			return nil, err
		}
		table := d.QuoteIdent(src.Table)
		if src.Schema != "" {
			table = d.QuoteIdent(src.Schema) + "." + table
		}
		return table + " AS " + d.QuoteIdent(from.AvatarID), nil
	}

	child := r.mq.Get(from.SubQueryID)
	if child == nil {
		return nil, planner.ErrUnknownSubQuery.New(q.ID, from.SubQueryID)
	}
	if q.Tier == planner.TierSource && child.Tier != planner.TierSource {
		return nil, ErrTierInversion.New(q.ID, q.Tier, "sub-query "+child.ID)
	}
	in, err := r.render(child)
	if err != nil {
		return nil, err
	}
	if child.Tier != q.Tier {
		out.addInput(child.ID)
		return d.QuoteIdent(TableName(child.ID)) + " AS " + d.QuoteIdent(child.ID), nil
	}
	for _, id := range in.inputs {
		out.addInput(id)
	}
	return in.sb, nil
}

func (r *renderer) joinTarget(q *planner.SubQuery, d *dialect.Dialect, j planner.Join, out *rendered) (sq.Sqlizer, error) {
	src, err := r.source(q, d, j.From, out)
	if err != nil {
		return nil, err
	}
	if sb, ok := src.(sq.SelectBuilder); ok {
		return sq.ConcatExpr("(", sb, ") AS "+d.QuoteIdent(j.From.SubQueryID)), nil
	}
	return sq.Expr(src.(string)), nil
}

func (r *renderer) join(q *planner.SubQuery, tr *translate.Translator, j planner.Join, target sq.Sqlizer) (sq.Sqlizer, error) {
	if len(j.On) == 0 {
		return sq.ConcatExpr("CROSS JOIN ", target), nil
	}
	keyword := "JOIN "
	if j.Type == dataset.JoinLeft {
		keyword = "LEFT JOIN "
	}
	parts := []any{keyword, target, " ON "}
	for i, n := range j.On {
		ctx, err := tr.Translate(n)
		if err != nil {
			return nil, fmt.Errorf("sub-query %s join condition: %w", q.ID, err)
		}
		if i > 0 {
			parts = append(parts, " AND ")
		}
		parts = append(parts, ctx.Expr)
	}
	return sq.ConcatExpr(parts...), nil
}

func (o *rendered) addInput(id string) {
	for _, in := range o.inputs {
		if in == id {
			return
		}
	}
	o.inputs = append(o.inputs, id)
}

// selected returns the position of the item selecting n or -1.
func selected(q *planner.SubQuery, n formula.Node) int {
	key := formula.Format(n)
	for i, it := range q.Select {
		if formula.Format(it.Node) == key {
			return i
		}
	}
	return -1
}

// env resolves references of one sub-query: column ids to avatar columns
// and item ids to the columns of the sub-queries it reads.
type env struct {
	r *renderer
	q *planner.SubQuery
	d *dialect.Dialect
}

func (e *env) Ref(ref *formula.Ref) (sq.Sqlizer, schema.DataType, error) {
	if col, err := e.r.a.Columns.Column(ref.RefID); err == nil {
		return sq.Expr(e.d.Qualified(col.AvatarID, col.Column.Name)), col.Column.Type, nil
	}
	if producer, ok := e.r.producer[ref.RefID]; ok && producer != e.q.ID {
		return sq.Expr(e.d.Qualified(producer, ref.RefID)), e.r.types[ref.RefID], nil
	}
	return nil, "", ErrUnknownReference.New(ref.RefID)
}

func (e *env) Dimensions() []formula.Node { return e.q.Dims }

func (e *env) Ordering() []translate.OrderSpec {
	var out []translate.OrderSpec
	for _, o := range e.q.OrderBy {
		if it := e.q.Item(o.ItemID); it != nil {
			out = append(out, translate.OrderSpec{Node: it.Node, Desc: o.Desc})
		}
	}
	return out
}

// Explain renders plan for humans.
func Explain(p *Plan) string {
	var sb strings.Builder
	for _, q := range p.Queries {
		marker := ""
		if q.ID == p.TopID {
			marker = " (top)"
		}
		fmt.Fprintf(&sb, "-- %s on %s [%s]%s\n", q.ID, q.Tier, q.Dialect, marker)
		if len(q.Inputs) > 0 {
			fmt.Fprintf(&sb, "-- reads %s\n", strings.Join(q.Inputs, ", "))
		}
		sb.WriteString(q.SQL)
		sb.WriteString(";\n")
	}
	return sb.String()
}
