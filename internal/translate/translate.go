// Package translate turns compiled formula trees into backend expressions
// for one SQL dialect.
package translate

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/atlekbai/formula_engine/internal/capability"
	"github.com/atlekbai/formula_engine/internal/dialect"
	"github.com/atlekbai/formula_engine/internal/formula"
	"github.com/atlekbai/formula_engine/internal/schema"
)

// Ctx is a translated expression with its semantic type and the scopes it
// must be evaluated in.
type Ctx struct {
	Expr   sq.Sqlizer
	Type   schema.DataType
	Scopes formula.Scope
}

// OrderSpec is one entry of the ordering window calls inherit by default.
type OrderSpec struct {
	Node formula.Node
	Desc bool
}

// Env resolves references for the query being translated and supplies
// the context window calls depend on.
type Env interface {
	Ref(ref *formula.Ref) (sq.Sqlizer, schema.DataType, error)
	// Dimensions are the grouping expressions of the query.
	Dimensions() []formula.Node
	// Ordering is the query ordering.
	Ordering() []OrderSpec
}

// Translator translates nodes of one compilation. Cache and Replacements
// are keyed by node id; a node found in either is not translated again.
type Translator struct {
	Dialect       *dialect.Dialect
	Catalog       *dialect.Catalog
	Caps          *capability.Registry
	Env           Env
	Cache         map[formula.NodeID]*Ctx
	Replacements  map[formula.NodeID]*Ctx
	CollectErrors bool

	errs   []error
	failed map[formula.NodeID]bool
	stop   bool
}

// New returns a translator using the built-in catalogue and registry.
func New(d *dialect.Dialect, env Env) *Translator {
	return &Translator{
		Dialect:      d,
		Catalog:      dialect.Default(),
		Caps:         capability.Default(),
		Env:          env,
		Cache:        make(map[formula.NodeID]*Ctx),
		Replacements: make(map[formula.NodeID]*Ctx),
	}
}

// Translate is a one-shot translation of n.
func Translate(n formula.Node, d *dialect.Dialect, env Env) (*Ctx, error) {
	return New(d, env).Translate(n)
}

// Translate translates n. Failures are returned as *TranslationError; with
// CollectErrors every independent failure is reported, otherwise only the
// first.
func (t *Translator) Translate(n formula.Node) (*Ctx, error) {
	t.errs, t.stop = nil, false
	if t.failed == nil {
		t.failed = make(map[formula.NodeID]bool)
	}
	if t.Cache == nil {
		t.Cache = make(map[formula.NodeID]*Ctx)
	}
	ctx := t.node(n)
	if len(t.errs) > 0 {
		return nil, &TranslationError{Errors: t.errs}
	}
	if ctx == nil {
		// A node failed in an earlier call with this translator.
		return nil, &TranslationError{Errors: []error{&TypeMismatchError{Token: formula.Format(n), Pos: n.Pos(), Message: "expression failed to translate"}}}
	}
	return ctx, nil
}

func (t *Translator) fail(n formula.Node, err error) {
	t.failed[n.ID()] = true
	t.errs = append(t.errs, err)
	if !t.CollectErrors {
		t.stop = true
	}
}

func (t *Translator) node(n formula.Node) *Ctx {
	if t.stop || t.failed[n.ID()] {
		return nil
	}
	if ctx, ok := t.Replacements[n.ID()]; ok {
		return ctx
	}
	if ctx, ok := t.Cache[n.ID()]; ok {
		return ctx
	}
	ctx, err := t.build(n)
	if err != nil {
		t.fail(n, err)
		return nil
	}
	if ctx == nil {
		t.failed[n.ID()] = true
		return nil
	}
	t.Cache[n.ID()] = ctx
	return ctx
}

// nodes translates every node, continuing past failures in collect mode.
func (t *Translator) nodes(ns []formula.Node) ([]*Ctx, bool) {
	out := make([]*Ctx, len(ns))
	ok := true
	for i, n := range ns {
		out[i] = t.node(n)
		if out[i] == nil {
			ok = false
			if t.stop {
				break
			}
		}
	}
	return out, ok
}

func (t *Translator) build(n formula.Node) (*Ctx, error) {
	switch n := n.(type) {
	case *formula.Literal:
		return t.literal(n), nil
	case *formula.Field:
		return nil, &UnknownFieldError{Name: n.Name, Pos: n.Pos()}
	case *formula.Ref:
		expr, typ, err := t.Env.Ref(n)
		if err != nil {
			name := n.Name
			if name == "" {
				name = n.RefID
			}
			return nil, &UnknownFieldError{Name: name, Pos: n.Pos(), Err: err}
		}
		return &Ctx{Expr: expr, Type: typ}, nil
	case *formula.Paren:
		return t.node(n.Expr), nil
	case *formula.Binary:
		return t.binary(n)
	case *formula.Unary:
		args, ok := t.nodes([]formula.Node{n.Operand})
		if !ok {
			return nil, nil
		}
		return t.operator(n, n.Op, args)
	case *formula.In:
		return t.in(n)
	case *formula.Between:
		return t.between(n)
	case *formula.If:
		return t.ifExpr(n)
	case *formula.Case:
		return t.caseExpr(n)
	case *formula.Call:
		return t.call(n)
	}
	return nil, &TypeMismatchError{Token: fmt.Sprintf("%T", n), Pos: n.Pos(), Message: "node is not an expression"}
}

func (t *Translator) literal(n *formula.Literal) *Ctx {
	switch n.Kind {
	case formula.LitInteger:
		v, _ := n.Value.(int64)
		return &Ctx{Expr: sq.Expr(strconv.FormatInt(v, 10)), Type: schema.TypeInteger}
	case formula.LitFloat:
		v, _ := n.Value.(float64)
		s := strconv.FormatFloat(v, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return &Ctx{Expr: sq.Expr(s), Type: schema.TypeFloat}
	case formula.LitBoolean:
		if v, _ := n.Value.(bool); v {
			return &Ctx{Expr: sq.Expr("TRUE"), Type: schema.TypeBoolean}
		}
		return &Ctx{Expr: sq.Expr("FALSE"), Type: schema.TypeBoolean}
	case formula.LitString:
		return &Ctx{Expr: sq.Expr("?", n.Value), Type: schema.TypeString}
	case formula.LitDate:
		v, _ := n.Value.(time.Time)
		return &Ctx{Expr: t.Dialect.DateLiteral(v, false), Type: schema.TypeDate}
	case formula.LitDatetime:
		v, _ := n.Value.(time.Time)
		return &Ctx{Expr: t.Dialect.DateLiteral(v, true), Type: schema.TypeDatetime}
	}
	return &Ctx{Expr: sq.Expr("NULL"), Type: schema.TypeNull}
}

func (t *Translator) binary(n *formula.Binary) (*Ctx, error) {
	args, ok := t.nodes([]formula.Node{n.Left, n.Right})
	if !ok {
		return nil, nil
	}
	if (n.Op == formula.OpEq || n.Op == formula.OpNeq) &&
		(args[0].Type == schema.TypeNull || args[1].Type == schema.TypeNull) {
		return nil, &TypeMismatchError{
			Token:   n.Op,
			Pos:     n.Pos(),
			Message: "comparison with NULL is never true, use IS NULL or IS NOT NULL",
		}
	}
	return t.operator(n, n.Op, args)
}

// operator resolves an operator through the catalogue like a function.
func (t *Translator) operator(n formula.Node, op string, args []*Ctx) (*Ctx, error) {
	variants := t.Catalog.ForDialect(op, len(args), t.Dialect.Name, false)
	if len(variants) == 0 {
		return nil, &UnknownFunctionError{Name: op, Dialect: t.Dialect.Name, Arity: len(args), Pos: n.Pos()}
	}
	return t.generate(n, op, variants, args, consts(nil, len(args)), nil)
}

func (t *Translator) generate(n formula.Node, name string, variants []dialect.Variant, args []*Ctx, constVals []any, over *dialect.Over) (*Ctx, error) {
	types := make([]schema.DataType, len(args))
	exprs := make([]sq.Sqlizer, len(args))
	var scopes formula.Scope
	for i, a := range args {
		types[i] = a.Type
		exprs[i] = a.Expr
		scopes |= a.Scopes
	}
	v, ok := dialect.Match(variants, types)
	if !ok {
		return nil, &TypeMismatchError{
			Token:   name,
			Pos:     n.Pos(),
			Message: fmt.Sprintf("%s does not accept arguments %s", name, dialect.Signature(types)),
		}
	}
	expr, err := v.Gen(&dialect.Call{
		Name:     name,
		Dialect:  t.Dialect,
		Args:     exprs,
		ArgTypes: types,
		Consts:   constVals,
		Over:     over,
	})
	if err != nil {
		return nil, &ArgumentError{Token: name, Pos: n.Pos(), Err: err}
	}
	return &Ctx{Expr: expr, Type: v.Return(types), Scopes: scopes}, nil
}

func consts(nodes []formula.Node, n int) []any {
	out := make([]any, n)
	for i, node := range nodes {
		for {
			p, ok := node.(*formula.Paren)
			if !ok {
				break
			}
			node = p.Expr
		}
		if lit, ok := node.(*formula.Literal); ok {
			out[i] = lit.Value
		}
	}
	return out
}

// compatible checks two operands can be compared through the = operator.
func (t *Translator) compatible(a, b schema.DataType) bool {
	if a == schema.TypeNull || b == schema.TypeNull {
		return true
	}
	_, ok := dialect.Match(t.Catalog.ForDialect(formula.OpEq, 2, t.Dialect.Name, false), []schema.DataType{a, b})
	return ok
}

func (t *Translator) in(n *formula.In) (*Ctx, error) {
	all, ok := t.nodes(append([]formula.Node{n.Expr}, n.Items...))
	if !ok {
		return nil, nil
	}
	parts := []any{"(", all[0].Expr}
	if n.Not {
		parts = append(parts, " NOT IN (")
	} else {
		parts = append(parts, " IN (")
	}
	scopes := all[0].Scopes
	for i, item := range all[1:] {
		if !t.compatible(all[0].Type, item.Type) {
			return nil, &TypeMismatchError{
				Token:   "IN",
				Pos:     n.Items[i].Pos(),
				Message: fmt.Sprintf("cannot compare %s with %s", all[0].Type, item.Type),
			}
		}
		if i > 0 {
			parts = append(parts, ", ")
		}
		parts = append(parts, item.Expr)
		scopes |= item.Scopes
	}
	parts = append(parts, "))")
	return &Ctx{Expr: sq.ConcatExpr(parts...), Type: schema.TypeBoolean, Scopes: scopes}, nil
}

func (t *Translator) between(n *formula.Between) (*Ctx, error) {
	all, ok := t.nodes([]formula.Node{n.Expr, n.Low, n.High})
	if !ok {
		return nil, nil
	}
	for _, bound := range all[1:] {
		if !t.compatible(all[0].Type, bound.Type) {
			return nil, &TypeMismatchError{
				Token:   "BETWEEN",
				Pos:     n.Pos(),
				Message: fmt.Sprintf("cannot compare %s with %s", all[0].Type, bound.Type),
			}
		}
	}
	format := "(? BETWEEN ? AND ?)"
	if n.Not {
		format = "(? NOT BETWEEN ? AND ?)"
	}
	return &Ctx{
		Expr:   sq.Expr(format, all[0].Expr, all[1].Expr, all[2].Expr),
		Type:   schema.TypeBoolean,
		Scopes: all[0].Scopes | all[1].Scopes | all[2].Scopes,
	}, nil
}

// unify returns the common type of two branch results.
func unify(a, b schema.DataType) (schema.DataType, bool) {
	switch {
	case a == b:
		return a, true
	case a == schema.TypeNull:
		return b, true
	case b == schema.TypeNull:
		return a, true
	case a.IsNumeric() && b.IsNumeric():
		return schema.TypeFloat, true
	case a.IsTemporal() && b.IsTemporal():
		return schema.TypeDatetime, true
	}
	return "", false
}

func (t *Translator) branches(n formula.Node, token string, results []*Ctx) (schema.DataType, error) {
	typ := schema.TypeNull
	for _, r := range results {
		next, ok := unify(typ, r.Type)
		if !ok {
			return "", &TypeMismatchError{
				Token:   token,
				Pos:     n.Pos(),
				Message: fmt.Sprintf("branches return %s and %s", typ, r.Type),
			}
		}
		typ = next
	}
	return typ, nil
}

func (t *Translator) ifExpr(n *formula.If) (*Ctx, error) {
	conds, okConds := t.nodes(n.Conds)
	results := n.Thens
	if n.Else != nil {
		results = append(append([]formula.Node(nil), n.Thens...), n.Else)
	}
	vals, okVals := t.nodes(results)
	if !okConds || !okVals {
		return nil, nil
	}
	var scopes formula.Scope
	parts := []any{"CASE"}
	for i, c := range conds {
		if c.Type != schema.TypeBoolean && c.Type != schema.TypeNull {
			return nil, &TypeMismatchError{Token: "IF", Pos: n.Conds[i].Pos(), Message: fmt.Sprintf("condition is %s, not boolean", c.Type)}
		}
		parts = append(parts, " WHEN ", c.Expr, " THEN ", vals[i].Expr)
		scopes |= c.Scopes | vals[i].Scopes
	}
	if n.Else != nil {
		last := vals[len(vals)-1]
		parts = append(parts, " ELSE ", last.Expr)
		scopes |= last.Scopes
	}
	parts = append(parts, " END")
	typ, err := t.branches(n, "IF", vals)
	if err != nil {
		return nil, err
	}
	return &Ctx{Expr: sq.ConcatExpr(parts...), Type: typ, Scopes: scopes}, nil
}

func (t *Translator) caseExpr(n *formula.Case) (*Ctx, error) {
	subject := t.node(n.Expr)
	whens, okWhens := t.nodes(n.Whens)
	results := n.Thens
	if n.Else != nil {
		results = append(append([]formula.Node(nil), n.Thens...), n.Else)
	}
	vals, okVals := t.nodes(results)
	if subject == nil || !okWhens || !okVals {
		return nil, nil
	}
	scopes := subject.Scopes
	parts := []any{"CASE ", subject.Expr}
	for i, w := range whens {
		if !t.compatible(subject.Type, w.Type) {
			return nil, &TypeMismatchError{Token: "CASE", Pos: n.Whens[i].Pos(), Message: fmt.Sprintf("cannot compare %s with %s", subject.Type, w.Type)}
		}
		parts = append(parts, " WHEN ", w.Expr, " THEN ", vals[i].Expr)
		scopes |= w.Scopes | vals[i].Scopes
	}
	if n.Else != nil {
		last := vals[len(vals)-1]
		parts = append(parts, " ELSE ", last.Expr)
		scopes |= last.Scopes
	}
	parts = append(parts, " END")
	typ, err := t.branches(n, "CASE", vals)
	if err != nil {
		return nil, err
	}
	return &Ctx{Expr: sq.ConcatExpr(parts...), Type: typ, Scopes: scopes}, nil
}

func (t *Translator) call(n *formula.Call) (*Ctx, error) {
	args, ok := t.nodes(n.Args)
	if !ok {
		return nil, nil
	}
	variants := t.Catalog.ForDialect(n.Name, len(n.Args), t.Dialect.Name, n.Window)
	if len(variants) == 0 {
		return nil, &UnknownFunctionError{Name: n.Name, Dialect: t.Dialect.Name, Arity: len(n.Args), Pos: n.Pos()}
	}

	var over *dialect.Over
	if n.Window {
		var err error
		if over, err = t.over(n); err != nil {
			return nil, err
		}
		if over == nil {
			return nil, nil
		}
	}

	ctx, err := t.generate(n, n.Name, variants, args, consts(n.Args, len(n.Args)), over)
	if err != nil {
		return nil, err
	}
	switch {
	case n.Window:
		ctx.Scopes |= formula.ScopeWindow
	case n.Aggregate:
		ctx.Scopes |= formula.ScopeAggregate
	}
	return ctx, nil
}

func dimKey(n formula.Node) string { return formula.Format(n) }

// over builds the window specification of a window call: TOTAL or no
// grouping spans all rows, WITHIN partitions by its dimensions and AMONG
// by the query dimensions it does not list.
func (t *Translator) over(n *formula.Call) (*dialect.Over, error) {
	var partition []formula.Node
	if g := n.Grouping; g != nil {
		switch g.Kind {
		case formula.GroupingWithin:
			partition = g.Dims
		case formula.GroupingAmong:
			among := make(map[string]bool, len(g.Dims))
			for _, d := range g.Dims {
				among[dimKey(d)] = true
			}
			for _, d := range t.Env.Dimensions() {
				if !among[dimKey(d)] {
					partition = append(partition, d)
				}
			}
		}
	}

	var order []OrderSpec
	if n.Ordering != nil {
		for _, it := range n.Ordering.Items {
			order = append(order, OrderSpec{Node: it.Expr, Desc: it.Desc})
		}
	} else if t.defaultOrdering(n) {
		for _, o := range t.Env.Ordering() {
			if !formula.HasWindow(o.Node) {
				order = append(order, o)
			}
		}
	}

	parts, ok := t.nodes(partition)
	if !ok {
		return nil, nil
	}
	orderNodes := make([]formula.Node, len(order))
	for i, o := range order {
		orderNodes[i] = o.Node
	}
	orderCtx, ok := t.nodes(orderNodes)
	if !ok {
		return nil, nil
	}

	over := &dialect.Over{}
	for _, p := range parts {
		over.PartitionBy = append(over.PartitionBy, p.Expr)
	}
	for i, o := range orderCtx {
		over.OrderBy = append(over.OrderBy, dialect.OrderTerm{Expr: o.Expr, Desc: order[i].Desc})
	}
	return over, nil
}

func (t *Translator) defaultOrdering(n *formula.Call) bool {
	for _, d := range t.Caps.Lookup(n.Name, len(n.Args)) {
		if d.IsWindow && d.DefaultOrdering {
			return true
		}
	}
	return false
}
