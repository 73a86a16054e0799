package formula

// Walk visits n depth-first in pre-order. fn receives the ancestors of the
// visited node, outermost first; returning false skips its children.
func Walk(n Node, fn func(n Node, parents []Node) bool) {
	var parents []Node
	var visit func(n Node)
	visit = func(n Node) {
		if isNilNode(n) {
			return
		}
		if !fn(n, parents) {
			return
		}
		parents = append(parents, n)
		for _, c := range n.Children() {
			visit(c)
		}
		parents = parents[:len(parents)-1]
	}
	visit(n)
}

// Inspect is Walk without the parent stack.
func Inspect(n Node, fn func(Node) bool) {
	Walk(n, func(n Node, _ []Node) bool { return fn(n) })
}

// Scope is a bit set of evaluation scopes an expression requires.
type Scope uint8

const (
	ScopeAggregate Scope = 1 << iota
	ScopeWindow
)

func (s Scope) Has(o Scope) bool { return s&o != 0 }

// ScopeOf returns the scopes of every call in n.
func ScopeOf(n Node) Scope {
	var s Scope
	Inspect(n, func(n Node) bool {
		if c, ok := n.(*Call); ok {
			switch {
			case c.Window:
				s |= ScopeWindow
			case c.Aggregate:
				s |= ScopeAggregate
			}
		}
		return true
	})
	return s
}

// HasWindow reports whether n contains a window call.
func HasWindow(n Node) bool {
	return ScopeOf(n).Has(ScopeWindow)
}

// RefIDs returns the distinct ref ids in n in visiting order.
func RefIDs(n Node) []string {
	var out []string
	seen := make(map[string]bool)
	Inspect(n, func(n Node) bool {
		if r, ok := n.(*Ref); ok && !seen[r.RefID] {
			seen[r.RefID] = true
			out = append(out, r.RefID)
		}
		return true
	})
	return out
}

// FieldNames returns the distinct field names in n in visiting order.
func FieldNames(n Node) []string {
	var out []string
	seen := make(map[string]bool)
	Inspect(n, func(n Node) bool {
		if f, ok := n.(*Field); ok && !seen[f.Name] {
			seen[f.Name] = true
			out = append(out, f.Name)
		}
		return true
	})
	return out
}

// Rewrite copies n into arena. fn is called before descending into a node;
// when it returns true its node replaces the original as-is. Shared
// subtrees stay shared in the copy.
func Rewrite(a *Arena, n Node, fn func(Node) (Node, bool)) Node {
	rw := &rewriter{arena: a, fn: fn, memo: make(map[NodeID]Node)}
	return rw.node(n)
}

type rewriter struct {
	arena *Arena
	fn    func(Node) (Node, bool)
	memo  map[NodeID]Node
}

func (rw *rewriter) nodes(ns []Node) []Node {
	if ns == nil {
		return nil
	}
	out := make([]Node, len(ns))
	for i, n := range ns {
		out[i] = rw.node(n)
	}
	return out
}

func (rw *rewriter) opt(n Node) Node {
	if isNilNode(n) {
		return nil
	}
	return rw.node(n)
}

func (rw *rewriter) node(n Node) Node {
	if done, ok := rw.memo[n.ID()]; ok && n.ID() != 0 {
		return done
	}
	out := rw.rebuild(n)
	rw.memo[n.ID()] = out
	return out
}

func (rw *rewriter) rebuild(n Node) Node {
	if r, ok := rw.fn(n); ok {
		return r
	}
	a, pos := rw.arena, n.Pos()
	switch n := n.(type) {
	case *Literal:
		return Alloc(a, pos, &Literal{Kind: n.Kind, Value: n.Value})
	case *Field:
		return Alloc(a, pos, &Field{Name: n.Name})
	case *Ref:
		return Alloc(a, pos, &Ref{RefID: n.RefID, Name: n.Name})
	case *Paren:
		return Alloc(a, pos, &Paren{Expr: rw.node(n.Expr)})
	case *Binary:
		return Alloc(a, pos, &Binary{Op: n.Op, Left: rw.node(n.Left), Right: rw.node(n.Right)})
	case *Unary:
		return Alloc(a, pos, &Unary{Op: n.Op, Operand: rw.node(n.Operand)})
	case *In:
		return Alloc(a, pos, &In{Expr: rw.node(n.Expr), Items: rw.nodes(n.Items), Not: n.Not})
	case *Between:
		return Alloc(a, pos, &Between{Expr: rw.node(n.Expr), Low: rw.node(n.Low), High: rw.node(n.High), Not: n.Not})
	case *If:
		return Alloc(a, pos, &If{Conds: rw.nodes(n.Conds), Thens: rw.nodes(n.Thens), Else: rw.opt(n.Else)})
	case *Case:
		return Alloc(a, pos, &Case{Expr: rw.node(n.Expr), Whens: rw.nodes(n.Whens), Thens: rw.nodes(n.Thens), Else: rw.opt(n.Else)})
	case *Call:
		c := &Call{
			Name: n.Name, Args: rw.nodes(n.Args),
			Window: n.Window, Aggregate: n.Aggregate, Lookup: n.Lookup,
		}
		if n.Grouping != nil {
			c.Grouping = rw.node(n.Grouping).(*WindowGrouping)
		}
		if n.Ordering != nil {
			c.Ordering = rw.node(n.Ordering).(*Ordering)
		}
		if n.BFB != nil {
			c.BFB = rw.node(n.BFB).(*BeforeFilterBy)
		}
		if n.Ignore != nil {
			c.Ignore = rw.node(n.Ignore).(*IgnoreDimensions)
		}
		if n.LOD != nil {
			c.LOD = rw.node(n.LOD).(*LOD)
		}
		return Alloc(a, pos, c)
	case *WindowGrouping:
		return Alloc(a, pos, &WindowGrouping{Kind: n.Kind, Dims: rw.nodes(n.Dims)})
	case *Ordering:
		items := make([]*OrderItem, len(n.Items))
		for i, it := range n.Items {
			items[i] = rw.node(it).(*OrderItem)
		}
		return Alloc(a, pos, &Ordering{Items: items})
	case *OrderItem:
		return Alloc(a, pos, &OrderItem{Expr: rw.node(n.Expr), Desc: n.Desc})
	case *BeforeFilterBy:
		return Alloc(a, pos, &BeforeFilterBy{Fields: append([]string(nil), n.Fields...)})
	case *IgnoreDimensions:
		return Alloc(a, pos, &IgnoreDimensions{Fields: append([]string(nil), n.Fields...)})
	case *LOD:
		return Alloc(a, pos, &LOD{Kind: n.Kind, Dims: rw.nodes(n.Dims)})
	}
	panic("formula: cannot rewrite node")
}
