package formula

import "sync/atomic"

// NodeID is the arena index of a node. Caches key on it instead of on
// pointer identity. The zero value means "not allocated".
type NodeID int32

// Position is a half-open range of rune offsets in the source text.
type Position struct {
	Start int
	End   int
}

// Node is any formula AST node. Nodes are immutable once allocated.
type Node interface {
	ID() NodeID
	Pos() Position
	// Children returns the direct sub-nodes, clauses included.
	Children() []Node
	init(id NodeID, pos Position)
}

type base struct {
	id  NodeID
	pos Position
}

func (b *base) ID() NodeID    { return b.id }
func (b *base) Pos() Position { return b.pos }

func (b *base) init(id NodeID, pos Position) {
	if b.id != 0 {
		panic("formula: node allocated twice")
	}
	b.id = id
	b.pos = pos
}

// Arena hands out node ids. Every node taking part in one compilation must
// come from the same arena so that ids are unique.
type Arena struct {
	next atomic.Int32
}

func NewArena() *Arena { return &Arena{} }

// Size is the number of nodes allocated so far.
func (a *Arena) Size() int { return int(a.next.Load()) }

// Alloc assigns the next id and a position to n and returns it.
func Alloc[T Node](a *Arena, pos Position, n T) T {
	n.init(NodeID(a.next.Add(1)), pos)
	return n
}

// LiteralKind is the type of a literal value.
type LiteralKind int

const (
	LitString LiteralKind = iota
	LitInteger
	LitFloat
	LitBoolean
	LitDate
	LitDatetime
	LitNull
)

// Literal is a constant. Value holds string, int64, float64, bool,
// time.Time or nil depending on Kind.
type Literal struct {
	base
	Kind  LiteralKind
	Value any
}

// Field is an unresolved reference to a dataset field by title or id.
type Field struct {
	base
	Name string
}

// Ref is a resolved reference: a column id or a sub-query output id.
type Ref struct {
	base
	RefID string
	Name  string // display name, not part of identity
}

// Call is a function call with optional clauses.
type Call struct {
	base
	Name      string // upper case
	Args      []Node
	Window    bool
	Aggregate bool
	Lookup    bool

	Grouping *WindowGrouping
	Ordering *Ordering
	BFB      *BeforeFilterBy
	Ignore   *IgnoreDimensions
	LOD      *LOD
}

// Binary operators.
const (
	OpAdd     = "+"
	OpSub     = "-"
	OpMul     = "*"
	OpDiv     = "/"
	OpMod     = "%"
	OpEq      = "="
	OpNeq     = "!="
	OpLt      = "<"
	OpLte     = "<="
	OpGt      = ">"
	OpGte     = ">="
	OpAnd     = "and"
	OpOr      = "or"
	OpLike    = "like"
	OpNotLike = "notlike"

	// OpDimEq is null-safe equality. The parser never produces it; the
	// planner uses it to join sub-queries on dimensions.
	OpDimEq = "dimeq"
)

// Unary operators.
const (
	OpNeg        = "neg"
	OpNot        = "not"
	OpIsNull     = "isnull"
	OpIsNotNull  = "isnotnull"
	OpIsTrue     = "istrue"
	OpIsNotTrue  = "isnottrue"
	OpIsFalse    = "isfalse"
	OpIsNotFalse = "isnotfalse"
)

type Binary struct {
	base
	Op    string
	Left  Node
	Right Node
}

type Unary struct {
	base
	Op      string
	Operand Node
}

// In is `expr [NOT] IN (items)`.
type In struct {
	base
	Expr  Node
	Items []Node
	Not   bool
}

// Between is `expr [NOT] BETWEEN low AND high`.
type Between struct {
	base
	Expr Node
	Low  Node
	High Node
	Not  bool
}

// If is `IF c THEN v [ELSEIF c THEN v]... [ELSE v] END`.
type If struct {
	base
	Conds []Node
	Thens []Node
	Else  Node // may be nil
}

// Case is `CASE expr WHEN v THEN r ... [ELSE r] END`.
type Case struct {
	base
	Expr  Node
	Whens []Node
	Thens []Node
	Else  Node // may be nil
}

type Paren struct {
	base
	Expr Node
}

// BeforeFilterBy lists fields whose filters apply after the call.
type BeforeFilterBy struct {
	base
	Fields []string
}

// IgnoreDimensions lists dimensions a lookup does not match on.
type IgnoreDimensions struct {
	base
	Fields []string
}

type Ordering struct {
	base
	Items []*OrderItem
}

type OrderItem struct {
	base
	Expr Node
	Desc bool
}

// GroupingKind selects the partition of a window call.
type GroupingKind int

const (
	GroupingTotal GroupingKind = iota
	GroupingWithin
	GroupingAmong
)

type WindowGrouping struct {
	base
	Kind GroupingKind
	Dims []Node
}

// LODKind selects how a level of detail changes the aggregation grain.
type LODKind int

const (
	LODInclude LODKind = iota
	LODExclude
	LODFixed
)

type LOD struct {
	base
	Kind LODKind
	Dims []Node
}

func (n *Literal) Children() []Node { return nil }
func (n *Field) Children() []Node   { return nil }
func (n *Ref) Children() []Node     { return nil }

func (n *Call) Children() []Node {
	out := append([]Node(nil), n.Args...)
	if n.Grouping != nil {
		out = append(out, n.Grouping)
	}
	if n.Ordering != nil {
		out = append(out, n.Ordering)
	}
	if n.BFB != nil {
		out = append(out, n.BFB)
	}
	if n.Ignore != nil {
		out = append(out, n.Ignore)
	}
	if n.LOD != nil {
		out = append(out, n.LOD)
	}
	return out
}

func (n *Binary) Children() []Node { return []Node{n.Left, n.Right} }
func (n *Unary) Children() []Node  { return []Node{n.Operand} }
func (n *In) Children() []Node     { return append([]Node{n.Expr}, n.Items...) }
func (n *Between) Children() []Node {
	return []Node{n.Expr, n.Low, n.High}
}

func (n *If) Children() []Node {
	var out []Node
	for i := range n.Conds {
		out = append(out, n.Conds[i], n.Thens[i])
	}
	if n.Else != nil {
		out = append(out, n.Else)
	}
	return out
}

func (n *Case) Children() []Node {
	out := []Node{n.Expr}
	for i := range n.Whens {
		out = append(out, n.Whens[i], n.Thens[i])
	}
	if n.Else != nil {
		out = append(out, n.Else)
	}
	return out
}

func (n *Paren) Children() []Node            { return []Node{n.Expr} }
func (n *BeforeFilterBy) Children() []Node   { return nil }
func (n *IgnoreDimensions) Children() []Node { return nil }

func (n *Ordering) Children() []Node {
	out := make([]Node, len(n.Items))
	for i, it := range n.Items {
		out[i] = it
	}
	return out
}

func (n *OrderItem) Children() []Node      { return []Node{n.Expr} }
func (n *WindowGrouping) Children() []Node { return n.Dims }
func (n *LOD) Children() []Node            { return n.Dims }

// Args returns call arguments without clauses; nil for non-calls.
func Args(n Node) []Node {
	if c, ok := n.(*Call); ok {
		return c.Args
	}
	return nil
}

// Formula is a parsed formula: its source text and root node.
type Formula struct {
	Text string
	Root Node
}
