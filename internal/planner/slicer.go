package planner

import (
	"fmt"
	"slices"

	"github.com/atlekbai/formula_engine/internal/formula"
)

// Free is the level of a node that can be evaluated anywhere.
const Free = -1

// LevelStrategy places nodes on the levels of a nested query. Level 0 is
// the outermost query; higher levels run below it.
type LevelStrategy interface {
	// Level returns the level n itself demands or Free when its children
	// decide.
	Level(n formula.Node) int
}

// WindowLevels puts window calls above the grouping query that feeds them.
type WindowLevels struct{}

func (WindowLevels) Level(n formula.Node) int {
	switch n := n.(type) {
	case *formula.Call:
		if n.Window {
			return 0
		}
		if n.Aggregate {
			return 1
		}
	case *formula.Ref:
		return 1
	}
	return Free
}

// BlockLevels puts everything reading a block output into the composition
// query and the rest into the main query below it.
type BlockLevels struct {
	Blocks map[string]bool
}

func (s BlockLevels) Level(n formula.Node) int {
	switch n := n.(type) {
	case *formula.Call:
		if n.Aggregate && !n.Window {
			return 1
		}
	case *formula.Ref:
		if s.Blocks[n.RefID] {
			return 0
		}
		return 1
	}
	return Free
}

// Piece is a sub-expression evaluated at one level and read by the level
// above through a Ref to its id.
type Piece struct {
	ID   string
	Node formula.Node
}

type Slice struct {
	Level  int
	Pieces []Piece
	// Requires are the piece ids of lower levels this slice reads.
	Requires []string
}

// SlicedFormula is a formula cut into levels. Slices[0] holds exactly one
// piece: the formula as evaluated at the top, carrying Alias as its id.
type SlicedFormula struct {
	Alias  string
	Slices []Slice
}

// Top returns the node evaluated at level 0.
func (f *SlicedFormula) Top() formula.Node { return f.Slices[0].Pieces[0].Node }

// Slicer cuts formulas into pieces. Pieces are shared by every formula cut
// by the same slicer: equal sub-expressions at one level become one piece.
type Slicer struct {
	strategy LevelStrategy
	arena    *formula.Arena
	newID    func() string

	memo   map[formula.NodeID]int
	byKey  map[string]*Piece
	pieces map[int][]*Piece
}

func NewSlicer(strategy LevelStrategy, arena *formula.Arena, newID func() string) *Slicer {
	return &Slicer{
		strategy: strategy,
		arena:    arena,
		newID:    newID,
		memo:     make(map[formula.NodeID]int),
		byKey:    make(map[string]*Piece),
		pieces:   make(map[int][]*Piece),
	}
}

// Level returns the level n is evaluated at: the lowest level any node of
// n demands, or Free.
func (s *Slicer) Level(n formula.Node) int {
	if l, ok := s.memo[n.ID()]; ok {
		return l
	}
	l := s.strategy.Level(n)
	for _, c := range n.Children() {
		cl := s.Level(c)
		if cl != Free && (l == Free || cl < l) {
			l = cl
		}
	}
	s.memo[n.ID()] = l
	return l
}

// Slice cuts n into levels.
func (s *Slicer) Slice(alias string, n formula.Node) *SlicedFormula {
	out := &SlicedFormula{Alias: alias}
	top := s.cut(out, n, 0)
	out.slice(0).Pieces = []Piece{{ID: alias, Node: top}}
	return out
}

// Cut returns n as evaluated at the top level.
func (s *Slicer) Cut(n formula.Node) formula.Node {
	return s.Slice("", n).Top()
}

// Pieces returns every piece placed on level, in creation order.
func (s *Slicer) Pieces(level int) []Piece {
	out := make([]Piece, 0, len(s.pieces[level]))
	for _, p := range s.pieces[level] {
		out = append(out, *p)
	}
	return out
}

// cut rewrites n for evaluation at level, replacing every subtree that
// belongs lower with a Ref to its piece.
func (s *Slicer) cut(f *SlicedFormula, n formula.Node, level int) formula.Node {
	return formula.Rewrite(s.arena, n, func(c formula.Node) (formula.Node, bool) {
		l := s.Level(c)
		if l <= level || !cuttable(c) {
			return nil, false
		}
		p := s.piece(f, c, l)
		sl := f.slice(level)
		if !slices.Contains(sl.Requires, p.ID) {
			sl.Requires = append(sl.Requires, p.ID)
		}
		return formula.Alloc(s.arena, c.Pos(), &formula.Ref{RefID: p.ID, Name: refName(c)}), true
	})
}

func (s *Slicer) piece(f *SlicedFormula, n formula.Node, level int) *Piece {
	key := fmt.Sprintf("%d:%s", level, formula.Format(n))
	p, ok := s.byKey[key]
	if !ok {
		p = &Piece{ID: s.newID()}
		p.Node = s.cut(f, n, level)
		s.byKey[key] = p
		s.pieces[level] = append(s.pieces[level], p)
	} else {
		// Record the lower pieces of this formula as well.
		s.cut(f, n, level)
	}
	sl := f.slice(level)
	if !slices.ContainsFunc(sl.Pieces, func(q Piece) bool { return q.ID == p.ID }) {
		sl.Pieces = append(sl.Pieces, *p)
	}
	return p
}

func (f *SlicedFormula) slice(level int) *Slice {
	for len(f.Slices) <= level {
		f.Slices = append(f.Slices, Slice{Level: len(f.Slices)})
	}
	return &f.Slices[level]
}

// cuttable reports whether n has a value of its own. Clause nodes and
// literals stay with their parent.
func cuttable(n formula.Node) bool {
	switch n.(type) {
	case *formula.Literal, *formula.WindowGrouping, *formula.Ordering, *formula.OrderItem,
		*formula.BeforeFilterBy, *formula.IgnoreDimensions, *formula.LOD:
		return false
	}
	return true
}

func refName(n formula.Node) string {
	if r, ok := n.(*formula.Ref); ok {
		return r.Name
	}
	return ""
}
