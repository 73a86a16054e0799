package planner

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atlekbai/formula_engine/internal/formula"
)

func counter() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("p%d", n)
	}
}

func TestSlicerWindowLevels(t *testing.T) {
	e := newEnv(t)
	s := NewSlicer(WindowLevels{}, e.c.Arena(), counter())

	rsum := s.Slice("a", e.compile("RSUM([Sales]) + 1").Node)
	require.Len(t, rsum.Slices, 2)
	require.Len(t, rsum.Slices[0].Pieces, 1)
	require.Equal(t, "a", rsum.Slices[0].Pieces[0].ID)
	require.Equal(t, []string{"p1"}, rsum.Slices[0].Requires)
	require.Equal(t, "(RSUM({p1}) + 1)", formula.Format(rsum.Top()))

	rank := s.Slice("b", e.compile("RANK([Sales])").Node)
	require.Equal(t, []string{"p1"}, rank.Slices[0].Requires)
	require.Len(t, s.Pieces(1), 1)

	whole := s.Slice("c", e.compile("[Sales] / 2").Node)
	ref, ok := whole.Top().(*formula.Ref)
	require.True(t, ok)
	require.Equal(t, "p2", ref.RefID)
	require.Len(t, s.Pieces(1), 2)
}

func TestSlicerFreeNodes(t *testing.T) {
	e := newEnv(t)
	s := NewSlicer(WindowLevels{}, e.c.Arena(), counter())
	n := e.compile("1 + 2").Node
	require.Equal(t, Free, s.Level(n))
	sliced := s.Slice("k", n)
	require.Len(t, sliced.Slices, 1)
	require.Empty(t, sliced.Slices[0].Requires)
	require.Empty(t, s.Pieces(1))
}

func TestSlicerKeepsClauses(t *testing.T) {
	e := newEnv(t)
	s := NewSlicer(WindowLevels{}, e.c.Arena(), counter())
	top := s.Cut(e.compile("RSUM([Sales] WITHIN [City])").Node)
	call := top.(*formula.Call)
	require.NotNil(t, call.Grouping)
	require.IsType(t, &formula.Ref{}, call.Grouping.Dims[0])
	require.Len(t, s.Pieces(1), 2)
}
