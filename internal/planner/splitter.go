package planner

import (
	"github.com/atlekbai/formula_engine/internal/formula"
	"github.com/atlekbai/formula_engine/internal/query"
)

// WindowSplitter moves window computations of a source query into a local
// query reading the grouped rows of the original.
type WindowSplitter struct{}

func (WindowSplitter) Needs(q *SubQuery) bool { return q.HasWindow() }

func (WindowSplitter) Split(mq *MultiQuery, q *SubQuery) ([]*SubQuery, error) {
	mq.State = StateSliced
	s := NewSlicer(WindowLevels{}, mq.Arena, mq.NewItemID)

	bottom := &SubQuery{
		ID:         mq.NewQueryID(),
		Tier:       q.Tier,
		GroupBy:    q.GroupBy,
		Dims:       q.Dims,
		JoinedFrom: q.JoinedFrom,
	}
	top := &SubQuery{
		ID:         q.ID,
		Tier:       TierLocal,
		OrderBy:    q.OrderBy,
		Limit:      q.Limit,
		Offset:     q.Offset,
		JoinedFrom: JoinedFrom{Root: From{SubQueryID: bottom.ID}},
	}

	for _, it := range q.Select {
		top.Select = append(top.Select, Item{ID: it.ID, Node: s.Slice(it.ID, it.Node).Top()})
	}
	for _, d := range q.Dims {
		top.Dims = append(top.Dims, s.Cut(d))
	}
	for _, f := range q.Filters {
		if f.Level == query.LevelWindow || formula.HasWindow(f.Node) {
			top.Filters = append(top.Filters, Filter{Node: s.Cut(f.Node), Level: query.LevelWindow})
			continue
		}
		bottom.Filters = append(bottom.Filters, f)
	}
	// Grouping keys are selected by position, so every one is a piece.
	for _, g := range q.GroupBy {
		s.Cut(g)
	}
	for _, p := range s.Pieces(1) {
		bottom.Select = append(bottom.Select, Item{ID: p.ID, Node: p.Node})
	}
	return []*SubQuery{top, bottom}, nil
}
