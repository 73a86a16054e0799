package planner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atlekbai/formula_engine/internal/compiler"
	"github.com/atlekbai/formula_engine/internal/dialect"
	"github.com/atlekbai/formula_engine/internal/fixture"
	"github.com/atlekbai/formula_engine/internal/formula"
	"github.com/atlekbai/formula_engine/internal/query"
)

type env struct {
	t *testing.T
	c *compiler.Compiler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	c, err := compiler.New(fixture.Dataset(), fixture.Sources(), nil)
	require.NoError(t, err)
	return &env{t: t, c: c}
}

func (e *env) compile(text string) *compiler.Compiled {
	e.t.Helper()
	out, err := e.c.Compile(text)
	require.NoError(e.t, err, text)
	return out
}

func (e *env) build(filters []string, sel ...string) (*MultiQuery, error) {
	e.t.Helper()
	block := &query.BlockSpec{}
	for _, s := range sel {
		block.Select = append(block.Select, query.Expr{Title: s, Compiled: e.compile(s)})
	}
	for _, f := range filters {
		block.Filters = append(block.Filters, e.compile(f))
	}
	d, err := dialect.Get(dialect.PostgreSQL)
	require.NoError(e.t, err)
	spec, err := query.MakeQuerySpec(block, e.c.Dataset(), e.c.Columns(), d)
	require.NoError(e.t, err)
	return Build(spec, e.c.Dataset(), e.c.Columns(), e.c, e.c.Arena())
}

func (e *env) mustBuild(filters []string, sel ...string) *MultiQuery {
	e.t.Helper()
	mq, err := e.build(filters, sel...)
	require.NoError(e.t, err)
	return mq
}

func tiers(mq *MultiQuery) map[Tier]int {
	out := make(map[Tier]int)
	for _, q := range mq.Queries {
		out[q.Tier]++
	}
	return out
}

// requireNoInversion checks that no source query reads a local one.
func requireNoInversion(t *testing.T, mq *MultiQuery) {
	t.Helper()
	for _, q := range mq.Queries {
		if q.Tier != TierSource {
			continue
		}
		for _, id := range q.JoinedFrom.SubQueryIDs() {
			require.Equal(t, TierSource, mq.Get(id).Tier, "%s reads %s", q.ID, id)
		}
	}
}

func TestBuildSingleQuery(t *testing.T) {
	e := newEnv(t)
	mq := e.mustBuild(nil, "[City]", "[Sales]")
	require.Len(t, mq.Queries, 1)
	top := mq.Top()
	require.Equal(t, TierSource, top.Tier)
	require.Equal(t, "o", top.JoinedFrom.Root.AvatarID)
	require.Len(t, top.JoinedFrom.Joins, 1)
	require.Len(t, top.GroupBy, 1)
	require.Equal(t, "c0", top.Select[0].ID)
}

func TestPlanWithoutWindowsKeepsPlan(t *testing.T) {
	e := newEnv(t)
	mq := e.mustBuild(nil, "[City]", "[Sales]")
	planned, err := New(StrategyBorderline).Plan(mq)
	require.NoError(t, err)
	require.Len(t, planned.Queries, 1)
	require.Equal(t, TierSource, planned.Top().Tier)
	require.Equal(t, StateFinalized, planned.State)
}

func TestPlanSplitsWindow(t *testing.T) {
	e := newEnv(t)
	mq := e.mustBuild([]string{"RANK([Sales]) <= 3"}, "[City]", "RANK_PERCENTILE([Sales])")
	planned, err := New(StrategyBorderline).Plan(mq)
	require.NoError(t, err)

	require.Len(t, planned.Queries, 2)
	top := planned.Top()
	require.Equal(t, mq.TopID, top.ID)
	require.Equal(t, TierLocal, top.Tier)
	require.True(t, top.HasWindow())
	require.Len(t, top.Filters, 1)
	require.Equal(t, query.LevelWindow, top.Filters[0].Level)
	require.Len(t, top.Dims, 1)

	bottom := planned.Get(top.JoinedFrom.Root.SubQueryID)
	require.NotNil(t, bottom)
	require.Equal(t, TierSource, bottom.Tier)
	require.False(t, bottom.HasWindow())
	require.True(t, bottom.JoinedFrom.ReadsAvatars())
	// City and the shared SUM.
	require.Len(t, bottom.Select, 2)
	require.Len(t, bottom.GroupBy, 1)

	// The input plan is untouched.
	require.Len(t, mq.Queries, 1)
	require.Equal(t, TierSource, mq.Top().Tier)
	require.Equal(t, StateUnplanned, mq.State)
}

func TestPlanPropagatesLocalToAncestors(t *testing.T) {
	e := newEnv(t)
	mq := e.mustBuild(nil, "[Date]", "[City]", `AGO([Sales], [Date], "year")`, "RSUM([Sales])")
	require.Len(t, mq.Queries, 3)

	planned, err := New(StrategyBorderline).Plan(mq)
	require.NoError(t, err)
	require.Len(t, planned.Queries, 4)
	require.Equal(t, TierLocal, planned.Top().Tier)
	require.Equal(t, map[Tier]int{TierLocal: 2, TierSource: 2}, tiers(planned))
	requireNoInversion(t, planned)
}

func TestPlanCoarse(t *testing.T) {
	e := newEnv(t)
	mq := e.mustBuild(nil, "[Region]", "[City]", "SUM([Amount] FIXED [Region])", "RSUM([Sales])")
	planned, err := New(StrategyCoarse).Plan(mq)
	require.NoError(t, err)
	for _, q := range planned.Queries {
		if !q.JoinedFrom.ReadsAvatars() {
			require.Equal(t, TierLocal, q.Tier, q.ID)
		}
	}
	requireNoInversion(t, planned)
}

func TestBuildFixedLOD(t *testing.T) {
	e := newEnv(t)
	mq := e.mustBuild(nil, "[Region]", "[City]", "SUM([Amount] FIXED [Region])")
	require.Len(t, mq.Queries, 3)

	top := mq.Top()
	require.Equal(t, []string{"c0", "c1", "c2"}, []string{top.Select[0].ID, top.Select[1].ID, top.Select[2].ID})
	main := mq.Get(top.JoinedFrom.Root.SubQueryID)
	require.True(t, main.JoinedFrom.ReadsAvatars())
	require.Len(t, top.JoinedFrom.Joins, 1)
	join := top.JoinedFrom.Joins[0]
	require.Len(t, join.On, 1)
	require.Equal(t, formula.OpDimEq, join.On[0].(*formula.Binary).Op)

	blk := mq.Get(join.From.SubQueryID)
	require.Len(t, blk.GroupBy, 1)
	require.Len(t, blk.Select, 2)

	planned, err := New(StrategyBorderline).Plan(mq)
	require.NoError(t, err)
	require.Equal(t, map[Tier]int{TierSource: 3}, tiers(planned))
}

func TestBuildNestedLOD(t *testing.T) {
	e := newEnv(t)
	mq := e.mustBuild(nil, "[Region]", "AVG(SUM([Amount] INCLUDE [City]))")
	require.Len(t, mq.Queries, 4)
	top := mq.Top()
	outer := mq.Get(top.JoinedFrom.Joins[0].From.SubQueryID)
	inner := mq.Get(outer.JoinedFrom.Root.SubQueryID)
	require.NotNil(t, inner)
	require.Len(t, inner.GroupBy, 2)
	require.Len(t, outer.GroupBy, 1)
}

func TestBuildBeforeFilterBy(t *testing.T) {
	e := newEnv(t)
	mq := e.mustBuild([]string{"[Region] = 'north'"}, "[City]", "SUM([Amount] BEFORE FILTER BY [Region])", "[Sales]")
	require.Len(t, mq.Queries, 3)
	top := mq.Top()
	main := mq.Get(top.JoinedFrom.Root.SubQueryID)
	require.Len(t, main.Filters, 1)
	blk := mq.Get(top.JoinedFrom.Joins[0].From.SubQueryID)
	require.Empty(t, blk.Filters)

	// Without a filter on the field the aggregate stays in one query.
	mq = e.mustBuild(nil, "[City]", "SUM([Amount] BEFORE FILTER BY [Region])")
	require.Len(t, mq.Queries, 1)
}

func TestBuildLookupDateJoin(t *testing.T) {
	e := newEnv(t)
	mq := e.mustBuild(nil, "[Date]", `AGO([Sales], [Date], "month", 2)`)
	join := mq.Top().JoinedFrom.Joins[0]
	require.Len(t, join.On, 1)
	left := join.On[0].(*formula.Binary).Left.(*formula.Call)
	require.Equal(t, "DATEADD", left.Name)
	require.Equal(t, "month", left.Args[1].(*formula.Literal).Value)

	mq = e.mustBuild(nil, "[Date]", "[City]", `AT_DATE([Sales], [Date], #2024-01-01#)`)
	blk := mq.Get(mq.Top().JoinedFrom.Joins[0].From.SubQueryID)
	require.Len(t, blk.GroupBy, 1)
	require.Len(t, blk.Filters, 1)
}

func TestBuildErrors(t *testing.T) {
	e := newEnv(t)
	_, err := e.build(nil, "[City]", "SUM([Amount] FIXED [Region])")
	require.True(t, ErrLODGrain.Is(err), "%v", err)

	_, err = e.build(nil, "[City]", "AGO([Sales], [Date])")
	require.True(t, ErrLookupDimension.Is(err), "%v", err)
}

// loopSplitter keeps producing bottoms that need splitting again.
type loopSplitter struct{}

func (loopSplitter) Needs(*SubQuery) bool { return true }

func (loopSplitter) Split(mq *MultiQuery, q *SubQuery) ([]*SubQuery, error) {
	bottom := q.clone()
	bottom.ID = mq.NewQueryID()
	top := &SubQuery{ID: q.ID, Tier: TierSource, JoinedFrom: JoinedFrom{Root: From{SubQueryID: bottom.ID}}}
	return []*SubQuery{top, bottom}, nil
}

// halfSplitter returns only the top.
type halfSplitter struct{ loopSplitter }

func (s halfSplitter) Split(mq *MultiQuery, q *SubQuery) ([]*SubQuery, error) {
	out, err := s.loopSplitter.Split(mq, q)
	return out[:1], err
}

func TestPlanMisbehavingSplitters(t *testing.T) {
	e := newEnv(t)
	mq := e.mustBuild(nil, "[City]", "[Sales]")

	p := New(StrategyBorderline)
	p.Splitters = []Splitter{loopSplitter{}}
	_, err := p.Plan(mq)
	require.True(t, ErrPlanNotConverged.Is(err), "%v", err)

	p.Splitters = []Splitter{halfSplitter{}}
	_, err = p.Plan(mq)
	require.True(t, ErrMalformedSplit.Is(err), "%v", err)
}

func TestMultiQueryValidate(t *testing.T) {
	sub := func(id string, reads ...string) *SubQuery {
		q := &SubQuery{ID: id, JoinedFrom: JoinedFrom{Root: From{AvatarID: "o"}}}
		for i, r := range reads {
			if i == 0 {
				q.JoinedFrom.Root = From{SubQueryID: r}
				continue
			}
			q.JoinedFrom.Joins = append(q.JoinedFrom.Joins, Join{From: From{SubQueryID: r}})
		}
		return q
	}

	mq := &MultiQuery{TopID: "q1", Queries: []*SubQuery{sub("q1", "q2"), sub("q2", "q3"), sub("q3", "q2")}}
	require.True(t, ErrCyclicPlan.Is(mq.Validate()))

	mq = &MultiQuery{TopID: "q1", Queries: []*SubQuery{sub("q1", "q9")}}
	require.True(t, ErrUnknownSubQuery.Is(mq.Validate()))

	mq = &MultiQuery{TopID: "q1", Queries: []*SubQuery{sub("q1"), sub("q2")}}
	require.True(t, ErrTopQuery.Is(mq.Validate()))

	mq = &MultiQuery{TopID: "q1", Queries: []*SubQuery{sub("q1", "q2", "q3"), sub("q2", "q3"), sub("q3")}}
	require.NoError(t, mq.Validate())
	order := mq.Order()
	require.Equal(t, "q3", order[0].ID)
	require.Equal(t, "q1", order[2].ID)
}

// tagSplitter splits the sub-queries named in ids into a local top and a
// source bottom cloned from the original.
type tagSplitter struct{ ids map[string]bool }

func (s tagSplitter) Needs(q *SubQuery) bool { return s.ids[q.ID] }

func (tagSplitter) Split(mq *MultiQuery, q *SubQuery) ([]*SubQuery, error) {
	bottom := q.clone()
	bottom.ID = mq.NewQueryID()
	top := &SubQuery{ID: q.ID, Tier: TierLocal, JoinedFrom: JoinedFrom{Root: From{SubQueryID: bottom.ID}}}
	return []*SubQuery{top, bottom}, nil
}

// chain builds a plan whose queries read each other in order; the last
// one reads the avatar o.
func chain(n int) (*MultiQuery, []string) {
	mq := NewMultiQuery(nil)
	ids := make([]string, n)
	for i := range ids {
		ids[i] = mq.NewQueryID()
	}
	for i, id := range ids {
		q := &SubQuery{ID: id, Tier: TierSource, JoinedFrom: JoinedFrom{Root: From{AvatarID: "o"}}}
		if i+1 < n {
			q.JoinedFrom.Root = From{SubQueryID: ids[i+1]}
		}
		mq.Queries = append(mq.Queries, q)
	}
	mq.TopID = ids[0]
	return mq, ids
}

func TestPlanSplitsBorderlineOverSubQueries(t *testing.T) {
	mq, ids := chain(2)
	p := New(StrategyBorderline)
	p.Splitters = []Splitter{tagSplitter{ids: map[string]bool{ids[0]: true}}}

	planned, err := p.Plan(mq)
	require.NoError(t, err)
	require.Len(t, planned.Queries, 3)

	top := planned.Top()
	require.Equal(t, ids[0], top.ID)
	require.Equal(t, TierLocal, top.Tier)
	bottom := planned.Get(top.JoinedFrom.Root.SubQueryID)
	require.NotNil(t, bottom)
	require.NotContains(t, ids, bottom.ID)
	require.Equal(t, TierSource, bottom.Tier)
	require.Equal(t, []string{ids[1]}, bottom.JoinedFrom.SubQueryIDs())
	require.Equal(t, TierSource, planned.Get(ids[1]).Tier)
	requireNoInversion(t, planned)
}

func TestPlanCoarseMovesWithoutSplitting(t *testing.T) {
	mq, ids := chain(2)
	p := New(StrategyCoarse)
	p.Splitters = []Splitter{tagSplitter{ids: map[string]bool{ids[0]: true}}}

	planned, err := p.Plan(mq)
	require.NoError(t, err)
	require.Len(t, planned.Queries, 2)
	require.Equal(t, TierLocal, planned.Top().Tier)
	require.Equal(t, []string{ids[1]}, planned.Top().JoinedFrom.SubQueryIDs())
	require.Equal(t, TierSource, planned.Get(ids[1]).Tier)

	// A query reading source tables is still split.
	p.Splitters = []Splitter{tagSplitter{ids: map[string]bool{ids[1]: true}}}
	planned, err = p.Plan(mq)
	require.NoError(t, err)
	require.Len(t, planned.Queries, 3)
	require.Equal(t, TierLocal, planned.Get(ids[1]).Tier)
	requireNoInversion(t, planned)
}

func TestPlanSplitKeepsConsumerEdges(t *testing.T) {
	mq, ids := chain(3)
	p := New(StrategyBorderline)
	p.Splitters = []Splitter{tagSplitter{ids: map[string]bool{ids[1]: true}}}

	planned, err := p.Plan(mq)
	require.NoError(t, err)
	require.Len(t, planned.Queries, 4)

	// The consumer still reads the split id, which now holds the local top.
	consumer := planned.Get(ids[0])
	require.Equal(t, []string{ids[1]}, consumer.JoinedFrom.SubQueryIDs())
	require.Equal(t, TierLocal, consumer.Tier)

	split := planned.Get(ids[1])
	require.Equal(t, TierLocal, split.Tier)
	bottom := planned.Get(split.JoinedFrom.Root.SubQueryID)
	require.NotNil(t, bottom)
	require.NotContains(t, ids, bottom.ID)
	require.Equal(t, TierSource, bottom.Tier)
	require.Equal(t, []string{ids[2]}, bottom.JoinedFrom.SubQueryIDs())
	require.NoError(t, planned.Validate())
	requireNoInversion(t, planned)
}
