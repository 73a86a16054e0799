package physical

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atlekbai/formula_engine/internal/compiler"
	"github.com/atlekbai/formula_engine/internal/dialect"
	"github.com/atlekbai/formula_engine/internal/fixture"
	"github.com/atlekbai/formula_engine/internal/planner"
	"github.com/atlekbai/formula_engine/internal/query"
	"github.com/atlekbai/formula_engine/internal/schema"
)

func assemble(t *testing.T, source string, filters []string, sel ...string) *Plan {
	t.Helper()
	c, err := compiler.New(fixture.Dataset(), fixture.Sources(), nil)
	require.NoError(t, err)
	d, err := dialect.Get(source)
	require.NoError(t, err)

	block := &query.BlockSpec{}
	for _, s := range sel {
		out, err := c.Compile(s)
		require.NoError(t, err, s)
		block.Select = append(block.Select, query.Expr{Title: s, Compiled: out})
	}
	for _, f := range filters {
		out, err := c.Compile(f)
		require.NoError(t, err, f)
		block.Filters = append(block.Filters, out)
	}
	spec, err := query.MakeQuerySpec(block, c.Dataset(), c.Columns(), d)
	require.NoError(t, err)
	mq, err := planner.Build(spec, c.Dataset(), c.Columns(), c, c.Arena())
	require.NoError(t, err)
	mq, err = planner.New(planner.StrategyBorderline).Plan(mq)
	require.NoError(t, err)
	plan, err := Assemble(mq, c.Columns(), d)
	require.NoError(t, err)
	return plan
}

func TestAssemblePushdown(t *testing.T) {
	plan := assemble(t, dialect.PostgreSQL, nil, "[Sales]")
	require.Len(t, plan.Queries, 1)
	top := plan.Top()
	require.Equal(t, planner.TierSource, top.Tier)
	require.Equal(t, `SELECT (SUM("o"."amount")) AS "c0" FROM "public"."orders" AS "o" LIMIT 100000`, top.SQL)
	require.Empty(t, top.Args)
	require.Equal(t, []Column{{ID: "c0", Type: schema.TypeFloat}}, top.Columns)
}

func TestAssembleJoinsAndGrouping(t *testing.T) {
	plan := assemble(t, dialect.PostgreSQL, []string{"[Region] = 'north'"}, "[City]", "[Sales]")
	sql := plan.Top().SQL
	require.Contains(t, sql, `FROM "public"."orders" AS "o" LEFT JOIN "public"."cities" AS "c" ON ("o"."city_id" = "c"."id") JOIN "public"."regions" AS "r" ON ("c"."region_id" = "r"."id")`)
	require.Contains(t, sql, `WHERE ("r"."name" = $1)`)
	require.Contains(t, sql, "GROUP BY 1")
	require.Equal(t, []any{"north"}, plan.Top().Args)
}

func TestAssembleWindowSplit(t *testing.T) {
	plan := assemble(t, dialect.ClickHouse, []string{"RANK([Sales]) <= 3"}, "[City]", "RANK_PERCENTILE([Sales])")
	require.Len(t, plan.Queries, 2)

	bottom, top := plan.Queries[0], plan.Queries[1]
	require.Equal(t, plan.TopID, top.ID)
	require.Equal(t, planner.TierSource, bottom.Tier)
	require.Equal(t, dialect.ClickHouse, bottom.Dialect)
	require.Contains(t, bottom.SQL, "GROUP BY 1")
	require.NotContains(t, bottom.SQL, "OVER")

	require.Equal(t, planner.TierLocal, top.Tier)
	require.Equal(t, dialect.PostgreSQL, top.Dialect)
	require.Equal(t, []string{bottom.ID}, top.Inputs)
	require.Contains(t, top.SQL, `FROM "q_`+bottom.ID+`" AS "`+bottom.ID+`"`)
	require.Contains(t, top.SQL, "PERCENT_RANK() OVER (ORDER BY")
	require.Contains(t, top.SQL, `WHERE "_wf0"`)
	require.Len(t, top.Columns, 2)
}

func TestAssembleBlocks(t *testing.T) {
	plan := assemble(t, dialect.PostgreSQL, nil, "[Region]", "[City]", "SUM([Amount] FIXED [Region])")
	require.Len(t, plan.Queries, 1)
	sql := plan.Top().SQL
	require.Contains(t, sql, "LEFT JOIN (SELECT")
	require.Contains(t, sql, "IS NOT DISTINCT FROM")
	require.Contains(t, sql, "GROUP BY 1, 2")
}

func TestAssembleLookup(t *testing.T) {
	plan := assemble(t, dialect.PostgreSQL, nil, "[Date]", `AGO([Sales], [Date], "year")`)
	require.Len(t, plan.Queries, 1)
	require.Contains(t, plan.Top().SQL, "INTERVAL '1 year'")
}

func TestAssembleErrors(t *testing.T) {
	c, err := compiler.New(fixture.Dataset(), fixture.Sources(), nil)
	require.NoError(t, err)
	d, err := dialect.Get(dialect.PostgreSQL)
	require.NoError(t, err)
	amount, err := c.Compile("[Amount]")
	require.NoError(t, err)

	mq := planner.NewMultiQuery(c.Arena())
	mq.TopID = "q1"
	mq.Queries = []*planner.SubQuery{{
		ID:         "q1",
		Tier:       planner.TierLocal,
		Select:     []planner.Item{{ID: "c0", Node: amount.Node}},
		JoinedFrom: planner.JoinedFrom{Root: planner.From{AvatarID: "o"}},
	}}
	_, err = Assemble(mq, c.Columns(), d)
	require.True(t, ErrNotFinalized.Is(err))

	mq.State = planner.StateFinalized
	_, err = Assemble(mq, c.Columns(), d)
	require.True(t, ErrTierInversion.Is(err), "%v", err)
}
