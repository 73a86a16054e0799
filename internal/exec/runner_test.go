package exec

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atlekbai/formula_engine/internal/physical"
	"github.com/atlekbai/formula_engine/internal/planner"
)

type recorder struct {
	mu   sync.Mutex
	runs []string
}

func (r *recorder) add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, id)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// diamond is a local statement d reading b and c, which both read source a.
func diamond() *physical.Plan {
	a := statement("a", "SELECT 1")
	b := statement("b", "SELECT b")
	b.Tier = planner.TierLocal
	b.Inputs = []string{"a"}
	c := statement("c", "SELECT c")
	c.Tier = planner.TierLocal
	c.Inputs = []string{"a"}
	d := statement("d", "SELECT d")
	d.Tier = planner.TierLocal
	d.Inputs = []string{"b", "c"}
	return &physical.Plan{Queries: []*physical.Query{a, b, c, d}, TopID: "d"}
}

func sumInputs(rec *recorder) Executor {
	return ExecutorFunc(func(_ context.Context, q *physical.Query, inputs map[string]*Result) (*Result, error) {
		rec.add(q.ID)
		var sum int64
		for _, id := range q.Inputs {
			in, ok := inputs[id]
			if !ok {
				return nil, ErrMissingInput.New(q.ID, id)
			}
			for _, row := range in.Rows {
				sum += row[0].(int64)
			}
		}
		return result(sum), nil
	})
}

func TestRunnerOrder(t *testing.T) {
	rec := &recorder{}
	r := &Runner{
		Source: ExecutorFunc(func(_ context.Context, q *physical.Query, _ map[string]*Result) (*Result, error) {
			rec.add(q.ID)
			return result(2), nil
		}),
		Local: sumInputs(rec),
	}

	report, err := r.Run(context.Background(), diamond())
	require.NoError(t, err)
	require.Equal(t, result(4), report.Result)
	require.Equal(t, Generated, report.Situation)

	require.Len(t, rec.runs, 4)
	require.Equal(t, "a", rec.runs[0])
	require.Equal(t, "d", rec.runs[3])
	require.ElementsMatch(t, []string{"b", "c"}, rec.runs[1:3])
	require.Len(t, report.Statements, 4)
}

func TestRunnerCachedTopSkipsInputs(t *testing.T) {
	mem, err := NewMemoryBackend(0)
	require.NoError(t, err)
	rec := &recorder{}
	r := &Runner{
		Source: sumInputs(rec),
		Local:  sumInputs(rec),
		Cache:  NewCacheAdapter(mem),
	}

	_, err = r.Run(context.Background(), diamond())
	require.NoError(t, err)
	require.Equal(t, 4, rec.count())

	report, err := r.Run(context.Background(), diamond())
	require.NoError(t, err)
	require.Equal(t, FullHit, report.Situation)
	require.Equal(t, map[string]Situation{"d": FullHit}, report.Statements)
	require.Equal(t, 4, rec.count())
}

func TestRunnerCancel(t *testing.T) {
	started := make(chan struct{})
	r := &Runner{
		Source: ExecutorFunc(func(ctx context.Context, _ *physical.Query, _ map[string]*Result) (*Result, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		Local: ExecutorFunc(func(context.Context, *physical.Query, map[string]*Result) (*Result, error) {
			t.Error("local statement must not run")
			return nil, nil
		}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := r.Run(ctx, diamond())
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunnerSourceError(t *testing.T) {
	rec := &recorder{}
	r := &Runner{
		Source: ExecutorFunc(func(context.Context, *physical.Query, map[string]*Result) (*Result, error) {
			return nil, ErrColumnCount.New("a", 1, 2)
		}),
		Local: sumInputs(rec),
	}
	_, err := r.Run(context.Background(), diamond())
	require.True(t, ErrColumnCount.Is(err))
	require.Zero(t, rec.count())
}

func TestRunnerInvalidPlans(t *testing.T) {
	r := &Runner{Source: sumInputs(&recorder{}), Local: sumInputs(&recorder{})}

	p := diamond()
	p.Queries[0], p.Queries[1] = p.Queries[1], p.Queries[0]
	_, err := r.Run(context.Background(), p)
	require.True(t, ErrInputOrder.Is(err))

	p = diamond()
	p.Queries = p.Queries[1:]
	_, err = r.Run(context.Background(), p)
	require.True(t, ErrMissingInput.Is(err))

	p = diamond()
	_, err = (&Runner{Source: sumInputs(&recorder{})}).Run(context.Background(), p)
	require.True(t, ErrNoExecutor.Is(err))
}
