package exec

import (
	"context"
	"sync"

	opentracing "github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	errors "gopkg.in/src-d/go-errors.v1"

	"github.com/atlekbai/formula_engine/internal/physical"
	"github.com/atlekbai/formula_engine/internal/planner"
)

var (
	ErrMissingInput = errors.NewKind("statement %s reads %s, which is not in the plan")
	ErrNoExecutor   = errors.NewKind("no executor for tier %s")
	ErrInputOrder   = errors.NewKind("statement %s is listed before its input %s")
)

// Executor runs one statement on a tier. inputs holds the results of the
// statements q reads, by id.
type Executor interface {
	Execute(ctx context.Context, q *physical.Query, inputs map[string]*Result) (*Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, q *physical.Query, inputs map[string]*Result) (*Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, q *physical.Query, inputs map[string]*Result) (*Result, error) {
	return f(ctx, q, inputs)
}

// Runner executes physical plans. A statement starts once every statement
// it reads is done; independent statements run concurrently. Inputs of a
// statement whose result is cached are not executed.
type Runner struct {
	Source  Executor
	Local   Executor
	Cache   *CacheAdapter
	Options Options
	Log     logrus.FieldLogger
}

// Report is the outcome of running a plan.
type Report struct {
	Result *Result
	// Situation of the top statement.
	Situation Situation
	// Statements maps every executed or cached statement to its situation.
	Statements map[string]Situation
}

type unit struct {
	q    *physical.Query
	once sync.Once
	out  *Outcome
	err  error
}

type run struct {
	r     *Runner
	units map[string]*unit
	keys  map[string]uint64

	mu         sync.Mutex
	situations map[string]Situation
}

// Run executes p and returns the result of its top statement.
func (r *Runner) Run(ctx context.Context, p *physical.Plan) (*Report, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "exec.Run")
	span.SetTag("statements", len(p.Queries))
	defer span.Finish()

	units := make(map[string]*unit, len(p.Queries))
	for _, q := range p.Queries {
		for _, in := range q.Inputs {
			if _, ok := units[in]; !ok {
				if p.Query(in) == nil {
					return nil, ErrMissingInput.New(q.ID, in)
				}
				return nil, ErrInputOrder.New(q.ID, in)
			}
		}
		units[q.ID] = &unit{q: q}
	}
	if _, ok := units[p.TopID]; !ok {
		return nil, ErrMissingInput.New("plan", p.TopID)
	}
	keys, err := Keys(p, r.Options)
	if err != nil {
		return nil, err
	}

	st := &run{r: r, units: units, keys: keys, situations: make(map[string]Situation)}
	out, err := st.get(ctx, p.TopID)
	if err != nil {
		return nil, err
	}
	return &Report{Result: out.Result, Situation: out.Situation, Statements: st.situations}, nil
}

func (st *run) get(ctx context.Context, id string) (*Outcome, error) {
	u := st.units[id]
	u.once.Do(func() {
		u.out, u.err = st.execute(ctx, u.q)
	})
	return u.out, u.err
}

func (st *run) execute(ctx context.Context, q *physical.Query) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	exe, err := st.r.executor(q.Tier)
	if err != nil {
		return nil, err
	}

	span, ctx := opentracing.StartSpanFromContext(ctx, "exec.statement")
	span.SetTag("statement", q.ID)
	span.SetTag("tier", string(q.Tier))
	defer span.Finish()

	out, err := st.r.Cache.ExecuteWithCache(ctx, q, inputKeys(q, st.keys), st.r.Options, func(ctx context.Context) (*Result, error) {
		inputs, err := st.inputs(ctx, q)
		if err != nil {
			return nil, err
		}
		st.r.logger().WithFields(logrus.Fields{"statement": q.ID, "tier": q.Tier}).Debug("executing statement")
		return exe.Execute(ctx, q, inputs)
	})
	if err != nil {
		return nil, err
	}
	span.SetTag("situation", string(out.Situation))
	st.mu.Lock()
	st.situations[q.ID] = out.Situation
	st.mu.Unlock()
	return out, nil
}

func (st *run) inputs(ctx context.Context, q *physical.Query) (map[string]*Result, error) {
	outs := make([]*Outcome, len(q.Inputs))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range q.Inputs {
		g.Go(func() error {
			out, err := st.get(gctx, id)
			outs[i] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	inputs := make(map[string]*Result, len(outs))
	for i, id := range q.Inputs {
		inputs[id] = outs[i].Result
	}
	return inputs, nil
}

func (r *Runner) executor(t planner.Tier) (Executor, error) {
	var e Executor
	switch t {
	case planner.TierSource:
		e = r.Source
	case planner.TierLocal:
		e = r.Local
	}
	if e == nil {
		return nil, ErrNoExecutor.New(t)
	}
	return e, nil
}

func (r *Runner) logger() logrus.FieldLogger {
	if r.Log == nil {
		return logrus.StandardLogger()
	}
	return r.Log
}
