package exec

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/atlekbai/formula_engine/internal/physical"
	"github.com/atlekbai/formula_engine/internal/planner"
	"github.com/atlekbai/formula_engine/internal/schema"
)

func statement(id, sql string, args ...any) *physical.Query {
	return &physical.Query{
		ID:      id,
		Tier:    planner.TierSource,
		Dialect: "postgresql",
		SQL:     sql,
		Args:    args,
		Columns: []physical.Column{{ID: "c0", Type: schema.TypeInteger}},
	}
}

func result(v ...int64) *Result {
	r := &Result{Columns: []physical.Column{{ID: "c0", Type: schema.TypeInteger}}}
	for _, x := range v {
		r.Rows = append(r.Rows, []any{x})
	}
	return r
}

func TestKeyIgnoresOrder(t *testing.T) {
	q := statement("q1", "SELECT 1")
	a := Options{Namespace: "ns", Mutations: []Mutation{
		{Op: "set", Key: "region", Value: "north"},
		{Op: "drop", Key: "city", Value: ""},
	}}
	b := Options{Namespace: "ns", Mutations: []Mutation{
		{Op: "drop", Key: "city", Value: ""},
		{Op: "set", Key: "region", Value: "north"},
	}}
	in1 := map[string]uint64{"q2": 1, "q3": 2}
	in2 := map[string]uint64{"q3": 2, "q2": 1}

	k1, err := Key(q, in1, a)
	require.NoError(t, err)
	k2, err := Key(q, in2, b)
	require.NoError(t, err)
	require.Equal(t, k1, k2)
}

func TestKeyChanges(t *testing.T) {
	base := Options{Namespace: "ns", Mutations: []Mutation{{Op: "set", Key: "region", Value: "north"}}}
	key := func(q *physical.Query, in map[string]uint64, o Options) uint64 {
		k, err := Key(q, in, o)
		require.NoError(t, err)
		return k
	}
	k := key(statement("q1", "SELECT $1", "a"), nil, base)

	require.NotEqual(t, k, key(statement("q1", "SELECT $1", "b"), nil, base))
	require.NotEqual(t, k, key(statement("q1", "SELECT $1", 1), nil, base))
	require.NotEqual(t, k, key(statement("q1", "SELECT $2", "a"), nil, base))
	require.NotEqual(t, k, key(statement("q1", "SELECT $1", "a"), map[string]uint64{"q2": 1}, base))

	other := base
	other.Namespace = "other"
	require.NotEqual(t, k, key(statement("q1", "SELECT $1", "a"), nil, other))

	other = base
	other.Mutations = []Mutation{{Op: "set", Key: "region", Value: "south"}}
	require.NotEqual(t, k, key(statement("q1", "SELECT $1", "a"), nil, other))

	local := statement("q1", "SELECT $1", "a")
	local.Tier = planner.TierLocal
	require.NotEqual(t, k, key(local, nil, base))
}

func TestExecuteWithCache(t *testing.T) {
	mem, err := NewMemoryBackend(0)
	require.NoError(t, err)
	a := NewCacheAdapter(mem)
	q := statement("q1", "SELECT 1")

	calls := 0
	gen := func(context.Context) (*Result, error) {
		calls++
		return result(1), nil
	}

	out, err := a.ExecuteWithCache(context.Background(), q, nil, Options{}, gen)
	require.NoError(t, err)
	require.Equal(t, Generated, out.Situation)
	require.Equal(t, result(1), out.Result)

	out, err = a.ExecuteWithCache(context.Background(), q, nil, Options{}, gen)
	require.NoError(t, err)
	require.Equal(t, FullHit, out.Situation)
	require.Equal(t, 1, calls)

	out, err = a.ExecuteWithCache(context.Background(), q, nil, Options{Disabled: true}, gen)
	require.NoError(t, err)
	require.Equal(t, Generated, out.Situation)
	require.Equal(t, 2, calls)
}

func TestExecuteWithCacheGeneratorError(t *testing.T) {
	mem, err := NewMemoryBackend(0)
	require.NoError(t, err)
	a := NewCacheAdapter(mem)
	boom := errors.New("boom")

	_, err = a.ExecuteWithCache(context.Background(), statement("q1", "SELECT 1"), nil, Options{}, func(context.Context) (*Result, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, mem.Len())
}

type failingBackend struct{}

func (failingBackend) Get(context.Context, uint64) (*Result, bool, error) {
	return nil, false, errors.New("connection refused")
}

func (failingBackend) Put(context.Context, uint64, *Result, time.Duration) error {
	return errors.New("connection refused")
}

func TestExecuteWithCacheBackendFailure(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	a := &CacheAdapter{Backend: failingBackend{}, Log: log}

	for _, locked := range []bool{false, true} {
		hook.Reset()
		out, err := a.ExecuteWithCache(context.Background(), statement("q1", "SELECT 1"), nil, Options{Locked: locked}, func(context.Context) (*Result, error) {
			return result(7), nil
		})
		require.NoError(t, err)
		require.Equal(t, Generated, out.Situation)
		require.Equal(t, result(7), out.Result)
		require.NotEmpty(t, hook.AllEntries())
		for _, e := range hook.AllEntries() {
			require.Equal(t, logrus.WarnLevel, e.Level)
		}
	}
}

func TestLockedGeneratesOnce(t *testing.T) {
	mem, err := NewMemoryBackend(0)
	require.NoError(t, err)
	a := NewCacheAdapter(mem)
	q := statement("q1", "SELECT 1")

	var calls atomic.Int32
	gen := func(context.Context) (*Result, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return result(3), nil
	}

	var wg sync.WaitGroup
	outs := make([]*Outcome, 8)
	errs := make([]error, 8)
	for i := range outs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outs[i], errs[i] = a.ExecuteWithCache(context.Background(), q, nil, Options{Locked: true}, gen)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	generated := 0
	for i := range outs {
		require.NoError(t, errs[i])
		require.Equal(t, result(3), outs[i].Result)
		if outs[i].Situation == Generated {
			generated++
		}
	}
	require.Equal(t, 1, generated)
	require.Empty(t, a.lockedKeys())
}

func TestLockedGenerationSurvivesCancel(t *testing.T) {
	mem, err := NewMemoryBackend(0)
	require.NoError(t, err)
	a := NewCacheAdapter(mem)
	q := statement("q1", "SELECT 1")

	ctx, cancel := context.WithCancel(context.Background())
	out, err := a.ExecuteWithCache(ctx, q, nil, Options{Locked: true}, func(ctx context.Context) (*Result, error) {
		cancel()
		require.NoError(t, ctx.Err())
		return result(5), nil
	})
	require.NoError(t, err)
	require.Equal(t, result(5), out.Result)

	r, ok, err := mem.Get(context.Background(), out.Key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, result(5), r)
}

func TestLockWaitHonorsCancel(t *testing.T) {
	a := NewCacheAdapter(nil)
	unlock, err := a.lock(context.Background(), 42)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = a.lock(ctx, 42)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, []uint64{42}, a.lockedKeys())

	unlock()
	require.Empty(t, a.lockedKeys())
}
