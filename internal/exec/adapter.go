package exec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mitchellh/hashstructure"
	"github.com/sirupsen/logrus"

	"github.com/atlekbai/formula_engine/internal/physical"
	"github.com/atlekbai/formula_engine/internal/planner"
)

// Mutation is a caller-side change applied to the data a statement reads,
// such as a dataset override. Mutations only take part in the cache key.
type Mutation struct {
	Op    string
	Key   string
	Value string
}

// Options control caching of one execution.
type Options struct {
	Namespace string
	// TTL of stored results, zero keeps them until evicted.
	TTL time.Duration
	// Locked serializes generation of equal keys.
	Locked    bool
	Disabled  bool
	Mutations []Mutation
}

// Backend stores results by key.
type Backend interface {
	Get(ctx context.Context, key uint64) (*Result, bool, error)
	Put(ctx context.Context, key uint64, r *Result, ttl time.Duration) error
}

// Generator computes a result on a cache miss.
type Generator func(ctx context.Context) (*Result, error)

// Outcome is the result of ExecuteWithCache.
type Outcome struct {
	Result    *Result
	Key       uint64
	Situation Situation
}

type fingerprint struct {
	Namespace string
	Tier      planner.Tier
	Dialect   string
	SQL       string
	Args      []string
	Inputs    map[string]uint64
	Mutations []Mutation `hash:"set"`
}

// Key returns the cache key of q given the keys of the statements it reads.
// Map and mutation order do not change the key.
func Key(q *physical.Query, inputs map[string]uint64, opts Options) (uint64, error) {
	fp := fingerprint{
		Namespace: opts.Namespace,
		Tier:      q.Tier,
		Dialect:   q.Dialect,
		SQL:       q.SQL,
		Inputs:    inputs,
		Mutations: opts.Mutations,
	}
	for _, a := range q.Args {
		fp.Args = append(fp.Args, fmt.Sprintf("%T:%v", a, a))
	}
	return hashstructure.Hash(fp, nil)
}

// Keys computes the cache key of every statement of p.
func Keys(p *physical.Plan, opts Options) (map[string]uint64, error) {
	keys := make(map[string]uint64, len(p.Queries))
	for _, q := range p.Queries {
		k, err := Key(q, inputKeys(q, keys), opts)
		if err != nil {
			return nil, err
		}
		keys[q.ID] = k
	}
	return keys, nil
}

func inputKeys(q *physical.Query, keys map[string]uint64) map[string]uint64 {
	in := make(map[string]uint64, len(q.Inputs))
	for _, id := range q.Inputs {
		in[id] = keys[id]
	}
	return in
}

// CacheAdapter executes statements through a result cache. Failures of the
// backend are logged and the result is generated instead.
type CacheAdapter struct {
	Backend Backend
	Log     logrus.FieldLogger

	mu    sync.Mutex
	locks map[uint64]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewCacheAdapter(b Backend) *CacheAdapter {
	return &CacheAdapter{Backend: b, Log: logrus.StandardLogger()}
}

// ExecuteWithCache returns the cached result of q or generates and stores
// it. In locked mode a generation that acquired the key lock runs to
// completion even if ctx is cancelled.
func (a *CacheAdapter) ExecuteWithCache(ctx context.Context, q *physical.Query, inputs map[string]uint64, opts Options, gen Generator) (*Outcome, error) {
	key, err := Key(q, inputs, opts)
	if err != nil {
		return nil, fmt.Errorf("cache key of %s: %w", q.ID, err)
	}
	out := &Outcome{Key: key, Situation: Generated}

	if a == nil || a.Backend == nil || opts.Disabled {
		out.Result, err = gen(ctx)
		return out, err
	}

	if r, ok := a.lookup(ctx, q, key); ok {
		out.Result, out.Situation = r, FullHit
		return out, nil
	}

	if opts.Locked {
		unlock, err := a.lock(ctx, key)
		if err != nil {
			return nil, err
		}
		defer unlock()
		if r, ok := a.lookup(ctx, q, key); ok {
			out.Result, out.Situation = r, FullHit
			return out, nil
		}
		ctx = context.WithoutCancel(ctx)
	}

	out.Result, err = gen(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.Backend.Put(ctx, key, out.Result, opts.TTL); err != nil {
		a.logger().WithFields(logrus.Fields{"query": q.ID, "key": key}).WithError(err).Warn("cannot store result in cache")
	}
	return out, nil
}

func (a *CacheAdapter) lookup(ctx context.Context, q *physical.Query, key uint64) (*Result, bool) {
	r, ok, err := a.Backend.Get(ctx, key)
	if err != nil {
		a.logger().WithFields(logrus.Fields{"query": q.ID, "key": key}).WithError(err).Warn("cache lookup failed, generating")
		return nil, false
	}
	return r, ok
}

func (a *CacheAdapter) lock(ctx context.Context, key uint64) (func(), error) {
	a.mu.Lock()
	if a.locks == nil {
		a.locks = make(map[uint64]*keyLock)
	}
	l, ok := a.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		a.locks[key] = l
	}
	l.refs++
	a.mu.Unlock()

	release := func() {
		a.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(a.locks, key)
		}
		a.mu.Unlock()
	}

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
	return func() {
		<-l.ch
		release()
	}, nil
}

func (a *CacheAdapter) logger() logrus.FieldLogger {
	if a.Log == nil {
		return logrus.StandardLogger()
	}
	return a.Log
}
