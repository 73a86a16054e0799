package planner

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Strategy selects how sub-queries above a local one are placed.
type Strategy string

const (
	// StrategyBorderline splits only the lowest sub-queries needing local
	// compute and moves everything above them to the local tier.
	StrategyBorderline Strategy = "borderline"
	// StrategyCoarse moves every sub-query reading only other sub-queries
	// to the local tier instead of splitting it.
	StrategyCoarse Strategy = "coarse"
)

// ParseStrategy maps a configuration value to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyBorderline:
		return StrategyBorderline, nil
	case StrategyCoarse:
		return StrategyCoarse, nil
	}
	return "", fmt.Errorf("unknown planner strategy %q", s)
}

// Splitter cuts a sub-query into a local-compute top and a source-db
// bottom feeding it.
type Splitter interface {
	// Needs reports whether q itself requires local compute.
	Needs(q *SubQuery) bool
	// Split returns exactly the top, which keeps q's id, and the bottom.
	Split(mq *MultiQuery, q *SubQuery) ([]*SubQuery, error)
}

type Planner struct {
	Strategy  Strategy
	Splitters []Splitter
	Log       logrus.FieldLogger
}

// New returns a planner splitting window computations off source queries.
func New(strategy Strategy) *Planner {
	return &Planner{
		Strategy:  strategy,
		Splitters: []Splitter{WindowSplitter{}},
		Log:       logrus.StandardLogger(),
	}
}

// Plan assigns every sub-query of in to a tier, splitting the lowest ones
// that need local compute. in is not modified.
func (p *Planner) Plan(in *MultiQuery) (*MultiQuery, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	mq := in.Clone()

	passes := len(mq.Queries) + 1
	for pass := 0; pass < passes; pass++ {
		needs, err := p.mark(mq)
		if err != nil {
			return nil, err
		}
		if mq.State < StateLevelAssigned {
			mq.State = StateLevelAssigned
		}

		changed := false
		for _, q := range append([]*SubQuery(nil), mq.Queries...) {
			if !needs[q.ID] || q.Tier == TierLocal {
				continue
			}
			changed = true
			if s := p.splitter(q); s != nil && p.borderline(q, needs) && p.splits(q) {
				if err := p.split(mq, q, s); err != nil {
					return nil, err
				}
				continue
			}
			p.Log.WithFields(logrus.Fields{"query": q.ID, "pass": pass}).Debug("moving sub-query to local compute")
			q.Tier = TierLocal
		}
		if p.Strategy == StrategyCoarse && anyLocal(mq) {
			for _, q := range mq.Queries {
				if q.Tier != TierLocal && !q.JoinedFrom.ReadsAvatars() {
					q.Tier = TierLocal
					changed = true
				}
			}
		}

		if !changed {
			if err := mq.Validate(); err != nil {
				return nil, err
			}
			mq.State = StateFinalized
			return mq, nil
		}
	}
	return nil, ErrPlanNotConverged.New(passes)
}

func (p *Planner) splitter(q *SubQuery) Splitter {
	for _, s := range p.Splitters {
		if s.Needs(q) {
			return s
		}
	}
	return nil
}

func (p *Planner) split(mq *MultiQuery, q *SubQuery, s Splitter) error {
	out, err := s.Split(mq, q)
	if err != nil {
		return err
	}
	if len(out) != 2 {
		return ErrMalformedSplit.New(q.ID, len(out))
	}
	top, bottom := out[0], out[1]
	if top.ID != q.ID || bottom.ID == q.ID {
		return ErrMalformedSplit.New(q.ID, len(out))
	}
	p.Log.WithFields(logrus.Fields{"query": q.ID, "bottom": bottom.ID}).Debug("split borderline sub-query")
	mq.replace(q.ID, top, bottom)
	mq.State = StateSplit
	return nil
}

// mark reports for every sub-query reachable from the top whether it or
// any sub-query below it needs local compute.
func (p *Planner) mark(mq *MultiQuery) (map[string]bool, error) {
	const (
		visiting = 1
		done     = 2
	)
	needs := make(map[string]bool, len(mq.Queries))
	state := make(map[string]int, len(mq.Queries))

	var visit func(id, parent string) (bool, error)
	visit = func(id, parent string) (bool, error) {
		switch state[id] {
		case visiting:
			return false, ErrCyclicPlan.New(id)
		case done:
			return needs[id], nil
		}
		q := mq.Get(id)
		if q == nil {
			return false, ErrUnknownSubQuery.New(parent, id)
		}
		state[id] = visiting
		need := p.splitter(q) != nil
		for _, child := range q.JoinedFrom.SubQueryIDs() {
			n, err := visit(child, id)
			if err != nil {
				return false, err
			}
			need = need || n
		}
		state[id] = done
		needs[id] = need
		return need, nil
	}
	if _, err := visit(mq.TopID, ""); err != nil {
		return nil, err
	}
	return needs, nil
}

// splits reports whether a borderline q is split rather than moved to the
// local tier whole. The coarse strategy splits only queries reading source
// tables, which the local tier cannot reach.
func (p *Planner) splits(q *SubQuery) bool {
	return p.Strategy != StrategyCoarse || q.JoinedFrom.ReadsAvatars()
}

// borderline reports whether q needs local compute while nothing below it
// does.
func (p *Planner) borderline(q *SubQuery, needs map[string]bool) bool {
	for _, child := range q.JoinedFrom.SubQueryIDs() {
		if needs[child] {
			return false
		}
	}
	return needs[q.ID]
}

func anyLocal(mq *MultiQuery) bool {
	for _, q := range mq.Queries {
		if q.Tier == TierLocal {
			return true
		}
	}
	return false
}
