// Package planner lays a logical query out as a DAG of sub-queries, places
// every sub-query on an execution tier and cuts formulas into the pieces
// each level of the DAG evaluates.
package planner

import (
	"fmt"
	"slices"

	errors "gopkg.in/src-d/go-errors.v1"

	"github.com/atlekbai/formula_engine/internal/dataset"
	"github.com/atlekbai/formula_engine/internal/formula"
	"github.com/atlekbai/formula_engine/internal/query"
)

var (
	ErrUnknownSubQuery    = errors.NewKind("sub-query %s references unknown sub-query %s")
	ErrDuplicateSubQuery  = errors.NewKind("duplicate sub-query id %s")
	ErrCyclicPlan         = errors.NewKind("sub-query %s depends on itself")
	ErrTopQuery           = errors.NewKind("plan must have exactly one top query: %s")
	ErrPlanNotConverged   = errors.NewKind("tier assignment did not converge after %d passes")
	ErrMalformedSplit     = errors.NewKind("splitting sub-query %s produced %d sub-queries, want 2")
	ErrLODGrain           = errors.NewKind("level of detail of %s is incompatible with the enclosing grain: %s")
	ErrLookupDimension    = errors.NewKind("%s requires its date argument among the query dimensions")
	ErrUnsupportedNesting = errors.NewKind("nested aggregate %s mixes several inner grains")
)

// Tier is where a sub-query runs.
type Tier string

const (
	TierSource Tier = "source-db"
	TierLocal  Tier = "local-compute"
)

// State tracks how far planning has progressed.
type State int

const (
	StateUnplanned State = iota
	StateLevelAssigned
	StateSliced
	StateSplit
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateUnplanned:
		return "unplanned"
	case StateLevelAssigned:
		return "level-assigned"
	case StateSliced:
		return "sliced"
	case StateSplit:
		return "physically-split"
	case StateFinalized:
		return "finalized"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Item is one output column of a sub-query. Ids are unique in the whole
// multi-query, so a Ref with an item id names its producer unambiguously.
type Item struct {
	ID   string
	Node formula.Node
}

type Filter struct {
	Node  formula.Node
	Level query.FilterLevel
}

type Order struct {
	ItemID string
	Desc   bool
}

// From is a join source: either an avatar or another sub-query.
type From struct {
	AvatarID   string
	SubQueryID string
}

// Join attaches From to the sources before it. An empty On is a cross join.
type Join struct {
	From From
	Type dataset.JoinType
	On   []formula.Node
}

type JoinedFrom struct {
	Root  From
	Joins []Join
}

// SubQueryIDs returns the sub-queries read, in join order.
func (j JoinedFrom) SubQueryIDs() []string {
	var out []string
	for _, f := range j.sources() {
		if f.SubQueryID != "" {
			out = append(out, f.SubQueryID)
		}
	}
	return out
}

// ReadsAvatars reports whether any source is an avatar.
func (j JoinedFrom) ReadsAvatars() bool {
	for _, f := range j.sources() {
		if f.AvatarID != "" {
			return true
		}
	}
	return false
}

func (j JoinedFrom) sources() []From {
	out := []From{j.Root}
	for _, jn := range j.Joins {
		out = append(out, jn.From)
	}
	return out
}

// SubQuery is one node of the execution DAG.
type SubQuery struct {
	ID         string
	Tier       Tier
	Select     []Item
	GroupBy    []formula.Node
	Dims       []formula.Node
	Filters    []Filter
	OrderBy    []Order
	Limit      int
	Offset     int
	JoinedFrom JoinedFrom
}

// Item returns the item with the given id.
func (q *SubQuery) Item(id string) *Item {
	for i := range q.Select {
		if q.Select[i].ID == id {
			return &q.Select[i]
		}
	}
	return nil
}

// HasWindow reports whether a select item or filter calls a window function.
func (q *SubQuery) HasWindow() bool {
	for _, it := range q.Select {
		if formula.HasWindow(it.Node) {
			return true
		}
	}
	for _, f := range q.Filters {
		if formula.HasWindow(f.Node) {
			return true
		}
	}
	return false
}

func (q *SubQuery) clone() *SubQuery {
	c := *q
	c.Select = slices.Clone(q.Select)
	c.GroupBy = slices.Clone(q.GroupBy)
	c.Dims = slices.Clone(q.Dims)
	c.Filters = slices.Clone(q.Filters)
	c.OrderBy = slices.Clone(q.OrderBy)
	c.JoinedFrom.Joins = make([]Join, len(q.JoinedFrom.Joins))
	for i, j := range q.JoinedFrom.Joins {
		j.On = slices.Clone(j.On)
		c.JoinedFrom.Joins[i] = j
	}
	return &c
}

// MultiQuery is the execution DAG of one logical query. Formula nodes are
// shared between clones; sub-queries are not.
type MultiQuery struct {
	Queries []*SubQuery
	TopID   string
	State   State
	Arena   *formula.Arena

	nextQuery int
	nextItem  int
}

func NewMultiQuery(arena *formula.Arena) *MultiQuery {
	return &MultiQuery{Arena: arena}
}

// NewQueryID allocates a sub-query id.
func (mq *MultiQuery) NewQueryID() string {
	mq.nextQuery++
	return fmt.Sprintf("q%d", mq.nextQuery)
}

// NewItemID allocates an item id.
func (mq *MultiQuery) NewItemID() string {
	mq.nextItem++
	return fmt.Sprintf("i%d", mq.nextItem)
}

// Get returns the sub-query with the given id or nil.
func (mq *MultiQuery) Get(id string) *SubQuery {
	for _, q := range mq.Queries {
		if q.ID == id {
			return q
		}
	}
	return nil
}

// Top returns the top query.
func (mq *MultiQuery) Top() *SubQuery { return mq.Get(mq.TopID) }

// Clone copies the DAG structure.
func (mq *MultiQuery) Clone() *MultiQuery {
	c := *mq
	c.Queries = make([]*SubQuery, len(mq.Queries))
	for i, q := range mq.Queries {
		c.Queries[i] = q.clone()
	}
	return &c
}

// replace swaps the sub-query with old's id for the given queries.
func (mq *MultiQuery) replace(id string, with ...*SubQuery) {
	for i, q := range mq.Queries {
		if q.ID == id {
			mq.Queries = slices.Replace(mq.Queries, i, i+1, with...)
			return
		}
	}
}

// Validate checks that ids are unique, every referenced sub-query exists,
// the DAG has no cycle and every sub-query is reachable from the only top.
func (mq *MultiQuery) Validate() error {
	byID := make(map[string]*SubQuery, len(mq.Queries))
	for _, q := range mq.Queries {
		if _, ok := byID[q.ID]; ok {
			return ErrDuplicateSubQuery.New(q.ID)
		}
		byID[q.ID] = q
	}
	if byID[mq.TopID] == nil {
		return ErrTopQuery.New(fmt.Sprintf("top %q does not exist", mq.TopID))
	}

	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int, len(mq.Queries))
	var visit func(q *SubQuery) error
	visit = func(q *SubQuery) error {
		switch state[q.ID] {
		case visiting:
			return ErrCyclicPlan.New(q.ID)
		case done:
			return nil
		}
		state[q.ID] = visiting
		for _, id := range q.JoinedFrom.SubQueryIDs() {
			child, ok := byID[id]
			if !ok {
				return ErrUnknownSubQuery.New(q.ID, id)
			}
			if id == mq.TopID {
				return ErrTopQuery.New(fmt.Sprintf("top %s is read by %s", id, q.ID))
			}
			if err := visit(child); err != nil {
				return err
			}
		}
		state[q.ID] = done
		return nil
	}
	if err := visit(byID[mq.TopID]); err != nil {
		return err
	}
	for _, q := range mq.Queries {
		if state[q.ID] != done {
			return ErrTopQuery.New(fmt.Sprintf("%s is not reachable from %s", q.ID, mq.TopID))
		}
	}
	return nil
}

// Order returns the sub-queries with every input before its readers.
func (mq *MultiQuery) Order() []*SubQuery {
	var out []*SubQuery
	seen := make(map[string]bool, len(mq.Queries))
	var visit func(q *SubQuery)
	visit = func(q *SubQuery) {
		if q == nil || seen[q.ID] {
			return
		}
		seen[q.ID] = true
		for _, id := range q.JoinedFrom.SubQueryIDs() {
			visit(mq.Get(id))
		}
		out = append(out, q)
	}
	visit(mq.Top())
	return out
}
