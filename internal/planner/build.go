package planner

import (
	"fmt"
	"slices"
	"strings"

	"github.com/atlekbai/formula_engine/internal/columns"
	"github.com/atlekbai/formula_engine/internal/dataset"
	"github.com/atlekbai/formula_engine/internal/formula"
	"github.com/atlekbai/formula_engine/internal/query"
)

// Fields resolves a dataset field id to its unaggregated node.
// *compiler.Compiler implements it.
type Fields interface {
	FieldNode(id string) (formula.Node, error)
}

// Build lays spec out as an unplanned multi-query. Aggregates computed at
// another grain or over another filter set than the query get a block
// sub-query of their own; when blocks exist a composition query joins
// them to the main query on the query dimensions.
func Build(spec *query.QuerySpec, ds *dataset.Dataset, cols *columns.Registry, fields Fields, arena *formula.Arena) (*MultiQuery, error) {
	b := &builder{
		spec:      spec,
		ds:        ds,
		cols:      cols,
		fields:    fields,
		mq:        NewMultiQuery(arena),
		blockRefs: make(map[string]bool),
		byCall:    make(map[string]*block),
	}
	return b.build()
}

type builder struct {
	spec   *query.QuerySpec
	ds     *dataset.Dataset
	cols   *columns.Registry
	fields Fields
	mq     *MultiQuery

	dimKeys []string
	filters []Filter
	// fieldIDs of filters, by index.
	fieldIDs [][]string

	joined    []*block
	blockRefs map[string]bool
	byCall    map[string]*block
}

// block is a sub-query computing one aggregate at its own grain.
type block struct {
	q       *SubQuery
	valueID string
	grain   []formula.Node
	dimItem map[string]string
	// AGO joins its date dimension shifted by unit and count.
	date        string
	unit, count formula.Node
}

func (b *builder) build() (*MultiQuery, error) {
	for _, d := range b.spec.Dims {
		b.dimKeys = append(b.dimKeys, formula.Format(d))
	}
	for _, f := range b.spec.Filters {
		b.filters = append(b.filters, Filter{Node: f.Node, Level: f.Level})
		b.fieldIDs = append(b.fieldIDs, f.FieldIDs)
	}
	b.deferWindowFilters()

	items := make([]formula.Node, len(b.spec.Select))
	for i, it := range b.spec.Select {
		n, err := b.extract(it.Node, b.spec.Dims, nil, &b.joined)
		if err != nil {
			return nil, err
		}
		items[i] = n
	}
	filters := make([]formula.Node, len(b.filters))
	for i, f := range b.filters {
		if f.Level == query.LevelWhere {
			continue
		}
		n, err := b.extract(f.Node, b.spec.Dims, nil, &b.joined)
		if err != nil {
			return nil, err
		}
		filters[i] = n
	}

	var err error
	if len(b.joined) == 0 {
		err = b.single()
	} else {
		err = b.compose(items, filters)
	}
	if err != nil {
		return nil, err
	}
	b.mq.State = StateUnplanned
	return b.mq, b.mq.Validate()
}

// deferWindowFilters moves dimension filters on fields a window call
// ignores through BEFORE FILTER BY after the window computation.
func (b *builder) deferWindowFilters() {
	bfb := make(map[string]bool)
	var nodes []formula.Node
	for _, it := range b.spec.Select {
		nodes = append(nodes, it.Node)
	}
	for _, f := range b.filters {
		nodes = append(nodes, f.Node)
	}
	for _, n := range nodes {
		formula.Inspect(n, func(n formula.Node) bool {
			if c, ok := n.(*formula.Call); ok && c.Window && c.BFB != nil {
				for _, id := range c.BFB.Fields {
					bfb[id] = true
				}
			}
			return true
		})
	}
	if len(bfb) == 0 {
		return
	}
	for i, f := range b.filters {
		if f.Level == query.LevelWhere && intersects(b.fieldIDs[i], bfb) && b.covered(f.Node) {
			b.filters[i].Level = query.LevelWindow
		}
	}
}

// covered reports whether n reads nothing but query dimensions.
func (b *builder) covered(n formula.Node) bool {
	if slices.Contains(b.dimKeys, formula.Format(n)) {
		return true
	}
	switch n := n.(type) {
	case *formula.Literal:
		return true
	case *formula.Ref, *formula.Call:
		return false
	default:
		children := n.Children()
		for _, c := range children {
			if !b.covered(c) {
				return false
			}
		}
		return len(children) > 0
	}
}

// touched reports whether a where filter reads one of fields.
func (b *builder) touched(fields []string) bool {
	set := toSet(fields)
	for i, f := range b.filters {
		if f.Level == query.LevelWhere && intersects(b.fieldIDs[i], set) {
			return true
		}
	}
	return false
}

func (b *builder) needsBlock(call *formula.Call) bool {
	if call.Lookup {
		return true
	}
	if !call.Aggregate || call.Window {
		return false
	}
	if call.LOD != nil {
		return true
	}
	if call.BFB != nil && b.touched(call.BFB.Fields) {
		return true
	}
	for _, a := range call.Args {
		if formula.ScopeOf(a).Has(formula.ScopeAggregate) {
			return true
		}
	}
	return false
}

// extract replaces every call of n needing a block with a Ref to the
// block's value. skip is left in place. Created blocks go to out.
func (b *builder) extract(n formula.Node, grain []formula.Node, skip formula.Node, out *[]*block) (formula.Node, error) {
	var firstErr error
	res := formula.Rewrite(b.mq.Arena, n, func(c formula.Node) (formula.Node, bool) {
		if firstErr != nil {
			return c, true
		}
		call, ok := c.(*formula.Call)
		if !ok || c == skip || !b.needsBlock(call) {
			return nil, false
		}
		bl, err := b.block(call, grain)
		if err != nil {
			firstErr = err
			return c, true
		}
		if !slices.Contains(*out, bl) {
			*out = append(*out, bl)
		}
		return formula.Alloc(b.mq.Arena, c.Pos(), &formula.Ref{RefID: bl.valueID, Name: call.Name}), true
	})
	return res, firstErr
}

func (b *builder) block(call *formula.Call, grain []formula.Node) (*block, error) {
	cacheKey := fmt.Sprintf("%d/%s", call.ID(), strings.Join(keys(grain), ","))
	if bl, ok := b.byCall[cacheKey]; ok {
		return bl, nil
	}

	bl := &block{grain: grain, dimItem: make(map[string]string)}
	value := formula.Node(call)
	var extra []Filter
	var bfb []string
	if call.BFB != nil {
		bfb = call.BFB.Fields
	}

	switch {
	case call.Lookup:
		value = call.Args[0]
		date := call.Args[1]
		dateKey := formula.Format(date)
		if !slices.Contains(keys(grain), dateKey) {
			return nil, ErrLookupDimension.New(call.Name)
		}
		ignored, err := b.fieldKeys(call.Ignore)
		if err != nil {
			return nil, err
		}
		bl.grain = without(grain, ignored)
		if call.Name == "AT_DATE" {
			bl.grain = without(bl.grain, map[string]bool{dateKey: true})
			extra = append(extra, Filter{
				Node:  formula.Alloc(b.mq.Arena, call.Pos(), &formula.Binary{Op: formula.OpEq, Left: date, Right: call.Args[2]}),
				Level: query.LevelWhere,
			})
			break
		}
		bl.date = dateKey
		bl.unit = formula.Alloc(b.mq.Arena, call.Pos(), &formula.Literal{Kind: formula.LitString, Value: "day"})
		bl.count = formula.Alloc(b.mq.Arena, call.Pos(), &formula.Literal{Kind: formula.LitInteger, Value: int64(1)})
		if len(call.Args) > 2 {
			bl.unit = call.Args[2]
		}
		if len(call.Args) > 3 {
			bl.count = call.Args[3]
		}
	case call.LOD != nil:
		switch call.LOD.Kind {
		case formula.LODFixed:
			bl.grain = call.LOD.Dims
		case formula.LODInclude:
			bl.grain = slices.Clone(grain)
			for _, d := range call.LOD.Dims {
				if !slices.Contains(keys(bl.grain), formula.Format(d)) {
					bl.grain = append(bl.grain, d)
				}
			}
		case formula.LODExclude:
			bl.grain = without(grain, toSet(keys(call.LOD.Dims)))
		}
	}

	skip := value
	if call.Lookup {
		skip = nil
	}
	var inner []*block
	value, err := b.extract(value, bl.grain, skip, &inner)
	if err != nil {
		return nil, err
	}

	q := &SubQuery{ID: b.mq.NewQueryID(), Tier: TierSource}
	switch len(inner) {
	case 0:
		for _, d := range bl.grain {
			bl.addDim(b.mq, q, d)
		}
		for i, f := range b.filters {
			if f.Level == query.LevelWhere && !intersects(b.fieldIDs[i], toSet(bfb)) {
				q.Filters = append(q.Filters, f)
			}
		}
		q.Filters = append(q.Filters, extra...)
	case 1:
		in := inner[0]
		for _, d := range bl.grain {
			id, ok := in.dimItem[formula.Format(d)]
			if !ok {
				return nil, ErrLODGrain.New(formula.Format(call), "inner grain does not contain "+formula.Format(d))
			}
			ref := formula.Alloc(b.mq.Arena, d.Pos(), &formula.Ref{RefID: id})
			item := bl.addDim(b.mq, q, ref)
			bl.dimItem[formula.Format(d)] = item
		}
		if !formula.ScopeOf(value).Has(formula.ScopeAggregate) && len(in.grain) != len(bl.grain) {
			return nil, ErrLODGrain.New(formula.Format(call), "value is not aggregated over the inner grain")
		}
		q.JoinedFrom = JoinedFrom{Root: From{SubQueryID: in.q.ID}}
	default:
		return nil, ErrUnsupportedNesting.New(formula.Format(call))
	}

	bl.valueID = b.mq.NewItemID()
	q.Select = append(q.Select, Item{ID: bl.valueID, Node: value})
	bl.q = q
	if len(inner) == 0 {
		jf, err := b.joinTree(q)
		if err != nil {
			return nil, err
		}
		q.JoinedFrom = jf
	}

	b.mq.Queries = append(b.mq.Queries, q)
	b.blockRefs[bl.valueID] = true
	b.byCall[cacheKey] = bl
	return bl, nil
}

// addDim selects and groups by n in q and returns the item id.
func (bl *block) addDim(mq *MultiQuery, q *SubQuery, n formula.Node) string {
	id := mq.NewItemID()
	q.Select = append(q.Select, Item{ID: id, Node: n})
	q.GroupBy = append(q.GroupBy, n)
	q.Dims = append(q.Dims, n)
	bl.dimItem[formula.Format(n)] = id
	return id
}

func (b *builder) fieldKeys(ign *formula.IgnoreDimensions) (map[string]bool, error) {
	out := make(map[string]bool)
	if ign == nil {
		return out, nil
	}
	for _, id := range ign.Fields {
		n, err := b.fields.FieldNode(id)
		if err != nil {
			return nil, err
		}
		out[formula.Format(n)] = true
	}
	return out, nil
}

// single places the whole query into one sub-query over the avatars.
func (b *builder) single() error {
	q := &SubQuery{
		ID:     b.mq.NewQueryID(),
		Tier:   TierSource,
		Dims:   b.spec.Dims,
		Limit:  b.spec.Limit,
		Offset: b.spec.Offset,
	}
	for _, it := range b.spec.Select {
		q.Select = append(q.Select, Item{ID: it.ID, Node: it.Node})
	}
	for _, it := range b.spec.GroupBy {
		q.GroupBy = append(q.GroupBy, it.Node)
	}
	q.Filters = b.filters
	for _, o := range b.spec.OrderBy {
		q.OrderBy = append(q.OrderBy, Order{ItemID: o.ItemID, Desc: o.Desc})
	}
	jf, err := b.avatarJoins(b.spec.Relations)
	if err != nil {
		return err
	}
	q.JoinedFrom = jf
	b.mq.Queries = append(b.mq.Queries, q)
	b.mq.TopID = q.ID
	return nil
}

// compose splits the query into the main query, the blocks and the
// composition query reading both.
func (b *builder) compose(items, filters []formula.Node) error {
	s := NewSlicer(BlockLevels{Blocks: b.blockRefs}, b.mq.Arena, b.mq.NewItemID)
	main := &SubQuery{ID: b.mq.NewQueryID(), Tier: TierSource, Dims: b.spec.Dims}
	top := &SubQuery{
		ID:     b.mq.NewQueryID(),
		Tier:   TierSource,
		Limit:  b.spec.Limit,
		Offset: b.spec.Offset,
	}

	for i, it := range b.spec.Select {
		top.Select = append(top.Select, Item{ID: it.ID, Node: s.Slice(it.ID, items[i]).Top()})
	}
	mainDims := make(map[string]string)
	for i, d := range b.spec.Dims {
		n := s.Cut(d)
		top.Dims = append(top.Dims, n)
		if r, ok := n.(*formula.Ref); ok {
			mainDims[b.dimKeys[i]] = r.RefID
		}
	}
	for _, it := range b.spec.GroupBy {
		main.GroupBy = append(main.GroupBy, it.Node)
	}
	for i, f := range b.filters {
		if f.Level == query.LevelWhere || !b.readsBlock(filters[i]) {
			main.Filters = append(main.Filters, f)
			continue
		}
		level := query.LevelWhere
		if f.Level == query.LevelWindow {
			level = query.LevelWindow
		}
		top.Filters = append(top.Filters, Filter{Node: s.Cut(filters[i]), Level: level})
	}
	for _, o := range b.spec.OrderBy {
		top.OrderBy = append(top.OrderBy, Order{ItemID: o.ItemID, Desc: o.Desc})
	}
	for _, p := range s.Pieces(1) {
		main.Select = append(main.Select, Item{ID: p.ID, Node: p.Node})
	}

	jf, err := b.avatarJoins(b.spec.Relations)
	if err != nil {
		return err
	}
	main.JoinedFrom = jf

	top.JoinedFrom = JoinedFrom{Root: From{SubQueryID: main.ID}}
	for _, bl := range b.joined {
		join := Join{From: From{SubQueryID: bl.q.ID}, Type: dataset.JoinLeft}
		for _, d := range bl.grain {
			key := formula.Format(d)
			mainID, ok := mainDims[key]
			if !ok {
				return ErrLODGrain.New(key, "not a dimension of the query")
			}
			var left formula.Node = formula.Alloc(b.mq.Arena, d.Pos(), &formula.Ref{RefID: bl.dimItem[key]})
			if key == bl.date {
				left = formula.Alloc(b.mq.Arena, d.Pos(), &formula.Call{
					Name: "DATEADD",
					Args: []formula.Node{left, bl.unit, bl.count},
				})
			}
			right := formula.Alloc(b.mq.Arena, d.Pos(), &formula.Ref{RefID: mainID})
			join.On = append(join.On, formula.Alloc(b.mq.Arena, d.Pos(), &formula.Binary{Op: formula.OpDimEq, Left: left, Right: right}))
		}
		top.JoinedFrom.Joins = append(top.JoinedFrom.Joins, join)
	}

	b.mq.Queries = append([]*SubQuery{top, main}, b.mq.Queries...)
	b.mq.TopID = top.ID
	return nil
}

func (b *builder) readsBlock(n formula.Node) bool {
	if n == nil {
		return false
	}
	for _, id := range formula.RefIDs(n) {
		if b.blockRefs[id] {
			return true
		}
	}
	return false
}

// joinTree returns the avatar joins a block reading q's column refs needs.
func (b *builder) joinTree(q *SubQuery) (JoinedFrom, error) {
	var avatars []string
	add := func(n formula.Node) error {
		for _, id := range formula.RefIDs(n) {
			avatar, ok := b.cols.AvatarOf(id)
			if !ok {
				return query.ErrUnresolvedColumn.New(id)
			}
			if !slices.Contains(avatars, avatar) {
				avatars = append(avatars, avatar)
			}
		}
		return nil
	}
	for _, it := range q.Select {
		if err := add(it.Node); err != nil {
			return JoinedFrom{}, err
		}
	}
	for _, f := range q.Filters {
		if err := add(f.Node); err != nil {
			return JoinedFrom{}, err
		}
	}
	rels, err := b.ds.ResolveRelations(avatars)
	if err != nil {
		return JoinedFrom{}, err
	}
	return b.avatarJoins(rels)
}

func (b *builder) avatarJoins(rels []dataset.Relation) (JoinedFrom, error) {
	jf := JoinedFrom{Root: From{AvatarID: b.ds.Root}}
	for _, rel := range rels {
		join := Join{From: From{AvatarID: rel.Right}, Type: rel.Type}
		for _, cond := range rel.Conditions {
			l, err := b.cols.GetAvatarColumn(rel.Left, cond.Left)
			if err != nil {
				return JoinedFrom{}, err
			}
			r, err := b.cols.GetAvatarColumn(rel.Right, cond.Right)
			if err != nil {
				return JoinedFrom{}, err
			}
			join.On = append(join.On, formula.Alloc(b.mq.Arena, formula.Position{}, &formula.Binary{
				Op:    formula.OpEq,
				Left:  formula.Alloc(b.mq.Arena, formula.Position{}, &formula.Ref{RefID: l.ID}),
				Right: formula.Alloc(b.mq.Arena, formula.Position{}, &formula.Ref{RefID: r.ID}),
			}))
		}
		jf.Joins = append(jf.Joins, join)
	}
	return jf, nil
}

func keys(nodes []formula.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = formula.Format(n)
	}
	return out
}

func without(nodes []formula.Node, drop map[string]bool) []formula.Node {
	var out []formula.Node
	for _, n := range nodes {
		if !drop[formula.Format(n)] {
			out = append(out, n)
		}
	}
	return out
}

func toSet(list []string) map[string]bool {
	out := make(map[string]bool, len(list))
	for _, s := range list {
		out[s] = true
	}
	return out
}

func intersects(list []string, set map[string]bool) bool {
	for _, s := range list {
		if set[s] {
			return true
		}
	}
	return false
}
