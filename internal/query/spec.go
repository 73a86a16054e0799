// Package query turns the clauses of one request into a logical query
// specification the planner works from.
package query

import (
	"github.com/atlekbai/formula_engine/internal/compiler"
	"github.com/atlekbai/formula_engine/internal/dataset"
	"github.com/atlekbai/formula_engine/internal/formula"
)

// FilterLevel is the clause a filter is evaluated in.
type FilterLevel string

const (
	LevelWhere  FilterLevel = "where"
	LevelHaving FilterLevel = "having"
	// LevelWindow filters read window results and run after them.
	LevelWindow FilterLevel = "window"
)

// Expr is one requested formula.
type Expr struct {
	Title    string
	Compiled *compiler.Compiled
}

type OrderExpr struct {
	Expr Expr
	Desc bool
}

// BlockSpec is the input of MakeQuerySpec: compiled request clauses.
type BlockSpec struct {
	Select  []Expr
	Filters []*compiler.Compiled
	OrderBy []OrderExpr
	Limit   int
	Offset  int
}

// Item is one output column of the query.
type Item struct {
	ID    string
	Title string
	Node  formula.Node
	Scope formula.Scope
	// Phantom items are only selected to order by them.
	Phantom bool
}

type Filter struct {
	Node     formula.Node
	Level    FilterLevel
	FieldIDs []string
}

type Order struct {
	ItemID string
	Desc   bool
}

// QuerySpec is the logical query: distinct select items, the requested
// output legend, grouping, filters, ordering and the join tree.
type QuerySpec struct {
	Select []*Item
	// Legend maps each requested select position to an item id.
	Legend  []string
	GroupBy []*Item
	// Dims are the grouping expressions window calls and sub-query joins
	// refer to.
	Dims      []formula.Node
	Filters   []*Filter
	OrderBy   []Order
	Root      string
	Avatars   []string
	Relations []dataset.Relation
	Limit     int
	Offset    int
}

// Item returns the item with the given id.
func (s *QuerySpec) Item(id string) *Item {
	for _, it := range s.Select {
		if it.ID == id {
			return it
		}
	}
	return nil
}
