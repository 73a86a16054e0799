// Package exec runs physical plans against the execution tiers and caches
// statement results.
package exec

import (
	"encoding/gob"
	"time"

	"github.com/atlekbai/formula_engine/internal/physical"
)

func init() {
	gob.Register(time.Time{})
}

// Result is the materialized output of one statement. Values are decoded
// to int64, float64, string, bool, time.Time or nil.
type Result struct {
	Columns []physical.Column
	Rows    [][]any
}

// Situation tells whether a result was read from the cache or computed.
type Situation string

const (
	FullHit   Situation = "full_hit"
	Generated Situation = "generated"
)

// Column returns the position of the column with the given id, or -1.
func (r *Result) Column(id string) int {
	for i, c := range r.Columns {
		if c.ID == id {
			return i
		}
	}
	return -1
}
