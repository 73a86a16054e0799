// Package dialect describes SQL backends and the catalogue of per-backend
// implementations of formula operations.
package dialect

import (
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	errors "gopkg.in/src-d/go-errors.v1"
)

const (
	PostgreSQL = "postgresql"
	MySQL      = "mysql"
	ClickHouse = "clickhouse"
)

// ErrUnknownDialect is returned by Get for an unregistered dialect name.
var ErrUnknownDialect = errors.NewKind("unknown dialect %q")

// Dialect holds the per-backend rendering rules the translator and the
// query assembler need.
type Dialect struct {
	Name         string
	Placeholder  sq.PlaceholderFormat
	DefaultLimit int

	quote        string
	dateCast     string
	datetimeCast string
}

var dialects = map[string]*Dialect{
	PostgreSQL: {
		Name:         PostgreSQL,
		Placeholder:  sq.Dollar,
		DefaultLimit: 100000,
		quote:        `"`,
		dateCast:     "CAST(? AS DATE)",
		datetimeCast: "CAST(? AS TIMESTAMP)",
	},
	MySQL: {
		Name:         MySQL,
		Placeholder:  sq.Question,
		DefaultLimit: 100000,
		quote:        "`",
		dateCast:     "CAST(? AS DATE)",
		datetimeCast: "CAST(? AS DATETIME)",
	},
	ClickHouse: {
		Name:         ClickHouse,
		Placeholder:  sq.Question,
		DefaultLimit: 1000000,
		quote:        `"`,
		dateCast:     "toDate(?)",
		datetimeCast: "toDateTime(?)",
	},
}

// Get returns the dialect registered under name.
func Get(name string) (*Dialect, error) {
	d, ok := dialects[strings.ToLower(name)]
	if !ok {
		return nil, ErrUnknownDialect.New(name)
	}
	return d, nil
}

// Local is the dialect of the local compute tier.
func Local() *Dialect { return dialects[PostgreSQL] }

// QuoteIdent quotes an identifier, doubling embedded quote characters.
func (d *Dialect) QuoteIdent(name string) string {
	return d.quote + strings.ReplaceAll(name, d.quote, d.quote+d.quote) + d.quote
}

// Qualified renders alias.column with both parts quoted.
func (d *Dialect) Qualified(alias, column string) string {
	return d.QuoteIdent(alias) + "." + d.QuoteIdent(column)
}

// DateLiteral renders t as a date or datetime constant.
func (d *Dialect) DateLiteral(t time.Time, withTime bool) sq.Sqlizer {
	if withTime {
		return sq.Expr(d.datetimeCast, t.Format("2006-01-02 15:04:05"))
	}
	return sq.Expr(d.dateCast, t.Format("2006-01-02"))
}

// Finalize rewrites ? placeholders into the dialect's format.
func (d *Dialect) Finalize(sql string) (string, error) {
	return d.Placeholder.ReplacePlaceholders(sql)
}
