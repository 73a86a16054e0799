// Package postprocess turns raw statement rows into the rows a caller
// asked for: values decoded per column type, columns in legend order.
package postprocess

import (
	"strings"

	"github.com/spf13/cast"
	errors "gopkg.in/src-d/go-errors.v1"

	"github.com/atlekbai/formula_engine/internal/physical"
)

var (
	ErrUnknownColumn = errors.NewKind("legend item %s has no result column")
	ErrRowWidth      = errors.NewKind("row %d has %d values, want %d")
	ErrTemplate      = errors.NewKind("unterminated placeholder in template %q")
)

// LegendItem is one requested output position. Items with a template are
// rendered by substituting {id} placeholders with column values.
type LegendItem struct {
	ItemID   string
	Template string
}

// Restorer produces the value of one output position from a raw row.
type Restorer interface {
	Restore(row []any) (any, error)
}

// IndexRestorer copies one raw column.
type IndexRestorer int

func (i IndexRestorer) Restore(row []any) (any, error) { return row[i], nil }

type templatePart struct {
	text  string
	index int
}

// TemplateRestorer renders text with placeholders for raw columns.
type TemplateRestorer struct {
	parts []templatePart
}

// NewTemplateRestorer parses tpl, resolving placeholders against columns.
func NewTemplateRestorer(tpl string, columns []physical.Column) (*TemplateRestorer, error) {
	r := &TemplateRestorer{}
	rest := tpl
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			break
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return nil, ErrTemplate.New(tpl)
		}
		id := rest[open+1 : open+end]
		idx := columnIndex(columns, id)
		if idx < 0 {
			return nil, ErrUnknownColumn.New(id)
		}
		if open > 0 {
			r.parts = append(r.parts, templatePart{text: rest[:open], index: -1})
		}
		r.parts = append(r.parts, templatePart{index: idx})
		rest = rest[open+end+1:]
	}
	if rest != "" {
		r.parts = append(r.parts, templatePart{text: rest, index: -1})
	}
	return r, nil
}

func (r *TemplateRestorer) Restore(row []any) (any, error) {
	var sb strings.Builder
	for _, p := range r.parts {
		if p.index < 0 {
			sb.WriteString(p.text)
			continue
		}
		v := row[p.index]
		if v == nil {
			continue
		}
		s, err := cast.ToStringE(v)
		if err != nil {
			return nil, err
		}
		sb.WriteString(s)
	}
	return sb.String(), nil
}

// Restorers builds one restorer per legend position.
func Restorers(columns []physical.Column, legend []LegendItem) ([]Restorer, error) {
	out := make([]Restorer, len(legend))
	for i, item := range legend {
		if item.Template != "" {
			r, err := NewTemplateRestorer(item.Template, columns)
			if err != nil {
				return nil, err
			}
			out[i] = r
			continue
		}
		idx := columnIndex(columns, item.ItemID)
		if idx < 0 {
			return nil, ErrUnknownColumn.New(item.ItemID)
		}
		out[i] = IndexRestorer(idx)
	}
	return out, nil
}

// Postprocess decodes rows and reorders them to legend. Value-range
// results are decoded but keep their raw layout, since their columns may
// wrap the same item twice.
func Postprocess(rows [][]any, columns []physical.Column, legend []LegendItem, valueRange bool) ([][]any, error) {
	decoded := make([][]any, len(rows))
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, ErrRowWidth.New(i, len(row), len(columns))
		}
		d := make([]any, len(row))
		for j, v := range row {
			var err error
			if d[j], err = Decode(v, columns[j].Type); err != nil {
				return nil, err
			}
		}
		decoded[i] = d
	}
	if valueRange {
		return decoded, nil
	}

	restorers, err := Restorers(columns, legend)
	if err != nil {
		return nil, err
	}
	out := make([][]any, len(decoded))
	for i, row := range decoded {
		o := make([]any, len(restorers))
		for j, r := range restorers {
			if o[j], err = r.Restore(row); err != nil {
				return nil, err
			}
		}
		out[i] = o
	}
	return out, nil
}

func columnIndex(columns []physical.Column, id string) int {
	for i, c := range columns {
		if c.ID == id {
			return i
		}
	}
	return -1
}
