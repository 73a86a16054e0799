package dialect

import (
	"fmt"
	"strings"
	"sync"

	sq "github.com/Masterminds/squirrel"
	errors "gopkg.in/src-d/go-errors.v1"

	"github.com/atlekbai/formula_engine/internal/schema"
)

// Pseudo types accepted in variant signatures.
const (
	Any    schema.DataType = ""
	Number schema.DataType = "number"
)

// ErrConstantRequired is returned by a generator that needs a literal argument.
var ErrConstantRequired = errors.NewKind("argument %d of %s must be a constant %s")

// OrderTerm is one ORDER BY entry of a window.
type OrderTerm struct {
	Expr sq.Sqlizer
	Desc bool
}

// Over is the window specification of a window call.
type Over struct {
	PartitionBy []sq.Sqlizer
	OrderBy     []OrderTerm
}

// Call is the input of a generator: translated arguments plus their types
// and, for literal arguments, their constant values.
type Call struct {
	Name     string
	Dialect  *Dialect
	Args     []sq.Sqlizer
	ArgTypes []schema.DataType
	Consts   []any
	Over     *Over
}

func (c *Call) args() []any {
	out := make([]any, len(c.Args))
	for i, a := range c.Args {
		out[i] = a
	}
	return out
}

// ConstString returns the literal string value of argument idx.
func (c *Call) ConstString(idx int) (string, error) {
	if idx < len(c.Consts) {
		if s, ok := c.Consts[idx].(string); ok {
			return s, nil
		}
	}
	return "", ErrConstantRequired.New(idx+1, c.Name, "string")
}

// ConstInt returns the literal integer value of argument idx.
func (c *Call) ConstInt(idx int) (int64, error) {
	if idx < len(c.Consts) {
		if n, ok := c.Consts[idx].(int64); ok {
			return n, nil
		}
	}
	return 0, ErrConstantRequired.New(idx+1, c.Name, "integer")
}

// GenFunc produces the backend expression of a call.
type GenFunc func(c *Call) (sq.Sqlizer, error)

// ReturnFunc computes the result type from the argument types.
type ReturnFunc func(args []schema.DataType) schema.DataType

// Variant is one implementation of an operation.
type Variant struct {
	Name     string
	Dialects []string // empty means every dialect
	Args     []schema.DataType
	Variadic bool // the last argument type repeats
	Window   bool
	Return   ReturnFunc
	Gen      GenFunc
}

func (v *Variant) accepts(arity int) bool {
	if v.Variadic {
		return arity >= len(v.Args)
	}
	return arity == len(v.Args)
}

func (v *Variant) supports(dialect string) bool {
	if len(v.Dialects) == 0 {
		return true
	}
	for _, d := range v.Dialects {
		if d == dialect {
			return true
		}
	}
	return false
}

func (v *Variant) argType(i int) schema.DataType {
	if i >= len(v.Args) {
		return v.Args[len(v.Args)-1]
	}
	return v.Args[i]
}

// Catalog indexes variants by upper-case operation name.
type Catalog struct {
	byName map[string][]Variant
}

func NewCatalog(variants ...Variant) *Catalog {
	c := &Catalog{byName: make(map[string][]Variant)}
	for _, v := range variants {
		v.Name = strings.ToUpper(v.Name)
		c.byName[v.Name] = append(c.byName[v.Name], v)
	}
	return c
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default returns the built-in catalogue for all shipped dialects.
func Default() *Catalog {
	defaultOnce.Do(func() {
		defaultCatalog = NewCatalog(builtins()...)
	})
	return defaultCatalog
}

// ForDialect returns the variants of name that accept arity arguments on
// dialect. window selects window or non-window variants.
func (c *Catalog) ForDialect(name string, arity int, dialect string, window bool) []Variant {
	var out []Variant
	for _, v := range c.byName[strings.ToUpper(name)] {
		if v.Window == window && v.accepts(arity) && v.supports(dialect) {
			out = append(out, v)
		}
	}
	return out
}

// Match picks the first variant whose signature matches types exactly,
// else the first one that matches after implicit widening.
func Match(variants []Variant, types []schema.DataType) (*Variant, bool) {
	for _, exact := range []bool{true, false} {
		for i := range variants {
			if signatureMatches(&variants[i], types, exact) {
				return &variants[i], true
			}
		}
	}
	return nil, false
}

func signatureMatches(v *Variant, types []schema.DataType, exact bool) bool {
	for i, got := range types {
		if !typeMatches(v.argType(i), got, exact) {
			return false
		}
	}
	return true
}

func typeMatches(want, got schema.DataType, exact bool) bool {
	switch {
	case want == Any || want == got:
		return true
	case want == Number:
		return got.IsNumeric() || (!exact && got == schema.TypeNull)
	case exact:
		return false
	case got == schema.TypeNull:
		return true
	case want == schema.TypeFloat && got == schema.TypeInteger:
		return true
	case want == schema.TypeDatetime && got == schema.TypeDate:
		return true
	}
	return false
}

// Signature renders types for error messages.
func Signature(types []schema.DataType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func returns(t schema.DataType) ReturnFunc {
	return func([]schema.DataType) schema.DataType { return t }
}

// sameAs returns the type of the first argument that is not NULL.
func sameAs(idx ...int) ReturnFunc {
	return func(args []schema.DataType) schema.DataType {
		for _, i := range idx {
			if i < len(args) && args[i] != schema.TypeNull {
				return args[i]
			}
		}
		return schema.TypeNull
	}
}

func numeric(args []schema.DataType) schema.DataType {
	for _, t := range args {
		if t == schema.TypeFloat {
			return schema.TypeFloat
		}
	}
	return schema.TypeInteger
}

// tmpl renders format with the call arguments substituted for ? in order.
func tmpl(format string) GenFunc {
	return func(c *Call) (sq.Sqlizer, error) {
		return sq.Expr(format, c.args()...), nil
	}
}

// fn renders NAME(arg, ...).
func fn(name string) GenFunc {
	return func(c *Call) (sq.Sqlizer, error) {
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(c.Args)), ", ")
		return sq.Expr(fmt.Sprintf("%s(%s)", name, marks), c.args()...), nil
	}
}

// overClause renders OVER (PARTITION BY ... ORDER BY ... frame).
func overClause(over *Over, frame string) sq.Sqlizer {
	parts := []any{"OVER ("}
	sep := ""
	if over != nil && len(over.PartitionBy) > 0 {
		parts = append(parts, "PARTITION BY ")
		for i, p := range over.PartitionBy {
			if i > 0 {
				parts = append(parts, ", ")
			}
			parts = append(parts, p)
		}
		sep = " "
	}
	if over != nil && len(over.OrderBy) > 0 {
		parts = append(parts, sep+"ORDER BY ")
		for i, o := range over.OrderBy {
			if i > 0 {
				parts = append(parts, ", ")
			}
			parts = append(parts, o.Expr)
			if o.Desc {
				parts = append(parts, " DESC")
			}
		}
		sep = " "
	}
	if frame != "" && over != nil && len(over.OrderBy) > 0 {
		parts = append(parts, sep+frame)
	}
	parts = append(parts, ")")
	return sq.ConcatExpr(parts...)
}
