package postprocess

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/spf13/cast"
	errors "gopkg.in/src-d/go-errors.v1"

	"github.com/atlekbai/formula_engine/internal/schema"
)

// ErrDecode is returned when a tier value does not convert to its column type.
var ErrDecode = errors.NewKind("cannot decode %T value %v as %s: %s")

// Decode converts a value produced by an execution tier to the canonical Go
// type of t: int64, float64, string, bool or time.Time. Nil stays nil.
func Decode(v any, t schema.DataType) (any, error) {
	v, err := unwrap(v)
	if err != nil || v == nil {
		return nil, err
	}

	var out any
	switch t {
	case schema.TypeInteger:
		out, err = cast.ToInt64E(v)
	case schema.TypeFloat:
		out, err = cast.ToFloat64E(v)
	case schema.TypeBoolean:
		out, err = cast.ToBoolE(v)
	case schema.TypeString:
		out, err = cast.ToStringE(v)
	case schema.TypeDate:
		var tm time.Time
		tm, err = cast.ToTimeE(v)
		out = time.Date(tm.Year(), tm.Month(), tm.Day(), 0, 0, 0, 0, time.UTC)
	case schema.TypeDatetime:
		out, err = cast.ToTimeE(v)
	default:
		return v, nil
	}
	if err != nil {
		return nil, ErrDecode.New(v, v, t, err)
	}
	return out, nil
}

func unwrap(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return string(x), nil
	case driver.Valuer:
		dv, err := x.Value()
		if err != nil {
			return nil, err
		}
		return unwrap(dv)
	case time.Time:
		return x, nil
	case fmt.Stringer:
		return x.String(), nil
	}
	return v, nil
}
