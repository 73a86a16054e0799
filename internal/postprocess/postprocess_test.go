package postprocess

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atlekbai/formula_engine/internal/physical"
	"github.com/atlekbai/formula_engine/internal/schema"
)

type stringer string

func (s stringer) String() string { return string(s) }

func TestDecode(t *testing.T) {
	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		in   any
		typ  schema.DataType
		want any
	}{
		{nil, schema.TypeInteger, nil},
		{int32(4), schema.TypeInteger, int64(4)},
		{"42", schema.TypeInteger, int64(42)},
		{[]byte("17"), schema.TypeInteger, int64(17)},
		{"1.5", schema.TypeFloat, 1.5},
		{int64(2), schema.TypeFloat, float64(2)},
		{stringer("2.25"), schema.TypeFloat, 2.25},
		{"true", schema.TypeBoolean, true},
		{"0", schema.TypeBoolean, false},
		{int64(9), schema.TypeString, "9"},
		{"2024-03-05", schema.TypeDate, day},
		{time.Date(2024, 3, 5, 13, 4, 0, 0, time.UTC), schema.TypeDate, day},
		{"2024-03-05T10:30:00Z", schema.TypeDatetime, time.Date(2024, 3, 5, 10, 30, 0, 0, time.UTC)},
		{"x", schema.TypeNull, "x"},
	}
	for _, tt := range tests {
		got, err := Decode(tt.in, tt.typ)
		require.NoError(t, err, "%v as %s", tt.in, tt.typ)
		require.Equal(t, tt.want, got, "%v as %s", tt.in, tt.typ)
	}

	_, err := Decode("abc", schema.TypeInteger)
	require.True(t, ErrDecode.Is(err))
}

var columns = []physical.Column{
	{ID: "c0", Type: schema.TypeString},
	{ID: "c1", Type: schema.TypeFloat},
	{ID: "c2", Type: schema.TypeInteger},
}

var raw = [][]any{
	{"north", "10.5", int64(1)},
	{"south", nil, int64(2)},
}

func TestPostprocessLegend(t *testing.T) {
	legend := []LegendItem{{ItemID: "c1"}, {ItemID: "c0"}, {ItemID: "c1"}}
	rows, err := Postprocess(raw, columns, legend, false)
	require.NoError(t, err)
	require.Equal(t, [][]any{
		{10.5, "north", 10.5},
		{nil, "south", nil},
	}, rows)
}

func TestPostprocessTemplate(t *testing.T) {
	legend := []LegendItem{{ItemID: "c0", Template: "{c0}: {c1} USD"}}
	rows, err := Postprocess(raw, columns, legend, false)
	require.NoError(t, err)
	require.Equal(t, [][]any{{"north: 10.5 USD"}, {"south:  USD"}}, rows)

	_, err = Postprocess(raw, columns, []LegendItem{{Template: "{c9}"}}, false)
	require.True(t, ErrUnknownColumn.Is(err))
	_, err = Postprocess(raw, columns, []LegendItem{{Template: "{c0"}}, false)
	require.True(t, ErrTemplate.Is(err))
}

func TestPostprocessValueRange(t *testing.T) {
	rows, err := Postprocess(raw, columns, []LegendItem{{ItemID: "c2"}}, true)
	require.NoError(t, err)
	require.Equal(t, [][]any{
		{"north", 10.5, int64(1)},
		{"south", nil, int64(2)},
	}, rows)
}

func TestPostprocessErrors(t *testing.T) {
	_, err := Postprocess(raw, columns, []LegendItem{{ItemID: "c7"}}, false)
	require.True(t, ErrUnknownColumn.Is(err))

	_, err = Postprocess([][]any{{"x"}}, columns, nil, false)
	require.True(t, ErrRowWidth.Is(err))
}
