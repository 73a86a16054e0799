package dataset

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const testYAML = `
id: sales
root: o
avatars:
  - {id: o, source: public.orders}
  - {id: c, source: public.cities}
  - {id: r, source: public.regions}
  - {id: p, source: public.products}
relations:
  - id: o_c
    left: o
    right: c
    type: left
    conditions: [{left: city_id, right: id}]
  - id: c_r
    left: c
    right: r
    type: inner
    conditions: [{left: region_id, right: id}]
  - id: o_p
    left: o
    right: p
    type: left
    conditions: [{left: product_id, right: id}]
fields:
  - {id: f_sales, title: Sales, avatar_id: o, column: amount, aggregation: sum}
  - {id: f_city, title: City, avatar_id: c, column: name}
  - {id: f_region, title: Region, avatar_id: r, column: name}
  - {id: f_margin, title: Margin, formula: "[Sales] / 2"}
`

func load(t *testing.T) *Dataset {
	t.Helper()
	ds, err := Load(strings.NewReader(testYAML))
	require.NoError(t, err)
	return ds
}

func TestLoadAndLookup(t *testing.T) {
	ds := load(t)
	f, err := ds.Field("sales")
	require.NoError(t, err)
	require.Equal(t, "f_sales", f.ID)
	require.Equal(t, AggSum, f.Aggregation)

	f, err = ds.Field("f_margin")
	require.NoError(t, err)
	require.True(t, f.IsFormula())

	_, err = ds.Field("nope")
	require.True(t, ErrUnknownField.Is(err))
}

func TestValidate(t *testing.T) {
	ds := load(t)

	bad := ds.Clone()
	bad.Root = "zz"
	require.True(t, ErrUnknownAvatar.Is(bad.Validate()))

	bad = ds.Clone()
	bad.Fields = append(bad.Fields, Field{ID: "f_sales", Title: "Again", Formula: "1"})
	require.True(t, ErrDuplicateID.Is(bad.Validate()))

	bad = ds.Clone()
	bad.Relations[0].Type = "outer"
	require.True(t, ErrInvalidDataset.Is(bad.Validate()))
}

func TestResolveRelations(t *testing.T) {
	ds := load(t)

	rels, err := ds.ResolveRelations(nil)
	require.NoError(t, err)
	require.Empty(t, rels)

	rels, err = ds.ResolveRelations([]string{"r"})
	require.NoError(t, err)
	require.Len(t, rels, 2)
	require.Equal(t, "o_c", rels[0].ID)
	require.Equal(t, "c_r", rels[1].ID)

	rels, err = ds.ResolveRelations([]string{"p", "c", "o"})
	require.NoError(t, err)
	require.Len(t, rels, 2)
	require.Equal(t, "o_c", rels[0].ID)
	require.Equal(t, "o_p", rels[1].ID)
}

func TestResolveRelationsUnreachable(t *testing.T) {
	ds := load(t)
	ds.Avatars = append(ds.Avatars, Avatar{ID: "x", Source: "public.x"})
	_, err := ds.ResolveRelations([]string{"x"})
	require.True(t, ErrUnreachable.Is(err))

	_, err = ds.ResolveRelations([]string{"missing"})
	require.True(t, ErrUnknownAvatar.Is(err))
}

func TestApply(t *testing.T) {
	ds := load(t)
	out, err := ds.Apply([]Update{
		{Action: ActionAddField, Field: Field{ID: "f_double", Title: "Double", Formula: "[Sales] * 2"}},
		{Action: ActionDeleteField, Field: Field{ID: "f_margin"}},
		{Action: ActionUpdateField, Field: Field{ID: "f_city", Title: "Town", AvatarID: "c", Column: "name"}},
	})
	require.NoError(t, err)
	require.Len(t, ds.Fields, 4, "source dataset must not change")

	_, err = out.Field("Double")
	require.NoError(t, err)
	_, err = out.Field("Margin")
	require.True(t, ErrUnknownField.Is(err))
	f, err := out.Field("town")
	require.NoError(t, err)
	require.Equal(t, "f_city", f.ID)

	_, err = ds.Apply([]Update{{Action: ActionUpdateField, Field: Field{ID: "nope"}}})
	require.True(t, ErrUnknownField.Is(err))
	_, err = ds.Apply([]Update{{Action: "rename", Field: Field{ID: "f_city"}}})
	require.True(t, ErrInvalidUpdate.Is(err))
}
