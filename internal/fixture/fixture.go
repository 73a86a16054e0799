// Package fixture holds the sales dataset and the sources behind it that
// package tests compile against.
package fixture

import (
	"strings"

	"github.com/atlekbai/formula_engine/internal/dataset"
	"github.com/atlekbai/formula_engine/internal/schema"
)

// DatasetYAML describes orders joined to their city and region.
const DatasetYAML = `
id: sales
root: o
avatars:
  - {id: o, source: public.orders}
  - {id: c, source: public.cities}
  - {id: r, source: public.regions}
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
fields:
  - {id: f_sales, title: Sales, avatar_id: o, column: amount, aggregation: sum}
  - {id: f_amount, title: Amount, avatar_id: o, column: amount}
  - {id: f_qty, title: Quantity, avatar_id: o, column: qty, aggregation: sum}
  - {id: f_date, title: Date, avatar_id: o, column: order_date}
  - {id: f_city, title: City, avatar_id: c, column: name}
  - {id: f_region, title: Region, avatar_id: r, column: name}
  - {id: f_margin, title: Margin, formula: "[Sales] / 2"}
  - {id: f_double, title: Double, formula: "[Amount] * 2"}
`

// Sources returns the physical tables of the sales dataset.
func Sources() *schema.Cache {
	return schema.NewCacheFromSources(
		&schema.Source{Schema: "public", Table: "orders", Columns: []schema.Column{
			{Name: "id", Type: schema.TypeInteger},
			{Name: "city_id", Type: schema.TypeInteger},
			{Name: "amount", Type: schema.TypeFloat},
			{Name: "qty", Type: schema.TypeInteger},
			{Name: "order_date", Type: schema.TypeDate},
		}},
		&schema.Source{Schema: "public", Table: "cities", Columns: []schema.Column{
			{Name: "id", Type: schema.TypeInteger},
			{Name: "name", Type: schema.TypeString},
			{Name: "region_id", Type: schema.TypeInteger},
		}},
		&schema.Source{Schema: "public", Table: "regions", Columns: []schema.Column{
			{Name: "id", Type: schema.TypeInteger},
			{Name: "name", Type: schema.TypeString},
		}},
	)
}

// Dataset loads DatasetYAML. It panics on error since the text is constant.
func Dataset() *dataset.Dataset {
	ds, err := dataset.Load(strings.NewReader(DatasetYAML))
	if err != nil {
		panic(err)
	}
	return ds
}
