package schema

import (
	"strings"

	"github.com/google/uuid"
	errors "gopkg.in/src-d/go-errors.v1"
)

// ErrUnknownSource is returned when a source id or name is not registered.
var ErrUnknownSource = errors.NewKind("unknown source %s")

// QuoteIdent quotes a SQL identifier, escaping embedded double quotes.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// DataType is the semantic type of a column or expression.
type DataType string

const (
	TypeString   DataType = "string"
	TypeInteger  DataType = "integer"
	TypeFloat    DataType = "float"
	TypeBoolean  DataType = "boolean"
	TypeDate     DataType = "date"
	TypeDatetime DataType = "datetime"
	TypeNull     DataType = "null"
)

// IsNumeric reports whether values of the type take part in arithmetic.
func (t DataType) IsNumeric() bool {
	return t == TypeInteger || t == TypeFloat
}

// IsTemporal reports whether the type is a date or datetime.
func (t DataType) IsTemporal() bool {
	return t == TypeDate || t == TypeDatetime
}

// Column is one physical column of a source.
type Column struct {
	Name string   `json:"name" yaml:"name"`
	Type DataType `json:"type" yaml:"type"`
}

// Source is a physical table with an ordered column list.
type Source struct {
	ID      uuid.UUID `json:"id" yaml:"id"`
	Schema  string    `json:"schema" yaml:"schema"`
	Table   string    `json:"table" yaml:"table"`
	Columns []Column  `json:"columns" yaml:"columns"`
}

// SourceID derives a stable id from a qualified table name.
func SourceID(schemaName, table string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(schemaName+"."+table))
}

// Name returns the unquoted qualified name, e.g. public.orders.
func (s *Source) Name() string {
	if s.Schema == "" {
		return s.Table
	}
	return s.Schema + "." + s.Table
}

// Column finds a column by name.
func (s *Source) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// FromPgType maps an information_schema data_type to a DataType.
func FromPgType(dataType string) DataType {
	switch strings.ToLower(dataType) {
	case "smallint", "integer", "bigint", "int2", "int4", "int8":
		return TypeInteger
	case "real", "double precision", "numeric", "decimal", "float4", "float8", "money":
		return TypeFloat
	case "boolean", "bool":
		return TypeBoolean
	case "date":
		return TypeDate
	case "timestamp without time zone", "timestamp with time zone", "timestamp", "timestamptz":
		return TypeDatetime
	default:
		return TypeString
	}
}

// PgType returns the PostgreSQL column type used to materialize values of t.
func (t DataType) PgType() string {
	switch t {
	case TypeInteger:
		return "bigint"
	case TypeFloat:
		return "double precision"
	case TypeBoolean:
		return "boolean"
	case TypeDate:
		return "date"
	case TypeDatetime:
		return "timestamp"
	default:
		return "text"
	}
}
