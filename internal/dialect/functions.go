package dialect

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	errors "gopkg.in/src-d/go-errors.v1"

	"github.com/atlekbai/formula_engine/internal/schema"
)

// ErrInvalidArgument is returned for a constant argument with an unsupported value.
var ErrInvalidArgument = errors.NewKind("%s: invalid value %q for argument %d")

const (
	tString   = schema.TypeString
	tInteger  = schema.TypeInteger
	tFloat    = schema.TypeFloat
	tBoolean  = schema.TypeBoolean
	tDate     = schema.TypeDate
	tDatetime = schema.TypeDatetime
)

var (
	pgOnly    = []string{PostgreSQL}
	myOnly    = []string{MySQL}
	chOnly    = []string{ClickHouse}
	pgMy      = []string{PostgreSQL, MySQL}
	myCh      = []string{MySQL, ClickHouse}
	dateUnits = map[string]string{
		"year": "Year", "quarter": "Quarter", "month": "Month", "week": "Week",
		"day": "Day", "hour": "Hour", "minute": "Minute", "second": "Second",
	}
)

func sig(types ...schema.DataType) []schema.DataType { return types }

// pick renders format with the call arguments at the given indexes.
func pick(format string, idx ...int) GenFunc {
	return func(c *Call) (sq.Sqlizer, error) {
		args := make([]any, len(idx))
		for i, j := range idx {
			args[i] = c.Args[j]
		}
		return sq.Expr(format, args...), nil
	}
}

func firstNonNull(args []schema.DataType) schema.DataType {
	for _, t := range args {
		if t != schema.TypeNull {
			return t
		}
	}
	return schema.TypeNull
}

// keepDate casts a pg timestamp result back to date when the first argument is a date.
func keepDate(gen GenFunc) GenFunc {
	return func(c *Call) (sq.Sqlizer, error) {
		expr, err := gen(c)
		if err != nil || c.ArgTypes[0] != schema.TypeDate {
			return expr, err
		}
		return sq.Expr("CAST(? AS DATE)", expr), nil
	}
}

func unitArg(c *Call, idx int) (string, error) {
	unit, err := c.ConstString(idx)
	if err != nil {
		return "", err
	}
	unit = strings.ToLower(unit)
	if _, ok := dateUnits[unit]; !ok {
		return "", ErrInvalidArgument.New(c.Name, unit, idx+1)
	}
	return unit, nil
}

func dateAdd(c *Call) (sq.Sqlizer, error) {
	unit, err := unitArg(c, 1)
	if err != nil {
		return nil, err
	}
	switch c.Dialect.Name {
	case MySQL:
		return sq.Expr(fmt.Sprintf("DATE_ADD(?, INTERVAL ? %s)", strings.ToUpper(unit)), c.Args[0], c.Args[2]), nil
	case ClickHouse:
		return sq.Expr(fmt.Sprintf("(? + toInterval%s(?))", dateUnits[unit]), c.Args[0], c.Args[2]), nil
	}
	return keepDate(pick(fmt.Sprintf("(? + ? * INTERVAL '1 %s')", unit), 0, 2))(c)
}

func sortDirection(c *Call, idx int, def bool) (bool, error) {
	if idx >= len(c.Args) {
		return def, nil
	}
	dir, err := c.ConstString(idx)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(dir) {
	case "asc":
		return false, nil
	case "desc":
		return true, nil
	}
	return false, ErrInvalidArgument.New(c.Name, dir, idx+1)
}

func partitionOnly(c *Call) *Over {
	if c.Over == nil {
		return &Over{}
	}
	return &Over{PartitionBy: c.Over.PartitionBy}
}

func windowAgg(name string) GenFunc {
	return func(c *Call) (sq.Sqlizer, error) {
		return sq.ConcatExpr(sq.Expr(name+"(?)", c.Args[0]), " ", overClause(partitionOnly(c), "")), nil
	}
}

func rank(name string, defaultDesc bool) GenFunc {
	return func(c *Call) (sq.Sqlizer, error) {
		desc, err := sortDirection(c, 1, defaultDesc)
		if err != nil {
			return nil, err
		}
		over := partitionOnly(c)
		over.OrderBy = []OrderTerm{{Expr: c.Args[0], Desc: desc}}
		return sq.ConcatExpr(name+"() ", overClause(over, "")), nil
	}
}

func running(name string) GenFunc {
	return func(c *Call) (sq.Sqlizer, error) {
		desc, err := sortDirection(c, 1, false)
		if err != nil {
			return nil, err
		}
		frame := "ROWS BETWEEN UNBOUNDED PRECEDING AND CURRENT ROW"
		if desc {
			frame = "ROWS BETWEEN CURRENT ROW AND UNBOUNDED FOLLOWING"
		}
		return sq.ConcatExpr(sq.Expr(name+"(?)", c.Args[0]), " ", overClause(c.Over, frame)), nil
	}
}

func moving(name string) GenFunc {
	return func(c *Call) (sq.Sqlizer, error) {
		before, err := c.ConstInt(1)
		if err != nil {
			return nil, err
		}
		if before < 0 {
			before = -before
		}
		frame := fmt.Sprintf("ROWS BETWEEN %d PRECEDING AND CURRENT ROW", before)
		if len(c.Args) > 2 {
			after, err := c.ConstInt(2)
			if err != nil {
				return nil, err
			}
			if after < 0 {
				after = -after
			}
			frame = fmt.Sprintf("ROWS BETWEEN %d PRECEDING AND %d FOLLOWING", before, after)
		}
		return sq.ConcatExpr(sq.Expr(name+"(?)", c.Args[0]), " ", overClause(c.Over, frame)), nil
	}
}

func lag(name, frame string) GenFunc {
	return func(c *Call) (sq.Sqlizer, error) {
		offset := int64(1)
		if len(c.Args) > 1 {
			n, err := c.ConstInt(1)
			if err != nil {
				return nil, err
			}
			offset = n
		}
		call := sq.Expr(fmt.Sprintf("%s(?, %d)", name, offset), c.Args[0])
		if len(c.Args) > 2 {
			call = sq.Expr(fmt.Sprintf("%s(?, %d, ?)", name, offset), c.Args[0], c.Args[2])
		}
		return sq.ConcatExpr(call, " ", overClause(c.Over, frame)), nil
	}
}

func valueAt(name string) GenFunc {
	return func(c *Call) (sq.Sqlizer, error) {
		return sq.ConcatExpr(sq.Expr(name+"(?)", c.Args[0]), " ",
			overClause(c.Over, "ROWS BETWEEN UNBOUNDED PRECEDING AND UNBOUNDED FOLLOWING")), nil
	}
}

func builtins() []Variant {
	var out []Variant
	add := func(name string, args []schema.DataType, ret ReturnFunc, gen GenFunc, dialects ...string) {
		out = append(out, Variant{Name: name, Args: args, Return: ret, Gen: gen, Dialects: dialects})
	}
	// addOpt registers one variant per arity for signatures whose last
	// optional arguments may be omitted.
	addOpt := func(name string, args []schema.DataType, optional int, window bool, ret ReturnFunc, gen GenFunc, dialects ...string) {
		for n := len(args) - optional; n <= len(args); n++ {
			out = append(out, Variant{Name: name, Args: args[:n], Window: window, Return: ret, Gen: gen, Dialects: dialects})
		}
	}
	variadic := func(name string, ret ReturnFunc, gen GenFunc, dialects ...string) {
		out = append(out, Variant{Name: name, Args: sig(Any), Variadic: true, Return: ret, Gen: gen, Dialects: dialects})
	}

	// Arithmetic.
	add("+", sig(Number, Number), numeric, tmpl("(? + ?)"))
	add("+", sig(tString, tString), returns(tString), tmpl("(? || ?)"), pgOnly...)
	add("+", sig(tString, tString), returns(tString), fn("CONCAT"), myCh...)
	add("+", sig(tDate, tInteger), returns(tDate), tmpl("(? + ?)"), pgOnly...)
	add("+", sig(tDate, tInteger), returns(tDate), tmpl("DATE_ADD(?, INTERVAL ? DAY)"), myOnly...)
	add("+", sig(tDate, tInteger), returns(tDate), fn("addDays"), chOnly...)
	add("-", sig(Number, Number), numeric, tmpl("(? - ?)"))
	add("-", sig(tDate, tDate), returns(tInteger), tmpl("(? - ?)"), pgOnly...)
	add("-", sig(tDate, tDate), returns(tInteger), fn("DATEDIFF"), myOnly...)
	add("-", sig(tDate, tDate), returns(tInteger), pick("dateDiff('day', ?, ?)", 1, 0), chOnly...)
	add("*", sig(Number, Number), numeric, tmpl("(? * ?)"))
	add("/", sig(Number, Number), returns(tFloat), tmpl("(CAST(? AS DOUBLE PRECISION) / ?)"), pgOnly...)
	add("/", sig(Number, Number), returns(tFloat), tmpl("(? / ?)"), myCh...)
	add("%", sig(tInteger, tInteger), returns(tInteger), tmpl("(? % ?)"))
	add("neg", sig(Number), sameAs(0), tmpl("(-?)"))

	// Comparison and logic.
	for op, sqlOp := range map[string]string{"=": "=", "!=": "<>", "<": "<", "<=": "<=", ">": ">", ">=": ">="} {
		format := "(? " + sqlOp + " ?)"
		add(op, sig(Number, Number), returns(tBoolean), tmpl(format))
		add(op, sig(tString, tString), returns(tBoolean), tmpl(format))
		add(op, sig(tDatetime, tDatetime), returns(tBoolean), tmpl(format))
		if op == "=" || op == "!=" {
			add(op, sig(tBoolean, tBoolean), returns(tBoolean), tmpl(format))
		}
	}
	add("dimeq", sig(Any, Any), returns(tBoolean), tmpl("(? IS NOT DISTINCT FROM ?)"), pgOnly...)
	add("dimeq", sig(Any, Any), returns(tBoolean), tmpl("(? <=> ?)"), myOnly...)
	add("dimeq", sig(Any, Any), returns(tBoolean), fn("isNotDistinctFrom"), chOnly...)
	add("and", sig(tBoolean, tBoolean), returns(tBoolean), tmpl("(? AND ?)"))
	add("or", sig(tBoolean, tBoolean), returns(tBoolean), tmpl("(? OR ?)"))
	add("like", sig(tString, tString), returns(tBoolean), tmpl("(? LIKE ?)"))
	add("notlike", sig(tString, tString), returns(tBoolean), tmpl("(? NOT LIKE ?)"))
	add("not", sig(tBoolean), returns(tBoolean), tmpl("(NOT ?)"))
	add("isnull", sig(Any), returns(tBoolean), tmpl("(? IS NULL)"))
	add("isnotnull", sig(Any), returns(tBoolean), tmpl("(? IS NOT NULL)"))
	add("istrue", sig(tBoolean), returns(tBoolean), tmpl("(? IS TRUE)"), pgMy...)
	add("isnottrue", sig(tBoolean), returns(tBoolean), tmpl("(? IS NOT TRUE)"), pgMy...)
	add("isfalse", sig(tBoolean), returns(tBoolean), tmpl("(? IS FALSE)"), pgMy...)
	add("isnotfalse", sig(tBoolean), returns(tBoolean), tmpl("(? IS NOT FALSE)"), pgMy...)

	// Aggregates.
	add("SUM", sig(Number), numeric, fn("SUM"))
	add("AVG", sig(Number), returns(tFloat), fn("AVG"))
	add("MIN", sig(Any), sameAs(0), fn("MIN"))
	add("MAX", sig(Any), sameAs(0), fn("MAX"))
	add("COUNT", sig(), returns(tInteger), tmpl("COUNT(*)"))
	add("COUNT", sig(Any), returns(tInteger), fn("COUNT"))
	add("COUNTD", sig(Any), returns(tInteger), tmpl("COUNT(DISTINCT ?)"), pgMy...)
	add("COUNTD", sig(Any), returns(tInteger), fn("uniqExact"), chOnly...)
	add("ANY", sig(Any), sameAs(0), fn("MIN"), pgOnly...)
	add("ANY", sig(Any), sameAs(0), fn("ANY_VALUE"), myOnly...)
	add("ANY", sig(Any), sameAs(0), fn("any"), chOnly...)
	add("SUM_IF", sig(Number, tBoolean), sameAs(0), pick("SUM(CASE WHEN ? THEN ? END)", 1, 0), pgMy...)
	add("SUM_IF", sig(Number, tBoolean), sameAs(0), fn("sumIf"), chOnly...)
	add("AVG_IF", sig(Number, tBoolean), returns(tFloat), pick("AVG(CASE WHEN ? THEN ? END)", 1, 0), pgMy...)
	add("AVG_IF", sig(Number, tBoolean), returns(tFloat), fn("avgIf"), chOnly...)
	add("COUNTD_IF", sig(Any, tBoolean), returns(tInteger), pick("COUNT(DISTINCT CASE WHEN ? THEN ? END)", 1, 0), pgMy...)
	add("COUNTD_IF", sig(Any, tBoolean), returns(tInteger), fn("uniqExactIf"), chOnly...)
	add("COUNT_IF", sig(tBoolean), returns(tInteger), tmpl("COUNT(CASE WHEN ? THEN 1 END)"), pgMy...)
	add("COUNT_IF", sig(tBoolean), returns(tInteger), fn("countIf"), chOnly...)

	// Window functions.
	for name, ret := range map[string]ReturnFunc{
		"SUM": numeric, "AVG": returns(tFloat), "MIN": sameAs(0), "MAX": sameAs(0), "COUNT": returns(tInteger),
	} {
		arg := Any
		if name == "SUM" || name == "AVG" {
			arg = Number
		}
		addOpt(name, sig(arg), 0, true, ret, windowAgg(name))
	}
	addOpt("RANK", sig(Any, tString), 1, true, returns(tInteger), rank("RANK", true))
	addOpt("RANK_DENSE", sig(Any, tString), 1, true, returns(tInteger), rank("DENSE_RANK", true))
	addOpt("RANK_UNIQUE", sig(Any, tString), 1, true, returns(tInteger), rank("ROW_NUMBER", true))
	addOpt("RANK_PERCENTILE", sig(Any, tString), 1, true, returns(tFloat), rank("PERCENT_RANK", false), pgMy...)
	for name, agg := range map[string]string{"RSUM": "SUM", "RAVG": "AVG", "RMIN": "MIN", "RMAX": "MAX", "RCOUNT": "COUNT"} {
		arg, ret := Any, sameAs(0)
		switch name {
		case "RSUM":
			arg, ret = Number, numeric
		case "RAVG":
			arg, ret = Number, returns(tFloat)
		case "RCOUNT":
			ret = returns(tInteger)
		}
		addOpt(name, sig(arg, tString), 1, true, ret, running(agg))
	}
	for name, agg := range map[string]string{"MSUM": "SUM", "MAVG": "AVG", "MMIN": "MIN", "MMAX": "MAX", "MCOUNT": "COUNT"} {
		arg, ret := Any, sameAs(0)
		switch name {
		case "MSUM":
			arg, ret = Number, numeric
		case "MAVG":
			arg, ret = Number, returns(tFloat)
		case "MCOUNT":
			ret = returns(tInteger)
		}
		addOpt(name, sig(arg, tInteger, tInteger), 1, true, ret, moving(agg))
	}
	addOpt("LAG", sig(Any, tInteger, Any), 2, true, sameAs(0), lag("LAG", ""), pgMy...)
	addOpt("LAG", sig(Any, tInteger, Any), 2, true, sameAs(0),
		lag("lagInFrame", "ROWS BETWEEN UNBOUNDED PRECEDING AND UNBOUNDED FOLLOWING"), chOnly...)
	addOpt("FIRST", sig(Any), 0, true, sameAs(0), valueAt("FIRST_VALUE"))
	addOpt("LAST", sig(Any), 0, true, sameAs(0), valueAt("LAST_VALUE"))

	// Math.
	add("ABS", sig(Number), sameAs(0), fn("ABS"))
	add("ROUND", sig(Number), sameAs(0), fn("ROUND"))
	add("ROUND", sig(Number, tInteger), returns(tFloat), tmpl("ROUND(CAST(? AS NUMERIC), ?)"), pgOnly...)
	add("ROUND", sig(Number, tInteger), returns(tFloat), fn("ROUND"), myCh...)
	add("FLOOR", sig(Number), sameAs(0), fn("FLOOR"))
	add("CEILING", sig(Number), sameAs(0), fn("CEIL"), pgOnly...)
	add("CEILING", sig(Number), sameAs(0), fn("CEILING"), myOnly...)
	add("CEILING", sig(Number), sameAs(0), fn("ceil"), chOnly...)
	add("SQRT", sig(Number), returns(tFloat), fn("SQRT"))
	add("POWER", sig(Number, Number), returns(tFloat), fn("POWER"), pgMy...)
	add("POWER", sig(Number, Number), returns(tFloat), fn("pow"), chOnly...)
	add("LN", sig(Number), returns(tFloat), fn("LN"), pgMy...)
	add("LN", sig(Number), returns(tFloat), fn("log"), chOnly...)
	add("EXP", sig(Number), returns(tFloat), fn("EXP"))
	add("SIGN", sig(Number), returns(tInteger), tmpl("CAST(SIGN(?) AS INTEGER)"), pgOnly...)
	add("SIGN", sig(Number), returns(tInteger), fn("SIGN"), myOnly...)
	add("SIGN", sig(Number), returns(tInteger), fn("sign"), chOnly...)
	add("DIV", sig(Number, Number), returns(tInteger), tmpl("CAST(DIV(CAST(? AS NUMERIC), CAST(? AS NUMERIC)) AS BIGINT)"), pgOnly...)
	add("DIV", sig(Number, Number), returns(tInteger), tmpl("(? DIV ?)"), myOnly...)
	add("DIV", sig(Number, Number), returns(tInteger), fn("intDiv"), chOnly...)

	// Strings.
	add("LEN", sig(tString), returns(tInteger), fn("LENGTH"), pgOnly...)
	add("LEN", sig(tString), returns(tInteger), fn("CHAR_LENGTH"), myOnly...)
	add("LEN", sig(tString), returns(tInteger), fn("lengthUTF8"), chOnly...)
	add("UPPER", sig(tString), returns(tString), fn("UPPER"))
	add("LOWER", sig(tString), returns(tString), fn("LOWER"))
	add("TRIM", sig(tString), returns(tString), fn("TRIM"), pgMy...)
	add("TRIM", sig(tString), returns(tString), fn("trimBoth"), chOnly...)
	add("LTRIM", sig(tString), returns(tString), fn("LTRIM"), pgMy...)
	add("LTRIM", sig(tString), returns(tString), fn("trimLeft"), chOnly...)
	add("RTRIM", sig(tString), returns(tString), fn("RTRIM"), pgMy...)
	add("RTRIM", sig(tString), returns(tString), fn("trimRight"), chOnly...)
	add("CONTAINS", sig(tString, tString), returns(tBoolean), tmpl("(STRPOS(?, ?) > 0)"), pgOnly...)
	add("CONTAINS", sig(tString, tString), returns(tBoolean), pick("(LOCATE(?, ?) > 0)", 1, 0), myOnly...)
	add("CONTAINS", sig(tString, tString), returns(tBoolean), tmpl("(position(?, ?) > 0)"), chOnly...)
	add("STARTSWITH", sig(tString, tString), returns(tBoolean), fn("STARTS_WITH"), pgOnly...)
	add("STARTSWITH", sig(tString, tString), returns(tBoolean), pick("(LEFT(?, CHAR_LENGTH(?)) = ?)", 0, 1, 1), myOnly...)
	add("STARTSWITH", sig(tString, tString), returns(tBoolean), fn("startsWith"), chOnly...)
	add("ENDSWITH", sig(tString, tString), returns(tBoolean), pick("(RIGHT(?, LENGTH(?)) = ?)", 0, 1, 1), pgOnly...)
	add("ENDSWITH", sig(tString, tString), returns(tBoolean), pick("(RIGHT(?, CHAR_LENGTH(?)) = ?)", 0, 1, 1), myOnly...)
	add("ENDSWITH", sig(tString, tString), returns(tBoolean), fn("endsWith"), chOnly...)
	addOpt("SUBSTR", sig(tString, tInteger, tInteger), 1, false, returns(tString), fn("SUBSTRING"), pgMy...)
	addOpt("SUBSTR", sig(tString, tInteger, tInteger), 1, false, returns(tString), fn("substringUTF8"), chOnly...)
	add("LEFT", sig(tString, tInteger), returns(tString), fn("LEFT"), pgMy...)
	add("LEFT", sig(tString, tInteger), returns(tString), fn("leftUTF8"), chOnly...)
	add("RIGHT", sig(tString, tInteger), returns(tString), fn("RIGHT"), pgMy...)
	add("RIGHT", sig(tString, tInteger), returns(tString), fn("rightUTF8"), chOnly...)
	add("REPLACE", sig(tString, tString, tString), returns(tString), fn("REPLACE"), pgMy...)
	add("REPLACE", sig(tString, tString, tString), returns(tString), fn("replaceAll"), chOnly...)
	variadic("CONCAT", returns(tString), fn("CONCAT"), pgMy...)
	variadic("CONCAT", returns(tString), fn("concat"), chOnly...)

	// Conditionals.
	add("IFNULL", sig(Any, Any), sameAs(0, 1), fn("COALESCE"))
	add("ZN", sig(Number), sameAs(0), tmpl("COALESCE(?, 0)"))
	add("IIF", sig(tBoolean, Any, Any), sameAs(1, 2), tmpl("CASE WHEN ? THEN ? ELSE ? END"))
	variadic("COALESCE", firstNonNull, fn("COALESCE"))

	// Dates.
	for name, parts := range map[string][3]string{
		"YEAR":  {"YEAR", "YEAR", "toYear"},
		"MONTH": {"MONTH", "MONTH", "toMonth"},
		"DAY":   {"DAY", "DAY", "toDayOfMonth"},
	} {
		add(name, sig(tDatetime), returns(tInteger), tmpl("CAST(EXTRACT("+parts[0]+" FROM ?) AS INTEGER)"), pgOnly...)
		add(name, sig(tDatetime), returns(tInteger), fn(parts[1]), myOnly...)
		add(name, sig(tDatetime), returns(tInteger), fn(parts[2]), chOnly...)
	}
	add("DATETRUNC", sig(tDatetime, tString), sameAs(0), keepDate(pick("DATE_TRUNC(?, ?)", 1, 0)), pgOnly...)
	add("DATETRUNC", sig(tDatetime, tString), sameAs(0), pick("dateTrunc(?, ?)", 1, 0), chOnly...)
	add("DATEADD", sig(tDatetime, tString, tInteger), sameAs(0), dateAdd)
	add("TODAY", sig(), returns(tDate), tmpl("CURRENT_DATE"), pgOnly...)
	add("TODAY", sig(), returns(tDate), tmpl("CURDATE()"), myOnly...)
	add("TODAY", sig(), returns(tDate), tmpl("today()"), chOnly...)
	add("NOW", sig(), returns(tDatetime), tmpl("NOW()"), pgMy...)
	add("NOW", sig(), returns(tDatetime), tmpl("now()"), chOnly...)

	// Casts.
	add("STR", sig(Any), returns(tString), tmpl("CAST(? AS TEXT)"), pgOnly...)
	add("STR", sig(Any), returns(tString), tmpl("CAST(? AS CHAR)"), myOnly...)
	add("STR", sig(Any), returns(tString), fn("toString"), chOnly...)
	add("INT", sig(Any), returns(tInteger), tmpl("CAST(? AS BIGINT)"), pgOnly...)
	add("INT", sig(Any), returns(tInteger), tmpl("CAST(? AS SIGNED)"), myOnly...)
	add("INT", sig(Any), returns(tInteger), fn("toInt64"), chOnly...)
	add("FLOAT", sig(Any), returns(tFloat), tmpl("CAST(? AS DOUBLE PRECISION)"), pgOnly...)
	add("FLOAT", sig(Any), returns(tFloat), tmpl("CAST(? AS DOUBLE)"), myOnly...)
	add("FLOAT", sig(Any), returns(tFloat), fn("toFloat64"), chOnly...)
	add("DATE", sig(Any), returns(tDate), tmpl("CAST(? AS DATE)"), pgOnly...)
	add("DATE", sig(Any), returns(tDate), fn("DATE"), myOnly...)
	add("DATE", sig(Any), returns(tDate), fn("toDate"), chOnly...)

	return out
}
