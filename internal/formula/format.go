package formula

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var opText = map[string]string{
	OpAnd:     "AND",
	OpOr:      "OR",
	OpLike:    "LIKE",
	OpNotLike: "NOT LIKE",
	OpDimEq:   "IS NOT DISTINCT FROM",
}

var unarySuffix = map[string]string{
	OpIsNull:     " IS NULL",
	OpIsNotNull:  " IS NOT NULL",
	OpIsTrue:     " IS TRUE",
	OpIsNotTrue:  " IS NOT TRUE",
	OpIsFalse:    " IS FALSE",
	OpIsNotFalse: " IS NOT FALSE",
}

// Format renders n as canonical formula text. Binary operations are fully
// parenthesized and explicit parentheses are dropped, so equivalent
// formulas format identically. Refs render as {id}.
func Format(n Node) string {
	var sb strings.Builder
	format(&sb, n)
	return sb.String()
}

func format(sb *strings.Builder, n Node) {
	switch n := n.(type) {
	case *Literal:
		sb.WriteString(formatLiteral(n))
	case *Field:
		sb.WriteString("[" + n.Name + "]")
	case *Ref:
		sb.WriteString("{" + n.RefID + "}")
	case *Paren:
		format(sb, n.Expr)
	case *Binary:
		op := n.Op
		if t, ok := opText[op]; ok {
			op = t
		}
		sb.WriteByte('(')
		format(sb, n.Left)
		sb.WriteString(" " + op + " ")
		format(sb, n.Right)
		sb.WriteByte(')')
	case *Unary:
		switch n.Op {
		case OpNeg:
			sb.WriteString("(-")
			format(sb, n.Operand)
			sb.WriteByte(')')
		case OpNot:
			sb.WriteString("(NOT ")
			format(sb, n.Operand)
			sb.WriteByte(')')
		default:
			sb.WriteByte('(')
			format(sb, n.Operand)
			sb.WriteString(unarySuffix[n.Op] + ")")
		}
	case *In:
		sb.WriteByte('(')
		format(sb, n.Expr)
		if n.Not {
			sb.WriteString(" NOT")
		}
		sb.WriteString(" IN (")
		formatList(sb, n.Items)
		sb.WriteString("))")
	case *Between:
		sb.WriteByte('(')
		format(sb, n.Expr)
		if n.Not {
			sb.WriteString(" NOT")
		}
		sb.WriteString(" BETWEEN ")
		format(sb, n.Low)
		sb.WriteString(" AND ")
		format(sb, n.High)
		sb.WriteByte(')')
	case *If:
		for i := range n.Conds {
			if i == 0 {
				sb.WriteString("IF ")
			} else {
				sb.WriteString(" ELSEIF ")
			}
			format(sb, n.Conds[i])
			sb.WriteString(" THEN ")
			format(sb, n.Thens[i])
		}
		if n.Else != nil {
			sb.WriteString(" ELSE ")
			format(sb, n.Else)
		}
		sb.WriteString(" END")
	case *Case:
		sb.WriteString("CASE ")
		format(sb, n.Expr)
		for i := range n.Whens {
			sb.WriteString(" WHEN ")
			format(sb, n.Whens[i])
			sb.WriteString(" THEN ")
			format(sb, n.Thens[i])
		}
		if n.Else != nil {
			sb.WriteString(" ELSE ")
			format(sb, n.Else)
		}
		sb.WriteString(" END")
	case *Call:
		sb.WriteString(n.Name + "(")
		formatList(sb, n.Args)
		for _, c := range []Node{n.Grouping, n.Ordering, n.BFB, n.Ignore, n.LOD} {
			if isNilNode(c) {
				continue
			}
			sb.WriteByte(' ')
			format(sb, c)
		}
		sb.WriteByte(')')
	case *WindowGrouping:
		switch n.Kind {
		case GroupingTotal:
			sb.WriteString("TOTAL")
		case GroupingWithin:
			sb.WriteString("WITHIN ")
			formatList(sb, n.Dims)
		case GroupingAmong:
			sb.WriteString("AMONG ")
			formatList(sb, n.Dims)
		}
	case *Ordering:
		sb.WriteString("ORDER BY ")
		for i, it := range n.Items {
			if i > 0 {
				sb.WriteString(", ")
			}
			format(sb, it)
		}
	case *OrderItem:
		format(sb, n.Expr)
		if n.Desc {
			sb.WriteString(" DESC")
		}
	case *BeforeFilterBy:
		sb.WriteString("BEFORE FILTER BY " + fieldList(n.Fields))
	case *IgnoreDimensions:
		sb.WriteString("IGNORE DIMENSIONS " + fieldList(n.Fields))
	case *LOD:
		sb.WriteString([...]string{"INCLUDE", "EXCLUDE", "FIXED"}[n.Kind])
		if len(n.Dims) > 0 {
			sb.WriteByte(' ')
			formatList(sb, n.Dims)
		}
	default:
		fmt.Fprintf(sb, "<%T>", n)
	}
}

func formatList(sb *strings.Builder, nodes []Node) {
	for i, n := range nodes {
		if i > 0 {
			sb.WriteString(", ")
		}
		format(sb, n)
	}
}

func fieldList(fields []string) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = "[" + f + "]"
	}
	return strings.Join(parts, ", ")
}

func formatLiteral(n *Literal) string {
	switch n.Kind {
	case LitString:
		s, _ := n.Value.(string)
		return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s) + "'"
	case LitInteger:
		v, _ := n.Value.(int64)
		return strconv.FormatInt(v, 10)
	case LitFloat:
		v, _ := n.Value.(float64)
		s := strconv.FormatFloat(v, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return s
	case LitBoolean:
		if v, _ := n.Value.(bool); v {
			return "TRUE"
		}
		return "FALSE"
	case LitDate:
		t, _ := n.Value.(time.Time)
		return "#" + t.Format(dateLayout) + "#"
	case LitDatetime:
		t, _ := n.Value.(time.Time)
		return "#" + t.Format(datetimeLayout) + "#"
	default:
		return "NULL"
	}
}

// isNilNode reports whether n is nil or a typed nil pointer.
func isNilNode(n Node) bool {
	switch v := n.(type) {
	case nil:
		return true
	case *WindowGrouping:
		return v == nil
	case *Ordering:
		return v == nil
	case *BeforeFilterBy:
		return v == nil
	case *IgnoreDimensions:
		return v == nil
	case *LOD:
		return v == nil
	}
	return false
}
