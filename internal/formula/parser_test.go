package formula

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/atlekbai/formula_engine/internal/capability"
)

func mustParse(t *testing.T, input string) Node {
	t.Helper()
	f, err := Parse(input)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", input, err)
	}
	return f.Root
}

func expectParseError(t *testing.T, input, wantSubstr string) error {
	t.Helper()
	_, err := Parse(input)
	if err == nil {
		t.Fatalf("Parse(%q): expected error containing %q, got nil", input, wantSubstr)
	}
	if !strings.Contains(err.Error(), wantSubstr) {
		t.Fatalf("Parse(%q): expected error containing %q, got %q", input, wantSubstr, err.Error())
	}
	return err
}

func TestParseLiterals(t *testing.T) {
	tests := []struct {
		input string
		kind  LiteralKind
		value any
	}{
		{"42", LitInteger, int64(42)},
		{"-7", LitInteger, int64(-7)},
		{"3.5", LitFloat, 3.5},
		{"1e3", LitFloat, 1000.0},
		{"'abc'", LitString, "abc"},
		{"TRUE", LitBoolean, true},
		{"false", LitBoolean, false},
		{"NULL", LitNull, nil},
		{"#2021-03-04#", LitDate, time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC)},
		{"#2021-03-04 05:06:07#", LitDatetime, time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)},
	}
	for _, tt := range tests {
		lit, ok := mustParse(t, tt.input).(*Literal)
		if !ok {
			t.Fatalf("%q: expected *Literal", tt.input)
		}
		if lit.Kind != tt.kind {
			t.Errorf("%q: expected kind %v, got %v", tt.input, tt.kind, lit.Kind)
		}
		if want, ok := tt.value.(time.Time); ok {
			if got, _ := lit.Value.(time.Time); !got.Equal(want) {
				t.Errorf("%q: expected time %v, got %v", tt.input, want, lit.Value)
			}
			continue
		}
		if lit.Value != tt.value {
			t.Errorf("%q: expected value %v, got %v", tt.input, tt.value, lit.Value)
		}
	}
}

func TestParsePrecedence(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"1 + 2 * 3", "(1 + (2 * 3))"},
		{"(1 + 2) * 3", "((1 + 2) * 3)"},
		{"[a] > 1 AND [b] < 2 OR NOT [c]", "((([a] > 1) AND ([b] < 2)) OR (NOT [c]))"},
		{"[a] == 1", "([a] = 1)"},
		{"[a] <> 1", "([a] != 1)"},
		{"[a] NOT IN (1, 2)", "([a] NOT IN (1, 2))"},
		{"[a] BETWEEN 1 AND 10", "([a] BETWEEN 1 AND 10)"},
		{"[a] NOT LIKE 'x%'", "([a] NOT LIKE 'x%')"},
		{"[a] IS NOT NULL", "([a] IS NOT NULL)"},
		{"-[a]", "(-[a])"},
		{"IF [a] > 1 THEN 'x' ELSEIF [a] > 0 THEN 'y' ELSE 'z' END", "IF ([a] > 1) THEN 'x' ELSEIF ([a] > 0) THEN 'y' ELSE 'z' END"},
		{"CASE [a] WHEN 1 THEN 'one' ELSE 'other' END", "CASE [a] WHEN 1 THEN 'one' ELSE 'other' END"},
	}
	for _, tt := range tests {
		got := Format(mustParse(t, tt.input))
		if got != tt.want {
			t.Errorf("%q: expected %q, got %q", tt.input, tt.want, got)
		}
	}
}

func TestParseCallWindowness(t *testing.T) {
	call := mustParse(t, "sum([Sales])").(*Call)
	if call.Name != "SUM" || call.Window || !call.Aggregate {
		t.Fatalf("expected plain aggregate SUM, got %+v", call)
	}

	call = mustParse(t, "SUM([Sales] WITHIN [Region])").(*Call)
	if !call.Window || call.Aggregate {
		t.Fatalf("expected window SUM, got window=%v aggregate=%v", call.Window, call.Aggregate)
	}
	if call.Grouping == nil || call.Grouping.Kind != GroupingWithin || len(call.Grouping.Dims) != 1 {
		t.Fatalf("expected WITHIN grouping with one dim, got %+v", call.Grouping)
	}

	call = mustParse(t, "RANK_PERCENTILE([Sales])").(*Call)
	if !call.Window {
		t.Fatal("expected RANK_PERCENTILE to be a window call")
	}
}

func TestParseClauses(t *testing.T) {
	call := mustParse(t, "RSUM(SUM([Sales]) AMONG [Region] ORDER BY [Date] DESC, [City] BEFORE FILTER BY [Date], [City])").(*Call)
	if call.Grouping.Kind != GroupingAmong {
		t.Fatalf("expected AMONG, got %v", call.Grouping.Kind)
	}
	if len(call.Ordering.Items) != 2 || !call.Ordering.Items[0].Desc || call.Ordering.Items[1].Desc {
		t.Fatalf("unexpected ordering %+v", call.Ordering.Items)
	}
	if got := call.BFB.Fields; len(got) != 2 || got[0] != "Date" || got[1] != "City" {
		t.Fatalf("unexpected BFB fields %v", got)
	}

	call = mustParse(t, "SUM([Sales] FIXED)").(*Call)
	if call.LOD == nil || call.LOD.Kind != LODFixed || len(call.LOD.Dims) != 0 {
		t.Fatalf("expected empty FIXED, got %+v", call.LOD)
	}

	call = mustParse(t, "AVG(SUM([Sales] INCLUDE [City]))").(*Call)
	inner := call.Args[0].(*Call)
	if inner.LOD == nil || inner.LOD.Kind != LODInclude {
		t.Fatalf("expected INCLUDE on inner call, got %+v", inner.LOD)
	}
}

func TestParseImplicitBFB(t *testing.T) {
	call := mustParse(t, `AGO([Sales], [Date], "year")`).(*Call)
	if !call.Lookup {
		t.Fatal("expected AGO to be a lookup call")
	}
	if call.BFB == nil || len(call.BFB.Fields) != 1 || call.BFB.Fields[0] != "Date" {
		t.Fatalf("expected implicit BEFORE FILTER BY [Date], got %+v", call.BFB)
	}

	// An explicit clause is merged, not duplicated.
	call = mustParse(t, `AGO([Sales], [Date], "year" BEFORE FILTER BY [date], [City])`).(*Call)
	if got := call.BFB.Fields; len(got) != 2 {
		t.Fatalf("expected 2 BFB fields, got %v", got)
	}
}

func TestParseClauseErrors(t *testing.T) {
	err := expectParseError(t, "RANK([Sales] INCLUDE [City])", "does not support")
	var clauseErr *capability.ParseClauseError
	if !errors.As(err, &clauseErr) {
		t.Fatalf("expected *ParseClauseError, got %T", err)
	}
	if clauseErr.Func != "RANK" || clauseErr.Start != 0 || clauseErr.End != 28 {
		t.Fatalf("unexpected clause error %+v", clauseErr)
	}

	expectParseError(t, "RSUM([a] TOTAL TOTAL)", "duplicate grouping clause")
	expectParseError(t, "SUM([a] INCLUDE)", "requires at least one dimension")
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		input string
		want  string
		pos   int
	}{
		{"1 +", "unexpected end of formula", 3},
		{"SUM([a]", "expected )", 7},
		{"foo", "expected (", 3},
		{"[a] NOT 1", "expected IN, BETWEEN or LIKE", 8},
		{"[a] IS 1", "expected NULL, TRUE or FALSE", 7},
		{"IF [a] THEN 1", "expected END", 13},
		{"#2020-13-45#", "invalid date literal", 0},
		{"1 2", "expected end of formula", 2},
	}
	for _, tt := range tests {
		err := expectParseError(t, tt.input, tt.want)
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Fatalf("%q: expected *ParseError, got %T", tt.input, err)
		}
		if pe.Pos != tt.pos {
			t.Errorf("%q: expected position %d, got %d", tt.input, tt.pos, pe.Pos)
		}
	}
}

func TestNodeIDsAreUnique(t *testing.T) {
	f, err := Parse("IIF([a] > 1, SUM([b]), AVG([c] FIXED [d]))")
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[NodeID]bool)
	Inspect(f.Root, func(n Node) bool {
		if n.ID() == 0 {
			t.Fatalf("node %T has no id", n)
		}
		if seen[n.ID()] {
			t.Fatalf("duplicate id %d", n.ID())
		}
		seen[n.ID()] = true
		return true
	})
}

func TestFormatRoundTrip(t *testing.T) {
	inputs := []string{
		"SUM([Sales] INCLUDE [City]) / COUNT()",
		"RANK(SUM([x]) WITHIN [a], [b])",
		"IF [a] IS NULL THEN 0 ELSE [a] END",
		"DATETRUNC([d], 'month') BETWEEN #2020-01-01# AND #2020-12-31 10:00:00#",
	}
	for _, input := range inputs {
		first := Format(mustParse(t, input))
		second := Format(mustParse(t, first))
		if first != second {
			t.Errorf("format not stable for %q: %q vs %q", input, first, second)
		}
	}
}

func TestRewriteKeepsSharing(t *testing.T) {
	f, err := Parse("[a] + [b]")
	if err != nil {
		t.Fatal(err)
	}
	arena := NewArena()
	shared := Alloc(arena, Position{}, &Ref{RefID: "col"})
	out := Rewrite(arena, f.Root, func(n Node) (Node, bool) {
		if _, ok := n.(*Field); ok {
			return shared, true
		}
		return nil, false
	})
	bin := out.(*Binary)
	if bin.Left != bin.Right {
		t.Fatal("expected both operands to share the replacement")
	}
	if got := Format(out); got != "({col} + {col})" {
		t.Fatalf("unexpected rewrite %q", got)
	}
}

func TestScopeOf(t *testing.T) {
	tests := []struct {
		input string
		want  Scope
	}{
		{"[a] + 1", 0},
		{"SUM([a])", ScopeAggregate},
		{"RANK([a])", ScopeWindow},
		{"RSUM(SUM([a]))", ScopeAggregate | ScopeWindow},
	}
	for _, tt := range tests {
		if got := ScopeOf(mustParse(t, tt.input)); got != tt.want {
			t.Errorf("%q: expected scope %v, got %v", tt.input, tt.want, got)
		}
	}
}

func TestParseCache(t *testing.T) {
	cache, err := NewParseCache(NewParser(capability.Default()), 8)
	if err != nil {
		t.Fatal(err)
	}
	a, err := cache.Parse("SUM([x])")
	if err != nil {
		t.Fatal(err)
	}
	b, err := cache.Parse("SUM([x])")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("expected cached formula to be reused")
	}
	if _, err := cache.Parse("SUM("); err == nil {
		t.Fatal("expected parse error")
	}
	hits, misses := cache.Stats()
	if hits != 1 || misses != 2 {
		t.Fatalf("expected 1 hit and 2 misses, got %d and %d", hits, misses)
	}
}
