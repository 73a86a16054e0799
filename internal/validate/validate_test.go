package validate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atlekbai/formula_engine/internal/capability"
	"github.com/atlekbai/formula_engine/internal/formula"
)

func parse(t *testing.T, text string) formula.Node {
	t.Helper()
	f, err := formula.Parse(text)
	require.NoError(t, err)
	return f.Root
}

func testEnv() *Env {
	return NewEnv(capability.Default(), "Sales", "Profit", "Date", "City", "Region")
}

func TestBFBUnknownFieldCollect(t *testing.T) {
	root := parse(t, "SUM([Sales] BEFORE FILTER BY [Missing]) + AVG([Profit] BEFORE FILTER BY [Other])")

	err := Validate(root, DefaultCheckers(testEnv()), true)
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Errors, 2)

	var bfb *UnknownBFBFieldError
	require.True(t, errors.As(verr.Errors[0], &bfb))
	require.Equal(t, "Missing", bfb.Field)
	require.True(t, errors.As(verr.Errors[1], &bfb))
	require.Equal(t, "Other", bfb.Field)
}

func TestBFBUnknownFieldFailFast(t *testing.T) {
	root := parse(t, "SUM([Sales] BEFORE FILTER BY [Missing]) + AVG([Profit] BEFORE FILTER BY [Other])")

	err := Validate(root, DefaultCheckers(testEnv()), false)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Errors, 1)

	var bfb *UnknownBFBFieldError
	require.True(t, errors.As(err, &bfb))
	require.Equal(t, "Missing", bfb.Field)
}

func TestBFBUnknownFieldsInOneClause(t *testing.T) {
	root := parse(t, "SUM([Sales] BEFORE FILTER BY [Nope1], [Nope2])")

	err := Validate(root, DefaultCheckers(testEnv()), true)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Errors, 2)

	var fields []string
	for _, e := range verr.Errors {
		var bfb *UnknownBFBFieldError
		require.True(t, errors.As(e, &bfb))
		fields = append(fields, bfb.Field)
	}
	require.Equal(t, []string{"Nope1", "Nope2"}, fields)

	err = Validate(root, DefaultCheckers(testEnv()), false)
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Errors, 1)
}

func TestIgnoredDimensionsInOneClause(t *testing.T) {
	root := parse(t, "AGO([Sales], [Date], 'year' IGNORE DIMENSIONS [Nope1], [Nope2])")

	err := Validate(root, DefaultCheckers(testEnv()), true)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Errors, 2)
	for _, e := range verr.Errors {
		var nerr *NodeError
		require.True(t, errors.As(e, &nerr))
		require.Equal(t, CodeUnknownIgnoredDim, nerr.Code)
	}
}

func TestImplicitBFBValidates(t *testing.T) {
	root := parse(t, `AGO([Sales], [Date], "year")`)
	require.NoError(t, Validate(root, DefaultCheckers(testEnv()), true))
}

func TestCheckers(t *testing.T) {
	tests := []struct {
		input string
		code  string
	}{
		{"[Nope] + 1", CodeUnknownField},
		{"FOO([Sales])", CodeUnknownFunction},
		{"ROUND([Sales], 1, 2)", CodeWrongArgCount},
		{"SUM(RANK([Sales]))", CodeWindowInAggregate},
		{"RSUM(RANK([Sales]))", CodeNestedWindow},
		{"SUM(AVG([Sales]))", CodeNestedAggregate},
		{"SUM([Sales] INCLUDE [City])", CodeIncludeOutsideAggregate},
		{"AGO([Sales], [Date], 'year' IGNORE DIMENSIONS [Nope])", CodeUnknownIgnoredDim},
	}
	for _, tt := range tests {
		err := Validate(parse(t, tt.input), DefaultCheckers(testEnv()), false)
		var nerr *NodeError
		if !errors.As(err, &nerr) {
			t.Errorf("%q: expected *NodeError, got %v", tt.input, err)
			continue
		}
		if nerr.Code != tt.code {
			t.Errorf("%q: expected code %s, got %s", tt.input, tt.code, nerr.Code)
		}
	}
}

func TestCheckersAccept(t *testing.T) {
	inputs := []string{
		"SUM([Sales]) / COUNT()",
		"AVG(SUM([Sales] INCLUDE [City]))",
		"SUM([Sales] FIXED [Region])",
		"RANK(SUM([Sales]) WITHIN [Region])",
		"RSUM(SUM([sales]) ORDER BY [Date])",
		"IIF([City] = 'Paris', 1, 0)",
	}
	for _, input := range inputs {
		if err := Validate(parse(t, input), DefaultCheckers(testEnv()), true); err != nil {
			t.Errorf("%q: unexpected error %v", input, err)
		}
	}
}

func TestSharedSubtreeCheckedOnce(t *testing.T) {
	f, err := formula.Parse("[a] + [b]")
	require.NoError(t, err)

	arena := formula.NewArena()
	shared := formula.Alloc(arena, formula.Position{Start: 0, End: 3}, &formula.Field{Name: "Missing"})
	root := formula.Rewrite(arena, f.Root, func(n formula.Node) (formula.Node, bool) {
		if _, ok := n.(*formula.Field); ok {
			return shared, true
		}
		return nil, false
	})

	calls := make(map[formula.NodeID]int)
	counting := CheckerFunc(func(n formula.Node, _ []formula.Node) error {
		calls[n.ID()]++
		return nil
	})

	env := testEnv()
	err = Validate(root, []Checker{counting, FieldChecker{Env: env}}, true)

	require.Equal(t, 1, calls[shared.ID()])
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Errors, 1)
}
