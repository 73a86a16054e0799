package formula

import (
	"strings"
	"testing"
)

func collectTokens(t *testing.T, input string) []Token {
	t.Helper()
	lex := NewLexer(input)
	var tokens []Token
	for {
		tok, err := lex.Next()
		if err != nil {
			t.Fatalf("lexer error on %q: %v", input, err)
		}
		tokens = append(tokens, tok)
		if tok.Kind == TokEOF {
			break
		}
	}
	return tokens
}

func TestLexerOperators(t *testing.T) {
	tests := []struct {
		input string
		kind  TokenKind
	}{
		{"(", TokLParen},
		{")", TokRParen},
		{",", TokComma},
		{"+", TokPlus},
		{"-", TokMinus},
		{"*", TokStar},
		{"/", TokSlash},
		{"%", TokPercent},
		{"=", TokEq},
		{"==", TokEq},
		{"!=", TokNeq},
		{"<>", TokNeq},
		{">=", TokGte},
		{"<=", TokLte},
		{">", TokGt},
		{"<", TokLt},
	}
	for _, tt := range tests {
		toks := collectTokens(t, tt.input)
		if len(toks) != 2 { // token + EOF
			t.Errorf("input %q: expected 2 tokens, got %d", tt.input, len(toks))
			continue
		}
		if toks[0].Kind != tt.kind {
			t.Errorf("input %q: expected %v, got %v", tt.input, tt.kind, toks[0].Kind)
		}
		if toks[0].End != len(tt.input) {
			t.Errorf("input %q: expected end %d, got %d", tt.input, len(tt.input), toks[0].End)
		}
	}
}

func TestLexerKeywordsAreCaseInsensitive(t *testing.T) {
	tests := []struct {
		input string
		kind  TokenKind
	}{
		{"and", TokAnd},
		{"Or", TokOr},
		{"NOT", TokNot},
		{"true", TokTrue},
		{"null", TokNull},
		{"Before", TokBefore},
		{"dimensions", TokDimensions},
		{"fixed", TokFixed},
		{"elseif", TokElseIf},
	}
	for _, tt := range tests {
		toks := collectTokens(t, tt.input)
		if toks[0].Kind != tt.kind {
			t.Errorf("input %q: expected %v, got %v", tt.input, tt.kind, toks[0].Kind)
		}
		if toks[0].Lit != tt.input {
			t.Errorf("input %q: expected lit %q, got %q", tt.input, tt.input, toks[0].Lit)
		}
	}
}

func TestLexerFieldsAndStrings(t *testing.T) {
	toks := collectTokens(t, `[Order Date] 'it\'s' "x"`)
	if toks[0].Kind != TokField || toks[0].Lit != "Order Date" {
		t.Fatalf("expected field 'Order Date', got %v %q", toks[0].Kind, toks[0].Lit)
	}
	if toks[0].Pos != 0 || toks[0].End != 12 {
		t.Fatalf("expected field span [0,12), got [%d,%d)", toks[0].Pos, toks[0].End)
	}
	if toks[1].Kind != TokString || toks[1].Lit != "it's" {
		t.Fatalf("expected string %q, got %v %q", "it's", toks[1].Kind, toks[1].Lit)
	}
	if toks[2].Kind != TokString || toks[2].Lit != "x" {
		t.Fatalf("expected string %q, got %v %q", "x", toks[2].Kind, toks[2].Lit)
	}
}

func TestLexerNumbers(t *testing.T) {
	for _, input := range []string{"42", "3.14", "0", "1e6", "2.5E-3", ".5"} {
		toks := collectTokens(t, input)
		if toks[0].Kind != TokNumber {
			t.Errorf("input %q: expected TokNumber, got %v", input, toks[0].Kind)
		}
		if toks[0].Lit != input {
			t.Errorf("input %q: expected lit %q, got %q", input, input, toks[0].Lit)
		}
	}
}

func TestLexerDate(t *testing.T) {
	toks := collectTokens(t, "#2020-01-31#")
	if toks[0].Kind != TokDate || toks[0].Lit != "2020-01-31" {
		t.Fatalf("expected date 2020-01-31, got %v %q", toks[0].Kind, toks[0].Lit)
	}
}

func TestLexerLineComment(t *testing.T) {
	toks := collectTokens(t, "-- ignored\nfoo")
	if len(toks) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(toks))
	}
	if toks[0].Kind != TokIdent || toks[0].Lit != "foo" {
		t.Fatalf("expected ident 'foo', got %v %q", toks[0].Kind, toks[0].Lit)
	}
}

func TestLexerErrors(t *testing.T) {
	tests := []struct {
		input   string
		wantErr string
	}{
		{"!", "did you mean '!='"},
		{"@", "unexpected character"},
		{"'abc", "unterminated string"},
		{"[abc", "unterminated field"},
		{"[]", "empty field name"},
		{"#2020", "unterminated date"},
	}
	for _, tt := range tests {
		lex := NewLexer(tt.input)
		_, err := lex.Next()
		if err == nil {
			t.Errorf("input %q: expected error containing %q, got nil", tt.input, tt.wantErr)
			continue
		}
		if got := err.Error(); !strings.Contains(got, tt.wantErr) {
			t.Errorf("input %q: expected error containing %q, got %q", tt.input, tt.wantErr, got)
		}
	}
}
