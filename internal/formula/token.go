package formula

import (
	"fmt"
	"strings"
)

// TokenKind classifies a lexical token.
type TokenKind int

const (
	TokEOF      TokenKind = iota
	TokLParen             // (
	TokRParen             // )
	TokComma              // ,
	TokEq                 // = or ==
	TokNeq                // != or <>
	TokGt                 // >
	TokGte                // >=
	TokLt                 // <
	TokLte                // <=
	TokPlus               // +
	TokMinus              // -
	TokStar               // *
	TokSlash              // /
	TokPercent            // %
	TokIdent              // identifier
	TokField              // [field name]
	TokString             // 'string' or "string"
	TokNumber             // 42, 3.14, 1e6
	TokDate               // #2020-01-31# or #2020-01-31 10:00:00#
	TokAnd                // AND
	TokOr                 // OR
	TokNot                // NOT
	TokTrue               // TRUE
	TokFalse              // FALSE
	TokNull               // NULL
	TokIn                 // IN
	TokBetween            // BETWEEN
	TokLike               // LIKE
	TokIs                 // IS
	TokIf                 // IF
	TokThen               // THEN
	TokElseIf             // ELSEIF
	TokElse               // ELSE
	TokEnd                // END
	TokCase               // CASE
	TokWhen               // WHEN
	TokAsc                // ASC
	TokDesc               // DESC
	TokTotal              // TOTAL
	TokWithin             // WITHIN
	TokAmong              // AMONG
	TokOrder              // ORDER
	TokBy                 // BY
	TokBefore             // BEFORE
	TokFilter             // FILTER
	TokIgnore             // IGNORE
	TokDimensions         // DIMENSIONS
	TokInclude            // INCLUDE
	TokExclude            // EXCLUDE
	TokFixed              // FIXED
)

// Token is a single lexical token produced by the lexer.
type Token struct {
	Kind TokenKind
	Lit  string // raw text, unquoted for strings, fields and dates
	Pos  int    // rune offset of the first character
	End  int    // rune offset past the last character
}

func (t Token) String() string {
	if t.Lit != "" {
		return fmt.Sprintf("%s(%q)", t.Kind, t.Lit)
	}
	return t.Kind.String()
}

var kindNames = map[TokenKind]string{
	TokEOF:        "EOF",
	TokLParen:     "(",
	TokRParen:     ")",
	TokComma:      ",",
	TokEq:         "=",
	TokNeq:        "!=",
	TokGt:         ">",
	TokGte:        ">=",
	TokLt:         "<",
	TokLte:        "<=",
	TokPlus:       "+",
	TokMinus:      "-",
	TokStar:       "*",
	TokSlash:      "/",
	TokPercent:    "%",
	TokIdent:      "identifier",
	TokField:      "field",
	TokString:     "string",
	TokNumber:     "number",
	TokDate:       "date",
	TokAnd:        "AND",
	TokOr:         "OR",
	TokNot:        "NOT",
	TokTrue:       "TRUE",
	TokFalse:      "FALSE",
	TokNull:       "NULL",
	TokIn:         "IN",
	TokBetween:    "BETWEEN",
	TokLike:       "LIKE",
	TokIs:         "IS",
	TokIf:         "IF",
	TokThen:       "THEN",
	TokElseIf:     "ELSEIF",
	TokElse:       "ELSE",
	TokEnd:        "END",
	TokCase:       "CASE",
	TokWhen:       "WHEN",
	TokAsc:        "ASC",
	TokDesc:       "DESC",
	TokTotal:      "TOTAL",
	TokWithin:     "WITHIN",
	TokAmong:      "AMONG",
	TokOrder:      "ORDER",
	TokBy:         "BY",
	TokBefore:     "BEFORE",
	TokFilter:     "FILTER",
	TokIgnore:     "IGNORE",
	TokDimensions: "DIMENSIONS",
	TokInclude:    "INCLUDE",
	TokExclude:    "EXCLUDE",
	TokFixed:      "FIXED",
}

func (k TokenKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("TokenKind(%d)", int(k))
}

var keywords = map[string]TokenKind{}

func init() {
	for k := TokAnd; k <= TokFixed; k++ {
		keywords[kindNames[k]] = k
	}
}

func lookupKeyword(ident string) (TokenKind, bool) {
	k, ok := keywords[strings.ToUpper(ident)]
	return k, ok
}
