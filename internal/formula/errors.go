package formula

import "fmt"

// ParseError reports malformed formula text.
type ParseError struct {
	Pos     int    // rune offset
	Token   string // offending token text, empty at end of input
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at position %d: %s", e.Pos, e.Message)
}

func newParseError(pos int, token string, format string, args ...any) *ParseError {
	return &ParseError{Pos: pos, Token: token, Message: fmt.Sprintf(format, args...)}
}
