package formula

import (
	"unicode"
)

// Lexer tokenizes formula text.
type Lexer struct {
	input  []rune
	pos    int
	peeked *Token
}

// NewLexer creates a lexer for the given input.
func NewLexer(input string) *Lexer {
	return &Lexer{input: []rune(input)}
}

// Peek returns the next token without consuming it.
func (l *Lexer) Peek() (Token, error) {
	if l.peeked != nil {
		return *l.peeked, nil
	}
	tok, err := l.next()
	if err != nil {
		return Token{}, err
	}
	l.peeked = &tok
	return tok, nil
}

// Next consumes and returns the next token.
func (l *Lexer) Next() (Token, error) {
	if l.peeked != nil {
		tok := *l.peeked
		l.peeked = nil
		return tok, nil
	}
	return l.next()
}

func (l *Lexer) next() (Token, error) {
	l.skipWhitespace()
	if l.pos >= len(l.input) {
		return Token{Kind: TokEOF, Pos: l.pos, End: l.pos}, nil
	}

	ch := l.input[l.pos]
	pos := l.pos

	switch ch {
	case '(':
		return l.single(TokLParen), nil
	case ')':
		return l.single(TokRParen), nil
	case ',':
		return l.single(TokComma), nil
	case '+':
		return l.single(TokPlus), nil
	case '*':
		return l.single(TokStar), nil
	case '/':
		return l.single(TokSlash), nil
	case '%':
		return l.single(TokPercent), nil
	case '-':
		if l.at(1) == '-' {
			l.skipLineComment()
			return l.next()
		}
		return l.single(TokMinus), nil
	case '=':
		if l.at(1) == '=' {
			return l.double(TokEq), nil
		}
		return l.single(TokEq), nil
	case '!':
		if l.at(1) == '=' {
			return l.double(TokNeq), nil
		}
		return Token{}, l.errorf(pos, "unexpected '!', did you mean '!='?")
	case '>':
		if l.at(1) == '=' {
			return l.double(TokGte), nil
		}
		return l.single(TokGt), nil
	case '<':
		switch l.at(1) {
		case '=':
			return l.double(TokLte), nil
		case '>':
			return l.double(TokNeq), nil
		}
		return l.single(TokLt), nil
	case '"', '\'':
		return l.readString(pos, ch)
	case '[':
		return l.readField(pos)
	case '#':
		return l.readDate(pos)
	default:
		if unicode.IsDigit(ch) {
			return l.readNumber(pos)
		}
		if ch == '.' && unicode.IsDigit(l.at(1)) {
			return l.readNumber(pos)
		}
		if isIdentStart(ch) {
			return l.readIdent(pos)
		}
		return Token{}, l.errorf(pos, "unexpected character %q", ch)
	}
}

func (l *Lexer) at(offset int) rune {
	if l.pos+offset < len(l.input) {
		return l.input[l.pos+offset]
	}
	return 0
}

func (l *Lexer) single(kind TokenKind) Token {
	tok := Token{Kind: kind, Lit: string(l.input[l.pos]), Pos: l.pos, End: l.pos + 1}
	l.pos++
	return tok
}

func (l *Lexer) double(kind TokenKind) Token {
	tok := Token{Kind: kind, Lit: string(l.input[l.pos : l.pos+2]), Pos: l.pos, End: l.pos + 2}
	l.pos += 2
	return tok
}

func (l *Lexer) readString(pos int, quote rune) (Token, error) {
	l.pos++ // skip opening quote
	var lit []rune
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if ch == '\\' && l.pos+1 < len(l.input) {
			lit = append(lit, unescape(l.input[l.pos+1]))
			l.pos += 2
			continue
		}
		if ch == quote {
			l.pos++ // skip closing quote
			return Token{Kind: TokString, Lit: string(lit), Pos: pos, End: l.pos}, nil
		}
		lit = append(lit, ch)
		l.pos++
	}
	return Token{}, l.errorf(pos, "unterminated string literal")
}

func unescape(ch rune) rune {
	switch ch {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'r':
		return '\r'
	default:
		return ch
	}
}

func (l *Lexer) readField(pos int) (Token, error) {
	l.pos++ // skip [
	start := l.pos
	for l.pos < len(l.input) {
		if l.input[l.pos] == ']' {
			name := string(l.input[start:l.pos])
			l.pos++
			if name == "" {
				return Token{}, l.errorf(pos, "empty field name")
			}
			return Token{Kind: TokField, Lit: name, Pos: pos, End: l.pos}, nil
		}
		l.pos++
	}
	return Token{}, l.errorf(pos, "unterminated field reference")
}

func (l *Lexer) readDate(pos int) (Token, error) {
	l.pos++ // skip #
	start := l.pos
	for l.pos < len(l.input) {
		if l.input[l.pos] == '#' {
			lit := string(l.input[start:l.pos])
			l.pos++
			return Token{Kind: TokDate, Lit: lit, Pos: pos, End: l.pos}, nil
		}
		l.pos++
	}
	return Token{}, l.errorf(pos, "unterminated date literal")
}

func (l *Lexer) readNumber(pos int) (Token, error) {
	start := l.pos
	l.digits()
	if l.at(0) == '.' && unicode.IsDigit(l.at(1)) {
		l.pos++
		l.digits()
	}
	if ch := l.at(0); ch == 'e' || ch == 'E' {
		next := l.at(1)
		if unicode.IsDigit(next) || ((next == '+' || next == '-') && unicode.IsDigit(l.at(2))) {
			l.pos += 2
			l.digits()
		}
	}
	return Token{Kind: TokNumber, Lit: string(l.input[start:l.pos]), Pos: pos, End: l.pos}, nil
}

func (l *Lexer) digits() {
	for l.pos < len(l.input) && unicode.IsDigit(l.input[l.pos]) {
		l.pos++
	}
}

func (l *Lexer) readIdent(pos int) (Token, error) {
	start := l.pos
	for l.pos < len(l.input) && isIdentCont(l.input[l.pos]) {
		l.pos++
	}
	lit := string(l.input[start:l.pos])
	kind := TokIdent
	if kw, ok := lookupKeyword(lit); ok {
		kind = kw
	}
	return Token{Kind: kind, Lit: lit, Pos: pos, End: l.pos}, nil
}

func (l *Lexer) skipWhitespace() {
	for l.pos < len(l.input) && unicode.IsSpace(l.input[l.pos]) {
		l.pos++
	}
}

func (l *Lexer) skipLineComment() {
	for l.pos < len(l.input) && l.input[l.pos] != '\n' {
		l.pos++
	}
}

func (l *Lexer) errorf(pos int, format string, args ...any) error {
	return newParseError(pos, "", format, args...)
}

func isIdentStart(ch rune) bool {
	return unicode.IsLetter(ch) || ch == '_'
}

func isIdentCont(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_'
}
