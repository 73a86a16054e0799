package formula

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/atlekbai/formula_engine/internal/capability"
)

const (
	dateLayout     = "2006-01-02"
	datetimeLayout = "2006-01-02 15:04:05"
)

// Parser turns formula text into an AST, resolving call windowness against
// a capability registry.
type Parser struct {
	caps *capability.Registry
}

func NewParser(caps *capability.Registry) *Parser {
	return &Parser{caps: caps}
}

// Parse parses text with the built-in capability registry.
func Parse(text string) (*Formula, error) {
	return NewParser(capability.Default()).Parse(text)
}

// Parse parses text into a fresh arena.
func (p *Parser) Parse(text string) (*Formula, error) {
	return p.ParseInto(NewArena(), text)
}

// ParseInto parses text allocating nodes from arena.
func (p *Parser) ParseInto(arena *Arena, text string) (*Formula, error) {
	ps := &parser{lexer: NewLexer(text), arena: arena, caps: p.caps}
	root, err := ps.parseExpr()
	if err != nil {
		return nil, err
	}
	// Ensure we consumed everything.
	tok, err := ps.peek()
	if err != nil {
		return nil, err
	}
	if tok.Kind != TokEOF {
		return nil, ps.errorf(tok, "unexpected %s, expected end of formula", tok.Kind)
	}
	return &Formula{Text: text, Root: root}, nil
}

type parser struct {
	lexer   *Lexer
	arena   *Arena
	caps    *capability.Registry
	lastEnd int
}

func (p *parser) peek() (Token, error) {
	return p.lexer.Peek()
}

func (p *parser) advance() Token {
	tok, _ := p.lexer.Next()
	p.lastEnd = tok.End
	return tok
}

func (p *parser) expect(kind TokenKind) (Token, error) {
	tok, err := p.peek()
	if err != nil {
		return Token{}, err
	}
	if tok.Kind != kind {
		return Token{}, p.errorf(tok, "expected %s, got %s", kind, tok.Kind)
	}
	return p.advance(), nil
}

func (p *parser) errorf(tok Token, format string, args ...any) error {
	return newParseError(tok.Pos, tok.Lit, format, args...)
}

func span(from Node, end int) Position {
	return Position{Start: from.Pos().Start, End: end}
}

func (p *parser) parseExpr() (Node, error) {
	return p.parseOr()
}

// parseOr: and { OR and }
func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		tok, err := p.peek()
		if err != nil {
			return nil, err
		}
		if tok.Kind != TokOr {
			return left, nil
		}
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = Alloc(p.arena, span(left, p.lastEnd), &Binary{Op: OpOr, Left: left, Right: right})
	}
}

// parseAnd: not { AND not }
func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		tok, err := p.peek()
		if err != nil {
			return nil, err
		}
		if tok.Kind != TokAnd {
			return left, nil
		}
		p.advance()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = Alloc(p.arena, span(left, p.lastEnd), &Binary{Op: OpAnd, Left: left, Right: right})
	}
}

// parseNot: NOT not | cmp
func (p *parser) parseNot() (Node, error) {
	tok, err := p.peek()
	if err != nil {
		return nil, err
	}
	if tok.Kind != TokNot {
		return p.parseCmp()
	}
	p.advance()
	operand, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	return Alloc(p.arena, Position{tok.Pos, p.lastEnd}, &Unary{Op: OpNot, Operand: operand}), nil
}

var comparisonOps = map[TokenKind]string{
	TokEq:  OpEq,
	TokNeq: OpNeq,
	TokLt:  OpLt,
	TokLte: OpLte,
	TokGt:  OpGt,
	TokGte: OpGte,
}

// parseCmp: add [ cmpop add | [NOT] IN (...) | [NOT] BETWEEN add AND add
// | [NOT] LIKE add | IS [NOT] (NULL | TRUE | FALSE) ]
func (p *parser) parseCmp() (Node, error) {
	left, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	tok, err := p.peek()
	if err != nil {
		return nil, err
	}

	if op, ok := comparisonOps[tok.Kind]; ok {
		p.advance()
		right, err := p.parseAdd()
		if err != nil {
			return nil, err
		}
		return Alloc(p.arena, span(left, p.lastEnd), &Binary{Op: op, Left: left, Right: right}), nil
	}

	negated := false
	if tok.Kind == TokNot {
		p.advance()
		negated = true
		tok, err = p.peek()
		if err != nil {
			return nil, err
		}
		if tok.Kind != TokIn && tok.Kind != TokBetween && tok.Kind != TokLike {
			return nil, p.errorf(tok, "expected IN, BETWEEN or LIKE after NOT, got %s", tok.Kind)
		}
	}

	switch tok.Kind {
	case TokIn:
		p.advance()
		if _, err := p.expect(TokLParen); err != nil {
			return nil, err
		}
		items, err := p.parseExprList(TokRParen)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokRParen); err != nil {
			return nil, err
		}
		return Alloc(p.arena, span(left, p.lastEnd), &In{Expr: left, Items: items, Not: negated}), nil

	case TokBetween:
		p.advance()
		low, err := p.parseAdd()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokAnd); err != nil {
			return nil, err
		}
		high, err := p.parseAdd()
		if err != nil {
			return nil, err
		}
		return Alloc(p.arena, span(left, p.lastEnd), &Between{Expr: left, Low: low, High: high, Not: negated}), nil

	case TokLike:
		p.advance()
		right, err := p.parseAdd()
		if err != nil {
			return nil, err
		}
		op := OpLike
		if negated {
			op = OpNotLike
		}
		return Alloc(p.arena, span(left, p.lastEnd), &Binary{Op: op, Left: left, Right: right}), nil

	case TokIs:
		p.advance()
		not := false
		next, err := p.peek()
		if err != nil {
			return nil, err
		}
		if next.Kind == TokNot {
			p.advance()
			not = true
			if next, err = p.peek(); err != nil {
				return nil, err
			}
		}
		var op string
		switch next.Kind {
		case TokNull:
			op = pick(not, OpIsNotNull, OpIsNull)
		case TokTrue:
			op = pick(not, OpIsNotTrue, OpIsTrue)
		case TokFalse:
			op = pick(not, OpIsNotFalse, OpIsFalse)
		default:
			return nil, p.errorf(next, "expected NULL, TRUE or FALSE after IS, got %s", next.Kind)
		}
		p.advance()
		return Alloc(p.arena, span(left, p.lastEnd), &Unary{Op: op, Operand: left}), nil
	}

	return left, nil
}

func pick(cond bool, yes, no string) string {
	if cond {
		return yes
	}
	return no
}

// parseAdd: mul { ("+" | "-") mul }
func (p *parser) parseAdd() (Node, error) {
	left, err := p.parseMul()
	if err != nil {
		return nil, err
	}
	for {
		tok, err := p.peek()
		if err != nil {
			return nil, err
		}
		if tok.Kind != TokPlus && tok.Kind != TokMinus {
			return left, nil
		}
		p.advance()
		right, err := p.parseMul()
		if err != nil {
			return nil, err
		}
		left = Alloc(p.arena, span(left, p.lastEnd), &Binary{Op: tok.Lit, Left: left, Right: right})
	}
}

// parseMul: unary { ("*" | "/" | "%") unary }
func (p *parser) parseMul() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		tok, err := p.peek()
		if err != nil {
			return nil, err
		}
		if tok.Kind != TokStar && tok.Kind != TokSlash && tok.Kind != TokPercent {
			return left, nil
		}
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = Alloc(p.arena, span(left, p.lastEnd), &Binary{Op: tok.Lit, Left: left, Right: right})
	}
}

// parseUnary: "-" unary | primary. A minus directly before a number folds
// into a negative literal.
func (p *parser) parseUnary() (Node, error) {
	tok, err := p.peek()
	if err != nil {
		return nil, err
	}
	if tok.Kind != TokMinus {
		return p.parsePrimary()
	}
	p.advance()

	next, err := p.peek()
	if err != nil {
		return nil, err
	}
	if next.Kind == TokNumber {
		p.advance()
		lit, err := p.number(next, true)
		if err != nil {
			return nil, err
		}
		return Alloc(p.arena, Position{tok.Pos, next.End}, lit), nil
	}

	operand, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return Alloc(p.arena, Position{tok.Pos, p.lastEnd}, &Unary{Op: OpNeg, Operand: operand}), nil
}

func (p *parser) parsePrimary() (Node, error) {
	tok, err := p.peek()
	if err != nil {
		return nil, err
	}
	pos := Position{tok.Pos, tok.End}

	switch tok.Kind {
	case TokNumber:
		p.advance()
		lit, err := p.number(tok, false)
		if err != nil {
			return nil, err
		}
		return Alloc(p.arena, pos, lit), nil

	case TokString:
		p.advance()
		return Alloc(p.arena, pos, &Literal{Kind: LitString, Value: tok.Lit}), nil

	case TokTrue, TokFalse:
		p.advance()
		return Alloc(p.arena, pos, &Literal{Kind: LitBoolean, Value: tok.Kind == TokTrue}), nil

	case TokNull:
		p.advance()
		return Alloc(p.arena, pos, &Literal{Kind: LitNull}), nil

	case TokDate:
		p.advance()
		lit, err := p.date(tok)
		if err != nil {
			return nil, err
		}
		return Alloc(p.arena, pos, lit), nil

	case TokField:
		p.advance()
		return Alloc(p.arena, pos, &Field{Name: tok.Lit}), nil

	case TokLParen:
		p.advance()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokRParen); err != nil {
			return nil, err
		}
		return Alloc(p.arena, Position{tok.Pos, p.lastEnd}, &Paren{Expr: inner}), nil

	case TokIf:
		return p.parseIf()

	case TokCase:
		return p.parseCase()

	case TokIdent:
		return p.parseCall()

	case TokEOF:
		return nil, p.errorf(tok, "unexpected end of formula")

	default:
		return nil, p.errorf(tok, "unexpected %s", tok.Kind)
	}
}

func (p *parser) number(tok Token, negative bool) (*Literal, error) {
	text := tok.Lit
	if negative {
		text = "-" + text
	}
	if !strings.ContainsAny(text, ".eE") {
		if v, err := strconv.ParseInt(text, 10, 64); err == nil {
			return &Literal{Kind: LitInteger, Value: v}, nil
		}
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return nil, p.errorf(tok, "invalid number %q", tok.Lit)
	}
	return &Literal{Kind: LitFloat, Value: v}, nil
}

func (p *parser) date(tok Token) (*Literal, error) {
	text := strings.TrimSpace(tok.Lit)
	if t, err := time.Parse(dateLayout, text); err == nil {
		return &Literal{Kind: LitDate, Value: t}, nil
	}
	for _, layout := range []string{datetimeLayout, "2006-01-02T15:04:05", "2006-01-02 15:04"} {
		if t, err := time.Parse(layout, text); err == nil {
			return &Literal{Kind: LitDatetime, Value: t}, nil
		}
	}
	return nil, p.errorf(tok, "invalid date literal %q", tok.Lit)
}

// parseIf: IF cond THEN v { ELSEIF cond THEN v } [ ELSE v ] END
func (p *parser) parseIf() (Node, error) {
	start := p.advance()
	n := &If{}
	for {
		cond, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokThen); err != nil {
			return nil, err
		}
		then, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		n.Conds = append(n.Conds, cond)
		n.Thens = append(n.Thens, then)

		tok, err := p.peek()
		if err != nil {
			return nil, err
		}
		if tok.Kind == TokElseIf {
			p.advance()
			continue
		}
		if tok.Kind == TokElse {
			p.advance()
			if n.Else, err = p.parseExpr(); err != nil {
				return nil, err
			}
		}
		break
	}
	if _, err := p.expect(TokEnd); err != nil {
		return nil, err
	}
	return Alloc(p.arena, Position{start.Pos, p.lastEnd}, n), nil
}

// parseCase: CASE expr WHEN v THEN r { WHEN v THEN r } [ ELSE r ] END
func (p *parser) parseCase() (Node, error) {
	start := p.advance()
	subject, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	n := &Case{Expr: subject}
	for {
		tok, err := p.peek()
		if err != nil {
			return nil, err
		}
		if tok.Kind != TokWhen {
			break
		}
		p.advance()
		when, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokThen); err != nil {
			return nil, err
		}
		then, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		n.Whens = append(n.Whens, when)
		n.Thens = append(n.Thens, then)
	}
	if len(n.Whens) == 0 {
		tok, _ := p.peek()
		return nil, p.errorf(tok, "CASE requires at least one WHEN")
	}
	tok, err := p.peek()
	if err != nil {
		return nil, err
	}
	if tok.Kind == TokElse {
		p.advance()
		if n.Else, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(TokEnd); err != nil {
		return nil, err
	}
	return Alloc(p.arena, Position{start.Pos, p.lastEnd}, n), nil
}

// parseExprList parses comma separated expressions until the closing token,
// which is left unconsumed.
func (p *parser) parseExprList(closing TokenKind) ([]Node, error) {
	var items []Node
	tok, err := p.peek()
	if err != nil {
		return nil, err
	}
	if tok.Kind == closing {
		return nil, nil
	}
	for {
		item, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		tok, err := p.peek()
		if err != nil {
			return nil, err
		}
		if tok.Kind != TokComma {
			return items, nil
		}
		p.advance()
	}
}

func isClauseStart(k TokenKind) bool {
	switch k {
	case TokTotal, TokWithin, TokAmong, TokOrder, TokBefore, TokIgnore, TokInclude, TokExclude, TokFixed:
		return true
	}
	return false
}

// callClauses collects the optional clauses of one call before allocation.
type callClauses struct {
	set      capability.Clause
	grouping *WindowGrouping
	ordering *Ordering
	bfb      *BeforeFilterBy
	ignore   *IgnoreDimensions
	lod      *LOD
	bfbPos   Position
}

// parseCall: ident "(" [ expr { "," expr } ] { clause } ")"
func (p *parser) parseCall() (Node, error) {
	nameTok := p.advance()
	if _, err := p.expect(TokLParen); err != nil {
		return nil, err
	}

	var args []Node
	tok, err := p.peek()
	if err != nil {
		return nil, err
	}
	if tok.Kind != TokRParen && !isClauseStart(tok.Kind) {
		for {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			tok, err = p.peek()
			if err != nil {
				return nil, err
			}
			if tok.Kind != TokComma {
				break
			}
			p.advance()
		}
	}

	var cl callClauses
	for {
		tok, err := p.peek()
		if err != nil {
			return nil, err
		}
		if !isClauseStart(tok.Kind) {
			break
		}
		if err := p.parseClause(&cl); err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(TokRParen); err != nil {
		return nil, err
	}

	pos := Position{nameTok.Pos, p.lastEnd}
	name := strings.ToUpper(nameTok.Lit)
	res, err := p.caps.ResolveFunctionCapabilities(name, len(args), cl.set)
	if err != nil {
		var clauseErr *capability.ParseClauseError
		if errors.As(err, &clauseErr) {
			clauseErr.Start, clauseErr.End = pos.Start, pos.End
		}
		return nil, err
	}

	bfbFields := []string(nil)
	if cl.bfb != nil {
		bfbFields = cl.bfb.Fields
	}
	if res.Known && res.Descriptor.ImplicitBFBArg >= 0 && res.Descriptor.ImplicitBFBArg < len(args) {
		if f, ok := args[res.Descriptor.ImplicitBFBArg].(*Field); ok && !containsFold(bfbFields, f.Name) {
			bfbFields = append(append([]string(nil), bfbFields...), f.Name)
			if cl.bfb == nil {
				cl.bfbPos = f.Pos()
			}
		}
	}
	if bfbFields != nil {
		cl.bfb = Alloc(p.arena, cl.bfbPos, &BeforeFilterBy{Fields: bfbFields})
	}

	return Alloc(p.arena, pos, &Call{
		Name:      name,
		Args:      args,
		Window:    res.IsWindow,
		Aggregate: res.IsAggregate,
		Lookup:    res.Descriptor.Lookup,
		Grouping:  cl.grouping,
		Ordering:  cl.ordering,
		BFB:       cl.bfb,
		Ignore:    cl.ignore,
		LOD:       cl.lod,
	}), nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func (p *parser) parseClause(cl *callClauses) error {
	tok := p.advance()
	dup := func(c capability.Clause) error {
		if cl.set&c != 0 {
			return p.errorf(tok, "duplicate %s clause", c)
		}
		cl.set |= c
		return nil
	}

	switch tok.Kind {
	case TokTotal, TokWithin, TokAmong:
		if err := dup(capability.ClauseGrouping); err != nil {
			return err
		}
		g := &WindowGrouping{Kind: GroupingTotal}
		if tok.Kind != TokTotal {
			g.Kind = GroupingWithin
			if tok.Kind == TokAmong {
				g.Kind = GroupingAmong
			}
			dims, err := p.parseDims(tok, true)
			if err != nil {
				return err
			}
			g.Dims = dims
		}
		cl.grouping = Alloc(p.arena, Position{tok.Pos, p.lastEnd}, g)

	case TokOrder:
		if err := dup(capability.ClauseOrdering); err != nil {
			return err
		}
		if _, err := p.expect(TokBy); err != nil {
			return err
		}
		ord := &Ordering{}
		for {
			expr, err := p.parseExpr()
			if err != nil {
				return err
			}
			desc := false
			next, err := p.peek()
			if err != nil {
				return err
			}
			if next.Kind == TokAsc || next.Kind == TokDesc {
				p.advance()
				desc = next.Kind == TokDesc
			}
			ord.Items = append(ord.Items, Alloc(p.arena, span(expr, p.lastEnd), &OrderItem{Expr: expr, Desc: desc}))
			if next, err = p.peek(); err != nil {
				return err
			}
			if next.Kind != TokComma {
				break
			}
			p.advance()
		}
		cl.ordering = Alloc(p.arena, Position{tok.Pos, p.lastEnd}, ord)

	case TokBefore:
		if err := dup(capability.ClauseBFB); err != nil {
			return err
		}
		if _, err := p.expect(TokFilter); err != nil {
			return err
		}
		if _, err := p.expect(TokBy); err != nil {
			return err
		}
		fields, err := p.parseFieldNames()
		if err != nil {
			return err
		}
		cl.bfbPos = Position{tok.Pos, p.lastEnd}
		cl.bfb = &BeforeFilterBy{Fields: fields}

	case TokIgnore:
		if err := dup(capability.ClauseIgnoreDims); err != nil {
			return err
		}
		if _, err := p.expect(TokDimensions); err != nil {
			return err
		}
		fields, err := p.parseFieldNames()
		if err != nil {
			return err
		}
		cl.ignore = Alloc(p.arena, Position{tok.Pos, p.lastEnd}, &IgnoreDimensions{Fields: fields})

	case TokInclude, TokExclude, TokFixed:
		if err := dup(capability.ClauseLOD); err != nil {
			return err
		}
		lod := &LOD{Kind: LODFixed}
		switch tok.Kind {
		case TokInclude:
			lod.Kind = LODInclude
		case TokExclude:
			lod.Kind = LODExclude
		}
		dims, err := p.parseDims(tok, tok.Kind != TokFixed)
		if err != nil {
			return err
		}
		lod.Dims = dims
		cl.lod = Alloc(p.arena, Position{tok.Pos, p.lastEnd}, lod)
	}
	return nil
}

// parseDims parses a comma separated dimension list after a clause keyword.
func (p *parser) parseDims(clause Token, required bool) ([]Node, error) {
	tok, err := p.peek()
	if err != nil {
		return nil, err
	}
	if tok.Kind == TokRParen || isClauseStart(tok.Kind) {
		if required {
			return nil, p.errorf(clause, "%s requires at least one dimension", clause.Kind)
		}
		return nil, nil
	}
	var dims []Node
	for {
		dim, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		dims = append(dims, dim)
		tok, err := p.peek()
		if err != nil {
			return nil, err
		}
		if tok.Kind != TokComma {
			return dims, nil
		}
		p.advance()
	}
}

func (p *parser) parseFieldNames() ([]string, error) {
	var names []string
	for {
		tok, err := p.expect(TokField)
		if err != nil {
			return nil, err
		}
		names = append(names, tok.Lit)
		next, err := p.peek()
		if err != nil {
			return nil, err
		}
		if next.Kind != TokComma {
			return names, nil
		}
		p.advance()
	}
}
