package relic

import (
	"fmt"
	"strconv"
	"strings"
)

// The predicate grammar accepted by WhereExpr:
//
//	expr       := or
//	or         := and { OR and }
//	and        := unary { AND unary }
//	unary      := NOT unary | "(" expr ")" | comparison
//	comparison := operand cmpOp operand
//	           | operand [NOT] LIKE operand
//	           | operand [NOT] IN "(" operand {"," operand} ")"
//	           | operand IS [NOT] NULL
//	cmpOp      := "=" | "==" | "!=" | "<>" | "<" | "<=" | ">" | ">="
//	operand    := identifier ["." identifier] | literal | "?"
//	literal    := number | 'string' | TRUE | FALSE | NULL
//
// Keywords are case-insensitive; "&&", "||" and "!" are accepted for the
// connectives. Identifiers render quoted, literals and "?" bindings render
// as bound parameters, so no operand text ever reaches the SQL string.

type exprTokenKind int

const (
	tokEOF exprTokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp     // = == != <> < <= > >=
	tokLParen
	tokRParen
	tokComma
	tokBind    // ?
	tokKeyword // AND OR NOT IN LIKE IS NULL TRUE FALSE
)

type exprToken struct {
	kind exprTokenKind
	text string
	pos  int
}

type exprLexer struct {
	input string
	pos   int
}

var exprKeywords = map[string]string{
	"AND": "AND", "OR": "OR", "NOT": "NOT", "IN": "IN",
	"LIKE": "LIKE", "IS": "IS", "NULL": "NULL",
	"TRUE": "TRUE", "FALSE": "FALSE",
}

func (lx *exprLexer) next() (exprToken, error) {
	for lx.pos < len(lx.input) && isSpace(lx.input[lx.pos]) {
		lx.pos++
	}
	start := lx.pos
	if lx.pos >= len(lx.input) {
		return exprToken{kind: tokEOF, pos: start}, nil
	}

	c := lx.input[lx.pos]
	switch {
	case c == '(':
		lx.pos++
		return exprToken{kind: tokLParen, text: "(", pos: start}, nil
	case c == ')':
		lx.pos++
		return exprToken{kind: tokRParen, text: ")", pos: start}, nil
	case c == ',':
		lx.pos++
		return exprToken{kind: tokComma, text: ",", pos: start}, nil
	case c == '?':
		lx.pos++
		return exprToken{kind: tokBind, text: "?", pos: start}, nil
	case c == '\'':
		return lx.stringLiteral()
	case c >= '0' && c <= '9':
		return lx.number()
	case isIdentStart(c):
		return lx.word()
	}

	for _, op := range []string{"==", "!=", "<>", "<=", ">=", "&&", "||", "=", "<", ">", "!"} {
		if strings.HasPrefix(lx.input[lx.pos:], op) {
			lx.pos += len(op)
			switch op {
			case "&&":
				return exprToken{kind: tokKeyword, text: "AND", pos: start}, nil
			case "||":
				return exprToken{kind: tokKeyword, text: "OR", pos: start}, nil
			case "!":
				return exprToken{kind: tokKeyword, text: "NOT", pos: start}, nil
			case "==":
				op = "="
			case "!=":
				op = "<>"
			}
			return exprToken{kind: tokOp, text: op, pos: start}, nil
		}
	}
	return exprToken{}, fmt.Errorf("relic: unexpected character %q at offset %d", c, start)
}

// stringLiteral scans a single-quoted literal; '' escapes an embedded quote.
func (lx *exprLexer) stringLiteral() (exprToken, error) {
	start := lx.pos
	lx.pos++
	var sb strings.Builder
	for lx.pos < len(lx.input) {
		c := lx.input[lx.pos]
		if c == '\'' {
			if lx.pos+1 < len(lx.input) && lx.input[lx.pos+1] == '\'' {
				sb.WriteByte('\'')
				lx.pos += 2
				continue
			}
			lx.pos++
			return exprToken{kind: tokString, text: sb.String(), pos: start}, nil
		}
		sb.WriteByte(c)
		lx.pos++
	}
	return exprToken{}, fmt.Errorf("relic: unterminated string literal at offset %d", start)
}

func (lx *exprLexer) number() (exprToken, error) {
	start := lx.pos
	for lx.pos < len(lx.input) && (lx.input[lx.pos] >= '0' && lx.input[lx.pos] <= '9' || lx.input[lx.pos] == '.') {
		lx.pos++
	}
	return exprToken{kind: tokNumber, text: lx.input[start:lx.pos], pos: start}, nil
}

func (lx *exprLexer) word() (exprToken, error) {
	start := lx.pos
	for lx.pos < len(lx.input) && isIdentPart(lx.input[lx.pos]) {
		lx.pos++
	}
	text := lx.input[start:lx.pos]
	if kw, ok := exprKeywords[strings.ToUpper(text)]; ok {
		return exprToken{kind: tokKeyword, text: kw, pos: start}, nil
	}
	// dotted column reference
	if lx.pos < len(lx.input) && lx.input[lx.pos] == '.' && lx.pos+1 < len(lx.input) && isIdentStart(lx.input[lx.pos+1]) {
		lx.pos++
		for lx.pos < len(lx.input) && isIdentPart(lx.input[lx.pos]) {
			lx.pos++
		}
		text = lx.input[start:lx.pos]
	}
	return exprToken{kind: tokIdent, text: text, pos: start}, nil
}

func isSpace(c byte) bool      { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }
func isIdentStart(c byte) bool { return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' }
func isIdentPart(c byte) bool  { return isIdentStart(c) || c >= '0' && c <= '9' }

// predNode is a compiled predicate AST node.
type predNode interface {
	compile(c *exprCompiler) string
}

// operand is a leaf: a column reference, a literal, or a caller binding.
type operand struct {
	column  string // dotted reference when set
	literal any
	bind    bool
}

type logicalNode struct {
	op          string // AND, OR
	left, right predNode
}

type notNode struct {
	operand predNode
}

type compareNode struct {
	left  operand
	op    string // = <> < <= > >= LIKE, NOT LIKE
	right operand
}

type nullNode struct {
	operand operand
	negate  bool
}

type inNode struct {
	operand operand
	items   []operand
	negate  bool
}

type exprCompiler struct {
	args []any
}

func (c *exprCompiler) place(v any) string {
	c.args = append(c.args, v)
	return "{" + strconv.Itoa(len(c.args)-1) + "}"
}

func (c *exprCompiler) renderOperand(o operand) string {
	if o.column != "" {
		if table, col, ok := strings.Cut(o.column, "."); ok {
			return c.place(C(table, col))
		}
		return c.place(I(o.column))
	}
	return c.place(o.literal)
}

func (n *logicalNode) compile(c *exprCompiler) string {
	return "(" + n.left.compile(c) + " " + n.op + " " + n.right.compile(c) + ")"
}

func (n *notNode) compile(c *exprCompiler) string {
	return "NOT (" + n.operand.compile(c) + ")"
}

func (n *compareNode) compile(c *exprCompiler) string {
	return c.renderOperand(n.left) + " " + n.op + " " + c.renderOperand(n.right)
}

func (n *nullNode) compile(c *exprCompiler) string {
	if n.negate {
		return c.renderOperand(n.operand) + " IS NOT NULL"
	}
	return c.renderOperand(n.operand) + " IS NULL"
}

func (n *inNode) compile(c *exprCompiler) string {
	// the operand renders first so placement follows source order
	left := c.renderOperand(n.operand)
	items := make([]string, len(n.items))
	for i, it := range n.items {
		items[i] = c.renderOperand(it)
	}
	op := "IN"
	if n.negate {
		op = "NOT IN"
	}
	return left + " " + op + " (" + strings.Join(items, ", ") + ")"
}

type exprParser struct {
	lexer *exprLexer
	tok   exprToken
	args  []any
	used  int
}

// parsePredicate compiles a predicate expression into a builder fragment
// plus the substitution values it references. Caller args bind to "?"
// markers in order.
func parsePredicate(expr string, args []any) (string, []any, error) {
	p := &exprParser{lexer: &exprLexer{input: expr}, args: args}
	if err := p.advance(); err != nil {
		return "", nil, err
	}
	node, err := p.parseOr()
	if err != nil {
		return "", nil, err
	}
	if p.tok.kind != tokEOF {
		return "", nil, fmt.Errorf("relic: unexpected %q at offset %d", p.tok.text, p.tok.pos)
	}
	if p.used < len(p.args) {
		return "", nil, fmt.Errorf("relic: %d binding(s) supplied, %d used", len(p.args), p.used)
	}
	c := &exprCompiler{}
	fragment := node.compile(c)
	return fragment, c.args, nil
}

func (p *exprParser) advance() error {
	tok, err := p.lexer.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *exprParser) accept(kind exprTokenKind, text string) (bool, error) {
	if p.tok.kind != kind || (text != "" && p.tok.text != text) {
		return false, nil
	}
	return true, p.advance()
}

func (p *exprParser) parseOr() (predNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		ok, err := p.accept(tokKeyword, "OR")
		if err != nil {
			return nil, err
		}
		if !ok {
			return left, nil
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "OR", left: left, right: right}
	}
}

func (p *exprParser) parseAnd() (predNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		ok, err := p.accept(tokKeyword, "AND")
		if err != nil {
			return nil, err
		}
		if !ok {
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "AND", left: left, right: right}
	}
}

func (p *exprParser) parseUnary() (predNode, error) {
	if ok, err := p.accept(tokKeyword, "NOT"); err != nil {
		return nil, err
	} else if ok {
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{operand: inner}, nil
	}
	if ok, err := p.accept(tokLParen, ""); err != nil {
		return nil, err
	} else if ok {
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if ok, err := p.accept(tokRParen, ""); err != nil {
			return nil, err
		} else if !ok {
			return nil, fmt.Errorf("relic: expected ) at offset %d", p.tok.pos)
		}
		return inner, nil
	}
	return p.parseComparison()
}

func (p *exprParser) parseComparison() (predNode, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	negate := false
	if ok, err := p.accept(tokKeyword, "NOT"); err != nil {
		return nil, err
	} else if ok {
		negate = true
	}

	switch {
	case p.tok.kind == tokOp && !negate:
		op := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return &compareNode{left: left, op: op, right: right}, nil

	case p.tok.kind == tokKeyword && p.tok.text == "LIKE":
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		op := "LIKE"
		if negate {
			op = "NOT LIKE"
		}
		return &compareNode{left: left, op: op, right: right}, nil

	case p.tok.kind == tokKeyword && p.tok.text == "IN":
		if err := p.advance(); err != nil {
			return nil, err
		}
		items, err := p.parseList()
		if err != nil {
			return nil, err
		}
		return &inNode{operand: left, items: items, negate: negate}, nil

	case p.tok.kind == tokKeyword && p.tok.text == "IS" && !negate:
		if err := p.advance(); err != nil {
			return nil, err
		}
		isNot, err := p.accept(tokKeyword, "NOT")
		if err != nil {
			return nil, err
		}
		if ok, err := p.accept(tokKeyword, "NULL"); err != nil {
			return nil, err
		} else if !ok {
			return nil, fmt.Errorf("relic: expected NULL at offset %d", p.tok.pos)
		}
		return &nullNode{operand: left, negate: isNot}, nil
	}
	return nil, fmt.Errorf("relic: expected comparison operator at offset %d", p.tok.pos)
}

func (p *exprParser) parseList() ([]operand, error) {
	if ok, err := p.accept(tokLParen, ""); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("relic: expected ( at offset %d", p.tok.pos)
	}
	var items []operand
	for {
		item, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		if ok, err := p.accept(tokComma, ""); err != nil {
			return nil, err
		} else if ok {
			continue
		}
		break
	}
	if ok, err := p.accept(tokRParen, ""); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("relic: expected ) at offset %d", p.tok.pos)
	}
	return items, nil
}

func (p *exprParser) parseOperand() (operand, error) {
	tok := p.tok
	switch tok.kind {
	case tokIdent:
		if err := p.advance(); err != nil {
			return operand{}, err
		}
		return operand{column: tok.text}, nil
	case tokString:
		if err := p.advance(); err != nil {
			return operand{}, err
		}
		return operand{literal: tok.text}, nil
	case tokNumber:
		if err := p.advance(); err != nil {
			return operand{}, err
		}
		if strings.Contains(tok.text, ".") {
			f, err := strconv.ParseFloat(tok.text, 64)
			if err != nil {
				return operand{}, fmt.Errorf("relic: bad number %q at offset %d", tok.text, tok.pos)
			}
			return operand{literal: f}, nil
		}
		n, err := strconv.ParseInt(tok.text, 10, 64)
		if err != nil {
			return operand{}, fmt.Errorf("relic: bad number %q at offset %d", tok.text, tok.pos)
		}
		return operand{literal: n}, nil
	case tokBind:
		if err := p.advance(); err != nil {
			return operand{}, err
		}
		if p.used >= len(p.args) {
			return operand{}, fmt.Errorf("relic: binding at offset %d has no supplied value", tok.pos)
		}
		v := p.args[p.used]
		p.used++
		return operand{literal: v, bind: true}, nil
	case tokKeyword:
		switch tok.text {
		case "TRUE":
			return operand{literal: true}, p.advance()
		case "FALSE":
			return operand{literal: false}, p.advance()
		case "NULL":
			return operand{literal: nil}, p.advance()
		}
	}
	return operand{}, fmt.Errorf("relic: expected operand at offset %d", tok.pos)
}
