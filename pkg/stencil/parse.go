package stencil

import "fmt"

type parser struct {
	path string
	toks []token
	pos  int
}

func newParser(path string, toks []token) *parser {
	return &parser{path: path, toks: toks}
}

func (p *parser) peek() token {
	if p.pos >= len(p.toks) {
		return token{kind: tEOF, line: p.lastLine()}
	}
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) lastLine() int {
	if len(p.toks) == 0 {
		return 1
	}
	return p.toks[len(p.toks)-1].line
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return &SyntaxError{Path: p.path, Line: t.line, Msg: fmt.Sprintf(format, args...)}
}

// acceptOp consumes the next token when it is the given operator
func (p *parser) acceptOp(op string) bool {
	t := p.peek()
	if t.kind == tOp && t.lit == op {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectOp(op string) error {
	t := p.peek()
	if t.kind != tOp || t.lit != op {
		return p.errorf(t, "expected %q, found %s", op, t)
	}
	p.pos++
	return nil
}

// peekIdent reports whether the next token is the given keyword
func (p *parser) peekIdent(name string) bool {
	t := p.peek()
	return t.kind == tIdent && t.lit == name
}

func (p *parser) skipSemis() {
	for p.peek().kind == tSemi {
		p.pos++
	}
}

func (p *parser) parseProgram() ([]Stmt, error) {
	var stmts []Stmt
	for {
		p.skipSemis()
		if p.peek().kind == tEOF {
			return stmts, nil
		}
		s, err := p.parseStmt()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, s)
	}
}

// parseBlock parses statements up to the closing brace
func (p *parser) parseBlock() ([]Stmt, error) {
	if err := p.expectOp("{"); err != nil {
		return nil, err
	}
	var stmts []Stmt
	for {
		p.skipSemis()
		t := p.peek()
		if t.kind == tOp && t.lit == "}" {
			p.pos++
			return stmts, nil
		}
		if t.kind == tEOF {
			return nil, p.errorf(t, "unclosed block")
		}
		s, err := p.parseStmt()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, s)
	}
}

func (p *parser) parseStmt() (Stmt, error) {
	switch {
	case p.peekIdent("var"):
		return p.parseVar()
	case p.peekIdent("if"):
		return p.parseIf()
	case p.peekIdent("for"):
		return p.parseFor()
	}

	line := p.peek().line
	x, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.acceptOp("=") {
		switch x.(type) {
		case *Ident, *Index, *Dot:
		default:
			return nil, p.errorf(p.peek(), "cannot assign to this expression")
		}
		v, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &AssignStmt{Target: x, Value: v, Line: line}, nil
	}
	return &ExprStmt{X: x, Line: line}, nil
}

func (p *parser) parseVar() (Stmt, error) {
	kw := p.next() // var
	name := p.next()
	if name.kind != tIdent {
		return nil, p.errorf(name, "expected variable name, found %s", name)
	}
	if err := p.expectOp("="); err != nil {
		return nil, err
	}
	v, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return &VarStmt{Name: name.lit, Value: v, Line: kw.line}, nil
}

func (p *parser) parseIf() (Stmt, error) {
	kw := p.next() // if
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	then, err := p.parseBlock()
	if err != nil {
		return nil, err
	}

	stmt := &IfStmt{Cond: cond, Then: then, Line: kw.line}

	p.skipSemis()
	if p.peekIdent("else") {
		p.pos++
		if p.peekIdent("if") {
			nested, err := p.parseIf()
			if err != nil {
				return nil, err
			}
			stmt.Else = []Stmt{nested}
		} else {
			stmt.Else, err = p.parseBlock()
			if err != nil {
				return nil, err
			}
		}
	}
	return stmt, nil
}

func (p *parser) parseFor() (Stmt, error) {
	kw := p.next() // for
	first := p.next()
	if first.kind != tIdent {
		return nil, p.errorf(first, "expected loop variable, found %s", first)
	}

	key, val := "", first.lit
	if p.acceptOp(",") {
		second := p.next()
		if second.kind != tIdent {
			return nil, p.errorf(second, "expected loop variable, found %s", second)
		}
		key, val = first.lit, second.lit
	}

	if !p.peekIdent("in") {
		return nil, p.errorf(p.peek(), "expected \"in\", found %s", p.peek())
	}
	p.pos++

	seq, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	return &ForStmt{Key: key, Val: val, Seq: seq, Body: body, Line: kw.line}, nil
}

// binary operator precedence, higher binds tighter
var precedence = map[string]int{
	"||": 1,
	"&&": 2,
	"==": 3, "!=": 3,
	"<": 4, "<=": 4, ">": 4, ">=": 4,
	"+": 5, "-": 5,
	"*": 6, "/": 6, "%": 6,
}

func (p *parser) parseExpr() (Expr, error) {
	return p.parseBinary(1)
}

func (p *parser) parseBinary(minPrec int) (Expr, error) {
	x, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tOp {
			return x, nil
		}
		prec, ok := precedence[t.lit]
		if !ok || prec < minPrec {
			return x, nil
		}
		p.pos++
		y, err := p.parseBinary(prec + 1)
		if err != nil {
			return nil, err
		}
		x = &Binary{Op: t.lit, X: x, Y: y, Line: t.line}
	}
}

func (p *parser) parseUnary() (Expr, error) {
	t := p.peek()
	if t.kind == tOp && (t.lit == "!" || t.lit == "-") {
		p.pos++
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: t.lit, X: x, Line: t.line}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (Expr, error) {
	x, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tOp {
			return x, nil
		}
		switch t.lit {
		case "(":
			p.pos++
			var args []Expr
			if !p.acceptOp(")") {
				for {
					a, err := p.parseExpr()
					if err != nil {
						return nil, err
					}
					args = append(args, a)
					if p.acceptOp(",") {
						continue
					}
					if err := p.expectOp(")"); err != nil {
						return nil, err
					}
					break
				}
			}
			x = &Call{Fn: x, Args: args, Line: t.line}

		case "[":
			p.pos++
			key, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp("]"); err != nil {
				return nil, err
			}
			x = &Index{X: x, Key: key, Line: t.line}

		case ".":
			p.pos++
			name := p.next()
			if name.kind != tIdent {
				return nil, p.errorf(name, "expected field name, found %s", name)
			}
			x = &Dot{X: x, Name: name.lit, Line: t.line}

		default:
			return x, nil
		}
	}
}

func (p *parser) parsePrimary() (Expr, error) {
	t := p.next()
	switch t.kind {
	case tNumber:
		return &Lit{Value: t.num, Line: t.line}, nil

	case tString:
		return &Lit{Value: t.lit, Line: t.line}, nil

	case tIdent:
		switch t.lit {
		case "true":
			return &Lit{Value: true, Line: t.line}, nil
		case "false":
			return &Lit{Value: false, Line: t.line}, nil
		case "null":
			return &Lit{Value: nil, Line: t.line}, nil
		}
		return &Ident{Name: t.lit, Line: t.line}, nil

	case tOp:
		switch t.lit {
		case "(":
			x, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			return x, nil

		case "[":
			var elems []Expr
			if !p.acceptOp("]") {
				for {
					e, err := p.parseExpr()
					if err != nil {
						return nil, err
					}
					elems = append(elems, e)
					if p.acceptOp(",") {
						continue
					}
					if err := p.expectOp("]"); err != nil {
						return nil, err
					}
					break
				}
			}
			return &ListLit{Elems: elems, Line: t.line}, nil
		}
	}
	return nil, p.errorf(t, "unexpected %s", t)
}
