// Package stencil compiles templated page source into an executable
// Program and evaluates it against an injected environment.
//
// A template is literal text interspersed with tags:
//
//	<%  statements %>
//	<%= expression %>   writes the expression's value
//	<%@ directive  %>   page directive ("partial" marks the page
//	                    as not directly servable)
//
// The embedded language is a small statement/expression subset with
// var declarations, assignment, if/else, for-in loops, lists and the
// usual operators. It is evaluated by a tree-walking interpreter; the
// host language's own evaluation machinery is never involved, so a
// page can only reach what its environment exposes.
//
// Statements are newline- or semicolon-terminated.
package stencil

import "fmt"

// Program is the compiled, directly invocable form of a template.
type Program struct {
	// Path is the canonical file path the program was compiled from.
	Path string

	// Partial is true when the page carries the "partial" directive
	// and must only run as an include target.
	Partial bool

	stmts []Stmt
}

// Func is the type of callable values injected into an environment.
type Func func(args ...any) (any, error)

// SyntaxError reports a template that failed to lex or parse.
type SyntaxError struct {
	Path string
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Msg)
}

// RuntimeError reports a failure during program execution.
type RuntimeError struct {
	Path string
	Line int
	Msg  string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Msg)
}

// Compile lowers template source into a Program. The path is recorded
// for error reporting only; no filesystem access happens here.
func Compile(path, src string) (*Program, error) {
	segs, err := scanTemplate(path, src)
	if err != nil {
		return nil, err
	}

	partial := false
	var toks []token
	for _, seg := range segs {
		switch seg.kind {
		case segDirective:
			switch seg.text {
			case "partial":
				partial = true
			default:
				return nil, &SyntaxError{Path: path, Line: seg.line, Msg: fmt.Sprintf("unknown directive %q", seg.text)}
			}

		case segText:
			if seg.text == "" {
				continue
			}
			// Literal text lowers to a write call.
			toks = append(toks,
				token{kind: tIdent, lit: "write", line: seg.line},
				token{kind: tOp, lit: "(", line: seg.line},
				token{kind: tString, lit: seg.text, line: seg.line},
				token{kind: tOp, lit: ")", line: seg.line},
				token{kind: tSemi, line: seg.line},
			)

		case segExpr:
			code, err := lexCode(path, seg.text, seg.line)
			if err != nil {
				return nil, err
			}
			toks = append(toks,
				token{kind: tIdent, lit: "write", line: seg.line},
				token{kind: tOp, lit: "(", line: seg.line},
			)
			toks = append(toks, code...)
			toks = append(toks,
				token{kind: tOp, lit: ")", line: seg.line},
				token{kind: tSemi, line: seg.line},
			)

		case segCode:
			code, err := lexCode(path, seg.text, seg.line)
			if err != nil {
				return nil, err
			}
			toks = append(toks, code...)
			toks = append(toks, token{kind: tSemi, line: seg.line})
		}
	}

	p := newParser(path, toks)
	stmts, err := p.parseProgram()
	if err != nil {
		return nil, err
	}

	return &Program{Path: path, Partial: partial, stmts: stmts}, nil
}
