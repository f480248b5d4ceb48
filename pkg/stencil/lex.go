package stencil

import (
	"fmt"
	"strconv"
	"strings"
)

type segKind int

const (
	segText segKind = iota
	segCode
	segExpr
	segDirective
)

// segment is one slice of the raw template: literal text or the
// contents of a single tag.
type segment struct {
	kind segKind
	text string
	line int
}

// scanTemplate splits template source on tag delimiters. Lines are
// tracked so later errors point back into the original file.
func scanTemplate(path, src string) ([]segment, error) {
	var segs []segment
	line := 1
	for len(src) > 0 {
		open := strings.Index(src, "<%")
		if open < 0 {
			segs = append(segs, segment{kind: segText, text: src, line: line})
			break
		}
		if open > 0 {
			text := src[:open]
			segs = append(segs, segment{kind: segText, text: text, line: line})
			line += strings.Count(text, "\n")
			src = src[open:]
		}

		kind := segCode
		body := src[2:]
		switch {
		case strings.HasPrefix(body, "="):
			kind = segExpr
			body = body[1:]
		case strings.HasPrefix(body, "@"):
			kind = segDirective
			body = body[1:]
		}

		close := strings.Index(body, "%>")
		if close < 0 {
			return nil, &SyntaxError{Path: path, Line: line, Msg: "unterminated tag"}
		}

		text := body[:close]
		if kind == segDirective {
			text = strings.TrimSpace(text)
		}
		segs = append(segs, segment{kind: kind, text: text, line: line})
		line += strings.Count(text, "\n")
		src = body[close+2:]
	}
	return segs, nil
}

type tokKind int

const (
	tEOF tokKind = iota
	tSemi
	tIdent
	tNumber
	tString
	tOp
)

type token struct {
	kind tokKind
	lit  string
	num  float64
	line int
}

func (t token) String() string {
	switch t.kind {
	case tEOF:
		return "end of input"
	case tSemi:
		return "end of statement"
	case tString:
		return fmt.Sprintf("string %q", t.lit)
	default:
		return fmt.Sprintf("%q", t.lit)
	}
}

// two-character operators, checked before single characters
var doubleOps = []string{"==", "!=", "<=", ">=", "&&", "||"}

const singleOps = "+-*/%=<>!()[]{},.:"

// lexCode tokenizes the code inside one tag. Newlines become
// statement separators.
func lexCode(path, src string, line int) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == '\n':
			toks = append(toks, token{kind: tSemi, line: line})
			line++
			i++

		case c == ' ' || c == '\t' || c == '\r':
			i++

		case c == ';':
			toks = append(toks, token{kind: tSemi, line: line})
			i++

		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			for i < len(src) && src[i] != '\n' {
				i++
			}

		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			toks = append(toks, token{kind: tIdent, lit: src[start:i], line: line})

		case c >= '0' && c <= '9':
			start := i
			for i < len(src) && (src[i] >= '0' && src[i] <= '9' || src[i] == '.') {
				i++
			}
			num, err := strconv.ParseFloat(src[start:i], 64)
			if err != nil {
				return nil, &SyntaxError{Path: path, Line: line, Msg: fmt.Sprintf("bad number %q", src[start:i])}
			}
			toks = append(toks, token{kind: tNumber, lit: src[start:i], num: num, line: line})

		case c == '"':
			lit, n, err := lexString(src[i:])
			if err != nil {
				return nil, &SyntaxError{Path: path, Line: line, Msg: err.Error()}
			}
			toks = append(toks, token{kind: tString, lit: lit, line: line})
			i += n

		default:
			if i+1 < len(src) {
				two := src[i : i+2]
				matched := false
				for _, op := range doubleOps {
					if two == op {
						toks = append(toks, token{kind: tOp, lit: op, line: line})
						i += 2
						matched = true
						break
					}
				}
				if matched {
					continue
				}
			}
			if strings.IndexByte(singleOps, c) >= 0 {
				toks = append(toks, token{kind: tOp, lit: string(c), line: line})
				i++
				continue
			}
			return nil, &SyntaxError{Path: path, Line: line, Msg: fmt.Sprintf("unexpected character %q", c)}
		}
	}
	return toks, nil
}

// lexString reads a double-quoted string literal starting at src[0]
// and returns its value and consumed length.
func lexString(src string) (string, int, error) {
	var b strings.Builder
	i := 1
	for i < len(src) {
		c := src[i]
		switch c {
		case '"':
			return b.String(), i + 1, nil
		case '\n':
			return "", 0, fmt.Errorf("unterminated string")
		case '\\':
			if i+1 >= len(src) {
				return "", 0, fmt.Errorf("unterminated string")
			}
			i++
			switch src[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '"':
				b.WriteByte('"')
			case '\\':
				b.WriteByte('\\')
			default:
				return "", 0, fmt.Errorf("unknown escape \\%c", src[i])
			}
			i++
		default:
			b.WriteByte(c)
			i++
		}
	}
	return "", 0, fmt.Errorf("unterminated string")
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}
