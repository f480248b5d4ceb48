package stencil

import (
	"fmt"
	"sort"
)

// Env is a lexically scoped variable environment. Values are nil,
// bool, float64, string, []any, map[string]any or Func.
type Env struct {
	scopes []map[string]any
}

// NewEnv creates an environment with a single global scope
func NewEnv() *Env {
	return &Env{scopes: []map[string]any{{}}}
}

// Define binds a name in the innermost scope
func (e *Env) Define(name string, v any) {
	e.scopes[len(e.scopes)-1][name] = v
}

// Lookup resolves a name through the scope chain
func (e *Env) Lookup(name string) (any, bool) {
	for i := len(e.scopes) - 1; i >= 0; i-- {
		if v, ok := e.scopes[i][name]; ok {
			return v, true
		}
	}
	return nil, false
}

func (e *Env) assign(name string, v any) bool {
	for i := len(e.scopes) - 1; i >= 0; i-- {
		if _, ok := e.scopes[i][name]; ok {
			e.scopes[i][name] = v
			return true
		}
	}
	return false
}

func (e *Env) push() { e.scopes = append(e.scopes, map[string]any{}) }
func (e *Env) pop()  { e.scopes = e.scopes[:len(e.scopes)-1] }

// Execute runs the program against the environment. Any returned
// error is a *RuntimeError unless one of the injected Funcs failed
// with something else.
func (p *Program) Execute(env *Env) error {
	ev := &evaluator{path: p.Path, env: env}
	return ev.execBlock(p.stmts)
}

type evaluator struct {
	path string
	env  *Env
}

func (ev *evaluator) errorf(line int, format string, args ...any) error {
	return &RuntimeError{Path: ev.path, Line: line, Msg: fmt.Sprintf(format, args...)}
}

func (ev *evaluator) execBlock(stmts []Stmt) error {
	for _, s := range stmts {
		if err := ev.exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (ev *evaluator) exec(s Stmt) error {
	switch s := s.(type) {
	case *VarStmt:
		v, err := ev.eval(s.Value)
		if err != nil {
			return err
		}
		ev.env.Define(s.Name, v)
		return nil

	case *AssignStmt:
		v, err := ev.eval(s.Value)
		if err != nil {
			return err
		}
		return ev.assignTo(s.Target, v)

	case *IfStmt:
		cond, err := ev.eval(s.Cond)
		if err != nil {
			return err
		}
		ev.env.push()
		defer ev.env.pop()
		if Truthy(cond) {
			return ev.execBlock(s.Then)
		}
		return ev.execBlock(s.Else)

	case *ForStmt:
		return ev.execFor(s)

	case *ExprStmt:
		_, err := ev.eval(s.X)
		return err
	}
	return ev.errorf(s.StmtLine(), "unknown statement")
}

func (ev *evaluator) execFor(s *ForStmt) error {
	seq, err := ev.eval(s.Seq)
	if err != nil {
		return err
	}

	ev.env.push()
	defer ev.env.pop()

	switch seq := seq.(type) {
	case []any:
		for i, v := range seq {
			if s.Key != "" {
				ev.env.Define(s.Key, float64(i))
			}
			ev.env.Define(s.Val, v)
			if err := ev.execBlock(s.Body); err != nil {
				return err
			}
		}
		return nil

	case map[string]any:
		// Deterministic iteration order for reproducible pages.
		keys := make([]string, 0, len(seq))
		for k := range seq {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if s.Key != "" {
				ev.env.Define(s.Key, k)
			}
			ev.env.Define(s.Val, seq[k])
			if err := ev.execBlock(s.Body); err != nil {
				return err
			}
		}
		return nil

	case nil:
		return nil
	}
	return ev.errorf(s.Line, "cannot iterate %s", TypeName(seq))
}

func (ev *evaluator) assignTo(target Expr, v any) error {
	switch target := target.(type) {
	case *Ident:
		if !ev.env.assign(target.Name, v) {
			return ev.errorf(target.Line, "assignment to undeclared variable %q", target.Name)
		}
		return nil

	case *Index:
		x, err := ev.eval(target.X)
		if err != nil {
			return err
		}
		key, err := ev.eval(target.Key)
		if err != nil {
			return err
		}
		switch x := x.(type) {
		case map[string]any:
			x[Stringify(key)] = v
			return nil
		case []any:
			i, ok := key.(float64)
			if !ok || int(i) < 0 || int(i) >= len(x) {
				return ev.errorf(target.Line, "list index out of range")
			}
			x[int(i)] = v
			return nil
		}
		return ev.errorf(target.Line, "cannot index-assign into %s", TypeName(x))

	case *Dot:
		x, err := ev.eval(target.X)
		if err != nil {
			return err
		}
		m, ok := x.(map[string]any)
		if !ok {
			return ev.errorf(target.Line, "cannot set field %q on %s", target.Name, TypeName(x))
		}
		m[target.Name] = v
		return nil
	}
	return ev.errorf(target.ExprLine(), "cannot assign to this expression")
}

func (ev *evaluator) eval(x Expr) (any, error) {
	switch x := x.(type) {
	case *Lit:
		return x.Value, nil

	case *Ident:
		v, ok := ev.env.Lookup(x.Name)
		if !ok {
			return nil, ev.errorf(x.Line, "undefined variable %q", x.Name)
		}
		return v, nil

	case *ListLit:
		elems := make([]any, len(x.Elems))
		for i, e := range x.Elems {
			v, err := ev.eval(e)
			if err != nil {
				return nil, err
			}
			elems[i] = v
		}
		return elems, nil

	case *Unary:
		v, err := ev.eval(x.X)
		if err != nil {
			return nil, err
		}
		switch x.Op {
		case "!":
			return !Truthy(v), nil
		case "-":
			n, ok := v.(float64)
			if !ok {
				return nil, ev.errorf(x.Line, "cannot negate %s", TypeName(v))
			}
			return -n, nil
		}
		return nil, ev.errorf(x.Line, "unknown operator %q", x.Op)

	case *Binary:
		return ev.evalBinary(x)

	case *Call:
		fn, err := ev.eval(x.Fn)
		if err != nil {
			return nil, err
		}
		f, ok := fn.(Func)
		if !ok {
			return nil, ev.errorf(x.Line, "%s is not callable", TypeName(fn))
		}
		args := make([]any, len(x.Args))
		for i, a := range x.Args {
			v, err := ev.eval(a)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		ret, err := f(args...)
		if err != nil {
			if _, ok := err.(*RuntimeError); ok {
				return nil, err
			}
			return nil, ev.errorf(x.Line, "%s", err.Error())
		}
		return ret, nil

	case *Index:
		v, err := ev.eval(x.X)
		if err != nil {
			return nil, err
		}
		key, err := ev.eval(x.Key)
		if err != nil {
			return nil, err
		}
		switch v := v.(type) {
		case map[string]any:
			return v[Stringify(key)], nil
		case []any:
			i, ok := key.(float64)
			if !ok {
				return nil, ev.errorf(x.Line, "list index must be a number")
			}
			if int(i) < 0 || int(i) >= len(v) {
				return nil, nil
			}
			return v[int(i)], nil
		case string:
			i, ok := key.(float64)
			if !ok {
				return nil, ev.errorf(x.Line, "string index must be a number")
			}
			if int(i) < 0 || int(i) >= len(v) {
				return nil, nil
			}
			return string(v[int(i)]), nil
		case nil:
			return nil, nil
		}
		return nil, ev.errorf(x.Line, "cannot index %s", TypeName(v))

	case *Dot:
		v, err := ev.eval(x.X)
		if err != nil {
			return nil, err
		}
		switch v := v.(type) {
		case map[string]any:
			return v[x.Name], nil
		case nil:
			return nil, nil
		}
		return nil, ev.errorf(x.Line, "cannot access field %q on %s", x.Name, TypeName(v))
	}
	return nil, ev.errorf(x.ExprLine(), "unknown expression")
}

func (ev *evaluator) evalBinary(x *Binary) (any, error) {
	// Short-circuit operators evaluate the right side lazily.
	if x.Op == "&&" || x.Op == "||" {
		l, err := ev.eval(x.X)
		if err != nil {
			return nil, err
		}
		if x.Op == "&&" && !Truthy(l) {
			return false, nil
		}
		if x.Op == "||" && Truthy(l) {
			return true, nil
		}
		r, err := ev.eval(x.Y)
		if err != nil {
			return nil, err
		}
		return Truthy(r), nil
	}

	l, err := ev.eval(x.X)
	if err != nil {
		return nil, err
	}
	r, err := ev.eval(x.Y)
	if err != nil {
		return nil, err
	}

	switch x.Op {
	case "==":
		return equal(l, r), nil
	case "!=":
		return !equal(l, r), nil
	}

	if x.Op == "+" {
		if ls, ok := l.(string); ok {
			return ls + Stringify(r), nil
		}
		if rs, ok := r.(string); ok {
			return Stringify(l) + rs, nil
		}
	}

	ln, lok := l.(float64)
	rn, rok := r.(float64)
	if lok && rok {
		switch x.Op {
		case "+":
			return ln + rn, nil
		case "-":
			return ln - rn, nil
		case "*":
			return ln * rn, nil
		case "/":
			if rn == 0 {
				return nil, ev.errorf(x.Line, "division by zero")
			}
			return ln / rn, nil
		case "%":
			if rn == 0 {
				return nil, ev.errorf(x.Line, "division by zero")
			}
			return float64(int64(ln) % int64(rn)), nil
		case "<":
			return ln < rn, nil
		case "<=":
			return ln <= rn, nil
		case ">":
			return ln > rn, nil
		case ">=":
			return ln >= rn, nil
		}
	}

	ls, lsok := l.(string)
	rs, rsok := r.(string)
	if lsok && rsok {
		switch x.Op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}

	return nil, ev.errorf(x.Line, "operator %q not defined on %s and %s", x.Op, TypeName(l), TypeName(r))
}

func equal(l, r any) bool {
	if l == nil && r == nil {
		return true
	}
	switch l := l.(type) {
	case bool:
		r, ok := r.(bool)
		return ok && l == r
	case float64:
		r, ok := r.(float64)
		return ok && l == r
	case string:
		r, ok := r.(string)
		return ok && l == r
	}
	return false
}
