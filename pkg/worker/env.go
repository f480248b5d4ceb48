package worker

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/velhart/stencild/pkg/session"
	"github.com/velhart/stencild/pkg/stencil"
)

// execState carries everything one request execution touches
type execState struct {
	rt            *Runtime
	sink          *Sink
	sess          *session.Handle
	deadline      *deadline
	request       map[string]any
	cookiePath    string
	expirySeconds int
}

// buildEnv assembles the top-level environment for a page. dir is the
// directory of the page file; include and require resolve relative
// paths against it.
func (st *execState) buildEnv(dir string) *stencil.Env {
	env := stencil.NewEnv()
	stencil.RegisterBuiltins(env)

	env.Define("request", st.request)
	env.Define("response", st.responseObject())
	env.Define("session", st.sessionObject())
	env.Define("write", stencil.Func(func(args ...any) (any, error) {
		for _, a := range args {
			st.sink.WriteString(stencil.Stringify(a))
		}
		return nil, nil
	}))
	env.Define("exports", map[string]any{})
	env.Define("include", st.makeInclude(dir))
	env.Define("require", st.makeRequire(dir))
	return env
}

// childEnv builds the environment for an included page or required
// module: same request, sink and session, but a fresh export table
// and loaders anchored at the child's own directory.
func (st *execState) childEnv(dir string) (*stencil.Env, map[string]any) {
	env := st.buildEnv(dir)
	exports := map[string]any{}
	env.Define("exports", exports)
	return env, exports
}

// makeInclude resolves a nested page relative to the including file,
// executes it against a child environment sharing the response sink
// and session, and returns its export table. Pages marked partial are
// allowed here, unlike at the top level.
func (st *execState) makeInclude(dir string) stencil.Func {
	return func(args ...any) (any, error) {
		path, err := onePathArg("include", args)
		if err != nil {
			return nil, err
		}
		full := path
		if !filepath.IsAbs(full) {
			full = filepath.Join(dir, full)
		}

		prog, err := st.rt.cache.Resolve(full)
		if err != nil {
			return nil, fmt.Errorf("include %s: %w", path, err)
		}

		env, exports := st.childEnv(filepath.Dir(prog.Path))
		if err := prog.Execute(env); err != nil {
			return nil, err
		}
		return exports, nil
	}
}

// makeRequire loads a non-template module, caching its export table
// for the remainder of the request. The cache is purged of anything
// loaded during the request when it settles, so every request sees a
// fresh module namespace.
func (st *execState) makeRequire(dir string) stencil.Func {
	return func(args ...any) (any, error) {
		path, err := onePathArg("require", args)
		if err != nil {
			return nil, err
		}
		full := path
		if !filepath.IsAbs(full) {
			full = filepath.Join(dir, full)
		}

		prog, err := st.rt.cache.Resolve(full)
		if err != nil {
			return nil, fmt.Errorf("require %s: %w", path, err)
		}

		if exports, ok := st.rt.modules[prog.Path]; ok {
			return exports, nil
		}

		env, exports := st.childEnv(filepath.Dir(prog.Path))
		if err := prog.Execute(env); err != nil {
			return nil, err
		}
		st.rt.modules[prog.Path] = exports
		return exports, nil
	}
}

func onePathArg(fn string, args []any) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%s takes exactly one argument", fn)
	}
	path, ok := args[0].(string)
	if !ok || path == "" {
		return "", fmt.Errorf("%s takes a non-empty path string", fn)
	}
	return path, nil
}

// responseObject exposes the output sink surface to templated code
func (st *execState) responseObject() map[string]any {
	return map[string]any{
		"write": stencil.Func(func(args ...any) (any, error) {
			for _, a := range args {
				st.sink.WriteString(stencil.Stringify(a))
			}
			return nil, nil
		}),
		"setHeader": stencil.Func(func(args ...any) (any, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("setHeader takes a name and a value")
			}
			st.sink.SetHeader(stencil.Stringify(args[0]), stencil.Stringify(args[1]))
			return nil, nil
		}),
		"writeHeader": stencil.Func(func(args ...any) (any, error) {
			if len(args) < 1 {
				return nil, fmt.Errorf("writeHeader takes a status code")
			}
			code, ok := args[0].(float64)
			if !ok {
				return nil, fmt.Errorf("status code must be a number")
			}
			headers := map[string]string{}
			if len(args) > 1 {
				m, ok := args[1].(map[string]any)
				if !ok {
					return nil, fmt.Errorf("headers must be a map")
				}
				for k, v := range m {
					headers[k] = stencil.Stringify(v)
				}
			}
			st.sink.WriteHeader(int(code), headers)
			return nil, nil
		}),
		"end": stencil.Func(func(args ...any) (any, error) {
			st.sink.End()
			return nil, nil
		}),
		"setCompression": stencil.Func(func(args ...any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("setCompression takes a codec name or null")
			}
			codec := ""
			if args[0] != nil {
				c, ok := args[0].(string)
				if !ok {
					return nil, fmt.Errorf("codec must be a string or null")
				}
				codec = c
			}
			return nil, st.sink.SetCompression(codec)
		}),
		"setDeadline": stencil.Func(func(args ...any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("setDeadline takes milliseconds")
			}
			ms, ok := args[0].(float64)
			if !ok || ms <= 0 {
				return nil, fmt.Errorf("deadline must be a positive number of milliseconds")
			}
			return nil, st.deadline.Reset(time.Duration(ms) * time.Millisecond)
		}),
	}
}

// sessionObject exposes the session surface to templated code
func (st *execState) sessionObject() map[string]any {
	return map[string]any{
		"init": stencil.Func(func(args ...any) (any, error) {
			opts := session.InitOptions{
				ExpirySeconds: st.expirySeconds,
				CookiePath:    st.cookiePath,
			}
			if len(args) > 0 {
				m, ok := args[0].(map[string]any)
				if !ok {
					return nil, fmt.Errorf("init takes a config map")
				}
				if v, ok := m["expirySeconds"].(float64); ok {
					opts.ExpirySeconds = int(v)
				}
				if v, ok := m["cookiePath"].(string); ok {
					opts.CookiePath = v
				}
			}
			cookie, err := st.sess.Init(opts, !st.sink.Flushed())
			if err != nil {
				return nil, err
			}
			if cookie != nil {
				st.sink.SetHeader("Set-Cookie", cookie.String())
			}
			return nil, nil
		}),
		"get": stencil.Func(func(args ...any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("get takes a key")
			}
			v, _, err := st.sess.Get(stencil.Stringify(args[0]))
			return v, err
		}),
		"getAll": stencil.Func(func(args ...any) (any, error) {
			return st.sess.GetAll()
		}),
		"set": stencil.Func(func(args ...any) (any, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("set takes a key and a value")
			}
			return nil, st.sess.Set(stencil.Stringify(args[0]), args[1])
		}),
		"delete": stencil.Func(func(args ...any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("delete takes a key")
			}
			return nil, st.sess.Delete(stencil.Stringify(args[0]))
		}),
	}
}
