// Package worker implements the pool child: a single-threaded runtime
// that accepts one request at a time from the dispatcher, compiles
// and executes the requested page, and reports results back as
// ordered frames.
package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/velhart/stencild/pkg/pagecache"
	"github.com/velhart/stencild/pkg/proto"
	"github.com/velhart/stencild/pkg/session"
)

// DefaultDeadline is the wall-clock execution limit unless the page
// moves it.
const DefaultDeadline = 30 * time.Second

// deadlineExitCode is the status the process dies with on deadline
// expiry, so the dispatcher can label the death.
const deadlineExitCode = 37

// Options configures a Runtime
type Options struct {
	Logger zerolog.Logger

	// Emit sends one frame to the dispatcher
	Emit func(proto.Message) error

	// Deadline is the default execution limit; DefaultDeadline when zero
	Deadline time.Duration

	// SessionExpirySeconds and SessionCookiePath are the session
	// defaults a page gets when init is called without overrides.
	SessionExpirySeconds int
	SessionCookiePath    string

	// ErrorLog enables writing error reports to the store's error_log
	ErrorLog bool

	// Exit terminates the process; os.Exit when nil. Tests replace it.
	Exit func(code int)
}

// Runtime owns one page cache and executes one request at a time
type Runtime struct {
	log        zerolog.Logger
	cache      *pagecache.Cache
	emit       func(proto.Message) error
	exit       func(int)
	deadline   time.Duration
	expiry     int
	cookiePath string
	errorLog   bool

	// modules is the request-scoped module namespace; entries created
	// during a request are purged when it settles.
	modules map[string]map[string]any
}

// New creates a worker runtime
func New(opts Options) *Runtime {
	if opts.Deadline <= 0 {
		opts.Deadline = DefaultDeadline
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	if opts.SessionExpirySeconds <= 0 {
		opts.SessionExpirySeconds = 3600
	}
	return &Runtime{
		log:        opts.Logger,
		cache:      pagecache.New(),
		emit:       opts.Emit,
		exit:       opts.Exit,
		deadline:   opts.Deadline,
		expiry:     opts.SessionExpirySeconds,
		cookiePath: opts.SessionCookiePath,
		errorLog:   opts.ErrorLog,
		modules:    make(map[string]map[string]any),
	}
}

// Cache returns the runtime's page cache
func (r *Runtime) Cache() *pagecache.Cache {
	return r.cache
}

// Serve reads frames from in until EOF or a terminate frame. Each run
// frame is handled to completion before the next is read, which is
// what makes the runtime strictly one-request-at-a-time.
func (r *Runtime) Serve(in io.Reader) error {
	dec := json.NewDecoder(in)
	for {
		var msg proto.Message
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("failed to decode frame: %w", err)
		}

		switch msg.Kind {
		case proto.KindRun:
			r.Run(msg)
		case proto.KindTerminate:
			r.log.Info().Msg("Worker terminating")
			return nil
		default:
			r.log.Warn().Str("kind", string(msg.Kind)).Msg("Unexpected frame")
		}
	}
}

// Run executes one request to completion and emits the terminal
// frame. Exported so tests can drive the runtime without pipes.
func (r *Runtime) Run(msg proto.Message) {
	if msg.Request == nil {
		r.log.Error().Msg("Run frame without request metadata")
		r.emit(proto.Message{Kind: proto.KindEnd})
		return
	}
	meta := *msg.Request
	sink := NewSink(r.emit)
	defer r.emit(proto.Message{Kind: proto.KindEnd})

	scriptPath := filepath.Clean("/" + meta.ScriptPath)
	fullPath := filepath.Join(meta.DocumentRoot, scriptPath)

	prog, err := r.cache.Resolve(fullPath)
	if errors.Is(err, pagecache.ErrNotFound) {
		sink.WriteHeader(404, map[string]string{"Content-Type": "text/plain"})
		sink.WriteString("404 page not found\n")
		sink.End()
		return
	}
	if err != nil {
		// Compile and I/O failures are reported out-of-band; the
		// cache entry was not replaced so the next request retries.
		r.report(nil, meta.ScriptPath, fullPath, err.Error())
		sink.WriteHeader(500, nil)
		sink.WriteString("internal server error\n")
		sink.End()
		return
	}

	if prog.Partial {
		sink.WriteHeader(500, nil)
		sink.WriteString("page is not directly servable\n")
		sink.End()
		return
	}

	store, err := session.Open(msg.SessionDB)
	if err != nil {
		r.report(nil, meta.ScriptPath, fullPath, err.Error())
		sink.WriteHeader(500, nil)
		sink.WriteString("internal server error\n")
		sink.End()
		return
	}
	handle := store.Handle(headerValue(meta.Headers, "Cookie"))

	body, bodyErr := ParseBody(headerValue(meta.Headers, "Content-Type"), msg.Body)
	if bodyErr != nil {
		r.log.Debug().Err(bodyErr).Str("page", meta.ScriptPath).Msg("Body parse failed")
	}

	dl := startDeadline(r.deadline, func() {
		// Fail hard: partial output state after a hang is not worth
		// repairing, the dispatcher cleans up after the corpse.
		r.log.Error().Str("page", meta.ScriptPath).Msg("Execution deadline exceeded, terminating worker")
		r.exit(deadlineExitCode)
	})

	st := &execState{
		rt:            r,
		sink:          sink,
		sess:          handle,
		deadline:      dl,
		request:       requestObject(meta, body, bodyErr),
		cookiePath:    r.cookiePath,
		expirySeconds: r.expiry,
	}

	snapshot := make(map[string]bool, len(r.modules))
	for path := range r.modules {
		snapshot[path] = true
	}

	env := st.buildEnv(filepath.Dir(prog.Path))
	execErr := prog.Execute(env)

	dl.Stop()
	go func() {
		handle.Close()
		store.Close()
	}()

	if execErr != nil {
		r.report(store, meta.ScriptPath, prog.Path, execErr.Error())
		if sink.Flushed() {
			sink.WriteString("\n<!-- page execution failed -->")
		} else {
			sink.WriteHeader(500, nil)
			sink.WriteString("internal server error\n")
		}
	}

	sink.End()
	r.purgeModules(snapshot)
}

// report emits an out-of-band error report and records it in the
// store's error log when enabled.
func (r *Runtime) report(store *session.Store, page, file, msg string) {
	r.log.Error().Str("page", page).Str("file", file).Str("error", msg).Msg("Page error")
	r.emit(proto.Message{
		Kind:  proto.KindErrorReport,
		Page:  page,
		File:  file,
		Error: msg,
	})
	if r.errorLog && store != nil {
		if err := store.LogError(page, file, msg); err != nil {
			r.log.Warn().Err(err).Msg("Failed to write error log row")
		}
	}
}

// purgeModules drops every module loaded during the request, giving
// the next request a fresh namespace. Pages and their transitively
// required files may hold top-level mutable state, so the table
// cannot be reused.
func (r *Runtime) purgeModules(snapshot map[string]bool) {
	for path := range r.modules {
		if !snapshot[path] {
			delete(r.modules, path)
		}
	}
}

func requestObject(meta proto.RequestMeta, body any, bodyErr error) map[string]any {
	headers := make(map[string]any, len(meta.Headers))
	for k, v := range meta.Headers {
		headers[strings.ToLower(k)] = v
	}
	req := map[string]any{
		"method":  meta.Method,
		"url":     meta.URL,
		"path":    meta.ScriptPath,
		"query":   meta.Query,
		"headers": headers,
		"body":    body,
	}
	if bodyErr != nil {
		req["bodyError"] = bodyErr.Error()
	}
	return req
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
