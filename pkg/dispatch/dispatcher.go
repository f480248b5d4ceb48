// Package dispatch supervises the worker pool: it routes each inbound
// request to an idle worker process, grows the pool when none is
// idle, shrinks it when idle capacity exceeds demand, and relays
// worker frames to the request's response stream.
//
// The dispatcher itself is a single goroutine fed by an event
// channel; it never executes page code and never blocks on a worker.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/velhart/stencild/internal/metrics"
	"github.com/velhart/stencild/pkg/proto"
)

// State is a worker's position in the Idle/Busy/Dead machine
type State int

const (
	StateIdle State = iota
	StateBusy
	StateDead
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	default:
		return "dead"
	}
}

// ResponseStream receives the relayed output of one request
type ResponseStream interface {
	WriteHeader(status int, headers map[string]string)
	Write(p []byte) (int, error)
	End()
}

// WorkerHandle is the dispatcher's view of one worker process. At
// most one response is bound to a worker at a time; a Busy worker is
// never selected for a new request.
type WorkerHandle struct {
	id        string
	proc      Proc
	state     State
	resp      ResponseStream
	done      chan struct{}
	spawnedAt time.Time
}

// Config configures a Dispatcher
type Config struct {
	// SessionDB is the shared session database path sent to workers
	SessionDB string

	// Slack is how many idle workers beyond the busy count the
	// shrink policy tolerates.
	Slack int

	// ShrinkInterval is how often the shrink policy runs
	ShrinkInterval time.Duration

	// Spawn creates worker processes
	Spawn SpawnFunc

	// Sampler reads worker resident memory for the shrink policy
	Sampler MemorySampler

	// Metrics is optional
	Metrics *metrics.Metrics

	Logger zerolog.Logger
}

// Stats is a point-in-time pool census
type Stats struct {
	Idle  int
	Busy  int
	Total int
}

type evRequest struct {
	meta proto.RequestMeta
	body []byte
	resp ResponseStream
	done chan struct{}
}

type evMessage struct {
	h   *WorkerHandle
	msg proto.Message
}

type evExit struct {
	h *WorkerHandle
}

type evStats struct {
	reply chan Stats
}

// Dispatcher owns the pool. All state below is touched only by the
// Run goroutine.
type Dispatcher struct {
	cfg    Config
	log    zerolog.Logger
	events chan any

	workers map[*WorkerHandle]struct{}
	idle    []*WorkerHandle
}

// New creates a dispatcher
func New(cfg Config) *Dispatcher {
	if cfg.ShrinkInterval <= 0 {
		cfg.ShrinkInterval = 30 * time.Second
	}
	if cfg.Sampler == nil {
		cfg.Sampler = nopSampler{}
	}
	return &Dispatcher{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "dispatcher").Logger(),
		events:  make(chan any, 64),
		workers: make(map[*WorkerHandle]struct{}),
	}
}

// Dispatch routes one request into the pool. The returned channel
// closes when the response has been ended, successfully or not.
func (d *Dispatcher) Dispatch(meta proto.RequestMeta, body []byte, resp ResponseStream) <-chan struct{} {
	done := make(chan struct{})
	d.events <- evRequest{meta: meta, body: body, resp: resp, done: done}
	return done
}

// Stats returns the current pool census
func (d *Dispatcher) Stats() Stats {
	reply := make(chan Stats, 1)
	d.events <- evStats{reply: reply}
	return <-reply
}

// Run is the dispatcher event loop. It returns after the context is
// cancelled and every worker has been told to terminate.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info().Msg("Dispatcher started")

	ticker := time.NewTicker(d.cfg.ShrinkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info().Int("workers", len(d.workers)).Msg("Dispatcher stopping")
			for h := range d.workers {
				h.proc.Send(proto.Message{Kind: proto.KindTerminate})
				h.proc.Kill()
			}
			return

		case <-ticker.C:
			d.shrink()

		case ev := <-d.events:
			switch ev := ev.(type) {
			case evRequest:
				d.handleRequest(ev)
			case evMessage:
				d.handleMessage(ev.h, ev.msg)
			case evExit:
				d.handleExit(ev.h)
			case evStats:
				ev.reply <- d.stats()
			}
		}
	}
}

func (d *Dispatcher) stats() Stats {
	s := Stats{Total: len(d.workers)}
	for h := range d.workers {
		switch h.state {
		case StateIdle:
			s.Idle++
		case StateBusy:
			s.Busy++
		}
	}
	return s
}

func (d *Dispatcher) updateGauges() {
	if d.cfg.Metrics == nil {
		return
	}
	s := d.stats()
	d.cfg.Metrics.WorkersIdle.Set(float64(s.Idle))
	d.cfg.Metrics.WorkersBusy.Set(float64(s.Busy))
}

// spawn starts a worker and begins pumping its frames into the event
// loop. The pump goroutine is the only other goroutine touching the
// handle, and only to wrap it in events.
func (d *Dispatcher) spawn() (*WorkerHandle, error) {
	proc, err := d.cfg.Spawn()
	if err != nil {
		return nil, err
	}
	h := &WorkerHandle{
		id:        uuid.NewString()[:8],
		proc:      proc,
		state:     StateIdle,
		spawnedAt: time.Now(),
	}
	d.workers[h] = struct{}{}
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.WorkersSpawnedTotal.Inc()
	}
	d.log.Info().Str("worker", h.id).Int("pid", proc.Pid()).Msg("Worker spawned")

	go func() {
		for msg := range proc.Messages() {
			d.events <- evMessage{h: h, msg: msg}
		}
		d.events <- evExit{h: h}
	}()
	return h, nil
}

func (d *Dispatcher) takeIdle() *WorkerHandle {
	for len(d.idle) > 0 {
		h := d.idle[len(d.idle)-1]
		d.idle = d.idle[:len(d.idle)-1]
		if h.state == StateIdle {
			return h
		}
	}
	return nil
}

func (d *Dispatcher) handleRequest(ev evRequest) {
	w := d.takeIdle()
	if w == nil {
		// No spare capacity: the request waits for a synchronous
		// spawn instead of being dropped.
		var err error
		w, err = d.spawn()
		if err != nil {
			d.log.Error().Err(err).Msg("Failed to spawn worker for request")
			ev.resp.WriteHeader(502, nil)
			ev.resp.End()
			close(ev.done)
			return
		}
	}

	w.state = StateBusy
	w.resp = ev.resp
	w.done = ev.done

	// Keep one idle worker warm so the next request never waits on
	// process startup.
	if len(d.idle) == 0 {
		if spare, err := d.spawn(); err == nil {
			d.idle = append(d.idle, spare)
		} else {
			d.log.Warn().Err(err).Msg("Failed to spawn spare worker")
		}
	}

	err := w.proc.Send(proto.Message{
		Kind:      proto.KindRun,
		SessionDB: d.cfg.SessionDB,
		Request:   &ev.meta,
		Body:      ev.body,
	})
	if err != nil {
		// The pipe is gone; the exit event will fail the response.
		d.log.Error().Err(err).Str("worker", w.id).Msg("Failed to send request to worker")
		w.proc.Kill()
	}
	d.updateGauges()
}

func (d *Dispatcher) handleMessage(h *WorkerHandle, msg proto.Message) {
	switch msg.Kind {
	case proto.KindHeader:
		if h.resp != nil {
			h.resp.WriteHeader(msg.Status, msg.Headers)
		}

	case proto.KindWrite:
		if h.resp != nil {
			h.resp.Write(msg.Data)
		}

	case proto.KindErrorReport:
		d.log.Error().
			Str("worker", h.id).
			Str("page", msg.Page).
			Str("file", msg.File).
			Str("error", msg.Error).
			Msg("Page error report")
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.PageErrorsTotal.Inc()
		}

	case proto.KindEnd:
		if h.resp != nil {
			h.resp.End()
			close(h.done)
			h.resp = nil
			h.done = nil
		}
		if h.state == StateBusy {
			h.state = StateIdle
			d.idle = append(d.idle, h)
		}
		d.updateGauges()

	default:
		d.log.Warn().Str("worker", h.id).Str("kind", string(msg.Kind)).Msg("Unexpected worker frame")
	}
}

// handleExit cleans up after a worker process death: a crash mid-
// request force-ends the bound response, partial content and all.
func (d *Dispatcher) handleExit(h *WorkerHandle) {
	wasShrunk := h.state == StateDead
	if h.resp != nil {
		d.log.Error().Str("worker", h.id).Msg("Worker died with an open response")
		h.resp.End()
		close(h.done)
		h.resp = nil
		h.done = nil
	}
	h.state = StateDead
	delete(d.workers, h)
	d.removeIdle(h)

	if !wasShrunk {
		d.log.Warn().Str("worker", h.id).Msg("Worker exited")
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.WorkerDeathsTotal.WithLabelValues("exit").Inc()
		}
	}
	d.updateGauges()
}

func (d *Dispatcher) removeIdle(h *WorkerHandle) {
	for i, w := range d.idle {
		if w == h {
			d.idle = append(d.idle[:i], d.idle[i+1:]...)
			return
		}
	}
}

// shrink terminates surplus idle workers, greediest memory first.
// Ties and unknown memory fall back to oldest-spawned-first.
func (d *Dispatcher) shrink() {
	busy := 0
	for h := range d.workers {
		if h.state == StateBusy {
			busy++
		}
	}

	for len(d.idle) > busy+d.cfg.Slack {
		victim := d.idle[0]
		victimRSS := d.cfg.Sampler.ResidentBytes(victim.proc.Pid())
		for _, h := range d.idle[1:] {
			rss := d.cfg.Sampler.ResidentBytes(h.proc.Pid())
			if rss > victimRSS || (rss == victimRSS && h.spawnedAt.Before(victim.spawnedAt)) {
				victim, victimRSS = h, rss
			}
		}

		d.log.Info().
			Str("worker", victim.id).
			Uint64("rss", victimRSS).
			Msg("Shrinking pool, terminating idle worker")

		victim.state = StateDead
		d.removeIdle(victim)
		victim.proc.Send(proto.Message{Kind: proto.KindTerminate})
		victim.proc.Kill()
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.WorkerDeathsTotal.WithLabelValues("shrink").Inc()
			d.cfg.Metrics.ShrinkKillsTotal.Inc()
		}
	}
	d.updateGauges()
}
