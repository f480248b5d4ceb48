package dispatch

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/velhart/stencild/internal/metrics"
	"github.com/velhart/stencild/pkg/proto"
)

// Server adapts HTTP requests into pool dispatches
type Server struct {
	d       *Dispatcher
	docRoot string
	m       *metrics.Metrics
	log     zerolog.Logger
}

// NewServer creates the HTTP front end for a dispatcher
func NewServer(d *Dispatcher, docRoot string, m *metrics.Metrics, log zerolog.Logger) *Server {
	return &Server{d: d, docRoot: docRoot, m: m, log: log}
}

// Router builds the route table: every path is a page, except the
// operational endpoints.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	if s.m != nil {
		r.Handle("/metrics", s.m.Handler())
	}
	r.HandleFunc("/*", s.servePage)
	return r
}

func (s *Server) servePage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		headers[name] = strings.Join(values, ", ")
	}

	meta := proto.RequestMeta{
		DocumentRoot: s.docRoot,
		ScriptPath:   r.URL.Path,
		URL:          r.URL.String(),
		Method:       r.Method,
		Query:        r.URL.RawQuery,
		Headers:      headers,
	}

	stream := &httpStream{w: w}
	start := time.Now()
	<-s.d.Dispatch(meta, body, stream)

	if s.m != nil {
		s.m.RequestsTotal.WithLabelValues(statusClass(stream.status)).Inc()
		s.m.RequestDuration.Observe(time.Since(start).Seconds())
	}
}

// httpStream relays worker frames onto an http.ResponseWriter. A
// response that ends before any header was relayed (worker crash)
// becomes a 502.
type httpStream struct {
	w          http.ResponseWriter
	status     int
	headerSent bool
}

func (s *httpStream) WriteHeader(status int, headers map[string]string) {
	if s.headerSent {
		return
	}
	for k, v := range headers {
		s.w.Header().Set(k, v)
	}
	s.w.WriteHeader(status)
	s.status = status
	s.headerSent = true
}

func (s *httpStream) Write(p []byte) (int, error) {
	if !s.headerSent {
		s.WriteHeader(http.StatusOK, nil)
	}
	return s.w.Write(p)
}

func (s *httpStream) End() {
	if !s.headerSent {
		s.WriteHeader(http.StatusBadGateway, map[string]string{"Content-Type": "text/plain"})
		s.w.Write([]byte("worker failed\n"))
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}
