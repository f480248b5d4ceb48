// Package proto defines the message frames exchanged between the
// dispatcher and its worker processes. Frames travel as one JSON
// object per line over the worker's stdin (dispatcher to worker) and
// stdout (worker to dispatcher).
//
// Within one response the worker emits at most one Header frame,
// then any number of Write frames, then exactly one End frame.
// ErrorReport frames are out-of-band and may appear anywhere before
// End.
package proto

// Kind discriminates message frames
type Kind string

const (
	// dispatcher -> worker
	KindRun       Kind = "run"
	KindTerminate Kind = "terminate"

	// worker -> dispatcher
	KindHeader      Kind = "header"
	KindWrite       Kind = "write"
	KindErrorReport Kind = "error_report"
	KindEnd         Kind = "end"
)

// RequestMeta is the request metadata a worker needs to serve a page
type RequestMeta struct {
	DocumentRoot string            `json:"document_root"`
	ScriptPath   string            `json:"script_path"`
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	Query        string            `json:"query"`
	Headers      map[string]string `json:"headers,omitempty"`
}

// Message is a single frame. Only the fields for its Kind are set.
type Message struct {
	Kind Kind `json:"kind"`

	// KindRun
	SessionDB string       `json:"session_db,omitempty"`
	Request   *RequestMeta `json:"request,omitempty"`
	Body      []byte       `json:"body,omitempty"`

	// KindHeader
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// KindWrite
	Data []byte `json:"data,omitempty"`

	// KindErrorReport
	Page  string `json:"page,omitempty"`
	File  string `json:"file,omitempty"`
	Error string `json:"error,omitempty"`
}
