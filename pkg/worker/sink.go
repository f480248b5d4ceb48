package worker

import (
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/velhart/stencild/pkg/proto"
)

// Codec names accepted by SetCompression
const (
	CodecGzip    = "gzip"
	CodecDeflate = "deflate"
)

// Sink is the buffered output surface handed to templated code. The
// first Write or explicit WriteHeader freezes the status code and
// header set; later header mutations are ignored, as are writes after
// End. A compression codec must be selected before the first flush
// and cannot be turned off once the compressed stream has begun.
type Sink struct {
	emit func(proto.Message) error

	status  int
	headers map[string]string
	codec   string

	flushed bool
	ended   bool

	w io.Writer      // body writer, through the compressor if any
	c io.WriteCloser // compressor, nil when codec is ""
}

// NewSink creates a sink emitting frames through emit
func NewSink(emit func(proto.Message) error) *Sink {
	return &Sink{
		emit:    emit,
		status:  200,
		headers: make(map[string]string),
	}
}

// Flushed reports whether the header frame has been emitted
func (s *Sink) Flushed() bool { return s.flushed }

// Ended reports whether the sink has been closed
func (s *Sink) Ended() bool { return s.ended }

// SetHeader sets a response header; ignored after the first flush
func (s *Sink) SetHeader(name, value string) {
	if s.flushed {
		return
	}
	s.headers[name] = value
}

// WriteHeader fixes the status code and merges extra headers, then
// flushes the header frame. A second call is ignored.
func (s *Sink) WriteHeader(status int, headers map[string]string) {
	if s.flushed || s.ended {
		return
	}
	s.status = status
	for k, v := range headers {
		s.headers[k] = v
	}
	s.flushHeader()
}

// SetCompression selects the response codec ("gzip", "deflate" or ""
// for none). It fails once the header has been flushed.
func (s *Sink) SetCompression(codec string) error {
	if s.flushed {
		return fmt.Errorf("compression cannot change after output has started")
	}
	switch codec {
	case "", CodecGzip, CodecDeflate:
		s.codec = codec
		return nil
	}
	return fmt.Errorf("unknown compression codec %q", codec)
}

func (s *Sink) flushHeader() {
	if s.flushed {
		return
	}
	s.flushed = true

	if _, ok := s.headers["Content-Type"]; !ok {
		s.headers["Content-Type"] = "text/html"
	}

	fw := &frameWriter{emit: s.emit}
	s.w = fw
	switch s.codec {
	case CodecGzip:
		s.headers["Content-Encoding"] = "gzip"
		gz := gzip.NewWriter(fw)
		s.w, s.c = gz, gz
	case CodecDeflate:
		s.headers["Content-Encoding"] = "deflate"
		// flate.NewWriter only errors on an invalid level
		fl, _ := flate.NewWriter(fw, flate.DefaultCompression)
		s.w, s.c = fl, fl
	}

	s.emit(proto.Message{
		Kind:    proto.KindHeader,
		Status:  s.status,
		Headers: s.headers,
	})
}

// Write sends body bytes, flushing the header first if needed.
// Writes after End are ignored.
func (s *Sink) Write(p []byte) (int, error) {
	if s.ended {
		return len(p), nil
	}
	if !s.flushed {
		s.flushHeader()
	}
	return s.w.Write(p)
}

// WriteString is a convenience wrapper around Write
func (s *Sink) WriteString(str string) {
	s.Write([]byte(str))
}

// End finalizes the response: the header is flushed even when no body
// was written, and any compressed stream is closed out.
func (s *Sink) End() {
	if s.ended {
		return
	}
	if !s.flushed {
		s.flushHeader()
	}
	if s.c != nil {
		s.c.Close()
	}
	s.ended = true
}

// frameWriter emits each write as one frame
type frameWriter struct {
	emit func(proto.Message) error
}

func (w *frameWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	data := make([]byte, len(p))
	copy(data, p)
	if err := w.emit(proto.Message{Kind: proto.KindWrite, Data: data}); err != nil {
		return 0, err
	}
	return len(p), nil
}
