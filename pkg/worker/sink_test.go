package worker

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velhart/stencild/pkg/proto"
)

// collectSink returns a sink plus the frame slice it appends to
func collectSink() (*Sink, *[]proto.Message) {
	frames := &[]proto.Message{}
	sink := NewSink(func(msg proto.Message) error {
		*frames = append(*frames, msg)
		return nil
	})
	return sink, frames
}

func body(frames []proto.Message) []byte {
	var buf bytes.Buffer
	for _, f := range frames {
		if f.Kind == proto.KindWrite {
			buf.Write(f.Data)
		}
	}
	return buf.Bytes()
}

func TestSink_HeaderPrecedesWrites(t *testing.T) {
	sink, frames := collectSink()
	sink.WriteString("hello")
	sink.End()

	require.NotEmpty(t, *frames)
	assert.Equal(t, proto.KindHeader, (*frames)[0].Kind)
	assert.Equal(t, 200, (*frames)[0].Status)
	assert.Equal(t, "hello", string(body(*frames)))
}

func TestSink_DefaultContentType(t *testing.T) {
	sink, frames := collectSink()
	sink.WriteString("x")

	assert.Equal(t, "text/html", (*frames)[0].Headers["Content-Type"])
}

func TestSink_ExplicitContentTypeWins(t *testing.T) {
	sink, frames := collectSink()
	sink.SetHeader("Content-Type", "application/json")
	sink.WriteString("{}")

	assert.Equal(t, "application/json", (*frames)[0].Headers["Content-Type"])
}

func TestSink_HeaderMutationsIgnoredAfterFlush(t *testing.T) {
	sink, frames := collectSink()
	sink.WriteString("started")
	sink.SetHeader("X-Late", "nope")
	sink.WriteHeader(404, map[string]string{"X-Later": "nope"})

	header := (*frames)[0]
	assert.Equal(t, 200, header.Status)
	assert.NotContains(t, header.Headers, "X-Late")
	assert.NotContains(t, header.Headers, "X-Later")
}

func TestSink_ExplicitWriteHeader(t *testing.T) {
	sink, frames := collectSink()
	sink.WriteHeader(404, map[string]string{"X-Reason": "missing"})
	sink.WriteString("not here")
	sink.End()

	header := (*frames)[0]
	assert.Equal(t, 404, header.Status)
	assert.Equal(t, "missing", header.Headers["X-Reason"])
}

func TestSink_WriteAfterEndIgnored(t *testing.T) {
	sink, frames := collectSink()
	sink.WriteString("kept")
	sink.End()
	sink.WriteString("dropped")

	assert.Equal(t, "kept", string(body(*frames)))
}

func TestSink_EndWithoutBodyStillFlushesHeader(t *testing.T) {
	sink, frames := collectSink()
	sink.End()

	require.Len(t, *frames, 1)
	assert.Equal(t, proto.KindHeader, (*frames)[0].Kind)
}

func TestSink_GzipCodec(t *testing.T) {
	sink, frames := collectSink()
	require.NoError(t, sink.SetCompression(CodecGzip))
	sink.WriteString("compress me, please compress me")
	sink.End()

	header := (*frames)[0]
	assert.Equal(t, "gzip", header.Headers["Content-Encoding"])

	gr, err := gzip.NewReader(bytes.NewReader(body(*frames)))
	require.NoError(t, err)
	plain, err := io.ReadAll(gr)
	require.NoError(t, err)
	assert.Equal(t, "compress me, please compress me", string(plain))
}

func TestSink_DeflateCodec(t *testing.T) {
	sink, frames := collectSink()
	require.NoError(t, sink.SetCompression(CodecDeflate))
	sink.WriteString("deflated body")
	sink.End()

	assert.Equal(t, "deflate", (*frames)[0].Headers["Content-Encoding"])

	fr := flate.NewReader(bytes.NewReader(body(*frames)))
	plain, err := io.ReadAll(fr)
	require.NoError(t, err)
	assert.Equal(t, "deflated body", string(plain))
}

func TestSink_CodecRejectedAfterFlush(t *testing.T) {
	sink, _ := collectSink()
	sink.WriteString("already streaming")

	assert.Error(t, sink.SetCompression(CodecGzip))
	assert.Error(t, sink.SetCompression(""))
}

func TestSink_CodecCanChangeBeforeFlush(t *testing.T) {
	sink, frames := collectSink()
	require.NoError(t, sink.SetCompression(CodecGzip))
	require.NoError(t, sink.SetCompression(""))
	sink.WriteString("plain after all")
	sink.End()

	assert.NotContains(t, (*frames)[0].Headers, "Content-Encoding")
	assert.Equal(t, "plain after all", string(body(*frames)))
}

func TestSink_UnknownCodec(t *testing.T) {
	sink, _ := collectSink()
	assert.Error(t, sink.SetCompression("brotli"))
}
