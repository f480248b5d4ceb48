package worker

import (
	"bytes"
	"mime/multipart"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBody_Empty(t *testing.T) {
	v, err := ParseBody("application/json", nil)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestParseBody_JSON(t *testing.T) {
	v, err := ParseBody("application/json", []byte(`{"name":"ada","n":2}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "ada", "n": 2.0}, v)
}

func TestParseBody_InvalidJSON(t *testing.T) {
	_, err := ParseBody("application/json", []byte(`{oops`))
	assert.Error(t, err)
}

func TestParseBody_URLEncodedForm(t *testing.T) {
	v, err := ParseBody("application/x-www-form-urlencoded", []byte("a=1&b=two&b=three"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"a": "1",
		"b": []any{"two", "three"},
	}, v)
}

func TestParseBody_Multipart(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("comment", "hello"))
	fw, err := mw.CreateFormFile("upload", "notes.txt")
	require.NoError(t, err)
	fw.Write([]byte("file contents"))
	require.NoError(t, mw.Close())

	v, err := ParseBody(mw.FormDataContentType(), buf.Bytes())
	require.NoError(t, err)

	parts, ok := v.([]any)
	require.True(t, ok)
	require.Len(t, parts, 2)

	first := parts[0].(map[string]any)
	assert.Equal(t, "comment", first["name"])
	assert.Equal(t, "hello", first["data"])

	second := parts[1].(map[string]any)
	assert.Equal(t, "upload", second["name"])
	assert.Equal(t, "notes.txt", second["filename"])
	assert.Equal(t, "file contents", second["data"])
}

func TestParseBody_MultipartWithoutBoundary(t *testing.T) {
	_, err := ParseBody("multipart/form-data", []byte("anything"))
	assert.Error(t, err)
}

func TestParseBody_RawText(t *testing.T) {
	v, err := ParseBody("text/plain", []byte("just text"))
	require.NoError(t, err)
	assert.Equal(t, "just text", v)
}

func TestParseBody_UnparseableContentTypeFallsBackToRaw(t *testing.T) {
	v, err := ParseBody("", []byte("bytes"))
	require.NoError(t, err)
	assert.Equal(t, "bytes", v)
}
