package pagecache

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePage(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestResolve_CachesUnchangedFile(t *testing.T) {
	dir := t.TempDir()
	path := writePage(t, dir, "page.stl", "Hello<%= 1+1 %>")

	cache := New()
	first, err := cache.Resolve(path)
	require.NoError(t, err)

	second, err := cache.Resolve(path)
	require.NoError(t, err)

	// Same compiled unit, not merely equal output
	assert.Same(t, first, second)
	assert.EqualValues(t, 1, cache.Compiles())
}

func TestResolve_RecompilesWhenModTimeAdvances(t *testing.T) {
	dir := t.TempDir()
	path := writePage(t, dir, "page.stl", "old")

	cache := New()
	first, err := cache.Resolve(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("new"), 0644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	second, err := cache.Resolve(path)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.EqualValues(t, 2, cache.Compiles())
}

func TestResolve_NotFound(t *testing.T) {
	cache := New()
	_, err := cache.Resolve(filepath.Join(t.TempDir(), "missing.stl"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.EqualValues(t, 0, cache.Compiles())
}

func TestResolve_DirectoryIsNotFound(t *testing.T) {
	dir := t.TempDir()
	cache := New()
	_, err := cache.Resolve(dir)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_CompileErrorIsNotCached(t *testing.T) {
	dir := t.TempDir()
	path := writePage(t, dir, "bad.stl", "<% var = %>")

	cache := New()
	_, err := cache.Resolve(path)
	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, 0, cache.Len())

	// Fixing the file makes the next request succeed even with the
	// same modification time ordering.
	require.NoError(t, os.WriteFile(path, []byte("fixed"), 0644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	prog, err := cache.Resolve(path)
	require.NoError(t, err)
	assert.NotNil(t, prog)
	assert.EqualValues(t, 2, cache.Compiles())
}

func TestResolve_SymlinksShareOneEntry(t *testing.T) {
	dir := t.TempDir()
	path := writePage(t, dir, "real.stl", "content")
	link := filepath.Join(dir, "alias.stl")
	if err := os.Symlink(path, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	cache := New()
	first, err := cache.Resolve(path)
	require.NoError(t, err)
	second, err := cache.Resolve(link)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, cache.Len())
}

func TestCompileError_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &CompileError{Path: "/p", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "/p")
}
