// Package pagecache maps template files to compiled programs, reusing
// a compilation until the file's modification time moves past the one
// observed at compile time. Each worker process owns one cache;
// entries are never evicted, only replaced on recompilation.
package pagecache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/velhart/stencild/pkg/stencil"
)

// ErrNotFound is returned when the template file does not exist
var ErrNotFound = errors.New("page not found")

// CompileError wraps a template syntax error with its file path
type CompileError struct {
	Path string
	Err  error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile %s: %v", e.Path, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

type entry struct {
	modTime time.Time
	prog    *stencil.Program
}

// Cache is a per-worker page compilation cache. The worker executes
// one request at a time, so the mutex only matters for tests that
// poke the cache concurrently.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	compiles int64
}

// New creates an empty cache
func New() *Cache {
	return &Cache{entries: make(map[string]*entry)}
}

// Resolve returns the compiled program for a template file. The path
// is canonicalized through symlinks; the cached program is reused when
// its recorded modification time is at or after the file's current
// one. A failed compile never replaces an entry, so the next request
// retries.
func (c *Cache) Resolve(path string) (*stencil.Program, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}

	info, err := os.Stat(canonical)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat %s: %w", canonical, err)
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[canonical]; ok && !info.ModTime().After(e.modTime) {
		return e.prog, nil
	}

	src, err := os.ReadFile(canonical)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", canonical, err)
	}

	c.compiles++
	prog, err := stencil.Compile(canonical, string(src))
	if err != nil {
		return nil, &CompileError{Path: canonical, Err: err}
	}

	c.entries[canonical] = &entry{modTime: info.ModTime(), prog: prog}
	return prog, nil
}

// Compiles returns how many compilations the cache has performed
func (c *Cache) Compiles() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compiles
}

// Len returns the number of cached entries
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
