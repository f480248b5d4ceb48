package session

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func initHandle(t *testing.T, s *Store) *Handle {
	t.Helper()
	h := s.Handle("")
	cookie, err := h.Init(InitOptions{ExpirySeconds: 60}, true)
	require.NoError(t, err)
	require.NotNil(t, cookie)
	return h
}

func TestInit_AllocatesAndSetsCookie(t *testing.T) {
	s := openStore(t)

	h := s.Handle("")
	cookie, err := h.Init(InitOptions{ExpirySeconds: 60, CookiePath: "/app"}, true)
	require.NoError(t, err)
	require.NotNil(t, cookie)

	assert.Equal(t, CookieName, cookie.Name)
	assert.Equal(t, h.ID(), cookie.Value)
	assert.Equal(t, "/app", cookie.Path)
	assert.Equal(t, 60, cookie.MaxAge)
	assert.NotEmpty(t, h.ID())
}

func TestInit_IsIdempotent(t *testing.T) {
	s := openStore(t)

	h := s.Handle("")
	first, err := h.Init(InitOptions{ExpirySeconds: 60}, true)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := h.Init(InitOptions{ExpirySeconds: 60}, true)
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.Equal(t, first.Value, h.ID())
}

func TestInit_AdoptsExistingCookie(t *testing.T) {
	s := openStore(t)
	h := initHandle(t, s)

	returning := s.Handle(fmt.Sprintf("%s=%s", CookieName, h.ID()))
	cookie, err := returning.Init(InitOptions{ExpirySeconds: 60}, true)
	require.NoError(t, err)

	// Known identifier adopted, no fresh cookie needed
	assert.Nil(t, cookie)
	assert.Equal(t, h.ID(), returning.ID())
}

func TestInit_UnknownCookieGetsFreshIdentifier(t *testing.T) {
	s := openStore(t)

	h := s.Handle(CookieName + "=stale-identifier")
	cookie, err := h.Init(InitOptions{ExpirySeconds: 60}, true)
	require.NoError(t, err)
	require.NotNil(t, cookie)
	assert.NotEqual(t, "stale-identifier", h.ID())
}

func TestInit_WithoutResponseStaysUnmaterialized(t *testing.T) {
	s := openStore(t)

	h := s.Handle("")
	cookie, err := h.Init(InitOptions{ExpirySeconds: 60}, false)
	require.NoError(t, err)
	assert.Nil(t, cookie)
	assert.Empty(t, h.ID())

	v, ok, err := h.Get("anything")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, v)
}

func TestInit_ConcurrentAllocationsAreDistinct(t *testing.T) {
	s := openStore(t)
	const n = 20

	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := s.Handle("")
			_, err := h.Init(InitOptions{ExpirySeconds: 300}, true)
			assert.NoError(t, err)
			ids[i] = h.ID()
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, id := range ids {
		require.NotEmpty(t, id)
		assert.False(t, seen[id], "identifier %q allocated twice", id)
		seen[id] = true
	}

	var sentinels int
	require.NoError(t, s.db.QueryRow(
		"SELECT COUNT(*) FROM session_rows WHERE key = ?", sentinelKey,
	).Scan(&sentinels))
	assert.Equal(t, n, sentinels)
}

func TestInit_RetriesOnIdentifierCollision(t *testing.T) {
	s := openStore(t)
	h1 := initHandle(t, s)

	// Force the generator to hand out the taken identifier first.
	orig := generateID
	calls := 0
	generateID = func() (string, error) {
		calls++
		if calls == 1 {
			return h1.ID(), nil
		}
		return orig()
	}
	defer func() { generateID = orig }()

	h2 := s.Handle("")
	_, err := h2.Init(InitOptions{ExpirySeconds: 60}, true)
	require.NoError(t, err)
	assert.NotEqual(t, h1.ID(), h2.ID())
	assert.GreaterOrEqual(t, calls, 2)
}

func TestSet_OverwriteKeepsOneRow(t *testing.T) {
	s := openStore(t)
	h := initHandle(t, s)

	require.NoError(t, h.Set("name", "v1"))
	require.NoError(t, h.Set("name", "v2"))

	v, ok, err := h.Get("name")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", v)

	var rows int
	require.NoError(t, s.db.QueryRow(
		"SELECT COUNT(*) FROM session_rows WHERE session_id = ? AND key = ?", h.ID(), "name",
	).Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestSet_RoundTripsJSONValues(t *testing.T) {
	s := openStore(t)
	h := initHandle(t, s)

	require.NoError(t, h.Set("profile", map[string]any{"name": "ada", "visits": 3.0}))
	v, ok, err := h.Get("profile")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"name": "ada", "visits": 3.0}, v)
}

func TestSet_RejectsEmptyKey(t *testing.T) {
	s := openStore(t)
	h := initHandle(t, s)
	assert.Error(t, h.Set("", "value"))
}

func TestGet_UninitializedIsAbsent(t *testing.T) {
	s := openStore(t)

	h := s.Handle("")
	v, ok, err := h.Get("key")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, v)

	all, err := h.GetAll()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestGet_MissingKeyIsAbsent(t *testing.T) {
	s := openStore(t)
	h := initHandle(t, s)

	v, ok, err := h.Get("never-set")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, v)
}

func TestGetAll_ExcludesSentinel(t *testing.T) {
	s := openStore(t)
	h := initHandle(t, s)

	require.NoError(t, h.Set("a", 1.0))
	require.NoError(t, h.Set("b", "two"))

	all, err := h.GetAll()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1.0, "b": "two"}, all)
}

func TestDelete_RemovesKey(t *testing.T) {
	s := openStore(t)
	h := initHandle(t, s)

	require.NoError(t, h.Set("gone", true))
	require.NoError(t, h.Delete("gone"))

	_, ok, err := h.Get("gone")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting again is not an error
	assert.NoError(t, h.Delete("gone"))
}

func TestInit_CleansUpExpiredRows(t *testing.T) {
	s := openStore(t)

	past := time.Now().Add(-time.Hour).Unix()
	future := time.Now().Add(time.Hour).Unix()
	_, err := s.db.Exec(
		"INSERT INTO session_rows (session_id, key, value, expires_at) VALUES (?, ?, ?, ?), (?, ?, ?, ?), (?, ?, ?, ?)",
		"dead", sentinelKey, "", past,
		"dead", "k", `"v"`, past,
		"alive", sentinelKey, "", future,
	)
	require.NoError(t, err)

	initHandle(t, s)

	var dead, alive int
	require.NoError(t, s.db.QueryRow(
		"SELECT COUNT(*) FROM session_rows WHERE session_id = ?", "dead").Scan(&dead))
	require.NoError(t, s.db.QueryRow(
		"SELECT COUNT(*) FROM session_rows WHERE session_id = ?", "alive").Scan(&alive))
	assert.Equal(t, 0, dead)
	assert.Equal(t, 1, alive)
}

func TestClose_MakesHandleInert(t *testing.T) {
	s := openStore(t)
	h := initHandle(t, s)
	require.NoError(t, h.Set("k", "v"))
	require.NoError(t, h.Close())

	_, ok, err := h.Get("k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Error(t, h.Set("k", "v2"))
}

func TestLogError_WritesRow(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.LogError("/page.stl", "/root/page.stl", "boom"))

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM error_log").Scan(&count))
	assert.Equal(t, 1, count)
}
