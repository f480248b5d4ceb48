package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
)

// CookieName carries the session identifier between visits
const CookieName = "STENCILSID"

// allocRetries bounds the identifier allocation loop so a tiny test
// keyspace cannot livelock it.
const allocRetries = 16

// generateID produces a candidate session identifier. Replaceable in
// tests to force collisions.
var generateID = func() (string, error) {
	return gonanoid.New()
}

// SetCookie is the cookie the caller must attach to the response when
// a fresh session was materialized.
type SetCookie struct {
	Name   string
	Value  string
	Path   string
	MaxAge int
}

// String renders the Set-Cookie header value
func (c *SetCookie) String() string {
	hc := http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     c.Path,
		MaxAge:   c.MaxAge,
		HttpOnly: true,
	}
	return hc.String()
}

// InitOptions configures session materialization
type InitOptions struct {
	ExpirySeconds int
	CookiePath    string
}

// Handle is one request's view of the store. It starts uninitialized;
// reads before Init (or when Init could not materialize a session)
// report every key as absent.
type Handle struct {
	store       *Store
	cookieID    string // identifier carried by the request cookie, if any
	id          string
	expiry      time.Duration
	initialized bool
	closed      bool
}

// Handle creates a request-scoped handle from the raw Cookie header
func (s *Store) Handle(cookieHeader string) *Handle {
	h := &Handle{store: s}
	if cookieHeader == "" {
		return h
	}
	header := http.Header{}
	header.Add("Cookie", cookieHeader)
	req := http.Request{Header: header}
	if c, err := req.Cookie(CookieName); err == nil {
		h.cookieID = c.Value
	}
	return h
}

// ID returns the session identifier, empty before initialization
func (h *Handle) ID() string {
	return h.id
}

// Init materializes the session. It is idempotent per handle. An
// identifier named by the request cookie is adopted when it still
// exists in the store; otherwise a fresh identifier is allocated, but
// only when the caller can still attach a Set-Cookie header
// (canSetCookie). The returned SetCookie is nil when no cookie needs
// to be sent. Init also deletes every expired row store-wide.
func (h *Handle) Init(opts InitOptions, canSetCookie bool) (*SetCookie, error) {
	if h.initialized || h.closed {
		return nil, nil
	}
	if opts.ExpirySeconds <= 0 {
		return nil, fmt.Errorf("session expiry must be positive, got %d", opts.ExpirySeconds)
	}

	now := time.Now()
	h.store.cleanup(now)
	h.expiry = time.Duration(opts.ExpirySeconds) * time.Second

	if h.cookieID != "" {
		found, err := h.store.exists(h.cookieID, now)
		if err != nil {
			return nil, err
		}
		if found {
			h.id = h.cookieID
			h.initialized = true
			return nil, nil
		}
	}

	if !canSetCookie {
		// No way to hand the identifier back to the visitor; the
		// session stays unmaterialized and reads keep returning
		// absent.
		return nil, nil
	}

	id, err := h.allocate(now)
	if err != nil {
		return nil, err
	}
	h.id = id
	h.initialized = true

	path := opts.CookiePath
	if path == "" {
		path = "/"
	}
	return &SetCookie{
		Name:   CookieName,
		Value:  id,
		Path:   path,
		MaxAge: opts.ExpirySeconds,
	}, nil
}

// allocate claims a fresh, collision-free identifier. Each attempt
// runs a transaction: check, insert sentinel, commit. Any conflict
// rolls back and retries with a new candidate after a short jitter.
func (h *Handle) allocate(now time.Time) (string, error) {
	expires := now.Add(h.expiry).Unix()

	for attempt := 0; attempt < allocRetries; attempt++ {
		id, err := generateID()
		if err != nil {
			return "", fmt.Errorf("failed to generate session identifier: %w", err)
		}

		tx, err := h.store.db.Begin()
		if err != nil {
			jitter(attempt)
			continue
		}

		var taken bool
		err = tx.QueryRow(
			"SELECT EXISTS(SELECT 1 FROM session_rows WHERE session_id = ?)", id,
		).Scan(&taken)
		if err != nil || taken {
			tx.Rollback()
			jitter(attempt)
			continue
		}

		_, err = tx.Exec(
			"INSERT INTO session_rows (session_id, key, value, expires_at) VALUES (?, ?, ?, ?)",
			id, sentinelKey, "", expires,
		)
		if err != nil {
			tx.Rollback()
			jitter(attempt)
			continue
		}

		if err := tx.Commit(); err != nil {
			tx.Rollback()
			jitter(attempt)
			continue
		}

		log.Debug().Str("session_id", id).Msg("Session allocated")
		return id, nil
	}
	return "", fmt.Errorf("failed to allocate session identifier after %d attempts", allocRetries)
}

func jitter(attempt int) {
	time.Sleep(time.Duration(rand.Intn(2+attempt)) * time.Millisecond)
}

// Get returns the value for a key. The second return is false when
// the key is absent or the session is uninitialized; it never errors
// for a missing key.
func (h *Handle) Get(key string) (any, bool, error) {
	if !h.initialized || h.closed {
		return nil, false, nil
	}

	var raw string
	err := h.store.db.QueryRow(
		"SELECT value FROM session_rows WHERE session_id = ? AND key = ? AND expires_at > ?",
		h.id, key, time.Now().Unix(),
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read session key: %w", err)
	}

	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, false, fmt.Errorf("failed to decode session value: %w", err)
	}
	return v, true, nil
}

// GetAll returns every live key/value pair of the session
func (h *Handle) GetAll() (map[string]any, error) {
	out := make(map[string]any)
	if !h.initialized || h.closed {
		return out, nil
	}

	rows, err := h.store.db.Query(
		"SELECT key, value FROM session_rows WHERE session_id = ? AND key != ? AND expires_at > ?",
		h.id, sentinelKey, time.Now().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("failed to decode session value: %w", err)
		}
		out[key] = v
	}
	return out, rows.Err()
}

// Set stores a key/value pair. The delete-then-insert runs under a
// transaction and retries on conflict, since overlapping requests can
// drive the same session from two workers.
func (h *Handle) Set(key string, value any) error {
	if !h.initialized || h.closed {
		return fmt.Errorf("session is not initialized")
	}
	if key == "" {
		return fmt.Errorf("session key cannot be empty")
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("session value is not serializable: %w", err)
	}
	expires := time.Now().Add(h.expiry).Unix()

	var lastErr error
	for attempt := 0; attempt < allocRetries; attempt++ {
		tx, err := h.store.db.Begin()
		if err != nil {
			lastErr = err
			jitter(attempt)
			continue
		}

		if _, err := tx.Exec(
			"DELETE FROM session_rows WHERE session_id = ? AND key = ?", h.id, key,
		); err != nil {
			tx.Rollback()
			lastErr = err
			jitter(attempt)
			continue
		}

		if _, err := tx.Exec(
			"INSERT INTO session_rows (session_id, key, value, expires_at) VALUES (?, ?, ?, ?)",
			h.id, key, string(raw), expires,
		); err != nil {
			tx.Rollback()
			lastErr = err
			jitter(attempt)
			continue
		}

		if err := tx.Commit(); err != nil {
			tx.Rollback()
			lastErr = err
			jitter(attempt)
			continue
		}
		return nil
	}
	return fmt.Errorf("failed to write session key after %d attempts: %w", allocRetries, lastErr)
}

// Delete removes a key. Deleting an absent key is not an error.
func (h *Handle) Delete(key string) error {
	if !h.initialized || h.closed || key == "" {
		return nil
	}
	if _, err := h.store.db.Exec(
		"DELETE FROM session_rows WHERE session_id = ? AND key = ?", h.id, key,
	); err != nil {
		return fmt.Errorf("failed to delete session key: %w", err)
	}
	return nil
}

// Close ends the handle; further operations are no-ops
func (h *Handle) Close() error {
	h.closed = true
	return nil
}
