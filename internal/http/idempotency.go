package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SavedResponse is a completed response kept for replay under its
// Idempotency-Key.
type SavedResponse struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// IdempotencyStore remembers mutating requests by key.
type IdempotencyStore interface {
	// Reserve claims key. A key that already completed returns its saved
	// response; a key still in flight returns ok == false and no response.
	Reserve(ctx context.Context, key string) (saved *SavedResponse, ok bool, err error)
	Complete(ctx context.Context, key string, resp SavedResponse) error
	Release(ctx context.Context, key string) error
}

const (
	idempotencyHeader = "Idempotency-Key"
	inFlight          = "PROCESSING"
)

type RedisIdempotency struct {
	client  redis.UniversalClient
	ttl     time.Duration
	lockTTL time.Duration
}

func NewRedisIdempotency(client redis.UniversalClient, ttl time.Duration) *RedisIdempotency {
	return &RedisIdempotency{client: client, ttl: ttl, lockTTL: 10 * time.Second}
}

func (r *RedisIdempotency) Reserve(ctx context.Context, key string) (*SavedResponse, bool, error) {
	acquired, err := r.client.SetNX(ctx, key, inFlight, r.lockTTL).Result()
	if err != nil {
		return nil, false, err
	}
	if acquired {
		return nil, true, nil
	}
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET; let the caller retry
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if val == inFlight {
		return nil, false, nil
	}
	var saved SavedResponse
	if err := json.Unmarshal([]byte(val), &saved); err != nil {
		return nil, false, fmt.Errorf("decode saved response: %w", err)
	}
	return &saved, false, nil
}

func (r *RedisIdempotency) Complete(ctx context.Context, key string, resp SavedResponse) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, b, r.ttl).Err()
}

func (r *RedisIdempotency) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

type memEntry struct {
	resp    *SavedResponse
	expires time.Time
}

// MemoryIdempotency is the single-process store used without Redis.
type MemoryIdempotency struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memEntry
	now     func() time.Time
}

func NewMemoryIdempotency(ttl time.Duration) *MemoryIdempotency {
	return &MemoryIdempotency{ttl: ttl, entries: make(map[string]memEntry), now: time.Now}
}

func (m *MemoryIdempotency) Reserve(_ context.Context, key string) (*SavedResponse, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expires) {
		return e.resp, false, nil
	}
	m.entries[key] = memEntry{expires: now.Add(10 * time.Second)}
	return nil, true, nil
}

func (m *MemoryIdempotency) Complete(_ context.Context, key string, resp SavedResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{resp: &resp, expires: m.now().Add(m.ttl)}
	return nil
}

func (m *MemoryIdempotency) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// idempotencyMiddleware replays the saved response of a POST repeated with
// the same Idempotency-Key by the same actor. Server errors are not saved so
// the client may retry them.
func (s *Server) idempotencyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(idempotencyHeader)
		if s.idem == nil || r.Method != http.MethodPost || header == "" {
			next.ServeHTTP(w, r)
			return
		}
		actor, _ := actorFrom(r.Context())
		key := fmt.Sprintf("idempotency:%s:%s:%s", actor, r.URL.Path, header)
		ctx := r.Context()

		saved, ok, err := s.idem.Reserve(ctx, key)
		switch {
		case err != nil:
			s.logger.Warn("idempotency store unavailable", "error", err)
			next.ServeHTTP(w, r)
			return
		case saved != nil:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotency-Replayed", "true")
			w.WriteHeader(saved.Status)
			_, _ = w.Write(saved.Body)
			return
		case !ok:
			writeJSON(w, http.StatusConflict, errorBody{Error: "request_in_progress", Message: "a request with this Idempotency-Key is still running"})
			return
		}

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK, body: &bytes.Buffer{}}
		next.ServeHTTP(rw, r)

		if rw.status >= http.StatusInternalServerError {
			err = s.idem.Release(ctx, key)
		} else {
			err = s.idem.Complete(ctx, key, SavedResponse{Status: rw.status, Body: rw.body.Bytes()})
		}
		if err != nil {
			s.logger.Warn("idempotency bookkeeping failed", "key", header, "error", err)
		}
	})
}
