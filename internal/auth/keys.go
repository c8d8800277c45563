package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/gridserve/gridserve/core/logx"
)

type ctxKey struct{}

// KeyStore resolves an API key secret to its key id. The id is the principal
// that owns tasks and usage records; the secret itself never leaves this
// package.
type KeyStore interface {
	Validate(ctx context.Context, key string) (string, bool)
}

// MemoryStore is a process-local KeyStore seeded from configuration.
type MemoryStore struct {
	byKey map[string]string
}

// NewMemoryStore builds a store from an id -> secret map.
func NewMemoryStore(keys map[string]string) *MemoryStore {
	byKey := make(map[string]string, len(keys))
	for id, key := range keys {
		if key != "" {
			byKey[key] = id
		}
	}
	return &MemoryStore{byKey: byKey}
}

func (s *MemoryStore) Validate(_ context.Context, key string) (string, bool) {
	id, ok := s.byKey[key]
	return id, ok
}

// Middleware authenticates requests with an Authorization bearer token and
// stores the resolved key id on the request context. Requests without a
// valid key are rejected with 401.
func Middleware(store KeyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				unauthorized(w, "missing_api_key")
				return
			}
			id, ok := store.Validate(r.Context(), token)
			if !ok {
				logx.Log.Debug().Str("path", r.URL.Path).Msg("rejected request with unknown api key")
				unauthorized(w, "invalid_api_key")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithKeyID(r.Context(), id)))
		})
	}
}

// WithKeyID returns a context carrying the authenticated key id.
func WithKeyID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// KeyID returns the authenticated key id, if any.
func KeyID(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}

func unauthorized(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + code + `"}`))
}
