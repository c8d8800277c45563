package server

import (
	"context"
	"net/http"
	"sync"
)

// Counter tracks in-flight requests that should block shutdown until they
// finish draining.
type Counter struct {
	mu   sync.Mutex
	n    int64
	zero chan struct{}
}

// Add marks one request as in flight.
func (c *Counter) Add() {
	c.mu.Lock()
	if c.n == 0 {
		c.zero = make(chan struct{})
	}
	c.n++
	c.mu.Unlock()
}

// Done marks one request as finished.
func (c *Counter) Done() {
	c.mu.Lock()
	if c.n > 0 {
		c.n--
		if c.n == 0 && c.zero != nil {
			close(c.zero)
			c.zero = nil
		}
	}
	c.mu.Unlock()
}

// Load returns the current in-flight count.
func (c *Counter) Load() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// Wait blocks until the count reaches zero or ctx is done, reporting which
// happened.
func (c *Counter) Wait(ctx context.Context) bool {
	c.mu.Lock()
	if c.n == 0 {
		c.mu.Unlock()
		return true
	}
	ch := c.zero
	c.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// Middleware counts each request for the duration of its handler.
func (c *Counter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c.Add()
			defer c.Done()
			next.ServeHTTP(w, r)
		})
	}
}
