package middleware

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
)

// guardedWriter serialises writes between the handler goroutine and the
// timeout response. After expire, handler writes are dropped.
type guardedWriter struct {
	w       http.ResponseWriter
	header  http.Header
	mu      sync.Mutex
	expired bool
	wrote   bool
}

func newGuardedWriter(w http.ResponseWriter) *guardedWriter {
	return &guardedWriter{w: w, header: make(http.Header)}
}

// Header returns a private header map that is copied to the real writer on
// the first write. The handler can keep using it after a timeout without
// racing the timeout response.
func (g *guardedWriter) Header() http.Header {
	return g.header
}

func (g *guardedWriter) writeHeaderLocked(code int) {
	if g.wrote {
		return
	}
	g.wrote = true
	dst := g.w.Header()
	for k, v := range g.header {
		dst[k] = v
	}
	g.w.WriteHeader(code)
}

func (g *guardedWriter) WriteHeader(code int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.expired {
		return
	}
	g.writeHeaderLocked(code)
}

func (g *guardedWriter) Write(b []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.expired {
		return 0, http.ErrHandlerTimeout
	}
	g.writeHeaderLocked(http.StatusOK)
	return g.w.Write(b)
}

// expire marks the writer timed out. It reports whether the handler had
// not written anything yet, in which case the caller owns the response.
func (g *guardedWriter) expire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expired = true
	return !g.wrote
}

// Timeout bounds request handling. The handler sees a context with the
// deadline; if it has not started writing when the deadline passes, the
// client gets a 504 and later handler writes are discarded.
func Timeout(d time.Duration) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()

			gw := newGuardedWriter(w)
			done := make(chan struct{})
			panicked := make(chan any, 1)

			go func() {
				defer close(done)
				defer func() {
					if p := recover(); p != nil {
						panicked <- p
					}
				}()
				next.ServeHTTP(gw, r.WithContext(ctx))
			}()

			select {
			case <-done:
				select {
				case p := <-panicked:
					// Re-raise on the serving goroutine so Recovery sees it.
					panic(p)
				default:
				}
			case <-ctx.Done():
				if gw.expire() && errors.Is(ctx.Err(), context.DeadlineExceeded) {
					writeError(w, http.StatusGatewayTimeout, "Request timeout", start)
				}
			}
		})
	}
}
