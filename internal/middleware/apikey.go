package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/Rorqualx/popguard-go/internal/config"
)

// openPaths are reachable without a key so health checks keep working.
var openPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// APIKey rejects requests without the configured key. The key is read from
// the X-API-Key header or an Authorization bearer token. Query parameters
// are not accepted since they end up in access logs.
func APIKey(cfg *config.Config) Middleware {
	want := []byte(cfg.APIKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.APIKeyEnabled || openPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("X-API-Key")
			if key == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					key = strings.TrimPrefix(auth, "Bearer ")
				}
			}

			if len(want) == 0 || subtle.ConstantTimeCompare([]byte(key), want) != 1 {
				writeError(w, http.StatusUnauthorized, "Invalid or missing API key", time.Now())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
