package security

import (
	"net/url"
	"strings"
)

// sensitiveParams are query parameter name fragments that likely carry
// secrets.
var sensitiveParams = []string{
	"password", "passwd", "pwd", "secret", "token", "api_key", "apikey",
	"api-key", "auth", "bearer", "credential", "key", "session", "sid",
}

// RedactURL strips credentials and secret-looking query values from a URL
// so it can be logged. Unparseable input is replaced entirely.
func RedactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "[invalid-url]"
	}
	if u.User != nil {
		u.User = url.User("[REDACTED]")
	}
	if u.RawQuery == "" {
		return u.String()
	}

	q := u.Query()
	changed := false
	for name := range q {
		if isSensitive(name) {
			q[name] = []string{"[REDACTED]"}
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func isSensitive(name string) bool {
	name = strings.ToLower(name)
	for _, p := range sensitiveParams {
		if strings.Contains(name, p) {
			return true
		}
	}
	return false
}
