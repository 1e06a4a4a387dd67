package proxy

import (
	"net/http"
	"strings"
)

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// requestKey pulls the client key from wherever the three dialects put
// it: Authorization bearer, the Anthropic x-api-key header, the Google
// x-goog-api-key header, or a ?key= query parameter.
func requestKey(r *http.Request) string {
	if tok := bearerToken(r.Header); tok != "" {
		return tok
	}
	if k := strings.TrimSpace(r.Header.Get("x-api-key")); k != "" {
		return k
	}
	if k := strings.TrimSpace(r.Header.Get("x-goog-api-key")); k != "" {
		return k
	}
	return strings.TrimSpace(r.URL.Query().Get("key"))
}

func keyAllowed(key string, allowed []string) bool {
	if key == "" {
		return false
	}
	for _, k := range allowed {
		if key == k {
			return true
		}
	}
	return false
}

// authMiddleware checks the inbound key against the configured list.
// With no keys configured the gateway is open, which is the expected
// setup for loopback-only listeners.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys := s.store.Snapshot().IncomingKeys
		if len(keys) == 0 || keyAllowed(requestKey(r), keys) {
			next.ServeHTTP(w, r)
			return
		}
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": map[string]any{
				"message": "invalid or missing API key",
				"type":    "authentication_error",
			},
		})
	})
}
