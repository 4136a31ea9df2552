package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/JonMunkholm/csvrouter/internal/config"
)

// APIKeyAuth checks the X-API-Key header against the configured keys when
// cfg.RequireAPIKey is set. A missing key is 401, a wrong one 403.
func APIKeyAuth(cfg *config.SecurityConfig) func(http.Handler) http.Handler {
	keys := make([][]byte, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys = append(keys, []byte(k))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.RequireAPIKey {
				next.ServeHTTP(w, r)
				return
			}

			apiKey := r.Header.Get("X-API-Key")
			switch {
			case apiKey == "":
				reject(w, r, http.StatusUnauthorized, "missing API key", "AUTH_MISSING_KEY")
			case !isValidAPIKey([]byte(apiKey), keys):
				reject(w, r, http.StatusForbidden, "invalid API key", "AUTH_INVALID_KEY")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func reject(w http.ResponseWriter, r *http.Request, status int, msg, code string) {
	slog.Warn("auth: "+msg,
		"path", r.URL.Path,
		"method", r.Method,
		"remote_addr", r.RemoteAddr,
	)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `","code":"` + code + `"}`))
}

// isValidAPIKey compares against every key in constant time.
func isValidAPIKey(key []byte, valid [][]byte) bool {
	ok := 0
	for _, v := range valid {
		ok |= subtle.ConstantTimeCompare(key, v)
	}
	return ok == 1
}
