package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/marketlens/core/pkg/logger"
)

// APIKeyAuth guards administrative endpoints with an X-API-Key header.
// When allowInsecure is true the check is skipped entirely; when no key
// is configured requests are refused rather than silently allowed.
func APIKeyAuth(apiKey string, allowInsecure bool, log *logger.Logger) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if allowInsecure {
				next(w, r)
				return
			}

			if apiKey == "" {
				writeAuthError(w, http.StatusServiceUnavailable,
					"DATALOADER_API_KEY is not configured. Set it or enable DATALOADER_ALLOW_INSECURE=true only for development.")
				return
			}

			provided := r.Header.Get("X-API-Key")
			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				log.Warn().
					Str("action", "auth_rejected").
					Str("path", r.URL.Path).
					Str("remote_addr", r.RemoteAddr).
					Msg("Rejected request with invalid API key")
				writeAuthError(w, http.StatusUnauthorized, "Invalid API key")
				return
			}

			next(w, r)
		}
	}
}

func writeAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
