package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/marketlens/core/pkg/logger"
)

func TestAPIKeyAuth(t *testing.T) {
	tests := []struct {
		name          string
		apiKey        string
		allowInsecure bool
		provided      string
		wantStatus    int
		wantNext      bool
	}{
		{
			name:       "valid key passes",
			apiKey:     "secret",
			provided:   "secret",
			wantStatus: http.StatusNoContent,
			wantNext:   true,
		},
		{
			name:       "wrong key rejected",
			apiKey:     "secret",
			provided:   "guess",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "missing key rejected",
			apiKey:     "secret",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "unconfigured key refuses requests",
			apiKey:     "",
			provided:   "anything",
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:          "insecure mode skips the check",
			apiKey:        "",
			allowInsecure: true,
			wantStatus:    http.StatusNoContent,
			wantNext:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nextCalled := false
			next := func(w http.ResponseWriter, r *http.Request) {
				nextCalled = true
				w.WriteHeader(http.StatusNoContent)
			}

			auth := APIKeyAuth(tt.apiKey, tt.allowInsecure, logger.New("test"))
			req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
			if tt.provided != "" {
				req.Header.Set("X-API-Key", tt.provided)
			}
			rec := httptest.NewRecorder()
			auth(next)(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if nextCalled != tt.wantNext {
				t.Errorf("next called = %v, want %v", nextCalled, tt.wantNext)
			}
		})
	}
}

func TestCORS_Preflight(t *testing.T) {
	nextCalled := false
	handler := CORS(func(w http.ResponseWriter, r *http.Request) { nextCalled = true })

	req := httptest.NewRequest(http.MethodOptions, "/api/jobs", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if nextCalled {
		t.Error("preflight must not reach the handler")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q", got)
	}
}
