package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/replyforge/chatbot-platform/internal/config"
)

// RateLimit limits authenticated API traffic per tenant, falling back to
// the client IP for requests without a tenant claim.
func RateLimit(cfg *config.Config) func(http.Handler) http.Handler {
	return httprate.Limit(
		cfg.RateLimitRequests,
		cfg.RateLimitWindow,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if tenantID := GetTenantID(r.Context()); tenantID != "" {
				return tenantID, nil
			}
			return httprate.KeyByRealIP(r)
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
		}),
	)
}

// WidgetRateLimit limits unauthenticated widget traffic per chatbot and
// client IP, so one noisy visitor cannot starve a bot's other visitors.
func WidgetRateLimit(cfg *config.Config) func(http.Handler) http.Handler {
	return httprate.Limit(
		cfg.WidgetRateLimitRequests,
		cfg.WidgetRateLimitWindow,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			ip, err := httprate.KeyByRealIP(r)
			if err != nil {
				return "", err
			}
			return chi.URLParam(r, "chatbotID") + ":" + ip, nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
		}),
	)
}
