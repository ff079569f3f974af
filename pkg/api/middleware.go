package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/vantage6/vantage6/pkg/manager"
	"github.com/vantage6/vantage6/pkg/metrics"
)

type contextKey int

const claimsKey contextKey = iota

// claimsFrom returns the authenticated caller's claims; handlers behind the
// auth middleware can rely on it being present.
func claimsFrom(r *http.Request) *manager.Claims {
	claims, _ := r.Context().Value(claimsKey).(*manager.Claims)
	return claims
}

// bearerToken pulls the JWT out of the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// authenticate validates the bearer token and stashes its claims in the
// request context. An empty clientType accepts both node and container
// tokens.
func (s *Server) authenticate(clientType string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "authorization header missing")
				return
			}
			claims, err := s.mgr.Tokens().ParseAccess(token, clientType)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// statusRecorder captures the response code for the metrics middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// observe wraps the whole router with request counting and latency
// histograms.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// websocket upgrades hijack the connection; a recorder would
		// break the upgrade
		if r.URL.Path == "/tasks" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}
