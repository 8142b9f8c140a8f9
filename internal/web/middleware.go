package web

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const correlationIDKey contextKey = "correlationID"

// withCorrelationID assigns every request a correlation id, honouring a
// client-supplied X-Correlation-Id, and echoes it on the response.
func (s *Server) withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get("X-Correlation-Id")
		if cid == "" {
			cid = "corr_" + uuid.NewString()
		}
		w.Header().Set("X-Correlation-Id", cid)
		ctx := context.WithValue(r.Context(), correlationIDKey, cid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// correlationID returns the request's correlation id.
func correlationID(r *http.Request) string {
	cid, _ := r.Context().Value(correlationIDKey).(string)
	return cid
}

// withBearerAuth enforces the static API tokens. With no tokens configured
// the API is open; the startup log calls this out.
func (s *Server) withBearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.deps.Config.APITokens) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		h := r.Header.Get("Authorization")
		tok, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		for _, want := range s.deps.Config.APITokens {
			if tok == want {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeError(w, http.StatusUnauthorized, "invalid bearer token")
	})
}
