package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/dukepan/dj-rooms-back/internal/contextkey"
)

// RequestIDMiddleware tags every request with a fresh ID. The logger picks it
// up from the context, and the client gets it back in X-Request-ID for
// support tickets.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		requestID := uuid.New()
		ctx := context.WithValue(req.Context(), contextkey.ContextKeyRequestID, requestID)
		req = req.WithContext(ctx)
		w.Header().Set("X-Request-ID", requestID.String())
		next.ServeHTTP(w, req)
	})
}
