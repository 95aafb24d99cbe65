package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey int

const jobIDKey contextKey = 0

// JobIDFromContext returns the job id injected by RequestIDMiddleware.
func JobIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey).(string)
	return id
}

// RequestIDMiddleware takes the job id of a request from a header, or
// generates a new one, and injects it into the request context.
type RequestIDMiddleware struct {
	Header string
}

func (m RequestIDMiddleware) injectRequestContext(r *http.Request) *http.Request {
	if JobIDFromContext(r.Context()) != "" {
		return r
	}

	id := ""
	if m.Header != "" {
		id = r.Header.Get(m.Header)
	}
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}
	return r.WithContext(context.WithValue(r.Context(), jobIDKey, id))
}

// Wrap implements Middleware
func (m RequestIDMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = m.injectRequestContext(r)
		if m.Header != "" {
			w.Header().Set(m.Header, JobIDFromContext(r.Context()))
		}
		next.ServeHTTP(w, r)
	})
}
