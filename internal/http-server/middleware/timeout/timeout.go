package timeout

import (
	"context"
	"net/http"
	"time"
)

// Timeout bounds the request context so store and directory calls made by
// the handler give up once d elapses.
func Timeout(d time.Duration) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			if d <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()

			next.ServeHTTP(w, r.WithContext(ctx))
		}
		return http.HandlerFunc(fn)
	}
}

// Expired reports whether the request ran out of time, letting handlers map
// a failed call to 504 instead of 500.
func Expired(r *http.Request) bool {
	return r.Context().Err() == context.DeadlineExceeded
}
