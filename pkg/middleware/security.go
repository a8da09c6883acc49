package middleware

import (
	"fmt"
	"net/http"
)

// BodySizeLimiter limits request body size to prevent memory exhaustion
func BodySizeLimiter(maxSize int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxSize {
				http.Error(w, fmt.Sprintf("Request body too large (max %d bytes)", maxSize), http.StatusRequestEntityTooLarge)
				return
			}

			// Wrap the body to enforce the limit even if Content-Length is not set
			r.Body = http.MaxBytesReader(w, r.Body, maxSize)

			next.ServeHTTP(w, r)
		})
	}
}

// SecureHeaders adds security headers to API responses. Listings may be
// private (saved, hidden, inbox) so shared caches must not keep them.
func SecureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "private, no-cache")

		// HSTS (only if using HTTPS)
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}
