package middleware

import (
	"net/http"
	"strings"
)

// CaseInsensitiveMiddleware lowercases URL paths so /API/Scan and /api/scan match.
// Scanned QR codes often carry uppercase URLs since that encodes more compactly.
func CaseInsensitiveMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.URL.Path = strings.ToLower(r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
