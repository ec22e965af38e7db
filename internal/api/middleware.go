package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"
)

type actorKey struct{}

// actorFrom names the API key that authenticated the request
func actorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// tracking tokens in the query string stay out of the log
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"bytes", ww.BytesWritten(),
			"remote_addr", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// authMiddleware checks the presented key against the configured bcrypt hashes
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.config.APIKeys) == 0 {
			// No API key configured, allow all
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			auth = r.Header.Get("X-API-Key")
		}
		auth = strings.TrimPrefix(auth, "Bearer ")

		if auth != "" {
			for i, hash := range s.config.APIKeys {
				if bcrypt.CompareHashAndPassword([]byte(hash), []byte(auth)) == nil {
					ctx := context.WithValue(r.Context(), actorKey{}, fmt.Sprintf("api-key-%d", i))
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
		}

		s.logger.Warn("unauthorized API request",
			"remote_addr", r.RemoteAddr,
			"path", r.URL.Path,
		)
		s.sendError(w, http.StatusUnauthorized, "Unauthorized")
	})
}

// bodyLimitMiddleware caps request bodies; datalab uploads carry whole datasets
func (s *Server) bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.MaxBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}
