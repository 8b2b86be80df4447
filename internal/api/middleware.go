package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/madiyars/payments-ledger/internal/lib/jwt"

	"github.com/google/uuid"
)

type contextKey string

const usernameKey contextKey = "username"

// authenticate parses the bearer header, verifies the token and puts the
// subject into the request context.
func (s *APIServer) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenHeader := r.Header.Get("Authorization")
		if tokenHeader == "" {
			s.respondError(w, http.StatusUnauthorized, "Токен отсутствует", r.Method, r.URL.Path)
			return
		}

		parts := strings.Split(tokenHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.respondError(w, http.StatusUnauthorized, "Неверный формат токена", r.Method, r.URL.Path)
			return
		}

		claims, err := jwt.ParseToken(parts[1], s.jwtSecret)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "Invalid token", r.Method, r.URL.Path)
			return
		}

		r = r.WithContext(context.WithValue(r.Context(), usernameKey, claims.Subject))
		next(w, r)
	}
}

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *APIServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		requestID := uuid.New().String()
		start := time.Now()

		next.ServeHTTP(rec, r)

		attrs := []any{
			slog.String("request_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote_addr", r.RemoteAddr),
			slog.Int("status", rec.status),
			slog.String("latency", time.Since(start).String()),
		}
		if rec.status >= http.StatusInternalServerError {
			s.logger.Error("Request failed", attrs...)
		} else {
			s.logger.Info("Request completed", attrs...)
		}
	})
}
