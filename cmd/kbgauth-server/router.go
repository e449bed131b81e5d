package main

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/kbgapp/kbgauth"
	"github.com/kbgapp/kbgauth/middleware"
)

// newRouter mounts the auth API. metrics may be nil.
func newRouter(a *api, origins []string, metrics http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Set-Cookie"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestContext)
	r.Use(chimw.Recoverer)
	r.Use(logRequests(a.logger))

	// Left as a nil interface when the engine issues its own sessions, so
	// the guards reject instead of calling into a nil manager.
	var sessions middleware.SessionVerifier
	if m := a.engine.SessionManager(); m != nil {
		sessions = m
	}

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/register", a.handleRegister)
		r.Post("/login", a.handleLogin)
		r.Post("/login/otp", a.handleLoginOTP)
		r.Post("/logout", a.handleLogout)

		// Reset routes are anonymous; a valid session is attached so the
		// engine can turn logged-in callers away.
		r.Group(func(r chi.Router) {
			r.Use(middleware.OptionalSession(sessions))
			r.Post("/password-reset", a.handleResetRequest)
			r.Get("/password-reset/validate", a.handleResetValidate)
			r.Post("/password-reset/confirm", a.handleResetConfirm)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireSession(sessions))
			r.Get("/me", a.handleMe)
			r.Post("/change-password", a.handleChangePassword)
			r.Post("/2fa/enroll", a.handleTOTPBegin)
			r.Post("/2fa/confirm", a.handleTOTPConfirm)
			r.Post("/2fa/disable", a.handleTOTPDisable)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	return r
}

// requestContext copies the request id and client address into the values
// the engine attaches to audit events.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := chimw.GetReqID(ctx); id != "" {
			ctx = kbgauth.WithRequestID(ctx, id)
		}
		ctx = kbgauth.WithClientIP(ctx, clientIP(r.RemoteAddr))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func clientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

func logRequests(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("elapsed", time.Since(start)),
				slog.String("request_id", chimw.GetReqID(r.Context())),
			)
		})
	}
}
