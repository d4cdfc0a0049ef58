package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/matheus3301/wppbak/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter builds the chi router for h.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(instrument(h.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", h.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/events", h.streamEvents)
		r.Get("/chats", h.listChats)

		r.Route("/backup", func(r chi.Router) {
			r.Get("/list", h.listBackups)
			r.Get("/schedule", h.backupSchedule)
			r.Get("/{chatId}/progress", h.backupProgress)
			r.Get("/{chatId}/messages", h.backupMessages)
			r.Get("/{chatId}/people", h.backupPeople)

			r.Group(func(r chi.Router) {
				r.Use(rateLimit(h.RateLimit))
				r.Post("/add", h.addBackup)
				r.Post("/{chatId}/backup-now", h.backupNow)
			})
		})

		r.Route("/session", func(r chi.Router) {
			r.Get("/status", h.sessionStatus)
			r.Get("/qr", h.sessionQRCode)
			r.Get("/qr.png", h.sessionQR)
			r.With(rateLimit(h.RateLimit)).Post("/auth", h.startAuth)
			r.With(rateLimit(h.RateLimit)).Post("/logout", h.logout)
		})

		r.Route("/messages", func(r chi.Router) {
			r.Get("/outbox", h.listOutbox)
			r.Group(func(r chi.Router) {
				r.Use(rateLimit(h.RateLimit))
				r.Post("/", h.sendMessage)
				r.Post("/bulk", h.sendBulk)
			})
		})
	})

	return r
}

func rateLimit(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.LimitByIP(perMinute, time.Minute)
}

// instrument logs each request and records its metrics under the matched
// route pattern.
func instrument(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			metrics.APIRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			metrics.APIRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", elapsed),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
