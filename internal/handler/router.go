package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type RouterConfig struct {
	Storage        *StorageHandler
	Quota          *StorageQuotaHandler
	Verifier       TokenVerifier
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Logger.Named("http")))
	r.Use(middleware.Recoverer)
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(authenticate(cfg.Verifier, cfg.Logger.Named("auth")))

		r.Get("/quota", cfg.Storage.GetQuota)
		r.Get("/files", cfg.Storage.ListFiles)
		r.Post("/upload", cfg.Storage.UploadFile)

		r.Route("/files/{id}", func(r chi.Router) {
			r.Get("/download", cfg.Storage.DownloadFile)
			r.Delete("/", cfg.Storage.DeleteFile)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireAdmin)
			r.Put("/quota/limit", cfg.Quota.UpdateQuotaLimit)
			r.Post("/quota/recalculate", cfg.Quota.Recalculate)
		})
	})

	return r
}
