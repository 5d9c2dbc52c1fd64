// Package httpapi exposes the sync server over HTTP with JSON bodies. The
// routes mirror exactly what the device transport in internal/device/remote
// requests.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/openclinic/chartsync/internal/api"
	"github.com/openclinic/chartsync/internal/logging"
)

// SyncAPI is the subset of services.SyncService the handlers call.
type SyncAPI interface {
	Push(ctx context.Context, req *api.PushRequest) (*api.PushResponse, error)
	Changes(ctx context.Context, collection string, cursor int64, limit int) (*api.PullResponse, error)
	Manifest(ctx context.Context, collection string) (*api.ManifestResponse, error)
	Records(ctx context.Context, collection string, ids []string) (*api.FetchResponse, error)
}

// AttachmentAPI is the subset of services.AttachmentService the handlers call.
type AttachmentAPI interface {
	UploadURL(ctx context.Context, recordID string) (string, error)
	MarkUploaded(ctx context.Context, recordID string) error
	DownloadURL(ctx context.Context, recordID string) (string, error)
}

type Handler struct {
	sync        SyncAPI
	attachments AttachmentAPI
	logger      logging.Logger
}

// NewRouter builds the chi mux serving the sync API.
func NewRouter(sync SyncAPI, attachments AttachmentAPI, logger logging.Logger) *chi.Mux {
	h := &Handler{
		sync:        sync,
		attachments: attachments,
		logger:      logger.With("component", "httpapi"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)

	r.Get("/api/ping", h.ping)

	r.Route("/api/sync", func(r chi.Router) {
		r.Post("/push", h.push)
		r.Get("/changes", h.changes)
		r.Get("/manifest", h.manifest)
		r.Get("/records", h.records)
	})

	r.Route("/api/attachments/{id}", func(r chi.Router) {
		r.Post("/upload-url", h.uploadURL)
		r.Post("/uploaded", h.markUploaded)
		r.Get("/download-url", h.downloadURL)
	})

	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug(r.Context(), "request handled",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration", time.Since(start))
	})
}
