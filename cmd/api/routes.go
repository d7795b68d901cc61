package main

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixelforge/backend/internal/apierror"
	"github.com/pixelforge/backend/internal/metrics"
)

// RegisterSupportRoutes adds the non-API endpoints: health, metrics and the
// blob file server behind STORAGE_PUBLIC_URL.
func RegisterSupportRoutes(mux *http.ServeMux, pool *pgxpool.Pool, blobDir string) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			apierror.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		apierror.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.Handle("GET /metrics", metrics.Handler())

	files := http.StripPrefix("/files/", http.FileServer(http.Dir(blobDir)))
	mux.Handle("GET /files/", noDirListing(files))
}

func noDirListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(r.URL.Path) == 0 || r.URL.Path[len(r.URL.Path)-1] == '/' {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
