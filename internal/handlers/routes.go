package handlers

import (
	"github.com/gorilla/mux"
)

func RegisterRoutes(r *mux.Router, h *AudioHandler, adminToken string) {
	r.HandleFunc("/healthz", HandleHealth).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/uploads", h.HandleUpload).Methods("POST")
	v1.HandleFunc("/analyze", h.HandleAnalyze).Methods("POST")
	v1.HandleFunc("/assets/{id}", h.HandleGetAsset).Methods("GET")
	v1.HandleFunc("/objects/{path:.+}/url", h.HandleSignedURL).Methods("GET")
	v1.HandleFunc("/objects/{path:.+}/stream", h.HandleStream).Methods("GET")
	v1.HandleFunc("/ratelimit", h.HandleRateLimit).Methods("GET")

	// Without a token the admin surface is not mounted at all.
	if adminToken == "" {
		return
	}
	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(AdminMiddleware(adminToken))
	admin.HandleFunc("/cache/invalidate", h.InvalidateCache).Methods("POST")
	admin.HandleFunc("/cache/clear", h.ClearCache).Methods("POST")
	admin.HandleFunc("/cache/stats", h.CacheStats).Methods("GET")
	admin.HandleFunc("/keys/rotate", h.RotateKeys).Methods("POST")
	admin.HandleFunc("/audit", h.QueryAudit).Methods("GET")
}
