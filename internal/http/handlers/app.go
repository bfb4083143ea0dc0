package handlers

import (
	"encoding/json"
	"net/http"

	"server/internal/callback"
	"server/internal/enhance"
	"server/internal/infra"
	"server/internal/metrics"
	"server/internal/storage"
	"server/internal/stream"
)

// App bundles the handler dependencies. Everything is injected; handlers hold
// no hidden globals.
type App struct {
	SQL          infra.SQLClient
	Logger       infra.Logger
	Orchestrator *enhance.Orchestrator
	Ingestor     *callback.Ingestor
	Broadcaster  *stream.Broadcaster
	Uploads      *storage.Uploader
	Metrics      *metrics.Pipeline

	MaxMegapixels  float64
	MaxUploadBytes int64
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, map[string]any{
		"error":   code,
		"message": message,
	})
}
