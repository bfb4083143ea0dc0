package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"server/internal/domain"
	"server/internal/jobstore"
	"server/internal/middleware"
	"server/internal/stream"
)

const (
	streamWriteWait = 10 * time.Second
	streamPingEvery = 30 * time.Second
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin enforcement happens in the CORS middleware; authenticated API
	// clients are not browsers for this endpoint.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamEnhancement upgrades to a websocket and pushes job updates until the
// job reaches a terminal state or the client goes away. The first frame is a
// snapshot of the current row so late joiners never miss the final state.
func (a *App) StreamEnhancement(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.TenantIDFromContext(r.Context())
	jobID := chi.URLParam(r, "job_id")

	job, err := jobstore.GetJobForTenant(r.Context(), a.SQL, jobID, tenantID)
	if errors.Is(err, domain.ErrNotFound) {
		a.error(w, http.StatusNotFound, "not_found", "enhancement job not found")
		return
	}
	if err != nil {
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("stream lookup failed")
		a.error(w, http.StatusInternalServerError, "internal", "could not open stream")
		return
	}

	var variants []domain.Variant
	if job.Status == domain.JobStatusCompleted {
		variants, _ = jobstore.Variants(r.Context(), a.SQL, job.ID)
	}

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		a.Logger.Warn().Err(err).Str("job_id", jobID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := a.Broadcaster.Register(jobID)
	defer a.Broadcaster.Close(jobID, sub)
	a.Metrics.StreamConnected()
	defer a.Metrics.StreamDisconnected()

	snapshot := stream.Event{
		Type:         stream.EventTypeJobUpdate,
		JobID:        job.ID,
		Status:       job.Status,
		Progress:     job.ProgressPercent,
		Variants:     variants,
		ErrorMessage: job.ErrorMessage,
		ErrorCode:    job.ErrorCode,
	}
	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := conn.WriteJSON(snapshot); err != nil {
		return
	}
	if job.Status.Terminal() {
		return
	}

	// Read pump: we expect no client frames, but reading is how gorilla
	// surfaces close frames and dead peers.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingEvery)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			ev.Type = stream.EventTypeJobUpdate
			ev.JobID = jobID
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Status.Terminal() {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(ev.Status)),
					time.Now().Add(streamWriteWait))
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
