package handlers

import (
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"server/internal/callback"
	"server/internal/domain"
)

// callbackBodyLimit bounds provider callback bodies. Result payloads are a
// handful of URLs, so 1 MiB is generous.
const callbackBodyLimit = 1 << 20

func (a *App) ProviderCallback(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")

	raw, err := io.ReadAll(io.LimitReader(r.Body, callbackBodyLimit))
	if err != nil {
		a.error(w, http.StatusBadRequest, "invalid_body", "could not read callback body")
		return
	}

	meta := callback.Meta{
		Signature: r.Header.Get(callback.HeaderSignature),
		Timestamp: r.Header.Get(callback.HeaderTimestamp),
		Nonce:     r.Header.Get(callback.HeaderNonce),
		RemoteIP:  remoteIP(r),
	}

	err = a.Ingestor.Ingest(r.Context(), jobID, raw, meta)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInvalidSignature), errors.Is(err, domain.ErrStaleTimestamp):
		a.error(w, http.StatusUnauthorized, "unauthorized", "callback signature rejected")
		return
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "unknown enhancement job")
		return
	case errors.Is(err, domain.ErrInvalidSubmission):
		a.error(w, http.StatusBadRequest, "invalid_callback", err.Error())
		return
	default:
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("callback ingest failed")
		a.error(w, http.StatusInternalServerError, "internal", "could not process callback")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"ok": true})
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
