package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"server/internal/domain"
	"server/internal/enhance"
	"server/internal/jobstore"
	"server/internal/middleware"
)

type submitEnhancementRequest struct {
	PhotoID           string             `json:"photo_id"`
	ImageURL          string             `json:"image_url"`
	CompositeImageURL string             `json:"composite_image_url"`
	InputHash         string             `json:"input_hash"`
	Masks             []domain.Mask      `json:"masks"`
	Calibration       domain.Calibration `json:"calibration"`
	Options           map[string]any     `json:"options"`
	Width             int                `json:"width"`
	Height            int                `json:"height"`
	SizeBytes         int64              `json:"size_bytes"`
}

type jobResponse struct {
	JobID     string           `json:"job_id"`
	Status    string           `json:"status"`
	Progress  int              `json:"progress"`
	ModeLabel string           `json:"mode_label,omitempty"`
	Cached    bool             `json:"cached,omitempty"`
	Variants  []domain.Variant `json:"variants,omitempty"`
	ErrorCode string           `json:"error_code,omitempty"`
	Error     string           `json:"error,omitempty"`
	CreatedAt string           `json:"created_at,omitempty"`
}

var modeTitler = cases.Title(language.English)

// modeLabel turns a machine render mode such as "day_furnished" into the
// human form shown in job listings.
func modeLabel(options map[string]any) string {
	mode, _ := options["mode"].(string)
	if mode == "" {
		return ""
	}
	return modeTitler.String(strings.ReplaceAll(mode, "_", " "))
}

func jobToResponse(job *domain.EnhancementJob, variants []domain.Variant) jobResponse {
	return jobResponse{
		JobID:     job.ID,
		Status:    string(job.Status),
		Progress:  job.ProgressPercent,
		ModeLabel: modeLabel(job.Options),
		Variants:  variants,
		ErrorCode: job.ErrorCode,
		Error:     job.ErrorMessage,
		CreatedAt: job.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

func (a *App) SubmitEnhancement(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.TenantIDFromContext(r.Context())
	userID := middleware.UserIDFromContext(r.Context())

	var req submitEnhancementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}

	res, err := a.Orchestrator.Submit(r.Context(), enhance.SubmitRequest{
		TenantID:          tenantID,
		UserID:            userID,
		PhotoID:           req.PhotoID,
		ImageURL:          req.ImageURL,
		CompositeImageURL: req.CompositeImageURL,
		InputHash:         req.InputHash,
		Masks:             req.Masks,
		Calibration:       req.Calibration,
		Options:           req.Options,
		Width:             req.Width,
		Height:            req.Height,
		SizeBytes:         req.SizeBytes,
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInvalidSubmission):
		a.error(w, http.StatusBadRequest, "invalid_submission", err.Error())
		return
	case errors.Is(err, domain.ErrImageTooLarge):
		a.error(w, http.StatusRequestEntityTooLarge, "image_too_large", err.Error())
		return
	case errors.Is(err, domain.ErrInsufficientCredits):
		a.error(w, http.StatusPaymentRequired, "insufficient_credits", "not enough credits to start this enhancement")
		return
	default:
		a.Logger.Error().Err(err).Str("tenant_id", tenantID).Msg("enhancement submit failed")
		a.error(w, http.StatusInternalServerError, "internal", "could not submit enhancement")
		return
	}

	resp := jobResponse{
		JobID:     res.JobID,
		Status:    string(res.Status),
		ModeLabel: modeLabel(req.Options),
		Cached:    res.Cached,
		Variants:  res.Variants,
	}
	status := http.StatusAccepted
	if res.Cached {
		resp.Progress = 100
		status = http.StatusOK
	}
	a.json(w, status, resp)
}

func (a *App) ListEnhancements(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.TenantIDFromContext(r.Context())

	jobs, err := jobstore.ListRecent(r.Context(), a.SQL, tenantID, 50)
	if err != nil {
		a.Logger.Error().Err(err).Str("tenant_id", tenantID).Msg("list enhancements failed")
		a.error(w, http.StatusInternalServerError, "internal", "could not list enhancements")
		return
	}

	items := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		var variants []domain.Variant
		if jobs[i].Status == domain.JobStatusCompleted {
			variants, err = jobstore.Variants(r.Context(), a.SQL, jobs[i].ID)
			if err != nil {
				a.Logger.Error().Err(err).Str("job_id", jobs[i].ID).Msg("load variants failed")
				a.error(w, http.StatusInternalServerError, "internal", "could not list enhancements")
				return
			}
		}
		items = append(items, jobToResponse(&jobs[i], variants))
	}
	a.json(w, http.StatusOK, map[string]any{"jobs": items})
}

func (a *App) GetEnhancement(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.TenantIDFromContext(r.Context())
	jobID := chi.URLParam(r, "job_id")

	job, err := jobstore.GetJobForTenant(r.Context(), a.SQL, jobID, tenantID)
	if errors.Is(err, domain.ErrNotFound) {
		a.error(w, http.StatusNotFound, "not_found", "enhancement job not found")
		return
	}
	if err != nil {
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("get enhancement failed")
		a.error(w, http.StatusInternalServerError, "internal", "could not load enhancement")
		return
	}

	var variants []domain.Variant
	if job.Status == domain.JobStatusCompleted {
		variants, err = jobstore.Variants(r.Context(), a.SQL, job.ID)
		if err != nil {
			a.Logger.Error().Err(err).Str("job_id", jobID).Msg("load variants failed")
			a.error(w, http.StatusInternalServerError, "internal", "could not load enhancement")
			return
		}
	}
	a.json(w, http.StatusOK, jobToResponse(job, variants))
}

func (a *App) CancelEnhancement(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.TenantIDFromContext(r.Context())
	jobID := chi.URLParam(r, "job_id")

	err := a.Orchestrator.Cancel(r.Context(), tenantID, jobID)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "enhancement job not found")
		return
	case errors.Is(err, domain.ErrJobTerminal):
		a.error(w, http.StatusConflict, "job_terminal", "job already finished and cannot be canceled")
		return
	default:
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("cancel enhancement failed")
		a.error(w, http.StatusInternalServerError, "internal", "could not cancel enhancement")
		return
	}
	a.json(w, http.StatusOK, jobResponse{JobID: jobID, Status: string(domain.JobStatusCanceled)})
}
