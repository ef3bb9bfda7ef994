// Package api provides the HTTP API handlers and routing for the automation service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"automation/internal/apperrors"
	"automation/internal/catalog"
	"automation/internal/health"
	"automation/internal/job"
	"automation/internal/observability"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Credits is the part of the ledger exposed over HTTP.
type Credits interface {
	Balance(ctx context.Context, userID string) (int64, error)
	ApplyPayment(ctx context.Context, userID, transactionID string, amount int64) (bool, error)
}

// Handler contains HTTP handlers for the automation API
type Handler struct {
	svc     *job.Service
	credits Credits
	metrics *observability.Metrics
	health  *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(svc *job.Service, credits Credits, metrics *observability.Metrics, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:     svc,
		credits: credits,
		metrics: metrics,
		health:  healthChecker,
	}
}

// StartResponse is returned for an accepted start request.
type StartResponse struct {
	JobID string `json:"jobId"`
}

// TopUpRequest confirms a payment from the payment provider.
type TopUpRequest struct {
	UserID        string `json:"userId"`
	TransactionID string `json:"transactionId"`
	Amount        int64  `json:"amount"`
}

// TopUpResponse reports whether the payment was new.
type TopUpResponse struct {
	Applied bool  `json:"applied"`
	Balance int64 `json:"balance"`
}

// StartJob handles POST /api/automation/start
func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "Invalid request body: "+err.Error())
		return
	}
	req.UserID = UserID(r.Context())

	jobID, err := h.svc.Start(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, StartResponse{JobID: jobID})
}

// GetStatus handles GET /api/automation/status/{jobId}
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Status(r.Context(), UserID(r.Context()), r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// StopJob handles POST /api/automation/stop/{jobId}
func (h *Handler) StopJob(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Stop(r.Context(), UserID(r.Context()), r.PathValue("jobId")); err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ListJobs handles GET /api/automation/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.svc.List(r.Context(), UserID(r.Context()))
	writeJSON(w, http.StatusOK, map[string][]job.Snapshot{"jobs": jobs})
}

// ListServices handles GET /api/automation/services
func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]catalog.Service{"services": h.svc.Services()})
}

// DownloadFile handles GET /api/files/{jobId}/{filename}
func (h *Handler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	h.serveArtifact(w, r, "attachment")
}

// PreviewFile handles GET /api/preview/{jobId}/{filename}. Only PDFs are
// rendered inline.
func (h *Handler) PreviewFile(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(filepath.Ext(r.PathValue("filename")), ".pdf") {
		h.handleError(w, r, apperrors.Validation("filename", "only PDF files can be previewed"))
		return
	}
	h.serveArtifact(w, r, "inline")
}

func (h *Handler) serveArtifact(w http.ResponseWriter, r *http.Request, disposition string) {
	f, artifact, err := h.svc.Artifact(r.Context(), UserID(r.Context()), r.PathValue("jobId"), r.PathValue("filename"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	defer f.Close()

	modTime := time.Time{}
	if info, err := f.Stat(); err == nil {
		modTime = info.ModTime()
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": artifact.Name}))
	http.ServeContent(w, r, artifact.Name, modTime, f)
}

// DownloadBundle handles GET /api/bundle/{jobId}
func (h *Handler) DownloadBundle(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	write, err := h.svc.Bundle(r.Context(), UserID(r.Context()), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": jobID + "_results.tar.gz"}))
	w.WriteHeader(http.StatusOK)
	if err := write(w); err != nil {
		// Headers are gone; the client sees a truncated archive.
		slog.Error("Failed to stream bundle", "jobId", jobID, "error", err)
	}
}

// GetBalance handles GET /api/credits/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())
	balance, err := h.credits.Balance(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "balance": balance})
}

// TopUp handles POST /api/credits/topup. A transaction id is applied at most once.
func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req TopUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "Invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.TransactionID) == "" {
		h.handleError(w, r, apperrors.Validation("transactionId", "transactionId is required"))
		return
	}

	applied, err := h.credits.ApplyPayment(r.Context(), req.UserID, req.TransactionID, req.Amount)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	balance, err := h.credits.Balance(r.Context(), req.UserID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	slog.Info("Payment confirmed",
		"userId", req.UserID,
		"transactionId", req.TransactionID,
		"amount", req.Amount,
		"applied", applied)
	writeJSON(w, http.StatusOK, TopUpResponse{Applied: applied, Balance: balance})
}

// GetHistory handles GET /api/history?limit=N
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.handleError(w, r, apperrors.Validation("limit", fmt.Sprintf("invalid limit %q", raw)))
			return
		}
		limit = n
	}

	entries, err := h.svc.History(r.Context(), UserID(r.Context()), limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if a required dependency is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, response)
}

// ErrorResponse is the body of every error.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	message := err.Error()
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
		var appErr *apperrors.Error
		if !errors.As(err, &appErr) {
			message = "internal server error"
		}
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	writeError(w, status, apperrors.Code(err), message)
}
