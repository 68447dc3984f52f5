package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ostrand/backupd/internal/api/request"
	"github.com/ostrand/backupd/internal/api/response"
	"github.com/ostrand/backupd/internal/backup"
	"github.com/ostrand/backupd/internal/core"
	"github.com/ostrand/backupd/internal/crypto"
	"github.com/ostrand/backupd/internal/model"
)

type Execution struct {
	svc    *core.ExecutionService
	runner Runner
}

func NewExecution(svc *core.ExecutionService, runner Runner) *Execution {
	return &Execution{svc: svc, runner: runner}
}

// ListByConfiguration returns the execution history for one
// configuration, newest first.
func (h *Execution) ListByConfiguration(w http.ResponseWriter, r *http.Request) {
	configID, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	pg := request.ParsePagination(r)
	opts := core.HistoryOptions{
		Limit:  pg.Limit,
		Skip:   pg.Skip,
		Status: r.URL.Query().Get("status"),
	}

	execs, err := h.svc.ListByConfiguration(r.Context(), configID, opts)
	if err != nil {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response.WriteList(w, http.StatusOK, execs, len(execs), pg.Limit, pg.Skip)
}

func (h *Execution) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	exec, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, exec)
}

// Cancel aborts an in-flight execution.
func (h *Execution) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.runner.CancelExecution(id); err != nil {
		if errors.Is(err, backup.ErrNotRunning) {
			response.WriteError(w, http.StatusConflict, "execution is not running")
			return
		}
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response.WriteJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": "cancelling",
	})
}

// Verify re-computes the stored artifact's checksum and stamps the
// result on the ledger row. Only completed executions can be verified.
func (h *Execution) Verify(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	exec, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if exec.Status != model.StatusCompleted {
		response.WriteError(w, http.StatusConflict, "only completed executions can be verified")
		return
	}
	if exec.Artifact == nil || exec.Artifact.Checksum == "" {
		response.WriteError(w, http.StatusConflict, "execution has no artifact checksum to verify")
		return
	}

	ok, err := crypto.VerifyChecksum(exec.Artifact.Path, exec.Artifact.Checksum)
	if err != nil {
		response.WriteError(w, http.StatusInternalServerError, "verify artifact: "+err.Error())
		return
	}
	if !ok {
		response.WriteError(w, http.StatusConflict, "artifact checksum mismatch")
		return
	}

	now := time.Now()
	if err := h.svc.MarkVerified(r.Context(), id, now); err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, map[string]any{
		"id":          id,
		"verified":    true,
		"verified_at": now,
	})
}

// Statistics summarizes recent executions for a configuration.
func (h *Execution) Statistics(w http.ResponseWriter, r *http.Request) {
	configID, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	days := 0
	if daysStr := r.URL.Query().Get("days"); daysStr != "" {
		if n, err := strconv.Atoi(daysStr); err == nil && n > 0 {
			days = n
		}
	}

	stats, err := h.svc.Statistics(r.Context(), configID, days)
	if err != nil {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.WriteJSON(w, http.StatusOK, stats)
}
