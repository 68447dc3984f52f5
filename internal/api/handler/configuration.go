package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ostrand/backupd/internal/api/request"
	"github.com/ostrand/backupd/internal/api/response"
	"github.com/ostrand/backupd/internal/backup"
	"github.com/ostrand/backupd/internal/core"
	"github.com/ostrand/backupd/internal/model"
	"github.com/ostrand/backupd/internal/platform"
)

// Runner is the scheduler surface the handlers drive.
// *backup.Scheduler satisfies it.
type Runner interface {
	Run(ctx context.Context, cfg *model.BackupConfiguration, execType, triggeredBy string) (*model.BackupExecution, error)
	Schedule(cfg *model.BackupConfiguration)
	Cancel(configID string)
	CancelExecution(executionID string) error
	RunningExecution(configID string) (string, bool)
}

type Configuration struct {
	svc    *core.ConfigurationService
	runner Runner
}

func NewConfiguration(svc *core.ConfigurationService, runner Runner) *Configuration {
	return &Configuration{svc: svc, runner: runner}
}

func (h *Configuration) List(w http.ResponseWriter, r *http.Request) {
	configs, err := h.svc.List(r.Context())
	if err != nil {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.WriteJSON(w, http.StatusOK, configs)
}

func (h *Configuration) Create(w http.ResponseWriter, r *http.Request) {
	var req request.CreateConfiguration
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	sched := req.Schedule.Model()
	if sched.Enabled {
		if _, err := backup.NextRun(time.Now(), sched); err != nil {
			response.WriteError(w, http.StatusBadRequest, "invalid schedule: "+err.Error())
			return
		}
	}
	if err := request.CheckConfiguration(req.Type, req.Sources, req.Settings); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.svc.GetByName(r.Context(), req.Name); err == nil {
		response.WriteError(w, http.StatusConflict, "configuration name already in use")
		return
	} else if !errors.Is(err, core.ErrNotFound) {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	now := time.Now()
	cfg := &model.BackupConfiguration{
		ID:        platform.NewID(),
		Name:      req.Name,
		Type:      req.Type,
		IsActive:  true,
		Schedule:  sched,
		Settings:  req.Settings,
		Sources:   req.Sources,
		Storage:   req.Storage,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.svc.Create(r.Context(), cfg); err != nil {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.runner.Schedule(cfg)

	response.WriteJSON(w, http.StatusCreated, cfg)
}

func (h *Configuration) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	cfg, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, cfg)
}

func (h *Configuration) Update(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req request.UpdateConfiguration
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	cfg, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if req.Name != "" {
		cfg.Name = req.Name
	}
	if req.Type != "" {
		cfg.Type = req.Type
	}
	if req.IsActive != nil {
		cfg.IsActive = *req.IsActive
	}
	if req.Schedule != nil {
		sched := req.Schedule.Model()
		if sched.Enabled {
			if _, err := backup.NextRun(time.Now(), sched); err != nil {
				response.WriteError(w, http.StatusBadRequest, "invalid schedule: "+err.Error())
				return
			}
		}
		sched.LastRun = cfg.Schedule.LastRun
		cfg.Schedule = sched
	}
	if req.Settings != nil {
		cfg.Settings = *req.Settings
	}
	if req.Sources != nil {
		cfg.Sources = *req.Sources
	}
	if req.Storage != nil {
		cfg.Storage = *req.Storage
	}

	// Check the merged state: a partial update can leave a type without
	// its sources just as easily as a create can.
	if err := request.CheckConfiguration(cfg.Type, cfg.Sources, cfg.Settings); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.svc.Update(r.Context(), cfg); err != nil {
		writeServiceError(w, err)
		return
	}

	// Re-arm (or clear) the timer to match the stored state.
	h.runner.Schedule(cfg)

	response.WriteJSON(w, http.StatusOK, cfg)
}

func (h *Configuration) Deactivate(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.svc.Deactivate(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	h.runner.Cancel(id)

	w.WriteHeader(http.StatusNoContent)
}

// Run triggers an immediate execution. A configuration with a run in
// flight is rejected, not queued.
func (h *Configuration) Run(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req request.RunBackup
	if r.ContentLength > 0 {
		if err := request.Decode(r, &req); err != nil {
			response.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	cfg, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !cfg.IsActive {
		response.WriteError(w, http.StatusConflict, "configuration is deactivated")
		return
	}

	triggeredBy := req.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "api"
	}

	exec, err := h.runner.Run(r.Context(), cfg, model.ExecutionTypeAPI, triggeredBy)
	if err != nil {
		if errors.Is(err, backup.ErrAlreadyRunning) {
			response.WriteError(w, http.StatusConflict, "a backup for this configuration is already running")
			return
		}
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response.WriteJSON(w, http.StatusAccepted, exec)
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		response.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrInvalidTransition):
		response.WriteError(w, http.StatusConflict, err.Error())
	default:
		response.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
