package handlers

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/clipforge/clipforge/internal/maintenance"
	"github.com/clipforge/clipforge/internal/models"
	"github.com/clipforge/clipforge/internal/service"
	"github.com/clipforge/clipforge/internal/service/logs"
	"github.com/clipforge/clipforge/internal/supervisor"
)

// SupervisorHandler serves the supervisor control surface.
type SupervisorHandler struct {
	sup        *supervisor.Supervisor
	jobService *service.JobService
	logService *logs.Service
	janitor    *maintenance.Janitor
}

// NewSupervisorHandler creates a new supervisor handler.
func NewSupervisorHandler(sup *supervisor.Supervisor) *SupervisorHandler {
	return &SupervisorHandler{sup: sup}
}

// WithJobService sets the job service used by the cleanup endpoint.
func (h *SupervisorHandler) WithJobService(jobService *service.JobService) *SupervisorHandler {
	h.jobService = jobService
	return h
}

// WithLogs sets the captured-log service behind the logs endpoints.
func (h *SupervisorHandler) WithLogs(logService *logs.Service) *SupervisorHandler {
	h.logService = logService
	return h
}

// WithJanitor sets the retention janitor reported by the status endpoint.
func (h *SupervisorHandler) WithJanitor(janitor *maintenance.Janitor) *SupervisorHandler {
	h.janitor = janitor
	return h
}

// Register registers the supervisor routes with the API.
func (h *SupervisorHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getSupervisorStatus",
		Method:      "GET",
		Path:        "/api/v1/supervisor/status",
		Summary:     "Supervisor status",
		Description: "Returns the supervisor status document: health checks, resource snapshot, job census",
		Tags:        []string{"Supervisor"},
	}, h.GetStatus)

	huma.Register(api, huma.Operation{
		OperationID: "getSupervisorStats",
		Method:      "GET",
		Path:        "/api/v1/supervisor/stats",
		Summary:     "Log statistics",
		Description: "Returns counters over the captured log stream",
		Tags:        []string{"Supervisor"},
	}, h.GetStats)

	huma.Register(api, huma.Operation{
		OperationID: "getSupervisorLogs",
		Method:      "GET",
		Path:        "/api/v1/supervisor/logs",
		Summary:     "Recent logs",
		Description: "Returns recent captured log entries, newest first",
		Tags:        []string{"Supervisor"},
	}, h.GetLogs)

	huma.Register(api, huma.Operation{
		OperationID: "recoverJobs",
		Method:      "POST",
		Path:        "/api/v1/supervisor/recover",
		Summary:     "Recover stuck jobs",
		Description: "Fails stuck running jobs and rolls their projects back; with job_ids, recovers only those",
		Tags:        []string{"Supervisor"},
	}, h.Recover)

	huma.Register(api, huma.Operation{
		OperationID: "forceSupervisorTick",
		Method:      "POST",
		Path:        "/api/v1/supervisor/tick",
		Summary:     "Force a supervisor pass",
		Description: "Runs one full supervision pass immediately, ignoring the periodic gates",
		Tags:        []string{"Supervisor"},
	}, h.ForceTick)

	huma.Register(api, huma.Operation{
		OperationID: "updateSupervisorConfig",
		Method:      "PUT",
		Path:        "/api/v1/supervisor/config",
		Summary:     "Update supervisor config",
		Description: "Applies a partial config update; omitted fields keep their value",
		Tags:        []string{"Supervisor"},
	}, h.UpdateConfig)

	huma.Register(api, huma.Operation{
		OperationID: "cleanupJobs",
		Method:      "POST",
		Path:        "/api/v1/supervisor/cleanup",
		Summary:     "Purge old terminal jobs",
		Description: "Deletes completed, failed and cancelled jobs older than the given age",
		Tags:        []string{"Supervisor"},
	}, h.Cleanup)
}

// SupervisorStatusInput is the input for the status endpoint.
type SupervisorStatusInput struct{}

// SupervisorStatusOutput is the output for the status endpoint.
type SupervisorStatusOutput struct {
	Body struct {
		Supervisor *supervisor.Status  `json:"supervisor"`
		Retention  *maintenance.Status `json:"retention,omitempty"`
	}
}

// GetStatus returns the supervisor status document.
func (h *SupervisorHandler) GetStatus(ctx context.Context, input *SupervisorStatusInput) (*SupervisorStatusOutput, error) {
	resp := &SupervisorStatusOutput{}
	resp.Body.Supervisor = h.sup.GetStatus(ctx)
	if h.janitor != nil {
		st := h.janitor.GetStatus()
		resp.Body.Retention = st
	}
	return resp, nil
}

// SupervisorStatsInput is the input for the log-stats endpoint.
type SupervisorStatsInput struct{}

// SupervisorStatsOutput is the output for the log-stats endpoint.
type SupervisorStatsOutput struct {
	Body logs.Stats
}

// GetStats returns counters over the captured log stream.
func (h *SupervisorHandler) GetStats(ctx context.Context, input *SupervisorStatsInput) (*SupervisorStatsOutput, error) {
	if h.logService == nil {
		return nil, huma.Error500InternalServerError("log capture not configured")
	}
	return &SupervisorStatsOutput{Body: h.logService.GetStats()}, nil
}

// SupervisorLogsInput is the input for the recent-logs endpoint.
type SupervisorLogsInput struct {
	Limit int    `query:"limit" doc:"Maximum entries to return" default:"100" minimum:"1" maximum:"1000"`
	Level string `query:"level" doc:"Only entries at this level" enum:"debug,info,warn,error,"`
}

// SupervisorLogsOutput is the output for the recent-logs endpoint.
type SupervisorLogsOutput struct {
	Body struct {
		Logs []logs.Entry `json:"logs"`
	}
}

// GetLogs returns recent captured log entries.
func (h *SupervisorHandler) GetLogs(ctx context.Context, input *SupervisorLogsInput) (*SupervisorLogsOutput, error) {
	if h.logService == nil {
		return nil, huma.Error500InternalServerError("log capture not configured")
	}

	resp := &SupervisorLogsOutput{}
	resp.Body.Logs = h.logService.Recent(input.Limit, input.Level)
	return resp, nil
}

// RecoverInput is the input for the manual recovery endpoint.
type RecoverInput struct {
	Body struct {
		JobIDs []string `json:"job_ids,omitempty" doc:"Jobs to recover; empty recovers every stuck job"`
	}
}

// RecoverOutput is the output for the manual recovery endpoint.
type RecoverOutput struct {
	Body struct {
		Recovered int `json:"recovered"`
	}
}

// Recover force-fails stuck jobs.
func (h *SupervisorHandler) Recover(ctx context.Context, input *RecoverInput) (*RecoverOutput, error) {
	ids := make([]models.ULID, 0, len(input.Body.JobIDs))
	for _, raw := range input.Body.JobIDs {
		id, err := models.ParseULID(raw)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid job ID format", err)
		}
		ids = append(ids, id)
	}

	recovered, err := h.sup.Recover(ctx, ids...)
	if err != nil {
		return nil, serviceError("recovery failed", err)
	}

	resp := &RecoverOutput{}
	resp.Body.Recovered = recovered
	return resp, nil
}

// ForceTickInput is the input for the force-tick endpoint.
type ForceTickInput struct{}

// ForceTickOutput is the output for the force-tick endpoint.
type ForceTickOutput struct {
	Body supervisor.TickReport
}

// ForceTick runs one supervision pass immediately.
func (h *SupervisorHandler) ForceTick(ctx context.Context, input *ForceTickInput) (*ForceTickOutput, error) {
	report := h.sup.ForceTick(ctx)
	return &ForceTickOutput{Body: *report}, nil
}

// UpdateSupervisorConfigInput is the input for the config endpoint.
type UpdateSupervisorConfigInput struct {
	Body struct {
		AutoRecovery       *bool `json:"auto_recovery,omitempty" doc:"Enable automatic stuck-job recovery"`
		StuckThresholdSecs *int  `json:"stuck_threshold_secs,omitempty" doc:"Seconds without progress before a job is stuck" minimum:"1"`
		RetryMax           *int  `json:"retry_max,omitempty" doc:"Retry ceiling per job key" minimum:"0"`
		TickIntervalSecs   *int  `json:"tick_interval_secs,omitempty" doc:"Seconds between supervision passes" minimum:"1"`
	}
}

// UpdateSupervisorConfigOutput echoes the effective configuration.
type UpdateSupervisorConfigOutput struct {
	Body struct {
		AutoRecovery       bool `json:"auto_recovery"`
		StuckThresholdSecs int  `json:"stuck_threshold_secs"`
		RetryMax           int  `json:"retry_max"`
		TickIntervalSecs   int  `json:"tick_interval_secs"`
	}
}

// UpdateConfig applies a partial supervisor config update.
func (h *SupervisorHandler) UpdateConfig(ctx context.Context, input *UpdateSupervisorConfigInput) (*UpdateSupervisorConfigOutput, error) {
	patch := supervisor.ConfigPatch{AutoRecovery: input.Body.AutoRecovery}
	if input.Body.StuckThresholdSecs != nil {
		d := time.Duration(*input.Body.StuckThresholdSecs) * time.Second
		patch.StuckThreshold = &d
	}
	if input.Body.RetryMax != nil {
		patch.RetryMax = input.Body.RetryMax
	}
	if input.Body.TickIntervalSecs != nil {
		d := time.Duration(*input.Body.TickIntervalSecs) * time.Second
		patch.TickInterval = &d
	}

	effective := h.sup.UpdateConfig(patch)

	resp := &UpdateSupervisorConfigOutput{}
	resp.Body.AutoRecovery = effective.AutoRecovery
	resp.Body.StuckThresholdSecs = int(effective.StuckThreshold / time.Second)
	resp.Body.RetryMax = effective.RetryMax
	resp.Body.TickIntervalSecs = int(effective.TickInterval / time.Second)
	return resp, nil
}

// CleanupInput is the input for the terminal-job purge endpoint.
type CleanupInput struct {
	OlderThanDays int `query:"older_than_days" doc:"Purge terminal jobs completed more than this many days ago" default:"7" minimum:"1"`
}

// CleanupOutput is the output for the terminal-job purge endpoint.
type CleanupOutput struct {
	Body struct {
		Purged int64 `json:"purged"`
	}
}

// Cleanup deletes old terminal jobs.
func (h *SupervisorHandler) Cleanup(ctx context.Context, input *CleanupInput) (*CleanupOutput, error) {
	if h.jobService == nil {
		return nil, huma.Error500InternalServerError("job service not configured")
	}

	age := time.Duration(input.OlderThanDays) * 24 * time.Hour
	purged, err := h.jobService.CleanupTerminal(ctx, age)
	if err != nil {
		return nil, serviceError("cleanup failed", err)
	}

	resp := &CleanupOutput{}
	resp.Body.Purged = purged
	return resp, nil
}
