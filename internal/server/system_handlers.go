package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/rotation/internal/database"
	"github.com/aristath/rotation/internal/di"
	"github.com/aristath/rotation/internal/httpapi"
	"github.com/aristath/rotation/internal/scheduler"
)

// JobRunner runs a job immediately. Implemented by scheduler.Scheduler.
type JobRunner interface {
	RunNow(ctx context.Context, job scheduler.Job) (int, error)
}

// SystemHandlers handles system-wide monitoring and operations endpoints
type SystemHandlers struct {
	log         zerolog.Logger
	startupTime time.Time
	databases   []*database.DB
	subscribers func() int
	runner      JobRunner
	jobs        map[string]scheduler.Job
	archiving   bool
}

// NewSystemHandlers creates a new system handlers instance
func NewSystemHandlers(container *di.Container, jobs *di.JobInstances, log zerolog.Logger) *SystemHandlers {
	h := &SystemHandlers{
		log:         log.With().Str("handler", "system").Logger(),
		startupTime: time.Now(),
		databases:   []*database.DB{container.RotationDB, container.LedgerDB},
		subscribers: container.EventBus.Subscribers,
		runner:      container.Scheduler,
		jobs:        make(map[string]scheduler.Job),
		archiving:   container.ArchiveService != nil,
	}

	if jobs != nil {
		for _, job := range []scheduler.Job{jobs.AutoRebalance, jobs.Reaper, jobs.LedgerBackfill} {
			h.jobs[job.Name()] = job
		}
		if jobs.LedgerBackup != nil {
			h.jobs[jobs.LedgerBackup.Name()] = jobs.LedgerBackup
		}
	}

	return h
}

// RegisterRoutes registers the system routes
func (h *SystemHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/system", func(r chi.Router) {
		r.Get("/status", h.HandleSystemStatus)
		r.Get("/databases", h.HandleDatabaseStats)
		r.Get("/jobs", h.HandleListJobs)
		r.Post("/jobs/{job}/run", h.HandleRunJob)
	})
}

// DatabaseStatus describes one database file
type DatabaseStatus struct {
	Name    string  `json:"name"`
	Path    string  `json:"path"`
	SizeMB  float64 `json:"size_mb"`
	Healthy bool    `json:"healthy"`
	Error   string  `json:"error,omitempty"`
}

// SystemStatusResponse is returned by GET /api/system/status
type SystemStatusResponse struct {
	Status           string           `json:"status"`
	UptimeSeconds    int64            `json:"uptime_seconds"`
	CPUPercent       float64          `json:"cpu_percent"`
	MemoryPercent    float64          `json:"memory_percent"`
	EventSubscribers int              `json:"event_subscribers"`
	Archiving        bool             `json:"archiving"`
	Databases        []DatabaseStatus `json:"databases"`
}

// HandleSystemStatus returns process and database health
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	databases := h.databaseStatus(r.Context())

	status := "healthy"
	for _, db := range databases {
		if !db.Healthy {
			status = "degraded"
		}
	}

	cpuPercent, memPercent := h.getSystemStats()

	httpapi.WriteJSON(w, http.StatusOK, SystemStatusResponse{
		Status:           status,
		UptimeSeconds:    int64(time.Since(h.startupTime).Seconds()),
		CPUPercent:       cpuPercent,
		MemoryPercent:    memPercent,
		EventSubscribers: h.subscribers(),
		Archiving:        h.archiving,
		Databases:        databases,
	})
}

// HandleDatabaseStats returns size and health of each database
func (h *SystemHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	databases := h.databaseStatus(r.Context())

	totalSizeMB := 0.0
	for _, db := range databases {
		totalSizeMB += db.SizeMB
	}

	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"databases":     databases,
		"total_size_mb": totalSizeMB,
		"last_checked":  time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleListJobs lists the jobs that can be triggered manually
func (h *SystemHandlers) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.jobs))
	for name := range h.jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"jobs": names})
}

// HandleRunJob runs a registered job immediately and waits for it
// POST /api/system/jobs/{job}/run
func (h *SystemHandlers) HandleRunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "job")
	job, ok := h.jobs[name]
	if !ok {
		httpapi.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "unknown job: " + name})
		return
	}

	h.log.Info().Str("job", name).Msg("Manual job run triggered")

	start := time.Now()
	affected, err := h.runner.RunNow(r.Context(), job)
	if errors.Is(err, scheduler.ErrAlreadyRunning) {
		httpapi.WriteJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("job", name).Msg("Manual job run failed")
		httpapi.WriteJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"job":      name,
			"status":   "failed",
			"affected": affected,
			"error":    err.Error(),
		})
		return
	}

	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job":         name,
		"status":      "completed",
		"affected":    affected,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

func (h *SystemHandlers) databaseStatus(ctx context.Context) []DatabaseStatus {
	statuses := make([]DatabaseStatus, 0, len(h.databases))
	for _, db := range h.databases {
		status := DatabaseStatus{Name: db.Name(), Path: db.Path(), Healthy: true}
		if size, err := db.Size(); err == nil {
			status.SizeMB = float64(size) / 1024 / 1024
		}
		if err := db.HealthCheck(ctx); err != nil {
			status.Healthy = false
			status.Error = err.Error()
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// getSystemStats returns CPU and RAM usage percentages. The CPU sample is
// short so the endpoint stays responsive.
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}
	return cpuAvg, memStat.UsedPercent
}
