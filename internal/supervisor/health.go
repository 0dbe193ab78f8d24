package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"gorm.io/gorm"

	"github.com/clipforge/clipforge/pkg/format"
)

// Health status values. There is no degraded middle ground: a probe either
// answered or it did not.
const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// ServiceHealth is the last probe result for one collaborator.
type ServiceHealth struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	LatencyMs float64   `json:"latency_ms"`
	LastCheck time.Time `json:"last_check"`
}

// Healthy reports whether the last probe succeeded.
func (h *ServiceHealth) Healthy() bool {
	return h != nil && h.Status == HealthHealthy
}

// HealthCheck probes one collaborator. Probe errors mark the service
// unhealthy; they never abort the supervisor tick.
type HealthCheck struct {
	Name  string
	Probe func(ctx context.Context) error
}

// BinaryCheck verifies a subprocess collaborator is resolvable on PATH (or
// at its configured absolute path). Running the tool is the handlers' job;
// existence is the health signal.
func BinaryCheck(name, path string) HealthCheck {
	if path == "" {
		path = name
	}
	return HealthCheck{
		Name: name,
		Probe: func(ctx context.Context) error {
			if _, err := exec.LookPath(path); err != nil {
				return fmt.Errorf("%s not found: %w", path, err)
			}
			return nil
		},
	}
}

// DiskCheck fails when free space on the data root's filesystem drops
// below minFree bytes. A minFree of zero disables the floor.
func DiskCheck(dataRoot string, minFree int64) HealthCheck {
	return HealthCheck{
		Name: "disk",
		Probe: func(ctx context.Context) error {
			usage, err := disk.UsageWithContext(ctx, dataRoot)
			if err != nil {
				return fmt.Errorf("reading disk usage: %w", err)
			}
			if minFree > 0 && usage.Free < uint64(minFree) {
				return fmt.Errorf("only %s free, below the %s floor",
					format.Bytes(int64(usage.Free)), format.Bytes(minFree))
			}
			return nil
		},
	}
}

// DatabaseCheck pings the persistence layer.
func DatabaseCheck(db *gorm.DB) HealthCheck {
	return HealthCheck{
		Name: "database",
		Probe: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return fmt.Errorf("acquiring connection: %w", err)
			}
			return sqlDB.PingContext(ctx)
		},
	}
}

// DefaultChecks covers the orchestrator's collaborators: persistence, the
// transcoder, the speech-to-text CLI, and the scraper.
func DefaultChecks(db *gorm.DB, ffmpegPath, whisperPath, ytdlpPath string) []HealthCheck {
	return []HealthCheck{
		DatabaseCheck(db),
		BinaryCheck("ffmpeg", ffmpegPath),
		BinaryCheck("whisper", whisperPath),
		BinaryCheck("yt-dlp", ytdlpPath),
	}
}

// runCheck executes one probe and wraps the outcome.
func runCheck(ctx context.Context, check HealthCheck) *ServiceHealth {
	started := time.Now()
	err := check.Probe(ctx)
	health := &ServiceHealth{
		Name:      check.Name,
		Status:    HealthHealthy,
		LatencyMs: float64(time.Since(started).Microseconds()) / 1000,
		LastCheck: time.Now(),
	}
	if err != nil {
		health.Status = HealthUnhealthy
		health.Message = err.Error()
	}
	return health
}
