package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Run is the summary row of one persisted convergence run.
type Run struct {
	ID         string          `json:"id"`
	State      engine.RunState `json:"state"`
	Reason     string          `json:"reason,omitempty"`
	Target     string          `json:"target"`
	Manifest   string          `json:"manifest"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Unchanged  int             `json:"unchanged"`
	Changed    int             `json:"changed"`
	Failed     int             `json:"failed"`
	Skipped    int             `json:"skipped"`
}

// RunMeta describes where a run was applied.
type RunMeta struct {
	// Target is the host the run converged, e.g. "deploy@web1:22" or "local".
	Target string

	// Manifest is the path of the manifest the descriptors came from.
	Manifest string
}

// Store persists run history.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// SaveReport stores a finished run and its change records in one
	// transaction.
	SaveReport(ctx context.Context, report *engine.Report, meta RunMeta) error

	// GetReport returns the run summary and the full report.
	GetReport(ctx context.Context, id string) (*Run, *engine.Report, error)

	// ListRuns returns runs, newest first.
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)

	// DeleteRun removes a run and its change records.
	DeleteRun(ctx context.Context, id string) error

	HealthCheck(ctx context.Context) error
}
