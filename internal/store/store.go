// Package store provides run-history storage for the orchestration engine.
package store

import (
	"context"

	"github.com/agentloom/agentloom/pkg/models"
)

// Store is the storage interface the HTTP handlers depend on, making it
// easy to swap the in-memory implementation for a database-backed one.
type Store interface {
	RunStore

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Run Store ───────────────────────────────────────────────

// RunStore keeps a capped history of executed chains, fan-outs, routes,
// and evaluations.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)

	// ListRuns returns the most recent runs, newest first. An empty kind
	// matches every run.
	ListRuns(ctx context.Context, kind models.RunKind, limit int) ([]models.Run, error)

	// CountRuns returns how many stored runs match the kind.
	CountRuns(ctx context.Context, kind models.RunKind) (int64, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
