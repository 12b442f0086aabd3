// Package store provides the storage interface and implementations for the
// orchestration core. The in-memory store backs local development and tests;
// the PostgreSQL store backs production deployments.
package store

import (
	"context"

	"github.com/mospit/bruno-ai-sub000/pkg/models"
)

// Store is the primary storage interface. The gateway, orchestrator, and
// handlers depend on this interface so the backend can be swapped between
// in-memory (tests) and PostgreSQL (production).
type Store interface {
	AgentStore
	PlanRunStore
	LedgerStore

	// Ping checks if the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates or updates the schema. A no-op for the memory store.
	Migrate(ctx context.Context) error
}

// ── Agent Store ─────────────────────────────────────────────

// AgentStore persists the registry's agent descriptor table.
type AgentStore interface {
	ListAgents(ctx context.Context) ([]models.AgentDescriptor, error)
	GetAgent(ctx context.Context, id string) (*models.AgentDescriptor, error)
	PutAgent(ctx context.Context, agent *models.AgentDescriptor) error // upsert
	DeleteAgent(ctx context.Context, id string) error
}

// ── Plan Run Store ──────────────────────────────────────────

// PlanRunStore persists plan executions for later retrieval.
type PlanRunStore interface {
	CreatePlanRun(ctx context.Context, run *models.PlanRun) error
	UpdatePlanRun(ctx context.Context, run *models.PlanRun) error
	GetPlanRun(ctx context.Context, id string) (*models.PlanRun, error)
	ListPlanRuns(ctx context.Context, limit int) ([]models.PlanRun, error)
}

// ── Ledger Store ────────────────────────────────────────────

// LedgerStore mirrors per-plan budget ledger history as an audit trail.
// The in-memory ledger remains authoritative for the budget invariant;
// this is the durable record.
type LedgerStore interface {
	AppendLedgerEntry(ctx context.Context, entry *models.LedgerEntry) error
	ListLedgerEntries(ctx context.Context, planID string) ([]models.LedgerEntry, error)
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
