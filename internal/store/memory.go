// Package store — in-memory Store implementation.
// Used for local development and tests; production runs on PostgreSQL.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/mospit/bruno-ai-sub000/pkg/models"
)

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu       sync.RWMutex
	agents   map[string]*models.AgentDescriptor // key: id
	planRuns map[string]*models.PlanRun         // key: id
	ledger   map[string][]models.LedgerEntry    // key: plan_id, append-only
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:   make(map[string]*models.AgentDescriptor),
		planRuns: make(map[string]*models.PlanRun),
		ledger:   make(map[string][]models.LedgerEntry),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error    { return nil }
func (m *MemoryStore) Close() error                      { return nil }
func (m *MemoryStore) Migrate(ctx context.Context) error { return nil }

// ── Agents ──────────────────────────────────────────────────

func (m *MemoryStore) ListAgents(ctx context.Context) ([]models.AgentDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AgentDescriptor, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) GetAgent(ctx context.Context, id string) (*models.AgentDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) PutAgent(ctx context.Context, agent *models.AgentDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *agent
	m.agents[agent.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[id]; !ok {
		return &ErrNotFound{Entity: "agent", Key: id}
	}
	delete(m.agents, id)
	return nil
}

// ── Plan Runs ───────────────────────────────────────────────

func (m *MemoryStore) CreatePlanRun(ctx context.Context, run *models.PlanRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.planRuns[run.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdatePlanRun(ctx context.Context, run *models.PlanRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.planRuns[run.ID]; !ok {
		return &ErrNotFound{Entity: "plan run", Key: run.ID}
	}
	cp := *run
	m.planRuns[run.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPlanRun(ctx context.Context, id string) (*models.PlanRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.planRuns[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "plan run", Key: id}
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryStore) ListPlanRuns(ctx context.Context, limit int) ([]models.PlanRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.PlanRun, 0, len(m.planRuns))
	for _, run := range m.planRuns {
		out = append(out, *run)
	}
	// Newest first
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ── Ledger ──────────────────────────────────────────────────

func (m *MemoryStore) AppendLedgerEntry(ctx context.Context, entry *models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger[entry.PlanID] = append(m.ledger[entry.PlanID], *entry)
	return nil
}

func (m *MemoryStore) ListLedgerEntries(ctx context.Context, planID string) ([]models.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.ledger[planID]
	out := make([]models.LedgerEntry, len(entries))
	copy(out, entries)
	return out, nil
}
