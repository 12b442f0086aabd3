// Package store — PostgreSQL Store implementation backed by pgx.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/mospit/bruno-ai-sub000/pkg/models"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database and verifies reachability.
func NewPostgresStore(ctx context.Context, url string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info().Int("max_conns", maxConns).Msg("PostgreSQL store connected")
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

// Migrate creates the schema if it does not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			capabilities    JSONB NOT NULL DEFAULT '[]',
			endpoint        TEXT NOT NULL,
			health_endpoint TEXT NOT NULL,
			health          TEXT NOT NULL,
			registered_at   TIMESTAMPTZ NOT NULL,
			last_heartbeat  TIMESTAMPTZ NOT NULL,
			request_count   BIGINT NOT NULL DEFAULT 0,
			error_count     BIGINT NOT NULL DEFAULT 0,
			avg_latency_ms  BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS plan_runs (
			id           TEXT PRIMARY KEY,
			goal         TEXT NOT NULL,
			budget_limit DOUBLE PRECISION NOT NULL,
			status       TEXT NOT NULL,
			results      JSONB,
			total_cost   DOUBLE PRECISION NOT NULL DEFAULT 0,
			warnings     JSONB,
			started_at   TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			duration_ms  BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id         BIGSERIAL PRIMARY KEY,
			plan_id    TEXT NOT NULL,
			task_id    TEXT NOT NULL,
			amount     DOUBLE PRECISION NOT NULL,
			kind       TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_plan ON ledger_entries (plan_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_plan_runs_started ON plan_runs (started_at DESC)`,
	}
	for _, stmt := range ddl {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ── Agents ──────────────────────────────────────────────────

func (p *PostgresStore) ListAgents(ctx context.Context) ([]models.AgentDescriptor, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, capabilities, endpoint, health_endpoint, health,
		       registered_at, last_heartbeat, request_count, error_count, avg_latency_ms
		FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []models.AgentDescriptor
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetAgent(ctx context.Context, id string) (*models.AgentDescriptor, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, name, capabilities, endpoint, health_endpoint, health,
		       registered_at, last_heartbeat, request_count, error_count, avg_latency_ms
		FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	return a, err
}

func (p *PostgresStore) PutAgent(ctx context.Context, agent *models.AgentDescriptor) error {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO agents (id, name, capabilities, endpoint, health_endpoint, health,
		                    registered_at, last_heartbeat, request_count, error_count, avg_latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			capabilities = EXCLUDED.capabilities,
			endpoint = EXCLUDED.endpoint,
			health_endpoint = EXCLUDED.health_endpoint,
			health = EXCLUDED.health,
			last_heartbeat = EXCLUDED.last_heartbeat,
			request_count = EXCLUDED.request_count,
			error_count = EXCLUDED.error_count,
			avg_latency_ms = EXCLUDED.avg_latency_ms`,
		agent.ID, agent.Name, caps, agent.Endpoint, agent.HealthEndpoint, string(agent.Health),
		agent.RegisteredAt, agent.LastHeartbeat, agent.RequestCount, agent.ErrorCount, agent.AvgLatencyMs)
	if err != nil {
		return fmt.Errorf("put agent: %w", err)
	}
	return nil
}

func (p *PostgresStore) DeleteAgent(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "agent", Key: id}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*models.AgentDescriptor, error) {
	var a models.AgentDescriptor
	var caps []byte
	var health string
	if err := row.Scan(&a.ID, &a.Name, &caps, &a.Endpoint, &a.HealthEndpoint, &health,
		&a.RegisteredAt, &a.LastHeartbeat, &a.RequestCount, &a.ErrorCount, &a.AvgLatencyMs); err != nil {
		return nil, err
	}
	a.Health = models.HealthState(health)
	if err := json.Unmarshal(caps, &a.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	return &a, nil
}

// ── Plan Runs ───────────────────────────────────────────────

func (p *PostgresStore) CreatePlanRun(ctx context.Context, run *models.PlanRun) error {
	results, warnings, err := marshalRunJSON(run)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO plan_runs (id, goal, budget_limit, status, results, total_cost,
		                       warnings, started_at, completed_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.Goal, run.BudgetLimit, string(run.Status), results, run.TotalCost,
		warnings, run.StartedAt, run.CompletedAt, run.DurationMs)
	if err != nil {
		return fmt.Errorf("create plan run: %w", err)
	}
	return nil
}

func (p *PostgresStore) UpdatePlanRun(ctx context.Context, run *models.PlanRun) error {
	results, warnings, err := marshalRunJSON(run)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE plan_runs SET status = $2, results = $3, total_cost = $4,
		       warnings = $5, completed_at = $6, duration_ms = $7
		WHERE id = $1`,
		run.ID, string(run.Status), results, run.TotalCost, warnings, run.CompletedAt, run.DurationMs)
	if err != nil {
		return fmt.Errorf("update plan run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "plan run", Key: run.ID}
	}
	return nil
}

func (p *PostgresStore) GetPlanRun(ctx context.Context, id string) (*models.PlanRun, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, goal, budget_limit, status, results, total_cost,
		       warnings, started_at, completed_at, duration_ms
		FROM plan_runs WHERE id = $1`, id)
	run, err := scanPlanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "plan run", Key: id}
	}
	return run, err
}

func (p *PostgresStore) ListPlanRuns(ctx context.Context, limit int) ([]models.PlanRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, goal, budget_limit, status, results, total_cost,
		       warnings, started_at, completed_at, duration_ms
		FROM plan_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list plan runs: %w", err)
	}
	defer rows.Close()

	var out []models.PlanRun
	for rows.Next() {
		run, err := scanPlanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

func marshalRunJSON(run *models.PlanRun) (results, warnings []byte, err error) {
	if run.Results != nil {
		if results, err = json.Marshal(run.Results); err != nil {
			return nil, nil, fmt.Errorf("marshal results: %w", err)
		}
	}
	if run.Warnings != nil {
		if warnings, err = json.Marshal(run.Warnings); err != nil {
			return nil, nil, fmt.Errorf("marshal warnings: %w", err)
		}
	}
	return results, warnings, nil
}

func scanPlanRun(row rowScanner) (*models.PlanRun, error) {
	var run models.PlanRun
	var status string
	var results, warnings []byte
	var completedAt *time.Time
	if err := row.Scan(&run.ID, &run.Goal, &run.BudgetLimit, &status, &results,
		&run.TotalCost, &warnings, &run.StartedAt, &completedAt, &run.DurationMs); err != nil {
		return nil, err
	}
	run.Status = models.PlanStatus(status)
	run.CompletedAt = completedAt
	if len(results) > 0 {
		if err := json.Unmarshal(results, &run.Results); err != nil {
			return nil, fmt.Errorf("unmarshal results: %w", err)
		}
	}
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &run.Warnings); err != nil {
			return nil, fmt.Errorf("unmarshal warnings: %w", err)
		}
	}
	return &run, nil
}

// ── Ledger ──────────────────────────────────────────────────

func (p *PostgresStore) AppendLedgerEntry(ctx context.Context, entry *models.LedgerEntry) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO ledger_entries (plan_id, task_id, amount, kind, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.PlanID, entry.TaskID, entry.Amount, string(entry.Kind), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListLedgerEntries(ctx context.Context, planID string) ([]models.LedgerEntry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT plan_id, task_id, amount, kind, created_at
		FROM ledger_entries WHERE plan_id = $1 ORDER BY id`, planID)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var out []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var kind string
		if err := rows.Scan(&e.PlanID, &e.TaskID, &e.Amount, &kind, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = models.LedgerEntryKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}
