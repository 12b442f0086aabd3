// Package models defines the core domain types for the Bruno orchestration
// core: agent descriptors, task graphs, plan runs, and the wire shapes of
// the external contracts.
//
// These types are shared between the gateway, resolver, orchestrator, and
// store, and are JSON-serializable so the store implementations and the HTTP
// API can use them directly.
package models

import (
	"fmt"
	"strings"
	"time"
)

// ── Capabilities ─────────────────────────────────────────────

// Capability is a named kind of work a worker agent can perform.
//
// The set is closed and validated at registration time; free-form strings
// are only admitted through the "custom:" prefix so that misconfigured
// dispatch keys fail at registration, not at routing time.
type Capability string

const (
	CapPricing        Capability = "pricing"
	CapBudgetAnalysis Capability = "budget-analysis"
	CapNutritionCheck Capability = "nutrition-check"
	CapRecipeCreation Capability = "recipe-creation"
	CapShoppingList   Capability = "shopping-list"
	CapOrdering       Capability = "ordering"
)

// CustomCapabilityPrefix marks extensibility capabilities, e.g. "custom:scraper".
const CustomCapabilityPrefix = "custom:"

var knownCapabilities = map[Capability]bool{
	CapPricing:        true,
	CapBudgetAnalysis: true,
	CapNutritionCheck: true,
	CapRecipeCreation: true,
	CapShoppingList:   true,
	CapOrdering:       true,
}

// ParseCapability validates a capability string against the closed set.
// Custom capabilities must carry the "custom:" prefix and a non-empty name.
func ParseCapability(s string) (Capability, error) {
	c := Capability(s)
	if knownCapabilities[c] {
		return c, nil
	}
	if strings.HasPrefix(s, CustomCapabilityPrefix) && len(s) > len(CustomCapabilityPrefix) {
		return c, nil
	}
	return "", fmt.Errorf("unknown capability %q", s)
}

// IsCustom reports whether the capability uses the extensibility prefix.
func (c Capability) IsCustom() bool {
	return strings.HasPrefix(string(c), CustomCapabilityPrefix)
}

// ── Agent Descriptors ────────────────────────────────────────

// HealthState is the gateway's view of a worker agent's availability.
type HealthState string

const (
	HealthHealthy     HealthState = "healthy"
	HealthDegraded    HealthState = "degraded"
	HealthUnreachable HealthState = "unreachable"
)

// AgentDescriptor is the registry's record of one worker agent.
// Created on registration, mutated by heartbeat probes, removed on
// deregistration or prolonged unreachability.
type AgentDescriptor struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Capabilities   []Capability `json:"capabilities"`
	Endpoint       string       `json:"endpoint"`
	HealthEndpoint string       `json:"health_endpoint"`
	Health         HealthState  `json:"health"`
	BreakerState   string       `json:"breaker_state,omitempty"`
	RegisteredAt   time.Time    `json:"registered_at"`
	LastHeartbeat  time.Time    `json:"last_heartbeat"`

	// Rolling metrics, maintained by the gateway.
	RequestCount int64 `json:"request_count"`
	ErrorCount   int64 `json:"error_count"`
	AvgLatencyMs int64 `json:"avg_latency_ms"`
}

// HasCapability reports whether the descriptor advertises the capability.
func (d *AgentDescriptor) HasCapability(c Capability) bool {
	for _, got := range d.Capabilities {
		if got == c {
			return true
		}
	}
	return false
}

// ── Task Graph ───────────────────────────────────────────────

// TaskStatus is the lifecycle state of one task-graph node.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// Terminal reports whether the status is a final state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// TaskNode is one sub-task in a plan's dependency graph.
type TaskNode struct {
	ID         string                 `json:"id"`
	Capability Capability             `json:"capability"`
	Input      map[string]interface{} `json:"input,omitempty"`
	DependsOn  []string               `json:"depends_on,omitempty"`

	// Condition is an optional expression evaluated against the results of
	// the node's dependencies once they complete. When it evaluates to
	// false the node is skipped without dispatching.
	Condition string `json:"condition,omitempty"`

	// Fallback, when set, is the result a dependent receives if this node
	// fails or is skipped; dependents without a fallback on a failed
	// dependency are skipped themselves.
	Fallback map[string]interface{} `json:"fallback,omitempty"`

	Status       TaskStatus             `json:"status"`
	Result       map[string]interface{} `json:"result,omitempty"`
	CostEstimate float64                `json:"cost_estimate"`
	Error        string                 `json:"error,omitempty"`
}

// TaskGraph is the DAG of sub-tasks derived from one plan request.
// Edges are implicit via DependsOn. Acyclicity is validated at build time.
type TaskGraph struct {
	Nodes map[string]*TaskNode `json:"nodes"`
}

// Node returns the node with the given id, or nil.
func (g *TaskGraph) Node(id string) *TaskNode {
	return g.Nodes[id]
}

// NodeByCapability returns the first node for a capability, or nil.
// Graphs built by the resolver have at most one node per capability.
func (g *TaskGraph) NodeByCapability(c Capability) *TaskNode {
	for _, n := range g.Nodes {
		if n.Capability == c {
			return n
		}
	}
	return nil
}

// AllTerminal reports whether every node has reached a final status.
func (g *TaskGraph) AllTerminal() bool {
	for _, n := range g.Nodes {
		if !n.Status.Terminal() {
			return false
		}
	}
	return true
}

// ── Budget Ledger ────────────────────────────────────────────

// LedgerEntryKind classifies a budget ledger mutation.
type LedgerEntryKind string

const (
	LedgerReserve LedgerEntryKind = "reserve"
	LedgerCommit  LedgerEntryKind = "commit"
	LedgerRelease LedgerEntryKind = "release"
)

// LedgerEntry is one row in a plan's budget history.
type LedgerEntry struct {
	PlanID    string          `json:"plan_id"`
	TaskID    string          `json:"task_id"`
	Amount    float64         `json:"amount"`
	Kind      LedgerEntryKind `json:"kind"`
	CreatedAt time.Time       `json:"created_at"`
}

// ── Plan Runs ────────────────────────────────────────────────

// PlanStatus is the terminal status of one orchestrated plan.
type PlanStatus string

const (
	PlanRunning  PlanStatus = "running"
	PlanComplete PlanStatus = "complete"
	PlanPartial  PlanStatus = "partial"
	PlanFailed   PlanStatus = "failed"
)

// PlanRequest is the orchestration entry point payload (POST /plan).
type PlanRequest struct {
	Goal        string                 `json:"goal"`
	BudgetLimit float64                `json:"budget_limit"`
	Constraints map[string]interface{} `json:"constraints,omitempty"`

	// Capabilities optionally pins the requested capability set. When
	// empty the resolver derives the full meal-planning set from the goal.
	Capabilities []string `json:"capabilities,omitempty"`

	// BudgetOverride disables the hard ledger ceiling. Off by default.
	BudgetOverride bool `json:"budget_override,omitempty"`

	// TimeoutMs optionally bounds the whole plan execution.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
}

// PlanResult is what the orchestrator returns to the caller. It never
// carries a bare error: degraded capabilities are named in Warnings.
type PlanResult struct {
	PlanID    string                            `json:"plan_id"`
	Status    PlanStatus                        `json:"status"`
	Results   map[string]map[string]interface{} `json:"result_map"`
	TotalCost float64                           `json:"total_cost"`
	Warnings  []string                          `json:"warnings"`
}

// PlanRun is the persisted record of one plan execution.
type PlanRun struct {
	ID          string                            `json:"id"`
	Goal        string                            `json:"goal"`
	BudgetLimit float64                           `json:"budget_limit"`
	Status      PlanStatus                        `json:"status"`
	Results     map[string]map[string]interface{} `json:"result_map,omitempty"`
	TotalCost   float64                           `json:"total_cost"`
	Warnings    []string                          `json:"warnings,omitempty"`
	StartedAt   time.Time                         `json:"started_at"`
	CompletedAt *time.Time                        `json:"completed_at,omitempty"`
	DurationMs  int64                             `json:"duration_ms"`
}

// ── Worker Wire Contract ─────────────────────────────────────

// TaskEnvelope is the uniform request every worker agent must honor
// (POST {endpoint}/task).
type TaskEnvelope struct {
	TaskID     string                 `json:"task_id"`
	Capability Capability             `json:"capability"`
	Payload    map[string]interface{} `json:"payload"`
	Context    map[string]interface{} `json:"context,omitempty"`
	TimeoutMs  int64                  `json:"timeout_ms,omitempty"`
}

// TaskReply is the worker's response: either a result with a cost estimate,
// or an error code with a message.
type TaskReply struct {
	TaskID       string                 `json:"task_id"`
	Status       string                 `json:"status"`
	Result       map[string]interface{} `json:"result,omitempty"`
	CostEstimate float64                `json:"cost_estimate"`
	Confidence   float64                `json:"confidence,omitempty"`
	ErrorCode    string                 `json:"error_code,omitempty"`
	Message      string                 `json:"message,omitempty"`
}

// TaskResult is the gateway's decoded view of a successful dispatch.
type TaskResult struct {
	AgentID      string                 `json:"agent_id"`
	Result       map[string]interface{} `json:"result"`
	CostEstimate float64                `json:"cost_estimate"`
	Confidence   float64                `json:"confidence"`
	LatencyMs    int64                  `json:"latency_ms"`
}

// ── Pricing Collaborator ─────────────────────────────────────

// PriceQuote is the pricing data source's answer for one item query.
type PriceQuote struct {
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
	Source   string  `json:"source"`
	TTLSecs  int64   `json:"ttl"`
}

// ── Gateway Metrics ──────────────────────────────────────────

// AgentMetrics is the per-agent slice of the gateway metrics snapshot.
type AgentMetrics struct {
	AgentID      string      `json:"agent_id"`
	Name         string      `json:"name"`
	Health       HealthState `json:"health"`
	BreakerState string      `json:"breaker_state"`
	RequestCount int64       `json:"request_count"`
	ErrorCount   int64       `json:"error_count"`
	AvgLatencyMs int64       `json:"avg_latency_ms"`
}

// GatewayMetrics is the snapshot served at /gateway/metrics.
type GatewayMetrics struct {
	TotalAgents   int            `json:"total_agents"`
	HealthyAgents int            `json:"healthy_agents"`
	Agents        []AgentMetrics `json:"agents"`
	CacheEntries  int            `json:"cache_entries"`
}
