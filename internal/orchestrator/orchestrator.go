// Package orchestrator executes plan requests: it builds the task graph,
// dispatches each ready level concurrently through the gateway, posts costs
// to the plan's budget ledger, and aggregates results into a plan response.
//
// The only blocking point is the fan-in between levels: all ready nodes are
// dispatched together and the orchestrator waits for every one of them to
// resolve before computing the next ready set. A per-plan deadline cancels
// in-flight dispatches best-effort and skips whatever is still pending; it
// never touches other plans.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mospit/bruno-ai-sub000/internal/config"
	"github.com/mospit/bruno-ai-sub000/internal/gateway"
	"github.com/mospit/bruno-ai-sub000/internal/ledger"
	"github.com/mospit/bruno-ai-sub000/internal/resolver"
	"github.com/mospit/bruno-ai-sub000/internal/store"
	"github.com/mospit/bruno-ai-sub000/pkg/contracts"
	"github.com/mospit/bruno-ai-sub000/pkg/models"
)

// TimeoutError is a task that ran past its per-task deadline.
type TimeoutError struct {
	TaskID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %s", e.TaskID, e.Timeout)
}

// Orchestrator coordinates plan execution across the resolver, gateway, and
// ledger. Safe for concurrent Execute calls; each plan gets its own ledger
// and graph.
type Orchestrator struct {
	cfg        config.OrchestratorConfig
	resolver   *resolver.Resolver
	dispatcher contracts.Dispatcher
	store      store.Store
	tracer     trace.Tracer

	// Reoptimizer, when set, is consulted once per node whose cost would
	// breach the budget.
	Reoptimizer contracts.Reoptimizer
}

// New creates an orchestrator.
func New(cfg config.OrchestratorConfig, r *resolver.Resolver, d contracts.Dispatcher, s store.Store) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		resolver:   r,
		dispatcher: d,
		store:      s,
		tracer:     otel.Tracer("orchestrator"),
	}
}

// Execute runs one plan to completion. Graph-build failures (unknown
// capabilities, dependency cycles, malformed conditions) are returned as
// errors; everything after that degrades into the result's status and
// warnings instead of failing the call.
func (o *Orchestrator) Execute(ctx context.Context, req *models.PlanRequest) (*models.PlanResult, error) {
	graph, err := o.resolver.BuildGraph(req)
	if err != nil {
		return nil, err
	}

	planID := uuid.New().String()
	started := time.Now().UTC()

	planTimeout := o.cfg.PlanTimeout
	if req.TimeoutMs > 0 {
		planTimeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	planCtx, cancel := context.WithTimeout(ctx, planTimeout)
	defer cancel()

	planCtx, span := o.tracer.Start(planCtx, "plan.execute",
		trace.WithAttributes(
			attribute.String("plan.id", planID),
			attribute.Float64("plan.budget_limit", req.BudgetLimit),
			attribute.Int("plan.nodes", len(graph.Nodes)),
		))
	defer span.End()

	run := &models.PlanRun{
		ID:          planID,
		Goal:        req.Goal,
		BudgetLimit: req.BudgetLimit,
		Status:      models.PlanRunning,
		StartedAt:   started,
	}
	if err := o.store.CreatePlanRun(ctx, run); err != nil {
		log.Warn().Err(err).Str("plan_id", planID).Msg("failed to persist plan run")
	}

	led := ledger.New(planID, req.BudgetLimit, req.BudgetOverride, o.store)

	log.Info().
		Str("plan_id", planID).
		Str("goal", req.Goal).
		Float64("budget_limit", req.BudgetLimit).
		Int("nodes", len(graph.Nodes)).
		Msg("plan execution started")

	warnings := o.runLevels(planCtx, planID, graph, led)

	// Whatever is still pending after cancellation or a stall is skipped.
	for _, n := range graph.Nodes {
		if !n.Status.Terminal() {
			n.Status = models.TaskSkipped
			if n.Result == nil {
				n.Result = n.Fallback
			}
		}
	}

	// Drain the ledger's durable mirror before the run record goes terminal.
	led.Close()

	result := assemble(planID, graph, led, warnings)

	now := time.Now().UTC()
	run.Status = result.Status
	run.Results = result.Results
	run.TotalCost = result.TotalCost
	run.Warnings = result.Warnings
	run.CompletedAt = &now
	run.DurationMs = now.Sub(started).Milliseconds()
	if err := o.store.UpdatePlanRun(ctx, run); err != nil {
		log.Warn().Err(err).Str("plan_id", planID).Msg("failed to persist plan result")
	}

	span.SetAttributes(
		attribute.String("plan.status", string(result.Status)),
		attribute.Float64("plan.total_cost", result.TotalCost),
	)
	log.Info().
		Str("plan_id", planID).
		Str("status", string(result.Status)).
		Float64("total_cost", result.TotalCost).
		Int64("duration_ms", run.DurationMs).
		Msg("plan execution finished")

	return result, nil
}

// runLevels is the fan-out/fan-in loop: dispatch every ready node
// concurrently, wait for the level to resolve, propagate skips, repeat.
func (o *Orchestrator) runLevels(ctx context.Context, planID string, graph *models.TaskGraph, led *ledger.Ledger) []string {
	var warnMu sync.Mutex
	var warnings []string
	warn := func(format string, args ...interface{}) {
		warnMu.Lock()
		warnings = append(warnings, fmt.Sprintf(format, args...))
		warnMu.Unlock()
	}

	for !graph.AllTerminal() {
		propagateSkips(graph, warn)

		ready := resolver.NextReadySet(graph)
		if len(ready) == 0 {
			if !graph.AllTerminal() {
				// Nothing ready and nothing terminal left to unlock it.
				warn("plan stalled: %d nodes never became ready", pendingCount(graph))
			}
			return warnings
		}
		if ctx.Err() != nil {
			return warnings
		}

		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(o.cfg.MaxConcurrency)
		for _, node := range ready {
			node := node
			group.Go(func() error {
				o.executeNode(groupCtx, planID, graph, node, led, warn)
				return nil
			})
		}
		group.Wait()
	}
	return warnings
}

// executeNode drives one node through condition check, dispatch, and the
// reserve/commit cycle. All failure modes land in the node's status and a
// warning, never an error return: one bad task must not tear down the level.
func (o *Orchestrator) executeNode(ctx context.Context, planID string, graph *models.TaskGraph, node *models.TaskNode, led *ledger.Ledger, warn func(string, ...interface{})) {
	ctx, span := o.tracer.Start(ctx, "task.dispatch",
		trace.WithAttributes(
			attribute.String("task.id", node.ID),
			attribute.String("task.capability", string(node.Capability)),
		))
	defer span.End()

	if node.Condition != "" {
		ok, err := o.evalCondition(node, graph, led)
		if err != nil {
			node.Status = models.TaskFailed
			node.Error = err.Error()
			warn("capability %s degraded: condition evaluation failed", node.Capability)
			return
		}
		if !ok {
			node.Status = models.TaskSkipped
			node.Result = node.Fallback
			log.Debug().Str("task_id", node.ID).Str("capability", string(node.Capability)).Msg("condition false, task skipped")
			return
		}
	}

	node.Status = models.TaskRunning

	env := &models.TaskEnvelope{
		TaskID:     node.ID,
		Capability: node.Capability,
		Payload:    node.Input,
		Context:    depResults(graph, node),
		TimeoutMs:  o.cfg.TaskTimeout.Milliseconds(),
	}

	taskCtx, cancel := context.WithTimeout(ctx, o.cfg.TaskTimeout)
	defer cancel()

	res, err := o.dispatcher.Dispatch(taskCtx, env)
	if err != nil {
		o.failNode(node, err, warn)
		return
	}

	res, reoptimized, err := o.settleCost(ctx, graph, node, res, led)
	if err != nil {
		node.Error = err.Error()
		degradeToFallback(node)
		warn("capability %s degraded: budget exceeded", node.Capability)
		return
	}
	if reoptimized {
		warn("capability %s budget re-optimized", node.Capability)
	}

	node.Status = models.TaskCompleted
	node.Result = res.Result
	node.CostEstimate = res.CostEstimate
	span.SetAttributes(attribute.Float64("task.cost", res.CostEstimate))
}

// settleCost charges the node's cost to the ledger. A node's estimate is
// the cumulative spend the plan carries at that stage, so the ledger takes
// only the amount by which the estimate grows the costliest dependency
// chain: a shopping list priced at the recipe's grocery spend charges
// nothing on top of the recipe stage. A rejected charge goes to the
// re-optimization hook once; if the re-optimized cost still breaches the
// limit the budget error stands.
func (o *Orchestrator) settleCost(ctx context.Context, graph *models.TaskGraph, node *models.TaskNode, res *models.TaskResult, led *ledger.Ledger) (*models.TaskResult, bool, error) {
	baseline := chainBaseline(graph, node)

	err := led.Reserve(node.ID, charge(res.CostEstimate, baseline))
	if err == nil {
		if err := led.Commit(node.ID, charge(res.CostEstimate, baseline)); err != nil {
			led.Release(node.ID)
			return nil, false, err
		}
		return res, false, nil
	}

	var exceeded *ledger.ExceededError
	if !errors.As(err, &exceeded) || o.Reoptimizer == nil {
		return nil, false, err
	}

	log.Info().
		Str("task_id", node.ID).
		Float64("requested", exceeded.Requested).
		Float64("available", exceeded.Available).
		Msg("cost over budget, invoking re-optimization")

	cheaper, rerr := o.Reoptimizer.Reoptimize(ctx, node, led.Remaining())
	if rerr != nil || cheaper == nil {
		return nil, false, err
	}
	if rerr := led.Reserve(node.ID, charge(cheaper.CostEstimate, baseline)); rerr != nil {
		return nil, false, rerr
	}
	if cerr := led.Commit(node.ID, charge(cheaper.CostEstimate, baseline)); cerr != nil {
		led.Release(node.ID)
		return nil, false, cerr
	}
	return cheaper, true, nil
}

// charge is the ledger-facing amount for a stage estimate: the growth over
// the dependency chain's baseline, never negative.
func charge(estimate, baseline float64) float64 {
	if estimate <= baseline {
		return 0
	}
	return estimate - baseline
}

// chainBaseline returns the largest estimate already committed along the
// node's transitive dependency chain. Dependencies are terminal before a
// dependent starts, so their estimates are stable here.
func chainBaseline(graph *models.TaskGraph, node *models.TaskNode) float64 {
	var max float64
	seen := make(map[string]bool)
	var walk func(ids []string)
	walk = func(ids []string) {
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			dep := graph.Node(id)
			if dep == nil {
				continue
			}
			if dep.Status == models.TaskCompleted && dep.CostEstimate > max {
				max = dep.CostEstimate
			}
			walk(dep.DependsOn)
		}
	}
	walk(node.DependsOn)
	return max
}

// failNode records a terminal dispatch failure, translating context
// deadline errors into a task timeout.
func (o *Orchestrator) failNode(node *models.TaskNode, err error, warn func(string, ...interface{})) {
	reason := "unavailable"
	if errors.Is(err, context.DeadlineExceeded) {
		err = &TimeoutError{TaskID: node.ID, Timeout: o.cfg.TaskTimeout}
		reason = "timeout"
	}
	var na *gateway.NoAgentError
	if errors.As(err, &na) {
		reason = "no available agent"
	}

	node.Error = err.Error()
	degradeToFallback(node)
	warn("capability %s degraded: %s", node.Capability, reason)
	log.Warn().
		Err(err).
		Str("task_id", node.ID).
		Str("capability", string(node.Capability)).
		Msg("task failed")
}

// degradeToFallback finalizes a node that could not produce a real result:
// with a configured fallback it lands skipped-with-result so dependents can
// proceed on the fallback value; without one it fails and dependents are
// skipped by propagation.
func degradeToFallback(node *models.TaskNode) {
	if node.Fallback != nil {
		node.Status = models.TaskSkipped
		node.Result = node.Fallback
		return
	}
	node.Status = models.TaskFailed
}

// evalCondition evaluates the node's predicate against its dependencies'
// results plus the remaining budget.
func (o *Orchestrator) evalCondition(node *models.TaskNode, graph *models.TaskGraph, led *ledger.Ledger) (bool, error) {
	env := map[string]interface{}{
		"budget_remaining": led.Remaining(),
	}
	for _, depID := range node.DependsOn {
		dep := graph.Node(depID)
		if dep == nil || dep.Result == nil {
			continue
		}
		env[identifier(dep.Capability)] = dep.Result
		// Flatten top-level result fields for terser expressions.
		for k, v := range dep.Result {
			if _, exists := env[k]; !exists {
				env[k] = v
			}
		}
	}

	prog, err := expr.Compile(node.Condition, expr.Env(env), expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("compile condition: %w", err)
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("condition %q did not evaluate to a boolean", node.Condition)
	}
	return ok, nil
}

// propagateSkips resolves pending nodes whose dependencies can never be
// satisfied: a failed dependency, or one skipped without a fallback result.
// Runs to a fixed point so chains collapse in one pass.
func propagateSkips(graph *models.TaskGraph, warn func(string, ...interface{})) {
	for changed := true; changed; {
		changed = false
		for _, n := range graph.Nodes {
			if n.Status != models.TaskPending {
				continue
			}
			for _, depID := range n.DependsOn {
				dep := graph.Node(depID)
				if dep == nil {
					continue
				}
				dead := dep.Status == models.TaskFailed ||
					(dep.Status == models.TaskSkipped && dep.Result == nil)
				if dead {
					n.Status = models.TaskSkipped
					n.Result = n.Fallback
					if n.Result == nil {
						warn("capability %s skipped: dependency %s unavailable", n.Capability, dep.Capability)
					}
					changed = true
					break
				}
			}
		}
	}
}

// assemble folds the terminal graph into the caller-facing result. The
// result never carries a bare error: degraded capabilities are named in
// warnings and reflected in the status.
func assemble(planID string, graph *models.TaskGraph, led *ledger.Ledger, warnings []string) *models.PlanResult {
	results := make(map[string]map[string]interface{})
	completed, usable := 0, 0
	for _, n := range graph.Nodes {
		if n.Result != nil {
			results[string(n.Capability)] = n.Result
			usable++
		}
		if n.Status == models.TaskCompleted {
			completed++
		}
	}

	var status models.PlanStatus
	switch {
	case completed == len(graph.Nodes):
		status = models.PlanComplete
	case usable > 0:
		status = models.PlanPartial
	default:
		status = models.PlanFailed
	}

	if warnings == nil {
		warnings = []string{}
	}
	return &models.PlanResult{
		PlanID:    planID,
		Status:    status,
		Results:   results,
		TotalCost: led.Committed(),
		Warnings:  warnings,
	}
}

// depResults collects the node's dependencies' results keyed by capability,
// forwarded to the worker as task context.
func depResults(graph *models.TaskGraph, node *models.TaskNode) map[string]interface{} {
	if len(node.DependsOn) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(node.DependsOn))
	for _, depID := range node.DependsOn {
		dep := graph.Node(depID)
		if dep != nil && dep.Result != nil {
			out[string(dep.Capability)] = dep.Result
		}
	}
	return out
}

// identifier turns a capability into an expression-friendly variable name,
// e.g. "shopping-list" -> "shopping_list", "custom:coupons" -> "coupons".
func identifier(c models.Capability) string {
	s := strings.TrimPrefix(string(c), models.CustomCapabilityPrefix)
	return strings.ReplaceAll(s, "-", "_")
}

func pendingCount(graph *models.TaskGraph) int {
	n := 0
	for _, node := range graph.Nodes {
		if !node.Status.Terminal() {
			n++
		}
	}
	return n
}
