// Package resolver turns a plan request into a directed acyclic task graph.
//
// Requested capabilities map to task nodes; edges come from a fixed
// capability-dependency policy (recipe creation waits on budget analysis and
// nutrition checks, the shopping list waits on the recipe, ordering waits on
// the list). The graph is validated for cycles at build time so a
// misconfigured policy fails fast instead of deadlocking execution.
package resolver

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"

	"github.com/mospit/bruno-ai-sub000/pkg/models"
)

// Policy maps each capability to the capabilities it depends on.
type Policy map[models.Capability][]models.Capability

// DefaultPolicy is the meal-planning dependency policy: budget analysis and
// nutrition checks run independently, recipe creation consumes both, and the
// purchasing chain follows the recipe.
func DefaultPolicy() Policy {
	return Policy{
		models.CapRecipeCreation: {models.CapBudgetAnalysis, models.CapNutritionCheck},
		models.CapShoppingList:   {models.CapRecipeCreation},
		models.CapOrdering:       {models.CapShoppingList},
	}
}

// DefaultCapabilities is the full set resolved when a request names none.
func DefaultCapabilities() []models.Capability {
	return []models.Capability{
		models.CapBudgetAnalysis,
		models.CapNutritionCheck,
		models.CapRecipeCreation,
		models.CapShoppingList,
		models.CapOrdering,
	}
}

// CycleError reports a dependency cycle found at graph-build time.
type CycleError struct {
	Cycle []models.Capability
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Cycle))
	for i, c := range e.Cycle {
		parts[i] = string(c)
	}
	return "dependency cycle: " + strings.Join(parts, " -> ")
}

// Resolver builds task graphs under a fixed policy.
type Resolver struct {
	policy Policy
}

// New creates a resolver. A nil policy falls back to DefaultPolicy.
func New(policy Policy) *Resolver {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Resolver{policy: policy}
}

// BuildGraph maps the request's capabilities to task nodes and wires their
// dependencies per the policy, pulling in transitive dependencies the
// request did not name. Per-capability conditions and fallbacks come from
// the request's constraints:
//
//	constraints["conditions"] = {"ordering": "shopping_list.total_items > 0"}
//	constraints["fallbacks"]  = {"nutrition-check": {...default result...}}
//
// Conditions are compiled here so an invalid expression fails the request
// before anything dispatches.
func (r *Resolver) BuildGraph(req *models.PlanRequest) (*models.TaskGraph, error) {
	caps, err := r.requestedCapabilities(req)
	if err != nil {
		return nil, err
	}

	// Transitive closure over the policy: a requested capability drags in
	// everything it depends on.
	wanted := make(map[models.Capability]bool)
	var expand func(c models.Capability)
	expand = func(c models.Capability) {
		if wanted[c] {
			return
		}
		wanted[c] = true
		for _, dep := range r.policy[c] {
			expand(dep)
		}
	}
	for _, c := range caps {
		expand(c)
	}

	if err := r.checkAcyclic(wanted); err != nil {
		return nil, err
	}

	conditions := stringConstraint(req.Constraints, "conditions")
	fallbacks := mapConstraint(req.Constraints, "fallbacks")

	graph := &models.TaskGraph{Nodes: make(map[string]*models.TaskNode, len(wanted))}
	idByCap := make(map[models.Capability]string, len(wanted))
	for c := range wanted {
		id := uuid.New().String()
		idByCap[c] = id

		node := &models.TaskNode{
			ID:         id,
			Capability: c,
			Input:      buildInput(req),
			Status:     models.TaskPending,
		}
		if cond, ok := conditions[string(c)]; ok {
			if _, err := expr.Compile(cond, expr.AllowUndefinedVariables()); err != nil {
				return nil, fmt.Errorf("invalid condition for %s: %w", c, err)
			}
			node.Condition = cond
		}
		if fb, ok := fallbacks[string(c)]; ok {
			node.Fallback = fb
		}
		graph.Nodes[id] = node
	}

	for c, id := range idByCap {
		for _, dep := range r.policy[c] {
			if depID, ok := idByCap[dep]; ok {
				graph.Nodes[id].DependsOn = append(graph.Nodes[id].DependsOn, depID)
			}
		}
	}

	return graph, nil
}

// NextReadySet returns all pending nodes whose dependencies have completed,
// or were skipped while carrying a fallback result.
func NextReadySet(graph *models.TaskGraph) []*models.TaskNode {
	var ready []*models.TaskNode
	for _, n := range graph.Nodes {
		if n.Status != models.TaskPending {
			continue
		}
		if depsSatisfied(graph, n) {
			ready = append(ready, n)
		}
	}
	return ready
}

func depsSatisfied(graph *models.TaskGraph, n *models.TaskNode) bool {
	for _, depID := range n.DependsOn {
		dep := graph.Node(depID)
		if dep == nil {
			return false
		}
		switch dep.Status {
		case models.TaskCompleted:
		case models.TaskSkipped:
			if dep.Result == nil {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (r *Resolver) requestedCapabilities(req *models.PlanRequest) ([]models.Capability, error) {
	if len(req.Capabilities) == 0 {
		return DefaultCapabilities(), nil
	}
	caps := make([]models.Capability, 0, len(req.Capabilities))
	for _, s := range req.Capabilities {
		c, err := models.ParseCapability(s)
		if err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, nil
}

// checkAcyclic runs DFS coloring over the policy restricted to the wanted
// capabilities and reports the first cycle found.
func (r *Resolver) checkAcyclic(wanted map[models.Capability]bool) error {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // fully explored
	)
	color := make(map[models.Capability]int, len(wanted))
	var path []models.Capability

	var visit func(c models.Capability) *CycleError
	visit = func(c models.Capability) *CycleError {
		color[c] = gray
		path = append(path, c)
		for _, dep := range r.policy[c] {
			if !wanted[dep] {
				continue
			}
			switch color[dep] {
			case gray:
				// Slice the path from the first occurrence of dep to close
				// the loop in the error message.
				for i, p := range path {
					if p == dep {
						cycle := append(append([]models.Capability{}, path[i:]...), dep)
						return &CycleError{Cycle: cycle}
					}
				}
				return &CycleError{Cycle: []models.Capability{dep, c, dep}}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		color[c] = black
		return nil
	}

	for c := range wanted {
		if color[c] == white {
			if err := visit(c); err != nil {
				return err
			}
		}
	}
	return nil
}

// buildInput gives every node the request's goal and constraints plus the
// budget ceiling, so workers see the same context the caller provided.
func buildInput(req *models.PlanRequest) map[string]interface{} {
	input := map[string]interface{}{
		"goal":         req.Goal,
		"budget_limit": req.BudgetLimit,
	}
	if len(req.Constraints) > 0 {
		input["constraints"] = req.Constraints
	}
	return input
}

func stringConstraint(constraints map[string]interface{}, key string) map[string]string {
	out := make(map[string]string)
	raw, ok := constraints[key].(map[string]interface{})
	if !ok {
		return out
	}
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func mapConstraint(constraints map[string]interface{}, key string) map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{})
	raw, ok := constraints[key].(map[string]interface{})
	if !ok {
		return out
	}
	for k, v := range raw {
		if m, ok := v.(map[string]interface{}); ok {
			out[k] = m
		}
	}
	return out
}
