package resolver_test

import (
	"errors"
	"testing"

	"github.com/mospit/bruno-ai-sub000/internal/resolver"
	"github.com/mospit/bruno-ai-sub000/pkg/models"
)

func nodeFor(t *testing.T, g *models.TaskGraph, c models.Capability) *models.TaskNode {
	t.Helper()
	n := g.NodeByCapability(c)
	if n == nil {
		t.Fatalf("graph has no node for capability %q", c)
	}
	return n
}

func TestBuildGraph_DefaultCapabilities(t *testing.T) {
	r := resolver.New(nil)

	g, err := r.BuildGraph(&models.PlanRequest{Goal: "weekly meal plan", BudgetLimit: 75})
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}
	if len(g.Nodes) != 5 {
		t.Fatalf("graph has %d nodes, want 5", len(g.Nodes))
	}

	recipe := nodeFor(t, g, models.CapRecipeCreation)
	if len(recipe.DependsOn) != 2 {
		t.Errorf("recipe-creation has %d deps, want 2", len(recipe.DependsOn))
	}

	budget := nodeFor(t, g, models.CapBudgetAnalysis)
	nutrition := nodeFor(t, g, models.CapNutritionCheck)
	if len(budget.DependsOn) != 0 || len(nutrition.DependsOn) != 0 {
		t.Error("budget-analysis and nutrition-check should be independent roots")
	}

	ordering := nodeFor(t, g, models.CapOrdering)
	shopping := nodeFor(t, g, models.CapShoppingList)
	if len(ordering.DependsOn) != 1 || ordering.DependsOn[0] != shopping.ID {
		t.Errorf("ordering deps = %v, want [%s]", ordering.DependsOn, shopping.ID)
	}
}

func TestBuildGraph_TransitiveClosure(t *testing.T) {
	r := resolver.New(nil)

	// Requesting only shopping-list must drag in the whole recipe chain.
	g, err := r.BuildGraph(&models.PlanRequest{
		Goal:         "groceries",
		Capabilities: []string{"shopping-list"},
	})
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}
	if len(g.Nodes) != 4 {
		t.Fatalf("graph has %d nodes, want 4 (shopping-list + recipe chain)", len(g.Nodes))
	}
	if g.NodeByCapability(models.CapOrdering) != nil {
		t.Error("ordering was not requested and nothing depends on it")
	}
}

func TestBuildGraph_RejectsUnknownCapability(t *testing.T) {
	r := resolver.New(nil)

	_, err := r.BuildGraph(&models.PlanRequest{Capabilities: []string{"teleportation"}})
	if err == nil {
		t.Fatal("BuildGraph() with unknown capability should error")
	}
}

func TestBuildGraph_CustomCapability(t *testing.T) {
	r := resolver.New(nil)

	g, err := r.BuildGraph(&models.PlanRequest{Capabilities: []string{"custom:coupon-scan"}})
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}
	if len(g.Nodes) != 1 {
		t.Fatalf("graph has %d nodes, want 1", len(g.Nodes))
	}
}

func TestBuildGraph_CycleDetection(t *testing.T) {
	cyclic := resolver.Policy{
		models.CapBudgetAnalysis: {models.CapRecipeCreation},
		models.CapRecipeCreation: {models.CapBudgetAnalysis},
	}
	r := resolver.New(cyclic)

	_, err := r.BuildGraph(&models.PlanRequest{Capabilities: []string{"recipe-creation"}})
	var ce *resolver.CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("BuildGraph() error = %v, want *CycleError", err)
	}
	if len(ce.Cycle) < 3 {
		t.Errorf("CycleError.Cycle = %v, want a closed loop", ce.Cycle)
	}
}

func TestBuildGraph_InvalidConditionFailsFast(t *testing.T) {
	r := resolver.New(nil)

	_, err := r.BuildGraph(&models.PlanRequest{
		Capabilities: []string{"ordering"},
		Constraints: map[string]interface{}{
			"conditions": map[string]interface{}{
				"ordering": "total_items >",
			},
		},
	})
	if err == nil {
		t.Fatal("BuildGraph() with a malformed condition should error")
	}
}

func TestBuildGraph_ConditionsAndFallbacksAttach(t *testing.T) {
	r := resolver.New(nil)

	g, err := r.BuildGraph(&models.PlanRequest{
		Constraints: map[string]interface{}{
			"conditions": map[string]interface{}{
				"ordering": "total_items > 0",
			},
			"fallbacks": map[string]interface{}{
				"nutrition-check": map[string]interface{}{"score": 0.5},
			},
		},
	})
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}

	if got := nodeFor(t, g, models.CapOrdering).Condition; got != "total_items > 0" {
		t.Errorf("ordering condition = %q, want %q", got, "total_items > 0")
	}
	fb := nodeFor(t, g, models.CapNutritionCheck).Fallback
	if fb == nil || fb["score"] != 0.5 {
		t.Errorf("nutrition-check fallback = %v, want {score: 0.5}", fb)
	}
}

// ─── Ready Set ──────────────────────────────────────────────

func TestNextReadySet_InitialLevel(t *testing.T) {
	r := resolver.New(nil)
	g, _ := r.BuildGraph(&models.PlanRequest{Goal: "plan"})

	ready := resolver.NextReadySet(g)
	if len(ready) != 2 {
		t.Fatalf("initial ready set has %d nodes, want 2", len(ready))
	}
	for _, n := range ready {
		if n.Capability != models.CapBudgetAnalysis && n.Capability != models.CapNutritionCheck {
			t.Errorf("unexpected ready node %q", n.Capability)
		}
	}
}

func TestNextReadySet_UnlocksAfterDeps(t *testing.T) {
	r := resolver.New(nil)
	g, _ := r.BuildGraph(&models.PlanRequest{Goal: "plan"})

	nodeFor(t, g, models.CapBudgetAnalysis).Status = models.TaskCompleted
	nodeFor(t, g, models.CapNutritionCheck).Status = models.TaskCompleted

	ready := resolver.NextReadySet(g)
	if len(ready) != 1 || ready[0].Capability != models.CapRecipeCreation {
		t.Fatalf("ready set = %v, want [recipe-creation]", capsOf(ready))
	}
}

func TestNextReadySet_SkippedDepWithFallbackSatisfies(t *testing.T) {
	r := resolver.New(nil)
	g, _ := r.BuildGraph(&models.PlanRequest{Goal: "plan"})

	nodeFor(t, g, models.CapBudgetAnalysis).Status = models.TaskCompleted
	nutrition := nodeFor(t, g, models.CapNutritionCheck)
	nutrition.Status = models.TaskSkipped
	nutrition.Result = map[string]interface{}{"score": 0.5}

	ready := resolver.NextReadySet(g)
	if len(ready) != 1 || ready[0].Capability != models.CapRecipeCreation {
		t.Fatalf("ready set = %v, want [recipe-creation]", capsOf(ready))
	}
}

func TestNextReadySet_SkippedDepWithoutResultBlocks(t *testing.T) {
	r := resolver.New(nil)
	g, _ := r.BuildGraph(&models.PlanRequest{Goal: "plan"})

	nodeFor(t, g, models.CapBudgetAnalysis).Status = models.TaskCompleted
	nodeFor(t, g, models.CapNutritionCheck).Status = models.TaskSkipped // no fallback result

	for _, n := range resolver.NextReadySet(g) {
		if n.Capability == models.CapRecipeCreation {
			t.Fatal("recipe-creation became ready despite a bare skipped dependency")
		}
	}
}

func capsOf(nodes []*models.TaskNode) []models.Capability {
	out := make([]models.Capability, len(nodes))
	for i, n := range nodes {
		out[i] = n.Capability
	}
	return out
}
