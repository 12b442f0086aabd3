package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mospit/bruno-ai-sub000/internal/breaker"
	"github.com/mospit/bruno-ai-sub000/internal/cache"
	"github.com/mospit/bruno-ai-sub000/internal/config"
	"github.com/mospit/bruno-ai-sub000/internal/gateway"
	"github.com/mospit/bruno-ai-sub000/internal/store"
	"github.com/mospit/bruno-ai-sub000/pkg/models"
)

// fakeWorker is an httptest-backed worker agent. Its task handler can be
// swapped per test; health always returns 200 unless failHealth is set.
type fakeWorker struct {
	server     *httptest.Server
	taskCalls  atomic.Int64
	failHealth atomic.Bool
	reply      func(env *models.TaskEnvelope) (int, *models.TaskReply)
}

func newFakeWorker(t *testing.T) *fakeWorker {
	t.Helper()
	w := &fakeWorker{}
	w.reply = func(env *models.TaskEnvelope) (int, *models.TaskReply) {
		return http.StatusOK, &models.TaskReply{
			TaskID:       env.TaskID,
			Status:       "completed",
			Result:       map[string]interface{}{"ok": true},
			CostEstimate: 1.5,
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(rw http.ResponseWriter, r *http.Request) {
		if w.failHealth.Load() {
			rw.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		rw.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/task", func(rw http.ResponseWriter, r *http.Request) {
		w.taskCalls.Add(1)
		var env models.TaskEnvelope
		json.NewDecoder(r.Body).Decode(&env)
		code, reply := w.reply(&env)
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(code)
		json.NewEncoder(rw).Encode(reply)
	})

	w.server = httptest.NewServer(mux)
	t.Cleanup(w.server.Close)
	return w
}

// newTestGateway builds a gateway with fast, deterministic settings: no
// registration backoff sleeps, a single dispatch attempt, and a short
// breaker cool-down.
func newTestGateway(t *testing.T) (*gateway.Gateway, *breaker.Registry) {
	t.Helper()
	cfg := config.GatewayConfig{
		RegisterProbeRetries:  0,
		RegisterProbeTimeout:  time.Second,
		ProbeTimeout:          time.Second,
		UnreachableThreshold:  2,
		EvictAfterSweeps:      2,
		RatePerSecond:         1000,
		RateBurst:             1000,
		RouteRetries:          0,
		CacheableCapabilities: []string{"pricing"},
	}
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: 5,
		Window:           time.Second,
		Cooldown:         60 * time.Millisecond,
		MaxCooldown:      time.Second,
	})
	c := cache.New(map[string]time.Duration{"pricing": time.Minute}, time.Minute, 0)
	t.Cleanup(c.Close)

	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	return gateway.New(cfg, s, c, breakers), breakers
}

func register(t *testing.T, g *gateway.Gateway, w *fakeWorker, name string, caps ...string) *models.AgentDescriptor {
	t.Helper()
	desc, err := g.Register(context.Background(), gateway.RegisterRequest{
		Name:         name,
		Capabilities: caps,
		Endpoint:     w.server.URL,
	})
	if err != nil {
		t.Fatalf("Register(%s) error = %v", name, err)
	}
	return desc
}

// ─── Registration ───────────────────────────────────────────

func TestRegisterAndList(t *testing.T) {
	g, _ := newTestGateway(t)
	w := newFakeWorker(t)

	desc := register(t, g, w, "budget-worker", "budget-analysis", "pricing")
	if desc.Health != models.HealthHealthy {
		t.Errorf("registered agent health = %q, want healthy", desc.Health)
	}

	agents := g.ListAgents()
	if len(agents) != 1 || agents[0].Name != "budget-worker" {
		t.Fatalf("ListAgents() = %v, want one budget-worker", agents)
	}
	if agents[0].BreakerState != string(breaker.StateClosed) {
		t.Errorf("new agent breaker state = %q, want closed", agents[0].BreakerState)
	}
}

func TestRegisterRejectsUnknownCapability(t *testing.T) {
	g, _ := newTestGateway(t)
	w := newFakeWorker(t)

	_, err := g.Register(context.Background(), gateway.RegisterRequest{
		Name:         "bad",
		Capabilities: []string{"mind-reading"},
		Endpoint:     w.server.URL,
	})
	var re *gateway.RegistrationError
	if !errors.As(err, &re) {
		t.Fatalf("Register() error = %v, want *RegistrationError", err)
	}
}

func TestRegisterRejectsUnreachableAgent(t *testing.T) {
	g, _ := newTestGateway(t)
	w := newFakeWorker(t)
	w.failHealth.Store(true)

	_, err := g.Register(context.Background(), gateway.RegisterRequest{
		Name:         "down",
		Capabilities: []string{"pricing"},
		Endpoint:     w.server.URL,
	})
	var re *gateway.RegistrationError
	if !errors.As(err, &re) {
		t.Fatalf("Register() error = %v, want *RegistrationError", err)
	}
}

func TestDeregister(t *testing.T) {
	g, _ := newTestGateway(t)
	w := newFakeWorker(t)

	desc := register(t, g, w, "temp", "ordering")
	if err := g.Deregister(context.Background(), desc.ID); err != nil {
		t.Fatalf("Deregister() error = %v", err)
	}
	if len(g.ListAgents()) != 0 {
		t.Error("agent still listed after Deregister()")
	}

	_, err := g.Dispatch(context.Background(), &models.TaskEnvelope{
		TaskID: "t1", Capability: models.CapOrdering,
	})
	var na *gateway.NoAgentError
	if !errors.As(err, &na) {
		t.Fatalf("Dispatch() after deregister error = %v, want *NoAgentError", err)
	}
}

// ─── Dispatch ───────────────────────────────────────────────

func TestDispatchRoutesToWorker(t *testing.T) {
	g, _ := newTestGateway(t)
	w := newFakeWorker(t)
	desc := register(t, g, w, "recipes", "recipe-creation")

	res, err := g.Dispatch(context.Background(), &models.TaskEnvelope{
		TaskID:     "t1",
		Capability: models.CapRecipeCreation,
		Payload:    map[string]interface{}{"goal": "cheap dinners"},
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.AgentID != desc.ID {
		t.Errorf("result AgentID = %q, want %q", res.AgentID, desc.ID)
	}
	if res.CostEstimate != 1.5 {
		t.Errorf("result CostEstimate = %v, want 1.5", res.CostEstimate)
	}

	got, _ := g.GetAgent(desc.ID)
	if got.RequestCount != 1 || got.ErrorCount != 0 {
		t.Errorf("metrics = {requests: %d, errors: %d}, want {1, 0}", got.RequestCount, got.ErrorCount)
	}
}

// The envelope's timeout_ms is a real deadline on the dispatch, not just a
// hint forwarded to the worker.
func TestDispatchHonorsEnvelopeTimeout(t *testing.T) {
	g, _ := newTestGateway(t)
	w := newFakeWorker(t)
	w.reply = func(env *models.TaskEnvelope) (int, *models.TaskReply) {
		time.Sleep(300 * time.Millisecond)
		return http.StatusOK, &models.TaskReply{TaskID: env.TaskID, Status: "completed"}
	}
	register(t, g, w, "slow", "recipe-creation")

	start := time.Now()
	_, err := g.Dispatch(context.Background(), &models.TaskEnvelope{
		TaskID:     "t1",
		Capability: models.CapRecipeCreation,
		TimeoutMs:  40,
	})
	if err == nil {
		t.Fatal("Dispatch() with a 40ms deadline against a 300ms worker should error")
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("Dispatch() returned after %v, want the deadline enforced well before the worker replies", elapsed)
	}
}

func TestDispatchNoAgentForCapability(t *testing.T) {
	g, _ := newTestGateway(t)
	w := newFakeWorker(t)
	register(t, g, w, "recipes", "recipe-creation")

	_, err := g.Dispatch(context.Background(), &models.TaskEnvelope{
		TaskID: "t1", Capability: models.CapOrdering,
	})
	var na *gateway.NoAgentError
	if !errors.As(err, &na) {
		t.Fatalf("Dispatch() error = %v, want *NoAgentError", err)
	}
	if na.Capability != models.CapOrdering {
		t.Errorf("NoAgentError.Capability = %q, want ordering", na.Capability)
	}
}

func TestDispatchCachesIdempotentLookups(t *testing.T) {
	g, _ := newTestGateway(t)
	w := newFakeWorker(t)
	register(t, g, w, "prices", "pricing")

	env := &models.TaskEnvelope{
		TaskID:     "t1",
		Capability: models.CapPricing,
		Payload:    map[string]interface{}{"item": "milk", "location": "78701"},
	}
	if _, err := g.Dispatch(context.Background(), env); err != nil {
		t.Fatalf("first Dispatch() error = %v", err)
	}

	// Same payload, different task id: must be served from cache.
	env2 := &models.TaskEnvelope{
		TaskID:     "t2",
		Capability: models.CapPricing,
		Payload:    map[string]interface{}{"item": "milk", "location": "78701"},
	}
	if _, err := g.Dispatch(context.Background(), env2); err != nil {
		t.Fatalf("second Dispatch() error = %v", err)
	}
	if calls := w.taskCalls.Load(); calls != 1 {
		t.Errorf("worker received %d calls, want 1 (second served from cache)", calls)
	}

	// Different payload misses.
	env3 := &models.TaskEnvelope{
		TaskID:     "t3",
		Capability: models.CapPricing,
		Payload:    map[string]interface{}{"item": "eggs", "location": "78701"},
	}
	g.Dispatch(context.Background(), env3)
	if calls := w.taskCalls.Load(); calls != 2 {
		t.Errorf("worker received %d calls, want 2", calls)
	}
}

func TestDispatchRoundRobin(t *testing.T) {
	g, _ := newTestGateway(t)
	w1 := newFakeWorker(t)
	w2 := newFakeWorker(t)
	register(t, g, w1, "orders-1", "ordering")
	register(t, g, w2, "orders-2", "ordering")

	for i := 0; i < 6; i++ {
		env := &models.TaskEnvelope{TaskID: "t", Capability: models.CapOrdering}
		if _, err := g.Dispatch(context.Background(), env); err != nil {
			t.Fatalf("Dispatch() #%d error = %v", i, err)
		}
	}

	c1, c2 := w1.taskCalls.Load(), w2.taskCalls.Load()
	if c1 != 3 || c2 != 3 {
		t.Errorf("round-robin split = %d/%d, want 3/3", c1, c2)
	}
}

func TestDispatchSurfacesWorkerError(t *testing.T) {
	g, _ := newTestGateway(t)
	w := newFakeWorker(t)
	w.reply = func(env *models.TaskEnvelope) (int, *models.TaskReply) {
		return http.StatusOK, &models.TaskReply{
			TaskID:    env.TaskID,
			Status:    "failed",
			ErrorCode: "invalid_input",
			Message:   "missing goal",
		}
	}
	register(t, g, w, "strict", "nutrition-check")

	_, err := g.Dispatch(context.Background(), &models.TaskEnvelope{
		TaskID: "t1", Capability: models.CapNutritionCheck,
	})
	var exec *gateway.ExecutionError
	if !errors.As(err, &exec) {
		t.Fatalf("Dispatch() error = %v, want *ExecutionError", err)
	}
	if exec.ErrorCode != "invalid_input" {
		t.Errorf("ExecutionError.ErrorCode = %q, want invalid_input", exec.ErrorCode)
	}
}

// Five consecutive failures trip the breaker; routing then refuses the
// agent until the cool-down elapses, after which exactly one probe goes
// through.
func TestDispatchTripsBreakerThenProbes(t *testing.T) {
	g, breakers := newTestGateway(t)
	w := newFakeWorker(t)
	w.reply = func(env *models.TaskEnvelope) (int, *models.TaskReply) {
		return http.StatusInternalServerError, &models.TaskReply{}
	}
	desc := register(t, g, w, "flaky", "shopping-list")

	env := &models.TaskEnvelope{TaskID: "t", Capability: models.CapShoppingList}
	for i := 0; i < 5; i++ {
		if _, err := g.Dispatch(context.Background(), env); err == nil {
			t.Fatalf("Dispatch() #%d should fail", i)
		}
	}
	if got := breakers.Get(desc.ID).State(); got != breaker.StateOpen {
		t.Fatalf("breaker state after 5 failures = %q, want open", got)
	}

	// While open: no traffic reaches the worker.
	before := w.taskCalls.Load()
	_, err := g.Dispatch(context.Background(), env)
	var na *gateway.NoAgentError
	if !errors.As(err, &na) {
		t.Fatalf("Dispatch() while open error = %v, want *NoAgentError", err)
	}
	var oe *breaker.OpenError
	if !errors.As(err, &oe) || oe.AgentID != desc.ID {
		t.Errorf("NoAgentError should wrap the agent's OpenError, got %v", err)
	}
	if w.taskCalls.Load() != before {
		t.Error("open breaker let a request through")
	}

	// After the cool-down the worker recovers; the single half-open probe
	// succeeds and closes the breaker.
	w.reply = func(env *models.TaskEnvelope) (int, *models.TaskReply) {
		return http.StatusOK, &models.TaskReply{TaskID: env.TaskID, Status: "completed"}
	}
	time.Sleep(80 * time.Millisecond)

	if _, err := g.Dispatch(context.Background(), env); err != nil {
		t.Fatalf("probe Dispatch() error = %v", err)
	}
	if got := breakers.Get(desc.ID).State(); got != breaker.StateClosed {
		t.Errorf("breaker state after probe success = %q, want closed", got)
	}
}

// ─── Health ─────────────────────────────────────────────────

func TestProbeAgentMarksUnreachable(t *testing.T) {
	g, _ := newTestGateway(t)
	w := newFakeWorker(t)
	desc := register(t, g, w, "fading", "ordering")

	w.failHealth.Store(true)

	// Threshold is 2 in the test config: first miss degrades, second flips
	// to unreachable.
	state, err := g.ProbeAgent(context.Background(), desc.ID)
	if err != nil {
		t.Fatalf("ProbeAgent() error = %v", err)
	}
	if state != models.HealthDegraded {
		t.Errorf("state after 1 miss = %q, want degraded", state)
	}

	state, _ = g.ProbeAgent(context.Background(), desc.ID)
	if state != models.HealthUnreachable {
		t.Errorf("state after 2 misses = %q, want unreachable", state)
	}

	// Unreachable agents are excluded from routing.
	_, err = g.Dispatch(context.Background(), &models.TaskEnvelope{
		TaskID: "t1", Capability: models.CapOrdering,
	})
	var na *gateway.NoAgentError
	if !errors.As(err, &na) {
		t.Fatalf("Dispatch() to unreachable agent error = %v, want *NoAgentError", err)
	}

	// Recovery: a successful probe restores health.
	w.failHealth.Store(false)
	state, _ = g.ProbeAgent(context.Background(), desc.ID)
	if state != models.HealthHealthy {
		t.Errorf("state after recovery = %q, want healthy", state)
	}
}

func TestHeartbeatEvictsDeadAgent(t *testing.T) {
	g, _ := newTestGateway(t)
	w := newFakeWorker(t)
	desc := register(t, g, w, "doomed", "ordering")
	w.failHealth.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := gateway.NewHeartbeatMonitor(g, 10*time.Millisecond)
	m.Start(ctx)
	defer m.Stop()

	// Threshold 2 + 2 eviction sweeps: the agent should be gone within a
	// handful of intervals.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := g.GetAgent(desc.ID); err != nil {
			return // evicted
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("unreachable agent was never evicted")
}

// ─── Metrics ────────────────────────────────────────────────

func TestMetricsSnapshot(t *testing.T) {
	g, _ := newTestGateway(t)
	w := newFakeWorker(t)
	register(t, g, w, "m1", "pricing")
	register(t, g, w, "m2", "ordering")

	g.Dispatch(context.Background(), &models.TaskEnvelope{
		TaskID: "t1", Capability: models.CapPricing,
		Payload: map[string]interface{}{"item": "milk"},
	})

	m := g.Metrics()
	if m.TotalAgents != 2 {
		t.Errorf("TotalAgents = %d, want 2", m.TotalAgents)
	}
	if m.HealthyAgents != 2 {
		t.Errorf("HealthyAgents = %d, want 2", m.HealthyAgents)
	}
	if m.CacheEntries != 1 {
		t.Errorf("CacheEntries = %d, want 1", m.CacheEntries)
	}
}
