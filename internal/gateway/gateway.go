// Package gateway implements the agent registry and routing layer: worker
// agents register their capabilities here, a heartbeat loop tracks their
// health, and task dispatch picks a live instance per capability behind the
// per-agent circuit breakers, rate limits, and the lookup cache.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mospit/bruno-ai-sub000/internal/breaker"
	"github.com/mospit/bruno-ai-sub000/internal/cache"
	"github.com/mospit/bruno-ai-sub000/internal/config"
	"github.com/mospit/bruno-ai-sub000/internal/store"
	"github.com/mospit/bruno-ai-sub000/pkg/models"
)

// ── Errors ──────────────────────────────────────────────────

// RegistrationError is returned when an agent cannot be admitted to the
// registry. Always fatal for the registration attempt, never retried
// beyond the probe's own backoff.
type RegistrationError struct {
	AgentName string
	Reason    string
	Err       error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration rejected for %s: %s", e.AgentName, e.Reason)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// NoAgentError is returned when no healthy agent is available for a
// capability (none registered, all unreachable, or all breakers open).
// When open breakers are the cause, Err carries the underlying
// breaker.OpenError with the earliest retry time.
type NoAgentError struct {
	Capability models.Capability
	Reason     string
	Err        error
}

func (e *NoAgentError) Error() string {
	return fmt.Sprintf("no available agent for capability %s: %s", e.Capability, e.Reason)
}

func (e *NoAgentError) Unwrap() error { return e.Err }

// ExecutionError is a worker-reported task failure, surfaced after dispatch
// retries are exhausted.
type ExecutionError struct {
	TaskID    string
	AgentID   string
	ErrorCode string
	Message   string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %s failed on agent %s: %s (%s)", e.TaskID, e.AgentID, e.Message, e.ErrorCode)
}

// ── Gateway ─────────────────────────────────────────────────

// agentEntry is the gateway's runtime view of one registered agent: the
// descriptor plus its token bucket. Breaker state lives in the breaker
// registry keyed by agent id.
type agentEntry struct {
	desc    *models.AgentDescriptor
	limiter *rate.Limiter
	// missed counts consecutive failed heartbeat probes.
	missed int
}

// Gateway is the agent registry and task router. The in-memory agent table
// is authoritative at runtime; the store mirrors it for restarts and
// inspection.
type Gateway struct {
	cfg      config.GatewayConfig
	store    store.Store
	cache    *cache.Cache
	breakers *breaker.Registry
	client   *http.Client

	mu     sync.RWMutex
	agents map[string]*agentEntry // key: agent id
	rr     map[models.Capability]uint64

	cacheable map[models.Capability]bool
}

// New creates a gateway. The HTTP client is shared across probes and
// dispatches; per-call deadlines come from contexts.
func New(cfg config.GatewayConfig, s store.Store, c *cache.Cache, breakers *breaker.Registry) *Gateway {
	cacheable := make(map[models.Capability]bool, len(cfg.CacheableCapabilities))
	for _, s := range cfg.CacheableCapabilities {
		cacheable[models.Capability(s)] = true
	}
	return &Gateway{
		cfg:       cfg,
		store:     s,
		cache:     c,
		breakers:  breakers,
		client:    &http.Client{},
		agents:    make(map[string]*agentEntry),
		rr:        make(map[models.Capability]uint64),
		cacheable: cacheable,
	}
}

// ── Registration ────────────────────────────────────────────

// RegisterRequest is the payload a worker agent submits to join the registry.
type RegisterRequest struct {
	Name           string   `json:"name"`
	Capabilities   []string `json:"capabilities"`
	Endpoint       string   `json:"endpoint"`
	HealthEndpoint string   `json:"health_endpoint,omitempty"`
}

// Register validates the capability set, probes the agent's health endpoint
// (with exponential backoff so a still-booting worker gets a grace period),
// and admits it to the registry. An unreachable or misdeclared agent is
// rejected with a RegistrationError.
func (g *Gateway) Register(ctx context.Context, req RegisterRequest) (*models.AgentDescriptor, error) {
	if req.Name == "" || req.Endpoint == "" {
		return nil, &RegistrationError{AgentName: req.Name, Reason: "name and endpoint are required"}
	}
	if len(req.Capabilities) == 0 {
		return nil, &RegistrationError{AgentName: req.Name, Reason: "at least one capability is required"}
	}

	caps := make([]models.Capability, 0, len(req.Capabilities))
	for _, s := range req.Capabilities {
		c, err := models.ParseCapability(s)
		if err != nil {
			return nil, &RegistrationError{AgentName: req.Name, Reason: err.Error(), Err: err}
		}
		caps = append(caps, c)
	}

	healthEndpoint := req.HealthEndpoint
	if healthEndpoint == "" {
		healthEndpoint = req.Endpoint + "/health"
	}

	probeCtx, cancel := context.WithTimeout(ctx, g.cfg.RegisterProbeTimeout)
	defer cancel()
	probe := func() error { return g.probe(probeCtx, healthEndpoint) }
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), g.cfg.RegisterProbeRetries), probeCtx)
	if err := backoff.Retry(probe, bo); err != nil {
		return nil, &RegistrationError{AgentName: req.Name, Reason: "health probe failed", Err: err}
	}

	now := time.Now().UTC()
	desc := &models.AgentDescriptor{
		ID:             uuid.New().String(),
		Name:           req.Name,
		Capabilities:   caps,
		Endpoint:       req.Endpoint,
		HealthEndpoint: healthEndpoint,
		Health:         models.HealthHealthy,
		RegisteredAt:   now,
		LastHeartbeat:  now,
	}

	g.mu.Lock()
	g.agents[desc.ID] = &agentEntry{
		desc:    desc,
		limiter: rate.NewLimiter(rate.Limit(g.cfg.RatePerSecond), g.cfg.RateBurst),
	}
	g.mu.Unlock()

	if err := g.store.PutAgent(ctx, desc); err != nil {
		log.Warn().Err(err).Str("agent", desc.Name).Msg("failed to persist agent registration")
	}

	log.Info().
		Str("agent_id", desc.ID).
		Str("agent", desc.Name).
		Interface("capabilities", caps).
		Msg("agent registered")

	cp := *desc
	return &cp, nil
}

// Deregister removes an agent from the registry and drops its breaker.
func (g *Gateway) Deregister(ctx context.Context, id string) error {
	g.mu.Lock()
	entry, ok := g.agents[id]
	if ok {
		delete(g.agents, id)
	}
	g.mu.Unlock()

	if !ok {
		return &store.ErrNotFound{Entity: "agent", Key: id}
	}

	g.breakers.Remove(id)
	if err := g.store.DeleteAgent(ctx, id); err != nil {
		log.Warn().Err(err).Str("agent_id", id).Msg("failed to remove agent from store")
	}

	log.Info().Str("agent_id", id).Str("agent", entry.desc.Name).Msg("agent deregistered")
	return nil
}

// ListAgents returns the runtime view of all registered agents, sorted by
// name, with breaker states attached.
func (g *Gateway) ListAgents() []models.AgentDescriptor {
	g.mu.RLock()
	out := make([]models.AgentDescriptor, 0, len(g.agents))
	for _, e := range g.agents {
		out = append(out, *e.desc)
	}
	g.mu.RUnlock()

	for i := range out {
		out[i].BreakerState = string(g.breakers.Get(out[i].ID).State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetAgent returns one agent's descriptor with breaker state attached.
func (g *Gateway) GetAgent(id string) (*models.AgentDescriptor, error) {
	g.mu.RLock()
	entry, ok := g.agents[id]
	var cp models.AgentDescriptor
	if ok {
		cp = *entry.desc
	}
	g.mu.RUnlock()

	if !ok {
		return nil, &store.ErrNotFound{Entity: "agent", Key: id}
	}
	cp.BreakerState = string(g.breakers.Get(id).State())
	return &cp, nil
}

// ── Dispatch ────────────────────────────────────────────────

// Dispatch routes a task envelope to a worker agent advertising the
// capability. Candidate selection is round-robin over agents whose breaker
// admits traffic; transient failures are retried with exponential backoff,
// re-routing to an alternate instance on each attempt. Idempotent lookup
// capabilities are served from the cache when possible.
func (g *Gateway) Dispatch(ctx context.Context, env *models.TaskEnvelope) (*models.TaskResult, error) {
	if env.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(env.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	cacheKey := ""
	if g.cacheable[env.Capability] && g.cache != nil {
		cacheKey = dispatchCacheKey(env)
		if v, ok := g.cache.Get(cacheKey, string(env.Capability)); ok {
			if cached, ok := v.(*models.TaskResult); ok {
				log.Debug().Str("task_id", env.TaskID).Str("capability", string(env.Capability)).Msg("dispatch served from cache")
				cp := *cached
				return &cp, nil
			}
		}
	}

	tried := make(map[string]bool)
	var result *models.TaskResult

	attempt := func() error {
		entry, err := g.pickAgent(env.Capability, tried)
		if err != nil {
			// No candidate at all is not retryable.
			return backoff.Permanent(err)
		}
		tried[entry.desc.ID] = true

		if err := entry.limiter.Wait(ctx); err != nil {
			// The Allow above may have claimed a half-open probe slot;
			// resolve it so the breaker is not left waiting forever.
			g.breakers.RecordFailure(entry.desc.ID)
			return backoff.Permanent(err)
		}

		res, err := g.send(ctx, entry.desc, env)
		if err != nil {
			g.breakers.RecordFailure(entry.desc.ID)
			g.recordMetrics(entry.desc.ID, 0, false)
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			var exec *ExecutionError
			if errors.As(err, &exec) && !transientErrorCode(exec.ErrorCode) {
				return backoff.Permanent(err)
			}
			return err
		}

		g.breakers.RecordSuccess(entry.desc.ID)
		g.recordMetrics(entry.desc.ID, res.LatencyMs, true)
		result = res
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), g.cfg.RouteRetries), ctx)
	if err := backoff.Retry(attempt, bo); err != nil {
		return nil, err
	}

	if cacheKey != "" {
		g.cache.Put(cacheKey, result, string(env.Capability))
	}
	return result, nil
}

// pickAgent selects the next round-robin candidate for a capability among
// agents that are reachable, admitted by their breaker, and not yet tried
// in this dispatch. Previously tried agents are reconsidered only when they
// are the last ones standing.
func (g *Gateway) pickAgent(c models.Capability, tried map[string]bool) (*agentEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var candidates []*agentEntry
	for _, e := range g.agents {
		if e.desc.HasCapability(c) && e.desc.Health != models.HealthUnreachable {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil, &NoAgentError{Capability: c, Reason: "no healthy agent registered"}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].desc.ID < candidates[j].desc.ID })

	// Prefer instances not yet tried in this dispatch.
	fresh := candidates[:0:0]
	for _, e := range candidates {
		if !tried[e.desc.ID] {
			fresh = append(fresh, e)
		}
	}
	if len(fresh) > 0 {
		candidates = fresh
	}

	// Round-robin from the capability's cursor. Allow is consumed only for
	// the agent actually returned: a half-open breaker admits a single
	// probe, and asking every candidate would burn probe slots on agents
	// this dispatch never touches.
	start := g.rr[c]
	g.rr[c] = start + 1
	for i := 0; i < len(candidates); i++ {
		e := candidates[(start+uint64(i))%uint64(len(candidates))]
		if g.breakers.Allow(e.desc.ID) {
			return e, nil
		}
	}

	// Everything is circuit-open; report the soonest half-open probe time.
	soonest := candidates[0]
	for _, e := range candidates[1:] {
		if g.breakers.Get(e.desc.ID).RetryAt().Before(g.breakers.Get(soonest.desc.ID).RetryAt()) {
			soonest = e
		}
	}
	return nil, &NoAgentError{
		Capability: c,
		Reason:     "all agents circuit-open",
		Err:        &breaker.OpenError{AgentID: soonest.desc.ID, Until: g.breakers.Get(soonest.desc.ID).RetryAt()},
	}
}

// send posts the envelope to the agent's task endpoint and decodes the reply.
func (g *Gateway) send(ctx context.Context, desc *models.AgentDescriptor, env *models.TaskEnvelope) (*models.TaskResult, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, desc.Endpoint+"/task", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch to %s: %w", desc.Name, err)
	}
	defer resp.Body.Close()
	latency := time.Since(start).Milliseconds()

	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("agent %s returned %d", desc.Name, resp.StatusCode)
	}

	var reply models.TaskReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decode reply from %s: %w", desc.Name, err)
	}

	if reply.ErrorCode != "" || resp.StatusCode >= 400 {
		return nil, &ExecutionError{
			TaskID:    env.TaskID,
			AgentID:   desc.ID,
			ErrorCode: reply.ErrorCode,
			Message:   reply.Message,
		}
	}

	return &models.TaskResult{
		AgentID:      desc.ID,
		Result:       reply.Result,
		CostEstimate: reply.CostEstimate,
		Confidence:   reply.Confidence,
		LatencyMs:    latency,
	}, nil
}

// recordMetrics folds one dispatch outcome into the agent's rolling
// counters. Latency uses a weighted moving average so a single outlier does
// not dominate.
func (g *Gateway) recordMetrics(agentID string, latencyMs int64, success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.agents[agentID]
	if !ok {
		return
	}
	d := entry.desc
	d.RequestCount++
	if !success {
		d.ErrorCount++
		return
	}
	if d.AvgLatencyMs == 0 {
		d.AvgLatencyMs = latencyMs
	} else {
		d.AvgLatencyMs = (d.AvgLatencyMs*7 + latencyMs*3) / 10
	}
}

// ── Health Probes ───────────────────────────────────────────

// ProbeAgent runs an on-demand health check and updates the agent's state
// the same way the heartbeat loop would.
func (g *Gateway) ProbeAgent(ctx context.Context, id string) (models.HealthState, error) {
	g.mu.RLock()
	entry, ok := g.agents[id]
	g.mu.RUnlock()
	if !ok {
		return "", &store.ErrNotFound{Entity: "agent", Key: id}
	}

	probeCtx, cancel := context.WithTimeout(ctx, g.cfg.ProbeTimeout)
	defer cancel()
	err := g.probe(probeCtx, entry.desc.HealthEndpoint)

	g.applyProbeResult(ctx, id, err == nil)

	g.mu.RLock()
	state := entry.desc.Health
	g.mu.RUnlock()
	return state, nil
}

// probe GETs a health endpoint; any 2xx counts as alive.
func (g *Gateway) probe(ctx context.Context, healthEndpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthEndpoint, nil)
	if err != nil {
		return err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// applyProbeResult folds one probe outcome into the agent's health state:
// a success resets the miss counter; UnreachableThreshold consecutive
// misses flip the agent to unreachable and force its breaker open. Returns
// the number of consecutive misses, used by the heartbeat loop for eviction.
func (g *Gateway) applyProbeResult(ctx context.Context, id string, alive bool) int {
	g.mu.Lock()
	entry, ok := g.agents[id]
	if !ok {
		g.mu.Unlock()
		return 0
	}

	old := entry.desc.Health
	if alive {
		entry.missed = 0
		entry.desc.Health = models.HealthHealthy
		entry.desc.LastHeartbeat = time.Now().UTC()
	} else {
		entry.missed++
		if entry.missed >= g.cfg.UnreachableThreshold {
			entry.desc.Health = models.HealthUnreachable
		} else {
			entry.desc.Health = models.HealthDegraded
		}
	}
	newState := entry.desc.Health
	missed := entry.missed
	desc := *entry.desc
	g.mu.Unlock()

	if newState != old {
		log.Info().
			Str("agent_id", id).
			Str("agent", desc.Name).
			Str("old", string(old)).
			Str("new", string(newState)).
			Msg("agent health changed")

		if newState == models.HealthUnreachable {
			g.breakers.ForceOpen(id)
		}
		if err := g.store.PutAgent(ctx, &desc); err != nil {
			log.Warn().Err(err).Str("agent_id", id).Msg("failed to persist health change")
		}
	}
	return missed
}

// ── Metrics ─────────────────────────────────────────────────

// Metrics returns the registry-wide snapshot served at /gateway/metrics.
func (g *Gateway) Metrics() models.GatewayMetrics {
	agents := g.ListAgents()

	m := models.GatewayMetrics{
		TotalAgents: len(agents),
		Agents:      make([]models.AgentMetrics, 0, len(agents)),
	}
	if g.cache != nil {
		m.CacheEntries = g.cache.Len()
	}
	for _, a := range agents {
		if a.Health == models.HealthHealthy {
			m.HealthyAgents++
		}
		m.Agents = append(m.Agents, models.AgentMetrics{
			AgentID:      a.ID,
			Name:         a.Name,
			Health:       a.Health,
			BreakerState: a.BreakerState,
			RequestCount: a.RequestCount,
			ErrorCount:   a.ErrorCount,
			AvgLatencyMs: a.AvgLatencyMs,
		})
	}
	return m
}

// ── Helpers ─────────────────────────────────────────────────

// dispatchCacheKey derives a stable cache key from the envelope's payload.
// json.Marshal sorts map keys, so equal payloads produce equal keys.
func dispatchCacheKey(env *models.TaskEnvelope) string {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return string(env.Capability) + ":" + env.TaskID
	}
	return string(env.Capability) + ":" + string(payload)
}

// transientErrorCode reports whether a worker error code is worth a retry
// on another instance. Validation-style failures would fail everywhere.
func transientErrorCode(code string) bool {
	switch code {
	case "invalid_input", "unsupported_capability", "validation_failed":
		return false
	}
	return true
}
