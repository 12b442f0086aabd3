package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mospit/bruno-ai-sub000/pkg/models"
)

// ── Heartbeat Monitor ────────────────────────────────────────

// HeartbeatMonitor runs a background loop that periodically probes every
// registered agent's health endpoint and updates its state through the
// gateway. It runs on its own timer and never blocks plan execution.
type HeartbeatMonitor struct {
	gateway  *Gateway
	interval time.Duration
	stopCh   chan struct{}
	mu       sync.Mutex
	running  bool

	// Callback for integration with notifications, audit, etc.
	OnStatusChange func(agentID string, oldState, newState models.HealthState)
}

// NewHeartbeatMonitor creates a heartbeat monitor over the gateway's
// registry. Probe timeout and the unreachable/eviction thresholds come from
// the gateway's config.
func NewHeartbeatMonitor(g *Gateway, interval time.Duration) *HeartbeatMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HeartbeatMonitor{
		gateway:  g,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the heartbeat polling loop.
func (m *HeartbeatMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	log.Info().Dur("interval", m.interval).Msg("heartbeat monitor started")

	go m.loop(ctx)
}

// Stop gracefully shuts down the heartbeat monitor.
func (m *HeartbeatMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
	log.Info().Msg("heartbeat monitor stopped")
}

// loop runs the periodic health sweep.
func (m *HeartbeatMonitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// Run once immediately
	m.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			m.sweep(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sweep probes every registered agent concurrently. An agent that keeps
// missing probes past the unreachable threshold is quarantined (breaker
// forced open); one that stays unreachable for EvictAfterSweeps further
// sweeps is deregistered entirely.
func (m *HeartbeatMonitor) sweep(ctx context.Context) {
	g := m.gateway

	g.mu.RLock()
	ids := make([]string, 0, len(g.agents))
	states := make(map[string]models.HealthState, len(g.agents))
	endpoints := make(map[string]string, len(g.agents))
	for id, e := range g.agents {
		ids = append(ids, id)
		states[id] = e.desc.Health
		endpoints[id] = e.desc.HealthEndpoint
	}
	g.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, g.cfg.ProbeTimeout)
			err := g.probe(probeCtx, endpoints[id])
			cancel()

			missed := g.applyProbeResult(ctx, id, err == nil)

			g.mu.RLock()
			entry, ok := g.agents[id]
			var newState models.HealthState
			if ok {
				newState = entry.desc.Health
			}
			g.mu.RUnlock()
			if !ok {
				return
			}

			if old := states[id]; old != newState && m.OnStatusChange != nil {
				m.OnStatusChange(id, old, newState)
			}

			// Prolonged unreachability: give up and drop the registration.
			if newState == models.HealthUnreachable &&
				missed >= g.cfg.UnreachableThreshold+g.cfg.EvictAfterSweeps {
				log.Warn().
					Str("agent_id", id).
					Int("missed_probes", missed).
					Msg("evicting unreachable agent")
				if err := g.Deregister(ctx, id); err != nil {
					log.Warn().Err(err).Str("agent_id", id).Msg("heartbeat: eviction failed")
				}
			}
		}(id)
	}
	wg.Wait()
}
