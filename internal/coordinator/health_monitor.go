package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HealthStatus is the last known state of a node.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// NodeHealth tracks the health checks of one node.
type NodeHealth struct {
	LastCheck        time.Time    `json:"last_check"`
	LastHealthy      time.Time    `json:"last_healthy"`
	NodeID           string       `json:"node"`
	Status           HealthStatus `json:"status"`
	LastError        string       `json:"last_error,omitempty"`
	ConsecutiveFails int          `json:"consecutive_fails"`
}

// HealthMonitor pings every node periodically. It only observes: writes,
// reads and aggregations always address the full roster, so an unhealthy
// node shows up there as a per-node failure.
type HealthMonitor struct {
	nodes       map[string]*NodeHealth
	onUnhealthy func(nodeID string)
	ctx         context.Context
	cancel      context.CancelFunc
	log         zerolog.Logger
	interval    time.Duration
	timeout     time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
}

// NewHealthMonitor creates a monitor that checks every interval and marks a
// node unhealthy after three consecutive failures.
func NewHealthMonitor(interval time.Duration, log zerolog.Logger) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		nodes:       make(map[string]*NodeHealth),
		log:         log.With().Str("component", "health").Logger(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetOnUnhealthy registers a callback run when a node turns unhealthy.
func (h *HealthMonitor) SetOnUnhealthy(callback func(nodeID string)) {
	h.onUnhealthy = callback
}

// Start checks all nodes immediately and then every interval until ctx is
// done or Stop is called. It blocks.
func (h *HealthMonitor) Start(ctx context.Context, nodes []NodeClient) {
	h.wg.Add(1)
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.log.Info().Dur("interval", h.interval).Int("nodes", len(nodes)).Msg("health monitor started")
	h.checkAll(nodes)

	for {
		select {
		case <-ticker.C:
			h.checkAll(nodes)
		case <-ctx.Done():
			h.log.Info().Msg("health monitor stopping")
			return
		case <-h.ctx.Done():
			h.log.Info().Msg("health monitor stopping")
			return
		}
	}
}

// Stop ends Start and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

func (h *HealthMonitor) checkAll(nodes []NodeClient) {
	var wg sync.WaitGroup
	for _, n := range nodes {
		n := n
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.checkNode(n)
		}()
	}
	wg.Wait()
}

func (h *HealthMonitor) checkNode(n NodeClient) {
	h.mu.Lock()
	health, exists := h.nodes[n.ID()]
	if !exists {
		health = &NodeHealth{NodeID: n.ID(), Status: HealthUnknown}
		h.nodes[n.ID()] = health
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(h.ctx, h.timeout)
	err := n.Ping(ctx)
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()
	if err != nil {
		health.ConsecutiveFails++
		health.LastError = err.Error()
		h.log.Debug().Err(err).Str("node", n.ID()).Int("fails", health.ConsecutiveFails).Msg("health check failed")

		if health.ConsecutiveFails >= h.maxFailures && health.Status != HealthUnhealthy {
			health.Status = HealthUnhealthy
			h.log.Warn().Str("node", n.ID()).Int("fails", health.ConsecutiveFails).Msg("node marked unhealthy")
			if h.onUnhealthy != nil {
				go h.onUnhealthy(n.ID())
			}
		}
		return
	}

	if health.Status == HealthUnhealthy {
		h.log.Info().Str("node", n.ID()).Msg("node recovered")
	}
	health.Status = HealthHealthy
	health.ConsecutiveFails = 0
	health.LastError = ""
	health.LastHealthy = health.LastCheck
}

// NodeHealth returns a copy of one node's health, or nil if never checked.
func (h *HealthMonitor) NodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, ok := h.nodes[nodeID]
	if !ok {
		return nil
	}
	cp := *health
	return &cp
}

// Snapshot returns a copy of every node's health.
func (h *HealthMonitor) Snapshot() map[string]NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		out[id] = *health
	}
	return out
}

// IsHealthy reports whether the last checks of nodeID succeeded.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, ok := h.nodes[nodeID]
	return ok && health.Status == HealthHealthy
}
