// Package health maintains the live/dead classification of the configured
// gateway instances for the routing tier.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/llmgate/llmgate/internal/config"
)

// Status is the liveness classification of one gateway instance.
type Status int

const (
	// StatusUnknown marks a newly configured instance that has not yet
	// answered a probe. Unknown instances are excluded from routing.
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the status as its lowercase name.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Instance is one immutable snapshot entry describing a gateway instance.
type Instance struct {
	Address             string    `json:"address"`
	Status              Status    `json:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCheckedAt       time.Time `json:"last_checked_at"`
}

// HTTPClient defines the interface for making HTTP requests.
// This allows for mocking in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// instanceState is the mutable descriptor owned exclusively by the monitor.
type instanceState struct {
	address             string
	status              Status
	consecutiveFailures int
	lastCheckedAt       time.Time
}

// Monitor probes each configured gateway instance on a fixed interval and
// publishes an immutable snapshot for the routing hot path. Probes for
// different instances run concurrently; probes for the same instance never
// overlap.
type Monitor struct {
	instances        []*instanceState
	mu               sync.Mutex
	snapshot         atomic.Pointer[[]Instance]
	client           HTTPClient
	interval         time.Duration
	timeout          time.Duration
	failureThreshold int
	logger           *slog.Logger
	stopChan         chan struct{}
	wg               sync.WaitGroup
}

// NewMonitor creates a monitor over the given instance addresses. Call Start
// to begin probing.
func NewMonitor(addresses []string, cfg config.ProbeConfig, logger *slog.Logger) *Monitor {
	states := make([]*instanceState, len(addresses))
	for i, addr := range addresses {
		states[i] = &instanceState{address: addr, status: StatusUnknown}
	}
	m := &Monitor{
		instances: states,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		interval:         cfg.Interval,
		timeout:          cfg.Timeout,
		failureThreshold: cfg.FailureThreshold,
		logger:           logger.With("component", "health"),
		stopChan:         make(chan struct{}),
	}
	m.publish()
	return m
}

// Start launches one probe loop per instance. Each loop probes immediately
// so instances leave the unknown state before the first interval elapses.
func (m *Monitor) Start() {
	for _, state := range m.instances {
		m.wg.Add(1)
		go m.probeLoop(state)
	}
}

// probeLoop serializes probes for one instance. Waiting for the previous
// probe before sleeping keeps consecutive_failures meaningful.
func (m *Monitor) probeLoop(state *instanceState) {
	defer m.wg.Done()

	for {
		m.probeOnce(state)

		select {
		case <-time.After(m.interval):
		case <-m.stopChan:
			return
		}
	}
}

// probeOnce issues a single liveness probe and applies the status transition
// rules: one success restores healthy immediately, failures accumulate until
// the threshold marks the instance unhealthy.
func (m *Monitor) probeOnce(state *instanceState) {
	err := m.probe(state.address)

	m.mu.Lock()
	state.lastCheckedAt = time.Now()
	if err == nil {
		if state.status != StatusHealthy {
			m.logger.Info("Gateway instance is healthy", "address", state.address)
		}
		state.consecutiveFailures = 0
		state.status = StatusHealthy
	} else {
		state.consecutiveFailures++
		m.logger.Warn("Health probe failed", "address", state.address,
			"consecutive_failures", state.consecutiveFailures, "error", err)
		if state.consecutiveFailures >= m.failureThreshold && state.status != StatusUnhealthy {
			m.logger.Error("Gateway instance is unhealthy", "address", state.address)
			state.status = StatusUnhealthy
		}
	}
	m.mu.Unlock()

	m.publish()
}

// probe issues one GET /health with the configured timeout. A timed-out
// probe counts as a failure.
func (m *Monitor) probe(address string) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, address+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &probeError{status: resp.StatusCode}
	}
	return nil
}

type probeError struct {
	status int
}

func (e *probeError) Error() string {
	return "probe returned status " + http.StatusText(e.status)
}

// publish rebuilds the immutable snapshot read by the router. Routing reads
// never contend with probe writes.
func (m *Monitor) publish() {
	m.mu.Lock()
	snapshot := make([]Instance, len(m.instances))
	for i, state := range m.instances {
		snapshot[i] = Instance{
			Address:             state.address,
			Status:              state.status,
			ConsecutiveFailures: state.consecutiveFailures,
			LastCheckedAt:       state.lastCheckedAt,
		}
	}
	m.mu.Unlock()
	m.snapshot.Store(&snapshot)
}

// Snapshot returns the current classification of every configured instance.
func (m *Monitor) Snapshot() []Instance {
	return *m.snapshot.Load()
}

// Healthy returns the instances currently eligible for routing, preserving
// the configured order.
func (m *Monitor) Healthy() []Instance {
	snapshot := m.Snapshot()
	healthy := make([]Instance, 0, len(snapshot))
	for _, inst := range snapshot {
		if inst.Status == StatusHealthy {
			healthy = append(healthy, inst)
		}
	}
	return healthy
}

// Close stops all probe loops and waits for in-flight probes to finish.
func (m *Monitor) Close() {
	close(m.stopChan)
	m.wg.Wait()
	m.logger.Info("Health monitor shutdown complete.")
}
