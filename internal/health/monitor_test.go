package health

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmgate/llmgate/internal/config"
)

func testProbeConfig() config.ProbeConfig {
	return config.ProbeConfig{
		Interval:         10 * time.Millisecond,
		Timeout:          200 * time.Millisecond,
		FailureThreshold: 3,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func TestNewMonitor_InstancesStartUnknown(t *testing.T) {
	m := NewMonitor([]string{"http://localhost:1", "http://localhost:2"}, testProbeConfig(), testLogger())

	snapshot := m.Snapshot()
	require.Len(t, snapshot, 2)
	for _, inst := range snapshot {
		assert.Equal(t, StatusUnknown, inst.Status)
	}
	// Unknown instances are excluded from routing.
	assert.Empty(t, m.Healthy())
}

func TestProbeTransitions(t *testing.T) {
	var failing atomic.Bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	m := NewMonitor([]string{upstream.URL}, testProbeConfig(), testLogger())
	state := m.instances[0]

	// First success moves unknown to healthy.
	m.probeOnce(state)
	assert.Equal(t, StatusHealthy, m.Snapshot()[0].Status)
	require.Len(t, m.Healthy(), 1)

	// Failures below the threshold keep the instance healthy.
	failing.Store(true)
	m.probeOnce(state)
	m.probeOnce(state)
	assert.Equal(t, StatusHealthy, m.Snapshot()[0].Status)
	assert.Equal(t, 2, m.Snapshot()[0].ConsecutiveFailures)

	// The third consecutive failure crosses the threshold.
	m.probeOnce(state)
	assert.Equal(t, StatusUnhealthy, m.Snapshot()[0].Status)
	assert.Empty(t, m.Healthy())

	// One success restores the instance immediately.
	failing.Store(false)
	m.probeOnce(state)
	assert.Equal(t, StatusHealthy, m.Snapshot()[0].Status)
	assert.Equal(t, 0, m.Snapshot()[0].ConsecutiveFailures)
	assert.Len(t, m.Healthy(), 1)
}

func TestProbe_UnreachableInstance(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	m := NewMonitor([]string{dead.URL}, testProbeConfig(), testLogger())
	state := m.instances[0]

	for i := 0; i < 3; i++ {
		m.probeOnce(state)
	}
	assert.Equal(t, StatusUnhealthy, m.Snapshot()[0].Status)
}

// A timed-out probe counts as a probe failure.
func TestProbe_Timeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer slow.Close()

	cfg := testProbeConfig()
	cfg.Timeout = 20 * time.Millisecond
	m := NewMonitor([]string{slow.URL}, cfg, testLogger())

	m.probeOnce(m.instances[0])
	assert.Equal(t, 1, m.Snapshot()[0].ConsecutiveFailures)
}

func TestStartAndClose(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	m := NewMonitor([]string{upstream.URL}, testProbeConfig(), testLogger())
	m.Start()

	assert.Eventually(t, func() bool {
		return len(m.Healthy()) == 1
	}, time.Second, 5*time.Millisecond)

	m.Close()
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "unknown", StatusUnknown.String())
	assert.Equal(t, "healthy", StatusHealthy.String())
	assert.Equal(t, "unhealthy", StatusUnhealthy.String())
}
