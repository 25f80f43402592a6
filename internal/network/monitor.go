// Package network tracks connectivity and starts queue draining on reconnect.
package network

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/xelth-com/foodlens/internal/config"
	apperrors "github.com/xelth-com/foodlens/internal/errors"
	"github.com/xelth-com/foodlens/internal/events"
	"github.com/xelth-com/foodlens/internal/logging"
	"github.com/xelth-com/foodlens/internal/metric"
)

const (
	defaultProbeTimeout  = 5 * time.Second
	defaultCheckInterval = 30 * time.Second
	maxTransitions       = 100
)

// Status reports connectivity as seen by the monitor
type Status struct {
	Online       bool       `json:"online"`
	ProbeURL     string     `json:"probeUrl"`
	LastCheck    time.Time  `json:"lastCheck"`
	LastSuccess  *time.Time `json:"lastSuccess,omitempty"`
	LastFailure  *time.Time `json:"lastFailure,omitempty"`
	FailureCount int        `json:"failureCount"`
	AvgLatency   string     `json:"avgLatency,omitempty"`
}

// Transition records one online/offline change
type Transition struct {
	Online    bool      `json:"online"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Monitor keeps a cached online flag. Every change publishes NetworkStatusChanged;
// an offline to online change fires the trigger once.
type Monitor struct {
	mu sync.RWMutex

	probeURL     string
	probeTimeout time.Duration
	interval     time.Duration
	staleAfter   time.Duration
	httpClient   *http.Client

	isOnline     bool
	freshAt      time.Time
	refreshing   bool
	lastCheck    time.Time
	lastSuccess  *time.Time
	lastFailure  *time.Time
	failureCount int
	latencySum   time.Duration
	latencyCount int
	history      []Transition

	trigger func()
	bus     events.Publisher
	logger  *slog.Logger
	metrics *metric.Metrics

	// Health check
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewMonitor creates a monitor initialized to cfg.InitialOnline
func NewMonitor(cfg config.NetworkConfig, bus events.Publisher, logger *slog.Logger, metrics *metric.Metrics) *Monitor {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * cfg.CheckInterval
	}
	m := &Monitor{
		probeURL:     cfg.ProbeURL,
		probeTimeout: cfg.ProbeTimeout,
		interval:     cfg.CheckInterval,
		staleAfter:   cfg.StaleAfter,
		httpClient:   &http.Client{},
		isOnline:     cfg.InitialOnline,
		freshAt:      time.Now(),
		bus:          bus,
		logger:       logging.OrDiscard(logger),
		metrics:      metrics,
	}
	metrics.SetOnline(m.isOnline)
	return m
}

// SetTrigger installs the callback run on an offline to online transition
func (m *Monitor) SetTrigger(trigger func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trigger = trigger
}

// SetHTTPClient replaces the probe client
func (m *Monitor) SetHTTPClient(c *http.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.httpClient = c
}

// IsAvailable returns the cached flag without blocking. When the flag is older
// than the staleness bound it also starts one background probe, so a monitor
// whose health loop is not running still converges.
func (m *Monitor) IsAvailable() bool {
	m.mu.RLock()
	online := m.isOnline
	stale := m.probeURL != "" && !m.refreshing && time.Since(m.freshAt) > m.staleAfter
	m.mu.RUnlock()
	if stale {
		m.refresh()
	}
	return online
}

func (m *Monitor) refresh() {
	m.mu.Lock()
	if m.refreshing {
		m.mu.Unlock()
		return
	}
	m.refreshing = true
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			m.refreshing = false
			m.mu.Unlock()
		}()
		m.TestConnectivity(context.Background())
	}()
}

// SetOnline applies an explicit connectivity transition
func (m *Monitor) SetOnline(online bool) {
	m.transition(online, "explicit")
}

// TestConnectivity probes the remote endpoint with a bounded timeout and updates
// the flag with the result.
func (m *Monitor) TestConnectivity(ctx context.Context) bool {
	ok := m.probe(ctx)
	reason := "probe_failed"
	if ok {
		reason = "probe_succeeded"
	}
	m.transition(ok, reason)
	return ok
}

func (m *Monitor) probe(ctx context.Context) bool {
	m.mu.RLock()
	url, timeout, client := m.probeURL, m.probeTimeout, m.httpClient
	m.mu.RUnlock()

	if url == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		m.recordFailure(url, apperrors.Wrap(apperrors.KindNetwork, "build probe request", err))
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		m.recordFailure(url, apperrors.Wrap(apperrors.KindNetwork, "connectivity probe failed", err))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		m.recordFailure(url, apperrors.Newf(apperrors.KindNetwork, "connectivity probe returned status %d", resp.StatusCode))
		return false
	}

	latency := time.Since(start)
	m.mu.Lock()
	now := time.Now()
	m.lastCheck = now
	m.freshAt = now
	m.lastSuccess = &now
	m.failureCount = 0
	m.latencySum += latency
	m.latencyCount++
	m.mu.Unlock()
	return true
}

func (m *Monitor) recordFailure(url string, err error) {
	m.mu.Lock()
	now := time.Now()
	m.lastCheck = now
	m.freshAt = now
	m.lastFailure = &now
	m.failureCount++
	m.mu.Unlock()
	logging.Failure(m.logger, err, "connectivity probe failed", slog.String("url", url))
}

// transition updates the flag. Publishing and the trigger run outside the lock.
func (m *Monitor) transition(online bool, reason string) {
	m.mu.Lock()
	m.freshAt = time.Now()
	if m.isOnline == online {
		m.mu.Unlock()
		return
	}
	m.isOnline = online
	m.history = append(m.history, Transition{Online: online, Reason: reason, Timestamp: time.Now()})
	if len(m.history) > maxTransitions {
		m.history = m.history[len(m.history)-maxTransitions:]
	}
	trigger := m.trigger
	m.mu.Unlock()

	m.logger.Info("network status changed", slog.Bool("online", online), slog.String("reason", reason))
	m.metrics.SetOnline(online)

	if m.bus != nil {
		m.bus.Publish(events.Event{Kind: events.NetworkStatusChanged, Online: &online})
	}
	if online && trigger != nil {
		trigger()
	}
}

// Status returns a snapshot of the probe statistics
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Status{
		Online:       m.isOnline,
		ProbeURL:     m.probeURL,
		LastCheck:    m.lastCheck,
		LastSuccess:  m.lastSuccess,
		LastFailure:  m.lastFailure,
		FailureCount: m.failureCount,
	}
	if m.latencyCount > 0 {
		s.AvgLatency = (m.latencySum / time.Duration(m.latencyCount)).String()
	}
	return s
}

// History returns the recorded transitions, oldest first
func (m *Monitor) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Start begins periodic probing
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running || m.probeURL == "" {
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.healthCheckLoop(m.stop, m.done)
}

// Stop stops periodic probing and waits for the loop to exit
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	done := m.done
	m.mu.Unlock()
	<-done
}

func (m *Monitor) healthCheckLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				select {
				case <-stop:
					cancel()
				case <-ctx.Done():
				}
			}()
			m.TestConnectivity(ctx)
			cancel()
		case <-stop:
			return
		}
	}
}
