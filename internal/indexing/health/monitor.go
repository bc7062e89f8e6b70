package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/partywatch/internal/indexing/metrics"
)

// Transport is the stream connection as seen by the monitor.
type Transport interface {
	IsOpen() bool
	Probe(ctx context.Context) (time.Duration, error)
	LastActivity() time.Time
	Head() uint64
}

// Readiness reports whether the notification client is usable.
type Readiness interface {
	Ready() bool
}

// Config controls check cadence.
type Config struct {
	CheckInterval time.Duration
	PingInterval  time.Duration
	StaleAfter    time.Duration
	ProbeTimeout  time.Duration
}

// Monitor detects silent connection failure. Keepalive probes run on
// PingInterval and refresh the activity clock; full checks run on
// CheckInterval.
type Monitor struct {
	cfg        Config
	transport  Transport
	dispatcher Readiness
	status     StatusProvider
	now        func() time.Time
	log        *slog.Logger

	mu        sync.RWMutex
	lastProbe error
}

// NewMonitor creates a new health monitor. dispatcher and status may be nil.
func NewMonitor(cfg Config, transport Transport, dispatcher Readiness, status StatusProvider) *Monitor {
	return &Monitor{
		cfg:        cfg,
		transport:  transport,
		dispatcher: dispatcher,
		status:     status,
		now:        time.Now,
		log:        slog.Default().With("component", "health"),
	}
}

// SetStatusProvider attaches the snapshot source after construction.
func (m *Monitor) SetStatusProvider(p StatusProvider) {
	m.mu.Lock()
	m.status = p
	m.mu.Unlock()
}

// Watch runs probes and checks until ctx is cancelled or a check fails.
// On the first failure it calls onFault once and returns, so a single
// detection can never start overlapping reconnects.
func (m *Monitor) Watch(ctx context.Context, onFault func(error)) {
	ping := time.NewTicker(m.cfg.PingInterval)
	defer ping.Stop()
	check := time.NewTicker(m.cfg.CheckInterval)
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			m.probe(ctx)
		case <-check.C:
			if err := m.firstFailure(); err != nil {
				if ctx.Err() != nil {
					return
				}
				m.log.Warn("Health check failed", "error", err)
				onFault(err)
				return
			}
		}
	}
}

// CheckHealth evaluates every check without probing the transport.
func (m *Monitor) CheckHealth(ctx context.Context) Report {
	checks := m.evaluate()
	report := Report{
		SystemStatus: StatusHealthy,
		CheckedAt:    m.now(),
		LastActivity: m.transport.LastActivity(),
		Checks:       checks,
	}
	for _, c := range checks {
		report.SystemStatus = worst(report.SystemStatus, c.Status)
	}

	m.mu.RLock()
	status := m.status
	m.mu.RUnlock()
	if status != nil {
		report.Snapshot = status.Snapshot()
		switch report.Snapshot.State {
		case "reconnecting", "initializing":
			report.SystemStatus = worst(report.SystemStatus, StatusDegraded)
		case "shutting_down", "stopped":
			report.SystemStatus = StatusCritical
		}
	}
	return report
}

func (m *Monitor) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	latency, err := m.transport.Probe(pctx)
	m.mu.Lock()
	m.lastProbe = err
	m.mu.Unlock()

	if err != nil {
		if ctx.Err() == nil {
			metrics.HealthCheckFailures.WithLabelValues(CheckProbe).Inc()
			m.log.Debug("Keepalive failed", "error", err)
		}
		return
	}
	metrics.ProbeLatency.Observe(latency.Seconds())
	metrics.ChainHead.Set(float64(m.transport.Head()))
}

// firstFailure returns the first critical check as an error.
func (m *Monitor) firstFailure() error {
	for _, c := range m.evaluate() {
		if c.Status == StatusCritical {
			metrics.HealthCheckFailures.WithLabelValues(c.Name).Inc()
			return fmt.Errorf("%s: %s", c.Name, c.Message)
		}
	}
	return nil
}

func (m *Monitor) evaluate() []CheckResult {
	checks := make([]CheckResult, 0, 4)

	if m.transport.IsOpen() {
		checks = append(checks, CheckResult{Name: CheckTransport, Status: StatusHealthy})
	} else {
		checks = append(checks, CheckResult{Name: CheckTransport, Status: StatusCritical, Message: "stream connection is not open"})
	}

	if m.dispatcher != nil {
		if m.dispatcher.Ready() {
			checks = append(checks, CheckResult{Name: CheckDispatcher, Status: StatusHealthy})
		} else {
			checks = append(checks, CheckResult{Name: CheckDispatcher, Status: StatusCritical, Message: "notification client is not ready"})
		}
	}

	idle := m.now().Sub(m.transport.LastActivity())
	if idle > m.cfg.StaleAfter {
		checks = append(checks, CheckResult{
			Name:    CheckActivity,
			Status:  StatusCritical,
			Message: fmt.Sprintf("no activity for %s", idle.Truncate(time.Second)),
		})
	} else {
		checks = append(checks, CheckResult{Name: CheckActivity, Status: StatusHealthy})
	}

	m.mu.RLock()
	probeErr := m.lastProbe
	m.mu.RUnlock()
	if probeErr != nil {
		checks = append(checks, CheckResult{Name: CheckProbe, Status: StatusDegraded, Message: probeErr.Error()})
	} else {
		checks = append(checks, CheckResult{Name: CheckProbe, Status: StatusHealthy})
	}
	return checks
}
