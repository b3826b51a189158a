// Package monitor implements the periodic heartbeat/reconnect/state
// publication loop.
package monitor

import (
	"context"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/SONG-36/tello-fly/internal/eventbus"
)

// MinPeriod is the minimum allowed tick period.
const MinPeriod = 200 * time.Millisecond

// DefaultMaxHeartbeatFail is the default failure threshold before a reconnect attempt.
const DefaultMaxHeartbeatFail = 3

// Heartbeater is the minimal surface Monitor needs from the driver.
type Heartbeater interface {
	Heartbeat(ctx context.Context) int
	ReconnectIfNeeded(ctx context.Context) int
	GetLastBattery() *int
}

// Publisher is the minimal surface Monitor needs from the event bus.
type Publisher interface {
	PublishState(payload eventbus.StatePayload)
	PublishEvent(payload eventbus.EventPayload)
}

// Config is the period/failure-threshold policy.
type Config struct {
	Period           time.Duration
	MaxHeartbeatFail int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Period:           1000 * time.Millisecond,
		MaxHeartbeatFail: DefaultMaxHeartbeatFail,
	}
}

func clampPeriod(p time.Duration) time.Duration {
	if p < MinPeriod {
		return MinPeriod
	}
	return p
}

// Monitor runs the periodic heartbeat/reconnect/state-publish loop.
type Monitor struct {
	logger hclog.Logger
	driver Heartbeater
	bus    Publisher

	mu        sync.Mutex
	cfg       Config
	cancel    context.CancelFunc
	running   bool
	failCount int
	wg        sync.WaitGroup
}

// New constructs a Monitor. logger may be nil.
func New(driver Heartbeater, bus Publisher, cfg Config, logger hclog.Logger) *Monitor {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.MaxHeartbeatFail < 1 {
		cfg.MaxHeartbeatFail = 1
	}
	cfg.Period = clampPeriod(cfg.Period)
	return &Monitor{
		logger: logger.Named("monitor"),
		driver: driver,
		bus:    bus,
		cfg:    cfg,
	}
}

// SetPeriod updates the tick period, clamped to MinPeriod. Used by
// internal/config's hot-reload path; takes effect on the next tick
// boundary.
func (m *Monitor) SetPeriod(p time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Period = clampPeriod(p)
}

// SetMaxHeartbeatFail updates the reconnect trigger threshold.
func (m *Monitor) SetMaxHeartbeatFail(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 1 {
		n = 1
	}
	m.cfg.MaxHeartbeatFail = n
}

func (m *Monitor) period() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Period
}

func (m *Monitor) maxFail() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.MaxHeartbeatFail
}

// Start launches the background periodic task. Idempotent.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx)
	m.logger.Info("state_monitor_started")
}

// Stop cancels the periodic task and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.logger.Info("state_monitor_stopped")
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()
	for {
		m.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.period()):
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	rc := m.driver.Heartbeat(ctx)
	if rc == 0 {
		m.mu.Lock()
		m.failCount = 0
		m.mu.Unlock()

		battery := -1
		if v := m.driver.GetLastBattery(); v != nil {
			battery = *v
		}
		m.bus.PublishState(eventbus.StatePayload{
			"alt":     0.0,
			"battery": battery,
			"lat":     nil,
			"lon":     nil,
		})
		return
	}

	m.mu.Lock()
	m.failCount++
	n := m.failCount
	m.mu.Unlock()

	m.emitEvent("heartbeat_fail", eventbus.SeverityNotice, map[string]any{"consecutive": n})

	if n >= m.maxFail() {
		m.emitEvent("reconnect_try", eventbus.SeverityWarn, map[string]any{})
		rc2 := m.driver.ReconnectIfNeeded(ctx)
		if rc2 == 0 {
			m.mu.Lock()
			m.failCount = 0
			m.mu.Unlock()
			m.emitEvent("reconnect_success", eventbus.SeverityInfo, map[string]any{})
		} else {
			m.emitEvent("reconnect_fail", eventbus.SeverityError, map[string]any{})
		}
	}
}

func (m *Monitor) emitEvent(name string, severity int, ctxPayload map[string]any) {
	m.bus.PublishEvent(eventbus.EventPayload{
		"severity": severity,
		"name":     name,
		"json_ctx": ctxPayload,
	})
}
