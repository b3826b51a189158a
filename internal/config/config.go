// Package config loads the HCL-described configuration for every
// component, and optionally watches the file for
// changes so the mutable knobs (scheduler retry/backoff/grace, monitor
// period/max_heartbeat_fail) can be hot-reloaded without a process
// restart.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/hcl"
	fsnotify "gopkg.in/fsnotify.v1"
)

// DriverSection holds the UDP transport options.
type DriverSection struct {
	RemoteIP   string `hcl:"remote_ip"`
	RemotePort int    `hcl:"remote_port"`
	LocalPort  int    `hcl:"local_port"`
}

// SchedulerSection holds the retry/backoff/grace policy options.
type SchedulerSection struct {
	RetryMax     int      `hcl:"retry_max"`
	BackoffMs    int      `hcl:"backoff_ms"`
	GraceMs      int      `hcl:"grace_ms"`
	AssumeOKCmds []string `hcl:"assume_ok_cmds"`
}

// MonitorSection holds the heartbeat period and failure threshold.
type MonitorSection struct {
	PeriodMs         int `hcl:"period_ms"`
	MaxHeartbeatFail int `hcl:"max_heartbeat_fail"`
}

// EventBusSection holds the per-subscriber queue size and drop policy.
type EventBusSection struct {
	MaxSize    int    `hcl:"maxsize"`
	DropPolicy string `hcl:"drop_policy"`
}

// File is the top-level HCL document shape: one block per component.
type File struct {
	Driver    DriverSection    `hcl:"driver"`
	Scheduler SchedulerSection `hcl:"scheduler"`
	Monitor   MonitorSection   `hcl:"monitor"`
	EventBus  EventBusSection  `hcl:"eventbus"`
}

// Default returns the documented defaults, used both as the
// config loader's baseline (fields absent from the HCL file keep their
// default) and for callers that run with no config file at all.
func Default() File {
	return File{
		Driver: DriverSection{
			RemoteIP:   "192.168.10.1",
			RemotePort: 8889,
			LocalPort:  9000,
		},
		Scheduler: SchedulerSection{
			RetryMax:     2,
			BackoffMs:    200,
			GraceMs:      400,
			AssumeOKCmds: []string{"takeoff", "land"},
		},
		Monitor: MonitorSection{
			PeriodMs:         1000,
			MaxHeartbeatFail: 3,
		},
		EventBus: EventBusSection{
			MaxSize:    100,
			DropPolicy: "drop_oldest",
		},
	}
}

// Load reads and decodes the HCL config file at path on top of Default.
func Load(path string) (File, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := hcl.Decode(&cfg, string(data)); err != nil {
		return cfg, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

// SchedulerTarget receives the scheduler's hot-reloadable settings whenever
// the watched file changes. Implemented by internal/scheduler.Scheduler.
type SchedulerTarget interface {
	SetRetryBackoffGrace(retryMax, backoffMs, graceMs int)
	SetAssumeOKCmds(cmds []string)
}

// MonitorTarget receives the monitor's hot-reloadable settings whenever the
// watched file changes. Implemented by internal/monitor.Monitor.
type MonitorTarget interface {
	SetPeriod(d time.Duration)
	SetMaxHeartbeatFail(n int)
}

// Watcher watches a config file for writes and applies hot-reloadable
// settings to the registered targets.
type Watcher struct {
	logger hclog.Logger
	path   string

	mu        sync.Mutex
	scheduler SchedulerTarget
	monitor   MonitorTarget

	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWatcher constructs a Watcher for path. logger may be nil.
func NewWatcher(path string, logger hclog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Watch(path); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		logger: logger.Named("config"),
		path:   path,
		fsw:    fsw,
		stopCh: make(chan struct{}),
	}, nil
}

// Bind registers the scheduler and monitor targets that should receive hot
// reloads. Either may be nil to opt out.
func (w *Watcher) Bind(scheduler SchedulerTarget, monitor MonitorTarget) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scheduler = scheduler
	w.monitor = monitor
}

// Start begins watching for file changes in the background.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop ends the watch goroutine and releases the underlying fsnotify
// watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.fsw.Close()
	w.wg.Wait()
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Event:
			if !ok {
				return
			}
			if ev.IsModify() || ev.IsCreate() {
				w.reload()
			}
		case err, ok := <-w.fsw.Error:
			if !ok {
				return
			}
			w.logger.Warn("watch_error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("reload_failed", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	sched := w.scheduler
	mon := w.monitor
	w.mu.Unlock()

	if sched != nil {
		sched.SetRetryBackoffGrace(cfg.Scheduler.RetryMax, cfg.Scheduler.BackoffMs, cfg.Scheduler.GraceMs)
		sched.SetAssumeOKCmds(cfg.Scheduler.AssumeOKCmds)
	}
	if mon != nil {
		mon.SetPeriod(time.Duration(cfg.Monitor.PeriodMs) * time.Millisecond)
		mon.SetMaxHeartbeatFail(cfg.Monitor.MaxHeartbeatFail)
	}
	w.logger.Info("reloaded", "path", w.path)
}
