// Package scheduler owns the retry/timeout/grace/assume-success state
// machine that turns a fire-and-forget command send into an exactly-once
// result delivered to the caller's callback.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	set "github.com/hashicorp/go-set/v3"
	lru "github.com/hashicorp/golang-lru"

	"github.com/SONG-36/tello-fly/internal/cmdqueue"
	"github.com/SONG-36/tello-fly/internal/driver"
	"github.com/SONG-36/tello-fly/internal/eventbus"
)

// Status codes returned to a task's callback.
const (
	StatusOK             = 0
	StatusTimeoutExhaust = 1201
	StatusCmdFailure     = 1500
)

// TaskCallback is invoked exactly once per submitted task. detail mirrors
// the driver's response payload (ack/assumed/error keys).
type TaskCallback func(taskID string, status int, detail map[string]any)

// Pusher is the minimal surface Scheduler needs from CmdQueue.
type Pusher interface {
	Push(ctx context.Context, msg cmdqueue.CmdMsg) int
}

// Registrar is the minimal surface Scheduler needs from the driver to wire
// itself up as the response callback target.
type Registrar interface {
	SetRespCallback(cb driver.RespCallback)
}

// Publisher is the minimal surface Scheduler needs from the event bus.
type Publisher interface {
	PublishEvent(payload eventbus.EventPayload)
}

// recentCacheSize bounds the recently-completed disambiguation cache.
const recentCacheSize = 256

// Config is the retry/backoff/grace/assume-ok policy.
type Config struct {
	RetryMax     int
	BackoffMs    int
	GraceMs      int
	AssumeOKCmds []string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		RetryMax:     2,
		BackoffMs:    200,
		GraceMs:      400,
		AssumeOKCmds: []string{"takeoff", "land"},
	}
}

// Scheduler drives task attempts through the retry/timeout/grace state
// machine, dispatching each task's callback exactly once.
type Scheduler struct {
	logger hclog.Logger
	queue  Pusher
	bus    Publisher

	cfgMu  sync.RWMutex
	cfg    Config
	assume *set.Set[string]

	inflight inflightStore
	recent   *lru.Cache // task_id -> struct{}, for ack_unmatched disambiguation

	wg sync.WaitGroup
}

// SetRetryBackoffGrace hot-swaps the retry/backoff/grace policy, used by
// internal/config's fsnotify reload path. In-flight task runners observe
// the new backoff and grace on their next attempt; a task's number of
// attempts is fixed from retryMax when the task starts.
func (s *Scheduler) SetRetryBackoffGrace(retryMax, backoffMs, graceMs int) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	if retryMax < 0 {
		retryMax = 0
	}
	s.cfg.RetryMax = retryMax
	s.cfg.BackoffMs = backoffMs
	s.cfg.GraceMs = graceMs
}

// SetAssumeOKCmds hot-swaps the assumed-success command set.
func (s *Scheduler) SetAssumeOKCmds(cmds []string) {
	assume := set.New[string](len(cmds))
	for _, c := range cmds {
		assume.Insert(strings.ToLower(c))
	}
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.cfg.AssumeOKCmds = cmds
	s.assume = assume
}

func (s *Scheduler) snapshot() (retryMax, backoffMs, graceMs int, assume *set.Set[string]) {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg.RetryMax, s.cfg.BackoffMs, s.cfg.GraceMs, s.assume
}

// New constructs a Scheduler and registers it as driver's response
// callback at construction time.
func New(queue Pusher, driverReg Registrar, bus Publisher, cfg Config, logger hclog.Logger) *Scheduler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if len(cfg.AssumeOKCmds) == 0 {
		cfg.AssumeOKCmds = DefaultConfig().AssumeOKCmds
	}
	assume := set.New[string](len(cfg.AssumeOKCmds))
	for _, c := range cfg.AssumeOKCmds {
		assume.Insert(strings.ToLower(c))
	}
	recent, _ := lru.New(recentCacheSize)

	s := &Scheduler{
		logger: logger.Named("scheduler"),
		queue:  queue,
		bus:    bus,
		cfg:    cfg,
		assume: assume,
		recent: recent,
	}
	if driverReg != nil {
		driverReg.SetRespCallback(s.onDriverResp)
	}
	return s
}

// Submit spawns a task runner and returns immediately. cb is invoked
// exactly once, asynchronously.
func (s *Scheduler) Submit(msg cmdqueue.CmdMsg, cb TaskCallback) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runTask(msg, cb)
	}()
}

// Wait blocks until every Submit-ed task runner has returned. Intended for
// graceful shutdown sequencing in cmd/groundctl.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// onDriverResp is the response callback bridge registered with the driver.
func (s *Scheduler) onDriverResp(cmd string, ok bool, payload map[string]any) {
	taskID := "-"
	if payload != nil {
		if v, found := payload["task_id"]; found {
			if sv, isStr := v.(string); isStr {
				taskID = sv
			}
		}
	}

	f, found := s.inflight.Get(taskID)
	if !found {
		stale := false
		if s.recent != nil {
			_, stale = s.recent.Get(taskID)
		}
		s.logger.Warn("ack_unmatched", "task_id", taskID, "stale", stale)
		return
	}

	select {
	case f.done <- driverResult{ok: ok, payload: payload}:
	default:
		// A result is already queued on this single-shot channel (it is
		// buffered size 1); a second driver callback for the same attempt
		// should not happen, but never block here regardless.
	}

	// Defensive second delivery path: if the awaiting task runner has not
	// yet marked this delivered (e.g. it is scheduled slowly), dispatch the
	// user callback directly so delivery never depends on scheduling order.
	if f.markDelivered() {
		status := StatusCmdFailure
		if ok {
			status = StatusOK
		}
		s.dispatchCallback(taskID, status, payload, f.cb)
		s.emitAckEvent(taskID, status, payload)
		s.rememberCompleted(taskID)
	}
}

func (s *Scheduler) rememberCompleted(taskID string) {
	if s.recent != nil {
		s.recent.Add(taskID, struct{}{})
	}
}

func (s *Scheduler) emitAckEvent(taskID string, status int, payload map[string]any) {
	name := "ack_success"
	severity := eventbus.SeverityInfo
	if status != StatusOK {
		name = "ack_fail"
		severity = eventbus.SeverityWarn
	}
	s.publish(name, severity, map[string]any{"task_id": taskID, "payload": payload})
}

func (s *Scheduler) publish(name string, severity int, ctx map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.PublishEvent(eventbus.EventPayload{
		"severity": severity,
		"name":     name,
		"json_ctx": ctx,
	})
}

// runTask executes the per-attempt state machine: push, await ack or
// timeout, wait out a grace window for a late ack, then retry, assume
// success, or exhaust.
func (s *Scheduler) runTask(base cmdqueue.CmdMsg, cb TaskCallback) {
	retryMax, _, _, _ := s.snapshot()
	attempts := retryMax + 1
	msg := base

	for attempt := 0; attempt < attempts; attempt++ {
		_, backoffMs, graceMs, assume := s.snapshot()

		f := &inFlight{done: make(chan driverResult, 1), cb: cb}
		s.inflight.Set(msg.TaskID, f)

		pushCtx, cancelPush := context.WithTimeout(context.Background(), time.Duration(msg.TimeoutMs)*time.Millisecond)
		s.queue.Push(pushCtx, msg)
		cancelPush()

		timeout := time.Duration(msg.TimeoutMs) * time.Millisecond
		select {
		case res := <-f.done:
			if f.markDelivered() {
				status := StatusCmdFailure
				if res.ok {
					status = StatusOK
				}
				s.dispatchCallback(msg.TaskID, status, res.payload, cb)
				s.emitAckEvent(msg.TaskID, status, res.payload)
				s.rememberCompleted(msg.TaskID)
			}
			s.inflight.Delete(msg.TaskID)
			return
		case <-time.After(timeout):
			s.logger.Warn("timeout", "task_id", msg.TaskID, "attempt", attempt)
			s.publish("timeout", eventbus.SeverityWarn, map[string]any{"task_id": msg.TaskID, "attempt": attempt})
		}

		// Grace window: the slot is never cancelled, so a late driver
		// callback calling onDriverResp cannot race a closed channel.
		if graceMs > 0 {
			select {
			case res := <-f.done:
				if f.markDelivered() {
					status := StatusCmdFailure
					if res.ok {
						status = StatusOK
					}
					s.dispatchCallback(msg.TaskID, status, res.payload, cb)
					s.emitAckEvent(msg.TaskID, status, res.payload)
					s.rememberCompleted(msg.TaskID)
				}
				s.inflight.Delete(msg.TaskID)
				return
			case <-time.After(time.Duration(graceMs) * time.Millisecond):
			}
		}

		s.inflight.Delete(msg.TaskID)

		if f.isDelivered() {
			// The defensive bridge path in onDriverResp already delivered
			// while we were waiting; nothing further to do.
			return
		}

		if assume.Contains(strings.ToLower(msg.Cmd)) {
			if f.markDelivered() {
				detail := map[string]any{"ack": true, "assumed": true}
				s.dispatchCallback(msg.TaskID, StatusOK, detail, cb)
				s.publish("ack_success_assumed", eventbus.SeverityNotice, map[string]any{"task_id": msg.TaskID})
				s.rememberCompleted(msg.TaskID)
			}
			return
		}

		if attempt < attempts-1 {
			time.Sleep(time.Duration(backoffMs) * time.Millisecond)
			continue
		}

		if f.markDelivered() {
			s.dispatchCallback(msg.TaskID, StatusTimeoutExhaust, map[string]any{"error": "timeout"}, cb)
			s.rememberCompleted(msg.TaskID)
		}
		return
	}
}

// dispatchCallback always runs cb on its own goroutine so it cannot block
// the driver, queue, or scheduler; panics are logged and swallowed.
func (s *Scheduler) dispatchCallback(taskID string, status int, detail map[string]any, cb TaskCallback) {
	if cb == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("callback_panic", "task_id", taskID, "recovered", r)
			}
		}()
		cb(taskID, status, detail)
	}()
}
