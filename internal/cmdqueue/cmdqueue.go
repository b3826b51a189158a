// Package cmdqueue implements the strictly-serial forwarder to the driver
// to the driver. The device's wire protocol is not safe to
// interleave, so exactly one worker goroutine ever calls Sender.SendCmd.
package cmdqueue

import (
	"context"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	uuid "github.com/hashicorp/go-uuid"
	"github.com/mitchellh/copystructure"
	"golang.org/x/time/rate"
)

// DefaultQueueSize is the suggested bound on pending commands.
const DefaultQueueSize = 128

// DefaultTimeout is used when a CmdMsg does not specify one.
const DefaultTimeout = 2000

// Sender is the minimal surface CmdQueue needs from the driver, letting
// tests substitute a fake without depending on the real UDP transport.
type Sender interface {
	SendCmd(ctx context.Context, cmd string, params map[string]any, timeout time.Duration)
}

// CmdMsg is the immutable command request handed to the queue.
type CmdMsg struct {
	TaskID    string
	Cmd       string
	Params    map[string]any
	TimeoutMs int
}

// NewTaskID generates an opaque task id for callers who do not assign
// their own, using the same id generator the wider pack reaches for
// (hashicorp/go-uuid).
func NewTaskID() string {
	id, err := uuid.GenerateUUID()
	if err != nil {
		// uuid.GenerateUUID only fails if crypto/rand is exhausted; fall
		// back to a timestamp-derived id rather than panic.
		return "task-" + time.Now().UTC().Format("20060102150405.000000000")
	}
	return id
}

// Queue guarantees strictly serial dispatch to Sender.SendCmd.
type Queue struct {
	logger  hclog.Logger
	driver  Sender
	limiter *rate.Limiter

	q chan CmdMsg

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// Option configures a Queue at construction time.
type Option func(*Queue)

// WithQueueSize overrides DefaultQueueSize.
func WithQueueSize(n int) Option {
	return func(q *Queue) {
		q.q = make(chan CmdMsg, n)
	}
}

// WithRateLimit caps the rate at which commands reach the wire. The zero
// value (nil limiter) applies no limiting.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(q *Queue) {
		q.limiter = rate.NewLimiter(r, burst)
	}
}

// New constructs a Queue bound to driver. logger may be nil.
func New(driver Sender, logger hclog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	q := &Queue{
		logger: logger.Named("cmdqueue"),
		driver: driver,
		q:      make(chan CmdMsg, DefaultQueueSize),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start spawns exactly one worker goroutine. Idempotent.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.running = true
	q.wg.Add(1)
	go q.workerLoop(ctx)
}

// Stop cancels the worker, allowing an in-progress send to finish or be
// cancelled, then waits for the worker to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	cancel := q.cancel
	q.running = false
	q.mu.Unlock()

	cancel()
	q.wg.Wait()
}

// Push appends msg to the bounded queue, blocking while full. Returns 0 on
// acceptance, matching the package's int status-code convention.
func (q *Queue) Push(ctx context.Context, msg CmdMsg) int {
	if msg.TimeoutMs <= 0 {
		msg.TimeoutMs = DefaultTimeout
	}
	if cp, err := copystructure.Copy(msg.Params); err == nil && cp != nil {
		if m, ok := cp.(map[string]any); ok {
			msg.Params = m
		}
	}
	select {
	case q.q <- msg:
		q.logger.Debug("enqueue", "task_id", msg.TaskID)
		return 0
	case <-ctx.Done():
		return -1
	}
}

func (q *Queue) workerLoop(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-q.q:
			q.dispatch(ctx, msg)
		}
	}
}

func (q *Queue) dispatch(ctx context.Context, msg CmdMsg) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("send_cmd_panic", "task_id", msg.TaskID, "recovered", r)
		}
	}()

	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			return
		}
	}

	params := make(map[string]any, len(msg.Params)+1)
	for k, v := range msg.Params {
		params[k] = v
	}
	params["task_id"] = msg.TaskID

	q.logger.Debug("send_cmd", "task_id", msg.TaskID, "cmd", msg.Cmd)
	q.driver.SendCmd(ctx, msg.Cmd, params, time.Duration(msg.TimeoutMs)*time.Millisecond)
}
