package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"

	"github.com/SONG-36/tello-fly/internal/cmdqueue"
	"github.com/SONG-36/tello-fly/internal/driver"
	"github.com/SONG-36/tello-fly/internal/eventbus"
)

// fakeDriver stands in for internal/driver.Driver: it records the pushed
// commands and lets the test decide when (and whether) to answer via
// respond, exercising the scheduler's state machine without a real socket.
type fakeDriver struct {
	mu  sync.Mutex
	cb  driver.RespCallback
	log []cmdqueue.CmdMsg
}

func (f *fakeDriver) Push(ctx context.Context, msg cmdqueue.CmdMsg) int {
	f.mu.Lock()
	f.log = append(f.log, msg)
	f.mu.Unlock()
	return 0
}

func (f *fakeDriver) SetRespCallback(cb driver.RespCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = cb
}

func (f *fakeDriver) respond(taskID string, ok bool) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	cb("cmd", ok, map[string]any{"task_id": taskID})
}

type recordingBus struct {
	mu     sync.Mutex
	events []eventbus.EventPayload
}

func (b *recordingBus) PublishEvent(p eventbus.EventPayload) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, p)
}

func waitForResult(t *testing.T, ch <-chan struct {
	status int
	detail map[string]any
}) (int, map[string]any) {
	t.Helper()
	select {
	case r := <-ch:
		return r.status, r.detail
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task callback")
		return 0, nil
	}
}

func newResultChan() chan struct {
	status int
	detail map[string]any
} {
	return make(chan struct {
		status int
		detail map[string]any
	}, 1)
}

func TestScheduler_HappyPathDeliversOK(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	fd := &fakeDriver{}
	bus := &recordingBus{}
	s := New(fd, fd, bus, DefaultConfig(), hclog.NewNullLogger())

	resultCh := newResultChan()
	msg := cmdqueue.CmdMsg{TaskID: "t-ok", Cmd: "cw 30", TimeoutMs: 200}
	s.Submit(msg, func(taskID string, status int, detail map[string]any) {
		resultCh <- struct {
			status int
			detail map[string]any
		}{status, detail}
	})

	assert.Eventually(func() bool {
		fd.mu.Lock()
		defer fd.mu.Unlock()
		return len(fd.log) == 1
	}, time.Second, 5*time.Millisecond)

	fd.respond("t-ok", true)

	status, _ := waitForResult(t, resultCh)
	assert.Equal(StatusOK, status)
}

func TestScheduler_AssumedSuccessOnTimeoutForTakeoff(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	fd := &fakeDriver{}
	bus := &recordingBus{}
	cfg := Config{RetryMax: 0, BackoffMs: 5, GraceMs: 20, AssumeOKCmds: []string{"takeoff"}}
	s := New(fd, fd, bus, cfg, hclog.NewNullLogger())

	resultCh := newResultChan()
	msg := cmdqueue.CmdMsg{TaskID: "t-assume", Cmd: "takeoff", TimeoutMs: 30}
	s.Submit(msg, func(taskID string, status int, detail map[string]any) {
		resultCh <- struct {
			status int
			detail map[string]any
		}{status, detail}
	})

	status, detail := waitForResult(t, resultCh)
	assert.Equal(StatusOK, status)
	assert.Equal(true, detail["assumed"])
}

func TestScheduler_ExhaustedRetriesReturnsTimeoutStatus(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	fd := &fakeDriver{}
	bus := &recordingBus{}
	cfg := Config{RetryMax: 1, BackoffMs: 5, GraceMs: 10, AssumeOKCmds: nil}
	s := New(fd, fd, bus, cfg, hclog.NewNullLogger())

	resultCh := newResultChan()
	msg := cmdqueue.CmdMsg{TaskID: "t-exhaust", Cmd: "flip l", TimeoutMs: 20}
	s.Submit(msg, func(taskID string, status int, detail map[string]any) {
		resultCh <- struct {
			status int
			detail map[string]any
		}{status, detail}
	})

	status, _ := waitForResult(t, resultCh)
	assert.Equal(StatusTimeoutExhaust, status)

	assert.Eventually(func() bool {
		fd.mu.Lock()
		defer fd.mu.Unlock()
		return len(fd.log) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_LateAckWithinGraceStillDelivers(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	fd := &fakeDriver{}
	bus := &recordingBus{}
	cfg := Config{RetryMax: 2, BackoffMs: 5, GraceMs: 200, AssumeOKCmds: nil}
	s := New(fd, fd, bus, cfg, hclog.NewNullLogger())

	resultCh := newResultChan()
	msg := cmdqueue.CmdMsg{TaskID: "t-late", Cmd: "cw 30", TimeoutMs: 20}
	s.Submit(msg, func(taskID string, status int, detail map[string]any) {
		resultCh <- struct {
			status int
			detail map[string]any
		}{status, detail}
	})

	time.Sleep(30 * time.Millisecond)
	fd.respond("t-late", true)

	status, _ := waitForResult(t, resultCh)
	assert.Equal(StatusOK, status)
}

func TestScheduler_StaleReplyAfterCompletionIsIgnored(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	fd := &fakeDriver{}
	bus := &recordingBus{}
	s := New(fd, fd, bus, DefaultConfig(), hclog.NewNullLogger())

	resultCh := newResultChan()
	msg := cmdqueue.CmdMsg{TaskID: "t-stale", Cmd: "cw 30", TimeoutMs: 100}
	s.Submit(msg, func(taskID string, status int, detail map[string]any) {
		resultCh <- struct {
			status int
			detail map[string]any
		}{status, detail}
	})

	fd.respond("t-stale", true)
	waitForResult(t, resultCh)

	// A duplicate ack for the same, already-completed task id must not
	// panic or re-deliver.
	assert.NotPanics(func() {
		fd.respond("t-stale", true)
	})
}

func TestScheduler_SettersUpdatePolicySnapshot(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	fd := &fakeDriver{}
	bus := &recordingBus{}
	cfg := Config{RetryMax: 5, BackoffMs: 5, GraceMs: 10, AssumeOKCmds: nil}
	s := New(fd, fd, bus, cfg, hclog.NewNullLogger())

	s.SetRetryBackoffGrace(0, 5, 10)
	s.SetAssumeOKCmds([]string{"land"})

	retryMax, _, _, assume := s.snapshot()
	assert.Equal(0, retryMax)
	assert.True(assume.Contains("land"))
}
