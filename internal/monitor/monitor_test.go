package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"

	"github.com/SONG-36/tello-fly/internal/eventbus"
)

type fakeHeartbeater struct {
	mu          sync.Mutex
	failNext    int
	reconnectRC int
	battery     int
	calls       int
	reconnects  int
}

func (f *fakeHeartbeater) Heartbeat(ctx context.Context) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failNext > 0 {
		f.failNext--
		return 1
	}
	return 0
}

func (f *fakeHeartbeater) ReconnectIfNeeded(ctx context.Context) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	return f.reconnectRC
}

func (f *fakeHeartbeater) GetLastBattery() *int {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.battery
	return &b
}

type recordingBus struct {
	mu     sync.Mutex
	states []eventbus.StatePayload
	events []eventbus.EventPayload
}

func (b *recordingBus) PublishState(p eventbus.StatePayload) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states = append(b.states, p)
}

func (b *recordingBus) PublishEvent(p eventbus.EventPayload) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, p)
}

func (b *recordingBus) eventNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var names []string
	for _, e := range b.events {
		names = append(names, e["name"].(string))
	}
	return names
}

func TestMonitor_PublishesStateOnSuccessfulHeartbeat(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	fd := &fakeHeartbeater{battery: 77}
	bus := &recordingBus{}
	m := New(fd, bus, Config{Period: MinPeriod, MaxHeartbeatFail: 3}, hclog.NewNullLogger())

	m.tick(context.Background())

	bus.mu.Lock()
	defer bus.mu.Unlock()
	assert.Len(bus.states, 1)
	assert.Equal(77, bus.states[0]["battery"])
}

func TestMonitor_ReconnectsAfterMaxFailures(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	fd := &fakeHeartbeater{failNext: 3, reconnectRC: 0}
	bus := &recordingBus{}
	m := New(fd, bus, Config{Period: MinPeriod, MaxHeartbeatFail: 3}, hclog.NewNullLogger())

	for i := 0; i < 3; i++ {
		m.tick(context.Background())
	}

	fd.mu.Lock()
	reconnects := fd.reconnects
	fd.mu.Unlock()
	assert.Equal(1, reconnects)
	assert.Contains(bus.eventNames(), "reconnect_success")
}

func TestMonitor_PeriodClampedToMinimum(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	fd := &fakeHeartbeater{}
	bus := &recordingBus{}
	m := New(fd, bus, Config{Period: time.Millisecond, MaxHeartbeatFail: 3}, hclog.NewNullLogger())
	assert.Equal(MinPeriod, m.period())

	m.SetPeriod(time.Millisecond)
	assert.Equal(MinPeriod, m.period())
}

func TestMonitor_StartStopIsIdempotent(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	fd := &fakeHeartbeater{}
	bus := &recordingBus{}
	m := New(fd, bus, DefaultConfig(), hclog.NewNullLogger())

	m.Start()
	m.Start()
	m.Stop()
	m.Stop()

	assert.True(true)
}
