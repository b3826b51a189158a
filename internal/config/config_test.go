package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleHCL = `
driver {
  remote_ip = "10.0.0.5"
  remote_port = 9999
  local_port = 9100
}

scheduler {
  retry_max = 4
  backoff_ms = 150
  grace_ms = 500
  assume_ok_cmds = ["takeoff", "land", "streamon"]
}

monitor {
  period_ms = 750
  max_heartbeat_fail = 5
}

eventbus {
  maxsize = 50
  drop_policy = "block"
}
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "groundctl.hcl")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_OverridesDefaults(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	path := writeTempConfig(t, sampleHCL)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal("10.0.0.5", cfg.Driver.RemoteIP)
	assert.Equal(9999, cfg.Driver.RemotePort)
	assert.Equal(4, cfg.Scheduler.RetryMax)
	assert.Equal([]string{"takeoff", "land", "streamon"}, cfg.Scheduler.AssumeOKCmds)
	assert.Equal(750, cfg.Monitor.PeriodMs)
	assert.Equal("block", cfg.EventBus.DropPolicy)
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.hcl"))
	assert.Error(err)
}

func TestDefault_MatchesDocumentedValues(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	cfg := Default()
	assert.Equal("192.168.10.1", cfg.Driver.RemoteIP)
	assert.Equal(2, cfg.Scheduler.RetryMax)
	assert.Equal(3, cfg.Monitor.MaxHeartbeatFail)
}

type fakeSchedulerTarget struct {
	retryMax, backoffMs, graceMs int
	assumeCmds                   []string
}

func (f *fakeSchedulerTarget) SetRetryBackoffGrace(retryMax, backoffMs, graceMs int) {
	f.retryMax, f.backoffMs, f.graceMs = retryMax, backoffMs, graceMs
}

func (f *fakeSchedulerTarget) SetAssumeOKCmds(cmds []string) {
	f.assumeCmds = cmds
}

type fakeMonitorTarget struct {
	period  time.Duration
	maxFail int
}

func (f *fakeMonitorTarget) SetPeriod(d time.Duration) { f.period = d }
func (f *fakeMonitorTarget) SetMaxHeartbeatFail(n int) { f.maxFail = n }

func TestWatcher_ReloadsOnFileChange(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	path := writeTempConfig(t, sampleHCL)
	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	defer w.Stop()

	sched := &fakeSchedulerTarget{}
	mon := &fakeMonitorTarget{}
	w.Bind(sched, mon)
	w.Start()

	updated := `
scheduler {
  retry_max = 9
  backoff_ms = 10
  grace_ms = 20
  assume_ok_cmds = ["land"]
}

monitor {
  period_ms = 333
  max_heartbeat_fail = 1
}
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	assert.Eventually(func() bool {
		return sched.retryMax == 9
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(10, sched.backoffMs)
	assert.Equal([]string{"land"}, sched.assumeCmds)
	assert.Equal(333*time.Millisecond, mon.period)
	assert.Equal(1, mon.maxFail)
}
