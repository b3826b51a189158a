// Package driver owns the UDP socket to the drone, the SDK-mode handshake,
// line-oriented send/receive with stale-reply suppression, heartbeat, and
// reconnect.
package driver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/LK4D4/joincontext"
	hclog "github.com/hashicorp/go-hclog"
)

const (
	// DefaultRemoteIP is the drone's control endpoint.
	DefaultRemoteIP = "192.168.10.1"
	// DefaultRemotePort is the drone's control port.
	DefaultRemotePort = 8889
	// DefaultLocalPort is the port this process binds for replies.
	DefaultLocalPort = 9000

	rxQueueSize      = 64
	connectTimeout   = 2 * time.Second
	heartbeatTimeout = 1 * time.Second

	cmdCommand = "command"
	cmdBattery = "battery?"
	cmdTakeoff = "takeoff"
	cmdLand    = "land"
)

// assumeOKOnTimeout is the fixed wire-level set of commands for which a
// timed-out send_cmd is reported to the response callback as an assumed
// success. The scheduler applies its own, configurable
// assume_ok_cmds on top of this for the grace-window-exhausted case; this
// one covers the driver's own single-attempt timeout path.
var assumeOKOnTimeout = map[string]bool{
	cmdTakeoff: true,
	cmdLand:    true,
}

// RespCallback receives the outcome of a send_cmd call. ok is true on
// success. payload always carries task_id plus either ack/assumed or
// error, matching the device's line-based wire contract.
type RespCallback func(cmd string, ok bool, payload map[string]any)

// Config is the set of transport options for the driver.
type Config struct {
	RemoteIP   string
	RemotePort int
	LocalPort  int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		RemoteIP:   DefaultRemoteIP,
		RemotePort: DefaultRemotePort,
		LocalPort:  DefaultLocalPort,
	}
}

// Driver is the process-wide singleton owning the UDP socket to the
// drone. Callers normally construct exactly one and share it across
// CmdQueue, TaskScheduler, and StateMonitor.
type Driver struct {
	logger hclog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cfg      Config
	conn     *net.UDPConn
	remote   *net.UDPAddr
	rx       chan string
	connOnce sync.Once

	connected    bool
	lastBattery  *int
	lastTaskID   string
	respCallback RespCallback
}

// New constructs a Driver. logger may be nil, in which case a discarding
// logger is used.
func New(logger hclog.Logger) *Driver {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Driver{
		logger:     logger.Named("driver"),
		ctx:        ctx,
		cancel:     cancel,
		cfg:        DefaultConfig(),
		rx:         make(chan string, rxQueueSize),
		lastTaskID: "-",
	}
}

// Configure must be called before Connect. It mutates the endpoint
// configuration used by a subsequent Connect/reconnect. remoteIP/remotePort
// of "" / 0 leave the current value in place; localPort is always applied
// as given, since 0 is the valid request "let the OS assign an ephemeral
// port" rather than a no-op sentinel.
func (d *Driver) Configure(remoteIP string, remotePort, localPort int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if remoteIP != "" {
		d.cfg.RemoteIP = remoteIP
	}
	if remotePort != 0 {
		d.cfg.RemotePort = remotePort
	}
	d.cfg.LocalPort = localPort
}

// SetRespCallback registers the single response callback invoked for every
// SendCmd outcome. Only one callback may be registered at a time; a later
// call replaces the former.
func (d *Driver) SetRespCallback(cb RespCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.respCallback = cb
}

func (d *Driver) callback(cmd string, ok bool, payload map[string]any) {
	d.mu.Lock()
	cb := d.respCallback
	d.mu.Unlock()
	if cb != nil {
		cb(cmd, ok, payload)
	}
}

// ensureSocket binds the UDP transport exactly once. A second Connect with
// the transport already open must not rebind.
func (d *Driver) ensureSocket() error {
	var err error
	d.connOnce.Do(func() {
		d.mu.Lock()
		local := d.cfg.LocalPort
		d.mu.Unlock()

		var conn *net.UDPConn
		conn, err = net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: local})
		if err != nil {
			return
		}
		bound := conn.LocalAddr().(*net.UDPAddr).Port
		d.mu.Lock()
		d.conn = conn
		d.cfg.LocalPort = bound
		d.mu.Unlock()
		go d.readLoop(conn)
		d.logger.Info("udp_bind", "local_port", bound)
	})
	return err
}

// readLoop decodes each datagram as UTF-8 text, strips whitespace, and
// pushes it onto the bounded receive queue. Overflow drops the newest line
// silently: the predicate-based wait in sendAndWait only cares about
// matching lines eventually arriving.
func (d *Driver) readLoop(conn *net.UDPConn) {
	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.ctx.Done():
				return
			default:
			}
			d.logger.Debug("udp_read_error", "error", err)
			return
		}
		line := strings.TrimSpace(strings.ToValidUTF8(string(buf[:n]), ""))
		if line == "" {
			continue
		}
		select {
		case d.rx <- line:
		default:
			// Bounded queue full: drop newest.
		}
	}
}

func (d *Driver) drainRX() {
	for {
		select {
		case <-d.rx:
		default:
			return
		}
	}
}

func isOKOrError(s string) bool {
	l := strings.ToLower(s)
	return l == "ok" || l == "error"
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.Atoi(s)
	return err == nil
}

// sendAndWait drains stale replies, sends text to the remote endpoint, and
// waits up to timeout for a line accepted by pred. It returns the empty
// string on timeout.
func (d *Driver) sendAndWait(ctx context.Context, text string, timeout time.Duration, pred func(string) bool) (string, error) {
	d.mu.Lock()
	conn := d.conn
	remote := d.remote
	d.mu.Unlock()
	if conn == nil || remote == nil {
		return "", errors.New("not_connected")
	}

	d.drainRX()

	if _, err := conn.WriteToUDP([]byte(text), remote); err != nil {
		return "", err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	callCtx, cancel := joincontext.Join(ctx, d.ctx)
	defer cancel()

	for {
		select {
		case <-callCtx.Done():
			return "", callCtx.Err()
		case <-deadline.C:
			return "", nil
		case line := <-d.rx:
			if pred == nil || pred(line) {
				return line, nil
			}
			// Predicate rejected this line; keep waiting for a matching
			// one until the deadline.
		}
	}
}

// Connect ensures the socket is bound to 0.0.0.0:local_port, sends
// "command", and waits up to 2 seconds for "ok"/"error". Returns 0 on ok,
// non-zero otherwise.
func (d *Driver) Connect(ctx context.Context, ip string, port int) int {
	if ip != "" {
		d.mu.Lock()
		d.cfg.RemoteIP = ip
		if port != 0 {
			d.cfg.RemotePort = port
		}
		d.remote = &net.UDPAddr{IP: net.ParseIP(d.cfg.RemoteIP), Port: d.cfg.RemotePort}
		d.mu.Unlock()
	} else {
		d.mu.Lock()
		if d.remote == nil {
			d.remote = &net.UDPAddr{IP: net.ParseIP(d.cfg.RemoteIP), Port: d.cfg.RemotePort}
		}
		d.mu.Unlock()
	}

	if err := d.ensureSocket(); err != nil {
		d.logger.Error("udp_bind_failed", "error", err)
		return -1
	}

	resp, err := d.sendAndWait(ctx, cmdCommand, connectTimeout, isOKOrError)
	if err != nil {
		d.logger.Error("sdk_mode_error", "error", err)
		return -1
	}
	if strings.ToLower(resp) == "ok" {
		d.mu.Lock()
		d.connected = true
		d.mu.Unlock()
		d.logger.Info("sdk_mode_ok")
		return 0
	}
	d.logger.Error("sdk_mode_fail", "resp", resp)
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	return -1
}

// ReconnectIfNeeded re-enters SDK mode without replacing the transport, if
// not already connected.
func (d *Driver) ReconnectIfNeeded(ctx context.Context) int {
	d.mu.Lock()
	connected := d.connected
	cfg := d.cfg
	d.mu.Unlock()
	if connected {
		return 0
	}
	return d.Connect(ctx, cfg.RemoteIP, cfg.RemotePort)
}

// SendCmd sends cmd with params merged into the eventual callback payload,
// waiting up to timeout for an ack. Results are delivered via the
// registered response callback, never returned directly. When the wait
// itself fails (ctx cancelled, driver closed, or the UDP write errors) the
// failure is only logged and no callback is made.
func (d *Driver) SendCmd(ctx context.Context, cmd string, params map[string]any, timeout time.Duration) {
	taskID := "-"
	if params != nil {
		if v, ok := params["task_id"]; ok {
			taskID = fmt.Sprintf("%v", v)
		}
	}
	d.mu.Lock()
	d.lastTaskID = taskID
	connected := d.connected
	d.mu.Unlock()

	if !connected {
		if d.ReconnectIfNeeded(ctx) != 0 {
			d.logger.Error("send_cmd_not_connected", "task_id", taskID)
			d.callback(cmd, false, map[string]any{"error": "not_connected", "task_id": taskID})
			return
		}
	}

	if cmd == "" {
		d.logger.Error("send_cmd_empty", "task_id", taskID)
		d.callback(cmd, false, map[string]any{"error": "empty_cmd", "task_id": taskID})
		return
	}

	text := strings.TrimSpace(cmd)
	d.logger.Info("send_cmd", "task_id", taskID, "cmd", text)

	resp, err := d.sendAndWait(ctx, text, timeout, isOKOrError)
	if err != nil {
		d.logger.Debug("send_cmd_cancelled", "task_id", taskID, "error", err)
		return
	}

	if resp == "" {
		lower := strings.ToLower(cmd)
		if assumeOKOnTimeout[lower] {
			d.logger.Warn("ack_timeout_but_may_executed", "task_id", taskID)
			d.callback(cmd, true, map[string]any{"ack": true, "assumed": true, "task_id": taskID})
			return
		}
		d.logger.Error("ack_timeout", "task_id", taskID)
		d.callback(cmd, false, map[string]any{"error": "timeout", "task_id": taskID})
		return
	}

	if strings.ToLower(resp) == "ok" {
		d.logger.Info("recv_ack", "task_id", taskID)
		d.callback(cmd, true, map[string]any{"ack": true, "task_id": taskID})
		return
	}

	d.logger.Warn("ack_fail", "task_id", taskID, "reply", resp)
	d.callback(cmd, false, map[string]any{"error": resp, "task_id": taskID})
}

// Heartbeat sends "battery?" and waits up to 1 second for a purely-numeric
// line, caching it as the last known battery level.
func (d *Driver) Heartbeat(ctx context.Context) int {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return -1
	}

	resp, err := d.sendAndWait(ctx, cmdBattery, heartbeatTimeout, isDigits)
	if err != nil || !isDigits(resp) {
		d.logger.Warn("heartbeat_bad", "reply", resp)
		return -1
	}
	v, _ := strconv.Atoi(resp)
	d.mu.Lock()
	d.lastBattery = &v
	d.mu.Unlock()
	d.logger.Debug("heartbeat_ok", "battery", v)
	return 0
}

// GetLastBattery returns the cached percent, or nil if unknown.
func (d *Driver) GetLastBattery() *int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastBattery == nil {
		return nil
	}
	v := *d.lastBattery
	return &v
}

// Close releases the transport and resets connected to false. A subsequent
// Connect re-creates the socket (connOnce is reset for that purpose).
func (d *Driver) Close() error {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.connected = false
	d.mu.Unlock()

	d.cancel()
	if conn != nil {
		if err := conn.Close(); err != nil {
			return err
		}
	}

	// Replace ctx/cancel/connOnce so a following Connect re-enters SDK
	// mode cleanly, matching the "close() then connect()"
	// round-trip property.
	d.mu.Lock()
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.connOnce = sync.Once{}
	d.mu.Unlock()
	return nil
}

// Connected reports whether the last handshake observed "ok".
func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}
