// Command groundctl is the process entry point: it loads the ground
// station configuration, wires the driver, command queue, scheduler,
// event bus, and state monitor together, starts them, and tears them down
// cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/SONG-36/tello-fly/internal/cmdqueue"
	"github.com/SONG-36/tello-fly/internal/config"
	"github.com/SONG-36/tello-fly/internal/driver"
	"github.com/SONG-36/tello-fly/internal/eventbus"
	"github.com/SONG-36/tello-fly/internal/monitor"
	"github.com/SONG-36/tello-fly/internal/scheduler"
)

func main() {
	configPath := flag.String("config", "", "path to an HCL ground station config file (optional)")
	logLevel := flag.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "groundctl",
		Level: hclog.LevelFromString(*logLevel),
	})

	if err := run(logger, *configPath); err != nil {
		logger.Error("exit", "error", err)
		os.Exit(1)
	}
}

func run(logger hclog.Logger, configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		logger.Info("config_loaded", "path", configPath)
	} else {
		logger.Info("config_defaults")
	}

	bus := eventbus.New(logger, eventbus.WithDropPolicy(dropPolicyFromString(cfg.EventBus.DropPolicy)))

	drv := driver.New(logger)
	drv.Configure(cfg.Driver.RemoteIP, cfg.Driver.RemotePort, cfg.Driver.LocalPort)

	queue := cmdqueue.New(drv, logger)

	sched := scheduler.New(queue, drv, bus, scheduler.Config{
		RetryMax:     cfg.Scheduler.RetryMax,
		BackoffMs:    cfg.Scheduler.BackoffMs,
		GraceMs:      cfg.Scheduler.GraceMs,
		AssumeOKCmds: cfg.Scheduler.AssumeOKCmds,
	}, logger)

	mon := monitor.New(drv, bus, monitor.Config{
		Period:           time.Duration(cfg.Monitor.PeriodMs) * time.Millisecond,
		MaxHeartbeatFail: cfg.Monitor.MaxHeartbeatFail,
	}, logger)

	var watcher *config.Watcher
	if configPath != "" {
		w, err := config.NewWatcher(configPath, logger)
		if err != nil {
			logger.Warn("config_watch_unavailable", "error", err)
		} else {
			w.Bind(sched, mon)
			watcher = w
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	rc := drv.Connect(ctx, cfg.Driver.RemoteIP, cfg.Driver.RemotePort)
	cancel()
	if rc != 0 {
		logger.Warn("initial_connect_failed", "rc", rc)
	}

	queue.Start()
	mon.Start()
	if watcher != nil {
		watcher.Start()
	}
	logger.Info("ground_station_started")

	waitForSignal()
	logger.Info("shutdown_initiated")

	return shutdown(watcher, mon, queue, sched, bus, drv)
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

// shutdown tears components down in dependency order: stop accepting new
// config changes and heartbeats first, drain any in-flight tasks, stop the
// queue, close the driver's socket, then close the event bus.
func shutdown(watcher *config.Watcher, mon *monitor.Monitor, queue *cmdqueue.Queue, sched *scheduler.Scheduler, bus *eventbus.Bus, drv *driver.Driver) error {
	var result *multierror.Error

	var g errgroup.Group
	g.Go(func() error {
		if watcher != nil {
			watcher.Stop()
		}
		return nil
	})
	g.Go(func() error {
		mon.Stop()
		return nil
	})
	if err := g.Wait(); err != nil {
		result = multierror.Append(result, err)
	}

	sched.Wait()
	queue.Stop()

	if err := drv.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := bus.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

func dropPolicyFromString(s string) eventbus.DropPolicy {
	switch s {
	case "drop_newest":
		return eventbus.DropNewest
	case "block":
		return eventbus.Block
	default:
		return eventbus.DropOldest
	}
}
