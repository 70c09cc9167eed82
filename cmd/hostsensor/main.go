// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/hostsensor/lib/config"
	"github.com/bureau-foundation/hostsensor/lib/lockfile"
	"github.com/bureau-foundation/hostsensor/lib/logging"
	"github.com/bureau-foundation/hostsensor/lib/probe"
	"github.com/bureau-foundation/hostsensor/lib/process"
	"github.com/bureau-foundation/hostsensor/lib/protocol"
	"github.com/bureau-foundation/hostsensor/lib/schedule"
	"github.com/bureau-foundation/hostsensor/lib/sensor"
	"github.com/bureau-foundation/hostsensor/lib/version"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		process.Fatal(err)
	}
}

// options holds the command-line overrides. Only flags the user set
// replace config values.
type options struct {
	configPath  string
	socketPath  string
	lockPath    string
	logLevel    string
	printToLog  bool
	workers     int
	showVersion bool
}

func parseFlags(args []string) (*options, *pflag.FlagSet, error) {
	var opts options
	flagSet := pflag.NewFlagSet("hostsensor", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "configuration file (default: $"+config.EnvConfig+", then built-in defaults)")
	flagSet.StringVar(&opts.socketPath, "socket", "", "listening socket path (default "+config.DefaultSocketPath+")")
	flagSet.StringVar(&opts.lockPath, "lock", "", "single-instance lock path (default "+config.DefaultLockPath+")")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, or error")
	flagSet.BoolVar(&opts.printToLog, "print-to-log", false, "log every record captured by a scheduled pass")
	flagSet.IntVar(&opts.workers, "workers", 0, "size of the probe scheduling pool")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		return nil, flagSet, err
	}
	if flagSet.NArg() > 0 {
		return nil, flagSet, fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}
	return &opts, flagSet, nil
}

// loadConfig loads the file named by --config or HOSTSENSOR_CONFIG and
// applies the flags the user set.
func loadConfig(opts *options, flagSet *pflag.FlagSet) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if opts.configPath != "" {
		cfg, err = config.LoadFile(opts.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if flagSet.Changed("socket") {
		cfg.SocketPath = opts.socketPath
	}
	if flagSet.Changed("lock") {
		cfg.LockPath = opts.lockPath
	}
	if flagSet.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if flagSet.Changed("print-to-log") {
		cfg.PrintToLog = opts.printToLog
	}
	if flagSet.Changed("workers") {
		cfg.Workers = opts.workers
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(args []string, stdout io.Writer) error {
	opts, flagSet, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.showVersion {
		fmt.Fprintf(stdout, "hostsensor %s\n", version.Full())
		return nil
	}

	cfg, err := loadConfig(opts, flagSet)
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := logging.New(level)

	ctx, stop := process.SignalContext(context.Background())
	defer stop()

	d, err := start(cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("sensor running",
		"socket", d.listener.Path(),
		"probes", d.sensor.ProbeIDs(),
		"version", version.Info(),
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return d.stop()
}

// startable is a probe that schedules its own capture chain.
type startable interface {
	probe.Probe
	Start(runner *schedule.Runner) error
}

// daemon is a running sensor and everything it owns.
type daemon struct {
	lock     *lockfile.Lock
	sensor   *sensor.Sensor
	runner   *schedule.Runner
	listener *sensor.Listener
	logger   *slog.Logger
}

// start takes the lock, builds the probes, and begins listening. On
// error everything already started is torn down.
func start(cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	lock, err := lockfile.Acquire(cfg.LockPath, lockfile.Owner{
		PID:     os.Getpid(),
		Version: version.Info(),
		Started: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	probes, err := buildProbes(cfg, logger)
	if err != nil {
		lock.Release()
		return nil, err
	}

	d := &daemon{
		lock: lock,
		sensor: sensor.New(sensor.Config{
			ID:           cfg.SensorID,
			WriteTimeout: cfg.WriteTimeout,
		}, logger),
		runner: schedule.NewRunner(schedule.Config{Workers: cfg.Workers}, logger.With("component", "schedule")),
		logger: logger,
	}

	for _, p := range probes {
		if err := d.sensor.Register(p); err != nil {
			p.Close()
			d.stop()
			return nil, fmt.Errorf("registering probe %s: %w", p.ID(), err)
		}
		if err := p.Start(d.runner); err != nil {
			d.stop()
			return nil, fmt.Errorf("starting probe %s: %w", p.ID(), err)
		}
	}

	engine := protocol.NewEngine(d.sensor, protocol.Config{
		SensorID:       cfg.SensorID,
		MaxMessageSize: cfg.MaxMessageSize,
	}, logger.With("component", "protocol"))
	d.listener, err = d.sensor.Listen(cfg.SocketPath, engine)
	if err != nil {
		d.stop()
		return nil, err
	}
	return d, nil
}

// stop tears the sensor down, then the runner, then releases the
// lock.
func (d *daemon) stop() error {
	d.sensor.Shutdown()
	d.runner.Shutdown()
	if err := d.lock.Release(); err != nil {
		return fmt.Errorf("releasing lock: %w", err)
	}
	d.logger.Info("sensor stopped")
	return nil
}

// buildProbes creates the enabled probes in ps, lsof, sysfs order.
func buildProbes(cfg *config.Config, logger *slog.Logger) ([]startable, error) {
	root := cfg.Probes.ProcRoot
	var probes []startable

	if settings := cfg.Probes.Process; settings.Enabled {
		options, err := settings.Options(root, cfg.PrintToLog)
		if err != nil {
			return nil, fmt.Errorf("probes.ps: %w", err)
		}
		probes = append(probes, probe.NewProcess(options, logger))
	}

	if settings := cfg.Probes.OpenFiles; settings.Enabled {
		options, err := settings.Options(root, cfg.PrintToLog)
		if err != nil {
			return nil, fmt.Errorf("probes.lsof: %w", err)
		}
		filter, err := probe.ParseFilter(settings.Filter, settings.FilterID)
		if err != nil {
			return nil, fmt.Errorf("probes.lsof: %w", err)
		}
		probes = append(probes, probe.NewOpenFiles(options, filter, logger))
	}

	if settings := cfg.Probes.FileContent; settings.Enabled {
		options, err := settings.Options(root, cfg.PrintToLog)
		if err != nil {
			return nil, fmt.Errorf("probes.sysfs: %w", err)
		}
		content, err := probe.NewFileContent(options, probe.FileContentOptions{
			PathTemplate: settings.PathTemplate,
			MaxSize:      settings.MaxSize,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("probes.sysfs: %w", err)
		}
		probes = append(probes, content)
	}
	return probes, nil
}
