// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/antimetal/imcmon/pkg/hw/driver"
	"github.com/antimetal/imcmon/pkg/hw/driver/emulated"
	"github.com/antimetal/imcmon/pkg/hw/driver/kernel"
	"github.com/antimetal/imcmon/pkg/hw/hwmon"
	"github.com/antimetal/imcmon/pkg/hw/pmon"
	"github.com/antimetal/imcmon/pkg/hw/topology"
	"github.com/antimetal/imcmon/pkg/scheduler"
	"github.com/antimetal/imcmon/pkg/telemetry"
	"github.com/antimetal/imcmon/pkg/telemetry/commands"
)

var (
	setupLog logr.Logger

	backend      string
	dumpFile     string
	sysRoot      string
	manifestPath string
	logLevel     int
)

func init() {
	flag.StringVar(&backend, "backend", "kernel",
		"Register-access backend to use: kernel, vsi, or emulated")
	flag.StringVar(&dumpFile, "dump-file", "",
		"Path to a register dump file (required when --backend=emulated)")
	flag.StringVar(&sysRoot, "sys-root", "",
		"Override root for /sys, /proc, /dev paths (kernel backend only, for testing)")
	flag.StringVar(&manifestPath, "manifest", "",
		"Path to a YAML/JSON command manifest (defaults to the built-in hwmon/correrrcnt schedule)")
	flag.IntVar(&logLevel, "v", 0, "Logging verbosity")
}

// buildLogger constructs the process logger. Logs go to stderr via
// zap's development encoder; CSV records always go to stdout, so the
// two streams never interleave.
func buildLogger() (logr.Logger, error) {
	zapConfig := zap.NewDevelopmentConfig()
	zapConfig.EncoderConfig.TimeKey = "ts"
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.Level = zap.NewAtomicLevelAt(zapcore.Level(-logLevel))
	zapLog, err := zapConfig.Build()
	if err != nil {
		return logr.Logger{}, err
	}
	return zapr.NewLogger(zapLog).WithName("imcmon"), nil
}

func buildDriver(log logr.Logger) (driver.Driver, error) {
	switch backend {
	case "kernel":
		var opts []kernel.Option
		if sysRoot != "" {
			opts = append(opts, kernel.WithRootOverride(sysRoot))
		}
		return kernel.New(log, opts...), nil
	case "emulated":
		if dumpFile == "" {
			return nil, fmt.Errorf("--dump-file is required when --backend=emulated")
		}
		d := emulated.New(log, dumpFile)
		// A malformed dump aborts startup; there is no recovery path
		// once sampling is running.
		if err := d.Load(); err != nil {
			return nil, err
		}
		return d, nil
	case "vsi":
		return nil, fmt.Errorf("--backend=vsi requires a hypervisor-provided vsi.Channel; not wired by this binary")
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

// defaultManifest is the built-in command schedule, grounded on
// bin/mem_inspector.py's main(): hwmon and correctable-error counters
// on a 60 second period against the eight known IMC data-path device
// IDs. Bandwidth and DIMM-temp sampling are commented out upstream
// too (read_bw programs the same PMON counter 0 that read_pmoncntr
// uses), so they are left out of the default manifest here as well.
func defaultManifest() []scheduler.Command {
	return []scheduler.Command{
		{Name: "read_hwmon_temp", Argv: nil, Period: 60 * time.Second},
		{
			Name: "read_correrrcnt",
			Argv: []string{
				"0x6fb2", "0x6fb3", "0x6fb6", "0x6fb7",
				"0x6fd2", "0x6fd3", "0x6fd6", "0x6fd7",
			},
			Period: 60 * time.Second,
		},
	}
}

func main() {
	flag.Parse()

	var err error
	setupLog, err = buildLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	drv, err := buildDriver(setupLog)
	if err != nil {
		setupLog.Error(err, "unable to build driver")
		os.Exit(1)
	}

	acc := pmon.New(drv)

	// Best-effort: resolve the bus-to-socket topology from the Ubox
	// devices so startup logs show what the collector can see. An
	// unprivileged run or a dump without Ubox records just skips this.
	if topo, err := topology.Scan(ctx, acc); err != nil {
		setupLog.V(1).Info("socket topology unavailable", "error", err)
	} else {
		setupLog.Info("resolved socket topology", "sockets", topo.Sockets())
	}

	hwmonReader := hwmon.New(setupLog)

	procs := commands.NewProcedures(acc, hwmonReader, setupLog)
	registry := commands.NewRegistry()
	procs.Register(registry)

	sink := telemetry.NewCSVSink(os.Stdout)

	run := func(ctx context.Context, cmd scheduler.Command) error {
		return registry.Invoke(ctx, cmd.Name, cmd.Argv, sink)
	}

	manifest := defaultManifest()
	if manifestPath != "" {
		loaded, err := scheduler.LoadManifest(manifestPath)
		if err != nil {
			setupLog.Error(err, "unable to load manifest")
			os.Exit(1)
		}
		manifest = loaded
	}
	for _, cmd := range manifest {
		if caps, ok := registry.Capabilities(cmd.Name); ok && caps.RequiresRoot && os.Geteuid() != 0 {
			setupLog.Info("command requires elevated privileges to succeed under the kernel backend",
				"command", cmd.Name)
		}
	}

	sched := scheduler.New(setupLog, run)
	setupLog.Info("starting", "backend", backend, "commands", len(manifest))
	sched.Run(ctx, manifest)
	setupLog.Info("shutting down")
}
