// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package cli contains the uorb command's subcommands.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"uorb.dev/envknob"
	"uorb.dev/orb"
	"uorb.dev/sim"
	"uorb.dev/tstime"
	"uorb.dev/types/logger"
)

var Stderr io.Writer = os.Stderr
var Stdout io.Writer = os.Stdout

// clock drives the registry and listen timeouts. Nil means
// tstime.StdClock.
var clock tstime.Clock

func printf(format string, a ...any) {
	fmt.Fprintf(Stdout, format, a...)
}

func outln(a ...any) {
	fmt.Fprintln(Stdout, a...)
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(Stderr)
	return fs
}

var rootArgs struct {
	config      string
	metricsAddr string
	backend     string
	envFile     string
	verbose     bool
	logFormat   string
}

// Run runs the CLI until ctx is done or the subcommand finishes. The args
// do not include the binary name.
func Run(ctx context.Context, args []string) error {
	rootfs := newFlagSet("uorb")
	rootfs.StringVar(&rootArgs.config, "config", "", "path to a HuJSON simulation config whose topics are advertised and published")
	rootfs.StringVar(&rootArgs.metricsAddr, "metrics-addr", "", "if non-empty, serve Prometheus metrics at http://<addr>/metrics")
	rootfs.StringVar(&rootArgs.backend, "backend", "", `reactor backend: "epoll", "poll" or empty for the platform default`)
	rootfs.StringVar(&rootArgs.envFile, "env-file", "", "file of KEY=value lines, such as UORB_DEFAULT_QUEUE_SIZE=4, applied before running")
	rootfs.BoolVar(&rootArgs.verbose, "verbose", false, "log registry and reactor events to stderr")
	rootfs.StringVar(&rootArgs.logFormat, "log-format", "console", `format of --verbose logs: "console" or "json"`)

	rootCmd := &ffcli.Command{
		Name:       "uorb",
		ShortUsage: "uorb [flags] <subcommand> [command flags]",
		ShortHelp:  "Inspect uorb topics.",
		LongHelp: strings.TrimSpace(`
Topics come from the simulation config given with --config. Every flag
can also be set from the environment with a UORB_ prefix, as in
UORB_CONFIG=sim.hujson.
`),
		FlagSet: rootfs,
		Options: []ff.Option{ff.WithEnvVarPrefix("UORB")},
		Subcommands: []*ffcli.Command{
			listenCmd(),
			topCmd(),
		},
		Exec: func(context.Context, []string) error { return flag.ErrHelp },
	}

	err := rootCmd.ParseAndRun(ctx, args)
	if errors.Is(err, flag.ErrHelp) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// newZapLogger returns a logger writing to Stderr in the named encoding.
func newZapLogger(format string) (*zap.SugaredLogger, error) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	var enc zapcore.Encoder
	switch format {
	case "console":
		enc = zapcore.NewConsoleEncoder(encoderCfg)
	case "json":
		enc = zapcore.NewJSONEncoder(encoderCfg)
	default:
		return nil, fmt.Errorf("unknown --log-format %q; want \"console\" or \"json\"", format)
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(Stderr), zap.DebugLevel)
	return zap.New(core).Sugar(), nil
}

// session is the in-process state a subcommand inspects.
type session struct {
	logf    logger.Logf
	clock   tstime.Clock
	reg     *orb.Registry
	metrics *prometheus.Registry
}

// withSession builds a registry, advertises the configured simulation and
// runs fn alongside the simulation and the metrics server. Everything is
// stopped when fn returns.
func withSession(ctx context.Context, fn func(ctx context.Context, s *session) error) error {
	var logf logger.Logf = logger.Discard
	if rootArgs.verbose {
		zlog, err := newZapLogger(rootArgs.logFormat)
		if err != nil {
			return err
		}
		defer zlog.Sync()
		logf = zlog.Infof
	}
	if rootArgs.envFile != "" {
		if err := envknob.ApplyEnvFile(rootArgs.envFile); err != nil {
			return err
		}
	}
	envknob.LogCurrent(logf)
	s := &session{
		logf:    logf,
		clock:   tstime.OrStd(clock),
		metrics: prometheus.NewRegistry(),
	}
	s.reg = orb.NewRegistry(orb.Options{Logf: logf, Clock: s.clock})
	s.metrics.MustRegister(
		s.reg,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var simu *sim.Sim
	if rootArgs.config != "" {
		c, err := sim.LoadFile(rootArgs.config)
		if err != nil {
			return err
		}
		simu, err = sim.Advertise(s.reg, c.Parsed, logf)
		if err != nil {
			return err
		}
		defer simu.Close()
	}

	var ln net.Listener
	if rootArgs.metricsAddr != "" {
		var err error
		ln, err = net.Listen("tcp", rootArgs.metricsAddr)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		logf("serving metrics on http://%v/metrics", ln.Addr())
	}

	g, ctx := errgroup.WithContext(ctx)
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	if simu != nil {
		g.Go(func() error { return simu.Run(ctx) })
	}
	if ln != nil {
		srv := &http.Server{
			Handler:  metricsMux(s.metrics),
			ErrorLog: logger.StdLogger(logf),
		}
		g.Go(func() error {
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}
	g.Go(func() error {
		defer stop()
		return fn(ctx, s)
	})
	return g.Wait()
}
