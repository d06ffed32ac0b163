// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// The fxpqd command runs one fxpq node: a master, a dimension server, a
// zone or a headless client.
//
// Settings come from an optional HuJSON config file (-config), then
// from flags or FXPQ_* environment variables, which take precedence.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/euhmeuh/fxpq/conffile"
	"github.com/euhmeuh/fxpq/node"
	"github.com/euhmeuh/fxpq/util/must"
	"github.com/peterbourgon/ff/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// flags holds the parsed command line.
type flags struct {
	configPath string
	logFormat  string
	cfg        node.Config
}

func parseFlags(args []string) (*flags, error) {
	fs := flag.NewFlagSet("fxpqd", flag.ContinueOnError)
	var (
		configPath   = fs.String("config", "", "path to a HuJSON node config file")
		role         = fs.String("role", "", "node role: master, dimension, zone or client")
		listen       = fs.String("listen", "", "address to accept peers on, such as tcp://:7000 or ws://:7001/fxpq")
		upstream     = fs.String("upstream", "", "comma-separated addresses of the nodes to dial")
		dimName      = fs.String("dimension", "", "name of the dimension to announce (dimension role)")
		dimID        = fs.String("dimension-id", "", "UUID of the dimension to announce; random if empty")
		dimURL       = fs.String("dimension-url", "", "URL players use to reach the dimension")
		tick         = fs.Duration("tick", 0, "scheduler tick; 0 means 1/60s")
		retryMax     = fs.Duration("retry-max", 30*time.Second, "maximum redial backoff; 0 disables redialing")
		fetchTimeout = fs.Duration("fetch-timeout", 0, "bound on remote fetches; 0 means none")
		dimTTL       = fs.Duration("dimension-ttl", 0, "how long a silent dimension stays registered; 0 means 10s")
		announce     = fs.Duration("announce-interval", 0, "how often a dimension server announces itself; 0 means 2s")
		watch        = fs.Duration("watch-interval", 0, "how often zones and clients refresh the dimension list; 0 means 5s")
		logEvents    = fs.Bool("log-events", false, "log every broker event")
		debugAddr    = fs.String("debug-addr", "", "if non-empty, serve /metrics on this address")
		logFormat    = fs.String("log-format", "json", "log format: json or console")
		_            = fs.String("flags-file", "", "path to a file of flags, one per line")
	)
	err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix("FXPQ"),
		ff.WithConfigFileFlag("flags-file"),
		ff.WithConfigFileParser(ff.PlainParser),
	)
	if err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %q", fs.Args())
	}

	f := &flags{configPath: *configPath, logFormat: *logFormat}
	// RetryMax has a non-zero default, which a config file may
	// override, including with "0s" to disable redialing.
	f.cfg.RetryMax = node.Duration(*retryMax)
	if *configPath != "" {
		c, err := conffile.LoadFile(*configPath)
		if err != nil {
			return nil, err
		}
		retry := f.cfg.RetryMax
		f.cfg = c.Parsed
		if !c.Has("RetryMax") {
			f.cfg.RetryMax = retry
		}
	}

	// Flags given explicitly win over the config file.
	var errs []error
	fs.Visit(func(fl *flag.Flag) {
		c := &f.cfg
		switch fl.Name {
		case "role":
			c.Role = node.Role(*role)
		case "listen":
			c.Listen = *listen
		case "upstream":
			c.Upstream = nil
			for _, u := range strings.Split(*upstream, ",") {
				if u = strings.TrimSpace(u); u != "" {
					c.Upstream = append(c.Upstream, u)
				}
			}
		case "dimension", "dimension-id", "dimension-url":
			if c.Dimension == nil {
				c.Dimension = new(node.DimensionConfig)
			}
			switch fl.Name {
			case "dimension":
				c.Dimension.Name = *dimName
			case "dimension-id":
				c.Dimension.ID = *dimID
			case "dimension-url":
				c.Dimension.URL = *dimURL
			}
		case "tick":
			c.Tick = node.Duration(*tick)
		case "retry-max":
			c.RetryMax = node.Duration(*retryMax)
		case "fetch-timeout":
			c.FetchTimeout = node.Duration(*fetchTimeout)
		case "dimension-ttl":
			c.DimensionTTL = node.Duration(*dimTTL)
		case "announce-interval":
			c.AnnounceInterval = node.Duration(*announce)
		case "watch-interval":
			c.WatchInterval = node.Duration(*watch)
		case "log-events":
			c.LogEvents = *logEvents
		case "debug-addr":
			c.DebugAddr = *debugAddr
		case "config", "log-format", "flags-file":
		default:
			errs = append(errs, fmt.Errorf("unhandled flag %q", fl.Name))
		}
	})
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return f, nil
}

func newLogger(format string) (*zap.Logger, error) {
	switch format {
	case "json":
		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.RFC3339TimeEncoder
		return zap.Config{
			Level:            zap.NewAtomicLevelAt(zap.InfoLevel),
			Encoding:         "json",
			OutputPaths:      []string{"stderr"},
			ErrorOutputPaths: []string{"stderr"},
			EncoderConfig:    encoderCfg,
		}.Build()
	case "console":
		return zap.NewDevelopment()
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "fxpqd: %v\n", err)
		os.Exit(2)
	}
	logger := must.Get(newLogger(f.logFormat)).Sugar()
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, logger, f.cfg); err != nil {
		logger.Fatal(err.Error())
	}
}

// run runs the node c describes until ctx is done.
func run(ctx context.Context, logger *zap.SugaredLogger, c node.Config) error {
	n, err := node.New(c, node.Options{Logf: logger.Infof})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if c.DebugAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{
			Addr:              c.DebugAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Infof("serving metrics on %s", c.DebugAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		logger.Infof("starting %s node", c.Role)
		err := n.Run(ctx)
		logger.Infof("%s node stopped", c.Role)
		return err
	})
	return g.Wait()
}
