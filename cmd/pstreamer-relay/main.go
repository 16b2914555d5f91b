package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/api"
	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/channels"
	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/eventloop"
	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/gateway"
	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/lifecycle"
	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/router"
	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/scheduler"
	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/streamer"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

// maxLoopWait bounds a single scheduler poll so shutdown is noticed promptly.
const maxLoopWait = time.Second

// readyBacklog is the event queue depth above which /readyz reports not ready.
const readyBacklog = 4096

type gatewayService interface {
	streamer.Gateway
	api.Answerer
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	for _, perr := range cfg.ParseErrors {
		logger.Warn("ignoring relay config token", "err", perr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("pstreamer-relay exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	m := metrics.New()
	r := cfg.Relay

	logger.Info("starting pstreamer-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"base_port", r.BasePort,
		"ports_per_session", r.PortsPerSession,
		"listen_ip", r.ListenIP,
		"max_sessions", r.MaxSessions,
		"gateway", r.Gateway,
		"channel_file", cfg.ChannelFile,
		"document_root", cfg.DocumentRoot,
	)
	logStartupWarnings(logger, cfg)

	loop := eventloop.New(
		eventloop.WithLogger(logger.With("component", "eventloop")),
		eventloop.WithMetrics(m),
	)
	sched := scheduler.New(loop,
		scheduler.WithLogger(logger.With("component", "scheduler")),
		scheduler.WithMetrics(m),
	)

	gw, err := newGateway(cfg, logger, m)
	if err != nil {
		_ = loop.Close()
		return err
	}

	mgr, err := streamer.NewManager(streamer.Options{
		BasePort:        r.BasePort,
		PortsPerSession: r.PortsPerSession,
		ListenIP:        r.ListenIP,
		MaxSessions:     r.MaxSessions,

		MaxPacketsPerSecond: r.MaxPacketsPerSecond,
	}, loop, gw,
		streamer.WithLogger(logger.With("component", "streamer")),
		streamer.WithMetrics(m),
	)
	if err != nil {
		_ = gw.Close()
		_ = loop.Close()
		return fmt.Errorf("streamer: %w", err)
	}

	var bucket *channels.Bucket
	if cfg.ChannelFile != "" {
		bucket = channels.NewBucket(cfg.ChannelFile, r.DestIP, mgr,
			channels.WithLogger(logger.With("component", "channels")),
			channels.WithMetrics(m),
		)
	}

	// From here on a failed start releases everything built so far.
	abort := func(err error) error {
		seq := teardown(nil, loop, sched, mgr, gw, bucket, 0, logger)
		return multierr.Append(err, seq.Run(context.Background()))
	}

	if err := addTasks(sched, mgr, bucket, r); err != nil {
		return abort(err)
	}

	handler, err := api.New(api.Config{
		Loop:        loop,
		Manager:     mgr,
		Bucket:      bucket,
		Gateway:     gw,
		Logger:      logger.With("component", "api"),
		Metrics:     m,
		CheckOrigin: cfg.Origins.CheckOrigin,
	})
	if err != nil {
		return abort(err)
	}
	rt := router.New()
	if err := handler.Register(rt); err != nil {
		return abort(err)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(httpserver.Config{
		ListenAddr:   cfg.ListenAddr,
		DocumentRoot: cfg.DocumentRoot,
		Origins:      cfg.Origins,
		Ready: func() error {
			if n := loop.Pending(); n > readyBacklog {
				return fmt.Errorf("event loop backlog %d", n)
			}
			return nil
		},
	}, logger.With("component", "http"), httpserver.BuildInfo{Commit: commit, BuildTime: built}, rt, m)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return abort(fmt.Errorf("listen: %w", err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// This goroutine owns the streamer, the scheduler and the event loop from
	// here until teardown finishes.
	for {
		if err := sched.Poll(gctx, maxLoopWait); err != nil {
			break
		}
	}
	logger.Info("shutting down", "sessions", mgr.Len())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	seq := teardown(srv, loop, sched, mgr, gw, bucket, r.GracePeriod, logger)
	teardownErr := seq.Run(shutdownCtx)

	if err := g.Wait(); err != nil {
		return err
	}
	return teardownErr
}

func newGateway(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) (gatewayService, error) {
	r := cfg.Relay
	if r.Gateway == config.GatewayNone {
		return gateway.Nop{}, nil
	}
	gw, err := gateway.NewWebRTC(gateway.Config{
		ICEServers:       cfg.ICEServers,
		ICEGatherTimeout: r.ICEGatherTimeout,
		UDPPortMin:       r.UDPPortMin,
		UDPPortMax:       r.UDPPortMax,
		NAT1To1IPs:       r.NAT1To1IPs,
		ListenIP:         net.ParseIP(r.ListenIP),
	}, logger.With("component", "gateway"), m)
	if err != nil {
		return nil, err
	}
	return gw, nil
}

// addTasks registers the periodic tasks. The channel file is loaded and
// published right away; the populate task only picks up later changes.
func addTasks(sched *scheduler.Scheduler, mgr *streamer.Manager, bucket *channels.Bucket, r config.Relay) error {
	if err := sched.Add("purge", r.PurgePeriod, nil, func() {
		mgr.RemoveOrphans(r.OrphanInterval)
	}); err != nil {
		return err
	}
	if bucket == nil {
		return nil
	}
	bucket.Refresh()
	bucket.Populate()
	return sched.Add("populate", r.PopulatePeriod,
		func() { bucket.Refresh() },
		func() { bucket.Populate() },
	)
}

// teardown stops the HTTP side first so no new work reaches the loop, then
// releases sessions before the loop that their descriptors live on. A nil
// srv leaves out the http stage.
func teardown(
	srv *httpserver.Server,
	loop *eventloop.Loop,
	sched *scheduler.Scheduler,
	mgr *streamer.Manager,
	gw streamer.Gateway,
	bucket *channels.Bucket,
	grace time.Duration,
	logger *slog.Logger,
) *lifecycle.Sequence {
	seq := lifecycle.New(lifecycle.WithLogger(logger.With("component", "lifecycle")))
	if srv != nil {
		seq.Add(lifecycle.Stage{
			Name: "http",
			Stop: func(ctx context.Context) error { return shutdownHTTP(ctx, srv, loop) },
		})
	}
	seq.Add(lifecycle.Stage{
		Name:  "sessions",
		Stop:  func(context.Context) error { return mgr.Close() },
		After: grace,
	})
	seq.Add(lifecycle.Stage{Name: "gateway", Stop: func(context.Context) error { return gw.Close() }})
	seq.Add(lifecycle.Stage{Name: "scheduler", Stop: func(context.Context) error { return sched.Close() }})
	seq.Add(lifecycle.Stage{Name: "eventloop", Stop: func(context.Context) error { return loop.Close() }})
	if bucket != nil {
		seq.Add(lifecycle.Stage{Name: "channels", Stop: func(context.Context) error { return bucket.Close() }})
	}
	return seq
}

// shutdownHTTP drains in-flight requests. Handlers block on the event loop,
// so it keeps running queued events until the server has stopped.
func shutdownHTTP(ctx context.Context, srv *httpserver.Server, loop *eventloop.Loop) error {
	done := make(chan error, 1)
	go func() { done <- srv.Shutdown(ctx) }()
	for {
		select {
		case err := <-done:
			return err
		default:
		}
		if err := loop.Wait(ctx, 10*time.Millisecond); err != nil {
			return <-done
		}
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
