package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/session-relay/backend/internal/auth"
	"github.com/session-relay/backend/internal/channel"
	"github.com/session-relay/backend/internal/config"
	"github.com/session-relay/backend/internal/heartbeat"
	"github.com/session-relay/backend/internal/metrics"
	"github.com/session-relay/backend/internal/mock"
	"github.com/session-relay/backend/internal/monitor"
	"github.com/session-relay/backend/internal/session"
	"github.com/session-relay/backend/internal/topic"
	"github.com/session-relay/backend/internal/upstream"
	"github.com/session-relay/backend/internal/ws"
)

type serveFlags struct {
	port         int
	mock         bool
	mockInterval time.Duration
}

type ServeCmd struct {
	flags *flags
	opts  serveFlags
}

func newServeCmd(f *flags) *ServeCmd {
	return &ServeCmd{flags: f}
}

// Flags are registered on the root command and inherited by serve.
func (cmd *ServeCmd) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "port",
			Usage:       "override the listen port",
			Sources:     cli.EnvVars("RELAY_PORT"),
			Destination: &cmd.opts.port,
		},
		&cli.BoolFlag{
			Name:        "mock",
			Usage:       "serve a simulated upstream in-process and poll it",
			Sources:     cli.EnvVars("RELAY_MOCK"),
			Destination: &cmd.opts.mock,
		},
		&cli.DurationFlag{
			Name:        "mock-interval",
			Usage:       "how often the simulated upstream changes",
			Value:       2 * time.Second,
			Destination: &cmd.opts.mockInterval,
		},
	}
}

func (cmd *ServeCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:        "serve",
		Usage:       "Run the relay server",
		UsageText:   "session-relay serve [--port N] [--mock]",
		Description: "Accepts socket connections on /ws, exposes /api/health and /metrics.",
		Action:      cmd.run,
	})
	return app
}

func (cmd *ServeCmd) run(ctx context.Context, _ *cli.Command) error {
	cfg := cmd.flags.Config
	if cmd.opts.port > 0 {
		cfg.Server.Port = cmd.opts.port
	}
	logger := log.Logger

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if cmd.opts.mock {
		base, err := cmd.startMock(ctx, g, cfg, logger)
		if err != nil {
			return err
		}
		cfg.Upstream.BaseURL = base
		cfg.Upstream.PrometheusURL = base + "/prometheus/api/v1"
	}

	var registry *channel.Registry
	collector := metrics.NewCollector(sizer{&registry})
	registry = channel.NewRegistry(logger, channel.WithBroadcastObserver(collector.ObserveBroadcast))

	client := upstream.NewClient(cfg.Upstream.Timeout,
		upstream.WithTransport(collector.InstrumentTransport),
		upstream.WithMaxBytes(cfg.Upstream.MaxBytes),
		upstream.WithUserAgent(cfg.Upstream.UserAgent),
	)

	authenticator, err := newAuthenticator(cfg.Auth, logger)
	if err != nil {
		return err
	}

	announced := cfg.Version.Announce
	if announced == "" {
		announced = version
	}
	topics := topic.NewSet(topic.Deps{
		Fetcher:               client,
		Auth:                  authenticator,
		UpstreamURL:           cfg.Upstream.BaseURL,
		PrometheusURL:         cfg.Upstream.PrometheusURL,
		Version:               func() string { return announced },
		ActivationConcurrency: cfg.Heartbeat.ActivationConcurrency,
		Logger:                logger,
	})

	sched := heartbeat.New(registry, topics, authenticator, heartbeat.Options{
		Interval:         cfg.Heartbeat.Interval,
		StartDelay:       cfg.Heartbeat.StartDelay,
		FailureThreshold: cfg.Heartbeat.FailureThreshold,
		Every:            map[topic.Name]int{topic.Version: cfg.Heartbeat.VersionEvery},
		Logger:           logger,
		Observer:         collector,
	})
	registry.SetLifecycle(sched)

	sampler, err := monitor.NewSampler(os.Getpid(), 5*time.Second)
	if err != nil {
		logger.Warn().Err(err).Msg("process stats unavailable")
		sampler = nil
	}

	gateway := ws.NewServer(ws.Deps{
		Registry:  registry,
		Topics:    topics,
		Auth:      authenticator,
		Scheduler: sched,
		Process:   sampler,
		Logger:    logger,
	}, ws.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		SessionCookie:  cfg.Session.CookieName,
		SessionHeader:  cfg.Session.HeaderName,
		SendQueue:      cfg.Server.SendQueue,
		WriteTimeout:   cfg.Server.WriteTimeout,
		Version:        announced,
	})

	mux := http.NewServeMux()
	gateway.SetupRoutes(mux)
	mux.Handle("/metrics", metrics.Handler(metrics.NewRegistry(collector)))

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           ws.Handler(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info().Str("addr", addr).Str("upstream", cfg.Upstream.BaseURL).Str("version", announced).Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		sched.Stop()
		return err
	})

	return g.Wait()
}

// startMock serves the simulated upstream on a loopback port and returns
// its base URL.
func (cmd *ServeCmd) startMock(ctx context.Context, g *errgroup.Group, cfg *config.Config, logger zerolog.Logger) (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("mock upstream listener: %w", err)
	}

	opts := []mock.Option{
		mock.WithInterval(cmd.opts.mockInterval),
		mock.WithLogger(logger.With().Str("component", "mock").Logger()),
	}
	if cfg.Auth.Mode == config.AuthStatic {
		opts = append(opts, mock.WithToken(cfg.Auth.Token))
	}
	gen := mock.NewGenerator(session.NewStore(), opts...)
	gen.Start(ctx)

	srv := &http.Server{Handler: gen.Handler(), ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("mock upstream: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return srv.Close()
	})

	base := "http://" + ln.Addr().String()
	logger.Info().Str("url", base).Msg("mock upstream started")
	return base, nil
}

func newAuthenticator(cfg config.AuthConfig, logger zerolog.Logger) (auth.Authenticator, error) {
	switch cfg.Mode {
	case config.AuthNone, "":
		return auth.Static{}, nil
	case config.AuthStatic:
		return auth.Static{Header: auth.Bearer(cfg.Token)}, nil
	case config.AuthTokens:
		var store auth.Store
		switch cfg.Store {
		case config.StoreFile:
			store = auth.NewFileStore(cfg.StorePath)
		default:
			store = auth.NewMemoryStore(cfg.StoreSize, cfg.StoreTTL)
		}
		refresher := auth.NewOAuth2Refresher(cfg.ClientID, cfg.ClientSecret, cfg.TokenURL, nil)
		return auth.NewTokenAuthenticator(store, refresher,
			auth.WithKeyPrefix(cfg.KeyPrefix),
			auth.WithTolerance(cfg.Tolerance),
			auth.WithLogger(logger),
		), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

// sizer reads the registry lazily; the collector is built before it.
type sizer struct {
	registry **channel.Registry
}

func (s sizer) Len() int {
	if *s.registry == nil {
		return 0
	}
	return (*s.registry).Len()
}

func (s sizer) SocketCount() int {
	if *s.registry == nil {
		return 0
	}
	return (*s.registry).SocketCount()
}
