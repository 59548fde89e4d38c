package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/session-relay/backend/internal/config"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
	date    = "now"
)

func build() string {
	short := commit
	if len(commit) > 7 {
		short = commit[:7]
	}
	return fmt.Sprintf("%s (%s) %s", version, short, date)
}

// flags holds the global options shared by every command.
type flags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
	LogFile    string

	Config *config.Config
}

func main() {
	if err := setupLogger("info", "console", ""); err != nil {
		panic(err)
	}

	f := &flags{}
	app := &cli.Command{
		Name:      "session-relay",
		Usage:     "Relay session notifications to browser sockets",
		UsageText: "session-relay [global options] [command [command options]]",
		Description: `session-relay keeps one channel per user session, polls upstream
services on a heartbeat and pushes changes to every connected socket.

Run 'session-relay' with no arguments to start the server.`,
		Version: build(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file",
				Sources:     cli.EnvVars("RELAY_CONFIG"),
				Value:       "config.yaml",
				Destination: &f.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error); overrides the config file",
				Sources:     cli.EnvVars("RELAY_LOG_LEVEL"),
				Destination: &f.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "log format (console, json); overrides the config file",
				Sources:     cli.EnvVars("RELAY_LOG_FORMAT"),
				Destination: &f.LogFormat,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "path to log file (optional)",
				Sources:     cli.EnvVars("RELAY_LOG_FILE"),
				Destination: &f.LogFile,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			cfg, err := config.LoadOrDefault(f.ConfigPath)
			if err != nil {
				return ctx, fmt.Errorf("load config: %w", err)
			}
			if f.LogLevel != "" {
				cfg.Log.Level = f.LogLevel
			}
			if f.LogFormat != "" {
				cfg.Log.Format = f.LogFormat
			}
			if f.LogFile != "" {
				cfg.Log.File = f.LogFile
			}
			if err := cfg.Validate(); err != nil {
				return ctx, fmt.Errorf("invalid config: %w", err)
			}
			if err := setupLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
				return ctx, err
			}
			f.Config = cfg
			return ctx, nil
		},
	}

	serve := newServeCmd(f)
	app = serve.Register(app)
	app = newWatchCmd(f).Register(app)
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "version",
		Usage: "Print the build version",
		Action: func(_ context.Context, c *cli.Command) error {
			_, err := fmt.Fprintln(c.Root().Writer, build())
			return err
		},
	})

	app.Flags = append(app.Flags, serve.Flags()...)
	app.Action = func(ctx context.Context, c *cli.Command) error {
		if c.Args().Len() > 0 {
			return fmt.Errorf("unknown command %q. Run 'session-relay --help' for usage", c.Args().First())
		}
		return serve.run(ctx, c)
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
}

func setupLogger(level, format, logFile string) error {
	parsedLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	var output io.Writer = os.Stderr
	if format != "json" {
		output = zerolog.ConsoleWriter{Out: os.Stderr}
	}

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		output = io.MultiWriter(output, file)
	}

	log.Logger = zerolog.New(output).With().Timestamp().Logger().Level(parsedLevel)
	return nil
}
