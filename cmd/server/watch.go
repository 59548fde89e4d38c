package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/session-relay/backend/internal/client"
	"github.com/session-relay/backend/internal/envelope"
)

type WatchCmd struct {
	flags *flags

	url      string
	session  string
	topics   []string
	projects []int
}

func newWatchCmd(f *flags) *WatchCmd {
	return &WatchCmd{flags: f}
}

func (cmd *WatchCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "watch",
		Usage:     "Connect to a relay and print every notification",
		UsageText: "session-relay watch --session ID [--topic NAME]... [--project N]...",
		Description: `Opens a socket to a running relay, subscribes to the given topics and
prints each envelope as a JSON line. Reconnects when the relay goes away.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "url",
				Usage:       "relay socket URL (defaults to the configured host and port)",
				Destination: &cmd.url,
			},
			&cli.StringFlag{
				Name:        "session",
				Aliases:     []string{"s"},
				Usage:       "session id sent in the session cookie",
				Sources:     cli.EnvVars("RELAY_SESSION"),
				Destination: &cmd.session,
			},
			&cli.StringSliceFlag{
				Name:        "topic",
				Aliases:     []string{"t"},
				Usage:       "topic to subscribe to (sessions, sessionsV2, activation, version)",
				Value:       []string{"sessionsV2", "version"},
				Destination: &cmd.topics,
			},
			&cli.IntSliceFlag{
				Name:        "project",
				Usage:       "project id to watch on the activation topic",
				Destination: &cmd.projects,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *WatchCmd) run(ctx context.Context, c *cli.Command) error {
	target := cmd.url
	if target == "" {
		cfg := cmd.flags.Config
		target = (&url.URL{
			Scheme: "ws",
			Host:   net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
			Path:   "/ws",
		}).String()
	}

	subs := make([]client.Instruction, 0, len(cmd.topics))
	for _, t := range cmd.topics {
		in := client.Instruction{Type: t}
		if t == "activation" {
			if len(cmd.projects) == 0 {
				return errors.New("the activation topic needs at least one --project")
			}
			in.Data = map[string]any{"projects": cmd.projects}
		}
		subs = append(subs, in)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := c.Root().Writer
	relay := client.New(client.Options{
		URL:           target,
		CookieName:    cmd.flags.Config.Session.CookieName,
		SessionID:     cmd.session,
		Subscriptions: subs,
		Logger:        log.Logger,
	})
	err := relay.Run(ctx, func(env envelope.Envelope) {
		_, _ = fmt.Fprintln(out, env.String())
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
