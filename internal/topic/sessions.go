package topic

import (
	"context"
	"fmt"

	"github.com/session-relay/backend/internal/envelope"
	"github.com/session-relay/backend/internal/upstream"
)

const serversPath = "/notebooks/servers"

// newSessions reports the legacy notebooks server listing. The servers
// object is forwarded as upstream sent it.
func newSessions(deps Deps) Handler {
	return &definition[struct{}]{
		name:     Sessions,
		validate: noValidation,
		onRequest: func(_ context.Context, req Request, _ struct{}) {
			subscribe(req.Channel, Sessions)
		},
		onHeartbeat: func(ctx context.Context, hb Heartbeat) error {
			var body struct {
				Servers map[string]any `json:"servers"`
			}
			if err := deps.Fetcher.FetchJSON(ctx, upstream.Join(deps.UpstreamURL, serversPath), hb.Credentials, &body); err != nil {
				return fmt.Errorf("fetching servers: %w", err)
			}
			if body.Servers == nil {
				body.Servers = map[string]any{}
			}
			_, err := pushIfChanged(hb.Channel, Sessions, envelope.TypeSessions, map[string]any{"servers": body.Servers})
			return err
		},
		logger: deps.Logger,
	}
}
