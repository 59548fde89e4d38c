package topic

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/session-relay/backend/internal/envelope"
	"github.com/session-relay/backend/internal/upstream"
)

const sessionsV2Path = "/data/sessions"

// newSessionsV2 reports the data service session listing, sorted by name so
// upstream ordering never counts as a change. Entries are forwarded as
// upstream sent them.
func newSessionsV2(deps Deps) Handler {
	return &definition[struct{}]{
		name:     SessionsV2,
		validate: noValidation,
		onRequest: func(_ context.Context, req Request, _ struct{}) {
			subscribe(req.Channel, SessionsV2)
		},
		onHeartbeat: func(ctx context.Context, hb Heartbeat) error {
			var list []map[string]any
			if err := deps.Fetcher.FetchJSON(ctx, upstream.Join(deps.UpstreamURL, sessionsV2Path), hb.Credentials, &list); err != nil {
				return fmt.Errorf("fetching sessions: %w", err)
			}
			if list == nil {
				list = []map[string]any{}
			}
			slices.SortStableFunc(list, func(a, b map[string]any) int {
				return cmp.Compare(sessionName(a), sessionName(b))
			})
			_, err := pushIfChanged(hb.Channel, SessionsV2, envelope.TypeSessionsV2, map[string]any{"sessions": list})
			return err
		},
		logger: deps.Logger,
	}
}

func sessionName(s map[string]any) string {
	name, _ := s["name"].(string)
	return name
}
