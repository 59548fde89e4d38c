package topic

import (
	"context"

	"github.com/session-relay/backend/internal/envelope"
)

const announcedKey = string(Version) + ".announced"

type versionRequest struct {
	clientVersion string
}

func validateVersion(data map[string]any) (versionRequest, error) {
	var r versionRequest
	if v, ok := data["version"]; ok {
		s, ok := v.(string)
		if !ok {
			return r, invalid(`"version" must be a string`)
		}
		r.clientVersion = s
	}
	return r, nil
}

// subscribeVersion starts announcing the server build. A client that tells
// us which build it runs is only notified once the server differs.
func subscribeVersion(req Request, p versionRequest) {
	if p.clientVersion != "" {
		req.Channel.Store(announcedKey, p.clientVersion)
	} else {
		req.Channel.Delete(announcedKey)
	}
	req.Channel.Activate(string(Version))
}

// newVersion pushes the server build identifier whenever it differs from
// what the channel was last told. No upstream call is involved.
func newVersion(deps Deps) Handler {
	return &definition[versionRequest]{
		name:     Version,
		validate: validateVersion,
		onRequest: func(_ context.Context, req Request, p versionRequest) {
			subscribeVersion(req, p)
		},
		onHeartbeat: func(_ context.Context, hb Heartbeat) error {
			current := deps.Version()
			if current == "" {
				return nil
			}

			first, changed := false, false
			hb.Channel.Update(announcedKey, func(old any, ok bool) any {
				prev, _ := old.(string)
				first = !ok || prev == ""
				changed = prev != current
				return current
			})
			if !changed {
				return nil
			}
			hb.Channel.Broadcast(envelope.User(envelope.TypeVersion, map[string]any{
				"version": current,
				"start":   first,
			}))
			return nil
		},
		logger: deps.Logger,
	}
}
