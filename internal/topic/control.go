package topic

import (
	"context"

	"github.com/session-relay/backend/internal/envelope"
)

// newInit handles the handshake a client sends right after connecting. When
// it carries requestServerVersion the channel subscribes to version.
func newInit(deps Deps) Handler {
	return &definition[versionRequest]{
		name: Init,
		validate: func(data map[string]any) (versionRequest, error) {
			if _, ok := data["requestServerVersion"]; !ok {
				return versionRequest{}, invalid(`missing "requestServerVersion"`)
			}
			return validateVersion(data)
		},
		onRequest: func(_ context.Context, req Request, p versionRequest) {
			subscribeVersion(req, p)
		},
		logger: deps.Logger,
	}
}

// newPing answers keepalives. It works without a session.
func newPing(deps Deps) Handler {
	return &definition[struct{}]{
		name:      Ping,
		anonymous: true,
		validate:  noValidation,
		onRequest: func(_ context.Context, req Request, _ struct{}) {
			if err := req.reply(envelope.Ack("ping")); err != nil {
				deps.Logger.Debug().Err(err).Msg("ack not delivered")
			}
		},
		logger: deps.Logger,
	}
}
