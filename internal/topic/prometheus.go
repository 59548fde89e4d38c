package topic

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/session-relay/backend/internal/auth"
	"github.com/session-relay/backend/internal/envelope"
	"github.com/session-relay/backend/internal/upstream"
)

type prometheusRequest struct {
	fullPath  string
	requestID string
}

func validatePrometheus(data map[string]any) (prometheusRequest, error) {
	id, err := stringField(data, "requestId")
	if err != nil {
		return prometheusRequest{}, err
	}
	path, err := stringField(data, "fullPath")
	if err != nil {
		return prometheusRequest{requestID: id}, err
	}

	u, err := url.Parse(path)
	if err != nil {
		return prometheusRequest{requestID: id}, invalid("fullPath: %v", err)
	}
	if u.IsAbs() || u.Host != "" || strings.HasPrefix(path, "//") {
		return prometheusRequest{requestID: id}, invalid("fullPath must be relative to the query endpoint")
	}
	return prometheusRequest{fullPath: path, requestID: id}, nil
}

// newPrometheus runs one query per request and answers the requesting
// socket only. It never polls.
func newPrometheus(deps Deps) Handler {
	return &definition[prometheusRequest]{
		name:     Prometheus,
		validate: validatePrometheus,
		onRequest: func(ctx context.Context, req Request, p prometheusRequest) {
			body, err := queryPrometheus(ctx, deps, req.SessionID, p.fullPath)
			if err != nil {
				log := req.Channel.Logger()
				log.Warn().Err(err).Str("requestId", p.requestID).Msg("prometheus query failed")
				replyPrometheusError(deps, req, err.Error(), p.requestID)
				return
			}
			body["requestId"] = p.requestID
			if err := req.reply(envelope.User(envelope.TypePrometheus, body)); err != nil {
				deps.Logger.Debug().Err(err).Msg("prometheus reply not delivered")
			}
		},
		onInvalid: func(_ context.Context, req Request, err error) {
			id, _ := req.Data["requestId"].(string)
			replyPrometheusError(deps, req, err.Error(), id)
		},
		logger: deps.Logger,
	}
}

func queryPrometheus(ctx context.Context, deps Deps, sessionID, fullPath string) (map[string]any, error) {
	if deps.PrometheusURL == "" {
		return nil, errors.New("prometheus is not configured")
	}

	var header http.Header
	if deps.Auth != nil {
		h, err := deps.Auth.Credentials(ctx, sessionID)
		switch {
		case errors.Is(err, auth.ErrExpired), errors.Is(err, auth.ErrInvalid):
			return nil, err
		case err != nil:
			return nil, errors.New("credentials unavailable")
		}
		header = h
	}

	body := map[string]any{}
	if err := deps.Fetcher.FetchJSON(ctx, upstream.Join(deps.PrometheusURL, fullPath), header, &body); err != nil {
		return nil, err
	}
	if body == nil {
		body = map[string]any{}
	}
	return body, nil
}

func replyPrometheusError(deps Deps, req Request, msg, requestID string) {
	env := envelope.User(envelope.TypePrometheus, map[string]any{
		"error":     msg,
		"requestId": requestID,
	})
	if err := req.reply(env); err != nil {
		deps.Logger.Debug().Err(err).Msg("prometheus error reply not delivered")
	}
}
