package topic

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/session-relay/backend/internal/channel"
	"github.com/session-relay/backend/internal/envelope"
	"github.com/session-relay/backend/internal/fingerprint"
	"github.com/session-relay/backend/internal/upstream"
)

const (
	projectsKey = string(Activation) + ".projects"
	progressKey = string(Activation) + ".progress"

	// ActivationDone is the progress at which a project stops being tracked.
	ActivationDone = 100
	// ActivationNotStarted is reported for projects with no activation.
	ActivationNotStarted = -1
)

type activationRequest struct {
	projects []int
}

func validateActivation(data map[string]any) (activationRequest, error) {
	raw, ok := data["projects"]
	if !ok {
		return activationRequest{}, invalid(`missing "projects"`)
	}
	list, ok := raw.([]any)
	if !ok {
		return activationRequest{}, invalid(`"projects" must be an array`)
	}

	seen := make(map[int]struct{}, len(list))
	ids := make([]int, 0, len(list))
	for _, v := range list {
		id, err := integer(v)
		if err != nil {
			return activationRequest{}, err
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return activationRequest{projects: ids}, nil
}

func integer(v any) (int, error) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, invalid("project id %v is not an integer", n)
		}
		return int(n), nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	}
	return 0, invalid("project id %v is not a number", v)
}

// trackedProjects returns a copy of the project ids under watch.
func trackedProjects(ch *channel.Channel) []int {
	v, ok := ch.Load(projectsKey)
	if !ok {
		return nil
	}
	ids, _ := v.([]int)
	out := make([]int, len(ids))
	copy(out, ids)
	return out
}

// newActivation reports knowledge-graph activation progress for a set of
// projects. Projects drop out of tracking once they reach ActivationDone.
func newActivation(deps Deps) Handler {
	return &definition[activationRequest]{
		name:     Activation,
		validate: validateActivation,
		onRequest: func(_ context.Context, req Request, p activationRequest) {
			req.Channel.Store(projectsKey, p.projects)
			req.Channel.Delete(progressKey)
			subscribe(req.Channel, Activation)
		},
		onHeartbeat: func(ctx context.Context, hb Heartbeat) error {
			return activationHeartbeat(ctx, deps, hb)
		},
		logger: deps.Logger,
	}
}

func activationHeartbeat(ctx context.Context, deps Deps, hb Heartbeat) error {
	ids := trackedProjects(hb.Channel)
	if len(ids) == 0 {
		return nil
	}

	var (
		mu       sync.Mutex
		progress = make(map[int]int, len(ids))
		failures []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(deps.ActivationConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			url := upstream.Join(deps.UpstreamURL, fmt.Sprintf("/kg/projects/%d/activation", id))
			var body struct {
				Progress *float64 `json:"progress"`
			}
			err := deps.Fetcher.FetchJSON(gctx, url, hb.Credentials, &body)
			if err == nil && body.Progress == nil {
				err = errors.New("response has no progress")
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, fmt.Errorf("project %d: %w", id, err))
				return nil
			}
			progress[id] = int(*body.Progress)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	log := hb.Channel.Logger()
	for _, err := range failures {
		log.Debug().Err(err).Msg("activation status unavailable")
	}
	var fetchErr error
	if len(failures) > 0 {
		fetchErr = fmt.Errorf("fetching activation status: %w", errors.Join(failures...))
	}

	// Failed ids keep the progress last reported to the client. If one has
	// never been reported the tick is skipped rather than pushing a partial
	// map.
	last := lastProgress(hb.Channel)
	for _, id := range ids {
		if _, ok := progress[id]; ok {
			continue
		}
		p, ok := last[id]
		if !ok {
			return fetchErr
		}
		progress[id] = p
	}

	if _, err := pushIfChanged(hb.Channel, Activation, envelope.TypeActivation, progressPayload(progress)); err != nil {
		return err
	}

	done := make(map[int]struct{})
	for id, p := range progress {
		if p >= ActivationDone {
			done[id] = struct{}{}
		}
	}
	if len(done) == 0 {
		hb.Channel.Store(progressKey, progress)
		return fetchErr
	}
	if err := forgetCompleted(hb.Channel, done, progress); err != nil {
		return err
	}
	return fetchErr
}

// lastProgress returns the progress last reported to the channel.
func lastProgress(ch *channel.Channel) map[int]int {
	v, ok := ch.Load(progressKey)
	if !ok {
		return nil
	}
	m, _ := v.(map[int]int)
	return m
}

// forgetCompleted drops finished projects from tracking and re-baselines the
// fingerprint over what is left, so an unchanged remainder stays silent.
func forgetCompleted(ch *channel.Channel, done map[int]struct{}, progress map[int]int) error {
	var remaining []int
	ch.Update(projectsKey, func(old any, _ bool) any {
		ids, _ := old.([]int)
		for _, id := range ids {
			if _, ok := done[id]; !ok {
				remaining = append(remaining, id)
			}
		}
		if len(remaining) == 0 {
			return nil
		}
		return remaining
	})

	if len(remaining) == 0 {
		ch.Delete(fingerprintKey(Activation))
		ch.Delete(progressKey)
		ch.Deactivate(string(Activation))
		return nil
	}

	rest := make(map[int]int, len(remaining))
	for _, id := range remaining {
		if p, ok := progress[id]; ok {
			rest[id] = p
		}
	}
	ch.Store(progressKey, rest)
	return rebaseline(ch, Activation, progressPayload(rest))
}

func rebaseline(ch *channel.Channel, n Name, payload any) error {
	tok, err := fingerprint.Of(payload)
	if err != nil {
		return fmt.Errorf("fingerprinting %s: %w", n, err)
	}
	ch.Store(fingerprintKey(n), tok)
	return nil
}

func progressPayload(progress map[int]int) map[string]any {
	out := make(map[string]any, len(progress))
	for id, p := range progress {
		out[strconv.Itoa(id)] = p
	}
	return out
}
