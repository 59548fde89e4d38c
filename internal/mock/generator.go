// Package mock is an in-process fake of the upstream services the relay
// polls. Its state evolves on every step so clients see real changes.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/session-relay/backend/internal/session"
)

type mockSession struct {
	state session.SessionV2
	// pattern drives how the session moves through its lifecycle.
	pattern      string
	readyAt      int
	transitionAt int
}

// Generator owns the fake upstream state and advances it on a clock.
type Generator struct {
	store    *session.Store
	clock    clock.Clock
	interval time.Duration
	logger   zerolog.Logger
	token    string

	mu         sync.Mutex
	tick       int
	sessions   []*mockSession
	activation map[int]float64
}

type Option func(*Generator)

func WithClock(c clock.Clock) Option {
	return func(g *Generator) { g.clock = c }
}

func WithInterval(d time.Duration) Option {
	return func(g *Generator) { g.interval = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// WithToken makes the fake API answer 401 unless requests carry the bearer
// token.
func WithToken(token string) Option {
	return func(g *Generator) { g.token = token }
}

func NewGenerator(store *session.Store, opts ...Option) *Generator {
	g := &Generator{
		store:      store,
		clock:      clock.WallClock,
		interval:   2 * time.Second,
		logger:     zerolog.Nop(),
		activation: make(map[int]float64),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.seed()
	return g
}

func (g *Generator) seed() {
	now := g.clock.Now().UTC()
	defs := []struct {
		name, project, image, pattern string
		readyAt, transitionAt         int
		cpu, memory                   float64
		gpu                           int
	}{
		{"analysis-7f3a", "1", "renku/py3:2.1", "steady", 2, 0, 0.5, 1, 0},
		{"notebook-b21c", "2", "renku/r:4.3", "hibernate", 3, 12, 1, 2, 0},
		{"training-c90d", "3", "renku/cuda:12", "flaky", 4, 9, 4, 16, 1},
		{"dashboard-e44f", "2", "renku/py3:2.1", "steady", 1, 0, 0.25, 0.5, 0},
	}

	for i, d := range defs {
		started := now
		ms := &mockSession{
			pattern:      d.pattern,
			readyAt:      d.readyAt,
			transitionAt: d.transitionAt,
			state: session.SessionV2{
				Name:            d.name,
				Image:           d.image,
				URL:             fmt.Sprintf("https://renku.example.org/sessions/%s", d.name),
				ProjectID:       d.project,
				LauncherID:      fmt.Sprintf("launcher-%d", i+1),
				ResourceClassID: i%2 + 1,
				Started:         &started,
				Status: session.Status{
					State:           session.Starting,
					TotalContainers: 2,
				},
				Resources: session.Resources{Requests: &session.Requests{
					CPU: d.cpu, Memory: d.memory, Storage: 1, GPU: d.gpu,
				}},
			},
		}
		g.sessions = append(g.sessions, ms)
		g.store.Update(ms.state)
	}
}

// Start advances the fake state every interval until ctx is done.
func (g *Generator) Start(ctx context.Context) {
	go g.run(ctx)
}

func (g *Generator) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.clock.After(g.interval):
			g.Step()
		}
	}
}

// Step advances every session and every tracked activation by one tick.
func (g *Generator) Step() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.tick++
	now := g.clock.Now().UTC()
	for _, ms := range g.sessions {
		g.advance(ms, now)
		g.store.Update(ms.state)
	}
	for id, p := range g.activation {
		if p < 100 {
			g.activation[id] = min(100, p+25)
		}
	}
	g.logger.Debug().Int("tick", g.tick).Int("active", g.store.ActiveCount()).Msg("mock upstream advanced")
}

func (g *Generator) advance(ms *mockSession, now time.Time) {
	st := &ms.state.Status

	if st.State == session.Starting {
		if st.ReadyContainers < st.TotalContainers {
			st.ReadyContainers++
		}
		if g.tick >= ms.readyAt {
			st.State = session.Running
			st.ReadyContainers = st.TotalContainers
			st.Message = ""
		}
		return
	}

	switch ms.pattern {
	case "steady":
		if g.tick%3 == 0 {
			t := now
			ms.state.LastInteraction = &t
		}
	case "hibernate":
		if st.State == session.Running && g.tick >= ms.transitionAt {
			st.State = session.Hibernated
			st.ReadyContainers = 0
			st.Message = "Session hibernated after inactivity"
			hibernated := now
			st.WillDeleteAt = &hibernated
		}
	case "flaky":
		switch {
		case st.State == session.Running && g.tick%ms.transitionAt == 0:
			st.State = session.Failed
			st.ReadyContainers = 1
			st.Message = "Container exited with code 137"
		case st.State == session.Failed:
			st.State = session.Starting
			st.ReadyContainers = 0
			st.Message = "Restarting"
			ms.readyAt = g.tick + 2
		}
	}
}

// Tick reports how many steps ran.
func (g *Generator) Tick() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tick
}

// activationProgress returns the progress of project id, tracking it from
// zero on first sight.
func (g *Generator) activationProgress(id int) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.activation[id]
	if !ok {
		g.activation[id] = 0
	}
	return p
}
