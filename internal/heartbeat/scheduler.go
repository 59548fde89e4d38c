// Package heartbeat runs the periodic upstream checks of every live session
// channel.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gopkg.in/tomb.v2"

	"github.com/session-relay/backend/internal/auth"
	"github.com/session-relay/backend/internal/channel"
	"github.com/session-relay/backend/internal/envelope"
	"github.com/session-relay/backend/internal/topic"
)

// State is where a channel's loop currently is.
type State int32

const (
	Idle State = iota
	Authenticating
	Polling
	Scheduled
)

func (s State) String() string {
	switch s {
	case Authenticating:
		return "authenticating"
	case Polling:
		return "polling"
	case Scheduled:
		return "scheduled"
	}
	return "idle"
}

// Tick outcomes reported to the Observer.
const (
	OutcomeOK          = "ok"
	OutcomeAuthExpired = "auth_expired"
	OutcomeAuthInvalid = "auth_invalid"
	OutcomeAuthError   = "auth_error"
)

// Observer receives scheduler events, typically to feed metrics.
type Observer interface {
	Tick(outcome string)
	TopicResult(topic string, err error)
	Loops(running int)
}

type nopObserver struct{}

func (nopObserver) Tick(string)               {}
func (nopObserver) TopicResult(string, error) {}
func (nopObserver) Loops(int)                 {}

type Options struct {
	// Interval separates the end of one tick from the start of the next.
	Interval time.Duration
	// StartDelay postpones a new loop's first tick so setup instructions
	// can arrive first.
	StartDelay time.Duration
	// FailureThreshold is the failure count at which a topic is reported
	// degraded or failed.
	FailureThreshold int
	// Every polls the named topics only on every n-th tick. A topic a loop
	// has not polled yet runs on the next tick regardless.
	Every    map[topic.Name]int
	Clock    clock.Clock
	Logger   zerolog.Logger
	Observer Observer
}

type loop struct {
	ch    *channel.Channel
	tomb  tomb.Tomb
	state atomic.Int32
	// poked is set when a socket attaches while the loop is running, so
	// an auth failure in the same tick does not strand the new socket.
	poked bool

	// ticks and lastRun are only touched by the loop goroutine.
	ticks   int
	lastRun map[topic.Name]int
}

func (l *loop) setState(s State) { l.state.Store(int32(s)) }

// Scheduler owns one loop per live channel. It implements
// channel.Lifecycle: loops start on Attached and are killed on Destroyed.
type Scheduler struct {
	registry *channel.Registry
	topics   *topic.Set
	auth     auth.Authenticator
	opts     Options
	logger   zerolog.Logger

	mu      sync.Mutex
	loops   map[string]*loop
	stopped bool
	wg      sync.WaitGroup

	health map[topic.Name]*topicHealth
}

func New(registry *channel.Registry, topics *topic.Set, authenticator auth.Authenticator, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}

	s := &Scheduler{
		registry: registry,
		topics:   topics,
		auth:     authenticator,
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "heartbeat").Logger(),
		loops:    make(map[string]*loop),
		health:   make(map[topic.Name]*topicHealth),
	}
	for _, h := range topics.Polling() {
		s.health[h.Name()] = newTopicHealth()
	}
	return s
}

// Attached starts a loop for ch unless one is already running for it.
func (s *Scheduler) Attached(ch *channel.Channel, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	sid := ch.SessionID()
	if l, ok := s.loops[sid]; ok && l.ch == ch {
		l.poked = true
		return
	}

	l := &loop{ch: ch}
	s.loops[sid] = l
	s.wg.Add(1)
	l.tomb.Go(func() error {
		defer s.wg.Done()
		defer s.forget(l)
		return s.run(l)
	})
	s.opts.Observer.Loops(len(s.loops))
	s.logger.Debug().Str("session", channel.ShortID(sid)).Bool("new_channel", created).Msg("heartbeat loop started")
}

// Destroyed kills the loop of a channel that lost its last socket.
func (s *Scheduler) Destroyed(ch *channel.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sid := ch.SessionID()
	l, ok := s.loops[sid]
	if !ok || l.ch != ch {
		return
	}
	delete(s.loops, sid)
	l.tomb.Kill(nil)
	for _, h := range s.health {
		h.removeSession(sid)
	}
	s.opts.Observer.Loops(len(s.loops))
	s.logger.Debug().Str("session", channel.ShortID(sid)).Msg("heartbeat loop killed")
}

// forget drops l from the table if it is still the registered loop.
func (s *Scheduler) forget(l *loop) {
	l.setState(Idle)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.loops[l.ch.SessionID()]; ok && cur == l {
		delete(s.loops, l.ch.SessionID())
		s.opts.Observer.Loops(len(s.loops))
	}
}

// Stop kills every loop and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for sid, l := range s.loops {
		l.tomb.Kill(nil)
		delete(s.loops, sid)
	}
	s.opts.Observer.Loops(0)
	s.mu.Unlock()

	s.wg.Wait()
}

// State reports the loop state for sessionID. Sessions without a loop are Idle.
func (s *Scheduler) State(sessionID string) State {
	s.mu.Lock()
	l, ok := s.loops[sessionID]
	s.mu.Unlock()
	if !ok {
		return Idle
	}
	return State(l.state.Load())
}

// Running returns the number of live loops.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loops)
}

// Health reports per-topic health, sorted by topic.
func (s *Scheduler) Health() []TopicHealth {
	out := make([]TopicHealth, 0, len(s.health))
	for name, h := range s.health {
		out = append(out, h.snapshot(string(name), s.opts.FailureThreshold))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

func (s *Scheduler) run(l *loop) error {
	if !s.wait(l, s.opts.StartDelay) {
		return nil
	}
	for {
		if !s.tick(l) {
			return nil
		}
		if !s.wait(l, s.opts.Interval) {
			return nil
		}
	}
}

// wait sleeps for d on the scheduler clock. It returns false when the loop
// was killed meanwhile.
func (s *Scheduler) wait(l *loop, d time.Duration) bool {
	l.setState(Scheduled)
	if d <= 0 {
		select {
		case <-l.tomb.Dying():
			return false
		default:
			return true
		}
	}
	t := s.opts.Clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-l.tomb.Dying():
		return false
	case <-t.Chan():
		return true
	}
}

// tick runs one authenticate, poll and ping cycle. It returns false when the
// loop must end.
func (s *Scheduler) tick(l *loop) bool {
	ch := l.ch
	sid := ch.SessionID()
	log := ch.Logger()

	if cur, ok := s.registry.Get(sid); !ok || cur != ch {
		log.Debug().Msg("channel gone, ending heartbeat loop")
		return false
	}

	ctx := l.tomb.Context(nil)

	s.mu.Lock()
	l.poked = false
	s.mu.Unlock()

	l.setState(Authenticating)
	creds, err := s.auth.Credentials(ctx, sid)
	switch {
	case errors.Is(err, auth.ErrExpired), errors.Is(err, auth.ErrInvalid):
		expired := errors.Is(err, auth.ErrExpired)
		outcome := OutcomeAuthInvalid
		if expired {
			outcome = OutcomeAuthExpired
		}
		log.Info().Str("outcome", outcome).Msg("credentials unusable, ending heartbeat loop")
		ch.Broadcast(envelope.Authentication(expired, !expired))
		s.opts.Observer.Tick(outcome)
		return s.continueAfterAuthFailure(l)
	case err != nil:
		if ctx.Err() != nil {
			return false
		}
		log.Warn().Err(err).Msg("could not obtain credentials, skipping this tick")
		s.opts.Observer.Tick(OutcomeAuthError)
		ch.Broadcast(envelope.Error(fmt.Sprintf("Could not check upstream services: %v", err)))
		ch.Ping()
		return true
	}

	l.setState(Polling)
	s.poll(ctx, l, creds)
	if ctx.Err() != nil {
		return false
	}

	s.opts.Observer.Tick(OutcomeOK)
	ch.Ping()
	return true
}

// continueAfterAuthFailure ends the loop unless a socket attached during
// this tick, in which case that socket gets a tick of its own.
func (s *Scheduler) continueAfterAuthFailure(l *loop) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.poked {
		l.poked = false
		return true
	}
	if cur, ok := s.loops[l.ch.SessionID()]; ok && cur == l {
		delete(s.loops, l.ch.SessionID())
		s.opts.Observer.Loops(len(s.loops))
	}
	return false
}

// poll runs every subscribed polling topic concurrently. A failing or
// panicking topic never affects the others.
func (s *Scheduler) poll(ctx context.Context, l *loop, creds http.Header) {
	ch := l.ch
	hb := topic.Heartbeat{Channel: ch, Credentials: creds}

	l.ticks++
	var g errgroup.Group
	for _, h := range s.topics.Polling() {
		if !ch.IsActive(string(h.Name())) || !s.due(l, h.Name()) {
			continue
		}
		g.Go(func() error {
			s.runTopic(ctx, h, hb)
			return nil
		})
	}
	_ = g.Wait()
}

// due reports whether topic n runs on the current tick of l and records
// the run.
func (s *Scheduler) due(l *loop, n topic.Name) bool {
	if l.lastRun == nil {
		l.lastRun = make(map[topic.Name]int)
	}
	last, seen := l.lastRun[n]
	if every := s.opts.Every[n]; seen && every > 1 && l.ticks-last < every {
		return false
	}
	l.lastRun[n] = l.ticks
	return true
}

func (s *Scheduler) runTopic(ctx context.Context, h topic.Handler, hb topic.Heartbeat) {
	name := h.Name()
	sid := hb.Channel.SessionID()
	th := s.health[name]
	log := hb.Channel.Logger().With().Str("topic", string(name)).Logger()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in %s heartbeat: %v", name, r)
			log.Error().Err(err).Str("stack", string(debug.Stack())).Msg("topic heartbeat panicked")
			th.recordPanic(ctx, sid, err, s.opts.Clock.Now())
			s.opts.Observer.TopicResult(string(name), err)
		}
	}()

	err := h.Heartbeat(ctx, hb)
	if err != nil && ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Warn().Err(err).Msg("topic heartbeat failed")
		th.recordFailure(ctx, sid, err, s.opts.Clock.Now())
	} else {
		th.recordSuccess(sid)
	}
	s.opts.Observer.TopicResult(string(name), err)
}
