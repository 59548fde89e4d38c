package heartbeat

import (
	"context"
	"sync"
	"time"
)

type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusFailed   HealthStatus = "failed"
)

// TopicHealth is the reported health of one polling topic across all
// channels.
type TopicHealth struct {
	Topic               string       `json:"topic"`
	Status              HealthStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	DegradedSessions    int          `json:"degradedSessions"`
	TotalFailures       int          `json:"totalFailures"`
	Panics              int          `json:"panics"`
	LastError           string       `json:"lastError,omitempty"`
	LastFailure         *time.Time   `json:"lastFailure,omitempty"`
}

// topicHealth tracks failure counts for a single topic. Heartbeats of many
// channels write it concurrently while the health endpoint reads it.
type topicHealth struct {
	mu                  sync.Mutex
	consecutiveFailures int
	totalFailures       int
	panics              int
	lastErr             string
	lastFail            time.Time
	sessionFailures     map[string]int
}

func newTopicHealth() *topicHealth {
	return &topicHealth{sessionFailures: make(map[string]int)}
}

func (h *topicHealth) recordSuccess(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFailures = 0
	delete(h.sessionFailures, sessionID)
}

// recordFailure counts a failed heartbeat of sessionID. Failures reported
// once ctx is cancelled are dropped, so a torn-down session leaves no entry.
func (h *topicHealth) recordFailure(ctx context.Context, sessionID string, err error, now time.Time) {
	h.record(ctx, sessionID, err, now, false)
}

// recordPanic counts a recovered panic as a failure as well.
func (h *topicHealth) recordPanic(ctx context.Context, sessionID string, err error, now time.Time) {
	h.record(ctx, sessionID, err, now, true)
}

func (h *topicHealth) record(ctx context.Context, sessionID string, err error, now time.Time, panicked bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	h.consecutiveFailures++
	h.totalFailures++
	h.sessionFailures[sessionID]++
	h.lastErr = err.Error()
	h.lastFail = now
	if panicked {
		h.panics++
	}
}

// removeSession forgets the failures of a torn-down channel.
func (h *topicHealth) removeSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessionFailures, sessionID)
}

func (h *topicHealth) snapshot(topic string, threshold int) TopicHealth {
	h.mu.Lock()
	defer h.mu.Unlock()

	degraded := 0
	for _, n := range h.sessionFailures {
		if n >= threshold {
			degraded++
		}
	}

	th := TopicHealth{
		Topic:               topic,
		Status:              StatusHealthy,
		ConsecutiveFailures: h.consecutiveFailures,
		DegradedSessions:    degraded,
		TotalFailures:       h.totalFailures,
		Panics:              h.panics,
		LastError:           h.lastErr,
	}
	switch {
	case h.consecutiveFailures >= threshold:
		th.Status = StatusFailed
	case degraded > 0:
		th.Status = StatusDegraded
	}
	if !h.lastFail.IsZero() {
		t := h.lastFail
		th.LastFailure = &t
	}
	return th
}
