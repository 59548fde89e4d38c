package mock

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/session-relay/backend/internal/session"
	"github.com/session-relay/backend/internal/upstream"
)

func newTestGenerator(t *testing.T, opts ...Option) (*Generator, *session.Store, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	store := session.NewStore()
	gen := NewGenerator(store, append([]Option{WithClock(clk), WithInterval(time.Second)}, opts...)...)
	return gen, store, clk
}

func stateOf(t *testing.T, store *session.Store, name string) session.State {
	t.Helper()
	st, ok := store.Get(name)
	if !ok {
		t.Fatalf("session %s missing", name)
	}
	return st.Status.State
}

func TestGeneratorSeedsStartingSessions(t *testing.T) {
	gen, store, _ := newTestGenerator(t)

	all := store.GetAll()
	if len(all) != len(gen.sessions) {
		t.Fatalf("store has %d sessions, want %d", len(all), len(gen.sessions))
	}
	for _, st := range all {
		if st.Status.State != session.Starting {
			t.Errorf("%s: state %s, want starting", st.Name, st.Status.State)
		}
		if st.Resources.Requests == nil {
			t.Errorf("%s: missing resource requests", st.Name)
		}
	}
	if got := store.ActiveCount(); got != len(all) {
		t.Errorf("ActiveCount() = %d, want %d", got, len(all))
	}
}

func TestGeneratorLifecycle(t *testing.T) {
	gen, store, _ := newTestGenerator(t)

	gen.Step()
	if got := stateOf(t, store, "dashboard-e44f"); got != session.Running {
		t.Errorf("dashboard after 1 step: %s, want running", got)
	}
	if got := stateOf(t, store, "analysis-7f3a"); got != session.Starting {
		t.Errorf("analysis after 1 step: %s, want starting", got)
	}

	for gen.Tick() < 9 {
		gen.Step()
	}
	if got := stateOf(t, store, "training-c90d"); got != session.Failed {
		t.Errorf("training at tick 9: %s, want failed", got)
	}
	gen.Step()
	if got := stateOf(t, store, "training-c90d"); got != session.Starting {
		t.Errorf("training at tick 10: %s, want starting", got)
	}

	for gen.Tick() < 12 {
		gen.Step()
	}
	if got := stateOf(t, store, "notebook-b21c"); got != session.Hibernated {
		t.Errorf("notebook at tick 12: %s, want hibernated", got)
	}
	if got := stateOf(t, store, "training-c90d"); got != session.Running {
		t.Errorf("training at tick 12: %s, want running again", got)
	}
	if got := store.ActiveCount(); got != 3 {
		t.Errorf("ActiveCount() = %d, want 3", got)
	}
}

func TestGeneratorStartStepsOnClock(t *testing.T) {
	gen, _, clk := newTestGenerator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gen.Start(ctx)
	for i := 1; i <= 2; i++ {
		if err := clk.WaitAdvance(time.Second, time.Second, 1); err != nil {
			t.Fatal(err)
		}
		deadline := time.Now().Add(2 * time.Second)
		for gen.Tick() < i && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if gen.Tick() != i {
			t.Fatalf("Tick() = %d, want %d", gen.Tick(), i)
		}
	}
}

func TestHandlerSessions(t *testing.T) {
	gen, _, _ := newTestGenerator(t)
	srv := httptest.NewServer(gen.Handler())
	defer srv.Close()
	client := upstream.NewClient(time.Second)

	var list []session.SessionV2
	if err := client.FetchJSON(context.Background(), srv.URL+"/data/sessions", nil, &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 4 {
		t.Fatalf("got %d sessions, want 4", len(list))
	}
	if list[0].Name != "analysis-7f3a" {
		t.Errorf("first session %q, want sorted by name", list[0].Name)
	}

	var servers session.Servers
	if err := client.FetchJSON(context.Background(), srv.URL+"/notebooks/servers", nil, &servers); err != nil {
		t.Fatal(err)
	}
	nb, ok := servers.Servers["notebook-b21c"]
	if !ok {
		t.Fatal("notebook-b21c missing from servers listing")
	}
	if nb.Annotations["projectId"] != "2" {
		t.Errorf("projectId annotation = %q, want 2", nb.Annotations["projectId"])
	}
}

func TestHandlerActivation(t *testing.T) {
	gen, _, _ := newTestGenerator(t)
	srv := httptest.NewServer(gen.Handler())
	defer srv.Close()
	client := upstream.NewClient(time.Second)

	progress := func(id string) float64 {
		t.Helper()
		var body struct {
			Progress float64 `json:"progress"`
		}
		if err := client.FetchJSON(context.Background(), srv.URL+"/kg/projects/"+id+"/activation", nil, &body); err != nil {
			t.Fatal(err)
		}
		return body.Progress
	}

	if got := progress("7"); got != 0 {
		t.Fatalf("first progress = %v, want 0", got)
	}
	gen.Step()
	if got := progress("7"); got != 25 {
		t.Fatalf("progress after one step = %v, want 25", got)
	}
	for i := 0; i < 5; i++ {
		gen.Step()
	}
	if got := progress("7"); got != 100 {
		t.Fatalf("progress = %v, want capped at 100", got)
	}

	err := client.FetchJSON(context.Background(), srv.URL+"/kg/projects/5000/activation", nil, &struct{}{})
	if !upstream.IsStatus(err, http.StatusNotFound) {
		t.Errorf("unknown project: err = %v, want 404", err)
	}
	err = client.FetchJSON(context.Background(), srv.URL+"/kg/projects/abc/activation", nil, &struct{}{})
	if !upstream.IsStatus(err, http.StatusBadRequest) {
		t.Errorf("bad id: err = %v, want 400", err)
	}
}

func TestHandlerPrometheusQuery(t *testing.T) {
	gen, _, _ := newTestGenerator(t)
	srv := httptest.NewServer(gen.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/prometheus/api/v1/query?query=up")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		Status string `json:"status"`
		Data   struct {
			Result []struct {
				Value []any `json:"value"`
			} `json:"result"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "success" || len(body.Data.Result) != 1 {
		t.Fatalf("unexpected body %+v", body)
	}
	if got := body.Data.Result[0].Value[1]; got != "4" {
		t.Errorf("value = %v, want 4 active sessions", got)
	}

	missing, err := http.Get(srv.URL + "/prometheus/api/v1/query")
	if err != nil {
		t.Fatal(err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusBadRequest {
		t.Errorf("missing query: status %d, want 400", missing.StatusCode)
	}
}

func TestHandlerToken(t *testing.T) {
	gen, _, _ := newTestGenerator(t, WithToken("s3cret"))
	srv := httptest.NewServer(gen.Handler())
	defer srv.Close()
	client := upstream.NewClient(time.Second)

	var list []session.SessionV2
	err := client.FetchJSON(context.Background(), srv.URL+"/data/sessions", nil, &list)
	if !upstream.IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("without token: err = %v, want 401", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer s3cret")
	if err := client.FetchJSON(context.Background(), srv.URL+"/data/sessions", header, &list); err != nil {
		t.Fatalf("with token: %v", err)
	}
}
