package session

import (
	"fmt"
	"sync"
	"testing"
)

func TestNewStore(t *testing.T) {
	s := NewStore()
	if got := len(s.GetAll()); got != 0 {
		t.Errorf("new store has %d sessions, want 0", got)
	}
	if got := s.ActiveCount(); got != 0 {
		t.Errorf("new store ActiveCount() = %d, want 0", got)
	}
}

func TestGetMissing(t *testing.T) {
	s := NewStore()
	if _, ok := s.Get("nonexistent"); ok {
		t.Error("Get for missing key returned ok=true")
	}
}

func TestUpdateAndGet(t *testing.T) {
	s := NewStore()
	s.Update(SessionV2{Name: "alpha", Status: Status{State: Running}})

	st, ok := s.Get("alpha")
	if !ok {
		t.Fatal("Get returned ok=false after Update")
	}
	if st.Name != "alpha" || st.Status.State != Running {
		t.Errorf("Get returned unexpected state: %+v", st)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore()
	s.Update(SessionV2{Name: "a", Resources: Resources{Requests: &Requests{CPU: 1}}})

	got, _ := s.Get("a")
	got.Resources.Requests.CPU = 8

	got2, _ := s.Get("a")
	if got2.Resources.Requests.CPU != 1 {
		t.Error("Get did not return a copy; mutation leaked into store")
	}
}

func TestGetAllSorted(t *testing.T) {
	s := NewStore()
	for _, n := range []string{"zeta", "alpha", "mid"} {
		s.Update(SessionV2{Name: n})
	}

	all := s.GetAll()
	if len(all) != 3 {
		t.Fatalf("GetAll() returned %d sessions, want 3", len(all))
	}
	if all[0].Name != "alpha" || all[2].Name != "zeta" {
		t.Errorf("GetAll() not sorted: %v, %v, %v", all[0].Name, all[1].Name, all[2].Name)
	}
}

func TestRemove(t *testing.T) {
	s := NewStore()
	s.Update(SessionV2{Name: "a"})
	s.Remove("a")
	s.Remove("never-there")

	if _, ok := s.Get("a"); ok {
		t.Error("session still present after Remove")
	}
}

func TestActiveCount(t *testing.T) {
	s := NewStore()
	s.Update(SessionV2{Name: "a", Status: Status{State: Running}})
	s.Update(SessionV2{Name: "b", Status: Status{State: Starting}})
	s.Update(SessionV2{Name: "c", Status: Status{State: Hibernated}})
	s.Update(SessionV2{Name: "d", Status: Status{State: Failed}})

	if got := s.ActiveCount(); got != 2 {
		t.Errorf("ActiveCount() = %d, want 2", got)
	}
}

func TestServersShape(t *testing.T) {
	s := NewStore()
	s.Update(SessionV2{Name: "a", ProjectID: "p1", Status: Status{State: Running}})

	servers := s.Servers().Servers
	srv, ok := servers["a"]
	if !ok {
		t.Fatal("server a missing from legacy listing")
	}
	if srv.Annotations["projectId"] != "p1" || srv.Status.State != Running {
		t.Errorf("unexpected server: %+v", srv)
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("s-%d", i%10)
			s.Update(SessionV2{Name: name, Status: Status{State: Running}})
			s.Get(name)
			s.GetAll()
			s.ActiveCount()
		}(i)
	}
	wg.Wait()

	if got := len(s.GetAll()); got != 10 {
		t.Errorf("GetAll() returned %d sessions, want 10", got)
	}
}
