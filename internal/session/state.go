// Package session models the compute sessions reported by the upstream
// notebooks and data services.
package session

import (
	"encoding/json"
	"sort"
	"time"
)

type State int

const (
	Unknown State = iota
	Starting
	Running
	Stopping
	Hibernated
	Failed
)

var stateNames = map[State]string{
	Unknown:    "unknown",
	Starting:   "starting",
	Running:    "running",
	Stopping:   "stopping",
	Hibernated: "hibernated",
	Failed:     "failed",
}

var stateFromName = map[string]State{
	"starting":   Starting,
	"running":    Running,
	"stopping":   Stopping,
	"hibernated": Hibernated,
	"failed":     Failed,
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := stateFromName[n]; ok {
		*s = v
	} else {
		*s = Unknown
	}
	return nil
}

// IsTerminal reports whether the session will not change without user action.
func (s State) IsTerminal() bool {
	return s == Hibernated || s == Failed
}

// Status is the lifecycle block shared by both API generations.
type Status struct {
	State           State      `json:"state"`
	Message         string     `json:"message,omitempty"`
	ReadyContainers int        `json:"ready_containers"`
	TotalContainers int        `json:"total_containers"`
	WillHibernateAt *time.Time `json:"will_hibernate_at,omitempty"`
	WillDeleteAt    *time.Time `json:"will_delete_at,omitempty"`
}

// Requests are the resources a session asked for. CPU is fractional cores,
// memory and storage are gigabytes.
type Requests struct {
	CPU     float64 `json:"cpu,omitempty"`
	Memory  float64 `json:"memory,omitempty"`
	Storage float64 `json:"storage,omitempty"`
	GPU     int     `json:"gpu,omitempty"`
}

type Resources struct {
	Requests *Requests `json:"requests,omitempty"`
}

// Server is one entry of the legacy notebooks servers listing.
type Server struct {
	Name        string            `json:"name"`
	Annotations map[string]string `json:"annotations,omitempty"`
	Image       string            `json:"image,omitempty"`
	URL         string            `json:"url,omitempty"`
	Started     *time.Time        `json:"started,omitempty"`
	Status      Status            `json:"status"`
	Resources   Resources         `json:"resources"`
}

// Servers is the legacy listing body, keyed by server name.
type Servers struct {
	Servers map[string]Server `json:"servers"`
}

// SessionV2 is one entry of the data service sessions listing.
type SessionV2 struct {
	Name            string     `json:"name"`
	Image           string     `json:"image"`
	URL             string     `json:"url,omitempty"`
	ProjectID       string     `json:"project_id"`
	LauncherID      string     `json:"launcher_id"`
	ResourceClassID int        `json:"resource_class_id"`
	Started         *time.Time `json:"started,omitempty"`
	LastInteraction *time.Time `json:"lastInteraction,omitempty"`
	Status          Status     `json:"status"`
	Resources       Resources  `json:"resources"`
}

// Clone returns a deep copy, duplicating pointer fields so the copy can be
// mutated independently of the original.
func (s SessionV2) Clone() SessionV2 {
	s.Started = cloneTime(s.Started)
	s.LastInteraction = cloneTime(s.LastInteraction)
	s.Status.WillHibernateAt = cloneTime(s.Status.WillHibernateAt)
	s.Status.WillDeleteAt = cloneTime(s.Status.WillDeleteAt)
	if s.Resources.Requests != nil {
		r := *s.Resources.Requests
		s.Resources.Requests = &r
	}
	return s
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// SortByName orders sessions by name in place and returns them.
func SortByName(sessions []SessionV2) []SessionV2 {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].Name < sessions[j].Name
	})
	return sessions
}
