// internal/syncer/state.go
package syncer

import (
	"sync"
	"time"
)

const (
	PhaseIdle  = "idle"
	PhaseError = "error"
)

// Snapshot is the operator-facing view of the current or last sync.
type Snapshot struct {
	InProgress bool       `json:"in_progress"`
	Phase      string     `json:"phase,omitempty"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	LastError  *string    `json:"last_error"`
	Progress   *float64   `json:"progress"`
}

// State tracks sync progress. It is safe for concurrent use.
type State struct {
	mu   sync.Mutex
	snap Snapshot
	now  func() time.Time
}

func NewState() *State {
	return &State{now: time.Now}
}

func (s *State) Start(phase string) {
	now := s.now().UTC()
	progress := 0.0
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = Snapshot{
		InProgress: true,
		Phase:      phase,
		StartedAt:  &now,
		Progress:   &progress,
	}
}

// SetProgress records p, clamped to [0, 100], while a sync is running.
func (s *State) SetProgress(p float64) {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.snap.InProgress {
		return
	}
	s.snap.Progress = &p
}

func (s *State) Complete(err error) {
	now := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.InProgress = false
	s.snap.FinishedAt = &now
	if err != nil {
		msg := err.Error()
		s.snap.Phase = PhaseError
		s.snap.LastError = &msg
		s.snap.Progress = nil
		return
	}
	done := 100.0
	s.snap.Phase = PhaseIdle
	s.snap.LastError = nil
	s.snap.Progress = &done
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}
