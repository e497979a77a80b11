package engine

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ajsinha/dgfacade/pkg/models"
)

// Phase is the lifecycle position of one execution unit.
type Phase string

const (
	PhaseCreated      Phase = "CREATED"
	PhaseConstructing Phase = "CONSTRUCTING"
	PhaseStarted      Phase = "STARTED"
	PhaseExecuting    Phase = "EXECUTING"
	PhaseStreaming    Phase = "STREAMING"
	PhaseStopping     Phase = "STOPPING"
	PhaseStopped      Phase = "STOPPED"
	PhaseFailed       Phase = "FAILED"
	PhaseTimedOut     Phase = "TIMED_OUT"
)

// Terminal reports whether the phase is an exit state.
func (p Phase) Terminal() bool {
	return p == PhaseStopped || p == PhaseFailed || p == PhaseTimedOut
}

// HandlerState captures one execution for later inspection. Mutated only by
// the owning execution unit; external readers take Snapshot copies.
type HandlerState struct {
	mu sync.RWMutex

	RequestID        string          `json:"request_id"`
	RequestType      string          `json:"request_type"`
	HandlerClass     string          `json:"handler_class"`
	Phase            Phase           `json:"phase"`
	StartedAt        time.Time       `json:"started_at"`
	CompletedAt      time.Time       `json:"completed_at,omitempty"`
	Success          bool            `json:"success"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	ExceptionStack   string          `json:"exception_stack,omitempty"`
	ResponseSnapshot json.RawMessage `json:"response_snapshot,omitempty"`
}

func newHandlerState(requestID, requestType, handlerClass string) *HandlerState {
	return &HandlerState{
		RequestID:    requestID,
		RequestType:  requestType,
		HandlerClass: handlerClass,
		Phase:        PhaseCreated,
		StartedAt:    time.Now(),
	}
}

// setPhase advances the lifecycle marker.
func (s *HandlerState) setPhase(p Phase) {
	s.mu.Lock()
	s.Phase = p
	s.mu.Unlock()
}

// finish records the terminal phase and outcome.
func (s *HandlerState) finish(p Phase, errMsg, stack string) {
	s.mu.Lock()
	s.Phase = p
	s.CompletedAt = time.Now()
	s.Success = p == PhaseStopped && errMsg == ""
	s.ErrorMessage = errMsg
	s.ExceptionStack = stack
	s.mu.Unlock()
}

// snapshotResponse stores the completed Response's JSON form.
func (s *HandlerState) snapshotResponse(resp *models.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.ResponseSnapshot = data
	s.mu.Unlock()
}

// Snapshot returns a copy safe for concurrent readers.
func (s *HandlerState) Snapshot() HandlerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return HandlerState{
		RequestID:        s.RequestID,
		RequestType:      s.RequestType,
		HandlerClass:     s.HandlerClass,
		Phase:            s.Phase,
		StartedAt:        s.StartedAt,
		CompletedAt:      s.CompletedAt,
		Success:          s.Success,
		ErrorMessage:     s.ErrorMessage,
		ExceptionStack:   s.ExceptionStack,
		ResponseSnapshot: s.ResponseSnapshot,
	}
}

// StateRing is the bounded buffer of recent execution states. Writes come
// from execution units as they are created; reads are concurrent snapshots.
type StateRing struct {
	mu     sync.RWMutex
	states []*HandlerState
	next   int
	filled bool
}

// NewStateRing creates a ring holding the most recent size entries.
func NewStateRing(size int) *StateRing {
	if size <= 0 {
		size = 1
	}
	return &StateRing{states: make([]*HandlerState, size)}
}

// Add appends a state, evicting the oldest when full.
func (r *StateRing) Add(s *HandlerState) {
	r.mu.Lock()
	r.states[r.next] = s
	r.next++
	if r.next == len(r.states) {
		r.next = 0
		r.filled = true
	}
	r.mu.Unlock()
}

// Snapshot returns copies of the retained states, newest first.
func (r *StateRing) Snapshot() []HandlerState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := len(r.states)
	count := r.next
	if r.filled {
		count = size
	}

	out := make([]HandlerState, 0, count)
	for i := 1; i <= count; i++ {
		idx := (r.next - i + size) % size
		if r.states[idx] != nil {
			out = append(out, r.states[idx].Snapshot())
		}
	}
	return out
}

// Get finds the retained state for a request id.
func (r *StateRing) Get(requestID string) (HandlerState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.states {
		if s != nil && s.RequestID == requestID {
			return s.Snapshot(), true
		}
	}
	return HandlerState{}, false
}

// Len returns the number of retained states.
func (r *StateRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.filled {
		return len(r.states)
	}
	return r.next
}
