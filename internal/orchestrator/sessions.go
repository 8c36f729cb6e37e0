package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"fathom/internal/core"
	"fathom/internal/cost"
)

// ErrSessionComplete is returned when a finished session is advanced again.
var ErrSessionComplete = errors.New("session already complete")

// SessionStore is the in-memory session registry. Sessions are not evicted
// automatically; Prune removes expired ones on demand.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionStore creates an empty registry.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

func (s *SessionStore) create(orch *Orchestrator, state *core.ResearchState) *Session {
	session := &Session{
		orch:      orch,
		state:     state,
		tracker:   cost.NewTracker(),
		createdAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.sessions[state.SessionID] = session
	s.mu.Unlock()
	return session
}

// Get looks up a session by id.
func (s *SessionStore) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	return session, ok
}

// Len reports the number of registered sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Prune removes sessions older than maxAge and returns how many were dropped.
func (s *SessionStore) Prune(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	cutoff := time.Now().UTC().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for id, session := range s.sessions {
		if session.createdAt.Before(cutoff) {
			delete(s.sessions, id)
			dropped++
		}
	}
	return dropped
}

// Session is an interactive handle over one research run. All methods are
// safe for concurrent use, but the pipeline itself runs one phase at a time.
type Session struct {
	mu            sync.Mutex
	orch          *Orchestrator
	state         *core.ResearchState
	tracker       *cost.Tracker
	checkpoint    *core.ResearchCheckpoint
	checkpointNum int
	pendingQuery  []core.ExpandedQuery
	result        *core.ResearchResult
	err           error
	createdAt     time.Time
}

// ID returns the session id.
func (s *Session) ID() string { return s.state.SessionID }

// CurrentState returns the live state record. Callers must treat it as
// read-only while the pipeline is advancing.
func (s *Session) CurrentState() *core.ResearchState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsComplete reports whether the session reached a terminal phase.
func (s *Session) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Phase.IsTerminal()
}

// Result returns the final result and error once the session finished.
func (s *Session) Result() (*core.ResearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.err
}

// Checkpoint returns the latest phase-boundary snapshot, creating one from
// the current state when none was taken yet.
func (s *Session) Checkpoint() *core.ResearchCheckpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkpoint == nil {
		s.checkpointNum++
		s.checkpoint = core.NewCheckpoint(s.state, s.checkpointNum)
	}
	return s.checkpoint
}

// AddQuery schedules a user-supplied search query for the next iteration.
func (s *Session) AddQuery(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingQuery = append(s.pendingQuery, core.ExpandedQuery{
		Text:     text,
		Intent:   "user-requested follow-up",
		Priority: 1,
		Type:     core.SearchTypeWeb,
	})
}

// Continue runs exactly one Plan through Evaluate iteration, consuming any
// queued user queries. It does not generate the report; call Finalize.
func (s *Session) Continue(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Phase.IsTerminal() {
		s.mu.Unlock()
		return ErrSessionComplete
	}
	extra := s.pendingQuery
	s.pendingQuery = nil
	s.mu.Unlock()

	if err := s.orch.runIteration(ctx, s.state, s.tracker, extra, nil, s.storeCheckpoint); err != nil {
		err = s.orch.fail(s.state, nil, err)
		s.finish(nil, err)
		return err
	}
	return nil
}

// Finalize generates the report from the current state and completes the
// session.
func (s *Session) Finalize(ctx context.Context) (*core.ResearchResult, error) {
	s.mu.Lock()
	if s.state.Phase.IsTerminal() {
		result, err := s.result, s.err
		s.mu.Unlock()
		if result != nil {
			return result, nil
		}
		if err == nil {
			err = ErrSessionComplete
		}
		return nil, err
	}
	s.mu.Unlock()

	result, err := s.orch.generateReport(ctx, s.state, s.tracker, nil, s.storeCheckpoint)
	if err != nil {
		err = s.orch.fail(s.state, nil, err)
		s.finish(nil, err)
		return nil, err
	}
	s.finish(result, nil)
	return result, nil
}

// runToCompletion drives the remaining loop then finalizes.
func (s *Session) runToCompletion(ctx context.Context) (*core.ResearchResult, error) {
	for {
		s.mu.Lock()
		terminal := s.state.Phase.IsTerminal()
		done := terminal || s.state.CurrentIteration >= s.state.Request.MaxIterations || s.orch.shouldReport(s.state)
		s.mu.Unlock()
		if done {
			break
		}
		if err := s.Continue(ctx); err != nil {
			return nil, err
		}
	}
	return s.Finalize(ctx)
}

// storeCheckpoint snapshots state at a phase boundary.
func (s *Session) storeCheckpoint(state *core.ResearchState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpointNum++
	s.checkpoint = core.NewCheckpoint(state, s.checkpointNum)
}

func (s *Session) finish(result *core.ResearchResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = result
	s.err = err
}
