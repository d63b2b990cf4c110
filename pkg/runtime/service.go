// Package runtime is the service facade over the execution graph: per-thread
// turn serialization, ingress sanitation, thread lifecycle, and quarantine of
// corrupt snapshots.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/crozzbite/phylactery/pkg/audit"
	"github.com/crozzbite/phylactery/pkg/dlp"
	"github.com/crozzbite/phylactery/pkg/graph"
	"github.com/crozzbite/phylactery/pkg/state"
)

var (
	// ErrThreadCancelled reports an invoke on a cancelled thread.
	ErrThreadCancelled = errors.New("runtime: thread cancelled")
	// ErrThreadQuarantined reports an invoke on a thread whose snapshot
	// failed validation. Only administrative delete clears it.
	ErrThreadQuarantined = errors.New("runtime: thread quarantined")
)

// Evictor is the slice of the eviction store the service needs for thread
// deletion.
type Evictor interface {
	DeleteThread(threadID string) error
}

// TurnTracker opens per-turn instrumentation (a span, a timer) and returns a
// possibly-derived context plus a closer invoked with the turn's error.
type TurnTracker func(ctx context.Context, threadID string) (context.Context, func(error))

// Service exposes the runtime to callers: one logical serial execution per
// thread id, parallel across threads.
type Service struct {
	rt      *graph.Runtime
	store   state.Store
	scanner *dlp.Scanner
	evictor Evictor
	rec     audit.Recorder
	track   TurnTracker
	log     *slog.Logger

	mu          sync.Mutex
	threadLocks map[string]*sync.Mutex
	quarantined map[string]bool
}

// ServiceOption adjusts service construction.
type ServiceOption func(*Service)

// WithTurnTracker instruments every executed turn.
func WithTurnTracker(track TurnTracker) ServiceOption {
	return func(s *Service) { s.track = track }
}

// NewService wires the facade.
func NewService(rt *graph.Runtime, store state.Store, scanner *dlp.Scanner, evictor Evictor, rec audit.Recorder, opts ...ServiceOption) *Service {
	s := &Service{
		rt:          rt,
		store:       store,
		scanner:     scanner,
		evictor:     evictor,
		rec:         rec,
		log:         slog.Default().With("component", "runtime"),
		threadLocks: make(map[string]*sync.Mutex),
		quarantined: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) lock(threadID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.threadLocks[threadID]
	if !ok {
		l = &sync.Mutex{}
		s.threadLocks[threadID] = l
	}
	return l
}

// Invoke runs one graph turn for the given thread. PII is redacted from the
// message before it reaches state or oracles. A new thread id creates the
// thread; the intent is only read on creation.
func (s *Service) Invoke(ctx context.Context, threadID, userID, message string, intent graph.Intent) (*graph.State, error) {
	l := s.lock(threadID)
	l.Lock()
	defer l.Unlock()

	if s.isQuarantined(threadID) {
		return nil, ErrThreadQuarantined
	}

	st, err := s.store.Load(ctx, threadID)
	switch {
	case errors.Is(err, state.ErrNotFound):
		st = graph.NewState(threadID, userID, intent)
	case errors.Is(err, state.ErrStateCorrupt):
		s.quarantine(threadID, userID, err)
		return nil, fmt.Errorf("%w: %v", ErrThreadQuarantined, err)
	case err != nil:
		return nil, err
	}

	if st.Cancelled {
		return nil, ErrThreadCancelled
	}

	redacted, findings := s.scanner.RedactPII(message)
	if len(findings) > 0 {
		s.log.Info("ingress redacted", "thread", threadID, "findings", len(findings))
	}
	st.AppendMessage(graph.RoleUser, redacted)

	runCtx := ctx
	var done func(error)
	if s.track != nil {
		runCtx, done = s.track(ctx, threadID)
	}
	err = s.rt.RunTurn(runCtx, st)
	if done != nil {
		done(err)
	}
	if err != nil {
		return nil, fmt.Errorf("runtime: turn for %s: %w", threadID, err)
	}
	return st, nil
}

// Cancel marks a thread cancelled. The per-thread lock guarantees no turn is
// in flight while the flag is written; pending approvals simply expire.
func (s *Service) Cancel(ctx context.Context, threadID string) error {
	l := s.lock(threadID)
	l.Lock()
	defer l.Unlock()

	st, err := s.store.Load(ctx, threadID)
	if err != nil {
		return err
	}
	if st.Cancelled {
		return nil
	}
	st.Cancelled = true
	if err := s.store.Save(ctx, st); err != nil {
		return err
	}
	if _, err := s.rec.Append(audit.Entry{
		ThreadID: threadID,
		UserID:   st.UserID,
		Kind:     audit.KindThreadCancelled,
	}); err != nil {
		s.log.Error("audit append failed", "thread", threadID, "error", err)
	}
	return nil
}

// GetHistory returns the thread transcript.
func (s *Service) GetHistory(ctx context.Context, threadID string) ([]graph.Message, error) {
	l := s.lock(threadID)
	l.Lock()
	defer l.Unlock()

	st, err := s.store.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return st.Messages, nil
}

// DeleteThread removes the snapshot and every evicted file for the thread,
// and lifts any quarantine.
func (s *Service) DeleteThread(ctx context.Context, threadID string) error {
	l := s.lock(threadID)
	l.Lock()
	defer l.Unlock()

	if err := s.store.Delete(ctx, threadID); err != nil {
		return err
	}
	if err := s.evictor.DeleteThread(threadID); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.quarantined, threadID)
	s.mu.Unlock()
	return nil
}

func (s *Service) isQuarantined(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quarantined[threadID]
}

func (s *Service) quarantine(threadID, userID string, cause error) {
	s.mu.Lock()
	s.quarantined[threadID] = true
	s.mu.Unlock()

	s.log.Error("thread quarantined", "thread", threadID, "error", cause)
	if _, err := s.rec.Append(audit.Entry{
		ThreadID: threadID,
		UserID:   userID,
		Kind:     audit.KindThreadQuarantined,
		Reason:   cause.Error(),
		Severity: audit.SeverityCritical,
	}); err != nil {
		s.log.Error("audit append failed", "thread", threadID, "error", err)
	}
}
