package verifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

var (
	ErrSessionNotFound = errors.New("session not found")

	// ErrTerminalState is returned when an update targets a session whose
	// status no event may change anymore.
	ErrTerminalState = errors.New("session is in a terminal state")
)

// SessionUpdate is delivered to notification sinks after every committed
// mutation.
type SessionUpdate struct {
	Target  string               `json:"target"`
	Event   Event                `json:"event"`
	Session *VerificationSession `json:"session"`
}

// Notifier receives session updates. Delivery is best-effort and must not
// block the mutation path.
type Notifier interface {
	Notify(ctx context.Context, update SessionUpdate)
}

// MultiNotifier fans a session update out to several sinks.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, update SessionUpdate) {
	for _, n := range m {
		n.Notify(ctx, update)
	}
}

// UpdateFunc mutates a session inside the store's per-session lock.
type UpdateFunc func(session *VerificationSession)

// Store is the keyed session registry and the sole mutator of session
// state.
type Store interface {
	Put(ctx context.Context, session *VerificationSession) error
	Get(ctx context.Context, id string) (*VerificationSession, error)

	// Update applies fn to the session under its exclusive lock, then
	// notifies sinks with the event and a snapshot of the committed state.
	// Updates against terminal sessions fail with ErrTerminalState.
	Update(ctx context.Context, id string, event Event, fn UpdateFunc) (*VerificationSession, error)
}

type sessionEntry struct {
	mu      sync.Mutex
	session *VerificationSession
}

// MemoryStore keeps sessions in process memory. Operations on different
// sessions are independent; each session has its own lock.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry

	notifier Notifier
	clock    clock.Clock
	log      *logrus.Entry
}

func NewMemoryStore(notifier Notifier, clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStore{
		sessions: make(map[string]*sessionEntry),
		notifier: notifier,
		clock:    clk,
		log:      logrus.WithField("component", "session-store"),
	}
}

func (s *MemoryStore) Put(ctx context.Context, session *VerificationSession) error {
	s.mu.Lock()
	if _, exists := s.sessions[session.ID]; exists {
		s.mu.Unlock()
		return errors.New("session already exists: " + session.ID)
	}
	s.sessions[session.ID] = &sessionEntry{session: session}
	s.mu.Unlock()

	s.notify(ctx, session.ID, EventSessionCreated, session.Clone())
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*VerificationSession, error) {
	entry, err := s.entry(id)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	s.expireLocked(ctx, entry)
	return entry.session.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, event Event, fn UpdateFunc) (*VerificationSession, error) {
	entry, err := s.entry(id)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	s.expireLocked(ctx, entry)
	if entry.session.Status.Terminal() {
		return nil, ErrTerminalState
	}

	fn(entry.session)
	snapshot := entry.session.Clone()

	s.notify(ctx, id, event, snapshot)
	return snapshot, nil
}

// StartSweeper periodically transitions unattempted, past-due sessions to
// EXPIRED. It returns when ctx is done.
func (s *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *MemoryStore) sweep(ctx context.Context) {
	s.mu.RLock()
	entries := make([]*sessionEntry, 0, len(s.sessions))
	for _, entry := range s.sessions {
		entries = append(entries, entry)
	}
	s.mu.RUnlock()

	for _, entry := range entries {
		entry.mu.Lock()
		s.expireLocked(ctx, entry)
		entry.mu.Unlock()
	}
}

// expireLocked performs the lazy expiry check. The caller holds entry.mu.
func (s *MemoryStore) expireLocked(ctx context.Context, entry *sessionEntry) {
	if !entry.session.Expirable(s.clock.Now()) {
		return
	}
	entry.session.Status = StatusExpired
	s.log.WithField("session_id", entry.session.ID).Info("session expired without being used")
	s.notify(ctx, entry.session.ID, EventSessionExpired, entry.session.Clone())
}

func (s *MemoryStore) entry(id string) (*sessionEntry, error) {
	s.mu.RLock()
	entry, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return entry, nil
}

func (s *MemoryStore) notify(ctx context.Context, id string, event Event, snapshot *VerificationSession) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, SessionUpdate{Target: id, Event: event, Session: snapshot})
}
