package inbox

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/racegrid/RaceSeatBack/internal/models"
	"github.com/racegrid/RaceSeatBack/internal/realtime"
)

type Source interface {
	conversationSource
	Invalidate(ctx context.Context, viewerIDs ...uuid.UUID)
}

// Publisher receives every snapshot after a state change, e.g. to push it
// to the viewer's open websockets.
type Publisher interface {
	Publish(viewerID uuid.UUID, snapshot Snapshot)
}

type entry struct {
	session *Session
	bridge  *realtime.Bridge
}

// Manager owns one Session and one live-update Bridge per signed-in viewer.
type Manager struct {
	ctx        context.Context
	source     Source
	subscriber realtime.Subscriber
	publisher  Publisher

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	closed  bool
}

// NewManager ties bridge lifetimes to ctx. subscriber and publisher may be
// nil, in which case sessions only update on explicit calls.
func NewManager(ctx context.Context, source Source, subscriber realtime.Subscriber, publisher Publisher) *Manager {
	return &Manager{
		ctx:        ctx,
		source:     source,
		subscriber: subscriber,
		publisher:  publisher,
		entries:    make(map[uuid.UUID]*entry),
	}
}

// Open returns the viewer's session, creating it, starting its bridge and
// loading it on first use.
func (m *Manager) Open(ctx context.Context, viewerID uuid.UUID) (*Session, error) {
	session, _, err := m.open(ctx, viewerID)
	return session, err
}

// open reports whether the session was created, and so already refreshed,
// by this call. The bridge is running before the entry becomes visible, so
// a concurrent SignOut always tears down a started bridge.
func (m *Manager) open(ctx context.Context, viewerID uuid.UUID) (*Session, bool, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, false, ErrSessionClosed
	}
	if existing, ok := m.entries[viewerID]; ok {
		m.mu.Unlock()
		return existing.session, false, nil
	}
	m.mu.Unlock()

	session := NewSession(viewerID, m.source)
	e := &entry{session: session}
	if m.subscriber != nil {
		e.bridge = realtime.NewBridge(viewerID, m.subscriber, func(ctx context.Context, viewerID uuid.UUID) {
			m.source.Invalidate(ctx, viewerID)
			if err := session.Refresh(ctx); errors.Is(err, ErrSessionClosed) {
				return
			}
			m.publish(session)
		})
		if err := e.bridge.Start(m.ctx); err != nil {
			// Manual refreshes still work without live updates.
			log.Printf("inbox: start live updates for %s: %v", viewerID, err)
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.teardown(e)
		return nil, false, ErrSessionClosed
	}
	if existing, ok := m.entries[viewerID]; ok {
		m.mu.Unlock()
		m.teardown(e)
		return existing.session, false, nil
	}
	m.entries[viewerID] = e
	m.mu.Unlock()

	_ = session.Refresh(ctx)
	return session, true, nil
}

func (m *Manager) Snapshot(ctx context.Context, viewerID uuid.UUID) (Snapshot, error) {
	session, err := m.Open(ctx, viewerID)
	if err != nil {
		return Snapshot{}, err
	}
	return session.Snapshot(), nil
}

func (m *Manager) Refresh(ctx context.Context, viewerID uuid.UUID) (Snapshot, error) {
	session, created, err := m.open(ctx, viewerID)
	if err != nil {
		return Snapshot{}, err
	}
	if !created {
		if err := session.Refresh(ctx); errors.Is(err, ErrSessionClosed) {
			return Snapshot{}, err
		}
	}
	return m.publish(session), nil
}

func (m *Manager) Select(ctx context.Context, viewerID uuid.UUID, counterpartyID uuid.UUID) (Snapshot, error) {
	session, err := m.Open(ctx, viewerID)
	if err != nil {
		return Snapshot{}, err
	}
	if err := session.SelectConversation(ctx, counterpartyID); err != nil {
		return session.Snapshot(), err
	}
	return m.publish(session), nil
}

func (m *Manager) SetDraft(ctx context.Context, viewerID uuid.UUID, content string) (Snapshot, error) {
	session, err := m.Open(ctx, viewerID)
	if err != nil {
		return Snapshot{}, err
	}
	if err := session.SetDraftContent(content); err != nil {
		return Snapshot{}, err
	}
	return m.publish(session), nil
}

func (m *Manager) Send(ctx context.Context, viewerID uuid.UUID) (*models.Message, Snapshot, error) {
	session, err := m.Open(ctx, viewerID)
	if err != nil {
		return nil, Snapshot{}, err
	}
	message, err := session.SendMessage(ctx)
	if err != nil {
		return nil, m.publish(session), err
	}
	return message, m.publish(session), nil
}

// SignOut stops live updates before dropping the session so no callback can
// run against a viewer that is gone.
func (m *Manager) SignOut(ctx context.Context, viewerID uuid.UUID) error {
	m.mu.Lock()
	e, ok := m.entries[viewerID]
	delete(m.entries, viewerID)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	m.teardown(e)
	m.source.Invalidate(ctx, viewerID)
	return nil
}

// CloseAll tears down every session. Later opens fail with ErrSessionClosed.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	entries := m.entries
	m.entries = make(map[uuid.UUID]*entry)
	m.mu.Unlock()

	for _, e := range entries {
		m.teardown(e)
	}
}

func (m *Manager) teardown(e *entry) {
	if e.bridge != nil {
		e.bridge.Stop()
	}
	e.session.Close()
}

func (m *Manager) publish(session *Session) Snapshot {
	snapshot := session.Snapshot()
	if m.publisher != nil {
		m.publisher.Publish(session.ViewerID(), snapshot)
	}
	return snapshot
}
