package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/racegrid/RaceSeatBack/internal/models"
	"github.com/sethvargo/go-retry"
)

const (
	DefaultChannel = "message_changes"

	minReconnectDelay = 500 * time.Millisecond
	maxReconnectDelay = 30 * time.Second
	reconnectJitter   = 20
)

var ErrListenerClosed = errors.New("listener closed")

// Subscription is released exactly once; Close is safe to call repeatedly.
type Subscription interface {
	Close()
}

type Subscriber interface {
	Subscribe(recipientID uuid.UUID, handler func(models.MessageEvent)) (Subscription, error)
}

// Listener holds one LISTEN connection for the whole process and fans each
// notification out to the subscribers registered for its recipient.
type Listener struct {
	pool    *pgxpool.Pool
	channel string

	mu     sync.RWMutex
	subs   map[uuid.UUID]map[*subscription]struct{}
	closed bool

	newBackoff func() retry.Backoff
	connect    func(ctx context.Context) (notificationConn, error)
}

// notificationConn is a connection that is already listening on the channel.
type notificationConn interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Release()
}

type poolConn struct {
	conn *pgxpool.Conn
}

func (c *poolConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	return c.conn.Conn().WaitForNotification(ctx)
}

func (c *poolConn) Release() {
	if !c.conn.Conn().IsClosed() {
		_, _ = c.conn.Exec(context.Background(), "UNLISTEN *")
	}
	c.conn.Release()
}

type subscription struct {
	listener    *Listener
	recipientID uuid.UUID
	handler     func(models.MessageEvent)
	once        sync.Once
}

func NewListener(pool *pgxpool.Pool, channel string) *Listener {
	if channel == "" {
		channel = DefaultChannel
	}
	l := &Listener{
		pool:       pool,
		channel:    channel,
		subs:       make(map[uuid.UUID]map[*subscription]struct{}),
		newBackoff: reconnectBackoff,
	}
	l.connect = l.connectPool
	return l
}

func reconnectBackoff() retry.Backoff {
	b := retry.NewExponential(minReconnectDelay)
	b = retry.WithCappedDuration(maxReconnectDelay, b)
	return retry.WithJitterPercent(reconnectJitter, b)
}

func (l *Listener) Subscribe(recipientID uuid.UUID, handler func(models.MessageEvent)) (Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrListenerClosed
	}

	sub := &subscription{
		listener:    l,
		recipientID: recipientID,
		handler:     handler,
	}
	set, ok := l.subs[recipientID]
	if !ok {
		set = make(map[*subscription]struct{})
		l.subs[recipientID] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

func (s *subscription) Close() {
	s.once.Do(func() {
		s.listener.remove(s)
	})
}

func (l *Listener) remove(sub *subscription) {
	l.mu.Lock()
	defer l.mu.Unlock()

	set, ok := l.subs[sub.recipientID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(l.subs, sub.recipientID)
	}
}

// Run keeps the LISTEN connection alive until ctx is cancelled, reconnecting
// with capped exponential backoff and jitter. Backoff restarts after every
// successful LISTEN, and every reconnect tells all subscribers to resync.
func (l *Listener) Run(ctx context.Context) {
	defer l.close()

	backoff := l.newBackoff()
	listened := false
	for {
		connected, err := l.listen(ctx, listened)
		if ctx.Err() != nil {
			return
		}
		if connected {
			listened = true
			backoff = l.newBackoff()
		}

		delay, stop := backoff.Next()
		if stop {
			log.Printf("realtime: giving up on %s listener: %v", l.channel, err)
			return
		}
		log.Printf("realtime: %s listener disconnected, retrying in %s: %v", l.channel, delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (l *Listener) listen(ctx context.Context, resync bool) (bool, error) {
	conn, err := l.connect(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Release()

	if resync {
		l.resync()
	}

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return true, err
		}
		l.dispatch(notification.Payload)
	}
}

func (l *Listener) connectPool(ctx context.Context) (notificationConn, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen: %w", err)
	}
	return &poolConn{conn: conn}, nil
}

// resync sends every subscriber a synthetic event so it rebuilds from the
// store.
func (l *Listener) resync() {
	l.mu.RLock()
	type target struct {
		recipientID uuid.UUID
		handler     func(models.MessageEvent)
	}
	targets := make([]target, 0, len(l.subs))
	for recipientID, set := range l.subs {
		for sub := range set {
			targets = append(targets, target{recipientID: recipientID, handler: sub.handler})
		}
	}
	l.mu.RUnlock()

	for _, t := range targets {
		t.handler(models.MessageEvent{Type: models.MessageEventResync, RecipientID: t.recipientID})
	}
}

func (l *Listener) dispatch(payload string) {
	event, err := decodeEvent(payload)
	if err != nil {
		log.Printf("realtime: drop notification: %v", err)
		return
	}

	l.mu.RLock()
	handlers := make([]func(models.MessageEvent), 0, len(l.subs[event.RecipientID]))
	for sub := range l.subs[event.RecipientID] {
		handlers = append(handlers, sub.handler)
	}
	l.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

func (l *Listener) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.subs = make(map[uuid.UUID]map[*subscription]struct{})
}

func decodeEvent(payload string) (models.MessageEvent, error) {
	var event models.MessageEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return event, fmt.Errorf("decode payload: %w", err)
	}
	switch event.Type {
	case models.MessageEventInsert, models.MessageEventUpdate, models.MessageEventDelete:
	default:
		return event, fmt.Errorf("unknown event type %q", event.Type)
	}
	if event.RecipientID == uuid.Nil {
		return event, errors.New("missing recipient_id")
	}
	return event, nil
}
