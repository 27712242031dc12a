package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/racegrid/RaceSeatBack/internal/models"
)

var (
	ErrBridgeStarted = errors.New("bridge already started")
	ErrBridgeStopped = errors.New("bridge stopped")
)

// ChangeFunc runs on the bridge's own goroutine, never concurrently with
// itself.
type ChangeFunc func(ctx context.Context, viewerID uuid.UUID)

// Bridge turns change notifications for one viewer's inbound messages into
// refresh requests. Bursts of events collapse into a single pending refresh.
type Bridge struct {
	viewerID   uuid.UUID
	subscriber Subscriber
	onChange   ChangeFunc

	mu      sync.Mutex
	sub     Subscription
	cancel  context.CancelFunc
	pending chan struct{}
	done    chan struct{}
	started bool
	stopped bool
}

func NewBridge(viewerID uuid.UUID, subscriber Subscriber, onChange ChangeFunc) *Bridge {
	return &Bridge{
		viewerID:   viewerID,
		subscriber: subscriber,
		onChange:   onChange,
		pending:    make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return ErrBridgeStopped
	}
	if b.started {
		return ErrBridgeStarted
	}

	sub, err := b.subscriber.Subscribe(b.viewerID, b.handle)
	if err != nil {
		return err
	}

	workerCtx, cancel := context.WithCancel(ctx)
	b.sub = sub
	b.cancel = cancel
	b.started = true

	go b.run(workerCtx)
	return nil
}

func (b *Bridge) handle(event models.MessageEvent) {
	if event.RecipientID != b.viewerID {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}

	select {
	case b.pending <- struct{}{}:
	default:
	}
}

func (b *Bridge) run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.pending:
			if ctx.Err() != nil {
				return
			}
			b.onChange(ctx, b.viewerID)
		}
	}
}

// Stop releases the subscription and waits for an in-progress callback to
// return. No callback starts after Stop returns, and the bridge cannot be
// started again.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.stopped = true
		b.mu.Unlock()
		return
	}
	b.stopped = true
	sub := b.sub
	cancel := b.cancel
	b.mu.Unlock()

	sub.Close()
	cancel()
	<-b.done
}
