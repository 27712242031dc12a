package inbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/racegrid/RaceSeatBack/internal/models"
	"github.com/sethvargo/go-retry"
)

var (
	ErrSessionClosed          = errors.New("inbox session closed")
	ErrConversationNotFound   = errors.New("conversation not found")
	ErrNoConversationSelected = errors.New("no conversation selected")
	ErrSendInFlight           = errors.New("a message is already being sent")
)

const (
	NoticeLoadFailed     = "load_failed"
	NoticeSendFailed     = "send_failed"
	NoticeMarkReadFailed = "mark_read_failed"

	markReadAttempts  = 3
	markReadBaseDelay = 200 * time.Millisecond
)

type conversationSource interface {
	BuildConversations(ctx context.Context, viewerID uuid.UUID) ([]models.Conversation, error)
	MarkRead(ctx context.Context, viewerID uuid.UUID, conversation models.Conversation) ([]uuid.UUID, error)
	Send(ctx context.Context, viewerID uuid.UUID, counterpartyID uuid.UUID, content string) (*models.Message, error)
}

type Notice struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type Snapshot struct {
	Conversations        []models.Conversation `json:"conversations"`
	SelectedConversation *models.Conversation  `json:"selected_conversation"`
	Loading              bool                  `json:"loading"`
	IsSending            bool                  `json:"is_sending"`
	DraftContent         string                `json:"draft_content"`
	Notice               *Notice               `json:"notice,omitempty"`
}

// Session is the mutable inbox state of one signed-in viewer. The
// conversation list is the single source of truth; the selection is only a
// counterparty id resolved against it.
type Session struct {
	viewerID uuid.UUID
	source   conversationSource

	mu            sync.Mutex
	conversations []models.Conversation
	selectedID    uuid.UUID
	draft         string
	inFlight      int
	sending       bool
	closed        bool
	nextSeq       uint64
	appliedSeq    uint64
	notice        *Notice

	markReadBackoff func() retry.Backoff
	now             func() time.Time
}

func NewSession(viewerID uuid.UUID, source conversationSource) *Session {
	return &Session{
		viewerID:        viewerID,
		source:          source,
		conversations:   []models.Conversation{},
		markReadBackoff: defaultMarkReadBackoff,
		now:             time.Now,
	}
}

func defaultMarkReadBackoff() retry.Backoff {
	b := retry.NewExponential(markReadBaseDelay)
	b = retry.WithJitterPercent(10, b)
	return retry.WithMaxRetries(markReadAttempts-1, b)
}

func (s *Session) ViewerID() uuid.UUID {
	return s.viewerID
}

// Refresh re-runs aggregation. Results of a refresh started before a newer
// one was applied, or before the session closed, are discarded. On failure
// the last known list stays in place and a notice is recorded.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.nextSeq++
	seq := s.nextSeq
	s.inFlight++
	s.mu.Unlock()

	conversations, err := s.source.BuildConversations(ctx, s.viewerID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--

	if s.closed {
		return ErrSessionClosed
	}
	if seq < s.appliedSeq {
		return nil
	}
	if err != nil {
		log.Printf("inbox: refresh for %s: %v", s.viewerID, err)
		s.setNoticeLocked(NoticeLoadFailed, "Failed to load conversations")
		return err
	}

	s.appliedSeq = seq
	s.conversations = conversations
	if s.notice != nil && s.notice.Kind == NoticeLoadFailed {
		s.notice = nil
	}
	return nil
}

// SelectConversation makes counterpartyID the selected conversation, marks
// its unread inbound messages read and refreshes. Mark-as-read failures are
// retried a few times and then reported as a notice; they do not fail the
// selection.
func (s *Session) SelectConversation(ctx context.Context, counterpartyID uuid.UUID) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	index := s.indexLocked(counterpartyID)
	if index < 0 {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	s.selectedID = counterpartyID
	conversation := s.conversations[index]
	s.mu.Unlock()

	marked, err := s.markRead(ctx, conversation)
	if err != nil {
		log.Printf("inbox: mark read for %s with %s: %v", s.viewerID, counterpartyID, err)
		s.mu.Lock()
		s.setNoticeLocked(NoticeMarkReadFailed, "Failed to mark messages as read")
		s.mu.Unlock()
	} else if len(marked) > 0 {
		s.applyRead(counterpartyID, marked)
	}

	// Load failures are already recorded as a notice.
	if err := s.Refresh(ctx); errors.Is(err, ErrSessionClosed) {
		return err
	}
	return nil
}

func (s *Session) markRead(ctx context.Context, conversation models.Conversation) ([]uuid.UUID, error) {
	var marked []uuid.UUID
	err := retry.Do(ctx, s.markReadBackoff(), func(ctx context.Context) error {
		ids, err := s.source.MarkRead(ctx, s.viewerID, conversation)
		if err != nil {
			return retry.RetryableError(err)
		}
		marked = ids
		return nil
	})
	return marked, err
}

// applyRead patches the local copy so a repeated selection sees nothing
// unread even if the follow-up refresh fails.
func (s *Session) applyRead(counterpartyID uuid.UUID, ids []uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.indexLocked(counterpartyID)
	if index < 0 {
		return
	}

	read := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		read[id] = struct{}{}
	}

	conversation := s.conversations[index]
	messages := make([]models.Message, len(conversation.Messages))
	unread := 0
	for i, message := range conversation.Messages {
		if _, ok := read[message.ID]; ok {
			message.Read = true
		}
		if message.SenderID == counterpartyID && !message.Read {
			unread++
		}
		messages[i] = message
	}
	conversation.Messages = messages
	conversation.UnreadCount = unread
	s.conversations[index] = conversation
	s.supersedeLocked()
}

func (s *Session) SetDraftContent(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	s.draft = content
	return nil
}

// SendMessage sends the draft to the selected counterparty. A blank draft is
// a no-op and returns a nil message. Only one send may be in flight per
// session; the draft survives a failed send.
func (s *Session) SendMessage(ctx context.Context) (*models.Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.sending {
		s.mu.Unlock()
		return nil, ErrSendInFlight
	}
	content := s.draft
	if strings.TrimSpace(content) == "" {
		s.mu.Unlock()
		return nil, nil
	}
	if s.selectedID == uuid.Nil || s.indexLocked(s.selectedID) < 0 {
		s.mu.Unlock()
		return nil, ErrNoConversationSelected
	}
	counterpartyID := s.selectedID
	s.sending = true
	s.mu.Unlock()

	message, err := s.source.Send(ctx, s.viewerID, counterpartyID, content)

	s.mu.Lock()
	s.sending = false
	if err != nil {
		log.Printf("inbox: send from %s to %s: %v", s.viewerID, counterpartyID, err)
		s.setNoticeLocked(NoticeSendFailed, "Failed to send message")
		s.mu.Unlock()
		return nil, fmt.Errorf("send message: %w", err)
	}
	if s.closed {
		s.mu.Unlock()
		return message, nil
	}
	s.draft = ""
	s.appendLocked(counterpartyID, *message)
	s.mu.Unlock()

	_ = s.Refresh(ctx)
	return message, nil
}

func (s *Session) appendLocked(counterpartyID uuid.UUID, message models.Message) {
	index := s.indexLocked(counterpartyID)
	if index < 0 {
		return
	}
	conversation := s.conversations[index]
	conversation.Messages = append(append([]models.Message(nil), conversation.Messages...), message)
	conversation.LastMessage = message.Content
	conversation.LastMessageAt = message.CreatedAt
	s.conversations[index] = conversation
	s.supersedeLocked()
}

// supersedeLocked marks a local patch as the newest applied state, so
// refreshes that read the store before the write cannot undo it.
func (s *Session) supersedeLocked() {
	s.nextSeq++
	s.appliedSeq = s.nextSeq
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := Snapshot{
		Conversations: append([]models.Conversation{}, s.conversations...),
		Loading:       s.inFlight > 0,
		IsSending:     s.sending,
		DraftContent:  s.draft,
	}
	if index := s.indexLocked(s.selectedID); index >= 0 {
		selected := s.conversations[index]
		snapshot.SelectedConversation = &selected
	}
	if s.notice != nil {
		notice := *s.notice
		snapshot.Notice = &notice
	}
	return snapshot
}

// Close drops all state. Refreshes and sends still in flight finish against
// the store but their results are discarded.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.conversations = []models.Conversation{}
	s.selectedID = uuid.Nil
	s.draft = ""
	s.notice = nil
}

func (s *Session) indexLocked(counterpartyID uuid.UUID) int {
	if counterpartyID == uuid.Nil {
		return -1
	}
	for i := range s.conversations {
		if s.conversations[i].CounterpartyID == counterpartyID {
			return i
		}
	}
	return -1
}

func (s *Session) setNoticeLocked(kind, message string) {
	s.notice = &Notice{
		Kind:    kind,
		Message: message,
		At:      s.now().UTC(),
	}
}
