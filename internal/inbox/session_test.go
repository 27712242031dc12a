package inbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/racegrid/RaceSeatBack/internal/messaging"
	"github.com/racegrid/RaceSeatBack/internal/models"
	"github.com/sethvargo/go-retry"
)

// memoryStore is an in-memory message and profile store shared by the real
// aggregator in these tests.
type memoryStore struct {
	mu            sync.Mutex
	messages      []models.Message
	profiles      map[uuid.UUID]models.Profile
	clock         time.Time
	listErr       error
	createErr     error
	markReadErr   error
	markReadCalls [][]uuid.UUID
	createBlock   chan struct{}
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		profiles: make(map[uuid.UUID]models.Profile),
		clock:    time.Date(2030, 6, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (s *memoryStore) addProfile(id uuid.UUID, name string, userType models.UserType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kind := string(userType)
	s.profiles[id] = models.Profile{ID: id, FullName: &name, UserType: &kind}
}

func (s *memoryStore) insert(sender, recipient uuid.UUID, content string) models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = s.clock.Add(time.Minute)
	message := models.Message{
		ID:          uuid.New(),
		SenderID:    sender,
		RecipientID: recipient,
		Content:     content,
		CreatedAt:   s.clock,
	}
	s.messages = append(s.messages, message)
	return message
}

func (s *memoryStore) ListForParticipant(_ context.Context, participantID uuid.UUID) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]models.Message, 0)
	for i := len(s.messages) - 1; i >= 0; i-- {
		message := s.messages[i]
		if message.SenderID == participantID || message.RecipientID == participantID {
			out = append(out, message)
		}
	}
	return out, nil
}

func (s *memoryStore) Create(_ context.Context, senderID uuid.UUID, recipientID uuid.UUID, content string) (*models.Message, error) {
	if s.createBlock != nil {
		<-s.createBlock
	}
	s.mu.Lock()
	err := s.createErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	message := s.insert(senderID, recipientID, content)
	return &message, nil
}

func (s *memoryStore) MarkRead(_ context.Context, messageIDs []uuid.UUID, readerID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markReadCalls = append(s.markReadCalls, messageIDs)
	if s.markReadErr != nil {
		return 0, s.markReadErr
	}
	ids := make(map[uuid.UUID]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		ids[id] = struct{}{}
	}
	var affected int64
	for i := range s.messages {
		if _, ok := ids[s.messages[i].ID]; ok && s.messages[i].RecipientID == readerID && !s.messages[i].Read {
			s.messages[i].Read = true
			affected++
		}
	}
	return affected, nil
}

func (s *memoryStore) ListByIDs(_ context.Context, ids []uuid.UUID) ([]models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Profile, 0, len(ids))
	for _, id := range ids {
		if profile, ok := s.profiles[id]; ok {
			out = append(out, profile)
		}
	}
	return out, nil
}

func (s *memoryStore) markReadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.markReadCalls)
}

func noDelayBackoff() retry.Backoff {
	return retry.WithMaxRetries(markReadAttempts-1, retry.NewConstant(time.Millisecond))
}

func newTestSession(t *testing.T, store *memoryStore, viewer uuid.UUID) *Session {
	t.Helper()
	session := NewSession(viewer, messaging.NewAggregator(store, store, nil))
	session.markReadBackoff = noDelayBackoff
	return session
}

// seedScenario builds the C→V "hi", V→C "hello", C→V "how are you" log.
func seedScenario(store *memoryStore, viewer, team uuid.UUID) {
	store.addProfile(viewer, "Viewer", models.UserTypeDriver)
	store.addProfile(team, "Apex Racing", models.UserTypeTeam)
	store.insert(team, viewer, "hi")
	store.insert(viewer, team, "hello")
	store.insert(team, viewer, "how are you")
}

func TestRefreshWithNoMessages(t *testing.T) {
	store := newMemoryStore()
	session := newTestSession(t, store, uuid.New())

	if err := session.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	snapshot := session.Snapshot()
	if len(snapshot.Conversations) != 0 || snapshot.Loading || snapshot.Notice != nil {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}

func TestLoadingIsTrueWhileRefreshInFlight(t *testing.T) {
	viewer := uuid.New()
	source := &blockingSource{release: make(chan struct{}), started: make(chan struct{})}
	session := NewSession(viewer, source)

	done := make(chan error, 1)
	go func() { done <- session.Refresh(context.Background()) }()
	<-source.started

	if !session.Snapshot().Loading {
		t.Fatal("expected loading during refresh")
	}
	close(source.release)
	if err := <-done; err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if session.Snapshot().Loading {
		t.Fatal("expected loading to clear after refresh")
	}
}

func TestRefreshAggregatesScenario(t *testing.T) {
	store := newMemoryStore()
	viewer, team := uuid.New(), uuid.New()
	seedScenario(store, viewer, team)
	session := newTestSession(t, store, viewer)

	if err := session.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	snapshot := session.Snapshot()
	if len(snapshot.Conversations) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(snapshot.Conversations))
	}
	conversation := snapshot.Conversations[0]
	if conversation.CounterpartyID != team || conversation.UnreadCount != 2 || conversation.LastMessage != "how are you" {
		t.Fatalf("unexpected conversation: %+v", conversation)
	}
}

func TestSelectConversationMarksUnreadOnceAndIsIdempotent(t *testing.T) {
	store := newMemoryStore()
	viewer, team := uuid.New(), uuid.New()
	seedScenario(store, viewer, team)
	session := newTestSession(t, store, viewer)
	if err := session.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if err := session.SelectConversation(context.Background(), team); err != nil {
		t.Fatalf("SelectConversation: %v", err)
	}
	if store.markReadCount() != 1 || len(store.markReadCalls[0]) != 2 {
		t.Fatalf("expected one write for 2 messages, got %v", store.markReadCalls)
	}

	snapshot := session.Snapshot()
	if snapshot.SelectedConversation == nil || snapshot.SelectedConversation.CounterpartyID != team {
		t.Fatalf("expected %s selected, got %+v", team, snapshot.SelectedConversation)
	}
	if snapshot.SelectedConversation.UnreadCount != 0 || snapshot.Conversations[0].UnreadCount != 0 {
		t.Fatalf("expected unread count 0 after selection, got %d", snapshot.SelectedConversation.UnreadCount)
	}

	if err := session.SelectConversation(context.Background(), team); err != nil {
		t.Fatalf("second SelectConversation: %v", err)
	}
	if store.markReadCount() != 1 {
		t.Fatalf("expected no additional write, got %d writes", store.markReadCount())
	}
}

func TestSelectUnknownConversation(t *testing.T) {
	session := newTestSession(t, newMemoryStore(), uuid.New())
	if err := session.SelectConversation(context.Background(), uuid.New()); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestSelectConversationMarkReadFailureLeavesCountStale(t *testing.T) {
	store := newMemoryStore()
	viewer, team := uuid.New(), uuid.New()
	seedScenario(store, viewer, team)
	session := newTestSession(t, store, viewer)
	if err := session.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	store.markReadErr = errors.New("write timeout")
	if err := session.SelectConversation(context.Background(), team); err != nil {
		t.Fatalf("SelectConversation: %v", err)
	}
	if got := store.markReadCount(); got != markReadAttempts {
		t.Fatalf("expected %d attempts, got %d", markReadAttempts, got)
	}

	snapshot := session.Snapshot()
	if snapshot.Notice == nil || snapshot.Notice.Kind != NoticeMarkReadFailed {
		t.Fatalf("expected mark-read notice, got %+v", snapshot.Notice)
	}
	if snapshot.SelectedConversation == nil || snapshot.SelectedConversation.UnreadCount != 2 {
		t.Fatalf("expected stale unread count 2, got %+v", snapshot.SelectedConversation)
	}

	store.markReadErr = nil
	if err := session.SelectConversation(context.Background(), team); err != nil {
		t.Fatalf("SelectConversation retry: %v", err)
	}
	if session.Snapshot().SelectedConversation.UnreadCount != 0 {
		t.Fatal("expected counts to converge once the write succeeds")
	}
}

func TestSendMessageRoundTrip(t *testing.T) {
	store := newMemoryStore()
	viewer, team := uuid.New(), uuid.New()
	seedScenario(store, viewer, team)
	session := newTestSession(t, store, viewer)
	if err := session.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if err := session.SelectConversation(context.Background(), team); err != nil {
		t.Fatalf("SelectConversation: %v", err)
	}

	if err := session.SetDraftContent("hello"); err != nil {
		t.Fatalf("SetDraftContent: %v", err)
	}
	message, err := session.SendMessage(context.Background())
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if message == nil || message.Content != "hello" {
		t.Fatalf("unexpected message: %+v", message)
	}

	snapshot := session.Snapshot()
	if snapshot.DraftContent != "" || snapshot.IsSending {
		t.Fatalf("expected cleared draft and idle send state, got %+v", snapshot)
	}
	selected := snapshot.SelectedConversation
	last := selected.Messages[len(selected.Messages)-1]
	if last.Content != "hello" || last.SenderID != viewer || last.Read {
		t.Fatalf("unexpected last message: %+v", last)
	}
	if selected.LastMessage != "hello" {
		t.Fatalf("expected last message preview hello, got %q", selected.LastMessage)
	}
}

func TestSendMessageBlankDraftIsNoop(t *testing.T) {
	store := newMemoryStore()
	viewer, team := uuid.New(), uuid.New()
	seedScenario(store, viewer, team)
	session := newTestSession(t, store, viewer)
	_ = session.Refresh(context.Background())
	_ = session.SelectConversation(context.Background(), team)

	before := len(store.messages)
	if err := session.SetDraftContent("   \t "); err != nil {
		t.Fatalf("SetDraftContent: %v", err)
	}
	message, err := session.SendMessage(context.Background())
	if err != nil || message != nil {
		t.Fatalf("expected no-op, got message=%+v err=%v", message, err)
	}
	if len(store.messages) != before {
		t.Fatalf("expected no write, store grew from %d to %d", before, len(store.messages))
	}
	if got := session.Snapshot().DraftContent; got != "   \t " {
		t.Fatalf("expected draft unchanged, got %q", got)
	}
}

func TestSendMessageRequiresSelection(t *testing.T) {
	store := newMemoryStore()
	viewer, team := uuid.New(), uuid.New()
	seedScenario(store, viewer, team)
	session := newTestSession(t, store, viewer)
	_ = session.Refresh(context.Background())

	_ = session.SetDraftContent("hello")
	if _, err := session.SendMessage(context.Background()); !errors.Is(err, ErrNoConversationSelected) {
		t.Fatalf("expected ErrNoConversationSelected, got %v", err)
	}
}

func TestSendMessageFailureKeepsDraft(t *testing.T) {
	store := newMemoryStore()
	viewer, team := uuid.New(), uuid.New()
	seedScenario(store, viewer, team)
	session := newTestSession(t, store, viewer)
	_ = session.Refresh(context.Background())
	_ = session.SelectConversation(context.Background(), team)

	store.createErr = errors.New("insert failed")
	before := len(store.messages)
	_ = session.SetDraftContent("see you at the shakedown")
	if _, err := session.SendMessage(context.Background()); err == nil {
		t.Fatal("expected send error")
	}

	snapshot := session.Snapshot()
	if snapshot.DraftContent != "see you at the shakedown" {
		t.Fatalf("expected draft preserved, got %q", snapshot.DraftContent)
	}
	if snapshot.Notice == nil || snapshot.Notice.Kind != NoticeSendFailed {
		t.Fatalf("expected send notice, got %+v", snapshot.Notice)
	}
	if snapshot.IsSending {
		t.Fatal("expected send state to reset after failure")
	}
	if len(store.messages) != before {
		t.Fatal("expected no partial message")
	}
}

func TestSendMessageRejectsConcurrentSend(t *testing.T) {
	store := newMemoryStore()
	viewer, team := uuid.New(), uuid.New()
	seedScenario(store, viewer, team)
	session := newTestSession(t, store, viewer)
	_ = session.Refresh(context.Background())
	_ = session.SelectConversation(context.Background(), team)

	store.createBlock = make(chan struct{})
	_ = session.SetDraftContent("first")

	done := make(chan error, 1)
	go func() {
		_, err := session.SendMessage(context.Background())
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !session.Snapshot().IsSending {
		if time.Now().After(deadline) {
			t.Fatal("send never started")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := session.SendMessage(context.Background()); !errors.Is(err, ErrSendInFlight) {
		t.Fatalf("expected ErrSendInFlight, got %v", err)
	}

	close(store.createBlock)
	if err := <-done; err != nil {
		t.Fatalf("first send: %v", err)
	}
}

func TestRefreshFailureKeepsLastKnownList(t *testing.T) {
	store := newMemoryStore()
	viewer, team := uuid.New(), uuid.New()
	seedScenario(store, viewer, team)
	session := newTestSession(t, store, viewer)
	if err := session.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	store.listErr = errors.New("connection refused")
	if err := session.Refresh(context.Background()); !errors.Is(err, messaging.ErrLoadConversations) {
		t.Fatalf("expected ErrLoadConversations, got %v", err)
	}
	snapshot := session.Snapshot()
	if len(snapshot.Conversations) != 1 {
		t.Fatalf("expected last known list, got %d conversations", len(snapshot.Conversations))
	}
	if snapshot.Notice == nil || snapshot.Notice.Kind != NoticeLoadFailed {
		t.Fatalf("expected load notice, got %+v", snapshot.Notice)
	}

	store.listErr = nil
	if err := session.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if session.Snapshot().Notice != nil {
		t.Fatal("expected load notice cleared after successful refresh")
	}
}

func TestNewCounterpartyDoesNotDisturbSelection(t *testing.T) {
	store := newMemoryStore()
	viewer, team, driver := uuid.New(), uuid.New(), uuid.New()
	seedScenario(store, viewer, team)
	store.addProfile(driver, "Driver D", models.UserTypeDriver)
	session := newTestSession(t, store, viewer)
	_ = session.Refresh(context.Background())
	if err := session.SelectConversation(context.Background(), team); err != nil {
		t.Fatalf("SelectConversation: %v", err)
	}

	store.insert(driver, viewer, "looking for an engineer?")
	if err := session.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	snapshot := session.Snapshot()
	if len(snapshot.Conversations) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(snapshot.Conversations))
	}
	if snapshot.Conversations[0].CounterpartyID != driver {
		t.Fatalf("expected newest conversation first, got %s", snapshot.Conversations[0].CounterpartyID)
	}
	if snapshot.SelectedConversation == nil || snapshot.SelectedConversation.CounterpartyID != team {
		t.Fatalf("expected selection to stay on %s, got %+v", team, snapshot.SelectedConversation)
	}
}

func TestStaleRefreshIsDiscarded(t *testing.T) {
	viewer := uuid.New()
	source := &sequencedSource{release: make(chan struct{}), started: make(chan struct{}, 2)}
	session := NewSession(viewer, source)

	slow := make(chan error, 1)
	go func() { slow <- session.Refresh(context.Background()) }()
	<-source.started

	if err := session.Refresh(context.Background()); err != nil {
		t.Fatalf("fast Refresh: %v", err)
	}
	close(source.release)
	if err := <-slow; err != nil {
		t.Fatalf("slow Refresh: %v", err)
	}

	snapshot := session.Snapshot()
	if len(snapshot.Conversations) != 1 || snapshot.Conversations[0].LastMessage != "fresh" {
		t.Fatalf("expected fresh result to win, got %+v", snapshot.Conversations)
	}
}

func TestRefreshAfterCloseIsDiscarded(t *testing.T) {
	viewer := uuid.New()
	source := &blockingSource{release: make(chan struct{}), started: make(chan struct{}), result: []models.Conversation{{CounterpartyID: uuid.New()}}}
	session := NewSession(viewer, source)

	done := make(chan error, 1)
	go func() { done <- session.Refresh(context.Background()) }()
	<-source.started

	session.Close()
	close(source.release)

	if err := <-done; !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if got := len(session.Snapshot().Conversations); got != 0 {
		t.Fatalf("expected closed session to stay empty, got %d conversations", got)
	}
	if err := session.SetDraftContent("x"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

type blockingSource struct {
	release chan struct{}
	started chan struct{}
	result  []models.Conversation
}

func (s *blockingSource) BuildConversations(context.Context, uuid.UUID) ([]models.Conversation, error) {
	close(s.started)
	<-s.release
	if s.result == nil {
		return []models.Conversation{}, nil
	}
	return s.result, nil
}

func (s *blockingSource) MarkRead(context.Context, uuid.UUID, models.Conversation) ([]uuid.UUID, error) {
	return nil, nil
}

func (s *blockingSource) Send(context.Context, uuid.UUID, uuid.UUID, string) (*models.Message, error) {
	return nil, errors.New("not implemented")
}

// sequencedSource blocks its first build and answers later builds at once.
type sequencedSource struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
	started chan struct{}
}

func (s *sequencedSource) BuildConversations(context.Context, uuid.UUID) ([]models.Conversation, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()

	s.started <- struct{}{}
	if call == 1 {
		<-s.release
		return []models.Conversation{{CounterpartyID: uuid.New(), LastMessage: "stale"}}, nil
	}
	return []models.Conversation{{CounterpartyID: uuid.New(), LastMessage: "fresh"}}, nil
}

func (s *sequencedSource) MarkRead(context.Context, uuid.UUID, models.Conversation) ([]uuid.UUID, error) {
	return nil, nil
}

func (s *sequencedSource) Send(context.Context, uuid.UUID, uuid.UUID, string) (*models.Message, error) {
	return nil, errors.New("not implemented")
}

// gatedStore holds the first ListForParticipant after arm until release is
// closed, returning the log as it was when the call began.
type gatedStore struct {
	*memoryStore
	mu      sync.Mutex
	armed   bool
	started chan struct{}
	release chan struct{}
}

func (s *gatedStore) arm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = true
	s.started = make(chan struct{})
	s.release = make(chan struct{})
}

func (s *gatedStore) ListForParticipant(ctx context.Context, participantID uuid.UUID) ([]models.Message, error) {
	messages, err := s.memoryStore.ListForParticipant(ctx, participantID)

	s.mu.Lock()
	armed := s.armed
	s.armed = false
	started, release := s.started, s.release
	s.mu.Unlock()

	if armed {
		close(started)
		<-release
	}
	return messages, err
}

func TestRefreshAfterSendSeesMessageWhileOlderBuildIsInFlight(t *testing.T) {
	store := &gatedStore{memoryStore: newMemoryStore()}
	viewer, team := uuid.New(), uuid.New()
	seedScenario(store.memoryStore, viewer, team)
	session := NewSession(viewer, messaging.NewAggregator(store, store, nil))
	session.markReadBackoff = noDelayBackoff

	if err := session.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if err := session.SelectConversation(context.Background(), team); err != nil {
		t.Fatalf("SelectConversation: %v", err)
	}
	if err := session.SetDraftContent("  see you at Spa\n"); err != nil {
		t.Fatalf("SetDraftContent: %v", err)
	}

	store.arm()
	slow := make(chan error, 1)
	go func() { slow <- session.Refresh(context.Background()) }()
	<-store.started

	sent := make(chan error, 1)
	go func() {
		_, err := session.SendMessage(context.Background())
		sent <- err
	}()

	select {
	case err := <-sent:
		if err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
	case <-time.After(2 * time.Second):
		close(store.release)
		t.Fatal("send refresh waited on a build that started before the send")
	}
	close(store.release)
	if err := <-slow; err != nil {
		t.Fatalf("slow Refresh: %v", err)
	}

	selected := session.Snapshot().SelectedConversation
	if selected == nil || selected.LastMessage != "  see you at Spa\n" {
		t.Fatalf("expected the sent message to survive the older build, got %+v", selected)
	}
}
