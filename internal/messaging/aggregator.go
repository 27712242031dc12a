package messaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/racegrid/RaceSeatBack/internal/models"
	"golang.org/x/sync/singleflight"
)

const buildTimeout = 10 * time.Second

var (
	ErrLoadConversations = errors.New("failed to load conversations")
	ErrEmptyContent      = errors.New("message content is empty")
	ErrInvalidRecipient  = errors.New("invalid recipient")
)

type MessageStore interface {
	ListForParticipant(ctx context.Context, participantID uuid.UUID) ([]models.Message, error)
	Create(ctx context.Context, senderID uuid.UUID, recipientID uuid.UUID, content string) (*models.Message, error)
	MarkRead(ctx context.Context, messageIDs []uuid.UUID, readerID uuid.UUID) (int64, error)
}

type ProfileStore interface {
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Profile, error)
}

// ConversationCache is shared between sessions and server instances. A nil
// cache disables caching.
type ConversationCache interface {
	Get(ctx context.Context, viewerID uuid.UUID) ([]models.Conversation, bool, error)
	Set(ctx context.Context, viewerID uuid.UUID, conversations []models.Conversation) error
	Invalidate(ctx context.Context, viewerIDs ...uuid.UUID) error
}

type Aggregator struct {
	messages MessageStore
	profiles ProfileStore
	cache    ConversationCache
	builds   singleflight.Group

	// versions counts invalidations per viewer. A build only fills the cache
	// and only shares its flight while the version it started from is current.
	mu       sync.Mutex
	versions map[uuid.UUID]uint64
}

func NewAggregator(messages MessageStore, profiles ProfileStore, cache ConversationCache) *Aggregator {
	return &Aggregator{
		messages: messages,
		profiles: profiles,
		cache:    cache,
		versions: make(map[uuid.UUID]uint64),
	}
}

// BuildConversations derives the viewer's conversation list. On failure it
// returns an empty list together with an error wrapping ErrLoadConversations.
func (a *Aggregator) BuildConversations(ctx context.Context, viewerID uuid.UUID) ([]models.Conversation, error) {
	if a.cache != nil {
		cached, ok, err := a.cache.Get(ctx, viewerID)
		if err != nil {
			log.Printf("messaging: read conversation cache for %s: %v", viewerID, err)
		} else if ok {
			return cached, nil
		}
	}

	version := a.version(viewerID)
	key := fmt.Sprintf("%s:%d", viewerID, version)
	result, err, _ := a.builds.Do(key, func() (any, error) {
		// Joined callers must not fail because the first caller gave up.
		buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), buildTimeout)
		defer cancel()
		return a.build(buildCtx, viewerID, version)
	})
	if err != nil {
		return []models.Conversation{}, err
	}

	// Callers sharing a flight get the same backing slice.
	return cloneConversations(result.([]models.Conversation)), nil
}

func (a *Aggregator) build(ctx context.Context, viewerID uuid.UUID, version uint64) ([]models.Conversation, error) {
	messages, err := a.messages.ListForParticipant(ctx, viewerID)
	if err != nil {
		return nil, fmt.Errorf("%w: list messages: %v", ErrLoadConversations, err)
	}

	counterpartyIDs := counterparties(viewerID, messages)
	profiles, err := a.profiles.ListByIDs(ctx, counterpartyIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: list profiles: %v", ErrLoadConversations, err)
	}

	conversations := Aggregate(viewerID, messages, profiles)

	// A write since the log was read makes this list stale.
	if a.cache != nil && a.version(viewerID) == version {
		if err := a.cache.Set(ctx, viewerID, conversations); err != nil {
			log.Printf("messaging: write conversation cache for %s: %v", viewerID, err)
		}
	}

	return conversations, nil
}

func (a *Aggregator) version(viewerID uuid.UUID) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.versions[viewerID]
}

// Invalidate drops cached conversation lists so the next build reads the
// message log again.
func (a *Aggregator) Invalidate(ctx context.Context, viewerIDs ...uuid.UUID) {
	a.mu.Lock()
	for _, viewerID := range viewerIDs {
		a.versions[viewerID]++
	}
	a.mu.Unlock()

	if a.cache == nil {
		return
	}
	if err := a.cache.Invalidate(ctx, viewerIDs...); err != nil {
		log.Printf("messaging: invalidate conversation cache: %v", err)
	}
}

// MarkRead marks the conversation's unread inbound messages read in a single
// write. It issues no write when nothing is unread and returns the ids it
// asked the store to update.
func (a *Aggregator) MarkRead(
	ctx context.Context,
	viewerID uuid.UUID,
	conversation models.Conversation,
) ([]uuid.UUID, error) {
	ids := UnreadMessageIDs(conversation)
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := a.messages.MarkRead(ctx, ids, viewerID); err != nil {
		return nil, fmt.Errorf("mark messages read: %w", err)
	}

	// The sender's view shows read state too, and the push channel only
	// reaches recipients.
	a.Invalidate(ctx, viewerID, conversation.CounterpartyID)
	return ids, nil
}

func (a *Aggregator) Send(
	ctx context.Context,
	viewerID uuid.UUID,
	counterpartyID uuid.UUID,
	content string,
) (*models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	if counterpartyID == uuid.Nil || counterpartyID == viewerID {
		return nil, ErrInvalidRecipient
	}

	message, err := a.messages.Create(ctx, viewerID, counterpartyID, content)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	a.Invalidate(ctx, viewerID, counterpartyID)
	return message, nil
}

// Aggregate groups a flat message log into one conversation per counterparty
// with a recognised participant profile, most recent conversation first.
func Aggregate(viewerID uuid.UUID, messages []models.Message, profiles []models.Profile) []models.Conversation {
	profileByID := make(map[uuid.UUID]models.Profile, len(profiles))
	for _, profile := range profiles {
		profileByID[profile.ID] = profile
	}

	groups := make(map[uuid.UUID][]models.Message)
	for _, message := range messages {
		counterpartyID, ok := counterpartyOf(viewerID, message)
		if !ok {
			continue
		}
		groups[counterpartyID] = append(groups[counterpartyID], message)
	}

	conversations := make([]models.Conversation, 0, len(groups))
	for counterpartyID, group := range groups {
		profile, found := profileByID[counterpartyID]
		if !found {
			log.Printf("messaging: skipping conversation with %s: no profile", counterpartyID)
			continue
		}
		userType, ok := profile.ParticipantType()
		if !ok {
			log.Printf("messaging: skipping conversation with %s: unrecognised user type", counterpartyID)
			continue
		}

		sortMessagesAscending(group)
		newest := group[len(group)-1]

		conversation := models.Conversation{
			CounterpartyID:     counterpartyID,
			CounterpartyType:   userType,
			CounterpartyAvatar: profile.AvatarURL,
			Messages:           group,
			LastMessage:        newest.Content,
			LastMessageAt:      newest.CreatedAt,
		}
		if profile.FullName != nil {
			conversation.CounterpartyName = *profile.FullName
		}
		for _, message := range group {
			if message.SenderID == counterpartyID && !message.Read {
				conversation.UnreadCount++
			}
		}

		conversations = append(conversations, conversation)
	}

	sort.Slice(conversations, func(i, j int) bool {
		if !conversations[i].LastMessageAt.Equal(conversations[j].LastMessageAt) {
			return conversations[i].LastMessageAt.After(conversations[j].LastMessageAt)
		}
		return bytes.Compare(conversations[i].CounterpartyID[:], conversations[j].CounterpartyID[:]) < 0
	})

	return conversations
}

// UnreadMessageIDs lists the messages the counterparty sent that the viewer
// has not read yet.
func UnreadMessageIDs(conversation models.Conversation) []uuid.UUID {
	ids := make([]uuid.UUID, 0, conversation.UnreadCount)
	for _, message := range conversation.Messages {
		if message.SenderID == conversation.CounterpartyID && !message.Read {
			ids = append(ids, message.ID)
		}
	}
	return ids
}

func counterpartyOf(viewerID uuid.UUID, message models.Message) (uuid.UUID, bool) {
	switch {
	case message.SenderID == viewerID && message.RecipientID != viewerID:
		return message.RecipientID, true
	case message.RecipientID == viewerID && message.SenderID != viewerID:
		return message.SenderID, true
	default:
		return uuid.Nil, false
	}
}

func counterparties(viewerID uuid.UUID, messages []models.Message) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{})
	ids := make([]uuid.UUID, 0)
	for _, message := range messages {
		counterpartyID, ok := counterpartyOf(viewerID, message)
		if !ok {
			continue
		}
		if _, exists := seen[counterpartyID]; exists {
			continue
		}
		seen[counterpartyID] = struct{}{}
		ids = append(ids, counterpartyID)
	}
	return ids
}

func sortMessagesAscending(messages []models.Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		if !messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].CreatedAt.Before(messages[j].CreatedAt)
		}
		return bytes.Compare(messages[i].ID[:], messages[j].ID[:]) < 0
	})
}

func cloneConversations(conversations []models.Conversation) []models.Conversation {
	out := make([]models.Conversation, len(conversations))
	for i, conversation := range conversations {
		conversation.Messages = append([]models.Message(nil), conversation.Messages...)
		out[i] = conversation
	}
	return out
}
