package handlers

import (
	"context"
	"errors"
	"strings"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/racegrid/RaceSeatBack/internal/inbox"
	"github.com/racegrid/RaceSeatBack/internal/messaging"
	"github.com/racegrid/RaceSeatBack/internal/middleware"
	"github.com/racegrid/RaceSeatBack/internal/models"
	chatws "github.com/racegrid/RaceSeatBack/internal/websocket"
	"github.com/racegrid/RaceSeatBack/pkg/utils"
)

type inboxApplicationService interface {
	Snapshot(ctx context.Context, viewerID uuid.UUID) (inbox.Snapshot, error)
	Refresh(ctx context.Context, viewerID uuid.UUID) (inbox.Snapshot, error)
	Select(ctx context.Context, viewerID uuid.UUID, counterpartyID uuid.UUID) (inbox.Snapshot, error)
	SetDraft(ctx context.Context, viewerID uuid.UUID, content string) (inbox.Snapshot, error)
	Send(ctx context.Context, viewerID uuid.UUID) (*models.Message, inbox.Snapshot, error)
	SignOut(ctx context.Context, viewerID uuid.UUID) error
}

type InboxHandler struct {
	service   inboxApplicationService
	hub       *chatws.Hub
	jwtSecret string
}

type selectConversationRequest struct {
	CounterpartyID string `json:"counterparty_id"`
}

type draftRequest struct {
	Content string `json:"content"`
}

func NewInboxHandler(service inboxApplicationService, hub *chatws.Hub, jwtSecret string) *InboxHandler {
	return &InboxHandler{
		service:   service,
		hub:       hub,
		jwtSecret: jwtSecret,
	}
}

func (h *InboxHandler) GetInbox(c *fiber.Ctx) error {
	viewerID, err := parseViewerID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	snapshot, err := h.service.Snapshot(c.UserContext(), viewerID)
	if err != nil {
		return mapInboxError(c, err)
	}

	return c.JSON(fiber.Map{"inbox": snapshot})
}

func (h *InboxHandler) Refresh(c *fiber.Ctx) error {
	viewerID, err := parseViewerID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	snapshot, err := h.service.Refresh(c.UserContext(), viewerID)
	if err != nil {
		return mapInboxError(c, err)
	}

	return c.JSON(fiber.Map{"inbox": snapshot})
}

func (h *InboxHandler) SelectConversation(c *fiber.Ctx) error {
	viewerID, err := parseViewerID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	var req selectConversationRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	counterpartyID, err := uuid.Parse(strings.TrimSpace(req.CounterpartyID))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid counterparty id"})
	}

	snapshot, err := h.service.Select(c.UserContext(), viewerID, counterpartyID)
	if err != nil {
		return mapInboxError(c, err)
	}

	return c.JSON(fiber.Map{"inbox": snapshot})
}

func (h *InboxHandler) SetDraft(c *fiber.Ctx) error {
	viewerID, err := parseViewerID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	var req draftRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	snapshot, err := h.service.SetDraft(c.UserContext(), viewerID, req.Content)
	if err != nil {
		return mapInboxError(c, err)
	}

	return c.JSON(fiber.Map{"inbox": snapshot})
}

func (h *InboxHandler) SendMessage(c *fiber.Ctx) error {
	viewerID, err := parseViewerID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	message, snapshot, err := h.service.Send(c.UserContext(), viewerID)
	if err != nil {
		return mapInboxError(c, err)
	}
	if message == nil {
		return c.JSON(fiber.Map{"inbox": snapshot})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": message,
		"inbox":   snapshot,
	})
}

func (h *InboxHandler) SignOut(c *fiber.Ctx) error {
	viewerID, err := parseViewerID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	if err := h.service.SignOut(c.UserContext(), viewerID); err != nil {
		return mapInboxError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *InboxHandler) WebSocketAuth(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{"error": "WebSocket upgrade required"})
	}

	claims, err := h.parseWSClaims(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid or expired token"})
	}

	c.Locals("user_id", claims.UserID)
	c.Locals("role", claims.Role)
	return c.Next()
}

func (h *InboxHandler) HandleWebSocket(conn *websocket.Conn) {
	userID, _ := conn.Locals("user_id").(string)
	client := chatws.NewClient(h.hub, conn, userID)

	h.hub.Register(client)
	go client.WritePump()
	client.ReadPump(h.service)
}

func (h *InboxHandler) parseWSClaims(c *fiber.Ctx) (*utils.Claims, error) {
	tokenString := strings.TrimSpace(c.Query("token"))
	if tokenString == "" {
		if bearer, ok := middleware.BearerToken(c.Get("Authorization")); ok {
			tokenString = bearer
		}
	}

	if tokenString == "" {
		return nil, errors.New("missing token")
	}

	return utils.ValidateToken(tokenString, h.jwtSecret)
}

func parseViewerID(c *fiber.Ctx) (uuid.UUID, error) {
	userID, ok := c.Locals("user_id").(string)
	if !ok {
		return uuid.Nil, errors.New("missing user id")
	}
	return uuid.Parse(userID)
}

func mapInboxError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, inbox.ErrSendInFlight):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "A message is already being sent"})
	case errors.Is(err, inbox.ErrNoConversationSelected):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "No conversation selected"})
	case errors.Is(err, inbox.ErrConversationNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Conversation not found"})
	case errors.Is(err, inbox.ErrSessionClosed):
		return c.Status(fiber.StatusGone).JSON(fiber.Map{"error": "Session ended"})
	case errors.Is(err, messaging.ErrEmptyContent), errors.Is(err, messaging.ErrInvalidRecipient):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request"})
	case errors.Is(err, messaging.ErrLoadConversations):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Failed to load conversations"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process inbox request"})
	}
}
