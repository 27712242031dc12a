package chatws

import (
	"context"
	"encoding/json"
	"log"
	"time"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"github.com/racegrid/RaceSeatBack/internal/inbox"
	"github.com/racegrid/RaceSeatBack/internal/models"
)

const (
	TypeInbox   = "inbox"
	TypeError   = "error"
	TypeSelect  = "select"
	TypeDraft   = "draft"
	TypeSend    = "send"
	TypeRefresh = "refresh"

	operationTimeout = 15 * time.Second
)

type Hub struct {
	clients    map[string]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan *delivery
	stop       chan struct{}
}

type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
}

// InboxService is the part of the inbox manager a socket can drive.
type InboxService interface {
	Refresh(ctx context.Context, viewerID uuid.UUID) (inbox.Snapshot, error)
	Select(ctx context.Context, viewerID uuid.UUID, counterpartyID uuid.UUID) (inbox.Snapshot, error)
	SetDraft(ctx context.Context, viewerID uuid.UUID, content string) (inbox.Snapshot, error)
	Send(ctx context.Context, viewerID uuid.UUID) (*models.Message, inbox.Snapshot, error)
}

type Message struct {
	Type           string          `json:"type"`
	CounterpartyID string          `json:"counterparty_id,omitempty"`
	Content        string          `json:"content,omitempty"`
	Inbox          *inbox.Snapshot `json:"inbox,omitempty"`
	Timestamp      string          `json:"timestamp"`
}

// delivery targets every socket of userID, or only client when set.
type delivery struct {
	userID  string
	client  *Client
	payload []byte
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *delivery, 64),
		stop:       make(chan struct{}),
	}
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, 32),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			set, ok := h.clients[client.userID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[client.userID] = set
			}
			set[client] = struct{}{}
		case client := <-h.unregister:
			set, ok := h.clients[client.userID]
			if !ok {
				continue
			}
			if _, exists := set[client]; exists {
				delete(set, client)
				close(client.send)
			}
			if len(set) == 0 {
				delete(h.clients, client.userID)
			}
		case d := <-h.broadcast:
			if d.client != nil {
				h.sendToClient(d.client, d.payload)
				continue
			}
			h.sendToUser(d.userID, d.payload)
		case <-h.stop:
			for userID, set := range h.clients {
				for client := range set {
					close(client.send)
				}
				delete(h.clients, userID)
			}
			return
		}
	}
}

func (h *Hub) Stop() {
	close(h.stop)
}

func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.stop:
		close(client.send)
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stop:
	}
}

// Publish pushes an inbox snapshot to every socket the viewer has open.
func (h *Hub) Publish(viewerID uuid.UUID, snapshot inbox.Snapshot) {
	encoded, err := encodeMessage(&Message{
		Type:      TypeInbox,
		Inbox:     &snapshot,
		Timestamp: formatTimestamp(time.Now()),
	})
	if err != nil {
		log.Printf("chat hub encode snapshot: %v", err)
		return
	}

	select {
	case h.broadcast <- &delivery{userID: viewerID.String(), payload: encoded}:
	case <-h.stop:
	}
}

func (h *Hub) sendToUser(userID string, payload []byte) {
	set, ok := h.clients[userID]
	if !ok {
		return
	}

	for client := range set {
		select {
		case client.send <- payload:
		default:
			delete(set, client)
			close(client.send)
		}
	}
	if len(set) == 0 {
		delete(h.clients, userID)
	}
}

func (h *Hub) sendToClient(client *Client, payload []byte) {
	set, ok := h.clients[client.userID]
	if !ok {
		return
	}
	if _, exists := set[client]; !exists {
		return
	}

	select {
	case client.send <- payload:
	default:
		delete(set, client)
		close(client.send)
		if len(set) == 0 {
			delete(h.clients, client.userID)
		}
	}
}

func encodeMessage(message *Message) ([]byte, error) {
	return json.Marshal(message)
}

func formatTimestamp(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339)
}

func (c *Client) ReadPump(service InboxService) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	viewerID, err := uuid.Parse(c.userID)
	if err != nil {
		writeError(c, "invalid user")
		return
	}

	c.handle(service, viewerID, Message{Type: TypeRefresh})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var incoming Message
		if err := json.Unmarshal(payload, &incoming); err != nil {
			writeError(c, "invalid message payload")
			continue
		}
		c.handle(service, viewerID, incoming)
	}
}

// handle runs one inbound command. Successful state changes reach this
// socket through Publish, so only failures are answered directly.
func (c *Client) handle(service InboxService, viewerID uuid.UUID, incoming Message) {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	switch incoming.Type {
	case TypeRefresh:
		if _, err := service.Refresh(ctx, viewerID); err != nil {
			writeError(c, "failed to load conversations")
		}
	case TypeSelect:
		counterpartyID, err := uuid.Parse(incoming.CounterpartyID)
		if err != nil {
			writeError(c, "invalid counterparty id")
			return
		}
		if _, err := service.Select(ctx, viewerID, counterpartyID); err != nil {
			writeError(c, "failed to select conversation")
		}
	case TypeDraft:
		if _, err := service.SetDraft(ctx, viewerID, incoming.Content); err != nil {
			writeError(c, "failed to update draft")
		}
	case TypeSend:
		if _, _, err := service.Send(ctx, viewerID); err != nil {
			writeError(c, "failed to send message")
		}
	default:
		writeError(c, "unsupported message type")
	}
}

func (c *Client) WritePump() {
	defer func() {
		_ = c.conn.Close()
	}()

	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func writeError(client *Client, message string) {
	payload, err := encodeMessage(&Message{
		Type:      TypeError,
		Content:   message,
		Timestamp: formatTimestamp(time.Now()),
	})
	if err != nil {
		return
	}
	enqueue(client, payload)
}

// enqueue hands the payload to the hub goroutine, which owns client.send.
func enqueue(client *Client, payload []byte) {
	select {
	case client.hub.broadcast <- &delivery{userID: client.userID, client: client, payload: payload}:
	case <-client.hub.stop:
	}
}
