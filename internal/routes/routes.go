package routes

import (
	"context"
	"fmt"
	"log"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/racegrid/RaceSeatBack/internal/cache"
	"github.com/racegrid/RaceSeatBack/internal/config"
	"github.com/racegrid/RaceSeatBack/internal/handlers"
	"github.com/racegrid/RaceSeatBack/internal/inbox"
	"github.com/racegrid/RaceSeatBack/internal/messaging"
	"github.com/racegrid/RaceSeatBack/internal/middleware"
	"github.com/racegrid/RaceSeatBack/internal/realtime"
	"github.com/racegrid/RaceSeatBack/internal/repository"
	chatws "github.com/racegrid/RaceSeatBack/internal/websocket"
)

// Runtime holds the background pieces started alongside the routes.
type Runtime struct {
	Manager *inbox.Manager
	Hub     *chatws.Hub

	cache *cache.RedisConversationCache
}

// Close stops live updates first so no refresh publishes into a stopped hub.
func (r *Runtime) Close() {
	r.Manager.CloseAll()
	r.Hub.Stop()
	if r.cache != nil {
		if err := r.cache.Close(); err != nil {
			log.Printf("close conversation cache: %v", err)
		}
	}
}

// RegisterRoutes wires the inbox stack. Background goroutines run until ctx
// is cancelled.
func RegisterRoutes(ctx context.Context, app *fiber.App, cfg *config.Config, db *pgxpool.Pool) (*Runtime, error) {
	messageRepo := repository.NewMessageRepository(db)
	profileRepo := repository.NewProfileRepository(db)

	var conversationCache messaging.ConversationCache
	var redisCache *cache.RedisConversationCache
	if cfg.CacheEnabled() {
		client, err := cache.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect conversation cache: %w", err)
		}
		redisCache = cache.NewRedisConversationCache(client, cfg.ConversationCacheTTL)
		conversationCache = redisCache
	}
	aggregator := messaging.NewAggregator(messageRepo, profileRepo, conversationCache)

	listener := realtime.NewListener(db, cfg.NotifyChannel)
	go listener.Run(ctx)

	chatHub := chatws.NewHub()
	go chatHub.Run()

	manager := inbox.NewManager(ctx, aggregator, listener, chatHub)
	inboxHandler := handlers.NewInboxHandler(manager, chatHub, cfg.JWTSecret)

	registerInboxRoutes(app.Group("/api"), inboxHandler, cfg.JWTSecret)

	return &Runtime{
		Manager: manager,
		Hub:     chatHub,
		cache:   redisCache,
	}, nil
}

// registerInboxRoutes keeps the websocket outside the bearer middleware:
// browsers cannot set headers on an upgrade, so it authenticates through
// WebSocketAuth with a query token instead.
func registerInboxRoutes(api fiber.Router, inboxHandler *handlers.InboxHandler, jwtSecret string) {
	inboxRoutes := api.Group("/v1/inbox", middleware.AuthRequired(jwtSecret))
	inboxRoutes.Get("", inboxHandler.GetInbox)
	inboxRoutes.Delete("", inboxHandler.SignOut)
	inboxRoutes.Post("/refresh", inboxHandler.Refresh)
	inboxRoutes.Post("/select", inboxHandler.SelectConversation)
	inboxRoutes.Put("/draft", inboxHandler.SetDraft)
	inboxRoutes.Post("/send", inboxHandler.SendMessage)

	api.Get("/v1/ws", inboxHandler.WebSocketAuth, websocket.New(inboxHandler.HandleWebSocket))
}
