// Package api assembles the fiber application: the websocket endpoint, the
// REST surface, observability endpoints, and the JWT middleware that binds
// an identity to every request.
package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/fathima-sithara/messaging-core/internal/auth"
	"github.com/fathima-sithara/messaging-core/internal/config"
	"github.com/fathima-sithara/messaging-core/internal/handlers"
)

type Server struct {
	app    *fiber.App
	cfg    *config.Config
	logger *zap.SugaredLogger
}

func NewServer(
	cfg *config.Config,
	validator *auth.Validator,
	wsHandler *handlers.WSHandler,
	rest *handlers.RestHandler,
	mongoClient *mongo.Client,
	rdb *redis.Client,
	logger *zap.SugaredLogger,
) *Server {
	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		DisableStartupMessage: true,
	})

	app.Get("/healthz", healthHandler(mongoClient, rdb))
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Use("/ws", wsHandler.Upgrade)
	app.Get("/ws", websocket.New(wsHandler.Serve))

	authed := app.Group("/", jwtMiddleware(validator))

	authed.Get("/messages/private/:otherId", rest.PrivateHistory)
	authed.Get("/messages/group/:groupId", rest.GroupHistory)

	authed.Post("/reactions/message/:id", rest.AddReaction)
	authed.Delete("/reactions/message/:id", rest.RemoveReaction)
	authed.Get("/reactions/message/:id", rest.ListReactions)

	authed.Get("/attachments/message/:id", rest.ListAttachments)

	authed.Post("/groups", rest.CreateGroup)
	authed.Post("/groups/join", rest.JoinByInviteCode)
	authed.Get("/groups/:id", rest.GetGroup)
	authed.Post("/groups/:id/invite-code", rest.RegenerateInviteCode)
	authed.Get("/groups/:id/members", rest.ListMembers)
	authed.Post("/groups/:id/members", rest.AddMember)
	authed.Patch("/groups/:id/members/:userId", rest.UpdateMemberRole)
	authed.Delete("/groups/:id/members/:userId", rest.RemoveMember)

	authed.Get("/presence/:userId", rest.GetPresence)

	return &Server{app: app, cfg: cfg, logger: logger}
}

// jwtMiddleware verifies the bearer credential and threads the resulting
// identity through request locals as an explicit value.
func jwtMiddleware(validator *auth.Validator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := auth.ParseBearer(c.Get("Authorization"))
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing or malformed authorization"})
		}
		identity, err := validator.Validate(token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token"})
		}
		c.Locals("identity", identity)
		return c.Next()
	}
}

func healthHandler(mongoClient *mongo.Client, rdb *redis.Client) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()
		status := fiber.Map{"status": "ok"}
		code := fiber.StatusOK
		if mongoClient != nil {
			if err := mongoClient.Ping(ctx, nil); err != nil {
				status["mongo"] = "down"
				code = fiber.StatusServiceUnavailable
			}
		}
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				status["redis"] = "down"
				code = fiber.StatusServiceUnavailable
			}
		}
		return c.Status(code).JSON(status)
	}
}

func (s *Server) Listen() error {
	addr := ":" + s.cfg.App.PortString()
	s.logger.Infow("messaging core listening", "addr", addr)
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
