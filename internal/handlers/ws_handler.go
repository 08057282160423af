package handlers

import (
	"context"
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fathima-sithara/messaging-core/internal/auth"
	"github.com/fathima-sithara/messaging-core/internal/delivery"
	"github.com/fathima-sithara/messaging-core/internal/hub"
	"github.com/fathima-sithara/messaging-core/internal/presence"
	"github.com/fathima-sithara/messaging-core/internal/wire"
)

type WSHandler struct {
	hub        *hub.Hub
	engine     *delivery.Engine
	presence   *presence.Registry
	validator  *auth.Validator
	ratePerMin int
	logger     *zap.SugaredLogger
}

func NewWSHandler(h *hub.Hub, e *delivery.Engine, p *presence.Registry, v *auth.Validator, ratePerMin int, logger *zap.SugaredLogger) *WSHandler {
	return &WSHandler{hub: h, engine: e, presence: p, validator: v, ratePerMin: ratePerMin, logger: logger}
}

// Upgrade gates the ws route on an upgrade request.
func (h *WSHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Serve runs one connection's lifecycle: authenticate, register, pump, and
// tear down. Admission requires a valid token; there is no partial state on
// rejection.
func (h *WSHandler) Serve(c *websocket.Conn) {
	token := c.Query("token")
	if token == "" {
		if t, err := auth.ParseBearer(c.Headers("Authorization")); err == nil {
			token = t
		}
	}
	identity, err := h.validator.Validate(token)
	if err != nil {
		_ = c.WriteJSON(wire.Envelope{Event: wire.EvError, Payload: mustJSON(wire.ErrorPayload{Reason: "invalid or missing token"})})
		_ = c.Close()
		return
	}

	client := hub.NewClient(uuid.NewString(), identity.UserID, c, h.ratePerMin, h.logger)
	h.hub.AddClient(client)
	h.presence.ConnectionOpened(context.Background(), identity.UserID)
	go client.WritePump()

	h.logger.Infow("connection established", "user_id", identity.UserID, "conn_id", client.ID)
	h.readLoop(client, identity)

	// a disconnect mid-operation does not cancel in-flight persistence;
	// teardown only unregisters the connection
	h.hub.RemoveClient(client)
	h.presence.ConnectionClosed(context.Background(), identity.UserID)
	client.Close()
	h.logger.Infow("connection closed", "user_id", identity.UserID, "conn_id", client.ID)
}

func (h *WSHandler) readLoop(client *hub.Client, identity auth.Identity) {
	conn := client.Conn()
	conn.SetReadLimit(client.ReadLimit())
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		if !client.Limiter.Allow() {
			client.Send(wire.Marshal(wire.EvError, wire.ErrorPayload{Reason: "rate limit exceeded"}))
			continue
		}
		h.dispatch(client, identity, data)
	}
}

// dispatch decodes the tagged variant for the event name, validates it, and
// hands the strongly-shaped record to the engine. A failed operation sends
// an explicit error event back; inputs are never silently dropped.
func (h *WSHandler) dispatch(client *hub.Client, identity auth.Identity, data []byte) {
	event, payload, err := wire.Decode(data)
	if err != nil {
		client.Send(wire.Marshal(wire.EvError, wire.ErrorPayload{Reason: err.Error()}))
		return
	}
	ctx := context.Background()

	fail := func(reason string) {
		client.Send(wire.Marshal(wire.EvError, wire.ErrorPayload{Event: event, Reason: reason}))
	}

	switch event {
	case wire.EvMessageSend:
		var req wire.MessageSend
		if err := decode(payload, &req); err != nil {
			fail(err.Error())
			return
		}
		m, err := h.engine.SendDirect(ctx, identity.UserID, req)
		if err != nil {
			fail(err.Error())
			return
		}
		client.Send(wire.Marshal(wire.EvMessageSent, map[string]any{"messageId": m.ID, "status": m.Status}))

	case wire.EvMessageRead:
		var req wire.MessageRead
		if err := decode(payload, &req); err != nil {
			fail(err.Error())
			return
		}
		if _, err := h.engine.MarkRead(ctx, identity.UserID, req.MessageID); err != nil {
			fail(err.Error())
		}

	case wire.EvMessageEdit:
		var req wire.MessageEdit
		if err := decode(payload, &req); err != nil {
			fail(err.Error())
			return
		}
		if _, err := h.engine.Edit(ctx, identity.UserID, req); err != nil {
			fail(err.Error())
		}

	case wire.EvMessageDelete:
		var req wire.MessageDelete
		if err := decode(payload, &req); err != nil {
			fail(err.Error())
			return
		}
		if _, err := h.engine.Delete(ctx, identity.UserID, req.MessageID); err != nil {
			fail(err.Error())
		}

	case wire.EvGroupMsgDelete:
		var req wire.MessageDelete
		if err := decode(payload, &req); err != nil {
			fail(err.Error())
			return
		}
		if _, err := h.engine.DeleteGroupMessage(ctx, identity.UserID, req.MessageID); err != nil {
			fail(err.Error())
		}

	case wire.EvTypingStart, wire.EvTypingStop:
		var req wire.Typing
		if err := decode(payload, &req); err != nil {
			fail(err.Error())
			return
		}
		h.engine.RelayTyping(identity.UserID, event, req)

	case wire.EvGroupJoin:
		var req wire.GroupJoin
		if err := decode(payload, &req); err != nil {
			fail(err.Error())
			return
		}
		if err := h.hub.JoinRoom(ctx, req.GroupID, identity.UserID); err != nil {
			fail(err.Error())
		}

	case wire.EvGroupLeave:
		var req wire.GroupJoin
		if err := decode(payload, &req); err != nil {
			fail(err.Error())
			return
		}
		h.hub.LeaveRoom(req.GroupID, identity.UserID)

	case wire.EvGroupMsgSend:
		var req wire.GroupMessageSend
		if err := decode(payload, &req); err != nil {
			fail(err.Error())
			return
		}
		m, err := h.engine.SendGroup(ctx, identity.UserID, req)
		if err != nil {
			fail(err.Error())
			return
		}
		client.Send(wire.Marshal(wire.EvMessageSent, map[string]any{"messageId": m.ID, "status": m.Status}))

	case wire.EvGroupReaction, wire.EvMessageReaction:
		var req wire.ReactionAction
		if err := decode(payload, &req); err != nil {
			fail(err.Error())
			return
		}
		if err := h.engine.React(ctx, identity.UserID, req); err != nil {
			fail(err.Error())
		}

	default:
		h.logger.Debugw("unknown event ignored", "event", event, "user_id", identity.UserID)
	}
}

type validatable interface{ Validate() error }

func decode(payload json.RawMessage, v validatable) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return err
	}
	return v.Validate()
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
