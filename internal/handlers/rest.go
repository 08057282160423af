package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
	"github.com/fathima-sithara/messaging-core/internal/auth"
	"github.com/fathima-sithara/messaging-core/internal/delivery"
	"github.com/fathima-sithara/messaging-core/internal/models"
	"github.com/fathima-sithara/messaging-core/internal/presence"
	"github.com/fathima-sithara/messaging-core/internal/repository"
	"github.com/fathima-sithara/messaging-core/internal/wire"
)

type RestHandler struct {
	engine   *delivery.Engine
	store    *repository.Store
	presence *presence.Registry
	logger   *zap.SugaredLogger
}

func NewRestHandler(e *delivery.Engine, s *repository.Store, p *presence.Registry, logger *zap.SugaredLogger) *RestHandler {
	return &RestHandler{engine: e, store: s, presence: p, logger: logger}
}

func identityFrom(c *fiber.Ctx) auth.Identity {
	id, _ := c.Locals("identity").(auth.Identity)
	return id
}

func (h *RestHandler) fail(c *fiber.Ctx, err error) error {
	status := apperr.HTTPStatus(err)
	if status == fiber.StatusInternalServerError || status == fiber.StatusServiceUnavailable {
		h.logger.Errorw("request failed", "path", c.Path(), "err", err)
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

// --- history ---

func (h *RestHandler) PrivateHistory(c *fiber.Ctx) error {
	id := identityFrom(c)
	otherID := c.Params("otherId")
	cursor, err := repository.DecodeCursor(c.Query("cursor"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	msgs, next, err := h.engine.DirectHistory(c.Context(), id.UserID, otherID, cursor, int64(c.QueryInt("limit")))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(historyResponse(msgs, next))
}

func (h *RestHandler) GroupHistory(c *fiber.Ctx) error {
	id := identityFrom(c)
	groupID := c.Params("groupId")
	cursor, err := repository.DecodeCursor(c.Query("cursor"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	msgs, next, err := h.engine.GroupHistory(c.Context(), id.UserID, groupID, cursor, int64(c.QueryInt("limit")))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(historyResponse(msgs, next))
}

func historyResponse[T any](msgs []T, next repository.Cursor) fiber.Map {
	resp := fiber.Map{"messages": msgs}
	if !next.IsZero() {
		resp["nextCursor"] = next.Encode()
	}
	return resp
}

// --- reactions ---

type reactionReq struct {
	Emoji   string `json:"emoji"`
	GroupID string `json:"groupId,omitempty"`
}

func (h *RestHandler) AddReaction(c *fiber.Ctx) error {
	id := identityFrom(c)
	var req reactionReq
	if err := c.BodyParser(&req); err != nil || req.Emoji == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "emoji is required"})
	}
	err := h.engine.React(c.Context(), id.UserID, wire.ReactionAction{
		MessageID: c.Params("id"), GroupID: req.GroupID, Emoji: req.Emoji, Action: "add",
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"status": "added"})
}

func (h *RestHandler) RemoveReaction(c *fiber.Ctx) error {
	id := identityFrom(c)
	var req reactionReq
	if err := c.BodyParser(&req); err != nil || req.Emoji == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "emoji is required"})
	}
	err := h.engine.React(c.Context(), id.UserID, wire.ReactionAction{
		MessageID: c.Params("id"), GroupID: req.GroupID, Emoji: req.Emoji, Action: "remove",
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "removed"})
}

func (h *RestHandler) ListReactions(c *fiber.Ctx) error {
	reactions, err := h.store.ListReactions(c.Context(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	if reactions == nil {
		reactions = []*models.Reaction{}
	}
	return c.JSON(fiber.Map{"reactions": reactions})
}

func (h *RestHandler) ListAttachments(c *fiber.Ctx) error {
	refs, err := h.store.ListAttachments(c.Context(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	if refs == nil {
		refs = []*models.AttachmentRef{}
	}
	return c.JSON(fiber.Map{"attachments": refs})
}

// --- groups ---

type createGroupReq struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsPublic    bool   `json:"isPublic"`
}

func (h *RestHandler) CreateGroup(c *fiber.Ctx) error {
	id := identityFrom(c)
	var req createGroupReq
	if err := c.BodyParser(&req); err != nil || req.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "name is required"})
	}
	g, err := h.store.CreateGroup(c.Context(), req.Name, req.Description, req.IsPublic, id.UserID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(g)
}

func (h *RestHandler) GetGroup(c *fiber.Ctx) error {
	g, err := h.store.GetGroup(c.Context(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(g)
}

func (h *RestHandler) ListMembers(c *fiber.Ctx) error {
	id := identityFrom(c)
	groupID := c.Params("id")
	ok, err := h.store.IsMember(c.Context(), groupID, id.UserID)
	if err != nil {
		return h.fail(c, err)
	}
	if !ok {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "not a member"})
	}
	members, err := h.store.ListMembers(c.Context(), groupID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"members": members})
}

type addMemberReq struct {
	UserID string            `json:"userId"`
	Role   models.MemberRole `json:"role"`
}

func (h *RestHandler) AddMember(c *fiber.Ctx) error {
	id := identityFrom(c)
	groupID := c.Params("id")
	var req addMemberReq
	if err := c.BodyParser(&req); err != nil || req.UserID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "userId is required"})
	}
	if req.Role == "" {
		req.Role = models.RoleMember
	}
	// only admins add members directly; everyone else joins via invite code
	requester, err := h.store.GetMember(c.Context(), groupID, id.UserID)
	if err != nil {
		return h.fail(c, err)
	}
	if requester.Role != models.RoleAdmin {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "only an admin may add members"})
	}
	m, err := h.store.AddMember(c.Context(), groupID, req.UserID, req.Role)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(m)
}

type updateRoleReq struct {
	Role models.MemberRole `json:"role"`
}

func (h *RestHandler) UpdateMemberRole(c *fiber.Ctx) error {
	id := identityFrom(c)
	var req updateRoleReq
	if err := c.BodyParser(&req); err != nil || req.Role == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "role is required"})
	}
	m, err := h.store.UpdateMemberRole(c.Context(), c.Params("id"), id.UserID, c.Params("userId"), req.Role)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(m)
}

func (h *RestHandler) RemoveMember(c *fiber.Ctx) error {
	id := identityFrom(c)
	if err := h.store.RemoveMember(c.Context(), c.Params("id"), id.UserID, c.Params("userId")); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "removed"})
}

type joinByCodeReq struct {
	InviteCode string `json:"inviteCode"`
}

func (h *RestHandler) JoinByInviteCode(c *fiber.Ctx) error {
	id := identityFrom(c)
	var req joinByCodeReq
	if err := c.BodyParser(&req); err != nil || req.InviteCode == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "inviteCode is required"})
	}
	g, err := h.store.GetGroupByInviteCode(c.Context(), req.InviteCode)
	if err != nil {
		return h.fail(c, err)
	}
	m, err := h.store.AddMember(c.Context(), g.ID, id.UserID, models.RoleMember)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"group": g, "membership": m})
}

func (h *RestHandler) RegenerateInviteCode(c *fiber.Ctx) error {
	id := identityFrom(c)
	g, err := h.store.RegenerateInviteCode(c.Context(), c.Params("id"), id.UserID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(g)
}

// --- presence ---

func (h *RestHandler) GetPresence(c *fiber.Ctx) error {
	rec := h.presence.Get(c.Context(), c.Params("userId"))
	return c.JSON(rec)
}
