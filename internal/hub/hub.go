// Package hub routes events to live connections. It owns the registry of
// connected clients and the logical rooms used for group broadcast; group
// routing is always checked against current membership, never against a
// stale room list alone.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
	"github.com/fathima-sithara/messaging-core/internal/models"
)

// MembershipSource answers group membership questions; the message store
// implements it.
type MembershipSource interface {
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
	MemberIDs(ctx context.Context, groupID string) ([]string, error)
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[string]*Client // userID -> connID -> client
	rooms   map[string]map[string]bool    // groupID -> userID set
	members MembershipSource
	logger  *zap.SugaredLogger
}

func New(members MembershipSource, logger *zap.SugaredLogger) *Hub {
	return &Hub{
		clients: make(map[string]map[string]*Client),
		rooms:   make(map[string]map[string]bool),
		members: members,
		logger:  logger,
	}
}

func (h *Hub) AddClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.UserID] == nil {
		h.clients[c.UserID] = make(map[string]*Client)
	}
	h.clients[c.UserID][c.ID] = c
}

func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.clients[c.UserID]; ok {
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(h.clients, c.UserID)
			for _, room := range h.rooms {
				delete(room, c.UserID)
			}
		}
	}
}

// ResolveDirect returns the user's live connections; empty when offline, in
// which case the caller falls back to persisted-only delivery.
func (h *Hub) ResolveDirect(userID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := h.clients[userID]
	out := make([]*Client, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// ResolveGroup joins live connections against current group membership.
func (h *Hub) ResolveGroup(ctx context.Context, groupID string) ([]*Client, error) {
	ids, err := h.members.MemberIDs(ctx, groupID)
	if err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Client
	for _, id := range ids {
		for _, c := range h.clients[id] {
			out = append(out, c)
		}
	}
	return out, nil
}

// JoinRoom subscribes a user to a group's broadcast room. Non-members are
// rejected with Forbidden and the attempt is logged, not silently dropped.
func (h *Hub) JoinRoom(ctx context.Context, groupID, userID string) error {
	ok, err := h.members.IsMember(ctx, groupID, userID)
	if err != nil {
		return err
	}
	if !ok {
		h.logger.Warnw("room join rejected: not a member", "group_id", groupID, "user_id", userID)
		return fmt.Errorf("%w: not a member of group %s", apperr.ErrForbidden, groupID)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[groupID] == nil {
		h.rooms[groupID] = make(map[string]bool)
	}
	h.rooms[groupID][userID] = true
	return nil
}

func (h *Hub) LeaveRoom(groupID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[groupID]; ok {
		delete(room, userID)
		if len(room) == 0 {
			delete(h.rooms, groupID)
		}
	}
}

// SendToUser pushes a frame to every live connection of the user and reports
// whether at least one connection received it.
func (h *Hub) SendToUser(userID string, b []byte) bool {
	clients := h.ResolveDirect(userID)
	for _, c := range clients {
		c.Send(b)
	}
	return len(clients) > 0
}

// SendToGroup pushes a frame to every live connection of every current
// group member.
func (h *Hub) SendToGroup(ctx context.Context, groupID string, b []byte) error {
	clients, err := h.ResolveGroup(ctx, groupID)
	if err != nil {
		return err
	}
	for _, c := range clients {
		c.Send(b)
	}
	return nil
}

// BroadcastRoom pushes a frame to everyone currently joined to the room.
// Used for transient traffic (typing) that is scoped to joined connections.
func (h *Hub) BroadcastRoom(groupID string, b []byte) {
	h.mu.RLock()
	users := make([]string, 0, len(h.rooms[groupID]))
	for u := range h.rooms[groupID] {
		users = append(users, u)
	}
	h.mu.RUnlock()
	for _, u := range users {
		h.SendToUser(u, b)
	}
}

// BroadcastPresence implements presence.Broadcaster: every connected client
// learns about every presence change.
func (h *Hub) BroadcastPresence(rec models.PresenceRecord) {
	payload := map[string]any{"userId": rec.UserID, "status": rec.State}
	if rec.State == models.PresenceOffline {
		payload["lastSeen"] = rec.LastSeenAt
	}
	b, _ := json.Marshal(map[string]any{"event": "user:status", "payload": payload})

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conns := range h.clients {
		for _, c := range conns {
			c.Send(b)
		}
	}
}

// CloseAll tears down every connection; part of server shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]map[string]*Client)
	h.rooms = make(map[string]map[string]bool)
	h.mu.Unlock()

	for _, conns := range clients {
		for _, c := range conns {
			c.Close()
		}
	}
}
