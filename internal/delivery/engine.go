// Package delivery is the messaging state machine. It owns the
// persist-before-push ordering: a message is durable before any peer sees
// it, push failures never corrupt persisted state, and fanout publication
// is fully decoupled from the synchronous path.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
	"github.com/fathima-sithara/messaging-core/internal/cache"
	"github.com/fathima-sithara/messaging-core/internal/events"
	"github.com/fathima-sithara/messaging-core/internal/models"
	"github.com/fathima-sithara/messaging-core/internal/repository"
	"github.com/fathima-sithara/messaging-core/internal/wire"
)

// Store is the slice of the message store the engine drives.
type Store interface {
	CreateDirectMessage(ctx context.Context, p repository.CreateDirectParams) (*models.DirectMessage, error)
	CreateGroupMessage(ctx context.Context, p repository.CreateGroupParams) (*models.GroupMessage, error)
	GetDirectMessage(ctx context.Context, id string) (*models.DirectMessage, error)
	GetGroupMessage(ctx context.Context, id string) (*models.GroupMessage, error)
	UpdateStatus(ctx context.Context, messageID string, newStatus models.MessageStatus) (*models.DirectMessage, error)
	EditMessage(ctx context.Context, messageID, requesterID, newCipherText, newIV string) (*models.DirectMessage, error)
	SoftDelete(ctx context.Context, messageID, requesterID string) (*models.DirectMessage, error)
	SoftDeleteGroupMessage(ctx context.Context, messageID, requesterID string) (*models.GroupMessage, error)
	Burn(ctx context.Context, messageID string) error
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
	AddReaction(ctx context.Context, messageID, userID, emoji string) (*models.Reaction, error)
	RemoveReaction(ctx context.Context, messageID, userID, emoji string) error
	ListDirectConversation(ctx context.Context, userID, otherID string, cursor repository.Cursor, limit int64) ([]*models.DirectMessage, repository.Cursor, error)
	ListGroupConversation(ctx context.Context, groupID string, cursor repository.Cursor, limit int64) ([]*models.GroupMessage, repository.Cursor, error)
}

// Router pushes frames to live connections.
type Router interface {
	SendToUser(userID string, frame []byte) bool
	SendToGroup(ctx context.Context, groupID string, frame []byte) error
	BroadcastRoom(groupID string, frame []byte)
}

// PresenceSource answers "is this user online right now".
type PresenceSource interface {
	Online(userID string) bool
}

// Fanout publishes derived events, best-effort.
type Fanout interface {
	Publish(ev events.Event)
}

type Engine struct {
	store    Store
	router   Router
	presence PresenceSource
	fanout   Fanout
	recent   *cache.Recent
	logger   *zap.SugaredLogger

	// serializes persist-then-push per conversation so two racing sends on
	// the same pair cannot emit status pushes out of persistence order
	convLocks sync.Map // conv key -> *sync.Mutex
}

func NewEngine(store Store, router Router, presence PresenceSource, fanout Fanout, recent *cache.Recent, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		store:    store,
		router:   router,
		presence: presence,
		fanout:   fanout,
		recent:   recent,
		logger:   logger,
	}
}

func (e *Engine) lockConversation(key string) func() {
	v, _ := e.convLocks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func attachmentFromMedia(m *wire.MediaRef) *models.AttachmentRef {
	if m == nil {
		return nil
	}
	return &models.AttachmentRef{MediaID: m.MediaID, MediaType: m.MediaType, Metadata: m.Metadata}
}

// SendDirect runs the direct-message send protocol. The returned message
// carries the final resolved status (SENT, or DELIVERED when the receiver
// was live), which the handler acks back to the sender.
func (e *Engine) SendDirect(ctx context.Context, senderID string, req wire.MessageSend) (*models.DirectMessage, error) {
	unlock := e.lockConversation(cache.DirectKey(senderID, req.To))
	defer unlock()

	// durability point: nothing is pushed unless this succeeds
	m, err := e.store.CreateDirectMessage(ctx, repository.CreateDirectParams{
		SenderID:        senderID,
		ReceiverID:      req.To,
		CipherText:      req.CipherText,
		IV:              req.IV,
		SenderPublicKey: req.SenderPublicKey,
		BurnAfterRead:   req.BurnAfterRead,
		Attachment:      attachmentFromMedia(req.Media),
	})
	if err != nil {
		return nil, err
	}

	if e.presence.Online(req.To) {
		pushed := e.router.SendToUser(req.To, wire.Marshal(wire.EvMessageReceive, m))
		if pushed {
			updated, uerr := e.store.UpdateStatus(ctx, m.ID, models.StatusDelivered)
			if uerr != nil {
				// push already happened; the message stays correctly
				// persisted at SENT
				e.logger.Warnw("delivered transition failed", "message_id", m.ID, "err", uerr)
			} else {
				m = updated
			}
		}
	}

	e.recent.Push(ctx, cache.DirectKey(senderID, req.To), cacheDoc(m))

	e.fanout.Publish(events.Event{
		Type: events.TypeMessageCreated, ID: m.ID, SenderID: m.SenderID,
		ChatID: cache.DirectKey(m.SenderID, m.ReceiverID), Content: m.CipherText, CreatedAt: m.CreatedAt,
	})
	e.fanout.Publish(events.Event{
		Type: events.TypeMessageSent, ID: m.ID, SenderID: m.SenderID,
		ChatID: cache.DirectKey(m.SenderID, m.ReceiverID), Content: m.CipherText, CreatedAt: m.CreatedAt,
	})
	return m, nil
}

// SendGroup persists and broadcasts a group message. Non-members are
// rejected before anything is persisted. Group delivery state is binary:
// persisted means sent, with no per-recipient tracking.
func (e *Engine) SendGroup(ctx context.Context, senderID string, req wire.GroupMessageSend) (*models.GroupMessage, error) {
	ok, err := e.store.IsMember(ctx, req.GroupID, senderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, forbiddenNonMember(req.GroupID)
	}

	unlock := e.lockConversation(cache.GroupKey(req.GroupID))
	defer unlock()

	m, err := e.store.CreateGroupMessage(ctx, repository.CreateGroupParams{
		SenderID:   senderID,
		GroupID:    req.GroupID,
		CipherText: req.CipherText,
		IV:         req.IV,
		KeyVersion: req.KeyVersion,
		Attachment: attachmentFromMedia(req.Media),
	})
	if err != nil {
		return nil, err
	}

	// broadcast reaches every live member connection, the sender's other
	// devices included
	frame := wire.Marshal(wire.EvGroupMsgReceive, m)
	if err := e.router.SendToGroup(ctx, req.GroupID, frame); err != nil {
		e.logger.Warnw("group broadcast failed", "group_id", req.GroupID, "message_id", m.ID, "err", err)
	}

	e.recent.Push(ctx, cache.GroupKey(req.GroupID), cacheDoc(m))

	e.fanout.Publish(events.Event{
		Type: events.TypeMessageCreated, ID: m.ID, SenderID: m.SenderID,
		ChatID: cache.GroupKey(m.GroupID), Content: m.CipherText, CreatedAt: m.CreatedAt,
	})
	return m, nil
}

// MarkRead handles a read receipt: persist the READ transition, notify the
// original sender's live connections, publish the read event. An offline
// sender still gets the persisted transition on next history fetch.
func (e *Engine) MarkRead(ctx context.Context, readerID, messageID string) (*models.DirectMessage, error) {
	m, err := e.store.GetDirectMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.ReceiverID != readerID {
		return nil, forbiddenNotReceiver(messageID)
	}

	unlock := e.lockConversation(cache.DirectKey(m.SenderID, m.ReceiverID))
	defer unlock()

	if m.Status != models.StatusRead {
		m, err = e.store.UpdateStatus(ctx, messageID, models.StatusRead)
		if err != nil {
			return nil, err
		}
	}

	e.router.SendToUser(m.SenderID, wire.Marshal(wire.EvMessageStatus, map[string]any{
		"messageId": m.ID, "status": models.StatusRead, "readerId": readerID,
	}))

	if m.BurnAfterRead {
		if err := e.store.Burn(ctx, m.ID); err != nil {
			e.logger.Warnw("burn after read failed", "message_id", m.ID, "err", err)
		}
	}
	// the cached copy still carries the pre-read status
	e.recent.Invalidate(ctx, cache.DirectKey(m.SenderID, m.ReceiverID))

	e.fanout.Publish(events.Event{
		Type: events.TypeMessageRead, ID: m.ID, SenderID: m.SenderID,
		ChatID: cache.DirectKey(m.SenderID, m.ReceiverID), CreatedAt: m.UpdatedAt,
	})
	return m, nil
}

// Edit mutates content without touching status, then notifies both parties.
func (e *Engine) Edit(ctx context.Context, requesterID string, req wire.MessageEdit) (*models.DirectMessage, error) {
	m, err := e.store.EditMessage(ctx, req.MessageID, requesterID, req.CipherText, req.IV)
	if err != nil {
		return nil, err
	}
	frame := wire.Marshal(wire.EvMessageEdited, m)
	e.router.SendToUser(m.ReceiverID, frame)
	e.router.SendToUser(m.SenderID, frame)
	e.recent.Invalidate(ctx, cache.DirectKey(m.SenderID, m.ReceiverID))

	e.fanout.Publish(events.Event{
		Type: events.TypeMessageEdited, ID: m.ID, SenderID: m.SenderID,
		ChatID: cache.DirectKey(m.SenderID, m.ReceiverID), Content: m.CipherText, CreatedAt: m.UpdatedAt,
	})
	return m, nil
}

// Delete tombstones a direct message and notifies both parties.
func (e *Engine) Delete(ctx context.Context, requesterID, messageID string) (*models.DirectMessage, error) {
	m, err := e.store.SoftDelete(ctx, messageID, requesterID)
	if err != nil {
		return nil, err
	}
	frame := wire.Marshal(wire.EvMessageDeleted, map[string]any{"messageId": m.ID})
	e.router.SendToUser(m.ReceiverID, frame)
	e.router.SendToUser(m.SenderID, frame)
	e.recent.Invalidate(ctx, cache.DirectKey(m.SenderID, m.ReceiverID))

	e.fanout.Publish(events.Event{
		Type: events.TypeMessageDeleted, ID: m.ID, SenderID: m.SenderID,
		ChatID: cache.DirectKey(m.SenderID, m.ReceiverID), CreatedAt: m.UpdatedAt,
	})
	return m, nil
}

// DeleteGroupMessage tombstones a group message and broadcasts the removal.
func (e *Engine) DeleteGroupMessage(ctx context.Context, requesterID, messageID string) (*models.GroupMessage, error) {
	m, err := e.store.SoftDeleteGroupMessage(ctx, messageID, requesterID)
	if err != nil {
		return nil, err
	}
	frame := wire.Marshal(wire.EvMessageDeleted, map[string]any{"messageId": m.ID, "groupId": m.GroupID})
	if err := e.router.SendToGroup(ctx, m.GroupID, frame); err != nil {
		e.logger.Warnw("delete broadcast failed", "group_id", m.GroupID, "err", err)
	}
	e.recent.Invalidate(ctx, cache.GroupKey(m.GroupID))
	return m, nil
}

// RelayTyping forwards a typing indicator with no state machine, no storage
// and no delivery guarantee.
func (e *Engine) RelayTyping(senderID, event string, t wire.Typing) {
	payload := map[string]any{"from": senderID}
	if t.GroupID != "" {
		payload["groupId"] = t.GroupID
		e.router.BroadcastRoom(t.GroupID, wire.Marshal(event, payload))
		return
	}
	e.router.SendToUser(t.To, wire.Marshal(event, payload))
}

// React applies a reaction add or remove and pushes the change to the
// conversation. Duplicate adds surface as Conflict; removing a missing
// reaction is a no-op.
func (e *Engine) React(ctx context.Context, userID string, req wire.ReactionAction) error {
	// resolve and authorize the target before anything is written; a bad
	// request must not leave a reaction row behind
	var dm *models.DirectMessage
	if req.GroupID != "" {
		ok, err := e.store.IsMember(ctx, req.GroupID, userID)
		if err != nil {
			return err
		}
		if !ok {
			return forbiddenNonMember(req.GroupID)
		}
		m, err := e.store.GetGroupMessage(ctx, req.MessageID)
		if err != nil {
			return err
		}
		if m.GroupID != req.GroupID {
			return fmt.Errorf("%w: message %s not in group %s", apperr.ErrNotFound, req.MessageID, req.GroupID)
		}
	} else {
		m, err := e.store.GetDirectMessage(ctx, req.MessageID)
		if err != nil {
			return err
		}
		if m.SenderID != userID && m.ReceiverID != userID {
			return fmt.Errorf("%w: not a party to message %s", apperr.ErrForbidden, req.MessageID)
		}
		dm = m
	}

	switch req.Action {
	case "add":
		if _, err := e.store.AddReaction(ctx, req.MessageID, userID, req.Emoji); err != nil {
			return err
		}
	case "remove":
		if err := e.store.RemoveReaction(ctx, req.MessageID, userID, req.Emoji); err != nil {
			return err
		}
	}

	payload := map[string]any{
		"messageId": req.MessageID, "userId": userID, "emoji": req.Emoji, "action": req.Action,
	}
	if req.GroupID != "" {
		payload["groupId"] = req.GroupID
		if err := e.router.SendToGroup(ctx, req.GroupID, wire.Marshal(wire.EvGroupReaction, payload)); err != nil {
			e.logger.Warnw("reaction broadcast failed", "group_id", req.GroupID, "err", err)
		}
		return nil
	}

	frame := wire.Marshal(wire.EvMessageReaction, payload)
	e.router.SendToUser(dm.SenderID, frame)
	e.router.SendToUser(dm.ReceiverID, frame)
	return nil
}

// DirectHistory serves the paginated two-party thread. A first-page request
// that the recent cache can fully satisfy skips the store.
func (e *Engine) DirectHistory(ctx context.Context, userID, otherID string, cursor repository.Cursor, limit int64) ([]*models.DirectMessage, repository.Cursor, error) {
	if cursor.IsZero() {
		if msgs := decodeCached[models.DirectMessage](e.recent.Get(ctx, cache.DirectKey(userID, otherID), limit)); msgs != nil {
			last := msgs[len(msgs)-1]
			return msgs, repository.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}, nil
		}
	}
	return e.store.ListDirectConversation(ctx, userID, otherID, cursor, limit)
}

// GroupHistory serves a group thread; the caller must be a current member.
func (e *Engine) GroupHistory(ctx context.Context, userID, groupID string, cursor repository.Cursor, limit int64) ([]*models.GroupMessage, repository.Cursor, error) {
	ok, err := e.store.IsMember(ctx, groupID, userID)
	if err != nil {
		return nil, repository.Cursor{}, err
	}
	if !ok {
		return nil, repository.Cursor{}, forbiddenNonMember(groupID)
	}
	if cursor.IsZero() {
		if msgs := decodeCached[models.GroupMessage](e.recent.Get(ctx, cache.GroupKey(groupID), limit)); msgs != nil {
			last := msgs[len(msgs)-1]
			return msgs, repository.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}, nil
		}
	}
	return e.store.ListGroupConversation(ctx, groupID, cursor, limit)
}

func cacheDoc(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// decodeCached turns raw cached documents back into messages; any decode
// failure discards the whole page so the store answers instead.
func decodeCached[T any](raw [][]byte) []*T {
	if len(raw) == 0 {
		return nil
	}
	out := make([]*T, 0, len(raw))
	for _, b := range raw {
		var m T
		if err := json.Unmarshal(b, &m); err != nil {
			return nil
		}
		out = append(out, &m)
	}
	return out
}
