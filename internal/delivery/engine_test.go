package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
	"github.com/fathima-sithara/messaging-core/internal/cache"
	"github.com/fathima-sithara/messaging-core/internal/events"
	"github.com/fathima-sithara/messaging-core/internal/models"
	"github.com/fathima-sithara/messaging-core/internal/repository"
	"github.com/fathima-sithara/messaging-core/internal/wire"
)

// fakeStore is an in-memory implementation of the Store contract, including
// its authorization and status-machine rules.
type fakeStore struct {
	mu        sync.Mutex
	direct    map[string]*models.DirectMessage
	group     map[string]*models.GroupMessage
	members   map[string]map[string]models.MemberRole
	reactions map[string]bool
	failNext  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		direct:    make(map[string]*models.DirectMessage),
		group:     make(map[string]*models.GroupMessage),
		members:   make(map[string]map[string]models.MemberRole),
		reactions: make(map[string]bool),
	}
}

func (f *fakeStore) takeErr() error {
	err := f.failNext
	f.failNext = nil
	return err
}

func (f *fakeStore) CreateDirectMessage(_ context.Context, p repository.CreateDirectParams) (*models.DirectMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	m := &models.DirectMessage{
		ID: uuid.NewString(), SenderID: p.SenderID, ReceiverID: p.ReceiverID,
		CipherText: p.CipherText, IV: p.IV, SenderPublicKey: p.SenderPublicKey,
		Status: models.StatusSent, BurnAfterRead: p.BurnAfterRead, CreatedAt: now, UpdatedAt: now,
	}
	f.direct[m.ID] = m
	return m, nil
}

func (f *fakeStore) CreateGroupMessage(_ context.Context, p repository.CreateGroupParams) (*models.GroupMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	m := &models.GroupMessage{
		ID: uuid.NewString(), GroupID: p.GroupID, SenderID: p.SenderID,
		CipherText: p.CipherText, IV: p.IV, KeyVersion: p.KeyVersion,
		Status: models.StatusSent, CreatedAt: now, UpdatedAt: now,
	}
	f.group[m.ID] = m
	return m, nil
}

func (f *fakeStore) GetDirectMessage(_ context.Context, id string) (*models.DirectMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.direct[id]
	if !ok {
		return nil, fmt.Errorf("%w: message %s", apperr.ErrNotFound, id)
	}
	cp := *m
	return &cp, nil
}

func (f *fakeStore) GetGroupMessage(_ context.Context, id string) (*models.GroupMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.group[id]
	if !ok {
		return nil, fmt.Errorf("%w: message %s", apperr.ErrNotFound, id)
	}
	cp := *m
	return &cp, nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, id string, newStatus models.MessageStatus) (*models.DirectMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.direct[id]
	if !ok {
		return nil, fmt.Errorf("%w: message %s", apperr.ErrNotFound, id)
	}
	if !models.CanTransition(m.Status, newStatus) {
		return nil, fmt.Errorf("%w: %s to %s", apperr.ErrInvalidTransition, m.Status, newStatus)
	}
	m.Status = newStatus
	m.UpdatedAt = time.Now().UTC()
	cp := *m
	return &cp, nil
}

func (f *fakeStore) EditMessage(_ context.Context, id, requesterID, cipher, iv string) (*models.DirectMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.direct[id]
	if !ok {
		return nil, fmt.Errorf("%w: message %s", apperr.ErrNotFound, id)
	}
	if m.SenderID != requesterID {
		return nil, fmt.Errorf("%w: only the sender may edit", apperr.ErrForbidden)
	}
	if m.Status == models.StatusDeleted {
		return nil, fmt.Errorf("%w: message %s is deleted", apperr.ErrNotFound, id)
	}
	m.CipherText, m.IV = cipher, iv
	m.UpdatedAt = time.Now().UTC()
	cp := *m
	return &cp, nil
}

func (f *fakeStore) SoftDelete(_ context.Context, id, requesterID string) (*models.DirectMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.direct[id]
	if !ok {
		return nil, fmt.Errorf("%w: message %s", apperr.ErrNotFound, id)
	}
	if m.SenderID != requesterID {
		return nil, fmt.Errorf("%w: only the sender may delete", apperr.ErrForbidden)
	}
	m.Status = models.StatusDeleted
	m.CipherText, m.IV = models.TombstoneMarker, models.TombstoneMarker
	cp := *m
	return &cp, nil
}

func (f *fakeStore) SoftDeleteGroupMessage(_ context.Context, id, requesterID string) (*models.GroupMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.group[id]
	if !ok {
		return nil, fmt.Errorf("%w: message %s", apperr.ErrNotFound, id)
	}
	if m.SenderID != requesterID {
		return nil, fmt.Errorf("%w: only the sender may delete", apperr.ErrForbidden)
	}
	m.Status = models.StatusDeleted
	m.CipherText, m.IV = models.TombstoneMarker, models.TombstoneMarker
	cp := *m
	return &cp, nil
}

func (f *fakeStore) Burn(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.direct[id]; ok && m.BurnAfterRead {
		m.Status = models.StatusDeleted
		m.CipherText, m.IV = models.TombstoneMarker, models.TombstoneMarker
	}
	return nil
}

func (f *fakeStore) IsMember(_ context.Context, groupID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.members[groupID][userID]
	return ok, nil
}

func (f *fakeStore) AddReaction(_ context.Context, messageID, userID, emoji string) (*models.Reaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := messageID + "|" + userID + "|" + emoji
	if f.reactions[key] {
		return nil, fmt.Errorf("%w: reaction already exists", apperr.ErrConflict)
	}
	f.reactions[key] = true
	return &models.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji}, nil
}

func (f *fakeStore) RemoveReaction(_ context.Context, messageID, userID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.reactions, messageID+"|"+userID+"|"+emoji)
	return nil
}

func (f *fakeStore) ListDirectConversation(_ context.Context, userID, otherID string, _ repository.Cursor, _ int64) ([]*models.DirectMessage, repository.Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.DirectMessage
	for _, m := range f.direct {
		pair := (m.SenderID == userID && m.ReceiverID == otherID) || (m.SenderID == otherID && m.ReceiverID == userID)
		if pair && m.Status != models.StatusDeleted {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, repository.Cursor{}, nil
}

func (f *fakeStore) ListGroupConversation(_ context.Context, groupID string, _ repository.Cursor, _ int64) ([]*models.GroupMessage, repository.Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.GroupMessage
	for _, m := range f.group {
		if m.GroupID == groupID && m.Status != models.StatusDeleted {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, repository.Cursor{}, nil
}

func (f *fakeStore) addMember(groupID, userID string, role models.MemberRole) {
	if f.members[groupID] == nil {
		f.members[groupID] = make(map[string]models.MemberRole)
	}
	f.members[groupID][userID] = role
}

// fakeRouter records pushed frames per destination.
type fakeRouter struct {
	mu     sync.Mutex
	byUser map[string][][]byte
	byRoom map[string][][]byte
	online map[string]bool
	store  *fakeStore
}

func newFakeRouter(store *fakeStore) *fakeRouter {
	return &fakeRouter{
		byUser: make(map[string][][]byte),
		byRoom: make(map[string][][]byte),
		online: make(map[string]bool),
		store:  store,
	}
}

func (r *fakeRouter) SendToUser(userID string, frame []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.online[userID] {
		return false
	}
	r.byUser[userID] = append(r.byUser[userID], frame)
	return true
}

func (r *fakeRouter) SendToGroup(ctx context.Context, groupID string, frame []byte) error {
	r.store.mu.Lock()
	members := make([]string, 0, len(r.store.members[groupID]))
	for u := range r.store.members[groupID] {
		members = append(members, u)
	}
	r.store.mu.Unlock()
	for _, u := range members {
		r.SendToUser(u, frame)
	}
	return nil
}

func (r *fakeRouter) BroadcastRoom(groupID string, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byRoom[groupID] = append(r.byRoom[groupID], frame)
}

func (r *fakeRouter) frames(userID string) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.byUser[userID]...)
}

func (r *fakeRouter) Online(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online[userID]
}

func (r *fakeRouter) setOnline(userID string, v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online[userID] = v
}

type fakeFanout struct {
	mu     sync.Mutex
	events []events.Event
}

func (f *fakeFanout) Publish(ev events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeFanout) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Type
	}
	return out
}

func newTestEngine(t *testing.T) (*Engine, *fakeStore, *fakeRouter, *fakeFanout) {
	t.Helper()
	store := newFakeStore()
	router := newFakeRouter(store)
	fanout := &fakeFanout{}
	lg := zap.NewNop().Sugar()
	e := NewEngine(store, router, router, fanout, cache.NewRecent(nil, "test", lg), lg)
	return e, store, router, fanout
}

func decodeFrame(t *testing.T, frame []byte) (string, map[string]any) {
	t.Helper()
	var env wire.Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	var payload map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	return env.Event, payload
}

func TestSendDirectReceiverOnline(t *testing.T) {
	e, _, router, fanout := newTestEngine(t)
	router.setOnline("Y", true)

	m, err := e.SendDirect(context.Background(), "X", wire.MessageSend{
		To: "Y", CipherText: "Zm9v", IV: "00..", SenderPublicKey: "pk1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, m.Status)

	frames := router.frames("Y")
	require.Len(t, frames, 1)
	event, payload := decodeFrame(t, frames[0])
	assert.Equal(t, wire.EvMessageReceive, event)
	assert.Equal(t, m.ID, payload["id"])

	assert.Contains(t, fanout.types(), events.TypeMessageCreated)
	assert.Contains(t, fanout.types(), events.TypeMessageSent)
}

func TestSendDirectReceiverOffline(t *testing.T) {
	e, store, router, _ := newTestEngine(t)

	m, err := e.SendDirect(context.Background(), "X", wire.MessageSend{
		To: "Y", CipherText: "Zm9v", IV: "00..", SenderPublicKey: "pk1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, m.Status)
	assert.Empty(t, router.frames("Y"))

	// the message is durable and visible on a later history fetch
	msgs, _, err := store.ListDirectConversation(context.Background(), "Y", "X", repository.Cursor{}, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.StatusSent, msgs[0].Status)
}

func TestSendDirectPersistFailureNoPush(t *testing.T) {
	e, store, router, fanout := newTestEngine(t)
	router.setOnline("Y", true)
	store.failNext = fmt.Errorf("%w: insert failed", apperr.ErrStorageFailure)

	_, err := e.SendDirect(context.Background(), "X", wire.MessageSend{
		To: "Y", CipherText: "Zm9v", IV: "00..",
	})
	require.ErrorIs(t, err, apperr.ErrStorageFailure)
	assert.Empty(t, router.frames("Y"))
	assert.Empty(t, fanout.types())
}

func TestMarkReadNotifiesSender(t *testing.T) {
	e, store, router, fanout := newTestEngine(t)

	m, err := e.SendDirect(context.Background(), "X", wire.MessageSend{
		To: "Y", CipherText: "Zm9v", IV: "00..",
	})
	require.NoError(t, err)

	router.setOnline("X", true)
	updated, err := e.MarkRead(context.Background(), "Y", m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, updated.Status)

	frames := router.frames("X")
	require.Len(t, frames, 1)
	event, payload := decodeFrame(t, frames[0])
	assert.Equal(t, wire.EvMessageStatus, event)
	assert.Equal(t, m.ID, payload["messageId"])
	assert.Equal(t, string(models.StatusRead), payload["status"])
	assert.Equal(t, "Y", payload["readerId"])

	assert.Contains(t, fanout.types(), events.TypeMessageRead)

	// the persisted transition survives regardless of sender presence
	stored, err := store.GetDirectMessage(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, stored.Status)
}

func TestMarkReadOnlyReceiver(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	m, err := e.SendDirect(context.Background(), "X", wire.MessageSend{
		To: "Y", CipherText: "Zm9v", IV: "00..",
	})
	require.NoError(t, err)

	_, err = e.MarkRead(context.Background(), "Z", m.ID)
	require.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestMarkReadBurnAfterRead(t *testing.T) {
	e, store, _, _ := newTestEngine(t)
	m, err := e.SendDirect(context.Background(), "X", wire.MessageSend{
		To: "Y", CipherText: "Zm9v", IV: "00..", BurnAfterRead: true,
	})
	require.NoError(t, err)

	_, err = e.MarkRead(context.Background(), "Y", m.ID)
	require.NoError(t, err)

	stored, err := store.GetDirectMessage(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeleted, stored.Status)
	assert.Equal(t, models.TombstoneMarker, stored.CipherText)
}

func TestEditByNonAuthorForbidden(t *testing.T) {
	e, store, _, _ := newTestEngine(t)
	m, err := e.SendDirect(context.Background(), "X", wire.MessageSend{
		To: "Y", CipherText: "original", IV: "00..",
	})
	require.NoError(t, err)

	_, err = e.Edit(context.Background(), "Y", wire.MessageEdit{
		MessageID: m.ID, CipherText: "tampered", IV: "11..",
	})
	require.ErrorIs(t, err, apperr.ErrForbidden)

	stored, err := store.GetDirectMessage(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", stored.CipherText)
}

func TestEditByAuthorNotifiesBothParties(t *testing.T) {
	e, _, router, _ := newTestEngine(t)
	m, err := e.SendDirect(context.Background(), "X", wire.MessageSend{
		To: "Y", CipherText: "original", IV: "00..",
	})
	require.NoError(t, err)

	router.setOnline("X", true)
	router.setOnline("Y", true)
	updated, err := e.Edit(context.Background(), "X", wire.MessageEdit{
		MessageID: m.ID, CipherText: "edited", IV: "11..",
	})
	require.NoError(t, err)
	assert.Equal(t, "edited", updated.CipherText)
	assert.Equal(t, models.StatusSent, updated.Status)

	require.Len(t, router.frames("X"), 1)
	require.Len(t, router.frames("Y"), 1)
}

func TestSendGroupNonMemberForbidden(t *testing.T) {
	e, store, _, fanout := newTestEngine(t)
	store.addMember("g1", "A", models.RoleAdmin)

	_, err := e.SendGroup(context.Background(), "outsider", wire.GroupMessageSend{
		GroupID: "g1", CipherText: "x", IV: "00..", KeyVersion: 1,
	})
	require.ErrorIs(t, err, apperr.ErrForbidden)
	assert.Empty(t, store.group)
	assert.Empty(t, fanout.types())
}

func TestSendGroupBroadcastsToMembers(t *testing.T) {
	e, store, router, _ := newTestEngine(t)
	store.addMember("g1", "A", models.RoleAdmin)
	store.addMember("g1", "B", models.RoleMember)
	store.addMember("g1", "C", models.RoleMember)
	router.setOnline("A", true)
	router.setOnline("B", true)

	m, err := e.SendGroup(context.Background(), "A", wire.GroupMessageSend{
		GroupID: "g1", CipherText: "x", IV: "00..", KeyVersion: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, m.Status)
	assert.Equal(t, 3, m.KeyVersion)

	// live members (the sender's own devices included) get the broadcast;
	// offline C gets nothing
	require.Len(t, router.frames("A"), 1)
	require.Len(t, router.frames("B"), 1)
	assert.Empty(t, router.frames("C"))
}

func TestReactDuplicateConflict(t *testing.T) {
	e, _, router, _ := newTestEngine(t)
	m, err := e.SendDirect(context.Background(), "X", wire.MessageSend{
		To: "Y", CipherText: "x", IV: "00..",
	})
	require.NoError(t, err)
	router.setOnline("X", true)

	react := wire.ReactionAction{MessageID: m.ID, Emoji: "👍", Action: "add"}
	require.NoError(t, e.React(context.Background(), "Y", react))
	err = e.React(context.Background(), "Y", react)
	require.ErrorIs(t, err, apperr.ErrConflict)
}

func TestReactRemoveIdempotent(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	m, err := e.SendDirect(context.Background(), "X", wire.MessageSend{
		To: "Y", CipherText: "x", IV: "00..",
	})
	require.NoError(t, err)

	remove := wire.ReactionAction{MessageID: m.ID, Emoji: "👍", Action: "remove"}
	require.NoError(t, e.React(context.Background(), "Y", remove))
	require.NoError(t, e.React(context.Background(), "Y", remove))
}

func TestEditDeletedMessageKeepsTombstone(t *testing.T) {
	e, store, _, _ := newTestEngine(t)
	m, err := e.SendDirect(context.Background(), "X", wire.MessageSend{
		To: "Y", CipherText: "secret", IV: "00..",
	})
	require.NoError(t, err)

	_, err = e.Delete(context.Background(), "X", m.ID)
	require.NoError(t, err)

	_, err = e.Edit(context.Background(), "X", wire.MessageEdit{
		MessageID: m.ID, CipherText: "resurrected", IV: "11..",
	})
	require.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, models.TombstoneMarker, store.direct[m.ID].CipherText)
}

func TestReactNonexistentMessagePersistsNothing(t *testing.T) {
	e, store, _, _ := newTestEngine(t)

	err := e.React(context.Background(), "Y", wire.ReactionAction{
		MessageID: "no-such-message", Emoji: "🔥", Action: "add",
	})
	require.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Empty(t, store.reactions)
}

func TestReactNonParticipantForbidden(t *testing.T) {
	e, store, _, _ := newTestEngine(t)
	m, err := e.SendDirect(context.Background(), "X", wire.MessageSend{
		To: "Y", CipherText: "x", IV: "00..",
	})
	require.NoError(t, err)

	err = e.React(context.Background(), "stranger", wire.ReactionAction{
		MessageID: m.ID, Emoji: "🔥", Action: "add",
	})
	require.ErrorIs(t, err, apperr.ErrForbidden)
	assert.Empty(t, store.reactions)
}

func TestGroupReactionRequiresMembership(t *testing.T) {
	e, store, _, _ := newTestEngine(t)
	store.addMember("g1", "A", models.RoleAdmin)

	err := e.React(context.Background(), "outsider", wire.ReactionAction{
		MessageID: "m1", GroupID: "g1", Emoji: "🔥", Action: "add",
	})
	require.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestGroupReactionWrongGroupNotFound(t *testing.T) {
	e, store, _, _ := newTestEngine(t)
	store.addMember("g1", "A", models.RoleAdmin)
	store.addMember("g2", "A", models.RoleMember)

	m, err := e.SendGroup(context.Background(), "A", wire.GroupMessageSend{
		GroupID: "g1", CipherText: "x", IV: "00..",
	})
	require.NoError(t, err)

	// the message lives in g1; reacting through g2 must not find it
	err = e.React(context.Background(), "A", wire.ReactionAction{
		MessageID: m.ID, GroupID: "g2", Emoji: "🔥", Action: "add",
	})
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestTypingRelayDirect(t *testing.T) {
	e, _, router, _ := newTestEngine(t)
	router.setOnline("Y", true)

	e.RelayTyping("X", wire.EvTypingStart, wire.Typing{To: "Y"})
	frames := router.frames("Y")
	require.Len(t, frames, 1)
	event, payload := decodeFrame(t, frames[0])
	assert.Equal(t, wire.EvTypingStart, event)
	assert.Equal(t, "X", payload["from"])
}

func TestDeleteTombstonesAndExcludesFromHistory(t *testing.T) {
	e, store, _, _ := newTestEngine(t)
	m, err := e.SendDirect(context.Background(), "X", wire.MessageSend{
		To: "Y", CipherText: "secret", IV: "00..",
	})
	require.NoError(t, err)

	deleted, err := e.Delete(context.Background(), "X", m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeleted, deleted.Status)
	assert.Equal(t, models.TombstoneMarker, deleted.CipherText)

	msgs, _, err := store.ListDirectConversation(context.Background(), "X", "Y", repository.Cursor{}, 50)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
