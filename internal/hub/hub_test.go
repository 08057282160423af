package hub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
)

type fakeMembers struct {
	members map[string][]string
}

func (f *fakeMembers) IsMember(_ context.Context, groupID, userID string) (bool, error) {
	for _, u := range f.members[groupID] {
		if u == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeMembers) MemberIDs(_ context.Context, groupID string) ([]string, error) {
	return f.members[groupID], nil
}

func newTestHub(members map[string][]string) *Hub {
	return New(&fakeMembers{members: members}, zap.NewNop().Sugar())
}

func testClient(connID, userID string) *Client {
	return NewClient(connID, userID, nil, 600, zap.NewNop().Sugar())
}

func TestResolveDirectMultiDevice(t *testing.T) {
	h := newTestHub(nil)
	c1 := testClient("c1", "u1")
	c2 := testClient("c2", "u1")
	h.AddClient(c1)
	h.AddClient(c2)

	assert.Len(t, h.ResolveDirect("u1"), 2)
	assert.Empty(t, h.ResolveDirect("u2"))

	h.RemoveClient(c1)
	assert.Len(t, h.ResolveDirect("u1"), 1)
	h.RemoveClient(c2)
	assert.Empty(t, h.ResolveDirect("u1"))
}

func TestResolveGroupJoinsLiveConnectionsAgainstMembership(t *testing.T) {
	h := newTestHub(map[string][]string{"g1": {"u1", "u2", "u3"}})
	h.AddClient(testClient("c1", "u1"))
	h.AddClient(testClient("c2", "u2"))
	h.AddClient(testClient("c3", "outsider"))

	clients, err := h.ResolveGroup(context.Background(), "g1")
	require.NoError(t, err)
	users := map[string]bool{}
	for _, c := range clients {
		users[c.UserID] = true
	}
	assert.Equal(t, map[string]bool{"u1": true, "u2": true}, users)
}

func TestJoinRoomRequiresMembership(t *testing.T) {
	h := newTestHub(map[string][]string{"g1": {"u1"}})

	require.NoError(t, h.JoinRoom(context.Background(), "g1", "u1"))
	err := h.JoinRoom(context.Background(), "g1", "intruder")
	require.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestSendToUserReportsDelivery(t *testing.T) {
	h := newTestHub(nil)
	c := testClient("c1", "u1")
	h.AddClient(c)

	assert.True(t, h.SendToUser("u1", []byte(`{"event":"x"}`)))
	assert.False(t, h.SendToUser("offline", []byte(`{"event":"x"}`)))
}

func TestClientCloseIdempotent(t *testing.T) {
	h := newTestHub(nil)
	c := testClient("c1", "u1")
	h.AddClient(c)

	// server-wide shutdown and per-connection teardown both close the client
	h.CloseAll()
	require.NotPanics(t, func() { c.Close() })

	// a closed client drops frames instead of blocking
	c.Send([]byte(`{"event":"x"}`))
}

func TestRemoveLastClientLeavesRooms(t *testing.T) {
	h := newTestHub(map[string][]string{"g1": {"u1"}})
	c := testClient("c1", "u1")
	h.AddClient(c)
	require.NoError(t, h.JoinRoom(context.Background(), "g1", "u1"))

	h.RemoveClient(c)
	h.BroadcastRoom("g1", []byte(`{"event":"x"}`))
	// nothing to assert beyond not panicking; the room set no longer holds u1
	assert.Empty(t, h.ResolveDirect("u1"))
}
