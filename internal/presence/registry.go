// Package presence tracks per-user online state for the whole process.
// The in-memory connection count is the source of truth for online/offline;
// Redis keeps the last-known record so peers can read last-seen after a
// restart. A user only flips offline when every one of their device
// connections has closed.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fathima-sithara/messaging-core/internal/models"
)

// Broadcaster receives presence-changed events for fanout to connected
// clients. The hub implements it.
type Broadcaster interface {
	BroadcastPresence(rec models.PresenceRecord)
}

type Registry struct {
	mu     sync.Mutex
	conns  map[string]int // userID -> open connection count
	last   map[string]time.Time
	rdb    *redis.Client
	prefix string
	bcast  Broadcaster
	logger *zap.SugaredLogger
	now    func() time.Time
}

func NewRegistry(rdb *redis.Client, prefix string, logger *zap.SugaredLogger) *Registry {
	return &Registry{
		conns:  make(map[string]int),
		last:   make(map[string]time.Time),
		rdb:    rdb,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}
}

// SetBroadcaster wires the hub in after construction; the hub itself needs
// the registry, so one side has to attach late.
func (r *Registry) SetBroadcaster(b Broadcaster) {
	r.mu.Lock()
	r.bcast = b
	r.mu.Unlock()
}

func (r *Registry) key(userID string) string {
	return fmt.Sprintf("%s:presence:%s", r.prefix, userID)
}

// ConnectionOpened increments the user's connection count. The first open
// connection flips the user online and broadcasts the change; further
// devices are no-ops besides the count.
func (r *Registry) ConnectionOpened(ctx context.Context, userID string) {
	r.mu.Lock()
	r.conns[userID]++
	first := r.conns[userID] == 1
	bcast := r.bcast
	lastSeen := r.last[userID]
	r.mu.Unlock()

	if !first {
		return
	}
	rec := models.PresenceRecord{UserID: userID, State: models.PresenceOnline, LastSeenAt: lastSeen}
	r.persist(ctx, rec)
	if bcast != nil {
		bcast.BroadcastPresence(rec)
	}
}

// ConnectionClosed decrements the count; only the last close flips the user
// offline and stamps last-seen.
func (r *Registry) ConnectionClosed(ctx context.Context, userID string) {
	r.mu.Lock()
	if r.conns[userID] > 0 {
		r.conns[userID]--
	}
	lastGone := r.conns[userID] == 0
	if lastGone {
		delete(r.conns, userID)
		r.last[userID] = r.now()
	}
	lastSeen := r.last[userID]
	bcast := r.bcast
	r.mu.Unlock()

	if !lastGone {
		return
	}
	rec := models.PresenceRecord{UserID: userID, State: models.PresenceOffline, LastSeenAt: lastSeen}
	r.persist(ctx, rec)
	if bcast != nil {
		bcast.BroadcastPresence(rec)
	}
}

// Get returns the user's presence. Users with open connections are online;
// otherwise the persisted record is consulted, and never-seen identities
// read as offline with a zero last-seen.
func (r *Registry) Get(ctx context.Context, userID string) models.PresenceRecord {
	r.mu.Lock()
	n := r.conns[userID]
	lastSeen := r.last[userID]
	r.mu.Unlock()

	if n > 0 {
		return models.PresenceRecord{UserID: userID, State: models.PresenceOnline, LastSeenAt: lastSeen}
	}
	if r.rdb != nil {
		b, err := r.rdb.Get(ctx, r.key(userID)).Bytes()
		if err == nil {
			var rec models.PresenceRecord
			if jsonErr := json.Unmarshal(b, &rec); jsonErr == nil {
				return rec
			}
		}
	}
	return models.PresenceRecord{UserID: userID, State: models.PresenceOffline, LastSeenAt: lastSeen}
}

// Online reports whether the user has at least one open connection on this
// process.
func (r *Registry) Online(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[userID] > 0
}

// Shutdown flushes every tracked user to offline. Called once during server
// teardown, after connections are closed.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	users := make([]string, 0, len(r.conns))
	for u := range r.conns {
		users = append(users, u)
	}
	r.conns = make(map[string]int)
	now := r.now()
	r.mu.Unlock()

	for _, u := range users {
		r.persist(ctx, models.PresenceRecord{UserID: u, State: models.PresenceOffline, LastSeenAt: now})
	}
}

func (r *Registry) persist(ctx context.Context, rec models.PresenceRecord) {
	if r.rdb == nil {
		return
	}
	b, _ := json.Marshal(rec)
	if err := r.rdb.Set(ctx, r.key(rec.UserID), b, 0).Err(); err != nil {
		r.logger.Warnw("presence persist failed", "user_id", rec.UserID, "err", err)
	}
}
