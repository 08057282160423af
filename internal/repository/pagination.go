package repository

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fathima-sithara/messaging-core/internal/models"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Cursor is a composite (createdAt, id) position. Sorting and filtering on
// both fields keeps pagination stable when messages share a timestamp or
// when new messages land between page fetches.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

func (c Cursor) IsZero() bool { return c.ID == "" }

func (c Cursor) Encode() string {
	raw := c.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("bad cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return Cursor{}, fmt.Errorf("bad cursor format")
	}
	t, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return Cursor{}, fmt.Errorf("bad cursor timestamp: %w", err)
	}
	return Cursor{CreatedAt: t, ID: parts[1]}, nil
}

func clampLimit(limit int64) int64 {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

func cursorFilter(c Cursor) bson.M {
	return bson.M{"$or": []bson.M{
		{"created_at": bson.M{"$lt": c.CreatedAt}},
		{"created_at": c.CreatedAt, "_id": bson.M{"$lt": c.ID}},
	}}
}

var newestFirst = bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}

// ListDirectConversation returns the two-party thread newest first,
// excluding DELETED rows from default listings.
func (s *Store) ListDirectConversation(ctx context.Context, userID, otherID string, cursor Cursor, limit int64) ([]*models.DirectMessage, Cursor, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	filter := bson.M{
		"$or": []bson.M{
			{"sender_id": userID, "receiver_id": otherID},
			{"sender_id": otherID, "receiver_id": userID},
		},
		"status": bson.M{"$ne": models.StatusDeleted},
	}
	if !cursor.IsZero() {
		filter = bson.M{"$and": []bson.M{filter, cursorFilter(cursor)}}
	}
	limit = clampLimit(limit)

	cur, err := s.directColl.Find(ctx, filter, options.Find().SetSort(newestFirst).SetLimit(limit))
	if err != nil {
		return nil, Cursor{}, storeErr("list direct conversation", err)
	}
	defer cur.Close(ctx)

	var out []*models.DirectMessage
	for cur.Next(ctx) {
		var m models.DirectMessage
		if err := cur.Decode(&m); err != nil {
			return nil, Cursor{}, storeErr("decode direct message", err)
		}
		out = append(out, &m)
	}
	if err := cur.Err(); err != nil {
		return nil, Cursor{}, storeErr("iterate direct conversation", err)
	}

	var next Cursor
	if int64(len(out)) == limit {
		last := out[len(out)-1]
		next = Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return out, next, nil
}

// ListGroupConversation mirrors ListDirectConversation for a group thread.
func (s *Store) ListGroupConversation(ctx context.Context, groupID string, cursor Cursor, limit int64) ([]*models.GroupMessage, Cursor, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	filter := bson.M{
		"group_id": groupID,
		"status":   bson.M{"$ne": models.StatusDeleted},
	}
	if !cursor.IsZero() {
		filter = bson.M{"$and": []bson.M{filter, cursorFilter(cursor)}}
	}
	limit = clampLimit(limit)

	cur, err := s.groupMsgColl.Find(ctx, filter, options.Find().SetSort(newestFirst).SetLimit(limit))
	if err != nil {
		return nil, Cursor{}, storeErr("list group conversation", err)
	}
	defer cur.Close(ctx)

	var out []*models.GroupMessage
	for cur.Next(ctx) {
		var m models.GroupMessage
		if err := cur.Decode(&m); err != nil {
			return nil, Cursor{}, storeErr("decode group message", err)
		}
		out = append(out, &m)
	}
	if err := cur.Err(); err != nil {
		return nil, Cursor{}, storeErr("iterate group conversation", err)
	}

	var next Cursor
	if int64(len(out)) == limit {
		last := out[len(out)-1]
		next = Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return out, next, nil
}
