package repository

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
	"github.com/fathima-sithara/messaging-core/internal/models"
)

// AddReaction inserts a reaction row. The unique (message_id, user_id,
// emoji) index turns a duplicate add into Conflict rather than a silent
// no-op, so the caller decides the UI behavior.
func (s *Store) AddReaction(ctx context.Context, messageID, userID, emoji string) (*models.Reaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	r := models.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji, CreatedAt: s.now().UTC()}
	if _, err := s.reactionColl.InsertOne(ctx, r); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%w: reaction already exists", apperr.ErrConflict)
		}
		return nil, storeErr("insert reaction", err)
	}
	return &r, nil
}

// RemoveReaction deletes the matching row. Absence is not an error.
func (s *Store) RemoveReaction(ctx context.Context, messageID, userID, emoji string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := s.reactionColl.DeleteOne(ctx, bson.M{"message_id": messageID, "user_id": userID, "emoji": emoji}); err != nil {
		return storeErr("remove reaction", err)
	}
	return nil
}

func (s *Store) ListReactions(ctx context.Context, messageID string) ([]*models.Reaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	cur, err := s.reactionColl.Find(ctx, bson.M{"message_id": messageID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, storeErr("list reactions", err)
	}
	defer cur.Close(ctx)
	var out []*models.Reaction
	for cur.Next(ctx) {
		var r models.Reaction
		if err := cur.Decode(&r); err != nil {
			return nil, storeErr("decode reaction", err)
		}
		out = append(out, &r)
	}
	return out, cur.Err()
}

// ListAttachments returns the attachment references for a message.
func (s *Store) ListAttachments(ctx context.Context, messageID string) ([]*models.AttachmentRef, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	cur, err := s.attachmentColl.Find(ctx, bson.M{"message_id": messageID})
	if err != nil {
		return nil, storeErr("list attachments", err)
	}
	defer cur.Close(ctx)
	var out []*models.AttachmentRef
	for cur.Next(ctx) {
		var a models.AttachmentRef
		if err := cur.Decode(&a); err != nil {
			return nil, storeErr("decode attachment", err)
		}
		out = append(out, &a)
	}
	return out, cur.Err()
}
