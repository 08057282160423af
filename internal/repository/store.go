// Package repository is the durable message store: messages, groups,
// membership, reactions and attachment references, backed by MongoDB. It is
// the single source of truth for history and delivery/read state.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
	"github.com/fathima-sithara/messaging-core/internal/models"
)

const opTimeout = 5 * time.Second

type Store struct {
	directColl     *mongo.Collection
	groupMsgColl   *mongo.Collection
	groupColl      *mongo.Collection
	memberColl     *mongo.Collection
	reactionColl   *mongo.Collection
	attachmentColl *mongo.Collection
	now            func() time.Time
}

func NewStore(db *mongo.Database) *Store {
	s := &Store{
		directColl:     db.Collection("direct_messages"),
		groupMsgColl:   db.Collection("group_messages"),
		groupColl:      db.Collection("groups"),
		memberColl:     db.Collection("group_members"),
		reactionColl:   db.Collection("reactions"),
		attachmentColl: db.Collection("attachments"),
		now:            time.Now,
	}
	s.ensureIndexes()
	return s
}

func (s *Store) ensureIndexes() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	_, _ = s.directColl.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "sender_id", Value: 1}, {Key: "receiver_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
		{Keys: bson.D{{Key: "receiver_id", Value: 1}, {Key: "status", Value: 1}}},
	})
	_, _ = s.groupMsgColl.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "group_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}},
	})
	_, _ = s.memberColl.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "group_id", Value: 1}, {Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	_, _ = s.reactionColl.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "message_id", Value: 1}, {Key: "user_id", Value: 1}, {Key: "emoji", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	_, _ = s.groupColl.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "invite_code", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	_, _ = s.attachmentColl.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "message_id", Value: 1}},
	})
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", apperr.ErrStorageFailure, op, err)
}

// --- messages ---

type CreateDirectParams struct {
	SenderID        string
	ReceiverID      string
	CipherText      string
	IV              string
	SenderPublicKey string
	BurnAfterRead   bool
	Attachment      *models.AttachmentRef
}

func (s *Store) CreateDirectMessage(ctx context.Context, p CreateDirectParams) (*models.DirectMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := s.now().UTC()
	m := &models.DirectMessage{
		ID:              uuid.NewString(),
		SenderID:        p.SenderID,
		ReceiverID:      p.ReceiverID,
		CipherText:      p.CipherText,
		IV:              p.IV,
		SenderPublicKey: p.SenderPublicKey,
		Status:          models.StatusSent,
		BurnAfterRead:   p.BurnAfterRead,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if _, err := s.directColl.InsertOne(ctx, m); err != nil {
		return nil, storeErr("insert direct message", err)
	}
	if p.Attachment != nil {
		att := *p.Attachment
		att.MessageID = m.ID
		att.CreatedAt = now
		if _, err := s.attachmentColl.InsertOne(ctx, att); err != nil {
			// the message row is the durability point; a failed attachment
			// row rolls the whole send back
			_, _ = s.directColl.DeleteOne(ctx, bson.M{"_id": m.ID})
			return nil, storeErr("insert attachment", err)
		}
	}
	return m, nil
}

type CreateGroupParams struct {
	SenderID   string
	GroupID    string
	CipherText string
	IV         string
	KeyVersion int
	Attachment *models.AttachmentRef
}

func (s *Store) CreateGroupMessage(ctx context.Context, p CreateGroupParams) (*models.GroupMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := s.now().UTC()
	m := &models.GroupMessage{
		ID:         uuid.NewString(),
		GroupID:    p.GroupID,
		SenderID:   p.SenderID,
		CipherText: p.CipherText,
		IV:         p.IV,
		KeyVersion: p.KeyVersion,
		Status:     models.StatusSent,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := s.groupMsgColl.InsertOne(ctx, m); err != nil {
		return nil, storeErr("insert group message", err)
	}
	if p.Attachment != nil {
		att := *p.Attachment
		att.MessageID = m.ID
		att.CreatedAt = now
		if _, err := s.attachmentColl.InsertOne(ctx, att); err != nil {
			_, _ = s.groupMsgColl.DeleteOne(ctx, bson.M{"_id": m.ID})
			return nil, storeErr("insert attachment", err)
		}
	}
	return m, nil
}

func (s *Store) GetDirectMessage(ctx context.Context, id string) (*models.DirectMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var m models.DirectMessage
	if err := s.directColl.FindOne(ctx, bson.M{"_id": id}).Decode(&m); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: message %s", apperr.ErrNotFound, id)
		}
		return nil, storeErr("find direct message", err)
	}
	return &m, nil
}

func (s *Store) GetGroupMessage(ctx context.Context, id string) (*models.GroupMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var m models.GroupMessage
	if err := s.groupMsgColl.FindOne(ctx, bson.M{"_id": id}).Decode(&m); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: message %s", apperr.ErrNotFound, id)
		}
		return nil, storeErr("find group message", err)
	}
	return &m, nil
}

// UpdateStatus moves a direct message forward along SENT->DELIVERED->READ.
// The from-status filter makes the check atomic: a concurrent transition
// cannot slip a backward move through. DELETED is handled by SoftDelete.
func (s *Store) UpdateStatus(ctx context.Context, messageID string, newStatus models.MessageStatus) (*models.DirectMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var allowedFrom []models.MessageStatus
	switch newStatus {
	case models.StatusDelivered:
		allowedFrom = []models.MessageStatus{models.StatusSent}
	case models.StatusRead:
		allowedFrom = []models.MessageStatus{models.StatusSent, models.StatusDelivered}
	default:
		return nil, fmt.Errorf("%w: cannot transition to %s", apperr.ErrInvalidTransition, newStatus)
	}

	res := s.directColl.FindOneAndUpdate(ctx,
		bson.M{"_id": messageID, "status": bson.M{"$in": allowedFrom}},
		bson.M{"$set": bson.M{"status": newStatus, "updated_at": s.now().UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)
	var m models.DirectMessage
	if err := res.Decode(&m); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			// distinguish a missing message from a disallowed move
			if _, getErr := s.GetDirectMessage(ctx, messageID); getErr != nil {
				return nil, getErr
			}
			return nil, fmt.Errorf("%w: message %s cannot move to %s", apperr.ErrInvalidTransition, messageID, newStatus)
		}
		return nil, storeErr("update status", err)
	}
	return &m, nil
}

// EditMessage replaces a direct message's ciphertext. Only the original
// sender may edit; status is untouched. The sender and not-deleted guards
// live in the update filter so a concurrent delete cannot be overwritten.
func (s *Store) EditMessage(ctx context.Context, messageID, requesterID, newCipherText, newIV string) (*models.DirectMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	res := s.directColl.FindOneAndUpdate(ctx,
		bson.M{
			"_id":       messageID,
			"sender_id": requesterID,
			"status":    bson.M{"$ne": models.StatusDeleted},
		},
		bson.M{"$set": bson.M{"cipher_text": newCipherText, "iv": newIV, "updated_at": s.now().UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)
	var updated models.DirectMessage
	if err := res.Decode(&updated); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			m, getErr := s.GetDirectMessage(ctx, messageID)
			if getErr != nil {
				return nil, getErr
			}
			if m.SenderID != requesterID {
				return nil, fmt.Errorf("%w: only the sender may edit", apperr.ErrForbidden)
			}
			return nil, fmt.Errorf("%w: message %s is deleted", apperr.ErrNotFound, messageID)
		}
		return nil, storeErr("edit message", err)
	}
	return &updated, nil
}

// SoftDelete marks a direct message DELETED and tombstones its content.
// Irreversible; the row is never physically removed.
func (s *Store) SoftDelete(ctx context.Context, messageID, requesterID string) (*models.DirectMessage, error) {
	m, err := s.GetDirectMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != requesterID {
		return nil, fmt.Errorf("%w: only the sender may delete", apperr.ErrForbidden)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	res := s.directColl.FindOneAndUpdate(ctx,
		bson.M{"_id": messageID},
		bson.M{"$set": bson.M{
			"status":      models.StatusDeleted,
			"cipher_text": models.TombstoneMarker,
			"iv":          models.TombstoneMarker,
			"updated_at":  s.now().UTC(),
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)
	var updated models.DirectMessage
	if err := res.Decode(&updated); err != nil {
		return nil, storeErr("soft delete", err)
	}
	return &updated, nil
}

// Burn tombstones a burn-after-read message once the recipient has read it.
// No requester check: this is an internal consequence of the read, not a
// user-initiated delete.
func (s *Store) Burn(ctx context.Context, messageID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err := s.directColl.UpdateOne(ctx,
		bson.M{"_id": messageID, "burn_after_read": true},
		bson.M{"$set": bson.M{
			"status":      models.StatusDeleted,
			"cipher_text": models.TombstoneMarker,
			"iv":          models.TombstoneMarker,
			"updated_at":  s.now().UTC(),
		}},
	)
	if err != nil {
		return storeErr("burn message", err)
	}
	return nil
}

// SoftDeleteGroupMessage applies the same tombstoning to a group message.
func (s *Store) SoftDeleteGroupMessage(ctx context.Context, messageID, requesterID string) (*models.GroupMessage, error) {
	m, err := s.GetGroupMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != requesterID {
		return nil, fmt.Errorf("%w: only the sender may delete", apperr.ErrForbidden)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	res := s.groupMsgColl.FindOneAndUpdate(ctx,
		bson.M{"_id": messageID},
		bson.M{"$set": bson.M{
			"status":      models.StatusDeleted,
			"cipher_text": models.TombstoneMarker,
			"iv":          models.TombstoneMarker,
			"updated_at":  s.now().UTC(),
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)
	var updated models.GroupMessage
	if err := res.Decode(&updated); err != nil {
		return nil, storeErr("soft delete group message", err)
	}
	return &updated, nil
}
