package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
	"github.com/fathima-sithara/messaging-core/internal/models"
)

func newInviteCode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// CreateGroup inserts the group and its creator as ADMIN. Every group has at
// least one ADMIN from birth.
func (s *Store) CreateGroup(ctx context.Context, name, description string, isPublic bool, creatorID string) (*models.Group, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := s.now().UTC()
	g := &models.Group{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		IsPublic:    isPublic,
		InviteCode:  newInviteCode(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := s.groupColl.InsertOne(ctx, g); err != nil {
		return nil, storeErr("insert group", err)
	}
	member := models.GroupMember{GroupID: g.ID, UserID: creatorID, Role: models.RoleAdmin, JoinedAt: now}
	if _, err := s.memberColl.InsertOne(ctx, member); err != nil {
		_, _ = s.groupColl.DeleteOne(ctx, bson.M{"_id": g.ID})
		return nil, storeErr("insert creator membership", err)
	}
	return g, nil
}

func (s *Store) GetGroup(ctx context.Context, groupID string) (*models.Group, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var g models.Group
	if err := s.groupColl.FindOne(ctx, bson.M{"_id": groupID}).Decode(&g); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: group %s", apperr.ErrNotFound, groupID)
		}
		return nil, storeErr("find group", err)
	}
	return &g, nil
}

func (s *Store) GetGroupByInviteCode(ctx context.Context, code string) (*models.Group, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var g models.Group
	if err := s.groupColl.FindOne(ctx, bson.M{"invite_code": code}).Decode(&g); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: invite code", apperr.ErrNotFound)
		}
		return nil, storeErr("find group by invite code", err)
	}
	return &g, nil
}

// RegenerateInviteCode invalidates the old code. ADMIN only.
func (s *Store) RegenerateInviteCode(ctx context.Context, groupID, requesterID string) (*models.Group, error) {
	requester, err := s.GetMember(ctx, groupID, requesterID)
	if err != nil {
		return nil, err
	}
	if requester.Role != models.RoleAdmin {
		return nil, fmt.Errorf("%w: only an admin may regenerate the invite code", apperr.ErrForbidden)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	res := s.groupColl.FindOneAndUpdate(ctx,
		bson.M{"_id": groupID},
		bson.M{"$set": bson.M{"invite_code": newInviteCode(), "updated_at": s.now().UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)
	var g models.Group
	if err := res.Decode(&g); err != nil {
		return nil, storeErr("regenerate invite code", err)
	}
	return &g, nil
}

// --- membership ---

func (s *Store) GetMember(ctx context.Context, groupID, userID string) (*models.GroupMember, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var m models.GroupMember
	if err := s.memberColl.FindOne(ctx, bson.M{"group_id": groupID, "user_id": userID}).Decode(&m); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s is not a member of %s", apperr.ErrNotFound, userID, groupID)
		}
		return nil, storeErr("find member", err)
	}
	return &m, nil
}

func (s *Store) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	_, err := s.GetMember(ctx, groupID, userID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) MemberIDs(ctx context.Context, groupID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	cur, err := s.memberColl.Find(ctx, bson.M{"group_id": groupID})
	if err != nil {
		return nil, storeErr("list members", err)
	}
	defer cur.Close(ctx)
	var ids []string
	for cur.Next(ctx) {
		var m models.GroupMember
		if err := cur.Decode(&m); err != nil {
			return nil, storeErr("decode member", err)
		}
		ids = append(ids, m.UserID)
	}
	if err := cur.Err(); err != nil {
		return nil, storeErr("iterate members", err)
	}
	return ids, nil
}

func (s *Store) ListMembers(ctx context.Context, groupID string) ([]*models.GroupMember, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	cur, err := s.memberColl.Find(ctx, bson.M{"group_id": groupID}, options.Find().SetSort(bson.D{{Key: "joined_at", Value: 1}}))
	if err != nil {
		return nil, storeErr("list members", err)
	}
	defer cur.Close(ctx)
	var out []*models.GroupMember
	for cur.Next(ctx) {
		var m models.GroupMember
		if err := cur.Decode(&m); err != nil {
			return nil, storeErr("decode member", err)
		}
		out = append(out, &m)
	}
	return out, cur.Err()
}

// AddMember inserts a membership row; the unique (group_id, user_id) index
// turns a duplicate join into Conflict.
func (s *Store) AddMember(ctx context.Context, groupID, userID string, role models.MemberRole) (*models.GroupMember, error) {
	if _, err := s.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	m := models.GroupMember{GroupID: groupID, UserID: userID, Role: role, JoinedAt: s.now().UTC()}
	if _, err := s.memberColl.InsertOne(ctx, m); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%w: %s already a member of %s", apperr.ErrConflict, userID, groupID)
		}
		return nil, storeErr("insert member", err)
	}
	return &m, nil
}

// UpdateMemberRole changes a member's role. ADMIN only.
func (s *Store) UpdateMemberRole(ctx context.Context, groupID, requesterID, targetID string, role models.MemberRole) (*models.GroupMember, error) {
	requester, err := s.GetMember(ctx, groupID, requesterID)
	if err != nil {
		return nil, err
	}
	if requester.Role != models.RoleAdmin {
		return nil, fmt.Errorf("%w: only an admin may change roles", apperr.ErrForbidden)
	}
	if _, err := s.GetMember(ctx, groupID, targetID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	res := s.memberColl.FindOneAndUpdate(ctx,
		bson.M{"group_id": groupID, "user_id": targetID},
		bson.M{"$set": bson.M{"role": role}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)
	var m models.GroupMember
	if err := res.Decode(&m); err != nil {
		return nil, storeErr("update member role", err)
	}
	return &m, nil
}

// RemoveMember enforces the permission matrix: ADMIN removes anyone,
// MODERATOR removes plain members, anyone removes themself.
func (s *Store) RemoveMember(ctx context.Context, groupID, requesterID, targetID string) error {
	requester, err := s.GetMember(ctx, groupID, requesterID)
	if err != nil {
		return err
	}
	target, err := s.GetMember(ctx, groupID, targetID)
	if err != nil {
		return err
	}
	if !models.CanRemove(*requester, *target) {
		return fmt.Errorf("%w: %s may not remove %s", apperr.ErrForbidden, requester.Role, target.Role)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := s.memberColl.DeleteOne(ctx, bson.M{"group_id": groupID, "user_id": targetID}); err != nil {
		return storeErr("remove member", err)
	}
	return nil
}
