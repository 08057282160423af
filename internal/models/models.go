// Package models holds the persisted and wire-visible records of the
// messaging core. Payload content is opaque ciphertext end to end; nothing
// here is ever decrypted server-side.
package models

import "time"

type MessageStatus string

const (
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusRead      MessageStatus = "READ"
	StatusDeleted   MessageStatus = "DELETED"
)

var statusRank = map[MessageStatus]int{
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// CanTransition reports whether a direct message may move from to next.
// Status only moves forward along SENT->DELIVERED->READ; DELETED is terminal
// and reachable from any non-terminal state.
func CanTransition(from, to MessageStatus) bool {
	if from == StatusDeleted {
		return false
	}
	if to == StatusDeleted {
		return true
	}
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	return tr > fr
}

// TombstoneMarker replaces ciphertext and iv of soft-deleted messages.
const TombstoneMarker = "__deleted__"

type DirectMessage struct {
	ID              string        `bson:"_id" json:"id"`
	SenderID        string        `bson:"sender_id" json:"senderId"`
	ReceiverID      string        `bson:"receiver_id" json:"receiverId"`
	CipherText      string        `bson:"cipher_text" json:"cipherText"`
	IV              string        `bson:"iv" json:"iv"`
	SenderPublicKey string        `bson:"sender_public_key" json:"senderPublicKey"`
	Status          MessageStatus `bson:"status" json:"status"`
	BurnAfterRead   bool          `bson:"burn_after_read" json:"burnAfterRead"`
	CreatedAt       time.Time     `bson:"created_at" json:"createdAt"`
	UpdatedAt       time.Time     `bson:"updated_at" json:"updatedAt"`
}

type GroupMessage struct {
	ID         string        `bson:"_id" json:"id"`
	GroupID    string        `bson:"group_id" json:"groupId"`
	SenderID   string        `bson:"sender_id" json:"senderId"`
	CipherText string        `bson:"cipher_text" json:"cipherText"`
	IV         string        `bson:"iv" json:"iv"`
	KeyVersion int           `bson:"key_version" json:"keyVersion"`
	Status     MessageStatus `bson:"status" json:"status"`
	CreatedAt  time.Time     `bson:"created_at" json:"createdAt"`
	UpdatedAt  time.Time     `bson:"updated_at" json:"updatedAt"`
}

type Group struct {
	ID          string    `bson:"_id" json:"id"`
	Name        string    `bson:"name" json:"name"`
	Description string    `bson:"description,omitempty" json:"description,omitempty"`
	IsPublic    bool      `bson:"is_public" json:"isPublic"`
	InviteCode  string    `bson:"invite_code" json:"inviteCode"`
	CreatedAt   time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `bson:"updated_at" json:"updatedAt"`
}

type MemberRole string

const (
	RoleAdmin     MemberRole = "ADMIN"
	RoleModerator MemberRole = "MODERATOR"
	RoleMember    MemberRole = "MEMBER"
)

type GroupMember struct {
	GroupID  string     `bson:"group_id" json:"groupId"`
	UserID   string     `bson:"user_id" json:"userId"`
	Role     MemberRole `bson:"role" json:"role"`
	JoinedAt time.Time  `bson:"joined_at" json:"joinedAt"`
}

// CanRemove implements the membership permission matrix: ADMIN removes
// anyone, MODERATOR removes plain members only, and anyone removes themself.
func CanRemove(requester GroupMember, target GroupMember) bool {
	if requester.UserID == target.UserID {
		return true
	}
	switch requester.Role {
	case RoleAdmin:
		return true
	case RoleModerator:
		return target.Role == RoleMember
	default:
		return false
	}
}

type Reaction struct {
	MessageID string    `bson:"message_id" json:"messageId"`
	UserID    string    `bson:"user_id" json:"userId"`
	Emoji     string    `bson:"emoji" json:"emoji"`
	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
}

// AttachmentRef associates an externally stored media object with a message.
// Metadata is an opaque blob (filename, size, duration, waveform) produced by
// the upload service and never interpreted here.
type AttachmentRef struct {
	MediaID   string         `bson:"media_id" json:"mediaId"`
	MessageID string         `bson:"message_id" json:"messageId"`
	MediaType string         `bson:"media_type" json:"mediaType"`
	Metadata  map[string]any `bson:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt time.Time      `bson:"created_at" json:"createdAt"`
}

type PresenceState string

const (
	PresenceOnline  PresenceState = "online"
	PresenceOffline PresenceState = "offline"
)

type PresenceRecord struct {
	UserID     string        `bson:"user_id" json:"userId"`
	State      PresenceState `bson:"state" json:"state"`
	LastSeenAt time.Time     `bson:"last_seen_at" json:"lastSeenAt"`
}
