package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from MessageStatus
		to   MessageStatus
		want bool
	}{
		{"sent to delivered", StatusSent, StatusDelivered, true},
		{"sent to read", StatusSent, StatusRead, true},
		{"delivered to read", StatusDelivered, StatusRead, true},
		{"delivered to sent", StatusDelivered, StatusSent, false},
		{"read to sent", StatusRead, StatusSent, false},
		{"read to delivered", StatusRead, StatusDelivered, false},
		{"sent to sent", StatusSent, StatusSent, false},
		{"sent to deleted", StatusSent, StatusDeleted, true},
		{"delivered to deleted", StatusDelivered, StatusDeleted, true},
		{"read to deleted", StatusRead, StatusDeleted, true},
		{"deleted is terminal", StatusDeleted, StatusSent, false},
		{"deleted to deleted", StatusDeleted, StatusDeleted, false},
		{"unknown from", MessageStatus("BOGUS"), StatusRead, false},
		{"unknown to", StatusSent, MessageStatus("BOGUS"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCanRemove(t *testing.T) {
	member := func(id string, role MemberRole) GroupMember {
		return GroupMember{GroupID: "g1", UserID: id, Role: role}
	}
	tests := []struct {
		name      string
		requester GroupMember
		target    GroupMember
		want      bool
	}{
		{"admin removes admin", member("a", RoleAdmin), member("b", RoleAdmin), true},
		{"admin removes moderator", member("a", RoleAdmin), member("b", RoleModerator), true},
		{"admin removes member", member("a", RoleAdmin), member("b", RoleMember), true},
		{"moderator removes member", member("a", RoleModerator), member("b", RoleMember), true},
		{"moderator removes moderator", member("a", RoleModerator), member("b", RoleModerator), false},
		{"moderator removes admin", member("a", RoleModerator), member("b", RoleAdmin), false},
		{"member removes member", member("a", RoleMember), member("b", RoleMember), false},
		{"member removes admin", member("a", RoleMember), member("b", RoleAdmin), false},
		{"self leave as member", member("a", RoleMember), member("a", RoleMember), true},
		{"self leave as moderator", member("a", RoleModerator), member("a", RoleModerator), true},
		{"self leave as admin", member("a", RoleAdmin), member("a", RoleAdmin), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanRemove(tt.requester, tt.target))
		})
	}
}
