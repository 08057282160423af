// Package wire defines the socket protocol: one tagged variant per event
// name, validated at the boundary before dispatch so everything past the
// handlers operates on strongly-shaped records.
package wire

import (
	"encoding/json"
	"fmt"
)

// Client -> server events.
const (
	EvMessageSend     = "message:send"
	EvMessageRead     = "message:read"
	EvMessageEdit     = "message:edit"
	EvMessageDelete   = "message:delete"
	EvTypingStart     = "typing:start"
	EvTypingStop      = "typing:stop"
	EvGroupJoin       = "group:join"
	EvGroupLeave      = "group:leave"
	EvGroupMsgSend    = "group:message:send"
	EvGroupMsgDelete  = "group:message:delete"
	EvGroupReaction   = "group:message:reaction"
	EvMessageReaction = "message:reaction"
)

// Server -> client events.
const (
	EvMessageSent     = "message:sent"
	EvMessageReceive  = "message:receive"
	EvMessageStatus   = "message:status"
	EvMessageEdited   = "message:edited"
	EvMessageDeleted  = "message:deleted"
	EvGroupMsgReceive = "group:message:receive"
	EvUserStatus      = "user:status"
	EvError           = "error"
)

// Envelope frames every socket message in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode splits a raw frame into event name and payload.
func Decode(data []byte) (string, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Event == "" {
		return "", nil, fmt.Errorf("frame missing event name")
	}
	return env.Event, env.Payload, nil
}

// Marshal builds an outbound frame. Marshal errors cannot occur for the
// payload types used here, so the result is always a valid frame.
func Marshal(event string, payload any) []byte {
	b, _ := json.Marshal(Envelope{Event: event, Payload: mustRaw(payload)})
	return b
}

func mustRaw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// MediaRef optionally rides along with a send, associating an uploaded
// attachment with the message.
type MediaRef struct {
	MediaID   string         `json:"mediaId"`
	MediaType string         `json:"mediaType"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type MessageSend struct {
	To              string    `json:"to"`
	CipherText      string    `json:"cipherText"`
	IV              string    `json:"iv"`
	SenderPublicKey string    `json:"senderPublicKey"`
	BurnAfterRead   bool      `json:"burnAfterRead,omitempty"`
	Media           *MediaRef `json:"media,omitempty"`
}

func (m MessageSend) Validate() error {
	if m.To == "" {
		return fmt.Errorf("message:send requires to")
	}
	if m.CipherText == "" || m.IV == "" {
		return fmt.Errorf("message:send requires cipherText and iv")
	}
	return nil
}

type MessageRead struct {
	MessageID string `json:"messageId"`
	From      string `json:"from"`
}

func (m MessageRead) Validate() error {
	if m.MessageID == "" {
		return fmt.Errorf("message:read requires messageId")
	}
	return nil
}

type MessageEdit struct {
	MessageID  string `json:"messageId"`
	CipherText string `json:"cipherText"`
	IV         string `json:"iv"`
}

func (m MessageEdit) Validate() error {
	if m.MessageID == "" || m.CipherText == "" || m.IV == "" {
		return fmt.Errorf("message:edit requires messageId, cipherText and iv")
	}
	return nil
}

type MessageDelete struct {
	MessageID string `json:"messageId"`
}

func (m MessageDelete) Validate() error {
	if m.MessageID == "" {
		return fmt.Errorf("message:delete requires messageId")
	}
	return nil
}

// Typing is transient: relayed verbatim, never persisted, lost if the
// destination is offline.
type Typing struct {
	To      string `json:"to"`
	GroupID string `json:"groupId,omitempty"`
}

func (t Typing) Validate() error {
	if t.To == "" && t.GroupID == "" {
		return fmt.Errorf("typing requires to or groupId")
	}
	return nil
}

type GroupJoin struct {
	GroupID string `json:"groupId"`
}

func (g GroupJoin) Validate() error {
	if g.GroupID == "" {
		return fmt.Errorf("group join/leave requires groupId")
	}
	return nil
}

type GroupMessageSend struct {
	GroupID    string    `json:"groupId"`
	CipherText string    `json:"cipherText"`
	IV         string    `json:"iv"`
	KeyVersion int       `json:"keyVersion"`
	Media      *MediaRef `json:"media,omitempty"`
}

func (g GroupMessageSend) Validate() error {
	if g.GroupID == "" {
		return fmt.Errorf("group:message:send requires groupId")
	}
	if g.CipherText == "" || g.IV == "" {
		return fmt.Errorf("group:message:send requires cipherText and iv")
	}
	return nil
}

type ReactionAction struct {
	MessageID string `json:"messageId"`
	GroupID   string `json:"groupId,omitempty"`
	Emoji     string `json:"emoji"`
	Action    string `json:"action"` // "add" or "remove"
}

func (r ReactionAction) Validate() error {
	if r.MessageID == "" || r.Emoji == "" {
		return fmt.Errorf("reaction requires messageId and emoji")
	}
	if r.Action != "add" && r.Action != "remove" {
		return fmt.Errorf("reaction action must be add or remove")
	}
	return nil
}

// ErrorPayload is pushed on the sending connection when an operation fails;
// inputs are never silently dropped.
type ErrorPayload struct {
	Event  string `json:"event"`
	Reason string `json:"reason"`
}
