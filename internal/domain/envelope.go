package domain

import (
	"encoding/json"
	"time"
)

// Envelope is the unit flowing through the stream, the fan-out bus, and
// the replay cache. It is a superset of the persisted Message row: it
// additionally carries the fields needed purely for routing (recipient
// ids) that are not stored once receipts have been fanned out.
type Envelope struct {
	MessageID       string      `json:"message_id"`
	ConversationID  string      `json:"conversation_id"`
	SenderID        string      `json:"sender_id"`
	Content         []byte      `json:"content"`
	ContentType     ContentType `json:"content_type"`
	ReplyToID       string      `json:"reply_to_id,omitempty"`
	AttachmentIDs   []string    `json:"attachment_ids,omitempty"`
	ClientMessageID string      `json:"client_message_id,omitempty"`
	IdempotencyKey  string      `json:"idempotency_key"`
	CorrelationID   string      `json:"correlation_id"`
	RecipientIDs    []string    `json:"recipient_ids,omitempty"`
	State           MessageState `json:"state"`
	AcceptedAt      time.Time   `json:"accepted_at"`
}

// Marshal serializes the envelope for a stream entry or bus payload.
func (e Envelope) Marshal() ([]byte, error) { return json.Marshal(e) }

// UnmarshalEnvelope parses a serialized envelope back into a value.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(b, &e)
	return e, err
}

// ToMessage projects the envelope onto the persisted row shape C3 writes.
func (e Envelope) ToMessage() Message {
	var replyTo, clientMsg *string
	if e.ReplyToID != "" {
		replyTo = &e.ReplyToID
	}
	if e.ClientMessageID != "" {
		clientMsg = &e.ClientMessageID
	}
	return Message{
		ID:              e.MessageID,
		ConversationID:  e.ConversationID,
		SenderID:        e.SenderID,
		Content:         e.Content,
		ContentType:     e.ContentType,
		ReplyToID:       replyTo,
		ClientMessageID: clientMsg,
		IdempotencyKey:  e.IdempotencyKey,
		CorrelationID:   e.CorrelationID,
		State:           StatePersisted,
		CreatedAt:       e.AcceptedAt,
	}
}

// ReplayEntry is an envelope plus the time it entered the replay cache,
// used to order fetch-since results and to evaluate TTL/count eviction.
type ReplayEntry struct {
	Envelope Envelope  `json:"envelope"`
	StoredAt time.Time `json:"stored_at"`
}

// PresenceSocket is one live socket's record within a user's presence set.
type PresenceSocket struct {
	SocketID    string    `json:"socket_id"`
	InstanceID  string    `json:"instance_id"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// PresenceSnapshot is the full set of a user's live sockets at read time.
type PresenceSnapshot struct {
	UserID  string           `json:"user_id"`
	Sockets []PresenceSocket `json:"sockets"`
}

// Online reports whether the snapshot has at least one non-expired socket.
func (p PresenceSnapshot) Online(ttl time.Duration, now time.Time) bool {
	for _, s := range p.Sockets {
		if now.Sub(s.LastSeen) < ttl {
			return true
		}
	}
	return false
}
