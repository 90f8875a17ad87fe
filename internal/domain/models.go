// Package domain defines the persistence models for conversations, message
// envelopes, and delivery receipts. These types are mapped with GORM and
// form the durable layer beneath the transport pipeline; the stream,
// presence, bus, and replay components all hold transient copies or
// references to the same envelope shape defined here.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// ContentType enumerates the tagged-variant content kinds an envelope may
// carry. Ingress rejects any tag outside this set.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentFile     ContentType = "file"
	ContentAudio    ContentType = "audio"
	ContentVideo    ContentType = "video"
	ContentLocation ContentType = "location"
)

// ValidContentType reports whether t is one of the enumerated tags.
func ValidContentType(t ContentType) bool {
	switch t {
	case ContentText, ContentImage, ContentFile, ContentAudio, ContentVideo, ContentLocation:
		return true
	default:
		return false
	}
}

// MessageState is the envelope lifecycle state. It advances but never
// regresses for a given message id.
type MessageState string

const (
	StatePending   MessageState = "pending"
	StatePersisted MessageState = "persisted"
	StateDelivered MessageState = "delivered"
	StateRead      MessageState = "read"
	StateFailed    MessageState = "failed"
)

// stateRank orders states so callers can detect a would-be regression
// before writing. Failed is terminal and incomparable to the happy path;
// it is only ever reached from pending via dead-letter, never demoted to.
var stateRank = map[MessageState]int{
	StatePending:   0,
	StatePersisted: 1,
	StateDelivered: 2,
	StateRead:      3,
}

// Advances reports whether moving from cur to next is a legal monotonic
// transition: next must rank at or above cur, and both must be ranked
// states. The only legal move into failed is from pending.
func Advances(cur, next MessageState) bool {
	if next == StateFailed {
		return cur == StatePending
	}
	c, ok1 := stateRank[cur]
	n, ok2 := stateRank[next]
	if !ok1 || !ok2 {
		return false
	}
	return n >= c
}

// Message is the durable row for a message envelope once C3 has written
// it. The primary key is the server-assigned message id minted at
// ingress; inserts are insert-or-ignore so a reprocessed envelope from
// the stream is a no-op here.
type Message struct {
	ID              string         `json:"id"               gorm:"type:char(36);primaryKey"`
	ConversationID  string         `json:"conversation_id"  gorm:"type:char(36);not null;index:idx_conv_created,priority:1"`
	SenderID        string         `json:"sender_id"        gorm:"type:varchar(128);not null;index"`
	Content         []byte         `json:"-"                gorm:"type:blob;not null"`
	ContentType     ContentType    `json:"content_type"     gorm:"type:varchar(16);not null"`
	ReplyToID       *string        `json:"reply_to_id,omitempty" gorm:"type:char(36)"`
	ClientMessageID *string        `json:"client_message_id,omitempty" gorm:"type:varchar(255)"`
	IdempotencyKey  string         `json:"-"                gorm:"type:varchar(512);uniqueIndex"`
	CorrelationID   string         `json:"correlation_id"   gorm:"type:char(36);not null"`
	State           MessageState   `json:"state"            gorm:"type:varchar(16);not null;default:'pending'"`
	CreatedAt       time.Time      `json:"created_at"       gorm:"index:idx_conv_created,priority:2"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `json:"-"                gorm:"index"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// Attachment associates an uploaded object with a message. Large
// attachment bytes themselves live in object storage outside the core;
// only the reference is persisted here.
type Attachment struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	MessageID string    `json:"message_id" gorm:"type:char(36);not null;index"`
	ObjectKey string    `json:"object_key" gorm:"type:varchar(512);not null"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for Attachment.
func (Attachment) TableName() string { return "attachments" }

// Conversation is the membership and activity record C7 reads to resolve
// fan-out targets. Membership itself is mutated only by administrative
// operations outside the hot path; the core only reads it.
type Conversation struct {
	ID             string    `json:"id"              gorm:"type:char(36);primaryKey"`
	Type           string    `json:"type"            gorm:"type:varchar(32);not null;default:'direct'"`
	Active         bool      `json:"active"          gorm:"not null;default:true"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// ConversationMember is one row of a conversation's membership set.
type ConversationMember struct {
	ConversationID string    `json:"conversation_id" gorm:"type:char(36);primaryKey"`
	UserID         string    `json:"user_id"         gorm:"type:varchar(128);primaryKey"`
	Role           string    `json:"role"            gorm:"type:varchar(32);not null;default:'member'"`
	Blocked        bool      `json:"blocked"         gorm:"not null;default:false"`
	JoinedAt       time.Time `json:"joined_at"`
}

// TableName returns the database table name for ConversationMember.
func (ConversationMember) TableName() string { return "conversation_members" }

// ReceiptState is the per-recipient delivery state recorded by C9.
type ReceiptState string

const (
	ReceiptDelivered ReceiptState = "delivered"
	ReceiptRead      ReceiptState = "read"
)

// Receipt records that a recipient reached a given state for a message.
// Unique on (MessageID, RecipientID, State): a state is recorded at most
// once, and rows are never mutated once inserted.
type Receipt struct {
	ID          string       `json:"id"           gorm:"type:char(36);primaryKey"`
	MessageID   string       `json:"message_id"   gorm:"type:char(36);not null;uniqueIndex:ux_receipt,priority:1"`
	RecipientID string       `json:"recipient_id" gorm:"type:varchar(128);not null;uniqueIndex:ux_receipt,priority:2"`
	State       ReceiptState `json:"state"        gorm:"type:varchar(16);not null;uniqueIndex:ux_receipt,priority:3"`
	At          time.Time    `json:"at"`
}

// TableName returns the database table name for Receipt.
func (Receipt) TableName() string { return "receipts" }
