// Package ingress implements the ingress validator (C7): the single
// synchronous gate a message passes through before it is durably
// enqueued. It validates the envelope shape, enforces per-sender rate
// limits, checks conversation membership, consults the idempotency store,
// and appends to the partitioned stream — returning an acknowledgement
// with the assigned message id, never the persisted row itself (C3 owns
// that write, asynchronously).
package ingress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/tbourn/chat-transport/internal/domain"
	"github.com/tbourn/chat-transport/internal/idempotency"
	"github.com/tbourn/chat-transport/internal/repo"
	"github.com/tbourn/chat-transport/internal/stream"
)

// ErrorCode enumerates the validation/authorization-adjacent/throttling
// error kinds C7 can reject a submission with.
type ErrorCode string

const (
	CodeInvalidSchema       ErrorCode = "INVALID_SCHEMA"
	CodeMissingField        ErrorCode = "MISSING_REQUIRED_FIELD"
	CodeInvalidFieldType    ErrorCode = "INVALID_FIELD_TYPE"
	CodeFieldTooLong        ErrorCode = "FIELD_TOO_LONG"
	CodeInvalidRecipient    ErrorCode = "INVALID_RECIPIENT"
	CodeConversationMissing ErrorCode = "CONVERSATION_NOT_FOUND"
	CodeNotMember           ErrorCode = "NOT_CONVERSATION_MEMBER"
	CodeConversationClosed  ErrorCode = "CONVERSATION_INACTIVE"
	CodeUserBlocked         ErrorCode = "USER_BLOCKED"
	CodeRateLimited         ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeEnqueueFailed       ErrorCode = "ENQUEUE_FAILED"
)

// ValidationError is a rejection at the ingress gate: no durable state is
// created for any of these kinds.
type ValidationError struct {
	Code    ErrorCode
	Message string
}

func (e *ValidationError) Error() string { return string(e.Code) + ": " + e.Message }

func reject(code ErrorCode, msg string) *ValidationError {
	return &ValidationError{Code: code, Message: msg}
}

// Request is the inbound submission, shared by the HTTP POST /messages
// handler and the socket message.send event.
type Request struct {
	ConversationID  string              `json:"conversation_id"`
	SenderID        string              `json:"sender_id,omitempty"`
	Content         []byte              `json:"content"`
	ContentType     domain.ContentType  `json:"content_type"`
	ClientMessageID string              `json:"client_message_id"`
	ReplyToID       string              `json:"reply_to_id,omitempty"`
}

// Acknowledgement is what C7 returns on accept: 202 for HTTP, {message-id}
// ack for the socket protocol.
type Acknowledgement struct {
	MessageID      string              `json:"message_id"`
	CorrelationID  string              `json:"correlation_id"`
	State          domain.MessageState `json:"state"`
	AcceptedAt     time.Time           `json:"accepted_at"`
	IdempotencyKey string              `json:"idempotency_key"`
	Idempotent     bool                `json:"idempotent"`
}

// Validator is C7. It holds no per-conversation mutable state of its own;
// every check reads through to a shared store, per the cross-instance
// design rule.
type Validator struct {
	DB         *gorm.DB
	Idem       *idempotency.Store
	Stream     *stream.Stream
	MaxContent int

	limiters   map[string]*rate.Limiter
	rps        float64
	burst      int
}

// New constructs a Validator. rps/burst bound the per-sender submission
// rate; maxContent bounds envelope content length in bytes.
func New(db *gorm.DB, idem *idempotency.Store, strm *stream.Stream, rps float64, burst, maxContent int) *Validator {
	return &Validator{
		DB: db, Idem: idem, Stream: strm, MaxContent: maxContent,
		limiters: make(map[string]*rate.Limiter), rps: rps, burst: burst,
	}
}

func (v *Validator) limiterFor(senderID string) *rate.Limiter {
	if l, ok := v.limiters[senderID]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(v.rps), v.burst)
	v.limiters[senderID] = l
	return l
}

// Submit runs the full ingress sequence: schema validation, per-sender
// throttling, membership authorization, idempotency resolution, and
// durable enqueue.
func (v *Validator) Submit(ctx context.Context, req Request) (*Acknowledgement, error) {
	if err := v.validateSchema(req); err != nil {
		return nil, err
	}

	if !v.limiterFor(req.SenderID).Allow() {
		return nil, reject(CodeRateLimited, "rate limit exceeded for sender")
	}

	if err := v.authorize(ctx, req); err != nil {
		return nil, err
	}

	key := domain.IdempotencyKey(req.SenderID, req.ClientMessageID)
	now := time.Now().UTC()
	correlationID := uuid.NewString()

	var assigned string
	messageID, created, err := v.Idem.GetOrSet(ctx, key, func() (string, error) {
		assigned = uuid.NewString()
		return assigned, nil
	})
	if err != nil {
		return nil, fmt.Errorf("ingress: idempotency: %w", err)
	}

	if !created {
		// Prior submission already owns this key; do not re-enqueue.
		return &Acknowledgement{
			MessageID: messageID, CorrelationID: correlationID,
			State: domain.StatePending, AcceptedAt: now,
			IdempotencyKey: key, Idempotent: true,
		}, nil
	}

	env := domain.Envelope{
		MessageID:       messageID,
		ConversationID:  req.ConversationID,
		SenderID:        req.SenderID,
		Content:         req.Content,
		ContentType:     req.ContentType,
		ReplyToID:       req.ReplyToID,
		ClientMessageID: req.ClientMessageID,
		IdempotencyKey:  key,
		CorrelationID:   correlationID,
		State:           domain.StatePending,
		AcceptedAt:      now,
	}
	if recipients, rerr := repo.Members(ctx, v.DB, req.ConversationID); rerr == nil {
		env.RecipientIDs = recipients
	}

	if _, err := v.Stream.Append(ctx, env); err != nil {
		return nil, reject(CodeEnqueueFailed, "failed to enqueue envelope: "+err.Error())
	}

	return &Acknowledgement{
		MessageID: messageID, CorrelationID: correlationID,
		State: domain.StatePending, AcceptedAt: now,
		IdempotencyKey: key, Idempotent: false,
	}, nil
}

func (v *Validator) validateSchema(req Request) error {
	if req.ConversationID == "" {
		return reject(CodeMissingField, "conversation_id is required")
	}
	if req.SenderID == "" {
		return reject(CodeMissingField, "sender_id is required")
	}
	if len(req.Content) == 0 {
		return reject(CodeMissingField, "content is required")
	}
	if len(req.Content) > v.MaxContent {
		return reject(CodeFieldTooLong, "content exceeds maximum length")
	}
	if !domain.ValidContentType(req.ContentType) {
		return reject(CodeInvalidFieldType, "unknown content_type")
	}
	return nil
}

func (v *Validator) authorize(ctx context.Context, req Request) error {
	conv, err := repo.GetConversation(ctx, v.DB, req.ConversationID)
	if err != nil {
		if errors.Is(err, repo.ErrConversationNotFound) {
			return reject(CodeConversationMissing, "conversation does not exist")
		}
		return fmt.Errorf("ingress: get conversation: %w", err)
	}
	if !conv.Active {
		return reject(CodeConversationClosed, "conversation is inactive")
	}

	status, err := repo.IsMember(ctx, v.DB, req.ConversationID, req.SenderID)
	if err != nil {
		return fmt.Errorf("ingress: membership check: %w", err)
	}
	switch status {
	case repo.NotMember:
		return reject(CodeNotMember, "sender is not a member of this conversation")
	case repo.BlockedMember:
		return reject(CodeUserBlocked, "sender is blocked in this conversation")
	}
	return nil
}
