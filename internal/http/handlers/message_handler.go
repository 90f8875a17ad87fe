// Package handlers provides HTTP handler implementations for the public API.
//
// This file implements the message submission and history endpoints:
// POST /messages hands the request to the ingress validator (C7) and
// returns its acknowledgement; GET /conversations/:id/messages serves
// paginated history from the durable store.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/chat-transport/internal/domain"
	"github.com/tbourn/chat-transport/internal/ingress"
	"github.com/tbourn/chat-transport/internal/repo"
	"github.com/tbourn/chat-transport/internal/utils"
)

// MessageHandlers exposes the submit/history HTTP endpoints.
type MessageHandlers struct {
	DB        *gorm.DB
	Validator *ingress.Validator
}

// NewMessageHandlers constructs a MessageHandlers bound to validator/db.
func NewMessageHandlers(db *gorm.DB, validator *ingress.Validator) *MessageHandlers {
	return &MessageHandlers{DB: db, Validator: validator}
}

type submitRequest struct {
	ConversationID  string              `json:"conversation_id" binding:"required"`
	Content         string              `json:"content" binding:"required"`
	ContentType     domain.ContentType  `json:"content_type" binding:"required"`
	ClientMessageID string              `json:"client_message_id" binding:"required"`
	ReplyToID       string              `json:"reply_to_id,omitempty"`
}

// Submit handles POST /messages: validates, authorizes, and enqueues a
// message envelope, returning its acknowledgement.
func (h *MessageHandlers) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeInvalidSchema, "malformed request body")
		return
	}

	sender := senderID(c)
	if sender == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing sender identity")
		return
	}

	ack, err := h.Validator.Submit(c.Request.Context(), ingress.Request{
		ConversationID:  req.ConversationID,
		SenderID:        sender,
		Content:         []byte(req.Content),
		ContentType:     req.ContentType,
		ClientMessageID: req.ClientMessageID,
		ReplyToID:       req.ReplyToID,
	})
	if err != nil {
		writeIngressError(c, err)
		return
	}
	ok(c, http.StatusAccepted, ack)
}

// History handles GET /conversations/:id/messages: returns a
// most-recent-first page of persisted messages, cursoring via the
// "before" query parameter.
func (h *MessageHandlers) History(c *gin.Context) {
	conversationID := c.Param("id")

	sender := senderID(c)
	if sender == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing sender identity")
		return
	}
	status, err := repo.IsMember(c.Request.Context(), h.DB, conversationID, sender)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "membership check failed")
		return
	}
	if status == repo.NotMember {
		fail(c, http.StatusForbidden, ErrCodeNotMember, "not a member of this conversation")
		return
	}

	limit := utils.AtoiDefault(c.Query("limit"), 50)
	if limit <= 0 {
		limit = 50
	}
	var before *string
	if v := c.Query("before"); v != "" {
		before = &v
	}

	messages, err := repo.ListMessagesPage(c.Request.Context(), h.DB, conversationID, before, limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "failed to list messages")
		return
	}
	ok(c, http.StatusOK, gin.H{"messages": messages})
}

// writeIngressError maps an ingress.ValidationError onto its HTTP status
// and wire code; anything else is a 500.
func writeIngressError(c *gin.Context, err error) {
	var verr *ingress.ValidationError
	if !errors.As(err, &verr) {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "failed to submit message")
		return
	}
	status, code := ingressStatus(verr.Code)
	fail(c, status, code, verr.Message)
}

func ingressStatus(code ingress.ErrorCode) (int, string) {
	switch code {
	case ingress.CodeInvalidSchema:
		return http.StatusBadRequest, ErrCodeInvalidSchema
	case ingress.CodeMissingField:
		return http.StatusBadRequest, ErrCodeMissingField
	case ingress.CodeInvalidFieldType:
		return http.StatusBadRequest, ErrCodeInvalidFieldType
	case ingress.CodeFieldTooLong:
		return http.StatusBadRequest, ErrCodeFieldTooLong
	case ingress.CodeInvalidRecipient:
		return http.StatusBadRequest, ErrCodeInvalidRecipient
	case ingress.CodeConversationMissing:
		return http.StatusNotFound, ErrCodeConversationGone
	case ingress.CodeNotMember:
		return http.StatusForbidden, ErrCodeNotMember
	case ingress.CodeConversationClosed:
		return http.StatusConflict, ErrCodeConversationDead
	case ingress.CodeUserBlocked:
		return http.StatusForbidden, ErrCodeUserBlocked
	case ingress.CodeRateLimited:
		return http.StatusTooManyRequests, ErrCodeRateLimited
	case ingress.CodeEnqueueFailed:
		return http.StatusServiceUnavailable, ErrCodeEnqueueFailed
	default:
		return http.StatusBadRequest, ErrCodeBadRequest
	}
}
