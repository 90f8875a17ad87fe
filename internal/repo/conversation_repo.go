// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Conversation and ConversationMember models: C7 reads membership to
// resolve fan-out targets and to authorize a sender, but membership
// itself is mutated only by administrative operations outside the hot
// path, per the conversation's ownership contract.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/chat-transport/internal/domain"
)

// ErrConversationNotFound is returned when a conversation id has no row.
var ErrConversationNotFound = errors.New("conversation not found")

// GetConversation fetches a conversation by id.
func GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("repo: get conversation: %w", err)
	}
	return &c, nil
}

// CreateConversation inserts a new active conversation with the given id
// and type (e.g. "direct", "group").
func CreateConversation(ctx context.Context, db *gorm.DB, id, convType string) (*domain.Conversation, error) {
	now := time.Now().UTC()
	c := &domain.Conversation{ID: id, Type: convType, Active: true, CreatedAt: now, LastActivityAt: now}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, fmt.Errorf("repo: create conversation: %w", err)
	}
	return c, nil
}

// TouchActivity bumps a conversation's last-activity timestamp, called by
// C3 after a successful message write.
func TouchActivity(ctx context.Context, db *gorm.DB, conversationID string, at time.Time) error {
	err := db.WithContext(ctx).Model(&domain.Conversation{}).
		Where("id = ?", conversationID).
		Update("last_activity_at", at).Error
	if err != nil {
		return fmt.Errorf("repo: touch activity: %w", err)
	}
	return nil
}

// AddMember inserts userID into conversationID's membership set.
func AddMember(ctx context.Context, db *gorm.DB, conversationID, userID, role string) error {
	m := &domain.ConversationMember{ConversationID: conversationID, UserID: userID, Role: role, JoinedAt: time.Now().UTC()}
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("repo: add member: %w", err)
	}
	return nil
}

// RemoveMember deletes userID from conversationID's membership set.
func RemoveMember(ctx context.Context, db *gorm.DB, conversationID, userID string) error {
	err := db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Delete(&domain.ConversationMember{}).Error
	if err != nil {
		return fmt.Errorf("repo: remove member: %w", err)
	}
	return nil
}

// MembershipStatus is the result of IsMember, distinguishing "not a
// member" from "blocked member" per the spec's distinct error codes.
type MembershipStatus int

const (
	NotMember MembershipStatus = iota
	Member
	BlockedMember
)

// IsMember reports userID's membership status in conversationID.
func IsMember(ctx context.Context, db *gorm.DB, conversationID, userID string) (MembershipStatus, error) {
	var m domain.ConversationMember
	err := db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NotMember, nil
		}
		return NotMember, fmt.Errorf("repo: is member: %w", err)
	}
	if m.Blocked {
		return BlockedMember, nil
	}
	return Member, nil
}

// Members returns every non-blocked user id belonging to conversationID,
// used by C7 (ingress) to fill an envelope's recipient ids.
func Members(ctx context.Context, db *gorm.DB, conversationID string) ([]string, error) {
	var rows []domain.ConversationMember
	if err := db.WithContext(ctx).Where("conversation_id = ?", conversationID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("repo: members: %w", err)
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		if !r.Blocked {
			out = append(out, r.UserID)
		}
	}
	return out, nil
}
