// Package receipts implements the delivery-receipt tracker (C9): it
// records a per-recipient delivered/read receipt, recomputes the
// message's aggregate state across every recipient, and — only when the
// aggregate actually advances — persists the new state and publishes a
// state-change event so every subscribed socket sees the update.
package receipts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/chat-transport/internal/bus"
	"github.com/tbourn/chat-transport/internal/domain"
	"github.com/tbourn/chat-transport/internal/repo"
)

// StateChange is the payload published on a conversation's subject
// whenever a message's aggregate delivery state advances.
type StateChange struct {
	MessageID      string              `json:"message_id"`
	ConversationID string              `json:"conversation_id"`
	State          domain.MessageState `json:"state"`
	At             time.Time           `json:"at"`
}

// Tracker ties receipt persistence to aggregate-state recomputation and
// fan-out, per message.
type Tracker struct {
	DB  *gorm.DB
	Bus *bus.Bus
}

// New constructs a Tracker.
func New(db *gorm.DB, b *bus.Bus) *Tracker {
	return &Tracker{DB: db, Bus: b}
}

// Record persists a recipient's receipt for messageID, then recomputes
// the message's aggregate delivery state across all of recipients. If
// the aggregate advances past the message's currently-stored state, the
// new state is written and a StateChange event is published.
//
// Record is safe to call redundantly (e.g. a client re-sending a read
// receipt already recorded): InsertReceipt's insert-or-ignore semantics
// make a duplicate a no-op, and recomputing an unchanged aggregate skips
// the write and publish.
func (t *Tracker) Record(ctx context.Context, conversationID, messageID, recipientID string, state domain.ReceiptState, recipients []string) error {
	r := &domain.Receipt{
		ID:          uuid.NewString(),
		MessageID:   messageID,
		RecipientID: recipientID,
		State:       state,
		At:          time.Now().UTC(),
	}
	if _, err := repo.InsertReceipt(ctx, t.DB, r); err != nil {
		return fmt.Errorf("receipts: insert: %w", err)
	}

	aggregate, ok, err := repo.AggregateState(ctx, t.DB, messageID, recipients)
	if err != nil {
		return fmt.Errorf("receipts: aggregate: %w", err)
	}
	if !ok {
		return nil
	}

	msg, err := repo.GetMessage(ctx, t.DB, messageID)
	if err != nil {
		return fmt.Errorf("receipts: get message: %w", err)
	}
	if !domain.Advances(msg.State, aggregate) || aggregate == msg.State {
		return nil
	}

	if err := repo.UpdateMessageState(ctx, t.DB, messageID, aggregate); err != nil {
		return fmt.Errorf("receipts: update state: %w", err)
	}

	change := StateChange{MessageID: messageID, ConversationID: conversationID, State: aggregate, At: time.Now().UTC()}
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("receipts: marshal state change: %w", err)
	}
	if err := t.Bus.Publish(ctx, bus.ConversationSubject(conversationID), payload); err != nil {
		return fmt.Errorf("receipts: publish: %w", err)
	}
	return nil
}
