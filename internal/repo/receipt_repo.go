// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Receipt
// model: C9 records one row per (message, recipient, state) transition and
// derives a message's aggregate delivery state as the minimum state held
// across its recipients.
package repo

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/chat-transport/internal/domain"
)

// InsertReceipt writes r using insert-or-ignore semantics on its unique
// (message, recipient, state) constraint: a duplicate delivery receipt for
// a state already recorded is a no-op, mirroring InsertMessage's
// reprocessing guarantee.
func InsertReceipt(ctx context.Context, db *gorm.DB, r *domain.Receipt) (inserted bool, err error) {
	res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(r)
	if res.Error != nil {
		return false, fmt.Errorf("repo: insert receipt: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ReceiptsForMessage returns every receipt recorded for a message, across
// all recipients and states.
func ReceiptsForMessage(ctx context.Context, db *gorm.DB, messageID string) ([]domain.Receipt, error) {
	var out []domain.Receipt
	if err := db.WithContext(ctx).Where("message_id = ?", messageID).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("repo: receipts for message: %w", err)
	}
	return out, nil
}

// receiptRank orders per-recipient receipt states, with "no receipt yet"
// ranking below ReceiptDelivered.
func receiptRank(s ReceiptState) int {
	switch s {
	case noReceipt:
		return 0
	case ReceiptState(domain.ReceiptDelivered):
		return 1
	case ReceiptState(domain.ReceiptRead):
		return 2
	default:
		return 0
	}
}

// ReceiptState is a local alias kept distinct from domain.ReceiptState so
// noReceipt (the zero/absent state) can be ranked alongside the two
// persisted states without polluting the domain enum.
type ReceiptState = domain.ReceiptState

const noReceipt ReceiptState = ""

// LatestStateFor returns the highest state a single recipient has reached
// for a message, or false if no receipt exists yet.
func LatestStateFor(ctx context.Context, db *gorm.DB, messageID, recipientID string) (ReceiptState, bool, error) {
	var rows []domain.Receipt
	err := db.WithContext(ctx).
		Where("message_id = ? AND recipient_id = ?", messageID, recipientID).
		Find(&rows).Error
	if err != nil {
		return noReceipt, false, fmt.Errorf("repo: latest state for: %w", err)
	}
	if len(rows) == 0 {
		return noReceipt, false, nil
	}
	best := rows[0].State
	for _, r := range rows[1:] {
		if receiptRank(r.State) > receiptRank(best) {
			best = r.State
		}
	}
	return best, true, nil
}

// AggregateState derives a message's aggregate delivery state as the
// minimum (least-advanced) per-recipient receipt across every known
// recipient, per the envelope's "delivered means delivered to every
// recipient" rule. A recipient with no receipt yet floors the aggregate at
// StatePersisted. It returns false when recipients is empty.
func AggregateState(ctx context.Context, db *gorm.DB, messageID string, recipients []string) (domain.MessageState, bool, error) {
	if len(recipients) == 0 {
		return "", false, nil
	}
	agg := domain.StateRead
	for _, rid := range recipients {
		state, ok, err := LatestStateFor(ctx, db, messageID, rid)
		if err != nil {
			return "", false, err
		}
		var mapped domain.MessageState
		switch {
		case !ok:
			mapped = domain.StatePersisted
		case state == domain.ReceiptRead:
			mapped = domain.StateRead
		default:
			mapped = domain.StateDelivered
		}
		if messageRank(mapped) < messageRank(agg) {
			agg = mapped
		}
	}
	return agg, true, nil
}

// messageRank orders MessageState by progress for AggregateState's
// minimum-across-recipients computation.
func messageRank(s domain.MessageState) int {
	switch s {
	case domain.StatePending:
		return 0
	case domain.StatePersisted:
		return 1
	case domain.StateDelivered:
		return 2
	case domain.StateRead:
		return 3
	default:
		return -1
	}
}
