package domain

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// IdempotencyKey derives the dedupe key for a (sender, client-message-id)
// pair per the ingress sequence: hash(sender-id ∥ client-message-id) when a
// client-message-id is present, else a freshly synthesized key so the
// submission is never deduped against anything else.
func IdempotencyKey(senderID, clientMessageID string) string {
	if clientMessageID == "" {
		return "synthetic:" + uuid.NewString()
	}
	sum := sha256.Sum256([]byte(senderID + "\x00" + clientMessageID))
	return hex.EncodeToString(sum[:])
}
