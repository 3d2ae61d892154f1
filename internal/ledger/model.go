package ledger

import (
	"time"

	"github.com/google/uuid"
)

// RefundEntity is one refund attempt for a charge. ConfirmedAt and TxHash
// are set only after the on-chain transfer was mined; a confirmed row is the
// local proof that money moved, regardless of what the provider's metadata
// says.
type RefundEntity struct {
	ID          uuid.UUID
	ChargeID    string
	Recipient   string
	AmountUnits string
	Currency    string
	TxHash      *string
	CreatedAt   time.Time
	ConfirmedAt *time.Time
}
