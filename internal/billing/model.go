package billing

import (
	"time"

	"github.com/google/uuid"
)

// UnitKind names which counter on a subscription balance a charge or
// grant applies to.
type UnitKind string

const (
	UnitText  UnitKind = "text"
	UnitVoice UnitKind = "voice"
	UnitVideo UnitKind = "video"
)

// SubscriptionBalance holds a patient's remaining billable units per
// channel. Mutated only under a row lock, inside the same transaction as
// the session transition (or payment grant) that justifies it.
type SubscriptionBalance struct {
	UserID                uuid.UUID
	TextSessionsRemaining int
	VoiceCallsRemaining   int
	VideoCallsRemaining   int
	UpdatedAt             time.Time
}

// Remaining returns the counter for a unit kind.
func (b *SubscriptionBalance) Remaining(kind UnitKind) int {
	switch kind {
	case UnitVoice:
		return b.VoiceCallsRemaining
	case UnitVideo:
		return b.VideoCallsRemaining
	default:
		return b.TextSessionsRemaining
	}
}

// WalletLedgerEntry is an append-only credit to a doctor's wallet,
// tagged with the originating session so replays are traceable.
type WalletLedgerEntry struct {
	ID          uuid.UUID
	DoctorID    uuid.UUID
	AmountMinor int64
	Currency    string
	SessionID   uuid.UUID
	SessionKind string
	Units       int
	Description string
	CreatedAt   time.Time
}
