package payments

import (
	"time"

	"github.com/google/uuid"
)

type EventStatus string

const (
	StatusPending EventStatus = "pending"
	StatusSuccess EventStatus = "success"
	StatusFailed  EventStatus = "failed"
)

// PaymentEvent is the local record of an externally reported payment.
// Reference is the gateway's idempotency key: the row is unique by it,
// so a redelivered webhook lands on the same record. Applied flips to
// true exactly once, when entitlements are granted.
type PaymentEvent struct {
	ID          uuid.UUID
	Reference   string
	UserID      uuid.UUID
	PlanID      string
	AmountMinor int64
	Currency    string
	Status      EventStatus
	Applied     bool
	RawPayload  []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Plan maps a purchasable plan onto the entitlements it grants.
type Plan struct {
	ID           string
	Name         string
	TextSessions int
	VoiceCalls   int
	VideoCalls   int
	PriceMinor   int64
	Currency     string
}

// ExternalEvent is a gateway webhook as the engine sees it: an opaque
// reference, a status, an amount, and whatever metadata was bound at
// initiation.
type ExternalEvent struct {
	Reference   string
	Status      EventStatus
	AmountMinor int64
	Currency    string
	UserID      uuid.UUID
	PlanID      string
	RawPayload  []byte
}
