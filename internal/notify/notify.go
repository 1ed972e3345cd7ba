// Package notify is the boundary to whatever actually delivers user
// notifications. Dispatch is fire-and-forget: it runs after the storage
// transaction commits, and a delivery failure never unwinds a committed
// transition.
package notify

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type SessionEvent struct {
	SessionID   uuid.UUID
	SessionKind string
	PatientID   uuid.UUID
	DoctorID    uuid.UUID
	Status      string
}

type PaymentEvent struct {
	DoctorID    uuid.UUID
	AmountMinor int64
	Currency    string
	SessionID   uuid.UUID
}

type Dispatcher interface {
	SessionStarted(ctx context.Context, ev SessionEvent)
	SessionEnded(ctx context.Context, ev SessionEvent)
	PaymentReceived(ctx context.Context, ev PaymentEvent)
}

// LogDispatcher records notifications instead of delivering them; the
// push transport is owned by another system.
type LogDispatcher struct {
	log *zap.Logger
}

func NewLogDispatcher(log *zap.Logger) *LogDispatcher {
	return &LogDispatcher{log: log}
}

func (d *LogDispatcher) SessionStarted(ctx context.Context, ev SessionEvent) {
	d.log.Info("notify: session started",
		zap.String("session_id", ev.SessionID.String()),
		zap.String("session_kind", ev.SessionKind),
		zap.String("status", ev.Status),
	)
}

func (d *LogDispatcher) SessionEnded(ctx context.Context, ev SessionEvent) {
	d.log.Info("notify: session ended",
		zap.String("session_id", ev.SessionID.String()),
		zap.String("session_kind", ev.SessionKind),
		zap.String("status", ev.Status),
	)
}

func (d *LogDispatcher) PaymentReceived(ctx context.Context, ev PaymentEvent) {
	d.log.Info("notify: payment received",
		zap.String("doctor_id", ev.DoctorID.String()),
		zap.Int64("amount_minor", ev.AmountMinor),
		zap.String("currency", ev.Currency),
	)
}
