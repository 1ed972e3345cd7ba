package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hire-africa/docavailable-sub012/internal/billing"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrTextSessionNotFound = errors.New("text session not found")
	ErrCallSessionNotFound = errors.New("call session not found")
	ErrBalanceNotFound     = errors.New("subscription balance not found")
)

// TextTransition reports the outcome of a conditional text-session
// update. Zero rows affected is not an error: Applied is false and
// Current carries the state a concurrent path left the row in.
type TextTransition struct {
	Applied bool
	Current TextStatus
}

// CallTransition is the call-session counterpart of TextTransition.
type CallTransition struct {
	Applied bool
	Current CallStatus
}

// Repository contains all DB interactions needed by the services.
//
// Methods named *ForUpdate take the row lock; callers must be inside
// InTx. The conditional transitions encode their own precondition in
// the WHERE clause so they are idempotent under retry and safe to fire
// from both the API path and the sweep.
type Repository interface {
	// InTx runs fn against a transaction-bound Repository. The lock on
	// any row read ForUpdate is held to commit or rollback, never
	// released early.
	InTx(ctx context.Context, fn func(ctx context.Context, r Repository) error) error

	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error)

	// Text sessions.
	CreateTextSession(ctx context.Context, ts *TextSession) error
	GetTextSession(ctx context.Context, id uuid.UUID) (*TextSession, error)
	GetTextSessionForUpdate(ctx context.Context, id uuid.UUID) (*TextSession, error)
	FindOpenTextSession(ctx context.Context, patientID, doctorID uuid.UUID) (*TextSession, error)

	// SetResponseDeadline: status=waiting_for_doctor AND deadline IS NULL.
	// Replays cannot push the deadline forward.
	SetResponseDeadline(ctx context.Context, id uuid.UUID, deadline, now time.Time) (TextTransition, error)
	// ActivateTextSession: status=waiting_for_doctor AND doctor_id
	// matches AND (deadline IS NULL OR deadline > now).
	ActivateTextSession(ctx context.Context, id, doctorID uuid.UUID, now time.Time) (TextTransition, error)
	// ExpireTextSession: status=waiting_for_doctor AND deadline IS NOT
	// NULL AND deadline <= now.
	ExpireTextSession(ctx context.Context, id uuid.UUID, now time.Time) (TextTransition, error)
	// ExpireStalledTextSession: status=waiting_for_doctor AND deadline IS
	// NULL AND started_at <= cutoff. Covers sessions where nobody ever
	// wrote a message.
	ExpireStalledTextSession(ctx context.Context, id uuid.UUID, cutoff, now time.Time) (TextTransition, error)
	// EndTextSession: status=active only. usedDelta is added to
	// sessions_used.
	EndTextSession(ctx context.Context, id uuid.UUID, now time.Time, reason string, usedDelta int) (TextTransition, error)
	// CancelTextSession: status=waiting_for_doctor only.
	CancelTextSession(ctx context.Context, id uuid.UUID, now time.Time) (TextTransition, error)
	TouchTextActivity(ctx context.Context, id uuid.UUID, now time.Time) error

	// Sweep scans. Each returned row still goes through the conditional
	// transitions above, so a stale scan result is harmless.
	FindDeadlineExpiredText(ctx context.Context, now time.Time) ([]TextSession, error)
	FindStalledWaitingText(ctx context.Context, cutoff time.Time) ([]TextSession, error)
	FindOverrunActiveText(ctx context.Context, now time.Time) ([]TextSession, error)

	// Call sessions.
	CreateCallSession(ctx context.Context, cs *CallSession) error
	GetCallSession(ctx context.Context, id uuid.UUID) (*CallSession, error)
	GetCallSessionForUpdate(ctx context.Context, id uuid.UUID) (*CallSession, error)
	FindOpenCallSession(ctx context.Context, patientID, doctorID uuid.UUID) (*CallSession, error)

	// AnswerCallSession: status=connecting.
	AnswerCallSession(ctx context.Context, id, doctorID uuid.UUID, now time.Time) (CallTransition, error)
	// DeclineCallSession: status=connecting.
	DeclineCallSession(ctx context.Context, id, doctorID uuid.UUID, now time.Time) (CallTransition, error)
	// PromoteCallConnected: status IN (answered, active) AND connected_at
	// IS NULL. Sets connected_at=now exactly once.
	PromoteCallConnected(ctx context.Context, id uuid.UUID, now time.Time) (CallTransition, error)
	// HealCallConnected substitutes answered_at for a missing
	// connected_at: connected_at IS NULL AND answered_at IS NOT NULL.
	HealCallConnected(ctx context.Context, id uuid.UUID, now time.Time) (CallTransition, error)
	// EndCallSession: any non-terminal status.
	EndCallSession(ctx context.Context, id uuid.UUID, now time.Time, durationSeconds int64, processedTicks, usedDelta int) (CallTransition, error)
	// RecordCallProgress persists tick bookkeeping mid-call.
	RecordCallProgress(ctx context.Context, id uuid.UUID, now time.Time, durationSeconds int64, processedTicks, usedDelta int) error

	FindStalledAnsweredCalls(ctx context.Context, cutoff time.Time) ([]CallSession, error)
	FindOverrunActiveCalls(ctx context.Context, now time.Time) ([]CallSession, error)

	// Balances and wallet. Only ever called inside the transaction that
	// carries the justifying state transition.
	GetBalanceForUpdate(ctx context.Context, userID uuid.UUID) (*billing.SubscriptionBalance, error)
	DeductUnits(ctx context.Context, userID uuid.UUID, kind billing.UnitKind, n int, now time.Time) error
	CreditDoctorWallet(ctx context.Context, entry billing.WalletLedgerEntry) error
}
