package payments

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrEventNotFound = errors.New("payment event not found")
	ErrPlanNotFound  = errors.New("plan not found")
)

// Repository contains all DB interactions needed by the reconciliation
// service.
type Repository interface {
	InTx(ctx context.Context, fn func(ctx context.Context, r Repository) error) error

	GetEventByReferenceForUpdate(ctx context.Context, reference string) (*PaymentEvent, error)
	CreateEvent(ctx context.Context, ev *PaymentEvent) error
	UpdateEventStatus(ctx context.Context, id uuid.UUID, status EventStatus, rawPayload []byte) error
	// MarkEventApplied flips applied only when it was false; returns
	// whether this call won the flip.
	MarkEventApplied(ctx context.Context, id uuid.UUID) (bool, error)

	GetPlan(ctx context.Context, id string) (*Plan, error)
	// GrantEntitlements adds the plan's unit counts to the user's
	// subscription balance, creating the row if absent.
	GrantEntitlements(ctx context.Context, userID uuid.UUID, text, voice, video int) error
}
