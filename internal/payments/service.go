// Package payments ingests externally reported payment events into the
// local ledger. Delivery is at-least-once and possibly out of order;
// the reference is the idempotency key and entitlements are granted at
// most once per reference.
package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hire-africa/docavailable-sub012/internal/clock"
)

var ErrMalformedEvent = errors.New("payment event missing identifying metadata")

type Service struct {
	repo Repository
	now  clock.Clock
	log  *zap.Logger
}

func NewService(repo Repository, now clock.Clock, log *zap.Logger) *Service {
	return &Service{repo: repo, now: now, log: log}
}

// Initiate records a pending payment bound to (user, plan) before the
// gateway is involved, so later webhooks can be matched by reference.
func (s *Service) Initiate(ctx context.Context, userID uuid.UUID, planID string) (*PaymentEvent, error) {
	plan, err := s.repo.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	ev := &PaymentEvent{
		ID:          uuid.New(),
		Reference:   fmt.Sprintf("tx_%s", uuid.NewString()),
		UserID:      userID,
		PlanID:      plan.ID,
		AmountMinor: plan.PriceMinor,
		Currency:    plan.Currency,
		Status:      StatusPending,
	}
	if err := s.repo.CreateEvent(ctx, ev); err != nil {
		return nil, err
	}

	s.log.Info("payment initiated",
		zap.String("reference", ev.Reference),
		zap.String("user_id", userID.String()),
		zap.String("plan_id", plan.ID))
	return ev, nil
}

// ReconcileResult reports what a webhook delivery did.
type ReconcileResult struct {
	Reference string
	Status    EventStatus
	// Applied is true only for the one delivery that granted
	// entitlements; replays see false.
	Applied bool
}

// Reconcile ingests one external payment event. Unknown references are
// created from the event's metadata; missing metadata is rejected and
// logged for manual reconciliation, never silently accepted. The
// status check and entitlement grant share one transaction with the
// applied flag, so a redelivered success cannot re-grant.
func (s *Service) Reconcile(ctx context.Context, ext ExternalEvent) (*ReconcileResult, error) {
	if ext.Reference == "" {
		s.log.Error("rejected payment event without reference",
			zap.ByteString("raw_payload", ext.RawPayload))
		return nil, ErrMalformedEvent
	}

	var result *ReconcileResult

	err := s.repo.InTx(ctx, func(txCtx context.Context, r Repository) error {
		ev, err := r.GetEventByReferenceForUpdate(txCtx, ext.Reference)
		if err != nil {
			if !errors.Is(err, ErrEventNotFound) {
				return err
			}
			// First sighting of this reference: it must carry enough
			// metadata to bind a user and plan.
			if ext.UserID == uuid.Nil || ext.PlanID == "" {
				s.log.Error("rejected payment event missing user or plan metadata",
					zap.String("reference", ext.Reference),
					zap.ByteString("raw_payload", ext.RawPayload))
				return ErrMalformedEvent
			}
			ev = &PaymentEvent{
				ID:          uuid.New(),
				Reference:   ext.Reference,
				UserID:      ext.UserID,
				PlanID:      ext.PlanID,
				AmountMinor: ext.AmountMinor,
				Currency:    ext.Currency,
				Status:      StatusPending,
				RawPayload:  ext.RawPayload,
			}
			if err := r.CreateEvent(txCtx, ev); err != nil {
				return err
			}
		}

		// Never regress a success that was already applied.
		if !(ev.Applied && ext.Status != StatusSuccess) {
			if err := r.UpdateEventStatus(txCtx, ev.ID, ext.Status, ext.RawPayload); err != nil {
				return err
			}
		}

		result = &ReconcileResult{Reference: ev.Reference, Status: ext.Status}

		if ext.Status != StatusSuccess {
			s.log.Info("payment event recorded, not a success",
				zap.String("reference", ev.Reference),
				zap.String("status", string(ext.Status)))
			return nil
		}

		won, err := r.MarkEventApplied(txCtx, ev.ID)
		if err != nil {
			return err
		}
		if !won {
			s.log.Info("payment success replayed, entitlements already granted",
				zap.String("reference", ev.Reference))
			return nil
		}

		plan, err := r.GetPlan(txCtx, ev.PlanID)
		if err != nil {
			return err
		}
		if err := r.GrantEntitlements(txCtx, ev.UserID, plan.TextSessions, plan.VoiceCalls, plan.VideoCalls); err != nil {
			return err
		}

		s.log.Info("payment applied, entitlements granted",
			zap.String("reference", ev.Reference),
			zap.String("user_id", ev.UserID.String()),
			zap.String("plan_id", plan.ID))
		result.Applied = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
