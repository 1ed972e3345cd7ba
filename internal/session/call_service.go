package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hire-africa/docavailable-sub012/internal/billing"
	"github.com/hire-africa/docavailable-sub012/internal/clock"
	"github.com/hire-africa/docavailable-sub012/internal/notify"
	"github.com/hire-africa/docavailable-sub012/internal/redisclient"
)

var ErrCallNotConnected = errors.New("call was never connected")

const promoteTaskPrefix = "promote:"

// PromoteTask encodes a delayed promotion for a call id.
func PromoteTask(id uuid.UUID) string {
	return promoteTaskPrefix + id.String()
}

// ParsePromoteTask inverts PromoteTask.
func ParsePromoteTask(member string) (uuid.UUID, bool) {
	raw, ok := strings.CutPrefix(member, promoteTaskPrefix)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// CallService owns the call-session state machine and its billing.
// connected_at is the sole source of billable truth; when it is missing
// despite an answer, the service heals it from answered_at and logs the
// recovered inconsistency rather than silently dropping billable time.
type CallService struct {
	repo     Repository
	locker   redisclient.Locker
	delay    redisclient.DelayQueue
	notifier notify.Dispatcher
	grace    time.Duration
	now      clock.Clock
	log      *zap.Logger
}

func NewCallService(repo Repository, locker redisclient.Locker, delay redisclient.DelayQueue, notifier notify.Dispatcher, grace time.Duration, now clock.Clock, log *zap.Logger) *CallService {
	return &CallService{
		repo:     repo,
		locker:   locker,
		delay:    delay,
		notifier: notifier,
		grace:    grace,
		now:      now,
		log:      log,
	}
}

// StartCallSession opens a connecting call after verifying the patient
// can pay for at least one unit of the call type.
func (s *CallService) StartCallSession(ctx context.Context, patientID, doctorID uuid.UUID, callType CallType) (*CallSession, error) {
	if callType != CallVoice && callType != CallVideo {
		return nil, fmt.Errorf("unknown call type %q", callType)
	}
	if _, err := s.repo.GetPatient(ctx, patientID); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetDoctor(ctx, doctorID); err != nil {
		return nil, err
	}

	var created *CallSession

	err := s.locker.WithPairLock(ctx, patientID, doctorID, func(lockCtx context.Context) error {
		return s.repo.InTx(lockCtx, func(txCtx context.Context, r Repository) error {
			existing, err := r.FindOpenCallSession(txCtx, patientID, doctorID)
			if err != nil && !errors.Is(err, ErrCallSessionNotFound) {
				return fmt.Errorf("check open call session: %w", err)
			}
			if existing != nil {
				return ErrSessionAlreadyOpen
			}

			balance, err := r.GetBalanceForUpdate(txCtx, patientID)
			if err != nil {
				return err
			}
			remaining := balance.Remaining(callType.UnitKind())
			if remaining <= 0 {
				return ErrNoUnitsRemaining
			}

			cs := &CallSession{
				ID:                           uuid.New(),
				PatientID:                    patientID,
				DoctorID:                     doctorID,
				CallType:                     callType,
				Status:                       CallConnecting,
				StartedAt:                    s.now(),
				SessionsRemainingBeforeStart: remaining,
			}
			if err := r.CreateCallSession(txCtx, cs); err != nil {
				return err
			}
			created = cs
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrPairBusy
		}
		return nil, err
	}

	return created, nil
}

// AnswerCall moves connecting to answered and schedules the one-shot
// grace-period promotion. The schedule is best-effort only; the sweep
// catches any call the delayed task misses.
func (s *CallService) AnswerCall(ctx context.Context, sessionID, callerID uuid.UUID) (*CallSession, error) {
	cs, err := s.repo.GetCallSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if callerID != cs.DoctorID {
		return nil, ErrNotParticipant
	}

	now := s.now()
	res, err := s.repo.AnswerCallSession(ctx, sessionID, callerID, now)
	if err != nil {
		return nil, err
	}
	if res.Applied {
		if err := s.delay.Schedule(ctx, PromoteTask(sessionID), clock.PromotionDue(now, s.grace)); err != nil {
			s.log.Warn("failed to schedule grace-period promotion, sweep will cover it",
				zap.String("session_id", sessionID.String()),
				zap.Error(err))
		}
	}

	return s.repo.GetCallSession(ctx, sessionID)
}

// DeclineCall moves connecting to declined. Terminal, never billed.
func (s *CallService) DeclineCall(ctx context.Context, sessionID, callerID uuid.UUID) (*CallSession, error) {
	cs, err := s.repo.GetCallSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if callerID != cs.DoctorID {
		return nil, ErrNotParticipant
	}

	if _, err := s.repo.DeclineCallSession(ctx, sessionID, callerID, s.now()); err != nil {
		return nil, err
	}
	return s.repo.GetCallSession(ctx, sessionID)
}

// MarkCallConnected records the client's connect signal. connected_at
// is set at most once; a second call is a read-back no-op.
func (s *CallService) MarkCallConnected(ctx context.Context, sessionID, callerID uuid.UUID) (*CallSession, error) {
	cs, err := s.repo.GetCallSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !cs.IsParticipant(callerID) {
		return nil, ErrNotParticipant
	}

	res, err := s.repo.PromoteCallConnected(ctx, sessionID, s.now())
	if err != nil {
		return nil, err
	}
	if res.Applied {
		updated, err := s.repo.GetCallSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		s.notifier.SessionStarted(ctx, notify.SessionEvent{
			SessionID:   updated.ID,
			SessionKind: string(KindCall),
			PatientID:   updated.PatientID,
			DoctorID:    updated.DoctorID,
			Status:      string(updated.Status),
		})
		return updated, nil
	}
	return s.repo.GetCallSession(ctx, sessionID)
}

// PromoteDueCall is the server-owned answered→active promotion, fired by
// the delayed task or the sweep after the grace period. Duplicate firing
// and firing after a terminal state are silent no-ops by the WHERE
// clause of the conditional update.
func (s *CallService) PromoteDueCall(ctx context.Context, sessionID uuid.UUID) error {
	res, err := s.repo.PromoteCallConnected(ctx, sessionID, s.now())
	if err != nil {
		if errors.Is(err, ErrCallSessionNotFound) {
			return nil
		}
		return err
	}
	if res.Applied {
		s.log.Info("promoted answered call to connected after grace period",
			zap.String("session_id", sessionID.String()))
		cs, err := s.repo.GetCallSession(ctx, sessionID)
		if err == nil {
			s.notifier.SessionStarted(ctx, notify.SessionEvent{
				SessionID:   cs.ID,
				SessionKind: string(KindCall),
				PatientID:   cs.PatientID,
				DoctorID:    cs.DoctorID,
				Status:      string(cs.Status),
			})
		}
	}
	return nil
}

// CallDeductionResult reports a mid-call billing tick.
type CallDeductionResult struct {
	SessionID    uuid.UUID
	AutoTicks    int
	UnitsCharged int
	Shortfall    int
}

// RecordCallDeduction charges the automatic ticks accrued so far.
// Replaying with unchanged elapsed time charges nothing: the persisted
// processed-tick counter recomputes newTicks as zero.
func (s *CallService) RecordCallDeduction(ctx context.Context, sessionID, callerID uuid.UUID, reportedSeconds int64) (*CallDeductionResult, error) {
	var (
		result *CallDeductionResult
		payout *notify.PaymentEvent
	)

	err := s.repo.InTx(ctx, func(txCtx context.Context, r Repository) error {
		cs, err := r.GetCallSessionForUpdate(txCtx, sessionID)
		if err != nil {
			return err
		}
		if !cs.IsParticipant(callerID) {
			return ErrNotParticipant
		}
		if cs.Status.Terminal() {
			result = &CallDeductionResult{SessionID: cs.ID}
			return nil
		}

		now := s.now()

		cs, err = s.healConnected(txCtx, r, cs, now)
		if err != nil {
			return err
		}
		if cs.ConnectedAt == nil {
			return ErrCallNotConnected
		}

		assessment := billing.Assess(billing.Usage{
			ReportedSeconds:  reportedSeconds,
			ConnectedSeconds: cs.ConnectedSeconds(now),
			ProcessedTicks:   cs.AutoDeductionsProcessed,
			WasConnected:     true,
		})

		charge, pay, err := s.applyCharge(txCtx, r, cs, assessment, now)
		if err != nil {
			return err
		}

		if err := r.RecordCallProgress(txCtx, cs.ID, now, assessment.ClampedSeconds, assessment.AutoTicks, charge.UnitsCharged); err != nil {
			return err
		}

		result = &CallDeductionResult{
			SessionID:    cs.ID,
			AutoTicks:    assessment.AutoTicks,
			UnitsCharged: charge.UnitsCharged,
			Shortfall:    charge.Shortfall,
		}
		payout = pay
		return nil
	})
	if err != nil {
		return nil, err
	}

	if payout != nil {
		s.notifier.PaymentReceived(ctx, *payout)
	}
	return result, nil
}

// CallEndResult reports what ending a call did.
type CallEndResult struct {
	SessionID    uuid.UUID
	FinalStatus  CallStatus
	UnitsCharged int
	Shortfall    int
	AlreadyEnded bool
}

// EndCallSession ends a call and settles the final charge: any unbilled
// automatic ticks plus one manual-end unit if the call ever connected.
// Ending an already-ended call replays to AlreadyEnded with zero charge.
func (s *CallService) EndCallSession(ctx context.Context, sessionID, callerID uuid.UUID, reportedSeconds int64, wasConnected bool) (*CallEndResult, error) {
	var (
		result *CallEndResult
		payout *notify.PaymentEvent
	)

	err := s.repo.InTx(ctx, func(txCtx context.Context, r Repository) error {
		cs, err := r.GetCallSessionForUpdate(txCtx, sessionID)
		if err != nil {
			return err
		}
		if !cs.IsParticipant(callerID) {
			return ErrNotParticipant
		}

		now := s.now()

		if cs.Status.Terminal() {
			result = &CallEndResult{SessionID: cs.ID, FinalStatus: cs.Status, AlreadyEnded: true}
			return nil
		}

		if cs.ConnectedAt == nil && (cs.AnsweredAt != nil || wasConnected) {
			cs, err = s.healConnected(txCtx, r, cs, now)
			if err != nil {
				return err
			}
		}

		connected := cs.ConnectedAt != nil
		assessment := billing.Assess(billing.Usage{
			ReportedSeconds:  reportedSeconds,
			ConnectedSeconds: cs.ConnectedSeconds(now),
			ProcessedTicks:   cs.AutoDeductionsProcessed,
			ManualEnd:        true,
			WasConnected:     connected,
		})

		var charge billing.Charge
		if connected {
			charge, payout, err = s.applyCharge(txCtx, r, cs, assessment, now)
			if err != nil {
				return err
			}
		}

		duration := cs.ConnectedSeconds(now)
		res, err := r.EndCallSession(txCtx, cs.ID, now, duration, assessment.AutoTicks, charge.UnitsCharged)
		if err != nil {
			return err
		}
		if !res.Applied {
			result = &CallEndResult{SessionID: cs.ID, FinalStatus: res.Current, AlreadyEnded: true}
			payout = nil
			return nil
		}

		result = &CallEndResult{
			SessionID:    cs.ID,
			FinalStatus:  CallEnded,
			UnitsCharged: charge.UnitsCharged,
			Shortfall:    charge.Shortfall,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.AlreadyEnded {
		s.notifier.SessionEnded(ctx, notify.SessionEvent{
			SessionID:   sessionID,
			SessionKind: string(KindCall),
			Status:      string(result.FinalStatus),
		})
		if payout != nil {
			s.notifier.PaymentReceived(ctx, *payout)
		}
	}
	return result, nil
}

// AutoEndCall ends an active call on the server's initiative (allotment
// exhausted). No manual-end unit.
func (s *CallService) AutoEndCall(ctx context.Context, sessionID uuid.UUID, reason string) (*CallEndResult, error) {
	var (
		result *CallEndResult
		payout *notify.PaymentEvent
	)

	err := s.repo.InTx(ctx, func(txCtx context.Context, r Repository) error {
		cs, err := r.GetCallSessionForUpdate(txCtx, sessionID)
		if err != nil {
			return err
		}
		if cs.Status.Terminal() {
			result = &CallEndResult{SessionID: cs.ID, FinalStatus: cs.Status, AlreadyEnded: true}
			return nil
		}

		now := s.now()

		cs, err = s.healConnected(txCtx, r, cs, now)
		if err != nil {
			return err
		}

		connected := cs.ConnectedAt != nil
		assessment := billing.Assess(billing.Usage{
			ConnectedSeconds: cs.ConnectedSeconds(now),
			ProcessedTicks:   cs.AutoDeductionsProcessed,
			WasConnected:     connected,
		})

		var charge billing.Charge
		if connected {
			charge, payout, err = s.applyCharge(txCtx, r, cs, assessment, now)
			if err != nil {
				return err
			}
		}

		res, err := r.EndCallSession(txCtx, cs.ID, now, cs.ConnectedSeconds(now), assessment.AutoTicks, charge.UnitsCharged)
		if err != nil {
			return err
		}
		if !res.Applied {
			result = &CallEndResult{SessionID: cs.ID, FinalStatus: res.Current, AlreadyEnded: true}
			payout = nil
			return nil
		}

		s.log.Info("call auto-ended",
			zap.String("session_id", cs.ID.String()),
			zap.String("reason", reason),
			zap.Int("units_charged", charge.UnitsCharged))

		result = &CallEndResult{
			SessionID:    cs.ID,
			FinalStatus:  CallEnded,
			UnitsCharged: charge.UnitsCharged,
			Shortfall:    charge.Shortfall,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.AlreadyEnded {
		s.notifier.SessionEnded(ctx, notify.SessionEvent{
			SessionID:   sessionID,
			SessionKind: string(KindCall),
			Status:      string(result.FinalStatus),
		})
		if payout != nil {
			s.notifier.PaymentReceived(ctx, *payout)
		}
	}
	return result, nil
}

// GetCall reads a call session for a participant, lazily applying any
// time-based transition already due so an online poll does not have to
// wait for the sweep.
func (s *CallService) GetCall(ctx context.Context, sessionID, callerID uuid.UUID) (*CallSession, error) {
	cs, err := s.repo.GetCallSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !cs.IsParticipant(callerID) {
		return nil, ErrNotParticipant
	}

	now := s.now()

	switch {
	case cs.Status == CallAnswered && cs.AnsweredAt != nil && clock.Passed(cs.AnsweredAt.Add(s.grace), now):
		if err := s.PromoteDueCall(ctx, sessionID); err != nil {
			return nil, err
		}
	case cs.Status == CallActive && cs.OverAllotment(now):
		if _, err := s.AutoEndCall(ctx, sessionID, EndReasonTimeExhausted); err != nil {
			return nil, err
		}
	}

	return s.repo.GetCallSession(ctx, sessionID)
}

// healConnected substitutes answered_at for a missing connected_at. A
// failed promotion left the row inconsistent; this repairs it and logs
// the recovery, it is never silent.
func (s *CallService) healConnected(ctx context.Context, r Repository, cs *CallSession, now time.Time) (*CallSession, error) {
	if cs.ConnectedAt != nil || cs.AnsweredAt == nil {
		return cs, nil
	}

	res, err := r.HealCallConnected(ctx, cs.ID, now)
	if err != nil {
		return nil, err
	}
	if res.Applied {
		s.log.Warn("recovered inconsistency: connected_at missing despite answer, substituted answered_at",
			zap.String("session_id", cs.ID.String()),
			zap.Time("answered_at", *cs.AnsweredAt))
	}
	return r.GetCallSessionForUpdate(ctx, cs.ID)
}

// applyCharge locks the balance, caps the assessment at what it can pay,
// decrements it and credits the doctor wallet with a tagged ledger entry.
// Runs strictly inside the caller's transaction.
func (s *CallService) applyCharge(ctx context.Context, r Repository, cs *CallSession, assessment billing.Assessment, now time.Time) (billing.Charge, *notify.PaymentEvent, error) {
	if assessment.TotalUnits() == 0 {
		return billing.Charge{}, nil, nil
	}

	kind := cs.CallType.UnitKind()

	balance, err := r.GetBalanceForUpdate(ctx, cs.PatientID)
	if err != nil {
		return billing.Charge{}, nil, err
	}
	doctor, err := r.GetDoctor(ctx, cs.DoctorID)
	if err != nil {
		return billing.Charge{}, nil, err
	}

	charge := billing.PlanCharge(assessment, balance.Remaining(kind), billing.RateFor(kind, doctor.Country))

	if charge.UnitsCharged > 0 {
		if err := r.DeductUnits(ctx, cs.PatientID, kind, charge.UnitsCharged, now); err != nil {
			return billing.Charge{}, nil, err
		}
		if err := r.CreditDoctorWallet(ctx, billing.WalletLedgerEntry{
			ID:          uuid.New(),
			DoctorID:    cs.DoctorID,
			AmountMinor: charge.PayoutMinor,
			Currency:    charge.Currency,
			SessionID:   cs.ID,
			SessionKind: string(KindCall),
			Units:       charge.UnitsCharged,
			Description: fmt.Sprintf("Payment for %s call session %s", cs.CallType, cs.ID),
			CreatedAt:   now,
		}); err != nil {
			return billing.Charge{}, nil, err
		}
	}
	if charge.Shortfall > 0 {
		s.log.Warn("balance shortfall on call session charge",
			zap.String("session_id", cs.ID.String()),
			zap.Int("units_owed", assessment.TotalUnits()),
			zap.Int("units_charged", charge.UnitsCharged),
			zap.Int("shortfall", charge.Shortfall))
	}

	var payout *notify.PaymentEvent
	if charge.PayoutMinor > 0 {
		payout = &notify.PaymentEvent{
			DoctorID:    cs.DoctorID,
			AmountMinor: charge.PayoutMinor,
			Currency:    charge.Currency,
			SessionID:   cs.ID,
		}
	}
	return charge, payout, nil
}
