package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hire-africa/docavailable-sub012/internal/billing"
	"github.com/hire-africa/docavailable-sub012/internal/clock"
	"github.com/hire-africa/docavailable-sub012/internal/notify"
	"github.com/hire-africa/docavailable-sub012/internal/redisclient"
)

var (
	ErrNotParticipant       = errors.New("caller is not a participant of this session")
	ErrNoUnitsRemaining     = errors.New("no billable units remaining on subscription")
	ErrSessionAlreadyOpen   = errors.New("an open session already exists for this patient and doctor")
	ErrPairBusy             = errors.New("a session is currently being started for this pair, please retry")
	ErrResponseWindowClosed = errors.New("doctor response window has closed")
	ErrSessionNotActive     = errors.New("session is not active")
)

const (
	EndReasonManual            = "manual_end"
	EndReasonTimeExhausted     = "time_exhausted"
	EndReasonInsufficientUnits = "insufficient_units"
)

// TextService owns the text-session state machine. Every mutating path
// serializes on the session row lock; transitions and their charges
// commit in one transaction or not at all.
type TextService struct {
	repo           Repository
	locker         redisclient.Locker
	notifier       notify.Dispatcher
	responseWindow time.Duration
	now            clock.Clock
	log            *zap.Logger
}

func NewTextService(repo Repository, locker redisclient.Locker, notifier notify.Dispatcher, responseWindow time.Duration, now clock.Clock, log *zap.Logger) *TextService {
	return &TextService{
		repo:           repo,
		locker:         locker,
		notifier:       notifier,
		responseWindow: responseWindow,
		now:            now,
		log:            log,
	}
}

// StartTextSession reserves a waiting_for_doctor session for the pair.
// The Redis pair lock plus an in-transaction re-check keep two
// concurrent starts from both succeeding.
func (s *TextService) StartTextSession(ctx context.Context, patientID, doctorID uuid.UUID, reason string) (*TextSession, error) {
	if _, err := s.repo.GetPatient(ctx, patientID); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetDoctor(ctx, doctorID); err != nil {
		return nil, err
	}

	var created *TextSession

	err := s.locker.WithPairLock(ctx, patientID, doctorID, func(lockCtx context.Context) error {
		return s.repo.InTx(lockCtx, func(txCtx context.Context, r Repository) error {
			existing, err := r.FindOpenTextSession(txCtx, patientID, doctorID)
			if err != nil && !errors.Is(err, ErrTextSessionNotFound) {
				return fmt.Errorf("check open text session: %w", err)
			}
			if existing != nil {
				return ErrSessionAlreadyOpen
			}

			balance, err := r.GetBalanceForUpdate(txCtx, patientID)
			if err != nil {
				return err
			}
			if balance.TextSessionsRemaining <= 0 {
				return ErrNoUnitsRemaining
			}

			ts := &TextSession{
				ID:                           uuid.New(),
				PatientID:                    patientID,
				DoctorID:                     doctorID,
				Status:                       TextWaitingForDoctor,
				Reason:                       reason,
				StartedAt:                    s.now(),
				SessionsRemainingBeforeStart: balance.TextSessionsRemaining,
			}
			if err := r.CreateTextSession(txCtx, ts); err != nil {
				return err
			}
			created = ts
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrPairBusy
		}
		return nil, err
	}

	s.notifier.SessionStarted(ctx, notify.SessionEvent{
		SessionID:   created.ID,
		SessionKind: string(KindText),
		PatientID:   created.PatientID,
		DoctorID:    created.DoctorID,
		Status:      string(created.Status),
	})
	return created, nil
}

// RecordPatientMessage marks activity and, on the patient's first
// message while waiting, arms the doctor response deadline. The
// deadline-IS-NULL guard makes replays unable to push it forward.
func (s *TextService) RecordPatientMessage(ctx context.Context, sessionID, callerID uuid.UUID) (*TextSession, error) {
	ts, err := s.repo.GetTextSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if callerID != ts.PatientID {
		return nil, ErrNotParticipant
	}

	now := s.now()

	if ts.Status == TextWaitingForDoctor && ts.DoctorResponseDeadline == nil {
		deadline := clock.ResponseDeadline(now, s.responseWindow)
		res, err := s.repo.SetResponseDeadline(ctx, sessionID, deadline, now)
		if err != nil {
			return nil, err
		}
		if !res.Applied {
			// Lost the race to a concurrent message or transition; the
			// current state is whatever won.
			s.log.Debug("response deadline already set",
				zap.String("session_id", sessionID.String()),
				zap.String("status", string(res.Current)))
		}
	} else if ts.Status == TextActive {
		if err := s.repo.TouchTextActivity(ctx, sessionID, now); err != nil {
			return nil, err
		}
	}

	return s.repo.GetTextSession(ctx, sessionID)
}

// RecordDoctorMessage activates a waiting session if the response
// window is still open, otherwise expires it and rejects the reply.
func (s *TextService) RecordDoctorMessage(ctx context.Context, sessionID, callerID uuid.UUID) (*TextSession, error) {
	ts, err := s.repo.GetTextSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if callerID != ts.DoctorID {
		return nil, ErrNotParticipant
	}

	now := s.now()

	switch ts.Status {
	case TextWaitingForDoctor:
		res, err := s.repo.ActivateTextSession(ctx, sessionID, callerID, now)
		if err != nil {
			return nil, err
		}
		if res.Applied {
			updated, err := s.repo.GetTextSession(ctx, sessionID)
			if err != nil {
				return nil, err
			}
			s.notifier.SessionStarted(ctx, notify.SessionEvent{
				SessionID:   updated.ID,
				SessionKind: string(KindText),
				PatientID:   updated.PatientID,
				DoctorID:    updated.DoctorID,
				Status:      string(updated.Status),
			})
			return updated, nil
		}

		// Zero rows: either the deadline passed or a concurrent path
		// already resolved the session. Expire if that is what lost us
		// the race; otherwise report what won.
		if res.Current == TextWaitingForDoctor {
			if _, err := s.repo.ExpireTextSession(ctx, sessionID, now); err != nil {
				return nil, err
			}
			expired, err := s.repo.GetTextSession(ctx, sessionID)
			if err != nil {
				return nil, err
			}
			return expired, ErrResponseWindowClosed
		}
		updated, err := s.repo.GetTextSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if updated.Status == TextExpired {
			return updated, ErrResponseWindowClosed
		}
		return updated, nil

	case TextActive:
		if err := s.repo.TouchTextActivity(ctx, sessionID, now); err != nil {
			return nil, err
		}
		return s.repo.GetTextSession(ctx, sessionID)

	default:
		// Terminal: nothing to do, report current state.
		return ts, nil
	}
}

// TextStatusView is what checkStatus returns.
type TextStatusView struct {
	Status           TextStatus
	RemainingSeconds int64
	RemainingUnits   int
	ResponseDeadline *time.Time
}

// CheckStatus reads the session and lazily applies any time-based
// transition that is already due, so a session read by an online client
// expires without waiting for the sweep.
func (s *TextService) CheckStatus(ctx context.Context, sessionID, callerID uuid.UUID) (*TextStatusView, error) {
	ts, err := s.repo.GetTextSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !ts.IsParticipant(callerID) {
		return nil, ErrNotParticipant
	}

	now := s.now()

	switch {
	case ts.Status == TextWaitingForDoctor && ts.DoctorResponseDeadline != nil && clock.Passed(*ts.DoctorResponseDeadline, now):
		if _, err := s.repo.ExpireTextSession(ctx, sessionID, now); err != nil {
			return nil, err
		}
	case ts.Status == TextWaitingForDoctor && ts.DoctorResponseDeadline == nil && clock.Passed(ts.StartedAt.Add(s.responseWindow), now):
		if _, err := s.repo.ExpireStalledTextSession(ctx, sessionID, now.Add(-s.responseWindow), now); err != nil {
			return nil, err
		}
	case ts.Status == TextActive && ts.OverAllotment(now):
		if _, err := s.AutoEndTextSession(ctx, sessionID, EndReasonTimeExhausted); err != nil {
			return nil, err
		}
	}

	ts, err = s.repo.GetTextSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	view := &TextStatusView{
		Status:           ts.Status,
		RemainingUnits:   ts.RemainingUnits(now),
		ResponseDeadline: ts.DoctorResponseDeadline,
	}
	switch ts.Status {
	case TextWaitingForDoctor:
		if ts.DoctorResponseDeadline != nil {
			view.RemainingSeconds = int64(clock.Remaining(*ts.DoctorResponseDeadline, now) / time.Second)
		} else {
			view.RemainingSeconds = int64(clock.Remaining(ts.StartedAt.Add(s.responseWindow), now) / time.Second)
		}
	case TextActive:
		view.RemainingSeconds = ts.RemainingSeconds(now)
	}
	return view, nil
}

// TextEndResult reports what ending a session did. AlreadyEnded marks
// the idempotent replay case; it is success, not an error.
type TextEndResult struct {
	SessionID    uuid.UUID
	FinalStatus  TextStatus
	UnitsCharged int
	Shortfall    int
	AlreadyEnded bool
}

// EndTextSession explicitly ends a session on behalf of a participant.
// A waiting session is cancelled free of charge; an active session gets
// the final assessment including the manual-end unit.
func (s *TextService) EndTextSession(ctx context.Context, sessionID, callerID uuid.UUID, reportedSeconds int64) (*TextEndResult, error) {
	var (
		result *TextEndResult
		payout *notify.PaymentEvent
	)

	err := s.repo.InTx(ctx, func(txCtx context.Context, r Repository) error {
		ts, err := r.GetTextSessionForUpdate(txCtx, sessionID)
		if err != nil {
			return err
		}
		if !ts.IsParticipant(callerID) {
			return ErrNotParticipant
		}

		now := s.now()

		if ts.Status.Terminal() {
			result = &TextEndResult{SessionID: ts.ID, FinalStatus: ts.Status, AlreadyEnded: true}
			return nil
		}

		if ts.Status == TextWaitingForDoctor {
			if _, err := r.CancelTextSession(txCtx, sessionID, now); err != nil {
				return err
			}
			result = &TextEndResult{SessionID: ts.ID, FinalStatus: TextCancelled}
			return nil
		}

		res, pay, err := s.settleAndEnd(txCtx, r, ts, now, billing.Usage{
			ReportedSeconds:  reportedSeconds,
			ConnectedSeconds: ts.ElapsedSeconds(now),
			ProcessedTicks:   ts.SessionsUsed,
			ManualEnd:        true,
			WasConnected:     ts.ActivatedAt != nil,
		}, EndReasonManual)
		if err != nil {
			return err
		}
		result = res
		payout = pay
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterEnd(ctx, sessionID, result, payout)
	return result, nil
}

// CancelTextSession cancels a session that has not activated yet.
func (s *TextService) CancelTextSession(ctx context.Context, sessionID, callerID uuid.UUID) (*TextSession, error) {
	ts, err := s.repo.GetTextSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !ts.IsParticipant(callerID) {
		return nil, ErrNotParticipant
	}

	res, err := s.repo.CancelTextSession(ctx, sessionID, s.now())
	if err != nil {
		return nil, err
	}
	if !res.Applied && !res.Current.Terminal() {
		return nil, ErrSessionNotActive
	}
	return s.repo.GetTextSession(ctx, sessionID)
}

// AutoEndTextSession ends an active session on the server's initiative (allotment
// or balance exhausted). No manual-end unit is charged.
func (s *TextService) AutoEndTextSession(ctx context.Context, sessionID uuid.UUID, reason string) (*TextEndResult, error) {
	var (
		result *TextEndResult
		payout *notify.PaymentEvent
	)

	err := s.repo.InTx(ctx, func(txCtx context.Context, r Repository) error {
		ts, err := r.GetTextSessionForUpdate(txCtx, sessionID)
		if err != nil {
			return err
		}

		now := s.now()

		if ts.Status != TextActive {
			result = &TextEndResult{SessionID: ts.ID, FinalStatus: ts.Status, AlreadyEnded: true}
			return nil
		}

		res, pay, err := s.settleAndEnd(txCtx, r, ts, now, billing.Usage{
			ConnectedSeconds: ts.ElapsedSeconds(now),
			ProcessedTicks:   ts.SessionsUsed,
			ManualEnd:        false,
			WasConnected:     ts.ActivatedAt != nil,
		}, reason)
		if err != nil {
			return err
		}
		result = res
		payout = pay
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterEnd(ctx, sessionID, result, payout)
	return result, nil
}

// settleAndEnd runs the deduction ledger and the terminal transition in
// the caller's transaction. The canonical accounting lives in
// billing.Assess; this only applies its outcome.
func (s *TextService) settleAndEnd(ctx context.Context, r Repository, ts *TextSession, now time.Time, usage billing.Usage, reason string) (*TextEndResult, *notify.PaymentEvent, error) {
	assessment := billing.Assess(usage)

	var charge billing.Charge
	if assessment.TotalUnits() > 0 {
		balance, err := r.GetBalanceForUpdate(ctx, ts.PatientID)
		if err != nil {
			return nil, nil, err
		}
		doctor, err := r.GetDoctor(ctx, ts.DoctorID)
		if err != nil {
			return nil, nil, err
		}
		charge = billing.PlanCharge(assessment, balance.TextSessionsRemaining, billing.RateFor(billing.UnitText, doctor.Country))

		if charge.UnitsCharged > 0 {
			if err := r.DeductUnits(ctx, ts.PatientID, billing.UnitText, charge.UnitsCharged, now); err != nil {
				return nil, nil, err
			}
			if err := r.CreditDoctorWallet(ctx, billing.WalletLedgerEntry{
				ID:          uuid.New(),
				DoctorID:    ts.DoctorID,
				AmountMinor: charge.PayoutMinor,
				Currency:    charge.Currency,
				SessionID:   ts.ID,
				SessionKind: string(KindText),
				Units:       charge.UnitsCharged,
				Description: fmt.Sprintf("Payment for text session %s", ts.ID),
				CreatedAt:   now,
			}); err != nil {
				return nil, nil, err
			}
		}
		if charge.Shortfall > 0 {
			s.log.Warn("balance shortfall on text session end",
				zap.String("session_id", ts.ID.String()),
				zap.Int("units_owed", assessment.TotalUnits()),
				zap.Int("units_charged", charge.UnitsCharged),
				zap.Int("shortfall", charge.Shortfall))
		}
	}

	res, err := r.EndTextSession(ctx, ts.ID, now, reason, charge.UnitsCharged)
	if err != nil {
		return nil, nil, err
	}
	if !res.Applied {
		// A concurrent end beat us inside the same lock window; nothing
		// was charged twice because the row lock serialized us.
		return &TextEndResult{SessionID: ts.ID, FinalStatus: res.Current, AlreadyEnded: true}, nil, nil
	}

	result := &TextEndResult{
		SessionID:    ts.ID,
		FinalStatus:  TextEnded,
		UnitsCharged: charge.UnitsCharged,
		Shortfall:    charge.Shortfall,
	}
	var payout *notify.PaymentEvent
	if charge.PayoutMinor > 0 {
		payout = &notify.PaymentEvent{
			DoctorID:    ts.DoctorID,
			AmountMinor: charge.PayoutMinor,
			Currency:    charge.Currency,
			SessionID:   ts.ID,
		}
	}
	return result, payout, nil
}

func (s *TextService) afterEnd(ctx context.Context, sessionID uuid.UUID, result *TextEndResult, payout *notify.PaymentEvent) {
	if result == nil || result.AlreadyEnded {
		return
	}
	s.notifier.SessionEnded(ctx, notify.SessionEvent{
		SessionID:   sessionID,
		SessionKind: string(KindText),
		Status:      string(result.FinalStatus),
	})
	if payout != nil {
		s.notifier.PaymentReceived(ctx, *payout)
	}
}
