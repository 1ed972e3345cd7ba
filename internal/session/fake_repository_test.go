package session

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hire-africa/docavailable-sub012/internal/billing"
	"github.com/hire-africa/docavailable-sub012/internal/redisclient"
)

// fakeRepo is an in-memory Repository mirroring the conditional-update
// semantics of the Postgres implementation, so the services can be
// tested without a database.
type fakeRepo struct {
	patients map[uuid.UUID]Patient
	doctors  map[uuid.UUID]Doctor
	texts    map[uuid.UUID]*TextSession
	calls    map[uuid.UUID]*CallSession
	balances map[uuid.UUID]*billing.SubscriptionBalance
	wallets  map[uuid.UUID]int64
	ledger   []billing.WalletLedgerEntry
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		patients: make(map[uuid.UUID]Patient),
		doctors:  make(map[uuid.UUID]Doctor),
		texts:    make(map[uuid.UUID]*TextSession),
		calls:    make(map[uuid.UUID]*CallSession),
		balances: make(map[uuid.UUID]*billing.SubscriptionBalance),
		wallets:  make(map[uuid.UUID]int64),
	}
}

func (f *fakeRepo) addPatient(name string) uuid.UUID {
	id := uuid.New()
	f.patients[id] = Patient{ID: id, Name: name, CreatedAt: time.Now()}
	return id
}

func (f *fakeRepo) addDoctor(name, country string) uuid.UUID {
	id := uuid.New()
	f.doctors[id] = Doctor{ID: id, Name: name, Country: country, CreatedAt: time.Now()}
	return id
}

func (f *fakeRepo) setBalance(userID uuid.UUID, text, voice, video int) {
	f.balances[userID] = &billing.SubscriptionBalance{
		UserID:                userID,
		TextSessionsRemaining: text,
		VoiceCallsRemaining:   voice,
		VideoCallsRemaining:   video,
	}
}

func (f *fakeRepo) InTx(ctx context.Context, fn func(ctx context.Context, r Repository) error) error {
	return fn(ctx, f)
}

func (f *fakeRepo) GetPatient(_ context.Context, id uuid.UUID) (*Patient, error) {
	p, ok := f.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (f *fakeRepo) GetDoctor(_ context.Context, id uuid.UUID) (*Doctor, error) {
	d, ok := f.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	return &d, nil
}

// Text sessions

func (f *fakeRepo) CreateTextSession(_ context.Context, ts *TextSession) error {
	cp := *ts
	cp.LastActivityAt = cp.StartedAt
	cp.CreatedAt = cp.StartedAt
	cp.UpdatedAt = cp.StartedAt
	f.texts[cp.ID] = &cp
	*ts = cp
	return nil
}

func (f *fakeRepo) GetTextSession(_ context.Context, id uuid.UUID) (*TextSession, error) {
	ts, ok := f.texts[id]
	if !ok {
		return nil, ErrTextSessionNotFound
	}
	cp := *ts
	return &cp, nil
}

func (f *fakeRepo) GetTextSessionForUpdate(ctx context.Context, id uuid.UUID) (*TextSession, error) {
	return f.GetTextSession(ctx, id)
}

func (f *fakeRepo) FindOpenTextSession(_ context.Context, patientID, doctorID uuid.UUID) (*TextSession, error) {
	for _, ts := range f.texts {
		if ts.PatientID == patientID && ts.DoctorID == doctorID && !ts.Status.Terminal() {
			cp := *ts
			return &cp, nil
		}
	}
	return nil, ErrTextSessionNotFound
}

func (f *fakeRepo) textTransition(id uuid.UUID, cond func(*TextSession) bool, apply func(*TextSession)) (TextTransition, error) {
	ts, ok := f.texts[id]
	if !ok {
		return TextTransition{}, ErrTextSessionNotFound
	}
	if !cond(ts) {
		return TextTransition{Applied: false, Current: ts.Status}, nil
	}
	apply(ts)
	return TextTransition{Applied: true, Current: ts.Status}, nil
}

func (f *fakeRepo) SetResponseDeadline(_ context.Context, id uuid.UUID, deadline, now time.Time) (TextTransition, error) {
	return f.textTransition(id,
		func(ts *TextSession) bool {
			return ts.Status == TextWaitingForDoctor && ts.DoctorResponseDeadline == nil
		},
		func(ts *TextSession) {
			d := deadline
			ts.DoctorResponseDeadline = &d
			ts.LastActivityAt = now
		})
}

func (f *fakeRepo) ActivateTextSession(_ context.Context, id, doctorID uuid.UUID, now time.Time) (TextTransition, error) {
	return f.textTransition(id,
		func(ts *TextSession) bool {
			return ts.Status == TextWaitingForDoctor && ts.DoctorID == doctorID &&
				(ts.DoctorResponseDeadline == nil || ts.DoctorResponseDeadline.After(now))
		},
		func(ts *TextSession) {
			n := now
			ts.Status = TextActive
			ts.ActivatedAt = &n
			ts.LastActivityAt = n
		})
}

func (f *fakeRepo) ExpireTextSession(_ context.Context, id uuid.UUID, now time.Time) (TextTransition, error) {
	return f.textTransition(id,
		func(ts *TextSession) bool {
			return ts.Status == TextWaitingForDoctor && ts.DoctorResponseDeadline != nil &&
				!ts.DoctorResponseDeadline.After(now)
		},
		func(ts *TextSession) {
			n := now
			ts.Status = TextExpired
			ts.EndedAt = &n
		})
}

func (f *fakeRepo) ExpireStalledTextSession(_ context.Context, id uuid.UUID, cutoff, now time.Time) (TextTransition, error) {
	return f.textTransition(id,
		func(ts *TextSession) bool {
			return ts.Status == TextWaitingForDoctor && ts.DoctorResponseDeadline == nil &&
				!ts.StartedAt.After(cutoff)
		},
		func(ts *TextSession) {
			n := now
			ts.Status = TextExpired
			ts.EndedAt = &n
		})
}

func (f *fakeRepo) EndTextSession(_ context.Context, id uuid.UUID, now time.Time, reason string, usedDelta int) (TextTransition, error) {
	return f.textTransition(id,
		func(ts *TextSession) bool { return ts.Status == TextActive },
		func(ts *TextSession) {
			n := now
			ts.Status = TextEnded
			ts.EndedAt = &n
			ts.Reason = reason
			ts.SessionsUsed += usedDelta
		})
}

func (f *fakeRepo) CancelTextSession(_ context.Context, id uuid.UUID, now time.Time) (TextTransition, error) {
	return f.textTransition(id,
		func(ts *TextSession) bool { return ts.Status == TextWaitingForDoctor },
		func(ts *TextSession) {
			n := now
			ts.Status = TextCancelled
			ts.EndedAt = &n
		})
}

func (f *fakeRepo) TouchTextActivity(_ context.Context, id uuid.UUID, now time.Time) error {
	if ts, ok := f.texts[id]; ok {
		ts.LastActivityAt = now
	}
	return nil
}

func (f *fakeRepo) FindDeadlineExpiredText(_ context.Context, now time.Time) ([]TextSession, error) {
	var out []TextSession
	for _, ts := range f.texts {
		if ts.Status == TextWaitingForDoctor && ts.DoctorResponseDeadline != nil &&
			!ts.DoctorResponseDeadline.After(now) {
			out = append(out, *ts)
		}
	}
	sortTextSessions(out)
	return out, nil
}

func (f *fakeRepo) FindStalledWaitingText(_ context.Context, cutoff time.Time) ([]TextSession, error) {
	var out []TextSession
	for _, ts := range f.texts {
		if ts.Status == TextWaitingForDoctor && ts.DoctorResponseDeadline == nil &&
			!ts.StartedAt.After(cutoff) {
			out = append(out, *ts)
		}
	}
	sortTextSessions(out)
	return out, nil
}

func (f *fakeRepo) FindOverrunActiveText(_ context.Context, now time.Time) ([]TextSession, error) {
	var out []TextSession
	for _, ts := range f.texts {
		if ts.Status == TextActive && ts.OverAllotment(now) {
			out = append(out, *ts)
		}
	}
	sortTextSessions(out)
	return out, nil
}

func sortTextSessions(s []TextSession) {
	sort.Slice(s, func(i, j int) bool { return s[i].StartedAt.Before(s[j].StartedAt) })
}

// Call sessions

func (f *fakeRepo) CreateCallSession(_ context.Context, cs *CallSession) error {
	cp := *cs
	cp.CreatedAt = cp.StartedAt
	cp.UpdatedAt = cp.StartedAt
	f.calls[cp.ID] = &cp
	*cs = cp
	return nil
}

func (f *fakeRepo) GetCallSession(_ context.Context, id uuid.UUID) (*CallSession, error) {
	cs, ok := f.calls[id]
	if !ok {
		return nil, ErrCallSessionNotFound
	}
	cp := *cs
	return &cp, nil
}

func (f *fakeRepo) GetCallSessionForUpdate(ctx context.Context, id uuid.UUID) (*CallSession, error) {
	return f.GetCallSession(ctx, id)
}

func (f *fakeRepo) FindOpenCallSession(_ context.Context, patientID, doctorID uuid.UUID) (*CallSession, error) {
	for _, cs := range f.calls {
		if cs.PatientID == patientID && cs.DoctorID == doctorID && !cs.Status.Terminal() {
			cp := *cs
			return &cp, nil
		}
	}
	return nil, ErrCallSessionNotFound
}

func (f *fakeRepo) callTransition(id uuid.UUID, cond func(*CallSession) bool, apply func(*CallSession)) (CallTransition, error) {
	cs, ok := f.calls[id]
	if !ok {
		return CallTransition{}, ErrCallSessionNotFound
	}
	if !cond(cs) {
		return CallTransition{Applied: false, Current: cs.Status}, nil
	}
	apply(cs)
	return CallTransition{Applied: true, Current: cs.Status}, nil
}

func (f *fakeRepo) AnswerCallSession(_ context.Context, id, doctorID uuid.UUID, now time.Time) (CallTransition, error) {
	return f.callTransition(id,
		func(cs *CallSession) bool { return cs.Status == CallConnecting && cs.DoctorID == doctorID },
		func(cs *CallSession) {
			n := now
			cs.Status = CallAnswered
			cs.AnsweredAt = &n
		})
}

func (f *fakeRepo) DeclineCallSession(_ context.Context, id, doctorID uuid.UUID, now time.Time) (CallTransition, error) {
	return f.callTransition(id,
		func(cs *CallSession) bool { return cs.Status == CallConnecting && cs.DoctorID == doctorID },
		func(cs *CallSession) {
			n := now
			cs.Status = CallDeclined
			cs.EndedAt = &n
		})
}

func (f *fakeRepo) PromoteCallConnected(_ context.Context, id uuid.UUID, now time.Time) (CallTransition, error) {
	return f.callTransition(id,
		func(cs *CallSession) bool {
			return (cs.Status == CallAnswered || cs.Status == CallActive) && cs.ConnectedAt == nil
		},
		func(cs *CallSession) {
			n := now
			cs.Status = CallActive
			cs.ConnectedAt = &n
			cs.IsConnected = true
		})
}

func (f *fakeRepo) HealCallConnected(_ context.Context, id uuid.UUID, _ time.Time) (CallTransition, error) {
	return f.callTransition(id,
		func(cs *CallSession) bool { return cs.ConnectedAt == nil && cs.AnsweredAt != nil },
		func(cs *CallSession) {
			at := *cs.AnsweredAt
			cs.ConnectedAt = &at
			cs.IsConnected = true
			if cs.Status == CallAnswered {
				cs.Status = CallActive
			}
		})
}

func (f *fakeRepo) EndCallSession(_ context.Context, id uuid.UUID, now time.Time, durationSeconds int64, processedTicks, usedDelta int) (CallTransition, error) {
	return f.callTransition(id,
		func(cs *CallSession) bool { return !cs.Status.Terminal() },
		func(cs *CallSession) {
			n := now
			cs.Status = CallEnded
			cs.EndedAt = &n
			cs.CallDurationSeconds = durationSeconds
			cs.AutoDeductionsProcessed = processedTicks
			cs.SessionsUsed += usedDelta
		})
}

func (f *fakeRepo) RecordCallProgress(_ context.Context, id uuid.UUID, _ time.Time, durationSeconds int64, processedTicks, usedDelta int) error {
	if cs, ok := f.calls[id]; ok && cs.Status == CallActive {
		cs.CallDurationSeconds = durationSeconds
		cs.AutoDeductionsProcessed = processedTicks
		cs.SessionsUsed += usedDelta
	}
	return nil
}

func (f *fakeRepo) FindStalledAnsweredCalls(_ context.Context, cutoff time.Time) ([]CallSession, error) {
	var out []CallSession
	for _, cs := range f.calls {
		if cs.Status == CallAnswered && cs.ConnectedAt == nil && cs.AnsweredAt != nil &&
			!cs.AnsweredAt.After(cutoff) {
			out = append(out, *cs)
		}
	}
	return out, nil
}

func (f *fakeRepo) FindOverrunActiveCalls(_ context.Context, now time.Time) ([]CallSession, error) {
	var out []CallSession
	for _, cs := range f.calls {
		if cs.Status == CallActive && cs.OverAllotment(now) {
			out = append(out, *cs)
		}
	}
	return out, nil
}

// Balances and wallet

func (f *fakeRepo) GetBalanceForUpdate(_ context.Context, userID uuid.UUID) (*billing.SubscriptionBalance, error) {
	b, ok := f.balances[userID]
	if !ok {
		return nil, ErrBalanceNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *fakeRepo) DeductUnits(_ context.Context, userID uuid.UUID, kind billing.UnitKind, n int, now time.Time) error {
	b, ok := f.balances[userID]
	if !ok {
		return ErrBalanceNotFound
	}
	dec := func(v int) int {
		v -= n
		if v < 0 {
			return 0
		}
		return v
	}
	switch kind {
	case billing.UnitVoice:
		b.VoiceCallsRemaining = dec(b.VoiceCallsRemaining)
	case billing.UnitVideo:
		b.VideoCallsRemaining = dec(b.VideoCallsRemaining)
	default:
		b.TextSessionsRemaining = dec(b.TextSessionsRemaining)
	}
	b.UpdatedAt = now
	return nil
}

func (f *fakeRepo) CreditDoctorWallet(_ context.Context, entry billing.WalletLedgerEntry) error {
	f.wallets[entry.DoctorID] += entry.AmountMinor
	f.ledger = append(f.ledger, entry)
	return nil
}

// fakeLocker hands out the pair lock unconditionally, or always fails
// when busy is set.
type fakeLocker struct {
	busy bool
}

func (l *fakeLocker) WithPairLock(ctx context.Context, _, _ uuid.UUID, fn func(ctx context.Context) error) error {
	if l.busy {
		return redisclient.ErrLockNotAcquired
	}
	return fn(ctx)
}

// fakeDelay records scheduled members and pops the ones due.
type fakeDelay struct {
	scheduled map[string]time.Time
}

func newFakeDelay() *fakeDelay {
	return &fakeDelay{scheduled: make(map[string]time.Time)}
}

func (d *fakeDelay) Schedule(_ context.Context, member string, due time.Time) error {
	d.scheduled[member] = due
	return nil
}

func (d *fakeDelay) PopDue(_ context.Context, now time.Time, limit int) ([]string, error) {
	var out []string
	for member, due := range d.scheduled {
		if !due.After(now) {
			out = append(out, member)
			delete(d.scheduled, member)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}
