package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hire-africa/docavailable-sub012/internal/notify"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type textFixture struct {
	repo    *fakeRepo
	svc     *TextService
	now     time.Time
	patient uuid.UUID
	doctor  uuid.UUID
}

func newTextFixture(t *testing.T, balance int) *textFixture {
	t.Helper()

	f := &textFixture{repo: newFakeRepo(), now: testBase}
	f.patient = f.repo.addPatient("Chimwemwe Banda")
	f.doctor = f.repo.addDoctor("Dr. Mwale", "malawi")
	f.repo.setBalance(f.patient, balance, 0, 0)

	f.svc = NewTextService(
		f.repo,
		&fakeLocker{},
		notify.NewLogDispatcher(zap.NewNop()),
		300*time.Second,
		func() time.Time { return f.now },
		zap.NewNop(),
	)
	return f
}

func (f *textFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func TestStartTextSession(t *testing.T) {
	ctx := context.Background()

	t.Run("creates waiting session with balance snapshot", func(t *testing.T) {
		f := newTextFixture(t, 5)

		ts, err := f.svc.StartTextSession(ctx, f.patient, f.doctor, "persistent headache")
		require.NoError(t, err)
		assert.Equal(t, TextWaitingForDoctor, ts.Status)
		assert.Equal(t, 5, ts.SessionsRemainingBeforeStart)
		assert.Nil(t, ts.DoctorResponseDeadline)
		assert.Equal(t, "persistent headache", ts.Reason)
	})

	t.Run("rejects empty balance", func(t *testing.T) {
		f := newTextFixture(t, 0)

		_, err := f.svc.StartTextSession(ctx, f.patient, f.doctor, "")
		assert.ErrorIs(t, err, ErrNoUnitsRemaining)
	})

	t.Run("rejects second open session for the pair", func(t *testing.T) {
		f := newTextFixture(t, 5)

		_, err := f.svc.StartTextSession(ctx, f.patient, f.doctor, "")
		require.NoError(t, err)

		_, err = f.svc.StartTextSession(ctx, f.patient, f.doctor, "")
		assert.ErrorIs(t, err, ErrSessionAlreadyOpen)
	})

	t.Run("contended pair lock maps to pair busy", func(t *testing.T) {
		f := newTextFixture(t, 5)
		f.svc = NewTextService(f.repo, &fakeLocker{busy: true}, notify.NewLogDispatcher(zap.NewNop()),
			300*time.Second, func() time.Time { return f.now }, zap.NewNop())

		_, err := f.svc.StartTextSession(ctx, f.patient, f.doctor, "")
		assert.ErrorIs(t, err, ErrPairBusy)
	})

	t.Run("unknown patient", func(t *testing.T) {
		f := newTextFixture(t, 5)

		_, err := f.svc.StartTextSession(ctx, uuid.New(), f.doctor, "")
		assert.ErrorIs(t, err, ErrPatientNotFound)
	})
}

func TestResponseDeadline(t *testing.T) {
	ctx := context.Background()

	t.Run("first patient message arms the deadline once", func(t *testing.T) {
		f := newTextFixture(t, 5)
		ts, err := f.svc.StartTextSession(ctx, f.patient, f.doctor, "")
		require.NoError(t, err)

		f.advance(10 * time.Second)
		ts, err = f.svc.RecordPatientMessage(ctx, ts.ID, f.patient)
		require.NoError(t, err)
		require.NotNil(t, ts.DoctorResponseDeadline)
		firstDeadline := *ts.DoctorResponseDeadline
		assert.Equal(t, f.now.Add(300*time.Second), firstDeadline)

		// A later message must not push the window forward.
		f.advance(60 * time.Second)
		ts, err = f.svc.RecordPatientMessage(ctx, ts.ID, f.patient)
		require.NoError(t, err)
		assert.Equal(t, firstDeadline, *ts.DoctorResponseDeadline)
	})

	t.Run("doctor reply inside the window activates", func(t *testing.T) {
		f := newTextFixture(t, 5)
		ts, err := f.svc.StartTextSession(ctx, f.patient, f.doctor, "")
		require.NoError(t, err)

		_, err = f.svc.RecordPatientMessage(ctx, ts.ID, f.patient)
		require.NoError(t, err)

		f.advance(299 * time.Second)
		ts, err = f.svc.RecordDoctorMessage(ctx, ts.ID, f.doctor)
		require.NoError(t, err)
		assert.Equal(t, TextActive, ts.Status)
		require.NotNil(t, ts.ActivatedAt)
		assert.Equal(t, f.now, *ts.ActivatedAt)
	})

	t.Run("doctor reply after the window expires the session", func(t *testing.T) {
		f := newTextFixture(t, 5)
		ts, err := f.svc.StartTextSession(ctx, f.patient, f.doctor, "")
		require.NoError(t, err)

		_, err = f.svc.RecordPatientMessage(ctx, ts.ID, f.patient)
		require.NoError(t, err)

		f.advance(301 * time.Second)
		ts, err = f.svc.RecordDoctorMessage(ctx, ts.ID, f.doctor)
		assert.ErrorIs(t, err, ErrResponseWindowClosed)
		assert.Equal(t, TextExpired, ts.Status)

		// Expiry never touches the balance.
		b, err := f.repo.GetBalanceForUpdate(ctx, f.patient)
		require.NoError(t, err)
		assert.Equal(t, 5, b.TextSessionsRemaining)
	})

	t.Run("session with no messages expires after the window", func(t *testing.T) {
		f := newTextFixture(t, 5)
		ts, err := f.svc.StartTextSession(ctx, f.patient, f.doctor, "")
		require.NoError(t, err)

		f.advance(301 * time.Second)
		view, err := f.svc.CheckStatus(ctx, ts.ID, f.patient)
		require.NoError(t, err)
		assert.Equal(t, TextExpired, view.Status)
	})

	t.Run("non-participant cannot message", func(t *testing.T) {
		f := newTextFixture(t, 5)
		ts, err := f.svc.StartTextSession(ctx, f.patient, f.doctor, "")
		require.NoError(t, err)

		_, err = f.svc.RecordPatientMessage(ctx, ts.ID, uuid.New())
		assert.ErrorIs(t, err, ErrNotParticipant)
		_, err = f.svc.RecordDoctorMessage(ctx, ts.ID, f.patient)
		assert.ErrorIs(t, err, ErrNotParticipant)
	})
}

func TestEndTextSession(t *testing.T) {
	ctx := context.Background()

	activate := func(t *testing.T, f *textFixture) *TextSession {
		t.Helper()
		ts, err := f.svc.StartTextSession(ctx, f.patient, f.doctor, "")
		require.NoError(t, err)
		_, err = f.svc.RecordPatientMessage(ctx, ts.ID, f.patient)
		require.NoError(t, err)
		ts, err = f.svc.RecordDoctorMessage(ctx, ts.ID, f.doctor)
		require.NoError(t, err)
		require.Equal(t, TextActive, ts.Status)
		return ts
	}

	t.Run("manual end after 25 minutes charges three units", func(t *testing.T) {
		f := newTextFixture(t, 10)
		ts := activate(t, f)

		f.advance(25 * time.Minute)
		res, err := f.svc.EndTextSession(ctx, ts.ID, f.patient, 0)
		require.NoError(t, err)
		assert.Equal(t, TextEnded, res.FinalStatus)
		assert.Equal(t, 3, res.UnitsCharged)
		assert.Zero(t, res.Shortfall)

		b, err := f.repo.GetBalanceForUpdate(ctx, f.patient)
		require.NoError(t, err)
		assert.Equal(t, 7, b.TextSessionsRemaining)

		require.Len(t, f.repo.ledger, 1)
		entry := f.repo.ledger[0]
		assert.Equal(t, f.doctor, entry.DoctorID)
		assert.Equal(t, 3, entry.Units)
		assert.Equal(t, int64(3*400000), entry.AmountMinor)
		assert.Equal(t, "MWK", entry.Currency)
	})

	t.Run("double end charges once", func(t *testing.T) {
		f := newTextFixture(t, 10)
		ts := activate(t, f)

		f.advance(25 * time.Minute)
		first, err := f.svc.EndTextSession(ctx, ts.ID, f.patient, 0)
		require.NoError(t, err)
		require.False(t, first.AlreadyEnded)

		second, err := f.svc.EndTextSession(ctx, ts.ID, f.doctor, 0)
		require.NoError(t, err)
		assert.True(t, second.AlreadyEnded)
		assert.Zero(t, second.UnitsCharged)

		b, err := f.repo.GetBalanceForUpdate(ctx, f.patient)
		require.NoError(t, err)
		assert.Equal(t, 7, b.TextSessionsRemaining)
		assert.Len(t, f.repo.ledger, 1)
	})

	t.Run("inflated client report is clamped", func(t *testing.T) {
		f := newTextFixture(t, 10)
		ts := activate(t, f)

		f.advance(11 * time.Minute)
		// Client claims an hour; server saw 11 minutes.
		res, err := f.svc.EndTextSession(ctx, ts.ID, f.patient, 3600)
		require.NoError(t, err)
		// 11m + 60s slack stays under two full units: one auto tick plus
		// the manual-end unit.
		assert.Equal(t, 2, res.UnitsCharged)
	})

	t.Run("shortfall caps the charge and still ends", func(t *testing.T) {
		f := newTextFixture(t, 1)
		ts := activate(t, f)

		f.advance(25 * time.Minute)
		res, err := f.svc.EndTextSession(ctx, ts.ID, f.patient, 0)
		require.NoError(t, err)
		assert.Equal(t, TextEnded, res.FinalStatus)
		assert.Equal(t, 1, res.UnitsCharged)
		assert.Equal(t, 2, res.Shortfall)

		b, err := f.repo.GetBalanceForUpdate(ctx, f.patient)
		require.NoError(t, err)
		assert.Zero(t, b.TextSessionsRemaining)
	})

	t.Run("ending a waiting session cancels it free of charge", func(t *testing.T) {
		f := newTextFixture(t, 5)
		ts, err := f.svc.StartTextSession(ctx, f.patient, f.doctor, "")
		require.NoError(t, err)

		res, err := f.svc.EndTextSession(ctx, ts.ID, f.patient, 0)
		require.NoError(t, err)
		assert.Equal(t, TextCancelled, res.FinalStatus)
		assert.Zero(t, res.UnitsCharged)

		b, err := f.repo.GetBalanceForUpdate(ctx, f.patient)
		require.NoError(t, err)
		assert.Equal(t, 5, b.TextSessionsRemaining)
	})

	t.Run("non-participant cannot end", func(t *testing.T) {
		f := newTextFixture(t, 5)
		ts := activate(t, f)

		_, err := f.svc.EndTextSession(ctx, ts.ID, uuid.New(), 0)
		assert.ErrorIs(t, err, ErrNotParticipant)
	})
}

func TestCheckStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("active session reports remaining time and units", func(t *testing.T) {
		f := newTextFixture(t, 2)
		ts, err := f.svc.StartTextSession(ctx, f.patient, f.doctor, "")
		require.NoError(t, err)
		_, err = f.svc.RecordPatientMessage(ctx, ts.ID, f.patient)
		require.NoError(t, err)
		_, err = f.svc.RecordDoctorMessage(ctx, ts.ID, f.doctor)
		require.NoError(t, err)

		f.advance(5 * time.Minute)
		view, err := f.svc.CheckStatus(ctx, ts.ID, f.patient)
		require.NoError(t, err)
		assert.Equal(t, TextActive, view.Status)
		// 2 units buy 20 minutes; 5 elapsed.
		assert.Equal(t, int64(15*60), view.RemainingSeconds)
		assert.Equal(t, 2, view.RemainingUnits)
	})

	t.Run("allotment exhaustion auto-ends without a manual unit", func(t *testing.T) {
		f := newTextFixture(t, 1)
		ts, err := f.svc.StartTextSession(ctx, f.patient, f.doctor, "")
		require.NoError(t, err)
		_, err = f.svc.RecordPatientMessage(ctx, ts.ID, f.patient)
		require.NoError(t, err)
		_, err = f.svc.RecordDoctorMessage(ctx, ts.ID, f.doctor)
		require.NoError(t, err)

		f.advance(10 * time.Minute)
		view, err := f.svc.CheckStatus(ctx, ts.ID, f.patient)
		require.NoError(t, err)
		assert.Equal(t, TextEnded, view.Status)

		got, err := f.repo.GetTextSession(ctx, ts.ID)
		require.NoError(t, err)
		assert.Equal(t, EndReasonTimeExhausted, got.Reason)
		assert.Equal(t, 1, got.SessionsUsed)

		b, err := f.repo.GetBalanceForUpdate(ctx, f.patient)
		require.NoError(t, err)
		assert.Zero(t, b.TextSessionsRemaining)
	})

	t.Run("waiting session reports time left in the response window", func(t *testing.T) {
		f := newTextFixture(t, 5)
		ts, err := f.svc.StartTextSession(ctx, f.patient, f.doctor, "")
		require.NoError(t, err)
		_, err = f.svc.RecordPatientMessage(ctx, ts.ID, f.patient)
		require.NoError(t, err)

		f.advance(100 * time.Second)
		view, err := f.svc.CheckStatus(ctx, ts.ID, f.doctor)
		require.NoError(t, err)
		assert.Equal(t, TextWaitingForDoctor, view.Status)
		assert.Equal(t, int64(200), view.RemainingSeconds)
	})
}

func TestCancelTextSession(t *testing.T) {
	ctx := context.Background()

	f := newTextFixture(t, 5)
	ts, err := f.svc.StartTextSession(ctx, f.patient, f.doctor, "")
	require.NoError(t, err)

	got, err := f.svc.CancelTextSession(ctx, ts.ID, f.patient)
	require.NoError(t, err)
	assert.Equal(t, TextCancelled, got.Status)

	// Cancelling again reads back the terminal state.
	got, err = f.svc.CancelTextSession(ctx, ts.ID, f.patient)
	require.NoError(t, err)
	assert.Equal(t, TextCancelled, got.Status)
}
