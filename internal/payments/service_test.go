package payments

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hire-africa/docavailable-sub012/internal/clock"
)

// fakeRepo is an in-memory Repository keyed by reference, mirroring the
// unique-by-reference upsert of the Postgres implementation.
type fakeRepo struct {
	events map[string]*PaymentEvent
	plans  map[string]Plan
	grants map[uuid.UUID][3]int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		events: make(map[string]*PaymentEvent),
		plans:  make(map[string]Plan),
		grants: make(map[uuid.UUID][3]int),
	}
}

func (f *fakeRepo) InTx(ctx context.Context, fn func(ctx context.Context, r Repository) error) error {
	return fn(ctx, f)
}

func (f *fakeRepo) GetEventByReferenceForUpdate(_ context.Context, reference string) (*PaymentEvent, error) {
	ev, ok := f.events[reference]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *ev
	return &cp, nil
}

func (f *fakeRepo) CreateEvent(_ context.Context, ev *PaymentEvent) error {
	if existing, ok := f.events[ev.Reference]; ok {
		*ev = *existing
		return nil
	}
	cp := *ev
	f.events[cp.Reference] = &cp
	return nil
}

func (f *fakeRepo) UpdateEventStatus(_ context.Context, id uuid.UUID, status EventStatus, rawPayload []byte) error {
	for _, ev := range f.events {
		if ev.ID == id {
			ev.Status = status
			if rawPayload != nil {
				ev.RawPayload = rawPayload
			}
			return nil
		}
	}
	return ErrEventNotFound
}

func (f *fakeRepo) MarkEventApplied(_ context.Context, id uuid.UUID) (bool, error) {
	for _, ev := range f.events {
		if ev.ID == id {
			if ev.Applied {
				return false, nil
			}
			ev.Applied = true
			return true, nil
		}
	}
	return false, ErrEventNotFound
}

func (f *fakeRepo) GetPlan(_ context.Context, id string) (*Plan, error) {
	p, ok := f.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return &p, nil
}

func (f *fakeRepo) GrantEntitlements(_ context.Context, userID uuid.UUID, text, voice, video int) error {
	g := f.grants[userID]
	g[0] += text
	g[1] += voice
	g[2] += video
	f.grants[userID] = g
	return nil
}

func newService(repo *fakeRepo) *Service {
	return NewService(repo, clock.Fixed(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)), zap.NewNop())
}

func standardPlan(repo *fakeRepo) Plan {
	p := Plan{ID: "standard-mwk", Name: "Standard", TextSessions: 10, VoiceCalls: 5, VideoCalls: 2, PriceMinor: 25000000, Currency: "MWK"}
	repo.plans[p.ID] = p
	return p
}

func TestInitiate(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	plan := standardPlan(repo)
	svc := newService(repo)
	userID := uuid.New()

	ev, err := svc.Initiate(ctx, userID, plan.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, ev.Reference)
	assert.Equal(t, StatusPending, ev.Status)
	assert.Equal(t, plan.PriceMinor, ev.AmountMinor)
	assert.Equal(t, "MWK", ev.Currency)

	_, ok := repo.events[ev.Reference]
	assert.True(t, ok)

	_, err = svc.Initiate(ctx, userID, "no-such-plan")
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()

	t.Run("success grants entitlements once", func(t *testing.T) {
		repo := newFakeRepo()
		plan := standardPlan(repo)
		svc := newService(repo)
		userID := uuid.New()

		ev, err := svc.Initiate(ctx, userID, plan.ID)
		require.NoError(t, err)

		res, err := svc.Reconcile(ctx, ExternalEvent{
			Reference: ev.Reference,
			Status:    StatusSuccess,
		})
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.Equal(t, [3]int{10, 5, 2}, repo.grants[userID])
	})

	t.Run("redelivered success does not grant twice", func(t *testing.T) {
		repo := newFakeRepo()
		plan := standardPlan(repo)
		svc := newService(repo)
		userID := uuid.New()

		ev, err := svc.Initiate(ctx, userID, plan.ID)
		require.NoError(t, err)

		first, err := svc.Reconcile(ctx, ExternalEvent{Reference: ev.Reference, Status: StatusSuccess})
		require.NoError(t, err)
		require.True(t, first.Applied)

		second, err := svc.Reconcile(ctx, ExternalEvent{Reference: ev.Reference, Status: StatusSuccess})
		require.NoError(t, err)
		assert.False(t, second.Applied)
		assert.Equal(t, [3]int{10, 5, 2}, repo.grants[userID])
	})

	t.Run("failure records the status without granting", func(t *testing.T) {
		repo := newFakeRepo()
		plan := standardPlan(repo)
		svc := newService(repo)
		userID := uuid.New()

		ev, err := svc.Initiate(ctx, userID, plan.ID)
		require.NoError(t, err)

		res, err := svc.Reconcile(ctx, ExternalEvent{Reference: ev.Reference, Status: StatusFailed})
		require.NoError(t, err)
		assert.False(t, res.Applied)
		assert.Equal(t, StatusFailed, repo.events[ev.Reference].Status)
		assert.Empty(t, repo.grants)
	})

	t.Run("unknown reference with metadata creates the event", func(t *testing.T) {
		repo := newFakeRepo()
		plan := standardPlan(repo)
		svc := newService(repo)
		userID := uuid.New()

		res, err := svc.Reconcile(ctx, ExternalEvent{
			Reference:   "tx_gateway_777",
			Status:      StatusSuccess,
			AmountMinor: plan.PriceMinor,
			Currency:    "MWK",
			UserID:      userID,
			PlanID:      plan.ID,
			RawPayload:  []byte(`{"reference":"tx_gateway_777"}`),
		})
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.Equal(t, [3]int{10, 5, 2}, repo.grants[userID])
	})

	t.Run("missing reference is rejected", func(t *testing.T) {
		repo := newFakeRepo()
		standardPlan(repo)
		svc := newService(repo)

		_, err := svc.Reconcile(ctx, ExternalEvent{Status: StatusSuccess})
		assert.ErrorIs(t, err, ErrMalformedEvent)
	})

	t.Run("unknown reference without metadata is rejected", func(t *testing.T) {
		repo := newFakeRepo()
		standardPlan(repo)
		svc := newService(repo)

		_, err := svc.Reconcile(ctx, ExternalEvent{Reference: "tx_mystery", Status: StatusSuccess})
		assert.ErrorIs(t, err, ErrMalformedEvent)
		assert.Empty(t, repo.events)
	})

	t.Run("late failure cannot regress an applied success", func(t *testing.T) {
		repo := newFakeRepo()
		plan := standardPlan(repo)
		svc := newService(repo)
		userID := uuid.New()

		ev, err := svc.Initiate(ctx, userID, plan.ID)
		require.NoError(t, err)

		_, err = svc.Reconcile(ctx, ExternalEvent{Reference: ev.Reference, Status: StatusSuccess})
		require.NoError(t, err)

		res, err := svc.Reconcile(ctx, ExternalEvent{Reference: ev.Reference, Status: StatusFailed})
		require.NoError(t, err)
		assert.False(t, res.Applied)
		assert.Equal(t, StatusSuccess, repo.events[ev.Reference].Status)
		assert.Equal(t, [3]int{10, 5, 2}, repo.grants[userID])
	})
}
