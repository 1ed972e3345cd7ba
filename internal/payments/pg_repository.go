package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	db   querier
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{db: pool, pool: pool}
}

func (r *PgRepository) InTx(ctx context.Context, fn func(ctx context.Context, r Repository) error) error {
	if r.pool == nil {
		return fn(ctx, r)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, &PgRepository{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const eventCols = `
	id, reference, user_id, plan_id, amount_minor, currency,
	status, applied, raw_payload, created_at, updated_at`

func scanEvent(row pgx.Row) (*PaymentEvent, error) {
	var ev PaymentEvent
	err := row.Scan(
		&ev.ID,
		&ev.Reference,
		&ev.UserID,
		&ev.PlanID,
		&ev.AmountMinor,
		&ev.Currency,
		&ev.Status,
		&ev.Applied,
		&ev.RawPayload,
		&ev.CreatedAt,
		&ev.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return &ev, nil
}

func (r *PgRepository) GetEventByReferenceForUpdate(ctx context.Context, reference string) (*PaymentEvent, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+eventCols+`
		FROM payment_events
		WHERE reference = $1
		FOR UPDATE
	`, reference)
	return scanEvent(row)
}

func (r *PgRepository) CreateEvent(ctx context.Context, ev *PaymentEvent) error {
	row := r.db.QueryRow(ctx, `
		INSERT INTO payment_events (
			id, reference, user_id, plan_id, amount_minor, currency,
			status, applied, raw_payload, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8, now(), now())
		ON CONFLICT (reference) DO NOTHING
		RETURNING `+eventCols+`
	`, ev.ID, ev.Reference, ev.UserID, ev.PlanID, ev.AmountMinor, ev.Currency, ev.Status, ev.RawPayload)

	created, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, ErrEventNotFound) {
			// Lost an insert race on the reference; read the winner.
			existing, gerr := r.GetEventByReferenceForUpdate(ctx, ev.Reference)
			if gerr != nil {
				return gerr
			}
			*ev = *existing
			return nil
		}
		return fmt.Errorf("insert payment event: %w", err)
	}
	*ev = *created
	return nil
}

func (r *PgRepository) UpdateEventStatus(ctx context.Context, id uuid.UUID, status EventStatus, rawPayload []byte) error {
	_, err := r.db.Exec(ctx, `
		UPDATE payment_events
		SET status = $2,
		    raw_payload = COALESCE($3, raw_payload),
		    updated_at = now()
		WHERE id = $1
	`, id, status, rawPayload)
	if err != nil {
		return fmt.Errorf("update payment event status: %w", err)
	}
	return nil
}

func (r *PgRepository) MarkEventApplied(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE payment_events
		SET applied = true, updated_at = now()
		WHERE id = $1 AND applied = false
	`, id)
	if err != nil {
		return false, fmt.Errorf("mark payment event applied: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) GetPlan(ctx context.Context, id string) (*Plan, error) {
	var p Plan
	err := r.db.QueryRow(ctx, `
		SELECT id, name, text_sessions, voice_calls, video_calls, price_minor, currency
		FROM plans
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.TextSessions, &p.VoiceCalls, &p.VideoCalls, &p.PriceMinor, &p.Currency)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPlanNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PgRepository) GrantEntitlements(ctx context.Context, userID uuid.UUID, text, voice, video int) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO subscription_balances (
			user_id, text_sessions_remaining, voice_calls_remaining, video_calls_remaining, updated_at
		)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (user_id)
		DO UPDATE SET text_sessions_remaining = subscription_balances.text_sessions_remaining + EXCLUDED.text_sessions_remaining,
		              voice_calls_remaining = subscription_balances.voice_calls_remaining + EXCLUDED.voice_calls_remaining,
		              video_calls_remaining = subscription_balances.video_calls_remaining + EXCLUDED.video_calls_remaining,
		              updated_at = now()
	`, userID, text, voice, video)
	if err != nil {
		return fmt.Errorf("grant entitlements: %w", err)
	}
	return nil
}
