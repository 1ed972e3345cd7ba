package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hire-africa/docavailable-sub012/internal/billing"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same
// repository methods run standalone or transaction-bound.
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

// InTx begins a transaction and hands fn a Repository bound to it. Row
// locks taken inside live until commit/rollback on every exit path.
// Nested calls reuse the already-open transaction.
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

// Scan helpers

const textSessionCols = `
	id, patient_id, doctor_id, status, reason,
	started_at, activated_at, doctor_response_deadline, last_activity_at, ended_at,
	sessions_used, sessions_remaining_before_start, created_at, updated_at`

func scanTextSession(row pgx.Row) (*TextSession, error) {
	var ts TextSession
	var reason *string

	err := row.Scan(
		&ts.ID,
		&ts.PatientID,
		&ts.DoctorID,
		&ts.Status,
		&reason,
		&ts.StartedAt,
		&ts.ActivatedAt,
		&ts.DoctorResponseDeadline,
		&ts.LastActivityAt,
		&ts.EndedAt,
		&ts.SessionsUsed,
		&ts.SessionsRemainingBeforeStart,
		&ts.CreatedAt,
		&ts.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTextSessionNotFound
		}
		return nil, err
	}

	if reason != nil {
		ts.Reason = *reason
	}
	return &ts, nil
}

const callSessionCols = `
	id, patient_id, doctor_id, call_type, status,
	started_at, answered_at, connected_at, ended_at, is_connected,
	call_duration_seconds, sessions_used, auto_deductions_processed,
	sessions_remaining_before_start, created_at, updated_at`

func scanCallSession(row pgx.Row) (*CallSession, error) {
	var cs CallSession

	err := row.Scan(
		&cs.ID,
		&cs.PatientID,
		&cs.DoctorID,
		&cs.CallType,
		&cs.Status,
		&cs.StartedAt,
		&cs.AnsweredAt,
		&cs.ConnectedAt,
		&cs.EndedAt,
		&cs.IsConnected,
		&cs.CallDurationSeconds,
		&cs.SessionsUsed,
		&cs.AutoDeductionsProcessed,
		&cs.SessionsRemainingBeforeStart,
		&cs.CreatedAt,
		&cs.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCallSessionNotFound
		}
		return nil, err
	}

	return &cs, nil
}

// textTransition runs a conditional update and resolves the three-way
// outcome: applied, lost race (read back current state), or gone.
func (r *PgRepository) textTransition(ctx context.Context, id uuid.UUID, sql string, args ...any) (TextTransition, error) {
	var status TextStatus
	err := r.db.QueryRow(ctx, sql, args...).Scan(&status)
	if err == nil {
		return TextTransition{Applied: true, Current: status}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return TextTransition{}, err
	}

	err = r.db.QueryRow(ctx, `SELECT status FROM text_sessions WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TextTransition{}, ErrTextSessionNotFound
		}
		return TextTransition{}, err
	}
	return TextTransition{Applied: false, Current: status}, nil
}

func (r *PgRepository) callTransition(ctx context.Context, id uuid.UUID, sql string, args ...any) (CallTransition, error) {
	var status CallStatus
	err := r.db.QueryRow(ctx, sql, args...).Scan(&status)
	if err == nil {
		return CallTransition{Applied: true, Current: status}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return CallTransition{}, err
	}

	err = r.db.QueryRow(ctx, `SELECT status FROM call_sessions WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CallTransition{}, ErrCallSessionNotFound
		}
		return CallTransition{}, err
	}
	return CallTransition{Applied: false, Current: status}, nil
}

// Users

func (r *PgRepository) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var p Patient
	err := r.db.QueryRow(ctx, `
		SELECT id, name, created_at
		FROM patients
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PgRepository) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	var d Doctor
	var country *string
	err := r.db.QueryRow(ctx, `
		SELECT id, name, country, created_at
		FROM doctors
		WHERE id = $1
	`, id).Scan(&d.ID, &d.Name, &country, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}
	if country != nil {
		d.Country = *country
	}
	return &d, nil
}

// Text sessions

func (r *PgRepository) CreateTextSession(ctx context.Context, ts *TextSession) error {
	row := r.db.QueryRow(ctx, `
		INSERT INTO text_sessions (
			id, patient_id, doctor_id, status, reason,
			started_at, last_activity_at,
			sessions_used, sessions_remaining_before_start,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $6, 0, $7, now(), now())
		RETURNING `+textSessionCols+`
	`, ts.ID, ts.PatientID, ts.DoctorID, ts.Status, ts.Reason, ts.StartedAt, ts.SessionsRemainingBeforeStart)

	created, err := scanTextSession(row)
	if err != nil {
		return fmt.Errorf("insert text session: %w", err)
	}
	*ts = *created
	return nil
}

func (r *PgRepository) GetTextSession(ctx context.Context, id uuid.UUID) (*TextSession, error) {
	row := r.db.QueryRow(ctx, `SELECT `+textSessionCols+` FROM text_sessions WHERE id = $1`, id)
	return scanTextSession(row)
}

func (r *PgRepository) GetTextSessionForUpdate(ctx context.Context, id uuid.UUID) (*TextSession, error) {
	row := r.db.QueryRow(ctx, `SELECT `+textSessionCols+` FROM text_sessions WHERE id = $1 FOR UPDATE`, id)
	return scanTextSession(row)
}

func (r *PgRepository) FindOpenTextSession(ctx context.Context, patientID, doctorID uuid.UUID) (*TextSession, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+textSessionCols+`
		FROM text_sessions
		WHERE patient_id = $1 AND doctor_id = $2
		  AND status IN ('waiting_for_doctor', 'active')
		LIMIT 1
	`, patientID, doctorID)
	return scanTextSession(row)
}

func (r *PgRepository) SetResponseDeadline(ctx context.Context, id uuid.UUID, deadline, now time.Time) (TextTransition, error) {
	return r.textTransition(ctx, id, `
		UPDATE text_sessions
		SET doctor_response_deadline = $2,
		    last_activity_at = $3,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'waiting_for_doctor'
		  AND doctor_response_deadline IS NULL
		RETURNING status
	`, id, deadline, now)
}

func (r *PgRepository) ActivateTextSession(ctx context.Context, id, doctorID uuid.UUID, now time.Time) (TextTransition, error) {
	return r.textTransition(ctx, id, `
		UPDATE text_sessions
		SET status = 'active',
		    activated_at = $3,
		    last_activity_at = $3,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'waiting_for_doctor'
		  AND doctor_id = $2
		  AND (doctor_response_deadline IS NULL OR doctor_response_deadline > $3)
		RETURNING status
	`, id, doctorID, now)
}

func (r *PgRepository) ExpireTextSession(ctx context.Context, id uuid.UUID, now time.Time) (TextTransition, error) {
	return r.textTransition(ctx, id, `
		UPDATE text_sessions
		SET status = 'expired',
		    ended_at = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'waiting_for_doctor'
		  AND doctor_response_deadline IS NOT NULL
		  AND doctor_response_deadline <= $2
		RETURNING status
	`, id, now)
}

func (r *PgRepository) ExpireStalledTextSession(ctx context.Context, id uuid.UUID, cutoff, now time.Time) (TextTransition, error) {
	return r.textTransition(ctx, id, `
		UPDATE text_sessions
		SET status = 'expired',
		    ended_at = $3,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'waiting_for_doctor'
		  AND doctor_response_deadline IS NULL
		  AND started_at <= $2
		RETURNING status
	`, id, cutoff, now)
}

func (r *PgRepository) EndTextSession(ctx context.Context, id uuid.UUID, now time.Time, reason string, usedDelta int) (TextTransition, error) {
	return r.textTransition(ctx, id, `
		UPDATE text_sessions
		SET status = 'ended',
		    ended_at = $2,
		    reason = $3,
		    sessions_used = sessions_used + $4,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'active'
		RETURNING status
	`, id, now, reason, usedDelta)
}

func (r *PgRepository) CancelTextSession(ctx context.Context, id uuid.UUID, now time.Time) (TextTransition, error) {
	return r.textTransition(ctx, id, `
		UPDATE text_sessions
		SET status = 'cancelled',
		    ended_at = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'waiting_for_doctor'
		RETURNING status
	`, id, now)
}

func (r *PgRepository) TouchTextActivity(ctx context.Context, id uuid.UUID, now time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE text_sessions
		SET last_activity_at = $2, updated_at = now()
		WHERE id = $1
	`, id, now)
	if err != nil {
		return fmt.Errorf("touch text session activity: %w", err)
	}
	return nil
}

func (r *PgRepository) FindDeadlineExpiredText(ctx context.Context, now time.Time) ([]TextSession, error) {
	return r.queryTextSessions(ctx, `
		SELECT `+textSessionCols+`
		FROM text_sessions
		WHERE status = 'waiting_for_doctor'
		  AND doctor_response_deadline IS NOT NULL
		  AND doctor_response_deadline <= $1
	`, now)
}

func (r *PgRepository) FindStalledWaitingText(ctx context.Context, cutoff time.Time) ([]TextSession, error) {
	return r.queryTextSessions(ctx, `
		SELECT `+textSessionCols+`
		FROM text_sessions
		WHERE status = 'waiting_for_doctor'
		  AND doctor_response_deadline IS NULL
		  AND started_at <= $1
	`, cutoff)
}

func (r *PgRepository) FindOverrunActiveText(ctx context.Context, now time.Time) ([]TextSession, error) {
	return r.queryTextSessions(ctx, `
		SELECT `+textSessionCols+`
		FROM text_sessions
		WHERE status = 'active'
		  AND activated_at IS NOT NULL
		  AND activated_at + make_interval(secs => sessions_remaining_before_start * 600) <= $1
	`, now)
}

func (r *PgRepository) queryTextSessions(ctx context.Context, sql string, args ...any) ([]TextSession, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []TextSession
	for rows.Next() {
		ts, err := scanTextSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *ts)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Call sessions

func (r *PgRepository) CreateCallSession(ctx context.Context, cs *CallSession) error {
	row := r.db.QueryRow(ctx, `
		INSERT INTO call_sessions (
			id, patient_id, doctor_id, call_type, status,
			started_at, is_connected, call_duration_seconds,
			sessions_used, auto_deductions_processed,
			sessions_remaining_before_start, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, false, 0, 0, 0, $7, now(), now())
		RETURNING `+callSessionCols+`
	`, cs.ID, cs.PatientID, cs.DoctorID, cs.CallType, cs.Status, cs.StartedAt, cs.SessionsRemainingBeforeStart)

	created, err := scanCallSession(row)
	if err != nil {
		return fmt.Errorf("insert call session: %w", err)
	}
	*cs = *created
	return nil
}

func (r *PgRepository) GetCallSession(ctx context.Context, id uuid.UUID) (*CallSession, error) {
	row := r.db.QueryRow(ctx, `SELECT `+callSessionCols+` FROM call_sessions WHERE id = $1`, id)
	return scanCallSession(row)
}

func (r *PgRepository) GetCallSessionForUpdate(ctx context.Context, id uuid.UUID) (*CallSession, error) {
	row := r.db.QueryRow(ctx, `SELECT `+callSessionCols+` FROM call_sessions WHERE id = $1 FOR UPDATE`, id)
	return scanCallSession(row)
}

func (r *PgRepository) FindOpenCallSession(ctx context.Context, patientID, doctorID uuid.UUID) (*CallSession, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+callSessionCols+`
		FROM call_sessions
		WHERE patient_id = $1 AND doctor_id = $2
		  AND status IN ('connecting', 'answered', 'active')
		LIMIT 1
	`, patientID, doctorID)
	return scanCallSession(row)
}

func (r *PgRepository) AnswerCallSession(ctx context.Context, id, doctorID uuid.UUID, now time.Time) (CallTransition, error) {
	return r.callTransition(ctx, id, `
		UPDATE call_sessions
		SET status = 'answered',
		    answered_at = $3,
		    updated_at = now()
		WHERE id = $1
		  AND doctor_id = $2
		  AND status = 'connecting'
		RETURNING status
	`, id, doctorID, now)
}

func (r *PgRepository) DeclineCallSession(ctx context.Context, id, doctorID uuid.UUID, now time.Time) (CallTransition, error) {
	return r.callTransition(ctx, id, `
		UPDATE call_sessions
		SET status = 'declined',
		    ended_at = $3,
		    updated_at = now()
		WHERE id = $1
		  AND doctor_id = $2
		  AND status = 'connecting'
		RETURNING status
	`, id, doctorID, now)
}

func (r *PgRepository) PromoteCallConnected(ctx context.Context, id uuid.UUID, now time.Time) (CallTransition, error) {
	return r.callTransition(ctx, id, `
		UPDATE call_sessions
		SET status = 'active',
		    connected_at = $2,
		    is_connected = true,
		    updated_at = now()
		WHERE id = $1
		  AND status IN ('answered', 'active')
		  AND connected_at IS NULL
		RETURNING status
	`, id, now)
}

func (r *PgRepository) HealCallConnected(ctx context.Context, id uuid.UUID, now time.Time) (CallTransition, error) {
	return r.callTransition(ctx, id, `
		UPDATE call_sessions
		SET connected_at = answered_at,
		    is_connected = true,
		    status = CASE WHEN status = 'answered' THEN 'active' ELSE status END,
		    updated_at = now()
		WHERE id = $1
		  AND connected_at IS NULL
		  AND answered_at IS NOT NULL
		RETURNING status
	`, id)
}

func (r *PgRepository) EndCallSession(ctx context.Context, id uuid.UUID, now time.Time, durationSeconds int64, processedTicks, usedDelta int) (CallTransition, error) {
	return r.callTransition(ctx, id, `
		UPDATE call_sessions
		SET status = 'ended',
		    ended_at = $2,
		    call_duration_seconds = $3,
		    auto_deductions_processed = $4,
		    sessions_used = sessions_used + $5,
		    updated_at = now()
		WHERE id = $1
		  AND status NOT IN ('ended', 'declined')
		RETURNING status
	`, id, now, durationSeconds, processedTicks, usedDelta)
}

func (r *PgRepository) RecordCallProgress(ctx context.Context, id uuid.UUID, now time.Time, durationSeconds int64, processedTicks, usedDelta int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE call_sessions
		SET call_duration_seconds = $3,
		    auto_deductions_processed = $4,
		    sessions_used = sessions_used + $5,
		    updated_at = $2
		WHERE id = $1
		  AND status = 'active'
	`, id, now, durationSeconds, processedTicks, usedDelta)
	if err != nil {
		return fmt.Errorf("record call progress: %w", err)
	}
	return nil
}

func (r *PgRepository) FindStalledAnsweredCalls(ctx context.Context, cutoff time.Time) ([]CallSession, error) {
	return r.queryCallSessions(ctx, `
		SELECT `+callSessionCols+`
		FROM call_sessions
		WHERE status = 'answered'
		  AND connected_at IS NULL
		  AND answered_at IS NOT NULL
		  AND answered_at <= $1
	`, cutoff)
}

func (r *PgRepository) FindOverrunActiveCalls(ctx context.Context, now time.Time) ([]CallSession, error) {
	return r.queryCallSessions(ctx, `
		SELECT `+callSessionCols+`
		FROM call_sessions
		WHERE status = 'active'
		  AND connected_at IS NOT NULL
		  AND connected_at + make_interval(secs => sessions_remaining_before_start * 600) <= $1
	`, now)
}

func (r *PgRepository) queryCallSessions(ctx context.Context, sql string, args ...any) ([]CallSession, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []CallSession
	for rows.Next() {
		cs, err := scanCallSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *cs)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Balances and wallet

func (r *PgRepository) GetBalanceForUpdate(ctx context.Context, userID uuid.UUID) (*billing.SubscriptionBalance, error) {
	var b billing.SubscriptionBalance
	err := r.db.QueryRow(ctx, `
		SELECT user_id, text_sessions_remaining, voice_calls_remaining, video_calls_remaining, updated_at
		FROM subscription_balances
		WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(
		&b.UserID,
		&b.TextSessionsRemaining,
		&b.VoiceCallsRemaining,
		&b.VideoCallsRemaining,
		&b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBalanceNotFound
		}
		return nil, err
	}
	return &b, nil
}

func balanceColumn(kind billing.UnitKind) string {
	switch kind {
	case billing.UnitVoice:
		return "voice_calls_remaining"
	case billing.UnitVideo:
		return "video_calls_remaining"
	default:
		return "text_sessions_remaining"
	}
}

func (r *PgRepository) DeductUnits(ctx context.Context, userID uuid.UUID, kind billing.UnitKind, n int, now time.Time) error {
	col := balanceColumn(kind)
	tag, err := r.db.Exec(ctx, `
		UPDATE subscription_balances
		SET `+col+` = GREATEST(0, `+col+` - $2),
		    updated_at = $3
		WHERE user_id = $1
	`, userID, n, now)
	if err != nil {
		return fmt.Errorf("deduct units: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBalanceNotFound
	}
	return nil
}

func (r *PgRepository) CreditDoctorWallet(ctx context.Context, entry billing.WalletLedgerEntry) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO doctor_wallets (doctor_id, balance_minor, currency, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (doctor_id)
		DO UPDATE SET balance_minor = doctor_wallets.balance_minor + EXCLUDED.balance_minor,
		              updated_at = EXCLUDED.updated_at
	`, entry.DoctorID, entry.AmountMinor, entry.Currency, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("credit doctor wallet: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO wallet_ledger (
			id, doctor_id, amount_minor, currency,
			session_id, session_kind, units, description, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ID, entry.DoctorID, entry.AmountMinor, entry.Currency,
		entry.SessionID, entry.SessionKind, entry.Units, entry.Description, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append wallet ledger: %w", err)
	}
	return nil
}
