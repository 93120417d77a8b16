package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shopsage/sessiond/internal/domain/session"
	"github.com/shopsage/sessiond/internal/record"
)

// RecordRepository implements record.Store on postgres.
type RecordRepository struct {
	pool *pgxpool.Pool
}

func NewRecordRepository(pool *pgxpool.Pool) *RecordRepository {
	return &RecordRepository{pool: pool}
}

func (r *RecordRepository) Upsert(ctx context.Context, rec *record.Record) error {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO session_records
		(session_id, expert_ref, shopper_ref, status, amount, start_time, end_time, call_id, notes, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
		ON CONFLICT (session_id) DO UPDATE SET
			status=EXCLUDED.status,
			end_time=EXCLUDED.end_time,
			call_id=COALESCE(EXCLUDED.call_id, session_records.call_id),
			notes=COALESCE(EXCLUDED.notes, session_records.notes),
			updated_at=EXCLUDED.updated_at
	`, rec.SessionID, rec.ExpertRef, rec.ShopperRef, string(rec.Status), int64(rec.Amount),
		rec.StartTime, rec.EndTime, rec.CallID, rec.Notes, now)
	return err
}

func (r *RecordRepository) Get(ctx context.Context, sessionID uuid.UUID) (*record.Record, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT session_id, expert_ref, shopper_ref, status, amount, start_time, end_time, call_id, notes, created_at, updated_at
		FROM session_records WHERE session_id=$1
	`, sessionID)
	return scanRecord(row)
}

func (r *RecordRepository) ListForUser(ctx context.Context, userRef string) ([]*record.Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT session_id, expert_ref, shopper_ref, status, amount, start_time, end_time, call_id, notes, created_at, updated_at
		FROM session_records
		WHERE expert_ref=$1 OR shopper_ref=$1
		ORDER BY created_at DESC
	`, userRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*record.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (*record.Record, error) {
	var rec record.Record
	var status string
	var amount int64
	if err := row.Scan(&rec.SessionID, &rec.ExpertRef, &rec.ShopperRef, &status, &amount,
		&rec.StartTime, &rec.EndTime, &rec.CallID, &rec.Notes, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	rec.Status = session.Status(status)
	rec.Amount = uint64(amount)
	return &rec, nil
}
