package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct{ DB *pgxpool.Pool }

// CreateDispatched writes the reminder row for a send that is about to go
// out: state, suggested action, token and dispatch timestamp in one insert.
// The row exists before the gateway is called, so the token is resolvable the
// moment the patient could see it and a concurrent cycle sees the dedup row.
//
// The (patient_id, sent_on) uniqueness constraint closes the check-then-act
// race: whichever insert loses the conflict gets ErrDuplicateSuppressed.
func (s *Store) CreateDispatched(ctx context.Context, patientID int64, state, action, token string) (int64, error) {
	var id int64
	err := s.DB.QueryRow(ctx, `
		INSERT INTO reminders(patient_id, state, reminder_action, confirmation_token, sent_at)
		VALUES($1, $2, $3, $4, now())
		ON CONFLICT ON CONSTRAINT reminders_one_per_day DO NOTHING
		RETURNING id
	`, patientID, state, action, token).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrDuplicateSuppressed
	}
	if err != nil {
		return 0, fmt.Errorf("insert reminder: %w", err)
	}
	return id, nil
}

// DispatchedToday reports whether a reminder was already dispatched to the
// patient on the current calendar day (the database's day, not a rolling
// 24h window). Cheap read-side guard; the insert constraint is the one that
// actually holds under concurrency.
func (s *Store) DispatchedToday(ctx context.Context, patientID int64) (bool, error) {
	var exists bool
	err := s.DB.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM reminders
			WHERE patient_id = $1 AND sent_on = CURRENT_DATE AND sent_at IS NOT NULL
		)
	`, patientID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return exists, nil
}

// Confirm consumes a confirmation token: a single conditional update marks
// the reminder confirmed only if it was not already, so a token cannot be
// consumed twice. A zero ttl means tokens never expire.
func (s *Store) Confirm(ctx context.Context, tok string, ttl time.Duration) (Reminder, error) {
	q := `
		UPDATE reminders SET confirmed_at = now()
		WHERE confirmation_token = $1 AND confirmed_at IS NULL`
	args := []any{tok}
	if ttl > 0 {
		q += ` AND sent_at >= now() - make_interval(secs => $2)`
		args = append(args, ttl.Seconds())
	}
	q += ` RETURNING id, patient_id, state, reminder_action, sent_at, confirmed_at`

	var r Reminder
	err := s.DB.QueryRow(ctx, q, args...).Scan(&r.ID, &r.PatientID, &r.State, &r.ReminderAction, &r.SentAt, &r.ConfirmedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reminder{}, ErrTokenNotFound
	}
	if err != nil {
		return Reminder{}, fmt.Errorf("confirm reminder: %w", err)
	}
	r.ConfirmationToken = &tok
	return r, nil
}

// LogFreeformSend records a freeform SMS unless an identical (number, body)
// send happened inside the trailing window. Check and insert run in one
// transaction under an advisory lock keyed on the pair, so two concurrent
// identical sends cannot both pass the check.
func (s *Store) LogFreeformSend(ctx context.Context, number, message, tok string, window time.Duration) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1 || '|' || $2, 0))`, number, message)
	if err != nil {
		return fmt.Errorf("freeform lock: %w", err)
	}

	var recent bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM sms_logs
			WHERE phone_number = $1 AND message = $2
			  AND sent_at > now() - make_interval(secs => $3)
		)
	`, number, message, window.Seconds()).Scan(&recent)
	if err != nil {
		return fmt.Errorf("freeform lookup: %w", err)
	}
	if recent {
		return ErrDuplicateSuppressed
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sms_logs(phone_number, message, token) VALUES($1, $2, $3)
	`, number, message, tok)
	if err != nil {
		return fmt.Errorf("insert sms log: %w", err)
	}
	return tx.Commit(ctx)
}

// RemindersForPatient lists the audit trail, newest first.
func (s *Store) RemindersForPatient(ctx context.Context, patientID int64) ([]Reminder, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, patient_id, state, reminder_action, sent_at, confirmed_at
		FROM reminders WHERE patient_id = $1
		ORDER BY sent_at DESC NULLS LAST, id DESC
	`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Reminder
	for rows.Next() {
		var r Reminder
		if err := rows.Scan(&r.ID, &r.PatientID, &r.State, &r.ReminderAction, &r.SentAt, &r.ConfirmedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
