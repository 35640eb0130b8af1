package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/medopt/reminder-engine/internal/core"
)

// Postgres reads the patients table in the shared database. The directory
// service owns writes to everything except needs_reminder.
type Postgres struct{ DB *pgxpool.Pool }

func NewPostgres(pool *pgxpool.Pool) *Postgres { return &Postgres{DB: pool} }

func (p *Postgres) ListNeedingReminder(ctx context.Context) ([]core.Patient, error) {
	rows, err := p.DB.Query(ctx, `
		SELECT id, patient_name, phone_number, needs_reminder
		FROM patients WHERE needs_reminder = TRUE
	`)
	if err != nil {
		return nil, fmt.Errorf("list due patients: %w", err)
	}
	defer rows.Close()
	var out []core.Patient
	for rows.Next() {
		var pt core.Patient
		if err := rows.Scan(&pt.ID, &pt.Name, &pt.PhoneNumber, &pt.NeedsReminder); err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

func (p *Postgres) ClearNeedsReminder(ctx context.Context, patientID int64) error {
	tag, err := p.DB.Exec(ctx, `UPDATE patients SET needs_reminder = FALSE WHERE id = $1`, patientID)
	if err != nil {
		return fmt.Errorf("clear needs_reminder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrPatientNotFound
	}
	return nil
}

// FindByContact matches on the stored number with whitespace stripped, since
// directory records are entered by hand and inbound webhook numbers are not.
func (p *Postgres) FindByContact(ctx context.Context, contact string) (*core.Patient, error) {
	var pt core.Patient
	err := p.DB.QueryRow(ctx, `
		SELECT id, patient_name, phone_number, needs_reminder
		FROM patients
		WHERE regexp_replace(phone_number, '\s', '', 'g') = $1
		LIMIT 1
	`, contact).Scan(&pt.ID, &pt.Name, &pt.PhoneNumber, &pt.NeedsReminder)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find by contact: %w", err)
	}
	return &pt, nil
}
