// Package directory is the patient-directory collaborator: the core reads
// which patients are due and clears their flag on confirmation, nothing more.
package directory

import (
	"context"

	"github.com/medopt/reminder-engine/internal/core"
)

type Directory interface {
	ListNeedingReminder(ctx context.Context) ([]core.Patient, error)
	ClearNeedsReminder(ctx context.Context, patientID int64) error
	FindByContact(ctx context.Context, contact string) (*core.Patient, error)
}
