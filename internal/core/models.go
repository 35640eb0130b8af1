package core

import (
	"time"
)

// Patient is owned by the patient directory; the core only reads the
// needs_reminder flag and clears it on confirmation.
type Patient struct {
	ID            int64  `json:"id"`
	Name          string `json:"patient_name"`
	PhoneNumber   string `json:"phone_number"`
	NeedsReminder bool   `json:"needs_reminder"`
}

// Reminder states. Stored as text because the suggestion service speaks the
// same vocabulary over the wire.
const (
	StateMissed = "Missed"
	StateOnTime = "On Time"
)

// ActionRemindOnTime is the feedback signal reported on every confirmation,
// independent of the action that was actually suggested. Documented product
// behavior; do not change without product input.
const ActionRemindOnTime = "Remind On Time"

type Reminder struct {
	ID                int64      `json:"id"`
	PatientID         int64      `json:"patient_id"`
	State             string     `json:"state"`
	ReminderAction    string     `json:"reminder_action"`
	ConfirmationToken *string    `json:"confirmation_token,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	ConfirmedAt       *time.Time `json:"confirmed_at,omitempty"`
}

// SmsLog is the audit row behind the freeform send path. Never mutated.
type SmsLog struct {
	ID          int64     `json:"id"`
	PhoneNumber string    `json:"phone_number"`
	Message     string    `json:"message"`
	Token       string    `json:"token"`
	SentAt      time.Time `json:"sent_at"`
}
