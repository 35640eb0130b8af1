package core_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/medopt/reminder-engine/internal/core"
	database "github.com/medopt/reminder-engine/internal/db"
)

func newStore(t *testing.T) *core.Store {
	pg := database.StartTestPostgres(t)
	return &core.Store{DB: pg.Pool}
}

func seedPatient(t *testing.T, s *core.Store, name, number string) int64 {
	t.Helper()
	var id int64
	err := s.DB.QueryRow(context.Background(), `
		INSERT INTO patients(patient_name, phone_number, needs_reminder)
		VALUES($1, $2, TRUE) RETURNING id
	`, name, number).Scan(&id)
	require.NoError(t, err)
	return id
}

func TestCreateDispatchedOncePerDay(t *testing.T) {
	s := newStore(t)
	pid := seedPatient(t, s, "Asha", "9876543210")

	id, err := s.CreateDispatched(context.Background(), pid, core.StateMissed, "Remind Early", "tok-a")
	require.NoError(t, err)
	require.NotZero(t, id)

	_, err = s.CreateDispatched(context.Background(), pid, core.StateMissed, "Remind Early", "tok-b")
	require.ErrorIs(t, err, core.ErrDuplicateSuppressed)

	var count int
	require.NoError(t, s.DB.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM reminders WHERE patient_id=$1`, pid).Scan(&count))
	require.Equal(t, 1, count)
}

func TestCreateDispatchedConcurrent_SingleWinner(t *testing.T) {
	s := newStore(t)
	pid := seedPatient(t, s, "Asha", "9876543210")

	const attempts = 20
	var created, suppressed, unexpected int64
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok := "tok-" + string(rune('a'+i))
			_, err := s.CreateDispatched(context.Background(), pid, core.StateMissed, "Remind Early", tok)
			switch {
			case err == nil:
				atomic.AddInt64(&created, 1)
			case errors.Is(err, core.ErrDuplicateSuppressed):
				atomic.AddInt64(&suppressed, 1)
			default:
				atomic.AddInt64(&unexpected, 1)
			}
		}(i)
	}
	wg.Wait()

	require.Zero(t, atomic.LoadInt64(&unexpected))
	require.Equal(t, int64(1), atomic.LoadInt64(&created))
	require.Equal(t, int64(attempts-1), atomic.LoadInt64(&suppressed))
}

func TestDispatchedToday(t *testing.T) {
	s := newStore(t)
	pid := seedPatient(t, s, "Asha", "9876543210")

	got, err := s.DispatchedToday(context.Background(), pid)
	require.NoError(t, err)
	require.False(t, got)

	_, err = s.CreateDispatched(context.Background(), pid, core.StateMissed, "Remind Early", "tok-a")
	require.NoError(t, err)

	got, err = s.DispatchedToday(context.Background(), pid)
	require.NoError(t, err)
	require.True(t, got)
}

func TestConfirmConsumesTokenExactlyOnce(t *testing.T) {
	s := newStore(t)
	pid := seedPatient(t, s, "Asha", "9876543210")
	_, err := s.CreateDispatched(context.Background(), pid, core.StateMissed, "Remind Early", "tok-a")
	require.NoError(t, err)

	rem, err := s.Confirm(context.Background(), "tok-a", 0)
	require.NoError(t, err)
	require.Equal(t, pid, rem.PatientID)
	require.NotNil(t, rem.SentAt)
	require.NotNil(t, rem.ConfirmedAt)
	require.False(t, rem.ConfirmedAt.Before(*rem.SentAt))

	_, err = s.Confirm(context.Background(), "tok-a", 0)
	require.ErrorIs(t, err, core.ErrTokenNotFound)

	// Timestamp unchanged by the failed second attempt.
	var confirmedAt time.Time
	require.NoError(t, s.DB.QueryRow(context.Background(),
		`SELECT confirmed_at FROM reminders WHERE confirmation_token='tok-a'`).Scan(&confirmedAt))
	require.WithinDuration(t, *rem.ConfirmedAt, confirmedAt, time.Millisecond)
}

func TestConfirmConcurrent_SingleWinner(t *testing.T) {
	s := newStore(t)
	pid := seedPatient(t, s, "Asha", "9876543210")
	_, err := s.CreateDispatched(context.Background(), pid, core.StateMissed, "Remind Early", "tok-a")
	require.NoError(t, err)

	var ok int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Confirm(context.Background(), "tok-a", 0); err == nil {
				atomic.AddInt64(&ok, 1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(1), atomic.LoadInt64(&ok))
}

func TestConfirmUnknownToken(t *testing.T) {
	s := newStore(t)
	_, err := s.Confirm(context.Background(), "nope", 0)
	require.ErrorIs(t, err, core.ErrTokenNotFound)
}

func TestConfirmRespectsTTL(t *testing.T) {
	s := newStore(t)
	pid := seedPatient(t, s, "Asha", "9876543210")
	_, err := s.CreateDispatched(context.Background(), pid, core.StateMissed, "Remind Early", "tok-a")
	require.NoError(t, err)

	// Backdate the dispatch beyond the horizon.
	_, err = s.DB.Exec(context.Background(),
		`UPDATE reminders SET sent_at = now() - interval '2 hours' WHERE confirmation_token='tok-a'`)
	require.NoError(t, err)

	_, err = s.Confirm(context.Background(), "tok-a", time.Hour)
	require.ErrorIs(t, err, core.ErrTokenNotFound)

	// Zero TTL: tokens never expire (historical behavior).
	rem, err := s.Confirm(context.Background(), "tok-a", 0)
	require.NoError(t, err)
	require.Equal(t, pid, rem.PatientID)
}

func TestLogFreeformSendWindow(t *testing.T) {
	s := newStore(t)
	window := 5 * time.Minute

	err := s.LogFreeformSend(context.Background(), "+919876543210", "clinic closed", "tok-1", window)
	require.NoError(t, err)

	err = s.LogFreeformSend(context.Background(), "+919876543210", "clinic closed", "tok-2", window)
	require.ErrorIs(t, err, core.ErrDuplicateSuppressed)

	// Different body is a different key.
	err = s.LogFreeformSend(context.Background(), "+919876543210", "see you at 9", "tok-3", window)
	require.NoError(t, err)

	// Once the window has elapsed, the same pair may be sent again.
	_, err = s.DB.Exec(context.Background(),
		`UPDATE sms_logs SET sent_at = now() - interval '6 minutes' WHERE message='clinic closed'`)
	require.NoError(t, err)

	err = s.LogFreeformSend(context.Background(), "+919876543210", "clinic closed", "tok-4", window)
	require.NoError(t, err)
}

func TestLogFreeformSendConcurrent_SingleWinner(t *testing.T) {
	s := newStore(t)

	var ok int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.LogFreeformSend(context.Background(), "+919876543210", "same body", "tok", 5*time.Minute)
			if err == nil {
				atomic.AddInt64(&ok, 1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(1), atomic.LoadInt64(&ok))
}

func TestRemindersForPatient(t *testing.T) {
	s := newStore(t)
	pid := seedPatient(t, s, "Asha", "9876543210")
	other := seedPatient(t, s, "Ravi", "9876543211")

	_, err := s.CreateDispatched(context.Background(), pid, core.StateMissed, "Remind Early", "tok-a")
	require.NoError(t, err)
	_, err = s.CreateDispatched(context.Background(), other, core.StateMissed, "Remind Late", "tok-b")
	require.NoError(t, err)

	items, err := s.RemindersForPatient(context.Background(), pid)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, pid, items[0].PatientID)
	require.Equal(t, "Remind Early", items[0].ReminderAction)
	require.NotNil(t, items[0].SentAt)
	require.Nil(t, items[0].ConfirmedAt)
}
