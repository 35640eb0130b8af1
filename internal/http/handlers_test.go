package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/medopt/reminder-engine/internal/core"
	database "github.com/medopt/reminder-engine/internal/db"
	"github.com/medopt/reminder-engine/internal/directory"
	"github.com/medopt/reminder-engine/internal/dispatch"
	httpapi "github.com/medopt/reminder-engine/internal/http"
	"github.com/medopt/reminder-engine/internal/phone"
	"github.com/medopt/reminder-engine/internal/token"
)

type recordedFeedback struct{ state, action string }

type fakeSuggest struct {
	mu       sync.Mutex
	action   string
	recorded []recordedFeedback
}

func (f *fakeSuggest) Recommend(ctx context.Context, state string) (string, error) {
	return f.action, nil
}

func (f *fakeSuggest) Record(ctx context.Context, state, action string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, recordedFeedback{state, action})
	return nil
}

type fakeGateway struct {
	mu   sync.Mutex
	sent []string // recipients
}

func (f *fakeGateway) Send(ctx context.Context, to, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to)
	return "d-1", nil
}

type env struct {
	srv     *httpapi.Server
	handler http.Handler
	pool    *pgxpool.Pool
	store   *core.Store
	suggest *fakeSuggest
	gateway *fakeGateway
}

func startServer(t *testing.T) *env {
	t.Helper()
	db := database.StartTestPostgres(t)

	store := &core.Store{DB: db.Pool}
	dir := directory.NewPostgres(db.Pool)
	sg := &fakeSuggest{action: "Remind Early"}
	gw := &fakeGateway{}
	norm := phone.Normalizer{DefaultPrefix: "+91"}

	disp := dispatch.New(store, dir, sg, gw, norm, dispatch.Options{
		Workers:         2,
		PublicBaseURL:   "https://medopt.example",
		MedicationLabel: "Dolo 650",
	}, nil)

	srv := httpapi.NewServer(store, dir, sg, gw, disp, norm, httpapi.Options{
		PublicBaseURL: "https://medopt.example",
	}, nil)

	return &env{srv: srv, handler: srv.Router(), pool: db.Pool, store: store, suggest: sg, gateway: gw}
}

func (e *env) seedPatient(t *testing.T, name, number string, needsReminder bool) int64 {
	t.Helper()
	var id int64
	err := e.pool.QueryRow(context.Background(), `
		INSERT INTO patients(patient_name, phone_number, needs_reminder)
		VALUES($1, $2, $3) RETURNING id
	`, name, number, needsReminder).Scan(&id)
	require.NoError(t, err)
	return id
}

func (e *env) needsReminder(t *testing.T, id int64) bool {
	t.Helper()
	var v bool
	require.NoError(t, e.pool.QueryRow(context.Background(),
		`SELECT needs_reminder FROM patients WHERE id=$1`, id).Scan(&v))
	return v
}

func TestConfirmReminderConsumesTokenOnce(t *testing.T) {
	e := startServer(t)
	pid := e.seedPatient(t, "Asha", "9876543210", true)

	tok, err := token.Generate()
	require.NoError(t, err)
	_, err = e.store.CreateDispatched(context.Background(), pid, core.StateMissed, "Remind Early", tok)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, httptest.NewRequest("GET", "/confirm-reminder?token="+tok, nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "has been recorded")
	require.False(t, e.needsReminder(t, pid))

	// Fixed feedback signal, independent of the suggested action.
	require.Equal(t, []recordedFeedback{{"On Time", "Remind On Time"}}, e.suggest.recorded)

	// Second visit: token already consumed, nothing mutated.
	_, err = e.pool.Exec(context.Background(), `UPDATE patients SET needs_reminder = TRUE WHERE id=$1`, pid)
	require.NoError(t, err)

	w = httptest.NewRecorder()
	e.handler.ServeHTTP(w, httptest.NewRequest("GET", "/confirm-reminder?token="+tok, nil))
	require.Equal(t, http.StatusNotFound, w.Code)
	require.True(t, e.needsReminder(t, pid), "second confirm must not touch the patient")
	require.Len(t, e.suggest.recorded, 1)
}

func TestConfirmReminderBadRequests(t *testing.T) {
	e := startServer(t)

	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, httptest.NewRequest("GET", "/confirm-reminder", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	e.handler.ServeHTTP(w, httptest.NewRequest("GET", "/confirm-reminder?token=deadbeef", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Contains(t, w.Body.String(), "Invalid or expired token")
}

func TestReceiveSMSAffirmativeReply(t *testing.T) {
	e := startServer(t)
	pid := e.seedPatient(t, "Ravi", "98765 43210", true)

	form := url.Values{"From": {"+919876543210"}, "Body": {"Yes"}}
	req := httptest.NewRequest("POST", "/receive-sms", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "Reminder status updated!")
	require.False(t, e.needsReminder(t, pid))
}

func TestReceiveSMSNonAffirmativeIsNoOp(t *testing.T) {
	e := startServer(t)
	pid := e.seedPatient(t, "Ravi", "9876543210", true)

	body := bytes.NewBufferString(`{"From":"+919876543210","Body":"maybe"}`)
	req := httptest.NewRequest("POST", "/receive-sms", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "No action needed.")
	require.True(t, e.needsReminder(t, pid))
}

func TestReceiveSMSUnknownContact(t *testing.T) {
	e := startServer(t)

	form := url.Values{"From": {"+911112223334"}, "Body": {"yes"}}
	req := httptest.NewRequest("POST", "/receive-sms", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestSendSMSSuppressesDuplicateWithinWindow(t *testing.T) {
	e := startServer(t)

	payload := `{"phone_number":"9876543210","message":"clinic closed tomorrow"}`

	req := httptest.NewRequest("POST", "/send-sms", bytes.NewBufferString(payload))
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Contains(t, resp["link"], "https://medopt.example/reminders?token=")

	// Same contact + body inside the window: suppressed, nothing sent.
	req = httptest.NewRequest("POST", "/send-sms", bytes.NewBufferString(payload))
	w = httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Len(t, e.gateway.sent, 1)

	// Different body goes through.
	req = httptest.NewRequest("POST", "/send-sms", bytes.NewBufferString(`{"phone_number":"9876543210","message":"other"}`))
	w = httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, e.gateway.sent, 2)
}

func TestSendSMSValidation(t *testing.T) {
	e := startServer(t)

	req := httptest.NewRequest("POST", "/send-sms", bytes.NewBufferString(`{"phone_number":"","message":""}`))
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Empty(t, e.gateway.sent)
}

func TestSendReminderCycleThenDedup(t *testing.T) {
	e := startServer(t)
	pid := e.seedPatient(t, "Asha", "9876543210", true)

	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, httptest.NewRequest("POST", "/send-reminder", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var rep dispatch.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	require.Equal(t, 1, rep.Sent)
	require.Zero(t, rep.Failed)
	require.Equal(t, []string{"+919876543210"}, e.gateway.sent)

	var count int
	require.NoError(t, e.pool.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM reminders WHERE patient_id=$1 AND confirmation_token IS NOT NULL AND sent_at IS NOT NULL`, pid).Scan(&count))
	require.Equal(t, 1, count)

	// Same day, second cycle: dedup guard, no extra send.
	w = httptest.NewRecorder()
	e.handler.ServeHTTP(w, httptest.NewRequest("POST", "/send-reminder", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	require.Zero(t, rep.Sent)
	require.Equal(t, 1, rep.Skipped)
	require.Len(t, e.gateway.sent, 1)
}

func TestListReminders(t *testing.T) {
	e := startServer(t)
	pid := e.seedPatient(t, "Asha", "9876543210", false)

	tok, err := token.Generate()
	require.NoError(t, err)
	_, err = e.store.CreateDispatched(context.Background(), pid, core.StateMissed, "Remind Early", tok)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, httptest.NewRequest("GET", "/reminders/"+strconv.FormatInt(pid, 10), nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Items []core.Reminder `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	require.Equal(t, "Remind Early", resp.Items[0].ReminderAction)
}
