package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/medopt/reminder-engine/internal/core"
	"github.com/medopt/reminder-engine/internal/directory"
	"github.com/medopt/reminder-engine/internal/dispatch"
	"github.com/medopt/reminder-engine/internal/gateway"
	"github.com/medopt/reminder-engine/internal/metrics"
	"github.com/medopt/reminder-engine/internal/phone"
	"github.com/medopt/reminder-engine/internal/suggest"
	"github.com/medopt/reminder-engine/internal/token"
)

type Options struct {
	PublicBaseURL  string
	FreeformWindow time.Duration
	TokenTTL       time.Duration // zero: tokens never expire
	SendTimeout    time.Duration
}

type Server struct {
	Store      *core.Store
	Directory  directory.Directory
	Suggest    suggest.Service
	Gateway    gateway.Provider
	Dispatcher *dispatch.Dispatcher
	Norm       phone.Normalizer
	Opts       Options
	Log        *zap.Logger
}

func NewServer(store *core.Store, dir directory.Directory, sg suggest.Service, gw gateway.Provider, disp *dispatch.Dispatcher, norm phone.Normalizer, opts Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.FreeformWindow <= 0 {
		opts.FreeformWindow = 5 * time.Minute
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	return &Server{
		Store:      store,
		Directory:  dir,
		Suggest:    sg,
		Gateway:    gw,
		Dispatcher: disp,
		Norm:       norm,
		Opts:       opts,
		Log:        log,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(instrument)

	r.Get("/confirm-reminder", s.confirmReminder)
	r.Post("/receive-sms", s.receiveSMS)
	r.Post("/send-sms", s.sendSMS)
	r.Post("/send-reminder", s.runCycle)
	r.Get("/reminders/{patientID}", s.listReminders)

	s.mountHealth(r)
	s.mountMetrics(r)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeHTML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// confirmReminder is the landing page for the token link in the SMS. The
// token is consumed atomically; a second visit lands on the 404 page with no
// state touched.
func (s *Server) confirmReminder(w http.ResponseWriter, r *http.Request) {
	tok := r.URL.Query().Get("token")
	if tok == "" {
		writeHTML(w, http.StatusBadRequest, "<h3>Invalid request. Token is required.</h3>")
		return
	}

	rem, err := s.Store.Confirm(r.Context(), tok, s.Opts.TokenTTL)
	if errors.Is(err, core.ErrTokenNotFound) {
		metrics.ConfirmTotal.WithLabelValues("not_found").Inc()
		writeHTML(w, http.StatusNotFound, "<h3>Invalid or expired token.</h3>")
		return
	}
	if err != nil {
		metrics.ConfirmTotal.WithLabelValues("error").Inc()
		s.Log.Error("confirm reminder", zap.Error(err))
		writeHTML(w, http.StatusInternalServerError, "<h3>Failed to update reminder.</h3>")
		return
	}

	if err := s.Directory.ClearNeedsReminder(r.Context(), rem.PatientID); err != nil {
		metrics.ConfirmTotal.WithLabelValues("error").Inc()
		s.Log.Error("clear needs_reminder", zap.Int64("patient_id", rem.PatientID), zap.Error(err))
		writeHTML(w, http.StatusInternalServerError, "<h3>Failed to update reminder.</h3>")
		return
	}

	// Feedback to the learning service is best effort; the confirmation
	// itself already happened. The (state, action) pair is the fixed signal,
	// not the action that was actually suggested.
	if err := s.Suggest.Record(r.Context(), core.StateOnTime, core.ActionRemindOnTime); err != nil {
		metrics.SuggestErrors.WithLabelValues("record").Inc()
	}

	metrics.ConfirmTotal.WithLabelValues("confirmed").Inc()
	writeHTML(w, http.StatusOK, `
<html>
	<head><title>Reminder Confirmed</title></head>
	<body>
		<h2>Your reminder confirmation has been recorded!</h2>
		<p>Thank you for confirming.</p>
	</body>
</html>`)
}

// receiveSMS is the inbound webhook. Carriers post form-encoded From/Body;
// JSON is accepted too for manual testing.
func (s *Server) receiveSMS(w http.ResponseWriter, r *http.Request) {
	from, body, err := inboundReply(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "From and Body are required."})
		return
	}

	if strings.ToLower(strings.TrimSpace(body)) != "yes" {
		metrics.InboundReplyTotal.WithLabelValues("ignored").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"message": "No action needed."})
		return
	}

	contact, err := s.Norm.Normalize(from)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "From and Body are required."})
		return
	}

	// Directory records may be stored with or without the country prefix.
	pt, err := s.Directory.FindByContact(r.Context(), contact)
	if errors.Is(err, core.ErrPatientNotFound) {
		pt, err = s.Directory.FindByContact(r.Context(), s.Norm.National(contact))
	}
	if errors.Is(err, core.ErrPatientNotFound) {
		metrics.InboundReplyTotal.WithLabelValues("unknown_contact").Inc()
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "No patient found for this number."})
		return
	}
	if err != nil {
		metrics.InboundReplyTotal.WithLabelValues("error").Inc()
		s.Log.Error("inbound reply lookup", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Failed to update patient status."})
		return
	}

	if err := s.Directory.ClearNeedsReminder(r.Context(), pt.ID); err != nil {
		metrics.InboundReplyTotal.WithLabelValues("error").Inc()
		s.Log.Error("inbound reply clear", zap.Int64("patient_id", pt.ID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Failed to update patient status."})
		return
	}

	metrics.InboundReplyTotal.WithLabelValues("confirmed").Inc()
	s.Log.Info("reminder confirmed by reply", zap.Int64("patient_id", pt.ID))
	writeJSON(w, http.StatusOK, map[string]string{"message": "Reminder status updated!"})
}

func inboundReply(r *http.Request) (from, body string, err error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		var in struct {
			From string `json:"From"`
			Body string `json:"Body"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			return "", "", err
		}
		from, body = in.From, in.Body
	} else {
		if err := r.ParseForm(); err != nil {
			return "", "", err
		}
		from, body = r.PostForm.Get("From"), r.PostForm.Get("Body")
	}
	if from == "" || body == "" {
		return "", "", errors.New("missing From or Body")
	}
	return from, body, nil
}

// sendSMS sends a one-off message carrying a secure link instead of any
// patient detail. Identical (number, body) pairs inside the trailing window
// are suppressed.
func (s *Server) sendSMS(w http.ResponseWriter, r *http.Request) {
	var in struct {
		PhoneNumber string `json:"phone_number"`
		Message     string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.PhoneNumber == "" || in.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Phone number and message are required."})
		return
	}

	to, err := s.Norm.Normalize(in.PhoneNumber)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Phone number and message are required."})
		return
	}

	tok, err := token.Generate()
	if err != nil {
		s.Log.Error("token generation", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Failed to send SMS."})
		return
	}

	// Log first: the guard row has to exist before anything leaves, or two
	// concurrent identical sends could both pass the window check.
	err = s.Store.LogFreeformSend(r.Context(), to, in.Message, tok, s.Opts.FreeformWindow)
	if errors.Is(err, core.ErrDuplicateSuppressed) {
		metrics.FreeformSuppressed.Inc()
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"message": "SMS already sent recently."})
		return
	}
	if err != nil {
		s.Log.Error("freeform log", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Failed to send SMS."})
		return
	}

	secureLink := fmt.Sprintf("%s/reminders?token=%s", s.Opts.PublicBaseURL, tok)

	ctx, cancel := context.WithTimeout(r.Context(), s.Opts.SendTimeout)
	defer cancel()
	msgBody := fmt.Sprintf("New message: %s. Click here to view details: %s", in.Message, secureLink)
	if _, err := s.Gateway.Send(ctx, to, msgBody); err != nil {
		metrics.GatewaySendTotal.WithLabelValues("failed").Inc()
		s.Log.Error("freeform send", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Failed to send SMS."})
		return
	}
	metrics.GatewaySendTotal.WithLabelValues("sent").Inc()

	// The response never carries the number or the carrier id.
	writeJSON(w, http.StatusOK, map[string]string{"message": "SMS sent successfully!", "link": secureLink})
}

// runCycle triggers a dispatch cycle on demand; the scheduler calls the same
// dispatcher, so an overlap answers 409 instead of running twice.
func (s *Server) runCycle(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Dispatcher.RunCycle(r.Context())
	if errors.Is(err, dispatch.ErrCycleRunning) {
		writeJSON(w, http.StatusConflict, map[string]string{"message": "A reminder cycle is already running."})
		return
	}
	if err != nil {
		s.Log.Error("manual cycle", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Failed to send reminders."})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) listReminders(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "patientID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Invalid patient ID."})
		return
	}
	items, err := s.Store.RemindersForPatient(r.Context(), id)
	if err != nil {
		s.Log.Error("list reminders", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Error fetching reminders."})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
