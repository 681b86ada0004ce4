package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/infusion/pkg/basal"
	"github.com/cuemby/infusion/pkg/clock"
	"github.com/cuemby/infusion/pkg/config"
	"github.com/cuemby/infusion/pkg/delivery"
	"github.com/cuemby/infusion/pkg/device"
	"github.com/cuemby/infusion/pkg/dose"
	"github.com/cuemby/infusion/pkg/engagement"
	"github.com/cuemby/infusion/pkg/events"
	"github.com/cuemby/infusion/pkg/log"
	"github.com/cuemby/infusion/pkg/metrics"
)

// Controller is the part of the delivery controller the API drives
type Controller interface {
	SetBasalSchedule(ctx context.Context, entries []basal.Entry) (basal.Program, error)
	EnactBolus(ctx context.Context, units float64) (dose.Record, error)
	CancelBolus(ctx context.Context) (dose.Record, error)
	EnactTempBasal(ctx context.Context, ratePerHour float64, duration time.Duration) (dose.Record, error)
	CancelTempBasal(ctx context.Context) (dose.Record, error)
	Suspend(ctx context.Context, reminder time.Duration) (dose.Record, error)
	Resume(ctx context.Context) (dose.Record, error)
	RefreshStatus(ctx context.Context) (device.Status, error)

	Snapshot() delivery.Snapshot
	Engagement() map[engagement.Category]engagement.State
	LastStatus() (device.Status, bool)
	DeliveryUnconfirmed() bool
	PendingCommands() int
	EffectiveRate() float64
}

// DoseHistory is the finalized dose log
type DoseHistory interface {
	List(ctx context.Context, from, to time.Time) ([]dose.Record, error)
	Totals(ctx context.Context, from, to time.Time) (map[dose.Type]float64, error)
}

// DefaultHistoryWindow is the /v1/doses range when none is given
const DefaultHistoryWindow = 24 * time.Hour

// Server serves the JSON API, the event stream, health endpoints and
// metrics on one mux
type Server struct {
	ctrl    Controller
	history DoseHistory
	broker  *events.Broker
	clock   clock.Clock
	mux     *http.ServeMux
	server  *http.Server
	logger  zerolog.Logger
}

// NewServer creates the API server. history and broker may be nil, which
// disables /v1/doses and /v1/events.
func NewServer(ctrl Controller, history DoseHistory, broker *events.Broker) *Server {
	s := &Server{
		ctrl:    ctrl,
		history: history,
		broker:  broker,
		clock:   clock.Real{},
		mux:     http.NewServeMux(),
		logger:  log.WithComponent("api"),
	}

	s.mux.HandleFunc("POST /v1/schedule", s.handleSchedule)
	s.mux.HandleFunc("POST /v1/bolus", s.handleBolus)
	s.mux.HandleFunc("POST /v1/bolus/cancel", s.handleCancelBolus)
	s.mux.HandleFunc("POST /v1/temp-basal", s.handleTempBasal)
	s.mux.HandleFunc("POST /v1/temp-basal/cancel", s.handleCancelTempBasal)
	s.mux.HandleFunc("POST /v1/suspend", s.handleSuspend)
	s.mux.HandleFunc("POST /v1/resume", s.handleResume)
	s.mux.HandleFunc("GET /v1/state", s.handleState)
	s.mux.HandleFunc("GET /v1/status", s.handleStatus)
	s.mux.HandleFunc("GET /v1/doses", s.handleDoses)
	s.mux.HandleFunc("GET /v1/events", s.handleEvents)

	s.mux.HandleFunc("GET /health", metrics.HealthHandler())
	s.mux.HandleFunc("GET /ready", metrics.ReadyHandler())
	s.mux.HandleFunc("GET /live", metrics.LivenessHandler())
	s.mux.Handle("GET /metrics", metrics.Handler())

	return s
}

// Handler returns the HTTP handler for embedding in other servers
func (s *Server) Handler() http.Handler {
	return LogRequests(s.mux, s.logger)
}

// Start listens on addr and serves until Shutdown
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis, s.Handler())
}

// Serve serves h on lis. The write timeout is left unset for the event
// stream; command handlers bound their own work with the request context.
func (s *Server) Serve(lis net.Listener, h http.Handler) error {
	s.server = &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("API listening")
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// ScheduleRequest is the body of POST /v1/schedule
type ScheduleRequest struct {
	Entries []config.ScheduleEntry `json:"entries"`
}

// BolusRequest is the body of POST /v1/bolus
type BolusRequest struct {
	Units float64 `json:"units"`
}

// TempBasalRequest is the body of POST /v1/temp-basal. Duration is a Go
// duration string such as "30m".
type TempBasalRequest struct {
	Rate     float64 `json:"rate"`
	Duration string  `json:"duration"`
}

// SuspendRequest is the body of POST /v1/suspend. An empty reminder means
// no reminder.
type SuspendRequest struct {
	Reminder string `json:"reminder,omitempty"`
}

// DoseResponse wraps the dose an operation produced
type DoseResponse struct {
	Dose dose.Record `json:"dose"`
}

// ProgramResponse is returned by POST /v1/schedule
type ProgramResponse struct {
	Program    basal.Program `json:"program"`
	DailyUnits float64       `json:"daily_units"`
}

// StateResponse is returned by GET /v1/state
type StateResponse struct {
	State           delivery.Snapshot                       `json:"state"`
	Engagement      map[engagement.Category]engagement.State `json:"engagement"`
	EffectiveRate   float64                                 `json:"effective_rate"`
	Unconfirmed     bool                                    `json:"unconfirmed"`
	PendingCommands int                                     `json:"pending_commands"`
	Status          *device.Status                          `json:"status,omitempty"`
}

// DosesResponse is returned by GET /v1/doses
type DosesResponse struct {
	From   time.Time             `json:"from"`
	To     time.Time             `json:"to"`
	Doses  []dose.Record         `json:"doses"`
	Totals map[dose.Type]float64 `json:"totals"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if !decode(w, r, &req) {
		return
	}

	entries := make([]basal.Entry, 0, len(req.Entries))
	for i, e := range req.Entries {
		start, err := config.ParseClock(e.Start)
		if err != nil {
			writeBadRequest(w, fmt.Sprintf("entries[%d]: %v", i, err))
			return
		}
		entries = append(entries, basal.Entry{Start: start, RatePerHour: e.Rate})
	}

	prog, err := s.ctrl.SetBasalSchedule(r.Context(), entries)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ProgramResponse{Program: prog, DailyUnits: prog.TotalDailyUnits()})
}

func (s *Server) handleBolus(w http.ResponseWriter, r *http.Request) {
	var req BolusRequest
	if !decode(w, r, &req) {
		return
	}
	s.writeDose(r.Context(), w, func(ctx context.Context) (dose.Record, error) {
		return s.ctrl.EnactBolus(ctx, req.Units)
	})
}

func (s *Server) handleCancelBolus(w http.ResponseWriter, r *http.Request) {
	s.writeDose(r.Context(), w, s.ctrl.CancelBolus)
}

func (s *Server) handleTempBasal(w http.ResponseWriter, r *http.Request) {
	var req TempBasalRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil {
		writeBadRequest(w, fmt.Sprintf("invalid duration %q", req.Duration))
		return
	}
	s.writeDose(r.Context(), w, func(ctx context.Context) (dose.Record, error) {
		return s.ctrl.EnactTempBasal(ctx, req.Rate, d)
	})
}

func (s *Server) handleCancelTempBasal(w http.ResponseWriter, r *http.Request) {
	s.writeDose(r.Context(), w, s.ctrl.CancelTempBasal)
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	var req SuspendRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	var reminder time.Duration
	if req.Reminder != "" {
		d, err := time.ParseDuration(req.Reminder)
		if err != nil {
			writeBadRequest(w, fmt.Sprintf("invalid reminder %q", req.Reminder))
			return
		}
		reminder = d
	}
	s.writeDose(r.Context(), w, func(ctx context.Context) (dose.Record, error) {
		return s.ctrl.Suspend(ctx, reminder)
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.writeDose(r.Context(), w, s.ctrl.Resume)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	resp := StateResponse{
		State:           s.ctrl.Snapshot(),
		Engagement:      s.ctrl.Engagement(),
		EffectiveRate:   s.ctrl.EffectiveRate(),
		Unconfirmed:     s.ctrl.DeliveryUnconfirmed(),
		PendingCommands: s.ctrl.PendingCommands(),
	}
	if st, ok := s.ctrl.LastStatus(); ok {
		resp.Status = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStatus returns the last known device status, or reads the device
// when refresh=true or nothing has been read yet
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") != "true" {
		if st, ok := s.ctrl.LastStatus(); ok {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	st, err := s.ctrl.RefreshStatus(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDoses(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "dose history is not enabled", Code: CodeNotFound})
		return
	}

	to := s.clock.Now()
	from := to.Add(-DefaultHistoryWindow)
	q := r.URL.Query()
	for name, dst := range map[string]*time.Time{"from": &from, "to": &to} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeBadRequest(w, fmt.Sprintf("invalid %s %q: want RFC 3339", name, v))
				return
			}
			*dst = t
		}
	}
	if !from.Before(to) {
		writeBadRequest(w, "from must be before to")
		return
	}

	doses, err := s.history.List(r.Context(), from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	totals, err := s.history.Totals(r.Context(), from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if doses == nil {
		doses = []dose.Record{}
	}
	writeJSON(w, http.StatusOK, DosesResponse{From: from, To: to, Doses: doses, Totals: totals})
}

// handleEvents streams broker events as server-sent events until the
// client goes away
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "event stream is not enabled", Code: CodeNotFound})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "streaming unsupported", Code: CodeInternal})
		return
	}

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("Failed to encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) writeDose(ctx context.Context, w http.ResponseWriter, op func(ctx context.Context) (dose.Record, error)) {
	rec, err := op(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DoseResponse{Dose: rec})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeBadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
