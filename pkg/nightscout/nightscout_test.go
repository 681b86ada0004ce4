package nightscout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/infusion/pkg/dose"
	"github.com/cuemby/infusion/pkg/pulse"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type treatmentServer struct {
	mu       sync.Mutex
	uploads  [][]Treatment
	status   int
	headers  http.Header
	requests int
}

func newTreatmentServer(t *testing.T) (*treatmentServer, *httptest.Server) {
	t.Helper()
	ts := &treatmentServer{status: http.StatusOK}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		ts.requests++
		ts.headers = r.Header.Clone()

		switch r.URL.Path {
		case "/api/v1/status":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(ServerStatus{Status: "ok", Name: "test", APIEnabled: true})
		case "/api/v1/treatments":
			if ts.status != http.StatusOK {
				w.WriteHeader(ts.status)
				_, _ = w.Write([]byte("unavailable"))
				return
			}
			var batch []Treatment
			if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			ts.uploads = append(ts.uploads, batch)
			_, _ = w.Write([]byte("[]"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return ts, srv
}

func (ts *treatmentServer) setStatus(code int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.status = code
}

func (ts *treatmentServer) lastHeaders() http.Header {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.headers
}

func (ts *treatmentServer) requestCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.requests
}

func (ts *treatmentServer) all() []Treatment {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	var out []Treatment
	for _, batch := range ts.uploads {
		out = append(out, batch...)
	}
	return out
}

func TestClient_AuthHeaders(t *testing.T) {
	ts, srv := newTreatmentServer(t)
	ctx := context.Background()

	_, err := NewClient(srv.URL, "", "token123").GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Bearer token123", ts.lastHeaders().Get("Authorization"))
	assert.Empty(t, ts.lastHeaders().Get("API-SECRET"))

	_, err = NewClient(srv.URL+"/", "mysecret", "").GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, hashSecret("mysecret"), ts.lastHeaders().Get("API-SECRET"))
	assert.Len(t, hashSecret("mysecret"), 40)
}

func TestClient_APIError(t *testing.T) {
	ts, srv := newTreatmentServer(t)
	ts.setStatus(http.StatusServiceUnavailable)

	err := NewClient(srv.URL, "", "").UploadTreatments(context.Background(), []Treatment{{EventType: EventSuspendPump}})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
}

func TestFromDose(t *testing.T) {
	b, err := dose.NewBolus(t0, 2.0, pulse.BolusDuration(2.0), pulse.DefaultSize)
	require.NoError(t, err)
	b.Cancel(t0.Add(20*time.Second), nil)

	tr := FromDose(b, "infusion", "sim")
	assert.Equal(t, EventCorrectionBolus, tr.EventType)
	assert.Equal(t, t0.UnixMilli(), tr.Date)
	assert.Equal(t, b.Key(), tr.Identifier)
	require.NotNil(t, tr.Insulin)
	assert.InDelta(t, 0.5, *tr.Insulin, 1e-9)
	require.NotNil(t, tr.Programmed)
	assert.InDelta(t, 2.0, *tr.Programmed, 1e-9)

	temp, err := dose.NewTempBasal(t0, 2.0, time.Hour, pulse.DefaultSize)
	require.NoError(t, err)
	temp.Cancel(t0.Add(15*time.Minute), nil)

	tr = FromDose(temp, "infusion", "")
	assert.Equal(t, EventTempBasal, tr.EventType)
	require.NotNil(t, tr.Absolute)
	assert.InDelta(t, 2.0, *tr.Absolute, 1e-9, "programmed rate, not the truncated average")
	require.NotNil(t, tr.Duration)
	assert.InDelta(t, 15.0, *tr.Duration, 1e-9)

	assert.Equal(t, EventSuspendPump, FromDose(dose.NewSuspend(t0, pulse.DefaultSize), "", "").EventType)
	assert.Equal(t, EventResumePump, FromDose(dose.NewResume(t0, pulse.DefaultSize), "", "").EventType)
}

func TestReporter_UploadsFinalDosesOnce(t *testing.T) {
	ts, srv := newTreatmentServer(t)
	r := NewReporter(NewClient(srv.URL, "secret", ""), "", "sim")
	ctx := context.Background()

	b, err := dose.NewBolus(t0, 1.0, pulse.BolusDuration(1.0), pulse.DefaultSize)
	require.NoError(t, err)
	running, err := dose.NewTempBasal(t0, 1.0, time.Hour, pulse.DefaultSize)
	require.NoError(t, err)

	asOf := t0.Add(5 * time.Minute)
	require.NoError(t, r.ReportDoseEvents(ctx, []dose.Record{b, running}, asOf))
	require.NoError(t, r.ReportDoseEvents(ctx, []dose.Record{b, running}, asOf))

	all := ts.all()
	require.Len(t, all, 1, "running temp basal skipped, bolus sent once")
	assert.Equal(t, EventCorrectionBolus, all[0].EventType)
	assert.Equal(t, "infusion", all[0].EnteredBy)
}

func TestReporter_RetriesAfterFailure(t *testing.T) {
	ts, srv := newTreatmentServer(t)
	r := NewReporter(NewClient(srv.URL, "", ""), "", "")
	ctx := context.Background()

	s := dose.NewSuspend(t0, pulse.DefaultSize)
	ts.setStatus(http.StatusInternalServerError)
	require.Error(t, r.ReportDoseEvents(ctx, []dose.Record{s}, t0))
	assert.Empty(t, ts.all())

	ts.setStatus(http.StatusOK)
	require.NoError(t, r.ReportDoseEvents(ctx, []dose.Record{s}, t0))
	assert.Len(t, ts.all(), 1)
}

func TestReporter_SkipsUncertain(t *testing.T) {
	ts, srv := newTreatmentServer(t)
	r := NewReporter(NewClient(srv.URL, "", ""), "", "")

	s := dose.NewSuspend(t0, pulse.DefaultSize)
	s.Certainty = dose.Uncertain
	require.NoError(t, r.ReportDoseEvents(context.Background(), []dose.Record{s}, t0))
	assert.Zero(t, ts.requestCount())
}

func TestReporter_PrunesOldKeys(t *testing.T) {
	_, srv := newTreatmentServer(t)
	r := NewReporter(NewClient(srv.URL, "", ""), "", "")
	ctx := context.Background()

	require.NoError(t, r.ReportDoseEvents(ctx, []dose.Record{dose.NewSuspend(t0, pulse.DefaultSize)}, t0))
	later := t0.Add(72 * time.Hour)
	require.NoError(t, r.ReportDoseEvents(ctx, []dose.Record{dose.NewResume(later, pulse.DefaultSize)}, later))

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Len(t, r.sent, 1)
}
