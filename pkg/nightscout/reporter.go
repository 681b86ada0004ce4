package nightscout

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/infusion/pkg/dose"
	"github.com/cuemby/infusion/pkg/log"
)

// sentRetention bounds how long uploaded keys are remembered
const sentRetention = 48 * time.Hour

// Reporter uploads finished doses as treatments. It implements the
// controller's DoseReporter. Open and uncertain doses are skipped until
// they are final; a dose already uploaded by this process is not sent
// again when the controller re-reports it.
type Reporter struct {
	client    *Client
	enteredBy string
	device    string

	mu   sync.Mutex
	sent map[string]time.Time // dose key -> dose start

	logger zerolog.Logger
}

// NewReporter creates a reporter
func NewReporter(client *Client, enteredBy, device string) *Reporter {
	if enteredBy == "" {
		enteredBy = "infusion"
	}
	return &Reporter{
		client:    client,
		enteredBy: enteredBy,
		device:    device,
		sent:      make(map[string]time.Time),
		logger:    log.WithComponent("nightscout"),
	}
}

// ReportDoseEvents uploads the final doses not yet sent
func (r *Reporter) ReportDoseEvents(ctx context.Context, doses []dose.Record, asOf time.Time) error {
	var treatments []Treatment
	var keys []string

	r.mu.Lock()
	for _, d := range doses {
		if d.Certainty != dose.Certain || !d.IsFinished(asOf) {
			continue
		}
		key := d.Key()
		if _, ok := r.sent[key]; ok {
			continue
		}
		treatments = append(treatments, FromDose(d, r.enteredBy, r.device))
		keys = append(keys, key)
	}
	r.mu.Unlock()

	if len(treatments) == 0 {
		return nil
	}

	if err := r.client.UploadTreatments(ctx, treatments); err != nil {
		r.logger.Warn().Err(err).Int("treatments", len(treatments)).Msg("Treatment upload failed")
		return err
	}

	r.mu.Lock()
	for i, key := range keys {
		r.sent[key] = time.UnixMilli(treatments[i].Date)
	}
	r.prune(asOf)
	r.mu.Unlock()

	r.logger.Info().Int("treatments", len(treatments)).Msg("Uploaded treatments")
	return nil
}

// prune forgets keys for doses that started long before asOf. Callers hold
// r.mu.
func (r *Reporter) prune(asOf time.Time) {
	cutoff := asOf.Add(-sentRetention)
	for key, start := range r.sent {
		if start.Before(cutoff) {
			delete(r.sent, key)
		}
	}
}
