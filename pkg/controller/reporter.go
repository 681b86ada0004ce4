package controller

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/infusion/pkg/dose"
)

// MultiReporter fans a report out to several reporters. Every reporter is
// called even when an earlier one fails; the joined error makes the
// controller keep the finalized log, so reporters that did succeed see the
// same doses again next pass.
type MultiReporter []DoseReporter

// ReportDoseEvents implements DoseReporter
func (m MultiReporter) ReportDoseEvents(ctx context.Context, doses []dose.Record, asOf time.Time) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.ReportDoseEvents(ctx, doses, asOf); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReporterFunc adapts a function to DoseReporter
type ReporterFunc func(ctx context.Context, doses []dose.Record, asOf time.Time) error

// ReportDoseEvents implements DoseReporter
func (f ReporterFunc) ReportDoseEvents(ctx context.Context, doses []dose.Record, asOf time.Time) error {
	return f(ctx, doses, asOf)
}
