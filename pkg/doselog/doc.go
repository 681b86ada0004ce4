// Package doselog keeps the dose history in SQLite.
//
// The controller reports its finalized log plus the open doses after every
// finalize pass and keeps re-sending finalized doses until a report
// succeeds. Store.ReportDoseEvents therefore inserts finished doses with
// INSERT OR IGNORE on dose.Record.Key and rewrites the open_doses table
// wholesale, so repeated reports leave one row per dose.
package doselog
