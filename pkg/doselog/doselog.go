package doselog

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/cuemby/infusion/pkg/dose"
	"github.com/cuemby/infusion/pkg/log"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - doses and open_doses tables
const currentSchemaVersion = 1

// DBFile is the dose log's file name inside the data directory
const DBFile = "doses.db"

// Store is the dose history. It implements the controller's DoseReporter:
// finished doses are appended once, keyed by dose.Record.Key, and the
// still-running ones are kept as a replaceable snapshot.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open creates or opens the SQLite database at path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dose log: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to dose log: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db, logger: log.WithComponent("doselog")}, nil
}

// Close closes the database
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if current > currentSchemaVersion {
		return fmt.Errorf("dose log schema version %d is newer than supported %d", current, currentSchemaVersion)
	}
	if current < currentSchemaVersion {
		if _, err := db.Exec(`INSERT OR IGNORE INTO schema_migrations (version) VALUES (?)`, currentSchemaVersion); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
	}
	return nil
}

// final reports whether r belongs in the permanent log at asOf
func final(r dose.Record, asOf time.Time) bool {
	return r.Certainty == dose.Certain && r.IsFinished(asOf)
}

// ReportDoseEvents stores a report in one transaction. Finished certain
// doses are inserted unless their key is already present; everything else
// replaces the open snapshot.
func (s *Store) ReportDoseEvents(ctx context.Context, doses []dose.Record, asOf time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin dose log transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM open_doses`); err != nil {
		return fmt.Errorf("failed to clear open doses: %w", err)
	}

	recordedAt := asOf.UTC().Format(time.RFC3339Nano)
	inserted := 0
	for _, r := range doses {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to encode dose %s: %w", r.Key(), err)
		}

		if !final(r, asOf) {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO open_doses (type, record, as_of) VALUES (?, ?, ?)`,
				string(r.Type), string(data), asOf.UnixMilli()); err != nil {
				return fmt.Errorf("failed to store open dose %s: %w", r.Key(), err)
			}
			continue
		}

		var commandID any
		if r.CommandID != "" {
			commandID = r.CommandID
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO doses (dose_key, type, start_ms, end_ms, units, cancelled, command_id, record, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.Key(), string(r.Type), r.StartTime.UnixMilli(), r.EndTime().UnixMilli(), r.Units,
			boolInt(r.IsCancelled()), commandID, string(data), recordedAt)
		if err != nil {
			return fmt.Errorf("failed to store dose %s: %w", r.Key(), err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dose log: %w", err)
	}
	if inserted > 0 {
		s.logger.Debug().Int("inserted", inserted).Int("reported", len(doses)).Msg("Recorded finalized doses")
	}
	return nil
}

// List returns finalized doses starting in [from, to), oldest first
func (s *Store) List(ctx context.Context, from, to time.Time) ([]dose.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM doses WHERE start_ms >= ? AND start_ms < ? ORDER BY start_ms, dose_key`,
		from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query doses: %w", err)
	}
	return scanRecords(rows)
}

// Open returns the doses that were still running at the last report
func (s *Store) Open(ctx context.Context) ([]dose.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM open_doses ORDER BY type`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open doses: %w", err)
	}
	return scanRecords(rows)
}

// Totals sums delivered units per dose type for doses starting in
// [from, to)
func (s *Store) Totals(ctx context.Context, from, to time.Time) (map[dose.Type]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, SUM(units) FROM doses WHERE start_ms >= ? AND start_ms < ? GROUP BY type`,
		from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[dose.Type]float64)
	for rows.Next() {
		var typ string
		var units float64
		if err := rows.Scan(&typ, &units); err != nil {
			return nil, fmt.Errorf("failed to scan totals: %w", err)
		}
		totals[dose.Type(typ)] = units
	}
	return totals, rows.Err()
}

// Count returns the number of finalized doses
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM doses`).Scan(&n)
	return n, err
}

func scanRecords(rows *sql.Rows) ([]dose.Record, error) {
	defer rows.Close()

	var out []dose.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan dose: %w", err)
		}
		var r dose.Record
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("failed to decode dose: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
