// Package history is the ledger of committed correlation runs. It is backed by SQLite and
// served from an in-memory snapshot that writers replace atomically.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	jsoniter "github.com/json-iterator/go"
	_ "modernc.org/sqlite"

	"github.com/miradorstack/sclk-correlator/internal/models"
	"github.com/miradorstack/sclk-correlator/internal/timeconv"
	"github.com/miradorstack/sclk-correlator/internal/utils"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const timeLayout = time.RFC3339Nano

// Options configures Open.
type Options struct {
	Path        string
	BusyTimeout time.Duration
	Logger      *slog.Logger
	// Now stamps creation and rollback times; defaults to time.Now.
	Now func() time.Time
}

// Store owns the correlation history.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
}

// CommitRequest is a run about to join the history.
type CommitRequest struct {
	// ExpectedLatestID is the latest committed run the triplet was computed against, zero
	// for an empty history. Commit refuses the run if another commit or rollback moved the
	// latest run since.
	ExpectedLatestID int64
	Triplet          models.Triplet
	SampleSetRef     string
	Warnings         []string
	Rate             models.RateEstimate
	User             string
	Invocation       string
}

// Open prepares the database at opts.Path, applies migrations and loads every run.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("%w: history path is required", models.ErrInvalidConfig)
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := utils.Component(opts.Logger, "history")

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("history: ensure dir: %w", err)
	}
	if err := migrateUp(opts.Path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	// One connection keeps writes serialized inside SQLite as well as in the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"pragma journal_mode=WAL",
		"pragma synchronous=NORMAL",
		fmt.Sprintf("pragma busy_timeout=%d", opts.BusyTimeout.Milliseconds()),
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("history: %s: %w", p, err)
		}
	}
	if err := quickCheck(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: integrity check: %w", err)
	}

	s := &Store{db: db, logger: logger, now: opts.Now}
	runs, err := s.load(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	snap := newSnapshot(runs)
	s.snap.Store(snap)

	logger.Info("history loaded",
		slog.String("path", opts.Path),
		slog.String("runs", humanize.Comma(int64(snap.Len()))),
		slog.Int("committed", len(snap.committed)))
	return s, nil
}

func migrateUp(path string) error {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("history: migration source: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("history: open for migration: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{MigrationsTable: "schema_migrations"})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("history: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("history: migrate instance: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("history: migrate up: %w", err)
	}
	return nil
}

func quickCheck(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, "pragma quick_check")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return err
		}
		if strings.TrimSpace(status) != "ok" {
			return fmt.Errorf("quick_check reported %q", status)
		}
	}
	return rows.Err()
}

// Snapshot returns the current immutable view.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Latest returns the latest committed run.
func (s *Store) Latest() (models.Run, bool) {
	return s.Snapshot().Latest()
}

// Get returns a run by id.
func (s *Store) Get(id int64) (models.Run, error) {
	run, ok := s.Snapshot().Get(id)
	if !ok {
		return models.Run{}, fmt.Errorf("%w: run %d", models.ErrNotFound, id)
	}
	return run, nil
}

// Range returns committed runs with terrestrial time in [begin, end].
func (s *Store) Range(begin, end float64) ([]models.Run, error) {
	if begin > end {
		return nil, fmt.Errorf("%w: TDT %s is after %s", models.ErrInvalidRange,
			timeconv.FormatTDT(begin), timeconv.FormatTDT(end))
	}
	return s.Snapshot().Range(begin, end), nil
}

// Audit returns every run, tombstoned ones included.
func (s *Store) Audit() []models.Run {
	return s.Snapshot().All()
}

// LatestID is the id of latest, zero when the history has no committed run.
func LatestID(latest models.Run, hasLatest bool) int64 {
	if !hasLatest {
		return 0
	}
	return latest.ID
}

// CheckOrder reports whether trip may follow the latest committed run.
func CheckOrder(latest models.Run, hasLatest bool, trip models.Triplet) error {
	if !hasLatest {
		return nil
	}
	prev := latest.Triplet
	if trip.TerrestrialTime < prev.TerrestrialTime {
		return fmt.Errorf("%w: TDT %s precedes run %d at %s", models.ErrOutOfOrderCommit,
			timeconv.FormatTDT(trip.TerrestrialTime), latest.ID, timeconv.FormatTDT(prev.TerrestrialTime))
	}
	if trip.OnboardClock <= prev.OnboardClock {
		return fmt.Errorf("%w: onboard clock %d does not advance past run %d at %d", models.ErrOutOfOrderCommit,
			trip.OnboardClock, latest.ID, prev.OnboardClock)
	}
	return nil
}

// Commit appends a committed run. The checks against the latest run and the append happen
// under the writer lock, so concurrent commits cannot interleave.
func (s *Store) Commit(ctx context.Context, req CommitRequest) (models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	latest, hasLatest := snap.Latest()
	if id := LatestID(latest, hasLatest); id != req.ExpectedLatestID {
		return models.Run{}, fmt.Errorf("%w: history changed during computation: computed against run %d, latest is run %d",
			models.ErrOutOfOrderCommit, req.ExpectedLatestID, id)
	}
	if err := CheckOrder(latest, hasLatest, req.Triplet); err != nil {
		return models.Run{}, err
	}

	run := models.Run{
		CreatedAt:    s.now().UTC(),
		Status:       models.RunCommitted,
		Triplet:      req.Triplet,
		SampleSetRef: req.SampleSetRef,
		Warnings:     append([]string(nil), req.Warnings...),
		Rate:         req.Rate,
		User:         req.User,
		Invocation:   req.Invocation,
	}
	run.Rate.SpanRunIDs = append([]int64(nil), req.Rate.SpanRunIDs...)

	id, err := s.insert(ctx, run)
	if err != nil {
		return models.Run{}, err
	}
	run.ID = id
	s.snap.Store(snap.with(run))

	s.logger.Info("run committed",
		slog.Int64("run_id", id),
		slog.Int64("sclk", run.Triplet.OnboardClock),
		slog.String("tdt", timeconv.FormatTDT(run.Triplet.TerrestrialTime)),
		slog.Float64("rate", run.Triplet.ClockChangeRate))
	return cloneRun(run), nil
}

// Rollback tombstones the latest committed run and returns the triplet that becomes
// latest, with ok false when the history is left empty.
func (s *Store) Rollback(ctx context.Context, id int64) (models.Triplet, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	run, found := snap.Get(id)
	if !found {
		return models.Triplet{}, false, fmt.Errorf("%w: run %d", models.ErrNotFound, id)
	}
	latest, hasLatest := snap.Latest()
	if !hasLatest || latest.ID != id {
		return models.Triplet{}, false, fmt.Errorf("%w: run %d is %s, latest committed run is %d",
			models.ErrNotLatest, id, run.Status, LatestID(latest, hasLatest))
	}

	run.Status = models.RunRolledBack
	run.RolledBackAt = s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, rolled_back_at = ? WHERE id = ? AND status = ?`,
		string(models.RunRolledBack), run.RolledBackAt.Format(timeLayout), id, string(models.RunCommitted))
	if err != nil {
		return models.Triplet{}, false, fmt.Errorf("history: tombstone run %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n != 1 {
		return models.Triplet{}, false, fmt.Errorf("history: tombstone run %d touched %d rows", id, n)
	}

	next := snap.with(run)
	s.snap.Store(next)
	prev, ok := next.Latest()

	s.logger.Info("run rolled back", slog.Int64("run_id", id), slog.Int64("latest_run_id", prev.ID))
	return prev.Triplet, ok, nil
}

// RecordProducts stores what the output generators did for a run.
func (s *Store) RecordProducts(ctx context.Context, id int64, products []models.ProductRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	run, ok := snap.Get(id)
	if !ok {
		return fmt.Errorf("%w: run %d", models.ErrNotFound, id)
	}
	encoded, err := json.Marshal(products)
	if err != nil {
		return fmt.Errorf("history: encode products: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE runs SET products = ? WHERE id = ?`, string(encoded), id); err != nil {
		return fmt.Errorf("history: record products for run %d: %w", id, err)
	}
	run.Products = append([]models.ProductRecord(nil), products...)
	s.snap.Store(snap.with(run))
	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) insert(ctx context.Context, run models.Run) (int64, error) {
	warnings, err := json.Marshal(nonNil(run.Warnings))
	if err != nil {
		return 0, fmt.Errorf("history: encode warnings: %w", err)
	}
	span, err := json.Marshal(run.Rate.SpanRunIDs)
	if err != nil {
		return 0, fmt.Errorf("history: encode span: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("history: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO runs (
		created_at, status, onboard_clock, terrestrial_time, clock_change_rate,
		ground_time_of_validity, test_mode, sample_set_ref, warnings, rate_provenance,
		rate_mode, fit_method, lookback_hours, prior_run_id, span_run_ids, run_user, invocation,
		interpolated_rate, interpolated_run_id
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.CreatedAt.Format(timeLayout),
		string(run.Status),
		run.Triplet.OnboardClock,
		run.Triplet.TerrestrialTime,
		run.Triplet.ClockChangeRate,
		utils.FormatOptionalTime(run.Triplet.GroundTimeOfValidity),
		run.Triplet.TestMode,
		run.SampleSetRef,
		string(warnings),
		string(run.Rate.Provenance),
		string(run.Rate.Mode),
		string(run.Rate.Fit),
		run.Rate.LookbackHours,
		run.Rate.PriorRunID,
		string(span),
		run.User,
		run.Invocation,
		run.Rate.InterpolatedRate,
		run.Rate.InterpolatedRunID,
	)
	if err != nil {
		return 0, fmt.Errorf("history: insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("history: run id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("history: commit: %w", err)
	}
	return id, nil
}

func (s *Store) load(ctx context.Context) ([]models.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, created_at, status, onboard_clock, terrestrial_time, clock_change_rate,
		ground_time_of_validity, test_mode, sample_set_ref, warnings, rate_provenance,
		rate_mode, fit_method, lookback_hours, prior_run_id, span_run_ids, rolled_back_at,
		run_user, invocation, products, interpolated_rate, interpolated_run_id
	FROM runs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("history: load runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		var (
			run                                   models.Run
			createdAt, status, validity, rollback string
			warnings, span, products              string
			provenance, mode, fit                 string
		)
		if err := rows.Scan(&run.ID, &createdAt, &status, &run.Triplet.OnboardClock,
			&run.Triplet.TerrestrialTime, &run.Triplet.ClockChangeRate, &validity,
			&run.Triplet.TestMode, &run.SampleSetRef, &warnings, &provenance, &mode, &fit,
			&run.Rate.LookbackHours, &run.Rate.PriorRunID, &span, &rollback,
			&run.User, &run.Invocation, &products,
			&run.Rate.InterpolatedRate, &run.Rate.InterpolatedRunID); err != nil {
			return nil, fmt.Errorf("history: scan run: %w", err)
		}
		run.Status = models.RunStatus(status)
		run.Rate.Rate = run.Triplet.ClockChangeRate
		run.Rate.Provenance = models.RateProvenance(provenance)
		run.Rate.Mode = models.RateMode(mode)
		run.Rate.Fit = models.FitMethod(fit)
		if run.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("history: run %d created_at: %w", run.ID, err)
		}
		if run.Triplet.GroundTimeOfValidity, err = utils.ParseOptionalTime(validity); err != nil {
			return nil, fmt.Errorf("history: run %d validity: %w", run.ID, err)
		}
		if run.RolledBackAt, err = utils.ParseOptionalTime(rollback); err != nil {
			return nil, fmt.Errorf("history: run %d rolled_back_at: %w", run.ID, err)
		}
		if err := json.Unmarshal([]byte(warnings), &run.Warnings); err != nil {
			return nil, fmt.Errorf("history: run %d warnings: %w", run.ID, err)
		}
		if err := json.Unmarshal([]byte(span), &run.Rate.SpanRunIDs); err != nil {
			return nil, fmt.Errorf("history: run %d span: %w", run.ID, err)
		}
		if err := json.Unmarshal([]byte(products), &run.Products); err != nil {
			return nil, fmt.Errorf("history: run %d products: %w", run.ID, err)
		}
		if len(run.Warnings) == 0 {
			run.Warnings = nil
		}
		if len(run.Rate.SpanRunIDs) == 0 {
			run.Rate.SpanRunIDs = nil
		}
		if len(run.Products) == 0 {
			run.Products = nil
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
