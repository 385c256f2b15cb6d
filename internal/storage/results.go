package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/accelbench/accelbench/pkg/models"
)

// ResultStore persists snapshots and benchmark results. The schema is
// created on first use if Init was not called explicitly.
type ResultStore struct {
	db *DB

	mu    sync.Mutex
	ready bool
}

// NewResultStore creates a new result store
func NewResultStore(db *DB) *ResultStore {
	return &ResultStore{db: db}
}

// Init creates the schema if it does not exist. Safe to call repeatedly.
func (s *ResultStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to initialize result store: %w", err)
	}
	s.ready = true
	return nil
}

func (s *ResultStore) ensureInit(ctx context.Context) error {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	if ready {
		return nil
	}
	return s.Init(ctx)
}

// SaveSnapshot stores a snapshot and returns its id. snap.ID is updated.
func (s *ResultStore) SaveSnapshot(ctx context.Context, snap *models.Snapshot) (int64, error) {
	if snap == nil {
		return 0, fmt.Errorf("snapshot cannot be nil")
	}
	if err := s.ensureInit(ctx); err != nil {
		return 0, err
	}

	gpus := snap.GPUs
	if gpus == nil {
		gpus = []models.GPU{}
	}
	gpusJSON, err := json.Marshal(gpus)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal gpus: %w", err)
	}

	var accelJSON sql.NullString
	if snap.Accelerator != nil {
		data, err := json.Marshal(snap.Accelerator)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal accelerator info: %w", err)
		}
		accelJSON = sql.NullString{String: string(data), Valid: true}
	}

	ts := snap.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC()

	query := `
		INSERT INTO system_specs (
			server_name, cpu_model, cpu_cores, cpu_threads, total_memory_gb,
			os_type, os_version, motherboard, gpus, accelerator_info, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := s.db.ExecContext(ctx, query,
		snap.ServerName, snap.CPUModel, snap.CPUCores, snap.CPUThreads, snap.TotalMemoryGB,
		snap.OSType, snap.OSVersion, nullString(snap.Motherboard), string(gpusJSON), accelJSON, ts,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to save snapshot: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read snapshot id: %w", err)
	}

	snap.ID = id
	snap.Timestamp = ts
	return id, nil
}

// SaveResults stores a batch of results in one transaction, linked to
// snapshotID when it is non-nil. Either every row is committed or none.
// Result IDs are assigned in place.
func (s *ResultStore) SaveResults(ctx context.Context, results []models.Result, snapshotID *int64) error {
	if len(results) == 0 {
		return nil
	}
	if err := s.ensureInit(ctx); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO benchmark_results (
			model, tokens_per_second, total_tokens, duration_seconds,
			timestamp, success, error, system_specs_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	var fk sql.NullInt64
	if snapshotID != nil {
		fk = sql.NullInt64{Int64: *snapshotID, Valid: true}
	}

	ids := make([]int64, len(results))
	for i, r := range results {
		ts := r.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}

		var errText sql.NullString
		if !r.Success {
			errText = sql.NullString{String: r.Error, Valid: true}
		}

		res, err := stmt.ExecContext(ctx,
			r.Model, r.TokensPerSecond, r.TotalTokens, r.DurationSeconds,
			ts.UTC(), boolToInt(r.Success), errText, fk,
		)
		if err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("failed to save results: %w: %d", ErrSnapshotNotFound, fk.Int64)
			}
			return fmt.Errorf("failed to save result %d: %w", i, err)
		}
		if ids[i], err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read result id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit results: %w", err)
	}

	for i := range results {
		results[i].ID = ids[i]
		results[i].SnapshotID = snapshotID
	}
	return nil
}

const resultColumns = `
	r.id, r.model, r.tokens_per_second, r.total_tokens, r.duration_seconds,
	r.timestamp, r.success, r.error, r.system_specs_id`

const snapshotColumns = `
	s.id, s.server_name, s.cpu_model, s.cpu_cores, s.cpu_threads, s.total_memory_gb,
	s.os_type, s.os_version, s.motherboard, s.gpus, s.accelerator_info, s.timestamp`

// AllResults returns every stored result, newest first
func (s *ResultStore) AllResults(ctx context.Context) ([]models.Result, error) {
	if err := s.ensureInit(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+resultColumns+`
		FROM benchmark_results r
		ORDER BY r.timestamp DESC, r.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	results := []models.Result{}
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// ResultsWithSnapshot returns results joined with their snapshot, newest
// first. Results without a stored snapshot are included with a nil Snapshot.
// A limit of zero or less returns every row.
func (s *ResultStore) ResultsWithSnapshot(ctx context.Context, limit int) ([]models.ResultWithSnapshot, error) {
	if err := s.ensureInit(ctx); err != nil {
		return nil, err
	}

	query := `SELECT ` + resultColumns + `,` + snapshotColumns + `
		FROM benchmark_results r
		LEFT JOIN system_specs s ON r.system_specs_id = s.id
		ORDER BY r.timestamp DESC, r.id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query results with snapshots: %w", err)
	}
	defer rows.Close()

	out := []models.ResultWithSnapshot{}
	for rows.Next() {
		var (
			r     models.Result
			snap  nullableSnapshot
			snpID sql.NullInt64
			errS  sql.NullString
			succ  int
		)
		if err := rows.Scan(
			&r.ID, &r.Model, &r.TokensPerSecond, &r.TotalTokens, &r.DurationSeconds,
			&r.Timestamp, &succ, &errS, &snpID,
			&snap.id, &snap.serverName, &snap.cpuModel, &snap.cpuCores, &snap.cpuThreads, &snap.totalMemoryGB,
			&snap.osType, &snap.osVersion, &snap.motherboard, &snap.gpus, &snap.accelerator, &snap.timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		fillResult(&r, succ, errS, snpID)

		joined := models.ResultWithSnapshot{Result: r}
		if snap.id.Valid {
			sp, err := snap.toModel()
			if err != nil {
				return nil, err
			}
			joined.Snapshot = sp
		}
		out = append(out, joined)
	}
	return out, rows.Err()
}

// LatestSnapshot returns the most recently taken snapshot
func (s *ResultStore) LatestSnapshot(ctx context.Context) (*models.Snapshot, error) {
	if err := s.ensureInit(ctx); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+`
		FROM system_specs s
		ORDER BY s.timestamp DESC, s.id DESC
		LIMIT 1`)
	return scanSnapshot(row)
}

// GetSnapshot returns one snapshot by id
func (s *ResultStore) GetSnapshot(ctx context.Context, id int64) (*models.Snapshot, error) {
	if err := s.ensureInit(ctx); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+`
		FROM system_specs s
		WHERE s.id = ?`, id)
	return scanSnapshot(row)
}

// Counts holds the number of rows per table
type Counts struct {
	Snapshots int
	Results   int
}

// Counts returns the number of stored snapshots and results
func (s *ResultStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	if err := s.ensureInit(ctx); err != nil {
		return c, err
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM system_specs`).Scan(&c.Snapshots); err != nil {
		return c, fmt.Errorf("failed to count snapshots: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM benchmark_results`).Scan(&c.Results); err != nil {
		return c, fmt.Errorf("failed to count results: %w", err)
	}
	return c, nil
}

// nullableSnapshot receives the snapshot side of a LEFT JOIN
type nullableSnapshot struct {
	id            sql.NullInt64
	serverName    sql.NullString
	cpuModel      sql.NullString
	cpuCores      sql.NullInt64
	cpuThreads    sql.NullInt64
	totalMemoryGB sql.NullFloat64
	osType        sql.NullString
	osVersion     sql.NullString
	motherboard   sql.NullString
	gpus          sql.NullString
	accelerator   sql.NullString
	timestamp     sql.NullTime
}

func (n *nullableSnapshot) toModel() (*models.Snapshot, error) {
	snap := &models.Snapshot{
		ID:            n.id.Int64,
		ServerName:    n.serverName.String,
		CPUModel:      n.cpuModel.String,
		CPUCores:      int(n.cpuCores.Int64),
		CPUThreads:    int(n.cpuThreads.Int64),
		TotalMemoryGB: n.totalMemoryGB.Float64,
		OSType:        n.osType.String,
		OSVersion:     n.osVersion.String,
		Motherboard:   n.motherboard.String,
		Timestamp:     n.timestamp.Time.UTC(),
	}
	if err := decodeSnapshotJSON(snap, n.gpus, n.accelerator); err != nil {
		return nil, err
	}
	return snap, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*models.Snapshot, error) {
	var n nullableSnapshot
	err := row.Scan(
		&n.id, &n.serverName, &n.cpuModel, &n.cpuCores, &n.cpuThreads, &n.totalMemoryGB,
		&n.osType, &n.osVersion, &n.motherboard, &n.gpus, &n.accelerator, &n.timestamp,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan snapshot: %w", err)
	}
	return n.toModel()
}

func scanResult(row rowScanner) (models.Result, error) {
	var (
		r     models.Result
		succ  int
		errS  sql.NullString
		snpID sql.NullInt64
	)
	if err := row.Scan(
		&r.ID, &r.Model, &r.TokensPerSecond, &r.TotalTokens, &r.DurationSeconds,
		&r.Timestamp, &succ, &errS, &snpID,
	); err != nil {
		return r, fmt.Errorf("failed to scan result: %w", err)
	}
	fillResult(&r, succ, errS, snpID)
	return r, nil
}

func fillResult(r *models.Result, succ int, errS sql.NullString, snpID sql.NullInt64) {
	r.Success = succ != 0
	r.Error = errS.String
	r.Timestamp = r.Timestamp.UTC()
	if snpID.Valid {
		id := snpID.Int64
		r.SnapshotID = &id
	}
}

func decodeSnapshotJSON(snap *models.Snapshot, gpus, accel sql.NullString) error {
	snap.GPUs = []models.GPU{}
	if gpus.Valid && gpus.String != "" {
		if err := json.Unmarshal([]byte(gpus.String), &snap.GPUs); err != nil {
			return fmt.Errorf("failed to decode gpus of snapshot %d: %w", snap.ID, err)
		}
	}
	if accel.Valid && accel.String != "" {
		var info models.AcceleratorInfo
		if err := json.Unmarshal([]byte(accel.String), &info); err != nil {
			return fmt.Errorf("failed to decode accelerator info of snapshot %d: %w", snap.ID, err)
		}
		snap.Accelerator = &info
	}
	return nil
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
