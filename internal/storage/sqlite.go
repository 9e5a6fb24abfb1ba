package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sync"

	"cpvae/internal/model"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, ckpt model.Checkpoint) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeCheckpoint(ckpt)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, epoch, tag, global_step, loss, created_at, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, epoch, tag) DO UPDATE SET
			global_step = excluded.global_step,
			loss = excluded.loss,
			created_at = excluded.created_at,
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, ckpt.RunID, ckpt.Epoch, ckpt.Tag, ckpt.GlobalStep, nullableFloat(ckpt.Loss), ckpt.CreatedAtUTC, ckpt.SchemaVersion, ckpt.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, runID string, epoch int, tag string) (model.Checkpoint, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.Checkpoint{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `
		SELECT payload FROM checkpoints WHERE run_id = ? AND epoch = ? AND tag = ?
	`, runID, epoch, tag).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Checkpoint{}, false, nil
	}
	if err != nil {
		return model.Checkpoint{}, false, err
	}

	ckpt, err := DecodeCheckpoint(payload)
	if err != nil {
		return model.Checkpoint{}, false, fmt.Errorf("decode checkpoint %s/%d/%s: %w", runID, epoch, tag, err)
	}
	return ckpt, true, nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, runID string) ([]model.CheckpointInfo, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT run_id, epoch, tag, global_step, loss, created_at, length(payload)
		FROM checkpoints WHERE run_id = ?
		ORDER BY epoch, tag
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []model.CheckpointInfo
	for rows.Next() {
		var (
			info model.CheckpointInfo
			loss sql.NullFloat64
		)
		if err := rows.Scan(&info.RunID, &info.Epoch, &info.Tag, &info.GlobalStep, &loss, &info.CreatedAtUTC, &info.SizeBytes); err != nil {
			return nil, err
		}
		info.Loss = math.NaN()
		if loss.Valid {
			info.Loss = loss.Float64
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *SQLiteStore) DeleteCheckpoint(ctx context.Context, runID string, epoch int, tag string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		DELETE FROM checkpoints WHERE run_id = ? AND epoch = ? AND tag = ?
	`, runID, epoch, tag)
	return err
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run model.RunRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeRun(run)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO runs (run_id, created_at, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			created_at = excluded.created_at,
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, run.RunID, run.CreatedAtUTC, run.SchemaVersion, run.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (model.RunRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.RunRecord{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM runs WHERE run_id = ?`, runID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RunRecord{}, false, nil
	}
	if err != nil {
		return model.RunRecord{}, false, err
	}

	run, err := DecodeRun(payload)
	if err != nil {
		return model.RunRecord{}, false, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return run, true, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context) ([]model.RunRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT run_id, payload FROM runs ORDER BY created_at, run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.RunRecord
	for rows.Next() {
		var (
			runID   string
			payload []byte
		)
		if err := rows.Scan(&runID, &payload); err != nil {
			return nil, err
		}
		run, err := DecodeRun(payload)
		if err != nil {
			return nil, fmt.Errorf("decode run %s: %w", runID, err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) AppendScalars(ctx context.Context, runID string, scalars []model.ScalarRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO scalars (run_id, name, step, value) VALUES (?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, sc := range scalars {
		if _, err := stmt.ExecContext(ctx, runID, sc.Name, sc.Step, nullableFloat(sc.Value)); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetScalars(ctx context.Context, runID, name string) ([]model.ScalarRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	query := `SELECT name, step, value FROM scalars WHERE run_id = ? ORDER BY seq`
	args := []any{runID}
	if name != "" {
		query = `SELECT name, step, value FROM scalars WHERE run_id = ? AND name = ? ORDER BY seq`
		args = append(args, name)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ScalarRecord
	for rows.Next() {
		var (
			sc    model.ScalarRecord
			value sql.NullFloat64
		)
		if err := rows.Scan(&sc.Name, &sc.Step, &value); err != nil {
			return nil, err
		}
		sc.Value = math.NaN()
		if value.Valid {
			sc.Value = value.Float64
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.db, nil
}

// nullableFloat stores non-finite values as NULL; SQLite has no NaN.
func nullableFloat(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS checkpoints (
			run_id TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			tag TEXT NOT NULL,
			global_step INTEGER NOT NULL,
			loss REAL,
			created_at TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (run_id, epoch, tag)
		);
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS scalars (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			step INTEGER NOT NULL,
			value REAL
		);
		CREATE INDEX IF NOT EXISTS scalars_run_name ON scalars (run_id, name);
	`)
	return err
}
