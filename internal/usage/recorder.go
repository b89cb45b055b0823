// Package usage persists per-request accounting to a local SQLite database
// and serves aggregate counters for the stats endpoint.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/phamanh/gemini-bridge/internal/logging"
	_ "modernc.org/sqlite"
)

// Record is one completed (or failed) bridge request.
type Record struct {
	Model          string
	SessionID      string
	Streamed       bool
	Switched       bool
	Failed         bool
	InputTokens    int64
	OutputTokens   int64
	ThoughtsTokens int64
	CachedTokens   int64
	TotalTokens    int64
	RequestedAt    time.Time
}

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
	defaultRetentionDays = 30
	queueBufferSize      = 1000
)

// Recorder batches records into SQLite off the request path. Enqueue never
// blocks; a full queue drops the record.
type Recorder struct {
	db            *sql.DB
	recordChan    chan Record
	flushTicker   *time.Ticker
	cleanupTicker *time.Ticker
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	batchSize     int
	retentionDays int
	counters      *Counters
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS request_usage (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		model TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		streamed BOOLEAN NOT NULL DEFAULT 0,
		switched BOOLEAN NOT NULL DEFAULT 0,
		failed BOOLEAN NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		thoughts_tokens INTEGER NOT NULL DEFAULT 0,
		cached_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		requested_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_usage_requested_at ON request_usage(requested_at);
	CREATE INDEX IF NOT EXISTS idx_usage_model ON request_usage(model);
	CREATE INDEX IF NOT EXISTS idx_usage_session ON request_usage(session_id);
	`
	_, err := db.Exec(schema)
	return err
}

// NewRecorder opens (or creates) the database. Start must be called before
// records are flushed.
func NewRecorder(dbPath string) (*Recorder, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("usage database path is required")
	}
	if strings.HasPrefix(dbPath, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dbPath = filepath.Join(home, dbPath[1:])
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=-64000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite behaves best over a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Recorder{
		db:            db,
		recordChan:    make(chan Record, queueBufferSize),
		flushTicker:   time.NewTicker(defaultFlushInterval),
		cleanupTicker: time.NewTicker(24 * time.Hour),
		stopChan:      make(chan struct{}),
		batchSize:     defaultBatchSize,
		retentionDays: defaultRetentionDays,
		counters:      NewCounters(),
	}, nil
}

// Start launches the write and retention workers.
func (r *Recorder) Start() {
	r.wg.Add(2)
	go r.writeLoop()
	go r.cleanupLoop()
}

// Stop flushes pending records and closes the database.
func (r *Recorder) Stop() error {
	if r == nil {
		return nil
	}
	var err error
	r.stopOnce.Do(func() {
		close(r.stopChan)
		r.flushTicker.Stop()
		r.cleanupTicker.Stop()
		r.wg.Wait()
		err = r.db.Close()
	})
	return err
}

// Enqueue records a request without blocking the handler.
func (r *Recorder) Enqueue(rec Record) {
	if r == nil {
		return
	}
	if rec.RequestedAt.IsZero() {
		rec.RequestedAt = time.Now()
	}
	r.counters.Observe(rec.Failed, rec.TotalTokens)
	select {
	case r.recordChan <- rec:
	default:
		log.Warnf("usage queue full, dropping record for model %s", rec.Model)
	}
}

// Snapshot returns the aggregate counters since process start.
func (r *Recorder) Snapshot() CounterSnapshot {
	if r == nil {
		return CounterSnapshot{}
	}
	return r.counters.Snapshot()
}

func (r *Recorder) writeLoop() {
	defer r.wg.Done()
	batch := make([]Record, 0, r.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.writeBatch(context.Background(), batch); err != nil {
			log.WithError(err).Warn("usage batch write failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-r.recordChan:
			batch = append(batch, rec)
			if len(batch) >= r.batchSize {
				flush()
			}
		case <-r.flushTicker.C:
			flush()
		case <-r.stopChan:
			// Drain whatever is queued before shutdown.
			for {
				select {
				case rec := <-r.recordChan:
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (r *Recorder) writeBatch(ctx context.Context, batch []Record) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO request_usage
			(model, session_id, streamed, switched, failed,
			 input_tokens, output_tokens, thoughts_tokens, cached_tokens, total_tokens,
			 requested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, rec := range batch {
		if _, err := stmt.ExecContext(ctx,
			rec.Model, rec.SessionID, rec.Streamed, rec.Switched, rec.Failed,
			rec.InputTokens, rec.OutputTokens, rec.ThoughtsTokens, rec.CachedTokens, rec.TotalTokens,
			rec.RequestedAt.UTC(),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (r *Recorder) cleanupLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.cleanupTicker.C:
			cutoff := time.Now().AddDate(0, 0, -r.retentionDays).UTC()
			if _, err := r.db.Exec(`DELETE FROM request_usage WHERE requested_at < ?`, cutoff); err != nil {
				log.WithError(err).Warn("usage retention cleanup failed")
			}
		case <-r.stopChan:
			return
		}
	}
}

// TotalsByModel aggregates stored usage grouped by model.
func (r *Recorder) TotalsByModel(ctx context.Context) (map[string]CounterSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT model,
		       COUNT(*),
		       SUM(CASE WHEN failed THEN 0 ELSE 1 END),
		       SUM(CASE WHEN failed THEN 1 ELSE 0 END),
		       COALESCE(SUM(total_tokens), 0)
		FROM request_usage GROUP BY model`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[string]CounterSnapshot)
	for rows.Next() {
		var model string
		var snap CounterSnapshot
		if err := rows.Scan(&model, &snap.TotalRequests, &snap.SuccessCount, &snap.FailureCount, &snap.TotalTokens); err != nil {
			return nil, err
		}
		totals[model] = snap
	}
	return totals, rows.Err()
}
