// Package sqlite is the permanent history of closed paper trades.
// Writes go through one goroutine that batches rows into transactions.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"trading-alertsv1/internal/metrics"
	"trading-alertsv1/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
	defaultQueueSize  = 1024
)

// WriterConfig configures the history database.
type WriterConfig struct {
	DBPath    string // e.g. "data/trades.db"
	QueueSize int
}

type closedTrade struct {
	clientID string
	trade    model.VirtualTrade
}

// History implements model.TradeRecorder.
type History struct {
	db      *sql.DB
	queue   chan closedTrade
	metrics *metrics.Metrics
	log     *slog.Logger

	mu      sync.RWMutex // guards closed against sends on a closed queue
	closed  bool
	stopped chan struct{}
}

// DB returns the underlying sql.DB for health checks.
func (h *History) DB() *sql.DB { return h.db }

// New opens (or creates) the database in WAL mode and starts the writer.
func New(cfg WriterConfig, m *metrics.Metrics, log *slog.Logger) (*History, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	h := &History{
		db:      db,
		queue:   make(chan closedTrade, cfg.QueueSize),
		metrics: m,
		log:     log.With("component", "trade-history"),
		stopped: make(chan struct{}),
	}
	go h.run()

	h.log.Info("opened trade history", "path", cfg.DBPath)
	return h, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS paper_trades (
			id            TEXT PRIMARY KEY,
			client_id     TEXT NOT NULL,
			symbol        TEXT NOT NULL,
			token         TEXT NOT NULL,
			side          TEXT NOT NULL,
			quantity      INTEGER NOT NULL,
			entry_price   TEXT NOT NULL,
			exit_price    TEXT NOT NULL,
			pnl           TEXT NOT NULL,
			trigger_label TEXT,
			close_reason  TEXT,
			opened_at     DATETIME NOT NULL,
			closed_at     DATETIME NOT NULL,
			recorded_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_paper_trades_client ON paper_trades(client_id, closed_at);
		CREATE INDEX IF NOT EXISTS idx_paper_trades_token ON paper_trades(token);
	`)
	return err
}

// RecordClosedTrade queues a closed trade. It never blocks; when the queue
// is full the row is dropped and counted.
func (h *History) RecordClosedTrade(clientID string, t model.VirtualTrade) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.metrics.HistoryWrite("dropped")
		return
	}
	select {
	case h.queue <- closedTrade{clientID: clientID, trade: t}:
	default:
		h.metrics.HistoryWrite("dropped")
		h.log.Warn("history queue full, dropping trade", "trade_id", t.ID)
	}
}

// run is the single writer. It flushes every defaultBatchSize rows or
// defaultFlushDelay, whichever comes first.
func (h *History) run() {
	defer close(h.stopped)
	batch := make([]closedTrade, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := h.insertBatch(batch); err != nil {
			h.metrics.HistoryWrite("error")
			h.log.Error("history batch insert failed", "rows", len(batch), "error", err)
		} else {
			h.metrics.HistoryWrite("ok")
		}
		batch = batch[:0]
	}

	for {
		select {
		case ct, ok := <-h.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ct)
			if len(batch) >= defaultBatchSize {
				flush()
			}
		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

func (h *History) insertBatch(batch []closedTrade) error {
	tx, err := h.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO paper_trades
			(id, client_id, symbol, token, side, quantity, entry_price, exit_price, pnl,
			 trigger_label, close_reason, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, ct := range batch {
		t := ct.trade
		exit := t.LastPrice
		if t.ExitPrice != nil {
			exit = *t.ExitPrice
		}
		closedAt := t.CreatedAt
		if t.ClosedAt != nil {
			closedAt = *t.ClosedAt
		}
		if _, err := stmt.Exec(
			t.ID, ct.clientID, t.Symbol, t.Token, string(t.Side), t.Quantity,
			t.EntryPrice.String(), exit.String(), t.PnL.String(),
			t.TriggerLabel, t.CloseReason,
			t.CreatedAt.UTC().Format(time.RFC3339Nano), closedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert trade %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

// Close drains the queue, flushes and closes the database.
func (h *History) Close(ctx context.Context) error {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.queue)
	}
	h.mu.Unlock()

	select {
	case <-h.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	return h.db.Close()
}
