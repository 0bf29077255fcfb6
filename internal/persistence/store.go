// Package persistence is the engine's SQLite-backed append log and
// crash-recovery checkpoint store, using modernc.org/sqlite (a CGo-free
// driver). All access is serialised behind one mutex: database/sql's
// connection pool is otherwise safe for concurrent use, but writes are
// kept behind an explicit single-mutex discipline to match the rest of
// the engine's state transitions.
package persistence

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/surgewatch/surgebot/internal/domain"
)

func decimalFromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const schema = `
CREATE TABLE IF NOT EXISTS signal_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	symbol TEXT NOT NULL,
	surge_ratio REAL NOT NULL,
	price TEXT NOT NULL,
	accepted INTEGER NOT NULL,
	reject_reason TEXT NOT NULL DEFAULT '',
	risk_metrics_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS live_trades (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	event TEXT NOT NULL,
	entry_price TEXT NOT NULL DEFAULT '',
	exit_price TEXT NOT NULL DEFAULT '',
	quantity TEXT NOT NULL DEFAULT '',
	realized_pnl TEXT NOT NULL DEFAULT '',
	order_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS position_state (
	symbol TEXT PRIMARY KEY,
	current_tp_pct REAL NOT NULL,
	strength TEXT NOT NULL DEFAULT 'unknown',
	evaluated_2h INTEGER NOT NULL DEFAULT 0,
	evaluated_12h INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);
`

// Store is the engine's persistence handle. check_same_thread=False's Go
// equivalent is simply sharing one *sql.DB across goroutines — the mutex
// here is about write ordering, not driver safety.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
}

// Open creates the parent directory if needed, opens the SQLite file at
// path, and applies the schema idempotently.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // single-writer discipline, see package doc

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// SaveSignalEvent appends a row to signal_events.
func (s *Store) SaveSignalEvent(e domain.SignalEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO signal_events (timestamp, symbol, surge_ratio, price, accepted, reject_reason, risk_metrics_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RecordedAt.UTC().Format(time.RFC3339), e.Symbol, e.SurgeRatio, e.ReferencePrice.String(),
		boolToInt(e.Accepted), e.RejectReason, e.MetricsJSON,
	)
	return err
}

// SaveLiveTrade appends a row to live_trades.
func (s *Store) SaveLiveTrade(e domain.LiveTradeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO live_trades (timestamp, symbol, side, event, entry_price, exit_price, quantity, realized_pnl, order_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.UTC().Format(time.RFC3339), e.Symbol, string(e.Side), string(e.Event),
		e.EntryPrice.String(), e.ExitPrice.String(), e.Quantity.String(), e.RealizedPnL.String(), e.OrderID,
	)
	return err
}

// SavePositionState upserts the crash-recovery checkpoint for symbol.
func (s *Store) SavePositionState(c domain.PositionStateCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tpPct, _ := c.CurrentTPPct.Float64()
	_, err := s.db.Exec(
		`INSERT INTO position_state (symbol, current_tp_pct, strength, evaluated_2h, evaluated_12h, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(symbol) DO UPDATE SET
			current_tp_pct = excluded.current_tp_pct,
			strength       = excluded.strength,
			evaluated_2h   = excluded.evaluated_2h,
			evaluated_12h  = excluded.evaluated_12h,
			updated_at     = excluded.updated_at`,
		c.Symbol, tpPct, string(c.Strength), boolToInt(c.Evaluated2h), boolToInt(c.Evaluated12h),
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// GetPositionState returns the saved checkpoint for symbol, or nil if none
// exists (fresh position, or one that was never adjusted).
func (s *Store) GetPositionState(symbol string) (*domain.PositionStateCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(
		`SELECT current_tp_pct, strength, evaluated_2h, evaluated_12h, updated_at
		 FROM position_state WHERE symbol = ?`, symbol,
	)
	var tpPct float64
	var strength string
	var ev2h, ev12h int
	var updatedAt string
	if err := row.Scan(&tpPct, &strength, &ev2h, &ev12h, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	parsed, _ := time.Parse(time.RFC3339, updatedAt)
	return &domain.PositionStateCheckpoint{
		Symbol:       symbol,
		CurrentTPPct: decimalFromFloat(tpPct),
		Strength:     domain.Strength(strength),
		Evaluated2h:  ev2h != 0,
		Evaluated12h: ev12h != 0,
		UpdatedAt:    parsed,
	}, nil
}

// DeletePositionState removes the checkpoint row, called on position close.
func (s *Store) DeletePositionState(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM position_state WHERE symbol = ?`, symbol)
	return err
}

// CountAcceptedSince counts accepted signal_events rows at or after since,
// backing the optional max_entries_per_day guard.
func (s *Store) CountAcceptedSince(since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(
		`SELECT COUNT(*) FROM signal_events WHERE accepted = 1 AND timestamp >= ?`,
		since.UTC().Format(time.RFC3339),
	)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
