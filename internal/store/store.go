// Package store persists the audit streams (alerts, orders, fills, mode
// transitions, risk violations, trade results) and the snapshots needed to
// resume after a restart. Backed by a single SQLite file.
//
// Writes that fail are buffered in memory and flushed in order once the
// database recovers. If the oldest buffered write exceeds the configured
// window the store reports itself degraded and ingress stops accepting new
// alerts, because an audit trail with holes is worse than downtime.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/grimmolf/traderterminal/internal/config"
	"github.com/grimmolf/traderterminal/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS alerts (
	alert_id    TEXT PRIMARY KEY,
	received_at TIMESTAMP NOT NULL,
	payload     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
	order_id   TEXT PRIMARY KEY,
	alert_id   TEXT,
	account_id TEXT NOT NULL,
	status     TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_account ON orders(account_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_orders_alert ON orders(alert_id);

CREATE TABLE IF NOT EXISTS fills (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	fill_id    TEXT UNIQUE NOT NULL,
	order_id   TEXT NOT NULL,
	account_id TEXT NOT NULL,
	payload    TEXT NOT NULL,
	ts         TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_account ON fills(account_id, seq);

CREATE TABLE IF NOT EXISTS mode_transitions (
	seq      INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy TEXT NOT NULL,
	to_mode  TEXT NOT NULL,
	operator TEXT,
	payload  TEXT NOT NULL,
	ts       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_strategy ON mode_transitions(strategy, seq);

CREATE TABLE IF NOT EXISTS risk_violations (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id TEXT NOT NULL,
	rule       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	ts         TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS trade_results (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy  TEXT NOT NULL,
	payload   TEXT NOT NULL,
	closed_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_strategy ON trade_results(strategy, seq);

CREATE TABLE IF NOT EXISTS strategy_snapshots (
	strategy   TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS account_snapshots (
	account_id TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

type pendingWrite struct {
	query string
	args  []any
	at    time.Time
}

// Store is the persistence layer. Safe for concurrent use; SQLite access is
// serialized through a single connection.
type Store struct {
	db     *sql.DB
	cfg    config.StoreConfig
	logger *slog.Logger

	mu     sync.Mutex
	buffer []pendingWrite
}

// Open creates or opens the database, applies the schema, and prunes rows
// past the retention window.
func Open(cfg config.StoreConfig, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{db: db, cfg: cfg, logger: logger.With("component", "store")}
	if cfg.Retention > 0 {
		s.prune(time.Now().Add(-cfg.Retention))
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// prune removes stream rows older than the cutoff. Snapshots are kept.
func (s *Store) prune(cutoff time.Time) {
	for table, col := range map[string]string{
		"alerts":           "received_at",
		"fills":            "ts",
		"mode_transitions": "ts",
		"risk_violations":  "ts",
		"trade_results":    "closed_at",
	} {
		if _, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s < ?", table, col), cutoff); err != nil {
			s.logger.Warn("prune failed", "table", table, "error", err)
		}
	}
	if _, err := s.db.Exec("DELETE FROM orders WHERE updated_at < ?", cutoff); err != nil {
		s.logger.Warn("prune failed", "table", "orders", "error", err)
	}
}

// exec writes through the degraded buffer: earlier failed writes flush
// first so streams stay in order, and a fresh failure joins the queue
// instead of surfacing to the hot path.
func (s *Store) exec(query string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buffer) > 0 && !s.flushLocked() {
		s.buffer = append(s.buffer, pendingWrite{query: query, args: args, at: time.Now()})
		return
	}
	if _, err := s.db.Exec(query, args...); err != nil {
		s.logger.Warn("write failed, buffering", "error", err)
		s.buffer = append(s.buffer, pendingWrite{query: query, args: args, at: time.Now()})
	}
}

// flushLocked retries buffered writes in order. Returns true when the
// buffer is fully drained.
func (s *Store) flushLocked() bool {
	for len(s.buffer) > 0 {
		w := s.buffer[0]
		if _, err := s.db.Exec(w.query, w.args...); err != nil {
			return false
		}
		s.buffer = s.buffer[1:]
	}
	return true
}

// Degraded reports whether buffered writes have been stuck longer than the
// configured window.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffer) == 0 {
		return false
	}
	return time.Since(s.buffer[0].at) > s.cfg.DegradedBuffer
}

// BufferedWrites returns the number of writes awaiting flush.
func (s *Store) BufferedWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// ————————————————————————————————————————————————————————————————————————
// Stream appends
// ————————————————————————————————————————————————————————————————————————

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// AppendAlert records an accepted alert. Duplicate alert IDs are ignored;
// the first record wins.
func (s *Store) AppendAlert(a types.Alert) {
	s.exec(`INSERT OR IGNORE INTO alerts (alert_id, received_at, payload) VALUES (?, ?, ?)`,
		a.ID, a.ReceivedAt, mustJSON(a))
}

// UpsertOrder records an order or its latest status.
func (s *Store) UpsertOrder(o types.Order) {
	s.exec(`INSERT INTO orders (order_id, alert_id, account_id, status, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET status = excluded.status,
			payload = excluded.payload, updated_at = excluded.updated_at`,
		o.ID, o.AlertID, o.AccountID, string(o.Status), mustJSON(o), o.SubmittedAt, o.UpdatedAt)
}

// AppendFill records an execution. Duplicate fill IDs are ignored so a
// resumed fill stream cannot double-book.
func (s *Store) AppendFill(f types.Fill) {
	s.exec(`INSERT OR IGNORE INTO fills (fill_id, order_id, account_id, payload, ts) VALUES (?, ?, ?, ?, ?)`,
		f.ID, f.OrderID, f.AccountID, mustJSON(f), f.Timestamp)
}

// AppendTransition records a mode change or eligibility signal.
func (s *Store) AppendTransition(tr types.ModeTransition) {
	s.exec(`INSERT INTO mode_transitions (strategy, to_mode, operator, payload, ts) VALUES (?, ?, ?, ?, ?)`,
		tr.StrategyID, tr.ToMode, tr.Operator, mustJSON(tr), tr.Timestamp)
}

// AppendViolation records a funded-account rule breach.
func (s *Store) AppendViolation(v types.RiskViolation) {
	s.exec(`INSERT INTO risk_violations (account_id, rule, payload, ts) VALUES (?, ?, ?, ?)`,
		v.AccountID, v.Type, mustJSON(v), v.Timestamp)
}

// AppendTradeResult records a completed round trip.
func (s *Store) AppendTradeResult(r types.TradeResult) {
	s.exec(`INSERT INTO trade_results (strategy, payload, closed_at) VALUES (?, ?, ?)`,
		r.StrategyID, mustJSON(r), r.ClosedAt)
}

// SaveStrategySnapshot persists tracker state for one strategy.
func (s *Store) SaveStrategySnapshot(strategy string, snapshot any) {
	s.exec(`INSERT INTO strategy_snapshots (strategy, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(strategy) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		strategy, mustJSON(snapshot), time.Now())
}

// SaveAccountSnapshot persists a paper account's balances.
func (s *Store) SaveAccountSnapshot(accountID string, snapshot any) {
	s.exec(`INSERT INTO account_snapshots (account_id, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		accountID, mustJSON(snapshot), time.Now())
}

// ————————————————————————————————————————————————————————————————————————
// Reads
// ————————————————————————————————————————————————————————————————————————

// SeenAlertIDs returns alert IDs received since the cutoff, for rebuilding
// the idempotency window after a restart.
func (s *Store) SeenAlertIDs(since time.Time) ([]string, error) {
	rows, err := s.db.Query(`SELECT alert_id FROM alerts WHERE received_at >= ?`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// OrderByID loads one order.
func (s *Store) OrderByID(orderID string) (types.Order, bool, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM orders WHERE order_id = ?`, orderID).Scan(&payload)
	if err == sql.ErrNoRows {
		return types.Order{}, false, nil
	}
	if err != nil {
		return types.Order{}, false, err
	}
	var o types.Order
	if err := json.Unmarshal([]byte(payload), &o); err != nil {
		return types.Order{}, false, err
	}
	return o, true, nil
}

// OrdersByAlert returns the orders dispatched for one alert.
func (s *Store) OrdersByAlert(alertID string) ([]types.Order, error) {
	return s.queryOrders(`SELECT payload FROM orders WHERE alert_id = ? ORDER BY created_at`, alertID)
}

// Orders lists recent orders, newest first, optionally scoped to an account.
func (s *Store) Orders(accountID string, limit int) ([]types.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	if accountID != "" {
		return s.queryOrders(`SELECT payload FROM orders WHERE account_id = ? ORDER BY updated_at DESC LIMIT ?`,
			accountID, limit)
	}
	return s.queryOrders(`SELECT payload FROM orders ORDER BY updated_at DESC LIMIT ?`, limit)
}

// OpenOrders returns every order that is still live on a backend, oldest
// first. Shutdown walks this to cancel what it can before exiting.
func (s *Store) OpenOrders() ([]types.Order, error) {
	return s.queryOrders(`SELECT payload FROM orders
		WHERE status IN ('pending', 'working', 'partial') ORDER BY created_at`)
}

func (s *Store) queryOrders(query string, args ...any) ([]types.Order, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Order
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var o types.Order
		if err := json.Unmarshal([]byte(payload), &o); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// LastFillID returns the newest persisted fill for an account, the cursor
// for resuming a broker fill stream.
func (s *Store) LastFillID(accountID string) (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT fill_id FROM fills WHERE account_id = ? ORDER BY seq DESC LIMIT 1`,
		accountID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

// TradeResults returns a strategy's completed trades in close order.
func (s *Store) TradeResults(strategy string) ([]types.TradeResult, error) {
	rows, err := s.db.Query(`SELECT payload FROM trade_results WHERE strategy = ? ORDER BY seq`, strategy)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.TradeResult
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var r types.TradeResult
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TrackedStrategies returns every strategy with recorded trades.
func (s *Store) TrackedStrategies() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT strategy FROM trade_results`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// OperatorOverrides returns the manual mode changes for a strategy in
// order, for deterministic replay.
func (s *Store) OperatorOverrides(strategy string) ([]types.ModeTransition, error) {
	rows, err := s.db.Query(
		`SELECT payload FROM mode_transitions WHERE strategy = ? AND operator != '' ORDER BY seq`, strategy)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ModeTransition
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var tr types.ModeTransition
		if err := json.Unmarshal([]byte(payload), &tr); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// Violations lists recent rule breaches for an account, newest first.
func (s *Store) Violations(accountID string, limit int) ([]types.RiskViolation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT payload FROM risk_violations WHERE account_id = ? ORDER BY seq DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.RiskViolation
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var v types.RiskViolation
		if err := json.Unmarshal([]byte(payload), &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// AccountSnapshots loads all persisted paper account snapshots into dst,
// a map from account ID to the snapshot type.
func (s *Store) AccountSnapshots() (map[string]json.RawMessage, error) {
	rows, err := s.db.Query(`SELECT account_id, payload FROM account_snapshots`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		out[id] = json.RawMessage(payload)
	}
	return out, rows.Err()
}
