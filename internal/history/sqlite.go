package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eddiefleurent/schrute_futures/internal/models"
)

const tradesSchema = `
CREATE TABLE IF NOT EXISTS trades (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	strategy_name  TEXT NOT NULL,
	instrument     TEXT NOT NULL,
	side           TEXT NOT NULL,
	entry_order_id TEXT NOT NULL DEFAULT '',
	sl_order_id    TEXT NOT NULL DEFAULT '',
	tp_order_id    TEXT NOT NULL DEFAULT '',
	entry_price    REAL NOT NULL,
	amount         REAL NOT NULL,
	stop_loss      REAL NOT NULL DEFAULT 0,
	take_profit    REAL NOT NULL DEFAULT 0,
	entry_time     INTEGER NOT NULL,
	exit_price     REAL NOT NULL DEFAULT 0,
	exit_time      INTEGER NOT NULL DEFAULT 0,
	exit_reason    TEXT NOT NULL DEFAULT '',
	pnl            REAL NOT NULL DEFAULT 0,
	pnl_percent    REAL NOT NULL DEFAULT 0,
	status         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_user_entry ON trades(user_id, entry_time DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_single_open
	ON trades(user_id, strategy_name, instrument) WHERE status = 'open';
`

// SQLiteStore is the durable trade history backend. One writer at a time;
// WAL mode keeps readers unblocked and survives crashes.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and if needed initializes) the trades database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(tradesSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Add(ctx context.Context, rec models.TradeRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (
			id, user_id, strategy_name, instrument, side,
			entry_order_id, sl_order_id, tp_order_id,
			entry_price, amount, stop_loss, take_profit, entry_time,
			exit_price, exit_time, exit_reason, pnl, pnl_percent, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.StrategyName, rec.Instrument, string(rec.Side),
		rec.EntryOrderID, rec.SLOrderID, rec.TPOrderID,
		rec.EntryPrice, rec.Amount, rec.StopLoss, rec.TakeProfit, rec.EntryTime.UnixMilli(),
		rec.ExitPrice, exitMillis(rec.ExitTime), string(rec.ExitReason), rec.PnL, rec.PnLPercent, string(rec.Status),
	)
	if err != nil {
		if strings.Contains(err.Error(), "idx_trades_single_open") {
			return fmt.Errorf("%w: %s/%s", ErrDuplicateOpenTrade, rec.StrategyName, rec.Instrument)
		}
		return fmt.Errorf("failed to insert trade %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, p Patch) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	p.apply(&rec)
	if err := rec.Validate(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE trades SET
			sl_order_id = ?, tp_order_id = ?, entry_price = ?, amount = ?,
			stop_loss = ?, take_profit = ?,
			exit_price = ?, exit_time = ?, exit_reason = ?,
			pnl = ?, pnl_percent = ?, status = ?
		WHERE id = ?`,
		rec.SLOrderID, rec.TPOrderID, rec.EntryPrice, rec.Amount,
		rec.StopLoss, rec.TakeProfit,
		rec.ExitPrice, exitMillis(rec.ExitTime), string(rec.ExitReason),
		rec.PnL, rec.PnLPercent, string(rec.Status), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update trade %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

const selectColumns = `
	id, user_id, strategy_name, instrument, side,
	entry_order_id, sl_order_id, tp_order_id,
	entry_price, amount, stop_loss, take_profit, entry_time,
	exit_price, exit_time, exit_reason, pnl, pnl_percent, status`

func (s *SQLiteStore) Get(ctx context.Context, id string) (models.TradeRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT"+selectColumns+" FROM trades WHERE id = ?", id)
	rec, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return models.TradeRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return models.TradeRecord{}, fmt.Errorf("failed to read trade %s: %w", id, err)
	}
	return rec, nil
}

func (s *SQLiteStore) Query(ctx context.Context, q Query) ([]models.TradeRecord, error) {
	where, args := buildWhere(q)
	query := "SELECT" + selectColumns + " FROM trades" + where + " ORDER BY entry_time DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
		if q.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, q.Offset)
		}
	} else if q.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	out := make([]models.TradeRecord, 0)
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context, q Query) (Stats, error) {
	q.Status = models.TradeClosed
	q.Limit = 0
	q.Offset = 0
	records, err := s.Query(ctx, q)
	if err != nil {
		return Stats{}, err
	}
	return statsOf(records), nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM trades WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete trade %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func buildWhere(q Query) (string, []interface{}) {
	clauses := make([]string, 0, 6)
	args := make([]interface{}, 0, 6)
	if q.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, q.UserID)
	}
	if q.Strategy != "" {
		clauses = append(clauses, "strategy_name = ?")
		args = append(args, q.Strategy)
	}
	if q.Instrument != "" {
		clauses = append(clauses, "instrument = ?")
		args = append(args, q.Instrument)
	}
	if q.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(q.Status))
	}
	if !q.From.IsZero() {
		clauses = append(clauses, "entry_time >= ?")
		args = append(args, q.From.UnixMilli())
	}
	if !q.To.IsZero() {
		clauses = append(clauses, "entry_time <= ?")
		args = append(args, q.To.UnixMilli())
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(row rowScanner) (models.TradeRecord, error) {
	var rec models.TradeRecord
	var side, reason, status string
	var entryMs, exitMs int64
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.StrategyName, &rec.Instrument, &side,
		&rec.EntryOrderID, &rec.SLOrderID, &rec.TPOrderID,
		&rec.EntryPrice, &rec.Amount, &rec.StopLoss, &rec.TakeProfit, &entryMs,
		&rec.ExitPrice, &exitMs, &reason, &rec.PnL, &rec.PnLPercent, &status,
	)
	if err != nil {
		return rec, err
	}
	rec.Side = models.OrderSide(side)
	rec.ExitReason = models.ExitReason(reason)
	rec.Status = models.TradeStatus(status)
	rec.EntryTime = time.UnixMilli(entryMs).UTC()
	if exitMs > 0 {
		rec.ExitTime = time.UnixMilli(exitMs).UTC()
	}
	return rec, nil
}

func exitMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
