package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"bybit-carry-bot/internal/state"

	_ "modernc.org/sqlite"
)

const (
	busyAttempts = 5
	busyBackoff  = 50 * time.Millisecond
)

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Single connection per process; the busy retry below covers brief
	// contention from external readers.
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value BLOB NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS trade_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			symbol TEXT NOT NULL,
			action TEXT NOT NULL,
			base REAL NOT NULL,
			quote REAL NOT NULL,
			rationale TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS daily_pnl (
			day TEXT PRIMARY KEY,
			start_equity REAL NOT NULL,
			pnl REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transfers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			direction TEXT NOT NULL,
			amount REAL NOT NULL,
			status TEXT NOT NULL,
			info TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	raw, ok, err := s.GetBytes(ctx, key)
	return string(raw), ok, err
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.SetBytes(ctx, key, []byte(value))
}

func (s *Store) GetBytes(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return value, true, nil
}

func (s *Store) SetBytes(ctx context.Context, key string, value []byte) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, value)
		return err
	})
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		return err
	})
}

func (s *Store) AppendTrade(ctx context.Context, entry state.TradeLogEntry) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO trade_log (ts, symbol, action, base, quote, rationale) VALUES (?, ?, ?, ?, ?, ?)`,
			entry.Time.UTC().Format(time.RFC3339), entry.Symbol, string(entry.Action),
			entry.Base, entry.Quote, entry.Rationale)
		return err
	})
}

func (s *Store) UpsertDailyPnl(ctx context.Context, rec state.DailyPnlRecord) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO daily_pnl (day, start_equity, pnl) VALUES (?, ?, ?)
			 ON CONFLICT(day) DO UPDATE SET start_equity = excluded.start_equity, pnl = excluded.pnl`,
			rec.Day, rec.StartEquity, rec.Pnl)
		return err
	})
}

func (s *Store) DailyPnl(ctx context.Context, day string) (state.DailyPnlRecord, bool, error) {
	rec := state.DailyPnlRecord{Day: day}
	err := s.withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT start_equity, pnl FROM daily_pnl WHERE day = ?`, day).
			Scan(&rec.StartEquity, &rec.Pnl)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.DailyPnlRecord{}, false, nil
		}
		return state.DailyPnlRecord{}, false, err
	}
	return rec, true, nil
}

func (s *Store) AppendTransfer(ctx context.Context, rec state.TransferRecord) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO transfers (ts, direction, amount, status, info) VALUES (?, ?, ?, ?, ?)`,
			rec.Time.UTC().Format(time.RFC3339), rec.Direction, rec.Amount, rec.Status, rec.Info)
		return err
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	backoff := busyBackoff
	var err error
	for attempt := 0; attempt < busyAttempts; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
