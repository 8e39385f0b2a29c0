package state

import (
	"context"
	"time"
)

// Scalar keys owned by the engine. The flow manager only touches KeyStartBase.
const (
	KeyLastDay         = "last_day"
	KeyDayStartEquity  = "day_start_equity"
	KeyStartBase       = "start_base_usdt"
	KeyLastSummaryDay  = "report:last_summary_day"
	KeyLastLeaderboard = "report:last_leaderboard_hour"
)

type TradeAction string

const (
	ActionOpenPair  TradeAction = "open_pair"
	ActionScaleIn   TradeAction = "scale_in"
	ActionClosePair TradeAction = "close_pair"
)

// TradeLogEntry is append-only; never updated or deleted.
type TradeLogEntry struct {
	Time      time.Time
	Symbol    string
	Action    TradeAction
	Base      float64
	Quote     float64
	Rationale string
}

// DailyPnlRecord is replaced on each update within a day, frozen after rollover.
type DailyPnlRecord struct {
	Day         string
	StartEquity float64
	Pnl         float64
}

type TransferRecord struct {
	Time      time.Time
	Direction string
	Amount    float64
	Status    string
	Info      string
}

type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	GetBytes(ctx context.Context, key string) ([]byte, bool, error)
	SetBytes(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	AppendTrade(ctx context.Context, entry TradeLogEntry) error
	UpsertDailyPnl(ctx context.Context, rec DailyPnlRecord) error
	DailyPnl(ctx context.Context, day string) (DailyPnlRecord, bool, error)
	AppendTransfer(ctx context.Context, rec TransferRecord) error
	Close() error
}
