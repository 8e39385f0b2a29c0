package state

import (
	"context"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

type Status string

const (
	StatusClosed       Status = "CLOSED"
	StatusOpenPending  Status = "OPEN_PENDING"
	StatusHedged       Status = "HEDGED"
	StatusClosePending Status = "CLOSE_PENDING"
)

// HedgeState is the persisted per-symbol position record. Invariant while
// HEDGED: SpotQty > 0 and |PerpQty| >= 0.95 * SpotQty.
type HedgeState struct {
	Symbol         string    `msgpack:"symbol"`
	Status         Status    `msgpack:"status"`
	SpotQty        float64   `msgpack:"spot_qty"`
	PerpQty        float64   `msgpack:"perp_qty"` // signed, negative = short
	CommittedUSD   float64   `msgpack:"committed_usd"`
	OpenedAt       time.Time `msgpack:"opened_at"`
	BelowThreshold int       `msgpack:"below_threshold_cycles"`
	CooldownUntil  time.Time `msgpack:"cooldown_until"`
	ScaleInsToday  int       `msgpack:"scale_ins_today"`
	ScaleInsDay    string    `msgpack:"scale_ins_day"`
	SnipeEntry     bool      `msgpack:"snipe_entry"`
}

func (h HedgeState) Hedged() bool {
	return h.Status == StatusHedged
}

func (h HedgeState) InCooldown(now time.Time) bool {
	return now.Before(h.CooldownUntil)
}

// ScaleSteps returns the scale-in count for the given day, accounting for
// rollover since the last recorded step.
func (h HedgeState) ScaleSteps(day string) int {
	if h.ScaleInsDay != day {
		return 0
	}
	return h.ScaleInsToday
}

func hedgeKey(symbol string) string {
	return "hedge:" + symbol
}

func LoadHedgeState(ctx context.Context, store Store, symbol string) (HedgeState, error) {
	raw, ok, err := store.GetBytes(ctx, hedgeKey(symbol))
	if err != nil {
		return HedgeState{}, err
	}
	if !ok {
		return HedgeState{Symbol: symbol, Status: StatusClosed}, nil
	}
	var hs HedgeState
	if err := msgpack.Unmarshal(raw, &hs); err != nil {
		return HedgeState{}, err
	}
	if hs.Symbol == "" {
		hs.Symbol = symbol
	}
	return hs, nil
}

func SaveHedgeState(ctx context.Context, store Store, hs HedgeState) error {
	raw, err := msgpack.Marshal(hs)
	if err != nil {
		return err
	}
	return store.SetBytes(ctx, hedgeKey(hs.Symbol), raw)
}
