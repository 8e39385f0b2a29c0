package strategy

import (
	"errors"
	"fmt"

	"bybit-carry-bot/internal/config"
)

var (
	ErrTotalCapExceeded   = errors.New("total allocation cap exceeded")
	ErrPerPairCapExceeded = errors.New("per-pair allocation cap exceeded")
)

// PerPairAllocation sizes a new entry for one symbol. The optional auto-scale
// factor grows linearly with how far funding exceeds the threshold, clamped
// to the configured ceiling; the per-pair cap bounds the result regardless.
func PerPairAllocation(cfg config.RiskConfig, sym config.SymbolConfig, equity, funding, threshold float64) float64 {
	if equity <= 0 {
		return 0
	}
	alloc := equity * sym.MaxAllocPct
	if cfg.AutoScale && funding > threshold && threshold > 0 {
		factor := 1 + cfg.AutoScaleGain*(funding-threshold)/threshold
		if factor > cfg.AutoScaleMaxFactor {
			factor = cfg.AutoScaleMaxFactor
		}
		alloc *= factor
	}
	if cap := equity * cfg.PerPairCapPct; alloc > cap {
		alloc = cap
	}
	return alloc
}

// AuthorizeTotal gates an entry or scale-in against the account-wide cap.
// Committed capital is estimated as equity minus free balance; the proposal
// is rejected when adding it would push the estimate over the cap.
func AuthorizeTotal(cfg config.RiskConfig, equity, free, proposed float64) error {
	if proposed <= 0 {
		return errors.New("proposed amount must be > 0")
	}
	committed := equity - free
	if committed < 0 {
		committed = 0
	}
	cap := equity * cfg.TotalCapPct
	if committed+proposed > cap {
		return fmt.Errorf("%w: committed %.2f + proposed %.2f > cap %.2f",
			ErrTotalCapExceeded, committed, proposed, cap)
	}
	return nil
}

// AuthorizePerPair gates a scale-in against the symbol's own cap.
func AuthorizePerPair(cfg config.RiskConfig, equity, committedForPair, proposed float64) error {
	cap := equity * cfg.PerPairCapPct
	if committedForPair+proposed > cap {
		return fmt.Errorf("%w: committed %.2f + proposed %.2f > cap %.2f",
			ErrPerPairCapExceeded, committedForPair, proposed, cap)
	}
	return nil
}

// ViableOrderSize rejects symbols whose exchange minimums are too large for
// the account: trading them would concentrate an outsized share of equity in
// a single order.
func ViableOrderSize(cfg config.RiskConfig, minNotional, equity float64) bool {
	if minNotional <= 0 {
		return true
	}
	if equity <= 0 {
		return false
	}
	return minNotional <= equity*cfg.MinOrderEquityFrac
}

// Breaker is the daily drawdown circuit breaker. It blocks new entries only;
// open positions are left alone.
type Breaker struct {
	LimitPct  float64
	MinEquity float64
}

func NewBreaker(cfg config.RiskConfig) Breaker {
	return Breaker{LimitPct: cfg.DailyDrawdownPct, MinEquity: cfg.MinEquityForBreaker}
}

// Evaluate returns whether the breaker trips and the drawdown percentage.
// Relative drawdown on balances below MinEquity is noise, so the breaker is
// suppressed there.
func (b Breaker) Evaluate(dayStartEquity, currentEquity float64) (bool, float64) {
	if b.LimitPct <= 0 || dayStartEquity <= 0 {
		return false, 0
	}
	if dayStartEquity < b.MinEquity {
		return false, 0
	}
	dd := (dayStartEquity - currentEquity) / dayStartEquity * 100
	if dd < 0 {
		dd = 0
	}
	return dd >= b.LimitPct, dd
}
