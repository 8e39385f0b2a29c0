package market

import (
	"context"
	"time"

	"bybit-carry-bot/internal/bybit"

	"go.uber.org/zap"
)

// Snapshot is one symbol's normalized view at cycle start. Recreated every
// cycle, never persisted. Price == 0 means no usable data this cycle.
type Snapshot struct {
	Symbol  string
	Price   float64
	Spread  float64 // (ask-bid)/mid fraction
	Funding float64 // 8-hour funding rate
	At      time.Time
}

func (s Snapshot) HasData() bool {
	return s.Price > 0
}

type Exchange interface {
	Ticker(ctx context.Context, category, symbol string) (bybit.Ticker, error)
	OrderBookTop(ctx context.Context, category, symbol string) (bybit.BookTop, error)
	LastFundingRate(ctx context.Context, symbol string) (float64, error)
}

// PriceCache is the ws ticker stream; consulted before any REST call.
type PriceCache interface {
	LastPrice(symbol string) (float64, bool)
}

type Aggregator struct {
	ex    Exchange
	cache PriceCache
	log   *zap.Logger
	nowFn func() time.Time
}

func New(ex Exchange, cache PriceCache, log *zap.Logger) *Aggregator {
	return &Aggregator{ex: ex, cache: cache, log: log, nowFn: time.Now}
}

// SnapshotAll captures every symbol before any decision is made, so all
// decisions within a cycle share one consistent view. A failed symbol yields
// an empty snapshot without aborting the rest.
func (a *Aggregator) SnapshotAll(ctx context.Context, pairs []string) map[string]Snapshot {
	out := make(map[string]Snapshot, len(pairs))
	for _, pair := range pairs {
		out[pair] = a.Snapshot(ctx, pair)
	}
	return out
}

func (a *Aggregator) Snapshot(ctx context.Context, pair string) Snapshot {
	snap := Snapshot{Symbol: pair, At: a.nowFn()}
	spotSym := bybit.SpotSymbol(pair)
	perpSym := bybit.PerpSymbol(pair)

	price, spread := a.resolvePrice(ctx, spotSym)
	snap.Price = price
	snap.Spread = spread
	if !snap.HasData() {
		a.log.Debug("no usable price", zap.String("pair", pair))
		return snap
	}
	snap.Funding = a.resolveFunding(ctx, perpSym)
	return snap
}

// resolvePrice walks the cascade: ws last trade, REST last trade, ticker
// midpoint, order book midpoint, then 0 for unavailable.
func (a *Aggregator) resolvePrice(ctx context.Context, symbol string) (float64, float64) {
	var price float64
	if a.cache != nil {
		if last, ok := a.cache.LastPrice(symbol); ok {
			price = last
		}
	}
	tick, tickErr := a.ex.Ticker(ctx, bybit.CategorySpot, symbol)
	if tickErr == nil {
		if price == 0 {
			price = tick.Last
		}
		if price == 0 && tick.Bid > 0 && tick.Ask > 0 {
			price = (tick.Bid + tick.Ask) / 2
		}
		if spread := spreadFraction(tick.Bid, tick.Ask); price > 0 {
			return price, spread
		}
	} else {
		a.log.Debug("ticker fetch failed", zap.String("symbol", symbol), zap.Error(tickErr))
	}
	top, bookErr := a.ex.OrderBookTop(ctx, bybit.CategorySpot, symbol)
	if bookErr != nil {
		a.log.Debug("order book fetch failed", zap.String("symbol", symbol), zap.Error(bookErr))
		return price, 0
	}
	if price == 0 && top.Bid > 0 && top.Ask > 0 {
		price = (top.Bid + top.Ask) / 2
	}
	return price, spreadFraction(top.Bid, top.Ask)
}

// resolveFunding reads the ticker's funding field first, then the raw
// funding history entry, then gives up with 0.
func (a *Aggregator) resolveFunding(ctx context.Context, perpSymbol string) float64 {
	tick, err := a.ex.Ticker(ctx, bybit.CategoryLinear, perpSymbol)
	if err == nil && tick.FundingRate != 0 {
		return tick.FundingRate
	}
	if err != nil {
		a.log.Debug("perp ticker fetch failed", zap.String("symbol", perpSymbol), zap.Error(err))
	}
	rate, err := a.ex.LastFundingRate(ctx, perpSymbol)
	if err != nil {
		a.log.Debug("funding history fetch failed", zap.String("symbol", perpSymbol), zap.Error(err))
		return 0
	}
	return rate
}

func spreadFraction(bid, ask float64) float64 {
	if bid <= 0 || ask <= 0 {
		return 0
	}
	mid := (bid + ask) / 2
	if mid == 0 {
		return 0
	}
	return (ask - bid) / mid
}
