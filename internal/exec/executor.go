package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"bybit-carry-bot/internal/bybit"
)

// Exchange is the order surface the executor drives. *bybit.Client satisfies it.
type Exchange interface {
	PlaceOrder(ctx context.Context, ord bybit.OrderRequest) (bybit.OrderResult, error)
	CancelOrder(ctx context.Context, category, symbol, orderID string) error
	OrderStatus(ctx context.Context, category, symbol, orderID string) (bybit.OrderStatus, error)
	OrderBookTop(ctx context.Context, category, symbol string) (bybit.BookTop, error)
}

type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration)
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) Sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Leg records one placed order of a hedge.
type Leg struct {
	Category string
	Symbol   string
	Side     string
	Qty      float64
	OrderID  string
	Taker    bool
}

// Result reports exactly which legs were placed, so the caller can persist a
// truthful position record even after a partial failure.
type Result struct {
	Spot        *Leg
	Perp        *Leg
	Compensated bool
}

type Options struct {
	MakerFirst         bool
	TakerFallbackAfter time.Duration
}

type Executor struct {
	ex    Exchange
	log   *zap.Logger
	clock Clock
	opts  Options

	mu     sync.Mutex
	inOpen map[string]bool
}

func New(ex Exchange, log *zap.Logger, clock Clock, opts Options) *Executor {
	if clock == nil {
		clock = RealClock{}
	}
	return &Executor{ex: ex, log: log, clock: clock, opts: opts, inOpen: make(map[string]bool)}
}

// TryMarkOpen claims the per-symbol open slot. A second open for the same
// symbol must not start while one is in flight.
func (e *Executor) TryMarkOpen(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inOpen[symbol] {
		return false
	}
	e.inOpen[symbol] = true
	return true
}

func (e *Executor) Unmark(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inOpen, symbol)
}

// HedgeQty converts a quote notional into a base quantity acceptable to both
// legs, floored to the coarser of the two step sizes.
func HedgeQty(notionalUSD, price float64, spot, perp bybit.Limits) float64 {
	if price <= 0 {
		return 0
	}
	qty := bybit.RoundQtyToStep(notionalUSD/price, spot)
	qty = bybit.RoundQtyToStep(qty, perp)
	return qty
}

var ErrOpenInFlight = errors.New("open already in flight for symbol")

// OpenHedge opens a delta-neutral pair: the perpetual short goes first, then
// the spot buy. A filled short with a failed spot leg is compensated by an
// immediate reduce-only buy back, and the spot error is surfaced.
func (e *Executor) OpenHedge(ctx context.Context, pair string, qty float64) (Result, error) {
	if qty <= 0 {
		return Result{}, fmt.Errorf("open %s: quantity must be > 0", pair)
	}
	if !e.TryMarkOpen(pair) {
		return Result{}, fmt.Errorf("open %s: %w", pair, ErrOpenInFlight)
	}
	defer e.Unmark(pair)
	return e.openLegs(ctx, pair, qty)
}

// ScaleIn grows an existing hedge by qty with the same leg order and
// compensation rules as an open.
func (e *Executor) ScaleIn(ctx context.Context, pair string, qty float64) (Result, error) {
	if qty <= 0 {
		return Result{}, fmt.Errorf("scale-in %s: quantity must be > 0", pair)
	}
	if !e.TryMarkOpen(pair) {
		return Result{}, fmt.Errorf("scale-in %s: %w", pair, ErrOpenInFlight)
	}
	defer e.Unmark(pair)
	return e.openLegs(ctx, pair, qty)
}

func (e *Executor) openLegs(ctx context.Context, pair string, qty float64) (Result, error) {
	var res Result

	perp, err := e.placeLeg(ctx, bybit.CategoryLinear, bybit.PerpSymbol(pair), bybit.SideSell, qty, false)
	if err != nil {
		return res, fmt.Errorf("perp leg %s: %w", pair, err)
	}
	res.Perp = perp
	e.log.Info("perp short filled",
		zap.String("symbol", pair), zap.Float64("qty", qty), zap.Bool("taker", perp.Taker))

	spot, spotErr := e.placeLeg(ctx, bybit.CategorySpot, bybit.SpotSymbol(pair), bybit.SideBuy, qty, false)
	if spotErr == nil {
		res.Spot = spot
		return res, nil
	}

	// Naked short: buy the perp back before reporting the failure.
	e.log.Warn("spot leg failed, compensating perp short",
		zap.String("symbol", pair), zap.Error(spotErr))
	_, compErr := e.ex.PlaceOrder(ctx, bybit.OrderRequest{
		Category:   bybit.CategoryLinear,
		Symbol:     bybit.PerpSymbol(pair),
		Side:       bybit.SideBuy,
		OrderType:  "Market",
		Qty:        qty,
		ReduceOnly: true,
	})
	if compErr != nil {
		e.log.Error("compensation failed, perp short may be naked",
			zap.String("symbol", pair), zap.Error(compErr))
		return res, errors.Join(
			fmt.Errorf("spot leg %s: %w", pair, spotErr),
			fmt.Errorf("compensate perp %s: %w", pair, compErr),
		)
	}
	res.Compensated = true
	return res, fmt.Errorf("spot leg %s (perp compensated): %w", pair, spotErr)
}

// CloseHedge unwinds both legs, perp first. The legs are independent: a
// failure on one side never stops the other from being attempted.
func (e *Executor) CloseHedge(ctx context.Context, pair string, spotQty, perpQty float64) (Result, error) {
	var res Result
	var errs []error

	if perpQty != 0 {
		qty := perpQty
		side := bybit.SideBuy // a short is closed by buying back
		if perpQty > 0 {
			side = bybit.SideSell
		} else {
			qty = -qty
		}
		leg, err := e.placeLeg(ctx, bybit.CategoryLinear, bybit.PerpSymbol(pair), side, qty, true)
		if err != nil {
			errs = append(errs, fmt.Errorf("close perp %s: %w", pair, err))
		} else {
			res.Perp = leg
		}
	}
	if spotQty > 0 {
		leg, err := e.placeLeg(ctx, bybit.CategorySpot, bybit.SpotSymbol(pair), bybit.SideSell, spotQty, false)
		if err != nil {
			errs = append(errs, fmt.Errorf("close spot %s: %w", pair, err))
		} else {
			res.Spot = leg
		}
	}
	return res, errors.Join(errs...)
}

// placeLeg places one order, maker-first when configured. A post-only limit
// that is still resting after the fallback deadline is cancelled and the
// unfilled remainder sent as a market order.
func (e *Executor) placeLeg(ctx context.Context, category, symbol, side string, qty float64, reduceOnly bool) (*Leg, error) {
	remaining := qty
	if e.opts.MakerFirst {
		leg, filled := e.tryMaker(ctx, category, symbol, side, qty, reduceOnly)
		if leg != nil {
			return leg, nil
		}
		remaining = qty - filled
	}
	ord := bybit.OrderRequest{
		Category:   category,
		Symbol:     symbol,
		Side:       side,
		OrderType:  "Market",
		Qty:        remaining,
		ReduceOnly: reduceOnly,
	}
	if category == bybit.CategorySpot {
		ord.MarketUnit = "baseCoin"
	}
	result, err := e.ex.PlaceOrder(ctx, ord)
	if err != nil {
		if remaining < qty {
			return nil, fmt.Errorf("taker remainder %.10g after %.10g maker fill: %w", remaining, qty-remaining, err)
		}
		return nil, err
	}
	return &Leg{Category: category, Symbol: symbol, Side: side, Qty: qty, OrderID: result.OrderID, Taker: true}, nil
}

// tryMaker posts a limit at the touch and waits out the fallback deadline.
// It returns the completed leg when the order filled in full, otherwise the
// executed size so the caller markets only the remainder. The cancel races
// late fills, so the executed size is re-read after it.
func (e *Executor) tryMaker(ctx context.Context, category, symbol, side string, qty float64, reduceOnly bool) (*Leg, float64) {
	top, err := e.ex.OrderBookTop(ctx, category, symbol)
	if err != nil || top.Bid <= 0 || top.Ask <= 0 {
		return nil, 0
	}
	price := top.Bid
	if side == bybit.SideSell {
		price = top.Ask
	}
	result, err := e.ex.PlaceOrder(ctx, bybit.OrderRequest{
		Category:    category,
		Symbol:      symbol,
		Side:        side,
		OrderType:   "Limit",
		Qty:         qty,
		Price:       price,
		TimeInForce: "PostOnly",
		ReduceOnly:  reduceOnly,
	})
	if err != nil {
		// Post-only rejections (price would cross) fall through to taker.
		return nil, 0
	}

	e.clock.Sleep(ctx, e.opts.TakerFallbackAfter)
	st, stErr := e.ex.OrderStatus(ctx, category, symbol, result.OrderID)
	if stErr == nil && !st.Open {
		if st.FilledQty >= qty {
			return &Leg{Category: category, Symbol: symbol, Side: side, Qty: qty, OrderID: result.OrderID}, qty
		}
		return nil, st.FilledQty
	}
	if cancelErr := e.ex.CancelOrder(ctx, category, symbol, result.OrderID); cancelErr != nil {
		e.log.Warn("cancel of resting maker order failed",
			zap.String("symbol", symbol), zap.String("order_id", result.OrderID), zap.Error(cancelErr))
	}
	st, stErr = e.ex.OrderStatus(ctx, category, symbol, result.OrderID)
	if stErr != nil {
		e.log.Warn("maker fill size unknown after cancel, assuming unfilled",
			zap.String("symbol", symbol), zap.String("order_id", result.OrderID), zap.Error(stErr))
		return nil, 0
	}
	if st.FilledQty >= qty {
		return &Leg{Category: category, Symbol: symbol, Side: side, Qty: qty, OrderID: result.OrderID}, qty
	}
	return nil, st.FilledQty
}
