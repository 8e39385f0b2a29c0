package app

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"bybit-carry-bot/internal/alerts"
	"bybit-carry-bot/internal/bybit"
	"bybit-carry-bot/internal/config"
	"bybit-carry-bot/internal/exec"
	"bybit-carry-bot/internal/market"
	"bybit-carry-bot/internal/metrics"
	"bybit-carry-bot/internal/state"
	"bybit-carry-bot/internal/state/sqlite"
	"bybit-carry-bot/internal/strategy"
	"bybit-carry-bot/internal/timescale"

	"go.uber.org/zap"
)

const (
	breakerPause = time.Hour
	flatEpsilon  = 1e-9
	quoteAsset   = "USDT"
)

type exchangeAPI interface {
	market.Exchange
	WalletBalance(ctx context.Context) (bybit.Balance, error)
	PerpPosition(ctx context.Context, symbol string) (float64, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	InstrumentLimits(ctx context.Context, category, symbol string) (bybit.Limits, error)
}

type hedgeExecutor interface {
	OpenHedge(ctx context.Context, pair string, qty float64) (exec.Result, error)
	ScaleIn(ctx context.Context, pair string, qty float64) (exec.Result, error)
	CloseHedge(ctx context.Context, pair string, spotQty, perpQty float64) (exec.Result, error)
}

type notifier interface {
	Notify(ctx context.Context, message string) error
	Send(ctx context.Context, message string) error
}

type pairLimits struct {
	spot bybit.Limits
	perp bybit.Limits
}

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     state.Store
	api       exchangeAPI
	stream    *bybit.Stream
	agg       *market.Aggregator
	executor  hedgeExecutor
	metrics   *metrics.Metrics
	alerts    notifier
	timescale *timescale.Writer
	breaker   strategy.Breaker
	clock     exec.Clock

	limits      map[string]pairLimits
	pausedUntil time.Time
}

func New(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	key := strings.TrimSpace(os.Getenv("BYBIT_API_KEY"))
	secret := strings.TrimSpace(os.Getenv("BYBIT_API_SECRET"))
	if key == "" || secret == "" {
		_ = store.Close()
		return nil, fmt.Errorf("BYBIT_API_KEY and BYBIT_API_SECRET are required")
	}
	client := bybit.New(cfg.Exchange, key, secret, log)
	stream := bybit.NewStream(cfg.Exchange.WSURL, 5*time.Second, 20*time.Second, log)
	clock := exec.RealClock{}
	executor := exec.New(client, log, clock, exec.Options{
		MakerFirst:         cfg.Strategy.MakerFirst,
		TakerFallbackAfter: cfg.Strategy.TakerFallbackAfter,
	})
	tsWriter, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		api:       client,
		stream:    stream,
		agg:       market.New(client, stream, log),
		executor:  executor,
		metrics:   m,
		alerts:    alerts.NewTelegram(cfg.Telegram, cfg.Report, log),
		timescale: tsWriter,
		breaker:   strategy.NewBreaker(cfg.Risk),
		clock:     clock,
		limits:    make(map[string]pairLimits),
	}, nil
}

func (a *App) pairs() []string {
	out := make([]string, 0, len(a.cfg.Strategy.Symbols))
	for _, sym := range a.cfg.Strategy.Symbols {
		out = append(out, sym.Pair)
	}
	return out
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	a.timescale.Start(ctx)
	defer a.timescale.Close()

	if a.stream != nil {
		spotSyms := make([]string, 0, len(a.cfg.Strategy.Symbols))
		for _, sym := range a.cfg.Strategy.Symbols {
			spotSyms = append(spotSyms, bybit.SpotSymbol(sym.Pair))
		}
		if err := a.stream.Subscribe(ctx, spotSyms); err != nil {
			a.log.Warn("ticker stream subscribe failed, falling back to REST", zap.Error(err))
		} else {
			go func() {
				if err := a.stream.Run(ctx); err != nil && ctx.Err() == nil {
					a.log.Warn("ticker stream stopped", zap.Error(err))
				}
			}()
		}
	}

	if err := a.reconcile(ctx); err != nil {
		return err
	}
	a.critical(ctx, fmt.Sprintf("🚀 carry bot started: %d pairs, poll interval %s",
		len(a.cfg.Strategy.Symbols), a.cfg.Strategy.PollInterval))
	for _, sym := range a.cfg.Strategy.Symbols {
		if err := a.api.SetLeverage(ctx, bybit.PerpSymbol(sym.Pair), sym.Leverage); err != nil {
			a.log.Warn("set leverage failed", zap.String("pair", sym.Pair), zap.Error(err))
		}
	}

	ticker := time.NewTicker(a.cfg.Strategy.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.cycle(ctx); err != nil {
				a.metrics.CycleErrors.Inc()
				a.log.Warn("cycle failed", zap.Error(err))
				a.clock.Sleep(ctx, backoffFor(err))
			}
		}
	}
}

// backoffFor maps an error class to the pause before the next attempt. Rate
// limits back off briefly, transport failures a bit longer, exchange
// rejections longer still, and anything unexpected the longest.
func backoffFor(err error) time.Duration {
	switch {
	case bybit.IsRateLimited(err):
		return 1200 * time.Millisecond
	case bybit.IsNetwork(err):
		return 2 * time.Second
	case bybit.IsRejected(err):
		return 3 * time.Second
	default:
		return 5 * time.Second
	}
}

// reconcile aligns persisted position records with what the exchange reports
// before the first cycle. An open or close that was interrupted by a crash
// leaves a PENDING record; any mismatch is resolved toward the exchange.
func (a *App) reconcile(ctx context.Context) error {
	for _, sym := range a.cfg.Strategy.Symbols {
		hs, err := state.LoadHedgeState(ctx, a.store, sym.Pair)
		if err != nil {
			return err
		}
		pos, err := a.api.PerpPosition(ctx, bybit.PerpSymbol(sym.Pair))
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", sym.Pair, err)
		}
		switch hs.Status {
		case state.StatusClosed:
			if math.Abs(pos) > flatEpsilon {
				a.critical(ctx, fmt.Sprintf("❗ %s: exchange shows perp position %.6f but no record of it, manual check required", sym.Pair, pos))
			}
		case state.StatusHedged:
			if math.Abs(pos) < flatEpsilon {
				a.log.Warn("hedged record without exchange position, resetting",
					zap.String("pair", sym.Pair))
				if err := state.SaveHedgeState(ctx, a.store, strategy.MarkClosed(hs, a.clock.Now(), 0)); err != nil {
					return err
				}
			}
		case state.StatusOpenPending:
			if math.Abs(pos) > flatEpsilon {
				a.log.Warn("interrupted open left a perp leg, compensating",
					zap.String("pair", sym.Pair), zap.Float64("perp_qty", pos))
				if _, err := a.executor.CloseHedge(ctx, sym.Pair, 0, pos); err != nil {
					a.critical(ctx, fmt.Sprintf("❗ %s: compensation of interrupted open failed: %v", sym.Pair, err))
					continue
				}
				a.metrics.Compensations.Inc()
			}
			if err := state.SaveHedgeState(ctx, a.store, strategy.MarkAborted(hs)); err != nil {
				return err
			}
		case state.StatusClosePending:
			a.log.Warn("resuming interrupted close", zap.String("pair", sym.Pair))
			a.closePosition(ctx, sym.Pair, hs, "resumed interrupted close")
		}
	}
	return nil
}

func (a *App) cycle(ctx context.Context) error {
	now := a.clock.Now()

	balance, err := a.api.WalletBalance(ctx)
	if err != nil {
		return fmt.Errorf("wallet balance: %w", err)
	}
	equity := balance.Equity
	free := balance.FreeOf(quoteAsset)

	day := now.UTC().Format("2006-01-02")
	startEquity, err := a.rollDay(ctx, day, equity)
	if err != nil {
		return err
	}

	breakerOpen := now.Before(a.pausedUntil)
	if !breakerOpen {
		if tripped, dd := a.breaker.Evaluate(startEquity, equity); tripped {
			a.pausedUntil = now.Add(breakerPause)
			breakerOpen = true
			a.metrics.BreakerTrips.Inc()
			a.critical(ctx, fmt.Sprintf("⛔ daily drawdown %.2f%% tripped the breaker, entries paused until %s",
				dd, a.pausedUntil.UTC().Format(time.RFC3339)))
		}
	}

	snaps := a.agg.SnapshotAll(ctx, a.pairs())
	var rates []float64
	for _, snap := range snaps {
		if snap.HasData() {
			rates = append(rates, snap.Funding)
		}
	}
	threshold := strategy.DynamicThreshold(a.cfg.Strategy.DynamicThreshold, rates,
		a.cfg.Strategy.FundingThreshold8h, a.cfg.Strategy.ThresholdLow, a.cfg.Strategy.ThresholdHigh)

	states := make(map[string]state.HedgeState, len(a.cfg.Strategy.Symbols))
	committed := 0.0
	for _, sym := range a.cfg.Strategy.Symbols {
		hs, err := state.LoadHedgeState(ctx, a.store, sym.Pair)
		if err != nil {
			return err
		}
		states[sym.Pair] = hs
		if hs.Status != state.StatusClosed {
			committed += hs.CommittedUSD
		}
	}

	for _, sym := range a.cfg.Strategy.Symbols {
		hs := states[sym.Pair]
		snap := snaps[sym.Pair]
		in := strategy.EntryInput{
			Snapshot:     snap,
			Threshold:    threshold,
			Equity:       equity,
			FreeUSDT:     free,
			CommittedUSD: committed,
			BreakerOpen:  breakerOpen,
			Now:          now,
		}
		switch hs.Status {
		case state.StatusHedged:
			spent := a.manageHedged(ctx, sym, hs, in)
			committed += spent
			free -= spent
		case state.StatusClosed:
			spent := a.tryEnter(ctx, sym, hs, in)
			committed += spent
			free -= spent
		case state.StatusClosePending:
			// A prior close left legs behind; keep trying to flatten them.
			a.closePosition(ctx, sym.Pair, hs, "retrying incomplete close")
		default:
			// OPEN_PENDING outside of startup means an open is mid-flight.
			a.log.Warn("symbol in transient status, skipping",
				zap.String("pair", sym.Pair), zap.String("status", string(hs.Status)))
		}

		if final, err := state.LoadHedgeState(ctx, a.store, sym.Pair); err == nil {
			a.recordSnapshot(now, final, snap, threshold, equity, free)
		}
	}

	if err := a.store.UpsertDailyPnl(ctx, state.DailyPnlRecord{
		Day:         day,
		StartEquity: startEquity,
		Pnl:         equity - startEquity,
	}); err != nil {
		a.log.Warn("daily pnl update failed", zap.Error(err))
	}

	a.report(ctx, now, day, equity, startEquity, snaps, states)
	return nil
}

// rollDay returns the day's starting equity, initializing it on the first
// cycle of a new UTC day.
func (a *App) rollDay(ctx context.Context, day string, equity float64) (float64, error) {
	lastDay, _, err := a.store.Get(ctx, state.KeyLastDay)
	if err != nil {
		return 0, err
	}
	if lastDay != day {
		if err := a.store.Set(ctx, state.KeyLastDay, day); err != nil {
			return 0, err
		}
		if err := a.store.Set(ctx, state.KeyDayStartEquity, strconv.FormatFloat(equity, 'f', -1, 64)); err != nil {
			return 0, err
		}
		a.log.Info("day rollover", zap.String("day", day), zap.Float64("start_equity", equity))
		return equity, nil
	}
	raw, ok, err := a.store.Get(ctx, state.KeyDayStartEquity)
	if err != nil {
		return 0, err
	}
	if !ok {
		return equity, a.store.Set(ctx, state.KeyDayStartEquity, strconv.FormatFloat(equity, 'f', -1, 64))
	}
	start, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return equity, nil
	}
	return start, nil
}

// manageHedged runs the exit and scale-in evaluations for one open position.
// It returns the additional quote amount committed this cycle.
func (a *App) manageHedged(ctx context.Context, sym config.SymbolConfig, hs state.HedgeState, in strategy.EntryInput) float64 {
	exit := strategy.EvaluateExit(a.cfg, hs, in.Snapshot, in.Threshold, in.Now)
	if exit.Exit {
		hs.BelowThreshold = exit.BelowCycles
		a.closePosition(ctx, sym.Pair, hs, exit.Reason)
		return 0
	}
	if exit.BelowCycles != hs.BelowThreshold {
		hs.BelowThreshold = exit.BelowCycles
		if err := state.SaveHedgeState(ctx, a.store, hs); err != nil {
			a.log.Warn("state save failed", zap.String("pair", sym.Pair), zap.Error(err))
		}
	}

	scale := strategy.EvaluateScaleIn(a.cfg, sym, hs, in)
	if !scale.Scale {
		return 0
	}
	return a.scaleIn(ctx, sym.Pair, hs, in, scale.TopUpUSD)
}

// tryEnter runs the entry evaluation and, when it passes, opens the hedge.
// It returns the quote amount committed.
func (a *App) tryEnter(ctx context.Context, sym config.SymbolConfig, hs state.HedgeState, in strategy.EntryInput) float64 {
	if !in.Snapshot.HasData() {
		return 0
	}
	limits, err := a.pairLimits(ctx, sym.Pair)
	if err != nil {
		a.log.Warn("instrument limits fetch failed", zap.String("pair", sym.Pair), zap.Error(err))
		return 0
	}
	if minNotional := bybit.MinViableNotional(limits.spot, limits.perp, in.Snapshot.Price); !strategy.ViableOrderSize(a.cfg.Risk, minNotional, in.Equity) {
		a.log.Debug("exchange minimums too large for account",
			zap.String("pair", sym.Pair), zap.Float64("min_notional", minNotional))
		return 0
	}

	decision := strategy.EvaluateEntry(a.cfg, sym, hs, in)
	if !decision.Enter {
		a.log.Debug("entry skipped", zap.String("pair", sym.Pair), zap.String("reason", decision.Reason))
		return 0
	}

	qty := exec.HedgeQty(decision.AllocUSD, in.Snapshot.Price, limits.spot, limits.perp)
	if qty <= 0 {
		a.log.Debug("allocation rounds below lot size", zap.String("pair", sym.Pair))
		return 0
	}

	pending := strategy.MarkOpened(hs, in.Now, decision.Snipe)
	if err := state.SaveHedgeState(ctx, a.store, pending); err != nil {
		a.log.Warn("state save failed", zap.String("pair", sym.Pair), zap.Error(err))
		return 0
	}

	res, err := a.executor.OpenHedge(ctx, sym.Pair, qty)
	if err != nil {
		a.metrics.OrdersFailed.Inc()
		a.handleFailedOpen(ctx, sym.Pair, pending, res, err, qty)
		return 0
	}
	a.metrics.OrdersPlaced.Inc()
	a.metrics.EntriesOpened.Inc()

	hedged := strategy.MarkHedged(pending, qty, -qty, decision.AllocUSD)
	if err := state.SaveHedgeState(ctx, a.store, hedged); err != nil {
		a.log.Warn("state save failed", zap.String("pair", sym.Pair), zap.Error(err))
	}
	rationale := fmt.Sprintf("funding %.6f >= threshold %.6f", in.Snapshot.Funding, decision.Threshold)
	if decision.Snipe {
		rationale = fmt.Sprintf("snipe: funding %.6f before payout", in.Snapshot.Funding)
	}
	a.logTrade(ctx, state.TradeLogEntry{
		Time:      in.Now,
		Symbol:    sym.Pair,
		Action:    state.ActionOpenPair,
		Base:      qty,
		Quote:     decision.AllocUSD,
		Rationale: rationale,
	})
	a.log.Info("hedge opened",
		zap.String("pair", sym.Pair), zap.Float64("qty", qty),
		zap.Float64("alloc_usd", decision.AllocUSD), zap.Bool("snipe", decision.Snipe))
	a.notify(ctx, fmt.Sprintf("📈 opened %s: %.6f base, %.2f USDT (%s)", sym.Pair, qty, decision.AllocUSD, rationale))
	return decision.AllocUSD
}

// handleFailedOpen persists a truthful record after a failed open. A
// compensated failure rolls back to CLOSED; an uncompensated perp leg stays
// OPEN_PENDING so the next restart reconciles it.
func (a *App) handleFailedOpen(ctx context.Context, pair string, pending state.HedgeState, res exec.Result, openErr error, qty float64) {
	if res.Compensated {
		a.metrics.Compensations.Inc()
		a.critical(ctx, fmt.Sprintf("❗ %s: spot leg failed, perp short compensated: %v", pair, openErr))
		if err := state.SaveHedgeState(ctx, a.store, strategy.MarkAborted(pending)); err != nil {
			a.log.Warn("state save failed", zap.String("pair", pair), zap.Error(err))
		}
		return
	}
	if res.Perp != nil {
		pending.PerpQty = -qty
		a.critical(ctx, fmt.Sprintf("❗ %s: open failed with an uncompensated perp short: %v", pair, openErr))
		if err := state.SaveHedgeState(ctx, a.store, pending); err != nil {
			a.log.Warn("state save failed", zap.String("pair", pair), zap.Error(err))
		}
		return
	}
	a.log.Warn("open failed before any leg filled", zap.String("pair", pair), zap.Error(openErr))
	if err := state.SaveHedgeState(ctx, a.store, strategy.MarkAborted(pending)); err != nil {
		a.log.Warn("state save failed", zap.String("pair", pair), zap.Error(err))
	}
}

func (a *App) scaleIn(ctx context.Context, pair string, hs state.HedgeState, in strategy.EntryInput, topUpUSD float64) float64 {
	limits, err := a.pairLimits(ctx, pair)
	if err != nil {
		a.log.Warn("instrument limits fetch failed", zap.String("pair", pair), zap.Error(err))
		return 0
	}
	qty := exec.HedgeQty(topUpUSD, in.Snapshot.Price, limits.spot, limits.perp)
	if qty <= 0 {
		return 0
	}
	res, err := a.executor.ScaleIn(ctx, pair, qty)
	if err != nil {
		a.metrics.OrdersFailed.Inc()
		if res.Compensated {
			a.metrics.Compensations.Inc()
			a.critical(ctx, fmt.Sprintf("❗ %s: scale-in spot leg failed, extra perp short compensated: %v", pair, err))
		} else {
			a.log.Warn("scale-in failed", zap.String("pair", pair), zap.Error(err))
		}
		return 0
	}
	a.metrics.OrdersPlaced.Inc()
	a.metrics.ScaleIns.Inc()

	updated := strategy.MarkScaledIn(hs, qty, -qty, topUpUSD, in.Now)
	if err := state.SaveHedgeState(ctx, a.store, updated); err != nil {
		a.log.Warn("state save failed", zap.String("pair", pair), zap.Error(err))
	}
	a.logTrade(ctx, state.TradeLogEntry{
		Time:      in.Now,
		Symbol:    pair,
		Action:    state.ActionScaleIn,
		Base:      qty,
		Quote:     topUpUSD,
		Rationale: fmt.Sprintf("funding %.6f, step %d", in.Snapshot.Funding, updated.ScaleInsToday),
	})
	a.log.Info("scaled in", zap.String("pair", pair), zap.Float64("qty", qty), zap.Float64("top_up_usd", topUpUSD))
	a.notify(ctx, fmt.Sprintf("➕ scaled in %s: %.6f base, %.2f USDT", pair, qty, topUpUSD))
	return topUpUSD
}

func (a *App) closePosition(ctx context.Context, pair string, hs state.HedgeState, reason string) {
	closing := strategy.MarkClosing(hs)
	if err := state.SaveHedgeState(ctx, a.store, closing); err != nil {
		a.log.Warn("state save failed", zap.String("pair", pair), zap.Error(err))
		return
	}
	res, err := a.executor.CloseHedge(ctx, pair, closing.SpotQty, closing.PerpQty)
	if err != nil {
		a.metrics.OrdersFailed.Inc()
		// Zero out the legs that did close so a retry only touches the rest.
		if res.Spot != nil {
			closing.SpotQty = 0
		}
		if res.Perp != nil {
			closing.PerpQty = 0
		}
		if saveErr := state.SaveHedgeState(ctx, a.store, closing); saveErr != nil {
			a.log.Warn("state save failed", zap.String("pair", pair), zap.Error(saveErr))
		}
		a.critical(ctx, fmt.Sprintf("❗ %s: close incomplete, will retry: %v", pair, err))
		return
	}
	a.metrics.OrdersPlaced.Inc()
	a.metrics.PositionsClose.Inc()

	closed := strategy.MarkClosed(closing, a.clock.Now(), a.cfg.Strategy.Cooldown)
	if err := state.SaveHedgeState(ctx, a.store, closed); err != nil {
		a.log.Warn("state save failed", zap.String("pair", pair), zap.Error(err))
	}
	a.logTrade(ctx, state.TradeLogEntry{
		Time:      a.clock.Now(),
		Symbol:    pair,
		Action:    state.ActionClosePair,
		Base:      hs.SpotQty,
		Quote:     hs.CommittedUSD,
		Rationale: reason,
	})
	a.log.Info("hedge closed", zap.String("pair", pair), zap.String("reason", reason))
	a.notify(ctx, fmt.Sprintf("📉 closed %s: %s", pair, reason))
}

func (a *App) pairLimits(ctx context.Context, pair string) (pairLimits, error) {
	if cached, ok := a.limits[pair]; ok {
		return cached, nil
	}
	spot, err := a.api.InstrumentLimits(ctx, bybit.CategorySpot, bybit.SpotSymbol(pair))
	if err != nil {
		return pairLimits{}, err
	}
	perp, err := a.api.InstrumentLimits(ctx, bybit.CategoryLinear, bybit.PerpSymbol(pair))
	if err != nil {
		return pairLimits{}, err
	}
	limits := pairLimits{spot: spot, perp: perp}
	a.limits[pair] = limits
	return limits, nil
}

func (a *App) recordSnapshot(now time.Time, hs state.HedgeState, snap market.Snapshot, threshold, equity, free float64) {
	if a.timescale == nil {
		return
	}
	a.timescale.EnqueueSnapshot(timescale.HedgeSnapshot{
		Time:         now.UTC(),
		Symbol:       hs.Symbol,
		Status:       string(hs.Status),
		FundingRate:  snap.Funding,
		Threshold:    threshold,
		Price:        snap.Price,
		Spread:       snap.Spread,
		SpotQty:      hs.SpotQty,
		PerpQty:      hs.PerpQty,
		CommittedUSD: hs.CommittedUSD,
		Equity:       equity,
		FreeUSDT:     free,
	})
}

func (a *App) logTrade(ctx context.Context, entry state.TradeLogEntry) {
	if err := a.store.AppendTrade(ctx, entry); err != nil {
		a.log.Warn("trade log append failed", zap.String("pair", entry.Symbol), zap.Error(err))
	}
	if a.timescale != nil {
		a.timescale.EnqueueTrade(timescale.TradeEvent{
			Time:      entry.Time.UTC(),
			Symbol:    entry.Symbol,
			Action:    string(entry.Action),
			BaseQty:   entry.Base,
			QuoteUSD:  entry.Quote,
			Rationale: entry.Rationale,
		})
	}
}

func (a *App) notify(ctx context.Context, message string) {
	if err := a.alerts.Notify(ctx, message); err != nil {
		a.log.Warn("alert send failed", zap.Error(err))
	}
}

func (a *App) critical(ctx context.Context, message string) {
	if err := a.alerts.Send(ctx, message); err != nil {
		a.log.Warn("critical alert send failed", zap.Error(err))
	}
}
