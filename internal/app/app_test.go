package app

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bybit-carry-bot/internal/bybit"
	"bybit-carry-bot/internal/config"
	"bybit-carry-bot/internal/exec"
	"bybit-carry-bot/internal/market"
	"bybit-carry-bot/internal/metrics"
	"bybit-carry-bot/internal/state"
	"bybit-carry-bot/internal/strategy"
)

type memStore struct {
	mu        sync.Mutex
	kv        map[string]string
	blobs     map[string][]byte
	trades    []state.TradeLogEntry
	pnl       map[string]state.DailyPnlRecord
	transfers []state.TransferRecord
}

func newMemStore() *memStore {
	return &memStore{
		kv:    make(map[string]string),
		blobs: make(map[string][]byte),
		pnl:   make(map[string]state.DailyPnlRecord),
	}
}

func (m *memStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	return v, ok, nil
}

func (m *memStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = value
	return nil
}

func (m *memStore) GetBytes(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.blobs[key]
	return v, ok, nil
}

func (m *memStore) SetBytes(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = append([]byte(nil), value...)
	return nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	delete(m.blobs, key)
	return nil
}

func (m *memStore) AppendTrade(_ context.Context, entry state.TradeLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, entry)
	return nil
}

func (m *memStore) UpsertDailyPnl(_ context.Context, rec state.DailyPnlRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pnl[rec.Day] = rec
	return nil
}

func (m *memStore) DailyPnl(_ context.Context, day string) (state.DailyPnlRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.pnl[day]
	return rec, ok, nil
}

func (m *memStore) AppendTransfer(_ context.Context, rec state.TransferRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers = append(m.transfers, rec)
	return nil
}

func (m *memStore) Close() error { return nil }

type fakeAPI struct {
	equity   float64
	free     float64
	funding  float64
	last     float64
	bid, ask float64
	perpPos  map[string]float64
	balErr   error
}

func (f *fakeAPI) Ticker(_ context.Context, category, symbol string) (bybit.Ticker, error) {
	if category == bybit.CategoryLinear {
		return bybit.Ticker{Symbol: symbol, FundingRate: f.funding}, nil
	}
	return bybit.Ticker{Symbol: symbol, Last: f.last, Bid: f.bid, Ask: f.ask}, nil
}

func (f *fakeAPI) OrderBookTop(_ context.Context, _, _ string) (bybit.BookTop, error) {
	return bybit.BookTop{Bid: f.bid, Ask: f.ask}, nil
}

func (f *fakeAPI) LastFundingRate(_ context.Context, _ string) (float64, error) {
	return f.funding, nil
}

func (f *fakeAPI) WalletBalance(_ context.Context) (bybit.Balance, error) {
	if f.balErr != nil {
		return bybit.Balance{}, f.balErr
	}
	return bybit.Balance{
		Equity: f.equity,
		Total:  map[string]float64{"USDT": f.free},
		Free:   map[string]float64{"USDT": f.free},
	}, nil
}

func (f *fakeAPI) PerpPosition(_ context.Context, symbol string) (float64, error) {
	return f.perpPos[symbol], nil
}

func (f *fakeAPI) SetLeverage(_ context.Context, _ string, _ int) error { return nil }

func (f *fakeAPI) InstrumentLimits(_ context.Context, _, _ string) (bybit.Limits, error) {
	return bybit.Limits{
		MinQty:      decimal.RequireFromString("0.0001"),
		QtyStep:     decimal.RequireFromString("0.0001"),
		MinNotional: decimal.RequireFromString("5"),
	}, nil
}

type execCall struct {
	pair string
	qty  float64
}

type closeCall struct {
	pair    string
	spotQty float64
	perpQty float64
}

type fakeExecutor struct {
	opens    []execCall
	scales   []execCall
	closes   []closeCall
	openRes  exec.Result
	openErr  error
	closeErr error
}

func (f *fakeExecutor) OpenHedge(_ context.Context, pair string, qty float64) (exec.Result, error) {
	f.opens = append(f.opens, execCall{pair: pair, qty: qty})
	if f.openErr != nil {
		return f.openRes, f.openErr
	}
	return exec.Result{
		Spot: &exec.Leg{Symbol: pair, Qty: qty},
		Perp: &exec.Leg{Symbol: pair, Qty: qty},
	}, nil
}

func (f *fakeExecutor) ScaleIn(_ context.Context, pair string, qty float64) (exec.Result, error) {
	f.scales = append(f.scales, execCall{pair: pair, qty: qty})
	if f.openErr != nil {
		return f.openRes, f.openErr
	}
	return exec.Result{
		Spot: &exec.Leg{Symbol: pair, Qty: qty},
		Perp: &exec.Leg{Symbol: pair, Qty: qty},
	}, nil
}

func (f *fakeExecutor) CloseHedge(_ context.Context, pair string, spotQty, perpQty float64) (exec.Result, error) {
	f.closes = append(f.closes, closeCall{pair: pair, spotQty: spotQty, perpQty: perpQty})
	if f.closeErr != nil {
		return exec.Result{}, f.closeErr
	}
	return exec.Result{
		Spot: &exec.Leg{Symbol: pair, Qty: spotQty},
		Perp: &exec.Leg{Symbol: pair, Qty: perpQty},
	}, nil
}

type fakeNotifier struct {
	routine  []string
	critical []string
}

func (f *fakeNotifier) Notify(_ context.Context, message string) error {
	f.routine = append(f.routine, message)
	return nil
}

func (f *fakeNotifier) Send(_ context.Context, message string) error {
	f.critical = append(f.critical, message)
	return nil
}

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

func (c *fixedClock) Sleep(_ context.Context, _ time.Duration) {}

func appConfig() *config.Config {
	return &config.Config{
		Strategy: config.StrategyConfig{
			Symbols:              []config.SymbolConfig{{Pair: "BTC/USDT", Leverage: 1, MaxAllocPct: 0.10}},
			FundingThreshold8h:   0.0003,
			EntryBuffer:          0.00005,
			SpreadCeiling:        0.002,
			MinFreeBalanceUSDT:   50,
			PollInterval:         time.Minute,
			ThresholdLow:         0.0001,
			ThresholdHigh:        0.0006,
			HysteresisMargin:     0.00005,
			ExitAfterBelowCycles: 3,
			ExitNegativeFunding:  -0.00005,
			MaxHold:              24 * time.Hour,
			ForceCloseAfter:      72 * time.Hour,
			Cooldown:             30 * time.Minute,
		},
		Risk: config.RiskConfig{
			MaxAllocPct:        0.10,
			PerPairCapPct:      0.20,
			TotalCapPct:        0.60,
			DailyDrawdownPct:   5,
			MinOrderEquityFrac: 0.25,
			AutoScaleMaxFactor: 2,
		},
		ScaleIn: config.ScaleInConfig{MinTopUpUSDT: 20, MaxDailySteps: 2},
		Snipe:   config.SnipeConfig{Window: 10 * time.Minute, MinRate: 0.001, CloseAfter: 5 * time.Minute},
		Report:  config.ReportConfig{DaytimeStartHour: 9, DaytimeEndHour: 22, DailySummaryHour: 10},
	}
}

func noonUTC() time.Time {
	return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
}

func newTestApp(cfg *config.Config, api *fakeAPI, execu *fakeExecutor, notif *fakeNotifier, store state.Store, now time.Time) *App {
	log := zap.NewNop()
	return &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		api:      api,
		agg:      market.New(api, nil, log),
		executor: execu,
		metrics:  metrics.NewNoop(),
		alerts:   notif,
		breaker:  strategy.NewBreaker(cfg.Risk),
		clock:    &fixedClock{now: now},
		limits:   make(map[string]pairLimits),
	}
}

func defaultAPI() *fakeAPI {
	return &fakeAPI{
		equity:  1000,
		free:    1000,
		funding: 0.0005,
		last:    50000,
		bid:     49990,
		ask:     50010,
		perpPos: make(map[string]float64),
	}
}

func TestCycleOpensHedge(t *testing.T) {
	store := newMemStore()
	api := defaultAPI()
	execu := &fakeExecutor{}
	a := newTestApp(appConfig(), api, execu, &fakeNotifier{}, store, noonUTC())

	if err := a.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(execu.opens) != 1 {
		t.Fatalf("opens = %d, want 1", len(execu.opens))
	}
	open := execu.opens[0]
	if open.pair != "BTC/USDT" {
		t.Fatalf("opened pair %s", open.pair)
	}
	// 100 USDT at 50000 is 0.002 base
	if math.Abs(open.qty-0.002) > 1e-12 {
		t.Fatalf("open qty = %v, want 0.002", open.qty)
	}

	hs, err := state.LoadHedgeState(context.Background(), store, "BTC/USDT")
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if hs.Status != state.StatusHedged {
		t.Fatalf("status = %s, want HEDGED", hs.Status)
	}
	if hs.SpotQty <= 0 || math.Abs(hs.PerpQty) < 0.95*hs.SpotQty {
		t.Fatalf("hedge ratio violated: spot %v perp %v", hs.SpotQty, hs.PerpQty)
	}
	if len(store.trades) != 1 || store.trades[0].Action != state.ActionOpenPair {
		t.Fatalf("trade log = %+v", store.trades)
	}
}

func TestCycleSkipsWeakFunding(t *testing.T) {
	store := newMemStore()
	api := defaultAPI()
	api.funding = 0.0002
	execu := &fakeExecutor{}
	a := newTestApp(appConfig(), api, execu, &fakeNotifier{}, store, noonUTC())

	if err := a.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(execu.opens) != 0 {
		t.Fatalf("entry should be skipped on weak funding")
	}
}

func TestCycleNoReentryWhileHedged(t *testing.T) {
	store := newMemStore()
	api := defaultAPI()
	execu := &fakeExecutor{}
	a := newTestApp(appConfig(), api, execu, &fakeNotifier{}, store, noonUTC())

	if err := a.cycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if err := a.cycle(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if len(execu.opens) != 1 {
		t.Fatalf("opens = %d, hedged symbol must not re-enter", len(execu.opens))
	}
}

func TestCycleBreakerBlocksEntries(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	day := noonUTC().UTC().Format("2006-01-02")
	_ = store.Set(ctx, state.KeyLastDay, day)
	_ = store.Set(ctx, state.KeyDayStartEquity, "1000")

	api := defaultAPI()
	api.equity = 940 // 6% drawdown
	api.free = 940
	execu := &fakeExecutor{}
	notif := &fakeNotifier{}
	a := newTestApp(appConfig(), api, execu, notif, store, noonUTC())

	if err := a.cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(execu.opens) != 0 {
		t.Fatalf("breaker must block entries")
	}
	if a.pausedUntil.IsZero() {
		t.Fatalf("breaker pause not recorded")
	}
	found := false
	for _, msg := range notif.critical {
		if strings.HasPrefix(msg, "⛔") {
			found = true
		}
	}
	if !found {
		t.Fatalf("breaker trip must alert, got %v", notif.critical)
	}
}

func TestCycleClosesOnNegativeFunding(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	now := noonUTC()
	seed := state.HedgeState{
		Symbol:       "BTC/USDT",
		Status:       state.StatusHedged,
		SpotQty:      0.002,
		PerpQty:      -0.002,
		CommittedUSD: 100,
		OpenedAt:     now.Add(-2 * time.Hour),
	}
	if err := state.SaveHedgeState(ctx, store, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	api := defaultAPI()
	api.funding = -0.0001
	execu := &fakeExecutor{}
	a := newTestApp(appConfig(), api, execu, &fakeNotifier{}, store, now)

	if err := a.cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(execu.closes) != 1 {
		t.Fatalf("closes = %d, want 1", len(execu.closes))
	}
	cl := execu.closes[0]
	if cl.spotQty != 0.002 || cl.perpQty != -0.002 {
		t.Fatalf("close call = %+v", cl)
	}
	hs, _ := state.LoadHedgeState(ctx, store, "BTC/USDT")
	if hs.Status != state.StatusClosed {
		t.Fatalf("status = %s, want CLOSED", hs.Status)
	}
	if !hs.InCooldown(now.Add(29 * time.Minute)) {
		t.Fatalf("cooldown not started")
	}
	if len(store.trades) != 1 || store.trades[0].Action != state.ActionClosePair {
		t.Fatalf("trade log = %+v", store.trades)
	}
}

func TestCycleCompensatedOpenRollsBack(t *testing.T) {
	store := newMemStore()
	api := defaultAPI()
	execu := &fakeExecutor{
		openErr: errors.New("spot rejected"),
		openRes: exec.Result{Perp: &exec.Leg{Qty: 0.002}, Compensated: true},
	}
	notif := &fakeNotifier{}
	a := newTestApp(appConfig(), api, execu, notif, store, noonUTC())

	if err := a.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	hs, _ := state.LoadHedgeState(context.Background(), store, "BTC/USDT")
	if hs.Status != state.StatusClosed {
		t.Fatalf("status = %s, want CLOSED after compensation", hs.Status)
	}
	found := false
	for _, msg := range notif.critical {
		if strings.HasPrefix(msg, "❗") {
			found = true
		}
	}
	if !found {
		t.Fatalf("compensation must alert, got %v", notif.critical)
	}
	if len(store.trades) != 0 {
		t.Fatalf("aborted open must not log a trade")
	}
}

func TestCycleUncompensatedOpenStaysPending(t *testing.T) {
	store := newMemStore()
	api := defaultAPI()
	execu := &fakeExecutor{
		openErr: errors.Join(errors.New("spot rejected"), errors.New("compensation failed")),
		openRes: exec.Result{Perp: &exec.Leg{Qty: 0.002}},
	}
	a := newTestApp(appConfig(), api, execu, &fakeNotifier{}, store, noonUTC())

	if err := a.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	hs, _ := state.LoadHedgeState(context.Background(), store, "BTC/USDT")
	if hs.Status != state.StatusOpenPending {
		t.Fatalf("status = %s, want OPEN_PENDING for restart reconciliation", hs.Status)
	}
	if hs.PerpQty >= 0 {
		t.Fatalf("pending record must carry the naked short, got %v", hs.PerpQty)
	}
}

func TestCycleFailedCloseRetainsRemainingLegs(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	now := noonUTC()
	seed := state.HedgeState{
		Symbol:       "BTC/USDT",
		Status:       state.StatusHedged,
		SpotQty:      0.002,
		PerpQty:      -0.002,
		CommittedUSD: 100,
		OpenedAt:     now.Add(-2 * time.Hour),
	}
	if err := state.SaveHedgeState(ctx, store, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	api := defaultAPI()
	api.funding = -0.0001
	execu := &fakeExecutor{closeErr: errors.New("perp close rejected")}
	a := newTestApp(appConfig(), api, execu, &fakeNotifier{}, store, now)

	if err := a.cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	hs, _ := state.LoadHedgeState(ctx, store, "BTC/USDT")
	if hs.Status != state.StatusClosePending {
		t.Fatalf("status = %s, want CLOSE_PENDING after failed close", hs.Status)
	}
}

func TestCycleRetriesIncompleteClose(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	now := noonUTC()
	seed := state.HedgeState{
		Symbol:       "BTC/USDT",
		Status:       state.StatusHedged,
		SpotQty:      0.002,
		PerpQty:      -0.002,
		CommittedUSD: 100,
		OpenedAt:     now.Add(-2 * time.Hour),
	}
	if err := state.SaveHedgeState(ctx, store, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	api := defaultAPI()
	api.funding = -0.0001
	execu := &fakeExecutor{closeErr: errors.New("perp close rejected")}
	a := newTestApp(appConfig(), api, execu, &fakeNotifier{}, store, now)

	if err := a.cycle(ctx); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	hs, _ := state.LoadHedgeState(ctx, store, "BTC/USDT")
	if hs.Status != state.StatusClosePending {
		t.Fatalf("status = %s, want CLOSE_PENDING after failed close", hs.Status)
	}

	execu.closeErr = nil
	if err := a.cycle(ctx); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if len(execu.closes) != 2 {
		t.Fatalf("close attempts = %d, want a retry on the next cycle", len(execu.closes))
	}
	retry := execu.closes[1]
	if retry.spotQty != 0.002 || retry.perpQty != -0.002 {
		t.Fatalf("retry close = %+v, want the retained legs", retry)
	}
	hs, _ = state.LoadHedgeState(ctx, store, "BTC/USDT")
	if hs.Status != state.StatusClosed {
		t.Fatalf("status = %s, want CLOSED after the retry", hs.Status)
	}
	if !hs.CooldownUntil.After(now) {
		t.Fatalf("cooldown not set after retried close")
	}
}

func TestRunSendsStartupBanner(t *testing.T) {
	store := newMemStore()
	notif := &fakeNotifier{}
	a := newTestApp(appConfig(), defaultAPI(), &fakeExecutor{}, notif, store, noonUTC())

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // one pass through Run: reconcile, banner, exit on the done context
	_ = a.Run(ctx)

	if len(notif.critical) != 1 || !strings.Contains(notif.critical[0], "🚀") {
		t.Fatalf("startup banner = %v", notif.critical)
	}
}

func TestCycleDayRollover(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	api := defaultAPI()
	a := newTestApp(appConfig(), api, &fakeExecutor{}, &fakeNotifier{}, store, noonUTC())

	if err := a.cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	day := noonUTC().UTC().Format("2006-01-02")
	gotDay, _, _ := store.Get(ctx, state.KeyLastDay)
	if gotDay != day {
		t.Fatalf("last day = %q, want %q", gotDay, day)
	}
	raw, _, _ := store.Get(ctx, state.KeyDayStartEquity)
	start, _ := strconv.ParseFloat(raw, 64)
	if start != 1000 {
		t.Fatalf("day start equity = %v, want 1000", start)
	}
	rec, ok, _ := store.DailyPnl(ctx, day)
	if !ok || rec.StartEquity != 1000 {
		t.Fatalf("daily pnl = %+v ok=%v", rec, ok)
	}
}

func TestReconcileResetsStaleHedge(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	seed := state.HedgeState{
		Symbol:  "BTC/USDT",
		Status:  state.StatusHedged,
		SpotQty: 0.002,
		PerpQty: -0.002,
	}
	if err := state.SaveHedgeState(ctx, store, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	api := defaultAPI() // exchange reports no position
	a := newTestApp(appConfig(), api, &fakeExecutor{}, &fakeNotifier{}, store, noonUTC())

	if err := a.reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	hs, _ := state.LoadHedgeState(ctx, store, "BTC/USDT")
	if hs.Status != state.StatusClosed {
		t.Fatalf("status = %s, want CLOSED", hs.Status)
	}
}

func TestReconcileCompensatesInterruptedOpen(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	seed := state.HedgeState{Symbol: "BTC/USDT", Status: state.StatusOpenPending}
	if err := state.SaveHedgeState(ctx, store, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	api := defaultAPI()
	api.perpPos["BTCUSDT"] = -0.002
	execu := &fakeExecutor{}
	a := newTestApp(appConfig(), api, execu, &fakeNotifier{}, store, noonUTC())

	if err := a.reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(execu.closes) != 1 || execu.closes[0].perpQty != -0.002 {
		t.Fatalf("closes = %+v, want the naked short bought back", execu.closes)
	}
	hs, _ := state.LoadHedgeState(ctx, store, "BTC/USDT")
	if hs.Status != state.StatusClosed {
		t.Fatalf("status = %s, want CLOSED", hs.Status)
	}
}

func TestReconcileAlertsOnUntrackedPosition(t *testing.T) {
	store := newMemStore()
	api := defaultAPI()
	api.perpPos["BTCUSDT"] = -0.01
	notif := &fakeNotifier{}
	a := newTestApp(appConfig(), api, &fakeExecutor{}, notif, store, noonUTC())

	if err := a.reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(notif.critical) == 0 {
		t.Fatalf("untracked exchange position must alert")
	}
}

func TestBackoffFor(t *testing.T) {
	if d := backoffFor(bybit.ErrRateLimited); d != 1200*time.Millisecond {
		t.Fatalf("rate limit backoff = %v", d)
	}
	if d := backoffFor(bybit.ErrNetwork); d != 2*time.Second {
		t.Fatalf("network backoff = %v", d)
	}
	if d := backoffFor(&bybit.APIError{Code: 110007, Message: "insufficient balance"}); d != 3*time.Second {
		t.Fatalf("rejection backoff = %v", d)
	}
	if d := backoffFor(errors.New("boom")); d != 5*time.Second {
		t.Fatalf("unexpected backoff = %v", d)
	}
}
