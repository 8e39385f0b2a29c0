package strategy

import (
	"math"
	"strings"
	"testing"
	"time"

	"bybit-carry-bot/internal/config"
	"bybit-carry-bot/internal/market"
	"bybit-carry-bot/internal/state"
)

func testConfig() *config.Config {
	return &config.Config{
		Strategy: config.StrategyConfig{
			FundingThreshold8h:   0.0003,
			EntryBuffer:          0.00005,
			SpreadCeiling:        0.002,
			MinFreeBalanceUSDT:   50,
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
		ScaleIn: config.ScaleInConfig{Enabled: true, MinTopUpUSDT: 20, MaxDailySteps: 2, ExtraBuffer: 0.0001},
		Snipe:   config.SnipeConfig{Window: 10 * time.Minute, MinRate: 0.001, CloseAfter: 5 * time.Minute},
	}
}

func testSymbol() config.SymbolConfig {
	return config.SymbolConfig{Pair: "BTC/USDT", Leverage: 1, MaxAllocPct: 0.10}
}

func snapAt(now time.Time, funding, spread float64) market.Snapshot {
	return market.Snapshot{Symbol: "BTC/USDT", Price: 50000, Spread: spread, Funding: funding, At: now}
}

func entryInput(now time.Time, funding float64) EntryInput {
	return EntryInput{
		Snapshot:  snapAt(now, funding, 0.0005),
		Threshold: 0.0003,
		Equity:    1000,
		FreeUSDT:  1000,
		Now:       now,
	}
}

func closedState() state.HedgeState {
	return state.HedgeState{Symbol: "BTC/USDT", Status: state.StatusClosed}
}

func TestEvaluateEntryOpens(t *testing.T) {
	cfg := testConfig()
	d := EvaluateEntry(cfg, testSymbol(), closedState(), entryInput(at(12, 0), 0.0005))
	if !d.Enter {
		t.Fatalf("entry blocked: %s", d.Reason)
	}
	if d.Snipe {
		t.Fatalf("regular entry flagged as snipe")
	}
	if math.Abs(d.AllocUSD-100) > 1e-9 {
		t.Fatalf("alloc = %v, want 100", d.AllocUSD)
	}
}

func TestEvaluateEntryFundingTooLow(t *testing.T) {
	cfg := testConfig()
	// requirement is threshold + buffer = 0.00035
	d := EvaluateEntry(cfg, testSymbol(), closedState(), entryInput(at(12, 0), 0.0003))
	if d.Enter {
		t.Fatalf("entry should be blocked on funding below the buffered threshold")
	}
	if !strings.Contains(d.Reason, "funding") {
		t.Fatalf("reason = %q", d.Reason)
	}
}

func TestEvaluateEntrySpreadCeiling(t *testing.T) {
	cfg := testConfig()
	in := entryInput(at(12, 0), 0.0005)
	in.Snapshot.Spread = 0.003
	if d := EvaluateEntry(cfg, testSymbol(), closedState(), in); d.Enter {
		t.Fatalf("entry should be blocked on spread")
	}
}

func TestEvaluateEntryCooldown(t *testing.T) {
	cfg := testConfig()
	hs := closedState()
	hs.CooldownUntil = at(12, 10)
	if d := EvaluateEntry(cfg, testSymbol(), hs, entryInput(at(12, 0), 0.0005)); d.Enter {
		t.Fatalf("entry should be blocked during cooldown")
	}
}

func TestEvaluateEntryBreaker(t *testing.T) {
	cfg := testConfig()
	in := entryInput(at(12, 0), 0.0005)
	in.BreakerOpen = true
	if d := EvaluateEntry(cfg, testSymbol(), closedState(), in); d.Enter {
		t.Fatalf("entry should be blocked while the breaker is open")
	}
}

func TestEvaluateEntryQuietPeriod(t *testing.T) {
	cfg := testConfig()
	if d := EvaluateEntry(cfg, testSymbol(), closedState(), entryInput(at(7, 58), 0.0005)); d.Enter {
		t.Fatalf("entry should be blocked in the quiet period")
	}
}

func TestEvaluateEntryFreeBalanceFloor(t *testing.T) {
	cfg := testConfig()
	in := entryInput(at(12, 0), 0.0005)
	in.FreeUSDT = 120 // alloc 100 would leave 20, below the 50 floor
	if d := EvaluateEntry(cfg, testSymbol(), closedState(), in); d.Enter {
		t.Fatalf("entry should preserve the free balance floor")
	}
}

func TestEvaluateEntryTotalCap(t *testing.T) {
	cfg := testConfig()
	in := entryInput(at(12, 0), 0.0005)
	in.CommittedUSD = 550
	in.FreeUSDT = 450
	d := EvaluateEntry(cfg, testSymbol(), closedState(), in)
	if d.Enter {
		t.Fatalf("entry should be blocked at the total cap")
	}
	if !strings.Contains(d.Reason, "cap") {
		t.Fatalf("reason = %q", d.Reason)
	}
}

func TestEvaluateEntryNotClosed(t *testing.T) {
	cfg := testConfig()
	hs := closedState()
	hs.Status = state.StatusHedged
	if d := EvaluateEntry(cfg, testSymbol(), hs, entryInput(at(12, 0), 0.0005)); d.Enter {
		t.Fatalf("hedged symbol must not re-enter")
	}
}

func TestEvaluateEntrySnipeOverridesQuietPeriod(t *testing.T) {
	cfg := testConfig()
	cfg.Snipe.Enabled = true
	d := EvaluateEntry(cfg, testSymbol(), closedState(), entryInput(at(7, 57), 0.0012))
	if !d.Enter {
		t.Fatalf("snipe entry blocked: %s", d.Reason)
	}
	if !d.Snipe {
		t.Fatalf("entry should be flagged as snipe")
	}
}

func TestEvaluateEntrySnipeNeedsMinRate(t *testing.T) {
	cfg := testConfig()
	cfg.Snipe.Enabled = true
	// below snipe.min_rate the quiet period applies as usual
	if d := EvaluateEntry(cfg, testSymbol(), closedState(), entryInput(at(7, 57), 0.0005)); d.Enter {
		t.Fatalf("sub-rate entry inside the quiet period should be blocked")
	}
}

func hedgedState(openedAt time.Time) state.HedgeState {
	return state.HedgeState{
		Symbol:       "BTC/USDT",
		Status:       state.StatusHedged,
		SpotQty:      0.002,
		PerpQty:      -0.002,
		CommittedUSD: 100,
		OpenedAt:     openedAt,
	}
}

func TestEvaluateExitNegativeFunding(t *testing.T) {
	cfg := testConfig()
	now := at(12, 0)
	d := EvaluateExit(cfg, hedgedState(now.Add(-2*time.Hour)), snapAt(now, -0.0001, 0.0005), 0.0003, now)
	if !d.Exit {
		t.Fatalf("negative funding should exit")
	}
	if !strings.Contains(d.Reason, "negative") {
		t.Fatalf("reason = %q", d.Reason)
	}
}

func TestEvaluateExitBelowCycles(t *testing.T) {
	cfg := testConfig()
	now := at(12, 0)
	hs := hedgedState(now.Add(-2 * time.Hour))
	hs.BelowThreshold = 2
	d := EvaluateExit(cfg, hs, snapAt(now, 0.0002, 0.0005), 0.0003, now)
	if !d.Exit {
		t.Fatalf("third consecutive cycle below threshold should exit")
	}
	if d.BelowCycles != 3 {
		t.Fatalf("below cycles = %d, want 3", d.BelowCycles)
	}
}

func TestEvaluateExitCounterResets(t *testing.T) {
	cfg := testConfig()
	now := at(12, 0)
	hs := hedgedState(now.Add(-2 * time.Hour))
	hs.BelowThreshold = 2
	d := EvaluateExit(cfg, hs, snapAt(now, 0.0004, 0.0005), 0.0003, now)
	if d.Exit {
		t.Fatalf("healthy funding should not exit: %s", d.Reason)
	}
	if d.BelowCycles != 0 {
		t.Fatalf("below cycles = %d, want reset to 0", d.BelowCycles)
	}
}

func TestEvaluateExitHysteresis(t *testing.T) {
	cfg := testConfig()
	now := at(12, 0)
	// inside the hysteresis band: below threshold but above threshold-margin
	d := EvaluateExit(cfg, hedgedState(now.Add(-2*time.Hour)), snapAt(now, 0.00028, 0.0005), 0.0003, now)
	if d.BelowCycles != 0 {
		t.Fatalf("band funding counted as below, cycles = %d", d.BelowCycles)
	}
}

func TestEvaluateExitMaxHold(t *testing.T) {
	cfg := testConfig()
	now := at(12, 0)
	d := EvaluateExit(cfg, hedgedState(now.Add(-25*time.Hour)), snapAt(now, 0.0002, 0.0005), 0.0003, now)
	if !d.Exit {
		t.Fatalf("stale position with weak funding should exit")
	}

	// strong funding keeps the position past max hold
	d = EvaluateExit(cfg, hedgedState(now.Add(-25*time.Hour)), snapAt(now, 0.0005, 0.0005), 0.0003, now)
	if d.Exit {
		t.Fatalf("strong funding should override max hold: %s", d.Reason)
	}
}

func TestEvaluateExitForceClose(t *testing.T) {
	cfg := testConfig()
	now := at(12, 0)
	d := EvaluateExit(cfg, hedgedState(now.Add(-73*time.Hour)), snapAt(now, 0.0005, 0.0005), 0.0003, now)
	if !d.Exit {
		t.Fatalf("force close horizon should exit regardless of funding")
	}
}

func TestEvaluateExitSnipeAfterPayout(t *testing.T) {
	cfg := testConfig()
	hs := hedgedState(at(7, 55))
	hs.SnipeEntry = true

	d := EvaluateExit(cfg, hs, snapAt(at(8, 3), 0.0012, 0.0005), 0.0003, at(8, 3))
	if d.Exit {
		t.Fatalf("snipe should wait out the grace period: %s", d.Reason)
	}
	d = EvaluateExit(cfg, hs, snapAt(at(8, 7), 0.0012, 0.0005), 0.0003, at(8, 7))
	if !d.Exit {
		t.Fatalf("snipe should close once the payout is collected")
	}
}

func TestEvaluateExitNoData(t *testing.T) {
	cfg := testConfig()
	now := at(12, 0)
	hs := hedgedState(now.Add(-2 * time.Hour))
	hs.BelowThreshold = 1
	d := EvaluateExit(cfg, hs, market.Snapshot{Symbol: "BTC/USDT"}, 0.0003, now)
	if d.Exit {
		t.Fatalf("missing data should not exit: %s", d.Reason)
	}
	if d.BelowCycles != 1 {
		t.Fatalf("missing data must not touch the counter, got %d", d.BelowCycles)
	}
}

func TestEvaluateScaleIn(t *testing.T) {
	cfg := testConfig()
	now := at(12, 0)
	hs := hedgedState(now.Add(-2 * time.Hour))
	in := EntryInput{
		Snapshot:     snapAt(now, 0.0005, 0.0005),
		Threshold:    0.0003,
		Equity:       2000,
		FreeUSDT:     1000,
		CommittedUSD: 100,
		Now:          now,
	}
	d := EvaluateScaleIn(cfg, testSymbol(), hs, in)
	if !d.Scale {
		t.Fatalf("scale-in blocked: %s", d.Reason)
	}
	if math.Abs(d.TopUpUSD-100) > 1e-9 {
		t.Fatalf("top-up = %v, want 100", d.TopUpUSD)
	}
}

func TestEvaluateScaleInDailyStepsExhausted(t *testing.T) {
	cfg := testConfig()
	now := at(12, 0)
	hs := hedgedState(now.Add(-2 * time.Hour))
	hs.ScaleInsToday = 2
	hs.ScaleInsDay = now.UTC().Format("2006-01-02")
	in := EntryInput{Snapshot: snapAt(now, 0.0005, 0.0005), Threshold: 0.0003, Equity: 2000, FreeUSDT: 1000, Now: now}
	if d := EvaluateScaleIn(cfg, testSymbol(), hs, in); d.Scale {
		t.Fatalf("daily step cap ignored")
	}
}

func TestEvaluateScaleInStepsResetNextDay(t *testing.T) {
	cfg := testConfig()
	now := at(12, 0)
	hs := hedgedState(now.Add(-26 * time.Hour))
	hs.ScaleInsToday = 2
	hs.ScaleInsDay = "2025-03-09"
	in := EntryInput{Snapshot: snapAt(now, 0.0005, 0.0005), Threshold: 0.0003, Equity: 2000, FreeUSDT: 1000, Now: now}
	if d := EvaluateScaleIn(cfg, testSymbol(), hs, in); !d.Scale {
		t.Fatalf("steps from a previous day should not count: %s", d.Reason)
	}
}

func TestEvaluateScaleInNeedsExtraBuffer(t *testing.T) {
	cfg := testConfig()
	now := at(12, 0)
	hs := hedgedState(now.Add(-2 * time.Hour))
	// above the entry bar 0.00035 but below the scale-in bar 0.00045
	in := EntryInput{Snapshot: snapAt(now, 0.0004, 0.0005), Threshold: 0.0003, Equity: 2000, FreeUSDT: 1000, Now: now}
	if d := EvaluateScaleIn(cfg, testSymbol(), hs, in); d.Scale {
		t.Fatalf("scale-in bar ignored")
	}
}

func TestEvaluateScaleInTopUpBelowMinimum(t *testing.T) {
	cfg := testConfig()
	now := at(12, 0)
	hs := hedgedState(now.Add(-2 * time.Hour))
	hs.CommittedUSD = 190 // target 200, top-up 10 below the 20 minimum
	in := EntryInput{Snapshot: snapAt(now, 0.0005, 0.0005), Threshold: 0.0003, Equity: 2000, FreeUSDT: 1000, Now: now}
	if d := EvaluateScaleIn(cfg, testSymbol(), hs, in); d.Scale {
		t.Fatalf("tiny top-up should be skipped")
	}
}

func TestEvaluateScaleInClampedByFreeBalance(t *testing.T) {
	cfg := testConfig()
	now := at(12, 0)
	hs := hedgedState(now.Add(-2 * time.Hour))
	in := EntryInput{Snapshot: snapAt(now, 0.0005, 0.0005), Threshold: 0.0003, Equity: 2000, FreeUSDT: 130, Now: now}
	d := EvaluateScaleIn(cfg, testSymbol(), hs, in)
	if !d.Scale {
		t.Fatalf("scale-in blocked: %s", d.Reason)
	}
	if math.Abs(d.TopUpUSD-80) > 1e-9 {
		t.Fatalf("top-up = %v, want 80 (free minus floor)", d.TopUpUSD)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	now := at(12, 0)
	hs := closedState()

	hs = MarkOpened(hs, now, false)
	if hs.Status != state.StatusOpenPending || !hs.OpenedAt.Equal(now) {
		t.Fatalf("after MarkOpened: %+v", hs)
	}

	hs = MarkHedged(hs, 0.002, -0.002, 100)
	if hs.Status != state.StatusHedged || hs.SpotQty != 0.002 || hs.PerpQty != -0.002 {
		t.Fatalf("after MarkHedged: %+v", hs)
	}

	hs = MarkScaledIn(hs, 0.001, -0.001, 50, now)
	if hs.CommittedUSD != 150 || hs.ScaleInsToday != 1 {
		t.Fatalf("after MarkScaledIn: %+v", hs)
	}

	hs = MarkClosing(hs)
	if hs.Status != state.StatusClosePending {
		t.Fatalf("after MarkClosing: %+v", hs)
	}

	hs = MarkClosed(hs, now, 30*time.Minute)
	if hs.Status != state.StatusClosed || hs.SpotQty != 0 || hs.PerpQty != 0 {
		t.Fatalf("after MarkClosed: %+v", hs)
	}
	if !hs.InCooldown(now.Add(29 * time.Minute)) {
		t.Fatalf("cooldown should still hold at 29m")
	}
	if hs.InCooldown(now.Add(31 * time.Minute)) {
		t.Fatalf("cooldown should expire after 30m")
	}
}

func TestMarkAborted(t *testing.T) {
	now := at(12, 0)
	hs := MarkOpened(closedState(), now, false)
	hs = MarkAborted(hs)
	if hs.Status != state.StatusClosed {
		t.Fatalf("after MarkAborted: %+v", hs)
	}
	if hs.InCooldown(now.Add(time.Minute)) {
		t.Fatalf("aborted open must not start a cooldown")
	}
}
