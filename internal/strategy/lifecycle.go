package strategy

import (
	"fmt"
	"time"

	"bybit-carry-bot/internal/config"
	"bybit-carry-bot/internal/market"
	"bybit-carry-bot/internal/state"
)

// EntryDecision is the outcome of one entry evaluation. When Enter is false,
// Reason explains the first gate that blocked the candidate.
type EntryDecision struct {
	Enter     bool
	Snipe     bool
	AllocUSD  float64
	Threshold float64
	Reason    string
}

// ExitDecision carries the exit verdict plus the updated below-threshold
// counter, which the caller must persist even when no exit fires.
type ExitDecision struct {
	Exit        bool
	Reason      string
	BelowCycles int
}

type ScaleInDecision struct {
	Scale    bool
	TopUpUSD float64
	Reason   string
}

// EntryInput bundles the account view needed by one evaluation. FreeUSDT and
// Equity come from a single balance read so entry gates see a consistent
// account.
type EntryInput struct {
	Snapshot  market.Snapshot
	Threshold float64
	Equity    float64
	FreeUSDT  float64
	// CommittedUSD is the running total across symbols already processed
	// this cycle, so sequential entries cannot jointly breach the cap.
	CommittedUSD float64
	BreakerOpen  bool
	Now          time.Time
}

// EvaluateEntry runs the entry gate chain for a CLOSED symbol. Gates are
// ordered cheapest first; the first failure wins.
func EvaluateEntry(cfg *config.Config, sym config.SymbolConfig, hs state.HedgeState, in EntryInput) EntryDecision {
	no := func(format string, args ...any) EntryDecision {
		return EntryDecision{Threshold: in.Threshold, Reason: fmt.Sprintf(format, args...)}
	}
	if hs.Status != state.StatusClosed {
		return no("status %s, not eligible for entry", hs.Status)
	}
	if in.BreakerOpen {
		return no("drawdown breaker open")
	}
	if hs.InCooldown(in.Now) {
		return no("cooldown until %s", hs.CooldownUntil.UTC().Format(time.RFC3339))
	}
	if !in.Snapshot.HasData() {
		return no("no market data")
	}

	snipe := cfg.Snipe.Enabled &&
		InSnipeWindow(in.Now, cfg.Snipe.Window) &&
		in.Snapshot.Funding >= cfg.Snipe.MinRate
	if !snipe && InQuietPeriod(in.Now) {
		return no("inside funding quiet period")
	}

	required := in.Threshold + cfg.Strategy.EntryBuffer
	if snipe {
		required = cfg.Snipe.MinRate
	}
	if in.Snapshot.Funding < required {
		return no("funding %.6f below required %.6f", in.Snapshot.Funding, required)
	}
	if in.Snapshot.Spread > cfg.Strategy.SpreadCeiling {
		return no("spread %.5f above ceiling %.5f", in.Snapshot.Spread, cfg.Strategy.SpreadCeiling)
	}

	alloc := PerPairAllocation(cfg.Risk, sym, in.Equity, in.Snapshot.Funding, in.Threshold)
	if alloc <= 0 {
		return no("zero allocation for equity %.2f", in.Equity)
	}
	if in.FreeUSDT-alloc < cfg.Strategy.MinFreeBalanceUSDT {
		return no("free %.2f insufficient for alloc %.2f plus floor %.2f",
			in.FreeUSDT, alloc, cfg.Strategy.MinFreeBalanceUSDT)
	}
	if err := AuthorizeTotal(cfg.Risk, in.Equity, in.Equity-in.CommittedUSD, alloc); err != nil {
		return no("%v", err)
	}
	return EntryDecision{Enter: true, Snipe: snipe, AllocUSD: alloc, Threshold: in.Threshold}
}

// EvaluateExit checks the exit conditions for a HEDGED symbol. The conditions
// are independent; the first that holds names the exit reason.
func EvaluateExit(cfg *config.Config, hs state.HedgeState, snap market.Snapshot, threshold float64, now time.Time) ExitDecision {
	below := hs.BelowThreshold
	if snap.HasData() {
		if snap.Funding < threshold-cfg.Strategy.HysteresisMargin {
			below++
		} else {
			below = 0
		}
	}

	if snap.HasData() && snap.Funding < cfg.Strategy.ExitNegativeFunding {
		return ExitDecision{Exit: true, BelowCycles: below,
			Reason: fmt.Sprintf("funding %.6f below negative floor %.6f", snap.Funding, cfg.Strategy.ExitNegativeFunding)}
	}
	if cfg.Strategy.ExitAfterBelowCycles > 0 && below >= cfg.Strategy.ExitAfterBelowCycles {
		return ExitDecision{Exit: true, BelowCycles: below,
			Reason: fmt.Sprintf("funding below threshold for %d cycles", below)}
	}
	held := now.Sub(hs.OpenedAt)
	if hs.SnipeEntry {
		// Snipe positions exist to collect one payout; close shortly after it lands.
		payout := NextPayout(hs.OpenedAt)
		if now.After(payout.Add(cfg.Snipe.CloseAfter)) {
			return ExitDecision{Exit: true, BelowCycles: below, Reason: "snipe payout collected"}
		}
	} else if cfg.Strategy.MaxHold > 0 && held >= cfg.Strategy.MaxHold && below > 0 {
		return ExitDecision{Exit: true, BelowCycles: below,
			Reason: fmt.Sprintf("held %s past max hold with funding below threshold", held.Round(time.Minute))}
	}
	if cfg.Strategy.ForceCloseAfter > 0 && held >= cfg.Strategy.ForceCloseAfter {
		return ExitDecision{Exit: true, BelowCycles: below,
			Reason: fmt.Sprintf("held %s, force close", held.Round(time.Minute))}
	}
	return ExitDecision{BelowCycles: below}
}

// EvaluateScaleIn decides whether a HEDGED position may grow toward its
// per-pair allocation. A scale-in demands stronger funding than an entry.
func EvaluateScaleIn(cfg *config.Config, sym config.SymbolConfig, hs state.HedgeState, in EntryInput) ScaleInDecision {
	no := func(format string, args ...any) ScaleInDecision {
		return ScaleInDecision{Reason: fmt.Sprintf(format, args...)}
	}
	if !cfg.ScaleIn.Enabled {
		return no("scale-in disabled")
	}
	if hs.Status != state.StatusHedged {
		return no("status %s, not hedged", hs.Status)
	}
	if in.BreakerOpen {
		return no("drawdown breaker open")
	}
	if !in.Snapshot.HasData() {
		return no("no market data")
	}
	if InQuietPeriod(in.Now) {
		return no("inside funding quiet period")
	}
	day := in.Now.UTC().Format("2006-01-02")
	if hs.ScaleSteps(day) >= cfg.ScaleIn.MaxDailySteps {
		return no("daily scale-in steps exhausted")
	}
	required := in.Threshold + cfg.Strategy.EntryBuffer + cfg.ScaleIn.ExtraBuffer
	if in.Snapshot.Funding < required {
		return no("funding %.6f below scale-in bar %.6f", in.Snapshot.Funding, required)
	}
	if in.Snapshot.Spread > cfg.Strategy.SpreadCeiling {
		return no("spread %.5f above ceiling %.5f", in.Snapshot.Spread, cfg.Strategy.SpreadCeiling)
	}

	target := PerPairAllocation(cfg.Risk, sym, in.Equity, in.Snapshot.Funding, in.Threshold)
	topup := target - hs.CommittedUSD
	if topup < cfg.ScaleIn.MinTopUpUSDT {
		return no("top-up %.2f below minimum %.2f", topup, cfg.ScaleIn.MinTopUpUSDT)
	}
	if avail := in.FreeUSDT - cfg.Strategy.MinFreeBalanceUSDT; topup > avail {
		topup = avail
		if topup < cfg.ScaleIn.MinTopUpUSDT {
			return no("free balance leaves no room above the floor")
		}
	}
	if err := AuthorizePerPair(cfg.Risk, in.Equity, hs.CommittedUSD, topup); err != nil {
		return no("%v", err)
	}
	if err := AuthorizeTotal(cfg.Risk, in.Equity, in.Equity-in.CommittedUSD, topup); err != nil {
		return no("%v", err)
	}
	return ScaleInDecision{Scale: true, TopUpUSD: topup}
}

// MarkOpened transitions a CLOSED record to OPEN_PENDING before any order
// is sent, so a crash mid-open is visible on restart.
func MarkOpened(hs state.HedgeState, now time.Time, snipe bool) state.HedgeState {
	hs.Status = state.StatusOpenPending
	hs.OpenedAt = now
	hs.SnipeEntry = snipe
	hs.BelowThreshold = 0
	return hs
}

// MarkHedged records the filled legs after both sides are confirmed.
func MarkHedged(hs state.HedgeState, spotQty, perpQty, committedUSD float64) state.HedgeState {
	hs.Status = state.StatusHedged
	hs.SpotQty = spotQty
	hs.PerpQty = perpQty
	hs.CommittedUSD = committedUSD
	return hs
}

// MarkScaledIn folds a completed scale-in into the position and bumps the
// daily step counter.
func MarkScaledIn(hs state.HedgeState, spotQty, perpQty, addedUSD float64, now time.Time) state.HedgeState {
	hs.SpotQty += spotQty
	hs.PerpQty += perpQty
	hs.CommittedUSD += addedUSD
	day := now.UTC().Format("2006-01-02")
	hs.ScaleInsToday = hs.ScaleSteps(day) + 1
	hs.ScaleInsDay = day
	return hs
}

// MarkClosing transitions to CLOSE_PENDING before the close legs are sent.
func MarkClosing(hs state.HedgeState) state.HedgeState {
	hs.Status = state.StatusClosePending
	return hs
}

// MarkClosed resets the record and starts the re-entry cooldown.
func MarkClosed(hs state.HedgeState, now time.Time, cooldown time.Duration) state.HedgeState {
	return state.HedgeState{
		Symbol:        hs.Symbol,
		Status:        state.StatusClosed,
		CooldownUntil: now.Add(cooldown),
		ScaleInsToday: hs.ScaleInsToday,
		ScaleInsDay:   hs.ScaleInsDay,
	}
}

// MarkAborted rolls an OPEN_PENDING record back to CLOSED after a failed or
// compensated open. No cooldown; the entry never existed.
func MarkAborted(hs state.HedgeState) state.HedgeState {
	return state.HedgeState{
		Symbol:        hs.Symbol,
		Status:        state.StatusClosed,
		ScaleInsToday: hs.ScaleInsToday,
		ScaleInsDay:   hs.ScaleInsDay,
	}
}
