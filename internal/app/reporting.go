package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"bybit-carry-bot/internal/market"
	"bybit-carry-bot/internal/state"
)

const leaderboardSize = 5

func (a *App) reportLocation() *time.Location {
	return time.FixedZone("report", a.cfg.Report.TZOffsetHours*3600)
}

// report emits the daily summary once per local day at the configured hour
// and the funding leaderboard once per daytime hour. Both are routine
// messages and go through the daytime gate.
func (a *App) report(ctx context.Context, now time.Time, day string, equity, startEquity float64,
	snaps map[string]market.Snapshot, states map[string]state.HedgeState) {

	local := now.In(a.reportLocation())
	localDay := local.Format("2006-01-02")

	if local.Hour() >= a.cfg.Report.DailySummaryHour {
		lastDay, _, err := a.store.Get(ctx, state.KeyLastSummaryDay)
		if err == nil && lastDay != localDay {
			a.sendDailySummary(ctx, day, localDay, equity, startEquity, states)
		}
	}

	hourKey := local.Format("2006-01-02T15")
	lastHour, _, err := a.store.Get(ctx, state.KeyLastLeaderboard)
	if err == nil && lastHour != hourKey {
		if a.sendLeaderboard(ctx, snaps) {
			if err := a.store.Set(ctx, state.KeyLastLeaderboard, hourKey); err != nil {
				a.log.Warn("leaderboard marker save failed", zap.Error(err))
			}
		}
	}
}

func (a *App) sendDailySummary(ctx context.Context, day, localDay string, equity, startEquity float64, states map[string]state.HedgeState) {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 daily summary %s\n", localDay)
	fmt.Fprintf(&b, "equity %.2f USDT, day pnl %+.2f\n", equity, equity-startEquity)

	if rec, ok, err := a.store.DailyPnl(ctx, previousDay(day)); err == nil && ok {
		fmt.Fprintf(&b, "previous day pnl %+.2f\n", rec.Pnl)
	}

	open := lo.PickBy(states, func(_ string, hs state.HedgeState) bool {
		return hs.Status == state.StatusHedged
	})
	if len(open) == 0 {
		b.WriteString("no open positions")
	} else {
		fmt.Fprintf(&b, "open positions (%d):", len(open))
		pairs := lo.Keys(open)
		sort.Strings(pairs)
		for _, pair := range pairs {
			hs := open[pair]
			fmt.Fprintf(&b, "\n  %s: %.6f base, %.2f USDT, held since %s",
				pair, hs.SpotQty, hs.CommittedUSD, hs.OpenedAt.UTC().Format("01-02 15:04"))
		}
	}

	if err := a.alerts.Notify(ctx, b.String()); err != nil {
		a.log.Warn("daily summary send failed", zap.Error(err))
		return
	}
	if err := a.store.Set(ctx, state.KeyLastSummaryDay, localDay); err != nil {
		a.log.Warn("summary marker save failed", zap.Error(err))
	}
}

// sendLeaderboard posts the top funding rates of the cycle. Returns false
// when there was nothing worth sending.
func (a *App) sendLeaderboard(ctx context.Context, snaps map[string]market.Snapshot) bool {
	usable := lo.Filter(lo.Values(snaps), func(s market.Snapshot, _ int) bool {
		return s.HasData() && s.Funding != 0
	})
	if len(usable) == 0 {
		return false
	}
	sort.Slice(usable, func(i, j int) bool { return usable[i].Funding > usable[j].Funding })
	if len(usable) > leaderboardSize {
		usable = usable[:leaderboardSize]
	}

	var b strings.Builder
	b.WriteString("🏆 funding leaderboard (8h)")
	for i, s := range usable {
		fmt.Fprintf(&b, "\n%d. %s %.4f%%", i+1, s.Symbol, s.Funding*100)
	}
	if err := a.alerts.Notify(ctx, b.String()); err != nil {
		a.log.Warn("leaderboard send failed", zap.Error(err))
		return false
	}
	return true
}

func previousDay(day string) string {
	t, err := time.Parse("2006-01-02", day)
	if err != nil {
		return ""
	}
	return t.AddDate(0, 0, -1).Format("2006-01-02")
}
