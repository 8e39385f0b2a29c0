package flow

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"bybit-carry-bot/internal/bybit"
	"bybit-carry-bot/internal/config"
	"bybit-carry-bot/internal/state"

	"go.uber.org/zap"
)

type Exchange interface {
	WalletBalance(ctx context.Context) (bybit.Balance, error)
	UniversalTransfer(ctx context.Context, transferID, asset string, amount float64, toMemberID string) (string, error)
}

type Notifier interface {
	Send(ctx context.Context, message string) error
}

// Exports below this are not worth the transfer round-trip.
const minExportUSDT = 10.0

// Manager sweeps realized profit out of the trading account. It compares
// equity against a persisted baseline and exports a share of anything above
// the threshold, then raises the baseline so profit is only counted once.
type Manager struct {
	cfg    config.FlowConfig
	log    *zap.Logger
	store  state.Store
	ex     Exchange
	alerts Notifier
	nowFn  func() time.Time
}

func New(cfg config.FlowConfig, store state.Store, ex Exchange, alerts Notifier, log *zap.Logger) *Manager {
	return &Manager{cfg: cfg, log: log, store: store, ex: ex, alerts: alerts, nowFn: time.Now}
}

func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.log.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one profit check. The first sweep only establishes the baseline.
func (m *Manager) Sweep(ctx context.Context) error {
	bal, err := m.ex.WalletBalance(ctx)
	if err != nil {
		return fmt.Errorf("wallet balance: %w", err)
	}
	equity := bal.Equity

	base, ok, err := m.loadBase(ctx)
	if err != nil {
		return err
	}
	if !ok {
		base = m.cfg.StartBaseUSDT
		if base <= 0 {
			base = equity
		}
		m.log.Info("baseline initialized", zap.Float64("start_base", base))
		return m.saveBase(ctx, base)
	}

	profit := equity - base
	required := base * m.cfg.PnlThreshold
	if profit < required {
		m.log.Debug("profit below threshold",
			zap.Float64("profit", profit), zap.Float64("required", required))
		return nil
	}
	export := profit * m.cfg.ExportShare
	if free := bal.FreeOf(m.cfg.Asset); export > free {
		export = free
	}
	if export < minExportUSDT {
		m.log.Debug("export below minimum", zap.Float64("export", export))
		return nil
	}

	now := m.nowFn().UTC()
	rec := state.TransferRecord{Time: now, Direction: "export", Amount: export}
	if m.cfg.EnableTransfer {
		transferID := fmt.Sprintf("flow-%s", now.Format("20060102T150405Z"))
		id, err := m.ex.UniversalTransfer(ctx, transferID, m.cfg.Asset, export, m.cfg.SubAccountID)
		if err != nil {
			rec.Status = "failed"
			rec.Info = err.Error()
			if saveErr := m.store.AppendTransfer(ctx, rec); saveErr != nil {
				m.log.Warn("transfer record save failed", zap.Error(saveErr))
			}
			m.alert(ctx, fmt.Sprintf("❗ profit export of %.2f %s failed: %v", export, m.cfg.Asset, err))
			return fmt.Errorf("universal transfer: %w", err)
		}
		rec.Status = "ok"
		rec.Info = id
		m.alert(ctx, fmt.Sprintf("💸 exported %.2f %s profit (transfer %s)", export, m.cfg.Asset, id))
	} else {
		rec.Status = "manual"
		m.alert(ctx, fmt.Sprintf("💸 profit %.2f %s ready: withdraw %.2f manually", profit, m.cfg.Asset, export))
	}
	if err := m.store.AppendTransfer(ctx, rec); err != nil {
		m.log.Warn("transfer record save failed", zap.Error(err))
	}

	// Exported profit leaves the account; the retained share becomes new base.
	newBase := equity - export
	if err := m.saveBase(ctx, newBase); err != nil {
		return err
	}
	m.log.Info("profit swept",
		zap.Float64("profit", profit), zap.Float64("export", export), zap.Float64("new_base", newBase))
	return nil
}

func (m *Manager) loadBase(ctx context.Context) (float64, bool, error) {
	raw, ok, err := m.store.Get(ctx, state.KeyStartBase)
	if err != nil || !ok {
		return 0, false, err
	}
	base, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, nil
	}
	return base, true, nil
}

func (m *Manager) saveBase(ctx context.Context, base float64) error {
	return m.store.Set(ctx, state.KeyStartBase, strconv.FormatFloat(base, 'f', -1, 64))
}

func (m *Manager) alert(ctx context.Context, message string) {
	if m.alerts == nil {
		return
	}
	if err := m.alerts.Send(ctx, message); err != nil {
		m.log.Warn("alert send failed", zap.Error(err))
	}
}
