package bybit

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	CategorySpot   = "spot"
	CategoryLinear = "linear"

	SideBuy  = "Buy"
	SideSell = "Sell"
)

// Balance is the unified-account snapshot: account equity plus per-asset
// total and free amounts. Never cached across cycles.
type Balance struct {
	Equity float64
	Total  map[string]float64
	Free   map[string]float64
}

func (b Balance) FreeOf(asset string) float64 {
	return b.Free[asset]
}

func (b Balance) TotalOf(asset string) float64 {
	return b.Total[asset]
}

type Ticker struct {
	Symbol      string
	Last        float64
	Bid         float64
	Ask         float64
	FundingRate float64
}

type BookTop struct {
	Bid float64
	Ask float64
}

// OrderStatus is the live view of one order: whether it still rests on the
// book and how much base quantity has executed.
type OrderStatus struct {
	Open      bool
	FilledQty float64
}

// Limits carries the per-instrument lot size filters.
type Limits struct {
	MinQty      decimal.Decimal
	QtyStep     decimal.Decimal
	MinNotional decimal.Decimal
}

type OrderRequest struct {
	Category    string
	Symbol      string
	Side        string
	OrderType   string // "Market" or "Limit"
	Qty         float64
	Price       float64
	TimeInForce string
	ReduceOnly  bool
	// MarketUnit forces spot market orders to be sized in base units.
	MarketUnit string
}

type OrderResult struct {
	OrderID string
}

// PerpSymbol maps a spot pair like "BTC/USDT" to its linear perpetual
// instrument id "BTCUSDT".
func PerpSymbol(pair string) string {
	return strings.ReplaceAll(pair, "/", "")
}

// SpotSymbol maps a pair to the spot instrument id (same shape on Bybit).
func SpotSymbol(pair string) string {
	return strings.ReplaceAll(pair, "/", "")
}

func BaseAsset(pair string) string {
	base, _, _ := strings.Cut(pair, "/")
	return base
}

func QuoteAsset(pair string) string {
	_, quote, _ := strings.Cut(pair, "/")
	return quote
}

func f64(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}
