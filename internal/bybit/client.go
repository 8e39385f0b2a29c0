package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"bybit-carry-bot/internal/config"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

type Client struct {
	http       *resty.Client
	key        string
	secret     string
	recvWindow string
	log        *zap.Logger
}

func New(cfg config.ExchangeConfig, key, secret string, log *zap.Logger) *Client {
	httpc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	return &Client{
		http:       httpc,
		key:        key,
		secret:     secret,
		recvWindow: strconv.FormatInt(cfg.RecvWindow.Milliseconds(), 10),
		log:        log,
	}
}

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (c *Client) get(ctx context.Context, path string, params map[string]string, signed bool, out any) error {
	req := c.http.R().SetContext(ctx)
	query := encodeQuery(params)
	req.SetQueryString(query)
	if signed {
		c.sign(req, query)
	}
	resp, err := req.Get(path)
	return c.finish(resp, err, out)
}

func (c *Client) post(ctx context.Context, path string, body map[string]any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req := c.http.R().SetContext(ctx).SetBody(payload)
	c.sign(req, string(payload))
	resp, err := req.Post(path)
	return c.finish(resp, err, out)
}

// sign sets the v5 HMAC headers: sha256(timestamp + key + recvWindow + payload).
func (c *Client) sign(req *resty.Request, payload string) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write([]byte(ts + c.key + c.recvWindow + payload))
	req.SetHeader("X-BAPI-API-KEY", c.key)
	req.SetHeader("X-BAPI-TIMESTAMP", ts)
	req.SetHeader("X-BAPI-RECV-WINDOW", c.recvWindow)
	req.SetHeader("X-BAPI-SIGN", hex.EncodeToString(mac.Sum(nil)))
}

func (c *Client) finish(resp *resty.Response, err error, out any) error {
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("bybit: http %d: %s", resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
	}
	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return err
	}
	if err := classifyRetCode(env.RetCode, env.RetMsg); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Result, out)
}

func encodeQuery(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(params[k]))
	}
	return sb.String()
}

func (c *Client) WalletBalance(ctx context.Context) (Balance, error) {
	var result struct {
		List []struct {
			TotalEquity string `json:"totalEquity"`
			Coin        []struct {
				Coin                string `json:"coin"`
				WalletBalance       string `json:"walletBalance"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	}
	err := c.get(ctx, "/v5/account/wallet-balance", map[string]string{"accountType": "UNIFIED"}, true, &result)
	if err != nil {
		return Balance{}, err
	}
	bal := Balance{Total: map[string]float64{}, Free: map[string]float64{}}
	if len(result.List) == 0 {
		return bal, nil
	}
	acct := result.List[0]
	bal.Equity = f64(acct.TotalEquity)
	for _, coin := range acct.Coin {
		bal.Total[coin.Coin] = f64(coin.WalletBalance)
		free := f64(coin.AvailableToWithdraw)
		if free == 0 {
			free = f64(coin.WalletBalance)
		}
		bal.Free[coin.Coin] = free
	}
	return bal, nil
}

func (c *Client) Ticker(ctx context.Context, category, symbol string) (Ticker, error) {
	var result struct {
		List []struct {
			Symbol      string `json:"symbol"`
			LastPrice   string `json:"lastPrice"`
			Bid1Price   string `json:"bid1Price"`
			Ask1Price   string `json:"ask1Price"`
			FundingRate string `json:"fundingRate"`
		} `json:"list"`
	}
	err := c.get(ctx, "/v5/market/tickers", map[string]string{"category": category, "symbol": symbol}, false, &result)
	if err != nil {
		return Ticker{}, err
	}
	if len(result.List) == 0 {
		return Ticker{}, fmt.Errorf("bybit: no ticker for %s/%s", category, symbol)
	}
	entry := result.List[0]
	return Ticker{
		Symbol:      entry.Symbol,
		Last:        f64(entry.LastPrice),
		Bid:         f64(entry.Bid1Price),
		Ask:         f64(entry.Ask1Price),
		FundingRate: f64(entry.FundingRate),
	}, nil
}

func (c *Client) OrderBookTop(ctx context.Context, category, symbol string) (BookTop, error) {
	var result struct {
		Bids [][]string `json:"b"`
		Asks [][]string `json:"a"`
	}
	params := map[string]string{"category": category, "symbol": symbol, "limit": "1"}
	if err := c.get(ctx, "/v5/market/orderbook", params, false, &result); err != nil {
		return BookTop{}, err
	}
	var top BookTop
	if len(result.Bids) > 0 && len(result.Bids[0]) > 0 {
		top.Bid = f64(result.Bids[0][0])
	}
	if len(result.Asks) > 0 && len(result.Asks[0]) > 0 {
		top.Ask = f64(result.Asks[0][0])
	}
	return top, nil
}

// LastFundingRate reads the most recent settled rate from funding history.
// Used as the fallback when the ticker's funding field is absent or zero.
func (c *Client) LastFundingRate(ctx context.Context, symbol string) (float64, error) {
	var result struct {
		List []struct {
			FundingRate string `json:"fundingRate"`
		} `json:"list"`
	}
	params := map[string]string{"category": CategoryLinear, "symbol": symbol, "limit": "1"}
	if err := c.get(ctx, "/v5/market/funding/history", params, false, &result); err != nil {
		return 0, err
	}
	if len(result.List) == 0 {
		return 0, nil
	}
	return f64(result.List[0].FundingRate), nil
}

// PerpPosition returns the signed perpetual size for a symbol; short is negative.
func (c *Client) PerpPosition(ctx context.Context, symbol string) (float64, error) {
	var result struct {
		List []struct {
			Side string `json:"side"`
			Size string `json:"size"`
		} `json:"list"`
	}
	params := map[string]string{"category": CategoryLinear, "symbol": symbol}
	if err := c.get(ctx, "/v5/position/list", params, true, &result); err != nil {
		return 0, err
	}
	var qty float64
	for _, pos := range result.List {
		size := f64(pos.Size)
		switch pos.Side {
		case SideBuy:
			qty += size
		case SideSell:
			qty -= size
		}
	}
	return qty, nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	lev := strconv.Itoa(leverage)
	body := map[string]any{
		"category":     CategoryLinear,
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}
	err := c.post(ctx, "/v5/position/set-leverage", body, nil)
	var apiErr *APIError
	// 110043: leverage already at the requested value.
	if errors.As(err, &apiErr) && apiErr.Code == 110043 {
		return nil
	}
	return err
}

func (c *Client) PlaceOrder(ctx context.Context, ord OrderRequest) (OrderResult, error) {
	body := map[string]any{
		"category":  ord.Category,
		"symbol":    ord.Symbol,
		"side":      ord.Side,
		"orderType": ord.OrderType,
		"qty":       strconv.FormatFloat(ord.Qty, 'f', -1, 64),
	}
	if ord.Price > 0 {
		body["price"] = strconv.FormatFloat(ord.Price, 'f', -1, 64)
	}
	if ord.TimeInForce != "" {
		body["timeInForce"] = ord.TimeInForce
	}
	if ord.ReduceOnly {
		body["reduceOnly"] = true
	}
	if ord.MarketUnit != "" {
		body["marketUnit"] = ord.MarketUnit
	}
	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := c.post(ctx, "/v5/order/create", body, &result); err != nil {
		return OrderResult{}, err
	}
	return OrderResult{OrderID: result.OrderID}, nil
}

func (c *Client) CancelOrder(ctx context.Context, category, symbol, orderID string) error {
	body := map[string]any{
		"category": category,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	return c.post(ctx, "/v5/order/cancel", body, nil)
}

// OrderStatus reports whether an order is still live on the book and its
// executed base quantity.
func (c *Client) OrderStatus(ctx context.Context, category, symbol, orderID string) (OrderStatus, error) {
	var result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderStatus string `json:"orderStatus"`
			CumExecQty  string `json:"cumExecQty"`
		} `json:"list"`
	}
	params := map[string]string{"category": category, "symbol": symbol, "orderId": orderID, "openOnly": "0"}
	if err := c.get(ctx, "/v5/order/realtime", params, true, &result); err != nil {
		return OrderStatus{}, err
	}
	for _, ord := range result.List {
		if ord.OrderID != orderID {
			continue
		}
		open := ord.OrderStatus == "New" || ord.OrderStatus == "PartiallyFilled" || ord.OrderStatus == "Untriggered"
		return OrderStatus{Open: open, FilledQty: f64(ord.CumExecQty)}, nil
	}
	return OrderStatus{}, nil
}

func (c *Client) InstrumentLimits(ctx context.Context, category, symbol string) (Limits, error) {
	var result struct {
		List []struct {
			LotSizeFilter struct {
				MinOrderQty      string `json:"minOrderQty"`
				QtyStep          string `json:"qtyStep"`
				BasePrecision    string `json:"basePrecision"`
				MinOrderAmt      string `json:"minOrderAmt"`
				MinNotionalValue string `json:"minNotionalValue"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	params := map[string]string{"category": category, "symbol": symbol}
	if err := c.get(ctx, "/v5/market/instruments-info", params, false, &result); err != nil {
		return Limits{}, err
	}
	if len(result.List) == 0 {
		return Limits{}, fmt.Errorf("bybit: no instrument info for %s/%s", category, symbol)
	}
	filter := result.List[0].LotSizeFilter
	limits := Limits{
		MinQty:  dec(filter.MinOrderQty),
		QtyStep: dec(filter.QtyStep),
	}
	if limits.QtyStep.IsZero() {
		limits.QtyStep = dec(filter.BasePrecision)
	}
	limits.MinNotional = dec(filter.MinNotionalValue)
	if limits.MinNotional.IsZero() {
		limits.MinNotional = dec(filter.MinOrderAmt)
	}
	return limits, nil
}

// UniversalTransfer moves an asset between the main account and a subaccount.
func (c *Client) UniversalTransfer(ctx context.Context, transferID, asset string, amount float64, toMemberID string) (string, error) {
	body := map[string]any{
		"transferId":      transferID,
		"coin":            asset,
		"amount":          strconv.FormatFloat(amount, 'f', -1, 64),
		"fromAccountType": "UNIFIED",
		"toAccountType":   "UNIFIED",
		"toMemberId":      toMemberID,
	}
	var result struct {
		TransferID string `json:"transferId"`
	}
	if err := c.post(ctx, "/v5/asset/transfer/universal-transfer", body, &result); err != nil {
		return "", err
	}
	return result.TransferID, nil
}
