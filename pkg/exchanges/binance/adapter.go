package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"execution-core/pkg/exchanges/common"
)

// VenueName keys circuit breaker state for every Binance account.
const VenueName = "binance"

// Binance error codes the adapter dispatches on.
const (
	codeDisconnected    = -1001
	codeTooManyRequests = -1003
	codeTimeout         = -1007
	codeTimestamp       = -1021
	codeNewOrderReject  = -2010
	codeCancelReject    = -2011
	codeNoSuchOrder     = -2013
	codeDuplicateClient = -4116
)

type market struct {
	c            *client
	orderPath    string
	futures      bool
	balancePath  string
	balanceAsset string
}

// Adapter routes calls to the spot or USDT-M futures API by market type.
type Adapter struct {
	spot    market
	futures market
}

var _ common.Adapter = (*Adapter)(nil)

// New creates a Binance adapter for one account's credentials.
func New(cfg Config) *Adapter {
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.SpotURL == "" {
		cfg.SpotURL = "https://api.binance.com"
		if cfg.Testnet {
			cfg.SpotURL = "https://testnet.binance.vision"
		}
	}
	if cfg.FuturesURL == "" {
		cfg.FuturesURL = "https://fapi.binance.com"
		if cfg.Testnet {
			cfg.FuturesURL = "https://testnet.binancefuture.com"
		}
	}
	return &Adapter{
		spot: market{
			c:            newClient(cfg, cfg.SpotURL, "/api/v3/time"),
			orderPath:    "/api/v3/order",
			balancePath:  "/api/v3/account",
			balanceAsset: "USDT",
		},
		futures: market{
			c:            newClient(cfg, cfg.FuturesURL, "/fapi/v1/time"),
			orderPath:    "/fapi/v1/order",
			futures:      true,
			balancePath:  "/fapi/v2/balance",
			balanceAsset: "USDT",
		},
	}
}

// Name implements common.Adapter.
func (a *Adapter) Name() string { return VenueName }

// UsedWeight returns the last request weight reported by each API.
func (a *Adapter) UsedWeight() (spot, futures int64) {
	return a.spot.c.usedWeight.Load(), a.futures.c.usedWeight.Load()
}

func (a *Adapter) route(op string, mt common.MarketType) (market, error) {
	switch mt {
	case common.MarketSpot, "":
		return a.spot, nil
	case common.MarketUSDTFut:
		return a.futures, nil
	default:
		return market{}, common.NewError(common.KindRejected, op, fmt.Errorf("market type %s is not supported", mt))
	}
}

type orderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Status              string `json:"status"`
	Type                string `json:"type"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	AvgPrice            string `json:"avgPrice"`
	IsWorking           *bool  `json:"isWorking"`
}

func (r orderResponse) result(stop bool) common.OrderResult {
	res := common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		ClientID:        r.ClientOrderID,
		Status:          mapStatus(r.Status),
		FilledQty:       parseFloat(r.ExecutedQty),
		AvgPrice:        parseFloat(r.AvgPrice),
	}
	if res.AvgPrice == 0 && res.FilledQty > 0 {
		res.AvgPrice = parseFloat(r.CummulativeQuoteQty) / res.FilledQty
	}
	if stop && r.IsWorking != nil {
		v := *r.IsWorking
		res.Activated = &v
	}
	return res
}

// CreateOrder implements common.Adapter. A duplicate client id resolves to
// the order already on the venue.
func (a *Adapter) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	const op = "create_order"
	m, err := a.route(op, req.Market)
	if err != nil {
		return common.OrderResult{}, err
	}
	orderType, err := venueOrderType(req.Type, m.futures)
	if err != nil {
		return common.OrderResult{}, common.NewError(common.KindRejected, op, err)
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", orderType)
	params.Set("quantity", formatFloat(req.Qty))
	if isLimitLike(req.Type) {
		params.Set("price", formatFloat(req.Price))
		params.Set("timeInForce", "GTC")
	}
	if req.Type.IsStop() {
		params.Set("stopPrice", formatFloat(req.StopPrice))
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	if m.futures {
		if req.ReduceOnly {
			params.Set("reduceOnly", "true")
		}
		params.Set("newOrderRespType", "RESULT")
	} else {
		params.Set("newOrderRespType", "FULL")
	}

	var resp orderResponse
	err = m.c.signed(ctx, http.MethodPost, m.orderPath, params, &resp)
	if err != nil && isDuplicate(err) && req.ClientID != "" {
		return a.FetchOrder(ctx, common.OrderRef{
			AccountID: req.AccountID,
			Symbol:    req.Symbol,
			ClientID:  req.ClientID,
			Market:    req.Market,
		})
	}
	if err != nil {
		return common.OrderResult{}, classify(op, err)
	}
	return resp.result(req.Type.IsStop()), nil
}

// CancelOrder implements common.Adapter.
func (a *Adapter) CancelOrder(ctx context.Context, ref common.OrderRef) error {
	const op = "cancel_order"
	m, err := a.route(op, ref.Market)
	if err != nil {
		return err
	}
	params, err := refParams(op, ref)
	if err != nil {
		return err
	}
	if err := m.c.signed(ctx, http.MethodDelete, m.orderPath, params, nil); err != nil {
		return classify(op, err)
	}
	return nil
}

// FetchOrder implements common.Adapter.
func (a *Adapter) FetchOrder(ctx context.Context, ref common.OrderRef) (common.OrderResult, error) {
	const op = "fetch_order"
	m, err := a.route(op, ref.Market)
	if err != nil {
		return common.OrderResult{}, err
	}
	params, err := refParams(op, ref)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResponse
	if err := m.c.signed(ctx, http.MethodGet, m.orderPath, params, &resp); err != nil {
		return common.OrderResult{}, classify(op, err)
	}
	return resp.result(isStopType(resp.Type)), nil
}

// GetBalance implements common.Adapter. Spot returns free plus locked USDT;
// futures returns the USDT wallet balance.
func (a *Adapter) GetBalance(ctx context.Context, _ string, mt common.MarketType) (float64, error) {
	const op = "get_balance"
	m, err := a.route(op, mt)
	if err != nil {
		return 0, err
	}
	if m.futures {
		var balances []struct {
			Asset   string `json:"asset"`
			Balance string `json:"balance"`
		}
		if err := m.c.signed(ctx, http.MethodGet, m.balancePath, url.Values{}, &balances); err != nil {
			return 0, classify(op, err)
		}
		for _, b := range balances {
			if b.Asset == m.balanceAsset {
				return parseFloat(b.Balance), nil
			}
		}
		return 0, nil
	}

	var info struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := m.c.signed(ctx, http.MethodGet, m.balancePath, url.Values{}, &info); err != nil {
		return 0, classify(op, err)
	}
	var total float64
	for _, b := range info.Balances {
		if b.Asset == m.balanceAsset {
			total += parseFloat(b.Free) + parseFloat(b.Locked)
		}
	}
	return total, nil
}

func refParams(op string, ref common.OrderRef) (url.Values, error) {
	params := url.Values{}
	params.Set("symbol", ref.Symbol)
	switch {
	case ref.ExchangeOrderID != "":
		params.Set("orderId", ref.ExchangeOrderID)
	case ref.ClientID != "":
		params.Set("origClientOrderId", ref.ClientID)
	default:
		return nil, common.NewError(common.KindRejected, op, errors.New("order reference has no id"))
	}
	return params, nil
}

// classify maps transport and API failures to the normalized kinds.
func classify(op string, err error) error {
	if errors.Is(err, ErrMissingCredentials) {
		return common.NewError(common.KindRejected, op, err)
	}
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		// Network failures and timeouts.
		return common.NewError(common.KindTransient, op, err)
	}
	switch {
	case apiErr.Status == http.StatusTooManyRequests || apiErr.Status == http.StatusTeapot ||
		apiErr.Code == codeTooManyRequests:
		return common.NewError(common.KindRateLimited, op, err)
	case apiErr.Code == codeNoSuchOrder || apiErr.Code == codeCancelReject:
		return common.NewError(common.KindUnknownOrder, op, err)
	case apiErr.Status >= 500, apiErr.Code == codeDisconnected, apiErr.Code == codeTimeout, apiErr.Code == codeTimestamp:
		return common.NewError(common.KindTransient, op, err)
	case apiErr.Status >= 400:
		return common.NewError(common.KindRejected, op, err)
	default:
		return common.NewError(common.KindTransient, op, err)
	}
}

func isDuplicate(err error) bool {
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == codeDuplicateClient ||
		(apiErr.Code == codeNewOrderReject && strings.Contains(strings.ToLower(apiErr.Msg), "duplicate"))
}

func venueOrderType(t common.OrderType, futures bool) (string, error) {
	if !t.Valid() {
		return "", fmt.Errorf("unsupported order type %q", t)
	}
	if !futures {
		return string(t), nil
	}
	switch t {
	case common.OrderTypeStopLoss:
		return "STOP_MARKET", nil
	case common.OrderTypeStopLossLimit:
		return "STOP", nil
	case common.OrderTypeTakeProfit:
		return "TAKE_PROFIT_MARKET", nil
	case common.OrderTypeTakeProfitLimit:
		return "TAKE_PROFIT", nil
	default:
		return string(t), nil
	}
}

func isLimitLike(t common.OrderType) bool {
	return t == common.OrderTypeLimit || t == common.OrderTypeStopLossLimit || t == common.OrderTypeTakeProfitLimit
}

func isStopType(venueType string) bool {
	switch strings.ToUpper(venueType) {
	case "STOP_LOSS", "STOP_LOSS_LIMIT", "TAKE_PROFIT", "TAKE_PROFIT_LIMIT",
		"STOP", "STOP_MARKET", "TAKE_PROFIT_MARKET":
		return true
	}
	return false
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}
