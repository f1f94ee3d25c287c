package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// BaseURL is the production Binance USDⓈ-M Futures API URL.
	BaseURL = "https://fapi.binance.com"

	baseRetryDelay = 1 * time.Second
	recvWindow     = "10000"
)

// Client is the signed REST client for the Binance USDⓈ-M Futures API.
// All requests share one pooled http.Client; signed endpoints carry a
// millisecond timestamp and an HMAC-SHA256 signature over the query.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	retryTimes int
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a REST client. Keys are trimmed; stray whitespace breaks
// signature generation.
func NewClient(apiKey, secretKey, baseURL string, timeout time.Duration, retryTimes int, logger zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = BaseURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if retryTimes <= 0 {
		retryTimes = 3
	}

	return &Client{
		apiKey:     strings.TrimSpace(apiKey),
		secretKey:  strings.TrimSpace(secretKey),
		baseURL:    baseURL,
		retryTimes: retryTimes,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "binance_client").Logger(),
	}
}

// ==================== ACCOUNT ====================

// GetAccountInfo retrieves the futures account snapshot.
func (c *Client) GetAccountInfo() (*AccountInfo, error) {
	resp, err := c.signedGet("/fapi/v3/account", map[string]string{})
	if err != nil {
		return nil, fmt.Errorf("error fetching account info: %w", err)
	}

	var info AccountInfo
	if err := json.Unmarshal(resp, &info); err != nil {
		return nil, fmt.Errorf("error parsing account info: %w", err)
	}

	return &info, nil
}

// GetPositions retrieves all futures positions.
func (c *Client) GetPositions() ([]PositionRisk, error) {
	resp, err := c.signedGet("/fapi/v2/positionRisk", map[string]string{})
	if err != nil {
		return nil, fmt.Errorf("error fetching positions: %w", err)
	}

	var positions []PositionRisk
	if err := json.Unmarshal(resp, &positions); err != nil {
		return nil, fmt.Errorf("error parsing positions: %w", err)
	}

	return positions, nil
}

// SetLeverage sets the leverage for a symbol.
func (c *Client) SetLeverage(symbol string, leverage int) (*LeverageResponse, error) {
	params := map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	}

	resp, err := c.signedPost("/fapi/v1/leverage", params)
	if err != nil {
		return nil, fmt.Errorf("error setting leverage: %w", err)
	}

	var levResp LeverageResponse
	if err := json.Unmarshal(resp, &levResp); err != nil {
		return nil, fmt.Errorf("error parsing leverage response: %w", err)
	}

	return &levResp, nil
}

// GetPositionMode retrieves the current position mode.
func (c *Client) GetPositionMode() (*PositionModeResponse, error) {
	resp, err := c.signedGet("/fapi/v1/positionSide/dual", map[string]string{})
	if err != nil {
		return nil, fmt.Errorf("error getting position mode: %w", err)
	}

	var modeResp PositionModeResponse
	if err := json.Unmarshal(resp, &modeResp); err != nil {
		return nil, fmt.Errorf("error parsing position mode: %w", err)
	}

	return &modeResp, nil
}

// SetPositionMode switches between hedge (dual) and one-way mode.
func (c *Client) SetPositionMode(dualSidePosition bool) error {
	params := map[string]string{
		"dualSidePosition": strconv.FormatBool(dualSidePosition),
	}

	if _, err := c.signedPost("/fapi/v1/positionSide/dual", params); err != nil {
		return fmt.Errorf("error setting position mode: %w", err)
	}

	return nil
}

// ==================== TRADING ====================

// PlaceOrder places a new futures order.
func (c *Client) PlaceOrder(params OrderParams) (*OrderResponse, error) {
	reqParams := map[string]string{
		"symbol": params.Symbol,
		"side":   string(params.Side),
		"type":   string(params.Type),
	}

	if params.Quantity > 0 {
		reqParams["quantity"] = strconv.FormatFloat(params.Quantity, 'f', -1, 64)
	}
	if params.Price > 0 {
		reqParams["price"] = strconv.FormatFloat(params.Price, 'f', -1, 64)
	}
	if params.StopPrice > 0 {
		reqParams["stopPrice"] = strconv.FormatFloat(params.StopPrice, 'f', -1, 64)
	}
	if params.PositionSide != "" {
		reqParams["positionSide"] = string(params.PositionSide)
	}
	if params.TimeInForce != "" {
		reqParams["timeInForce"] = string(params.TimeInForce)
	} else if params.Type == OrderTypeLimit {
		reqParams["timeInForce"] = string(TimeInForceGTC)
	}
	if params.GoodTillDate > 0 {
		reqParams["goodTillDate"] = strconv.FormatInt(params.GoodTillDate, 10)
	}
	if params.ReduceOnly {
		reqParams["reduceOnly"] = "true"
	}
	if params.WorkingType != "" {
		reqParams["workingType"] = string(params.WorkingType)
	}

	resp, err := c.signedPost("/fapi/v1/order", reqParams)
	if err != nil {
		return nil, fmt.Errorf("error placing order: %w", err)
	}

	var orderResp OrderResponse
	if err := json.Unmarshal(resp, &orderResp); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}

	return &orderResp, nil
}

// CancelOrder cancels an existing order.
func (c *Client) CancelOrder(symbol string, orderId int64) error {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderId, 10),
	}

	if _, err := c.signedDelete("/fapi/v1/order", params); err != nil {
		return fmt.Errorf("error canceling order: %w", err)
	}

	return nil
}

// GetOrder retrieves a specific order.
func (c *Client) GetOrder(symbol string, orderId int64) (*FuturesOrder, error) {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderId, 10),
	}

	resp, err := c.signedGet("/fapi/v1/order", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching order: %w", err)
	}

	var order FuturesOrder
	if err := json.Unmarshal(resp, &order); err != nil {
		return nil, fmt.Errorf("error parsing order: %w", err)
	}

	return &order, nil
}

// GetOpenOrders retrieves all open orders, optionally filtered by symbol.
func (c *Client) GetOpenOrders(symbol string) ([]FuturesOrder, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}

	resp, err := c.signedGet("/fapi/v1/openOrders", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching open orders: %w", err)
	}

	var orders []FuturesOrder
	if err := json.Unmarshal(resp, &orders); err != nil {
		return nil, fmt.Errorf("error parsing open orders: %w", err)
	}

	return orders, nil
}

// GetAllOrders retrieves order history for a symbol.
func (c *Client) GetAllOrders(symbol string, limit int) ([]FuturesOrder, error) {
	params := map[string]string{
		"symbol": symbol,
	}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}

	resp, err := c.signedGet("/fapi/v1/allOrders", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching all orders: %w", err)
	}

	var orders []FuturesOrder
	if err := json.Unmarshal(resp, &orders); err != nil {
		return nil, fmt.Errorf("error parsing all orders: %w", err)
	}

	return orders, nil
}

// GetUserTrades retrieves fills for a specific order.
func (c *Client) GetUserTrades(symbol string, orderId int64) ([]UserTrade, error) {
	params := map[string]string{
		"symbol": symbol,
	}
	if orderId > 0 {
		params["orderId"] = strconv.FormatInt(orderId, 10)
	}

	resp, err := c.signedGet("/fapi/v1/userTrades", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching user trades: %w", err)
	}

	var trades []UserTrade
	if err := json.Unmarshal(resp, &trades); err != nil {
		return nil, fmt.Errorf("error parsing user trades: %w", err)
	}

	return trades, nil
}

// ==================== ALGO ORDERS ====================

// PlaceAlgoOrder places a conditional order (STOP_MARKET, TAKE_PROFIT_MARKET).
func (c *Client) PlaceAlgoOrder(params AlgoOrderParams) (*AlgoOrderResponse, error) {
	reqParams := map[string]string{
		"algoType": "CONDITIONAL",
		"symbol":   params.Symbol,
		"side":     string(params.Side),
		"type":     string(params.Type),
	}

	if params.TriggerPrice > 0 {
		reqParams["triggerPrice"] = strconv.FormatFloat(params.TriggerPrice, 'f', -1, 64)
	}
	if params.Quantity > 0 {
		reqParams["quantity"] = strconv.FormatFloat(params.Quantity, 'f', -1, 64)
	}
	if params.Price > 0 {
		reqParams["price"] = strconv.FormatFloat(params.Price, 'f', -1, 64)
	}
	if params.PositionSide != "" {
		reqParams["positionSide"] = string(params.PositionSide)
	}
	if params.WorkingType != "" {
		reqParams["workingType"] = string(params.WorkingType)
	}
	if params.GoodTillDate > 0 {
		reqParams["goodTillDate"] = strconv.FormatInt(params.GoodTillDate, 10)
	}
	if params.ReduceOnly {
		reqParams["reduceOnly"] = "true"
	}

	resp, err := c.signedPost("/fapi/v1/algoOrder", reqParams)
	if err != nil {
		return nil, fmt.Errorf("error placing algo order: %w", err)
	}

	var algoResp AlgoOrderResponse
	if err := json.Unmarshal(resp, &algoResp); err != nil {
		return nil, fmt.Errorf("error parsing algo order response: %w", err)
	}

	return &algoResp, nil
}

// GetOpenAlgoOrders retrieves all open algo orders.
func (c *Client) GetOpenAlgoOrders(symbol string) ([]AlgoOrder, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}

	resp, err := c.signedGet("/fapi/v1/openAlgoOrders", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching open algo orders: %w", err)
	}

	var orders []AlgoOrder
	if err := json.Unmarshal(resp, &orders); err != nil {
		return nil, fmt.Errorf("error parsing open algo orders: %w (response: %s)", err, string(resp))
	}

	return orders, nil
}

// CancelAlgoOrder cancels an algo order.
func (c *Client) CancelAlgoOrder(symbol string, algoId int64) error {
	params := map[string]string{
		"symbol": symbol,
		"algoId": strconv.FormatInt(algoId, 10),
	}

	if _, err := c.signedDelete("/fapi/v1/algoOrder", params); err != nil {
		return fmt.Errorf("error canceling algo order: %w", err)
	}

	return nil
}

// GetAlgoOrderHistory retrieves historical algo orders for a symbol.
func (c *Client) GetAlgoOrderHistory(symbol string, limit int) ([]AlgoOrder, error) {
	params := map[string]string{
		"symbol": symbol,
	}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}

	resp, err := c.signedGet("/fapi/v1/algo/historyOrders", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching algo order history: %w", err)
	}

	var orders []AlgoOrder
	if err := json.Unmarshal(resp, &orders); err != nil {
		return nil, fmt.Errorf("error parsing algo order history: %w", err)
	}

	return orders, nil
}

// ==================== MARKET DATA ====================

// GetKlines retrieves candlestick data.
func (c *Client) GetKlines(symbol, interval string, limit int) ([]Kline, error) {
	resp, err := c.publicGet("/fapi/v1/klines", map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}

	var rawKlines [][]interface{}
	if err := json.Unmarshal(resp, &rawKlines); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	klines := make([]Kline, len(rawKlines))
	for i, raw := range rawKlines {
		k, err := parseKlineRow(raw)
		if err != nil {
			return nil, fmt.Errorf("error parsing kline for %s: %w", symbol, err)
		}
		klines[i] = k
	}

	return klines, nil
}

// parseKlineRow converts one REST kline array into a Kline. Rows missing the
// seven leading fields or carrying non-numeric timestamps are rejected
// rather than panicking on a malformed payload.
func parseKlineRow(raw []interface{}) (Kline, error) {
	if len(raw) < 7 {
		return Kline{}, fmt.Errorf("kline row has %d fields, want at least 7", len(raw))
	}
	openTime, ok := raw[0].(float64)
	if !ok {
		return Kline{}, fmt.Errorf("kline open time has type %T", raw[0])
	}
	closeTime, ok := raw[6].(float64)
	if !ok {
		return Kline{}, fmt.Errorf("kline close time has type %T", raw[6])
	}
	return Kline{
		OpenTime:  int64(openTime),
		Open:      parseFloat(raw[1]),
		High:      parseFloat(raw[2]),
		Low:       parseFloat(raw[3]),
		Close:     parseFloat(raw[4]),
		Volume:    parseFloat(raw[5]),
		CloseTime: int64(closeTime),
		IsClosed:  true,
	}, nil
}

// GetCurrentPrice retrieves the last traded price for a symbol.
func (c *Client) GetCurrentPrice(symbol string) (float64, error) {
	resp, err := c.publicGet("/fapi/v1/ticker/price", map[string]string{
		"symbol": symbol,
	})
	if err != nil {
		return 0, fmt.Errorf("error fetching price: %w", err)
	}

	var priceResp struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price,string"`
	}
	if err := json.Unmarshal(resp, &priceResp); err != nil {
		return 0, fmt.Errorf("error parsing price: %w", err)
	}

	return priceResp.Price, nil
}

// GetAll24hrTickers retrieves 24 hour statistics for every symbol.
func (c *Client) GetAll24hrTickers() ([]Ticker24h, error) {
	resp, err := c.publicGet("/fapi/v1/ticker/24hr", nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching 24hr tickers: %w", err)
	}

	var tickers []Ticker24h
	if err := json.Unmarshal(resp, &tickers); err != nil {
		return nil, fmt.Errorf("error parsing 24hr tickers: %w", err)
	}

	return tickers, nil
}

// GetMarkPrice retrieves the mark price for a symbol.
func (c *Client) GetMarkPrice(symbol string) (*MarkPrice, error) {
	resp, err := c.publicGet("/fapi/v1/premiumIndex", map[string]string{
		"symbol": symbol,
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching mark price: %w", err)
	}

	var markPrice MarkPrice
	if err := json.Unmarshal(resp, &markPrice); err != nil {
		return nil, fmt.Errorf("error parsing mark price: %w", err)
	}

	return &markPrice, nil
}

// GetOpenInterestHist retrieves open interest history for a symbol.
func (c *Client) GetOpenInterestHist(symbol, period string, limit int) ([]OpenInterestHist, error) {
	resp, err := c.publicGet("/futures/data/openInterestHist", map[string]string{
		"symbol": symbol,
		"period": period,
		"limit":  strconv.Itoa(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching open interest history: %w", err)
	}

	var hist []OpenInterestHist
	if err := json.Unmarshal(resp, &hist); err != nil {
		return nil, fmt.Errorf("error parsing open interest history: %w", err)
	}

	return hist, nil
}

// GetExchangeInfo retrieves the exchange metadata.
func (c *Client) GetExchangeInfo() (*ExchangeInfo, error) {
	resp, err := c.publicGet("/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching exchange info: %w", err)
	}

	var info ExchangeInfo
	if err := json.Unmarshal(resp, &info); err != nil {
		return nil, fmt.Errorf("error parsing exchange info: %w", err)
	}

	return &info, nil
}

// ==================== WEBSOCKET ====================

// GetListenKey creates a new user data stream listen key.
func (c *Client) GetListenKey() (string, error) {
	resp, err := c.signedPost("/fapi/v1/listenKey", nil)
	if err != nil {
		return "", fmt.Errorf("error getting listen key: %w", err)
	}

	var listenKeyResp ListenKeyResponse
	if err := json.Unmarshal(resp, &listenKeyResp); err != nil {
		return "", fmt.Errorf("error parsing listen key: %w", err)
	}

	return listenKeyResp.ListenKey, nil
}

// KeepAliveListenKey extends the validity of a listen key.
func (c *Client) KeepAliveListenKey(listenKey string) error {
	params := map[string]string{
		"listenKey": listenKey,
	}

	if _, err := c.signedPut("/fapi/v1/listenKey", params); err != nil {
		return fmt.Errorf("error keeping listen key alive: %w", err)
	}

	return nil
}

// CloseListenKey closes a user data stream.
func (c *Client) CloseListenKey(listenKey string) error {
	params := map[string]string{
		"listenKey": listenKey,
	}

	if _, err := c.signedDelete("/fapi/v1/listenKey", params); err != nil {
		return fmt.Errorf("error closing listen key: %w", err)
	}

	return nil
}

// ==================== HTTP HELPERS ====================

// buildQueryString builds a query string from params (without signature).
func (c *Client) buildQueryString(params map[string]string) string {
	query := ""
	for k, v := range params {
		if k != "signature" {
			if query != "" {
				query += "&"
			}
			query += k + "=" + url.QueryEscape(v)
		}
	}
	return query
}

// sign creates a signature for the given query string.
func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// signParams builds query string with signature appended.
func (c *Client) signParams(params map[string]string) string {
	query := c.buildQueryString(params)
	signature := c.sign(query)
	return query + "&signature=" + signature
}

func isRetryableError(statusCode int, body string) bool {
	if statusCode >= 500 {
		return true
	}
	// Transient Binance errors
	if strings.Contains(body, "-1001") || // DISCONNECTED
		strings.Contains(body, "-1003") || // TOO_MANY_REQUESTS
		strings.Contains(body, "-1015") || // TOO_MANY_ORDERS
		strings.Contains(body, "-1016") { // SERVICE_SHUTTING_DOWN
		return true
	}
	return false
}

// retryDelay returns the exponential backoff delay for the given attempt.
func retryDelay(attempt int) time.Duration {
	return baseRetryDelay * time.Duration(1<<uint(attempt))
}

// rateLimitDelay returns how long to wait after a 429. If the response
// carried Retry-After, that wait is honoured plus a per-attempt padding;
// otherwise a fixed escalating schedule applies. 429s do not consume the
// normal retry budget.
func rateLimitDelay(retryAfter string, attempt int) time.Duration {
	if retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs >= 0 {
			return time.Duration(secs)*time.Second + time.Duration(attempt*5)*time.Second
		}
	}
	return time.Duration(30+attempt*15) * time.Second
}

// doRequest runs one request cycle with the retry and 429 policy shared by
// every verb. signed requests get a fresh timestamp per attempt.
func (c *Client) doRequest(method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	var lastErr error

	attempt := 0
	rateLimitHits := 0
	for attempt <= c.retryTimes {
		var reqURL string
		if signed {
			if params == nil {
				params = make(map[string]string)
			}
			// Fresh timestamp per attempt; recvWindow tolerates clock skew
			params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
			params["recvWindow"] = recvWindow
			reqURL = fmt.Sprintf("%s%s?%s", c.baseURL, endpoint, c.signParams(params))
		} else {
			values := url.Values{}
			for k, v := range params {
				values.Set(k, v)
			}
			reqURL = fmt.Sprintf("%s%s", c.baseURL, endpoint)
			if len(values) > 0 {
				reqURL = fmt.Sprintf("%s?%s", reqURL, values.Encode())
			}
		}

		req, err := http.NewRequest(method, reqURL, nil)
		if err != nil {
			return nil, err
		}
		if signed {
			req.Header.Set("X-MBX-APIKEY", c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt < c.retryTimes {
				delay := retryDelay(attempt)
				c.logger.Warn().Str("method", method).Str("endpoint", endpoint).
					Int("attempt", attempt+1).Err(err).Dur("retry_in", delay).
					Msg("request failed, retrying")
				time.Sleep(delay)
				attempt++
				continue
			}
			return nil, err
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			// Rate limiting is handled outside the retry budget
			rateLimitHits++
			delay := rateLimitDelay(resp.Header.Get("Retry-After"), rateLimitHits)
			c.logger.Warn().Str("method", method).Str("endpoint", endpoint).
				Int("rate_limit_hits", rateLimitHits).Dur("wait", delay).
				Msg("rate limited, backing off")
			time.Sleep(delay)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			apiErr := parseAPIError(resp.StatusCode, body)
			lastErr = apiErr

			if isRetryableError(resp.StatusCode, string(body)) && attempt < c.retryTimes {
				delay := retryDelay(attempt)
				c.logger.Warn().Str("method", method).Str("endpoint", endpoint).
					Int("status", resp.StatusCode).Int("attempt", attempt+1).
					Dur("retry_in", delay).Str("body", string(body)).
					Msg("api error, retrying")
				time.Sleep(delay)
				attempt++
				continue
			}
			return nil, lastErr
		}

		return body, nil
	}

	return nil, lastErr
}

// publicGet performs an unauthenticated GET request.
func (c *Client) publicGet(endpoint string, params map[string]string) ([]byte, error) {
	return c.doRequest(http.MethodGet, endpoint, params, false)
}

// signedGet performs an authenticated GET request.
func (c *Client) signedGet(endpoint string, params map[string]string) ([]byte, error) {
	return c.doRequest(http.MethodGet, endpoint, params, true)
}

// signedPost performs an authenticated POST request.
func (c *Client) signedPost(endpoint string, params map[string]string) ([]byte, error) {
	return c.doRequest(http.MethodPost, endpoint, params, true)
}

// signedPut performs an authenticated PUT request.
func (c *Client) signedPut(endpoint string, params map[string]string) ([]byte, error) {
	return c.doRequest(http.MethodPut, endpoint, params, true)
}

// signedDelete performs an authenticated DELETE request.
func (c *Client) signedDelete(endpoint string, params map[string]string) ([]byte, error) {
	return c.doRequest(http.MethodDelete, endpoint, params, true)
}

func parseFloat(v interface{}) float64 {
	switch val := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(val, 64)
		return f
	case float64:
		return val
	default:
		return 0
	}
}
