package binance

import (
	"context"
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

// Retry configuration for API calls. Backoff doubles per attempt: 1s, 2s, 4s.
const (
	maxRetries     = 3
	baseRetryDelay = 1 * time.Second
)

const (
	// FuturesBaseURL is the production Binance Futures API URL
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the testnet Binance Futures API URL
	FuturesTestnetURL = "https://testnet.binancefuture.com"
)

// ErrUnavailable is returned after retries are exhausted or when the venue
// rejects the credentials. Callers treat it as "skip this cycle".
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("binance api error (status %d): %s", e.Status, e.Body)
}

// IsTerminal reports whether an error came from an auth/permission rejection
// that retrying cannot fix.
func IsTerminal(err error) bool {
	if e, ok := err.(*apiError); ok {
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden ||
			e.Status == http.StatusUnavailableForLegalReasons
	}
	return false
}

// FuturesClient is the signed REST client for Binance USDT-M futures. Each
// bot constructs one with its own credentials; all clients share the global
// request gate.
type FuturesClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	gate       *RequestGate
	logger     zerolog.Logger
}

// NewFuturesClient creates a new FuturesClient instance.
func NewFuturesClient(apiKey, secretKey string, testnet bool, logger zerolog.Logger) *FuturesClient {
	baseURL := FuturesBaseURL
	if testnet {
		baseURL = FuturesTestnetURL
	}

	// Trim any whitespace from keys - critical for signature generation
	return &FuturesClient{
		apiKey:     strings.TrimSpace(apiKey),
		secretKey:  strings.TrimSpace(secretKey),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		gate:       Gate(),
		logger:     logger.With().Str("component", "binance").Logger(),
	}
}

// ==================== ACCOUNT ====================

// AccountInfo retrieves futures account information.
func (c *FuturesClient) AccountInfo(ctx context.Context) (*AccountInfo, error) {
	resp, err := c.signedGet(ctx, "/fapi/v2/account", map[string]string{})
	if err != nil {
		return nil, fmt.Errorf("error fetching account info: %w", err)
	}

	var info AccountInfo
	if err := json.Unmarshal(resp, &info); err != nil {
		return nil, fmt.Errorf("error parsing account info: %w", err)
	}
	return &info, nil
}

// TotalAndAvailableBalance sums wallet and available balances over the USDT
// and USDC assets. Equity sizing uses the total; the open protocol checks
// the available figure.
func (c *FuturesClient) TotalAndAvailableBalance(ctx context.Context) (total, available float64, err error) {
	info, err := c.AccountInfo(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, asset := range info.Assets {
		if asset.Asset == "USDT" || asset.Asset == "USDC" {
			total += asset.WalletBalance
			available += asset.AvailableBalance
		}
	}
	return total, available, nil
}

// MarginSafety returns the account-wide margin balance, maintenance margin
// and their ratio. Ratio is nil when maintenance margin is zero.
func (c *FuturesClient) MarginSafety(ctx context.Context) (*MarginSafety, error) {
	info, err := c.AccountInfo(ctx)
	if err != nil {
		return nil, err
	}

	ms := &MarginSafety{
		MarginBalance: info.TotalMarginBalance,
		MaintMargin:   info.TotalMaintMargin,
	}
	if info.TotalMaintMargin > 0 {
		ratio := info.TotalMarginBalance / info.TotalMaintMargin
		ms.Ratio = &ratio
	}
	return ms, nil
}

// Positions retrieves position risk rows, optionally for a single symbol.
func (c *FuturesClient) Positions(ctx context.Context, symbol string) ([]PositionRisk, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = strings.ToUpper(symbol)
	}

	resp, err := c.signedGet(ctx, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching positions: %w", err)
	}

	var positions []PositionRisk
	if err := json.Unmarshal(resp, &positions); err != nil {
		return nil, fmt.Errorf("error parsing positions: %w", err)
	}
	return positions, nil
}

// ==================== LEVERAGE ====================

// SetLeverage sets the leverage for a symbol.
func (c *FuturesClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := map[string]string{
		"symbol":   strings.ToUpper(symbol),
		"leverage": strconv.Itoa(leverage),
	}

	resp, err := c.signedPost(ctx, "/fapi/v1/leverage", params)
	if err != nil {
		return fmt.Errorf("error setting leverage: %w", err)
	}

	var ack LeverageResponse
	if err := json.Unmarshal(resp, &ack); err != nil {
		return fmt.Errorf("error parsing leverage response: %w", err)
	}
	if ack.Leverage != leverage {
		return fmt.Errorf("leverage not applied: requested %dx, got %dx", leverage, ack.Leverage)
	}
	return nil
}

// ==================== TRADING ====================

// PlaceMarketOrder places a MARKET order and returns the fill acknowledgement.
func (c *FuturesClient) PlaceMarketOrder(ctx context.Context, symbol string, side Side, quantity float64) (*OrderResult, error) {
	params := map[string]string{
		"symbol":   strings.ToUpper(symbol),
		"side":     string(side),
		"type":     "MARKET",
		"quantity": strconv.FormatFloat(quantity, 'f', -1, 64),
	}

	resp, err := c.signedPost(ctx, "/fapi/v1/order", params)
	if err != nil {
		return nil, fmt.Errorf("error placing order: %w", err)
	}

	var result OrderResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}
	return &result, nil
}

// CancelOpenOrders cancels all open orders for a symbol. Called before
// every open and close so stale orders cannot double-fill.
func (c *FuturesClient) CancelOpenOrders(ctx context.Context, symbol string) error {
	params := map[string]string{
		"symbol": strings.ToUpper(symbol),
	}

	if _, err := c.signedDelete(ctx, "/fapi/v1/allOpenOrders", params); err != nil {
		return fmt.Errorf("error canceling open orders: %w", err)
	}
	return nil
}

// ==================== MARKET DATA ====================

// RawExchangeInfo fetches /fapi/v1/exchangeInfo. Callers should prefer the
// MarketDataCache, which caches the derived pair list and filters.
func (c *FuturesClient) RawExchangeInfo(ctx context.Context) (*ExchangeInfo, error) {
	resp, err := c.publicGet(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching exchange info: %w", err)
	}

	var info ExchangeInfo
	if err := json.Unmarshal(resp, &info); err != nil {
		return nil, fmt.Errorf("error parsing exchange info: %w", err)
	}
	return &info, nil
}

// Ticker24h fetches 24h ticker rows. With symbol "" it returns the full
// universe in one call.
func (c *FuturesClient) Ticker24h(ctx context.Context, symbol string) ([]Ticker24h, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = strings.ToUpper(symbol)
	}

	resp, err := c.publicGet(ctx, "/fapi/v1/ticker/24hr", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching 24hr ticker: %w", err)
	}

	// Binance returns an object for a single symbol and an array otherwise.
	if symbol != "" {
		var one Ticker24h
		if err := json.Unmarshal(resp, &one); err != nil {
			return nil, fmt.Errorf("error parsing 24hr ticker: %w", err)
		}
		return []Ticker24h{one}, nil
	}

	var tickers []Ticker24h
	if err := json.Unmarshal(resp, &tickers); err != nil {
		return nil, fmt.Errorf("error parsing 24hr tickers: %w", err)
	}
	return tickers, nil
}

// TickerPrice fetches the latest traded price for a symbol via REST. The
// trade stream cache is preferred; this is the fallback path.
func (c *FuturesClient) TickerPrice(ctx context.Context, symbol string) (float64, error) {
	resp, err := c.publicGet(ctx, "/fapi/v1/ticker/price", map[string]string{
		"symbol": strings.ToUpper(symbol),
	})
	if err != nil {
		return 0, fmt.Errorf("error fetching price: %w", err)
	}

	var tp TickerPrice
	if err := json.Unmarshal(resp, &tp); err != nil {
		return 0, fmt.Errorf("error parsing price: %w", err)
	}
	return tp.Price, nil
}

// Klines fetches candles for a symbol.
func (c *FuturesClient) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	resp, err := c.publicGet(ctx, "/fapi/v1/klines", map[string]string{
		"symbol":   strings.ToUpper(symbol),
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}

	var klines []Kline
	if err := json.Unmarshal(resp, &klines); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}
	return klines, nil
}

// ==================== REQUEST PLUMBING ====================

// signParams builds the query string with timestamp and signature appended.
func (c *FuturesClient) signParams(params map[string]string) string {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	values.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	values.Set("recvWindow", "10000")

	query := values.Encode()
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	signature := hex.EncodeToString(mac.Sum(nil))

	return query + "&signature=" + signature
}

func (c *FuturesClient) publicGet(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	return c.doRequest(ctx, http.MethodGet, endpoint, params, false)
}

func (c *FuturesClient) signedGet(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	return c.doRequest(ctx, http.MethodGet, endpoint, params, true)
}

func (c *FuturesClient) signedPost(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	return c.doRequest(ctx, http.MethodPost, endpoint, params, true)
}

func (c *FuturesClient) signedDelete(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	return c.doRequest(ctx, http.MethodDelete, endpoint, params, true)
}

// doRequest issues one HTTP request through the rate gate with retry on
// transient failures. Signed requests are re-signed on each attempt so the
// timestamp stays inside the recvWindow.
func (c *FuturesClient) doRequest(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseRetryDelay << (attempt - 1)
			c.logger.Warn().
				Str("method", method).
				Str("endpoint", endpoint).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Err(lastErr).
				Msg("retrying request")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if err := c.gate.Wait(ctx); err != nil {
			return nil, err
		}

		var query string
		if signed {
			query = c.signParams(params)
		} else {
			values := url.Values{}
			for k, v := range params {
				values.Set(k, v)
			}
			query = values.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.URL.RawQuery = query
		if signed {
			req.Header.Set("X-MBX-APIKEY", c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return body, nil
		}

		lastErr = &apiError{Status: resp.StatusCode, Body: string(body)}
		if IsTerminal(lastErr) {
			c.logger.Error().
				Str("endpoint", endpoint).
				Int("status", resp.StatusCode).
				Msg("auth/permission rejection, not retrying")
			return nil, lastErr
		}
		if !isRetryableStatus(resp.StatusCode) {
			return nil, lastErr
		}
	}

	return nil, lastErr
}

// isRetryableStatus reports whether a status is worth a backoff retry:
// rate limits (429, 418 IP ban precursor) and server errors.
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status == 418 || status >= 500
}
