// Package binance adapts the Binance spot and USDT-M futures REST APIs to the
// normalized exchange contract.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// ErrMissingCredentials is returned when the account has no API key pair.
var ErrMissingCredentials = errors.New("binance: API key/secret required")

// Config holds Binance credentials and endpoints.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
	SpotURL    string
	FuturesURL string
	HTTPClient *http.Client
}

// client performs signed REST calls against one base URL.
type client struct {
	cfg        Config
	baseURL    string
	timePath   string
	httpClient *http.Client

	offsetMs   atomic.Int64 // server time minus local time
	synced     atomic.Bool
	usedWeight atomic.Int64
}

func newClient(cfg Config, baseURL, timePath string) *client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &client{cfg: cfg, baseURL: strings.TrimRight(baseURL, "/"), timePath: timePath, httpClient: hc}
}

// apiError is the error body Binance returns with non-2xx responses.
type apiError struct {
	Status int    `json:"-"`
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("binance status %d code %d: %s", e.Status, e.Code, e.Msg)
}

// timestamp returns the server-aligned time in ms, syncing once lazily.
func (c *client) timestamp(ctx context.Context) int64 {
	if !c.synced.Load() {
		if err := c.syncTime(ctx); err == nil {
			c.synced.Store(true)
		}
	}
	return time.Now().UnixMilli() + c.offsetMs.Load()
}

func (c *client) syncTime(ctx context.Context) error {
	server, err := c.serverTime(ctx)
	if err != nil {
		return err
	}
	c.offsetMs.Store(server - time.Now().UnixMilli())
	return nil
}

// serverTime fetches server time (ms).
func (c *client) serverTime(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.timePath, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("server time status %d: %s", resp.StatusCode, string(b))
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

// signed signs params, performs the request and decodes a 2xx body into out.
func (c *client) signed(ctx context.Context, method, path string, params url.Values, out any) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return ErrMissingCredentials
	}
	params.Set("timestamp", strconv.FormatInt(c.timestamp(ctx), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	// The signature must come last and cover the exact query sent.
	encoded := params.Encode()
	encoded += "&signature=" + sign(encoded, c.cfg.APISecret)

	var (
		req *http.Request
		err error
	)
	endpoint := c.baseURL + path
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if w, err := strconv.ParseInt(res.Header.Get("X-MBX-USED-WEIGHT-1M"), 10, 64); err == nil {
		c.usedWeight.Store(w)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode >= 300 {
		apiErr := &apiError{Status: res.StatusCode}
		if jsonErr := json.Unmarshal(body, apiErr); jsonErr != nil || apiErr.Msg == "" {
			apiErr.Msg = string(body)
		}
		if apiErr.Code == codeTimestamp {
			c.synced.Store(false)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
