// Package jupiter is a thin client for the Jupiter swap and price APIs.
package jupiter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
)

const (
	quotePath = "/v6/quote"
	swapPath  = "/v6/swap"
	pricePath = "/v4/price"

	// Prices are cached briefly; a stale value is still usable for a few
	// minutes when the feed is down.
	priceCacheTTL = time.Minute
	priceStaleTTL = 5 * time.Minute
)

// WSOL is the wrapped SOL mint, the input side of every buyback swap.
var WSOL = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")

type ClientConfig struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	HTTPClient *http.Client

	// BaseURL serves /v6/quote and /v6/swap.
	BaseURL string

	// PriceBaseURL serves /v4/price.
	PriceBaseURL string
}

func (cfg *ClientConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://quote-api.jup.ag"
	}
	if cfg.PriceBaseURL == "" {
		cfg.PriceBaseURL = "https://price.jup.ag"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Quote is a priced swap route. Raw carries the unmodified service response
// for the follow-up swap request; amounts are base units.
type Quote struct {
	InputMint  string
	OutputMint string
	InAmount   uint64
	OutAmount  uint64
	Raw        json.RawMessage
	FetchedAt  time.Time
}

// Fresh reports whether the quote is still inside its submission window at
// the given time. Routes go stale quickly; submitting an old quote risks
// the on-chain price having moved past the slippage bound.
func (q *Quote) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(q.FetchedAt) <= ttl
}

type cachedPrice struct {
	price     float64
	fetchedAt time.Time
}

// Client calls the Jupiter quote, swap and price endpoints.
type Client struct {
	log *slog.Logger
	cfg ClientConfig

	priceMu sync.Mutex
	prices  map[string]cachedPrice
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		log:    cfg.Logger,
		cfg:    cfg,
		prices: make(map[string]cachedPrice),
	}, nil
}

// Quote fetches a swap route for the given amount of the input mint.
func (c *Client) Quote(ctx context.Context, inputMint, outputMint solana.PublicKey, amount uint64, slippageBps int) (*Quote, error) {
	u, err := url.Parse(c.cfg.BaseURL + quotePath)
	if err != nil {
		return nil, fmt.Errorf("failed to parse quote url: %w", err)
	}
	q := u.Query()
	q.Set("inputMint", inputMint.String())
	q.Set("outputMint", outputMint.String())
	q.Set("amount", strconv.FormatUint(amount, 10))
	q.Set("slippageBps", strconv.Itoa(slippageBps))
	q.Set("onlyDirectRoutes", "false")
	q.Set("asLegacyTransaction", "false")
	u.RawQuery = q.Encode()

	raw, err := c.get(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch quote: %w", err)
	}

	var payload struct {
		InputMint  string `json:"inputMint"`
		OutputMint string `json:"outputMint"`
		InAmount   string `json:"inAmount"`
		OutAmount  string `json:"outAmount"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode quote: %w", err)
	}
	outAmount, err := strconv.ParseUint(payload.OutAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("quote has no usable output amount: %w", err)
	}
	inAmount := amount
	if payload.InAmount != "" {
		if parsed, err := strconv.ParseUint(payload.InAmount, 10, 64); err == nil {
			inAmount = parsed
		}
	}

	quote := &Quote{
		InputMint:  payload.InputMint,
		OutputMint: payload.OutputMint,
		InAmount:   inAmount,
		OutAmount:  outAmount,
		Raw:        raw,
		FetchedAt:  c.cfg.Clock.Now(),
	}
	c.log.Debug("jupiter: quote fetched",
		"input_mint", quote.InputMint,
		"output_mint", quote.OutputMint,
		"in_amount", quote.InAmount,
		"out_amount", quote.OutAmount,
	)
	return quote, nil
}

// SwapTransaction asks the service to build the swap transaction for the
// quote. Returns the base64-serialized transaction, ready to deserialize,
// sign and submit.
func (c *Client) SwapTransaction(ctx context.Context, quote *Quote, userPublicKey solana.PublicKey) (string, error) {
	body, err := json.Marshal(map[string]any{
		"quoteResponse":             quote.Raw,
		"userPublicKey":             userPublicKey.String(),
		"wrapAndUnwrapSol":          true,
		"dynamicComputeUnitLimit":   true,
		"prioritizationFeeLamports": "auto",
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode swap request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+swapPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create swap request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch swap transaction: %w", err)
	}
	defer resp.Body.Close()
	raw, err := readResponse(resp)
	if err != nil {
		return "", fmt.Errorf("failed to fetch swap transaction: %w", err)
	}

	var payload struct {
		SwapTransaction string `json:"swapTransaction"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("failed to decode swap response: %w", err)
	}
	if payload.SwapTransaction == "" {
		return "", errors.New("swap response has no transaction")
	}
	return payload.SwapTransaction, nil
}

// Price returns the current USD price of the mint. Prices are cached for a
// minute; when the feed fails, a cached value under five minutes old is
// returned instead of an error.
func (c *Client) Price(ctx context.Context, mint solana.PublicKey) (float64, error) {
	key := mint.String()
	now := c.cfg.Clock.Now()

	c.priceMu.Lock()
	cached, ok := c.prices[key]
	c.priceMu.Unlock()
	if ok && now.Sub(cached.fetchedAt) < priceCacheTTL {
		return cached.price, nil
	}

	price, err := c.fetchPrice(ctx, key)
	if err != nil {
		if ok && now.Sub(cached.fetchedAt) < priceStaleTTL {
			c.log.Warn("jupiter: price feed failed, using stale price",
				"mint", key, "age", now.Sub(cached.fetchedAt).String(), "error", err)
			return cached.price, nil
		}
		return 0, err
	}

	c.priceMu.Lock()
	c.prices[key] = cachedPrice{price: price, fetchedAt: now}
	c.priceMu.Unlock()
	return price, nil
}

func (c *Client) fetchPrice(ctx context.Context, mint string) (float64, error) {
	u, err := url.Parse(c.cfg.PriceBaseURL + pricePath)
	if err != nil {
		return 0, fmt.Errorf("failed to parse price url: %w", err)
	}
	q := u.Query()
	q.Set("ids", mint)
	u.RawQuery = q.Encode()

	raw, err := c.get(ctx, u.String())
	if err != nil {
		return 0, fmt.Errorf("failed to fetch price: %w", err)
	}

	var payload struct {
		Data map[string]struct {
			Price float64 `json:"price"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return 0, fmt.Errorf("failed to decode price response: %w", err)
	}
	entry, ok := payload.Data[mint]
	if !ok || entry.Price <= 0 {
		return 0, fmt.Errorf("no price for mint %s", mint)
	}
	return entry.Price, nil
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return readResponse(resp)
}

func readResponse(resp *http.Response) ([]byte, error) {
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return io.ReadAll(resp.Body)
}
