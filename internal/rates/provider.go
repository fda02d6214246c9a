package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"xrp-payment-monitor/internal/metrics"
	"xrp-payment-monitor/internal/resilience"

	"github.com/shopspring/decimal"
)

const opFetchRate = "rates.fetch"

// Provider returns the spot exchange rate for base→quote.
type Provider interface {
	FetchRate(ctx context.Context, base, quote string) (decimal.Decimal, error)
}

// CoinMarketCapProvider reads quotes from the CoinMarketCap pro API
type CoinMarketCapProvider struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

var _ Provider = (*CoinMarketCapProvider)(nil)

func NewCoinMarketCapProvider(baseURL, apiKey string, httpClient *http.Client) *CoinMarketCapProvider {
	return &CoinMarketCapProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
	}
}

type quotesResponse struct {
	Status struct {
		ErrorCode    int    `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
	Data map[string]struct {
		Quote map[string]struct {
			Price json.Number `json:"price"`
		} `json:"quote"`
	} `json:"data"`
}

func (p *CoinMarketCapProvider) FetchRate(ctx context.Context, base, quote string) (rate decimal.Decimal, err error) {
	start := time.Now()
	defer func() { metrics.ObserveDependency("rates", start, err) }()

	q := url.Values{}
	q.Set("symbol", base)
	q.Set("convert", quote)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/cryptocurrency/quotes/latest?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, resilience.Malformed(opFetchRate, err)
	}
	req.Header.Set("X-CMC_PRO_API_KEY", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return decimal.Zero, err
		}
		return decimal.Zero, resilience.Transient(opFetchRate, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Zero, resilience.Transient(opFetchRate, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return decimal.Zero, resilience.Transient(opFetchRate, fmt.Errorf("rate provider returned HTTP %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return decimal.Zero, resilience.Malformed(opFetchRate, fmt.Errorf("rate provider returned HTTP %d", resp.StatusCode)).
			WithDetail("currency", quote)
	}

	return parseQuote(body, base, quote)
}

func parseQuote(body []byte, base, quote string) (decimal.Decimal, error) {
	var parsed quotesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return decimal.Zero, resilience.Malformed(opFetchRate, fmt.Errorf("unable to decode quote: %w", err))
	}
	if parsed.Status.ErrorCode != 0 {
		return decimal.Zero, resilience.Malformed(opFetchRate, fmt.Errorf("rate provider error %d: %s", parsed.Status.ErrorCode, parsed.Status.ErrorMessage))
	}

	asset, ok := parsed.Data[base]
	if !ok {
		return decimal.Zero, resilience.Malformed(opFetchRate, fmt.Errorf("quote has no data for %s", base))
	}
	price, ok := asset.Quote[quote]
	if !ok || price.Price == "" {
		return decimal.Zero, resilience.Malformed(opFetchRate, fmt.Errorf("quote has no %s price for %s", quote, base))
	}

	rate, err := decimal.NewFromString(price.Price.String())
	if err != nil {
		return decimal.Zero, resilience.Malformed(opFetchRate, fmt.Errorf("invalid price %q: %w", price.Price, err))
	}
	if !rate.IsPositive() {
		return decimal.Zero, resilience.Malformed(opFetchRate, fmt.Errorf("non-positive price %s", rate))
	}
	return rate, nil
}
