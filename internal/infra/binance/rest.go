package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"wallwatch/internal/domain"
	"wallwatch/internal/infra"
)

// RestClient fetches REST depth anchors. Shares one http.Client with
// optional proxy support for the exchange endpoints.
type RestClient struct {
	httpClient *http.Client
	logger     *slog.Logger

	spotDepthURL    string
	futuresDepthURL string
}

// NewRestClient builds the client. proxyURL may be empty; http, https and
// socks5 schemes are understood by the transport.
func NewRestClient(cfg *infra.Config) (*RestClient, error) {
	transport := &http.Transport{
		MaxIdleConns:    10,
		IdleConnTimeout: 30 * time.Second,
	}
	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, &domain.ConfigError{Field: "proxy_url", Err: err}
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	return &RestClient{
		httpClient: &http.Client{
			Timeout:   time.Duration(cfg.Timing.RESTTimeoutSec) * time.Second,
			Transport: transport,
		},
		logger:          slog.Default().With("module", "binance_rest"),
		spotDepthURL:    infra.SpotRESTDepth,
		futuresDepthURL: infra.FuturesRESTDepth,
	}, nil
}

// FetchDepth fetches the depth snapshot for one market in up to three
// attempts, waiting 2s and then 4s between them.
func (c *RestClient) FetchDepth(ctx context.Context, market domain.Market) (*DepthSnapshot, error) {
	endpoint := c.spotDepthURL
	if market.IsFutures() {
		endpoint = c.futuresDepthURL
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<attempt) * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		snap, err := c.fetchOnce(ctx, endpoint)
		if err == nil {
			return snap, nil
		}
		lastErr = err
		c.logger.Warn("depth snapshot fetch failed",
			slog.String("market", string(market)),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
	}

	return nil, domain.NewNetworkError("fetch depth "+string(market), lastErr)
}

func (c *RestClient) fetchOnce(ctx context.Context, endpoint string) (*DepthSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("depth endpoint: status=%d body=%.128s", resp.StatusCode, string(body))
	}

	var snap DepthSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("parse depth snapshot: %w", err)
	}
	if snap.LastUpdateID == 0 {
		return nil, fmt.Errorf("depth snapshot missing lastUpdateId")
	}
	return &snap, nil
}
