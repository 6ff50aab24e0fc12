// Package devicestatus polls the display-device API for battery and
// connectivity status and keys it by viewer id.
package devicestatus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	// DefaultAPIHost is the public Joan portal API.
	DefaultAPIHost    = "https://portal.getjoan.com/api"
	apiVersion        = "1.0"
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 4
	maxPages          = 50
)

// Config holds API credentials and retry settings.
type Config struct {
	APIHost      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	MaxRetries   uint
	// InitialBackoff is the first retry delay; zero uses the backoff default.
	InitialBackoff time.Duration
}

// Device is one entry of the device listing.
type Device struct {
	UUID     string          `json:"uuid"`
	Name     string          `json:"name,omitempty"`
	Battery  float64         `json:"battery,omitempty"`
	Charging bool            `json:"charging,omitempty"`
	Online   bool            `json:"online,omitempty"`
	Signal   float64         `json:"signal,omitempty"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

type devicePage struct {
	Count   int               `json:"count"`
	Next    string            `json:"next"`
	Results []json.RawMessage `json:"results"`
}

// Client calls the device API with client-credentials tokens.
type Client struct {
	cfg  Config
	http *http.Client
}

// New builds a Client whose HTTP client fetches and refreshes tokens itself.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("device api client id and secret are required")
	}
	cfg = withDefaults(cfg)
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.APIHost + "/token/",
		Scopes:       []string{"read", "write"},
	}
	httpClient := cc.Client(ctx)
	httpClient.Timeout = cfg.Timeout
	return &Client{cfg: cfg, http: httpClient}, nil
}

// NewWithHTTPClient builds a Client around an already authenticated HTTP client.
func NewWithHTTPClient(cfg Config, httpClient *http.Client) *Client {
	return &Client{cfg: withDefaults(cfg), http: httpClient}
}

func withDefaults(cfg Config) Config {
	if cfg.APIHost == "" {
		cfg.APIHost = DefaultAPIHost
	}
	cfg.APIHost = strings.TrimRight(cfg.APIHost, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return cfg
}

// Devices lists every device visible to the credentials, following pagination.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	next := fmt.Sprintf("%s/v%s/devices/", c.cfg.APIHost, apiVersion)
	var devices []Device
	for page := 0; next != "" && page < maxPages; page++ {
		b := backoff.NewExponentialBackOff()
		if c.cfg.InitialBackoff > 0 {
			b.InitialInterval = c.cfg.InitialBackoff
		}
		p, err := backoff.Retry(ctx, func() (devicePage, error) {
			return c.getPage(ctx, next)
		},
			backoff.WithBackOff(b),
			backoff.WithMaxTries(c.cfg.MaxRetries),
		)
		if err != nil {
			return nil, fmt.Errorf("list devices: %w", err)
		}
		for _, raw := range p.Results {
			var d Device
			if err := json.Unmarshal(raw, &d); err != nil {
				return nil, fmt.Errorf("decode device: %w", err)
			}
			d.Raw = raw
			devices = append(devices, d)
		}
		next = p.Next
	}
	return devices, nil
}

func (c *Client) getPage(ctx context.Context, url string) (devicePage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return devicePage{}, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return devicePage{}, backoff.Permanent(err)
		}
		return devicePage{}, fmt.Errorf("get %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return devicePage{}, fmt.Errorf("read body: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if secs, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil && secs > 0 {
			return devicePage{}, backoff.RetryAfter(secs)
		}
		return devicePage{}, fmt.Errorf("device api throttled: %s", resp.Status)
	case resp.StatusCode >= 500:
		return devicePage{}, fmt.Errorf("device api error: %s", resp.Status)
	case resp.StatusCode != http.StatusOK:
		return devicePage{}, backoff.Permanent(fmt.Errorf("device api rejected request: %s", resp.Status))
	}

	var page devicePage
	if err := json.Unmarshal(body, &page); err != nil {
		return devicePage{}, backoff.Permanent(fmt.Errorf("decode device page: %w", err))
	}
	return page, nil
}
