// Package collyfetcher implements newsstand.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/newsstand/internal/newsstand"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxBodySize = 64 << 20
)

// ErrBodyTooLarge reports a response longer than Config.MaxBodySize. It is
// always wrapped with newsstand.ErrTransport.
var ErrBodyTooLarge = errors.New("response body exceeds size limit")

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
}

// Fetcher implements newsstand.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// fetchState collects what the collector callbacks observed for one visit.
type fetchState struct {
	doc        newsstand.Document
	statusCode int
	err        error
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	// The same document URL is requested on every pass until it exists.
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		// One byte past the limit distinguishes an oversized body from one that
		// fits exactly.
		colly.MaxBodySize(cfg.MaxBodySize+1),
	)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch downloads url. Not-found responses wrap newsstand.ErrSourceUnavailable;
// every other failure wraps newsstand.ErrTransport.
func (f *Fetcher) Fetch(ctx context.Context, url string) (newsstand.Document, error) {
	state := &fetchState{}
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, time.Now(), state)

	if err := f.runCollector(ctx, collector, url, state); err != nil {
		return newsstand.Document{}, err
	}
	return state.doc, nil
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, start time.Time, state *fetchState) {
	hooks.OnResponse(func(r *colly.Response) {
		state.statusCode = r.StatusCode
		if len(r.Body) > f.cfg.MaxBodySize {
			state.err = fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, f.cfg.MaxBodySize)
			return
		}
		state.doc = newsstand.Document{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			state.statusCode = r.StatusCode
		}
		state.err = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, state *fetchState) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: fetch canceled: %w", newsstand.ErrTransport, ctx.Err())
	case err := <-done:
		if err == nil {
			err = state.err
		}
		return classify(url, state.statusCode, err)
	}
}

// classify maps the outcome of a visit onto the fetch error taxonomy.
func classify(url string, statusCode int, err error) error {
	switch {
	case statusCode == http.StatusNotFound || statusCode == http.StatusGone:
		return fmt.Errorf("%w: %s returned %d", newsstand.ErrSourceUnavailable, url, statusCode)
	case err != nil:
		return fmt.Errorf("%w: %s: %w", newsstand.ErrTransport, url, err)
	case statusCode < 200 || statusCode > 299:
		return fmt.Errorf("%w: %s returned %d", newsstand.ErrTransport, url, statusCode)
	default:
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
