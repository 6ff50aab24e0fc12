// Package acquire implements the fetch, convert, and store pipeline that drives
// artifacts from Absent through Fetched to Ready.
package acquire

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsstand/internal/newsstand"
	"github.com/JakeFAU/newsstand/internal/telemetry"
)

// Outcome summarises what happened to one (date, source) pair.
type Outcome string

// Pipeline outcomes.
const (
	OutcomeReady            Outcome = "ready"
	OutcomeConverted        Outcome = "converted"
	OutcomeUnavailable      Outcome = "unavailable"
	OutcomeTransportFailure Outcome = "transport_failure"
	OutcomeCorrupt          Outcome = "corrupt"
	OutcomeInFlight         Outcome = "in_flight"
	// OutcomeFailed covers local failures such as store errors or bad URL templates.
	OutcomeFailed Outcome = "failed"
)

// DefaultReadyTopic is the event type attached to ready notifications.
const DefaultReadyTopic = "artifact.ready"

const (
	defaultMaxInFlight  = 4
	defaultFetchTimeout = 60 * time.Second
	defaultWidth        = 1600
)

// Limiter throttles outbound requests per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Config controls pipeline behavior.
type Config struct {
	Width        int
	MaxInFlight  int
	FetchTimeout time.Duration
	ReadyTopic   string
}

// Result is the outcome for one pair.
type Result struct {
	Key     newsstand.ArtifactKey
	Outcome Outcome
	Err     error
}

// Report aggregates the results of one Acquire call.
type Report struct {
	Results []Result
	Counts  map[Outcome]int
}

// Count returns the number of results with the given outcome.
func (r Report) Count(o Outcome) int {
	return r.Counts[o]
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithLimiter throttles fetches per host.
func WithLimiter(l Limiter) Option {
	return func(p *Pipeline) { p.limiter = l }
}

// WithPublisher announces newly Ready artifacts.
func WithPublisher(pub newsstand.Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// WithArchiver mirrors newly Ready rasters.
func WithArchiver(a newsstand.Archiver) Option {
	return func(p *Pipeline) { p.archiver = a }
}

// WithHasher digests fetched documents for ready events.
func WithHasher(h newsstand.Hasher) Option {
	return func(p *Pipeline) { p.hasher = h }
}

// WithClock overrides the time source used for event timestamps.
func WithClock(c newsstand.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// Pipeline acquires artifacts into the cache store.
type Pipeline struct {
	store      newsstand.CacheStore
	fetcher    newsstand.Fetcher
	rasterizer newsstand.Rasterizer
	limiter    Limiter
	publisher  newsstand.Publisher
	archiver   newsstand.Archiver
	hasher     newsstand.Hasher
	clock      newsstand.Clock
	cfg        Config
	logger     *zap.Logger

	inFlight sync.Map
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// New constructs a Pipeline.
func New(
	store newsstand.CacheStore,
	fetcher newsstand.Fetcher,
	rasterizer newsstand.Rasterizer,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Width <= 0 {
		cfg.Width = defaultWidth
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.ReadyTopic == "" {
		cfg.ReadyTopic = DefaultReadyTopic
	}
	p := &Pipeline{
		store:      store,
		fetcher:    fetcher,
		rasterizer: rasterizer,
		clock:      systemClock{},
		cfg:        cfg,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire processes every (date, source) pair concurrently, bounded by
// MaxInFlight. It never aborts early; each pair gets its own Result.
func (p *Pipeline) Acquire(ctx context.Context, dates []newsstand.DateKey, sources []newsstand.Source) Report {
	ctx, span := telemetry.Tracer().Start(ctx, "acquire")
	defer span.End()
	span.SetAttributes(
		attribute.Int("acquire.dates", len(dates)),
		attribute.Int("acquire.sources", len(sources)),
	)

	workers := pool.NewWithResults[Result]().WithMaxGoroutines(p.cfg.MaxInFlight)
	for _, date := range dates {
		for _, src := range sources {
			workers.Go(func() Result {
				return p.AcquireOne(ctx, date, src)
			})
		}
	}
	results := workers.Wait()

	report := Report{Results: results, Counts: make(map[Outcome]int)}
	for _, r := range results {
		report.Counts[r.Outcome]++
	}
	p.logger.Info("acquisition finished",
		zap.Int("pairs", len(results)),
		zap.Int("converted", report.Counts[OutcomeConverted]),
		zap.Int("ready", report.Counts[OutcomeReady]),
		zap.Int("unavailable", report.Counts[OutcomeUnavailable]),
		zap.Int("transport_failure", report.Counts[OutcomeTransportFailure]),
		zap.Int("corrupt", report.Counts[OutcomeCorrupt]),
		zap.Int("failed", report.Counts[OutcomeFailed]),
	)
	if n := report.Counts[OutcomeTransportFailure] + report.Counts[OutcomeFailed]; n > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d pairs failed", n))
	}
	return report
}

// AcquireOne drives a single artifact as far towards Ready as it can go.
func (p *Pipeline) AcquireOne(ctx context.Context, date newsstand.DateKey, src newsstand.Source) Result {
	key := newsstand.ArtifactKey{Date: date, SourceID: src.ID}
	res := p.acquire(ctx, key, src)
	telemetry.ObserveAcquire(src.ID, string(res.Outcome))
	return res
}

func (p *Pipeline) acquire(ctx context.Context, key newsstand.ArtifactKey, src newsstand.Source) Result {
	if err := key.Validate(); err != nil {
		return p.fail(key, OutcomeFailed, err)
	}
	if _, busy := p.inFlight.LoadOrStore(key, struct{}{}); busy {
		p.logger.Debug("artifact already in flight", zap.Stringer("key", key))
		return Result{Key: key, Outcome: OutcomeInFlight}
	}
	telemetry.IncInFlight()
	defer func() {
		p.inFlight.Delete(key)
		telemetry.DecInFlight()
	}()

	state, err := newsstand.StateOf(ctx, p.store, key)
	if err != nil {
		return p.fail(key, OutcomeFailed, fmt.Errorf("read state: %w", err))
	}

	var (
		document  []byte
		sourceURL string
	)
	switch state {
	case newsstand.StateReady:
		return Result{Key: key, Outcome: OutcomeReady}
	case newsstand.StateFetched:
		document, err = p.readDocument(ctx, key)
		if err != nil {
			return p.fail(key, OutcomeFailed, err)
		}
	default:
		sourceURL, err = src.URLFor(key.Date)
		if err != nil {
			return p.fail(key, OutcomeFailed, err)
		}
		document, err = p.fetch(ctx, sourceURL)
		switch {
		case errors.Is(err, newsstand.ErrSourceUnavailable):
			p.logger.Info("document not published",
				zap.Stringer("key", key), zap.String("url", sourceURL), zap.Error(err))
			return Result{Key: key, Outcome: OutcomeUnavailable, Err: err}
		case err != nil:
			return p.fail(key, OutcomeTransportFailure, err)
		}
		if err := p.store.Put(ctx, key, newsstand.KindDocument, bytes.NewReader(document)); err != nil {
			return p.fail(key, OutcomeFailed, fmt.Errorf("store document: %w", err))
		}
		p.logger.Debug("document stored", zap.Stringer("key", key), zap.Int("bytes", len(document)))
	}

	return p.convert(ctx, key, src, sourceURL, document)
}

func (p *Pipeline) fetch(ctx context.Context, url string) ([]byte, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, url); err != nil {
			return nil, fmt.Errorf("%w: %w", newsstand.ErrTransport, err)
		}
	}
	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	doc, err := p.fetcher.Fetch(fetchCtx, url)
	if err != nil {
		if !errors.Is(err, newsstand.ErrSourceUnavailable) && !errors.Is(err, newsstand.ErrTransport) {
			err = fmt.Errorf("%w: %w", newsstand.ErrTransport, err)
		}
		return nil, err
	}
	telemetry.ObserveFetch(url, len(doc.Body))
	return doc.Body, nil
}

func (p *Pipeline) readDocument(ctx context.Context, key newsstand.ArtifactKey) ([]byte, error) {
	rc, err := p.store.Open(ctx, key, newsstand.KindDocument)
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return data, nil
}

func (p *Pipeline) convert(
	ctx context.Context,
	key newsstand.ArtifactKey,
	src newsstand.Source,
	sourceURL string,
	document []byte,
) Result {
	start := time.Now()
	raster, err := p.rasterizer.Rasterize(ctx, document, p.cfg.Width)
	telemetry.ObserveRaster(time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return p.fail(key, OutcomeFailed, err)
		}
		if delErr := p.store.Delete(ctx, key, newsstand.KindDocument); delErr != nil {
			p.logger.Error("failed to delete corrupt document", zap.Stringer("key", key), zap.Error(delErr))
		}
		if !errors.Is(err, newsstand.ErrCorruptDocument) {
			err = fmt.Errorf("%w: %w", newsstand.ErrCorruptDocument, err)
		}
		return p.fail(key, OutcomeCorrupt, err)
	}
	if err := p.store.Put(ctx, key, newsstand.KindRaster, bytes.NewReader(raster)); err != nil {
		return p.fail(key, OutcomeFailed, fmt.Errorf("store raster: %w", err))
	}
	p.logger.Info("artifact ready", zap.Stringer("key", key), zap.Int("raster_bytes", len(raster)))

	p.announce(ctx, key, src, sourceURL, document, raster)
	return Result{Key: key, Outcome: OutcomeConverted}
}

// announce mirrors the raster and publishes a ready event. Failures are warnings.
func (p *Pipeline) announce(
	ctx context.Context,
	key newsstand.ArtifactKey,
	src newsstand.Source,
	sourceURL string,
	document, raster []byte,
) {
	if p.publisher == nil && p.archiver == nil {
		return
	}
	if sourceURL == "" && src.URL != nil {
		sourceURL, _ = src.URLFor(key.Date)
	}
	event := newsstand.ReadyEvent{
		Date:        key.Date,
		SourceID:    key.SourceID,
		SourceURL:   sourceURL,
		ConvertedAt: p.clock.Now(),
	}
	if p.hasher != nil {
		if digest, err := p.hasher.Hash(document); err == nil {
			event.Digest = digest
		} else {
			p.logger.Warn("digest failed", zap.Stringer("key", key), zap.Error(err))
		}
	}
	if p.archiver != nil {
		uri, err := p.archiver.PutObject(ctx, key.Path(newsstand.KindRaster), newsstand.KindRaster.ContentType(), bytes.NewReader(raster))
		if err != nil {
			p.logger.Warn("archive upload failed", zap.Stringer("key", key), zap.Error(err))
		} else {
			event.ArchiveURI = uri
		}
	}
	if p.publisher != nil {
		if _, err := p.publisher.Publish(ctx, p.cfg.ReadyTopic, event); err != nil {
			p.logger.Warn("ready event publish failed", zap.Stringer("key", key), zap.Error(err))
		}
	}
}

func (p *Pipeline) fail(key newsstand.ArtifactKey, outcome Outcome, err error) Result {
	p.logger.Error("acquisition failed",
		zap.Stringer("key", key), zap.String("outcome", string(outcome)), zap.Error(err))
	return Result{Key: key, Outcome: outcome, Err: err}
}
