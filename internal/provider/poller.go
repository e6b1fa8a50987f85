package provider

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"airsense/internal/ingest"
)

// Fetcher is any upstream client that can produce a batch of measurement
// messages. AirGradientClient and OpenAQClient both satisfy it.
type Fetcher interface {
	Fetch(ctx context.Context) ([]*ingest.MeasurementMessage, error)
}

// FetcherFunc adapts a plain fetch function to the Fetcher interface.
type FetcherFunc func(ctx context.Context) ([]*ingest.MeasurementMessage, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context) ([]*ingest.MeasurementMessage, error) {
	return f(ctx)
}

// MessagePublisher produces measurement messages onto the raw feed.
type MessagePublisher interface {
	Publish(ctx context.Context, msgs []*ingest.MeasurementMessage) error
}

// namedFetcher pairs a Fetcher with a label for logging.
type namedFetcher struct {
	name    string
	fetcher Fetcher
}

// Poller drives all configured providers on a fixed interval and publishes
// whatever they return. One failing provider does not block the others; its
// error is logged and the cycle continues.
type Poller struct {
	fetchers  []namedFetcher
	publisher MessagePublisher
	interval  time.Duration
	logger    *slog.Logger
}

// NewPoller creates a poller with no registered providers.
func NewPoller(publisher MessagePublisher, interval time.Duration, logger *slog.Logger) *Poller {
	return &Poller{
		publisher: publisher,
		interval:  interval,
		logger:    logger,
	}
}

// Register adds a named provider to the polling cycle.
func (p *Poller) Register(name string, fetcher Fetcher) {
	p.fetchers = append(p.fetchers, namedFetcher{name: name, fetcher: fetcher})
}

// Run polls immediately, then on every interval tick, until the context is
// canceled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

// pollOnce fetches from every provider concurrently and publishes each
// provider's batch as it completes.
func (p *Poller) pollOnce(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)

	for _, nf := range p.fetchers {
		g.Go(func() error {
			start := time.Now()
			msgs, err := nf.fetcher.Fetch(gctx)
			if err != nil {
				p.logger.Error("provider fetch failed",
					slog.String("provider", nf.name),
					slog.String("error", err.Error()),
				)
				return nil
			}
			if err := p.publisher.Publish(gctx, msgs); err != nil {
				p.logger.Error("publish failed",
					slog.String("provider", nf.name),
					slog.Int("messages", len(msgs)),
					slog.String("error", err.Error()),
				)
				return nil
			}
			p.logger.Info("provider poll complete",
				slog.String("provider", nf.name),
				slog.Int("messages", len(msgs)),
				slog.Duration("duration", time.Since(start).Round(time.Millisecond)),
			)
			return nil
		})
	}
	// Errors are handled per provider; the group never returns one.
	_ = g.Wait()
}
