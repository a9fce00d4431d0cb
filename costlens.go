// Package costlens is a client SDK that traces LLM and vector database
// calls made through a wrapped http.Client, attributes their cost, and
// ships the resulting spans to a collector in batches.
package costlens

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/costlens/costlens/export"
	"github.com/costlens/costlens/intercept"
	"github.com/costlens/costlens/pricing"
	"github.com/costlens/costlens/span"
)

// Client owns the interception transport, the pricing table, and the
// background exporter. One Client per process is the intended shape.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	table    *pricing.Table
	exporter *export.Exporter
	ruleSet  []intercept.Rule
	enabled  atomic.Bool

	mu         sync.Mutex
	transports []*intercept.Transport

	cancelExport context.CancelFunc
}

// Option customizes a Client beyond what Config carries.
type Option func(*clientOptions)

type clientOptions struct {
	logger    *slog.Logger
	table     *pricing.Table
	submitter export.Submitter
	rules     []intercept.Rule
}

// WithLogger sets the logger used for SDK diagnostics. The default
// discards nothing and writes through slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) { o.logger = logger }
}

// WithPricingTable replaces the built-in rate table.
func WithPricingTable(table *pricing.Table) Option {
	return func(o *clientOptions) { o.table = table }
}

// WithSubmitter replaces the HTTP submitter, mainly for tests.
func WithSubmitter(s export.Submitter) Option {
	return func(o *clientOptions) { o.submitter = s }
}

// WithRules replaces the host classification rules.
func WithRules(rules []intercept.Rule) Option {
	return func(o *clientOptions) { o.rules = rules }
}

// New builds a Client and starts its background exporter. Call Shutdown
// before process exit to drain buffered spans.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.applyDefaults()

	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", "costlens")
	}
	if o.submitter == nil {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("costlens config: %w", err)
		}
		o.submitter = &export.HTTPSubmitter{Endpoint: cfg.CollectorEndpoint}
	}
	if o.table == nil {
		if cfg.PricingTable != "" {
			loaded, err := pricing.LoadFile(cfg.PricingTable)
			if err != nil {
				return nil, fmt.Errorf("load pricing table: %w", err)
			}
			o.table = loaded
		} else {
			o.table = pricing.DefaultTable()
		}
	}
	if o.rules == nil {
		o.rules = intercept.DefaultRules()
	}

	c := &Client{
		cfg:    cfg,
		logger: o.logger,
		table:  o.table,
	}
	c.enabled.Store(cfg.IsEnabled())
	c.exporter = export.New(o.submitter, export.Options{
		FlushInterval:  cfg.FlushInterval,
		MaxBatchSize:   cfg.MaxBatchSize,
		MaxBufferSpans: cfg.MaxBufferSpans,
		Logger:         o.logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelExport = cancel
	c.exporter.Start(ctx)

	c.ruleSet = o.rules
	return c, nil
}

// Transport wraps base (nil means http.DefaultTransport) with call
// interception. Use it when an SDK only accepts a RoundTripper.
func (c *Client) Transport(base http.RoundTripper) http.RoundTripper {
	t := intercept.NewTransport(base, intercept.Options{
		Rules:     c.ruleSet,
		Recorder:  (*clientRecorder)(c),
		Logger:    c.logger,
		EndUserID: c.cfg.EndUserID,
	})
	t.SetEnabled(c.enabled.Load())
	c.mu.Lock()
	c.transports = append(c.transports, t)
	c.mu.Unlock()
	return t
}

// HTTPClient returns an http.Client whose transport intercepts traced
// calls. Pass it to provider SDK constructors.
func (c *Client) HTTPClient(base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	clone := *base
	clone.Transport = c.Transport(base.Transport)
	return &clone
}

// SetEnabled flips the kill-switch at runtime for this client and every
// transport it has handed out.
func (c *Client) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.transports {
		t.SetEnabled(enabled)
	}
}

// Enabled reports the kill-switch state.
func (c *Client) Enabled() bool { return c.enabled.Load() }

// Flush forces a synchronous drain of the span buffer.
func (c *Client) Flush(ctx context.Context) error {
	return c.exporter.Flush(ctx)
}

// Shutdown drains buffered spans and stops the exporter. The client is
// unusable afterwards.
func (c *Client) Shutdown(ctx context.Context) error {
	err := c.exporter.Shutdown(ctx)
	c.cancelExport()
	return err
}

// Diagnostics reports exporter buffer pressure and drop counters.
func (c *Client) Diagnostics() export.Diagnostics {
	return c.exporter.Diagnostics()
}

// clientRecorder prices spans and hands them to the exporter. It is the
// Client under another method set so transports do not retain a cycle of
// exported API.
type clientRecorder Client

func (r *clientRecorder) Record(s *span.Span) {
	c := (*Client)(r)
	if !c.enabled.Load() {
		return
	}
	if s.Provider != "" {
		cost, priced := c.table.Price(s.Provider, s.Model, s.Usage, s.StartedAt)
		s.CostUSD = cost
		s.Unpriced = !priced
		if !priced {
			c.logger.Debug("no pricing record for model",
				"provider", s.Provider, "model", s.Model)
		}
	}
	c.record(s)
}

func (c *Client) record(s *span.Span) {
	s.Normalize()
	if !c.exporter.Enqueue(s) {
		// The exporter logs overflow drops itself; this covers the
		// enqueue-after-shutdown race.
		c.logger.Debug("span enqueue reported loss", "span_id", s.SpanID)
	}
}
