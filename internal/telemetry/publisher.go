package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/resolvix/agent/internal/spool"
)

const (
	// DefaultPublishInterval between spool drains.
	DefaultPublishInterval = 60 * time.Second

	// DefaultBatchSize is how many spool entries one drain processes.
	DefaultBatchSize = 10

	// DefaultMaxRetries before a spool entry is discarded.
	DefaultMaxRetries = 3

	userAgent = "ResolvixDaemon/1.0"
)

// DefaultBackoff is the wait sequence between attempts within one POST.
var DefaultBackoff = []time.Duration{5 * time.Second, 15 * time.Second, 60 * time.Second}

// PublisherConfig carries the tunables for a Publisher.
type PublisherConfig struct {
	Endpoint   string          // full URL of the snapshot endpoint
	Interval   time.Duration   // drain interval; DefaultPublishInterval when zero
	BatchSize  int             // entries per drain; DefaultBatchSize when zero
	MaxRetries int             // spool retry budget; DefaultMaxRetries when zero
	Backoff    []time.Duration // in-call retry waits; DefaultBackoff when nil
	Timeout    time.Duration   // per-request timeout; 10s when zero
}

// Publisher drains the spool on a fixed interval and posts each entry to the
// backend. Entries are processed in spool order; a failing entry is retried
// with the backoff sequence inside its POST and then marked failed, after
// which the drain continues with the next entry.
type Publisher struct {
	cfg    PublisherConfig
	spool  *spool.Spool
	tokens *TokenSource
	client *http.Client
	logger *slog.Logger
}

// NewPublisher builds a Publisher over sp. tokens may be nil when the
// endpoint is unauthenticated.
func NewPublisher(cfg PublisherConfig, sp *spool.Spool, tokens *TokenSource, logger *slog.Logger) *Publisher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPublishInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Publisher{
		cfg:    cfg,
		spool:  sp,
		tokens: tokens,
		client: &http.Client{
			Timeout: cfg.Timeout,
			// All requests target one backend host; keep the pool small.
			Transport: &http.Transport{MaxConnsPerHost: 5, MaxIdleConnsPerHost: 2},
		},
		logger: logger,
	}
}

// Run drains the spool until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	p.logger.Info("telemetry: publisher starting",
		slog.String("endpoint", p.cfg.Endpoint),
		slog.Duration("interval", p.cfg.Interval))

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("telemetry: publisher stopped")
			return
		case <-ticker.C:
			p.Drain(ctx)
		}
	}
}

// Drain processes one batch from the spool.
func (p *Publisher) Drain(ctx context.Context) {
	entries, err := p.spool.Dequeue(ctx, p.cfg.BatchSize)
	if err != nil {
		p.logger.Error("telemetry: dequeue failed", slog.Any("error", err))
		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		p.publishEntry(ctx, entry)
	}
}

// publishEntry posts one entry, walking the backoff sequence on retryable
// failures, and settles the entry's spool state.
func (p *Publisher) publishEntry(ctx context.Context, entry spool.Entry) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		status, err := p.post(ctx, entry.Payload)
		switch {
		case err == nil && status < 300:
			if merr := p.spool.MarkSent(ctx, entry.ID); merr != nil {
				p.logger.Error("telemetry: mark sent failed",
					slog.Int64("id", entry.ID), slog.Any("error", merr))
			}
			return

		case err == nil && status >= 400 && status < 500:
			// Unrecoverable for this payload; discard so the queue drains.
			p.logger.Error("telemetry: backend rejected snapshot",
				slog.Int64("id", entry.ID), slog.Int("status", status))
			if merr := p.spool.MarkSent(ctx, entry.ID); merr != nil {
				p.logger.Error("telemetry: mark sent failed",
					slog.Int64("id", entry.ID), slog.Any("error", merr))
			}
			return

		default:
			if err != nil {
				lastErr = err
			} else {
				lastErr = fmt.Errorf("server status %d", status)
			}
		}

		if attempt >= len(p.cfg.Backoff) {
			break
		}
		wait := p.cfg.Backoff[attempt]
		p.logger.Warn("telemetry: publish attempt failed, backing off",
			slog.Int64("id", entry.ID),
			slog.Int("attempt", attempt+1),
			slog.Duration("wait", wait),
			slog.Any("error", lastErr))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}

	discarded, err := p.spool.MarkFailed(ctx, entry.ID, p.cfg.MaxRetries)
	if err != nil {
		p.logger.Error("telemetry: mark failed errored",
			slog.Int64("id", entry.ID), slog.Any("error", err))
		return
	}
	p.logger.Warn("telemetry: snapshot publish exhausted backoff",
		slog.Int64("id", entry.ID),
		slog.Int("retry_count", entry.RetryCount+1),
		slog.Bool("discarded", discarded),
		slog.Any("error", lastErr))
}

// post performs one POST of body to the endpoint. The returned status is
// meaningful only when err is nil.
func (p *Publisher) post(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("telemetry: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if p.tokens != nil {
		if token := p.tokens.Token(ctx); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("telemetry: post snapshot: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
