package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/taxflow/internal/common"
)

// Gateway wraps a transport with response caching, rate limiting, and
// retry with a per-call timeout. It is itself a Client.
type Gateway struct {
	client      Client
	cache       *responseCache
	logger      *slog.Logger
	rateLimiter *rateLimiter
	retryOpts   common.RetryOptions
}

// NewGateway creates a gateway around an existing transport.
func NewGateway(client Client, cfg Config, logger *slog.Logger) *Gateway {
	logger = common.Component(logger, "llm")

	retryOpts := common.RetryOptions{
		Logger:       logger,
		MaxAttempts:  cfg.MaxRetries,
		InitialDelay: cfg.RetryDelay,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		CallTimeout:  cfg.CallTimeout,
	}

	if retryOpts.MaxAttempts == 0 {
		retryOpts.MaxAttempts = 3
	}
	if retryOpts.InitialDelay == 0 {
		retryOpts.InitialDelay = time.Second
	}
	if retryOpts.CallTimeout == 0 {
		retryOpts.CallTimeout = 45 * time.Second
	}

	return &Gateway{
		client:      client,
		cache:       newResponseCache(cfg.CacheTTL),
		logger:      logger,
		retryOpts:   retryOpts,
		rateLimiter: newRateLimiter(cfg.RateLimit),
	}
}

// New builds the configured provider transport and wraps it in a Gateway.
func New(cfg Config, logger *slog.Logger) (*Gateway, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	return NewGateway(client, cfg, logger), nil
}

// Complete returns a cached completion when one exists, otherwise calls the
// transport under the rate limiter with retries. Failures after the last
// attempt are reported as dependency errors.
func (g *Gateway) Complete(ctx context.Context, req Request) (Response, error) {
	key := cacheKey(req)
	if cached, found := g.cache.get(key); found {
		g.logger.Debug("cache hit for completion", "key", key[:12])
		cached.Cached = true
		return cached, nil
	}

	var response Response
	err := common.WithRetry(ctx, func(callCtx context.Context) error {
		if err := g.rateLimiter.wait(callCtx); err != nil {
			return fmt.Errorf("rate limit error: %w", err)
		}

		resp, err := g.client.Complete(callCtx, req)
		if err != nil {
			g.logger.Warn("LLM completion attempt failed", "error", err)
			var retryable *common.RetryableError
			if errors.As(err, &retryable) || errors.Is(err, common.ErrRateLimit) {
				return err
			}
			return &common.RetryableError{Err: err, Retryable: true}
		}
		if resp.Content == "" {
			return &common.RetryableError{Err: fmt.Errorf("empty completion"), Retryable: true}
		}

		response = resp
		return nil
	}, g.retryOpts)

	if err != nil {
		return Response{}, common.DependencyError("language model unavailable", err)
	}

	g.cache.set(key, response)
	return response, nil
}

// Close releases cached completions.
func (g *Gateway) Close() error {
	g.cache.Close()
	return nil
}
