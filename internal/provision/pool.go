package provision

import (
	"context"
	"errors"
	"sync"
	"time"

	"log/slog"
)

const (
	defaultPollTimeout = 5 * time.Second
	dequeueBackoff     = time.Second
)

// Source yields environment ids to provision.
type Source interface {
	Dequeue(ctx context.Context, timeout time.Duration) (string, error)
}

// Handler provisions a single environment.
type Handler interface {
	Provision(ctx context.Context, environmentID string) error
}

// Pool runs a fixed number of consumers draining a Source.
type Pool struct {
	source      Source
	handler     Handler
	workers     int
	pollTimeout time.Duration
	logger      *slog.Logger
}

// NewPool constructs a pool with at least one consumer.
func NewPool(source Source, handler Handler, workers int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		source:      source,
		handler:     handler,
		workers:     workers,
		pollTimeout: defaultPollTimeout,
		logger:      logger,
	}
}

// Run blocks until ctx is cancelled and every in-flight provisioning has returned.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("provisioner started", "workers", p.workers)
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.consume(ctx, worker)
		}(i)
	}
	wg.Wait()
	p.logger.Info("provisioner stopped")
}

func (p *Pool) consume(ctx context.Context, worker int) {
	log := p.logger.With("worker", worker)
	for ctx.Err() == nil {
		id, err := p.source.Dequeue(ctx, p.pollTimeout)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			log.Warn("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueBackoff):
			}
			continue
		}
		if id == "" {
			continue
		}
		// In-flight work finishes even when shutdown begins.
		if err := p.handler.Provision(context.WithoutCancel(ctx), id); err != nil {
			log.Warn("provisioning returned error", "environment_id", id, "error", err)
		}
	}
}
