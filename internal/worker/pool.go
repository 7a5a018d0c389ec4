package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"localcron/internal/clock"
	"localcron/internal/domain"
	"localcron/internal/queue"
)

type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) error { return f(ctx, payload) }

type Pool struct {
	repo      queue.Repository
	handlers  map[string]Handler
	sem       chan struct{}
	pollEvery time.Duration
	clock     clock.Clock
	logger    zerolog.Logger
	wg        sync.WaitGroup
}

type Option func(*Pool)

func WithClock(c clock.Clock) Option { return func(p *Pool) { p.clock = c } }

func WithLogger(l zerolog.Logger) Option { return func(p *Pool) { p.logger = l } }

func NewPool(repo queue.Repository, handlers map[string]Handler, size int, pollEvery time.Duration, opts ...Option) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		repo:      repo,
		handlers:  handlers,
		sem:       make(chan struct{}, size),
		pollEvery: pollEvery,
		clock:     clock.Real(),
		logger:    log.Logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls the queue until ctx is done, then waits for in-flight tasks.
func (p *Pool) Run(ctx context.Context) {
	t := p.clock.NewTicker(p.pollEvery)
	defer t.Stop()
	defer p.wg.Wait()

	p.logger.Info().Int("workers", cap(p.sem)).Dur("poll", p.pollEvery).Msg("worker pool started")
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			p.drain(ctx, now)
		}
	}
}

// drain leases due tasks until the queue is empty or ctx ends, running each
// on its own goroutine bounded by the pool size.
func (p *Pool) drain(ctx context.Context, now time.Time) {
	for ctx.Err() == nil {
		// A slot is taken before leasing so a cancelled wait leaves nothing running.
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		task, _, err := p.repo.LeaseNext(ctx, now)
		if err != nil {
			<-p.sem
			if !errors.Is(err, queue.ErrEmpty) {
				p.logger.Error().Err(err).Msg("failed to lease task")
			}
			return
		}

		p.wg.Add(1)
		go func(tk domain.Task) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.execute(ctx, tk)
		}(task)
	}
}

func (p *Pool) execute(ctx context.Context, tk domain.Task) {
	logger := p.logger.With().Str("task_id", tk.ID).Str("type", tk.Type).Int("attempt", tk.Attempts+1).Logger()
	// Outcomes are recorded even when shutdown cancels ctx mid-task.
	store := context.WithoutCancel(ctx)

	h, ok := p.handlers[tk.Type]
	if !ok {
		logger.Error().Msg("no handler for task type")
		if err := p.repo.Fail(store, tk.ID, "no handler"); err != nil {
			logger.Error().Err(err).Msg("failed to mark task failed")
		}
		return
	}

	c, cancel := context.WithTimeout(ctx, time.Duration(tk.VisibilityTimeout)*time.Second)
	defer cancel()
	c = logger.WithContext(c)

	if err := safeHandle(c, h, tk.Payload); err != nil {
		next := backoffExp(tk.Attempts)
		logger.Warn().Err(err).Dur("retry_in", next).Msg("task failed")
		if err := p.repo.Retry(store, tk.ID, err.Error(), next); err != nil {
			logger.Error().Err(err).Msg("failed to schedule retry")
		}
		return
	}
	if err := p.repo.Succeed(store, tk.ID); err != nil {
		logger.Error().Err(err).Msg("failed to mark task succeeded")
		return
	}
	logger.Info().Msg("task succeeded")
}

// safeHandle turns a handler panic into an error.
func safeHandle(ctx context.Context, h Handler, payload json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := make([]byte, 4096)
			n := runtime.Stack(stack, false)
			err = fmt.Errorf("handler panic: %v\n%s", r, stack[:n])
		}
	}()
	return h.Handle(ctx, payload)
}

func backoffExp(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	if attempts > 7 {
		return 60 * time.Second
	}
	d := 1 << (attempts - 1) // 1,2,4,8...
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}
