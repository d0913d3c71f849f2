package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/tix-reserve/internal/clock"
	"github.com/kirinyoku/tix-reserve/internal/metrics"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	Workers            int
	PollTimeout        time.Duration
	PromoteInterval    time.Duration
	PromoteBatch       int
	ResultTimeout      time.Duration
	DefaultMaxAttempts int
	RetryBase          time.Duration
	RetryMax           time.Duration
}

// Handler executes one task. The returned value is JSON encoded into the
// task result.
type Handler func(ctx context.Context, t Task) (any, error)

// Option customizes a task before it is stored.
type Option func(*Task)

// WithID sets a caller-chosen task id, making the task keyed by it.
func WithID(id string) Option {
	return func(t *Task) { t.ID = id }
}

func WithMaxAttempts(n int) Option {
	return func(t *Task) {
		if n > 0 {
			t.MaxAttempts = n
		}
	}
}

// Pool runs registered handlers on a bounded set of workers.
type Pool struct {
	broker Broker
	cfg    Config
	logger *slog.Logger
	clock  clock.Clock

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewPool(broker Broker, cfg Config, logger *slog.Logger, clk clock.Clock) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}

	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}

	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = time.Second
	}

	if cfg.PromoteBatch <= 0 {
		cfg.PromoteBatch = 100
	}

	if cfg.ResultTimeout <= 0 {
		cfg.ResultTimeout = 30 * time.Second
	}

	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 5
	}

	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}

	if cfg.RetryMax <= 0 || cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = time.Minute
	}

	if clk == nil {
		clk = clock.NewSystem()
	}

	return &Pool{
		broker:   broker,
		cfg:      cfg,
		logger:   logger,
		clock:    clk,
		handlers: make(map[string]Handler),
	}
}

// Handle registers h for tasks of the given kind.
func (p *Pool) Handle(kind string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = h
}

func (p *Pool) handler(kind string) Handler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handlers[kind]
}

// Enqueue stores a task for immediate execution and returns a handle to its
// result. Enqueued tasks run once unless WithMaxAttempts says otherwise.
func (p *Pool) Enqueue(ctx context.Context, kind string, payload any, opts ...Option) (*Handle, error) {
	const op = "queue.Pool.Enqueue"

	t, err := p.newTask(kind, payload, 1, opts)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}
	t.Reply = true

	if err := p.broker.Push(ctx, t); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return &Handle{id: t.ID, broker: p.broker, timeout: p.cfg.ResultTimeout}, nil
}

// Schedule stores a task to run once delay has elapsed. Delivery is
// at-least-once; failures are retried with backoff up to the task's max
// attempts.
func (p *Pool) Schedule(ctx context.Context, kind string, payload any, delay time.Duration, opts ...Option) error {
	const op = "queue.Pool.Schedule"

	t, err := p.newTask(kind, payload, p.cfg.DefaultMaxAttempts, opts)
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	if err := p.broker.Schedule(ctx, t, p.clock.Now().Add(delay)); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

func (p *Pool) newTask(kind string, payload any, maxAttempts int, opts []Option) (Task, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Task{}, err
	}

	t := Task{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     b,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  p.clock.Now(),
	}
	for _, o := range opts {
		o(&t)
	}

	return t, nil
}

// Run requeues this consumer's in-flight tasks, then runs the workers and
// the delayed-task promoter until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	const op = "queue.Pool.Run"

	n, err := p.broker.Recover(ctx)
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}
	if n > 0 {
		p.logger.Warn("requeued in-flight tasks", "count", n)
	}

	g, gCtx := errgroup.WithContext(ctx)

	for i := 0; i < p.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			p.work(gCtx, worker)
			return nil
		})
	}

	g.Go(func() error {
		p.promote(gCtx)
		return nil
	})

	p.logger.Info("queue workers started", "workers", p.cfg.Workers)

	return g.Wait()
}

func (p *Pool) work(ctx context.Context, worker int) {
	for ctx.Err() == nil {
		t, err := p.broker.Pop(ctx, p.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("queue pop failed", "worker", worker, "error", err)
			sleep(ctx, p.cfg.PollTimeout)
			continue
		}
		if t == nil {
			continue
		}

		p.process(ctx, t)
	}
}

func (p *Pool) promote(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.broker.PromoteDue(ctx, p.clock.Now(), p.cfg.PromoteBatch); err != nil && ctx.Err() == nil {
				p.logger.Error("queue promote failed", "error", err)
			}
		}
	}
}

func (p *Pool) process(ctx context.Context, t *Task) {
	start := time.Now()
	log := p.logger.With("task_id", t.ID, "kind", t.Kind, "attempt", t.Attempt+1)

	var (
		out any
		err error
	)
	if h := p.handler(t.Kind); h == nil {
		err = Terminal("no_handler", fmt.Errorf("%w: %s", ErrNoHandler, t.Kind))
	} else {
		out, err = safeRun(ctx, h, *t)
	}

	if err == nil {
		metrics.ObserveTask(t.Kind, "ok", time.Since(start))

		payload, merr := json.Marshal(out)
		if merr != nil {
			p.finish(ctx, t, Result{TaskID: t.ID, Code: "encode", Error: merr.Error()})
			return
		}
		p.finish(ctx, t, Result{TaskID: t.ID, Payload: payload})
		return
	}

	// Shutdown interrupted the handler; the task stays in flight and is
	// requeued by the next Run of this consumer.
	if ctx.Err() != nil {
		log.Warn("task interrupted", "error", err)
		return
	}

	var te *TaskError
	terminal := errors.As(err, &te)

	if !terminal && t.Attempt+1 < t.MaxAttempts {
		metrics.ObserveTask(t.Kind, "retry", time.Since(start))
		metrics.IncTaskRetry(t.Kind)

		t.Attempt++
		at := p.clock.Now().Add(p.backoff(t.Attempt))
		if rerr := p.broker.Retry(ctx, *t, at); rerr != nil {
			log.Error("task retry failed", "error", rerr)
			return
		}
		log.Warn("task failed, retry scheduled", "error", err, "retry_at", at)
		return
	}

	metrics.ObserveTask(t.Kind, "failed", time.Since(start))

	res := Result{TaskID: t.ID, Error: err.Error()}
	if te != nil {
		res.Code = te.Code
		res.Error = te.Message
		log.Info("task rejected", "code", te.Code, "error", te.Message)
	} else {
		log.Error("task failed permanently", "error", err)
	}

	p.finish(ctx, t, res)
}

func (p *Pool) finish(ctx context.Context, t *Task, res Result) {
	if t.Reply {
		if err := p.broker.PublishResult(ctx, res); err != nil {
			p.logger.Error("publish task result failed", "task_id", t.ID, "error", err)
		}
	}

	if err := p.broker.Ack(ctx, *t); err != nil {
		p.logger.Error("task ack failed", "task_id", t.ID, "error", err)
	}
}

func (p *Pool) backoff(attempt int) time.Duration {
	d := p.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.cfg.RetryMax {
			return p.cfg.RetryMax
		}
	}
	return d
}

func safeRun(ctx context.Context, h Handler, t Task) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, t)
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
