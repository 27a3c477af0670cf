package keypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Options configures an Orchestrator.
type Options struct {
	Logger    *slog.Logger
	Policy    Policy
	Sleep     func(ctx context.Context, d time.Duration) error // nil → timer sleep
	Metrics   *Metrics
	Sink      AuditSink // optional, best effort
	Indicator string    // label stored with persisted trails
	Now       func() time.Time
}

// Functional option constructors
func WithLogger(log *slog.Logger) func(*Options) {
	return func(o *Options) { o.Logger = log }
}

func WithPolicy(p Policy) func(*Options) {
	return func(o *Options) { o.Policy = p }
}

// WithValidationRetries sets how many parse/validation failures are retried.
func WithValidationRetries(n int) func(*Options) {
	return func(o *Options) {
		if n >= 0 {
			o.Policy.Validation.Ceiling = n
		}
	}
}

// WithSleeper replaces the backoff sleep; tests use it to skip real delays.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) func(*Options) {
	return func(o *Options) { o.Sleep = fn }
}

func WithMetrics(m *Metrics) func(*Options) {
	return func(o *Options) { o.Metrics = m }
}

// WithAuditSink persists every finished trail to s.
func WithAuditSink(s AuditSink) func(*Options) {
	return func(o *Options) { o.Sink = s }
}

func WithIndicator(name string) func(*Options) {
	return func(o *Options) { o.Indicator = name }
}

// WithNow replaces time.Now for audit timestamps.
func WithNow(now func() time.Time) func(*Options) {
	return func(o *Options) { o.Now = now }
}

// Orchestrator drives retries for logical requests over a shared key pool.
// One Orchestrator serves any number of concurrent runs.
type Orchestrator struct {
	pool *Pool
	exec Executor
	opts Options
	log  *slog.Logger

	inflight sync.WaitGroup // abandoned calls still settling
}

// NewOrchestrator wires a pool and an executor together.
func NewOrchestrator(pool *Pool, exec Executor, opts ...func(*Options)) *Orchestrator {
	o := Options{
		Policy:    DefaultPolicy(),
		Indicator: "run",
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return &Orchestrator{pool: pool, exec: exec, opts: o, log: o.Logger}
}

// Pool returns the shared key pool.
func (o *Orchestrator) Pool() *Pool { return o.pool }

// AddCredential adds a key to the pool at runtime. It reports whether the key was new.
func (o *Orchestrator) AddCredential(secret string) bool { return o.pool.Add(secret) }

// Wait blocks until calls abandoned by cancelled runs have reported back to the pool.
func (o *Orchestrator) Wait() { o.inflight.Wait() }

// Extractor binds an orchestrator to one schema.
type Extractor[T any] struct {
	o      *Orchestrator
	schema Schema[T]
}

func NewExtractor[T any](o *Orchestrator, schema Schema[T]) *Extractor[T] {
	return &Extractor[T]{o: o, schema: schema}
}

// Extract runs one logical request for p.
func (e *Extractor[T]) Extract(ctx context.Context, p Payload) (T, *AuditTrail, error) {
	return Run(ctx, e.o, p, e.schema)
}

// ExtractText runs one logical request for a text prompt.
func (e *Extractor[T]) ExtractText(ctx context.Context, prompt string) (T, *AuditTrail, error) {
	return Run(ctx, e.o, NewTextPayload(prompt), e.schema)
}

// Run executes one logical request: it selects a key, calls the executor,
// decodes the reply with schema and retries classified failures until it
// succeeds or a retry ceiling is exceeded. Attempts are strictly sequential.
//
// Terminal failures are returned as *TerminalError carrying the trail so far.
func Run[T any](ctx context.Context, o *Orchestrator, p Payload, schema Schema[T]) (T, *AuditTrail, error) {
	var zero T
	trail := newTrail(o.opts.Now())
	log := o.log.With("run", trail.ID[:8])

	if schema == nil || p.Empty() {
		cause := fmt.Errorf("%w: missing payload or schema", ErrConfiguration)
		log.Error("Request rejected before any call", "error", cause)
		return zero, trail, o.finish(ctx, trail, StateFatal, cause)
	}

	estimate := p.EstimateTokens()
	counters := make(map[FailureClass]int, 3)
	curves := make(map[FailureClass]backoff.BackOff, 3)

	for {
		if err := ctx.Err(); err != nil {
			log.Info("Run cancelled", "attempts", len(trail.Attempts))
			return zero, trail, o.finish(ctx, trail, StateCancelled, err)
		}

		key := o.pool.SelectBest()
		log.Debug("Attempting call", "attempt", len(trail.Attempts)+1, "key", Prefix(key))

		started := o.opts.Now()
		r, abandoned := o.call(ctx, key, p)
		if abandoned {
			attempt := Attempt{
				Timestamp:    started,
				KeyPrefix:    Prefix(key),
				Status:       StatusSystemError,
				InputTokens:  estimate,
				ErrorKind:    errorKindCancelled,
				ErrorMessage: r.err.Error(),
				Duration:     o.opts.Now().Sub(started),
			}
			trail.record(attempt)
			o.opts.Metrics.attempt(attempt.Status, attempt.Duration)
			log.Info("Run cancelled during call", "key", Prefix(key))
			return zero, trail, o.finish(ctx, trail, StateCancelled, r.err)
		}
		res, err := r.resp, r.err

		attempt := Attempt{
			Timestamp:   started,
			KeyPrefix:   Prefix(key),
			InputTokens: estimate,
			Duration:    o.opts.Now().Sub(started),
		}

		var value T
		if err == nil {
			if res.InputTokens > 0 {
				attempt.InputTokens = res.InputTokens
			}
			attempt.OutputTokens = res.OutputTokens
			if attempt.OutputTokens == 0 {
				attempt.OutputTokens = EstimateTextTokens(res.Text)
			}
			value, err = decode(res.Text, schema)
		}

		if err == nil {
			attempt.Status = StatusSuccess
			trail.record(attempt)
			o.opts.Metrics.attempt(attempt.Status, attempt.Duration)
			o.pool.RecordSuccess(key)
			log.Info("Run succeeded",
				"attempts", len(trail.Attempts),
				"key", Prefix(key),
				"input_tokens", trail.TotalInputTokens,
				"output_tokens", trail.TotalOutputTokens)
			return value, trail, o.finish(ctx, trail, StateSuccess, nil)
		}

		var ce *CallError
		if !errors.As(err, &ce) {
			ce = classified(Classify(err), err)
		}
		attempt.Status = ce.Class.Status()
		attempt.ErrorKind = ce.Kind()
		attempt.ErrorMessage = ce.Error()
		trail.record(attempt)
		o.opts.Metrics.attempt(attempt.Status, attempt.Duration)

		cp, retryable := o.opts.Policy.For(ce.Class)
		if !retryable {
			log.Error("Fatal failure, not retrying", "key", Prefix(key), "error", ce)
			return zero, trail, o.finish(ctx, trail, StateFatal, ce)
		}

		group := retryGroup(ce.Class)
		counters[group]++
		n := counters[group]

		if cp.Penalize {
			o.pool.recordFailure(key, cp.Penalty, ce.Class)
		}

		if cp.exceeded(n, o.pool.Len()) {
			log.Error("Retry ceiling exceeded",
				"class", ce.Class,
				"failures", n,
				"state", cp.Terminal,
				"error", ce)
			return zero, trail, o.finish(ctx, trail, cp.Terminal, ce)
		}

		curve, ok := curves[group]
		if !ok {
			curve = cp.newBackoff()
			curves[group] = curve
		}
		delay := curve.NextBackOff()
		if delay == backoff.Stop {
			delay = 0
		}

		log.Warn("Attempt failed, retrying",
			"class", ce.Class,
			"failures", n,
			"key", Prefix(key),
			"delay", delay,
			"error", ce)

		if err := o.opts.Sleep(ctx, delay); err != nil {
			log.Info("Run cancelled during backoff", "attempts", len(trail.Attempts))
			return zero, trail, o.finish(ctx, trail, StateCancelled, err)
		}
	}
}

// retryGroup maps classes that share a counter onto one key.
func retryGroup(c FailureClass) FailureClass {
	if c == Empty {
		return ParseOrValidation
	}
	return c
}

func decode[T any](text string, schema Schema[T]) (T, error) {
	var zero T
	if strings.TrimSpace(text) == "" {
		return zero, classified(Empty, ErrNoContent)
	}
	raw, err := ExtractJSON(text)
	if err != nil {
		return zero, classified(Empty, err)
	}
	v, err := schema.Decode(raw)
	if err != nil {
		return zero, classified(ParseOrValidation, err)
	}
	return v, nil
}

type callResult struct {
	resp *Response
	err  error
}

// invokeAsync runs the executor off the caller's goroutine.
func (o *Orchestrator) invokeAsync(ctx context.Context, key string, p Payload) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		resp, err := o.exec.Invoke(ctx, key, p)
		if err == nil && resp == nil {
			err = classified(Empty, ErrNoContent)
		}
		ch <- callResult{resp: resp, err: err}
	}()
	return ch
}

// errorKindCancelled marks an attempt cut short by the caller's context.
const errorKindCancelled = "cancelled"

// call waits for the executor or for ctx. When ctx wins the call is abandoned;
// its result still reaches the pool once it arrives.
func (o *Orchestrator) call(ctx context.Context, key string, p Payload) (callResult, bool) {
	ch := o.invokeAsync(ctx, key, p)
	select {
	case r := <-ch:
		if r.err != nil && ctx.Err() != nil && errors.Is(r.err, ctx.Err()) {
			return callResult{err: ctx.Err()}, true
		}
		return r, false
	case <-ctx.Done():
		o.inflight.Add(1)
		go func() {
			defer o.inflight.Done()
			o.settle(key, <-ch)
		}()
		return callResult{err: ctx.Err()}, true
	}
}

// settle reports the transport outcome of an abandoned call to the pool.
// Calls the transport itself aborted leave the key untouched.
func (o *Orchestrator) settle(key string, r callResult) {
	if r.err == nil {
		o.pool.RecordSuccess(key)
		o.log.Debug("Abandoned call completed", "key", Prefix(key))
		return
	}
	if errors.Is(r.err, context.Canceled) || errors.Is(r.err, context.DeadlineExceeded) {
		o.log.Debug("Abandoned call aborted", "key", Prefix(key))
		return
	}
	class := Classify(r.err)
	if cp, ok := o.opts.Policy.For(class); ok && cp.Penalize {
		o.pool.recordFailure(key, cp.Penalty, class)
	}
	o.log.Debug("Abandoned call failed", "key", Prefix(key), "class", class)
}

// finish finalizes the trail, persists it and builds the run error.
func (o *Orchestrator) finish(ctx context.Context, trail *AuditTrail, state State, cause error) error {
	trail.finalize(o.opts.Now())
	o.opts.Metrics.run(state)
	o.persist(ctx, trail)
	if state == StateSuccess {
		return nil
	}
	return &TerminalError{State: state, Trail: trail, Cause: cause}
}

func (o *Orchestrator) persist(ctx context.Context, trail *AuditTrail) {
	if o.opts.Sink == nil {
		return
	}
	if err := o.opts.Sink.Save(context.WithoutCancel(ctx), o.opts.Indicator, trail); err != nil {
		o.log.Warn("Audit save failed", "trail", trail.ID, "error", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
