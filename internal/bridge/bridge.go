// Package bridge runs one external protocol operation per call on behalf of a
// synchronous request handler.
//
// Every operation gets its own client (connect, action, disconnect) inside a
// bounded pool slot. The client is disconnected before RunOperation returns on
// every path, including panics, timeouts and cancellation through Cancel.
// Protocol failures leave this package only as *linkerr.Error values.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"linkbridge/internal/linkerr"
	"linkbridge/internal/metrics"
	"linkbridge/internal/protocol"
)

type Op string

const (
	OpIssueToken        Op = "issue_token"
	OpAwaitConfirmation Op = "await_confirmation"
	OpSignIn            Op = "sign_in"
)

type Params struct {
	// Session resumes a pending login; nil starts a fresh session.
	Session []byte
	Token   string
	Secret  string
	// Wait bounds WaitForConfirmation inside OpAwaitConfirmation.
	Wait time.Duration
}

type Status string

const (
	StatusIssued       Status = "issued"
	StatusPending      Status = "pending"
	StatusSecondFactor Status = "second_factor_required"
	StatusAuthorized   Status = "authorized"
	StatusFailed       Status = "failed"
)

type Result struct {
	Status  Status
	Token   protocol.LoginToken
	Profile protocol.Profile
	Session []byte
}

type Options struct {
	Credentials     protocol.Credentials
	Factory         protocol.Factory
	MaxConcurrent   int64
	TeardownTimeout time.Duration
	Logger          *zap.Logger
}

const (
	defaultMaxConcurrent   = 16
	defaultTeardownTimeout = 5 * time.Second
	defaultTimeout         = 10 * time.Second
)

type Bridge struct {
	creds    protocol.Credentials
	factory  protocol.Factory
	sem      *semaphore.Weighted
	teardown time.Duration
	log      *zap.Logger

	mu       sync.Mutex
	inflight map[string]*task
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Options) *Bridge {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = defaultTeardownTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Bridge{
		creds:    opts.Credentials,
		factory:  opts.Factory,
		sem:      semaphore.NewWeighted(opts.MaxConcurrent),
		teardown: opts.TeardownTimeout,
		log:      opts.Logger.With(zap.String("component", "bridge")),
		inflight: make(map[string]*task),
	}
}

// RunOperation executes op for userID within timeout. At most one operation
// per user is in flight; a concurrent call fails with a transient error.
func (b *Bridge) RunOperation(ctx context.Context, userID string, op Op, params Params, timeout time.Duration) (Result, error) {
	log := b.log.With(zap.String("user_id", userID), zap.String("op", string(op)))
	start := time.Now()

	if !b.creds.Provisioned() || b.factory == nil {
		err := linkerr.New(linkerr.Configuration, "messaging API credentials are not configured")
		log.Error("bridge operation refused", zap.Error(err))
		b.observe(op, start, err)
		return Result{Status: StatusFailed}, err
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t, ok := b.register(userID, cancel)
	if !ok {
		err := linkerr.New(linkerr.Transient, "another linking operation is still running, try again")
		b.observe(op, start, err)
		return Result{Status: StatusFailed}, err
	}
	defer b.unregister(userID, t)

	if err := b.sem.Acquire(ctx, 1); err != nil {
		lerr := b.translate(ctx, err, log)
		b.observe(op, start, lerr)
		return Result{Status: StatusFailed}, lerr
	}

	type outcome struct {
		res Result
		err error
	}
	metrics.BridgeInflight.Inc()
	ch := make(chan outcome, 1)
	go func() {
		res, err := b.execute(ctx, op, params, log)
		ch <- outcome{res: res, err: err}
	}()
	out := <-ch
	metrics.BridgeInflight.Dec()
	b.sem.Release(1)

	if out.err != nil {
		lerr := b.translate(ctx, out.err, log)
		b.observe(op, start, lerr)
		return Result{Status: StatusFailed}, lerr
	}
	b.observe(op, start, nil)
	log.Debug("bridge operation finished", zap.String("status", string(out.res.Status)), zap.Duration("took", time.Since(start)))
	return out.res, nil
}

// Cancel aborts the in-flight operation of userID and waits until its
// connection has been torn down. It reports whether anything was running.
func (b *Bridge) Cancel(userID string) bool {
	b.mu.Lock()
	t := b.inflight[userID]
	b.mu.Unlock()
	if t == nil {
		return false
	}
	t.cancel()
	<-t.done
	return true
}

func (b *Bridge) register(userID string, cancel context.CancelFunc) (*task, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, busy := b.inflight[userID]; busy {
		return nil, false
	}
	t := &task{cancel: cancel, done: make(chan struct{})}
	b.inflight[userID] = t
	return t, true
}

func (b *Bridge) unregister(userID string, t *task) {
	b.mu.Lock()
	if b.inflight[userID] == t {
		delete(b.inflight, userID)
	}
	b.mu.Unlock()
	close(t.done)
}

func (b *Bridge) execute(ctx context.Context, op Op, params Params, log *zap.Logger) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("protocol client panicked", zap.Any("panic", r), zap.Stack("stack"))
			res = Result{}
			err = linkerr.Wrap(linkerr.Unknown, "protocol client failed", fmt.Errorf("panic: %v", r))
		}
	}()

	client, err := b.factory(params.Session)
	if err != nil {
		return Result{}, err
	}
	defer b.disconnect(client, log)

	if err := client.Connect(ctx); err != nil {
		return Result{}, err
	}

	switch op {
	case OpIssueToken:
		tok, err := client.IssueLoginToken(ctx)
		if err != nil {
			return Result{}, err
		}
		return Result{Status: StatusIssued, Token: tok, Session: client.Session()}, nil
	case OpAwaitConfirmation:
		out, err := client.WaitForConfirmation(ctx, params.Token, params.Wait)
		if err != nil {
			return Result{}, err
		}
		return settle(ctx, client, out)
	case OpSignIn:
		out, err := client.SignIn(ctx, params.Secret)
		if err != nil {
			return Result{}, err
		}
		return settle(ctx, client, out)
	}
	return Result{}, fmt.Errorf("unsupported bridge operation %q", op)
}

func settle(ctx context.Context, client protocol.Client, out protocol.Outcome) (Result, error) {
	switch out.Status {
	case protocol.OutcomeConfirmed:
		p, err := client.GetProfile(ctx)
		if err != nil {
			return Result{}, err
		}
		return Result{Status: StatusAuthorized, Profile: p, Session: client.Session()}, nil
	case protocol.OutcomeSecondFactorRequired:
		return Result{Status: StatusSecondFactor, Session: client.Session()}, nil
	default:
		return Result{Status: StatusPending, Session: client.Session()}, nil
	}
}

// disconnect uses its own deadline so teardown still runs after ctx expired.
func (b *Bridge) disconnect(client protocol.Client, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), b.teardown)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		log.Warn("protocol disconnect failed", zap.Error(err))
	}
}

func (b *Bridge) translate(ctx context.Context, err error, log *zap.Logger) *linkerr.Error {
	var le *linkerr.Error
	if errors.As(err, &le) {
		if le.Kind == linkerr.Unknown {
			log.Error("protocol operation failed", zap.Error(err))
		}
		return le
	}

	var rl *protocol.RateLimitError
	switch {
	case errors.Is(err, context.Canceled):
		return linkerr.Wrap(linkerr.Canceled, "operation cancelled", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, protocol.ErrTimeout):
		return linkerr.Wrap(linkerr.Transient, "messaging service timed out, try again", err)
	case errors.As(err, &rl):
		e := linkerr.Wrap(linkerr.Transient, "messaging service is rate limiting requests, try again later", err)
		e.RetryAfter = rl.RetryAfter
		return e
	case errors.Is(err, protocol.ErrInvalidSecret):
		return linkerr.Wrap(linkerr.InvalidSecret, "invalid secret", err)
	case errors.Is(err, protocol.ErrTokenExpired):
		return linkerr.Wrap(linkerr.ProtocolExpired, "login token expired", err)
	}

	switch ctx.Err() {
	case context.Canceled:
		return linkerr.Wrap(linkerr.Canceled, "operation cancelled", err)
	case context.DeadlineExceeded:
		return linkerr.Wrap(linkerr.Transient, "messaging service timed out, try again", err)
	}

	log.Error("protocol operation failed", zap.Error(err))
	return linkerr.Wrap(linkerr.Unknown, "protocol operation failed", err)
}

func (b *Bridge) observe(op Op, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(linkerr.KindOf(err))
	}
	metrics.BridgeOperationsTotal.WithLabelValues(string(op), outcome).Inc()
	metrics.BridgeOperationDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
}
