// Package linking drives the per-user account linking state machine and
// exposes the polling operations used by the HTTP layer.
//
// Every operation of a user runs under that user's lock, so at most one
// bridge call per user is in flight and state changes never interleave.
package linking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"linkbridge/internal/bridge"
	"linkbridge/internal/linkerr"
	"linkbridge/internal/metrics"
	"linkbridge/internal/model"
	"linkbridge/internal/protocol"
	"linkbridge/internal/store"
)

type Bridge interface {
	RunOperation(ctx context.Context, userID string, op bridge.Op, params bridge.Params, timeout time.Duration) (bridge.Result, error)
	Cancel(userID string) bool
}

// Notifier receives every status change of a user.
type Notifier interface {
	PublishStatus(userID string, st Status)
}

type Policy struct {
	TokenTTL          time.Duration
	ConnectTimeout    time.Duration
	PollWait          time.Duration
	SignInTimeout     time.Duration
	MaxSecretAttempts int
	// SecondFactorTTL bounds how long a confirmed login waits for its secret.
	SecondFactorTTL time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		TokenTTL:          60 * time.Second,
		ConnectTimeout:    10 * time.Second,
		PollWait:          3 * time.Second,
		SignInTimeout:     15 * time.Second,
		MaxSecretAttempts: 3,
		SecondFactorTTL:   5 * time.Minute,
	}
}

// Status is the answer of PollStatus, SubmitSecondFactor and ResetLinking.
type Status struct {
	Status    model.State    `json:"status"`
	AttemptID string         `json:"attempt_id,omitempty"`
	Profile   *model.Profile `json:"profile,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorCode linkerr.Kind   `json:"error_code,omitempty"`
	// RetryAfter is in seconds.
	RetryAfter int        `json:"retry_after,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

const (
	StartIssued = "issued"
	StartError  = "error"
)

type StartResult struct {
	Status    string       `json:"status"`
	QRPNG     []byte       `json:"qr_png,omitempty"`
	QRURL     string       `json:"qr_url,omitempty"`
	AttemptID string       `json:"attempt_id,omitempty"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty"`
	Error     string       `json:"error,omitempty"`
	ErrorCode linkerr.Kind `json:"error_code,omitempty"`
}

type AccountView struct {
	Exists         bool           `json:"exists"`
	Authorized     bool           `json:"authorized"`
	HasSession     bool           `json:"has_session"`
	Profile        *model.Profile `json:"profile,omitempty"`
	LinkedAt       *time.Time     `json:"linked_at,omitempty"`
	LastActivityAt *time.Time     `json:"last_activity_at,omitempty"`
}

type HistoryEntry struct {
	AttemptID string            `json:"attempt_id"`
	Kind      model.AttemptKind `json:"kind"`
	Status    model.State       `json:"status"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100

	msgTokenExpired       = "login token expired, generate a new QR code"
	msgSessionLost        = "login session is no longer available, generate a new QR code"
	msgInvalidSecret      = "invalid secret"
	msgTooManySecrets     = "too many invalid secrets"
	msgSecondFactorLapsed = "second factor was not submitted in time, generate a new QR code"
	msgAlreadyLinked      = "account is already linked, log out first"
	msgNoSecondFactor     = "no second factor is pending"
	msgAttemptConflict    = "linking state changed concurrently, try again"
)

type Options struct {
	Store    *store.Store
	Bridge   Bridge
	Policy   Policy
	Notifier Notifier
	Logger   *zap.Logger
	Now      func() time.Time
}

type Service struct {
	store   *store.Store
	bridge  Bridge
	policy  Policy
	notify  Notifier
	log     *zap.Logger
	now     func() time.Time
	locks   *userLocks
	pending *pendingLogins
	newRef  func() string
}

func NewService(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	def := DefaultPolicy()
	p := opts.Policy
	if p.TokenTTL <= 0 {
		p.TokenTTL = def.TokenTTL
	}
	if p.ConnectTimeout <= 0 {
		p.ConnectTimeout = def.ConnectTimeout
	}
	if p.PollWait <= 0 {
		p.PollWait = def.PollWait
	}
	if p.SignInTimeout <= 0 {
		p.SignInTimeout = def.SignInTimeout
	}
	if p.MaxSecretAttempts <= 0 {
		p.MaxSecretAttempts = def.MaxSecretAttempts
	}
	if p.SecondFactorTTL <= 0 {
		p.SecondFactorTTL = def.SecondFactorTTL
	}
	return &Service{
		store:   opts.Store,
		bridge:  opts.Bridge,
		policy:  p,
		notify:  opts.Notifier,
		log:     opts.Logger.With(zap.String("component", "linking")),
		now:     opts.Now,
		locks:   newUserLocks(),
		pending: newPendingLogins(),
		newRef:  uuid.NewString,
	}
}

// StartLinking issues a fresh login token for userID. Any open attempt is
// cancelled and replaced. Bridge failures are reported in the result with
// status "error"; the returned error is reserved for conflicts and storage.
func (s *Service) StartLinking(ctx context.Context, userID string) (StartResult, error) {
	unlock := s.locks.lock(userID)
	defer unlock()
	log := s.log.With(zap.String("user_id", userID))

	acct, err := s.store.EnsureAccount(ctx, userID)
	if err != nil {
		return StartResult{}, err
	}
	if acct.IsAuthorized {
		return StartResult{}, linkerr.New(linkerr.Conflict, msgAlreadyLinked)
	}

	ref := s.newRef()
	res, berr := s.bridge.RunOperation(ctx, userID, bridge.OpIssueToken, bridge.Params{}, s.policy.ConnectTimeout)
	if berr != nil {
		a, cancelled, err := s.store.BeginAttempt(ctx, store.NewAttempt{
			AccountID: acct.ID,
			Ref:       ref,
			Status:    model.StateFailed,
			Error:     linkerr.PublicMessage(berr),
			ExpiresAt: s.now(),
		})
		if err != nil {
			return StartResult{}, s.storeErr(err)
		}
		s.released(cancelled)
		s.changed(userID, a, statusOf(a))
		log.Warn("login token not issued", zap.String("attempt", ref), zap.String("kind", string(linkerr.KindOf(berr))))
		return StartResult{
			Status:    StartError,
			AttemptID: ref,
			Error:     linkerr.PublicMessage(berr),
			ErrorCode: linkerr.KindOf(berr),
		}, nil
	}

	png, err := renderQR(res.Token.URL)
	if err != nil {
		return StartResult{}, err
	}

	expires := s.now().Add(s.policy.TokenTTL)
	if !res.Token.ExpiresAt.IsZero() && res.Token.ExpiresAt.Before(expires) {
		expires = res.Token.ExpiresAt
	}
	a, cancelled, err := s.store.BeginAttempt(ctx, store.NewAttempt{
		AccountID: acct.ID,
		Ref:       ref,
		Status:    model.StateTokenIssued,
		ExpiresAt: expires,
	})
	if err != nil {
		return StartResult{}, s.storeErr(err)
	}
	s.released(cancelled)
	s.pending.put(ref, pendingLogin{
		userID:    userID,
		token:   res.Token.Token,
		session: res.Session,
	})
	s.changed(userID, a, statusOf(a))
	log.Info("login token issued", zap.String("attempt", ref), zap.Int("replaced", len(cancelled)))

	return StartResult{
		Status:    StartIssued,
		QRPNG:     png,
		QRURL:     res.Token.URL,
		AttemptID: ref,
		ExpiresAt: &expires,
	}, nil
}

// PollStatus reports the linking state of userID. While waiting for a scan
// it asks the messaging service once, bounded by the poll wait.
func (s *Service) PollStatus(ctx context.Context, userID string) (Status, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	acct, err := s.store.GetAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Status{Status: model.StateIdle}, nil
	}
	if err != nil {
		return Status{}, err
	}

	a, err := s.store.OpenAttempt(ctx, acct.ID)
	if errors.Is(err, store.ErrNotFound) {
		return s.restingStatus(ctx, acct)
	}
	if err != nil {
		return Status{}, err
	}

	switch a.Status {
	case model.StateTokenIssued:
		if s.expired(a) {
			return s.expire(ctx, userID, a, msgTokenExpired)
		}
		next, err := s.store.Transition(ctx, a, store.Change{To: model.StateWaitingForScan})
		if err != nil {
			return Status{}, s.storeErr(err)
		}
		st := statusOf(next)
		s.changed(userID, next, st)
		return st, nil
	case model.StateWaitingForScan:
		return s.awaitScan(ctx, userID, a)
	case model.StateSecondFactorRequired:
		if s.expired(a) {
			return s.fail(ctx, userID, a, linkerr.New(linkerr.ProtocolExpired, msgSecondFactorLapsed))
		}
	}
	return statusOf(a), nil
}

func (s *Service) awaitScan(ctx context.Context, userID string, a model.AuthAttempt) (Status, error) {
	pl, ok := s.pending.get(a.Ref)
	if !ok {
		return s.expire(ctx, userID, a, msgSessionLost)
	}
	if s.expired(a) {
		return s.expire(ctx, userID, a, msgTokenExpired)
	}

	res, berr := s.bridge.RunOperation(ctx, userID, bridge.OpAwaitConfirmation, bridge.Params{
		Session: pl.session,
		Token:   pl.token,
		Wait:    s.policy.PollWait,
	}, s.policy.PollWait+s.policy.ConnectTimeout)
	if berr != nil {
		switch linkerr.KindOf(berr) {
		case linkerr.ProtocolExpired:
			return s.expire(ctx, userID, a, msgTokenExpired)
		case linkerr.Transient, linkerr.Canceled:
			return withError(statusOf(a), berr), nil
		}
		return s.fail(ctx, userID, a, berr)
	}

	pl.session = res.Session
	s.pending.put(a.Ref, pl)

	switch res.Status {
	case bridge.StatusSecondFactor:
		next, err := s.store.Transition(ctx, a, store.Change{
			To:        model.StateSecondFactorRequired,
			Kind:      model.AttemptKindSecondFactor,
			ExpiresAt: s.now().Add(s.policy.SecondFactorTTL),
		})
		if err != nil {
			return Status{}, s.storeErr(err)
		}
		st := statusOf(next)
		s.changed(userID, next, st)
		return st, nil
	case bridge.StatusAuthorized:
		return s.authorize(ctx, userID, a, res)
	}
	return statusOf(a), nil
}

// SubmitSecondFactor completes an attempt waiting for the account secret.
// A wrong secret keeps the attempt open until the retry budget is spent.
func (s *Service) SubmitSecondFactor(ctx context.Context, userID, secret string) (Status, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	acct, err := s.store.GetAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Status{}, linkerr.New(linkerr.Conflict, msgNoSecondFactor)
	}
	if err != nil {
		return Status{}, err
	}
	a, err := s.store.OpenAttempt(ctx, acct.ID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && a.Status != model.StateSecondFactorRequired) {
		return Status{}, linkerr.New(linkerr.Conflict, msgNoSecondFactor)
	}
	if err != nil {
		return Status{}, err
	}

	if s.expired(a) {
		return s.fail(ctx, userID, a, linkerr.New(linkerr.ProtocolExpired, msgSecondFactorLapsed))
	}
	pl, ok := s.pending.get(a.Ref)
	if !ok {
		return s.fail(ctx, userID, a, linkerr.New(linkerr.ProtocolExpired, msgSessionLost))
	}

	res, berr := s.bridge.RunOperation(ctx, userID, bridge.OpSignIn, bridge.Params{
		Session: pl.session,
		Secret:  secret,
	}, s.policy.SignInTimeout)
	if berr != nil {
		switch linkerr.KindOf(berr) {
		case linkerr.InvalidSecret:
			next, err := s.store.RecordSecretFailure(ctx, a, msgInvalidSecret)
			if err != nil {
				return Status{}, s.storeErr(err)
			}
			if next.SecretFailures >= s.policy.MaxSecretAttempts {
				return s.fail(ctx, userID, next, linkerr.New(linkerr.InvalidSecret, msgTooManySecrets))
			}
			s.log.Info("invalid second factor", zap.String("user_id", userID), zap.String("attempt", a.Ref), zap.Int("failures", next.SecretFailures))
			return withError(statusOf(next), berr), nil
		case linkerr.Transient, linkerr.Canceled:
			return withError(statusOf(a), berr), nil
		}
		return s.fail(ctx, userID, a, berr)
	}

	pl.session = res.Session
	s.pending.put(a.Ref, pl)
	if res.Status == bridge.StatusAuthorized {
		return s.authorize(ctx, userID, a, res)
	}
	return statusOf(a), nil
}

// ResetLinking aborts the in-flight bridge call of userID, waits for its
// teardown and cancels the open attempt. A linked account has nothing to
// cancel and answers authorized; every other case answers cancelled.
func (s *Service) ResetLinking(ctx context.Context, userID string) (Status, error) {
	aborted := s.bridge.Cancel(userID)

	unlock := s.locks.lock(userID)
	defer unlock()
	defer s.pending.dropUser(userID)

	out := Status{Status: model.StateCancelled}
	acct, err := s.store.GetAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return Status{}, err
	}

	a, err := s.store.OpenAttempt(ctx, acct.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if acct.IsAuthorized {
			// Linked accounts have nothing to cancel.
			return s.restingStatus(ctx, acct)
		}
		latest, lerr := s.store.LatestAttempt(ctx, acct.ID)
		if lerr != nil || latest.Status != model.StateFailed {
			if lerr != nil && !errors.Is(lerr, store.ErrNotFound) {
				return Status{}, lerr
			}
			return out, nil
		}
		a = latest
	case err != nil:
		return Status{}, err
	}

	next, err := s.store.Transition(ctx, a, store.Change{To: model.StateCancelled})
	if err != nil {
		return Status{}, s.storeErr(err)
	}
	out.AttemptID = next.Ref
	s.changed(userID, next, out)
	s.log.Info("linking reset", zap.String("user_id", userID), zap.String("attempt", next.Ref), zap.Bool("aborted_inflight", aborted))
	return out, nil
}

// Logout drops the stored session of a linked account. The profile snapshot
// and attempt history stay.
func (s *Service) Logout(ctx context.Context, userID string) (AccountView, error) {
	s.bridge.Cancel(userID)

	unlock := s.locks.lock(userID)
	defer unlock()
	defer s.pending.dropUser(userID)

	acct, err := s.store.GetAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return AccountView{}, nil
	}
	if err != nil {
		return AccountView{}, err
	}

	if a, err := s.store.OpenAttempt(ctx, acct.ID); err == nil {
		next, err := s.store.Transition(ctx, a, store.Change{To: model.StateCancelled})
		if err != nil {
			return AccountView{}, s.storeErr(err)
		}
		s.changed(userID, next, statusOf(next))
	} else if !errors.Is(err, store.ErrNotFound) {
		return AccountView{}, err
	}

	acct, err = s.store.Logout(ctx, acct.ID)
	if err != nil {
		return AccountView{}, err
	}
	s.publish(userID, Status{Status: model.StateIdle})
	s.log.Info("linked account logged out", zap.String("user_id", userID))
	return viewOf(acct), nil
}

// Account returns the linked account of userID without its session blob.
func (s *Service) Account(ctx context.Context, userID string) (AccountView, error) {
	acct, err := s.store.GetAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return AccountView{}, nil
	}
	if err != nil {
		return AccountView{}, err
	}
	return viewOf(acct), nil
}

// History lists the attempt log of userID, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	acct, err := s.store.GetAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return []HistoryEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(ctx, acct.ID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(events))
	for _, ev := range events {
		out = append(out, HistoryEntry{
			AttemptID: ev.AttemptRef,
			Kind:      ev.Kind,
			Status:    ev.Status,
			Error:     deref(ev.ErrorMessage),
			CreatedAt: ev.CreatedAt,
		})
	}
	return out, nil
}

func (s *Service) restingStatus(ctx context.Context, acct model.LinkedAccount) (Status, error) {
	if acct.IsAuthorized {
		p := acct.Profile()
		return Status{Status: model.StateAuthorized, Profile: &p}, nil
	}
	latest, err := s.store.LatestAttempt(ctx, acct.ID)
	if errors.Is(err, store.ErrNotFound) {
		return Status{Status: model.StateIdle}, nil
	}
	if err != nil {
		return Status{}, err
	}
	if latest.Status == model.StateAuthorized {
		// Linked before and logged out since.
		return Status{Status: model.StateIdle}, nil
	}
	return statusOf(latest), nil
}

func (s *Service) authorize(ctx context.Context, userID string, a model.AuthAttempt, res bridge.Result) (Status, error) {
	acct, next, err := s.store.Authorize(ctx, a, profileOf(res.Profile), res.Session)
	if err != nil {
		return Status{}, s.storeErr(err)
	}
	s.pending.drop(a.Ref)

	p := acct.Profile()
	st := Status{Status: model.StateAuthorized, AttemptID: next.Ref, Profile: &p}
	s.changed(userID, next, st)
	s.log.Info("account linked", zap.String("user_id", userID), zap.String("attempt", a.Ref), zap.Int64("external_id", p.ExternalID))
	return st, nil
}

func (s *Service) expire(ctx context.Context, userID string, a model.AuthAttempt, msg string) (Status, error) {
	next, err := s.store.Transition(ctx, a, store.Change{To: model.StateExpired, Error: msg})
	if err != nil {
		return Status{}, s.storeErr(err)
	}
	s.pending.drop(a.Ref)
	st := statusOf(next)
	s.changed(userID, next, st)
	return st, nil
}

func (s *Service) fail(ctx context.Context, userID string, a model.AuthAttempt, cause error) (Status, error) {
	next, err := s.store.Transition(ctx, a, store.Change{To: model.StateFailed, Error: linkerr.PublicMessage(cause)})
	if err != nil {
		return Status{}, s.storeErr(err)
	}
	s.pending.drop(a.Ref)
	st := withError(statusOf(next), cause)
	s.changed(userID, next, st)
	s.log.Warn("linking attempt failed", zap.String("user_id", userID), zap.String("attempt", a.Ref), zap.String("kind", string(linkerr.KindOf(cause))))
	return st, nil
}

func (s *Service) expired(a model.AuthAttempt) bool {
	return !s.now().Before(a.ExpiresAt)
}

// released forgets the pending logins of attempts cancelled by a new start.
func (s *Service) released(cancelled []model.AuthAttempt) {
	for _, a := range cancelled {
		s.pending.drop(a.Ref)
		metrics.TransitionsTotal.WithLabelValues(string(a.Status)).Inc()
	}
}

func (s *Service) changed(userID string, a model.AuthAttempt, st Status) {
	metrics.TransitionsTotal.WithLabelValues(string(a.Status)).Inc()
	s.log.Debug("attempt transition", zap.String("user_id", userID), zap.String("attempt", a.Ref), zap.String("status", string(a.Status)))
	s.publish(userID, st)
}

func (s *Service) publish(userID string, st Status) {
	if s.notify != nil {
		s.notify.PublishStatus(userID, st)
	}
}

func (s *Service) storeErr(err error) error {
	if errors.Is(err, store.ErrStaleAttempt) {
		return linkerr.Wrap(linkerr.Conflict, msgAttemptConflict, err)
	}
	return fmt.Errorf("linking store: %w", err)
}

func statusOf(a model.AuthAttempt) Status {
	st := Status{Status: a.Status, AttemptID: a.Ref, Error: deref(a.ErrorMessage)}
	switch a.Status {
	case model.StateTokenIssued, model.StateWaitingForScan, model.StateSecondFactorRequired:
		exp := a.ExpiresAt
		st.ExpiresAt = &exp
	case model.StateExpired:
		st.ErrorCode = linkerr.ProtocolExpired
	}
	return st
}

func withError(st Status, err error) Status {
	st.Error = linkerr.PublicMessage(err)
	st.ErrorCode = linkerr.KindOf(err)
	var le *linkerr.Error
	if errors.As(err, &le) && le.RetryAfter > 0 {
		st.RetryAfter = int(le.RetryAfter.Round(time.Second) / time.Second)
	}
	return st
}

func viewOf(acct model.LinkedAccount) AccountView {
	v := AccountView{
		Exists:         true,
		Authorized:     acct.IsAuthorized,
		HasSession:     len(acct.SessionBlob) > 0,
		LinkedAt:       acct.LinkedAt,
		LastActivityAt: acct.LastActivityAt,
	}
	if acct.ExternalID != 0 {
		p := acct.Profile()
		v.Profile = &p
	}
	return v
}

func profileOf(p protocol.Profile) model.Profile {
	return model.Profile{
		ExternalID: p.ExternalID,
		Username:   p.Username,
		FirstName:  p.FirstName,
		LastName:   p.LastName,
		Phone:      p.Phone,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
