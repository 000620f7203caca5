// Package demo is an in-process stand-in for the messaging service. It speaks
// the protocol.Client contract end to end: tokens are issued per session,
// approved out of band (Approve, or automatically after a delay) and resolved
// through WaitForConfirmation and SignIn.
package demo

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"linkbridge/internal/protocol"
)

// Account is the external account that approves a login token.
type Account struct {
	Profile protocol.Profile
	// Secret is the second factor; empty means none is required.
	Secret string
}

type Options struct {
	Scheme           string
	TokenTTL         time.Duration
	Now              func() time.Time
	NewToken         func() string
	AutoApprove      *Account
	AutoApproveAfter time.Duration
	// SessionTTL is how long an unused, unauthorized session is kept.
	SessionTTL time.Duration
}

type Service struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*session
	tokens   map[string]*loginToken
	faults   []error
	open     int
}

type session struct {
	account        *Account
	awaitingSecret bool
	authorized     bool
	conns          int
	lastSeen       time.Time
}

type loginToken struct {
	sessionID  string
	expiresAt  time.Time
	approvedBy *Account
	changed    chan struct{}
}

func NewService(opts Options) *Service {
	if opts.Scheme == "" {
		opts.Scheme = "tg"
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewToken == nil {
		opts.NewToken = randomToken
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 30 * time.Minute
	}
	return &Service{
		opts:     opts,
		sessions: make(map[string]*session),
		tokens:   make(map[string]*loginToken),
	}
}

func randomToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(b)
}

func (s *Service) Factory() protocol.Factory {
	return func(sessionBlob []byte) (protocol.Client, error) {
		return &client{svc: s, sessionID: string(sessionBlob)}, nil
	}
}

// Approve simulates the account owner scanning the QR code for token.
func (s *Service) Approve(token string, acct Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lt, ok := s.tokens[token]
	if !ok || s.opts.Now().After(lt.expiresAt) {
		return protocol.ErrTokenExpired
	}
	lt.approvedBy = &acct
	close(lt.changed)
	lt.changed = make(chan struct{})
	return nil
}

// InjectFault makes the next protocol action (after connect) fail with err.
func (s *Service) InjectFault(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, err)
}

// OpenConnections reports clients connected and not yet disconnected.
func (s *Service) OpenConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Tracked reports the sessions and login tokens the service still holds.
func (s *Service) Tracked() (sessions, tokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions), len(s.tokens)
}

// sweepLocked forgets expired tokens and idle sessions. Callers hold s.mu.
func (s *Service) sweepLocked(now time.Time) {
	for value, lt := range s.tokens {
		if now.After(lt.expiresAt) {
			delete(s.tokens, value)
		}
	}
	for id, sess := range s.sessions {
		if sess.conns == 0 && now.Sub(sess.lastSeen) > s.opts.SessionTTL {
			delete(s.sessions, id)
		}
	}
}

func (s *Service) takeFaultLocked() error {
	if len(s.faults) == 0 {
		return nil
	}
	err := s.faults[0]
	s.faults = s.faults[1:]
	return err
}

type client struct {
	svc       *Service
	sessionID string
	connected bool
}

func (c *client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.connected {
		return nil
	}
	now := s.opts.Now()
	s.sweepLocked(now)
	sess, ok := s.sessions[c.sessionID]
	if !ok || c.sessionID == "" {
		c.sessionID = uuid.NewString()
		sess = &session{}
		s.sessions[c.sessionID] = sess
	}
	sess.conns++
	sess.lastSeen = now
	c.connected = true
	s.open++
	return nil
}

func (c *client) Disconnect(ctx context.Context) error {
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()

	if !c.connected {
		return nil
	}
	c.connected = false
	s.open--
	if sess := s.sessions[c.sessionID]; sess != nil {
		sess.conns--
		sess.lastSeen = s.opts.Now()
		// An authorized session has handed its profile over and is never resumed.
		if sess.authorized && sess.conns == 0 {
			delete(s.sessions, c.sessionID)
		}
	}
	return nil
}

// beginLocked checks the connection and consumes an injected fault. Callers hold s.mu.
func (c *client) beginLocked() error {
	if !c.connected {
		return protocol.ErrNotConnected
	}
	return c.svc.takeFaultLocked()
}

func (c *client) IssueLoginToken(ctx context.Context) (protocol.LoginToken, error) {
	s := c.svc
	s.mu.Lock()
	if err := c.beginLocked(); err != nil {
		s.mu.Unlock()
		return protocol.LoginToken{}, err
	}
	value := s.opts.NewToken()
	lt := &loginToken{
		sessionID: c.sessionID,
		expiresAt: s.opts.Now().Add(s.opts.TokenTTL),
		changed:   make(chan struct{}),
	}
	s.tokens[value] = lt
	auto := s.opts.AutoApprove
	s.mu.Unlock()

	if auto != nil && s.opts.AutoApproveAfter > 0 {
		acct := *auto
		time.AfterFunc(s.opts.AutoApproveAfter, func() { _ = s.Approve(value, acct) })
	}

	return protocol.LoginToken{
		Token:     value,
		URL:       fmt.Sprintf("%s://login?token=%s", s.opts.Scheme, value),
		ExpiresAt: lt.expiresAt,
	}, nil
}

func (c *client) WaitForConfirmation(ctx context.Context, token string, wait time.Duration) (protocol.Outcome, error) {
	s := c.svc
	timer := time.NewTimer(wait)
	defer timer.Stop()

	s.mu.Lock()
	if err := c.beginLocked(); err != nil {
		s.mu.Unlock()
		return protocol.Outcome{}, err
	}
	s.mu.Unlock()

	for {
		s.mu.Lock()
		lt, ok := s.tokens[token]
		if !ok || lt.sessionID != c.sessionID {
			s.mu.Unlock()
			return protocol.Outcome{}, protocol.ErrTokenExpired
		}
		if lt.approvedBy != nil {
			sess := s.sessions[c.sessionID]
			sess.account = lt.approvedBy
			delete(s.tokens, token)
			if sess.account.Secret != "" {
				sess.awaitingSecret = true
				s.mu.Unlock()
				return protocol.Outcome{Status: protocol.OutcomeSecondFactorRequired}, nil
			}
			sess.authorized = true
			s.mu.Unlock()
			return protocol.Outcome{Status: protocol.OutcomeConfirmed}, nil
		}
		if s.opts.Now().After(lt.expiresAt) {
			delete(s.tokens, token)
			s.mu.Unlock()
			return protocol.Outcome{}, protocol.ErrTokenExpired
		}
		changed := lt.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return protocol.Outcome{}, ctx.Err()
		case <-timer.C:
			return protocol.Outcome{Status: protocol.OutcomePending}, nil
		case <-changed:
		}
	}
}

func (c *client) SignIn(ctx context.Context, secret string) (protocol.Outcome, error) {
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := c.beginLocked(); err != nil {
		return protocol.Outcome{}, err
	}
	sess := s.sessions[c.sessionID]
	if sess == nil || !sess.awaitingSecret {
		return protocol.Outcome{}, protocol.ErrUnauthorized
	}
	if secret != sess.account.Secret {
		return protocol.Outcome{}, protocol.ErrInvalidSecret
	}
	sess.awaitingSecret = false
	sess.authorized = true
	return protocol.Outcome{Status: protocol.OutcomeConfirmed}, nil
}

func (c *client) GetProfile(ctx context.Context) (protocol.Profile, error) {
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := c.beginLocked(); err != nil {
		return protocol.Profile{}, err
	}
	sess := s.sessions[c.sessionID]
	if sess == nil || !sess.authorized {
		return protocol.Profile{}, protocol.ErrUnauthorized
	}
	return sess.account.Profile, nil
}

func (c *client) Session() []byte {
	return []byte(c.sessionID)
}
