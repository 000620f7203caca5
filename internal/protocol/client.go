// Package protocol defines the external messaging protocol client consumed by
// the bridge. Adapters live in subpackages; nothing outside the bridge may
// call a Client directly.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrTimeout       = errors.New("protocol: timeout")
	ErrTokenExpired  = errors.New("protocol: login token expired")
	ErrInvalidSecret = errors.New("protocol: invalid secret")
	ErrNotConnected  = errors.New("protocol: not connected")
	ErrUnauthorized  = errors.New("protocol: session not authorized")
)

// RateLimitError is returned when the service asks the caller to back off.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("protocol: rate limited, retry after %s", e.RetryAfter)
}

// Credentials are the application's API keys for the messaging service.
type Credentials struct {
	APIID   int
	APIHash string
}

func (c Credentials) Provisioned() bool {
	return c.APIID != 0 && c.APIHash != ""
}

type LoginToken struct {
	Token     string
	URL       string
	ExpiresAt time.Time
}

type OutcomeStatus int

const (
	OutcomePending OutcomeStatus = iota
	OutcomeConfirmed
	OutcomeSecondFactorRequired
)

type Outcome struct {
	Status OutcomeStatus
}

type Profile struct {
	ExternalID int64
	Username   string
	FirstName  string
	LastName   string
	Phone      string
}

// Client is one connection to the messaging service. A Client is owned by a
// single bridge operation and is never shared.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IssueLoginToken(ctx context.Context) (LoginToken, error)
	WaitForConfirmation(ctx context.Context, token string, wait time.Duration) (Outcome, error)
	SignIn(ctx context.Context, secret string) (Outcome, error)
	GetProfile(ctx context.Context) (Profile, error)
	// Session exports the opaque session state, used to resume a pending
	// login on the next connection and persisted once authorized.
	Session() []byte
}

// Factory builds a client resuming the given session (nil for a fresh one).
type Factory func(session []byte) (Client, error)
