package demo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"linkbridge/internal/protocol"
)

func connect(t *testing.T, svc *Service, sessionBlob []byte) protocol.Client {
	t.Helper()
	c, err := svc.Factory()(sessionBlob)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func TestIssueAndConfirmAcrossConnections(t *testing.T) {
	svc := NewService(Options{Scheme: "proto", NewToken: func() string { return "abc123" }})
	ctx := context.Background()

	c1 := connect(t, svc, nil)
	tok, err := c1.IssueLoginToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "proto://login?token=abc123", tok.URL)
	sess := c1.Session()
	require.NoError(t, c1.Disconnect(ctx))
	require.Equal(t, 0, svc.OpenConnections())

	c2 := connect(t, svc, sess)
	out, err := c2.WaitForConfirmation(ctx, tok.Token, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, protocol.OutcomePending, out.Status)

	require.NoError(t, svc.Approve(tok.Token, Account{Profile: protocol.Profile{ExternalID: 1, Username: "u"}}))
	out, err = c2.WaitForConfirmation(ctx, tok.Token, time.Second)
	require.NoError(t, err)
	require.Equal(t, protocol.OutcomeConfirmed, out.Status)

	p, err := c2.GetProfile(ctx)
	require.NoError(t, err)
	require.Equal(t, "u", p.Username)
	require.NoError(t, c2.Disconnect(ctx))
}

func TestSecondFactor(t *testing.T) {
	svc := NewService(Options{})
	ctx := context.Background()

	c := connect(t, svc, nil)
	defer c.Disconnect(ctx)
	tok, err := c.IssueLoginToken(ctx)
	require.NoError(t, err)
	require.NoError(t, svc.Approve(tok.Token, Account{Secret: "correct"}))

	out, err := c.WaitForConfirmation(ctx, tok.Token, time.Second)
	require.NoError(t, err)
	require.Equal(t, protocol.OutcomeSecondFactorRequired, out.Status)

	_, err = c.SignIn(ctx, "wrong")
	require.ErrorIs(t, err, protocol.ErrInvalidSecret)

	out, err = c.SignIn(ctx, "correct")
	require.NoError(t, err)
	require.Equal(t, protocol.OutcomeConfirmed, out.Status)
}

func TestTokenExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	svc := NewService(Options{TokenTTL: 30 * time.Second, Now: func() time.Time { return clock }})
	ctx := context.Background()

	c := connect(t, svc, nil)
	defer c.Disconnect(ctx)
	tok, err := c.IssueLoginToken(ctx)
	require.NoError(t, err)

	clock = clock.Add(31 * time.Second)
	_, err = c.WaitForConfirmation(ctx, tok.Token, time.Millisecond)
	require.ErrorIs(t, err, protocol.ErrTokenExpired)
	require.ErrorIs(t, svc.Approve(tok.Token, Account{}), protocol.ErrTokenExpired)
}

func TestInjectFaultAndNotConnected(t *testing.T) {
	svc := NewService(Options{})
	ctx := context.Background()

	c, err := svc.Factory()(nil)
	require.NoError(t, err)
	_, err = c.IssueLoginToken(ctx)
	require.ErrorIs(t, err, protocol.ErrNotConnected)

	require.NoError(t, c.Connect(ctx))
	svc.InjectFault(protocol.ErrTimeout)
	_, err = c.IssueLoginToken(ctx)
	require.ErrorIs(t, err, protocol.ErrTimeout)
	_, err = c.IssueLoginToken(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Disconnect(ctx))
}

func TestAutoApprove(t *testing.T) {
	svc := NewService(Options{
		AutoApprove:      &Account{Profile: protocol.Profile{Username: "demo_user"}},
		AutoApproveAfter: 5 * time.Millisecond,
	})
	ctx := context.Background()

	c := connect(t, svc, nil)
	defer c.Disconnect(ctx)
	tok, err := c.IssueLoginToken(ctx)
	require.NoError(t, err)

	out, err := c.WaitForConfirmation(ctx, tok.Token, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, protocol.OutcomeConfirmed, out.Status)
}

func TestExpiredTokensAndIdleSessionsAreForgotten(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(Options{
		TokenTTL:   time.Minute,
		SessionTTL: 10 * time.Minute,
		Now:        func() time.Time { return now },
	})
	ctx := context.Background()

	c := connect(t, svc, nil)
	_, err := c.IssueLoginToken(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Disconnect(ctx))
	sessions, tokens := svc.Tracked()
	require.Equal(t, 1, sessions)
	require.Equal(t, 1, tokens)

	now = now.Add(2 * time.Minute)
	other := connect(t, svc, nil)
	sessions, tokens = svc.Tracked()
	require.Equal(t, 2, sessions)
	require.Zero(t, tokens)

	now = now.Add(11 * time.Minute)
	require.NoError(t, other.Disconnect(ctx))
	third := connect(t, svc, nil)
	defer third.Disconnect(ctx)
	sessions, _ = svc.Tracked()
	require.Equal(t, 2, sessions)
}

func TestAuthorizedSessionIsDroppedOnDisconnect(t *testing.T) {
	svc := NewService(Options{})
	ctx := context.Background()

	c := connect(t, svc, nil)
	tok, err := c.IssueLoginToken(ctx)
	require.NoError(t, err)
	require.NoError(t, svc.Approve(tok.Token, Account{Profile: protocol.Profile{Username: "u"}}))
	out, err := c.WaitForConfirmation(ctx, tok.Token, time.Second)
	require.NoError(t, err)
	require.Equal(t, protocol.OutcomeConfirmed, out.Status)
	_, err = c.GetProfile(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Disconnect(ctx))

	sessions, tokens := svc.Tracked()
	require.Zero(t, sessions)
	require.Zero(t, tokens)
}
