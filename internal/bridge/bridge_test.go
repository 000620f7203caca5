package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"linkbridge/internal/linkerr"
	"linkbridge/internal/protocol"
)

var creds = protocol.Credentials{APIID: 1, APIHash: "hash"}

type fakeClient struct {
	mu    sync.Mutex
	calls []string

	connectErr error
	issue      func(ctx context.Context) (protocol.LoginToken, error)
	wait       func(ctx context.Context) (protocol.Outcome, error)
	signIn     func(ctx context.Context, secret string) (protocol.Outcome, error)
	profile    protocol.Profile
}

func (f *fakeClient) record(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeClient) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeClient) Connect(ctx context.Context) error {
	f.record("connect")
	return f.connectErr
}

func (f *fakeClient) Disconnect(ctx context.Context) error {
	f.record("disconnect")
	return nil
}

func (f *fakeClient) IssueLoginToken(ctx context.Context) (protocol.LoginToken, error) {
	f.record("issue")
	if f.issue != nil {
		return f.issue(ctx)
	}
	return protocol.LoginToken{Token: "tok", URL: "proto://login?token=tok"}, nil
}

func (f *fakeClient) WaitForConfirmation(ctx context.Context, token string, wait time.Duration) (protocol.Outcome, error) {
	f.record("wait")
	if f.wait != nil {
		return f.wait(ctx)
	}
	return protocol.Outcome{Status: protocol.OutcomePending}, nil
}

func (f *fakeClient) SignIn(ctx context.Context, secret string) (protocol.Outcome, error) {
	f.record("sign_in")
	if f.signIn != nil {
		return f.signIn(ctx, secret)
	}
	return protocol.Outcome{Status: protocol.OutcomeConfirmed}, nil
}

func (f *fakeClient) GetProfile(ctx context.Context) (protocol.Profile, error) {
	f.record("profile")
	return f.profile, nil
}

func (f *fakeClient) Session() []byte { return []byte("sess") }

func newBridge(t *testing.T, fc *fakeClient) *Bridge {
	t.Helper()
	return New(Options{
		Credentials: creds,
		Factory:     func([]byte) (protocol.Client, error) { return fc, nil },
		Logger:      zaptest.NewLogger(t),
	})
}

func blockUntilDone(ctx context.Context) (protocol.Outcome, error) {
	<-ctx.Done()
	return protocol.Outcome{}, ctx.Err()
}

func TestIssueToken(t *testing.T) {
	fc := &fakeClient{}
	b := newBridge(t, fc)

	res, err := b.RunOperation(context.Background(), "u1", OpIssueToken, Params{}, time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusIssued, res.Status)
	require.Equal(t, "proto://login?token=tok", res.Token.URL)
	require.Equal(t, []byte("sess"), res.Session)
	require.Equal(t, []string{"connect", "issue", "disconnect"}, fc.Calls())
}

func TestAwaitConfirmationFetchesProfile(t *testing.T) {
	fc := &fakeClient{
		wait:    func(context.Context) (protocol.Outcome, error) { return protocol.Outcome{Status: protocol.OutcomeConfirmed}, nil },
		profile: protocol.Profile{ExternalID: 42, Username: "alice"},
	}
	b := newBridge(t, fc)

	res, err := b.RunOperation(context.Background(), "u1", OpAwaitConfirmation, Params{Token: "tok"}, time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusAuthorized, res.Status)
	require.Equal(t, int64(42), res.Profile.ExternalID)
	require.Equal(t, []string{"connect", "wait", "profile", "disconnect"}, fc.Calls())
}

func TestMissingCredentialsNeverConnects(t *testing.T) {
	called := false
	b := New(Options{
		Factory: func([]byte) (protocol.Client, error) {
			called = true
			return &fakeClient{}, nil
		},
	})

	_, err := b.RunOperation(context.Background(), "u1", OpIssueToken, Params{}, time.Second)
	require.Error(t, err)
	require.Equal(t, linkerr.Configuration, linkerr.KindOf(err))
	require.False(t, called)
}

func TestConnectFailureStillDisconnects(t *testing.T) {
	fc := &fakeClient{connectErr: protocol.ErrTimeout}
	b := newBridge(t, fc)

	_, err := b.RunOperation(context.Background(), "u1", OpIssueToken, Params{}, time.Second)
	require.Equal(t, linkerr.Transient, linkerr.KindOf(err))
	require.Equal(t, []string{"connect", "disconnect"}, fc.Calls())
}

func TestPanicIsContained(t *testing.T) {
	fc := &fakeClient{issue: func(context.Context) (protocol.LoginToken, error) { panic("boom") }}
	b := newBridge(t, fc)

	_, err := b.RunOperation(context.Background(), "u1", OpIssueToken, Params{}, time.Second)
	require.Equal(t, linkerr.Unknown, linkerr.KindOf(err))
	require.Equal(t, "linking failed, please try again later", linkerr.PublicMessage(err))
	require.Equal(t, []string{"connect", "issue", "disconnect"}, fc.Calls())
}

func TestTimeoutIsTransient(t *testing.T) {
	fc := &fakeClient{wait: blockUntilDone}
	b := newBridge(t, fc)

	start := time.Now()
	_, err := b.RunOperation(context.Background(), "u1", OpAwaitConfirmation, Params{Token: "tok"}, 20*time.Millisecond)
	require.Equal(t, linkerr.Transient, linkerr.KindOf(err))
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, []string{"connect", "wait", "disconnect"}, fc.Calls())
}

func TestErrorTranslation(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind linkerr.Kind
	}{
		{"invalid secret", protocol.ErrInvalidSecret, linkerr.InvalidSecret},
		{"expired", protocol.ErrTokenExpired, linkerr.ProtocolExpired},
		{"rate limit", &protocol.RateLimitError{RetryAfter: 30 * time.Second}, linkerr.Transient},
		{"foreign", errors.New("socket reset by peer"), linkerr.Unknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fc := &fakeClient{signIn: func(context.Context, string) (protocol.Outcome, error) { return protocol.Outcome{}, tc.err }}
			b := newBridge(t, fc)

			_, err := b.RunOperation(context.Background(), "u1", OpSignIn, Params{Secret: "s"}, time.Second)
			require.Equal(t, tc.kind, linkerr.KindOf(err))
			require.Equal(t, "disconnect", fc.Calls()[len(fc.Calls())-1])
		})
	}

	fc := &fakeClient{signIn: func(context.Context, string) (protocol.Outcome, error) {
		return protocol.Outcome{}, &protocol.RateLimitError{RetryAfter: 30 * time.Second}
	}}
	_, err := newBridge(t, fc).RunOperation(context.Background(), "u1", OpSignIn, Params{}, time.Second)
	var le *linkerr.Error
	require.ErrorAs(t, err, &le)
	require.Equal(t, 30*time.Second, le.RetryAfter)
}

func TestCancelWaitsForTeardown(t *testing.T) {
	started := make(chan struct{})
	fc := &fakeClient{wait: func(ctx context.Context) (protocol.Outcome, error) {
		close(started)
		return blockUntilDone(ctx)
	}}
	b := newBridge(t, fc)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.RunOperation(context.Background(), "u1", OpAwaitConfirmation, Params{Token: "tok"}, time.Minute)
		errCh <- err
	}()
	<-started

	require.True(t, b.Cancel("u1"))
	require.Equal(t, []string{"connect", "wait", "disconnect"}, fc.Calls())

	err := <-errCh
	require.Equal(t, linkerr.Canceled, linkerr.KindOf(err))
	require.False(t, b.Cancel("u1"))
}

func TestConcurrentOperationForSameUserIsRejected(t *testing.T) {
	started := make(chan struct{})
	fc := &fakeClient{wait: func(ctx context.Context) (protocol.Outcome, error) {
		close(started)
		return blockUntilDone(ctx)
	}}
	b := newBridge(t, fc)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = b.RunOperation(context.Background(), "u1", OpAwaitConfirmation, Params{Token: "tok"}, time.Minute)
	}()
	<-started

	_, err := b.RunOperation(context.Background(), "u1", OpIssueToken, Params{}, time.Second)
	require.Equal(t, linkerr.Transient, linkerr.KindOf(err))

	other := &fakeClient{}
	ob := New(Options{Credentials: creds, Factory: func([]byte) (protocol.Client, error) { return other, nil }})
	_, err = ob.RunOperation(context.Background(), "u2", OpIssueToken, Params{}, time.Second)
	require.NoError(t, err)

	b.Cancel("u1")
	<-done
}
