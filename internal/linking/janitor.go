package linking

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"linkbridge/internal/linkerr"
	"linkbridge/internal/model"
	"linkbridge/internal/store"
)

// RunJanitor expires abandoned attempts every interval until ctx is done.
func (s *Service) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.ExpireAbandoned(ctx); err != nil {
				s.log.Warn("janitor pass failed", zap.Error(err))
			} else if n > 0 {
				s.log.Info("janitor expired attempts", zap.Int("count", n))
			}
		}
	}
}

// ExpireAbandoned settles open attempts whose deadline passed with nobody
// polling: a lapsed token becomes Expired, a lapsed second factor Failed.
// Their pending logins go with them.
func (s *Service) ExpireAbandoned(ctx context.Context) (int, error) {
	now := s.now()
	stale, err := s.store.OpenAttemptsExpiredBefore(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, a := range stale {
		acct, err := s.store.AccountByID(ctx, a.LinkedAccountID)
		if err != nil {
			return expired, err
		}
		ok, err := s.expireIfStale(ctx, acct.OwnerUserID, a.ID)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

func (s *Service) expireIfStale(ctx context.Context, userID string, attemptID uint64) (bool, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	acct, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return false, err
	}
	a, err := s.store.OpenAttempt(ctx, acct.ID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if a.ID != attemptID || !s.expired(a) {
		return false, nil
	}
	switch a.Status {
	case model.StateTokenIssued, model.StateWaitingForScan:
		_, err = s.expire(ctx, userID, a, msgTokenExpired)
	case model.StateSecondFactorRequired:
		_, err = s.fail(ctx, userID, a, linkerr.New(linkerr.ProtocolExpired, msgSecondFactorLapsed))
	default:
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
