// Package store persists linked accounts, linking attempts and the attempt log.
//
// Attempt rows change status only through compare-and-set updates, and every
// status change appends an event row in the same transaction.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"linkbridge/internal/model"
)

var (
	ErrNotFound     = errors.New("store: not found")
	ErrStaleAttempt = errors.New("store: attempt changed concurrently")
)

type Store struct {
	db  *gorm.DB
	now func() time.Time

	// afterProfileWrite runs inside Authorize between the profile write and
	// the is_authorized flip. Tests use it to inject a failure.
	afterProfileWrite func(tx *gorm.DB) error
}

type Options struct {
	Now func() time.Time
}

func New(gdb *gorm.DB) *Store {
	return NewWithOptions(gdb, Options{})
}

func NewWithOptions(gdb *gorm.DB, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{db: gdb, now: opts.Now}
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

// EnsureAccount returns the account of ownerUserID, creating it on first use.
func (s *Store) EnsureAccount(ctx context.Context, ownerUserID string) (model.LinkedAccount, error) {
	now := s.timestamp()
	acct := model.LinkedAccount{OwnerUserID: ownerUserID, CreatedAt: now, UpdatedAt: now}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "owner_user_id"}}, DoNothing: true}).
		Create(&acct).Error
	if err != nil {
		return model.LinkedAccount{}, fmt.Errorf("ensure linked account: %w", err)
	}
	return s.GetAccount(ctx, ownerUserID)
}

func (s *Store) GetAccount(ctx context.Context, ownerUserID string) (model.LinkedAccount, error) {
	var acct model.LinkedAccount
	err := s.db.WithContext(ctx).Where("owner_user_id = ?", ownerUserID).First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.LinkedAccount{}, ErrNotFound
	}
	if err != nil {
		return model.LinkedAccount{}, fmt.Errorf("get linked account: %w", err)
	}
	return acct, nil
}

func (s *Store) AccountByID(ctx context.Context, id uint64) (model.LinkedAccount, error) {
	var acct model.LinkedAccount
	err := s.db.WithContext(ctx).First(&acct, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.LinkedAccount{}, ErrNotFound
	}
	if err != nil {
		return model.LinkedAccount{}, fmt.Errorf("get linked account %d: %w", id, err)
	}
	return acct, nil
}

// OpenAttempt returns the single non-terminal attempt of the account.
func (s *Store) OpenAttempt(ctx context.Context, accountID uint64) (model.AuthAttempt, error) {
	var a model.AuthAttempt
	err := s.db.WithContext(ctx).Where("open_account_id = ?", accountID).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.AuthAttempt{}, ErrNotFound
	}
	if err != nil {
		return model.AuthAttempt{}, fmt.Errorf("get open attempt: %w", err)
	}
	return a, nil
}

func (s *Store) LatestAttempt(ctx context.Context, accountID uint64) (model.AuthAttempt, error) {
	var a model.AuthAttempt
	err := s.db.WithContext(ctx).Where("linked_account_id = ?", accountID).Order("id DESC").First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.AuthAttempt{}, ErrNotFound
	}
	if err != nil {
		return model.AuthAttempt{}, fmt.Errorf("get latest attempt: %w", err)
	}
	return a, nil
}

// OpenAttemptsExpiredBefore lists open attempts still waiting for a scan or
// a second factor whose deadline passed before t.
func (s *Store) OpenAttemptsExpiredBefore(ctx context.Context, t time.Time) ([]model.AuthAttempt, error) {
	var open []model.AuthAttempt
	err := s.db.WithContext(ctx).
		Where("open_account_id IS NOT NULL AND status IN ?", []model.State{model.StateTokenIssued, model.StateWaitingForScan, model.StateSecondFactorRequired}).
		Order("id").
		Find(&open).Error
	if err != nil {
		return nil, fmt.Errorf("list open attempts: %w", err)
	}
	out := open[:0]
	for _, a := range open {
		if a.ExpiresAt.Before(t) {
			out = append(out, a)
		}
	}
	return out, nil
}

type NewAttempt struct {
	AccountID uint64
	Ref       string
	// Status is StateTokenIssued, or StateFailed when the token could not be issued.
	Status    model.State
	Error     string
	ExpiresAt time.Time
}

// BeginAttempt cancels every open attempt of the account and inserts a new
// one in a single transaction. It returns the new attempt and the cancelled ones.
func (s *Store) BeginAttempt(ctx context.Context, n NewAttempt) (model.AuthAttempt, []model.AuthAttempt, error) {
	now := s.timestamp()
	var (
		created   model.AuthAttempt
		cancelled []model.AuthAttempt
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open []model.AuthAttempt
		if err := tx.Where("open_account_id = ?", n.AccountID).Find(&open).Error; err != nil {
			return fmt.Errorf("list open attempts: %w", err)
		}
		for _, a := range open {
			updated, err := transitionTx(tx, a, Change{To: model.StateCancelled}, now)
			if err != nil {
				return err
			}
			cancelled = append(cancelled, updated)
		}

		created = model.AuthAttempt{
			Ref:             n.Ref,
			LinkedAccountID: n.AccountID,
			Kind:            model.AttemptKindQR,
			Status:          n.Status,
			ErrorMessage:    failureMessage(n.Status, n.Error),
			ExpiresAt:       n.ExpiresAt.UTC(),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if !n.Status.IsTerminal() {
			id := n.AccountID
			created.OpenAccountID = &id
		}
		if err := tx.Create(&created).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrStaleAttempt
			}
			return fmt.Errorf("insert attempt: %w", err)
		}
		return appendEvent(tx, created, created.ErrorMessage, now)
	})
	if err != nil {
		return model.AuthAttempt{}, nil, err
	}
	return created, cancelled, nil
}

// Change describes one attempt status change.
type Change struct {
	To model.State
	// Kind replaces the attempt kind when set.
	Kind model.AttemptKind
	// Error is stored only when To is a failure state.
	Error string
	// ExpiresAt replaces the attempt deadline when set.
	ExpiresAt time.Time
}

// Transition moves attempt a from its current status to ch.To. It fails with
// ErrStaleAttempt when the stored status no longer matches a.Status.
func (s *Store) Transition(ctx context.Context, a model.AuthAttempt, ch Change) (model.AuthAttempt, error) {
	now := s.timestamp()
	var updated model.AuthAttempt
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		updated, err = transitionTx(tx, a, ch, now)
		return err
	})
	return updated, err
}

// RecordSecretFailure counts one rejected second-factor secret without
// leaving SecondFactorRequired.
func (s *Store) RecordSecretFailure(ctx context.Context, a model.AuthAttempt, msg string) (model.AuthAttempt, error) {
	now := s.timestamp()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.AuthAttempt{}).
			Where("id = ? AND status = ? AND secret_failures = ?", a.ID, model.StateSecondFactorRequired, a.SecretFailures).
			Updates(map[string]any{
				"secret_failures": a.SecretFailures + 1,
				"updated_at":      now,
			})
		if res.Error != nil {
			return fmt.Errorf("record secret failure: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrStaleAttempt
		}
		a.SecretFailures++
		a.UpdatedAt = now
		return appendEvent(tx, a, &msg, now)
	})
	if err != nil {
		return model.AuthAttempt{}, err
	}
	return a, nil
}

// Authorize completes attempt a and links the account in one transaction:
// either the profile, session blob, is_authorized and the attempt status are
// all written, or none of them is.
func (s *Store) Authorize(ctx context.Context, a model.AuthAttempt, p model.Profile, session []byte) (model.LinkedAccount, model.AuthAttempt, error) {
	now := s.timestamp()
	var (
		acct    model.LinkedAccount
		updated model.AuthAttempt
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		updated, err = transitionTx(tx, a, Change{To: model.StateAuthorized}, now)
		if err != nil {
			return err
		}

		err = tx.Model(&model.LinkedAccount{}).Where("id = ?", a.LinkedAccountID).Updates(map[string]any{
			"external_id": p.ExternalID,
			"username":    p.Username,
			"first_name":  p.FirstName,
			"last_name":   p.LastName,
			"phone":       p.Phone,
			"updated_at":  now,
		}).Error
		if err != nil {
			return fmt.Errorf("write profile: %w", err)
		}

		if s.afterProfileWrite != nil {
			if err := s.afterProfileWrite(tx); err != nil {
				return err
			}
		}

		err = tx.Model(&model.LinkedAccount{}).Where("id = ?", a.LinkedAccountID).Updates(map[string]any{
			"session_blob":     session,
			"is_authorized":    true,
			"linked_at":        now,
			"last_activity_at": now,
			"updated_at":       now,
		}).Error
		if err != nil {
			return fmt.Errorf("mark authorized: %w", err)
		}
		return tx.First(&acct, a.LinkedAccountID).Error
	})
	if err != nil {
		return model.LinkedAccount{}, model.AuthAttempt{}, err
	}
	return acct, updated, nil
}

// Logout clears the session blob and the authorized flag. The profile
// snapshot stays for audit.
func (s *Store) Logout(ctx context.Context, accountID uint64) (model.LinkedAccount, error) {
	now := s.timestamp()
	var acct model.LinkedAccount
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&model.LinkedAccount{}).Where("id = ?", accountID).Updates(map[string]any{
			"session_blob":     nil,
			"is_authorized":    false,
			"last_activity_at": now,
			"updated_at":       now,
		}).Error
		if err != nil {
			return fmt.Errorf("logout: %w", err)
		}
		return tx.First(&acct, accountID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.LinkedAccount{}, ErrNotFound
	}
	return acct, err
}

// ListEvents returns the newest attempt log entries of the account first.
func (s *Store) ListEvents(ctx context.Context, accountID uint64, limit int) ([]model.AttemptEvent, error) {
	var events []model.AttemptEvent
	err := s.db.WithContext(ctx).
		Where("linked_account_id = ?", accountID).
		Order("id DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("list attempt events: %w", err)
	}
	return events, nil
}

func transitionTx(tx *gorm.DB, a model.AuthAttempt, ch Change, now time.Time) (model.AuthAttempt, error) {
	kind := a.Kind
	if ch.Kind != "" {
		kind = ch.Kind
	}
	msg := failureMessage(ch.To, ch.Error)

	updates := map[string]any{
		"status":        ch.To,
		"kind":          kind,
		"error_message": msg,
		"updated_at":    now,
	}
	if ch.To.IsTerminal() {
		updates["open_account_id"] = nil
	}
	if !ch.ExpiresAt.IsZero() {
		updates["expires_at"] = ch.ExpiresAt.UTC()
	}

	res := tx.Model(&model.AuthAttempt{}).Where("id = ? AND status = ?", a.ID, a.Status).Updates(updates)
	if res.Error != nil {
		return model.AuthAttempt{}, fmt.Errorf("transition attempt %d to %s: %w", a.ID, ch.To, res.Error)
	}
	if res.RowsAffected == 0 {
		return model.AuthAttempt{}, ErrStaleAttempt
	}

	a.Status = ch.To
	a.Kind = kind
	a.ErrorMessage = msg
	a.UpdatedAt = now
	if ch.To.IsTerminal() {
		a.OpenAccountID = nil
	}
	if !ch.ExpiresAt.IsZero() {
		a.ExpiresAt = ch.ExpiresAt.UTC()
	}
	if err := appendEvent(tx, a, msg, now); err != nil {
		return model.AuthAttempt{}, err
	}
	return a, nil
}

func appendEvent(tx *gorm.DB, a model.AuthAttempt, msg *string, now time.Time) error {
	ev := model.AttemptEvent{
		AttemptID:       a.ID,
		AttemptRef:      a.Ref,
		LinkedAccountID: a.LinkedAccountID,
		Kind:            a.Kind,
		Status:          a.Status,
		ErrorMessage:    msg,
		CreatedAt:       now,
	}
	if err := tx.Create(&ev).Error; err != nil {
		return fmt.Errorf("append attempt event: %w", err)
	}
	return nil
}

func failureMessage(state model.State, msg string) *string {
	if msg == "" {
		return nil
	}
	switch state {
	case model.StateFailed, model.StateExpired:
		return &msg
	}
	return nil
}
