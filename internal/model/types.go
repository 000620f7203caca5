package model

import "time"

// State is a position in the linking state machine.
type State string

const (
	StateIdle                 State = "idle"
	StateTokenIssued          State = "token_issued"
	StateWaitingForScan       State = "waiting_for_scan"
	StateSecondFactorRequired State = "second_factor_required"
	StateAuthorized           State = "authorized"
	StateFailed               State = "failed"
	StateExpired              State = "expired"
	StateCancelled            State = "cancelled"
)

// IsTerminal reports whether no further transition (other than a fresh
// attempt) can leave the state.
func (s State) IsTerminal() bool {
	switch s {
	case StateAuthorized, StateFailed, StateCancelled:
		return true
	}
	return false
}

type AttemptKind string

const (
	AttemptKindQR           AttemptKind = "qr"
	AttemptKindSecondFactor AttemptKind = "second_factor"
)

// Profile is the external account snapshot taken at authorization time.
type Profile struct {
	ExternalID int64  `json:"external_id"`
	Username   string `json:"username"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Phone      string `json:"phone"`
}

// LinkedAccount is the messaging account attached to a system user.
type LinkedAccount struct {
	ID             uint64     `gorm:"column:id;primaryKey;autoIncrement"`
	OwnerUserID    string     `gorm:"column:owner_user_id;type:varchar(191);not null;uniqueIndex:idx_linked_accounts_owner"`
	SessionBlob    []byte     `gorm:"column:session_blob" json:"-"`
	ExternalID     int64      `gorm:"column:external_id"`
	Username       string     `gorm:"column:username;type:varchar(191)"`
	FirstName      string     `gorm:"column:first_name;type:varchar(191)"`
	LastName       string     `gorm:"column:last_name;type:varchar(191)"`
	Phone          string     `gorm:"column:phone;type:varchar(32)"`
	IsAuthorized   bool       `gorm:"column:is_authorized;not null;default:false"`
	LinkedAt       *time.Time `gorm:"column:linked_at"`
	LastActivityAt *time.Time `gorm:"column:last_activity_at"`
	CreatedAt      time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;not null"`
}

func (LinkedAccount) TableName() string { return "linked_accounts" }

func (a LinkedAccount) Profile() Profile {
	return Profile{
		ExternalID: a.ExternalID,
		Username:   a.Username,
		FirstName:  a.FirstName,
		LastName:   a.LastName,
		Phone:      a.Phone,
	}
}

// AuthAttempt is one linking attempt. OpenAccountID mirrors LinkedAccountID
// while the attempt is non-terminal and is NULL afterwards; its unique index
// keeps at most one open attempt per account.
type AuthAttempt struct {
	ID              uint64      `gorm:"column:id;primaryKey;autoIncrement"`
	Ref             string      `gorm:"column:ref;type:varchar(64);not null;uniqueIndex:idx_auth_attempts_ref"`
	LinkedAccountID uint64      `gorm:"column:linked_account_id;not null;index:idx_auth_attempts_account"`
	OpenAccountID   *uint64     `gorm:"column:open_account_id;uniqueIndex:idx_auth_attempts_open"`
	Kind            AttemptKind `gorm:"column:kind;type:varchar(32);not null"`
	Status          State       `gorm:"column:status;type:varchar(32);not null"`
	ErrorMessage    *string     `gorm:"column:error_message"`
	SecretFailures  int         `gorm:"column:secret_failures;not null;default:0"`
	ExpiresAt       time.Time   `gorm:"column:expires_at;not null"`
	CreatedAt       time.Time   `gorm:"column:created_at;not null"`
	UpdatedAt       time.Time   `gorm:"column:updated_at;not null"`
}

func (AuthAttempt) TableName() string { return "auth_attempts" }

// AttemptEvent is one row of the attempt log, written on every transition.
type AttemptEvent struct {
	ID              uint64      `gorm:"column:id;primaryKey;autoIncrement"`
	AttemptID       uint64      `gorm:"column:attempt_id;not null;index:idx_attempt_events_attempt"`
	AttemptRef      string      `gorm:"column:attempt_ref;type:varchar(64);not null"`
	LinkedAccountID uint64      `gorm:"column:linked_account_id;not null;index:idx_attempt_events_account"`
	Kind            AttemptKind `gorm:"column:kind;type:varchar(32);not null"`
	Status          State       `gorm:"column:status;type:varchar(32);not null"`
	ErrorMessage    *string     `gorm:"column:error_message"`
	CreatedAt       time.Time   `gorm:"column:created_at;not null;index:idx_attempt_events_created"`
}

func (AttemptEvent) TableName() string { return "auth_attempt_events" }
