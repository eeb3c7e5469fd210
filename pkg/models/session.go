package models

import "time"

// SessionState is the per-account authorization state.
type SessionState string

const (
	SessionValid         SessionState = "valid"
	SessionNeedsReauth   SessionState = "needs_reauth"
	SessionReauthorizing SessionState = "reauthorizing"
)

// AccountSession is the recovery view of one email account.
type AccountSession struct {
	AccountID        string       `json:"account_id" db:"account_id"`
	State            SessionState `json:"state" db:"state"`
	NeedsReauth      bool         `json:"needs_reauth" db:"needs_reauth"`
	ReauthInProgress bool         `json:"reauth_in_progress" db:"reauth_in_progress"`
	Attempts         int          `json:"attempts" db:"attempts"`
	LastError        string       `json:"last_error,omitempty" db:"last_error"`
	PendingAuthURL   string       `json:"pending_auth_url,omitempty" db:"pending_auth_url"`
	UpdatedAt        time.Time    `json:"updated_at" db:"updated_at"`
}

// FlowOutcome is how a reauthorization flow ended.
type FlowOutcome string

const (
	FlowRecovered FlowOutcome = "recovered"
	FlowTimeout   FlowOutcome = "timeout"
	FlowCancelled FlowOutcome = "cancelled"
	FlowFailed    FlowOutcome = "failed"
)

// ReauthFlow records one reauthorization round trip.
type ReauthFlow struct {
	ID         string      `json:"id" db:"id"`
	AccountID  string      `json:"account_id" db:"account_id"`
	StartedAt  time.Time   `json:"started_at" db:"started_at"`
	FinishedAt time.Time   `json:"finished_at" db:"finished_at"`
	Attempts   int         `json:"attempts" db:"attempts"`
	Outcome    FlowOutcome `json:"outcome" db:"outcome"`
	Detail     string      `json:"detail,omitempty" db:"detail"`
}
