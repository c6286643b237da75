package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	TopicSessionCreated     = "sessions.created"
	TopicSessionStarted     = "sessions.started"
	TopicSessionStopped     = "sessions.stopped"
	TopicSessionAutoStopped = "sessions.auto_stopped"
	TopicSessionDeleted     = "sessions.deleted"
	TopicChargeCreated      = "charges.created"
)

// SessionEvent is published after a lifecycle or charge transaction commits.
type SessionEvent struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	AccountID  int64           `json:"account_id"`
	SessionID  int64           `json:"session_id"`
	Status     SessionStatus   `json:"status"`
	Minutes    int64           `json:"minutes,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Balance    decimal.Decimal `json:"balance"`
	Reason     string          `json:"reason,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}
