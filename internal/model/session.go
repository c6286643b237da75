package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type SessionStatus string

const (
	StatusCreating SessionStatus = "creating"
	StatusStopped  SessionStatus = "stopped"
	StatusRunning  SessionStatus = "running"
	StatusDeleted  SessionStatus = "deleted"

	// Provisional statuses held while a provider call is in flight.
	StatusStarting SessionStatus = "starting"
	StatusStopping SessionStatus = "stopping"
	StatusDeleting SessionStatus = "deleting"
)

// IsProvisional reports whether the session is waiting on a provider confirmation.
func (s SessionStatus) IsProvisional() bool {
	switch s {
	case StatusCreating, StatusStarting, StatusStopping, StatusDeleting:
		return true
	}
	return false
}

var transitions = map[SessionStatus][]SessionStatus{
	StatusCreating: {StatusStopped, StatusDeleted},
	StatusStopped:  {StatusStarting, StatusDeleting},
	StatusStarting: {StatusRunning, StatusStopped},
	StatusRunning:  {StatusStopping},
	StatusStopping: {StatusStopped, StatusRunning},
	StatusDeleting: {StatusDeleted, StatusStopped},
}

// CanTransition reports whether from -> to is an edge of the session state machine.
func CanTransition(from, to SessionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

const (
	DefaultConnectionPort     = 3389
	DefaultConnectionUsername = "user"
)

// InstanceSpec describes the machine requested from the provisioning provider.
type InstanceSpec struct {
	InstanceName string `json:"instance_name"`
	GPUType      string `json:"gpu_type"`
	CPUCores     int    `json:"cpu_cores"`
	MemoryGB     int    `json:"memory_gb"`
	StorageGB    int    `json:"storage_gb"`
}

// Session is a tenant's rented compute instance and its billing state.
type Session struct {
	ID         int64         `json:"id"`
	AccountID  int64         `json:"account_id"`
	InstanceID string        `json:"instance_id"`
	Spec       InstanceSpec  `json:"spec"`
	Status     SessionStatus `json:"status"`

	PricePerMinute decimal.Decimal `json:"price_per_minute"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	TotalRunningMinutes int64           `json:"total_running_minutes"`
	TotalCost           decimal.Decimal `json:"total_cost"`
	// BilledMinutes counts scheduler ticks charged since StartedAt.
	BilledMinutes int64 `json:"billed_minutes"`

	ConnectionHost     string `json:"connection_host"`
	ConnectionPort     int    `json:"connection_port"`
	ConnectionUsername string `json:"connection_username"`
	ConnectionPassword string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ConnectionInfo struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Connection returns the last-known endpoint and credential.
func (s *Session) Connection() *ConnectionInfo {
	return &ConnectionInfo{
		Host:     s.ConnectionHost,
		Port:     s.ConnectionPort,
		Username: s.ConnectionUsername,
		Password: s.ConnectionPassword,
	}
}

type CreateSessionRequest struct {
	AccountID int64        `json:"account_id"`
	Spec      InstanceSpec `json:"spec"`
	// Force settles and destroys an existing session before creating the new one.
	Force bool `json:"force"`
}

// SessionHandle is returned by CreateSession and StartSession.
type SessionHandle struct {
	SessionID  int64           `json:"session_id"`
	Status     SessionStatus   `json:"status"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	Connection *ConnectionInfo `json:"connection_info,omitempty"`
}

// StopResult carries the settlement of the run segment that just ended.
type StopResult struct {
	SessionID           int64           `json:"session_id"`
	StoppedAt           time.Time       `json:"stopped_at"`
	SegmentMinutes      int64           `json:"segment_minutes"`
	SegmentCost         decimal.Decimal `json:"segment_cost"`
	SettledMinutes      int64           `json:"settled_minutes"`
	SettledCost         decimal.Decimal `json:"settled_cost"`
	TotalRunningMinutes int64           `json:"total_running_minutes"`
	TotalCost           decimal.Decimal `json:"total_cost"`
}

type SessionStatusView struct {
	SessionID             int64           `json:"session_id"`
	Status                SessionStatus   `json:"status"`
	CurrentRunningMinutes int64           `json:"current_running_minutes"`
	CurrentSessionCost    decimal.Decimal `json:"current_session_cost"`
	Balance               decimal.Decimal `json:"balance"`
	PricePerMinute        decimal.Decimal `json:"price_per_minute"`
	RemainingMinutes      int64           `json:"remaining_minutes"`
	RemainingFormatted    string          `json:"remaining_time_formatted"`
	TotalRunningMinutes   int64           `json:"total_running_minutes"`
	TotalCost             decimal.Decimal `json:"total_cost"`
	Connection            *ConnectionInfo `json:"connection_info,omitempty"`
}

type LogAction string

const (
	ActionCreate   LogAction = "create"
	ActionStart    LogAction = "start"
	ActionStop     LogAction = "stop"
	ActionDelete   LogAction = "delete"
	ActionAutoStop LogAction = "auto_stop"
)

type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogFailed  LogStatus = "failed"
)

// ContainerLog is the operation history of a session.
type ContainerLog struct {
	ID              int64            `json:"id"`
	AccountID       int64            `json:"account_id"`
	SessionID       int64            `json:"session_id"`
	Action          LogAction        `json:"action"`
	ActionStatus    LogStatus        `json:"action_status"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	StoppedAt       *time.Time       `json:"stopped_at,omitempty"`
	DurationMinutes *int64           `json:"duration_minutes,omitempty"`
	Cost            *decimal.Decimal `json:"cost,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}
