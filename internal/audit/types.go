package audit

import (
	"strings"
	"time"
)

// EventType is "<category>.<action>".
type EventType string

const (
	EventFaceRegistration  EventType = "biometric.registration"
	EventFaceRecognition   EventType = "biometric.recognition"
	EventProfileAccess     EventType = "biometric.profile_access"
	EventBatchEnrollment   EventType = "biometric.batch_enrollment"
	EventUserDeletion      EventType = "database.user_deletion"
	EventUserUpdate        EventType = "database.user_update"
	EventDatabaseOperation EventType = "database.operation"
	EventAuthentication    EventType = "security.authentication"
	EventAuthorization     EventType = "security.authorization"
	EventTokenIssued       EventType = "security.token_issued"
	EventHealthChange      EventType = "system.health_change"
	EventServerStart       EventType = "system.server_start"
	EventClientAdmin       EventType = "admin.client"
)

const (
	CategoryBiometric = "biometric"
	CategoryDatabase  = "database"
	CategorySecurity  = "security"
	CategorySystem    = "system"
	CategoryAdmin     = "admin"
)

// Category returns the prefix of the event type.
func (e EventType) Category() string {
	if i := strings.IndexByte(string(e), '.'); i > 0 {
		return string(e)[:i]
	}
	return string(e)
}

// Outcome is the result recorded for an event.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
	OutcomeQueued  Outcome = "queued"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// Event is the input to LogAuditEvent.
type Event struct {
	Type     EventType
	Outcome  Outcome
	ClientID string
	UserID   string
	Details  map[string]any
	Err      error
}

// Record is what lands in the audit sink. Records are never modified after
// they are written.
type Record struct {
	ID        string         `json:"audit_id"`
	Timestamp time.Time      `json:"timestamp"`
	EventType EventType      `json:"event_type"`
	Category  string         `json:"category"`
	Outcome   Outcome        `json:"outcome"`
	RequestID string         `json:"request_id,omitempty"`
	ClientID  string         `json:"client_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Details   map[string]any `json:"details"`
	Error     string         `json:"error,omitempty"`
}
