package models

import (
	"time"
)

// Execution backends a task can be routed to.
const (
	MethodBrowserAgent   = "browser-agent"
	MethodHeadlessWorker = "headless-worker"
	MethodStealthWorker  = "stealth-worker"
)

// PostingTask statuses persisted in Postgres.
const (
	TaskQueued    = "queued"
	TaskClaimed   = "claimed"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

// LifecycleRecord statuses. A record tracks exactly one posting attempt;
// retries create a new record linked through ParentRecordID.
const (
	StatusInitiated  = "initiated"
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusPosting    = "posting"
	StatusVerify     = "verify"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Trigger types for a posting attempt.
const (
	TriggerManual    = "manual"
	TriggerAutoPost  = "auto_post"
	TriggerScheduled = "scheduled"
	TriggerRetry     = "retry"
)

// Risk levels and factor severities.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// Lifecycle event types.
const (
	EventStageChange = "stage_change"
	EventError       = "error"
	EventWarning     = "warning"
	EventInfo        = "info"
	EventDebug       = "debug"
)

// SessionBundle statuses.
const (
	SessionCaptured = "captured"
	SessionActive   = "active"
	SessionExpired  = "expired"
	SessionRevoked  = "revoked"
)

// IsTerminalStatus reports whether a lifecycle status permits no further
// transitions.
func IsTerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// PostingTask is one scheduled unit of publish work. It is created by the
// dispatcher and consumed exactly once by whichever backend claims it.
type PostingTask struct {
	ID                string         `json:"id"`
	AccountID         string         `json:"account_id"`
	VehicleID         string         `json:"vehicle_id"`
	LifecycleRecordID string         `json:"lifecycle_record_id"`
	ExecutionMethod   string         `json:"execution_method"`
	Priority          int            `json:"priority"`
	Payload           VehiclePayload `json:"payload"`
	PatternID         string         `json:"pattern_id"`
	Status            string         `json:"status"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// StageEntry is one step in a record's stage history.
type StageEntry struct {
	Stage         string    `json:"stage"`
	Timestamp     time.Time `json:"timestamp"`
	PreviousStage string    `json:"previous_stage,omitempty"`
}

// RiskFactor is a single contribution to a record's risk assessment.
type RiskFactor struct {
	Factor   string `json:"factor"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// LifecycleRecord is the audit trail for one attempt at publishing a
// vehicle. StageHistory is append-only and never repeats a stage
// consecutively.
type LifecycleRecord struct {
	ID             string       `json:"id"`
	AccountID      string       `json:"account_id"`
	VehicleID      string       `json:"vehicle_id"`
	Method         string       `json:"method"`
	TriggerType    string       `json:"trigger_type"`
	Status         string       `json:"status"`
	Stage          string       `json:"stage"`
	StageHistory   []StageEntry `json:"stage_history"`
	RiskLevel      string       `json:"risk_level"`
	RiskFactors    []RiskFactor `json:"risk_factors"`
	AttemptNumber  int          `json:"attempt_number"`
	ParentRecordID *string      `json:"parent_record_id,omitempty"`
	RetryCount     int          `json:"retry_count"`
	InitiatedAt    time.Time    `json:"initiated_at"`
	QueuedAt       *time.Time   `json:"queued_at,omitempty"`
	ProcessingAt   *time.Time   `json:"processing_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	Duration       int64        `json:"duration_seconds"`
}

// LifecycleEvent is a timestamped note attached to a record.
type LifecycleEvent struct {
	ID         string         `json:"id"`
	RecordID   string         `json:"record_id"`
	EventType  string         `json:"event_type"`
	Stage      string         `json:"stage,omitempty"`
	Message    string         `json:"message"`
	Source     string         `json:"source"`
	Details    map[string]any `json:"details,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// CredentialEntry is one captured browser credential (cookie-shaped).
// Entries are deduplicated by (Name, Domain).
type CredentialEntry struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"` // unix seconds, 0 = session entry
	HTTPOnly bool    `json:"http_only"`
	Secure   bool    `json:"secure"`
}

// SessionBundle is the captured credential set for one account. Bundles are
// replaced on re-capture, never mutated.
type SessionBundle struct {
	AccountID              string            `json:"account_id"`
	Entries                []CredentialEntry `json:"entries"`
	Fingerprint            string            `json:"fingerprint"`
	CapturedAt             time.Time         `json:"captured_at"`
	Status                 string            `json:"status"`
	RecoverySecretEnrolled bool              `json:"recovery_secret_enrolled"`
}

// ExpiresAt returns the earliest entry expiry, or zero if no entry carries
// an expiry.
func (b SessionBundle) ExpiresAt() time.Time {
	var earliest time.Time
	for _, e := range b.Entries {
		if e.Expires <= 0 {
			continue
		}
		t := time.Unix(int64(e.Expires), 0)
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}
	return earliest
}

// AutomationPattern is a versioned workflow script. Only the outcome
// counters change after creation.
type AutomationPattern struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Category     string    `json:"category"`
	Tags         []string  `json:"tags"`
	Code         string    `json:"code"`
	SuccessCount int       `json:"success_count"`
	FailureCount int       `json:"failure_count"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
