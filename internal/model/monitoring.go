package model

import (
	"time"

	"github.com/google/uuid"
)

// Severity classifies how serious an integrity signal is.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// SignalType enumerates the raw integrity signals a session can raise.
type SignalType string

const (
	SignalTabSwitch           SignalType = "TAB_SWITCH"
	SignalCopyPaste           SignalType = "COPY_PASTE"
	SignalMultipleIP          SignalType = "MULTIPLE_IP"
	SignalProlongedInactivity SignalType = "PROLONGED_INACTIVITY"
	SignalFocusLoss           SignalType = "FOCUS_LOSS"
	SignalSessionTimeout      SignalType = "SESSION_TIMEOUT"
)

// IsValid reports whether t is a known signal type.
func (t SignalType) IsValid() bool {
	switch t {
	case SignalTabSwitch, SignalCopyPaste, SignalMultipleIP,
		SignalProlongedInactivity, SignalFocusLoss, SignalSessionTimeout:
		return true
	}
	return false
}

// MonitoringSession mirrors an ExamSession for the proctoring view. It is
// an oversight aggregate, never the source of truth for exam correctness.
type MonitoringSession struct {
	SessionID      uuid.UUID    `json:"session_id"`
	ExamID         uuid.UUID    `json:"exam_id"`
	StudentID      int          `json:"student_id"`
	ViolationCount int          `json:"violation_count"`
	WarningCount   int          `json:"warning_count"`
	Status         SessionState `json:"status"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// MonitoringEvent is one classified integrity event. Append-only: once
// resolved it is immutable, resolution being the only allowed extension.
type MonitoringEvent struct {
	ID             uuid.UUID  `json:"id"`
	SessionID      uuid.UUID  `json:"session_id"`
	ExamID         uuid.UUID  `json:"exam_id"`
	StudentID      int        `json:"student_id"`
	Type           SignalType `json:"type"`
	Severity       Severity   `json:"severity"`
	Description    string     `json:"description,omitempty"`
	RequiresAction bool       `json:"requires_action"`
	IsResolved     bool       `json:"is_resolved"`
	Resolution     string     `json:"resolution,omitempty"`
	Seq            int64      `json:"seq"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// ProctorActionType enumerates human interventions.
type ProctorActionType string

const (
	ProctorActionWarn      ProctorActionType = "WARN"
	ProctorActionSuspend   ProctorActionType = "SUSPEND"
	ProctorActionTerminate ProctorActionType = "TERMINATE"
)

// IsValid reports whether t is a known proctor action type.
func (t ProctorActionType) IsValid() bool {
	switch t {
	case ProctorActionWarn, ProctorActionSuspend, ProctorActionTerminate:
		return true
	}
	return false
}

// ProctorAction is the append-only audit record of one human intervention.
type ProctorAction struct {
	ID        uuid.UUID         `json:"id"`
	SessionID uuid.UUID         `json:"session_id"`
	ProctorID int               `json:"proctor_id"`
	Type      ProctorActionType `json:"type"`
	Outcome   string            `json:"outcome,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ProctorActionRequest is the payload for a proctor intervention.
type ProctorActionRequest struct {
	Type    ProctorActionType `json:"type" binding:"required"`
	Outcome string            `json:"outcome" binding:"omitempty,max=500"`
	Reason  string            `json:"reason" binding:"omitempty,max=500"`
}

// ResolveEventRequest marks a monitoring event handled.
type ResolveEventRequest struct {
	Resolution string `json:"resolution" binding:"required,min=3,max=500"`
}

// ReportSignalRequest is the payload a student client sends when the
// browser detects an integrity signal.
type ReportSignalRequest struct {
	Type        SignalType `json:"type" binding:"required"`
	Description string     `json:"description" binding:"omitempty,max=500"`
}
