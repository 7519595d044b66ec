package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SessionState enumerates exam session states. NOT_STARTED is virtual: a
// session row only exists once the student actually entered the exam.
type SessionState string

const (
	SessionStateNotStarted SessionState = "NOT_STARTED"
	SessionStateInProgress SessionState = "IN_PROGRESS"
	SessionStateSuspended  SessionState = "SUSPENDED"
	SessionStateSubmitted  SessionState = "SUBMITTED"
	SessionStateTerminated SessionState = "TERMINATED"
)

var sessionEdges = map[SessionState][]SessionState{
	SessionStateNotStarted: {SessionStateInProgress},
	SessionStateInProgress: {SessionStateSuspended, SessionStateSubmitted, SessionStateTerminated},
	SessionStateSuspended:  {SessionStateInProgress, SessionStateTerminated},
	SessionStateSubmitted:  {},
	SessionStateTerminated: {},
}

// CanTransition reports whether the edge from → to exists in the session
// state machine.
func (from SessionState) CanTransition(to SessionState) bool {
	for _, next := range sessionEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the session state is absorbing
// (SUBMITTED or TERMINATED).
func (s SessionState) IsTerminal() bool {
	return len(sessionEdges[s]) == 0 && s != SessionStateNotStarted
}

// IsActive reports whether the session still counts against the
// one-active-session-per-(exam,student) invariant.
func (s SessionState) IsActive() bool {
	return s == SessionStateInProgress || s == SessionStateSuspended
}

// ExamSession is one student's attempt at a published exam. Version is the
// optimistic-concurrency counter bumped on every write.
type ExamSession struct {
	ID                   uuid.UUID    `json:"id"`
	ExamID               uuid.UUID    `json:"exam_id"`
	StudentID            int          `json:"student_id"`
	State                SessionState `json:"state"`
	StartedAt            time.Time    `json:"started_at"`
	EndedAt              *time.Time   `json:"ended_at,omitempty"`
	LastActivityAt       time.Time    `json:"last_activity_at"`
	CurrentQuestionIndex int          `json:"current_question_index"`
	AttemptNumber        int          `json:"attempt_number"`
	Version              int64        `json:"-"`
}

// ExamResponse is the latest saved answer for one (session, question) pair.
// Writes are idempotent upserts: a later write for the same key always wins.
type ExamResponse struct {
	SessionID        uuid.UUID       `json:"session_id"`
	QuestionID       uuid.UUID       `json:"question_id"`
	Payload          json.RawMessage `json:"payload"`
	RespondedAt      time.Time       `json:"responded_at"`
	TimeSpentSeconds int             `json:"time_spent_seconds"`
	IsComplete       bool            `json:"is_complete"`
}

// RecordResponseRequest saves one answer.
type RecordResponseRequest struct {
	QuestionID       uuid.UUID       `json:"question_id" binding:"required"`
	Payload          json.RawMessage `json:"payload" binding:"required"`
	TimeSpentSeconds int             `json:"time_spent_seconds" binding:"omitempty,min=0"`
	IsComplete       bool            `json:"is_complete"`
}

// NavigateRequest moves the student's question cursor.
type NavigateRequest struct {
	QuestionIndex int `json:"question_index" binding:"min=0"`
}

// SuspendRequest carries the reason a session is being suspended.
type SuspendRequest struct {
	Reason string `json:"reason" binding:"omitempty,max=255"`
}

// SessionSnapshot is what a resuming student gets back: session row plus
// the latest committed answers.
type SessionSnapshot struct {
	Session          *ExamSession      `json:"session"`
	AutosavedAnswers map[string]string `json:"autosaved_answers"`
	RemainingSeconds float64           `json:"remaining_seconds"`
}
