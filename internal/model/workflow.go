package model

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowState enumerates the publish lifecycle states of an exam.
type WorkflowState string

const (
	WorkflowStateReview      WorkflowState = "PRE_PUBLICATION_REVIEW"
	WorkflowStateScheduled   WorkflowState = "SCHEDULED_FOR_PUBLICATION"
	WorkflowStatePublished   WorkflowState = "PUBLISHED"
	WorkflowStateSuspended   WorkflowState = "SUSPENDED"
	WorkflowStateUnpublished WorkflowState = "UNPUBLISHED"
)

// workflowEdges is the closed transition table. Anything not listed here
// is an invalid transition — there are no implicit skips.
var workflowEdges = map[WorkflowState][]WorkflowState{
	WorkflowStateReview:      {WorkflowStateScheduled},
	WorkflowStateScheduled:   {WorkflowStatePublished},
	WorkflowStatePublished:   {WorkflowStateSuspended, WorkflowStateUnpublished},
	WorkflowStateSuspended:   {WorkflowStatePublished, WorkflowStateUnpublished},
	WorkflowStateUnpublished: {},
}

// CanTransition reports whether the edge from → to exists in the workflow
// state machine.
func (from WorkflowState) CanTransition(to WorkflowState) bool {
	for _, next := range workflowEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsValid reports whether s is a known workflow state.
func (s WorkflowState) IsValid() bool {
	_, ok := workflowEdges[s]
	return ok
}

// IsTerminal reports whether the state has no outgoing edges.
func (s WorkflowState) IsTerminal() bool {
	return len(workflowEdges[s]) == 0
}

// ExamPublishWorkflow is the exam-level publish state machine, one per exam.
// CurrentState only ever changes through a validated transition; the full
// history lives in exam_publish_transitions.
type ExamPublishWorkflow struct {
	ID             uuid.UUID     `json:"id"`
	ExamID         uuid.UUID     `json:"exam_id"`
	CurrentState   WorkflowState `json:"current_state"`
	ScheduledStart *time.Time    `json:"scheduled_start,omitempty"`
	ScheduledEnd   *time.Time    `json:"scheduled_end,omitempty"`
	CreatedBy      int           `json:"created_by"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// ExamPublishTransition is one append-only audit record. Seq is a per-workflow
// monotonic sequence so clock skew can never reorder the trail.
type ExamPublishTransition struct {
	ID         uuid.UUID     `json:"id"`
	WorkflowID uuid.UUID     `json:"workflow_id"`
	Seq        int64         `json:"seq"`
	FromState  WorkflowState `json:"from_state"`
	ToState    WorkflowState `json:"to_state"`
	Actor      int           `json:"actor"`
	Comment    string        `json:"comment,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// TransitionRequest is the payload for requesting a workflow transition.
type TransitionRequest struct {
	ToState WorkflowState `json:"to_state" binding:"required"`
	Comment string        `json:"comment" binding:"omitempty,max=500"`
	Reason  string        `json:"reason" binding:"omitempty,max=500"`
}

// UpdateScheduleRequest sets or replaces the exam's publish window.
type UpdateScheduleRequest struct {
	ScheduledStart time.Time `json:"scheduled_start" binding:"required"`
	ScheduledEnd   time.Time `json:"scheduled_end" binding:"required,gtfield=ScheduledStart"`
}

// AssignStudentsRequest replaces the exam roster.
type AssignStudentsRequest struct {
	StudentIDs []int `json:"student_ids" binding:"required,min=1,dive,min=1"`
}

// WorkflowStateChanged is the domain event published after every successful
// transition. Consumed by the session gate and by external notifiers.
type WorkflowStateChanged struct {
	WorkflowID uuid.UUID     `json:"workflow_id"`
	ExamID     uuid.UUID     `json:"exam_id"`
	FromState  WorkflowState `json:"from_state"`
	ToState    WorkflowState `json:"to_state"`
	Actor      int           `json:"actor"`
	OccurredAt time.Time     `json:"occurred_at"`
}
