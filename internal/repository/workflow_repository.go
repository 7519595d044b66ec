package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/examgate/examgate/internal/model"
)

// ErrStateConflict means a conditional state update matched zero rows:
// another actor moved the state machine first.
var ErrStateConflict = errors.New("state changed concurrently")

// WorkflowRepository handles publish workflow data access.
type WorkflowRepository struct {
	pool *pgxpool.Pool
}

// NewWorkflowRepository creates a new WorkflowRepository.
func NewWorkflowRepository(pool *pgxpool.Pool) *WorkflowRepository {
	return &WorkflowRepository{pool: pool}
}

// Create inserts a new workflow in PRE_PUBLICATION_REVIEW.
func (r *WorkflowRepository) Create(ctx context.Context, wf *model.ExamPublishWorkflow) error {
	wf.CurrentState = model.WorkflowStateReview
	return r.pool.QueryRow(ctx,
		`INSERT INTO exam_publish_workflows (exam_id, current_state, created_by)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at, updated_at`,
		wf.ExamID, wf.CurrentState, wf.CreatedBy,
	).Scan(&wf.ID, &wf.CreatedAt, &wf.UpdatedAt)
}

const workflowColumns = `id, exam_id, current_state, scheduled_start, scheduled_end, created_by, created_at, updated_at`

// GetByID retrieves a workflow by its UUID.
func (r *WorkflowRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamPublishWorkflow, error) {
	wf := &model.ExamPublishWorkflow{}
	err := r.pool.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM exam_publish_workflows WHERE id = $1`, id,
	).Scan(&wf.ID, &wf.ExamID, &wf.CurrentState, &wf.ScheduledStart, &wf.ScheduledEnd,
		&wf.CreatedBy, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// GetByExamID retrieves the workflow for a given exam.
func (r *WorkflowRepository) GetByExamID(ctx context.Context, examID uuid.UUID) (*model.ExamPublishWorkflow, error) {
	wf := &model.ExamPublishWorkflow{}
	err := r.pool.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM exam_publish_workflows WHERE exam_id = $1`, examID,
	).Scan(&wf.ID, &wf.ExamID, &wf.CurrentState, &wf.ScheduledStart, &wf.ScheduledEnd,
		&wf.CreatedBy, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// Transition moves current_state from → to and appends the audit record in
// one transaction. The conditional UPDATE both validates the compare-and-swap
// and takes the row lock that serializes the per-workflow sequence number.
// Rejected requests append nothing.
func (r *WorkflowRepository) Transition(ctx context.Context, workflowID uuid.UUID, from, to model.WorkflowState, actor int, comment, reason string) (*model.ExamPublishTransition, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE exam_publish_workflows
		 SET current_state = $1, updated_at = NOW()
		 WHERE id = $2 AND current_state = $3`,
		to, workflowID, from)
	if err != nil {
		return nil, fmt.Errorf("update state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrStateConflict
	}

	t := &model.ExamPublishTransition{
		WorkflowID: workflowID,
		FromState:  from,
		ToState:    to,
		Actor:      actor,
		Comment:    comment,
		Reason:     reason,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO exam_publish_transitions (workflow_id, seq, from_state, to_state, actor, comment, reason)
		 SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6
		 FROM exam_publish_transitions WHERE workflow_id = $1
		 RETURNING id, seq, created_at`,
		workflowID, from, to, actor, comment, reason,
	).Scan(&t.ID, &t.Seq, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("append transition: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return t, nil
}

// UpdateSchedule replaces the publish window.
func (r *WorkflowRepository) UpdateSchedule(ctx context.Context, workflowID uuid.UUID, start, end time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE exam_publish_workflows
		 SET scheduled_start = $1, scheduled_end = $2, updated_at = NOW()
		 WHERE id = $3`,
		start, end, workflowID)
	return err
}

// ListTransitions returns the full audit trail ordered by sequence.
func (r *WorkflowRepository) ListTransitions(ctx context.Context, workflowID uuid.UUID) ([]model.ExamPublishTransition, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, workflow_id, seq, from_state, to_state, actor, comment, reason, created_at
		 FROM exam_publish_transitions
		 WHERE workflow_id = $1
		 ORDER BY seq ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transitions []model.ExamPublishTransition
	for rows.Next() {
		var t model.ExamPublishTransition
		if err := rows.Scan(&t.ID, &t.WorkflowID, &t.Seq, &t.FromState, &t.ToState,
			&t.Actor, &t.Comment, &t.Reason, &t.CreatedAt); err != nil {
			return nil, err
		}
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

// AssignStudents replaces the exam roster in one transaction.
func (r *WorkflowRepository) AssignStudents(ctx context.Context, examID uuid.UUID, studentIDs []int) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin assign: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM exam_roster WHERE exam_id = $1`, examID); err != nil {
		return fmt.Errorf("clear roster: %w", err)
	}
	for _, sid := range studentIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO exam_roster (exam_id, student_id) VALUES ($1, $2)
			 ON CONFLICT (exam_id, student_id) DO NOTHING`,
			examID, sid); err != nil {
			return fmt.Errorf("insert roster row: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// CountAssigned returns the roster size for an exam.
func (r *WorkflowRepository) CountAssigned(ctx context.Context, examID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM exam_roster WHERE exam_id = $1`, examID).Scan(&n)
	return n, err
}

// IsAssigned reports whether the student is on the exam roster.
func (r *WorkflowRepository) IsAssigned(ctx context.Context, examID uuid.UUID, studentID int) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM exam_roster WHERE exam_id = $1 AND student_id = $2)`,
		examID, studentID).Scan(&ok)
	return ok, err
}
