package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/examgate/examgate/internal/config"
	"github.com/examgate/examgate/internal/hub"
	"github.com/examgate/examgate/internal/model"
	"github.com/examgate/examgate/internal/repository"
)

// Domain errors for the publish workflow.
var (
	ErrInvalidTransition    = errors.New("transition not allowed from current state")
	ErrWorkflowFrozen       = errors.New("schedule and roster are frozen for this workflow state")
	ErrScheduleNotSet       = errors.New("schedule window must be set before scheduling publication")
	ErrEmptyRoster          = errors.New("at least one student must be assigned before scheduling publication")
	ErrBeforeScheduledStart = errors.New("cannot publish before the scheduled start")
)

// WorkflowService owns the exam publish state machine and its audit trail.
type WorkflowService struct {
	workflowRepo repository.WorkflowStore
	examRepo     repository.ExamStore
	monitorHub   *hub.Hub
	rdb          *redis.Client
	log          zerolog.Logger
	now          func() time.Time
}

// NewWorkflowService creates a new WorkflowService.
func NewWorkflowService(
	workflowRepo repository.WorkflowStore,
	examRepo repository.ExamStore,
	monitorHub *hub.Hub,
	rdb *redis.Client,
	log zerolog.Logger,
) *WorkflowService {
	return &WorkflowService{
		workflowRepo: workflowRepo,
		examRepo:     examRepo,
		monitorHub:   monitorHub,
		rdb:          rdb,
		log:          log.With().Str("component", "workflow_service").Logger(),
		now:          time.Now,
	}
}

// CreateExam registers an exam and opens its publish workflow in
// PRE_PUBLICATION_REVIEW.
func (s *WorkflowService) CreateExam(ctx context.Context, req *model.CreateExamRequest, actor int) (*model.Exam, *model.ExamPublishWorkflow, error) {
	exam := &model.Exam{
		Title:           req.Title,
		DurationMinutes: req.DurationMinutes,
		CreatedBy:       actor,
	}
	if err := s.examRepo.Create(ctx, exam); err != nil {
		return nil, nil, fmt.Errorf("create exam: %w", err)
	}

	wf := &model.ExamPublishWorkflow{ExamID: exam.ID, CreatedBy: actor}
	if err := s.workflowRepo.Create(ctx, wf); err != nil {
		return nil, nil, fmt.Errorf("create workflow: %w", err)
	}

	s.log.Info().
		Str("exam_id", exam.ID.String()).
		Str("workflow_id", wf.ID.String()).
		Msg("Exam registered, workflow opened")
	return exam, wf, nil
}

// GetByExamID returns the workflow for an exam.
func (s *WorkflowService) GetByExamID(ctx context.Context, examID uuid.UUID) (*model.ExamPublishWorkflow, error) {
	return s.workflowRepo.GetByExamID(ctx, examID)
}

// RequestTransition validates and executes one workflow transition. On
// success the state update and the audit record commit atomically and a
// WorkflowStateChanged event goes out; on failure nothing is appended.
func (s *WorkflowService) RequestTransition(ctx context.Context, workflowID uuid.UUID, req *model.TransitionRequest, actor int) (*model.ExamPublishWorkflow, error) {
	if !req.ToState.IsValid() {
		return nil, ErrInvalidTransition
	}

	wf, err := s.workflowRepo.GetByID(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}

	if !wf.CurrentState.CanTransition(req.ToState) {
		return nil, ErrInvalidTransition
	}

	if err := s.checkPreconditions(ctx, wf, req.ToState); err != nil {
		return nil, err
	}

	transition, err := s.workflowRepo.Transition(ctx, wf.ID, wf.CurrentState, req.ToState, actor, req.Comment, req.Reason)
	if err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			// Someone else moved the workflow first; the caller's premise
			// is stale, so the request is as invalid as a bad edge.
			return nil, ErrInvalidTransition
		}
		return nil, fmt.Errorf("execute transition: %w", err)
	}

	s.publishStateChanged(ctx, wf, transition)

	wf.CurrentState = req.ToState
	s.log.Info().
		Str("workflow_id", wf.ID.String()).
		Str("exam_id", wf.ExamID.String()).
		Str("from", string(transition.FromState)).
		Str("to", string(transition.ToState)).
		Int("actor", actor).
		Msg("Workflow transitioned")
	return wf, nil
}

// checkPreconditions enforces per-target-state entry requirements.
func (s *WorkflowService) checkPreconditions(ctx context.Context, wf *model.ExamPublishWorkflow, to model.WorkflowState) error {
	switch to {
	case model.WorkflowStateScheduled:
		if wf.ScheduledStart == nil || wf.ScheduledEnd == nil {
			return ErrScheduleNotSet
		}
		assigned, err := s.workflowRepo.CountAssigned(ctx, wf.ExamID)
		if err != nil {
			return fmt.Errorf("count roster: %w", err)
		}
		if assigned == 0 {
			return ErrEmptyRoster
		}
	case model.WorkflowStatePublished:
		if wf.ScheduledStart == nil {
			return ErrScheduleNotSet
		}
		if s.now().Before(*wf.ScheduledStart) {
			return ErrBeforeScheduledStart
		}
	}
	return nil
}

// publishStateChanged caches the live state for the session gate and emits
// the domain event. Both are best-effort: the committed transition is the
// source of truth and the gate self-heals from PostgreSQL on cache miss.
func (s *WorkflowService) publishStateChanged(ctx context.Context, wf *model.ExamPublishWorkflow, t *model.ExamPublishTransition) {
	stateKey := config.CacheKey.WorkflowStateKey(wf.ExamID.String())
	if err := s.rdb.Set(ctx, stateKey, string(t.ToState), 0).Err(); err != nil {
		s.log.Warn().Err(err).Str("exam_id", wf.ExamID.String()).Msg("Failed to cache workflow state")
	}

	event := model.WorkflowStateChanged{
		WorkflowID: wf.ID,
		ExamID:     wf.ExamID,
		FromState:  t.FromState,
		ToState:    t.ToState,
		Actor:      t.Actor,
		OccurredAt: t.CreatedAt,
	}
	payload, _ := json.Marshal(event)
	if err := s.rdb.Publish(ctx, config.CacheKey.WorkflowEventsChannel(), payload).Err(); err != nil {
		s.log.Warn().Err(err).Str("exam_id", wf.ExamID.String()).Msg("Failed to publish workflow event")
	}

	// The monitoring channel lives and dies with the workflow.
	if t.ToState == model.WorkflowStateUnpublished {
		s.monitorHub.CloseExam(wf.ExamID)
	}
}

// UpdateSchedule sets the publish window. Rejected once the exam is live:
// schedule changes under running sessions would corrupt the window checks.
func (s *WorkflowService) UpdateSchedule(ctx context.Context, workflowID uuid.UUID, req *model.UpdateScheduleRequest) (*model.ExamPublishWorkflow, error) {
	wf, err := s.workflowRepo.GetByID(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	if s.isFrozen(wf.CurrentState) {
		return nil, ErrWorkflowFrozen
	}

	if err := s.workflowRepo.UpdateSchedule(ctx, wf.ID, req.ScheduledStart, req.ScheduledEnd); err != nil {
		return nil, fmt.Errorf("update schedule: %w", err)
	}

	// Cache the exam duration for fast remaining-time math in sessions.
	window := req.ScheduledEnd.Sub(req.ScheduledStart)
	durationKey := config.CacheKey.ExamDurationKey(wf.ExamID.String())
	_ = s.rdb.Set(ctx, durationKey, strconv.Itoa(int(window.Minutes())), 0).Err()

	wf.ScheduledStart = &req.ScheduledStart
	wf.ScheduledEnd = &req.ScheduledEnd
	return wf, nil
}

// AssignStudents replaces the exam roster. Frozen once live.
func (s *WorkflowService) AssignStudents(ctx context.Context, workflowID uuid.UUID, studentIDs []int) error {
	wf, err := s.workflowRepo.GetByID(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("get workflow: %w", err)
	}
	if s.isFrozen(wf.CurrentState) {
		return ErrWorkflowFrozen
	}

	if err := s.workflowRepo.AssignStudents(ctx, wf.ExamID, studentIDs); err != nil {
		return fmt.Errorf("assign students: %w", err)
	}

	s.log.Info().
		Str("exam_id", wf.ExamID.String()).
		Int("count", len(studentIDs)).
		Msg("Roster replaced")
	return nil
}

// isFrozen reports whether schedule/roster mutation is rejected for the
// state. PUBLISHED freezes because the exam is live; UNPUBLISHED because
// the workflow is finished for good.
func (s *WorkflowService) isFrozen(state model.WorkflowState) bool {
	return state == model.WorkflowStatePublished || state == model.WorkflowStateUnpublished
}

// GetHistory returns the transition audit trail in sequence order.
// Pure read, no side effects.
func (s *WorkflowService) GetHistory(ctx context.Context, workflowID uuid.UUID) ([]model.ExamPublishTransition, error) {
	return s.workflowRepo.ListTransitions(ctx, workflowID)
}
