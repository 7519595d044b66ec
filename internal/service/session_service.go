package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/examgate/examgate/internal/config"
	"github.com/examgate/examgate/internal/model"
	"github.com/examgate/examgate/internal/repository"
)

// Domain errors for exam sessions.
var (
	ErrExamNotAvailable    = errors.New("exam is not available for this student right now")
	ErrSessionNotActive    = errors.New("session is not in progress")
	ErrSessionAlreadyFinal = errors.New("session has already reached a terminal state")
)

// SessionService owns one state machine per (exam, student) attempt.
type SessionService struct {
	sessionRepo  repository.SessionStore
	responseRepo repository.ResponseStore
	workflowRepo repository.WorkflowStore
	examRepo     repository.ExamStore
	rdb          *redis.Client
	log          zerolog.Logger
	grace        time.Duration
	now          func() time.Time
}

// NewSessionService creates a new SessionService.
func NewSessionService(
	sessionRepo repository.SessionStore,
	responseRepo repository.ResponseStore,
	workflowRepo repository.WorkflowStore,
	examRepo repository.ExamStore,
	rdb *redis.Client,
	log zerolog.Logger,
	grace time.Duration,
) *SessionService {
	return &SessionService{
		sessionRepo:  sessionRepo,
		responseRepo: responseRepo,
		workflowRepo: workflowRepo,
		examRepo:     examRepo,
		rdb:          rdb,
		log:          log.With().Str("component", "session_service").Logger(),
		grace:        grace,
		now:          time.Now,
	}
}

// StartOrResume is the idempotent session entry point. The exam must be
// PUBLISHED with the wall clock inside the schedule window (± grace) and the
// student on the roster. An existing non-terminal session is returned
// unchanged; otherwise a fresh IN_PROGRESS session is created.
func (s *SessionService) StartOrResume(ctx context.Context, examID uuid.UUID, studentID int) (*model.ExamSession, error) {
	// Fast gate: a cached non-PUBLISHED state rejects without touching
	// PostgreSQL. Cache miss falls through to the full check.
	stateKey := config.CacheKey.WorkflowStateKey(examID.String())
	if cached, err := s.rdb.Get(ctx, stateKey).Result(); err == nil {
		if model.WorkflowState(cached) != model.WorkflowStatePublished {
			return nil, ErrExamNotAvailable
		}
	}

	wf, err := s.workflowRepo.GetByExamID(ctx, examID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrExamNotAvailable
		}
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	if err := s.checkWindow(wf); err != nil {
		return nil, err
	}

	assigned, err := s.workflowRepo.IsAssigned(ctx, examID, studentID)
	if err != nil {
		return nil, fmt.Errorf("check roster: %w", err)
	}
	if !assigned {
		return nil, ErrExamNotAvailable
	}

	// Idempotent start: an active session always wins over a new one.
	existing, err := s.sessionRepo.GetActiveByExamAndStudent(ctx, examID, studentID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check existing session: %w", err)
	}
	if existing != nil {
		s.cacheStartTime(ctx, existing)
		return existing, nil
	}

	session := &model.ExamSession{ExamID: examID, StudentID: studentID}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Concurrent start detected; hand back the winner.
			winner, fetchErr := s.sessionRepo.GetActiveByExamAndStudent(ctx, examID, studentID)
			if fetchErr != nil {
				return nil, fmt.Errorf("concurrent start detected, but fetch failed: %w", fetchErr)
			}
			return winner, nil
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.cacheStartTime(ctx, session)
	s.log.Info().
		Str("session_id", session.ID.String()).
		Str("exam_id", examID.String()).
		Int("student_id", studentID).
		Int("attempt", session.AttemptNumber).
		Msg("Session started")
	return session, nil
}

// GetByID returns one session row.
func (s *SessionService) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error) {
	return s.sessionRepo.GetByID(ctx, id)
}

// GetActive returns the student's live (IN_PROGRESS or SUSPENDED) session
// for the exam, or pgx.ErrNoRows.
func (s *SessionService) GetActive(ctx context.Context, examID uuid.UUID, studentID int) (*model.ExamSession, error) {
	return s.sessionRepo.GetActiveByExamAndStudent(ctx, examID, studentID)
}

// checkWindow validates the wall clock against the schedule window widened
// by the grace period.
func (s *SessionService) checkWindow(wf *model.ExamPublishWorkflow) error {
	if wf.CurrentState != model.WorkflowStatePublished {
		return ErrExamNotAvailable
	}
	if wf.ScheduledStart == nil || wf.ScheduledEnd == nil {
		return ErrExamNotAvailable
	}
	now := s.now()
	if now.Before(wf.ScheduledStart.Add(-s.grace)) || now.After(wf.ScheduledEnd.Add(s.grace)) {
		return ErrExamNotAvailable
	}
	return nil
}

func (s *SessionService) cacheStartTime(ctx context.Context, session *model.ExamSession) {
	startKey := config.CacheKey.SessionStartKey(session.ExamID.String(), session.StudentID)
	if err := s.rdb.Set(ctx, startKey, session.StartedAt.Unix(), 0).Err(); err != nil {
		s.log.Warn().Err(err).Str("session_id", session.ID.String()).Msg("Failed to cache start time")
	}
}

// RecordResponse saves the latest answer for one question. The write only
// lands while the session is IN_PROGRESS — the repository guard makes a
// write racing Terminate fail here instead of silently succeeding after it.
func (s *SessionService) RecordResponse(ctx context.Context, sessionID uuid.UUID, req *model.RecordResponseRequest) error {
	resp := &model.ExamResponse{
		SessionID:        sessionID,
		QuestionID:       req.QuestionID,
		Payload:          req.Payload,
		TimeSpentSeconds: req.TimeSpentSeconds,
		IsComplete:       req.IsComplete,
	}

	ok, err := s.responseRepo.UpsertGuarded(ctx, resp)
	if err != nil {
		return fmt.Errorf("upsert response: %w", err)
	}
	if !ok {
		return s.classifyInactive(ctx, sessionID)
	}

	if _, err := s.sessionRepo.Touch(ctx, sessionID); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Failed to touch session")
	}
	s.cacheAnswer(ctx, sessionID, req)
	return nil
}

// cacheAnswer keeps the hot answer hash in Redis so a resuming student gets
// their autosaved answers without a DB round trip.
func (s *SessionService) cacheAnswer(ctx context.Context, sessionID uuid.UUID, req *model.RecordResponseRequest) {
	session, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		return
	}
	answersKey := config.CacheKey.SessionAnswersKey(session.ExamID.String(), session.StudentID)
	if err := s.rdb.HSet(ctx, answersKey, req.QuestionID.String(), string(req.Payload)).Err(); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Answer cache write failed")
	}
}

// Heartbeat bumps last activity so the sweep can tell idle from disconnected.
func (s *SessionService) Heartbeat(ctx context.Context, sessionID uuid.UUID) error {
	ok, err := s.sessionRepo.Touch(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if !ok {
		return s.classifyInactive(ctx, sessionID)
	}
	return nil
}

// Navigate moves the student's question cursor.
func (s *SessionService) Navigate(ctx context.Context, sessionID uuid.UUID, questionIndex int) error {
	ok, err := s.sessionRepo.SetQuestionIndex(ctx, sessionID, questionIndex)
	if err != nil {
		return fmt.Errorf("set question index: %w", err)
	}
	if !ok {
		return s.classifyInactive(ctx, sessionID)
	}
	return nil
}

// Suspend moves IN_PROGRESS → SUSPENDED.
func (s *SessionService) Suspend(ctx context.Context, sessionID uuid.UUID, reason string) error {
	ok, err := s.sessionRepo.TransitionState(ctx, sessionID, model.SessionStateSuspended, model.SessionStateInProgress)
	if err != nil {
		return fmt.Errorf("suspend session: %w", err)
	}
	if !ok {
		return s.classifyInactive(ctx, sessionID)
	}
	s.log.Info().Str("session_id", sessionID.String()).Str("reason", reason).Msg("Session suspended")
	return nil
}

// Resume moves SUSPENDED → IN_PROGRESS. Fails outside the schedule window:
// a suspension must not extend a student's exam past its end.
func (s *SessionService) Resume(ctx context.Context, sessionID uuid.UUID) (*model.ExamSession, error) {
	session, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	wf, err := s.workflowRepo.GetByExamID(ctx, session.ExamID)
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	if err := s.checkWindow(wf); err != nil {
		return nil, err
	}

	ok, err := s.sessionRepo.TransitionState(ctx, sessionID, model.SessionStateInProgress, model.SessionStateSuspended)
	if err != nil {
		return nil, fmt.Errorf("resume session: %w", err)
	}
	if !ok {
		return nil, s.classifyInactive(ctx, sessionID)
	}

	session.State = model.SessionStateInProgress
	s.log.Info().Str("session_id", sessionID.String()).Msg("Session resumed")
	return session, nil
}

// Submit moves IN_PROGRESS → SUBMITTED. Terminal: further responses are
// rejected.
func (s *SessionService) Submit(ctx context.Context, sessionID uuid.UUID) error {
	ok, err := s.sessionRepo.TransitionState(ctx, sessionID, model.SessionStateSubmitted, model.SessionStateInProgress)
	if err != nil {
		return fmt.Errorf("submit session: %w", err)
	}
	if !ok {
		return s.classifyInactive(ctx, sessionID)
	}
	s.clearViolationCounter(ctx, sessionID)
	s.log.Info().Str("session_id", sessionID.String()).Msg("Session submitted")
	return nil
}

// Terminate forces the session into TERMINATED from any live state. It is
// idempotent — terminating an already-terminal session reports success —
// so an emergency shutdown can never be blocked.
func (s *SessionService) Terminate(ctx context.Context, sessionID uuid.UUID, reason string, actor int) error {
	ok, err := s.sessionRepo.TransitionState(ctx, sessionID, model.SessionStateTerminated,
		model.SessionStateInProgress, model.SessionStateSuspended)
	if err != nil {
		return fmt.Errorf("terminate session: %w", err)
	}
	if !ok {
		session, getErr := s.sessionRepo.GetByID(ctx, sessionID)
		if getErr != nil {
			return fmt.Errorf("get session: %w", getErr)
		}
		if session.State.IsTerminal() {
			return nil
		}
		return ErrSessionNotActive
	}

	s.clearViolationCounter(ctx, sessionID)
	s.log.Warn().
		Str("session_id", sessionID.String()).
		Str("reason", reason).
		Int("actor", actor).
		Msg("Session terminated")
	return nil
}

// clearViolationCounter drops the session's violation counter once the
// session is terminal; a new attempt starts classification from zero.
func (s *SessionService) clearViolationCounter(ctx context.Context, sessionID uuid.UUID) {
	key := config.CacheKey.SessionViolationsKey(sessionID.String())
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Violation counter cleanup failed")
	}
}

// GetSnapshot returns what a (re-)entering student needs: the session, the
// latest committed answers and the remaining time. Answers come from the
// Redis hot hash with a PostgreSQL fallback that self-heals the cache.
func (s *SessionService) GetSnapshot(ctx context.Context, sessionID uuid.UUID) (*model.SessionSnapshot, error) {
	session, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	answersKey := config.CacheKey.SessionAnswersKey(session.ExamID.String(), session.StudentID)
	answers, err := s.rdb.HGetAll(ctx, answersKey).Result()
	if err != nil || len(answers) == 0 {
		// Cache miss: rebuild from the committed responses.
		responses, dbErr := s.responseRepo.ListBySession(ctx, sessionID)
		if dbErr != nil {
			return nil, fmt.Errorf("list responses: %w", dbErr)
		}
		answers = make(map[string]string, len(responses))
		for _, resp := range responses {
			answers[resp.QuestionID.String()] = string(resp.Payload)
		}
		if len(answers) > 0 {
			_ = s.rdb.HSet(ctx, answersKey, answers).Err()
		}
	}

	remaining, err := s.remainingSeconds(ctx, session)
	if err != nil {
		return nil, err
	}

	return &model.SessionSnapshot{
		Session:          session,
		AutosavedAnswers: answers,
		RemainingSeconds: remaining,
	}, nil
}

// remainingSeconds computes time left from the cached exam duration with a
// PostgreSQL fallback.
func (s *SessionService) remainingSeconds(ctx context.Context, session *model.ExamSession) (float64, error) {
	var durationMinutes int

	durationKey := config.CacheKey.ExamDurationKey(session.ExamID.String())
	if val, err := s.rdb.Get(ctx, durationKey).Result(); err == nil {
		durationMinutes, _ = strconv.Atoi(val)
	}
	if durationMinutes == 0 {
		exam, err := s.examRepo.GetByID(ctx, session.ExamID)
		if err != nil {
			return 0, fmt.Errorf("get exam: %w", err)
		}
		durationMinutes = exam.DurationMinutes
		_ = s.rdb.Set(ctx, durationKey, strconv.Itoa(durationMinutes), 0).Err()
	}

	endTime := session.StartedAt.Add(time.Duration(durationMinutes) * time.Minute)
	remaining := endTime.Sub(s.now())
	if remaining < 0 {
		remaining = 0
	}
	return remaining.Seconds(), nil
}

// classifyInactive turns a rejected conditional write into the right typed
// error by inspecting where the session actually is.
func (s *SessionService) classifyInactive(ctx context.Context, sessionID uuid.UUID) error {
	session, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if session.State.IsTerminal() {
		return ErrSessionAlreadyFinal
	}
	return ErrSessionNotActive
}
