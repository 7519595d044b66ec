package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/examgate/examgate/internal/config"
	"github.com/examgate/examgate/internal/hub"
	"github.com/examgate/examgate/internal/model"
	"github.com/examgate/examgate/internal/repository"
)

// Domain errors for monitoring.
var (
	ErrUnknownSignal   = errors.New("unknown monitoring signal type")
	ErrUnknownAction   = errors.New("unknown proctor action type")
	ErrAlreadyResolved = errors.New("monitoring event is already resolved")
)

// violationCounterTTL caps how long a session's violation counter can
// outlive activity on it. Terminal session transitions delete the key
// eagerly; the TTL covers sessions that never reach one.
const violationCounterTTL = 24 * time.Hour

// ExamStats aggregates the proctor dashboard numbers for one exam.
type ExamStats struct {
	Sessions            []model.MonitoringSession `json:"sessions"`
	ViolationsByStudent map[int]int64             `json:"violations_by_student"`
	AnsweredBySession   map[uuid.UUID]int64       `json:"answered_by_session"`
}

// MonitorService classifies integrity signals and fans them out to live
// proctors. Persistence is asynchronous (the event worker drains a Redis
// queue) so a slow database never stalls the live stream.
type MonitorService struct {
	monitorRepo    repository.MonitoringStore
	sessionRepo    repository.SessionStore
	responseRepo   repository.ResponseStore
	sessionService *SessionService
	monitorHub     *hub.Hub
	rdb            *redis.Client
	log            zerolog.Logger
	highTimeout    time.Duration
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(
	monitorRepo repository.MonitoringStore,
	sessionRepo repository.SessionStore,
	responseRepo repository.ResponseStore,
	sessionService *SessionService,
	monitorHub *hub.Hub,
	rdb *redis.Client,
	log zerolog.Logger,
	highTimeout time.Duration,
) *MonitorService {
	return &MonitorService{
		monitorRepo:    monitorRepo,
		sessionRepo:    sessionRepo,
		responseRepo:   responseRepo,
		sessionService: sessionService,
		monitorHub:     monitorHub,
		rdb:            rdb,
		log:            log.With().Str("component", "monitor_service").Logger(),
		highTimeout:    highTimeout,
	}
}

// RecordEvent ingests one raw signal: classify against the session's prior
// violation count, queue for durable persistence, then fan out to live
// subscribers and the Redis monitor channel.
func (s *MonitorService) RecordEvent(ctx context.Context, sessionID uuid.UUID, req *model.ReportSignalRequest) (*model.MonitoringEvent, error) {
	if !req.Type.IsValid() {
		return nil, ErrUnknownSignal
	}

	session, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	if err := s.monitorRepo.EnsureSession(ctx, &model.MonitoringSession{
		SessionID: session.ID,
		ExamID:    session.ExamID,
		StudentID: session.StudentID,
		Status:    session.State,
	}); err != nil {
		return nil, fmt.Errorf("ensure monitoring session: %w", err)
	}

	// The counter is the classification input: INCR returns the new total,
	// so prior occurrences = total - 1. SESSION_TIMEOUT stays out of it:
	// it is system-generated, never escalates, and must not push a
	// student's first genuine violation up a severity level.
	var prior int64
	if req.Type != model.SignalSessionTimeout {
		violationsKey := config.CacheKey.SessionViolationsKey(sessionID.String())
		total, err := s.rdb.Incr(ctx, violationsKey).Result()
		if err != nil {
			return nil, fmt.Errorf("increment violation counter: %w", err)
		}
		if total == 1 {
			// First violation creates the key; bound its lifetime so
			// abandoned sessions do not leak counters.
			if err := s.rdb.Expire(ctx, violationsKey, violationCounterTTL).Err(); err != nil {
				s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Violation counter expiry failed")
			}
		}
		prior = total - 1
	}
	cls := Classify(req.Type, prior)

	event := &model.MonitoringEvent{
		ID:             uuid.New(),
		SessionID:      session.ID,
		ExamID:         session.ExamID,
		StudentID:      session.StudentID,
		Type:           req.Type,
		Severity:       cls.Severity,
		Description:    req.Description,
		RequiresAction: cls.RequiresAction,
		Seq:            s.monitorHub.NextSeq(session.ExamID, session.ID),
		CreatedAt:      time.Now(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	// Durable path first: the event worker owns the PostgreSQL insert.
	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistEventsQueue, payload).Err(); err != nil {
		return nil, fmt.Errorf("enqueue event: %w", err)
	}

	// Live paths are best-effort for LOW/MEDIUM, guaranteed-or-escalated
	// for HIGH.
	if err := s.rdb.Publish(ctx, config.CacheKey.ExamMonitorChannel(session.ExamID.String()), payload).Err(); err != nil {
		s.log.Warn().Err(err).Str("event_id", event.ID.String()).Msg("Monitor channel publish failed")
	}

	undelivered := s.monitorHub.Publish(session.ExamID, *event)
	if len(undelivered) > 0 && event.Severity == model.SeverityHigh {
		s.deliverHighOrEscalate(ctx, event, payload, undelivered)
	}

	s.log.Info().
		Str("event_id", event.ID.String()).
		Str("session_id", session.ID.String()).
		Str("type", string(event.Type)).
		Str("severity", string(event.Severity)).
		Int64("seq", event.Seq).
		Msg("Monitoring event recorded")
	return event, nil
}

// deliverHighOrEscalate retries saturated subscribers inside the delivery
// window; whoever still cannot take the event gets it via the exam-wide
// alert channel instead. A HIGH event is never silently dropped.
func (s *MonitorService) deliverHighOrEscalate(ctx context.Context, event *model.MonitoringEvent, payload []byte, undelivered []*hub.Subscriber) {
	deadline := time.Now().Add(s.highTimeout)
	for len(undelivered) > 0 && time.Now().Before(deadline) && ctx.Err() == nil {
		select {
		case <-ctx.Done():
		case <-time.After(50 * time.Millisecond):
		}
		undelivered = s.monitorHub.Retry(undelivered, *event)
	}

	if len(undelivered) == 0 {
		return
	}
	s.log.Error().
		Str("event_id", event.ID.String()).
		Int("subscribers", len(undelivered)).
		Msg("High-severity delivery window expired, broadcasting fallback alert")
	if err := s.rdb.Publish(ctx, config.CacheKey.ExamAlertChannel(event.ExamID.String()), payload).Err(); err != nil {
		s.log.Error().Err(err).Str("event_id", event.ID.String()).Msg("Fallback alert publish failed")
	}
}

// Subscribe attaches a live observer to the exam's monitoring stream.
func (s *MonitorService) Subscribe(examID uuid.UUID) *hub.Subscriber {
	return s.monitorHub.Subscribe(examID)
}

// TakeProctorAction records a human intervention and applies its side
// effect on the exam session.
func (s *MonitorService) TakeProctorAction(ctx context.Context, sessionID uuid.UUID, proctorID int, req *model.ProctorActionRequest) (*model.ProctorAction, error) {
	if !req.Type.IsValid() {
		return nil, ErrUnknownAction
	}

	action := &model.ProctorAction{
		SessionID: sessionID,
		ProctorID: proctorID,
		Type:      req.Type,
		Outcome:   req.Outcome,
	}

	switch req.Type {
	case model.ProctorActionTerminate:
		if err := s.sessionService.Terminate(ctx, sessionID, req.Reason, proctorID); err != nil {
			return nil, err
		}
		s.mirrorStatus(ctx, sessionID, model.SessionStateTerminated)
	case model.ProctorActionSuspend:
		if err := s.sessionService.Suspend(ctx, sessionID, req.Reason); err != nil {
			return nil, err
		}
		s.mirrorStatus(ctx, sessionID, model.SessionStateSuspended)
	case model.ProctorActionWarn:
		if err := s.monitorRepo.IncrementCounts(ctx, sessionID, 0, 1); err != nil {
			s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Warning count update failed")
		}
	}

	if err := s.monitorRepo.InsertProctorAction(ctx, action); err != nil {
		return nil, fmt.Errorf("insert proctor action: %w", err)
	}

	s.log.Info().
		Str("session_id", sessionID.String()).
		Int("proctor_id", proctorID).
		Str("type", string(req.Type)).
		Msg("Proctor action taken")
	return action, nil
}

// mirrorStatus keeps the monitoring aggregate's status column in step with
// the session state machine. Best-effort: the session row is authoritative.
func (s *MonitorService) mirrorStatus(ctx context.Context, sessionID uuid.UUID, state model.SessionState) {
	if err := s.monitorRepo.UpdateSessionStatus(ctx, sessionID, state); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Monitoring status mirror failed")
	}
}

// ResolveEvent marks an event handled, exactly once.
func (s *MonitorService) ResolveEvent(ctx context.Context, eventID uuid.UUID, resolution string) error {
	ok, err := s.monitorRepo.ResolveEvent(ctx, eventID, resolution)
	if err != nil {
		return fmt.Errorf("resolve event: %w", err)
	}
	if !ok {
		return ErrAlreadyResolved
	}
	return nil
}

// ListEvents returns the most recent events for an exam.
func (s *MonitorService) ListEvents(ctx context.Context, examID uuid.UUID, limit int) ([]model.MonitoringEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.monitorRepo.ListEventsByExam(ctx, examID, limit)
}

// GetExamStats assembles the dashboard aggregates with the three queries
// running concurrently.
func (s *MonitorService) GetExamStats(ctx context.Context, examID uuid.UUID) (*ExamStats, error) {
	var (
		wg         sync.WaitGroup
		sessions   []model.MonitoringSession
		violations map[int]int64
		answered   map[uuid.UUID]int64

		sessionsErr, violationsErr, answeredErr error
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		sessions, sessionsErr = s.monitorRepo.ListSessionsByExam(ctx, examID)
	}()
	go func() {
		defer wg.Done()
		violations, violationsErr = s.monitorRepo.ViolationCounts(ctx, examID)
	}()
	go func() {
		defer wg.Done()
		answered, answeredErr = s.responseRepo.CountsByExam(ctx, examID)
	}()
	wg.Wait()

	if sessionsErr != nil {
		return nil, fmt.Errorf("list monitoring sessions: %w", sessionsErr)
	}
	if violationsErr != nil {
		return nil, fmt.Errorf("count violations: %w", violationsErr)
	}
	if answeredErr != nil {
		return nil, fmt.Errorf("count responses: %w", answeredErr)
	}

	return &ExamStats{
		Sessions:            sessions,
		ViolationsByStudent: violations,
		AnsweredBySession:   answered,
	}, nil
}
