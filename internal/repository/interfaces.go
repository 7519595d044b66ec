package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/examgate/examgate/internal/model"
)

// The interfaces below are what services depend on; the concrete pgx
// implementations in this package satisfy them. Tests swap in hand-rolled
// in-memory fakes.

// ExamStore provides the thin exam surface (title + duration).
type ExamStore interface {
	Create(ctx context.Context, e *model.Exam) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error)
}

// WorkflowStore owns ExamPublishWorkflow and its append-only transition log.
type WorkflowStore interface {
	Create(ctx context.Context, wf *model.ExamPublishWorkflow) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.ExamPublishWorkflow, error)
	GetByExamID(ctx context.Context, examID uuid.UUID) (*model.ExamPublishWorkflow, error)
	// Transition atomically moves current_state from → to and appends the
	// audit record with the next per-workflow sequence number. Returns
	// ErrStateConflict when another actor moved the workflow first.
	Transition(ctx context.Context, workflowID uuid.UUID, from, to model.WorkflowState, actor int, comment, reason string) (*model.ExamPublishTransition, error)
	UpdateSchedule(ctx context.Context, workflowID uuid.UUID, start, end time.Time) error
	ListTransitions(ctx context.Context, workflowID uuid.UUID) ([]model.ExamPublishTransition, error)
	AssignStudents(ctx context.Context, examID uuid.UUID, studentIDs []int) error
	CountAssigned(ctx context.Context, examID uuid.UUID) (int, error)
	IsAssigned(ctx context.Context, examID uuid.UUID, studentID int) (bool, error)
}

// SessionStore owns ExamSession rows.
type SessionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error)
	// GetActiveByExamAndStudent returns the single IN_PROGRESS/SUSPENDED
	// session for the pair, or pgx.ErrNoRows.
	GetActiveByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID int) (*model.ExamSession, error)
	// Create inserts a new IN_PROGRESS session with the next attempt number.
	// A concurrent create for the same pair surfaces as pgx.ErrNoRows.
	Create(ctx context.Context, s *model.ExamSession) error
	// TransitionState conditionally moves the session to the target state.
	// Returns false when the session was not in any of the allowed from
	// states (the caller inspects the current state for a typed error).
	TransitionState(ctx context.Context, id uuid.UUID, to model.SessionState, from ...model.SessionState) (bool, error)
	// Touch bumps last_activity_at for an IN_PROGRESS session.
	Touch(ctx context.Context, id uuid.UUID) (bool, error)
	SetQuestionIndex(ctx context.Context, id uuid.UUID, index int) (bool, error)
	// SuspendStale transitions every IN_PROGRESS session idle past the
	// threshold to SUSPENDED and returns the affected sessions.
	SuspendStale(ctx context.Context, idleSince time.Time) ([]model.ExamSession, error)
	ListByExam(ctx context.Context, examID uuid.UUID) ([]SessionOverview, error)
}

// ResponseStore owns ExamResponse rows.
type ResponseStore interface {
	// UpsertGuarded writes the response only while its session is still
	// IN_PROGRESS; both the guard and the last-write-wins upsert happen in
	// one statement so a racing Terminate can never be overwritten.
	UpsertGuarded(ctx context.Context, r *model.ExamResponse) (bool, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.ExamResponse, error)
	CountsByExam(ctx context.Context, examID uuid.UUID) (map[uuid.UUID]int64, error)
}

// MonitoringStore owns MonitoringSession aggregates, MonitoringEvent and
// ProctorAction append-only logs.
type MonitoringStore interface {
	EnsureSession(ctx context.Context, ms *model.MonitoringSession) error
	GetSession(ctx context.Context, sessionID uuid.UUID) (*model.MonitoringSession, error)
	ListSessionsByExam(ctx context.Context, examID uuid.UUID) ([]model.MonitoringSession, error)
	UpdateSessionStatus(ctx context.Context, sessionID uuid.UUID, status model.SessionState) error
	IncrementCounts(ctx context.Context, sessionID uuid.UUID, violations, warnings int) error
	InsertEvent(ctx context.Context, ev *model.MonitoringEvent) error
	GetEvent(ctx context.Context, id uuid.UUID) (*model.MonitoringEvent, error)
	// ResolveEvent is a resolve-once guard: returns false when the event was
	// already resolved.
	ResolveEvent(ctx context.Context, id uuid.UUID, resolution string) (bool, error)
	ListEventsByExam(ctx context.Context, examID uuid.UUID, limit int) ([]model.MonitoringEvent, error)
	ViolationCounts(ctx context.Context, examID uuid.UUID) (map[int]int64, error)
	InsertProctorAction(ctx context.Context, a *model.ProctorAction) error
}

// AccountStore is the thin local identity surface.
type AccountStore interface {
	GetProctorByEmail(ctx context.Context, email string) (*model.Proctor, error)
	CreateProctor(ctx context.Context, p *model.Proctor) error
	GetStudentByUsername(ctx context.Context, username string) (*model.Student, error)
	GetStudentByID(ctx context.Context, id int) (*model.Student, error)
	CreateStudent(ctx context.Context, s *model.Student) error
}
