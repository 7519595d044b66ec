package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/examgate/examgate/internal/model"
)

// SessionOverview combines a session row with student identity for the
// proctor snapshot.
type SessionOverview struct {
	Session     model.ExamSession `json:"session"`
	StudentName string            `json:"student_name"`
}

// ExamSessionRepository handles exam session data access.
type ExamSessionRepository struct {
	pool *pgxpool.Pool
}

// NewExamSessionRepository creates a new ExamSessionRepository.
func NewExamSessionRepository(pool *pgxpool.Pool) *ExamSessionRepository {
	return &ExamSessionRepository{pool: pool}
}

const sessionColumns = `id, exam_id, student_id, state, started_at, ended_at, last_activity_at, current_question_index, attempt_number, version`

func scanSession(row interface{ Scan(...any) error }) (*model.ExamSession, error) {
	s := &model.ExamSession{}
	err := row.Scan(&s.ID, &s.ExamID, &s.StudentID, &s.State, &s.StartedAt, &s.EndedAt,
		&s.LastActivityAt, &s.CurrentQuestionIndex, &s.AttemptNumber, &s.Version)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetByID retrieves a session by its UUID.
func (r *ExamSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = $1`, id))
}

// GetActiveByExamAndStudent retrieves the non-terminal session for the pair.
// The partial unique index guarantees at most one such row exists.
func (r *ExamSessionRepository) GetActiveByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID int) (*model.ExamSession, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions
		 WHERE exam_id = $1 AND student_id = $2 AND state IN ('IN_PROGRESS', 'SUSPENDED')`,
		examID, studentID))
}

// Create inserts a new IN_PROGRESS session with the next attempt number.
// A concurrent create for the same pair hits the partial unique index and
// surfaces as pgx.ErrNoRows so the caller can refetch the winner.
func (r *ExamSessionRepository) Create(ctx context.Context, s *model.ExamSession) error {
	s.State = model.SessionStateInProgress
	return r.pool.QueryRow(ctx,
		`INSERT INTO exam_sessions (exam_id, student_id, state, attempt_number)
		 SELECT $1, $2, $3, COALESCE(MAX(attempt_number), 0) + 1
		 FROM exam_sessions WHERE exam_id = $1 AND student_id = $2
		 ON CONFLICT (exam_id, student_id) WHERE state IN ('IN_PROGRESS', 'SUSPENDED') DO NOTHING
		 RETURNING id, started_at, last_activity_at, attempt_number, version`,
		s.ExamID, s.StudentID, s.State,
	).Scan(&s.ID, &s.StartedAt, &s.LastActivityAt, &s.AttemptNumber, &s.Version)
}

// TransitionState conditionally moves the session to the target state,
// bumping the optimistic version. Terminal targets also stamp ended_at.
// Returns false when the session was not in any allowed from state.
func (r *ExamSessionRepository) TransitionState(ctx context.Context, id uuid.UUID, to model.SessionState, from ...model.SessionState) (bool, error) {
	fromStates := make([]string, len(from))
	for i, f := range from {
		fromStates[i] = string(f)
	}

	query := `UPDATE exam_sessions
	          SET state = $1, last_activity_at = NOW(), version = version + 1`
	if to.IsTerminal() {
		query += `, ended_at = NOW()`
	}
	query += ` WHERE id = $2 AND state = ANY($3)`

	tag, err := r.pool.Exec(ctx, query, to, id, fromStates)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Touch bumps last_activity_at for an IN_PROGRESS session (heartbeat).
func (r *ExamSessionRepository) Touch(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET last_activity_at = NOW(), version = version + 1
		 WHERE id = $1 AND state = 'IN_PROGRESS'`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SetQuestionIndex moves the student's navigation cursor.
func (r *ExamSessionRepository) SetQuestionIndex(ctx context.Context, id uuid.UUID, index int) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET current_question_index = $1, last_activity_at = NOW(), version = version + 1
		 WHERE id = $2 AND state = 'IN_PROGRESS'`, index, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SuspendStale transitions every IN_PROGRESS session idle since before the
// cutoff to SUSPENDED and returns the affected rows. One statement, so the
// sweep never races a concurrent submit/terminate.
func (r *ExamSessionRepository) SuspendStale(ctx context.Context, idleSince time.Time) ([]model.ExamSession, error) {
	rows, err := r.pool.Query(ctx,
		`UPDATE exam_sessions
		 SET state = 'SUSPENDED', version = version + 1
		 WHERE state = 'IN_PROGRESS' AND last_activity_at < $1
		 RETURNING `+sessionColumns, idleSince)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stale []model.ExamSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		stale = append(stale, *s)
	}
	return stale, rows.Err()
}

// ListByExam returns all sessions for an exam with student names, newest first.
func (r *ExamSessionRepository) ListByExam(ctx context.Context, examID uuid.UUID) ([]SessionOverview, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT es.id, es.exam_id, es.student_id, es.state, es.started_at, es.ended_at,
		        es.last_activity_at, es.current_question_index, es.attempt_number, es.version,
		        s.name
		 FROM exam_sessions es
		 JOIN students s ON es.student_id = s.id
		 WHERE es.exam_id = $1
		 ORDER BY es.started_at DESC`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var overviews []SessionOverview
	for rows.Next() {
		var o SessionOverview
		if err := rows.Scan(&o.Session.ID, &o.Session.ExamID, &o.Session.StudentID, &o.Session.State,
			&o.Session.StartedAt, &o.Session.EndedAt, &o.Session.LastActivityAt,
			&o.Session.CurrentQuestionIndex, &o.Session.AttemptNumber, &o.Session.Version,
			&o.StudentName); err != nil {
			return nil, err
		}
		overviews = append(overviews, o)
	}
	return overviews, rows.Err()
}
