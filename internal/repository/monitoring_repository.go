package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/examgate/examgate/internal/model"
)

// MonitoringRepository provides data access for the live monitoring
// subsystem: oversight aggregates plus the append-only event and
// proctor-action logs.
type MonitoringRepository struct {
	pool *pgxpool.Pool
}

// NewMonitoringRepository creates a new MonitoringRepository.
func NewMonitoringRepository(pool *pgxpool.Pool) *MonitoringRepository {
	return &MonitoringRepository{pool: pool}
}

// EnsureSession creates the oversight row for a session if missing, or
// refreshes its mirrored status.
func (r *MonitoringRepository) EnsureSession(ctx context.Context, ms *model.MonitoringSession) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO monitoring_sessions (session_id, exam_id, student_id, status)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id) DO UPDATE
		 SET status = EXCLUDED.status, updated_at = NOW()`,
		ms.SessionID, ms.ExamID, ms.StudentID, ms.Status)
	return err
}

// GetSession retrieves the oversight aggregate for one session.
func (r *MonitoringRepository) GetSession(ctx context.Context, sessionID uuid.UUID) (*model.MonitoringSession, error) {
	ms := &model.MonitoringSession{}
	err := r.pool.QueryRow(ctx,
		`SELECT session_id, exam_id, student_id, violation_count, warning_count, status, updated_at
		 FROM monitoring_sessions WHERE session_id = $1`, sessionID,
	).Scan(&ms.SessionID, &ms.ExamID, &ms.StudentID, &ms.ViolationCount,
		&ms.WarningCount, &ms.Status, &ms.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return ms, nil
}

// ListSessionsByExam returns every oversight row for an exam.
func (r *MonitoringRepository) ListSessionsByExam(ctx context.Context, examID uuid.UUID) ([]model.MonitoringSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT session_id, exam_id, student_id, violation_count, warning_count, status, updated_at
		 FROM monitoring_sessions
		 WHERE exam_id = $1
		 ORDER BY violation_count DESC, updated_at DESC`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.MonitoringSession
	for rows.Next() {
		var ms model.MonitoringSession
		if err := rows.Scan(&ms.SessionID, &ms.ExamID, &ms.StudentID, &ms.ViolationCount,
			&ms.WarningCount, &ms.Status, &ms.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, ms)
	}
	return sessions, rows.Err()
}

// UpdateSessionStatus mirrors a session state change into the oversight row.
func (r *MonitoringRepository) UpdateSessionStatus(ctx context.Context, sessionID uuid.UUID, status model.SessionState) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE monitoring_sessions SET status = $1, updated_at = NOW() WHERE session_id = $2`,
		status, sessionID)
	return err
}

// IncrementCounts bumps the violation/warning aggregates. The server-side
// arithmetic keeps concurrent increments from losing updates.
func (r *MonitoringRepository) IncrementCounts(ctx context.Context, sessionID uuid.UUID, violations, warnings int) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE monitoring_sessions
		 SET violation_count = violation_count + $1,
		     warning_count = warning_count + $2,
		     updated_at = NOW()
		 WHERE session_id = $3`,
		violations, warnings, sessionID)
	return err
}

// InsertEvent appends one monitoring event.
func (r *MonitoringRepository) InsertEvent(ctx context.Context, ev *model.MonitoringEvent) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO monitoring_events
		 (id, session_id, exam_id, student_id, event_type, severity, description, requires_action, seq, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, ev.SessionID, ev.ExamID, ev.StudentID, ev.Type, ev.Severity,
		ev.Description, ev.RequiresAction, ev.Seq, ev.CreatedAt)
	return err
}

const eventColumns = `id, session_id, exam_id, student_id, event_type, severity, description, requires_action, is_resolved, COALESCE(resolution, ''), seq, created_at, resolved_at`

// GetEvent retrieves one monitoring event.
func (r *MonitoringRepository) GetEvent(ctx context.Context, id uuid.UUID) (*model.MonitoringEvent, error) {
	ev := &model.MonitoringEvent{}
	err := r.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM monitoring_events WHERE id = $1`, id,
	).Scan(&ev.ID, &ev.SessionID, &ev.ExamID, &ev.StudentID, &ev.Type, &ev.Severity,
		&ev.Description, &ev.RequiresAction, &ev.IsResolved, &ev.Resolution,
		&ev.Seq, &ev.CreatedAt, &ev.ResolvedAt)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// ResolveEvent marks an event resolved exactly once. Returns false when it
// was already resolved — resolution text is never silently overwritten.
func (r *MonitoringRepository) ResolveEvent(ctx context.Context, id uuid.UUID, resolution string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE monitoring_events
		 SET is_resolved = TRUE, resolution = $1, resolved_at = NOW()
		 WHERE id = $2 AND is_resolved = FALSE`,
		resolution, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListEventsByExam returns the newest events for an exam.
func (r *MonitoringRepository) ListEventsByExam(ctx context.Context, examID uuid.UUID, limit int) ([]model.MonitoringEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM monitoring_events
		 WHERE exam_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, examID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.MonitoringEvent
	for rows.Next() {
		var ev model.MonitoringEvent
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.ExamID, &ev.StudentID, &ev.Type,
			&ev.Severity, &ev.Description, &ev.RequiresAction, &ev.IsResolved,
			&ev.Resolution, &ev.Seq, &ev.CreatedAt, &ev.ResolvedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ViolationCounts returns the number of recorded events per student for the
// given exam.
func (r *MonitoringRepository) ViolationCounts(ctx context.Context, examID uuid.UUID) (map[int]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT student_id, COUNT(*)
		 FROM monitoring_events
		 WHERE exam_id = $1
		 GROUP BY student_id`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int]int64)
	for rows.Next() {
		var sid int
		var n int64
		if err := rows.Scan(&sid, &n); err != nil {
			return nil, err
		}
		counts[sid] = n
	}
	return counts, rows.Err()
}

// InsertProctorAction appends one human intervention to the audit log.
func (r *MonitoringRepository) InsertProctorAction(ctx context.Context, a *model.ProctorAction) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO proctor_actions (session_id, proctor_id, action_type, outcome)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		a.SessionID, a.ProctorID, a.Type, a.Outcome,
	).Scan(&a.ID, &a.CreatedAt)
}
