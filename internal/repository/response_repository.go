package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/examgate/examgate/internal/model"
)

// ResponseRepository handles exam response data access.
type ResponseRepository struct {
	pool *pgxpool.Pool
}

// NewResponseRepository creates a new ResponseRepository.
func NewResponseRepository(pool *pgxpool.Pool) *ResponseRepository {
	return &ResponseRepository{pool: pool}
}

// UpsertGuarded writes the latest answer for (session, question) while the
// session is still IN_PROGRESS. Guard and upsert are one statement: once a
// terminate commits, a racing write matches zero rows instead of landing
// after the terminal transition. Returns false when the guard rejected it.
func (r *ResponseRepository) UpsertGuarded(ctx context.Context, resp *model.ExamResponse) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO exam_responses (session_id, question_id, payload, time_spent_seconds, is_complete)
		 SELECT $1, $2, $3::jsonb, $4, $5
		 WHERE EXISTS (
		     SELECT 1 FROM exam_sessions WHERE id = $1 AND state = 'IN_PROGRESS'
		 )
		 ON CONFLICT (session_id, question_id) DO UPDATE
		 SET payload = EXCLUDED.payload,
		     time_spent_seconds = EXCLUDED.time_spent_seconds,
		     is_complete = EXCLUDED.is_complete,
		     responded_at = NOW()`,
		resp.SessionID, resp.QuestionID, string(resp.Payload), resp.TimeSpentSeconds, resp.IsComplete)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListBySession returns every saved response for a session.
func (r *ResponseRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.ExamResponse, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT session_id, question_id, payload, responded_at, time_spent_seconds, is_complete
		 FROM exam_responses
		 WHERE session_id = $1
		 ORDER BY responded_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var responses []model.ExamResponse
	for rows.Next() {
		var resp model.ExamResponse
		if err := rows.Scan(&resp.SessionID, &resp.QuestionID, &resp.Payload,
			&resp.RespondedAt, &resp.TimeSpentSeconds, &resp.IsComplete); err != nil {
			return nil, err
		}
		responses = append(responses, resp)
	}
	return responses, rows.Err()
}

// CountsByExam returns answered-question counts per session for the live
// monitor refresh.
func (r *ResponseRepository) CountsByExam(ctx context.Context, examID uuid.UUID) (map[uuid.UUID]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT er.session_id, COUNT(*)
		 FROM exam_responses er
		 JOIN exam_sessions es ON er.session_id = es.id
		 WHERE es.exam_id = $1
		 GROUP BY er.session_id`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]int64)
	for rows.Next() {
		var sid uuid.UUID
		var n int64
		if err := rows.Scan(&sid, &n); err != nil {
			return nil, err
		}
		counts[sid] = n
	}
	return counts, rows.Err()
}
