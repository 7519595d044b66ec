package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/examgate/examgate/internal/config"
)

// ResponseWorker consumes persist_responses_queue and UPSERTs autosaved
// responses to PostgreSQL. The write carries the same IN_PROGRESS guard as
// the synchronous path, so an autosave that raced a terminal transition is
// discarded instead of resurrecting answers on a finished session.
type ResponseWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

// NewResponseWorker creates a new ResponseWorker.
func NewResponseWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *ResponseWorker {
	return &ResponseWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "response_worker").Logger(),
	}
}

type responsePayload struct {
	SessionID  string          `json:"session_id"`
	QuestionID string          `json:"question_id"`
	Payload    json.RawMessage `json:"payload"`
	TimeSpent  int             `json:"time_spent_seconds"`
	IsComplete bool            `json:"is_complete"`
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *ResponseWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			// Drain remaining items before exit.
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *ResponseWorker) processNext(ctx context.Context) {
	// BLPop blocks until an item is available or timeout (1 second).
	result, err := w.rdb.BLPop(ctx, time.Second, config.WorkerKey.PersistResponsesQueue).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
		}
		return
	}

	if len(result) < 2 {
		return
	}

	var payload responsePayload
	if err := json.Unmarshal([]byte(result[1]), &payload); err != nil {
		w.log.Error().Err(err).Msg("Unmarshal error")
		return
	}

	if err := w.persistResponse(ctx, &payload); err != nil {
		w.log.Error().Err(err).
			Str("session_id", payload.SessionID).
			Str("question_id", payload.QuestionID).
			Msg("Persist error, retrying in 5s")
		// Push back to queue for retry.
		w.rdb.RPush(ctx, config.WorkerKey.PersistResponsesQueue, result[1])
		time.Sleep(5 * time.Second)
	}
}

func (w *ResponseWorker) persistResponse(ctx context.Context, p *responsePayload) error {
	sessionID, err := uuid.Parse(p.SessionID)
	if err != nil {
		w.log.Error().Str("session_id", p.SessionID).Msg("Dropping response with invalid session id")
		return nil
	}

	questionID, err := uuid.Parse(p.QuestionID)
	if err != nil {
		w.log.Error().Str("question_id", p.QuestionID).Msg("Dropping response with invalid question id")
		return nil
	}

	// Guarded UPSERT: only lands while the session is IN_PROGRESS.
	tag, err := w.pool.Exec(ctx,
		`INSERT INTO exam_responses (session_id, question_id, payload, time_spent_seconds, is_complete)
		 SELECT $1, $2, $3::jsonb, $4, $5
		 WHERE EXISTS (
		 	SELECT 1 FROM exam_sessions WHERE id = $1 AND state = 'IN_PROGRESS'
		 )
		 ON CONFLICT (session_id, question_id) DO UPDATE
		 SET payload = EXCLUDED.payload,
		     time_spent_seconds = EXCLUDED.time_spent_seconds,
		     is_complete = EXCLUDED.is_complete,
		     updated_at = NOW()`,
		sessionID, questionID, []byte(p.Payload), p.TimeSpent, p.IsComplete,
	)
	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		// Session left IN_PROGRESS between autosave and drain. Not an error.
		w.log.Debug().
			Str("session_id", p.SessionID).
			Str("question_id", p.QuestionID).
			Msg("Discarding autosave for inactive session")
	}
	return nil
}

// drain processes all remaining items in the queue before shutdown.
func (w *ResponseWorker) drain(ctx context.Context) {
	drained := 0
	for {
		result, err := w.rdb.LPop(ctx, config.WorkerKey.PersistResponsesQueue).Result()
		if err != nil {
			break
		}

		var payload responsePayload
		if err := json.Unmarshal([]byte(result), &payload); err != nil {
			w.log.Error().Err(err).Msg("Drain unmarshal error")
			continue
		}

		if err := w.persistResponse(ctx, &payload); err != nil {
			w.log.Error().Err(err).Msg("Drain persist error")
			w.rdb.RPush(ctx, config.WorkerKey.PersistResponsesQueue, result)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
