package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/examgate/examgate/internal/config"
	"github.com/examgate/examgate/internal/model"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// EventWorker drains persist_events_queue into the monitoring_events log.
// Classification and fan-out already happened at ingest; this worker only
// owns durability, so it can batch aggressively.
type EventWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

// NewEventWorker creates a new EventWorker.
func NewEventWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *EventWorker {
	return &EventWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "event_worker").Logger(),
	}
}

// Start begins the batched worker loop. Call in a goroutine.
func (w *EventWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	buffer := make([]*model.MonitoringEvent, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		// Flush on size or age.
		if len(buffer) > 0 {
			if len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0] // Clear buffer, keep capacity
				lastFlushTime = time.Now()
			}
		}

		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// BLPop blocks for 1 second. Returns immediately if data exists.
		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistEventsQueue).Result()
		if err != nil {
			if err == redis.Nil {
				continue // Queue empty, loop back to check the flush timer
			}
			if ctx.Err() != nil {
				w.shutdown(buffer)
				return
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			time.Sleep(3 * time.Second)
			continue
		}

		if len(result) < 2 {
			continue
		}

		var event model.MonitoringEvent
		if err := json.Unmarshal([]byte(result[1]), &event); err != nil {
			// Malformed JSON cannot be retried. Log and discard.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed event")
			continue
		}

		buffer = append(buffer, &event)
	}
}

// flushSafe attempts bulk insert, then row-by-row fallback with requeue.
func (w *EventWorker) flushSafe(ctx context.Context, batch []*model.MonitoringEvent) {
	if err := w.bulkInsert(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
		return
	}
	w.bumpViolationCounts(ctx, batch)
}

func (w *EventWorker) bulkInsert(ctx context.Context, batch []*model.MonitoringEvent) error {
	rows := make([][]interface{}, 0, len(batch))
	for _, ev := range batch {
		rows = append(rows, []interface{}{
			ev.ID, ev.SessionID, ev.ExamID, ev.StudentID,
			string(ev.Type), string(ev.Severity), ev.Description,
			ev.RequiresAction, ev.Seq, ev.CreatedAt,
		})
	}

	_, err := w.pool.CopyFrom(
		ctx,
		pgx.Identifier{"monitoring_events"},
		[]string{"id", "session_id", "exam_id", "student_id", "event_type", "severity", "description", "requires_action", "seq", "created_at"},
		pgx.CopyFromRows(rows),
	)
	return err
}

func (w *EventWorker) fallbackInsert(ctx context.Context, batch []*model.MonitoringEvent) {
	requeueList := make([]*model.MonitoringEvent, 0)
	inserted := make([]*model.MonitoringEvent, 0, len(batch))

	for _, ev := range batch {
		_, err := w.pool.Exec(ctx,
			`INSERT INTO monitoring_events
			 	(id, session_id, exam_id, student_id, event_type, severity, description, requires_action, seq, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (id) DO NOTHING`,
			ev.ID, ev.SessionID, ev.ExamID, ev.StudentID,
			string(ev.Type), string(ev.Severity), ev.Description,
			ev.RequiresAction, ev.Seq, ev.CreatedAt,
		)
		if err != nil {
			w.log.Error().Err(err).Str("event_id", ev.ID.String()).Msg("Insert failed, requeueing")
			requeueList = append(requeueList, ev)
			continue
		}
		inserted = append(inserted, ev)
	}

	w.bumpViolationCounts(ctx, inserted)

	// If the DB was down, push the failures back to Redis.
	if len(requeueList) > 0 {
		w.requeue(ctx, requeueList)
	}
}

// bumpViolationCounts mirrors the per-session violation totals onto the
// monitoring aggregate in one statement per session.
func (w *EventWorker) bumpViolationCounts(ctx context.Context, batch []*model.MonitoringEvent) {
	perSession := make(map[string]int)
	for _, ev := range batch {
		perSession[ev.SessionID.String()]++
	}

	for sessionID, n := range perSession {
		_, err := w.pool.Exec(ctx,
			`UPDATE monitoring_sessions
			 SET violation_count = violation_count + $2, updated_at = NOW()
			 WHERE session_id = $1`,
			sessionID, n,
		)
		if err != nil {
			w.log.Warn().Err(err).Str("session_id", sessionID).Msg("Violation count update failed")
		}
	}
}

func (w *EventWorker) requeue(ctx context.Context, items []*model.MonitoringEvent) {
	// Use a pipeline to push everything back quickly.
	pipe := w.rdb.Pipeline()
	for _, ev := range items {
		data, _ := json.Marshal(ev)
		pipe.RPush(ctx, config.WorkerKey.PersistEventsQueue, data)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
	} else {
		w.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
		// Sleep a bit to avoid thrashing if the DB is down hard.
		time.Sleep(2 * time.Second)
	}
}

func (w *EventWorker) shutdown(buffer []*model.MonitoringEvent) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
	w.log.Info().Msg("Worker stopped")
}
