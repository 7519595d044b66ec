package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/examgate/examgate/internal/model"
	"github.com/examgate/examgate/internal/repository"
	"github.com/examgate/examgate/internal/service"
)

// SweepWorker periodically suspends IN_PROGRESS sessions whose last
// activity is older than the inactivity threshold and raises a
// SESSION_TIMEOUT signal for each, so a crashed client shows up on the
// proctor dashboard instead of sitting live forever.
type SweepWorker struct {
	sessionRepo    repository.SessionStore
	monitorService *service.MonitorService
	log            zerolog.Logger
	interval       time.Duration
	threshold      time.Duration
}

// NewSweepWorker creates a new SweepWorker.
func NewSweepWorker(
	sessionRepo repository.SessionStore,
	monitorService *service.MonitorService,
	log zerolog.Logger,
	interval, threshold time.Duration,
) *SweepWorker {
	return &SweepWorker{
		sessionRepo:    sessionRepo,
		monitorService: monitorService,
		log:            log.With().Str("component", "sweep_worker").Logger(),
		interval:       interval,
		threshold:      threshold,
	}
}

// Start begins the periodic sweep. Call in a goroutine.
func (w *SweepWorker) Start(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("Worker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *SweepWorker) sweep(ctx context.Context) {
	idleSince := time.Now().Add(-w.threshold)

	suspended, err := w.sessionRepo.SuspendStale(ctx, idleSince)
	if err != nil {
		w.log.Error().Err(err).Msg("Stale session sweep failed")
		return
	}
	if len(suspended) == 0 {
		return
	}

	w.log.Info().Int("count", len(suspended)).Msg("Suspended stale sessions")

	for _, session := range suspended {
		_, err := w.monitorService.RecordEvent(ctx, session.ID, &model.ReportSignalRequest{
			Type:        model.SignalSessionTimeout,
			Description: "no activity past the inactivity threshold",
		})
		if err != nil {
			w.log.Warn().Err(err).
				Str("session_id", session.ID.String()).
				Msg("Timeout event record failed")
		}
	}
}
