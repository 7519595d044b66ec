package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/examgate/examgate/internal/config"
	"github.com/examgate/examgate/internal/hub"
	"github.com/examgate/examgate/internal/model"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

type workflowFixture struct {
	svc        *WorkflowService
	workflows  *fakeWorkflowStore
	exams      *fakeExamStore
	monitorHub *hub.Hub
	mr         *miniredis.Miniredis
}

func newWorkflowFixture(t *testing.T) *workflowFixture {
	t.Helper()
	mr, rdb := newTestRedis(t)
	workflows := newFakeWorkflowStore()
	exams := newFakeExamStore()
	monitorHub := hub.New(16, zerolog.Nop())
	svc := NewWorkflowService(workflows, exams, monitorHub, rdb, zerolog.Nop())
	return &workflowFixture{svc: svc, workflows: workflows, exams: exams, monitorHub: monitorHub, mr: mr}
}

// scheduled drives a fresh workflow to SCHEDULED_FOR_PUBLICATION with the
// given window and a one-student roster.
func (f *workflowFixture) scheduled(t *testing.T, start, end time.Time) *model.ExamPublishWorkflow {
	t.Helper()
	ctx := context.Background()
	_, wf, err := f.svc.CreateExam(ctx, &model.CreateExamRequest{Title: "Ujian Matematika", DurationMinutes: 90}, 1)
	if err != nil {
		t.Fatalf("create exam: %v", err)
	}
	if _, err := f.svc.UpdateSchedule(ctx, wf.ID, &model.UpdateScheduleRequest{ScheduledStart: start, ScheduledEnd: end}); err != nil {
		t.Fatalf("update schedule: %v", err)
	}
	if err := f.svc.AssignStudents(ctx, wf.ID, []int{101}); err != nil {
		t.Fatalf("assign students: %v", err)
	}
	wf, err = f.svc.RequestTransition(ctx, wf.ID, &model.TransitionRequest{ToState: model.WorkflowStateScheduled}, 1)
	if err != nil {
		t.Fatalf("schedule transition: %v", err)
	}
	return wf
}

func TestCreateExamOpensWorkflowInReview(t *testing.T) {
	f := newWorkflowFixture(t)
	exam, wf, err := f.svc.CreateExam(context.Background(), &model.CreateExamRequest{Title: "Ujian Fisika", DurationMinutes: 60}, 7)
	if err != nil {
		t.Fatalf("create exam: %v", err)
	}
	if wf.CurrentState != model.WorkflowStateReview {
		t.Errorf("new workflow state = %s, want %s", wf.CurrentState, model.WorkflowStateReview)
	}
	if wf.ExamID != exam.ID {
		t.Error("workflow not bound to the created exam")
	}
	if exam.CreatedBy != 7 {
		t.Errorf("exam created_by = %d, want 7", exam.CreatedBy)
	}
}

func TestTransitionRejectsInvalidEdge(t *testing.T) {
	f := newWorkflowFixture(t)
	_, wf, _ := f.svc.CreateExam(context.Background(), &model.CreateExamRequest{Title: "Ujian Kimia", DurationMinutes: 60}, 1)

	// No skipping straight to PUBLISHED from review.
	_, err := f.svc.RequestTransition(context.Background(), wf.ID, &model.TransitionRequest{ToState: model.WorkflowStatePublished}, 1)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}

	// Unknown target state is equally invalid.
	_, err = f.svc.RequestTransition(context.Background(), wf.ID, &model.TransitionRequest{ToState: "ARCHIVED"}, 1)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}
}

func TestSchedulingRequiresWindowAndRoster(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	_, wf, _ := f.svc.CreateExam(ctx, &model.CreateExamRequest{Title: "Ujian Biologi", DurationMinutes: 60}, 1)

	_, err := f.svc.RequestTransition(ctx, wf.ID, &model.TransitionRequest{ToState: model.WorkflowStateScheduled}, 1)
	if !errors.Is(err, ErrScheduleNotSet) {
		t.Fatalf("without schedule: got %v, want ErrScheduleNotSet", err)
	}

	start := time.Now().Add(time.Hour)
	if _, err := f.svc.UpdateSchedule(ctx, wf.ID, &model.UpdateScheduleRequest{ScheduledStart: start, ScheduledEnd: start.Add(2 * time.Hour)}); err != nil {
		t.Fatalf("update schedule: %v", err)
	}

	_, err = f.svc.RequestTransition(ctx, wf.ID, &model.TransitionRequest{ToState: model.WorkflowStateScheduled}, 1)
	if !errors.Is(err, ErrEmptyRoster) {
		t.Fatalf("without roster: got %v, want ErrEmptyRoster", err)
	}
}

func TestPublishWaitsForScheduledStart(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	wf := f.scheduled(t, start, start.Add(2*time.Hour))

	f.svc.now = func() time.Time { return start.Add(-time.Minute) }
	_, err := f.svc.RequestTransition(ctx, wf.ID, &model.TransitionRequest{ToState: model.WorkflowStatePublished}, 1)
	if !errors.Is(err, ErrBeforeScheduledStart) {
		t.Fatalf("before start: got %v, want ErrBeforeScheduledStart", err)
	}

	f.svc.now = func() time.Time { return start.Add(time.Minute) }
	wf, err = f.svc.RequestTransition(ctx, wf.ID, &model.TransitionRequest{ToState: model.WorkflowStatePublished}, 1)
	if err != nil {
		t.Fatalf("after start: %v", err)
	}
	if wf.CurrentState != model.WorkflowStatePublished {
		t.Errorf("state = %s, want PUBLISHED", wf.CurrentState)
	}
}

func TestTransitionAppendsAuditTrail(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Hour)
	wf := f.scheduled(t, start, start.Add(3*time.Hour))

	if _, err := f.svc.RequestTransition(ctx, wf.ID, &model.TransitionRequest{ToState: model.WorkflowStatePublished, Comment: "jadwal sudah final"}, 2); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := f.svc.RequestTransition(ctx, wf.ID, &model.TransitionRequest{ToState: model.WorkflowStateSuspended, Reason: "gangguan jaringan"}, 3); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	trail, err := f.svc.GetHistory(ctx, wf.ID)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(trail) != 3 {
		t.Fatalf("trail length = %d, want 3", len(trail))
	}
	for i, tr := range trail {
		if tr.Seq != int64(i+1) {
			t.Errorf("transition %d has seq %d, want %d", i, tr.Seq, i+1)
		}
	}
	if trail[2].FromState != model.WorkflowStatePublished || trail[2].ToState != model.WorkflowStateSuspended {
		t.Errorf("last transition %s -> %s, want PUBLISHED -> SUSPENDED", trail[2].FromState, trail[2].ToState)
	}
	if trail[2].Actor != 3 || trail[2].Reason != "gangguan jaringan" {
		t.Error("actor and reason must be recorded on the audit record")
	}
}

func TestConcurrentTransitionLosesCleanly(t *testing.T) {
	f := newWorkflowFixture(t)
	start := time.Now().Add(-time.Hour)
	wf := f.scheduled(t, start, start.Add(3*time.Hour))

	f.workflows.conflictOnce = true
	_, err := f.svc.RequestTransition(context.Background(), wf.ID, &model.TransitionRequest{ToState: model.WorkflowStatePublished}, 1)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("got %v, want ErrInvalidTransition on state conflict", err)
	}

	trail, _ := f.svc.GetHistory(context.Background(), wf.ID)
	if len(trail) != 1 {
		t.Fatalf("lost transition must not append audit records, trail length = %d", len(trail))
	}
}

func TestScheduleAndRosterFreezeOncePublished(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Hour)
	wf := f.scheduled(t, start, start.Add(3*time.Hour))
	if _, err := f.svc.RequestTransition(ctx, wf.ID, &model.TransitionRequest{ToState: model.WorkflowStatePublished}, 1); err != nil {
		t.Fatalf("publish: %v", err)
	}

	_, err := f.svc.UpdateSchedule(ctx, wf.ID, &model.UpdateScheduleRequest{ScheduledStart: start, ScheduledEnd: start.Add(4 * time.Hour)})
	if !errors.Is(err, ErrWorkflowFrozen) {
		t.Fatalf("schedule change on live exam: got %v, want ErrWorkflowFrozen", err)
	}
	if err := f.svc.AssignStudents(ctx, wf.ID, []int{101, 102}); !errors.Is(err, ErrWorkflowFrozen) {
		t.Fatalf("roster change on live exam: got %v, want ErrWorkflowFrozen", err)
	}
}

func TestTransitionCachesWorkflowState(t *testing.T) {
	f := newWorkflowFixture(t)
	start := time.Now().Add(-time.Hour)
	wf := f.scheduled(t, start, start.Add(3*time.Hour))

	cached, err := f.mr.Get(config.CacheKey.WorkflowStateKey(wf.ExamID.String()))
	if err != nil {
		t.Fatalf("state not cached: %v", err)
	}
	if cached != string(model.WorkflowStateScheduled) {
		t.Errorf("cached state = %s, want %s", cached, model.WorkflowStateScheduled)
	}
}

func TestUnpublishClosesMonitoringChannel(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Hour)
	wf := f.scheduled(t, start, start.Add(3*time.Hour))
	if _, err := f.svc.RequestTransition(ctx, wf.ID, &model.TransitionRequest{ToState: model.WorkflowStatePublished}, 1); err != nil {
		t.Fatalf("publish: %v", err)
	}

	sub := f.monitorHub.Subscribe(wf.ExamID)
	if _, err := f.svc.RequestTransition(ctx, wf.ID, &model.TransitionRequest{ToState: model.WorkflowStateUnpublished, Reason: "ujian selesai"}, 1); err != nil {
		t.Fatalf("unpublish: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if _, ok := sub.Next(waitCtx); ok {
		t.Fatal("subscriber should be closed after unpublish")
	}
	if n := f.monitorHub.SubscriberCount(wf.ExamID); n != 0 {
		t.Errorf("subscriber count = %d, want 0", n)
	}
}

func TestUnpublishedIsFinal(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Hour)
	wf := f.scheduled(t, start, start.Add(3*time.Hour))
	if _, err := f.svc.RequestTransition(ctx, wf.ID, &model.TransitionRequest{ToState: model.WorkflowStatePublished}, 1); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := f.svc.RequestTransition(ctx, wf.ID, &model.TransitionRequest{ToState: model.WorkflowStateUnpublished}, 1); err != nil {
		t.Fatalf("unpublish: %v", err)
	}

	for _, to := range []model.WorkflowState{model.WorkflowStateReview, model.WorkflowStatePublished} {
		if _, err := f.svc.RequestTransition(ctx, wf.ID, &model.TransitionRequest{ToState: to}, 1); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("UNPUBLISHED -> %s: got %v, want ErrInvalidTransition", to, err)
		}
	}
}
