package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/examgate/examgate/internal/config"
	"github.com/examgate/examgate/internal/model"
)

const testStudentID = 101

type sessionFixture struct {
	svc       *SessionService
	sessions  *fakeSessionStore
	responses *fakeResponseStore
	workflows *fakeWorkflowStore
	exams     *fakeExamStore
	mr        *miniredis.Miniredis
	examID    uuid.UUID
}

// newSessionFixture seeds a PUBLISHED exam whose window opened an hour ago
// and closes in two, with one student on the roster and a 5 minute grace.
func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	mr, rdb := newTestRedis(t)
	sessions := newFakeSessionStore()
	responses := newFakeResponseStore(sessions)
	workflows := newFakeWorkflowStore()
	exams := newFakeExamStore()

	exam := &model.Exam{Title: "Ujian Matematika", DurationMinutes: 90, CreatedBy: 1}
	if err := exams.Create(context.Background(), exam); err != nil {
		t.Fatalf("seed exam: %v", err)
	}

	start := time.Now().Add(-time.Hour)
	end := time.Now().Add(2 * time.Hour)
	workflows.put(&model.ExamPublishWorkflow{
		ExamID:         exam.ID,
		CurrentState:   model.WorkflowStatePublished,
		ScheduledStart: &start,
		ScheduledEnd:   &end,
	})
	workflows.assign(exam.ID, testStudentID)

	svc := NewSessionService(sessions, responses, workflows, exams, rdb, zerolog.Nop(), 5*time.Minute)
	return &sessionFixture{
		svc:       svc,
		sessions:  sessions,
		responses: responses,
		workflows: workflows,
		exams:     exams,
		mr:        mr,
		examID:    exam.ID,
	}
}

func (f *sessionFixture) start(t *testing.T) *model.ExamSession {
	t.Helper()
	session, err := f.svc.StartOrResume(context.Background(), f.examID, testStudentID)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return session
}

func TestStartCreatesInProgressSession(t *testing.T) {
	f := newSessionFixture(t)
	session := f.start(t)
	if session.State != model.SessionStateInProgress {
		t.Errorf("state = %s, want IN_PROGRESS", session.State)
	}
	if session.AttemptNumber != 1 {
		t.Errorf("attempt = %d, want 1", session.AttemptNumber)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	f := newSessionFixture(t)
	first := f.start(t)
	second := f.start(t)
	if first.ID != second.ID {
		t.Fatal("a second start must return the existing session, not create another")
	}
}

func TestStartRejectsUnlistedStudent(t *testing.T) {
	f := newSessionFixture(t)
	_, err := f.svc.StartOrResume(context.Background(), f.examID, 999)
	if !errors.Is(err, ErrExamNotAvailable) {
		t.Fatalf("got %v, want ErrExamNotAvailable", err)
	}
}

func TestStartRejectsUnknownExam(t *testing.T) {
	f := newSessionFixture(t)
	_, err := f.svc.StartOrResume(context.Background(), uuid.New(), testStudentID)
	if !errors.Is(err, ErrExamNotAvailable) {
		t.Fatalf("got %v, want ErrExamNotAvailable", err)
	}
}

func TestStartHonorsScheduleWindowWithGrace(t *testing.T) {
	f := newSessionFixture(t)
	wfID := f.workflows.byExam[f.examID]
	wf := f.workflows.workflows[wfID]

	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	end := base.Add(2 * time.Hour)
	wf.ScheduledStart = &base
	wf.ScheduledEnd = &end

	cases := []struct {
		name string
		now  time.Time
		ok   bool
	}{
		{"well before start", base.Add(-time.Hour), false},
		{"inside leading grace", base.Add(-3 * time.Minute), true},
		{"mid window", base.Add(time.Hour), true},
		{"inside trailing grace", end.Add(3 * time.Minute), true},
		{"past trailing grace", end.Add(10 * time.Minute), false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f.svc.now = func() time.Time { return c.now }
			_, err := f.svc.StartOrResume(context.Background(), f.examID, testStudentID)
			if c.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !c.ok && !errors.Is(err, ErrExamNotAvailable) {
				t.Fatalf("got %v, want ErrExamNotAvailable", err)
			}
		})
	}
}

func TestStartUsesCachedStateAsFastGate(t *testing.T) {
	f := newSessionFixture(t)
	// The cache says the exam is suspended; the gate must reject without
	// consulting the workflow row at all.
	f.mr.Set(config.CacheKey.WorkflowStateKey(f.examID.String()), string(model.WorkflowStateSuspended))

	_, err := f.svc.StartOrResume(context.Background(), f.examID, testStudentID)
	if !errors.Is(err, ErrExamNotAvailable) {
		t.Fatalf("got %v, want ErrExamNotAvailable", err)
	}
}

func TestRecordResponseUpdatesAnswerAndActivity(t *testing.T) {
	f := newSessionFixture(t)
	session := f.start(t)
	before := f.sessions.sessions[session.ID].LastActivityAt

	questionID := uuid.New()
	err := f.svc.RecordResponse(context.Background(), session.ID, &model.RecordResponseRequest{
		QuestionID:       questionID,
		Payload:          json.RawMessage(`{"choice":"B"}`),
		TimeSpentSeconds: 42,
	})
	if err != nil {
		t.Fatalf("record response: %v", err)
	}

	saved, err := f.responses.ListBySession(context.Background(), session.ID)
	if err != nil || len(saved) != 1 {
		t.Fatalf("saved responses = %d (%v), want 1", len(saved), err)
	}
	if !f.sessions.sessions[session.ID].LastActivityAt.After(before) && f.sessions.sessions[session.ID].Version == session.Version {
		t.Error("a saved response must count as activity")
	}

	// Last write wins for the same question.
	_ = f.svc.RecordResponse(context.Background(), session.ID, &model.RecordResponseRequest{
		QuestionID: questionID,
		Payload:    json.RawMessage(`{"choice":"C"}`),
	})
	saved, _ = f.responses.ListBySession(context.Background(), session.ID)
	if len(saved) != 1 || string(saved[0].Payload) != `{"choice":"C"}` {
		t.Errorf("upsert must replace, got %d rows payload %s", len(saved), saved[0].Payload)
	}
}

func TestRecordResponseRejectedAfterTerminal(t *testing.T) {
	f := newSessionFixture(t)
	session := f.start(t)
	if err := f.svc.Submit(context.Background(), session.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}

	err := f.svc.RecordResponse(context.Background(), session.ID, &model.RecordResponseRequest{
		QuestionID: uuid.New(),
		Payload:    json.RawMessage(`{"choice":"A"}`),
	})
	if !errors.Is(err, ErrSessionAlreadyFinal) {
		t.Fatalf("got %v, want ErrSessionAlreadyFinal", err)
	}
	if saved, _ := f.responses.ListBySession(context.Background(), session.ID); len(saved) != 0 {
		t.Error("no response may land after submission")
	}
}

func TestRecordResponseRejectedWhileSuspended(t *testing.T) {
	f := newSessionFixture(t)
	session := f.start(t)
	if err := f.svc.Suspend(context.Background(), session.ID, "laporan pengawas"); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	err := f.svc.RecordResponse(context.Background(), session.ID, &model.RecordResponseRequest{
		QuestionID: uuid.New(),
		Payload:    json.RawMessage(`{"choice":"A"}`),
	})
	if !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("got %v, want ErrSessionNotActive", err)
	}
}

func TestSuspendAndResume(t *testing.T) {
	f := newSessionFixture(t)
	session := f.start(t)

	if err := f.svc.Suspend(context.Background(), session.ID, "koneksi terputus"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if got := f.sessions.sessions[session.ID].State; got != model.SessionStateSuspended {
		t.Fatalf("state = %s, want SUSPENDED", got)
	}

	resumed, err := f.svc.Resume(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.State != model.SessionStateInProgress {
		t.Errorf("state = %s, want IN_PROGRESS", resumed.State)
	}
}

func TestResumeRejectedOutsideWindow(t *testing.T) {
	f := newSessionFixture(t)
	session := f.start(t)
	if err := f.svc.Suspend(context.Background(), session.ID, ""); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	// The window closed while the session sat suspended. Resuming now would
	// extend the student's exam, so it is refused.
	wf := f.workflows.workflows[f.workflows.byExam[f.examID]]
	f.svc.now = func() time.Time { return wf.ScheduledEnd.Add(time.Hour) }

	if _, err := f.svc.Resume(context.Background(), session.ID); !errors.Is(err, ErrExamNotAvailable) {
		t.Fatalf("got %v, want ErrExamNotAvailable", err)
	}
}

func TestSubmitIsTerminal(t *testing.T) {
	f := newSessionFixture(t)
	session := f.start(t)
	if err := f.svc.Submit(context.Background(), session.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if f.sessions.sessions[session.ID].EndedAt == nil {
		t.Error("submission must stamp ended_at")
	}
	if err := f.svc.Submit(context.Background(), session.ID); !errors.Is(err, ErrSessionAlreadyFinal) {
		t.Fatalf("second submit: got %v, want ErrSessionAlreadyFinal", err)
	}
}

func TestTerminalTransitionsClearViolationCounter(t *testing.T) {
	cases := []struct {
		name  string
		final func(f *sessionFixture, sessionID uuid.UUID) error
	}{
		{"submit", func(f *sessionFixture, id uuid.UUID) error {
			return f.svc.Submit(context.Background(), id)
		}},
		{"terminate", func(f *sessionFixture, id uuid.UUID) error {
			return f.svc.Terminate(context.Background(), id, "kecurangan terdeteksi", 5)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newSessionFixture(t)
			session := f.start(t)
			key := config.CacheKey.SessionViolationsKey(session.ID.String())
			f.mr.Set(key, "3")

			if err := tc.final(f, session.ID); err != nil {
				t.Fatalf("%s: %v", tc.name, err)
			}
			if f.mr.Exists(key) {
				t.Fatal("terminal session must not leave its violation counter behind")
			}
		})
	}
}

func TestSubmitRejectedWhileSuspended(t *testing.T) {
	f := newSessionFixture(t)
	session := f.start(t)
	_ = f.svc.Suspend(context.Background(), session.ID, "")
	if err := f.svc.Submit(context.Background(), session.ID); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("got %v, want ErrSessionNotActive", err)
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	f := newSessionFixture(t)
	session := f.start(t)

	if err := f.svc.Terminate(context.Background(), session.ID, "kecurangan terdeteksi", 5); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if got := f.sessions.sessions[session.ID].State; got != model.SessionStateTerminated {
		t.Fatalf("state = %s, want TERMINATED", got)
	}
	// Emergency shutdown must never be blocked by an earlier shutdown.
	if err := f.svc.Terminate(context.Background(), session.ID, "kecurangan terdeteksi", 5); err != nil {
		t.Fatalf("repeat terminate: %v", err)
	}
}

func TestTerminateWorksFromSuspended(t *testing.T) {
	f := newSessionFixture(t)
	session := f.start(t)
	_ = f.svc.Suspend(context.Background(), session.ID, "")
	if err := f.svc.Terminate(context.Background(), session.ID, "", 5); err != nil {
		t.Fatalf("terminate suspended session: %v", err)
	}
}

func TestStartAfterTerminationOpensNewAttempt(t *testing.T) {
	f := newSessionFixture(t)
	first := f.start(t)
	if err := f.svc.Terminate(context.Background(), first.ID, "", 5); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	second := f.start(t)
	if second.ID == first.ID {
		t.Fatal("a terminated session must not be resumed")
	}
	if second.AttemptNumber != 2 {
		t.Errorf("attempt = %d, want 2", second.AttemptNumber)
	}
}

func TestHeartbeatAndNavigate(t *testing.T) {
	f := newSessionFixture(t)
	session := f.start(t)

	if err := f.svc.Heartbeat(context.Background(), session.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := f.svc.Navigate(context.Background(), session.ID, 7); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	if got := f.sessions.sessions[session.ID].CurrentQuestionIndex; got != 7 {
		t.Errorf("question index = %d, want 7", got)
	}

	_ = f.svc.Submit(context.Background(), session.ID)
	if err := f.svc.Heartbeat(context.Background(), session.ID); !errors.Is(err, ErrSessionAlreadyFinal) {
		t.Fatalf("heartbeat after submit: got %v, want ErrSessionAlreadyFinal", err)
	}
}

func TestSnapshotRebuildsAnswersFromDatabase(t *testing.T) {
	f := newSessionFixture(t)
	session := f.start(t)

	questionID := uuid.New()
	if err := f.svc.RecordResponse(context.Background(), session.ID, &model.RecordResponseRequest{
		QuestionID: questionID,
		Payload:    json.RawMessage(`{"choice":"D"}`),
	}); err != nil {
		t.Fatalf("record response: %v", err)
	}

	// Simulate a cold cache: the hot hash is gone, only PostgreSQL remembers.
	f.mr.FlushAll()

	snap, err := f.svc.GetSnapshot(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if got := snap.AutosavedAnswers[questionID.String()]; got != `{"choice":"D"}` {
		t.Errorf("answer = %s, want the committed payload", got)
	}
	if snap.RemainingSeconds <= 0 {
		t.Errorf("remaining = %f, want positive", snap.RemainingSeconds)
	}

	// The rebuild also heals the cache for the next snapshot.
	answersKey := config.CacheKey.SessionAnswersKey(f.examID.String(), testStudentID)
	if got := f.mr.HGet(answersKey, questionID.String()); got != `{"choice":"D"}` {
		t.Errorf("cache not healed, got %q", got)
	}
}

func TestSnapshotRemainingTimeClampsAtZero(t *testing.T) {
	f := newSessionFixture(t)
	session := f.start(t)

	f.svc.now = func() time.Time { return session.StartedAt.Add(3 * time.Hour) }
	snap, err := f.svc.GetSnapshot(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if snap.RemainingSeconds != 0 {
		t.Errorf("remaining = %f, want 0", snap.RemainingSeconds)
	}
}

func TestGetActiveReturnsNoRowsWhenAbsent(t *testing.T) {
	f := newSessionFixture(t)
	if _, err := f.svc.GetActive(context.Background(), f.examID, testStudentID); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("got %v, want pgx.ErrNoRows", err)
	}
}
