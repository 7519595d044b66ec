package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/examgate/examgate/internal/model"
	"github.com/examgate/examgate/internal/repository"
)

// Hand-rolled in-memory stores. They mirror the semantics of the pgx
// repositories closely enough that the services cannot tell the difference:
// conditional updates report matched-row counts, concurrent-create surfaces
// as pgx.ErrNoRows, stale transitions as repository.ErrStateConflict.

type fakeExamStore struct {
	mu    sync.Mutex
	exams map[uuid.UUID]*model.Exam
}

func newFakeExamStore() *fakeExamStore {
	return &fakeExamStore{exams: make(map[uuid.UUID]*model.Exam)}
}

func (f *fakeExamStore) Create(_ context.Context, e *model.Exam) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e.ID = uuid.New()
	e.CreatedAt = time.Now()
	e.UpdatedAt = e.CreatedAt
	cp := *e
	f.exams[e.ID] = &cp
	return nil
}

func (f *fakeExamStore) GetByID(_ context.Context, id uuid.UUID) (*model.Exam, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.exams[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *e
	return &cp, nil
}

type fakeWorkflowStore struct {
	mu          sync.Mutex
	workflows   map[uuid.UUID]*model.ExamPublishWorkflow
	byExam      map[uuid.UUID]uuid.UUID
	transitions map[uuid.UUID][]model.ExamPublishTransition
	roster      map[uuid.UUID]map[int]struct{}

	// conflictOnce makes the next Transition call fail as if another actor
	// moved the workflow first.
	conflictOnce bool
}

func newFakeWorkflowStore() *fakeWorkflowStore {
	return &fakeWorkflowStore{
		workflows:   make(map[uuid.UUID]*model.ExamPublishWorkflow),
		byExam:      make(map[uuid.UUID]uuid.UUID),
		transitions: make(map[uuid.UUID][]model.ExamPublishTransition),
		roster:      make(map[uuid.UUID]map[int]struct{}),
	}
}

func (f *fakeWorkflowStore) Create(_ context.Context, wf *model.ExamPublishWorkflow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf.ID = uuid.New()
	wf.CurrentState = model.WorkflowStateReview
	wf.CreatedAt = time.Now()
	wf.UpdatedAt = wf.CreatedAt
	cp := *wf
	f.workflows[wf.ID] = &cp
	f.byExam[wf.ExamID] = wf.ID
	return nil
}

// put seeds a workflow fixture directly, bypassing the state machine.
func (f *fakeWorkflowStore) put(wf *model.ExamPublishWorkflow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if wf.ID == (uuid.UUID{}) {
		wf.ID = uuid.New()
	}
	cp := *wf
	f.workflows[wf.ID] = &cp
	f.byExam[wf.ExamID] = wf.ID
}

func (f *fakeWorkflowStore) assign(examID uuid.UUID, studentIDs ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := make(map[int]struct{}, len(studentIDs))
	for _, id := range studentIDs {
		set[id] = struct{}{}
	}
	f.roster[examID] = set
}

func (f *fakeWorkflowStore) GetByID(_ context.Context, id uuid.UUID) (*model.ExamPublishWorkflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.workflows[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *wf
	return &cp, nil
}

func (f *fakeWorkflowStore) GetByExamID(_ context.Context, examID uuid.UUID) (*model.ExamPublishWorkflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byExam[examID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *f.workflows[id]
	return &cp, nil
}

func (f *fakeWorkflowStore) Transition(_ context.Context, workflowID uuid.UUID, from, to model.WorkflowState, actor int, comment, reason string) (*model.ExamPublishTransition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.workflows[workflowID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	if f.conflictOnce {
		f.conflictOnce = false
		return nil, repository.ErrStateConflict
	}
	if wf.CurrentState != from {
		return nil, repository.ErrStateConflict
	}
	wf.CurrentState = to
	wf.UpdatedAt = time.Now()
	t := model.ExamPublishTransition{
		ID:         uuid.New(),
		WorkflowID: workflowID,
		Seq:        int64(len(f.transitions[workflowID]) + 1),
		FromState:  from,
		ToState:    to,
		Actor:      actor,
		Comment:    comment,
		Reason:     reason,
		CreatedAt:  time.Now(),
	}
	f.transitions[workflowID] = append(f.transitions[workflowID], t)
	return &t, nil
}

func (f *fakeWorkflowStore) UpdateSchedule(_ context.Context, workflowID uuid.UUID, start, end time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.workflows[workflowID]
	if !ok {
		return pgx.ErrNoRows
	}
	wf.ScheduledStart = &start
	wf.ScheduledEnd = &end
	return nil
}

func (f *fakeWorkflowStore) ListTransitions(_ context.Context, workflowID uuid.UUID) ([]model.ExamPublishTransition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ExamPublishTransition(nil), f.transitions[workflowID]...), nil
}

func (f *fakeWorkflowStore) AssignStudents(_ context.Context, examID uuid.UUID, studentIDs []int) error {
	f.assign(examID, studentIDs...)
	return nil
}

func (f *fakeWorkflowStore) CountAssigned(_ context.Context, examID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.roster[examID]), nil
}

func (f *fakeWorkflowStore) IsAssigned(_ context.Context, examID uuid.UUID, studentID int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.roster[examID][studentID]
	return ok, nil
}

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*model.ExamSession
	now      func() time.Time
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		sessions: make(map[uuid.UUID]*model.ExamSession),
		now:      time.Now,
	}
}

func (f *fakeSessionStore) GetByID(_ context.Context, id uuid.UUID) (*model.ExamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessionStore) GetActiveByExamAndStudent(_ context.Context, examID uuid.UUID, studentID int) (*model.ExamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s := f.activeLocked(examID, studentID); s != nil {
		cp := *s
		return &cp, nil
	}
	return nil, pgx.ErrNoRows
}

func (f *fakeSessionStore) activeLocked(examID uuid.UUID, studentID int) *model.ExamSession {
	for _, s := range f.sessions {
		if s.ExamID == examID && s.StudentID == studentID && s.State.IsActive() {
			return s
		}
	}
	return nil
}

func (f *fakeSessionStore) Create(_ context.Context, s *model.ExamSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activeLocked(s.ExamID, s.StudentID) != nil {
		// The partial unique index wins; caller refetches.
		return pgx.ErrNoRows
	}
	attempt := 1
	for _, existing := range f.sessions {
		if existing.ExamID == s.ExamID && existing.StudentID == s.StudentID && existing.AttemptNumber >= attempt {
			attempt = existing.AttemptNumber + 1
		}
	}
	s.ID = uuid.New()
	s.State = model.SessionStateInProgress
	s.StartedAt = f.now()
	s.LastActivityAt = s.StartedAt
	s.AttemptNumber = attempt
	s.Version = 1
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeSessionStore) TransitionState(_ context.Context, id uuid.UUID, to model.SessionState, from ...model.SessionState) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, fs := range from {
		if s.State == fs {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}
	s.State = to
	s.LastActivityAt = f.now()
	s.Version++
	if to.IsTerminal() {
		ended := f.now()
		s.EndedAt = &ended
	}
	return true, nil
}

func (f *fakeSessionStore) Touch(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.State != model.SessionStateInProgress {
		return false, nil
	}
	s.LastActivityAt = f.now()
	s.Version++
	return true, nil
}

func (f *fakeSessionStore) SetQuestionIndex(_ context.Context, id uuid.UUID, index int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.State != model.SessionStateInProgress {
		return false, nil
	}
	s.CurrentQuestionIndex = index
	s.LastActivityAt = f.now()
	s.Version++
	return true, nil
}

func (f *fakeSessionStore) SuspendStale(_ context.Context, idleSince time.Time) ([]model.ExamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var stale []model.ExamSession
	for _, s := range f.sessions {
		if s.State == model.SessionStateInProgress && s.LastActivityAt.Before(idleSince) {
			s.State = model.SessionStateSuspended
			s.Version++
			stale = append(stale, *s)
		}
	}
	return stale, nil
}

func (f *fakeSessionStore) ListByExam(_ context.Context, examID uuid.UUID) ([]repository.SessionOverview, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repository.SessionOverview
	for _, s := range f.sessions {
		if s.ExamID == examID {
			out = append(out, repository.SessionOverview{Session: *s})
		}
	}
	return out, nil
}

type responseKey struct {
	sessionID  uuid.UUID
	questionID uuid.UUID
}

type fakeResponseStore struct {
	mu        sync.Mutex
	sessions  *fakeSessionStore
	responses map[responseKey]*model.ExamResponse
}

func newFakeResponseStore(sessions *fakeSessionStore) *fakeResponseStore {
	return &fakeResponseStore{
		sessions:  sessions,
		responses: make(map[responseKey]*model.ExamResponse),
	}
}

func (f *fakeResponseStore) UpsertGuarded(_ context.Context, r *model.ExamResponse) (bool, error) {
	f.sessions.mu.Lock()
	s, ok := f.sessions.sessions[r.SessionID]
	active := ok && s.State == model.SessionStateInProgress
	f.sessions.mu.Unlock()
	if !active {
		return false, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *r
	cp.RespondedAt = time.Now()
	f.responses[responseKey{r.SessionID, r.QuestionID}] = &cp
	return true, nil
}

func (f *fakeResponseStore) ListBySession(_ context.Context, sessionID uuid.UUID) ([]model.ExamResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ExamResponse
	for key, r := range f.responses {
		if key.sessionID == sessionID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeResponseStore) CountsByExam(_ context.Context, examID uuid.UUID) (map[uuid.UUID]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[uuid.UUID]int64)
	for key := range f.responses {
		f.sessions.mu.Lock()
		s, ok := f.sessions.sessions[key.sessionID]
		f.sessions.mu.Unlock()
		if ok && s.ExamID == examID {
			counts[key.sessionID]++
		}
	}
	return counts, nil
}

type fakeMonitoringStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*model.MonitoringSession
	events   map[uuid.UUID]*model.MonitoringEvent
	actions  []model.ProctorAction
}

func newFakeMonitoringStore() *fakeMonitoringStore {
	return &fakeMonitoringStore{
		sessions: make(map[uuid.UUID]*model.MonitoringSession),
		events:   make(map[uuid.UUID]*model.MonitoringEvent),
	}
}

func (f *fakeMonitoringStore) EnsureSession(_ context.Context, ms *model.MonitoringSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[ms.SessionID]; ok {
		return nil
	}
	cp := *ms
	cp.UpdatedAt = time.Now()
	f.sessions[ms.SessionID] = &cp
	return nil
}

func (f *fakeMonitoringStore) GetSession(_ context.Context, sessionID uuid.UUID) (*model.MonitoringSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ms, ok := f.sessions[sessionID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *ms
	return &cp, nil
}

func (f *fakeMonitoringStore) ListSessionsByExam(_ context.Context, examID uuid.UUID) ([]model.MonitoringSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.MonitoringSession
	for _, ms := range f.sessions {
		if ms.ExamID == examID {
			out = append(out, *ms)
		}
	}
	return out, nil
}

func (f *fakeMonitoringStore) UpdateSessionStatus(_ context.Context, sessionID uuid.UUID, status model.SessionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ms, ok := f.sessions[sessionID]; ok {
		ms.Status = status
		ms.UpdatedAt = time.Now()
	}
	return nil
}

func (f *fakeMonitoringStore) IncrementCounts(_ context.Context, sessionID uuid.UUID, violations, warnings int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ms, ok := f.sessions[sessionID]; ok {
		ms.ViolationCount += violations
		ms.WarningCount += warnings
	}
	return nil
}

func (f *fakeMonitoringStore) InsertEvent(_ context.Context, ev *model.MonitoringEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *ev
	f.events[ev.ID] = &cp
	return nil
}

func (f *fakeMonitoringStore) GetEvent(_ context.Context, id uuid.UUID) (*model.MonitoringEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *ev
	return &cp, nil
}

func (f *fakeMonitoringStore) ResolveEvent(_ context.Context, id uuid.UUID, resolution string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[id]
	if !ok || ev.IsResolved {
		return false, nil
	}
	ev.IsResolved = true
	ev.Resolution = resolution
	resolved := time.Now()
	ev.ResolvedAt = &resolved
	return true, nil
}

func (f *fakeMonitoringStore) ListEventsByExam(_ context.Context, examID uuid.UUID, limit int) ([]model.MonitoringEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.MonitoringEvent
	for _, ev := range f.events {
		if ev.ExamID == examID && len(out) < limit {
			out = append(out, *ev)
		}
	}
	return out, nil
}

func (f *fakeMonitoringStore) ViolationCounts(_ context.Context, examID uuid.UUID) (map[int]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[int]int64)
	for _, ev := range f.events {
		if ev.ExamID == examID {
			counts[ev.StudentID]++
		}
	}
	return counts, nil
}

func (f *fakeMonitoringStore) InsertProctorAction(_ context.Context, a *model.ProctorAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	f.actions = append(f.actions, *a)
	return nil
}

var (
	_ repository.ExamStore       = (*fakeExamStore)(nil)
	_ repository.WorkflowStore   = (*fakeWorkflowStore)(nil)
	_ repository.SessionStore    = (*fakeSessionStore)(nil)
	_ repository.ResponseStore   = (*fakeResponseStore)(nil)
	_ repository.MonitoringStore = (*fakeMonitoringStore)(nil)
)
