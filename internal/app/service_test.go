package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"blueprint/api/internal/ai"
	"blueprint/api/internal/archive"
	"blueprint/api/internal/jobs"
	"blueprint/api/internal/publish"
	"blueprint/api/internal/store"
)

// fakeStore is an in-memory dataStore with the same append-only and
// monotonic-updated_at behavior as the Postgres implementation.
type fakeStore struct {
	mu       sync.Mutex
	seq      int
	sessions map[string]store.Session
	exports  map[string][]store.ExportRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]store.Session),
		exports:  make(map[string][]store.ExportRecord),
	}
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) nextTime(previous time.Time) time.Time {
	now := time.Now().UTC()
	if !now.After(previous) {
		now = previous.Add(time.Microsecond)
	}
	return now
}

func (f *fakeStore) CreateSession(_ context.Context, title, problemStatement, templateID string, document json.RawMessage) (store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	if len(document) == 0 {
		document = json.RawMessage(`{}`)
	}
	now := time.Now().UTC()
	session := store.Session{
		ID:               fmt.Sprintf("ses_%d", f.seq),
		ShareID:          fmt.Sprintf("share_%d", f.seq),
		Title:            title,
		ProblemStatement: problemStatement,
		TemplateID:       templateID,
		Document:         document,
		Revisions: []store.Revision{
			{ID: fmt.Sprintf("rev_%d_0", f.seq), Label: "initial", Document: document, CreatedAt: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.sessions[session.ID] = session
	return session, nil
}

func (f *fakeStore) GetSession(_ context.Context, id string) (store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[id]
	if !ok {
		return store.Session{}, sql.ErrNoRows
	}
	return session, nil
}

func (f *fakeStore) GetSessionByShareID(_ context.Context, shareID string) (store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, session := range f.sessions {
		if session.ShareID == shareID {
			return session, nil
		}
	}
	return store.Session{}, sql.ErrNoRows
}

func (f *fakeStore) ListRevisions(_ context.Context, sessionID string) ([]store.Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[sessionID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return session.Revisions, nil
}

func (f *fakeStore) AppendRevision(_ context.Context, sessionID, label string, document json.RawMessage) (store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[sessionID]
	if !ok {
		return store.Session{}, sql.ErrNoRows
	}
	revision := store.Revision{
		ID:        fmt.Sprintf("rev_%s_%d", sessionID, len(session.Revisions)),
		SessionID: sessionID,
		Label:     label,
		Document:  document,
		CreatedAt: time.Now().UTC(),
	}
	session.Revisions = append(session.Revisions, revision)
	session.Document = document
	session.UpdatedAt = f.nextTime(session.UpdatedAt)
	f.sessions[sessionID] = session
	return session, nil
}

func (f *fakeStore) UpdateSessionFields(_ context.Context, id string, patch store.SessionPatch) (store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[id]
	if !ok {
		return store.Session{}, sql.ErrNoRows
	}
	if patch.Title != nil {
		session.Title = *patch.Title
	}
	if patch.ProblemStatement != nil {
		session.ProblemStatement = *patch.ProblemStatement
	}
	session.UpdatedAt = f.nextTime(session.UpdatedAt)
	f.sessions[id] = session
	return session, nil
}

func (f *fakeStore) UpdateSessionNotes(_ context.Context, id, notes string) (store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[id]
	if !ok {
		return store.Session{}, sql.ErrNoRows
	}
	session.Notes = notes
	session.UpdatedAt = f.nextTime(session.UpdatedAt)
	f.sessions[id] = session
	return session, nil
}

func (f *fakeStore) MergeArtifacts(_ context.Context, id string, delta store.Artifacts) (store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[id]
	if !ok {
		return store.Session{}, sql.ErrNoRows
	}
	session.Artifacts = session.Artifacts.Merge(delta)
	session.UpdatedAt = f.nextTime(session.UpdatedAt)
	f.sessions[id] = session
	return session, nil
}

func (f *fakeStore) SetSharePassword(_ context.Context, id, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[id]
	if !ok {
		return sql.ErrNoRows
	}
	session.SharePasswordHash = passwordHash
	f.sessions[id] = session
	return nil
}

func (f *fakeStore) InsertExport(_ context.Context, record store.ExportRecord) (store.ExportRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record.CreatedAt = time.Now().UTC()
	f.exports[record.SessionID] = append(f.exports[record.SessionID], record)
	return record, nil
}

func (f *fakeStore) ListExports(_ context.Context, sessionID string) ([]store.ExportRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exports[sessionID], nil
}

// fakeDeriver returns canned payloads per operation.
type fakeDeriver struct {
	deriveFn func(ctx context.Context, op ai.Operation, document json.RawMessage, sc ai.Context) (json.RawMessage, error)
}

func (f *fakeDeriver) Derive(ctx context.Context, op ai.Operation, document json.RawMessage, sc ai.Context) (json.RawMessage, error) {
	if f.deriveFn != nil {
		return f.deriveFn(ctx, op, document, sc)
	}
	return json.RawMessage(`{"ok":true}`), nil
}

// fakeArchive records snapshots in memory.
type fakeArchive struct {
	mu      sync.Mutex
	commits map[string][]archive.Commit
	docs    map[string]json.RawMessage
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{
		commits: make(map[string][]archive.Commit),
		docs:    make(map[string]json.RawMessage),
	}
}

func (f *fakeArchive) EnsureSessionRepo(sessionID string, initial json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.commits[sessionID]; ok {
		return nil
	}
	f.commits[sessionID] = []archive.Commit{{Hash: "0000001", Message: "initial snapshot", CreatedAt: time.Now()}}
	f.docs[sessionID+"/0000001"] = initial
	return nil
}

func (f *fakeArchive) CommitSnapshot(sessionID string, document json.RawMessage, label string) (archive.Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if label == "" {
		label = "autosave"
	}
	commit := archive.Commit{Hash: fmt.Sprintf("%07d", len(f.commits[sessionID])+1), Message: label, CreatedAt: time.Now()}
	f.commits[sessionID] = append([]archive.Commit{commit}, f.commits[sessionID]...)
	f.docs[sessionID+"/"+commit.Hash] = document
	return commit, nil
}

func (f *fakeArchive) SnapshotAt(sessionID, hash string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[sessionID+"/"+hash]
	if !ok {
		return nil, errors.New("unknown commit")
	}
	return doc, nil
}

func (f *fakeArchive) History(sessionID string, limit int) ([]archive.Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	commits := f.commits[sessionID]
	if limit > 0 && len(commits) > limit {
		commits = commits[:limit]
	}
	return commits, nil
}

// fakeDownstream backs the publish orchestrator in service tests.
type fakeDownstream struct {
	mu          sync.Mutex
	topicErr    error
	nextTopicID int64
	nextCard    int
}

func (f *fakeDownstream) CreateTopic(_ context.Context, topic store.LearningTopic) (store.LearningTopic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.topicErr != nil {
		return store.LearningTopic{}, f.topicErr
	}
	f.nextTopicID++
	topic.ID = f.nextTopicID
	return topic, nil
}

func (f *fakeDownstream) GetTopic(_ context.Context, id int64) (store.LearningTopic, error) {
	return store.LearningTopic{ID: id, Title: "Existing"}, nil
}

func (f *fakeDownstream) CreateResource(_ context.Context, resource store.LearningResource) (store.LearningResource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.topicErr != nil {
		return store.LearningResource{}, f.topicErr
	}
	f.nextTopicID++
	resource.ID = 100 + f.nextTopicID
	return resource, nil
}

func (f *fakeDownstream) CreateCard(_ context.Context, card store.Card) (store.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextCard++
	card.ID = fmt.Sprintf("card_%d", f.nextCard)
	return card, nil
}

func (f *fakeDownstream) SavePrep(_ context.Context, prep store.InterviewPrep) (store.InterviewPrep, error) {
	if prep.ID == "" {
		prep.ID = "prep_1"
	}
	return prep, nil
}

const knowledgeDraftJSON = `{
	"topics": [{"title": "Caching", "description": "Cache strategies", "tags": ["systems"]}],
	"cards": [
		{"title": "Cache aside", "summary": "sum", "content": "body", "topic": "Caching", "tags": ["cache"]},
		{"title": "Write through", "summary": "sum", "content": "body", "topic": "Caching"}
	],
	"interview_prep": {"summary": "Covered caching", "talking_points": ["ttl"], "follow_up_questions": []}
}`

type testEnv struct {
	service    *Service
	store      *fakeStore
	jobStore   *jobs.MemoryStore
	downstream *fakeDownstream
	archive    *fakeArchive
	deriver    *fakeDeriver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dataStore := newFakeStore()
	jobStore := jobs.NewMemoryStore()
	runner := jobs.NewRunner(jobStore, 2, 16)
	t.Cleanup(runner.Close)

	deriver := &fakeDeriver{}
	downstream := &fakeDownstream{}
	archiveSvc := newFakeArchive()
	publisher := publish.NewOrchestrator(downstream, downstream, downstream)
	service := NewService(dataStore, runner, deriver, nil, archiveSvc, nil, publisher)

	return &testEnv{
		service:    service,
		store:      dataStore,
		jobStore:   jobStore,
		downstream: downstream,
		archive:    archiveSvc,
		deriver:    deriver,
	}
}

func mustCreateSession(t *testing.T, env *testEnv) store.Session {
	t.Helper()
	session, err := env.service.CreateSession(context.Background(), CreateSessionInput{
		Title:            "URL shortener",
		ProblemStatement: "Design a URL shortener for 100M links",
	})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	return session
}

func domainCode(t *testing.T, err error) string {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	return domainErr.Code
}

func TestCreateSessionRequiresProblemStatement(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.service.CreateSession(context.Background(), CreateSessionInput{Title: "No problem"})
	if code := domainCode(t, err); code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", code)
	}
}

func TestCreateSessionFromTemplate(t *testing.T) {
	env := newTestEnv(t)
	session, err := env.service.CreateSession(context.Background(), CreateSessionInput{
		ProblemStatement: "Design a photo sharing service",
		TemplateID:       "web-service",
	})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if session.TemplateID != "web-service" {
		t.Fatalf("unexpected template id %q", session.TemplateID)
	}
	var doc struct {
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(session.Document, &doc); err != nil {
		t.Fatalf("document is not valid JSON: %v", err)
	}
	if doc.Metadata["template"] != "web-service" {
		t.Fatalf("expected template document, got %s", session.Document)
	}
	if len(session.Revisions) != 1 || session.Revisions[0].Label != "initial" {
		t.Fatalf("expected initial revision, got %+v", session.Revisions)
	}

	_, err = env.service.CreateSession(context.Background(), CreateSessionInput{
		ProblemStatement: "x",
		TemplateID:       "no-such-template",
	})
	if code := domainCode(t, err); code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR for unknown template, got %s", code)
	}
}

func TestAutosaveAppendsRevisions(t *testing.T) {
	env := newTestEnv(t)
	session := mustCreateSession(t, env)
	ctx := context.Background()

	first, err := env.service.Autosave(ctx, session.ID, json.RawMessage(`{"elements":[1]}`), "")
	if err != nil {
		t.Fatalf("Autosave() error = %v", err)
	}
	second, err := env.service.Autosave(ctx, session.ID, json.RawMessage(`{"elements":[1,2]}`), "added cache")
	if err != nil {
		t.Fatalf("Autosave() error = %v", err)
	}

	if string(second.Document) != `{"elements":[1,2]}` {
		t.Fatalf("last write should win, document = %s", second.Document)
	}
	if len(second.Revisions) != 3 {
		t.Fatalf("expected 3 revisions, got %d", len(second.Revisions))
	}
	if second.Revisions[2].Label != "added cache" {
		t.Fatalf("unexpected revision label %q", second.Revisions[2].Label)
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Fatalf("updated_at not strictly increasing: %v then %v", first.UpdatedAt, second.UpdatedAt)
	}

	history, err := env.service.History(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 archive commits, got %d", len(history))
	}
}

func TestAutosaveRejectsInvalidDocument(t *testing.T) {
	env := newTestEnv(t)
	session := mustCreateSession(t, env)

	_, err := env.service.Autosave(context.Background(), session.ID, json.RawMessage(`{broken`), "")
	if code := domainCode(t, err); code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", code)
	}
}

func TestAutosaveUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.service.Autosave(context.Background(), "ses_missing", json.RawMessage(`{}`), "")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestSharePasswordFlow(t *testing.T) {
	env := newTestEnv(t)
	session := mustCreateSession(t, env)
	ctx := context.Background()

	// Open by default
	if _, err := env.service.GetSharedSession(ctx, session.ShareID, ""); err != nil {
		t.Fatalf("GetSharedSession() error = %v", err)
	}

	if err := env.service.SetSharePassword(ctx, session.ID, "s3cret"); err != nil {
		t.Fatalf("SetSharePassword() error = %v", err)
	}

	_, err := env.service.GetSharedSession(ctx, session.ShareID, "")
	if code := domainCode(t, err); code != "SHARE_PASSWORD_REQUIRED" {
		t.Fatalf("expected SHARE_PASSWORD_REQUIRED, got %s", code)
	}

	_, err = env.service.GetSharedSession(ctx, session.ShareID, "wrong")
	if code := domainCode(t, err); code != "SHARE_PASSWORD_INVALID" {
		t.Fatalf("expected SHARE_PASSWORD_INVALID, got %s", code)
	}

	if _, err := env.service.GetSharedSession(ctx, session.ShareID, "s3cret"); err != nil {
		t.Fatalf("GetSharedSession() with password error = %v", err)
	}

	// Clearing the password reopens the link
	if err := env.service.SetSharePassword(ctx, session.ID, ""); err != nil {
		t.Fatalf("SetSharePassword() clear error = %v", err)
	}
	if _, err := env.service.GetSharedSession(ctx, session.ShareID, ""); err != nil {
		t.Fatalf("GetSharedSession() after clear error = %v", err)
	}
}

func TestRunOperationReturnsResult(t *testing.T) {
	env := newTestEnv(t)
	session := mustCreateSession(t, env)
	env.deriver.deriveFn = func(_ context.Context, op ai.Operation, _ json.RawMessage, sc ai.Context) (json.RawMessage, error) {
		if op != ai.OpAnalyze {
			t.Fatalf("unexpected operation %s", op)
		}
		if sc.ProblemStatement == "" {
			t.Fatal("expected problem statement in derivation context")
		}
		return json.RawMessage(`{"bottlenecks":["db"]}`), nil
	}

	result, err := env.service.RunOperation(context.Background(), session.ID, "analyze")
	if err != nil {
		t.Fatalf("RunOperation() error = %v", err)
	}
	if string(result) != `{"bottlenecks":["db"]}` {
		t.Fatalf("unexpected result %s", result)
	}
}

func TestRunOperationDeriverFailure(t *testing.T) {
	env := newTestEnv(t)
	session := mustCreateSession(t, env)
	env.deriver.deriveFn = func(context.Context, ai.Operation, json.RawMessage, ai.Context) (json.RawMessage, error) {
		return nil, errors.New("model overloaded")
	}

	_, err := env.service.RunOperation(context.Background(), session.ID, "evaluate")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "DRAFT_FAILED" || domainErr.Status != 502 {
		t.Fatalf("expected 502 DRAFT_FAILED, got %d %s", domainErr.Status, domainErr.Code)
	}
}

func TestRunOperationRejectsUnknownOperation(t *testing.T) {
	env := newTestEnv(t)
	session := mustCreateSession(t, env)

	_, err := env.service.RunOperation(context.Background(), session.ID, "hallucinate")
	if code := domainCode(t, err); code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", code)
	}
}

func TestEnqueueAndPollOperation(t *testing.T) {
	env := newTestEnv(t)
	session := mustCreateSession(t, env)
	env.deriver.deriveFn = func(context.Context, ai.Operation, json.RawMessage, ai.Context) (json.RawMessage, error) {
		return json.RawMessage(`["q1"]`), nil
	}

	job, err := env.service.EnqueueOperation(context.Background(), session.ID, "questions")
	if err != nil {
		t.Fatalf("EnqueueOperation() error = %v", err)
	}
	if job.Status != jobs.StatusQueued {
		t.Fatalf("expected queued job, got %s", job.Status)
	}

	deadline := time.Now().Add(5 * time.Second)
	var polled jobs.Job
	for time.Now().Before(deadline) {
		polled, err = env.service.PollJob(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("PollJob() error = %v", err)
		}
		if polled.Terminal() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if polled.Status != jobs.StatusSucceeded {
		t.Fatalf("expected succeeded job, got %s (error %q)", polled.Status, polled.Error)
	}
	if string(polled.Result) != `["q1"]` {
		t.Fatalf("unexpected job result %s", polled.Result)
	}
}

func TestPollUnknownJobIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.service.PollJob(context.Background(), "job_missing")
	status, code, _, _ := mapError(err)
	if status != 404 || code != "NOT_FOUND" {
		t.Fatalf("expected 404 NOT_FOUND, got %d %s", status, code)
	}
}

func TestPublishFanOut(t *testing.T) {
	env := newTestEnv(t)
	session := mustCreateSession(t, env)
	env.deriver.deriveFn = func(_ context.Context, op ai.Operation, _ json.RawMessage, _ ai.Context) (json.RawMessage, error) {
		if op != ai.OpKnowledgeDraft {
			t.Fatalf("unexpected operation %s", op)
		}
		return json.RawMessage(knowledgeDraftJSON), nil
	}

	result, err := env.service.Publish(context.Background(), session.ID, publish.Options{
		CreateLearningTopics:     true,
		CreateCards:              true,
		CreateInterviewPrepItems: true,
	})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(result.Failures) != 0 {
		t.Fatalf("unexpected failures %+v", result.Failures)
	}
	if len(result.Artifacts.LearningTopicIDs) != 1 || len(result.Artifacts.CardIDs) != 2 {
		t.Fatalf("unexpected artifacts %+v", result.Artifacts)
	}
	if result.Artifacts.InterviewPrepID != "prep_1" {
		t.Fatalf("expected prep id, got %q", result.Artifacts.InterviewPrepID)
	}
	if result.Artifacts.PublishedAt == nil {
		t.Fatal("expected published_at to be stamped")
	}

	// Artifacts persisted on the session
	reloaded, err := env.service.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if len(reloaded.Artifacts.CardIDs) != 2 {
		t.Fatalf("artifacts not persisted: %+v", reloaded.Artifacts)
	}
}

// recordingJobStore remembers every saved operation so tests can see which
// derivations went through the runner.
type recordingJobStore struct {
	*jobs.MemoryStore
	mu  sync.Mutex
	ops []string
}

func (r *recordingJobStore) Save(ctx context.Context, job jobs.Job) error {
	r.mu.Lock()
	r.ops = append(r.ops, job.Operation)
	r.mu.Unlock()
	return r.MemoryStore.Save(ctx, job)
}

func TestPublishRecordsDerivationJob(t *testing.T) {
	dataStore := newFakeStore()
	jobStore := &recordingJobStore{MemoryStore: jobs.NewMemoryStore()}
	runner := jobs.NewRunner(jobStore, 1, 4)
	t.Cleanup(runner.Close)

	deriver := &fakeDeriver{deriveFn: func(context.Context, ai.Operation, json.RawMessage, ai.Context) (json.RawMessage, error) {
		return json.RawMessage(knowledgeDraftJSON), nil
	}}
	downstream := &fakeDownstream{}
	publisher := publish.NewOrchestrator(downstream, downstream, downstream)
	service := NewService(dataStore, runner, deriver, nil, newFakeArchive(), nil, publisher)

	session, err := service.CreateSession(context.Background(), CreateSessionInput{
		ProblemStatement: "Design a URL shortener",
	})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := service.Publish(context.Background(), session.ID, publish.Options{CreateCards: true}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	found := false
	for _, op := range jobStore.ops {
		if op == "knowledge_draft" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a knowledge_draft job record, saw %v", jobStore.ops)
	}
}

func TestSnapshotReadsArchivedDocument(t *testing.T) {
	env := newTestEnv(t)
	session := mustCreateSession(t, env)
	ctx := context.Background()

	if _, err := env.service.Autosave(ctx, session.ID, json.RawMessage(`{"elements":[1]}`), "v2"); err != nil {
		t.Fatalf("Autosave() error = %v", err)
	}
	history, err := env.service.History(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}

	snapshot, err := env.service.Snapshot(ctx, session.ID, history[0].Hash)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if string(snapshot) != `{"elements":[1]}` {
		t.Fatalf("unexpected snapshot %s", snapshot)
	}

	_, err = env.service.Snapshot(ctx, session.ID, "fffffff")
	if code := domainCode(t, err); code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND for unknown hash, got %s", code)
	}

	_, err = env.service.Snapshot(ctx, "ses_missing", history[0].Hash)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for unknown session, got %v", err)
	}
}

func TestPublishPartialFailure(t *testing.T) {
	env := newTestEnv(t)
	session := mustCreateSession(t, env)
	env.deriver.deriveFn = func(context.Context, ai.Operation, json.RawMessage, ai.Context) (json.RawMessage, error) {
		return json.RawMessage(knowledgeDraftJSON), nil
	}
	env.downstream.topicErr = errors.New("topics store down")

	result, err := env.service.Publish(context.Background(), session.ID, publish.Options{
		CreateLearningTopics: true,
		CreateCards:          true,
	})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(result.Failures) != 1 || result.Failures[0].Target != publish.TargetLearningTopics {
		t.Fatalf("expected learning_topics failure, got %+v", result.Failures)
	}
	if len(result.Artifacts.CardIDs) != 2 {
		t.Fatalf("cards should still publish: %+v", result.Artifacts)
	}
	if result.Artifacts.PublishedAt == nil {
		t.Fatal("expected published_at since cards were written")
	}
}

func TestPublishRepeatAccumulatesWithoutDuplicates(t *testing.T) {
	env := newTestEnv(t)
	session := mustCreateSession(t, env)
	env.deriver.deriveFn = func(context.Context, ai.Operation, json.RawMessage, ai.Context) (json.RawMessage, error) {
		return json.RawMessage(knowledgeDraftJSON), nil
	}

	first, err := env.service.Publish(context.Background(), session.ID, publish.Options{CreateInterviewPrepItems: true})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	second, err := env.service.Publish(context.Background(), session.ID, publish.Options{
		CreateInterviewPrepItems: true,
		InterviewPrepID:          first.Artifacts.InterviewPrepID,
	})
	if err != nil {
		t.Fatalf("Publish() second error = %v", err)
	}
	if second.Artifacts.InterviewPrepID != first.Artifacts.InterviewPrepID {
		t.Fatalf("prep id changed across publishes: %q vs %q", first.Artifacts.InterviewPrepID, second.Artifacts.InterviewPrepID)
	}
}

func TestPublishDraftFailure(t *testing.T) {
	env := newTestEnv(t)
	session := mustCreateSession(t, env)
	env.deriver.deriveFn = func(context.Context, ai.Operation, json.RawMessage, ai.Context) (json.RawMessage, error) {
		return nil, ai.ErrDisabled
	}

	_, err := env.service.Publish(context.Background(), session.ID, publish.Options{CreateCards: true})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "DRAFT_FAILED" || domainErr.Status != 502 {
		t.Fatalf("expected 502 DRAFT_FAILED, got %d %s", domainErr.Status, domainErr.Code)
	}
}

func TestPublishRequiresTargets(t *testing.T) {
	env := newTestEnv(t)
	session := mustCreateSession(t, env)

	_, err := env.service.Publish(context.Background(), session.ID, publish.Options{})
	if code := domainCode(t, err); code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", code)
	}
}

func TestExportWithoutObjectStore(t *testing.T) {
	env := newTestEnv(t)
	session := mustCreateSession(t, env)

	_, err := env.service.Export(context.Background(), session.ID, "json")
	if code := domainCode(t, err); code != "EXPORTS_UNAVAILABLE" {
		t.Fatalf("expected EXPORTS_UNAVAILABLE, got %s", code)
	}

	_, err = env.service.Export(context.Background(), session.ID, "pdf")
	if code := domainCode(t, err); code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR for unknown format, got %s", code)
	}
}

func TestUpdateFieldsValidation(t *testing.T) {
	env := newTestEnv(t)
	session := mustCreateSession(t, env)
	ctx := context.Background()

	_, err := env.service.UpdateFields(ctx, session.ID, store.SessionPatch{})
	if code := domainCode(t, err); code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", code)
	}

	empty := ""
	_, err = env.service.UpdateFields(ctx, session.ID, store.SessionPatch{ProblemStatement: &empty})
	if code := domainCode(t, err); code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR for empty problem statement, got %s", code)
	}

	title := "Shortener v2"
	updated, err := env.service.UpdateFields(ctx, session.ID, store.SessionPatch{Title: &title})
	if err != nil {
		t.Fatalf("UpdateFields() error = %v", err)
	}
	if updated.Title != "Shortener v2" {
		t.Fatalf("title not updated: %q", updated.Title)
	}
}
