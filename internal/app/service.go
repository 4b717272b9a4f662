package app

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"blueprint/api/internal/ai"
	"blueprint/api/internal/archive"
	"blueprint/api/internal/draft"
	"blueprint/api/internal/export"
	"blueprint/api/internal/jobs"
	"blueprint/api/internal/publish"
	"blueprint/api/internal/search"
	"blueprint/api/internal/store"
	"blueprint/api/internal/templates"
)

// dataStore is the persistence surface the service needs.
type dataStore interface {
	Ping(ctx context.Context) error
	CreateSession(ctx context.Context, title, problemStatement, templateID string, document json.RawMessage) (store.Session, error)
	GetSession(ctx context.Context, id string) (store.Session, error)
	GetSessionByShareID(ctx context.Context, shareID string) (store.Session, error)
	ListRevisions(ctx context.Context, sessionID string) ([]store.Revision, error)
	AppendRevision(ctx context.Context, sessionID, label string, document json.RawMessage) (store.Session, error)
	UpdateSessionFields(ctx context.Context, id string, patch store.SessionPatch) (store.Session, error)
	UpdateSessionNotes(ctx context.Context, id, notes string) (store.Session, error)
	MergeArtifacts(ctx context.Context, id string, delta store.Artifacts) (store.Session, error)
	SetSharePassword(ctx context.Context, id, passwordHash string) error
	InsertExport(ctx context.Context, record store.ExportRecord) (store.ExportRecord, error)
	ListExports(ctx context.Context, sessionID string) ([]store.ExportRecord, error)
}

// searcher is the search surface. May be nil when search is not configured.
type searcher interface {
	Search(q search.Query) search.Response
	IndexSession(rec search.SessionRecord)
	IndexCard(rec search.CardRecord)
}

// archiver keeps the on-disk git history of document snapshots.
type archiver interface {
	EnsureSessionRepo(sessionID string, initial json.RawMessage) error
	CommitSnapshot(sessionID string, document json.RawMessage, label string) (archive.Commit, error)
	History(sessionID string, limit int) ([]archive.Commit, error)
	SnapshotAt(sessionID, hash string) (json.RawMessage, error)
}

// ExportService renders and stores session bundles. Nil when no object store
// is configured.
type ExportService interface {
	Export(ctx context.Context, session store.Session, format string) (store.ExportRecord, error)
}

type Service struct {
	store     dataStore
	runner    *jobs.Runner
	deriver   ai.Deriver
	search    searcher
	archive   archiver
	exporter  ExportService
	publisher *publish.Orchestrator

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func NewService(dataStore dataStore, runner *jobs.Runner, deriver ai.Deriver, searchSvc searcher, archiveSvc archiver, exportSvc ExportService, publisher *publish.Orchestrator) *Service {
	return &Service{
		store:     dataStore,
		runner:    runner,
		deriver:   deriver,
		search:    searchSvc,
		archive:   archiveSvc,
		exporter:  exportSvc,
		publisher: publisher,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// sessionLock serializes writes per session so autosave and publish cannot
// interleave on the same record.
func (s *Service) sessionLock(sessionID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[sessionID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[sessionID] = lock
	return lock
}

type CreateSessionInput struct {
	Title            string
	ProblemStatement string
	TemplateID       string
	Document         json.RawMessage
}

func (s *Service) CreateSession(ctx context.Context, in CreateSessionInput) (store.Session, error) {
	if in.ProblemStatement == "" {
		return store.Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "problem_statement is required", nil)
	}
	if in.TemplateID != "" {
		template, ok := templates.Find(in.TemplateID)
		if !ok {
			return store.Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown template", map[string]any{"templateId": in.TemplateID})
		}
		if len(in.Document) == 0 {
			in.Document = template.Document
		}
	}
	if len(in.Document) > 0 && !json.Valid(in.Document) {
		return store.Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "document must be valid JSON", nil)
	}

	session, err := s.store.CreateSession(ctx, in.Title, in.ProblemStatement, in.TemplateID, in.Document)
	if err != nil {
		return store.Session{}, err
	}

	if s.archive != nil {
		if err := s.archive.EnsureSessionRepo(session.ID, session.Document); err != nil {
			log.Printf("archive: init repo for %s: %v", session.ID, err)
		}
	}
	s.indexSession(session)
	return session, nil
}

func (s *Service) GetSession(ctx context.Context, id string) (store.Session, error) {
	return s.store.GetSession(ctx, id)
}

// GetSharedSession resolves a session through its share link. When the session
// carries a share password, the caller must supply the matching one.
func (s *Service) GetSharedSession(ctx context.Context, shareID, password string) (store.Session, error) {
	session, err := s.store.GetSessionByShareID(ctx, shareID)
	if err != nil {
		return store.Session{}, err
	}
	if session.SharePasswordHash != "" {
		if password == "" {
			return store.Session{}, domainError(http.StatusForbidden, "SHARE_PASSWORD_REQUIRED", "This share link is password protected", nil)
		}
		if bcrypt.CompareHashAndPassword([]byte(session.SharePasswordHash), []byte(password)) != nil {
			return store.Session{}, domainError(http.StatusForbidden, "SHARE_PASSWORD_INVALID", "Incorrect share password", nil)
		}
	}
	return session, nil
}

// Autosave appends a revision with the supplied snapshot and promotes it to the
// current document. Last write wins; earlier snapshots stay in the revision log.
func (s *Service) Autosave(ctx context.Context, sessionID string, document json.RawMessage, label string) (store.Session, error) {
	if len(document) == 0 || !json.Valid(document) {
		return store.Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "document must be valid JSON", nil)
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.store.AppendRevision(ctx, sessionID, label, document)
	if err != nil {
		return store.Session{}, err
	}

	// Best effort; the revision table stays authoritative.
	if s.archive != nil {
		if _, err := s.archive.CommitSnapshot(session.ID, document, label); err != nil {
			log.Printf("archive: commit snapshot for %s: %v", session.ID, err)
		}
	}
	s.indexSession(session)
	return session, nil
}

func (s *Service) UpdateFields(ctx context.Context, sessionID string, patch store.SessionPatch) (store.Session, error) {
	if patch.Title == nil && patch.ProblemStatement == nil {
		return store.Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "nothing to update", nil)
	}
	if patch.ProblemStatement != nil && *patch.ProblemStatement == "" {
		return store.Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "problem_statement cannot be empty", nil)
	}

	session, err := s.store.UpdateSessionFields(ctx, sessionID, patch)
	if err != nil {
		return store.Session{}, err
	}
	s.indexSession(session)
	return session, nil
}

func (s *Service) UpdateNotes(ctx context.Context, sessionID, notes string) (store.Session, error) {
	session, err := s.store.UpdateSessionNotes(ctx, sessionID, notes)
	if err != nil {
		return store.Session{}, err
	}
	s.indexSession(session)
	return session, nil
}

func (s *Service) ListRevisions(ctx context.Context, sessionID string) ([]store.Revision, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListRevisions(ctx, sessionID)
}

// History returns the session's archive commit log, newest first.
func (s *Service) History(ctx context.Context, sessionID string, limit int) ([]archive.Commit, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if s.archive == nil {
		return nil, domainError(http.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE", "Snapshot archive is not configured", nil)
	}
	return s.archive.History(sessionID, limit)
}

// Snapshot reads the document stored at one of the session's archive commits.
func (s *Service) Snapshot(ctx context.Context, sessionID, hash string) (json.RawMessage, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if s.archive == nil {
		return nil, domainError(http.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE", "Snapshot archive is not configured", nil)
	}
	snapshot, err := s.archive.SnapshotAt(sessionID, hash)
	if err != nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Unknown snapshot", map[string]any{"hash": hash})
	}
	return snapshot, nil
}

// SetSharePassword protects the session's share link. An empty password clears
// the protection.
func (s *Service) SetSharePassword(ctx context.Context, sessionID, password string) error {
	hash := ""
	if password != "" {
		hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		hash = string(hashed)
	}
	return s.store.SetSharePassword(ctx, sessionID, hash)
}

// RunOperation executes a derivation synchronously. The run is still recorded
// as a job so its outcome stays pollable.
func (s *Service) RunOperation(ctx context.Context, sessionID, operation string) (json.RawMessage, error) {
	if !ai.ValidOperation(operation) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown operation", map[string]any{"operation": operation})
	}
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	job, err := s.runner.RunSync(ctx, sessionID, operation, s.derivationWork(session, ai.Operation(operation)))
	if err != nil {
		return nil, err
	}
	if job.Status == jobs.StatusFailed {
		return nil, domainError(http.StatusBadGateway, "DRAFT_FAILED", job.Error, nil)
	}
	return job.Result, nil
}

// EnqueueOperation schedules a derivation on the worker pool and returns the
// queued job for polling. The session snapshot is captured at enqueue time.
func (s *Service) EnqueueOperation(ctx context.Context, sessionID, operation string) (jobs.Job, error) {
	if !ai.ValidOperation(operation) {
		return jobs.Job{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown operation", map[string]any{"operation": operation})
	}
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return jobs.Job{}, err
	}
	return s.runner.Enqueue(ctx, sessionID, operation, s.derivationWork(session, ai.Operation(operation)))
}

func (s *Service) PollJob(ctx context.Context, jobID string) (jobs.Job, error) {
	return s.runner.Poll(ctx, jobID)
}

func (s *Service) derivationWork(session store.Session, op ai.Operation) jobs.Work {
	document := session.Document
	sc := ai.Context{
		Title:            session.Title,
		ProblemStatement: session.ProblemStatement,
		Notes:            session.Notes,
	}
	return func(ctx context.Context) (json.RawMessage, error) {
		return s.deriver.Derive(ctx, op, document, sc)
	}
}

// PublishResult is the outcome of a publish run. Failures lists the downstream
// targets that could not be written; the artifacts of the ones that succeeded
// are already merged into the session.
type PublishResult struct {
	Session        store.Session
	Artifacts      store.Artifacts
	KnowledgeDraft draft.KnowledgeDraft
	Failures       []publish.TargetFailure
}

// Publish derives a knowledge draft from the latest committed snapshot and fans
// it out to the selected downstream stores. The derivation runs through the job
// runner so it leaves a pollable record like any other operation.
func (s *Service) Publish(ctx context.Context, sessionID string, opts publish.Options) (PublishResult, error) {
	if !opts.Any() {
		return PublishResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "no publish targets selected", nil)
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return PublishResult{}, err
	}

	job, err := s.runner.RunSync(ctx, sessionID, string(ai.OpKnowledgeDraft), s.derivationWork(session, ai.OpKnowledgeDraft))
	if err != nil {
		return PublishResult{}, err
	}
	if job.Status == jobs.StatusFailed {
		return PublishResult{}, domainError(http.StatusBadGateway, "DRAFT_FAILED", job.Error, nil)
	}
	knowledgeDraft, err := draft.Decode(job.Result)
	if err != nil {
		return PublishResult{}, domainError(http.StatusBadGateway, "DRAFT_FAILED", err.Error(), nil)
	}

	delta, failures := s.publisher.Run(ctx, sessionID, knowledgeDraft, opts)

	if !delta.Empty() {
		session, err = s.store.MergeArtifacts(ctx, sessionID, delta)
		if err != nil {
			return PublishResult{}, err
		}
	}

	s.indexPublishedCards(sessionID, knowledgeDraft, delta.CardIDs)

	return PublishResult{
		Session:        session,
		Artifacts:      session.Artifacts,
		KnowledgeDraft: knowledgeDraft,
		Failures:       failures,
	}, nil
}

func (s *Service) Export(ctx context.Context, sessionID, format string) (store.ExportRecord, error) {
	if !export.ValidFormat(format) {
		return store.ExportRecord{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unsupported export format", map[string]any{"format": format})
	}
	if s.exporter == nil {
		return store.ExportRecord{}, domainError(http.StatusServiceUnavailable, "EXPORTS_UNAVAILABLE", "Export storage is not configured", nil)
	}
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return store.ExportRecord{}, err
	}

	record, err := s.exporter.Export(ctx, session, format)
	if err != nil {
		return store.ExportRecord{}, err
	}
	return s.store.InsertExport(ctx, record)
}

func (s *Service) ListExports(ctx context.Context, sessionID string) ([]store.ExportRecord, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListExports(ctx, sessionID)
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) ScaleEstimate(req templates.ScaleEstimateRequest) (templates.ScaleEstimate, error) {
	req.ApplyDefaults()
	if !req.Valid() {
		return templates.ScaleEstimate{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "qps, avg_request_kb and avg_response_kb must be positive", nil)
	}
	return templates.EstimateScale(req), nil
}

func (s *Service) TemplateLibrary() []templates.Template {
	return templates.Library()
}

func (s *Service) ComponentLibrary() []templates.Component {
	return templates.Components()
}

func (s *Service) indexSession(session store.Session) {
	if s.search == nil {
		return
	}
	s.search.IndexSession(search.SessionRecord{
		ID:               session.ID,
		Title:            session.Title,
		ProblemStatement: session.ProblemStatement,
		Notes:            session.Notes,
		TemplateID:       session.TemplateID,
	})
}

// indexPublishedCards zips the created card ids with the draft cards they came
// from. On partial failure the id list is a prefix of the draft's card list.
func (s *Service) indexPublishedCards(sessionID string, d draft.KnowledgeDraft, cardIDs []string) {
	if s.search == nil {
		return
	}
	for i, id := range cardIDs {
		if i >= len(d.Cards) {
			break
		}
		c := d.Cards[i]
		s.search.IndexCard(search.CardRecord{
			ID:        id,
			Title:     c.Title,
			Summary:   c.Summary,
			Content:   c.Content,
			Topic:     c.Topic,
			SessionID: sessionID,
		})
	}
}
