package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"blueprint/api/internal/jobs"
	"blueprint/api/internal/publish"
	"blueprint/api/internal/search"
	"blueprint/api/internal/store"
	"blueprint/api/internal/templates"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/library/templates" {
		writeJSON(w, http.StatusOK, map[string]any{"templates": s.service.TemplateLibrary()})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/library/components" {
		writeJSON(w, http.StatusOK, map[string]any{"components": s.service.ComponentLibrary()})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/scale-estimate" {
		s.handleScaleEstimate(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/sessions" {
		s.handleCreateSession(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "jobs":
		if r.Method == http.MethodGet && len(parts) == 3 {
			s.handlePollJob(w, r, parts[2])
			return
		}
	case "sessions":
		if len(parts) >= 3 && parts[2] == "share" {
			if r.Method == http.MethodGet && len(parts) == 4 {
				s.handleGetSharedSession(w, r, parts[3])
				return
			}
			break
		}
		if len(parts) == 3 && r.Method == http.MethodGet {
			s.handleGetSession(w, r, parts[2])
			return
		}
		if len(parts) == 3 && r.Method == http.MethodPatch {
			s.handlePatchSession(w, r, parts[2])
			return
		}
		if len(parts) == 4 {
			sessionID := parts[2]
			switch parts[3] {
			case "diagram":
				if r.Method == http.MethodPatch {
					s.handleAutosave(w, r, sessionID)
					return
				}
			case "notes":
				if r.Method == http.MethodPut {
					s.handleUpdateNotes(w, r, sessionID)
					return
				}
			case "revisions":
				if r.Method == http.MethodGet {
					s.handleListRevisions(w, r, sessionID)
					return
				}
			case "history":
				if r.Method == http.MethodGet {
					s.handleHistory(w, r, sessionID)
					return
				}
			case "analyze", "questions", "suggestions", "evaluate":
				if r.Method == http.MethodPost {
					s.handleRunOperation(w, r, sessionID, parts[3])
					return
				}
			case "draft":
				if r.Method == http.MethodPost {
					s.handleRunOperation(w, r, sessionID, "knowledge_draft")
					return
				}
			case "jobs":
				if r.Method == http.MethodPost {
					s.handleEnqueueOperation(w, r, sessionID)
					return
				}
			case "publish":
				if r.Method == http.MethodPost {
					s.handlePublish(w, r, sessionID)
					return
				}
			case "exports":
				if r.Method == http.MethodPost {
					s.handleCreateExport(w, r, sessionID)
					return
				}
				if r.Method == http.MethodGet {
					s.handleListExports(w, r, sessionID)
					return
				}
			}
		}
		if len(parts) == 5 && parts[3] == "share" && parts[4] == "password" && r.Method == http.MethodPost {
			s.handleSetSharePassword(w, r, parts[2])
			return
		}
		if len(parts) == 5 && parts[3] == "history" && r.Method == http.MethodGet {
			s.handleSnapshotAt(w, r, parts[2], parts[4])
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title            string          `json:"title"`
		ProblemStatement string          `json:"problem_statement"`
		TemplateID       string          `json:"template_id"`
		Document         json.RawMessage `json:"document"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, err := s.service.CreateSession(r.Context(), CreateSessionInput{
		Title:            body.Title,
		ProblemStatement: body.ProblemStatement,
		TemplateID:       body.TemplateID,
		Document:         body.Document,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionPayload(session))
}

func (s *HTTPServer) handleGetSession(w http.ResponseWriter, r *http.Request, id string) {
	session, err := s.service.GetSession(r.Context(), id)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleGetSharedSession(w http.ResponseWriter, r *http.Request, shareID string) {
	session, err := s.service.GetSharedSession(r.Context(), shareID, r.Header.Get("X-Share-Password"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handlePatchSession(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		Title            *string `json:"title"`
		ProblemStatement *string `json:"problem_statement"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, err := s.service.UpdateFields(r.Context(), id, store.SessionPatch{
		Title:            body.Title,
		ProblemStatement: body.ProblemStatement,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleAutosave(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		Document json.RawMessage `json:"document"`
		Label    string          `json:"label"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, err := s.service.Autosave(r.Context(), id, body.Document, body.Label)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleUpdateNotes(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		Notes string `json:"notes"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, err := s.service.UpdateNotes(r.Context(), id, body.Notes)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleListRevisions(w http.ResponseWriter, r *http.Request, id string) {
	revisions, err := s.service.ListRevisions(r.Context(), id)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if revisions == nil {
		revisions = []store.Revision{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"revisions": revisions})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, id string) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be a non-negative integer", nil)
			return
		}
		limit = parsed
	}

	commits, err := s.service.History(r.Context(), id, limit)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
}

func (s *HTTPServer) handleSnapshotAt(w http.ResponseWriter, r *http.Request, id, hash string) {
	snapshot, err := s.service.Snapshot(r.Context(), id, hash)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hash":     hash,
		"document": snapshot,
	})
}

func (s *HTTPServer) handleSetSharePassword(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	if err := s.service.SetSharePassword(r.Context(), id, body.Password); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "protected": body.Password != ""})
}

func (s *HTTPServer) handleRunOperation(w http.ResponseWriter, r *http.Request, id, operation string) {
	result, err := s.service.RunOperation(r.Context(), id, operation)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"operation": operation,
		"result":    result,
	})
}

func (s *HTTPServer) handleEnqueueOperation(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		Operation string `json:"operation"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	job, err := s.service.EnqueueOperation(r.Context(), id, body.Operation)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	payload := jobPayload(job)
	payload["statusUrl"] = "/api/jobs/" + job.ID
	writeJSON(w, http.StatusAccepted, payload)
}

func (s *HTTPServer) handlePollJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.service.PollJob(r.Context(), jobID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobPayload(job))
}

func (s *HTTPServer) handlePublish(w http.ResponseWriter, r *http.Request, id string) {
	var body publish.Options
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	result, err := s.service.Publish(r.Context(), id, body)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	failures := result.Failures
	if failures == nil {
		failures = []publish.TargetFailure{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":        sessionPayload(result.Session),
		"artifacts":      result.Artifacts,
		"knowledgeDraft": result.KnowledgeDraft,
		"failures":       failures,
	})
}

func (s *HTTPServer) handleCreateExport(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		Format string `json:"format"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	record, err := s.service.Export(r.Context(), id, body.Format)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, exportPayload(record))
}

func (s *HTTPServer) handleListExports(w http.ResponseWriter, r *http.Request, id string) {
	records, err := s.service.ListExports(r.Context(), id)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	payloads := make([]map[string]any, 0, len(records))
	for _, record := range records {
		payloads = append(payloads, exportPayload(record))
	}
	writeJSON(w, http.StatusOK, map[string]any{"exports": payloads})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := search.Query{
		Text:       query.Get("q"),
		FilterType: search.ResultType(query.Get("type")),
	}
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			q.Limit = parsed
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			q.Offset = parsed
		}
	}

	writeJSON(w, http.StatusOK, s.service.Search(q))
}

func (s *HTTPServer) handleScaleEstimate(w http.ResponseWriter, r *http.Request) {
	var body templates.ScaleEstimateRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	estimate, err := s.service.ScaleEstimate(body)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, estimate)
}

func sessionPayload(session store.Session) map[string]any {
	revisions := session.Revisions
	if revisions == nil {
		revisions = []store.Revision{}
	}
	return map[string]any{
		"id":                session.ID,
		"shareId":           session.ShareID,
		"title":             session.Title,
		"problemStatement":  session.ProblemStatement,
		"templateId":        session.TemplateID,
		"notes":             session.Notes,
		"document":          session.Document,
		"artifacts":         session.Artifacts,
		"revisions":         revisions,
		"sharePasswordSet":  session.SharePasswordHash != "",
		"createdAt":         session.CreatedAt,
		"updatedAt":         session.UpdatedAt,
	}
}

func jobPayload(job jobs.Job) map[string]any {
	payload := map[string]any{
		"jobId":     job.ID,
		"sessionId": job.SessionID,
		"operation": job.Operation,
		"status":    job.Status,
		"createdAt": job.CreatedAt,
	}
	if job.Result != nil {
		payload["result"] = job.Result
	}
	if job.Error != "" {
		payload["error"] = job.Error
	}
	if job.StartedAt != nil {
		payload["startedAt"] = job.StartedAt
	}
	if job.FinishedAt != nil {
		payload["finishedAt"] = job.FinishedAt
	}
	return payload
}

func exportPayload(record store.ExportRecord) map[string]any {
	return map[string]any{
		"id":         record.ID,
		"sessionId":  record.SessionID,
		"format":     record.Format,
		"storageUrl": record.StorageURL,
		"createdAt":  record.CreatedAt,
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, origin string) {
	header.Set("Access-Control-Allow-Origin", origin)
	header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Share-Password")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, jobs.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
