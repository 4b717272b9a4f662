// Package export renders session bundles and stores them as retrievable
// objects.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"blueprint/api/internal/store"
	"blueprint/api/internal/util"
)

const (
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
)

func ValidFormat(format string) bool {
	return format == FormatJSON || format == FormatMarkdown
}

// ObjectStore persists a rendered bundle and returns its retrieval URL.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

type Service struct {
	objects ObjectStore
}

func NewService(objects ObjectStore) *Service {
	return &Service{objects: objects}
}

// Export renders the session in the requested format and uploads it. The
// returned record carries the storage URL but is not yet persisted.
func (s *Service) Export(ctx context.Context, session store.Session, format string) (store.ExportRecord, error) {
	data, contentType, ext, err := render(session, format)
	if err != nil {
		return store.ExportRecord{}, err
	}

	record := store.ExportRecord{
		ID:        util.NewID("exp"),
		SessionID: session.ID,
		Format:    format,
	}

	key := fmt.Sprintf("exports/%s/%s.%s", session.ID, record.ID, ext)
	url, err := s.objects.Put(ctx, key, data, contentType)
	if err != nil {
		return store.ExportRecord{}, fmt.Errorf("store export: %w", err)
	}
	record.StorageURL = url
	return record, nil
}

func render(session store.Session, format string) (data []byte, contentType, ext string, err error) {
	switch format {
	case FormatJSON:
		data, err = renderJSON(session)
		return data, "application/json", "json", err
	case FormatMarkdown:
		data = renderMarkdown(session)
		return data, "text/markdown", "md", nil
	default:
		return nil, "", "", fmt.Errorf("unsupported export format %q", format)
	}
}

func renderJSON(session store.Session) ([]byte, error) {
	bundle := map[string]any{
		"id":               session.ID,
		"title":            session.Title,
		"problemStatement": session.ProblemStatement,
		"templateId":       session.TemplateID,
		"notes":            session.Notes,
		"document":         session.Document,
		"artifacts":        session.Artifacts,
		"revisions":        session.Revisions,
		"createdAt":        session.CreatedAt,
		"updatedAt":        session.UpdatedAt,
	}
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode export bundle: %w", err)
	}
	return data, nil
}

func renderMarkdown(session store.Session) []byte {
	var b strings.Builder
	title := session.Title
	if title == "" {
		title = "Untitled design session"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	if session.ProblemStatement != "" {
		fmt.Fprintf(&b, "## Problem statement\n\n%s\n\n", session.ProblemStatement)
	}
	if session.Notes != "" {
		fmt.Fprintf(&b, "## Notes\n\n%s\n\n", session.Notes)
	}

	b.WriteString("## Design document\n\n```json\n")
	b.Write(indentJSON(session.Document))
	b.WriteString("\n```\n")

	if len(session.Revisions) > 0 {
		b.WriteString("\n## Revisions\n\n")
		for _, rev := range session.Revisions {
			label := rev.Label
			if label == "" {
				label = "autosave"
			}
			fmt.Fprintf(&b, "- %s (%s)\n", label, rev.CreatedAt.Format("2006-01-02 15:04:05"))
		}
	}
	return []byte(b.String())
}

func indentJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return raw
	}
	pretty, err := json.MarshalIndent(parsed, "", "  ")
	if err != nil {
		return raw
	}
	return pretty
}
