package store

import (
	"encoding/json"
	"time"
)

// Session is the central design-session record. Document always holds the most
// recent revision's snapshot; AppendRevision is the only write path that changes it.
type Session struct {
	ID                string
	ShareID           string
	Title             string
	ProblemStatement  string
	TemplateID        string
	Notes             string
	Document          json.RawMessage
	Artifacts         Artifacts
	Revisions         []Revision
	SharePasswordHash string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Revision is one committed document snapshot. Rows are append-only.
type Revision struct {
	ID        string          `json:"id"`
	SessionID string          `json:"-"`
	Label     string          `json:"label,omitempty"`
	Document  json.RawMessage `json:"document"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Artifacts accumulates identifiers written to downstream stores by publish.
// Lists are sets keyed by identifier and only ever grow.
type Artifacts struct {
	LearningTopicIDs    []int64    `json:"learning_topic_ids"`
	LearningResourceIDs []int64    `json:"learning_resource_ids"`
	CardIDs             []string   `json:"card_ids"`
	InterviewPrepID     string     `json:"interview_prep_id,omitempty"`
	PublishedAt         *time.Time `json:"published_at,omitempty"`
}

// Merge unions delta into a, treating each id list as a set. Re-applying the
// same delta is a no-op. InterviewPrepID and PublishedAt are only ever set,
// never cleared.
func (a Artifacts) Merge(delta Artifacts) Artifacts {
	merged := Artifacts{
		LearningTopicIDs:    mergeInt64Set(a.LearningTopicIDs, delta.LearningTopicIDs),
		LearningResourceIDs: mergeInt64Set(a.LearningResourceIDs, delta.LearningResourceIDs),
		CardIDs:             mergeStringSet(a.CardIDs, delta.CardIDs),
		InterviewPrepID:     a.InterviewPrepID,
		PublishedAt:         a.PublishedAt,
	}
	if merged.InterviewPrepID == "" {
		merged.InterviewPrepID = delta.InterviewPrepID
	}
	if delta.PublishedAt != nil {
		merged.PublishedAt = delta.PublishedAt
	}
	return merged
}

// Empty reports whether the delta carries no identifiers at all.
func (a Artifacts) Empty() bool {
	return len(a.LearningTopicIDs) == 0 &&
		len(a.LearningResourceIDs) == 0 &&
		len(a.CardIDs) == 0 &&
		a.InterviewPrepID == ""
}

func mergeInt64Set(existing, delta []int64) []int64 {
	seen := make(map[int64]struct{}, len(existing))
	merged := make([]int64, 0, len(existing)+len(delta))
	for _, id := range existing {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, id)
	}
	for _, id := range delta {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, id)
	}
	return merged
}

func mergeStringSet(existing, delta []string) []string {
	seen := make(map[string]struct{}, len(existing))
	merged := make([]string, 0, len(existing)+len(delta))
	for _, id := range existing {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, id)
	}
	for _, id := range delta {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, id)
	}
	return merged
}

// SessionPatch carries partial field updates. Nil means "leave unchanged".
type SessionPatch struct {
	Title            *string
	ProblemStatement *string
}

// ExportRecord is one stored export of a session bundle.
type ExportRecord struct {
	ID         string
	SessionID  string
	Format     string
	StorageURL string
	CreatedAt  time.Time
}

// LearningTopic is a downstream learning-topic row created by publish.
type LearningTopic struct {
	ID          int64
	Title       string
	Description string
	Tags        []string
	CreatedAt   time.Time
}

// LearningResource is a downstream resource row attached to a learning topic.
type LearningResource struct {
	ID        int64
	TopicID   int64
	Title     string
	Content   string
	Tags      []string
	CreatedAt time.Time
}

// Card is a downstream knowledge-card row created by publish.
type Card struct {
	ID        string
	Title     string
	Summary   string
	Content   string
	Topic     string
	Tags      []string
	SessionID string
	CreatedAt time.Time
}

// InterviewPrep is a downstream interview-prep record created by publish.
type InterviewPrep struct {
	ID        string
	SessionID string
	Payload   json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}
