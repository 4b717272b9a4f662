// Package draft holds the typed shape of a knowledge draft derived from a
// design session, as consumed by the publish orchestrator.
package draft

import (
	"encoding/json"
	"fmt"
)

type Topic struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

type Card struct {
	Title   string   `json:"title"`
	Summary string   `json:"summary"`
	Content string   `json:"content"`
	Topic   string   `json:"topic"`
	Tags    []string `json:"tags"`
}

type InterviewPrep struct {
	Summary           string   `json:"summary"`
	TalkingPoints     []string `json:"talking_points"`
	FollowUpQuestions []string `json:"follow_up_questions"`
}

type KnowledgeDraft struct {
	Topics        []Topic       `json:"topics"`
	Cards         []Card        `json:"cards"`
	InterviewPrep InterviewPrep `json:"interview_prep"`
	Notes         []string      `json:"notes"`
}

// Empty reports whether the draft carries nothing publishable.
func (d KnowledgeDraft) Empty() bool {
	return len(d.Topics) == 0 && len(d.Cards) == 0 && d.InterviewPrep.Summary == ""
}

func Decode(raw json.RawMessage) (KnowledgeDraft, error) {
	var d KnowledgeDraft
	if err := json.Unmarshal(raw, &d); err != nil {
		return KnowledgeDraft{}, fmt.Errorf("decode knowledge draft: %w", err)
	}
	return d, nil
}
