// Package publish fans a knowledge draft out to the downstream learning-topic,
// card and interview-prep stores. Each target is attempted independently so one
// failing store never blocks the others.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"blueprint/api/internal/draft"
	"blueprint/api/internal/store"
)

const (
	TargetLearningTopics = "learning_topics"
	TargetCards          = "cards"
	TargetInterviewPrep  = "interview_prep"
)

// Options selects the publish targets and carries per-target overrides.
type Options struct {
	CreateLearningTopics     bool     `json:"create_learning_topics"`
	CreateCards              bool     `json:"create_zettels"`
	CreateInterviewPrepItems bool     `json:"create_interview_prep_items"`
	LearningTopicID          *int64   `json:"learning_topic_id,omitempty"`
	InterviewPrepID          string   `json:"interview_prep_id,omitempty"`
	TopicTitle               string   `json:"topic_title,omitempty"`
	TopicTags                []string `json:"topic_tags,omitempty"`
	CardTags                 []string `json:"zettel_tags,omitempty"`
}

func (o Options) Any() bool {
	return o.CreateLearningTopics || o.CreateCards || o.CreateInterviewPrepItems
}

// TargetFailure records one downstream store that could not be written.
type TargetFailure struct {
	Target string `json:"target"`
	Error  string `json:"error"`
}

type TopicStore interface {
	CreateTopic(ctx context.Context, topic store.LearningTopic) (store.LearningTopic, error)
	GetTopic(ctx context.Context, id int64) (store.LearningTopic, error)
	CreateResource(ctx context.Context, resource store.LearningResource) (store.LearningResource, error)
}

type CardStore interface {
	CreateCard(ctx context.Context, card store.Card) (store.Card, error)
}

type PrepStore interface {
	SavePrep(ctx context.Context, prep store.InterviewPrep) (store.InterviewPrep, error)
}

type Orchestrator struct {
	topics TopicStore
	cards  CardStore
	preps  PrepStore
}

func NewOrchestrator(topics TopicStore, cards CardStore, preps PrepStore) *Orchestrator {
	return &Orchestrator{topics: topics, cards: cards, preps: preps}
}

// Run publishes the draft to every selected target and returns the artifact
// delta plus the list of targets that failed. PublishedAt is stamped only when
// at least one downstream write succeeded.
func (o *Orchestrator) Run(ctx context.Context, sessionID string, d draft.KnowledgeDraft, opts Options) (store.Artifacts, []TargetFailure) {
	var delta store.Artifacts
	var failures []TargetFailure

	if opts.CreateLearningTopics {
		topicIDs, resourceIDs, err := o.publishTopics(ctx, d, opts)
		delta.LearningTopicIDs = topicIDs
		delta.LearningResourceIDs = resourceIDs
		if err != nil {
			failures = append(failures, TargetFailure{Target: TargetLearningTopics, Error: err.Error()})
		}
	}

	if opts.CreateCards {
		cardIDs, err := o.publishCards(ctx, sessionID, d, opts)
		delta.CardIDs = cardIDs
		if err != nil {
			failures = append(failures, TargetFailure{Target: TargetCards, Error: err.Error()})
		}
	}

	if opts.CreateInterviewPrepItems {
		prepID, err := o.publishPrep(ctx, sessionID, d, opts)
		delta.InterviewPrepID = prepID
		if err != nil {
			failures = append(failures, TargetFailure{Target: TargetInterviewPrep, Error: err.Error()})
		}
	}

	if !delta.Empty() {
		now := time.Now().UTC()
		delta.PublishedAt = &now
	}
	return delta, failures
}

// publishTopics creates or reuses learning topics and attaches a resource per
// matching card. IDs created before an error are still returned so the caller
// records partial progress.
func (o *Orchestrator) publishTopics(ctx context.Context, d draft.KnowledgeDraft, opts Options) ([]int64, []int64, error) {
	var topicIDs, resourceIDs []int64

	if opts.LearningTopicID != nil {
		topic, err := o.topics.GetTopic(ctx, *opts.LearningTopicID)
		if err != nil {
			return nil, nil, fmt.Errorf("lookup topic %d: %w", *opts.LearningTopicID, err)
		}
		topicIDs = append(topicIDs, topic.ID)
		ids, err := o.attachResources(ctx, topic, d.Cards)
		resourceIDs = append(resourceIDs, ids...)
		return topicIDs, resourceIDs, err
	}

	topics := d.Topics
	if len(topics) == 0 && opts.TopicTitle != "" {
		topics = []draft.Topic{{Title: opts.TopicTitle, Tags: opts.TopicTags}}
	}
	for _, t := range topics {
		title := t.Title
		if opts.TopicTitle != "" && len(topics) == 1 {
			title = opts.TopicTitle
		}
		created, err := o.topics.CreateTopic(ctx, store.LearningTopic{
			Title:       title,
			Description: t.Description,
			Tags:        mergeTags(t.Tags, opts.TopicTags),
		})
		if err != nil {
			return topicIDs, resourceIDs, fmt.Errorf("create topic %q: %w", title, err)
		}
		topicIDs = append(topicIDs, created.ID)

		ids, err := o.attachResources(ctx, created, cardsForTopic(d.Cards, t.Title))
		resourceIDs = append(resourceIDs, ids...)
		if err != nil {
			return topicIDs, resourceIDs, err
		}
	}
	return topicIDs, resourceIDs, nil
}

func (o *Orchestrator) attachResources(ctx context.Context, topic store.LearningTopic, cards []draft.Card) ([]int64, error) {
	var ids []int64
	for _, c := range cards {
		created, err := o.topics.CreateResource(ctx, store.LearningResource{
			TopicID: topic.ID,
			Title:   c.Title,
			Content: c.Content,
			Tags:    c.Tags,
		})
		if err != nil {
			return ids, fmt.Errorf("create resource %q: %w", c.Title, err)
		}
		ids = append(ids, created.ID)
	}
	return ids, nil
}

func (o *Orchestrator) publishCards(ctx context.Context, sessionID string, d draft.KnowledgeDraft, opts Options) ([]string, error) {
	var ids []string
	for _, c := range d.Cards {
		created, err := o.cards.CreateCard(ctx, store.Card{
			Title:     c.Title,
			Summary:   c.Summary,
			Content:   c.Content,
			Topic:     c.Topic,
			Tags:      mergeTags(c.Tags, opts.CardTags),
			SessionID: sessionID,
		})
		if err != nil {
			return ids, fmt.Errorf("create card %q: %w", c.Title, err)
		}
		ids = append(ids, created.ID)
	}
	return ids, nil
}

func (o *Orchestrator) publishPrep(ctx context.Context, sessionID string, d draft.KnowledgeDraft, opts Options) (string, error) {
	payload, err := json.Marshal(d.InterviewPrep)
	if err != nil {
		return "", fmt.Errorf("encode interview prep: %w", err)
	}
	saved, err := o.preps.SavePrep(ctx, store.InterviewPrep{
		ID:        opts.InterviewPrepID,
		SessionID: sessionID,
		Payload:   payload,
	})
	if err != nil {
		return "", fmt.Errorf("save interview prep: %w", err)
	}
	return saved.ID, nil
}

// cardsForTopic matches cards to a topic by title, falling back to all cards
// when none name a topic at all.
func cardsForTopic(cards []draft.Card, topicTitle string) []draft.Card {
	var matched []draft.Card
	anyNamed := false
	for _, c := range cards {
		if c.Topic != "" {
			anyNamed = true
		}
		if strings.EqualFold(c.Topic, topicTitle) {
			matched = append(matched, c)
		}
	}
	if !anyNamed {
		return cards
	}
	return matched
}

func mergeTags(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	var merged []string
	for _, t := range append(append([]string{}, base...), extra...) {
		key := strings.ToLower(strings.TrimSpace(t))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, t)
	}
	return merged
}
