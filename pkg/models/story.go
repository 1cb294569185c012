package models

import (
	"fmt"
	"time"
)

// MaxStoriesPerRun bounds a single STORIES_JSON ingestion (spec.md §3/§8:
// 20 accepted, 21 rejected).
const MaxStoriesPerRun = 20

// DefaultStoryMaxRetries is the retry budget given to every ingested story;
// a STORIES_JSON entry carries no retry budget of its own.
const DefaultStoryMaxRetries = 2

// StoryStatus is the lifecycle state of a Story. It mirrors StepStatus
// minus the "waiting" state — stories are only ever created already
// pending.
type StoryStatus string

const (
	StoryStatusPending  StoryStatus = "pending"
	StoryStatusClaiming StoryStatus = "claiming"
	StoryStatusRunning  StoryStatus = "running"
	StoryStatusDone     StoryStatus = "done"
	StoryStatusFailed   StoryStatus = "failed"
)

// Story is a self-contained work item ingested at runtime from a step's
// structured STORIES_JSON output, executed inside a single loop step.
type Story struct {
	ID                 string
	RunID               string
	StoryIndex          int
	StoryID             string
	Title               string
	Description         string
	AcceptanceCriteria  []string
	Status              StoryStatus
	Output              *string
	RetryCount          int
	MaxRetries          int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// StoryPayload is the wire shape of one entry in a STORIES_JSON array,
// before it is assigned a run and a story_index.
type StoryPayload struct {
	ID                 string   `json:"id"`
	Title               string   `json:"title"`
	Description         string   `json:"description"`
	AcceptanceCriteria  []string `json:"acceptanceCriteria"`
	AcceptanceCriteria_ []string `json:"acceptance_criteria"` // alias accepted on ingestion
}

// Criteria returns whichever of the two accepted JSON keys was populated.
func (p StoryPayload) Criteria() []string {
	if len(p.AcceptanceCriteria) > 0 {
		return p.AcceptanceCriteria
	}
	return p.AcceptanceCriteria_
}

// ValidateStoryPayloads enforces the STORIES_JSON ingestion rules from
// spec.md §3: non-empty id/title/description/acceptance criteria, unique
// ids within the payload, and a hard cap of MaxStoriesPerRun entries.
func ValidateStoryPayloads(payloads []StoryPayload) error {
	if len(payloads) == 0 {
		return fmt.Errorf("STORIES_JSON: empty story list")
	}
	if len(payloads) > MaxStoriesPerRun {
		return fmt.Errorf("STORIES_JSON: %d stories exceeds maximum of %d", len(payloads), MaxStoriesPerRun)
	}
	seen := make(map[string]bool, len(payloads))
	for i, p := range payloads {
		if p.ID == "" {
			return fmt.Errorf("STORIES_JSON: entry %d: missing id", i)
		}
		if p.Title == "" {
			return fmt.Errorf("STORIES_JSON: story %q: missing title", p.ID)
		}
		if p.Description == "" {
			return fmt.Errorf("STORIES_JSON: story %q: missing description", p.ID)
		}
		if len(p.Criteria()) == 0 {
			return fmt.Errorf("STORIES_JSON: story %q: empty acceptance criteria", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("STORIES_JSON: duplicate story id %q", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}
