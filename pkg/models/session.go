package models

import "time"

// SpawnedBy identifies which scheduling process launched an ActiveSession's
// worker.
type SpawnedBy string

const (
	SpawnedByDaemon SpawnedBy = "daemon"
	SpawnedByCron   SpawnedBy = "cron"
)

// StaleAfter is the age past which the Sweeper considers an ActiveSession
// abandoned and removes it (spec.md §3, §8 invariant 6).
const StaleAfter = 15 * time.Minute

// ActiveSession represents a worker believed to be running for a given
// agent/step, optionally scoped to one story of a loop step. StoryID is the
// empty string (never NULL) when the session is not story-scoped, per the
// composite-key, null-normalized design spec.md §9 calls for.
type ActiveSession struct {
	AgentID   string
	StepID    string
	StoryID   string // "" when not story-scoped
	RunID     string
	SpawnedAt time.Time
	SpawnedBy SpawnedBy
	SessionID string
}

// SessionKey identifies the composite primary key of a session row.
type SessionKey struct {
	AgentID string
	StepID  string
	StoryID string
}

// Key returns a's composite primary key.
func (a *ActiveSession) Key() SessionKey {
	return SessionKey{AgentID: a.AgentID, StepID: a.StepID, StoryID: a.StoryID}
}
