// Package core holds the conversation types the memory subsystem consumes
// from the agent's front-end.
package core

import "time"

// Turn is one completed user/assistant exchange handed to memory for
// consolidation.
type Turn struct {
	// SessionID groups turns whose consolidation must run in order.
	SessionID string `json:"session_id"`

	// User is what the user said.
	User string `json:"user"`

	// Assistant is the agent's reply.
	Assistant string `json:"assistant"`

	// Active lists the ids of memories that were injected into the prompt
	// for this turn. Retrieval uses them for the relation boost.
	Active []string `json:"active,omitempty"`

	// Source is the provenance tag stamped on records created from this turn.
	// Empty means "conversation".
	Source string `json:"source,omitempty"`

	At time.Time `json:"at"`
}

// Provenance returns the source tag for records created from the turn.
func (t Turn) Provenance() string {
	if t.Source == "" {
		return SourceConversation
	}
	return t.Source
}

// Well known provenance tags.
const (
	SourceConversation      = "conversation"
	SourceToolResult        = "tool_result"
	SourceScreenObservation = "screen_observation"
)
