package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Role represents the role of a conversation participant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// TurnMetadata carries optional per-turn annotations. Intent is produced by
// an external classifier and is advisory; engram never writes it.
type TurnMetadata struct {
	Channel string `json:"channel,omitempty"`
	Event   string `json:"event,omitempty"`
	Intent  string `json:"intent,omitempty"`
	Lang    string `json:"lang,omitempty"`
}

// Turn is one message in a conversation. Turns are immutable once appended
// to a thread's log; the store rejects (not errors on) re-submission of the
// same ID.
type Turn struct {
	ID         string        `json:"id,omitempty"`
	Role       Role          `json:"role"`
	Content    string        `json:"content,omitempty"`
	Name       string        `json:"name,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Timestamp  time.Time     `json:"ts,omitempty"`
	Metadata   *TurnMetadata `json:"metadata,omitempty"`
}

// ComputeTurnID derives a deterministic content-addressed ID so that the
// same logical message submitted twice (retries, archive replays, multiple
// workers) dedupes to a single log entry. The timestamp is deliberately
// excluded: two submissions of the same content are the same turn.
func ComputeTurnID(t Turn) string {
	h := sha256.New()
	h.Write([]byte(string(t.Role)))
	h.Write([]byte{'|'})
	h.Write([]byte(t.Content))
	h.Write([]byte{'|'})
	h.Write([]byte(t.Name))
	h.Write([]byte{'|'})
	h.Write([]byte(t.ToolCallID))
	return hex.EncodeToString(h.Sum(nil))
}

// NewTurn creates a turn with the given role and content, stamped now.
func NewTurn(role Role, content string) Turn {
	t := Turn{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
	t.ID = ComputeTurnID(t)
	return t
}

// NewUserTurn creates a new user turn.
func NewUserTurn(content string) Turn {
	return NewTurn(RoleUser, content)
}

// NewAssistantTurn creates a new assistant turn.
func NewAssistantTurn(content string) Turn {
	return NewTurn(RoleAssistant, content)
}

// NewSystemTurn creates a new system turn.
func NewSystemTurn(content string) Turn {
	return NewTurn(RoleSystem, content)
}

// WithMetadata attaches metadata to the turn.
func (t Turn) WithMetadata(md *TurnMetadata) Turn {
	t.Metadata = md
	return t
}

// IntentLabel returns the external classifier label, or "" when absent.
func (t Turn) IntentLabel() string {
	if t.Metadata == nil {
		return ""
	}
	return t.Metadata.Intent
}
