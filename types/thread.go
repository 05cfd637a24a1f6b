package types

// ThreadStatus is the lifecycle state of an open thread. The state machine
// is forward-only: open threads close, closed threads never reopen.
type ThreadStatus string

const (
	ThreadOpen   ThreadStatus = "open"
	ThreadClosed ThreadStatus = "closed"
)

// ResolvedBy records which side of the conversation closed a thread.
type ResolvedBy string

const (
	ResolvedByAssistant  ResolvedBy = "assistant"
	ResolvedByUserAck    ResolvedBy = "user_ack"
	ResolvedByUserCancel ResolvedBy = "user_cancel"
)

// OpenThread is a user request awaiting resolution, derived from a turn
// scan. ResolvedAtTurn and ResolvedByWhom are set only on closed threads;
// SinceTurns and Stale are reported only on open ones.
type OpenThread struct {
	ID             string       `json:"id"`
	OpenedAtTurn   int          `json:"opened_at_turn"`
	Title          string       `json:"title"`
	Status         ThreadStatus `json:"status"`
	ResolvedAtTurn int          `json:"resolved_at_turn,omitempty"`
	ResolvedByWhom ResolvedBy   `json:"resolved_by,omitempty"`
	MissingSlots   []string     `json:"missing_slots,omitempty"`
	SinceTurns     int          `json:"since_turns,omitempty"`
	Stale          bool         `json:"stale,omitempty"`
}
