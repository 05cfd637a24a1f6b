// Package threads derives open conversational threads from a turn history.
// A thread opens when a user turn looks like a request and closes the first
// time a later turn resolves, acknowledges, or cancels it. The lifecycle is
// forward-only: closed threads never reopen.
package threads

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/engramhq/engram/types"
)

var (
	requestPattern = regexp.MustCompile(`(?i)\b(can you|could you|please|help me|how do i|what is|when is|where|why|should i|make|create|write|build|set|add|fix|debug)\b|\?`)

	resolvePattern = regexp.MustCompile(`(?i)\b(done|completed|created|here (you|it) (go|are)|generated|fixed|updated|answer(ed)?|explained|implemented|summary|code block|link:)\b`)

	ackPattern = regexp.MustCompile(`(?i)\b(thanks|thank you|got it|that works|that worked|perfect|sounds good|looks good)\b`)

	cancelPattern = regexp.MustCompile(`(?i)\b(never ?mind|forget (it|about it)|cancel (that|it)|don'?t (bother|worry about it)|no longer need)\b`)
)

// intent labels from the external classifier that open a thread. The label
// takes precedence over the regex heuristics when present.
var openingIntents = map[string]struct{}{
	"action":        {},
	"info":          {},
	"clarification": {},
}

// Config configures the tracker.
type Config struct {
	// StaleAfterTurns marks open threads stale at this age.
	StaleAfterTurns int
	// TitleMaxLen truncates derived titles; an ellipsis marks the cut.
	TitleMaxLen int
}

// DefaultConfig returns the design defaults.
func DefaultConfig() Config {
	return Config{StaleAfterTurns: 12, TitleMaxLen: 140}
}

// Tracker scans turn histories for unresolved user requests.
type Tracker struct {
	cfg Config
}

// NewTracker creates a tracker. Zero-valued config falls back to defaults.
func NewTracker(cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.StaleAfterTurns <= 0 {
		cfg.StaleAfterTurns = def.StaleAfterTurns
	}
	if cfg.TitleMaxLen <= 0 {
		cfg.TitleMaxLen = def.TitleMaxLen
	}
	return &Tracker{cfg: cfg}
}

// opens reports whether a user turn starts a thread. A non-empty intent
// label decides alone; the regex applies only to unlabeled turns.
func opens(turn types.Turn) bool {
	if turn.Role != types.RoleUser {
		return false
	}
	if label := turn.IntentLabel(); label != "" {
		_, ok := openingIntents[label]
		return ok
	}
	return requestPattern.MatchString(turn.Content)
}

// closes classifies a turn as a thread closer, returning the resolver or
// "" when the turn closes nothing. Cancellation is checked before
// acknowledgement so "never mind, thanks" cancels.
func closes(turn types.Turn) types.ResolvedBy {
	switch turn.Role {
	case types.RoleAssistant:
		if resolvePattern.MatchString(turn.Content) {
			return types.ResolvedByAssistant
		}
	case types.RoleUser:
		if cancelPattern.MatchString(turn.Content) {
			return types.ResolvedByUserCancel
		}
		if ackPattern.MatchString(turn.Content) {
			return types.ResolvedByUserAck
		}
	}
	return ""
}

// Scan walks the history and returns every detected thread, open and
// closed, ordered by opening turn.
func (t *Tracker) Scan(history []types.Turn) []types.OpenThread {
	threads := make([]types.OpenThread, 0)
	lastTurn := len(history) - 1

	for i, turn := range history {
		if !opens(turn) {
			continue
		}

		thread := types.OpenThread{
			ID:           fmt.Sprintf("thr-%d", i),
			OpenedAtTurn: i,
			Title:        t.title(turn.Content),
			Status:       types.ThreadOpen,
		}

		// First closing turn in order wins and fixes the resolver.
		for j := i + 1; j <= lastTurn; j++ {
			if by := closes(history[j]); by != "" {
				thread.Status = types.ThreadClosed
				thread.ResolvedAtTurn = j
				thread.ResolvedByWhom = by
				break
			}
		}

		if thread.Status == types.ThreadOpen {
			thread.SinceTurns = lastTurn - i
			thread.Stale = thread.SinceTurns >= t.cfg.StaleAfterTurns
		}
		threads = append(threads, thread)
	}
	return threads
}

// Open returns only the threads still open at the end of the history.
func (t *Tracker) Open(history []types.Turn) []types.OpenThread {
	all := t.Scan(history)
	open := make([]types.OpenThread, 0, len(all))
	for _, thread := range all {
		if thread.Status == types.ThreadOpen {
			open = append(open, thread)
		}
	}
	return open
}

// title derives a thread title from the opening message: its first
// sentence, truncated with an ellipsis when it runs long.
func (t *Tracker) title(content string) string {
	line := strings.TrimSpace(content)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	if idx := strings.IndexAny(line, ".!?"); idx >= 0 {
		line = line[:idx+1]
	}
	runes := []rune(line)
	if len(runes) > t.cfg.TitleMaxLen {
		line = string(runes[:t.cfg.TitleMaxLen]) + "…"
	}
	return line
}
