package stm

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/engramhq/engram/types"
)

var (
	debugPattern = regexp.MustCompile(`(?i)\bdebug\b`)
	stepPattern  = regexp.MustCompile(`(?i)\bstep\s*(\d+)\b`)
	tersePattern = regexp.MustCompile(`(?i)\b(terse|concise|short)\b`)
	taskPattern  = regexp.MustCompile(`(?i)(?:fix(?:ing)?|working on)\s+(.{5,60}?)\.?$`)
)

// ParseSessionSlots derives a slots patch from raw user text with cheap
// heuristics: debug mode, a step number, a terse-style preference, and the
// current task phrase. Empty findings are omitted, so the merge touches
// only what the message actually signals.
func ParseSessionSlots(message string) types.Slots {
	slots := types.Slots{}

	if debugPattern.MatchString(message) {
		slots["mode"] = "debug"
	}
	if m := stepPattern.FindStringSubmatch(message); m != nil {
		if step, err := strconv.Atoi(m[1]); err == nil {
			slots["step"] = step
		}
	}
	if tersePattern.MatchString(message) {
		slots["temp_prefs"] = map[string]any{"style": "terse"}
	}
	if m := taskPattern.FindStringSubmatch(message); m != nil {
		slots["task"] = strings.TrimSpace(m[1])
	}
	return slots
}
