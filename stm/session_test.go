package stm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSessionSlots(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  string
		want map[string]any
	}{
		{
			name: "debug mode",
			msg:  "turn on debug please",
			want: map[string]any{"mode": "debug"},
		},
		{
			name: "step number",
			msg:  "let's go back to step 4",
			want: map[string]any{"step": 4},
		},
		{
			name: "terse preference",
			msg:  "keep answers short from now on",
			want: map[string]any{"temp_prefs": map[string]any{"style": "terse"}},
		},
		{
			name: "task phrase",
			msg:  "I'm working on the billing migration.",
			want: map[string]any{"task": "the billing migration"},
		},
		{
			name: "fixing variant",
			msg:  "currently fixing the flaky auth test",
			want: map[string]any{"task": "the flaky auth test"},
		},
		{
			name: "combined signals",
			msg:  "debug step 2, keep it concise",
			want: map[string]any{
				"mode":       "debug",
				"step":       2,
				"temp_prefs": map[string]any{"style": "terse"},
			},
		},
		{
			name: "nothing to extract",
			msg:  "hello there",
			want: map[string]any{},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, map[string]any(ParseSessionSlots(tt.msg)))
		})
	}
}

func TestParseSessionSlots_ShortTaskIgnored(t *testing.T) {
	t.Parallel()

	// The task phrase needs at least five characters after the verb.
	slots := ParseSessionSlots("fix it")
	_, ok := slots["task"]
	assert.False(t, ok)
}
