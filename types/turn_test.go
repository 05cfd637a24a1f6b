package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeTurnID_Deterministic(t *testing.T) {
	t.Parallel()

	a := Turn{Role: RoleUser, Content: "hello", Timestamp: time.Now()}
	b := Turn{Role: RoleUser, Content: "hello", Timestamp: time.Now().Add(time.Hour)}

	// Same role+content yields the same ID regardless of timestamp.
	assert.Equal(t, ComputeTurnID(a), ComputeTurnID(b))
}

func TestComputeTurnID_DistinguishesFields(t *testing.T) {
	t.Parallel()

	base := Turn{Role: RoleUser, Content: "hello"}
	byRole := Turn{Role: RoleAssistant, Content: "hello"}
	byName := Turn{Role: RoleUser, Content: "hello", Name: "alice"}
	byTool := Turn{Role: RoleUser, Content: "hello", ToolCallID: "call_1"}

	ids := map[string]bool{
		ComputeTurnID(base):   true,
		ComputeTurnID(byRole): true,
		ComputeTurnID(byName): true,
		ComputeTurnID(byTool): true,
	}
	assert.Len(t, ids, 4)
}

func TestNewTurn_SetsID(t *testing.T) {
	t.Parallel()

	turn := NewUserTurn("hi there")
	require.NotEmpty(t, turn.ID)
	assert.Equal(t, ComputeTurnID(turn), turn.ID)
	assert.False(t, turn.Timestamp.IsZero())
}

func TestTurn_IntentLabel(t *testing.T) {
	t.Parallel()

	turn := NewUserTurn("do the thing")
	assert.Equal(t, "", turn.IntentLabel())

	turn = turn.WithMetadata(&TurnMetadata{Intent: "action"})
	assert.Equal(t, "action", turn.IntentLabel())
}
