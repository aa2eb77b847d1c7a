package status

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{Disconnected, "disconnected"},
		{Connecting, "connecting"},
		{Connected, "connected"},
		{State(99), "unknown(99)"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func TestState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from     State
		to       State
		expected bool
	}{
		{Disconnected, Connecting, true},
		{Disconnected, Connected, false},
		{Disconnected, Disconnected, false},
		{Connecting, Connected, true},
		{Connecting, Disconnected, true},
		{Connecting, Connecting, false},
		{Connected, Disconnected, true},
		{Connected, Connecting, false},
		{Connected, Connected, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestState_IsActive(t *testing.T) {
	assert.False(t, Disconnected.IsActive())
	assert.False(t, Connecting.IsActive())
	assert.True(t, Connected.IsActive())
}

func TestState_JSON(t *testing.T) {
	data, err := json.Marshal(map[string]State{"state": Connecting})
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"connecting"}`, string(data))

	var decoded map[string]State
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, Connecting, decoded["state"])

	var s State
	assert.Error(t, s.UnmarshalText([]byte("bogus")))
}

func TestTransitionError(t *testing.T) {
	err := NewTransitionError(Connected, Connecting, "abc", "")
	assert.Equal(t, "invalid state transition for session abc: connected -> connecting", err.Error())

	err = NewTransitionError(Disconnected, Connected, "abc", "not started")
	assert.Contains(t, err.Error(), "not started")
}
