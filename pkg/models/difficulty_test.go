package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncreaseSaturates(t *testing.T) {
	tests := []struct {
		name     string
		start    Difficulty
		steps    int
		expected Difficulty
	}{
		{"one step up", DifficultyBasic, 1, DifficultyIntermediate},
		{"to the top", DifficultyBasic, 4, DifficultyMaster},
		{"past the top", DifficultyExpert, 3, DifficultyMaster},
		{"zero steps", DifficultyAdvanced, 0, DifficultyAdvanced},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Increase(tt.start, tt.steps))
		})
	}
}

func TestDecreaseSaturates(t *testing.T) {
	tests := []struct {
		name     string
		start    Difficulty
		steps    int
		expected Difficulty
	}{
		{"one step down", DifficultyMaster, 1, DifficultyExpert},
		{"to the bottom", DifficultyMaster, 4, DifficultyBasic},
		{"past the bottom", DifficultyIntermediate, 3, DifficultyBasic},
		{"already at the bottom", DifficultyBasic, 1, DifficultyBasic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Decrease(tt.start, tt.steps))
		})
	}
}

func TestParseDifficulty(t *testing.T) {
	d, err := ParseDifficulty("advanced")
	require.NoError(t, err)
	assert.Equal(t, DifficultyAdvanced, d)

	_, err = ParseDifficulty("legendary")
	assert.Error(t, err)
}

func TestParseAgentType(t *testing.T) {
	for _, agent := range AllAgentTypes() {
		parsed, err := ParseAgentType(string(agent))
		require.NoError(t, err)
		assert.Equal(t, agent, parsed)
	}
	_, err := ParseAgentType("overlord")
	assert.Error(t, err)
}
