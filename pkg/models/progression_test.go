package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelForXP(t *testing.T) {
	tests := []struct {
		xp       int64
		expected int
	}{
		{0, 1},
		{999, 1},
		{1000, 2},
		{2499, 3},
		{10_000, 11},
		{-5, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, LevelForXP(tt.xp), "xp=%d", tt.xp)
	}
}

func TestNextDifficulty(t *testing.T) {
	tests := []struct {
		name     string
		prev     AgentMetrics
		result   TestResult
		expected Difficulty
	}{
		{
			name:     "pass without streak keeps difficulty",
			prev:     AgentMetrics{ConsecutiveSuccesses: 1},
			result:   TestResult{Difficulty: DifficultyIntermediate, Passed: true},
			expected: DifficultyIntermediate,
		},
		{
			name:     "third consecutive pass steps up",
			prev:     AgentMetrics{ConsecutiveSuccesses: 2},
			result:   TestResult{Difficulty: DifficultyIntermediate, Passed: true},
			expected: DifficultyAdvanced,
		},
		{
			name:     "streak pass saturates at master",
			prev:     AgentMetrics{ConsecutiveSuccesses: 7},
			result:   TestResult{Difficulty: DifficultyMaster, Passed: true},
			expected: DifficultyMaster,
		},
		{
			name:     "first failure keeps difficulty",
			prev:     AgentMetrics{},
			result:   TestResult{Difficulty: DifficultyAdvanced, Passed: false},
			expected: DifficultyAdvanced,
		},
		{
			name:     "third consecutive failure steps down",
			prev:     AgentMetrics{ConsecutiveFailures: 2},
			result:   TestResult{Difficulty: DifficultyAdvanced, Passed: false},
			expected: DifficultyIntermediate,
		},
		{
			name:     "fourth failure keeps the already lowered difficulty",
			prev:     AgentMetrics{ConsecutiveFailures: 3},
			result:   TestResult{Difficulty: DifficultyIntermediate, Passed: false},
			expected: DifficultyIntermediate,
		},
		{
			name:     "sixth consecutive failure steps down again",
			prev:     AgentMetrics{ConsecutiveFailures: 5},
			result:   TestResult{Difficulty: DifficultyIntermediate, Passed: false},
			expected: DifficultyBasic,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NextDifficulty(&tt.prev, &tt.result))
		})
	}
}

func TestWindowTruncate(t *testing.T) {
	at := mustParse(t, "2026-08-24T13:45:30Z")
	assert.Equal(t, mustParse(t, "2026-08-24T13:00:00Z"), WindowHour.Truncate(at))
	assert.Equal(t, mustParse(t, "2026-08-24T00:00:00Z"), WindowDay.Truncate(at))
	assert.Equal(t, mustParse(t, "2026-08-01T00:00:00Z"), WindowMonth.Truncate(at))
}
