package models

import "fmt"

// Difficulty is the totally ordered custody test difficulty:
// basic < intermediate < advanced < expert < master.
type Difficulty string

// Difficulty constants, in ascending order.
const (
	DifficultyBasic        Difficulty = "basic"
	DifficultyIntermediate Difficulty = "intermediate"
	DifficultyAdvanced     Difficulty = "advanced"
	DifficultyExpert       Difficulty = "expert"
	DifficultyMaster       Difficulty = "master"
)

var difficultyOrder = []Difficulty{
	DifficultyBasic,
	DifficultyIntermediate,
	DifficultyAdvanced,
	DifficultyExpert,
	DifficultyMaster,
}

// ParseDifficulty validates a raw string against the difficulty set.
func ParseDifficulty(s string) (Difficulty, error) {
	for _, d := range difficultyOrder {
		if Difficulty(s) == d {
			return d, nil
		}
	}
	return "", fmt.Errorf("unknown difficulty %q", s)
}

// rank returns the 0-based position in the order; unknown values rank as basic.
func (d Difficulty) rank() int {
	for i, v := range difficultyOrder {
		if d == v {
			return i
		}
	}
	return 0
}

// Increase moves the difficulty up n steps, saturating at master.
func Increase(d Difficulty, n int) Difficulty {
	r := d.rank() + n
	if r >= len(difficultyOrder) {
		r = len(difficultyOrder) - 1
	}
	if r < 0 {
		r = 0
	}
	return difficultyOrder[r]
}

// Decrease moves the difficulty down n steps, saturating at basic.
func Decrease(d Difficulty, n int) Difficulty {
	return Increase(d, -n)
}
