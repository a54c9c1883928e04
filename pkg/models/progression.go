package models

// NextDifficulty computes the difficulty to persist after a test result.
// The result carries the adjusted difficulty the test was administered at
// (streak decreases are already applied to it).
//
// On pass, the difficulty steps up once the success streak reaches 3.
// On fail, every third consecutive failure steps it down one further.
func NextDifficulty(prev *AgentMetrics, result *TestResult) Difficulty {
	if result.Passed {
		if prev.ConsecutiveSuccesses+1 >= 3 {
			return Increase(result.Difficulty, 1)
		}
		return result.Difficulty
	}
	failures := prev.ConsecutiveFailures + 1
	if failures >= 3 && failures%3 == 0 {
		return Decrease(result.Difficulty, 1)
	}
	return result.Difficulty
}
