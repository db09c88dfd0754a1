package blackboard

import "testing"

// TestRoundScore tests conversion of round index to ZSET score and back
func TestRoundScore(t *testing.T) {
	testCases := []struct {
		name  string
		round int
	}{
		{"round 0", 0},
		{"round 1", 1},
		{"round 42", 42},
		{"round 10000", 10000},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			score := RoundScore(tc.round)
			if score != float64(tc.round) {
				t.Errorf("RoundScore(%d) = %f, expected %f", tc.round, score, float64(tc.round))
			}
			if got := RoundFromScore(score); got != tc.round {
				t.Errorf("RoundFromScore(%f) = %d, expected %d", score, got, tc.round)
			}
		})
	}
}
