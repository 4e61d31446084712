package judging

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJudgeResponse(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		count     int
		wantOK    bool
		wantIndex int
	}{
		{"bare object", `{"winner_index": 1, "rationale": "best"}`, 2, true, 1},
		{"wrapped in prose", "Sure! Here is my verdict:\n```json\n{\"winner_index\":0,\"rationale\":\"only one\"}\n```\nThanks.", 1, true, 0},
		{"ranking form", `{"ranking": [2, 0, 1], "rationale": "x"}`, 3, true, 2},
		{"winner alias", `{"winner": 1}`, 2, true, 1},
		{"braces inside strings", `{"rationale": "uses {curly} and \"quotes\" }", "winner_index": 1}`, 2, true, 1},
		{"skips non-verdict object", `context {"note": "hi"} then {"winner_index": 0}`, 1, true, 0},
		{"out of range", `{"winner_index": 5}`, 2, false, 0},
		{"negative", `{"winner_index": -1}`, 2, false, 0},
		{"no winner key", `{"rationale": "tie"}`, 2, false, 0},
		{"malformed", `{"winner_index": 1,,}`, 2, false, 0},
		{"unterminated", `{"winner_index": 1`, 2, false, 0},
		{"plain text", "I think the second one is best.", 2, false, 0},
		{"empty", "   ", 2, false, 0},
		{"wrong type", `{"winner_index": "one"}`, 2, false, 0},
		{"no submissions", `{"winner_index": 0}`, 0, false, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := ParseJudgeResponse(tc.raw, tc.count)
			assert.Equal(t, tc.wantOK, res.OK, "reason: %s", res.Reason)
			if tc.wantOK {
				assert.Equal(t, tc.wantIndex, res.Parsed.WinnerIndex)
			} else {
				assert.NotEmpty(t, res.Reason)
			}
		})
	}
}

func TestParseJudgeResponseScores(t *testing.T) {
	raw := `{"winner_index": 1, "rationale": " clear win ", "scores": [{"index": 0, "score": 3.5}, {"index": 1, "score": 9}, {"index": 7, "score": 1}]}`
	res := ParseJudgeResponse(raw, 2)
	require.True(t, res.OK)
	assert.Equal(t, "clear win", res.Parsed.Rationale)
	assert.Equal(t, map[int]float64{0: 3.5, 1: 9}, res.Parsed.Scores)
}

func TestParseJudgeResponseNeverPanics(t *testing.T) {
	inputs := []string{
		"{", "}", "{{{{", "}}}}{", `{"a":"\`, `"{"`, strings.Repeat("{", 10000),
		strings.Repeat(`{"x":`, 500) + "1" + strings.Repeat("}", 499),
		"\x00\xff{\"winner_index\":0}",
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() { ParseJudgeResponse(in, 3) })
	}
}
