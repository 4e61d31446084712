package judging

import (
	"encoding/json"
	"fmt"
	"strings"
)

// maxResponseBytes bounds how much judge output is scanned.
const maxResponseBytes = 64 << 10

// Parsed is a verdict extracted from the judge's reply.
type Parsed struct {
	WinnerIndex int
	Rationale   string
	Scores      map[int]float64
}

// ParseResult is either OK with Parsed filled in, or carries the Reason the
// reply could not be used.
type ParseResult struct {
	OK     bool
	Parsed Parsed
	Reason string
}

func unparseable(format string, args ...any) ParseResult {
	return ParseResult{Reason: fmt.Sprintf(format, args...)}
}

type verdictJSON struct {
	WinnerIndex *int    `json:"winner_index"`
	Winner      *int    `json:"winner"`
	Ranking     []int   `json:"ranking"`
	Rationale   string  `json:"rationale"`
	Scores      []score `json:"scores"`
}

type score struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// ParseJudgeResponse pulls the first JSON object out of raw that names a
// winner among count submissions. The judge's text may wrap the object in
// prose or code fences. It never panics; anything unusable yields OK=false.
func ParseJudgeResponse(raw string, count int) ParseResult {
	if count <= 0 {
		return unparseable("no submissions to choose from")
	}
	if strings.TrimSpace(raw) == "" {
		return unparseable("empty response")
	}
	if len(raw) > maxResponseBytes {
		raw = raw[:maxResponseBytes]
	}

	lastReason := "no JSON object found"
	for start := strings.IndexByte(raw, '{'); start >= 0; {
		end := matchBrace(raw, start)
		if end < 0 {
			if lastReason == "no JSON object found" {
				lastReason = "unterminated JSON object"
			}
			break
		}
		parsed, reason := decodeVerdict(raw[start:end+1], count)
		if reason == "" {
			return ParseResult{OK: true, Parsed: parsed}
		}
		lastReason = reason
		next := strings.IndexByte(raw[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return unparseable("%s", lastReason)
}

// matchBrace returns the index of the brace closing the object opened at
// start, skipping braces inside JSON strings, or -1.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func decodeVerdict(fragment string, count int) (Parsed, string) {
	var v verdictJSON
	if err := json.Unmarshal([]byte(fragment), &v); err != nil {
		return Parsed{}, "invalid JSON: " + err.Error()
	}
	idx := -1
	switch {
	case v.WinnerIndex != nil:
		idx = *v.WinnerIndex
	case v.Winner != nil:
		idx = *v.Winner
	case len(v.Ranking) > 0:
		idx = v.Ranking[0]
	default:
		return Parsed{}, "object names no winner"
	}
	if idx < 0 || idx >= count {
		return Parsed{}, fmt.Sprintf("winner index %d out of range [0,%d)", idx, count)
	}
	p := Parsed{WinnerIndex: idx, Rationale: strings.TrimSpace(v.Rationale)}
	for _, s := range v.Scores {
		if s.Index < 0 || s.Index >= count {
			continue
		}
		if p.Scores == nil {
			p.Scores = make(map[int]float64, len(v.Scores))
		}
		p.Scores[s.Index] = s.Score
	}
	return p, ""
}
