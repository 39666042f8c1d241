package studio

import (
	"strings"
	"unicode"
)

// Storage caps and model token ceilings for prompts. The token estimate is a
// best-effort heuristic, not the provider's real tokenizer: CJK scripts sit
// near one token per character, Latin-derived text near 3/4 token per word.
const (
	maxPromptChars   = 5000
	maxNegativeChars = 2000

	maxPromptTokens   = 1500
	maxNegativeTokens = 500
)

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hangul, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r)
}

// EstimateTokens approximates the token count of mixed-script text. CJK runes
// count one token each; the remaining text counts words scaled by 4/3.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}

	cjk := 0
	var rest strings.Builder
	for _, r := range s {
		if isCJK(r) {
			cjk++
			rest.WriteByte(' ')
			continue
		}
		rest.WriteRune(r)
	}

	words := len(strings.Fields(rest.String()))
	return cjk + (words*4+2)/3
}

// truncateRunes caps s at n runes without splitting a multi-byte character.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
