package ai

// EstimateTokens approximates a token count: ASCII runes weigh ~4 per token, everything
// else (CJK, Cyrillic, emoji, ...) ~1 per token.
func EstimateTokens(text string) int {
	weight := 0
	for _, r := range text {
		if r <= 127 {
			weight++
		} else {
			weight += 4
		}
	}
	return (weight + 3) / 4
}

func EstimatePromptTokens(messages []Message) int {
	n := 0
	for _, m := range messages {
		n += EstimateTokens(m.Content)
	}
	return n
}
