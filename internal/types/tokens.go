package types

// EstimateTokens approximates the token count of a text as len/4. Good
// enough for budget accounting; no tokenizer dependency.
func EstimateTokens(text string) int {
	return len(text) / 4
}
