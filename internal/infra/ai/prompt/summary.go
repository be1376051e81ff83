package prompt

import "fmt"

// GetSystemPrompt returns the instruction used for questionnaire summaries.
func GetSystemPrompt() string {
	return "You summarize questionnaire responses for fulfillment operations staff. " +
		"Given the raw JSON answers, reply with 3-5 short plain-text sentences covering " +
		"who submitted, the key answers, and anything that needs follow-up. " +
		"No markdown, no JSON, no preamble."
}

// GetUserPrompt wraps the raw answers for the chat completion.
func GetUserPrompt(answers string) string {
	return fmt.Sprintf("Questionnaire answers:\n\n%s", answers)
}
