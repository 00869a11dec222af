package llm

import "strings"

// nudgeMessage is synthesized as a user message when the model narrates a
// tool action instead of performing it.
const nudgeMessage = "Do not describe the action. Execute the tool call you just announced, then continue until the task is complete."

// intentPhrases mark a reply that announces an action. Matching is
// case-insensitive substring; the list is deliberately small — false
// negatives cost one extra user prompt, false positives burn a model call.
var intentPhrases = []string{
	"i'll ",
	"i will ",
	"let me ",
	"i'm going to ",
	"i am going to ",
	"going to run",
	"going to open",
	"next i'll",
	"now i'll",
}

// completionPhrases suppress the nudge: the model is reporting an outcome,
// not announcing future work.
var completionPhrases = []string{
	"successfully",
	"done",
	"completed",
	"complete.",
	"created",
	"finished",
	"fixed",
	"all set",
	"no further",
	"is now",
}

// shouldNudge reports whether an assistant reply with no tool calls looks
// like narration of an unexecuted action.
func shouldNudge(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, phrase := range completionPhrases {
		if strings.Contains(lower, phrase) {
			return false
		}
	}
	for _, phrase := range intentPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
