package llm

import "testing"

func TestShouldNudge(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"announced open", "Let me open main.py now.", true},
		{"announced list", "I'll list the directory to see what's there.", true},
		{"future tense", "I am going to run the tests next.", true},
		{"completion suppresses", "I'll summarize: the file was successfully created.", false},
		{"done suppresses", "Done. The refactor is finished.", false},
		{"plain answer", "The bug is in the retry loop: the counter never resets.", false},
		{"empty", "", false},
		{"own nudge text never matches", nudgeMessage, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldNudge(tt.text); got != tt.want {
				t.Errorf("shouldNudge(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}
