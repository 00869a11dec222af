package provider

import (
	"strings"
	"testing"
)

func TestComputeMaxTokens(t *testing.T) {
	tests := []struct {
		name                                   string
		configured, limit, estimated, buffer   int
		want                                   int
	}{
		{"room for full cap", 8192, 200000, 1000, 2048, 8192},
		{"clamped by context window", 8192, 10000, 7000, 1000, 2000},
		{"floored at 256", 8192, 10000, 9900, 1000, 256},
		{"no context limit disables clamp", 8192, 0, 999999, 2048, 8192},
		{"tiny configured cap still floored", 100, 200000, 10, 0, 256},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeMaxTokens(tt.configured, tt.limit, tt.estimated, tt.buffer)
			if got != tt.want {
				t.Errorf("ComputeMaxTokens(%d, %d, %d, %d) = %d, want %d",
					tt.configured, tt.limit, tt.estimated, tt.buffer, got, tt.want)
			}
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	msgs := []Message{{Role: "user", Content: strings.Repeat("a", 400)}}
	if got := EstimateTokens(msgs, nil); got != 100 {
		t.Errorf("EstimateTokens = %d, want 100", got)
	}
	// Rounds up.
	msgs[0].Content = strings.Repeat("a", 401)
	if got := EstimateTokens(msgs, nil); got != 101 {
		t.Errorf("EstimateTokens = %d, want 101", got)
	}
}

func TestCompactError(t *testing.T) {
	short := "connection refused"
	if got := CompactError(short, 800); got != short {
		t.Errorf("short error should be unchanged, got %q", got)
	}

	long := strings.Repeat("x", 500) + "ROOT CAUSE" + strings.Repeat("y", 500)
	got := CompactError(long, 800)
	if len(got) > 800 {
		t.Errorf("compacted error length %d exceeds budget", len(got))
	}
	if !strings.HasPrefix(got, "x") || !strings.HasSuffix(got, "y") {
		t.Errorf("expected head+tail preservation, got %q...%q", got[:10], got[len(got)-10:])
	}
	if !strings.Contains(got, " ... ") {
		t.Error("expected ellipsis marker in compacted error")
	}
}
