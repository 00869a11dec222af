package store

import (
	"testing"
	"time"
)

func TestTaskMemorySaveAndRecall(t *testing.T) {
	c := openTestCache(t, time.Hour)

	entries := []TaskMemory{
		{ID: "a", Timestamp: time.Unix(100, 0), Description: "refactor the parser", FilesChanged: []string{"parser.go"}},
		{ID: "b", Timestamp: time.Unix(200, 0), Description: "fix retry loop", NextSteps: "add jitter"},
	}
	for _, e := range entries {
		if err := c.SaveTaskMemory(e); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, err := c.RecentTaskMemories(10)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	// Newest first.
	if got[0].ID != "b" || got[1].ID != "a" {
		t.Fatalf("wrong order: %s, %s", got[0].ID, got[1].ID)
	}
	if got[1].FilesChanged[0] != "parser.go" {
		t.Fatalf("files_changed lost: %+v", got[1])
	}
}

func TestTaskMemorySearch(t *testing.T) {
	c := openTestCache(t, time.Hour)

	seed := []TaskMemory{
		{ID: "a", Timestamp: time.Unix(100, 0), Description: "refactor the JSON parser", Context: "streaming decoder"},
		{ID: "b", Timestamp: time.Unix(200, 0), Description: "fix retry loop", Decisions: "exponential backoff"},
	}
	for _, e := range seed {
		if err := c.SaveTaskMemory(e); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, err := c.SearchTaskMemories("parser streaming", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("expected entry a, got %+v", got)
	}

	got, err = c.SearchTaskMemories("nonexistent topic", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no matches, got %d", len(got))
	}
}
