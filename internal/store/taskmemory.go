package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TaskMemory is one entry of the append-only task-memory log: a structured
// note the agent leaves for future sessions about what it did and what
// remains.
type TaskMemory struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Description  string    `json:"description"`
	Progress     string    `json:"progress,omitempty"`
	Decisions    string    `json:"decisions,omitempty"`
	Context      string    `json:"context,omitempty"`
	FilesChanged []string  `json:"files_changed,omitempty"`
	NextSteps    string    `json:"next_steps,omitempty"`
}

// SaveTaskMemory appends an entry to the log.
func (c *Cache) SaveTaskMemory(m TaskMemory) error {
	if c == nil {
		return fmt.Errorf("no store available")
	}
	files, err := json.Marshal(m.FilesChanged)
	if err != nil {
		return fmt.Errorf("marshal files_changed: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.db.Exec(
		`INSERT INTO task_memory (id, created, description, progress, decisions, context, files_changed, next_steps)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Timestamp.Unix(), m.Description, m.Progress, m.Decisions, m.Context, string(files), m.NextSteps,
	)
	if err != nil {
		return fmt.Errorf("save task memory: %w", err)
	}
	return nil
}

// RecentTaskMemories returns the latest limit entries, newest first.
func (c *Cache) RecentTaskMemories(limit int) ([]TaskMemory, error) {
	if c == nil {
		return nil, fmt.Errorf("no store available")
	}
	if limit <= 0 {
		limit = 10
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	rows, err := c.db.Query(
		`SELECT id, created, description, progress, decisions, context, files_changed, next_steps
		 FROM task_memory ORDER BY created DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query task memory: %w", err)
	}
	defer rows.Close()
	return scanTaskMemories(rows)
}

// SearchTaskMemories returns entries whose description, context, or
// decisions contain every word of the query, newest first.
func (c *Cache) SearchTaskMemories(query string, limit int) ([]TaskMemory, error) {
	if c == nil {
		return nil, fmt.Errorf("no store available")
	}
	if limit <= 0 {
		limit = 10
	}
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return c.RecentTaskMemories(limit)
	}

	var conds []string
	var params []interface{}
	for _, w := range words {
		conds = append(conds, "(instr(lower(description), ?) > 0 OR instr(lower(context), ?) > 0 OR instr(lower(decisions), ?) > 0)")
		params = append(params, w, w, w)
	}
	params = append(params, limit)

	c.mu.Lock()
	defer c.mu.Unlock()
	rows, err := c.db.Query(
		`SELECT id, created, description, progress, decisions, context, files_changed, next_steps
		 FROM task_memory WHERE `+strings.Join(conds, " AND ")+`
		 ORDER BY created DESC, id DESC LIMIT ?`, params...)
	if err != nil {
		return nil, fmt.Errorf("search task memory: %w", err)
	}
	defer rows.Close()
	return scanTaskMemories(rows)
}

type rowScanner interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTaskMemories(rows rowScanner) ([]TaskMemory, error) {
	var out []TaskMemory
	for rows.Next() {
		var m TaskMemory
		var created int64
		var files string
		if err := rows.Scan(&m.ID, &created, &m.Description, &m.Progress, &m.Decisions, &m.Context, &files, &m.NextSteps); err != nil {
			return nil, fmt.Errorf("scan task memory: %w", err)
		}
		m.Timestamp = time.Unix(created, 0)
		if err := json.Unmarshal([]byte(files), &m.FilesChanged); err != nil {
			m.FilesChanged = nil
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
