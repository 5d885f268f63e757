package main

import (
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/everydev1618/hive"
	"github.com/everydev1618/hive/serve"
)

func TestAgo(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		then time.Time
		want string
	}{
		{time.Time{}, "-"},
		{now.Add(-500 * time.Millisecond), "just now"},
		{now.Add(-42 * time.Second), "42s ago"},
		{now.Add(-5 * time.Minute), "5m ago"},
		{now.Add(-3 * time.Hour), "3h ago"},
		{now.Add(-49 * time.Hour), "2d ago"},
	}

	for _, tt := range tests {
		if got := ago(now, tt.then); got != tt.want {
			t.Errorf("ago(%v) = %q, want %q", now.Sub(tt.then), got, tt.want)
		}
	}
}

func TestRenderTableAlignsColumns(t *testing.T) {
	out := renderTable([]string{"ID", "STATUS"}, [][]string{
		{"short", "pending"},
		{"a-much-longer-id", "completed"},
	})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3:\n%s", len(lines), out)
	}

	col := strings.Index(lines[2], "completed")
	for i, l := range lines[:2] {
		want := "STATUS"
		if i == 1 {
			want = "pending"
		}
		if got := strings.Index(l, want); got != col {
			t.Errorf("line %d: %q at column %d, want %d", i, want, got, col)
		}
	}
	if w := lipgloss.Width(lines[0]); w != lipgloss.Width(lines[2]) {
		t.Errorf("header width %d != row width %d", w, lipgloss.Width(lines[2]))
	}
}

func TestRenderTasksNewestFirst(t *testing.T) {
	now := time.Now()
	out := renderTasks([]hive.Task{
		{ID: "old", Status: hive.StatusCompleted, CreatedAt: now.Add(-time.Hour)},
		{ID: "new", Status: hive.StatusPending, CreatedAt: now.Add(-time.Minute)},
	}, now)

	if strings.Index(out, "new") > strings.Index(out, "old") {
		t.Errorf("newest task not first:\n%s", out)
	}
	if !strings.Contains(out, "1h ago") {
		t.Errorf("missing age column:\n%s", out)
	}
	if got := renderTasks(nil, now); !strings.Contains(got, "No tasks.") {
		t.Errorf("empty render = %q", got)
	}
}

func TestRenderTaskDetail(t *testing.T) {
	res := hive.NumberResult(42)
	out := renderTaskDetail(hive.Task{
		ID:       "t1",
		Status:   hive.StatusCompleted,
		Kind:     "sum",
		Params:   map[string]string{"b": "2", "a": "1"},
		Result:   &res,
		Attempts: 1,
	})

	for _, want := range []string{"t1", "sum", "42", "param.a", "param.b"} {
		if !strings.Contains(out, want) {
			t.Errorf("detail missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "param.a") > strings.Index(out, "param.b") {
		t.Errorf("params not sorted:\n%s", out)
	}
	if strings.Contains(out, "error:") {
		t.Errorf("empty error field rendered:\n%s", out)
	}
}

func TestFormatEvent(t *testing.T) {
	ev := serve.StreamEvent{
		Type:      hive.TopicTaskCompleted,
		Seq:       7,
		Timestamp: time.Now(),
		Data:      []byte(`{"task_id":"t1"}`),
	}
	got := formatEvent(ev)
	for _, want := range []string{"#7", hive.TopicTaskCompleted, `"task_id":"t1"`} {
		if !strings.Contains(got, want) {
			t.Errorf("formatEvent() = %q, missing %q", got, want)
		}
	}
}
