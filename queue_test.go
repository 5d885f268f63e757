package hive

import "testing"

func TestTaskQueueOrder(t *testing.T) {
	tests := []struct {
		name string
		push []queueEntry
		want []string
	}{
		{
			name: "priority descending",
			push: []queueEntry{{id: "a", priority: 1}, {id: "b", priority: 5}, {id: "c", priority: 3}},
			want: []string{"b", "c", "a"},
		},
		{
			name: "fifo within priority",
			push: []queueEntry{{id: "a", priority: 2}, {id: "b", priority: 2}, {id: "c", priority: 2}},
			want: []string{"a", "b", "c"},
		},
		{
			name: "negative priorities",
			push: []queueEntry{{id: "a", priority: -1}, {id: "b", priority: 0}, {id: "c", priority: -1}},
			want: []string{"b", "a", "c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newTaskQueue()
			for _, e := range tt.push {
				if !q.push(e.id, e.priority) {
					t.Fatalf("push(%q) = false", e.id)
				}
			}
			if got := q.ids(); !equalStrings(got, tt.want) {
				t.Errorf("ids() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTaskQueueRemove(t *testing.T) {
	q := newTaskQueue()
	q.push("a", 1)
	q.push("b", 1)

	if q.push("a", 9) {
		t.Error("push of a queued id should be a no-op")
	}
	if !q.remove("a") {
		t.Error("remove(a) = false")
	}
	if q.remove("a") {
		t.Error("second remove(a) = true")
	}
	if q.contains("a") || !q.contains("b") {
		t.Errorf("contains: a=%v b=%v", q.contains("a"), q.contains("b"))
	}
	if q.len() != 1 {
		t.Errorf("len() = %d, want 1", q.len())
	}

	// A re-pushed id goes behind its equals.
	q.push("a", 1)
	if got := q.ids(); !equalStrings(got, []string{"b", "a"}) {
		t.Errorf("ids() = %v, want [b a]", got)
	}
}
