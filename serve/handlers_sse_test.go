package serve

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/everydev1618/hive"
)

func TestStreamRejectsBadFilters(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	tests := []struct {
		name string
		path string
		want string
	}{
		{"unknown topic", "/api/stream?topic=payments", "unknown topic"},
		{"bad since", "/api/stream?since=latest", "bad event id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := call(t, h, "GET", tt.path, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.want) {
				t.Errorf("body = %s, want %q", rec.Body, tt.want)
			}
		})
	}
	if n := s.broker.Len(); n != 0 {
		t.Errorf("rejected streams left %d subscribers", n)
	}
}

func TestKnownTopicPrefix(t *testing.T) {
	tests := []struct {
		prefix string
		want   bool
	}{
		{"orchestrator:task", true},
		{"orchestrator:task:submitted", true},
		{"circ", true},
		{"worker:", true},
		{"rate_limiter:queued", true},
		{"payments", false},
		{"task", false},
	}
	for _, tt := range tests {
		if got := knownTopicPrefix(tt.prefix); got != tt.want {
			t.Errorf("knownTopicPrefix(%q) = %v, want %v", tt.prefix, got, tt.want)
		}
	}
}

func TestWriteStreamEvent(t *testing.T) {
	var buf bytes.Buffer
	ev := BrokerEvent{
		Type:      hive.TopicTaskCanceled,
		Seq:       42,
		Timestamp: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		Data:      hive.TaskCanceled{TaskID: "t1"},
	}
	if err := writeStreamEvent(&buf, ev); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(buf.String(), "\n")
	if len(lines) != 5 || lines[0] != "id: 42" || lines[1] != "event: orchestrator:task:canceled" {
		t.Fatalf("frame = %q", buf.String())
	}
	if !strings.HasPrefix(lines[2], "data: {") || !strings.Contains(lines[2], `"seq":42`) {
		t.Errorf("data line = %q", lines[2])
	}
	if lines[3] != "" || lines[4] != "" {
		t.Errorf("frame must end with a blank line, got %q", buf.String())
	}
}

func TestStreamResumesAfterEventID(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	c := NewClient(ts.URL, nil)
	orch := s.Orchestrator()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"t1", "t2"} {
		if _, err := orch.SubmitTask(ctx, hive.TaskSpec{ID: id}); err != nil {
			t.Fatalf("SubmitTask(%s) error = %v", id, err)
		}
	}
	seen := s.Bus().History(hive.TopicTaskSubmitted)[0].Seq

	var (
		mu  sync.Mutex
		got []StreamEvent
	)
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(got)
	}
	streamDone := make(chan error, 1)
	go func() {
		streamDone <- c.StreamSince(ctx, hive.TopicTaskSubmitted, seen, func(ev StreamEvent) {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		})
	}()

	waitFor(t, "replayed event", func() bool { return count() >= 1 })
	if _, err := orch.SubmitTask(ctx, hive.TaskSpec{ID: "t3"}); err != nil {
		t.Fatalf("SubmitTask(t3) error = %v", err)
	}
	waitFor(t, "live event", func() bool { return count() >= 2 })

	mu.Lock()
	for i, want := range []string{`"t2"`, `"t3"`} {
		if !strings.Contains(string(got[i].Data), want) {
			t.Errorf("event %d data = %s, want task %s", i, got[i].Data, want)
		}
	}
	for _, ev := range got {
		if ev.Seq <= seen {
			t.Errorf("event seq %d was at or before Last-Event-ID %d", ev.Seq, seen)
		}
	}
	if len(got) != 2 {
		t.Errorf("events = %d, want 2", len(got))
	}
	mu.Unlock()

	cancel()
	if err := <-streamDone; err != nil {
		t.Errorf("StreamSince() error = %v", err)
	}
}
