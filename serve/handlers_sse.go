package serve

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// streamKeepAlive is how often an idle stream gets a comment line so
// proxies do not drop it.
const streamKeepAlive = 15 * time.Second

// streamFamilies are the topic namespaces published on the bus.
var streamFamilies = []string{
	"bulkhead:",
	"circuit:",
	"discovery:",
	"orchestrator:",
	"rate_limiter:",
	"retry:",
	"timeout:",
	"worker:",
}

// streamFilter selects the events one /api/stream client receives.
type streamFilter struct {
	prefix string

	// after is the last sequence number the client has seen; replay
	// is set when the client asked for history after it.
	after  uint64
	replay bool
}

// parseStreamFilter reads ?topic=, ?since= and the Last-Event-ID header.
// The header wins over since so a reconnecting EventSource resumes where
// it stopped.
func parseStreamFilter(r *http.Request) (streamFilter, error) {
	f := streamFilter{prefix: r.URL.Query().Get("topic")}
	if f.prefix != "" && !knownTopicPrefix(f.prefix) {
		return f, fmt.Errorf("unknown topic %q", f.prefix)
	}

	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("since")
	}
	if raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return f, fmt.Errorf("bad event id %q", raw)
		}
		f.after = after
		f.replay = true
	}
	return f, nil
}

func knownTopicPrefix(prefix string) bool {
	for _, fam := range streamFamilies {
		if strings.HasPrefix(fam, prefix) || strings.HasPrefix(prefix, fam) {
			return true
		}
	}
	return false
}

func (f streamFilter) match(ev BrokerEvent) bool {
	return ev.Seq > f.after && strings.HasPrefix(ev.Type, f.prefix)
}

// backlog returns the retained bus events the filter selects, in emission
// order.
func (s *Server) backlog(f streamFilter) []BrokerEvent {
	var out []BrokerEvent
	for _, topic := range s.bus.Topics() {
		if !strings.HasPrefix(topic, f.prefix) {
			continue
		}
		for _, ev := range s.bus.History(topic) {
			if bev := toBrokerEvent(ev); f.match(bev) {
				out = append(out, bev)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func writeStreamEvent(w io.Writer, ev BrokerEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	return err
}

// handleSSE streams bus events as Server-Sent Events. ?topic= keeps only
// topics with that prefix. A client sending Last-Event-ID (or ?since=)
// first receives the retained events after that sequence number.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "streaming unsupported"})
		return
	}
	f, err := parseStreamFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	// Subscribe before reading history so nothing falls between the two.
	ch := s.broker.Subscribe()
	if ch == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "too many stream subscribers"})
		return
	}
	defer s.broker.Unsubscribe(ch)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if f.replay {
		for _, ev := range s.backlog(f) {
			if err := writeStreamEvent(w, ev); err != nil {
				return
			}
			f.after = ev.Seq
		}
	} else {
		fmt.Fprint(w, ": stream open\n\n")
	}
	flusher.Flush()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			// Events already sent from the backlog are skipped. Live events
			// may arrive out of sequence, so after only moves during replay.
			if !f.match(ev) {
				continue
			}
			if err := writeStreamEvent(w, ev); err != nil {
				s.logger.Debug("serve: stream write failed", "topic", ev.Type, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}
