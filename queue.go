package hive

import "sort"

type queueEntry struct {
	id       string
	priority int
	seq      uint64
}

// taskQueue holds pending task ids ordered by descending priority, FIFO
// among equal priorities.
type taskQueue struct {
	entries []queueEntry
	index   map[string]struct{}
	seq     uint64
}

func newTaskQueue() *taskQueue {
	return &taskQueue{index: make(map[string]struct{})}
}

// push inserts id behind every entry of equal or higher priority. Pushing
// an id already queued is a no-op.
func (q *taskQueue) push(id string, priority int) bool {
	if _, ok := q.index[id]; ok {
		return false
	}
	q.seq++
	e := queueEntry{id: id, priority: priority, seq: q.seq}

	i := sort.Search(len(q.entries), func(i int) bool {
		return q.entries[i].priority < priority
	})
	q.entries = append(q.entries, queueEntry{})
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e
	q.index[id] = struct{}{}
	return true
}

func (q *taskQueue) remove(id string) bool {
	if _, ok := q.index[id]; !ok {
		return false
	}
	delete(q.index, id)
	for i, e := range q.entries {
		if e.id == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	return true
}

func (q *taskQueue) contains(id string) bool {
	_, ok := q.index[id]
	return ok
}

func (q *taskQueue) len() int {
	return len(q.entries)
}

// ids returns the queue order.
func (q *taskQueue) ids() []string {
	out := make([]string, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.id
	}
	return out
}
