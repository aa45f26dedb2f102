package detector

import (
	"container/heap"
	"time"
)

// schedule is a due-time priority queue over monitored pairs. One entry per
// pair; the earliest due entry sits at the root.
type schedule struct {
	entries entryHeap
	known   map[string]bool
}

type scheduleEntry struct {
	pairID string
	due    time.Time
	index  int
}

func newSchedule() *schedule {
	return &schedule{known: make(map[string]bool)}
}

func (s *schedule) contains(pairID string) bool {
	return s.known[pairID]
}

func (s *schedule) push(e *scheduleEntry) {
	s.known[e.pairID] = true
	heap.Push(&s.entries, e)
}

func (s *schedule) peek() (*scheduleEntry, bool) {
	if len(s.entries) == 0 {
		return nil, false
	}
	return s.entries[0], true
}

func (s *schedule) pop() *scheduleEntry {
	e := heap.Pop(&s.entries).(*scheduleEntry)
	delete(s.known, e.pairID)
	return e
}

type entryHeap []*scheduleEntry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*scheduleEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
