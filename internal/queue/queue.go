// Package queue implements the ordered multiset of pending items. It stores
// only ids and numeric keys; payloads live in the item store.
package queue

import "container/heap"

// Key orders the queue: higher Priority wins, ties go to the lower
// (earlier) admission Sequence.
type Key struct {
	Priority int
	Sequence uint64
}

func (k Key) beats(o Key) bool {
	if k.Priority != o.Priority {
		return k.Priority > o.Priority
	}
	return k.Sequence < o.Sequence
}

type entry struct {
	id    string
	key   Key
	index int
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].key.beats(h[j].key) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Index is a max-ordered multiset over (priority, sequence) with O(log n)
// remove-by-id through a secondary position map. Not safe for concurrent
// use; callers serialize access.
type Index struct {
	heap entryHeap
	byID map[string]*entry
}

func New() *Index {
	return &Index{byID: make(map[string]*entry)}
}

func (q *Index) Len() int { return len(q.heap) }

func (q *Index) Contains(id string) bool {
	_, ok := q.byID[id]
	return ok
}

// Push inserts id under the given key. Pushing an id already present is a
// caller bug; the existing entry is re-keyed instead of duplicated.
func (q *Index) Push(id string, k Key) {
	if e, ok := q.byID[id]; ok {
		e.key = k
		heap.Fix(&q.heap, e.index)
		return
	}
	e := &entry{id: id, key: k}
	q.byID[id] = e
	heap.Push(&q.heap, e)
}

// Peek returns the current maximum without removing it.
func (q *Index) Peek() (string, Key, bool) {
	if len(q.heap) == 0 {
		return "", Key{}, false
	}
	e := q.heap[0]
	return e.id, e.key, true
}

// PopMax removes and returns the id with the strictly highest key.
func (q *Index) PopMax() (string, Key, bool) {
	if len(q.heap) == 0 {
		return "", Key{}, false
	}
	e := heap.Pop(&q.heap).(*entry)
	delete(q.byID, e.id)
	return e.id, e.key, true
}

// Remove deletes id from the queue if present.
func (q *Index) Remove(id string) bool {
	e, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, e.index)
	delete(q.byID, id)
	return true
}

// Update re-keys an existing entry, restoring heap order.
func (q *Index) Update(id string, k Key) bool {
	e, ok := q.byID[id]
	if !ok {
		return false
	}
	e.key = k
	heap.Fix(&q.heap, e.index)
	return true
}

// KeyOf reports the stored key for id.
func (q *Index) KeyOf(id string) (Key, bool) {
	e, ok := q.byID[id]
	if !ok {
		return Key{}, false
	}
	return e.key, true
}

// Each visits every queued (id, key) pair in unspecified order. Mutating the
// queue during iteration is not allowed; callers collect first, then apply.
func (q *Index) Each(fn func(id string, k Key) bool) {
	for _, e := range q.heap {
		if !fn(e.id, e.key) {
			return
		}
	}
}
