package scheduler

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/ble-orchestratord/internal/request"
)

// priorityQueue holds the serial lane's pending requests in three
// insertion-ordered buckets, one per request.Priority. An
// orderedmap.OrderedMap per bucket gives "ties broken by insertion
// order" (§4.4, invariant 3) a data structure instead of a sort: Oldest()
// always returns the longest-waiting request at a given priority.
type priorityQueue struct {
	buckets [3]*orderedmap.OrderedMap[string, *request.Request]
}

func newPriorityQueue() *priorityQueue {
	return &priorityQueue{buckets: [3]*orderedmap.OrderedMap[string, *request.Request]{
		orderedmap.New[string, *request.Request](),
		orderedmap.New[string, *request.Request](),
		orderedmap.New[string, *request.Request](),
	}}
}

func (q *priorityQueue) push(r *request.Request) {
	q.buckets[r.Priority].Set(r.ID, r)
}

// pop returns the highest-priority, oldest-enqueued request, or nil if
// every bucket is empty. HIGH (0) is drained before NORMAL (1) before
// LOW (2), matching §4.4 invariant 2.
func (q *priorityQueue) pop() *request.Request {
	for _, bucket := range q.buckets {
		if pair := bucket.Oldest(); pair != nil {
			bucket.Delete(pair.Key)
			return pair.Value
		}
	}
	return nil
}

func (q *priorityQueue) len() int {
	n := 0
	for _, bucket := range q.buckets {
		n += bucket.Len()
	}
	return n
}

// remove drops id from the bucket of the given priority, used when a
// request is cancelled before dispatch. Returns true if it was present.
func (q *priorityQueue) remove(id string, priority request.Priority) bool {
	_, ok := q.buckets[priority].Delete(id)
	return ok
}
