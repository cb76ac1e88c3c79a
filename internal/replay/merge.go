package replay

import (
	"container/heap"
	"iter"

	"github.com/route-beacon/rib-replay/internal/record"
)

// head is the next pending record of one collector stream.
type head struct {
	u      *record.Update
	stream int
	seq    uint64
}

// mergeQueue orders heads by timestamp, then collector registration order,
// then position within the stream.
type mergeQueue []head

func (q mergeQueue) Len() int { return len(q) }

func (q mergeQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if !a.u.Timestamp.Equal(b.u.Timestamp) {
		return a.u.Timestamp.Before(b.u.Timestamp)
	}
	if a.stream != b.stream {
		return a.stream < b.stream
	}
	return a.seq < b.seq
}

func (q mergeQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *mergeQueue) Push(x any) { *q = append(*q, x.(head)) }

func (q *mergeQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

type stream struct {
	collector string
	next      func() (*record.Update, error, bool)
	stop      func()
	seq       uint64
	done      bool
}

// merger performs a k-way merge over lazily pulled collector streams.
// Each stream holds at most one record in the queue.
type merger struct {
	queue   mergeQueue
	streams []*stream
}

func newMerger() *merger {
	return &merger{}
}

// add registers a stream; its index is its tie-break rank.
func (m *merger) add(collector string, seq iter.Seq2[*record.Update, error]) {
	next, stop := iter.Pull2(seq)
	m.streams = append(m.streams, &stream{collector: collector, next: next, stop: stop})
}

// advance pulls the next record of stream i into the queue.
func (m *merger) advance(i int) error {
	s := m.streams[i]
	if s.done {
		return nil
	}
	u, err, ok := s.next()
	if !ok {
		s.done = true
		s.stop()
		return nil
	}
	if err != nil {
		m.stop(i)
		return &StreamError{Collector: s.collector, Err: err}
	}
	s.seq++
	heap.Push(&m.queue, head{u: u, stream: i, seq: s.seq})
	return nil
}

// start primes every stream.
func (m *merger) start() error {
	heap.Init(&m.queue)
	for i := range m.streams {
		if err := m.advance(i); err != nil {
			return err
		}
	}
	return nil
}

// pop returns the smallest pending record and the index of its stream. The
// caller decides whether to advance or stop that stream.
func (m *merger) pop() (*record.Update, int, bool) {
	if m.queue.Len() == 0 {
		return nil, 0, false
	}
	h := heap.Pop(&m.queue).(head)
	return h.u, h.stream, true
}

func (m *merger) stop(i int) {
	s := m.streams[i]
	if !s.done {
		s.done = true
		s.stop()
	}
}

func (m *merger) close() {
	for i := range m.streams {
		m.stop(i)
	}
}
