package relay

import "sync"

// sequenceTracker counts gaps in the multicast sequence stream. It keeps no
// reordering buffer: an out-of-order or duplicate datagram overwrites the
// tracking state, which can mask a real gap on the next in-order check. The
// gap metric is a cheap estimate, not an exact loss count.
type sequenceTracker struct {
	mut      sync.Mutex
	lastSeq  uint64
	gapCount uint64
}

// Observe records one sequence value and returns the number of gaps charged
// for it (0 when in order or uninitialized).
func (t *sequenceTracker) Observe(seq uint64) uint64 {
	t.mut.Lock()
	defer t.mut.Unlock()

	var gap uint64
	if t.lastSeq != 0 && seq != t.lastSeq+1 {
		if seq > t.lastSeq+1 {
			gap = seq - t.lastSeq - 1
		} else {
			gap = 1
		}
		t.gapCount += gap
	}
	t.lastSeq = seq
	return gap
}

func (t *sequenceTracker) Snapshot() (lastSeq uint64, gapCount uint64) {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.lastSeq, t.gapCount
}
