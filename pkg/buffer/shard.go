package buffer

import (
	"sync"

	"github.com/nicktill/tinyanalytics/pkg/event"
)

// record is a queued event tagged with its global enqueue order
type record struct {
	seq   uint64
	event event.Event
}

// shard is a FIFO deque guarded by its own lock. Sequence numbers are taken
// under the lock, so each shard is ordered by seq.
type shard struct {
	mu    sync.Mutex
	items []record
	head  int
}

func (s *shard) len() int {
	return len(s.items) - s.head
}

func (s *shard) push(r record) {
	s.items = append(s.items, r)
}

// peek returns the oldest record. Caller holds mu and checks len first.
func (s *shard) peek() record {
	return s.items[s.head]
}

func (s *shard) pop() record {
	r := s.items[s.head]
	s.items[s.head] = record{}
	s.head++

	// Reclaim the consumed prefix once it dominates the slice
	if s.head == len(s.items) {
		s.items = s.items[:0]
		s.head = 0
	} else if s.head > 64 && s.head*2 > len(s.items) {
		n := copy(s.items, s.items[s.head:])
		clear(s.items[n:])
		s.items = s.items[:n]
		s.head = 0
	}
	return r
}

// lockAll locks every shard in index order
func lockAll(shards []*shard) {
	for _, s := range shards {
		s.mu.Lock()
	}
}

func unlockAll(shards []*shard) {
	for _, s := range shards {
		s.mu.Unlock()
	}
}

// oldest returns the shard whose head has the smallest seq, or nil if every
// shard is empty. Caller holds all shard locks.
func oldest(shards []*shard) *shard {
	var best *shard
	for _, s := range shards {
		if s.len() == 0 {
			continue
		}
		if best == nil || s.peek().seq < best.peek().seq {
			best = s
		}
	}
	return best
}
