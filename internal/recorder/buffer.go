package recorder

import "sort"

// pendingBuffer holds out-of-order chunks keyed by sequence number until the
// contiguous run reaches them.
type pendingBuffer struct {
	chunks map[int64]pendingChunk
}

func newPendingBuffer() *pendingBuffer {
	return &pendingBuffer{chunks: make(map[int64]pendingChunk)}
}

// Put stores c, replacing any chunk with the same sequence number.
func (b *pendingBuffer) Put(c pendingChunk) {
	b.chunks[c.Sequence] = c
}

// Get returns the buffered chunk for seq.
func (b *pendingBuffer) Get(seq int64) (pendingChunk, bool) {
	c, ok := b.chunks[seq]
	return c, ok
}

// Pop removes and returns the chunk for seq if it is buffered.
func (b *pendingBuffer) Pop(seq int64) (pendingChunk, bool) {
	c, ok := b.chunks[seq]
	if ok {
		delete(b.chunks, seq)
	}
	return c, ok
}

func (b *pendingBuffer) Len() int { return len(b.chunks) }

// Sequences returns the buffered sequence numbers in ascending order.
func (b *pendingBuffer) Sequences() []int64 {
	seqs := make([]int64, 0, len(b.chunks))
	for seq := range b.chunks {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}

// ContiguousFrom returns how many chunks starting at next are buffered
// without a gap. A drain starting at next will process exactly that many
// before it has to wait.
func (b *pendingBuffer) ContiguousFrom(next int64) int {
	n := 0
	for {
		if _, ok := b.chunks[next+int64(n)]; !ok {
			return n
		}
		n++
	}
}
