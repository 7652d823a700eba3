package session

import "sync"

// chunkBuffer is a byte-bounded FIFO of opaque chunks. When pushing a chunk
// would exceed the byte cap, the oldest chunks are dropped first. Used to
// hold client audio and pending synthesis text while a provider connection
// is being re-established.
type chunkBuffer struct {
	mu       sync.Mutex
	maxBytes int
	chunks   [][]byte
	size     int
	dropped  int
}

func newChunkBuffer(maxBytes int) *chunkBuffer {
	return &chunkBuffer{maxBytes: maxBytes}
}

// Push appends chunk, evicting oldest entries as needed. It reports how many
// chunks were dropped to make room. A chunk larger than the cap is itself
// dropped.
func (b *chunkBuffer) Push(chunk []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(chunk) > b.maxBytes {
		b.dropped++
		return 1
	}

	dropped := 0
	for b.size+len(chunk) > b.maxBytes && len(b.chunks) > 0 {
		b.size -= len(b.chunks[0])
		b.chunks[0] = nil
		b.chunks = b.chunks[1:]
		dropped++
	}
	b.dropped += dropped

	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	b.chunks = append(b.chunks, cp)
	b.size += len(cp)
	return dropped
}

// Drain removes and returns all buffered chunks in FIFO order.
func (b *chunkBuffer) Drain() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.chunks
	b.chunks = nil
	b.size = 0
	return out
}

// Len returns the number of buffered chunks.
func (b *chunkBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// Size returns the total buffered bytes.
func (b *chunkBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Dropped returns the cumulative count of chunks evicted or rejected.
func (b *chunkBuffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
