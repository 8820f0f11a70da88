package ptyengine

// outputRing retains the most recent PTY output chunks up to a byte cap,
// keyed by their sequence numbers so a reattaching client can replay the
// tail from any sequence it remembers.
type outputRing struct {
	capacity int
	size     int
	chunks   []ringChunk
}

type ringChunk struct {
	seq  uint64
	data []byte
}

func newOutputRing(capacity int) *outputRing {
	return &outputRing{capacity: capacity}
}

// append stores one chunk and evicts the oldest chunks beyond capacity.
// A single chunk larger than the whole ring replaces everything.
func (r *outputRing) append(seq uint64, data []byte) {
	owned := make([]byte, len(data))
	copy(owned, data)
	r.chunks = append(r.chunks, ringChunk{seq: seq, data: owned})
	r.size += len(owned)
	for r.size > r.capacity && len(r.chunks) > 1 {
		r.size -= len(r.chunks[0].data)
		r.chunks[0].data = nil
		r.chunks = r.chunks[1:]
	}
	if r.size > r.capacity && len(r.chunks) == 1 {
		over := r.size - r.capacity
		r.chunks[0].data = r.chunks[0].data[over:]
		r.size = r.capacity
	}
}

// tailFrom returns all retained chunks with seq >= fromSeq, oldest first.
func (r *outputRing) tailFrom(fromSeq uint64) []ringChunk {
	idx := len(r.chunks)
	for i, c := range r.chunks {
		if c.seq >= fromSeq {
			idx = i
			break
		}
	}
	out := make([]ringChunk, len(r.chunks)-idx)
	copy(out, r.chunks[idx:])
	return out
}

// lastSeq returns the newest retained sequence number, or 0 when empty.
func (r *outputRing) lastSeq() uint64 {
	if len(r.chunks) == 0 {
		return 0
	}
	return r.chunks[len(r.chunks)-1].seq
}
