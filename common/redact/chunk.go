package redact

// tailWindow is twice the longest secret shape expected to straddle a chunk
// boundary.
const tailWindow = 200

// ChunkBuffer is the streaming face of the filter. It keeps a rolling tail
// of the most recent output bytes so secrets split across write boundaries
// are still caught; the tail is trimmed back to its fixed window after
// every append.
type ChunkBuffer struct {
	filter *Filter
	policy Policy
	tail   []byte
}

func NewChunkBuffer(filter *Filter, policy Policy) *ChunkBuffer {
	return &ChunkBuffer{
		filter: filter,
		policy: policy,
		tail:   make([]byte, 0, 2*tailWindow),
	}
}

// Scan appends chunk to the rolling window and returns the decision for the
// window ending at this chunk. Decision.Sanitized holds the safe form of
// the appended chunk alone: clean chunks pass through unchanged, matched
// spans are redacted, and a chunk that merely completes a secret begun in
// an earlier chunk collapses to the redaction placeholder.
func (b *ChunkBuffer) Scan(chunk string) Decision {
	b.tail = append(b.tail, chunk...)
	if excess := len(b.tail) - tailWindow; excess > 0 {
		copy(b.tail, b.tail[excess:])
		b.tail = b.tail[:tailWindow]
	}

	dec := b.filter.Inspect(string(b.tail), b.policy)
	if len(dec.Matches) == 0 {
		dec.Sanitized = chunk
		return dec
	}

	sanitized := b.filter.Redact(chunk)
	if dec.Blocked && sanitized == chunk {
		// The secret straddles the boundary: this chunk looks clean on its
		// own but its leading bytes complete a match in the window.
		sanitized = "[REDACTED:" + dec.Matches[0].PatternID + "]"
	}
	dec.Sanitized = sanitized

	// Drop the poisoned window so the same match is not re-reported against
	// every subsequent clean chunk.
	if dec.Blocked {
		b.tail = b.tail[:0]
	}
	return dec
}

// Reset clears the rolling window, e.g. between independent streams.
func (b *ChunkBuffer) Reset() {
	b.tail = b.tail[:0]
}
