package ble

// DefaultMaxWrite is the ATT payload available to a write without response
// on a link that never negotiated a larger MTU.
const DefaultMaxWrite = 20

// splitPayload splits p into pieces of at most limit bytes. Returns nil for an
// empty payload; limit <= 0 means no limit.
func splitPayload(p []byte, limit int) [][]byte {
	if len(p) == 0 {
		return nil
	}
	if limit <= 0 || len(p) <= limit {
		return [][]byte{p}
	}

	chunks := make([][]byte, 0, (len(p)+limit-1)/limit)
	for len(p) > 0 {
		n := min(limit, len(p))
		chunks = append(chunks, p[:n])
		p = p[n:]
	}
	return chunks
}
