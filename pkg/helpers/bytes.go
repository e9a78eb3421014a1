package helpers

// ReverseBytes returns a reversed copy of the byte slice.
// Bitcoin hashes are displayed byte-reversed relative to their wire encoding.
func ReverseBytes(b []byte) []byte {
	result := make([]byte, len(b))
	for i := 0; i < len(b); i++ {
		result[i] = b[len(b)-1-i]
	}
	return result
}

// Chunk splits a slice into consecutive sub-slices of at most size elements.
// The last chunk may be shorter. A size <= 0 yields a single chunk.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) <= size {
		if len(items) == 0 {
			return nil
		}
		return [][]T{items}
	}

	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
