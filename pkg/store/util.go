package store

// ChunkRange invokes fn over [start, end) slices of size chunkSize covering
// total. Bulk writes go through this so one oversized batch cannot hold a
// transaction open across the whole dataset.
func ChunkRange(total, chunkSize int, fn func(start, end int) error) error {
	if total <= 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = total
	}
	for start := 0; start < total; start += chunkSize {
		end := min(start+chunkSize, total)
		if err := fn(start, end); err != nil {
			return err
		}
	}
	return nil
}
