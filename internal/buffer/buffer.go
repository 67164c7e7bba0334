package buffer

import (
	"sync"
	"time"

	"github.com/bl4ck0w1/ctstream/pkg/models"
)

// Buffer is a sliding window of the most recently published records,
// bounded at a fixed capacity, with an accumulating processed-count and
// throughput statistics. Every operation is serialized by a single mutex
// and every returned slice is a value copy independent of the buffer's
// internal storage.
type Buffer struct {
	mu sync.Mutex

	capacity int
	records  []*models.Record // ring, oldest at index 0

	totalProcessed uint64
	startedAt      time.Time
}

func New(capacity int) *Buffer {
	return &Buffer{
		capacity:  capacity,
		records:   make([]*models.Record, 0, capacity),
		startedAt: time.Now(),
	}
}

// Add appends r, discarding the oldest record if the buffer is at
// capacity, and increments total_processed.
func (b *Buffer) Add(r *models.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.records = append(b.records, r)
	if len(b.records) > b.capacity {
		b.records = b.records[len(b.records)-b.capacity:]
	}
	b.totalProcessed++
}

// Latest returns up to k records, newest first. k <= 0 means "all".
func (b *Buffer) Latest(k int) []*models.Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.records)
	if k > 0 && k < n {
		n = k
	}

	out := make([]*models.Record, n)
	for i := 0; i < n; i++ {
		out[i] = b.records[len(b.records)-1-i]
	}
	return out
}

// Example returns the most recently added record, or nil if the buffer is
// empty.
func (b *Buffer) Example() *models.Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) == 0 {
		return nil
	}
	return b.records[len(b.records)-1]
}

func (b *Buffer) Stats() models.BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	uptime := time.Since(b.startedAt).Seconds()
	var rate float64
	if uptime > 0 {
		rate = float64(b.totalProcessed) / uptime
	}

	return models.BufferStats{
		BufferSize:     len(b.records),
		BufferCapacity: b.capacity,
		TotalProcessed: b.totalProcessed,
		UptimeSeconds:  uptime,
		RatePerSecond:  rate,
		StartedAt:      float64(b.startedAt.Unix()),
	}
}
