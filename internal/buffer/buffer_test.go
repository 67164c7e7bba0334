package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bl4ck0w1/ctstream/pkg/models"
)

func rec(idx uint64) *models.Record {
	return &models.Record{CertIndex: idx}
}

func TestBuffer_EvictsOldestAtCapacity(t *testing.T) {
	b := New(3)
	for i := uint64(0); i < 5; i++ {
		b.Add(rec(i))
	}

	latest := b.Latest(0)
	require.Len(t, latest, 3)
	assert.Equal(t, uint64(4), latest[0].CertIndex, "newest first")
	assert.Equal(t, uint64(3), latest[1].CertIndex)
	assert.Equal(t, uint64(2), latest[2].CertIndex)
}

func TestBuffer_LatestRespectsK(t *testing.T) {
	b := New(10)
	for i := uint64(0); i < 5; i++ {
		b.Add(rec(i))
	}

	latest := b.Latest(2)
	require.Len(t, latest, 2)
	assert.Equal(t, uint64(4), latest[0].CertIndex)
	assert.Equal(t, uint64(3), latest[1].CertIndex)
}

func TestBuffer_LatestZeroOrNegativeMeansAll(t *testing.T) {
	b := New(10)
	for i := uint64(0); i < 4; i++ {
		b.Add(rec(i))
	}
	assert.Len(t, b.Latest(0), 4)
	assert.Len(t, b.Latest(-1), 4)
}

func TestBuffer_ExampleEmptyIsNil(t *testing.T) {
	b := New(5)
	assert.Nil(t, b.Example())

	b.Add(rec(1))
	b.Add(rec(2))
	require.NotNil(t, b.Example())
	assert.Equal(t, uint64(2), b.Example().CertIndex)
}

func TestBuffer_StatsTracksTotalProcessedBeyondCapacity(t *testing.T) {
	b := New(2)
	for i := uint64(0); i < 10; i++ {
		b.Add(rec(i))
	}

	stats := b.Stats()
	assert.Equal(t, 2, stats.BufferSize)
	assert.Equal(t, 2, stats.BufferCapacity)
	assert.Equal(t, uint64(10), stats.TotalProcessed)
}

func TestBuffer_LatestReturnsIndependentCopy(t *testing.T) {
	b := New(5)
	b.Add(rec(1))

	out := b.Latest(0)
	out[0] = rec(999)

	assert.Equal(t, uint64(1), b.Example().CertIndex, "mutating the returned slice must not affect buffer state")
}

func TestBuffer_ConcurrentAddIsRaceFree(t *testing.T) {
	b := New(50)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n uint64) {
			defer wg.Done()
			b.Add(rec(n))
		}(uint64(i))
	}
	wg.Wait()

	stats := b.Stats()
	assert.Equal(t, uint64(100), stats.TotalProcessed)
	assert.Equal(t, 50, stats.BufferSize)
}
