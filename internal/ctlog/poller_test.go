package ctlog

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ct "github.com/google/certificate-transparency-go"
	"github.com/stretchr/testify/require"

	"github.com/bl4ck0w1/ctstream/pkg/models"
)

// mustBuildTestCert is the non-*testing.T sibling of decoder_test.go's
// buildLeafCert, needed because fake log fixtures are assembled outside
// any single test function.
func mustBuildTestCert(cn string) []byte {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		panic(err)
	}
	return der
}

// fakeLog serves get-sth/get-entries like a real CT log, backed by a
// preloaded set of raw leaf entries and a tree size that can grow between
// polls to simulate new entries arriving. Responses are encoded straight
// from the certificate-transparency-go wire types, the same ones
// client.LogClient decodes on the way in, so leaf_input/extra_data pick up
// the library's own base64 handling of []byte fields instead of a
// hand-rolled encoding step.
type fakeLog struct {
	mu       sync.Mutex
	treeSize int64
	entries  []ct.LeafEntry

	// growTo, when > 0, replaces treeSize from the second get-sth call on,
	// so the poller's seeding call sees the log before its entries arrive.
	growTo   int64
	sthCalls int

	getEntriesCalls int32
}

func newFakeLog(n int) *fakeLog {
	entries := make([]ct.LeafEntry, n)
	for i := 0; i < n; i++ {
		der := buildLeafCertDER(fmt.Sprintf("cert-%d.example.com", i))
		entries[i] = ct.LeafEntry{LeafInput: leafInputX509(der)}
	}
	return &fakeLog{treeSize: int64(n), entries: entries}
}

func (f *fakeLog) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ct/v1/get-sth", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.sthCalls++
		if f.growTo > 0 && f.sthCalls > 1 {
			f.treeSize = f.growTo
		}
		size := f.treeSize
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(ct.GetSTHResponse{
			TreeSize:          uint64(size),
			Timestamp:         uint64(time.Now().UnixMilli()),
			SHA256RootHash:    make([]byte, sha256.Size),
			TreeHeadSignature: []byte{4, 3, 0, 0}, // minimal valid TLS DigitallySigned: SHA256/ECDSA, zero-length signature
		})
	})
	mux.HandleFunc("/ct/v1/get-entries", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.getEntriesCalls, 1)
		var start, end int64
		fmt.Sscanf(r.URL.Query().Get("start"), "%d", &start)
		fmt.Sscanf(r.URL.Query().Get("end"), "%d", &end)

		f.mu.Lock()
		defer f.mu.Unlock()
		if end >= int64(len(f.entries)) {
			end = int64(len(f.entries)) - 1
		}
		var resp ct.GetEntriesResponse
		for i := start; i <= end && i >= 0; i++ {
			resp.Entries = append(resp.Entries, f.entries[i])
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func buildLeafCertDER(cn string) []byte {
	return mustBuildTestCert(cn)
}

func TestPoller_AdvancesByReturnedCountWhenFewerThanRequested(t *testing.T) {
	log := newFakeLog(5)
	// The poller seeds next_index from its first get-sth, so that call sees
	// an empty log; later calls report a tree of 100, of which the log can
	// return only its 5 entries.
	log.treeSize = 0
	log.growTo = 100
	srv := httptest.NewServer(log.handler())
	defer srv.Close()

	var records []*models.Record
	var mu sync.Mutex
	onRecord := func(r *models.Record) {
		mu.Lock()
		records = append(records, r)
		mu.Unlock()
	}

	p, err := NewPoller(models.LogDescriptor{URL: srv.URL}, NewDecoder(nil), onRecord, PollerConfig{
		PollInterval:   50 * time.Millisecond,
		BatchSize:      100, // request far more than the 5 available
		RequestTimeout: time.Second,
		RequestsPerSec: 1000,
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx)

	mu.Lock()
	got := len(records)
	mu.Unlock()

	require.Equal(t, 5, got, "all 5 available entries should have been decoded and emitted")
	require.Equal(t, uint64(5), p.NextIndex(), "next_index should advance by the count actually returned, not the count requested")
}

func TestPoller_NoOpWhenTreeSizeUnchanged(t *testing.T) {
	log := newFakeLog(3)
	srv := httptest.NewServer(log.handler())
	defer srv.Close()

	var calls int32
	onRecord := func(r *models.Record) { atomic.AddInt32(&calls, 1) }

	p, err := NewPoller(models.LogDescriptor{URL: srv.URL}, NewDecoder(nil), onRecord, PollerConfig{
		PollInterval:   10 * time.Millisecond,
		BatchSize:      10,
		RequestTimeout: time.Second,
		RequestsPerSec: 1000,
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx)

	// The initial STH seeds next_index to 3 (tree_size), so no entries are
	// ever new and no record should have been emitted.
	require.Equal(t, int32(0), atomic.LoadInt32(&calls))
	require.Equal(t, uint64(3), p.NextIndex())
}

func TestPoller_UndecodableEntryInBatchDoesNotBlockSiblings(t *testing.T) {
	log := newFakeLog(0)
	log.treeSize = 3
	log.entries = []ct.LeafEntry{
		{LeafInput: leafInputX509(buildLeafCertDER("good-0.example.com"))},
		{LeafInput: []byte{0, 0}}, // too short, undecodable
		{LeafInput: leafInputX509(buildLeafCertDER("good-2.example.com"))},
	}
	srv := httptest.NewServer(log.handler())
	defer srv.Close()

	var records []*models.Record
	var mu sync.Mutex
	onRecord := func(r *models.Record) {
		mu.Lock()
		records = append(records, r)
		mu.Unlock()
	}

	p, err := NewPoller(models.LogDescriptor{URL: srv.URL}, NewDecoder(nil), onRecord, PollerConfig{
		PollInterval:   50 * time.Millisecond,
		BatchSize:      10,
		RequestTimeout: time.Second,
		RequestsPerSec: 1000,
	}, nil)
	require.NoError(t, err)
	// Force the poller to treat the log as starting empty so this batch is
	// all "new".
	p.nextIndex = 0
	p.treeSize = 0

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	// Run would normally reseed nextIndex from the initial STH; bypass that
	// by invoking the per-cycle logic directly instead of the full loop.
	entries, err := p.fetchEntries(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, entries, 3, "the malformed entry must still count toward the batch the server reported")

	for i, raw := range entries {
		rec, decErr := p.decoder.Decode(raw, p.descriptor, uint64(i))
		if decErr != nil {
			continue
		}
		onRecord(rec)
	}

	require.Len(t, records, 2, "only the two well-formed entries should have been emitted")
}
