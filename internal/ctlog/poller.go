package ctlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/certificate-transparency-go/client"
	"github.com/google/certificate-transparency-go/jsonclient"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/bl4ck0w1/ctstream/pkg/models"
	"github.com/bl4ck0w1/ctstream/pkg/utils"
)

// BrokerCallback is how a decoded record crosses from a poller into the
// fan-out broker. It must not block for long: the poller's throughput is
// gated on how quickly this returns.
type BrokerCallback func(*models.Record)

// Poller is the per-log polling state machine described for LogPoller: it
// owns next_index and tree_size exclusively and is the sole writer of
// both. Wire access is delegated entirely to client.LogClient, the same
// certificate-transparency-go type the teacher's Fetcher keeps one of per
// log.
type Poller struct {
	descriptor models.LogDescriptor
	decoder    *Decoder
	onRecord   BrokerCallback
	client     *client.LogClient
	limiter    *rate.Limiter
	log        *logrus.Entry

	pollInterval time.Duration
	batchSize    int64

	nextIndex uint64
	treeSize  uint64
	running   bool
}

// PollerConfig carries the tunables a Poller needs, mirroring the process
// configuration constants.
type PollerConfig struct {
	PollInterval   time.Duration
	BatchSize      int64
	RequestTimeout time.Duration
	RequestsPerSec float64
}

func NewPoller(descriptor models.LogDescriptor, decoder *Decoder, onRecord BrokerCallback, cfg PollerConfig, log *logrus.Entry) (*Poller, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}

	lc, err := client.New(descriptor.URL, utils.NewHTTPClient(cfg.RequestTimeout), jsonclient.Options{
		UserAgent: "ctstream/1.0 CT Poller",
	})
	if err != nil {
		return nil, fmt.Errorf("creating CT log client for %s: %w", descriptor.URL, err)
	}

	return &Poller{
		descriptor: descriptor,
		decoder:    decoder,
		onRecord:   onRecord,
		client:     lc,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1),
		log:        log.WithField("log_url", descriptor.URL),

		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
	}, nil
}

// Running reports whether the poller's loop is currently active; it
// becomes false permanently once Run returns, since the scheduler does not
// respawn a dead poller.
func (p *Poller) Running() bool { return p.running }

func (p *Poller) NextIndex() uint64 { return p.nextIndex }

// Run seeds tree_size from an initial STH, then loops: fetch STH, fetch a
// bounded batch of new entries, decode each, advance next_index by the
// number of entries requested, or by the number returned when the log
// returned fewer (never by the number decoded). It returns when ctx is
// canceled.
func (p *Poller) Run(ctx context.Context) error {
	p.running = true
	defer func() { p.running = false }()

	if size, err := p.fetchTreeSize(ctx); err != nil {
		p.log.WithError(err).Warn("initial STH fetch failed; starting from tree size 0")
	} else {
		p.treeSize = size
		p.nextIndex = size
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		newSize, err := p.fetchTreeSize(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.WithError(err).Warn("get-sth failed, will retry")
			if !p.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		p.treeSize = newSize

		if p.treeSize <= p.nextIndex {
			if !p.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		end := p.treeSize - 1
		if maxEnd := p.nextIndex + uint64(p.batchSize) - 1; maxEnd < end {
			end = maxEnd
		}

		requested := end - p.nextIndex + 1
		entries, err := p.fetchEntries(ctx, p.nextIndex, end)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.WithError(err).Warn("get-entries failed, will retry")
			if !p.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		for i, raw := range entries {
			rec, err := p.decoder.Decode(raw, p.descriptor, p.nextIndex+uint64(i))
			if err != nil {
				p.log.WithError(err).Debug("dropping undecodable entry")
				continue
			}
			p.onRecord(rec)
		}

		advance := requested
		if uint64(len(entries)) < advance {
			advance = uint64(len(entries))
		}
		p.nextIndex += advance

		if !p.sleep(ctx) {
			return ctx.Err()
		}
	}
}

func (p *Poller) sleep(ctx context.Context) bool {
	t := time.NewTimer(p.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (p *Poller) fetchTreeSize(ctx context.Context) (uint64, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	sth, err := p.client.GetSTH(ctx)
	if err != nil {
		return 0, fmt.Errorf("get-sth request: %w", err)
	}
	return sth.TreeSize, nil
}

func (p *Poller) fetchEntries(ctx context.Context, start, end uint64) ([]models.RawEntry, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := p.client.GetRawEntries(ctx, int64(start), int64(end))
	if err != nil {
		return nil, fmt.Errorf("get-entries request: %w", err)
	}

	out := make([]models.RawEntry, len(resp.Entries))
	for i, e := range resp.Entries {
		out[i] = models.RawEntry{LeafInput: e.LeafInput, ExtraData: e.ExtraData}
	}
	return out, nil
}
