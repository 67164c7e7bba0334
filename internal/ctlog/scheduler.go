package ctlog

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bl4ck0w1/ctstream/pkg/models"
)

// Scheduler owns the set of Pollers, caps it at a configured maximum, and
// supervises their lifecycle as a single unit. It never restarts a poller
// that exits: a dead poller stays dead until the whole process restarts.
type Scheduler struct {
	decoder  *Decoder
	cfg      PollerConfig
	maxWorkers int
	log      *logrus.Entry

	mu      sync.RWMutex
	pollers []*Poller

	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(decoder *Decoder, cfg PollerConfig, maxWorkers int, log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Scheduler{
		decoder:    decoder,
		cfg:        cfg,
		maxWorkers: maxWorkers,
		log:        log,
	}
}

// Start takes the already-fetched log descriptors, caps them at maxWorkers, and launches
// one Poller per retained log descriptor, each forwarding decoded records
// to onRecord. It returns once every poller goroutine has been launched;
// it does not block for their completion.
func (s *Scheduler) Start(ctx context.Context, descriptors []models.LogDescriptor, onRecord BrokerCallback) {
	if len(descriptors) > s.maxWorkers {
		s.log.WithFields(logrus.Fields{
			"available": len(descriptors),
			"max_workers": s.maxWorkers,
		}).Warn("log list exceeds max_workers, truncating")
		descriptors = descriptors[:s.maxWorkers]
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done

	s.mu.Lock()
	s.pollers = make([]*Poller, 0, len(descriptors))
	for _, d := range descriptors {
		p, err := NewPoller(d, s.decoder, onRecord, s.cfg, s.log)
		if err != nil {
			s.log.WithError(err).WithField("log_url", d.URL).Error("failed to create CT log client; skipping log")
			continue
		}
		s.pollers = append(s.pollers, p)
	}
	pollers := append([]*Poller(nil), s.pollers...)
	s.mu.Unlock()

	go func() {
		defer close(done)
		g, gctx := errgroup.WithContext(runCtx)
		for _, p := range pollers {
			p := p
			g.Go(func() error {
				if err := p.Run(gctx); err != nil && gctx.Err() == nil {
					s.log.WithError(err).WithField("log_url", p.descriptor.URL).
						Error("poller exited; no restart will be attempted")
				}
				return nil
			})
		}
		_ = g.Wait()
	}()
}

// Stop cancels every running poller and blocks until all have drained.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	if s.done != nil {
		<-s.done
	}
}

// Stats reports each poller's current progress for /stats-style reporting.
type PollerStats struct {
	LogURL    string `json:"log_url"`
	NextIndex uint64 `json:"next_index"`
	Running   bool   `json:"running"`
}

func (s *Scheduler) Stats() []PollerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PollerStats, 0, len(s.pollers))
	for _, p := range s.pollers {
		out = append(out, PollerStats{
			LogURL:    p.descriptor.URL,
			NextIndex: p.NextIndex(),
			Running:   p.Running(),
		})
	}
	return out
}
