package broker

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"github.com/bl4ck0w1/ctstream/internal/buffer"
	"github.com/bl4ck0w1/ctstream/pkg/models"
	"github.com/bl4ck0w1/ctstream/pkg/utils"
)

const (
	metricPublished = "ctstream_records_published_total"
	metricDropped   = "ctstream_subscriber_drops_total"
	metricAttached  = "ctstream_subscribers_attached_total"
	metricRefused   = "ctstream_subscribers_refused_total"
	metricClients   = "ctstream_subscribers_current"
)

const dropLogInterval = 10 * time.Second

// Broker is the single entry point from pollers: Publish appends to the
// buffer, then materializes each view's JSON payload once and enqueues it
// to every subscriber of that view. Membership sets are its only shared
// mutable state, guarded by one mutex; it never holds the buffer's lock
// and its own lock at once.
type Broker struct {
	buf *buffer.Buffer

	maxPerEndpoint int
	queueCap       int
	pingTimeout    time.Duration

	mu          sync.RWMutex
	subscribers map[models.View]map[string]*Subscriber

	metrics *metricsSet
	log     *logrus.Entry

	dropLogMu   sync.Mutex
	lastDropLog map[uint64]time.Time
}

// metricsSet registers the broker's counters/gauges through the shared
// MetricsCollector instead of talking to the prometheus registry directly,
// so every component in the pipeline exposes metrics through the same
// wrapper.
type metricsSet struct {
	collector *utils.MetricsCollector
}

func newMetricsSet(collector *utils.MetricsCollector) *metricsSet {
	m := &metricsSet{collector: collector}
	if collector == nil {
		return m
	}
	_ = collector.RegisterCounter(metricPublished, "Records published to a view.", "view")
	_ = collector.RegisterCounter(metricDropped, "Messages dropped from a subscriber queue under back-pressure.", "view")
	_ = collector.RegisterCounter(metricAttached, "Subscribers successfully attached.", "view")
	_ = collector.RegisterCounter(metricRefused, "Subscribers refused for exceeding max_clients_per_endpoint.", "view")
	_ = collector.RegisterGauge(metricClients, "Currently attached subscribers.", "view")
	return m
}

func (m *metricsSet) incCounter(name, view string) {
	if m.collector == nil {
		return
	}
	m.collector.IncCounter(name, 1, prometheus.Labels{"view": view})
}

func (m *metricsSet) setGauge(name, view string, value float64) {
	if m.collector == nil {
		return
	}
	m.collector.SetGauge(name, value, prometheus.Labels{"view": view})
}

// Config carries the broker's bounded-resource tunables.
type Config struct {
	MaxClientsPerEndpoint int
	ClientQueueSize       int
	ClientPingTimeout     time.Duration
}

func New(buf *buffer.Buffer, cfg Config, collector *utils.MetricsCollector, log *logrus.Entry) *Broker {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Broker{
		buf:            buf,
		maxPerEndpoint: cfg.MaxClientsPerEndpoint,
		queueCap:       cfg.ClientQueueSize,
		pingTimeout:    cfg.ClientPingTimeout,
		subscribers: map[models.View]map[string]*Subscriber{
			models.ViewFull:        make(map[string]*Subscriber),
			models.ViewLite:        make(map[string]*Subscriber),
			models.ViewDomainsOnly: make(map[string]*Subscriber),
		},
		metrics:     newMetricsSet(collector),
		log:         log,
		lastDropLog: make(map[uint64]time.Time),
	}
}

// ErrMaxClients is returned by Attach when the view's subscriber set is
// already at MaxClientsPerEndpoint.
var ErrMaxClients = fmt.Errorf("max clients reached")

// Attach registers a new WebSocket connection under the given view and
// starts its Run loop. It refuses the attach once the view is at
// MaxClientsPerEndpoint.
func (b *Broker) Attach(id string, view models.View, conn *websocket.Conn) (*Subscriber, error) {
	b.mu.Lock()
	set := b.subscribers[view]
	if len(set) >= b.maxPerEndpoint {
		b.mu.Unlock()
		b.metrics.incCounter(metricRefused, view.String())
		return nil, ErrMaxClients
	}

	sub := NewSubscriber(id, view, conn, b.queueCap, b.pingTimeout, b.detach, b.log)
	set[id] = sub
	b.mu.Unlock()

	b.metrics.incCounter(metricAttached, view.String())
	b.metrics.setGauge(metricClients, view.String(), float64(len(set)))

	go sub.Run()
	return sub, nil
}

func (b *Broker) detach(sub *Subscriber) {
	b.mu.Lock()
	set := b.subscribers[sub.View()]
	delete(set, sub.ID())
	size := len(set)
	b.mu.Unlock()

	b.metrics.setGauge(metricClients, sub.View().String(), float64(size))
}

// Detach removes sub from the broker's membership and closes its socket.
func (b *Broker) Detach(sub *Subscriber) {
	sub.Close()
}

// Publish is the single entry point from pollers. It appends to the
// buffer first, then materializes and enqueues each view's payload —
// that ordering is observable and intentional.
func (b *Broker) Publish(r *models.Record) {
	b.buf.Add(r)

	b.publishView(models.ViewFull, r)
	b.publishView(models.ViewLite, r.ToLite())
	b.publishDomainsOnly(r)
}

func (b *Broker) publishView(view models.View, r *models.Record) {
	b.mu.RLock()
	set := b.subscribers[view]
	if len(set) == 0 {
		b.mu.RUnlock()
		return
	}
	targets := make([]*Subscriber, 0, len(set))
	for _, s := range set {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	payload, err := json.Marshal(models.Envelope{
		MessageType: models.MessageTypeCertificateUpdate,
		Data:        r,
	})
	if err != nil {
		b.log.WithError(err).Error("failed to marshal record for publish")
		return
	}

	b.metrics.incCounter(metricPublished, view.String())
	b.fanOut(view, targets, payload)
}

func (b *Broker) publishDomainsOnly(r *models.Record) {
	view := models.ViewDomainsOnly
	b.mu.RLock()
	set := b.subscribers[view]
	if len(set) == 0 {
		b.mu.RUnlock()
		return
	}
	targets := make([]*Subscriber, 0, len(set))
	for _, s := range set {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	payload, err := json.Marshal(models.Envelope{
		MessageType: models.MessageTypeCertificateUpdate,
		Data:        r.ToDomainsOnly(),
	})
	if err != nil {
		b.log.WithError(err).Error("failed to marshal domains-only record for publish")
		return
	}

	b.metrics.incCounter(metricPublished, view.String())
	b.fanOut(view, targets, payload)
}

func (b *Broker) fanOut(view models.View, targets []*Subscriber, payload []byte) {
	for _, s := range targets {
		if dropped := s.Enqueue(payload); dropped {
			b.metrics.incCounter(metricDropped, view.String())
			b.logDropRateLimited(s.ID(), view)
		}
	}
}

// logDropRateLimited buckets (subscriberID, view) through xxh3 so a
// single saturated subscriber logs at most once per dropLogInterval
// instead of once per dropped message.
func (b *Broker) logDropRateLimited(subscriberID string, view models.View) {
	key := xxh3.HashString(subscriberID + "|" + view.String())

	b.dropLogMu.Lock()
	last, seen := b.lastDropLog[key]
	now := time.Now()
	if seen && now.Sub(last) < dropLogInterval {
		b.dropLogMu.Unlock()
		return
	}
	b.lastDropLog[key] = now
	b.dropLogMu.Unlock()

	b.log.WithFields(logrus.Fields{
		"subscriber": subscriberID,
		"view":       view.String(),
	}).Warn("subscriber queue saturated, dropping oldest message")
}

// ClientStats reports per-view subscriber counts for /stats.
type ClientStats struct {
	FullStream        int `json:"full_stream"`
	LiteStream        int `json:"lite_stream"`
	DomainsOnlyStream int `json:"domains_only_stream"`
	Total             int `json:"total"`
}

func (b *Broker) ClientStats() ClientStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	full := len(b.subscribers[models.ViewFull])
	lite := len(b.subscribers[models.ViewLite])
	domains := len(b.subscribers[models.ViewDomainsOnly])

	return ClientStats{
		FullStream:        full,
		LiteStream:        lite,
		DomainsOnlyStream: domains,
		Total:             full + lite + domains,
	}
}

func (b *Broker) MaxClientsPerEndpoint() int { return b.maxPerEndpoint }
