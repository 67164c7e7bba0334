package broker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/ctstream/pkg/models"
)

type connState int32

const (
	stateConnecting connState = iota
	stateOpen
	stateClosing
	stateClosed
)

// Subscriber is one live WebSocket connection attached to exactly one
// view. Membership (attach/detach) is owned by the broker; socket I/O is
// owned by this subscriber's own writer and liveness goroutines.
type Subscriber struct {
	id   string
	view models.View
	conn *websocket.Conn
	log  *logrus.Entry

	queueCap int
	pingTimeout time.Duration

	mu          sync.Mutex
	state       connState
	queue       [][]byte
	lastPingAt  time.Time

	// writeMu serializes every WriteMessage/WriteControl call on conn.
	// gorilla/websocket allows only one concurrent writer; writerLoop
	// drains the queue while readerLoop replies to pings, so both must
	// go through this lock before touching the wire.
	writeMu sync.Mutex

	onClose func(*Subscriber)

	closeOnce sync.Once
	stopCh    chan struct{}
}

// NewSubscriber wraps an already-upgraded connection. detach is invoked
// exactly once, when the subscriber transitions to CLOSED, so the broker
// can remove it from membership.
func NewSubscriber(id string, view models.View, conn *websocket.Conn, queueCap int, pingTimeout time.Duration, onClose func(*Subscriber), log *logrus.Entry) *Subscriber {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Subscriber{
		id:          id,
		view:        view,
		conn:        conn,
		log:         log.WithFields(logrus.Fields{"subscriber": id, "view": view.String()}),
		queueCap:    queueCap,
		pingTimeout: pingTimeout,
		state:       stateConnecting,
		lastPingAt:  time.Now(),
		onClose:     onClose,
		stopCh:      make(chan struct{}),
	}
}

func (s *Subscriber) ID() string      { return s.id }
func (s *Subscriber) View() models.View { return s.view }

// Run transitions the subscriber to OPEN and blocks running its writer,
// liveness and reader loops until any of them detects a terminal
// condition, at which point it closes the socket and notifies onClose.
func (s *Subscriber) Run() {
	s.mu.Lock()
	s.state = stateOpen
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(3)

	go func() { defer wg.Done(); s.writerLoop() }()
	go func() { defer wg.Done(); s.livenessLoop() }()
	go func() { defer wg.Done(); s.readerLoop() }()

	wg.Wait()
	s.finalize()
}

// Enqueue attempts a non-blocking insert; on a full queue it drops the
// oldest queued message and inserts the new one. Returns true if an
// existing message was dropped to make room.
func (s *Subscriber) Enqueue(payload []byte) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateOpen {
		return false
	}

	if len(s.queue) >= s.queueCap {
		s.queue = s.queue[1:]
		dropped = true
	}
	s.queue = append(s.queue, payload)
	return dropped
}

func (s *Subscriber) dequeue() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	msg := s.queue[0]
	s.queue = s.queue[1:]
	return msg, true
}

func (s *Subscriber) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// writeMessage is the only path allowed to call conn.WriteMessage; it
// exists so writerLoop and readerLoop never race a queued frame against a
// pong reply on the same connection.
func (s *Subscriber) writeMessage(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

// writerLoop drains the queue and writes text frames. It polls the queue
// once a second, returns when the subscriber is stopping, and exits on the
// first write error, transitioning to CLOSING.
func (s *Subscriber) writerLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			for {
				msg, ok := s.dequeue()
				if !ok {
					break
				}
				if err := s.writeMessage(websocket.TextMessage, msg); err != nil {
					s.log.WithError(err).Debug("subscriber write failed")
					s.beginClose()
					return
				}
			}
		}
	}
}

// livenessLoop checks every pingTimeout whether a ping has arrived within
// the timeout window; if not, it closes the socket with a normal-closure
// reason.
func (s *Subscriber) livenessLoop() {
	ticker := time.NewTicker(s.pingTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			idle := time.Since(s.lastPingAt)
			s.mu.Unlock()
			if idle > s.pingTimeout {
				s.log.Debug("liveness timeout, closing subscriber")
				_ = s.writeMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "ping timeout"))
				s.beginClose()
				return
			}
		}
	}
}

// readerLoop handles incoming frames: a {message_type:"ping"} updates
// last_ping_at and elicits a pong; anything else is ignored. It exits on
// the first read error.
func (s *Subscriber) readerLoop() {
	type frame struct {
		MessageType string `json:"message_type"`
	}
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.beginClose()
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if f.MessageType != "ping" {
			continue
		}

		s.mu.Lock()
		s.lastPingAt = time.Now()
		s.mu.Unlock()

		pong, _ := json.Marshal(struct {
			MessageType string `json:"message_type"`
		}{MessageType: "pong"})
		_ = s.writeMessage(websocket.TextMessage, pong)
	}
}

func (s *Subscriber) beginClose() {
	s.mu.Lock()
	if s.state == stateClosing || s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateClosing
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		close(s.stopCh)
		_ = s.conn.Close()
	})
}

func (s *Subscriber) finalize() {
	s.mu.Lock()
	s.state = stateClosed
	s.mu.Unlock()

	if s.onClose != nil {
		s.onClose(s)
	}
}

// Close requests that the subscriber shut down from outside; Broker.Detach
// uses it.
func (s *Subscriber) Close() {
	s.beginClose()
}
