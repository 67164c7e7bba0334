package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/ctstream/internal/broker"
	"github.com/bl4ck0w1/ctstream/internal/buffer"
	"github.com/bl4ck0w1/ctstream/internal/ctlog"
	"github.com/bl4ck0w1/ctstream/pkg/models"
	"github.com/bl4ck0w1/ctstream/pkg/utils"
)

// Server is the thin HTTP/WebSocket shell described for the external
// surface: it translates requests into calls on buffer.Buffer and
// broker.Broker and contains no decoding or fan-out logic of its own.
type Server struct {
	buf       *buffer.Buffer
	brk       *broker.Broker
	scheduler *ctlog.Scheduler
	log       *logrus.Entry

	upgrader websocket.Upgrader

	pollInterval      time.Duration
	batchSize         int
	bufferSize        int
	clientPingTimeout time.Duration
}

type Config struct {
	PollInterval      time.Duration
	BatchSize         int
	BufferSize        int
	ClientPingTimeout time.Duration
}

func New(buf *buffer.Buffer, brk *broker.Broker, scheduler *ctlog.Scheduler, cfg Config, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Server{
		buf:       buf,
		brk:       brk,
		scheduler: scheduler,
		log:       log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		pollInterval:      cfg.PollInterval,
		batchSize:         cfg.BatchSize,
		bufferSize:        cfg.BufferSize,
		clientPingTimeout: cfg.ClientPingTimeout,
	}
}

// JSONMux returns the handler for the downstream JSON endpoints
// (/latest.json, /example.json, /stats, /health).
func (s *Server) JSONMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/latest.json", s.handleLatest)
	mux.HandleFunc("/example.json", s.handleExample)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// WSHandler returns the upgrade handler for one of the three downstream
// WebSocket listeners, bound to the given view.
func (s *Server) WSHandler(view models.View) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.WithError(err).Debug("websocket upgrade failed")
			return
		}

		id := fmt.Sprintf("%s-%s", view.String(), utils.GenerateShortID())
		if _, err := s.brk.Attach(id, view, conn); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Max clients reached"),
				time.Now().Add(time.Second))
			_ = conn.Close()
		}
	}
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	records := s.buf.Latest(0)
	writeJSON(w, http.StatusOK, struct {
		Certificates []*models.Record `json:"certificates"`
		Count        int              `json:"count"`
	}{Certificates: records, Count: len(records)})
}

func (s *Server) handleExample(w http.ResponseWriter, r *http.Request) {
	rec := s.buf.Example()
	if rec == nil {
		writeJSON(w, http.StatusNotFound, struct {
			Error string `json:"error"`
		}{Error: "No certificates available yet"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Buffer  models.BufferStats `json:"buffer"`
		Clients statsClients       `json:"clients"`
		Config  statsConfig        `json:"config"`
	}{
		Buffer: s.buf.Stats(),
		Clients: statsClients{
			Clients:               s.brk.ClientStats(),
			MaxClientsPerEndpoint: s.brk.MaxClientsPerEndpoint(),
		},
		Config: statsConfig{
			PollInterval:      s.pollInterval.Milliseconds(),
			BatchSize:         s.batchSize,
			BufferSize:        s.bufferSize,
			ClientPingTimeout: s.clientPingTimeout.Milliseconds(),
		},
	})
}

type statsClients struct {
	Clients               broker.ClientStats `json:"clients"`
	MaxClientsPerEndpoint int                `json:"max_clients_per_endpoint"`
}

type statsConfig struct {
	PollInterval      int64 `json:"poll_interval"`
	BatchSize         int   `json:"batch_size"`
	BufferSize        int   `json:"buffer_size"`
	ClientPingTimeout int64 `json:"client_ping_timeout"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
	}{Status: "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
