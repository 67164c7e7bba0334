package broker

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/bl4ck0w1/ctstream/internal/buffer"
	"github.com/bl4ck0w1/ctstream/pkg/models"
)

// dialSubscriber spins up a test server that upgrades the single incoming
// connection and attaches it to brk under view, returning a client-side
// websocket connection to read published frames from.
func dialSubscriber(t *testing.T, brk *Broker, view models.View) *websocket.Conn {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		_, err = brk.Attach("test-sub", view, conn)
		require.NoError(t, err)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):]
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestBroker(maxPerEndpoint, queueSize int) *Broker {
	buf := buffer.New(25)
	return New(buf, Config{
		MaxClientsPerEndpoint: maxPerEndpoint,
		ClientQueueSize:       queueSize,
		ClientPingTimeout:     time.Minute,
	}, nil, nil)
}

func TestBroker_PublishFansOutToAttachedView(t *testing.T) {
	brk := newTestBroker(10, 10)
	client := dialSubscriber(t, brk, models.ViewFull)

	// Give Attach's goroutine a moment to register before publishing.
	time.Sleep(50 * time.Millisecond)

	brk.Publish(&models.Record{CertIndex: 1, UpdateType: models.UpdateTypeX509LogEntry})

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), `"message_type":"certificate_update"`)
	require.Contains(t, string(data), `"cert_index":1`)
}

func TestBroker_PublishDoesNotReachOtherViews(t *testing.T) {
	brk := newTestBroker(10, 10)
	domainsClient := dialSubscriber(t, brk, models.ViewDomainsOnly)
	time.Sleep(50 * time.Millisecond)

	brk.Publish(&models.Record{CertIndex: 1, UpdateType: models.UpdateTypeX509LogEntry})

	domainsClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := domainsClient.ReadMessage()
	require.NoError(t, err)
	require.NotContains(t, string(data), `"as_der"`)
	require.Contains(t, string(data), `"domains"`)
}

func TestBroker_RefusesAttachPastMaxClients(t *testing.T) {
	brk := newTestBroker(1, 10)
	_ = dialSubscriber(t, brk, models.ViewFull)
	time.Sleep(50 * time.Millisecond)

	require.Eventually(t, func() bool {
		return brk.ClientStats().FullStream == 1
	}, time.Second, 10*time.Millisecond)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		_, err = brk.Attach("second-sub", models.ViewFull, conn)
		require.ErrorIs(t, err, ErrMaxClients)
		conn.Close()
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer client.Close()
}

func TestBroker_DetachRemovesMembershipAfterClose(t *testing.T) {
	brk := newTestBroker(5, 10)
	client := dialSubscriber(t, brk, models.ViewLite)

	require.Eventually(t, func() bool {
		return brk.ClientStats().LiteStream == 1
	}, time.Second, 10*time.Millisecond)

	client.Close()

	require.Eventually(t, func() bool {
		return brk.ClientStats().LiteStream == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroker_BufferReflectsPublishedRecordsAcrossViews(t *testing.T) {
	brk := newTestBroker(5, 10)
	brk.Publish(&models.Record{CertIndex: 1})
	brk.Publish(&models.Record{CertIndex: 2})

	latest := brk.buf.Latest(0)
	require.Len(t, latest, 2)
	require.Equal(t, uint64(2), latest[0].CertIndex)
}
