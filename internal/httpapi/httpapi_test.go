package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bl4ck0w1/ctstream/internal/broker"
	"github.com/bl4ck0w1/ctstream/internal/buffer"
	"github.com/bl4ck0w1/ctstream/pkg/models"
)

func newTestServer(t *testing.T) (*Server, *buffer.Buffer) {
	t.Helper()
	buf := buffer.New(10)
	brk := broker.New(buf, broker.Config{
		MaxClientsPerEndpoint: 5,
		ClientQueueSize:       4,
		ClientPingTimeout:     time.Minute,
	}, nil, nil)
	return New(buf, brk, nil, Config{
		PollInterval: 10 * time.Second,
		BatchSize:    256,
		BufferSize:   10,
	}, nil), buf
}

func TestHandleHealth_ReturnsOK(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	srv.JSONMux().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
}

func TestHandleExample_ReturnsNotFoundWhenBufferEmpty(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/example.json", nil)
	rec := httptest.NewRecorder()

	srv.JSONMux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleLatest_ReturnsPublishedRecordsNewestFirst(t *testing.T) {
	srv, buf := newTestServer(t)
	buf.Add(&models.Record{CertIndex: 1})
	buf.Add(&models.Record{CertIndex: 2})

	req := httptest.NewRequest(http.MethodGet, "/latest.json", nil)
	rec := httptest.NewRecorder()
	srv.JSONMux().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Certificates []*models.Record `json:"certificates"`
		Count        int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 2, body.Count)
	assert.Equal(t, uint64(2), body.Certificates[0].CertIndex)
}

func TestHandleStats_ReportsBufferAndClientCounts(t *testing.T) {
	srv, buf := newTestServer(t)
	buf.Add(&models.Record{CertIndex: 1})

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	srv.JSONMux().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Buffer models.BufferStats `json:"buffer"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Buffer.BufferSize)
	assert.Equal(t, 10, body.Buffer.BufferCapacity)
}
