package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Shugur-Network/peergate/internal/config"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wireReply struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Status int             `json:"status"`
	Result json.RawMessage `json:"result"`
	Code   string          `json:"code"`
	Error  string          `json:"error"`
}

func dialControl(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(f.h)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/control"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func roundTrip(t *testing.T, ws *websocket.Conn, frame string) wireReply {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var r wireReply
	require.NoError(t, ws.ReadJSON(&r))
	return r
}

func TestControlRegisterAndAdmit(t *testing.T) {
	f := newFixture(t)
	ws := dialControl(t, f)

	r := roundTrip(t, ws, `{"type":"register","id":"1","req":{"id":"dev-A","address":"198.51.100.1:5000","pubkey":"fp"}}`)
	assert.Equal(t, "result", r.Type)
	assert.Equal(t, "1", r.ID)
	assert.Equal(t, http.StatusOK, r.Status)
	assert.JSONEq(t, `{"id":"dev-A","heartbeat_count":0,"health_state":"online"}`, string(r.Result))

	r = roundTrip(t, ws, `{"type":"heartbeat","id":"2","req":{"id":"dev-A","address":"198.51.100.1:5000","pubkey":"fp"}}`)
	assert.JSONEq(t, `{"id":"dev-A","heartbeat_count":1,"health_state":"online"}`, string(r.Result))

	r = roundTrip(t, ws, `{"type":"admit_relay","id":"3","req":{"source_id":"x","target_id":"dev-A","conn_type":"relay"}}`)
	assert.Equal(t, http.StatusOK, r.Status)
	assert.Contains(t, string(r.Result), `"allowed":true`)

	r = roundTrip(t, ws, `{"type":"admit_direct","id":"4","req":{"source_address":"192.0.2.1:9","target_id":"nobody","conn_type":"punch"}}`)
	assert.Equal(t, "result", r.Type)
	assert.Equal(t, http.StatusNotFound, r.Status)
	assert.JSONEq(t, `{"allowed":false,"error":"peer not found"}`, string(r.Result))

	assert.Equal(t, 1, f.srv.Connections())
}

func TestControlErrors(t *testing.T) {
	f := newFixture(t)
	ws := dialControl(t, f)

	r := roundTrip(t, ws, `not json`)
	assert.Equal(t, "error", r.Type)
	assert.Equal(t, http.StatusBadRequest, r.Status)

	r = roundTrip(t, ws, `{"type":"teleport","id":"9","req":{}}`)
	assert.Equal(t, "error", r.Type)
	assert.Equal(t, "9", r.ID)
	assert.Equal(t, "UNKNOWN_FRAME", r.Code)

	r = roundTrip(t, ws, `{"type":"register","id":"10"}`)
	assert.Equal(t, "error", r.Type)
	assert.Equal(t, http.StatusBadRequest, r.Status)

	r = roundTrip(t, ws, `{"type":"admit_relay","id":"11","req":{"source_id":"a","target_id":"b","conn_type":"smoke"}}`)
	assert.Equal(t, "INVALID_CONN_TYPE", r.Code)
}

func TestControlRateLimit(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Server.Control.MessagesPerSecond = 0.001
		c.Server.Control.Burst = 2
	})
	ws := dialControl(t, f)

	frame := `{"type":"admit_relay","id":"x","req":{"source_id":"a","target_id":"b","conn_type":"tcp"}}`
	assert.Equal(t, "result", roundTrip(t, ws, frame).Type)
	assert.Equal(t, "result", roundTrip(t, ws, frame).Type)
	r := roundTrip(t, ws, frame)
	assert.Equal(t, "error", r.Type)
	assert.Equal(t, http.StatusTooManyRequests, r.Status)
}

func TestControlDisabled(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Server.Control.Enabled = false })
	ts := httptest.NewServer(f.h)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/control"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
