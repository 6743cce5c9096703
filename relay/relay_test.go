package relay

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRelay(t *testing.T) (*Server, *httptest.Server) {
	s := NewServer()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	return s, srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(payload, &m))
	return m
}

func TestBroadcastEchoIncludesSender(t *testing.T) {
	_, srv := startRelay(t)
	alice := dialWS(t, srv)
	bob := dialWS(t, srv)

	msg := `{"action":"sendmessage","sender":"Alice","timestamp":1,"type":"text","message":"hi"}`
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(msg)))

	for _, conn := range []*websocket.Conn{alice, bob} {
		got := readFrame(t, conn)
		assert.Equal(t, "Alice", got["sender"])
		assert.Equal(t, "hi", got["message"])
		assert.Equal(t, "text", got["type"])
		// The routing field never reaches clients.
		_, hasAction := got["action"]
		assert.False(t, hasAction)
	}
}

func TestRelayIgnoresOtherActionsAndJunk(t *testing.T) {
	_, srv := startRelay(t)
	alice := dialWS(t, srv)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"action":"subscribe"}`)))
	require.NoError(t, alice.WriteMessage(websocket.TextMessage,
		[]byte(`{"action":"sendmessage","sender":"Alice","timestamp":2,"type":"text","message":"after"}`)))

	got := readFrame(t, alice)
	assert.Equal(t, "after", got["message"])
}

func TestBroadcastPreservesRawCharacters(t *testing.T) {
	_, srv := startRelay(t)
	alice := dialWS(t, srv)

	msg := `{"action":"sendmessage","sender":"Alice","timestamp":3,"type":"text","message":"<b> & </b>"}`
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(msg)))

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, payload, err := alice.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(payload), "<b> & </b>")
}

func TestUploadFlowRoundtrip(t *testing.T) {
	_, srv := startRelay(t)

	body, _ := json.Marshal(map[string]string{"fileName": "cat.png", "fileType": "image/png"})
	resp, err := http.Post(srv.URL+"/upload-url", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var target struct {
		UploadURL string `json:"uploadUrl"`
		FileURL   string `json:"fileUrl"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&target))
	require.NotEmpty(t, target.UploadURL)
	require.NotEmpty(t, target.FileURL)

	req, err := http.NewRequest(http.MethodPut, target.UploadURL, bytes.NewReader([]byte("png-bytes")))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "image/png")
	putResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = putResp.Body.Close()
	require.Equal(t, http.StatusOK, putResp.StatusCode)

	getResp, err := http.Get(target.FileURL)
	require.NoError(t, err)
	defer func() { _ = getResp.Body.Close() }()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	assert.Equal(t, "image/png", getResp.Header.Get("Content-Type"))
	data, err := io.ReadAll(getResp.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)
}

func TestPutToUnknownTargetFails(t *testing.T) {
	_, srv := startRelay(t)
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/files/nope", bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetBeforePutIsNotFound(t *testing.T) {
	_, srv := startRelay(t)

	body, _ := json.Marshal(map[string]string{"fileName": "cat.png", "fileType": "image/png"})
	resp, err := http.Post(srv.URL+"/upload-url", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var target struct {
		FileURL string `json:"fileUrl"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&target))
	_ = resp.Body.Close()

	getResp, err := http.Get(target.FileURL)
	require.NoError(t, err)
	_ = getResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, getResp.StatusCode)
}
