package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/outbreak-sim/pkg/types"
)

type fakeControls struct {
	mu      sync.Mutex
	pauses  int
	resumes int
}

func (f *fakeControls) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses++
}

func (f *fakeControls) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes++
}

func (f *fakeControls) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pauses, f.resumes
}

func startHub(t *testing.T, controls Controls) (*Hub, *httptest.Server, context.CancelFunc) {
	t.Helper()
	h := NewHub(controls)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := httptest.NewServer(h.Handler(func() any {
		return map[string]int{"day": 12, "total_infected": 40}
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return h, srv, cancel
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type summaryMessage struct {
	Type    string           `json:"type"`
	Payload types.DaySummary `json:"payload"`
}

func readSummary(t *testing.T, conn *websocket.Conn) summaryMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg summaryMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestBroadcastDaySummary(t *testing.T) {
	h, srv, _ := startHub(t, nil)
	conn := dial(t, srv)

	h.Publish(types.DaySummary{Day: 3, TotalInfected: 5, CurrentlyInfected: 5})
	msg := readSummary(t, conn)
	assert.Equal(t, TypeDaySummary, msg.Type)
	assert.Equal(t, 3, msg.Payload.Day)
	assert.Equal(t, 5, msg.Payload.TotalInfected)

	h.Publish(types.DaySummary{Day: 4, TotalInfected: 9})
	for msg.Payload.Day == 3 {
		msg = readSummary(t, conn)
	}
	assert.Equal(t, 4, msg.Payload.Day)
}

func TestNewClientReceivesLatest(t *testing.T) {
	h, srv, _ := startHub(t, nil)
	h.Publish(types.DaySummary{Day: 7, Deaths: 1})

	conn := dial(t, srv)
	msg := readSummary(t, conn)
	assert.Equal(t, 7, msg.Payload.Day)
	assert.Equal(t, 1, msg.Payload.Deaths)
}

func TestMultipleClients(t *testing.T) {
	h, srv, _ := startHub(t, nil)
	a := dial(t, srv)
	b := dial(t, srv)

	h.Publish(types.DaySummary{Day: 1})
	assert.Equal(t, 1, readSummary(t, a).Payload.Day)
	assert.Equal(t, 1, readSummary(t, b).Payload.Day)
}

func TestControlMessages(t *testing.T) {
	controls := &fakeControls{}
	_, srv, _ := startHub(t, controls)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(Message{Type: TypePause}))
	require.NoError(t, conn.WriteJSON(Message{Type: "zoom"}))
	require.NoError(t, conn.WriteJSON(Message{Type: TypeResume}))

	require.Eventually(t, func() bool {
		p, r := controls.counts()
		return p == 1 && r == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunCancelClosesClients(t *testing.T) {
	h, srv, cancel := startHub(t, nil)
	conn := dial(t, srv)
	h.Publish(types.DaySummary{Day: 0})
	readSummary(t, conn)

	cancel()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestPublishDoesNotBlockWithoutRun(t *testing.T) {
	h := NewHub(nil)
	for i := 0; i < broadcastBuffer+3; i++ {
		h.Publish(types.DaySummary{Day: i})
	}
	assert.Equal(t, 3, h.Dropped())
	assert.NotNil(t, h.lastMessage())
}

func TestStateEndpoint(t *testing.T) {
	_, srv, _ := startHub(t, nil)

	resp, err := http.Get(srv.URL + "/api/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 12, body["day"])

	post, err := http.Post(srv.URL+"/api/state", "application/json", nil)
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}
