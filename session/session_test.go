package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoonsang0910/Memento-server/config"
	"github.com/yoonsang0910/Memento-server/gateway"
	"github.com/yoonsang0910/Memento-server/messages"
)

const readTimeout = 5 * time.Second

type gatewayCall struct {
	query string
	image string
}

// recordingGateway echoes the query and remembers every call
type recordingGateway struct {
	mu    sync.Mutex
	calls []gatewayCall
	reply func(query, image string) string
}

func (g *recordingGateway) Answer(_ context.Context, query, image string) string {
	g.mu.Lock()
	g.calls = append(g.calls, gatewayCall{query: query, image: image})
	g.mu.Unlock()

	if g.reply != nil {
		return g.reply(query, image)
	}
	return "echo: " + query
}

func (g *recordingGateway) Calls() []gatewayCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gatewayCall(nil), g.calls...)
}

type runResult struct {
	id      string
	reason  string
	removed bool
}

type testRelay struct {
	registry *Registry
	url      string
	results  chan runResult
}

func newTestRelay(t *testing.T, gw gateway.Gateway, mutate ...func(*config.Config)) *testRelay {
	t.Helper()

	cfg := config.Default()
	for _, m := range mutate {
		m(cfg)
	}

	relay := &testRelay{
		registry: NewRegistry(cfg, gw, nil),
		results:  make(chan runResult, 16),
	}

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := relay.registry.CreateSession(conn, r.RemoteAddr)
		reason := s.Run()
		removed := relay.registry.RemoveSession(s.ID)
		relay.results <- runResult{id: s.ID, reason: reason, removed: removed}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(relay.registry.Shutdown)

	relay.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return relay
}

func (r *testRelay) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(r.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (r *testRelay) waitResult(t *testing.T) runResult {
	t.Helper()
	select {
	case res := <-r.results:
		return res
	case <-time.After(readTimeout):
		t.Fatal("session did not terminate")
		return runResult{}
	}
}

func sendJSON(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	data, err := messages.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readResponse(t *testing.T, conn *websocket.Conn) *messages.ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := messages.ParseServerMessage(data)
	require.NoError(t, err)
	assert.Equal(t, messages.TypeResponse, msg.Type)
	return msg
}

func whiteJPEG(t *testing.T, width, height int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestQueryWithoutImage(t *testing.T) {
	gw := &recordingGateway{reply: func(string, string) string { return "Hello world" }}
	relay := newTestRelay(t, gw)
	conn := relay.dial(t)

	sendJSON(t, conn, messages.NewQueryMessage("what is this?", "", ""))
	resp := readResponse(t, conn)
	assert.Equal(t, "Hello world", resp.Msg)

	calls := gw.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "what is this?", calls[0].query)
	assert.Empty(t, calls[0].image)
}

func TestQueryWithMarkerForwardsAnnotatedImage(t *testing.T) {
	gw := &recordingGateway{}
	relay := newTestRelay(t, gw)
	conn := relay.dial(t)

	original := whiteJPEG(t, 100, 60)
	sendJSON(t, conn, messages.NewQueryMessage("what is marked?", original, "40,30"))
	readResponse(t, conn)

	calls := gw.Calls()
	require.Len(t, calls, 1)
	assert.NotEqual(t, original, calls[0].image)

	raw, err := base64.StdEncoding.DecodeString(calls[0].image)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 100, 60), img.Bounds())

	r, g, b, _ := img.At(40, 30).RGBA()
	assert.Greater(t, r>>8, uint32(200))
	assert.Less(t, g>>8, uint32(60))
	assert.Less(t, b>>8, uint32(60))
}

func TestImageForwardedUnchangedWhenNotAnnotated(t *testing.T) {
	original := whiteJPEG(t, 20, 20)

	tests := []struct {
		name  string
		image string
		point string
	}{
		{"point is a word", original, "abc"},
		{"single coordinate", original, "10"},
		{"three coordinates", original, "10,20,30"},
		{"no point", original, ""},
		{"corrupt base64", "%%%not-base64", "1,1"},
		{"not an image", base64.StdEncoding.EncodeToString([]byte("hello")), "1,1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &recordingGateway{}
			relay := newTestRelay(t, gw)
			conn := relay.dial(t)

			sendJSON(t, conn, messages.NewQueryMessage("q", tt.image, tt.point))
			resp := readResponse(t, conn)
			assert.Equal(t, "echo: q", resp.Msg)

			calls := gw.Calls()
			require.Len(t, calls, 1)
			assert.Equal(t, tt.image, calls[0].image)
		})
	}
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	gw := &recordingGateway{}
	relay := newTestRelay(t, gw)
	conn := relay.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"query"`)))
	sendJSON(t, conn, messages.NewQueryMessage("still there?", "", ""))

	resp := readResponse(t, conn)
	assert.Equal(t, "echo: still there?", resp.Msg)
	assert.Equal(t, 1, relay.registry.GetActiveSessionCount())
}

func TestUnknownTypesIgnored(t *testing.T) {
	gw := &recordingGateway{}
	relay := newTestRelay(t, gw)
	conn := relay.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"msg":"no type"}`)))
	sendJSON(t, conn, messages.NewQueryMessage("real", "", ""))

	// The first frame back answers the only query
	resp := readResponse(t, conn)
	assert.Equal(t, "echo: real", resp.Msg)
	assert.Len(t, gw.Calls(), 1)
}

func TestNonStringFieldsAreLenient(t *testing.T) {
	gw := &recordingGateway{}
	relay := newTestRelay(t, gw)
	conn := relay.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"query","msg":123}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"query","msg":"q","point":[1,2],"image":"aaaa"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":5}`)))
	sendJSON(t, conn, messages.NewQueryMessage("real", "", ""))

	assert.Equal(t, "echo: 123", readResponse(t, conn).Msg)
	assert.Equal(t, "echo: q", readResponse(t, conn).Msg)
	assert.Equal(t, "echo: real", readResponse(t, conn).Msg)

	calls := gw.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "123", calls[0].query)
	// The point cannot be parsed, so the image goes through untouched
	assert.Equal(t, "aaaa", calls[1].image)
	assert.Equal(t, "real", calls[2].query)
}

func TestDisconnectClosesAndRemovesOnce(t *testing.T) {
	gw := &recordingGateway{}
	relay := newTestRelay(t, gw)
	conn := relay.dial(t)

	sendJSON(t, conn, messages.NewQueryMessage("before", "", ""))
	sendJSON(t, conn, messages.NewDisconnectMessage())

	// The answer queued before the disconnect is still delivered
	resp := readResponse(t, conn)
	assert.Equal(t, "echo: before", resp.Msg)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	res := relay.waitResult(t)
	assert.Equal(t, ReasonDisconnect, res.reason)
	assert.True(t, res.removed)
	assert.False(t, relay.registry.RemoveSession(res.id))
	assert.Equal(t, 0, relay.registry.GetActiveSessionCount())

	calls := gw.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "before", calls[0].query)
}

func TestPeerClose(t *testing.T) {
	relay := newTestRelay(t, &recordingGateway{})

	t.Run("normal close frame", func(t *testing.T) {
		conn := relay.dial(t)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

		res := relay.waitResult(t)
		assert.Equal(t, ReasonClosed, res.reason)
		assert.True(t, res.removed)
	})

	t.Run("dropped socket", func(t *testing.T) {
		conn := relay.dial(t)
		require.NoError(t, conn.UnderlyingConn().Close())

		res := relay.waitResult(t)
		assert.Equal(t, ReasonError, res.reason)
		assert.True(t, res.removed)
	})

	assert.Equal(t, 0, relay.registry.GetActiveSessionCount())
}

func TestWriteFailureReportsError(t *testing.T) {
	var relay *testRelay
	gw := &recordingGateway{reply: func(query, _ string) string {
		// Break the server side of the socket before the answer is written
		relay.registry.mu.RLock()
		for _, s := range relay.registry.sessions {
			s.ClientConn.UnderlyingConn().Close()
		}
		relay.registry.mu.RUnlock()
		return "lost: " + query
	}}
	relay = newTestRelay(t, gw)
	conn := relay.dial(t)

	sendJSON(t, conn, messages.NewQueryMessage("hello", "", ""))

	res := relay.waitResult(t)
	assert.Equal(t, ReasonError, res.reason)
	assert.True(t, res.removed)
	assert.Equal(t, 0, relay.registry.GetActiveSessionCount())
}

func TestClosedReason(t *testing.T) {
	t.Run("server close", func(t *testing.T) {
		s := NewClientSession("abcdefgh-1", nil, "test", &recordingGateway{}, Options{})
		require.NoError(t, s.Close())
		assert.Equal(t, ReasonShutdown, s.readFailure(io.EOF))
	})

	t.Run("failed write", func(t *testing.T) {
		s := NewClientSession("abcdefgh-2", nil, "test", &recordingGateway{}, Options{})
		s.writeFailure(errors.New("broken pipe"))
		assert.True(t, s.IsClosed())
		assert.Equal(t, ReasonError, s.readFailure(io.EOF))
	})
}

func TestResponsesKeepQueryOrder(t *testing.T) {
	gw := &recordingGateway{reply: func(query, _ string) string {
		// Earlier queries take longer so reordering would show
		var n int
		fmt.Sscanf(query, "seq-%d", &n)
		time.Sleep(time.Duration(20-n) * time.Millisecond)
		return "answer to " + query
	}}
	relay := newTestRelay(t, gw)
	conn := relay.dial(t)

	const n = 20
	for i := 0; i < n; i++ {
		sendJSON(t, conn, messages.NewQueryMessage(fmt.Sprintf("seq-%d", i), "", ""))
	}
	for i := 0; i < n; i++ {
		resp := readResponse(t, conn)
		assert.Equal(t, fmt.Sprintf("answer to seq-%d", i), resp.Msg)
	}
}

func TestConnectionsAreIndependent(t *testing.T) {
	relay := newTestRelay(t, &recordingGateway{})
	first := relay.dial(t)
	second := relay.dial(t)

	sendJSON(t, first, messages.NewQueryMessage("one", "", ""))
	assert.Equal(t, "echo: one", readResponse(t, first).Msg)

	sendJSON(t, first, messages.NewDisconnectMessage())
	relay.waitResult(t)
	assert.Equal(t, 1, relay.registry.GetActiveSessionCount())

	sendJSON(t, second, messages.NewQueryMessage("two", "", ""))
	assert.Equal(t, "echo: two", readResponse(t, second).Msg)
	sendJSON(t, second, messages.NewQueryMessage("three", "", ""))
	assert.Equal(t, "echo: three", readResponse(t, second).Msg)
}

func TestSlowQueryDoesNotBlockOtherConnections(t *testing.T) {
	release := make(chan struct{})
	gw := &recordingGateway{reply: func(query, _ string) string {
		if query == "slow" {
			<-release
		}
		return "echo: " + query
	}}
	relay := newTestRelay(t, gw)
	slow := relay.dial(t)
	fast := relay.dial(t)

	sendJSON(t, slow, messages.NewQueryMessage("slow", "", ""))
	sendJSON(t, fast, messages.NewQueryMessage("fast", "", ""))
	assert.Equal(t, "echo: fast", readResponse(t, fast).Msg)

	close(release)
	assert.Equal(t, "echo: slow", readResponse(t, slow).Msg)
}

func TestShutdownClosesSessions(t *testing.T) {
	relay := newTestRelay(t, &recordingGateway{})
	conn := relay.dial(t)

	sendJSON(t, conn, messages.NewQueryMessage("hi", "", ""))
	readResponse(t, conn)

	relay.registry.Shutdown()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	res := relay.waitResult(t)
	assert.Equal(t, ReasonShutdown, res.reason)
	assert.False(t, res.removed, "shutdown already removed the session")
	assert.Equal(t, 0, relay.registry.GetActiveSessionCount())
}

func TestDebugImageIsWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug_output.jpg")
	relay := newTestRelay(t, &recordingGateway{}, func(cfg *config.Config) {
		cfg.DebugImageOutput = path
	})
	conn := relay.dial(t)

	sendJSON(t, conn, messages.NewQueryMessage("q", whiteJPEG(t, 32, 32), "16,16"))
	readResponse(t, conn)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	_, err = jpeg.Decode(bytes.NewReader(data))
	assert.NoError(t, err)
}

func TestRegistryConcurrentRemoval(t *testing.T) {
	r := NewRegistry(config.Default(), &recordingGateway{}, nil)

	ids := make([]string, 10)
	for i := range ids {
		ids[i] = fmt.Sprintf("session-%02d-0000", i)
		r.sessions[ids[i]] = NewClientSession(ids[i], nil, "test", r.gateway, Options{})
	}
	require.Equal(t, 10, r.GetActiveSessionCount())

	var wg sync.WaitGroup
	var mu sync.Mutex
	removed := make(map[string]int)
	for _, id := range ids {
		for j := 0; j < 5; j++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if r.RemoveSession(id) {
					mu.Lock()
					removed[id]++
					mu.Unlock()
				}
			}(id)
		}
	}
	wg.Wait()

	assert.Equal(t, 0, r.GetActiveSessionCount())
	for _, id := range ids {
		assert.Equal(t, 1, removed[id], id)
	}
	assert.False(t, r.RemoveSession("unknown"))
}

func TestNewClientSessionDefaults(t *testing.T) {
	s := NewClientSession("abcdefgh-1", nil, "test", &recordingGateway{}, Options{})
	assert.Equal(t, 15, s.options.MarkerRadius)
	assert.False(t, s.IsClosed())
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.True(t, s.IsClosed())
}
