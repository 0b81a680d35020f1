package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/remote-sandbox/client/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// echoServer answers every frame with an "echo" frame carrying the same data.
// Server-side Conns are delivered on accepted so tests can drive them.
func echoServer(t *testing.T) (*httptest.Server, <-chan *Conn) {
	t.Helper()
	accepted := make(chan *Conn, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConn(raw, Options{})
		accepted <- conn
		go func() {
			for frame := range conn.Events() {
				conn.Emit("echo", frame.Data)
			}
		}()
	}))
	t.Cleanup(srv.Close)
	return srv, accepted
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialTest(t *testing.T, srv *httptest.Server) Channel {
	t.Helper()
	d := &WebSocketDialer{URL: wsURL(srv), HandshakeTimeout: time.Second}
	ch, err := d.Dial(context.Background())
	require.NoError(t, err)
	return ch
}

func nextFrame(t *testing.T, ch Channel) model.Frame {
	t.Helper()
	select {
	case frame, ok := <-ch.Events():
		require.True(t, ok, "channel closed")
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return model.Frame{}
}

func TestConnEmitAndReceiveInOrder(t *testing.T) {
	srv, accepted := echoServer(t)
	ch := dialTest(t, srv)
	server := <-accepted

	for i := 0; i < 20; i++ {
		require.NoError(t, ch.Emit("output", model.OutputEvent{Data: strings.Repeat("x", i)}))
	}
	for i := 0; i < 20; i++ {
		frame := nextFrame(t, ch)
		assert.Equal(t, "echo", frame.Event)

		var out model.OutputEvent
		require.NoError(t, json.Unmarshal(frame.Data, &out))
		assert.Equal(t, strings.Repeat("x", i), out.Data)
	}

	require.NoError(t, ch.Close())
	assert.NoError(t, ch.Err(), "local close is not a failure")
	server.Close()

	_, ok := <-ch.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, ch.Emit("output", nil), ErrConnClosed)
	assert.NoError(t, ch.Close(), "second close is a no-op")
}

func TestConnEmitKeepsSignedBytes(t *testing.T) {
	frame, err := MarshalFrame("run_script", model.Envelope{
		Payload:   json.RawMessage(`{"client_id":1,"script_content":"a<b && c>d"}`),
		Signature: "abc",
	})
	require.NoError(t, err)
	assert.Equal(t,
		`{"event":"run_script","data":{"payload":{"client_id":1,"script_content":"a<b && c>d"},"signature":"abc"}}`,
		string(frame))
}

func TestConnPeerCloseSetsErr(t *testing.T) {
	srv, accepted := echoServer(t)
	ch := dialTest(t, srv)
	server := <-accepted

	server.Close()

	select {
	case _, ok := <-ch.Events():
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("events channel was not closed")
	}
	assert.Error(t, ch.Err())
	ch.Close()
}

func TestConnAbortSetsErr(t *testing.T) {
	srv, accepted := echoServer(t)
	ch := dialTest(t, srv)
	server := <-accepted

	server.Abort()

	select {
	case _, ok := <-ch.Events():
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("events channel was not closed")
	}
	assert.Error(t, ch.Err())
	ch.Close()
	server.Close()
}

func TestConnDropsMalformedFrames(t *testing.T) {
	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- raw
	}))
	defer srv.Close()

	ch := dialTest(t, srv)
	raw := <-accepted
	defer raw.Close()

	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte(`{"data":{}}`)))
	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte(`{"event":"output","data":{"data":"ok"}}`)))

	frame := nextFrame(t, ch)
	assert.Equal(t, model.EventOutput, frame.Event)
	assert.JSONEq(t, `{"data":"ok"}`, string(frame.Data))

	ch.Close()
}

func TestDialFailureCarriesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := &WebSocketDialer{URL: wsURL(srv), HandshakeTimeout: time.Second}
	_, err := d.Dial(context.Background())
	require.Error(t, err)

	var dialErr *DialError
	require.True(t, errors.As(err, &dialErr))
	require.NotNil(t, dialErr.Response)
	assert.Equal(t, http.StatusServiceUnavailable, dialErr.Response.StatusCode)
	assert.Contains(t, err.Error(), "HTTP 503")

	b := &Backoff{Min: 10 * time.Millisecond, Max: 5 * time.Second}
	assert.Equal(t, 2*time.Second, b.Next(err), "Retry-After wins over the schedule")
}

func TestDialUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	d := &WebSocketDialer{URL: "ws://127.0.0.1:1/socket", HandshakeTimeout: 500 * time.Millisecond}
	_, err := d.Dial(ctx)
	require.Error(t, err)

	var dialErr *DialError
	assert.True(t, errors.As(err, &dialErr))
	assert.Nil(t, dialErr.Response)
}
