package ws

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/remote-sandbox/client/internal/logging"
)

// Dialer opens channels to the peer.
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}

// DialError is returned when the websocket handshake fails. Response is the
// peer's HTTP answer to the upgrade request, if one arrived.
type DialError struct {
	URL      string
	Response *http.Response
	Err      error
}

func (e *DialError) Error() string {
	if e.Response != nil {
		return fmt.Sprintf("dial %s: %v (HTTP %d)", e.URL, e.Err, e.Response.StatusCode)
	}
	return fmt.Sprintf("dial %s: %v", e.URL, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

// WebSocketDialer dials the peer over gorilla/websocket.
type WebSocketDialer struct {
	URL                string
	Header             http.Header
	HandshakeTimeout   time.Duration
	InsecureSkipVerify bool
	PingPeriod         time.Duration
	Logger             *zap.Logger
}

// Dial performs the websocket handshake and returns a running Conn.
func (d *WebSocketDialer) Dial(ctx context.Context) (Channel, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	if d.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, &DialError{URL: d.URL, Response: resp, Err: err}
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := NewConn(conn, Options{Logger: d.Logger, PingPeriod: d.PingPeriod})
	logging.OrNop(d.Logger).Debug("channel open", zap.String("url", d.URL), zap.String("conn", c.ID()))
	return c, nil
}
