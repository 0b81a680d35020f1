// Package peertest runs an in-process sandbox peer over a real websocket
// endpoint so session code can be exercised end to end.
//
// The peer verifies envelope signatures over the received payload bytes,
// allocates identities from a counter, accepts recovery of any identity below
// the counter, and answers unknown identities with
// model.MessageInvalidClientID. Execution outcomes are scripted per test with
// SetExecHandler.
package peertest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/remote-sandbox/client/internal/logging"
	"github.com/remote-sandbox/client/internal/model"
	"github.com/remote-sandbox/client/internal/signer"
	"github.com/remote-sandbox/client/internal/ws"
)

// Peer messages that carry no protocol meaning for the client.
const (
	MessageNotRegistered = "Client not registered or session expired."
	MessageMissingScript = "Missing script_content."
	MessageLoginRequired = "Login required."
	MessageBadLogin      = "Invalid username or password."
)

// SocketPath is the websocket endpoint served by the peer.
const SocketPath = "/socket"

// Received is one inbound event as the peer saw it.
type Received struct {
	ConnID   string
	Event    string
	Payload  json.RawMessage
	Verified bool
}

// Execution is a verified run_script request handed to the ExecHandler.
type Execution struct {
	ClientID model.Identity
	Script   string

	conn *ws.Conn
}

// Output streams one fragment to the requesting connection.
func (e *Execution) Output(fragment string) {
	e.conn.Emit(model.EventOutput, model.OutputEvent{Data: fragment})
}

// ExecHandler decides the outcome of a run. A nil result leaves the client's
// call pending, which lets tests drop the connection mid-flight.
type ExecHandler func(exec *Execution) *model.ExecutionResult

// RegistrationHook may override the peer's answer to a verified
// register_client. Returning nil falls through to the default behavior.
type RegistrationHook func(req model.RegistrationRequest) *model.RegistrationResult

// Options configures a Peer.
type Options struct {
	Secret       []byte
	RequireLogin bool
	Logger       *zap.Logger
}

type connState struct {
	identity model.Identity
	authed   bool
}

// Peer is a fake sandbox server.
type Peer struct {
	signer   *signer.Signer
	logger   *zap.Logger
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu           sync.Mutex
	nextID       model.Identity
	registered   map[model.Identity]bool
	conns        map[*ws.Conn]*connState
	received     []Received
	exec         ExecHandler
	registerHook RegistrationHook
	users        map[string]string
	requireLogin bool
	accepted     int
	closed       bool

	serving sync.WaitGroup
}

// New starts a peer listening on a loopback address.
func New(opts Options) *Peer {
	secret := opts.Secret
	if len(secret) == 0 {
		secret = []byte("default_client_key")
	}

	p := &Peer{
		signer: signer.New(secret),
		logger: logging.OrNop(opts.Logger).Named("peer"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		nextID:       1,
		registered:   make(map[model.Identity]bool),
		conns:        make(map[*ws.Conn]*connState),
		users:        make(map[string]string),
		requireLogin: opts.RequireLogin,
		exec:         Echo,
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET(SocketPath, p.handleSocket)

	p.server = httptest.NewServer(router)
	return p
}

// URL returns the websocket endpoint.
func (p *Peer) URL() string {
	return "ws" + strings.TrimPrefix(p.server.URL, "http") + SocketPath
}

// HTTPURL returns the base http URL of the peer.
func (p *Peer) HTTPURL() string {
	return p.server.URL
}

// Close drops every connection and stops the server.
func (p *Peer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.closeConns(false)
	p.server.Close()
	p.serving.Wait()
}

// DropConnections aborts every open connection without a close handshake.
func (p *Peer) DropConnections() {
	p.closeConns(true)
}

func (p *Peer) closeConns(abort bool) {
	p.mu.Lock()
	conns := make([]*ws.Conn, 0, len(p.conns))
	for conn := range p.conns {
		conns = append(conns, conn)
	}
	p.mu.Unlock()

	for _, conn := range conns {
		if abort {
			conn.Abort()
		} else {
			conn.Close()
		}
	}
}

// Reset forgets every issued identity, as a restarted peer would.
func (p *Peer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID = 1
	p.registered = make(map[model.Identity]bool)
}

// SetNextID sets the next identity the peer will allocate.
func (p *Peer) SetNextID(id model.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID = id
}

// SetExecHandler replaces the execution handler.
func (p *Peer) SetExecHandler(h ExecHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exec = h
}

// SetRegistrationHook installs a hook consulted before default registration.
func (p *Peer) SetRegistrationHook(h RegistrationHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registerHook = h
}

// AddUser accepts username/password on login.
func (p *Peer) AddUser(username, password string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[username] = password
}

// Accepted returns how many websocket connections the peer has accepted.
func (p *Peer) Accepted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accepted
}

// ConnCount returns the number of open connections.
func (p *Peer) ConnCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Received returns the inbound events, optionally filtered by event name.
func (p *Peer) Received(event string) []Received {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Received
	for _, r := range p.received {
		if event == "" || r.Event == event {
			out = append(out, r)
		}
	}
	return out
}

// Registrations returns the client_id of every register_client received.
func (p *Peer) Registrations() []model.Identity {
	var ids []model.Identity
	for _, r := range p.Received(model.EventRegisterClient) {
		var req model.RegistrationRequest
		if err := json.Unmarshal(r.Payload, &req); err == nil {
			ids = append(ids, req.ClientID)
		}
	}
	return ids
}

// Broadcast sends an event to every open connection.
func (p *Peer) Broadcast(event string, data any) {
	p.mu.Lock()
	conns := make([]*ws.Conn, 0, len(p.conns))
	for conn := range p.conns {
		conns = append(conns, conn)
	}
	p.mu.Unlock()

	for _, conn := range conns {
		conn.Emit(event, data)
	}
}

func (p *Peer) handleSocket(c *gin.Context) {
	raw, err := p.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		p.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		raw.Close()
		return
	}
	conn := ws.NewConn(raw, ws.Options{Logger: p.logger})
	p.conns[conn] = &connState{}
	p.accepted++
	p.serving.Add(1)
	p.mu.Unlock()

	defer p.serving.Done()
	defer func() {
		p.mu.Lock()
		delete(p.conns, conn)
		p.mu.Unlock()
		conn.Close()
	}()

	for frame := range conn.Events() {
		p.dispatch(conn, frame)
	}
}
