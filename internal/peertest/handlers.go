package peertest

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/remote-sandbox/client/internal/model"
	"github.com/remote-sandbox/client/internal/ws"
)

// Echo answers every run with the script as one output fragment followed by
// success_quick.
func Echo(exec *Execution) *model.ExecutionResult {
	exec.Output(exec.Script)
	return &model.ExecutionResult{Status: "success_quick", Message: "done"}
}

// Pending never settles a run.
func Pending(*Execution) *model.ExecutionResult {
	return nil
}

// dispatch handles one inbound frame. It runs on the connection's serve
// goroutine, so frames from one client are handled in order.
func (p *Peer) dispatch(conn *ws.Conn, frame model.Frame) {
	var env model.Envelope
	verified := false
	if err := json.Unmarshal(frame.Data, &env); err == nil && env.Signature != "" && len(env.Payload) > 0 {
		verified = p.signer.Verify(env.Payload, env.Signature)
	}

	p.mu.Lock()
	p.received = append(p.received, Received{
		ConnID:   conn.ID(),
		Event:    frame.Event,
		Payload:  env.Payload,
		Verified: verified,
	})
	p.mu.Unlock()

	p.logger.Debug("event received",
		zap.String("conn", conn.ID()),
		zap.String("event", frame.Event),
		zap.Bool("verified", verified),
	)

	switch frame.Event {
	case model.EventRegisterClient:
		p.handleRegister(conn, env, verified)
	case model.EventRunScript:
		p.handleRunScript(conn, env, verified)
	case model.EventLogin:
		p.handleLogin(conn, env, verified)
	default:
		p.logger.Debug("ignoring unknown event", zap.String("event", frame.Event))
	}
}

func (p *Peer) handleRegister(conn *ws.Conn, env model.Envelope, verified bool) {
	if !verified {
		conn.Emit(model.EventRegistrationResult, model.RegistrationResult{
			Status:  model.StatusError,
			Message: model.MessageInvalidSignature,
		})
		return
	}

	var req model.RegistrationRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		conn.Emit(model.EventRegistrationResult, model.RegistrationResult{
			Status:  model.StatusError,
			Message: err.Error(),
		})
		return
	}

	p.mu.Lock()
	state := p.conns[conn]
	hook := p.registerHook
	if state != nil && p.requireLogin && !state.authed {
		p.mu.Unlock()
		conn.Emit(model.EventRegistrationResult, model.RegistrationResult{
			Status:  model.StatusError,
			Message: MessageLoginRequired,
		})
		return
	}
	p.mu.Unlock()

	if hook != nil {
		if result := hook(req); result != nil {
			if result.Succeeded() && state != nil {
				p.mu.Lock()
				state.identity = result.ClientID
				p.mu.Unlock()
			}
			conn.Emit(model.EventRegistrationResult, result)
			return
		}
	}

	p.mu.Lock()
	var result model.RegistrationResult
	switch {
	case !req.ClientID.Valid():
		id := p.nextID
		p.nextID++
		p.registered[id] = true
		result = model.RegistrationResult{Status: model.StatusSuccess, ClientID: id}
	case p.registered[req.ClientID] || req.ClientID < p.nextID:
		p.registered[req.ClientID] = true
		result = model.RegistrationResult{Status: model.StatusSuccess, ClientID: req.ClientID}
	default:
		result = model.RegistrationResult{Status: model.StatusError, Message: model.MessageInvalidClientID}
	}
	if result.Succeeded() && state != nil {
		state.identity = result.ClientID
	}
	p.mu.Unlock()

	conn.Emit(model.EventRegistrationResult, result)
}

func (p *Peer) handleRunScript(conn *ws.Conn, env model.Envelope, verified bool) {
	p.mu.Lock()
	state := p.conns[conn]
	registered := state != nil && state.identity.Valid()
	p.mu.Unlock()

	if !registered {
		conn.Emit(model.EventExecutionResult, model.ExecutionResult{
			Status:  model.StatusError,
			Message: MessageNotRegistered,
		})
		return
	}
	if !verified {
		conn.Emit(model.EventExecutionResult, model.ExecutionResult{
			Status:  model.StatusError,
			Message: model.MessageInvalidSignature,
		})
		return
	}

	var req model.ExecutionRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.ScriptContent == "" {
		conn.Emit(model.EventExecutionResult, model.ExecutionResult{
			Status:  model.StatusError,
			Message: MessageMissingScript,
		})
		return
	}
	p.mu.Lock()
	exec := p.exec
	if p.closed || exec == nil {
		p.mu.Unlock()
		return
	}
	p.serving.Add(1)
	p.mu.Unlock()

	// Runs complete in the background like the real executor; the serve loop
	// keeps reading while output streams.
	go func() {
		defer p.serving.Done()
		result := exec(&Execution{ClientID: req.ClientID, Script: req.ScriptContent, conn: conn})
		if result != nil {
			conn.Emit(model.EventExecutionResult, result)
		}
	}()
}

func (p *Peer) handleLogin(conn *ws.Conn, env model.Envelope, verified bool) {
	if !verified {
		conn.Emit(model.EventLoginResult, model.LoginResult{
			Status:  model.StatusError,
			Message: model.MessageInvalidSignature,
		})
		return
	}

	var creds model.Credentials
	if err := json.Unmarshal(env.Payload, &creds); err != nil {
		conn.Emit(model.EventLoginResult, model.LoginResult{Status: model.StatusError, Message: err.Error()})
		return
	}

	p.mu.Lock()
	want, ok := p.users[creds.Username]
	accepted := ok && want == creds.Password
	if state := p.conns[conn]; state != nil && accepted {
		state.authed = true
	}
	p.mu.Unlock()

	if !accepted {
		conn.Emit(model.EventLoginResult, model.LoginResult{Status: model.StatusError, Message: MessageBadLogin})
		return
	}
	conn.Emit(model.EventLoginResult, model.LoginResult{Status: model.StatusSuccess, Success: true})
}
