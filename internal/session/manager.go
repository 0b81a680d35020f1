package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/remote-sandbox/client/internal/logging"
	"github.com/remote-sandbox/client/internal/model"
	"github.com/remote-sandbox/client/internal/monitoring"
	"github.com/remote-sandbox/client/internal/signer"
	"github.com/remote-sandbox/client/internal/ws"
)

// IdentityStore persists the last confirmed identity.
type IdentityStore interface {
	Load(ctx context.Context) (model.Identity, error)
	Save(ctx context.Context, id model.Identity) error
	Clear(ctx context.Context) error
}

// Config holds configuration for the session manager.
type Config struct {
	Dialer ws.Dialer
	Signer *signer.Signer
	Store  IdentityStore

	// Policy defaults to DefaultRecoveryPolicy.
	Policy *RecoveryPolicy

	// RequireLogin inserts the AwaitingLogin state before registration.
	RequireLogin bool

	// Reconnect redials after the channel drops or a dial fails.
	Reconnect    bool
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// OnOutput receives every output fragment in arrival order. It runs on
	// the session's reader goroutine and must not block for long. A Close
	// issued from the sink does not wait for the connect loop, which stops
	// once the sink returns.
	OnOutput func(fragment string)

	Logger  *zap.Logger
	Metrics *monitoring.Metrics
}

const (
	defaultReconnectMin = time.Second
	defaultReconnectMax = 5 * time.Second
)

// Manager owns one session with the peer.
type Manager struct {
	dialer       ws.Dialer
	signer       *signer.Signer
	store        IdentityStore
	policy       RecoveryPolicy
	relay        *Relay
	logger       *zap.Logger
	metrics      *monitoring.Metrics
	requireLogin bool
	reconnect    bool
	reconnectMin time.Duration
	reconnectMax time.Duration

	mu           sync.Mutex
	state        model.SessionState
	identity     model.Identity
	lastErr      error
	ch           ws.Channel
	freshRetries int
	calls        correlator
	credentials  *model.Credentials
	changed      chan struct{}
	opened       bool
	closed       bool
	relaying     bool
	ctx          context.Context
	cancel       context.CancelFunc
	stopped      chan struct{}
}

// NewManager creates a session manager. Nothing is dialed until Open.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("session: dialer is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("session: signer is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("session: identity store is required")
	}

	policy := DefaultRecoveryPolicy()
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = max(defaultReconnectMax, cfg.ReconnectMin)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = monitoring.NewMetrics(nil)
	}

	m := &Manager{
		dialer:       cfg.Dialer,
		signer:       cfg.Signer,
		store:        cfg.Store,
		policy:       policy,
		relay:        NewRelay(cfg.OnOutput),
		logger:       logging.OrNop(cfg.Logger).Named("session"),
		metrics:      cfg.Metrics,
		requireLogin: cfg.RequireLogin,
		reconnect:    cfg.Reconnect,
		reconnectMin: cfg.ReconnectMin,
		reconnectMax: cfg.ReconnectMax,
		state:        model.StateDisconnected,
		changed:      make(chan struct{}),
	}
	m.metrics.ObserveState(m.state)
	return m, nil
}

// Open loads the stored identity and starts connecting in the background.
// The session lives until Close or until ctx is cancelled. Calling Open on
// an open session does nothing.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return model.ErrClosed
	}
	if m.opened {
		return nil
	}

	id, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Warn("failed to load stored identity", zap.Error(err))
	} else if id.Valid() {
		m.identity = id
	}

	m.opened = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.stopped = make(chan struct{})
	m.notifyLocked()

	m.logger.Info("session opening", zap.Int64("stored_client_id", int64(m.identity)))
	go m.run(m.ctx)
	return nil
}

// Close tears the session down: the channel is released, pending requests
// are rejected and no further transitions happen. It is safe to call more
// than once. Close waits for the connect loop unless an output fragment is
// being delivered, since the sink itself may be the caller.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel, stopped := m.cancel, m.stopped
	wait := !m.relaying
	m.notifyLocked()
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		if wait {
			<-stopped
		}
	}
	m.logger.Info("session closed")
	return nil
}

// SubmitExecution signs and sends a script for execution. It fails
// immediately with model.ErrNotReady unless the session is Ready, and with
// model.ErrBusy while another execution is pending; nothing is sent then.
func (m *Manager) SubmitExecution(script string) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, model.ErrClosed
	}
	if m.state != model.StateReady {
		return nil, model.ErrNotReady
	}
	if m.calls.exec != nil {
		return nil, model.ErrBusy
	}

	req := model.ExecutionRequest{ClientID: m.identity, ScriptContent: script}
	if err := m.sendLocked(model.EventRunScript, req); err != nil {
		return nil, model.NewTransportError(model.EventRunScript, err)
	}

	call := &Call{promise: newPromise[string](), Script: script}
	m.calls.exec = call
	m.metrics.OutstandingCalls.Set(float64(m.calls.outstanding()))
	m.logger.Debug("execution submitted",
		zap.Int64("client_id", int64(m.identity)),
		zap.Int("script_bytes", len(script)),
	)
	return call, nil
}

// SubmitLogin signs and sends credentials. It is accepted only in
// AwaitingLogin. Successful credentials are replayed after a reconnect.
func (m *Manager) SubmitLogin(creds model.Credentials) (*LoginCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, model.ErrClosed
	}
	if m.state != model.StateAwaitingLogin {
		return nil, model.ErrNotReady
	}
	if m.calls.login != nil {
		return nil, model.ErrBusy
	}
	return m.loginLocked(creds, false)
}

// Retry restarts registration after RegistrationFailed.
func (m *Manager) Retry() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return model.ErrClosed
	}
	if m.state != model.StateRegistrationFailed {
		return model.ErrNotReady
	}

	m.logger.Info("retrying registration")
	m.freshRetries = 0
	m.beginRegistrationLocked()
	return nil
}

func (m *Manager) run(ctx context.Context) {
	defer m.finish()

	backoff := ws.Backoff{Min: m.reconnectMin, Max: m.reconnectMax}
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			m.metrics.Reconnects.Inc()
		}
		if !m.beginConnect() {
			return
		}

		ch, err := m.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.dialFailed(err)
			if !m.reconnect || !sleepCtx(ctx, backoff.Next(err)) {
				return
			}
			continue
		}
		backoff.Reset()

		if !m.attach(ch) {
			ch.Close()
			return
		}
		m.serve(ctx, ch)
		ch.Close()
		m.detach(ch, ch.Err())

		if ctx.Err() != nil || !m.reconnect || !sleepCtx(ctx, backoff.Next(nil)) {
			return
		}
	}
}

// finish runs when the connect loop exits.
func (m *Manager) finish() {
	m.mu.Lock()
	m.ch = nil
	m.failPendingLocked(m.transportCauseLocked(nil))
	m.setStateLocked(model.StateDisconnected)
	stopped := m.stopped
	m.mu.Unlock()
	close(stopped)
}

func (m *Manager) beginConnect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.setStateLocked(model.StateConnecting)
	return true
}

func (m *Manager) dialFailed(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Warn("dial failed", zap.Error(err))
	m.lastErr = model.NewTransportError("dial", err)
	m.setStateLocked(model.StateDisconnected)
	m.notifyLocked()
}

// attach installs a freshly dialed channel and starts login or registration.
func (m *Manager) attach(ch ws.Channel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.ch = ch
	m.freshRetries = 0
	m.lastErr = nil
	m.logger.Info("channel open", zap.String("conn", ch.ID()))

	if !m.requireLogin {
		m.beginRegistrationLocked()
		return true
	}

	m.setStateLocked(model.StateAwaitingLogin)
	if m.credentials != nil {
		if _, err := m.loginLocked(*m.credentials, true); err != nil {
			m.logger.Warn("failed to replay login", zap.Error(err))
		}
	}
	return true
}

// detach releases a channel that stopped delivering events. Pending
// requests are rejected; the stored identity is kept for the next cycle.
func (m *Manager) detach(ch ws.Channel, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ch == ch {
		m.ch = nil
	}
	cause := m.transportCauseLocked(err)
	m.failPendingLocked(cause)
	if !m.closed {
		m.lastErr = cause
		m.logger.Warn("channel lost",
			zap.String("conn", ch.ID()),
			zap.Int64("client_id", int64(m.identity)),
			zap.Error(err),
		)
	}
	m.setStateLocked(model.StateDisconnected)
	m.notifyLocked()
}

func (m *Manager) transportCauseLocked(err error) *model.Error {
	if m.closed {
		return model.NewTransportError("close", model.ErrClosed)
	}
	if err == nil {
		err = ws.ErrConnClosed
	}
	return model.NewTransportError("channel", err)
}

func (m *Manager) failPendingLocked(cause error) {
	if m.calls.exec != nil {
		m.metrics.Executions.WithLabelValues(outcomeLabel(cause)).Inc()
	}
	if m.calls.login != nil {
		m.metrics.Logins.WithLabelValues("transport_error").Inc()
	}
	m.calls.failAll(cause)
	m.metrics.OutstandingCalls.Set(0)
}

// serve delivers inbound frames one at a time until the channel ends.
func (m *Manager) serve(ctx context.Context, ch ws.Channel) {
	for {
		select {
		case frame, ok := <-ch.Events():
			if !ok {
				return
			}
			m.handleFrame(frame)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) handleFrame(frame model.Frame) {
	// Output does not touch session state, so the sink runs without the
	// lock. It still runs on this goroutine, so every fragment is delivered
	// before a later execution_result settles the call.
	if frame.Event == model.EventOutput {
		m.relayOutput(frame.Data)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	switch frame.Event {
	case model.EventRegistrationResult:
		m.onRegistrationResult(frame.Data)
	case model.EventExecutionResult:
		m.onExecutionResult(frame.Data)
	case model.EventLoginResult:
		m.onLoginResult(frame.Data)
	default:
		m.logger.Debug("ignoring event", zap.String("event", frame.Event))
	}
}

func (m *Manager) relayOutput(data json.RawMessage) {
	var out model.OutputEvent
	if err := json.Unmarshal(data, &out); err != nil {
		m.logger.Warn("dropping malformed output", zap.Error(err))
		return
	}
	m.metrics.OutputFragments.Inc()

	m.mu.Lock()
	m.relaying = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.relaying = false
		m.mu.Unlock()
	}()
	m.relay.Forward(out.Data)
}

// beginRegistrationLocked sends register_client for the stored identity.
func (m *Manager) beginRegistrationLocked() {
	stored, err := m.store.Load(m.ctx)
	if err != nil {
		m.logger.Warn("failed to load stored identity", zap.Error(err))
		stored = m.identity
	}

	m.setStateLocked(model.StateAwaitingRegistration)
	req := m.policy.Request(stored)
	if err := m.sendLocked(model.EventRegisterClient, req); err != nil {
		m.logger.Warn("failed to send registration", zap.Error(err))
		return
	}
	m.logger.Debug("registration sent", zap.Int64("client_id", int64(req.ClientID)))
}

func (m *Manager) onRegistrationResult(data json.RawMessage) {
	if m.state != model.StateAwaitingRegistration {
		m.logger.Debug("ignoring registration_result", zap.Stringer("state", m.state))
		return
	}

	var result model.RegistrationResult
	if err := json.Unmarshal(data, &result); err != nil {
		m.failRegistrationLocked(&model.Error{
			Kind: model.ErrProtocol,
			Op:   model.EventRegistrationResult,
			Err:  err,
		})
		return
	}

	outcome := m.policy.Decide(result, m.freshRetries)
	switch outcome.Decision {
	case Adopt:
		m.adoptLocked(outcome.Identity)
	case RetryFresh:
		m.retryFreshLocked()
	default:
		m.failRegistrationLocked(outcome.Err)
	}
}

// adoptLocked persists the issued identity before becoming Ready. A storage
// failure is reported through LastError but does not block the session.
func (m *Manager) adoptLocked(id model.Identity) {
	m.lastErr = nil
	if err := m.store.Save(m.ctx, id); err != nil {
		m.lastErr = fmt.Errorf("failed to persist identity: %w", err)
		m.logger.Warn("failed to persist identity", zap.Int64("client_id", int64(id)), zap.Error(err))
	}

	previous := m.identity
	m.identity = id
	m.metrics.Registrations.WithLabelValues("success").Inc()
	m.logger.Info("registered",
		zap.Int64("client_id", int64(id)),
		zap.Bool("new_identity", previous != id),
		zap.Int("fresh_retries", m.freshRetries),
	)
	m.setStateLocked(model.StateReady)
	m.notifyLocked()
}

// retryFreshLocked forgets the rejected identity and asks for a new one.
func (m *Manager) retryFreshLocked() {
	m.logger.Info("peer rejected stored identity, requesting a new one",
		zap.Int64("client_id", int64(m.identity)),
	)
	if err := m.store.Clear(m.ctx); err != nil {
		m.logger.Warn("failed to clear stored identity", zap.Error(err))
	}
	m.identity = model.NoIdentity
	m.freshRetries++
	m.metrics.Registrations.WithLabelValues("identity_rejected").Inc()
	m.metrics.Recoveries.Inc()
	m.notifyLocked()

	if err := m.sendLocked(model.EventRegisterClient, m.policy.Request(model.NoIdentity)); err != nil {
		m.logger.Warn("failed to send registration", zap.Error(err))
	}
}

func (m *Manager) failRegistrationLocked(err error) {
	m.lastErr = err
	m.metrics.Registrations.WithLabelValues("failed").Inc()
	m.logger.Warn("registration failed", zap.Error(err), zap.Int("fresh_retries", m.freshRetries))
	m.setStateLocked(model.StateRegistrationFailed)
	m.notifyLocked()
}

func (m *Manager) onExecutionResult(data json.RawMessage) {
	call := m.calls.takeExec()
	if call == nil {
		m.logger.Debug("ignoring unsolicited execution_result")
		return
	}
	defer m.metrics.OutstandingCalls.Set(float64(m.calls.outstanding()))

	var result model.ExecutionResult
	if err := json.Unmarshal(data, &result); err != nil {
		perr := &model.Error{Kind: model.ErrProtocol, Op: model.EventExecutionResult, Err: err}
		call.settle("", perr)
		m.metrics.Executions.WithLabelValues(outcomeLabel(perr)).Inc()
		return
	}

	message, err := executionOutcome(result)
	call.settle(message, err)
	m.metrics.Executions.WithLabelValues(outcomeLabel(err)).Inc()
	m.logger.Debug("execution settled", zap.String("status", result.Status), zap.Error(err))
}

// loginLocked signs and sends a login. replay marks credentials remembered
// from an earlier connection.
func (m *Manager) loginLocked(creds model.Credentials, replay bool) (*LoginCall, error) {
	if err := m.sendLocked(model.EventLogin, creds); err != nil {
		return nil, model.NewTransportError(model.EventLogin, err)
	}
	call := &LoginCall{
		promise:  newPromise[model.LoginResult](),
		Username: creds.Username,
		creds:    creds,
		replay:   replay,
	}
	m.calls.login = call
	m.metrics.OutstandingCalls.Set(float64(m.calls.outstanding()))
	m.logger.Debug("login sent", zap.String("username", creds.Username), zap.Bool("replay", replay))
	return call, nil
}

func (m *Manager) onLoginResult(data json.RawMessage) {
	call := m.calls.takeLogin()
	if call == nil {
		m.logger.Debug("ignoring unsolicited login_result")
		return
	}
	defer m.metrics.OutstandingCalls.Set(float64(m.calls.outstanding()))

	var result model.LoginResult
	if err := json.Unmarshal(data, &result); err != nil {
		call.settle(model.LoginResult{}, &model.Error{Kind: model.ErrProtocol, Op: model.EventLoginResult, Err: err})
		m.metrics.Logins.WithLabelValues("protocol_error").Inc()
		return
	}
	result = loginOutcome(result)
	call.settle(result, nil)

	if !result.Success {
		m.metrics.Logins.WithLabelValues("rejected").Inc()
		if call.replay {
			m.credentials = nil
		}
		m.lastErr = &model.Error{
			Kind:    model.ErrAuthentication,
			Op:      model.EventLogin,
			Status:  result.Status,
			Message: result.Message,
		}
		m.logger.Warn("login rejected", zap.String("username", call.Username), zap.String("message", result.Message))
		m.notifyLocked()
		return
	}

	m.metrics.Logins.WithLabelValues("success").Inc()
	creds := call.creds
	m.credentials = &creds
	m.lastErr = nil
	m.logger.Info("logged in", zap.String("username", call.Username))
	if m.state == model.StateAwaitingLogin {
		m.beginRegistrationLocked()
	}
}

// sendLocked seals payload and queues it on the channel.
func (m *Manager) sendLocked(event string, payload any) error {
	if m.ch == nil {
		return ws.ErrConnClosed
	}
	env, err := m.signer.Seal(payload)
	if err != nil {
		return err
	}
	return m.ch.Emit(event, env)
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
