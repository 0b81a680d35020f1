package session

import (
	"context"
	"sync"

	"github.com/remote-sandbox/client/internal/model"
)

// promise settles exactly once with a value or an error.
type promise[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

func newPromise[T any]() promise[T] {
	return promise[T]{done: make(chan struct{})}
}

// settle records the outcome. Later calls are ignored and report false.
func (p *promise[T]) settle(value T, err error) bool {
	settled := false
	p.once.Do(func() {
		p.value = value
		p.err = err
		close(p.done)
		settled = true
	})
	return settled
}

// Done is closed once the outcome is known.
func (p *promise[T]) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the outcome is known or ctx is done. Giving up on ctx
// does not cancel the remote request.
func (p *promise[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Settled reports whether the outcome is known.
func (p *promise[T]) Settled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Call is a submitted script execution. It resolves with the peer's message
// or rejects with a *model.Error.
type Call struct {
	promise[string]
	Script string
}

// LoginCall is a submitted login. A rejected login resolves with
// Success == false; only transport loss produces an error.
type LoginCall struct {
	promise[model.LoginResult]
	Username string

	creds  model.Credentials
	replay bool
}

// correlator tracks the single in-flight request of each kind. It is guarded
// by the Manager's mutex.
type correlator struct {
	exec  *Call
	login *LoginCall
}

func (c *correlator) outstanding() int {
	n := 0
	if c.exec != nil {
		n++
	}
	if c.login != nil {
		n++
	}
	return n
}

// takeExec removes and returns the pending execution, if any.
func (c *correlator) takeExec() *Call {
	call := c.exec
	c.exec = nil
	return call
}

// takeLogin removes and returns the pending login, if any.
func (c *correlator) takeLogin() *LoginCall {
	call := c.login
	c.login = nil
	return call
}

// failAll rejects every pending request with err.
func (c *correlator) failAll(err error) {
	if call := c.takeExec(); call != nil {
		call.settle("", err)
	}
	if call := c.takeLogin(); call != nil {
		call.settle(model.LoginResult{}, err)
	}
}

// executionOutcome maps a terminal execution_result to the call's outcome.
func executionOutcome(result model.ExecutionResult) (string, error) {
	switch {
	case result.Succeeded():
		return result.Message, nil
	case result.Status == model.StatusRuntimeError, result.Status == model.StatusDockerError:
		return "", &model.Error{
			Kind:    model.ErrExecutionRuntime,
			Op:      model.EventRunScript,
			Status:  result.Status,
			Message: result.Message,
			Code:    result.Code,
		}
	case result.Status == model.StatusError && result.Message == model.MessageInvalidSignature:
		return "", &model.Error{
			Kind:    model.ErrAuthentication,
			Op:      model.EventRunScript,
			Status:  result.Status,
			Message: result.Message,
		}
	default:
		return "", &model.Error{
			Kind:    model.ErrUnknownStatus,
			Op:      model.EventRunScript,
			Status:  result.Status,
			Message: result.Message,
			Code:    result.Code,
		}
	}
}

// loginOutcome normalizes a login_result. Peers may report success through
// either field.
func loginOutcome(result model.LoginResult) model.LoginResult {
	result.Success = result.Success || result.Status == model.StatusSuccess
	return result
}

// outcomeLabel names an execution outcome for metrics.
func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case isKind(err, model.ErrExecutionRuntime):
		return "runtime_error"
	case isKind(err, model.ErrAuthentication):
		return "authentication_error"
	case isKind(err, model.ErrTransport):
		return "transport_error"
	default:
		return "protocol_error"
	}
}
