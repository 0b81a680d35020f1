package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-sandbox/client/internal/model"
)

func TestPromiseSettlesOnce(t *testing.T) {
	call := &Call{promise: newPromise[string](), Script: "x"}
	assert.False(t, call.Settled())

	var wg sync.WaitGroup
	wins := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wins <- call.settle("v", nil)
		}(i)
	}
	wg.Wait()
	close(wins)

	n := 0
	for won := range wins {
		if won {
			n++
		}
	}
	assert.Equal(t, 1, n)
	assert.True(t, call.Settled())

	v, err := call.Wait(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestPromiseWaitHonorsContext(t *testing.T) {
	call := &Call{promise: newPromise[string]()}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := call.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, call.Settled(), "giving up does not settle the call")
}

func TestCorrelatorFailAll(t *testing.T) {
	var c correlator
	exec := &Call{promise: newPromise[string]()}
	login := &LoginCall{promise: newPromise[model.LoginResult]()}
	c.exec, c.login = exec, login
	assert.Equal(t, 2, c.outstanding())

	cause := model.NewTransportError("channel", errors.New("reset"))
	c.failAll(cause)

	assert.Equal(t, 0, c.outstanding())
	_, err := exec.Wait(context.Background())
	assert.ErrorIs(t, err, model.ErrTransport)
	_, err = login.Wait(context.Background())
	assert.ErrorIs(t, err, model.ErrTransport)
}

func TestExecutionOutcome(t *testing.T) {
	code := 137

	tests := []struct {
		name    string
		result  model.ExecutionResult
		message string
		kind    error
		errText string
	}{
		{name: "success_quick", result: model.ExecutionResult{Status: "success_quick", Message: "done"}, message: "done"},
		{name: "success_async", result: model.ExecutionResult{Status: "success_async", Message: "started"}, message: "started"},
		{name: "plain success without message", result: model.ExecutionResult{Status: "success"}, message: ""},
		{
			name:    "runtime error",
			result:  model.ExecutionResult{Status: "runtime_error", Message: "boom"},
			kind:    model.ErrExecutionRuntime,
			errText: "boom",
		},
		{
			name:    "docker error with code only",
			result:  model.ExecutionResult{Status: "docker_error", Code: &code},
			kind:    model.ErrExecutionRuntime,
			errText: `run_script: execution runtime error (status "docker_error") (code 137)`,
		},
		{
			name:    "signature rejected",
			result:  model.ExecutionResult{Status: "error", Message: model.MessageInvalidSignature},
			kind:    model.ErrAuthentication,
			errText: model.MessageInvalidSignature,
		},
		{
			name:    "peer error",
			result:  model.ExecutionResult{Status: "error", Message: "Missing script_content."},
			kind:    model.ErrUnknownStatus,
			errText: "Missing script_content.",
		},
		{
			name:    "unregistered client error is an unknown status",
			result:  model.ExecutionResult{Status: "error", Message: "Client not registered or session expired."},
			kind:    model.ErrUnknownStatus,
			errText: "Client not registered or session expired.",
		},
		{
			name:   "unknown status",
			result: model.ExecutionResult{Status: "queued"},
			kind:   model.ErrUnknownStatus,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			message, err := executionOutcome(tt.result)
			if tt.kind == nil {
				require.NoError(t, err)
				assert.Equal(t, tt.message, message)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
			if tt.errText != "" {
				assert.Equal(t, tt.errText, err.Error())
			}

			var merr *model.Error
			require.True(t, errors.As(err, &merr))
			assert.Equal(t, tt.result.Status, merr.Status)
		})
	}
}

func TestLoginOutcome(t *testing.T) {
	assert.True(t, loginOutcome(model.LoginResult{Status: "success"}).Success)
	assert.True(t, loginOutcome(model.LoginResult{Success: true}).Success)
	assert.False(t, loginOutcome(model.LoginResult{Status: "error", Message: "no"}).Success)
}

func TestOutcomeLabel(t *testing.T) {
	assert.Equal(t, "success", outcomeLabel(nil))
	assert.Equal(t, "runtime_error", outcomeLabel(&model.Error{Kind: model.ErrExecutionRuntime}))
	assert.Equal(t, "transport_error", outcomeLabel(model.NewTransportError("x", errors.New("y"))))
	assert.Equal(t, "protocol_error", outcomeLabel(&model.Error{Kind: model.ErrUnknownStatus}))
}

func TestRelayForwardsInOrder(t *testing.T) {
	var got []string
	r := NewRelay(func(s string) { got = append(got, s) })
	for _, s := range []string{"a", "b", "", "a"} {
		r.Forward(s)
	}
	assert.Equal(t, []string{"a", "b", "", "a"}, got)

	NewRelay(nil).Forward("dropped")
	var nilRelay *Relay
	nilRelay.Forward("dropped")
}
