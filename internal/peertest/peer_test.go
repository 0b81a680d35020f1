package peertest

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/remote-sandbox/client/internal/model"
	"github.com/remote-sandbox/client/internal/signer"
	"github.com/remote-sandbox/client/internal/ws"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type client struct {
	ch     ws.Channel
	signer *signer.Signer
}

func dial(t *testing.T, p *Peer, secret string) *client {
	t.Helper()
	d := &ws.WebSocketDialer{URL: p.URL(), HandshakeTimeout: time.Second}
	ch, err := d.Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return &client{ch: ch, signer: signer.New([]byte(secret))}
}

func (c *client) send(t *testing.T, event string, payload any) {
	t.Helper()
	env, err := c.signer.Seal(payload)
	require.NoError(t, err)
	require.NoError(t, c.ch.Emit(event, env))
}

func (c *client) next(t *testing.T, want string, into any) {
	t.Helper()
	select {
	case frame, ok := <-c.ch.Events():
		require.True(t, ok)
		require.Equal(t, want, frame.Event)
		require.NoError(t, json.Unmarshal(frame.Data, into))
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
}

func TestPeerRegistrationAndRecovery(t *testing.T) {
	p := New(Options{})
	defer p.Close()

	c := dial(t, p, "default_client_key")

	var res model.RegistrationResult
	c.send(t, model.EventRegisterClient, model.RegistrationRequest{ClientID: 0})
	c.next(t, model.EventRegistrationResult, &res)
	assert.Equal(t, model.RegistrationResult{Status: "success", ClientID: 1}, res)

	c.send(t, model.EventRegisterClient, model.RegistrationRequest{ClientID: 1})
	c.next(t, model.EventRegistrationResult, &res)
	assert.Equal(t, model.Identity(1), res.ClientID)

	c.send(t, model.EventRegisterClient, model.RegistrationRequest{ClientID: 50})
	res = model.RegistrationResult{}
	c.next(t, model.EventRegistrationResult, &res)
	assert.Equal(t, model.RegistrationResult{Status: "error", Message: model.MessageInvalidClientID}, res)

	p.Reset()
	c.send(t, model.EventRegisterClient, model.RegistrationRequest{ClientID: 1})
	res = model.RegistrationResult{}
	c.next(t, model.EventRegistrationResult, &res)
	assert.Equal(t, model.MessageInvalidClientID, res.Message, "a restarted peer forgets identities")

	assert.Equal(t, []model.Identity{0, 1, 50, 1}, p.Registrations())
}

func TestPeerRejectsBadSignature(t *testing.T) {
	p := New(Options{})
	defer p.Close()

	c := dial(t, p, "wrong")

	var res model.RegistrationResult
	c.send(t, model.EventRegisterClient, model.RegistrationRequest{ClientID: 0})
	c.next(t, model.EventRegistrationResult, &res)
	assert.Equal(t, model.MessageInvalidSignature, res.Message)

	var exec model.ExecutionResult
	c.send(t, model.EventRunScript, model.ExecutionRequest{ClientID: 1, ScriptContent: "x"})
	c.next(t, model.EventExecutionResult, &exec)
	assert.Equal(t, MessageNotRegistered, exec.Message)

	received := p.Received("")
	require.Len(t, received, 2)
	assert.False(t, received[0].Verified)
}

func TestPeerRunScriptStreamsOutput(t *testing.T) {
	p := New(Options{})
	defer p.Close()

	c := dial(t, p, "default_client_key")

	var res model.RegistrationResult
	c.send(t, model.EventRegisterClient, model.RegistrationRequest{})
	c.next(t, model.EventRegistrationResult, &res)

	var exec model.ExecutionResult
	c.send(t, model.EventRunScript, model.ExecutionRequest{ClientID: res.ClientID})
	c.next(t, model.EventExecutionResult, &exec)
	assert.Equal(t, MessageMissingScript, exec.Message)

	script := `print("<a> & b")`
	c.send(t, model.EventRunScript, model.ExecutionRequest{ClientID: res.ClientID, ScriptContent: script})

	var out model.OutputEvent
	c.next(t, model.EventOutput, &out)
	assert.Equal(t, script, out.Data)
	c.next(t, model.EventExecutionResult, &exec)
	assert.Equal(t, "success_quick", exec.Status)

	runs := p.Received(model.EventRunScript)
	require.Len(t, runs, 2)
	assert.True(t, runs[1].Verified, "html characters must survive signing and framing")
}

func TestPeerLogin(t *testing.T) {
	p := New(Options{RequireLogin: true})
	defer p.Close()
	p.AddUser("alice", "pw")

	c := dial(t, p, "default_client_key")

	var reg model.RegistrationResult
	c.send(t, model.EventRegisterClient, model.RegistrationRequest{})
	c.next(t, model.EventRegistrationResult, &reg)
	assert.Equal(t, MessageLoginRequired, reg.Message)

	var login model.LoginResult
	c.send(t, model.EventLogin, model.Credentials{Username: "alice", Password: "nope"})
	c.next(t, model.EventLoginResult, &login)
	assert.False(t, login.Success)

	login = model.LoginResult{}
	c.send(t, model.EventLogin, model.Credentials{Username: "alice", Password: "pw"})
	c.next(t, model.EventLoginResult, &login)
	assert.True(t, login.Success)

	reg = model.RegistrationResult{}
	c.send(t, model.EventRegisterClient, model.RegistrationRequest{})
	c.next(t, model.EventRegistrationResult, &reg)
	assert.True(t, reg.Succeeded())
}

func TestPeerHealthAndDrop(t *testing.T) {
	p := New(Options{})
	defer p.Close()

	httpClient := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := httpClient.Get(p.HTTPURL() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	httpClient.CloseIdleConnections()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	c := dial(t, p, "default_client_key")
	require.Eventually(t, func() bool { return p.ConnCount() == 1 }, time.Second, 5*time.Millisecond)

	p.DropConnections()
	select {
	case _, ok := <-c.ch.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not observe the drop")
	}
	assert.Error(t, c.ch.Err())
	assert.Equal(t, 1, p.Accepted())
}
