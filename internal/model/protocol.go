package model

import (
	"encoding/json"
	"strings"
)

// Identity is the peer-issued handle identifying this client across sessions.
// NoIdentity asks the peer to allocate a new one.
type Identity int64

// NoIdentity requests allocation of a fresh identity.
const NoIdentity Identity = 0

// Valid reports whether the identity was issued by the peer.
func (id Identity) Valid() bool {
	return id > 0
}

// Event names on the wire.
const (
	// Client -> peer
	EventRegisterClient = "register_client"
	EventRunScript      = "run_script"
	EventLogin          = "login"

	// Peer -> client
	EventRegistrationResult = "registration_result"
	EventExecutionResult    = "execution_result"
	EventOutput             = "output"
	EventLoginResult        = "login_result"
)

// Peer statuses.
const (
	StatusSuccess      = "success"
	StatusError        = "error"
	StatusRuntimeError = "runtime_error"
	StatusDockerError  = "docker_error"
)

// Peer messages with protocol meaning.
const (
	// MessageInvalidClientID is sent when a recovery request names an unknown identity.
	MessageInvalidClientID = "Invalid client ID requested."

	// MessageInvalidSignature is sent when the envelope signature does not verify.
	MessageInvalidSignature = "Invalid or missing HMAC signature"
)

// Frame is a single event on the duplex channel.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Envelope wraps a canonical payload with its signature. Payload holds the
// exact bytes that were signed.
type Envelope struct {
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// RegistrationRequest asks the peer for a new (ClientID == 0) or existing identity.
// Field order is part of the signature contract.
type RegistrationRequest struct {
	ClientID Identity `json:"client_id"`
}

// ExecutionRequest asks the peer to run a script for ClientID.
// Field order is part of the signature contract.
type ExecutionRequest struct {
	ClientID      Identity `json:"client_id"`
	ScriptContent string   `json:"script_content"`
}

// Credentials are sent with the login event.
// Field order is part of the signature contract.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegistrationResult is the payload of registration_result.
type RegistrationResult struct {
	Status   string   `json:"status"`
	ClientID Identity `json:"client_id,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// Succeeded reports whether the peer accepted the registration.
func (r *RegistrationResult) Succeeded() bool {
	return r.Status == StatusSuccess
}

// ExecutionResult is the payload of execution_result.
type ExecutionResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Code    *int   `json:"code,omitempty"`
}

// Succeeded reports whether the status is any success variant
// (success, success_quick, success_async, ...).
func (r *ExecutionResult) Succeeded() bool {
	return strings.HasPrefix(r.Status, StatusSuccess)
}

// OutputEvent is the payload of output.
type OutputEvent struct {
	Data string `json:"data"`
}

// LoginResult is the payload of login_result and the resolved value of a login call.
type LoginResult struct {
	Status  string `json:"status,omitempty"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
