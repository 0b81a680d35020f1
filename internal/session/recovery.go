package session

import (
	"errors"

	"github.com/remote-sandbox/client/internal/model"
)

// Decision is what the session does with a registration_result.
type Decision int

const (
	// Adopt the issued identity and become ready.
	Adopt Decision = iota
	// RetryFresh clears the stored identity and asks for a new one.
	RetryFresh
	// Fail surfaces the error and stops registering until a manual retry.
	Fail
)

func (d Decision) String() string {
	switch d {
	case Adopt:
		return "adopt"
	case RetryFresh:
		return "retry_fresh"
	case Fail:
		return "fail"
	default:
		return "unknown"
	}
}

// Outcome is the policy's verdict on one registration_result.
type Outcome struct {
	Decision Decision
	Identity model.Identity // set for Adopt
	Err      error          // set for Fail
}

// DefaultMaxFreshRetries bounds automatic re-registration per cycle.
const DefaultMaxFreshRetries = 1

// errMissingIdentity marks a success result that carries no usable identity.
var errMissingIdentity = errors.New("registration succeeded without a client id")

// RecoveryPolicy decides how registration proceeds. The zero value is not
// usable; start from DefaultRecoveryPolicy.
type RecoveryPolicy struct {
	// MaxFreshRetries is how many times a rejected identity is replaced by a
	// request for a new one before the session gives up.
	MaxFreshRetries int
	// InvalidIdentityMessage is the peer message meaning "identity not recognized".
	InvalidIdentityMessage string
}

// DefaultRecoveryPolicy retries once with a fresh identity.
func DefaultRecoveryPolicy() RecoveryPolicy {
	return RecoveryPolicy{
		MaxFreshRetries:        DefaultMaxFreshRetries,
		InvalidIdentityMessage: model.MessageInvalidClientID,
	}
}

// Request builds the registration request for a stored identity. An invalid
// identity asks the peer to allocate a new one.
func (p RecoveryPolicy) Request(stored model.Identity) model.RegistrationRequest {
	if !stored.Valid() {
		return model.RegistrationRequest{ClientID: model.NoIdentity}
	}
	return model.RegistrationRequest{ClientID: stored}
}

// Decide classifies a registration result. freshRetries is the number of
// fresh-identity retries already sent in this registration cycle. Once a
// fresh retry has been sent, every failure is reported as an invalidated
// identity with the peer's own diagnostic as the cause.
func (p RecoveryPolicy) Decide(result model.RegistrationResult, freshRetries int) Outcome {
	switch {
	case result.Succeeded() && result.ClientID.Valid():
		return Outcome{Decision: Adopt, Identity: result.ClientID}

	case result.Status == model.StatusError && p.isInvalidIdentity(result.Message):
		if freshRetries < p.MaxFreshRetries {
			return Outcome{Decision: RetryFresh}
		}
		return Outcome{Decision: Fail, Err: &model.Error{
			Kind:    model.ErrIdentityInvalidated,
			Op:      model.EventRegisterClient,
			Status:  result.Status,
			Message: result.Message,
		}}
	}

	cause := registrationFailure(result)
	if freshRetries == 0 {
		return Outcome{Decision: Fail, Err: cause}
	}
	return Outcome{Decision: Fail, Err: &model.Error{
		Kind:    model.ErrIdentityInvalidated,
		Op:      model.EventRegisterClient,
		Status:  result.Status,
		Message: result.Message,
		Err:     cause,
	}}
}

// registrationFailure categorizes a result that neither adopts an identity
// nor asks for a fresh one.
func registrationFailure(result model.RegistrationResult) *model.Error {
	switch {
	case result.Succeeded():
		return &model.Error{
			Kind:   model.ErrProtocol,
			Op:     model.EventRegisterClient,
			Status: result.Status,
			Err:    errMissingIdentity,
		}
	case result.Status == model.StatusError:
		// Signature or policy rejection. Never retried blindly.
		return &model.Error{
			Kind:    model.ErrAuthentication,
			Op:      model.EventRegisterClient,
			Status:  result.Status,
			Message: result.Message,
		}
	default:
		return &model.Error{
			Kind:    model.ErrUnknownStatus,
			Op:      model.EventRegisterClient,
			Status:  result.Status,
			Message: result.Message,
		}
	}
}

func (p RecoveryPolicy) isInvalidIdentity(message string) bool {
	want := p.InvalidIdentityMessage
	if want == "" {
		want = model.MessageInvalidClientID
	}
	return message == want
}
