package testuser

import (
	"errors"
	"fmt"

	"github.com/MrEthical07/testuser/idp"
	"github.com/MrEthical07/testuser/internal/rate"
	"github.com/MrEthical07/testuser/internal/store"
	"github.com/MrEthical07/testuser/internal/waiters"
)

var (
	// ErrValidation reports missing or malformed input. It is never retried.
	ErrValidation = errors.New("invalid request")
	// ErrNotStaging reports an email that is not currently staged.
	ErrNotStaging = errors.New("account not staging")
	// ErrTimeout reports that verification did not complete before the wait
	// deadline. The caller must provision again.
	ErrTimeout = errors.New("timed out waiting for verification")
	// ErrAccountNotFound is returned for unknown or already reclaimed emails.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountExists is returned when a generated email is already stored.
	ErrAccountExists = errors.New("account already exists")
	// ErrPasswordMismatch is returned when the supplied credential does not
	// match the stored one.
	ErrPasswordMismatch = errors.New("password mismatch")
	// ErrVerificationFailed reports that the IdP refused to complete creation.
	ErrVerificationFailed = errors.New("verification failed")
	// ErrProvisionRateLimited is returned when an environment's provisioning
	// budget is spent for the current window.
	ErrProvisionRateLimited = errors.New("provisioning rate limited")
	// ErrStoreUnavailable wraps account store failures.
	ErrStoreUnavailable = errors.New("account store unavailable")
	// ErrEngineNotReady is returned by methods called on a nil or closed engine.
	ErrEngineNotReady = errors.New("engine not ready")
	// ErrAlreadyRunning is returned by a second call to [Engine.Run].
	ErrAlreadyRunning = errors.New("engine already running")
	// ErrUnknownEnvironment is returned for environment names missing from
	// the configuration.
	ErrUnknownEnvironment = errors.New("unknown environment")
	// ErrWaiterExists is returned when someone already waits on the email.
	ErrWaiterExists = errors.New("already waiting for account")

	// ErrFlooding is the IdP's 429. Callers should back off.
	ErrFlooding = idp.ErrFlooding
	// ErrAuthenticationFailed is returned when the IdP rejects credentials.
	ErrAuthenticationFailed = idp.ErrAuthenticationFailed
	// ErrNoSessionContext is returned when an account has no usable stored
	// IdP session.
	ErrNoSessionContext = idp.ErrNoSessionContext
)

// ProtocolError is a non-200 IdP response.
type ProtocolError = idp.ProtocolError

// translate maps internal package errors onto the public taxonomy. Errors
// already public, including IdP errors, pass through unchanged.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrValidation):
		return fmt.Errorf("%w: %v", ErrValidation, err)
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrAccountNotFound, err)
	case errors.Is(err, store.ErrNotStaging):
		return fmt.Errorf("%w: %v", ErrNotStaging, err)
	case errors.Is(err, store.ErrExists):
		return fmt.Errorf("%w: %v", ErrAccountExists, err)
	case errors.Is(err, store.ErrRedisUnavailable), errors.Is(err, rate.ErrRedisUnavailable):
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	case errors.Is(err, rate.ErrRateLimited):
		return fmt.Errorf("%w: %v", ErrProvisionRateLimited, err)
	case errors.Is(err, waiters.ErrTimeout):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, waiters.ErrExists):
		return fmt.Errorf("%w: %v", ErrWaiterExists, err)
	default:
		return err
	}
}
