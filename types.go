package testuser

import (
	"time"

	"github.com/MrEthical07/testuser/internal/store"
)

// AccountState is the index an account currently sits in.
type AccountState string

const (
	// StateStaging accounts exist but are not confirmed live at the IdP.
	StateStaging AccountState = "staging"
	// StateValid accounts have completed creation at the IdP.
	StateValid AccountState = "valid"
)

// Account is a provisioned test account as handed to callers.
//
// Token is only set for unverified accounts, where it is the deliverable.
type Account struct {
	Email   string
	Pass    string
	Token   string
	Expires time.Time
	Env     string
	State   AccountState
}

func accountFromRecord(rec *store.Record, state AccountState) *Account {
	return &Account{
		Email:   rec.Email,
		Pass:    rec.Pass,
		Token:   rec.Token,
		Expires: rec.Expires,
		Env:     rec.Env,
		State:   state,
	}
}

// AssertionRequest asks for an identity assertion for an existing account.
type AssertionRequest struct {
	Email    string
	Pass     string
	Env      string
	Audience string
	// Duration bounds the assertion's validity; zero means the configured
	// default.
	Duration time.Duration
}

// AssertionBundle is a signed assertion together with the IdP certificate
// for the key that signed it.
type AssertionBundle struct {
	Email       string
	Audience    string
	Assertion   string
	Certificate string
	// Bundle is Certificate~Assertion, the form relying parties verify.
	Bundle    string
	PublicKey string
	ExpiresAt time.Time
}

// EventRecord is one entry of an account's event stream. Offset is measured
// from the since argument of [Engine.Events].
type EventRecord struct {
	Text   string
	Offset time.Duration
}
