package store

import (
	"errors"
	"regexp"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
)

const (
	fieldEmail     = "email"
	fieldPass      = "pass"
	fieldExpires   = "expires"
	fieldEnv       = "env"
	fieldToken     = "token"
	fieldContext   = "context"
	fieldDoVerify  = "do_verify"
	fieldPublicKey = "publicKey"
	fieldSecretKey = "secretKey"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Record is one test account as persisted in the account hash.
type Record struct {
	Email    string
	Pass     string
	Expires  time.Time
	Env      string
	Token    string
	Context  string
	DoVerify bool

	PublicKey string
	SecretKey string
}

// Validate checks the fields a staged record cannot do without.
func (r *Record) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Email, validation.Required, validation.Match(emailPattern)),
		validation.Field(&r.Pass, validation.Required),
		validation.Field(&r.Env, validation.Required),
		validation.Field(&r.Expires, validation.By(func(value interface{}) error {
			if t, _ := value.(time.Time); t.IsZero() {
				return errors.New("cannot be blank")
			}
			return nil
		})),
	)
}

// fields flattens r into HSET arguments. Empty optional fields are omitted.
func (r *Record) fields() []interface{} {
	out := []interface{}{
		fieldEmail, r.Email,
		fieldPass, r.Pass,
		fieldExpires, strconv.FormatInt(r.Expires.UnixMilli(), 10),
		fieldEnv, r.Env,
		fieldDoVerify, boolField(r.DoVerify),
	}
	optional := [][2]string{
		{fieldToken, r.Token},
		{fieldContext, r.Context},
		{fieldPublicKey, r.PublicKey},
		{fieldSecretKey, r.SecretKey},
	}
	for _, kv := range optional {
		if kv[1] != "" {
			out = append(out, kv[0], kv[1])
		}
	}
	return out
}

func recordFromHash(h map[string]string) (*Record, error) {
	expires, err := strconv.ParseInt(h[fieldExpires], 10, 64)
	if err != nil {
		return nil, errors.New("record has no valid expiry")
	}
	return &Record{
		Email:     h[fieldEmail],
		Pass:      h[fieldPass],
		Expires:   time.UnixMilli(expires),
		Env:       h[fieldEnv],
		Token:     h[fieldToken],
		Context:   h[fieldContext],
		DoVerify:  h[fieldDoVerify] == "1",
		PublicKey: h[fieldPublicKey],
		SecretKey: h[fieldSecretKey],
	}, nil
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
