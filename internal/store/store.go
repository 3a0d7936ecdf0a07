package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix is the key namespace used when none is configured.
const DefaultPrefix = "ptu"

var (
	ErrValidation       = errors.New("invalid account record")
	ErrNotFound         = errors.New("account not found")
	ErrNotStaging       = errors.New("account not staging")
	ErrExists           = errors.New("account already exists")
	ErrRedisUnavailable = errors.New("account store unavailable")
)

const (
	stageStatusExists int64 = 0
	stageStatusStaged int64 = 1

	promoteStatusNotFound   int64 = 0
	promoteStatusNotStaging int64 = 1
	promoteStatusAlready    int64 = 2
	promoteStatusPromoted   int64 = 3

	attachStatusNotFound   int64 = 0
	attachStatusNotStaging int64 = 1
	attachStatusAttached   int64 = 2

	initStatusNotFound int64 = 0
	initStatusKept     int64 = 1

	extendStatusNotFound  int64 = 0
	extendStatusUnchanged int64 = 1
	extendStatusExtended  int64 = 2
)

// KEYS[1] = record, KEYS[2] = staging index, KEYS[3] = valid index
// ARGV[1] = email, ARGV[2] = expires (ms), ARGV[3..] = field/value pairs
var stageLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
for i = 3, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// KEYS[1] = record, KEYS[2] = staging index, KEYS[3] = valid index
// ARGV[1] = email
var promoteLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
if redis.call('ZSCORE', KEYS[3], ARGV[1]) then
  return 2
end
local score = redis.call('ZSCORE', KEYS[2], ARGV[1])
if not score then
  return 1
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], score, ARGV[1])
return 3
`)

// KEYS[1] = record, KEYS[2] = staging index
// ARGV[1] = email, ARGV[2] = token field, ARGV[3] = token
var attachTokenLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
if not redis.call('ZSCORE', KEYS[2], ARGV[1]) then
  return 1
end
redis.call('HSET', KEYS[1], ARGV[2], ARGV[3])
return 2
`)

// KEYS[1] = record
// ARGV[1] = field, ARGV[2] = value
var initFieldLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
return 1 + redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2])
`)

// KEYS[1] = record
// ARGV = field/value pairs
var setFieldsLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
for i = 1, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
return 1
`)

// KEYS[1] = record, KEYS[2] = staging index, KEYS[3] = valid index
// ARGV[1] = email, ARGV[2] = requested expires (ms)
var extendLua = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'expires')
if not current then
  return {0, '0'}
end
if tonumber(current) >= tonumber(ARGV[2]) then
  return {1, current}
end
redis.call('HSET', KEYS[1], 'expires', ARGV[2])
if redis.call('ZSCORE', KEYS[2], ARGV[1]) then
  redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
end
if redis.call('ZSCORE', KEYS[3], ARGV[1]) then
  redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
end
return {2, ARGV[2]}
`)

// State is the index an email currently sits in.
type State int

const (
	StateNone State = iota
	StateStaging
	StateValid
)

func (s State) String() string {
	switch s {
	case StateStaging:
		return "staging"
	case StateValid:
		return "valid"
	default:
		return "none"
	}
}

// Snapshot is what the expired queue carries: enough to re-authenticate
// and cancel the account at the IdP after the local record is gone.
type Snapshot struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Pass        string    `json:"pass"`
	Env         string    `json:"env"`
	Context     string    `json:"context,omitempty"`
	ReclaimedAt time.Time `json:"reclaimed_at"`
}

// Store is the account store.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore returns a store that keeps its keys under prefix.
func NewStore(redisClient redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *Store) recordKey(email string) string { return s.prefix + ":email:" + email }
func (s *Store) eventsKey(email string) string { return s.prefix + ":events:" + email }
func (s *Store) stagingKey() string            { return s.prefix + ":emails:staging" }
func (s *Store) validKey() string              { return s.prefix + ":emails:valid" }
func (s *Store) sequenceKey() string           { return s.prefix + ":nextval" }
func (s *Store) mailKey() string               { return s.prefix + ":mailq" }
func (s *Store) expiredKey() string            { return s.prefix + ":expired" }

func (s *Store) indexKeys(email string) []string {
	return []string{s.recordKey(email), s.stagingKey(), s.validKey()}
}

// NextSequence returns the next value of the email sequence.
func (s *Store) NextSequence(ctx context.Context) (int64, error) {
	n, err := s.redis.Incr(ctx, s.sequenceKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return n, nil
}

// Stage writes a new record and adds it to the staging index.
func (s *Store) Stage(ctx context.Context, rec *Record) error {
	if rec == nil {
		return ErrValidation
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	args := append([]interface{}{rec.Email, rec.Expires.UnixMilli()}, rec.fields()...)
	code, err := stageLua.Run(ctx, s.redis, s.indexKeys(rec.Email), args...).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if code == stageStatusExists {
		return fmt.Errorf("%w: %s", ErrExists, rec.Email)
	}
	return nil
}

// Promote moves email from the staging index to the valid index, keeping
// its score. Promoting a valid email is a no-op.
func (s *Store) Promote(ctx context.Context, email string) error {
	code, err := promoteLua.Run(ctx, s.redis, s.indexKeys(email), email).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	switch code {
	case promoteStatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, email)
	case promoteStatusNotStaging:
		return fmt.Errorf("%w: %s", ErrNotStaging, email)
	case promoteStatusAlready, promoteStatusPromoted:
		return nil
	default:
		return fmt.Errorf("%w: unknown promote status %d", ErrRedisUnavailable, code)
	}
}

// Get returns the record for email.
func (s *Store) Get(ctx context.Context, email string) (*Record, error) {
	h, err := s.redis.HGetAll(ctx, s.recordKey(email)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, email)
	}

	rec, err := recordFromHash(h)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRedisUnavailable, email, err)
	}
	return rec, nil
}

// State reports which index holds email.
func (s *Store) State(ctx context.Context, email string) (State, error) {
	pipe := s.redis.Pipeline()
	staging := pipe.ZScore(ctx, s.stagingKey(), email)
	valid := pipe.ZScore(ctx, s.validKey(), email)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return StateNone, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	switch {
	case valid.Err() == nil:
		return StateValid, nil
	case staging.Err() == nil:
		return StateStaging, nil
	default:
		return StateNone, nil
	}
}

// Delete removes the record, its event stream and both index entries.
// Deleting an unknown email is not an error.
func (s *Store) Delete(ctx context.Context, email string) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recordKey(email), s.eventsKey(email))
		pipe.ZRem(ctx, s.stagingKey(), email)
		pipe.ZRem(ctx, s.validKey(), email)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// RangeExpired returns every email in either index whose expiry is strictly
// before cutoff. Each email appears once.
func (s *Store) RangeExpired(ctx context.Context, cutoff time.Time) ([]string, error) {
	rng := &redis.ZRangeBy{Min: "-inf", Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)}

	pipe := s.redis.Pipeline()
	staging := pipe.ZRangeByScore(ctx, s.stagingKey(), rng)
	valid := pipe.ZRangeByScore(ctx, s.validKey(), rng)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	seen := make(map[string]struct{})
	out := make([]string, 0, len(staging.Val())+len(valid.Val()))
	for _, list := range [][]string{staging.Val(), valid.Val()} {
		for _, email := range list {
			if _, dup := seen[email]; dup {
				continue
			}
			seen[email] = struct{}{}
			out = append(out, email)
		}
	}
	return out, nil
}

// AttachToken records the verification token mailed for email. Only a
// staging record accepts a token; a valid one returns [ErrNotStaging].
func (s *Store) AttachToken(ctx context.Context, email, token string) error {
	keys := []string{s.recordKey(email), s.stagingKey()}
	code, err := attachTokenLua.Run(ctx, s.redis, keys, email, fieldToken, token).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	switch code {
	case attachStatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, email)
	case attachStatusNotStaging:
		return fmt.Errorf("%w: %s", ErrNotStaging, email)
	case attachStatusAttached:
		return nil
	default:
		return fmt.Errorf("%w: unknown attach status %d", ErrRedisUnavailable, code)
	}
}

// AttachContext stores the serialized IdP session context for email.
func (s *Store) AttachContext(ctx context.Context, email, blob string) error {
	return s.setFields(ctx, email, fieldContext, blob)
}

// InitContext stores blob as email's session context unless one is
// already there, and reports whether it was written.
func (s *Store) InitContext(ctx context.Context, email, blob string) (bool, error) {
	code, err := initFieldLua.Run(ctx, s.redis, []string{s.recordKey(email)}, fieldContext, blob).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	switch code {
	case initStatusNotFound:
		return false, fmt.Errorf("%w: %s", ErrNotFound, email)
	case initStatusKept:
		return false, nil
	default:
		return true, nil
	}
}

// AttachKeypair stores the keypair generated for email's assertions.
func (s *Store) AttachKeypair(ctx context.Context, email, publicKey, secretKey string) error {
	return s.setFields(ctx, email, fieldPublicKey, publicKey, fieldSecretKey, secretKey)
}

func (s *Store) setFields(ctx context.Context, email string, pairs ...interface{}) error {
	code, err := setFieldsLua.Run(ctx, s.redis, []string{s.recordKey(email)}, pairs...).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if code == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, email)
	}
	return nil
}

// Extend moves email's expiry to until and re-scores its index entry. The
// expiry never decreases; the effective expiry is returned.
func (s *Store) Extend(ctx context.Context, email string, until time.Time) (time.Time, error) {
	res, err := extendLua.Run(ctx, s.redis, s.indexKeys(email), email, until.UnixMilli()).Slice()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(res) != 2 {
		return time.Time{}, fmt.Errorf("%w: invalid extend script response", ErrRedisUnavailable)
	}

	code, _ := res[0].(int64)
	if code == extendStatusNotFound {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNotFound, email)
	}
	raw, _ := res[1].(string)
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid expiry %q", ErrRedisUnavailable, raw)
	}
	return time.UnixMilli(ms), nil
}

// Reclaim pushes a cancellation snapshot of email onto the expired queue
// and deletes the record, in one transaction. A vanished record yields
// ErrNotFound and any stray index entries are dropped.
func (s *Store) Reclaim(ctx context.Context, email string, now time.Time) (*Snapshot, error) {
	const maxRetries = 4
	key := s.recordKey(email)

	for i := 0; i < maxRetries; i++ {
		var snap *Snapshot

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			h, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}

			if len(h) == 0 {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.ZRem(ctx, s.stagingKey(), email)
					pipe.ZRem(ctx, s.validKey(), email)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrNotFound
			}

			candidate := &Snapshot{
				ID:          uuid.NewString(),
				Email:       email,
				Pass:        h[fieldPass],
				Env:         h[fieldEnv],
				Context:     h[fieldContext],
				ReclaimedAt: now,
			}
			payload, err := json.Marshal(candidate)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.RPush(ctx, s.expiredKey(), payload)
				pipe.Del(ctx, key, s.eventsKey(email))
				pipe.ZRem(ctx, s.stagingKey(), email)
				pipe.ZRem(ctx, s.validKey(), email)
				return nil
			})
			if err != nil {
				return err
			}

			snap = candidate
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, email)
			}
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		return snap, nil
	}

	return nil, fmt.Errorf("%w: reclaim contention on %s", ErrRedisUnavailable, email)
}

// Ping checks that the backing Redis answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
