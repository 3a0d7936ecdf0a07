package rate

import "errors"

var (
	ErrRateLimited      = errors.New("provisioning rate limited")
	ErrRedisUnavailable = errors.New("rate limiter redis unavailable")
)
