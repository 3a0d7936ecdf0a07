package testuser

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Environment variables read by [LoadConfigFromEnv].
const (
	EnvRedisAddr      = "REDIS_ADDR"
	EnvRedisHost      = "REDIS_HOST"
	EnvRedisPort      = "REDIS_PORT"
	EnvRedisPrefix    = "PTU_REDIS_PREFIX"
	EnvPublicURL      = "PUBLIC_URL"
	EnvAccountTTL     = "PTU_ACCOUNT_TTL"
	EnvWaitTimeout    = "PTU_WAIT_TIMEOUT"
	EnvSweepInterval  = "PTU_SWEEP_INTERVAL"
	EnvCancelInterval = "PTU_CANCEL_INTERVAL"
	EnvSite           = "PTU_SITE"
	EnvProvisionLimit = "PTU_PROVISION_LIMIT"
)

// LoadConfigFromEnv starts from the defaults, loads the given dotenv files
// (".env" when none are named; missing files are ignored) and applies the
// process environment on top. Variables already set in the environment are
// not overridden by dotenv files.
func LoadConfigFromEnv(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return configFromLookup(os.LookupEnv)
}

func configFromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := defaultConfig()

	if addr, ok := lookup(EnvRedisAddr); ok && addr != "" {
		cfg.Redis.Addr = addr
	} else {
		host, port := "127.0.0.1", "6379"
		if v, ok := lookup(EnvRedisHost); ok && v != "" {
			host = v
		}
		if v, ok := lookup(EnvRedisPort); ok && v != "" {
			if _, err := strconv.Atoi(v); err != nil {
				return Config{}, fmt.Errorf("%s: %w", EnvRedisPort, err)
			}
			port = v
		}
		cfg.Redis.Addr = net.JoinHostPort(host, port)
	}
	if v, ok := lookup(EnvRedisPrefix); ok && v != "" {
		cfg.Redis.Prefix = v
	}

	if v, ok := lookup(EnvPublicURL); ok && v != "" {
		u, err := url.Parse(v)
		if err != nil || u.Hostname() == "" {
			return Config{}, fmt.Errorf("%s %q has no host name", EnvPublicURL, v)
		}
		cfg.Accounts.Domain = u.Hostname()
	}
	if v, ok := lookup(EnvSite); ok && v != "" {
		cfg.Accounts.Site = v
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{EnvAccountTTL, &cfg.Accounts.TTL},
		{EnvWaitTimeout, &cfg.Accounts.WaitTimeout},
		{EnvSweepInterval, &cfg.Lifecycle.SweepInterval},
		{EnvCancelInterval, &cfg.Lifecycle.CancelInterval},
	}
	for _, d := range durations {
		v, ok := lookup(d.name)
		if !ok || v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	if v, ok := lookup(EnvProvisionLimit); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvProvisionLimit, err)
		}
		cfg.RateLimit.MaxPerWindow = n
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
