package idp

import (
	"net/url"
	"sort"
	"strings"
)

// Environment names one IdP deployment.
type Environment struct {
	Name        string
	BaseURL     string
	VerifierURL string
}

const (
	EnvProduction = "prod"
	EnvStaging    = "stage"
	EnvDev        = "dev"
	EnvLocal      = "local"
)

// DefaultEnvironments returns the known deployments keyed by name.
func DefaultEnvironments() map[string]Environment {
	return map[string]Environment{
		EnvProduction: {
			Name:        EnvProduction,
			BaseURL:     "https://browserid.org",
			VerifierURL: "https://browserid.org/verify",
		},
		EnvStaging: {
			Name:        EnvStaging,
			BaseURL:     "https://diresworb.org",
			VerifierURL: "https://diresworb.org/verify",
		},
		EnvDev: {
			Name:        EnvDev,
			BaseURL:     "https://login.dev.anosrep.org",
			VerifierURL: "https://verifier.dev.anosrep.org",
		},
		EnvLocal: {
			Name:        EnvLocal,
			BaseURL:     "http://127.0.0.1:10002",
			VerifierURL: "http://127.0.0.1:10000/verify",
		},
	}
}

// EnvironmentNames returns the sorted names of envs.
func EnvironmentNames(envs map[string]Environment) []string {
	names := make([]string, 0, len(envs))
	for name := range envs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that the environment has a name and absolute base URL.
func (e Environment) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return ErrInvalidEnvironment
	}
	u, err := url.Parse(e.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ErrInvalidEnvironment
	}
	return nil
}

func (e Environment) endpoint(path string) string {
	return strings.TrimRight(e.BaseURL, "/") + path
}
