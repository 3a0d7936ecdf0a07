package idp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// AddressInfo is the IdP's view of an email address.
type AddressInfo struct {
	Type   string `json:"type"`
	State  string `json:"state,omitempty"`
	Issuer string `json:"issuer,omitempty"`
}

// SessionContext carries the protocol state of one conversation with the
// IdP. The account store keeps it as an opaque string (see [SessionContext.Encode]).
type SessionContext struct {
	CSRFToken     string            `json:"csrf_token,omitempty"`
	ServerTime    int64             `json:"server_time,omitempty"`
	Authenticated bool              `json:"authenticated,omitempty"`
	UserID        int64             `json:"userid,omitempty"`
	Cookies       map[string]string `json:"cookies,omitempty"`
	AddressInfo   *AddressInfo      `json:"address_info,omitempty"`
	StartedAt     time.Time         `json:"started_at,omitempty"`
}

// NewSessionContext returns an empty context with an initialized cookie jar.
func NewSessionContext() *SessionContext {
	return &SessionContext{Cookies: map[string]string{}}
}

// Encode serializes the context for storage.
func (s *SessionContext) Encode() (string, error) {
	if s == nil {
		return "", ErrNoSessionContext
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode session context: %w", err)
	}
	return string(data), nil
}

// DecodeSessionContext parses a blob produced by [SessionContext.Encode].
// An empty blob yields [ErrNoSessionContext].
func DecodeSessionContext(blob string) (*SessionContext, error) {
	if strings.TrimSpace(blob) == "" {
		return nil, ErrNoSessionContext
	}
	sc := NewSessionContext()
	if err := json.Unmarshal([]byte(blob), sc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSessionContext, err)
	}
	if sc.Cookies == nil {
		sc.Cookies = map[string]string{}
	}
	return sc, nil
}

// Clone returns a deep copy.
func (s *SessionContext) Clone() *SessionContext {
	if s == nil {
		return nil
	}
	out := *s
	out.Cookies = make(map[string]string, len(s.Cookies))
	for k, v := range s.Cookies {
		out.Cookies[k] = v
	}
	if s.AddressInfo != nil {
		info := *s.AddressInfo
		out.AddressInfo = &info
	}
	return &out
}

// Cookie returns the value of the named cookie in the jar.
func (s *SessionContext) Cookie(name string) (string, bool) {
	if s == nil || s.Cookies == nil {
		return "", false
	}
	v, ok := s.Cookies[name]
	return v, ok
}

// MergeCookies folds the response's Set-Cookie headers into the jar.
// Existing cookies not mentioned by the response are kept.
func (s *SessionContext) MergeCookies(header http.Header) {
	if s == nil {
		return
	}
	if s.Cookies == nil {
		s.Cookies = map[string]string{}
	}
	resp := http.Response{Header: header}
	for _, c := range resp.Cookies() {
		if c.Name == "" {
			continue
		}
		if c.MaxAge < 0 {
			delete(s.Cookies, c.Name)
			continue
		}
		s.Cookies[c.Name] = c.Value
	}
}

// forgetCSRF drops the cached token so the next POST refetches it.
func (s *SessionContext) forgetCSRF() {
	s.CSRFToken = ""
	s.Authenticated = false
}

func (s *SessionContext) cookieHeader() string {
	if s == nil || len(s.Cookies) == 0 {
		return ""
	}
	names := make([]string, 0, len(s.Cookies))
	for name := range s.Cookies {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(s.Cookies[name])
	}
	return b.String()
}
