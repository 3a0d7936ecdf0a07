package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	pathSessionContext       = "/wsapi/session_context"
	pathAddressInfo          = "/wsapi/address_info"
	pathStageUser            = "/wsapi/stage_user"
	pathAuthenticateUser     = "/wsapi/authenticate_user"
	pathCertKey              = "/wsapi/cert_key"
	pathCompleteUserCreation = "/wsapi/complete_user_creation"
	pathAccountCancel        = "/wsapi/account_cancel"

	maxResponseBytes = 1 << 20
	defaultTimeout   = 30 * time.Second

	// DefaultSite is the originating site reported when staging users.
	DefaultSite = "http://personatestuser.org"
)

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for every request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger for request failures.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithSite sets the originating site sent with stage_user.
func WithSite(site string) Option {
	return func(c *Client) {
		if strings.TrimSpace(site) != "" {
			c.site = site
		}
	}
}

// WithClock injects the time source used to stamp session contexts.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Client talks to one IdP environment.
type Client struct {
	env  Environment
	http *http.Client
	log  logrus.FieldLogger
	site string
	now  func() time.Time
}

// NewClient returns a client bound to env.
func NewClient(env Environment, opts ...Option) (*Client, error) {
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %q", err, env.Name)
	}
	c := &Client{
		env:  env,
		http: &http.Client{Timeout: defaultTimeout},
		log:  logrus.StandardLogger(),
		site: DefaultSite,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithFields(logrus.Fields{"component": "idp", "env": env.Name})
	return c, nil
}

// Environment returns the deployment this client targets.
func (c *Client) Environment() Environment {
	return c.env
}

type response struct {
	status int
	header http.Header
	body   []byte
}

type sessionContextBody struct {
	CSRFToken     string `json:"csrf_token"`
	ServerTime    int64  `json:"server_time"`
	Authenticated bool   `json:"authenticated"`
	UserID        int64  `json:"userid"`
}

type successBody struct {
	Success *bool  `json:"success"`
	UserID  int64  `json:"userid"`
	Reason  string `json:"reason"`
}

// GetSessionContext fetches a fresh CSRF token and seeds the cookie jar.
// It must precede any state-changing call on sc; POST helpers call it
// implicitly when no token is cached.
func (c *Client) GetSessionContext(ctx context.Context, sc *SessionContext) error {
	if sc == nil {
		return ErrNoSessionContext
	}
	res, err := c.get(ctx, sc, pathSessionContext, nil)
	if err != nil {
		return err
	}

	var body sessionContextBody
	if err := json.Unmarshal(res.body, &body); err != nil || body.CSRFToken == "" {
		c.log.WithField("path", pathSessionContext).Warn("session context without csrf token")
		return fmt.Errorf("%w: %s", ErrMalformedResponse, pathSessionContext)
	}

	sc.CSRFToken = body.CSRFToken
	sc.ServerTime = body.ServerTime
	sc.Authenticated = body.Authenticated
	if body.UserID != 0 {
		sc.UserID = body.UserID
	}
	sc.StartedAt = c.now()
	return nil
}

// GetAddressInfo asks the IdP how it treats email and caches the answer in sc.
func (c *Client) GetAddressInfo(ctx context.Context, sc *SessionContext, email string) (*AddressInfo, error) {
	if sc == nil {
		return nil, ErrNoSessionContext
	}
	res, err := c.get(ctx, sc, pathAddressInfo, url.Values{"email": {email}})
	if err != nil {
		return nil, err
	}

	var info AddressInfo
	if err := json.Unmarshal(res.body, &info); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedResponse, pathAddressInfo)
	}
	sc.AddressInfo = &info
	return &info, nil
}

// StageUser registers the intent to create email with pass. The IdP answers
// by mailing a verification token out of band.
func (c *Client) StageUser(ctx context.Context, sc *SessionContext, email, pass string) error {
	res, err := c.post(ctx, sc, pathStageUser, map[string]any{
		"email": email,
		"pass":  pass,
		"site":  c.site,
	})
	if err != nil {
		return err
	}
	return rejectUnlessSuccess(pathStageUser, res)
}

// AuthenticateUser logs sc in as email. The session cookie returned by the
// IdP is folded into sc's jar.
func (c *Client) AuthenticateUser(ctx context.Context, sc *SessionContext, email, pass string) error {
	res, err := c.post(ctx, sc, pathAuthenticateUser, map[string]any{
		"email":     email,
		"pass":      pass,
		"ephemeral": false,
	})
	if err != nil {
		return err
	}

	var body successBody
	if err := json.Unmarshal(res.body, &body); err != nil || body.Success == nil || !*body.Success {
		return fmt.Errorf("%w: %s", ErrAuthenticationFailed, email)
	}
	sc.Authenticated = true
	if body.UserID != 0 {
		sc.UserID = body.UserID
	}
	return nil
}

// CertifyKey submits a serialized public key for email and returns the
// certificate signed by the IdP. sc must be authenticated.
func (c *Client) CertifyKey(ctx context.Context, sc *SessionContext, email, publicKey string) (string, error) {
	res, err := c.post(ctx, sc, pathCertKey, map[string]any{
		"email":     email,
		"pubkey":    publicKey,
		"ephemeral": false,
	})
	if err != nil {
		return "", err
	}

	cert := strings.TrimSpace(string(res.body))
	if cert == "" {
		return "", fmt.Errorf("%w: %s", ErrMalformedResponse, pathCertKey)
	}
	return cert, nil
}

// CompleteUserCreation finalizes an account staged through email
// confirmation using the mailed token.
func (c *Client) CompleteUserCreation(ctx context.Context, sc *SessionContext, token, pass string) error {
	res, err := c.post(ctx, sc, pathCompleteUserCreation, map[string]any{
		"token": token,
		"pass":  pass,
	})
	if err != nil {
		return err
	}
	return rejectUnlessSuccess(pathCompleteUserCreation, res)
}

// CancelAccount deletes the account sc is authenticated as.
func (c *Client) CancelAccount(ctx context.Context, sc *SessionContext) error {
	res, err := c.post(ctx, sc, pathAccountCancel, map[string]any{})
	if err != nil {
		return err
	}
	return rejectUnlessSuccess(pathAccountCancel, res)
}

// CreateUser bootstraps a session, looks up the address and stages the user.
// The returned context is what later calls for this account must thread.
func (c *Client) CreateUser(ctx context.Context, email, pass string) (*SessionContext, error) {
	sc := NewSessionContext()
	if err := c.GetSessionContext(ctx, sc); err != nil {
		return sc, err
	}
	if _, err := c.GetAddressInfo(ctx, sc, email); err != nil {
		return sc, err
	}
	if err := c.StageUser(ctx, sc, email, pass); err != nil {
		return sc, err
	}
	return sc, nil
}

// rejectUnlessSuccess treats a body without a success flag as success.
func rejectUnlessSuccess(path string, res *response) error {
	var body successBody
	if err := json.Unmarshal(res.body, &body); err != nil || body.Success == nil {
		return nil
	}
	if !*body.Success {
		if body.Reason != "" {
			return fmt.Errorf("%w: %s: %s", ErrRequestRejected, path, body.Reason)
		}
		return fmt.Errorf("%w: %s", ErrRequestRejected, path)
	}
	return nil
}

func (c *Client) get(ctx context.Context, sc *SessionContext, path string, query url.Values) (*response, error) {
	target := c.env.endpoint(path)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	return c.send(sc, path, req)
}

func (c *Client) post(ctx context.Context, sc *SessionContext, path string, args map[string]any) (*response, error) {
	if sc == nil {
		return nil, ErrNoSessionContext
	}

	cached := sc.CSRFToken != ""
	if !cached {
		if err := c.GetSessionContext(ctx, sc); err != nil {
			return nil, err
		}
	}

	res, err := c.postOnce(ctx, sc, path, args)
	if err == nil || !cached || StatusOf(err) != http.StatusForbidden {
		return res, err
	}

	// A stale token earns a 403; refetch once and replay.
	c.log.WithField("path", path).Info("csrf token rejected, refetching session context")
	sc.forgetCSRF()
	if err := c.GetSessionContext(ctx, sc); err != nil {
		return nil, err
	}
	return c.postOnce(ctx, sc, path, args)
}

func (c *Client) postOnce(ctx context.Context, sc *SessionContext, path string, args map[string]any) (*response, error) {
	payload := make(map[string]any, len(args)+1)
	for k, v := range args {
		payload[k] = v
	}
	payload["csrf"] = sc.CSRFToken

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.env.endpoint(path), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(sc, path, req)
}

func (c *Client) send(sc *SessionContext, path string, req *http.Request) (*response, error) {
	if cookie := sc.cookieHeader(); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.WithFields(logrus.Fields{"path": path, "err": err.Error()}).Error("idp request failed")
		return nil, fmt.Errorf("idp %s %s: %w", req.Method, path, err)
	}
	defer resp.Body.Close()

	sc.MergeCookies(resp.Header)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("idp %s %s: read body: %w", req.Method, path, err)
	}

	res := &response{status: resp.StatusCode, header: resp.Header, body: body}
	if err := classify(path, res.status); err != nil {
		c.log.WithFields(logrus.Fields{"path": path, "status": res.status}).Warn("idp request unsuccessful")
		return nil, err
	}
	return res, nil
}

func classify(path string, status int) error {
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrFlooding, path)
	default:
		return &ProtocolError{Status: status, Path: path}
	}
}
