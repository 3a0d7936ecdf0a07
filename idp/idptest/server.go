// Package idptest provides an in-memory IdP speaking the wsapi protocol,
// for tests and local development.
package idptest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/MrEthical07/testuser/idp"
	"github.com/golang-jwt/jwt/v5"
)

const (
	sessionCookie = "browserid_state"
	certLifetime  = 24 * time.Hour
)

// StageHook is invoked after a user has been staged, with the token the
// IdP would have mailed.
type StageHook func(email, token string)

// User is the server-side state of one account.
type User struct {
	Email     string
	Pass      string
	Token     string
	Verified  bool
	Cancelled bool
	UserID    int64
}

type session struct {
	csrf          string
	authenticated bool
	email         string
}

// Server is a fake IdP.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	name     string
	key      *rsa.PrivateKey
	sessions map[string]*session
	users    map[string]*User
	tokens   map[string]string
	nextUser int64
	calls    map[string]int
	forced   map[string][]int
	onStage  StageHook
}

// NewServer starts a fake IdP registered under the environment name envName.
func NewServer(envName string) *Server {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		panic("idptest: generate key: " + err.Error())
	}

	s := &Server{
		name:     envName,
		key:      key,
		sessions: map[string]*session{},
		users:    map[string]*User{},
		tokens:   map[string]string{},
		calls:    map[string]int{},
		forced:   map[string][]int{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/wsapi/session_context", s.handleSessionContext)
	mux.HandleFunc("/wsapi/address_info", s.handleAddressInfo)
	mux.HandleFunc("/wsapi/stage_user", s.handleStageUser)
	mux.HandleFunc("/wsapi/authenticate_user", s.handleAuthenticateUser)
	mux.HandleFunc("/wsapi/cert_key", s.handleCertKey)
	mux.HandleFunc("/wsapi/complete_user_creation", s.handleCompleteUserCreation)
	mux.HandleFunc("/wsapi/account_cancel", s.handleAccountCancel)
	s.Server = httptest.NewServer(s.intercept(mux))
	return s
}

// Environment describes the server as an IdP deployment.
func (s *Server) Environment() idp.Environment {
	return idp.Environment{
		Name:        s.name,
		BaseURL:     s.URL,
		VerifierURL: s.URL + "/verify",
	}
}

// PublicKey returns the key certificates are signed with.
func (s *Server) PublicKey() *rsa.PublicKey {
	return &s.key.PublicKey
}

// OnStage registers a hook fired for each staged user.
func (s *Server) OnStage(hook StageHook) {
	s.mu.Lock()
	s.onStage = hook
	s.mu.Unlock()
}

// ForceStatus makes the next len(statuses) requests to path answer with
// the given statuses, in order, without being processed.
func (s *Server) ForceStatus(path string, statuses ...int) {
	s.mu.Lock()
	s.forced[path] = append(s.forced[path], statuses...)
	s.mu.Unlock()
}

// Calls returns how many requests path has received.
func (s *Server) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

// User returns a copy of the server-side account for email.
func (s *Server) User(email string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[email]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// AddUser creates a verified account directly.
func (s *Server) AddUser(email, pass string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextUser++
	s.users[email] = &User{Email: email, Pass: pass, Verified: true, UserID: s.nextUser}
}

// ExpireSessions invalidates every CSRF token, as a server restart would.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.csrf = randomString()
	}
}

func (s *Server) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[r.URL.Path]++
		var status int
		if queued := s.forced[r.URL.Path]; len(queued) > 0 {
			status = queued[0]
			s.forced[r.URL.Path] = queued[1:]
		}
		s.mu.Unlock()

		if status != 0 {
			w.WriteHeader(status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) sessionFor(w http.ResponseWriter, r *http.Request) *session {
	if c, err := r.Cookie(sessionCookie); err == nil {
		if sess, ok := s.sessions[c.Value]; ok {
			return sess
		}
	}
	id := randomString()
	sess := &session{csrf: randomString()}
	s.sessions[id] = sess
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: id, Path: "/", HttpOnly: true})
	return sess
}

// postSession validates method, cookie and CSRF and decodes the body.
func (s *Server) postSession(w http.ResponseWriter, r *http.Request, dst any) (*session, bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil, false
	}
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		w.WriteHeader(http.StatusForbidden)
		return nil, false
	}
	sess, ok := s.sessions[c.Value]
	if !ok {
		w.WriteHeader(http.StatusForbidden)
		return nil, false
	}

	raw := map[string]json.RawMessage{}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}
	var csrf string
	_ = json.Unmarshal(raw["csrf"], &csrf)
	if csrf == "" || csrf != sess.csrf {
		w.WriteHeader(http.StatusForbidden)
		return nil, false
	}

	encoded, _ := json.Marshal(raw)
	if err := json.Unmarshal(encoded, dst); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}
	return sess, true
}

func (s *Server) handleSessionContext(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sess := s.sessionFor(w, r)
	body := map[string]any{
		"csrf_token":    sess.csrf,
		"server_time":   time.Now().UnixMilli(),
		"authenticated": sess.authenticated,
	}
	s.mu.Unlock()
	writeJSON(w, body)
}

func (s *Server) handleAddressInfo(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	s.mu.Lock()
	state := "unknown"
	if u, ok := s.users[email]; ok && u.Verified {
		state = "known"
	}
	s.mu.Unlock()
	writeJSON(w, map[string]any{"type": "secondary", "state": state})
}

func (s *Server) handleStageUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Pass  string `json:"pass"`
		Site  string `json:"site"`
	}

	s.mu.Lock()
	if _, ok := s.postSession(w, r, &req); !ok {
		s.mu.Unlock()
		return
	}
	if req.Email == "" || req.Pass == "" || req.Site == "" {
		s.mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	token := randomString()
	s.users[req.Email] = &User{Email: req.Email, Pass: req.Pass, Token: token}
	s.tokens[token] = req.Email
	hook := s.onStage
	s.mu.Unlock()

	writeJSON(w, map[string]any{"success": true})
	if hook != nil {
		hook(req.Email, token)
	}
}

func (s *Server) handleCompleteUserCreation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
		Pass  string `json:"pass"`
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.postSession(w, r, &req); !ok {
		return
	}
	email, ok := s.tokens[req.Token]
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	u := s.users[email]
	if u == nil || u.Pass != req.Pass {
		writeJSON(w, map[string]any{"success": false, "reason": "password mismatch"})
		return
	}
	delete(s.tokens, req.Token)
	s.nextUser++
	u.Verified = true
	u.Token = ""
	u.UserID = s.nextUser
	writeJSON(w, map[string]any{"success": true})
}

func (s *Server) handleAuthenticateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Pass  string `json:"pass"`
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.postSession(w, r, &req)
	if !ok {
		return
	}
	u, ok := s.users[req.Email]
	if !ok || !u.Verified || u.Cancelled || u.Pass != req.Pass {
		writeJSON(w, map[string]any{"success": false})
		return
	}
	sess.authenticated = true
	sess.email = req.Email
	writeJSON(w, map[string]any{"success": true, "userid": u.UserID})
}

func (s *Server) handleCertKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email  string `json:"email"`
		PubKey string `json:"pubkey"`
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.postSession(w, r, &req)
	if !ok {
		return
	}
	if !sess.authenticated || sess.email != req.Email {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var pub map[string]any
	if err := json.Unmarshal([]byte(req.PubKey), &pub); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":        s.Listener.Addr().String(),
		"iat":        now.UnixMilli(),
		"exp":        now.Add(certLifetime).UnixMilli(),
		"public-key": pub,
		"principal":  map[string]string{"email": req.Email},
	}
	cert, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(cert))
}

func (s *Server) handleAccountCancel(w http.ResponseWriter, r *http.Request) {
	var req struct{}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.postSession(w, r, &req)
	if !ok {
		return
	}
	if !sess.authenticated {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if u, ok := s.users[sess.email]; ok {
		u.Cancelled = true
	}
	sess.authenticated = false
	writeJSON(w, map[string]any{"success": true})
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func randomString() string {
	var b [18]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("idptest: random: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b[:])
}
