package gate

import (
	"encoding/json"
	"sync"
	"time"
)

// TokenRecord holds a minted scoped credential. The raw value is
// unexported and excluded from JSON: everything outside the issuer and the
// session store observes only {name, scopes, expires_at}.
type TokenRecord struct {
	id        string
	value     string
	Name      string
	Scopes    ScopeSet
	ExpiresAt time.Time
}

// ID returns the backing service's identifier for the credential, used for
// revocation.
func (r *TokenRecord) ID() string { return r.id }

// Expired reports whether the credential's lifetime has lapsed.
func (r *TokenRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// bearer returns the Authorization header value. Unexported: the raw
// credential never crosses the package boundary.
func (r *TokenRecord) bearer() string { return "Bearer " + r.value }

// MarshalJSON emits only the observable metadata, never the value.
func (r *TokenRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name      string   `json:"name"`
		Scopes    []string `json:"scopes"`
		ExpiresAt string   `json:"expires_at"`
	}{
		Name:      r.Name,
		Scopes:    r.Scopes.Strings(),
		ExpiresAt: r.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// Session is the per-connection credential state. It owns at most one
// active TokenRecord at any instant and a bounded history of the approval
// sessions it created. All mutations are serialized through the session's
// own mutex, never a process-wide lock.
type Session struct {
	mu      sync.Mutex
	id      string
	token   *TokenRecord
	history []*ApprovalSession
}

// ID returns the connection identifier the session is keyed by.
func (s *Session) ID() string { return s.id }

// Token returns the active token record, or nil.
func (s *Session) Token() *TokenRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// SetToken atomically replaces the active record and returns the previous
// one. It does not revoke the previous record: the caller revokes it
// explicitly through the issuer once the replacement is confirmed.
func (s *Session) SetToken(rec *TokenRecord) *TokenRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.token
	s.token = rec
	return prev
}

// ClearToken removes and returns the active record, or nil.
func (s *Session) ClearToken() *TokenRecord {
	return s.SetToken(nil)
}

// RecordApproval appends an approval session to the history, evicting the
// oldest entry past the retention limit.
func (s *Session) RecordApproval(a *ApprovalSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, a)
	if len(s.history) > approvalHistoryLimit {
		s.history = s.history[len(s.history)-approvalHistoryLimit:]
	}
}

// Approvals returns a snapshot of the approval history, oldest first.
func (s *Session) Approvals() []*ApprovalSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ApprovalSession, len(s.history))
	copy(out, s.history)
	return out
}

// SessionStore holds one Session per MCP connection, created on first use
// and removed when the connection unregisters.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionStore creates an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// Get returns the session for the given connection id, creating it if
// needed.
func (st *SessionStore) Get(id string) *Session {
	st.mu.RLock()
	sess := st.sessions[id]
	st.mu.RUnlock()
	if sess != nil {
		return sess
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if sess = st.sessions[id]; sess == nil {
		sess = &Session{id: id}
		st.sessions[id] = sess
	}
	return sess
}

// Remove deletes and returns the session for the given connection id, or
// nil if none exists.
func (st *SessionStore) Remove(id string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess := st.sessions[id]
	delete(st.sessions, id)
	return sess
}

// Len returns the number of live sessions.
func (st *SessionStore) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
