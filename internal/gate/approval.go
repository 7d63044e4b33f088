package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ApprovalStatus is the lifecycle state of an approval session. Transitions
// are monotonic: pending moves to exactly one of approved, denied, or
// expired and never reverses.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalRequest is the immutable snapshot of a credential request shown
// on the approval page.
type ApprovalRequest struct {
	Name      string
	Scopes    ScopeSet
	TTL       time.Duration
	ExpiresAt time.Time
}

// ApprovalSession is a pending human decision, created when the transport
// cannot elicit interactively. The id is unguessable; knowing it is what
// authorizes responding.
type ApprovalSession struct {
	id      string
	request ApprovalRequest

	mu         sync.Mutex
	status     ApprovalStatus
	createdAt  time.Time
	resolvedAt time.Time
	outcome    *TokenOutcome
	done       chan struct{}

	// issueMu serializes the mint step across waiters that woke on the
	// same resolution: exactly one mints, the rest observe its cached
	// outcome. A failed mint leaves the outcome unset so a later await
	// can retry. Separate from mu, which must stay available for status
	// queries while the mint is in flight.
	issueMu sync.Mutex
}

// ID returns the opaque session id.
func (a *ApprovalSession) ID() string { return a.id }

// Request returns the snapshot being decided on.
func (a *ApprovalSession) Request() ApprovalRequest { return a.request }

// Status returns the current lifecycle state.
func (a *ApprovalSession) Status() ApprovalStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// CreatedAt returns when the session was published.
func (a *ApprovalSession) CreatedAt() time.Time { return a.createdAt }

// Done returns a channel closed exactly once, when the session resolves.
// Waiters suspend on it with a bounded timeout rather than polling.
func (a *ApprovalSession) Done() <-chan struct{} { return a.done }

// resolve applies the first transition out of pending and returns the
// effective status. The first Approve/Deny wins; later calls are no-ops
// that report the original outcome.
func (a *ApprovalSession) resolve(status ApprovalStatus) ApprovalStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status != ApprovalPending {
		return a.status
	}
	a.status = status
	a.resolvedAt = time.Now()
	close(a.done)
	return status
}

// setOutcome caches the activation result so repeated await calls return
// the same outcome instead of minting twice.
func (a *ApprovalSession) setOutcome(out *TokenOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcome = out
}

func (a *ApprovalSession) cachedOutcome() *TokenOutcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outcome
}

// reclaimable reports whether the janitor may delete the session: resolved
// (or expired) longer ago than the retention horizon.
func (a *ApprovalSession) reclaimable(now time.Time, retention time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status != ApprovalPending && now.Sub(a.resolvedAt) > retention
}

// ApprovalServer hosts one-time approval pages and resolves pending
// sessions. It is a singleton per process and registers its routes on the
// same mux as the agent-facing endpoint: one externally reachable port
// serves both the agent protocol and the human approval pages.
type ApprovalServer struct {
	mu       sync.Mutex
	sessions map[string]*ApprovalSession

	baseURL    string
	pendingTTL time.Duration
	retention  time.Duration
	logger     *Logger
}

// NewApprovalServer creates an approval server. baseURL is the externally
// reachable address the approval links are built against.
func NewApprovalServer(baseURL string, logger *Logger) *ApprovalServer {
	return &ApprovalServer{
		sessions:   make(map[string]*ApprovalSession),
		baseURL:    strings.TrimRight(baseURL, "/"),
		pendingTTL: approvalPendingTTL,
		retention:  approvalRetention,
		logger:     logger,
	}
}

// Create publishes a new pending approval session.
func (s *ApprovalServer) Create(req ApprovalRequest) *ApprovalSession {
	a := &ApprovalSession{
		id:        uuid.NewString(),
		request:   req,
		status:    ApprovalPending,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
	s.mu.Lock()
	s.sessions[a.id] = a
	s.mu.Unlock()
	s.logger.Info("Approval pending: %s (scopes: %s)", s.URL(a.id), FormatScopes(req.Scopes))
	return a
}

// Lookup returns the session for an id, or a NotFoundError for unknown or
// garbage-collected ids.
func (s *ApprovalServer) Lookup(id string) (*ApprovalSession, error) {
	s.mu.Lock()
	a := s.sessions[id]
	s.mu.Unlock()
	if a == nil {
		return nil, notFoundErrorf("no approval session found for request_id %q; it may have expired or already been reclaimed", id)
	}
	return a, nil
}

// Resolve applies a human decision to a session. Resolution is idempotent:
// the returned status is the session's effective outcome, which is the
// first decision made.
func (s *ApprovalServer) Resolve(id string, approve bool) (ApprovalStatus, error) {
	a, err := s.Lookup(id)
	if err != nil {
		return "", err
	}
	status := ApprovalDenied
	if approve {
		status = ApprovalApproved
	}
	effective := a.resolve(status)
	s.logger.Info("Approval %s resolved: %s", id, effective)
	return effective, nil
}

// Pending returns the unresolved sessions, oldest first. Used by the
// operator console.
func (s *ApprovalServer) Pending() []*ApprovalSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ApprovalSession
	for _, a := range s.sessions {
		if a.Status() == ApprovalPending {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}

// URL returns the approval page address for a session id.
func (s *ApprovalServer) URL(id string) string {
	return s.baseURL + "/approve/" + id
}

// StartJanitor runs the reclamation loop until ctx is cancelled: pending
// sessions past the pending TTL expire (waking their waiters), and
// resolved sessions past the retention horizon are deleted.
func (s *ApprovalServer) StartJanitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.sweep(now)
			}
		}
	}()
}

func (s *ApprovalServer) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.sessions {
		if a.Status() == ApprovalPending && now.Sub(a.createdAt) > s.pendingTTL {
			a.resolve(ApprovalExpired)
			s.logger.InfoVerbose("Approval %s expired unanswered", id)
		}
		if a.reclaimable(now, s.retention) {
			delete(s.sessions, id)
			s.logger.Debug("Approval %s reclaimed", id)
		}
	}
}

// RegisterRoutes mounts the approval endpoints on the shared mux:
//
//	GET  /approve/{request_id}          render the approval page
//	POST /approve/{request_id}/respond  apply the decision
func (s *ApprovalServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/approve/", s.handleApprove)
}

func (s *ApprovalServer) handleApprove(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/approve/")
	switch {
	case r.Method == http.MethodGet && !strings.Contains(rest, "/"):
		s.servePage(w, r, rest)
	case r.Method == http.MethodPost && strings.HasSuffix(rest, "/respond"):
		s.serveRespond(w, r, strings.TrimSuffix(rest, "/respond"))
	default:
		http.NotFound(w, r)
	}
}

func (s *ApprovalServer) servePage(w http.ResponseWriter, r *http.Request, id string) {
	a, err := s.Lookup(id)
	if err != nil {
		http.Error(w, "approval request not found", http.StatusNotFound)
		return
	}

	status := a.Status()
	if status != ApprovalPending {
		s.renderResult(w, status)
		return
	}

	req := a.Request()
	data := approvalPageData{
		ID:      a.ID(),
		Name:    req.Name,
		Scopes:  req.Scopes.Strings(),
		Expires: req.ExpiresAt.UTC().Format("2006-01-02 15:04 UTC"),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := approvalPageTmpl.Execute(w, data); err != nil {
		s.logger.Error("Failed to render approval page: %v", err)
	}
}

func (s *ApprovalServer) serveRespond(w http.ResponseWriter, r *http.Request, id string) {
	decision, err := parseDecision(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	status, err := s.Resolve(id, decision == "approve")
	if err != nil {
		http.Error(w, "approval request not found", http.StatusNotFound)
		return
	}
	s.renderResult(w, status)
}

// parseDecision accepts the decision from the HTML form or a JSON body
// {"decision": "approve"|"deny"}.
func parseDecision(r *http.Request) (string, error) {
	var decision string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Decision string `json:"decision"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return "", fmt.Errorf("invalid JSON body")
		}
		decision = body.Decision
	} else {
		if err := r.ParseForm(); err != nil {
			return "", fmt.Errorf("invalid form body")
		}
		decision = r.PostFormValue("decision")
	}
	if decision != "approve" && decision != "deny" {
		return "", fmt.Errorf("invalid decision %q (expected 'approve' or 'deny')", decision)
	}
	return decision, nil
}

func (s *ApprovalServer) renderResult(w http.ResponseWriter, status ApprovalStatus) {
	data := resultPageData{Heading: "Denied", Detail: "The token request was denied. You can close this tab."}
	switch status {
	case ApprovalApproved:
		data = resultPageData{Heading: "Approved", Detail: "The scoped token has been created. You can close this tab."}
	case ApprovalExpired:
		data = resultPageData{Heading: "Expired", Detail: "The approval window elapsed before a response. The agent must request a new token."}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := resultPageTmpl.Execute(w, data); err != nil {
		s.logger.Error("Failed to render result page: %v", err)
	}
}

type approvalPageData struct {
	ID      string
	Name    string
	Scopes  []string
	Expires string
}

type resultPageData struct {
	Heading string
	Detail  string
}

var approvalPageTmpl = template.Must(template.New("approve").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Scoped Token Request</title>
  <style>
    body { font-family: sans-serif; background: #f0f0f4; display: flex; align-items: center; justify-content: center; min-height: 100vh; margin: 0; }
    .card { background: #fff; border-radius: 10px; box-shadow: 0 6px 24px rgba(0,0,0,.12); max-width: 520px; width: 100%; overflow: hidden; }
    .banner { background: #242444; color: #fff; padding: 1.2rem 1.6rem; }
    .banner h1 { margin: 0; font-size: 1.2rem; }
    .banner .sub { color: #b6cfd0; font-size: .8rem; margin-top: .2rem; }
    .body { padding: 1.6rem; color: #242444; font-size: .9rem; }
    table { width: 100%; margin-top: 1rem; border-collapse: collapse; }
    th { text-align: left; padding: .3rem 1rem .3rem 0; white-space: nowrap; vertical-align: top; color: #615e9b; }
    td { padding: .3rem 0; }
    code { background: #eee; border-radius: 4px; padding: .1rem .35rem; }
    .actions { display: flex; gap: .7rem; justify-content: flex-end; padding: 0 1.6rem 1.4rem; }
    button { font-size: 1rem; padding: .55rem 1.4rem; border-radius: 6px; cursor: pointer; }
    .approve { background: #6399ae; border: none; color: #fff; font-weight: 700; }
    .deny { background: transparent; border: 2px solid #615e9b; color: #615e9b; }
    .note { background: #f0f0f4; color: #888; font-size: .72rem; text-align: center; padding: .7rem 1.6rem; }
  </style>
</head>
<body>
  <div class="card">
    <div class="banner">
      <h1>Scoped Token Request</h1>
      <div class="sub">Token approval</div>
    </div>
    <div class="body">
      <p>An AI agent is requesting a scoped API token with the following permissions.</p>
      <table>
        <tr><th>Token name</th><td><code>{{.Name}}</code></td></tr>
        <tr><th>Scopes</th><td>{{range .Scopes}}<code>{{.}}</code><br>{{end}}</td></tr>
        <tr><th>Expires</th><td><code>{{.Expires}}</code></td></tr>
      </table>
    </div>
    <div class="actions">
      <form method="POST" action="/approve/{{.ID}}/respond">
        <input type="hidden" name="decision" value="deny">
        <button type="submit" class="deny">Deny</button>
      </form>
      <form method="POST" action="/approve/{{.ID}}/respond">
        <input type="hidden" name="decision" value="approve">
        <button type="submit" class="approve">Approve</button>
      </form>
    </div>
    <div class="note">
      This request originated from an AI agent via the tokengate MCP server.<br>
      The token value will never be shown to the agent.
    </div>
  </div>
</body>
</html>
`))

var resultPageTmpl = template.Must(template.New("result").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>{{.Heading}}</title>
  <style>
    body { font-family: sans-serif; background: #f0f0f4; display: flex; align-items: center; justify-content: center; min-height: 100vh; margin: 0; }
    .card { background: #fff; border-radius: 10px; box-shadow: 0 6px 24px rgba(0,0,0,.12); max-width: 420px; width: 100%; text-align: center; padding: 2.5rem 1.8rem; }
    h2 { color: #242444; margin: 0 0 .5rem; }
    p { color: #888; font-size: .9rem; margin: 0; }
  </style>
</head>
<body>
  <div class="card">
    <h2>{{.Heading}}</h2>
    <p>{{.Detail}}</p>
  </div>
</body>
</html>
`))
