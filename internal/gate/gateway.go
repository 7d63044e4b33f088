package gate

import (
	"context"
	"time"
)

// TokenOutcome is the externally observable result of a credential
// request: an active credential's metadata, a pending approval handle, or
// a denial. Denial is data, not an error, so the agent can branch on it
// and narrate it. The credential value itself never appears here.
type TokenOutcome struct {
	Status      string   `json:"status"` // "active", "pending_approval", or "denied"
	TokenName   string   `json:"token_name,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
	ExpiresAt   string   `json:"expires_at,omitempty"`
	ApprovalURL string   `json:"approval_url,omitempty"`
	RequestID   string   `json:"request_id,omitempty"`
	Message     string   `json:"message,omitempty"`
}

// TokenRequest carries the agent's raw credential request. Scopes is an
// absolute scope set; AddScopes/RemoveScopes express a delta against the
// session's current scopes. When Scopes is set it wins outright.
type TokenRequest struct {
	Scopes       string
	AddScopes    string
	RemoveScopes string
	Name         string
	TTL          time.Duration

	// renewal marks a transparent re-issue of an expired credential, so
	// approval prompts can explain themselves accordingly.
	renewal bool
}

// Gateway orchestrates the approval and issuance flow: scope merge, TTL
// enforcement, interactive-vs-browser approval branching, minting, and
// atomic replacement of a superseded credential.
type Gateway struct {
	vocab        Vocabulary
	approver     Approver
	approvals    *ApprovalServer
	issuer       *CredentialIssuer
	awaitTimeout time.Duration
	defaultName  string
	logger       *Logger
}

// NewGateway wires the gateway. defaultName is used when the agent does
// not name the token; it is unique per server instance to avoid
// name collisions with credentials left over from other sessions.
func NewGateway(vocab Vocabulary, approver Approver, approvals *ApprovalServer, issuer *CredentialIssuer, awaitTimeout time.Duration, defaultName string, logger *Logger) *Gateway {
	if awaitTimeout <= 0 {
		awaitTimeout = defaultApprovalTimeout
	}
	return &Gateway{
		vocab:        vocab,
		approver:     approver,
		approvals:    approvals,
		issuer:       issuer,
		awaitTimeout: awaitTimeout,
		defaultName:  defaultName,
		logger:       logger,
	}
}

// resolveTarget computes the target scope set for a request against the
// session's current scopes. Validation is all-or-nothing.
func (g *Gateway) resolveTarget(sess *Session, req TokenRequest) (ScopeSet, error) {
	var delta ScopeDelta
	var err error

	if req.Scopes != "" {
		if delta.Absolute, err = ParseScopes(req.Scopes, g.vocab); err != nil {
			return nil, err
		}
	} else {
		if delta.Add, err = ParseScopes(req.AddScopes, g.vocab); err != nil {
			return nil, err
		}
		if delta.Remove, err = ParseScopes(req.RemoveScopes, g.vocab); err != nil {
			return nil, err
		}
		if len(delta.Add) == 0 && len(delta.Remove) == 0 {
			return nil, validationErrorf("no scopes provided; specify at least one scope like 'project:read'")
		}
	}

	var current ScopeSet
	if rec := sess.Token(); rec != nil {
		current = rec.Scopes
	}
	target := MergeScopes(current, delta)
	if len(target) == 0 {
		return nil, validationErrorf("requested scope set is empty after merge")
	}
	return target, nil
}

// RequestToken handles a scope request end to end.
//
// When the transport can elicit, the call blocks (bounded) on the human's
// interactive decision. Otherwise an approval session is published and the
// call returns a pending_approval outcome immediately: the agent must show
// the approval URL to the user and then call AwaitApproval.
func (g *Gateway) RequestToken(ctx context.Context, sess *Session, req TokenRequest) (*TokenOutcome, error) {
	target, err := g.resolveTarget(sess, req)
	if err != nil {
		return nil, err
	}

	ttl := req.TTL
	if ttl == 0 {
		ttl = defaultTokenTTL
	}
	if ttl < minTokenTTL {
		return nil, validationErrorf("token lifetime must be at least 1 hour")
	}
	if ttl > maxTokenTTL {
		return nil, validationErrorf("token lifetime cannot exceed 720 hours (30 days)")
	}

	name := req.Name
	if name == "" {
		name = g.defaultName
	}
	expiresAt := time.Now().UTC().Add(ttl)

	if g.approver != nil && g.approver.CanElicit(ctx) {
		decision, err := g.approver.Elicit(ctx, ApprovalPrompt{
			Name:      name,
			Scopes:    target,
			ExpiresAt: expiresAt,
			Renewal:   req.renewal,
		})
		if err != nil {
			return nil, err
		}
		if decision != DecisionApproved {
			return &TokenOutcome{
				Status:  "denied",
				Message: "User denied the token request.",
			}, nil
		}
		return g.activate(ctx, sess, target, name, ttl)
	}

	// Async decoupling point: publish the approval session and return
	// without blocking on resolution.
	approval := g.approvals.Create(ApprovalRequest{
		Name:      name,
		Scopes:    target,
		TTL:       ttl,
		ExpiresAt: expiresAt,
	})
	sess.RecordApproval(approval)

	return &TokenOutcome{
		Status:      "pending_approval",
		ApprovalURL: g.approvals.URL(approval.ID()),
		RequestID:   approval.ID(),
		Message: "The connected client does not support interactive approval. " +
			"Tell the user to open the approval URL in their browser, then call " +
			"await_token_approval with the request_id.",
	}, nil
}

// AwaitApproval blocks (bounded) until the approval session resolves, then
// completes the issuance. Already-resolved sessions return immediately:
// repeated calls for the same request id yield the same outcome, and an
// approved session never mints twice.
func (g *Gateway) AwaitApproval(ctx context.Context, sess *Session, requestID string) (*TokenOutcome, error) {
	approval, err := g.approvals.Lookup(requestID)
	if err != nil {
		return nil, err
	}

	if approval.Status() == ApprovalPending {
		// The session holds no locks here: suspension is on the approval's
		// resolution channel, bounded by the await timeout. A timeout
		// leaves the session pending and this call retryable.
		timer := time.NewTimer(g.awaitTimeout)
		defer timer.Stop()
		select {
		case <-approval.Done():
		case <-timer.C:
			return nil, ErrApprovalTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	switch approval.Status() {
	case ApprovalDenied:
		return &TokenOutcome{
			Status:  "denied",
			Message: "User denied the token request.",
		}, nil
	case ApprovalExpired:
		return nil, ErrApprovalTimeout
	}

	approval.issueMu.Lock()
	defer approval.issueMu.Unlock()
	if out := approval.cachedOutcome(); out != nil {
		return out, nil
	}

	req := approval.Request()
	out, err := g.activate(ctx, sess, req.Scopes, req.Name, req.TTL)
	if err != nil {
		return nil, err
	}
	approval.setOutcome(out)
	return out, nil
}

// activate mints the credential, installs it as the session's active
// record, and only then revokes the superseded one so there is never a
// window with zero valid credential. Revocation failure is logged, not
// fatal.
func (g *Gateway) activate(ctx context.Context, sess *Session, scopes ScopeSet, name string, ttl time.Duration) (*TokenOutcome, error) {
	rec, err := g.issuer.Mint(ctx, scopes, name, ttl)
	if err != nil {
		return nil, err
	}

	if prev := sess.SetToken(rec); prev != nil {
		if err := g.issuer.Revoke(ctx, prev); err != nil {
			g.logger.Warning("Failed to revoke superseded token %s: %v", prev.ID(), err)
		}
	}

	g.logger.Success("Scoped token %q active (scopes: %s)", rec.Name, FormatScopes(rec.Scopes))
	return &TokenOutcome{
		Status:    "active",
		TokenName: rec.Name,
		Scopes:    rec.Scopes.Strings(),
		ExpiresAt: rec.ExpiresAt.UTC().Format(time.RFC3339),
		Message:   "Scoped token created and activated for this session. The token value is stored server-side and never shown.",
	}, nil
}
