package gate

import (
	"context"
	"net/http"
	"time"
)

// ExpiryMonitor validates credential freshness before dependent operations
// and triggers transparent renewal when a session's credential has lapsed.
// A renewal re-runs the approval flow with the session's existing scopes
// and a fresh default TTL: same ScopeSet, new lifetime, never a silent
// escalation.
type ExpiryMonitor struct {
	gateway       *Gateway
	issuer        *CredentialIssuer
	allowUnscoped bool
	logger        *Logger
}

// NewExpiryMonitor creates the freshness gate. allowUnscoped controls
// whether operations without a scoped credential may fall back to the
// default (unscoped) credential, or fail closed.
func NewExpiryMonitor(gateway *Gateway, issuer *CredentialIssuer, allowUnscoped bool, logger *Logger) *ExpiryMonitor {
	return &ExpiryMonitor{
		gateway:       gateway,
		issuer:        issuer,
		allowUnscoped: allowUnscoped,
		logger:        logger,
	}
}

// AllowUnscoped reports whether fallback to the default credential is
// permitted.
func (m *ExpiryMonitor) AllowUnscoped() bool { return m.allowUnscoped }

// EnsureFresh returns a usable token record for the session, renewing an
// expired one first. A nil record with nil error means the operation
// should proceed on the default credential (only possible when the
// fallback flag is on). When renewal is denied, or nothing scoped is
// active and fallback is off, the operation fails with an
// AuthorizationError rather than retrying indefinitely.
func (m *ExpiryMonitor) EnsureFresh(ctx context.Context, sess *Session) (*TokenRecord, error) {
	rec := sess.Token()
	if rec == nil {
		if m.allowUnscoped {
			return nil, nil
		}
		return nil, authorizationErrorf("no scoped token is active and unscoped fallback is disabled; call request_scoped_token first")
	}
	if !rec.Expired(time.Now()) {
		return rec, nil
	}

	m.logger.Warning("Scoped token %q has expired; requesting renewal with the same scopes", rec.Name)
	out, err := m.gateway.RequestToken(ctx, sess, TokenRequest{
		Scopes:  FormatScopes(rec.Scopes),
		Name:    rec.Name,
		TTL:     defaultTokenTTL,
		renewal: true,
	})
	if err != nil {
		return nil, err
	}

	switch out.Status {
	case "active":
		return sess.Token(), nil
	case "pending_approval":
		// Non-interactive transport: the renewal cannot block this
		// operation. The agent must complete the approval explicitly.
		return nil, authorizationErrorf(
			"scoped token %q has expired and renewal requires approval; open %s and call await_token_approval with request_id %s",
			rec.Name, out.ApprovalURL, out.RequestID)
	default:
		// Renewal denied: drop the lapsed record so the session state
		// reflects reality, then fail or fall back per configuration.
		if prev := sess.ClearToken(); prev != nil {
			if err := m.issuer.Revoke(ctx, prev); err != nil {
				m.logger.Warning("Failed to revoke expired token %s: %v", prev.ID(), err)
			}
		}
		if m.allowUnscoped {
			m.logger.Info("Token renewal denied for %q; falling back to the default credential", rec.Name)
			return nil, nil
		}
		return nil, authorizationErrorf("renewal of scoped token %q was denied", rec.Name)
	}
}

// RequestHeaders builds the authorization headers for an outgoing API
// request on behalf of the session, renewing first if needed. This is the
// only sanctioned egress for the credential value, and it points at the
// backing API, never back at the agent. Nil headers mean the caller's
// default credential applies.
func (m *ExpiryMonitor) RequestHeaders(ctx context.Context, sess *Session) (http.Header, error) {
	rec, err := m.EnsureFresh(ctx, sess)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	h := make(http.Header)
	h.Set("Authorization", rec.bearer())
	return h, nil
}
