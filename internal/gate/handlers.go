package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// tokenStatus is the shape returned by get_token_status. The token value
// itself is never part of any tool result.
type tokenStatus struct {
	Status    string   `json:"status"` // "scoped", "default", "none" or "cleared"
	TokenName string   `json:"token_name,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
	ExpiresAt string   `json:"expires_at,omitempty"`
	Expired   bool     `json:"expired,omitempty"`
	Message   string   `json:"message"`
}

func (s *GateServer) handleRequestToken(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	args, _ := request.Params.Arguments.(map[string]interface{})

	ttl := time.Duration(0)
	if hours := floatArg(args, "expires_in_hours"); hours != 0 {
		ttl = time.Duration(hours * float64(time.Hour))
	}
	req := TokenRequest{
		Scopes:       stringArg(args, "scopes"),
		AddScopes:    stringArg(args, "add_scopes"),
		RemoveScopes: stringArg(args, "remove_scopes"),
		Name:         stringArg(args, "name"),
		TTL:          ttl,
	}

	outcome, err := s.gateway.RequestToken(ctx, sess, req)
	if err != nil {
		if errors.Is(err, ErrApprovalTimeout) {
			return mcp.NewToolResultError(
				"Timed out waiting for the user's decision. The request was not applied; call request_scoped_token again."), nil
		}
		return toolError(err), nil
	}
	return toolJSON(outcome)
}

func (s *GateServer) handleAwaitApproval(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	args, _ := request.Params.Arguments.(map[string]interface{})
	requestID := stringArg(args, "request_id")
	if requestID == "" {
		return mcp.NewToolResultError("request_id is required"), nil
	}

	outcome, err := s.gateway.AwaitApproval(ctx, sess, requestID)
	if err != nil {
		if errors.Is(err, ErrApprovalTimeout) {
			return mcp.NewToolResultError(
				"Timed out waiting for approval. The request is still pending; call await_token_approval again, or ask the user to open the approval page."), nil
		}
		return toolError(err), nil
	}
	return toolJSON(outcome)
}

func (s *GateServer) handleTokenStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return toolJSON(sessionTokenStatus(sess, s.monitor.AllowUnscoped(), time.Now()))
}

// sessionTokenStatus builds the get_token_status payload. An expired
// record is still reported, flagged rather than hidden, since its scopes
// are what the next renewal will request.
func sessionTokenStatus(sess *Session, allowUnscoped bool, now time.Time) tokenStatus {
	rec := sess.Token()
	if rec == nil {
		if allowUnscoped {
			return tokenStatus{Status: "default", Message: "No scoped token is active; operations use the default credential."}
		}
		return tokenStatus{Status: "none", Message: "No scoped token is active for this session."}
	}

	status := tokenStatus{
		Status:    "scoped",
		TokenName: rec.Name,
		Scopes:    rec.Scopes.Strings(),
		ExpiresAt: rec.ExpiresAt.Format(time.RFC3339),
		Message:   fmt.Sprintf("Scoped token %q is active.", rec.Name),
	}
	if rec.Expired(now) {
		status.Expired = true
		status.Message = fmt.Sprintf("Scoped token %q has expired; the next operation will trigger renewal.", rec.Name)
	}
	return status
}

func (s *GateServer) handleClearToken(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	rec := sess.ClearToken()
	if rec == nil {
		if !s.monitor.AllowUnscoped() {
			return toolError(authorizationErrorf(
				"no scoped token is active and unscoped fallback is disabled; request a scoped token first")), nil
		}
		return toolJSON(tokenStatus{
			Status:  "cleared",
			Message: "No scoped token was active; the default credential remains in use.",
		})
	}

	if err := s.issuer.Revoke(ctx, rec); err != nil {
		s.logger.Warning("Failed to revoke token %s on clear: %v", rec.ID(), err)
	}

	status := tokenStatus{Status: "cleared", Message: fmt.Sprintf("Scoped token %q cleared and revoked.", rec.Name)}
	if s.monitor.AllowUnscoped() {
		status.Message = fmt.Sprintf("Scoped token %q cleared and revoked; operations now use the default credential.", rec.Name)
	}
	return toolJSON(status)
}

// toolJSON marshals a result payload into a text tool result.
func toolJSON(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// toolError maps domain errors onto tool error results with a stable
// prefix per category, so the agent can react without parsing prose.
func toolError(err error) *mcp.CallToolResult {
	switch {
	case isValidationError(err):
		return mcp.NewToolResultError("Invalid request: " + err.Error())
	case isNotFoundError(err):
		return mcp.NewToolResultError("Not found: " + err.Error())
	case isAuthorizationError(err):
		return mcp.NewToolResultError("Not authorized: " + err.Error())
	default:
		var ie *IssuanceError
		if errors.As(err, &ie) {
			return mcp.NewToolResultError("Credential service error: " + err.Error())
		}
		return mcp.NewToolResultError(err.Error())
	}
}

func isValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func isNotFoundError(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}

func isAuthorizationError(err error) bool {
	var ae *AuthorizationError
	return errors.As(err, &ae)
}

func stringArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func floatArg(args map[string]interface{}, key string) float64 {
	if v, ok := args[key].(float64); ok {
		return v
	}
	return 0
}
