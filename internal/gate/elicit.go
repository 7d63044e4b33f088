package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Decision is a human response to a scope request.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
)

// ApprovalPrompt is the content of an interactive approval request.
type ApprovalPrompt struct {
	Name      string
	Scopes    ScopeSet
	ExpiresAt time.Time
	// Renewal marks a transparent re-issue of an expired credential with
	// identical scopes, so the prompt explains itself accordingly.
	Renewal bool
}

// Approver is the interactive approval capability of the agent transport.
// The gateway branches on CanElicit up front rather than catching a
// protocol error after the fact: when the transport cannot elicit, the
// browser-based approval path is used instead.
type Approver interface {
	// CanElicit reports whether the connected client declared the
	// elicitation capability.
	CanElicit(ctx context.Context) bool

	// Elicit presents the prompt and blocks until the human responds or
	// the bounded timeout elapses, in which case it returns
	// ErrApprovalTimeout.
	Elicit(ctx context.Context, prompt ApprovalPrompt) (Decision, error)
}

// mcpApprover elicits through the MCP session attached to the request
// context.
type mcpApprover struct {
	timeout time.Duration
	logger  *Logger
}

// NewMCPApprover returns an Approver backed by MCP elicitation. timeout
// bounds how long a single elicitation may block.
func NewMCPApprover(timeout time.Duration, logger *Logger) Approver {
	if timeout <= 0 {
		timeout = defaultApprovalTimeout
	}
	return &mcpApprover{timeout: timeout, logger: logger}
}

func (a *mcpApprover) CanElicit(ctx context.Context) bool {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return false
	}
	if _, ok := session.(server.SessionWithElicitation); !ok {
		return false
	}
	if s, ok := session.(server.SessionWithClientInfo); ok {
		if caps := s.GetClientCapabilities(); caps.Elicitation == nil {
			return false
		}
	}
	return true
}

func (a *mcpApprover) Elicit(ctx context.Context, prompt ApprovalPrompt) (Decision, error) {
	srv := server.ServerFromContext(ctx)
	if srv == nil {
		return "", fmt.Errorf("no MCP server in context")
	}

	elicitCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	a.logger.InfoVerbose("Eliciting approval for %q (scopes: %s)", prompt.Name, FormatScopes(prompt.Scopes))
	result, err := srv.RequestElicitation(elicitCtx, mcp.ElicitationRequest{
		Params: mcp.ElicitationParams{
			Message: promptMessage(prompt),
			RequestedSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"decision": map[string]any{
						"type":        "string",
						"enum":        []string{"approve", "deny"},
						"description": "Approve or deny the scoped token request",
					},
				},
				"required": []string{"decision"},
			},
		},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", ErrApprovalTimeout
		}
		return "", fmt.Errorf("elicitation failed: %w", err)
	}

	return decisionFromElicitation(result), nil
}

// decisionFromElicitation maps the client's elicitation response onto a
// Decision. Anything other than an explicit accept with decision
// "approve" is a denial, including declined, cancelled, and malformed
// responses.
func decisionFromElicitation(result *mcp.ElicitationResult) Decision {
	if result.Action != mcp.ElicitationResponseActionAccept {
		return DecisionDenied
	}
	content, ok := result.Content.(map[string]any)
	if !ok {
		return DecisionDenied
	}
	if decision, ok := content["decision"].(string); ok && decision == "approve" {
		return DecisionApproved
	}
	return DecisionDenied
}

func promptMessage(prompt ApprovalPrompt) string {
	var b strings.Builder
	if prompt.Renewal {
		fmt.Fprintf(&b, "Your scoped token %q has expired.\nRe-create it with the same scopes?\n\n", prompt.Name)
	} else {
		b.WriteString("The AI agent is requesting a scoped API token.\n\n")
		fmt.Fprintf(&b, "Token name: %s\n", prompt.Name)
	}
	b.WriteString("Requested scopes:\n")
	for _, s := range prompt.Scopes.Strings() {
		fmt.Fprintf(&b, "  - %s\n", s)
	}
	fmt.Fprintf(&b, "\nExpires: %s\n\nDo you approve?", prompt.ExpiresAt.UTC().Format("2006-01-02 15:04 UTC"))
	return b.String()
}
