package gate

import (
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

func toolResultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("tool result has no content")
	}
	text, ok := mcp.AsTextContent(result.Content[0])
	if !ok {
		t.Fatalf("expected text content, got %T", result.Content[0])
	}
	return text.Text
}

func TestToolErrorPrefixes(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "validation error",
			err:      validationErrorf("bad scope"),
			expected: "Invalid request: bad scope",
		},
		{
			name:     "not found error",
			err:      notFoundErrorf("no such request"),
			expected: "Not found: no such request",
		},
		{
			name:     "authorization error",
			err:      authorizationErrorf("no token"),
			expected: "Not authorized: no token",
		},
		{
			name:     "issuance error",
			err:      &IssuanceError{StatusCode: 409, Body: "name taken"},
			expected: "Credential service error: credential service returned 409: name taken",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := toolError(tt.err)
			if !result.IsError {
				t.Fatal("expected an error result")
			}
			text := toolResultText(t, result)
			if text != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, text)
			}
		})
	}
}

func TestArgHelpers(t *testing.T) {
	args := map[string]interface{}{
		"scopes": "project:read",
		"hours":  4.0,
		"flag":   true,
	}

	if got := stringArg(args, "scopes"); got != "project:read" {
		t.Errorf("expected project:read, got %q", got)
	}
	if got := stringArg(args, "missing"); got != "" {
		t.Errorf("expected empty string for missing key, got %q", got)
	}
	if got := stringArg(args, "hours"); got != "" {
		t.Errorf("expected empty string for non-string value, got %q", got)
	}
	if got := floatArg(args, "hours"); got != 4.0 {
		t.Errorf("expected 4.0, got %v", got)
	}
	if got := floatArg(args, "scopes"); got != 0 {
		t.Errorf("expected 0 for non-number value, got %v", got)
	}
	if got := floatArg(nil, "hours"); got != 0 {
		t.Errorf("expected 0 for nil args, got %v", got)
	}
}

func TestToolJSONRendersOutcome(t *testing.T) {
	out := &TokenOutcome{
		Status:    "active",
		TokenName: "ci-token",
		Scopes:    []string{"project:read"},
	}
	result, err := toolJSON(out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := toolResultText(t, result)
	for _, want := range []string{`"status": "active"`, `"token_name": "ci-token"`, `"project:read"`} {
		if !strings.Contains(text, want) {
			t.Errorf("expected result to contain %q, got %s", want, text)
		}
	}
}

func TestSessionTokenStatus(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	scopes := NewScopeSet(Permission{Resource: "project", Action: "read"})

	t.Run("no token", func(t *testing.T) {
		status := sessionTokenStatus(&Session{id: "conn-1"}, false, now)
		if status.Status != "none" {
			t.Errorf("expected status none, got %s", status.Status)
		}
	})

	t.Run("no token with default credential", func(t *testing.T) {
		status := sessionTokenStatus(&Session{id: "conn-1"}, true, now)
		if status.Status != "default" {
			t.Errorf("expected status default, got %s", status.Status)
		}
		if !strings.Contains(status.Message, "default credential") {
			t.Errorf("expected the message to name the default credential, got %q", status.Message)
		}
	})

	t.Run("active token", func(t *testing.T) {
		sess := &Session{id: "conn-1"}
		sess.SetToken(testRecord("ci-token", scopes, now.Add(time.Hour)))
		status := sessionTokenStatus(sess, false, now)
		if status.Status != "scoped" || status.Expired {
			t.Errorf("expected an unexpired scoped status, got %+v", status)
		}
		if len(status.Scopes) != 1 || status.Scopes[0] != "project:read" {
			t.Errorf("expected scopes [project:read], got %v", status.Scopes)
		}
	})

	t.Run("expired token still reported", func(t *testing.T) {
		sess := &Session{id: "conn-1"}
		sess.SetToken(testRecord("ci-token", scopes, now.Add(-time.Minute)))
		status := sessionTokenStatus(sess, false, now)
		if status.Status != "scoped" {
			t.Errorf("expected an expired record to stay visible, got status %s", status.Status)
		}
		if !status.Expired {
			t.Error("expected the expired flag to be set")
		}
		if !strings.Contains(status.Message, "renewal") {
			t.Errorf("expected the message to point at renewal, got %q", status.Message)
		}
		if status.TokenName != "ci-token" {
			t.Errorf("expected token name ci-token, got %s", status.TokenName)
		}
	})
}
