package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// CredentialIssuer mints and revokes scoped credentials against the
// backing credential service. It is the only component that ever touches
// the raw credential value.
type CredentialIssuer struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	logger     *Logger
}

// NewCredentialIssuer creates an issuer for the given service. authToken is
// the operator credential authorized to mint scoped tokens.
func NewCredentialIssuer(baseURL, authToken string, logger *Logger) *CredentialIssuer {
	return &CredentialIssuer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authToken:  authToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// mintRequest is the POST /api-tokens payload.
type mintRequest struct {
	Name      string   `json:"name"`
	Scopes    []string `json:"scopes"`
	ExpiresAt string   `json:"expires_at"`
}

// mintResponse is the credential service's reply. Token is the raw value;
// it goes straight into the TokenRecord and nowhere else.
type mintResponse struct {
	Token     string `json:"token"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	ExpiresAt string `json:"expires_at"`
}

// Mint creates a scoped credential. Backing-service errors, including 409
// name collisions, are propagated verbatim as an IssuanceError and never
// retried: a silent retry on a naming conflict would mask user intent.
func (c *CredentialIssuer) Mint(ctx context.Context, scopes ScopeSet, name string, ttl time.Duration) (*TokenRecord, error) {
	expiresAt := time.Now().UTC().Add(ttl)
	payload, err := json.Marshal(mintRequest{
		Name:      name,
		Scopes:    scopes.Strings(),
		ExpiresAt: expiresAt.Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode mint request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api-tokens", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create mint request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.authToken)

	c.logger.Wire("POST /api-tokens %s", payload)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &IssuanceError{Body: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &IssuanceError{StatusCode: resp.StatusCode, Body: "failed to read response body: " + err.Error()}
	}
	if resp.StatusCode >= 400 {
		return nil, &IssuanceError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var minted mintResponse
	if err := json.Unmarshal(body, &minted); err != nil {
		return nil, &IssuanceError{StatusCode: resp.StatusCode, Body: "malformed response: " + err.Error()}
	}
	if minted.Token == "" {
		return nil, &IssuanceError{StatusCode: resp.StatusCode, Body: "service did not return a token value"}
	}

	if minted.ExpiresAt != "" {
		if parsed, err := time.Parse(time.RFC3339, minted.ExpiresAt); err == nil {
			expiresAt = parsed
		}
	}
	if minted.Name == "" {
		minted.Name = name
	}

	c.logger.Info("Scoped token minted: id=%s scopes=%s", minted.ID, FormatScopes(scopes))
	return &TokenRecord{
		id:        minted.ID,
		value:     minted.Token,
		Name:      minted.Name,
		Scopes:    scopes,
		ExpiresAt: expiresAt,
	}, nil
}

// Revoke deletes a credential at the backing service. Callers treat
// failure as best-effort: a superseded credential left un-revoked is
// logged, not fatal.
func (c *CredentialIssuer) Revoke(ctx context.Context, rec *TokenRecord) error {
	if rec == nil || rec.id == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api-tokens/"+rec.id, nil)
	if err != nil {
		return fmt.Errorf("failed to create revoke request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)

	c.logger.Wire("DELETE /api-tokens/%s", rec.id)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("credential service returned %d revoking token %s", resp.StatusCode, rec.id)
	}
	return nil
}
