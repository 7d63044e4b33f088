// Package gate implements scoped-credential issuance with human approval
// gating for an MCP server.
//
// An agent connected over MCP never receives a credential value. Instead it
// requests a set of "resource:action" scopes, a human approves or denies the
// request (interactively via MCP elicitation, or through a browser approval
// page when the client cannot elicit), and the minted credential is held in
// per-connection session state where it is applied to outgoing API requests
// on the agent's behalf.
//
// # Key Components
//
//   - ScopeSet: normalized permission algebra (parse, merge, format)
//   - SessionStore / Session: per-connection credential state
//   - ApprovalServer: browser-based approval pages, co-hosted with the MCP
//     endpoint on a single listener
//   - Gateway: orchestrates approval, minting, and atomic replacement
//   - CredentialIssuer: mints and revokes credentials against the backing API
//   - ExpiryMonitor: freshness gate with transparent same-scope renewal
//   - GateServer: the MCP server exposing the token tools
//
// Tools exposed to the agent: request_scoped_token, await_token_approval,
// get_token_status, clear_scoped_token.
package gate
