package gate

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Config carries the assembled server configuration. It is built once in
// cmd and passed down explicitly; nothing in this package reads ambient
// state.
type Config struct {
	// APIURL is the base URL of the backing credential service.
	APIURL string
	// APIToken is the operator credential used to mint scoped tokens.
	APIToken string
	// ListenAddr is the HTTP listen address, e.g. ":3000".
	ListenAddr string
	// BaseURL is the externally reachable address approval links are built
	// against. Derived from ListenAddr when empty.
	BaseURL string
	// ServerTransport selects "stdio" or "streamable-http".
	ServerTransport string
	// AllowUnscoped permits operations without a scoped token to fall back
	// to the default credential instead of failing closed.
	AllowUnscoped bool
	// ApprovalTimeout bounds interactive elicitation and a single
	// await_token_approval call.
	ApprovalTimeout time.Duration
	// Version is reported in the MCP server info.
	Version string
}

// GateServer exposes the token-scoping tools over MCP and co-hosts the
// human approval pages on the same listener.
type GateServer struct {
	cfg       Config
	logger    *Logger
	mcpServer *server.MCPServer

	store     *SessionStore
	approvals *ApprovalServer
	gateway   *Gateway
	monitor   *ExpiryMonitor
	issuer    *CredentialIssuer
}

// NewGateServer wires all components and registers the MCP tools.
func NewGateServer(cfg Config, vocab Vocabulary, logger *Logger) (*GateServer, error) {
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("credential service URL is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		if strings.HasPrefix(cfg.ListenAddr, ":") {
			baseURL = "http://localhost" + cfg.ListenAddr
		} else {
			baseURL = "http://" + cfg.ListenAddr
		}
	}

	issuer := NewCredentialIssuer(cfg.APIURL, cfg.APIToken, logger)
	approvals := NewApprovalServer(baseURL, logger)
	approver := NewMCPApprover(cfg.ApprovalTimeout, logger)

	// Instance-unique default token name, so crashed or parallel server
	// instances do not collide on names at the credential service.
	defaultName := "mcp-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]

	gateway := NewGateway(vocab, approver, approvals, issuer, cfg.ApprovalTimeout, defaultName, logger)
	monitor := NewExpiryMonitor(gateway, issuer, cfg.AllowUnscoped, logger)

	gs := &GateServer{
		cfg:       cfg,
		logger:    logger,
		store:     NewSessionStore(),
		approvals: approvals,
		gateway:   gateway,
		monitor:   monitor,
		issuer:    issuer,
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(ctx context.Context, session server.ClientSession) {
		gs.teardownSession(session.SessionID())
	})

	gs.mcpServer = server.NewMCPServer(
		"tokengate",
		cfg.Version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithPromptCapabilities(false),
		server.WithHooks(hooks),
	)
	gs.registerTools()

	return gs, nil
}

// Monitor returns the freshness gate for the operation-dispatch layer.
func (s *GateServer) Monitor() *ExpiryMonitor { return s.monitor }

// Approvals returns the approval server, used by the operator console.
func (s *GateServer) Approvals() *ApprovalServer { return s.approvals }

// session resolves the per-connection Session for a tool call.
func (s *GateServer) session(ctx context.Context) (*Session, error) {
	clientSession := server.ClientSessionFromContext(ctx)
	if clientSession == nil {
		return nil, fmt.Errorf("no client session in context")
	}
	return s.store.Get(clientSession.SessionID()), nil
}

// teardownSession runs when an MCP connection unregisters: the session's
// active credential is revoked and the state dropped.
func (s *GateServer) teardownSession(id string) {
	sess := s.store.Remove(id)
	if sess == nil {
		return
	}
	rec := sess.ClearToken()
	if rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.issuer.Revoke(ctx, rec); err != nil {
		s.logger.Warning("Failed to revoke token %s on session teardown: %v", rec.ID(), err)
	} else {
		s.logger.InfoVerbose("Revoked token %s on session teardown", rec.ID())
	}
}

// Start serves the configured transport until ctx is cancelled. In
// streamable-http mode one mux serves both the MCP endpoint (/mcp) and the
// approval pages (/approve/...): the sharing is intentional, environments
// often expose a single reachable port. In stdio mode the same mux carries
// only the approval pages.
func (s *GateServer) Start(ctx context.Context) error {
	s.approvals.StartJanitor(ctx)

	mux := http.NewServeMux()
	s.approvals.RegisterRoutes(mux)

	switch s.cfg.ServerTransport {
	case "stdio":
		go func() {
			if err := s.serveHTTP(ctx, mux); err != nil {
				s.logger.Error("Approval listener error: %v", err)
			}
		}()
		return server.ServeStdio(s.mcpServer)
	case "streamable-http":
		httpServer := server.NewStreamableHTTPServer(
			s.mcpServer,
			server.WithEndpointPath("/mcp"),
		)
		mux.Handle("/mcp", httpServer)
		return s.serveHTTP(ctx, mux)
	default:
		return fmt.Errorf("unsupported server transport: %s", s.cfg.ServerTransport)
	}
}

func (s *GateServer) serveHTTP(ctx context.Context, mux *http.ServeMux) error {
	httpServer := &http.Server{Addr: s.cfg.ListenAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Listening on %s", s.cfg.ListenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// registerTools registers the agent-facing token tools.
func (s *GateServer) registerTools() {
	requestTool := mcp.NewTool("request_scoped_token",
		mcp.WithDescription("Request a scoped API token with limited permissions for this session. "+
			"The user must approve the requested scopes; the token value is stored server-side and never shown. "+
			"Provide either 'scopes' (the full desired set) or 'add_scopes'/'remove_scopes' (a delta against the current set)."),
		mcp.WithString("scopes",
			mcp.Description("Comma-separated 'resource:action' scopes to request as the full target set. "+
				"Actions: read, create, update, delete, or *. Example: 'project:read,deployment:read'"),
		),
		mcp.WithString("add_scopes",
			mcp.Description("Comma-separated scopes to add to the current set (ignored when 'scopes' is provided)"),
		),
		mcp.WithString("remove_scopes",
			mcp.Description("Comma-separated scopes to remove from the current set (ignored when 'scopes' is provided)"),
		),
		mcp.WithString("name",
			mcp.Description("A name for the token, for identification in the portal"),
		),
		mcp.WithNumber("expires_in_hours",
			mcp.Description("Token lifetime in hours (minimum 1, maximum 720, default 1)"),
		),
	)
	s.mcpServer.AddTool(requestTool, s.handleRequestToken)

	awaitTool := mcp.NewTool("await_token_approval",
		mcp.WithDescription("Block until the user approves or denies a pending token request in their browser. "+
			"Call this after request_scoped_token returns status 'pending_approval'. "+
			"A timeout is retryable: call again while the user decides."),
		mcp.WithString("request_id",
			mcp.Required(),
			mcp.Description("The request_id returned by request_scoped_token"),
		),
	)
	s.mcpServer.AddTool(awaitTool, s.handleAwaitApproval)

	statusTool := mcp.NewTool("get_token_status",
		mcp.WithDescription("Check the current token status for this session: active scopes and expiry. "+
			"Read-only; the token value is never shown."),
	)
	s.mcpServer.AddTool(statusTool, s.handleTokenStatus)

	clearTool := mcp.NewTool("clear_scoped_token",
		mcp.WithDescription("Clear and revoke the scoped token for this session. "+
			"Subsequent operations use the default credential only if unscoped fallback is enabled."),
	)
	s.mcpServer.AddTool(clearTool, s.handleClearToken)
}
