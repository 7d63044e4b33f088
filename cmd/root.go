package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tokengate/internal/gate"

	"github.com/spf13/cobra"
)

const (
	transportStdio          = "stdio"
	transportStreamableHTTP = "streamable-http"
)

var (
	version string

	apiURL          string
	apiToken        string
	listenAddr      string
	baseURL         string
	serverTransport string
	allowUnscoped   bool
	approvalTimeout time.Duration
	console         bool
	verbose         bool
	noColor         bool
	jsonRPC         bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tokengate",
	Short: "MCP server that gates API access behind user-approved scoped tokens",
	Long: `tokengate is an MCP (Model Context Protocol) server that brokers scoped
API tokens between an AI agent and a backing credential service.

The agent never sees a token value. It requests a set of 'resource:action'
scopes; the user approves or denies the request, either through an MCP
elicitation dialog in their client or through a browser approval page when
the client does not support elicitation. Approved tokens are held
server-side and attached to outgoing API calls. When a token expires, the
next operation transparently requests a fresh one with the same scopes,
subject to the same approval flow.

The server exposes four tools:
- request_scoped_token: request or adjust the session's scope set
- await_token_approval: block until a pending browser approval resolves
- get_token_status: inspect the active scopes and expiry
- clear_scoped_token: drop and revoke the session's token

Transports: streamable-http (default) serves the MCP endpoint at /mcp and
the approval pages on the same port; stdio serves MCP on stdin/stdout and
the approval pages on the HTTP listener.

The credential service URL and operator token can also be supplied via the
TOKENGATE_API_URL and TOKENGATE_API_TOKEN environment variables.`,
	RunE: runTokengate,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// SetVersion sets the version for the application
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func init() {
	rootCmd.Flags().StringVar(&apiURL, "api-url", "", "Base URL of the backing credential service (or TOKENGATE_API_URL)")
	rootCmd.Flags().StringVar(&apiToken, "api-token", "", "Operator token used to mint scoped tokens (or TOKENGATE_API_TOKEN)")
	rootCmd.Flags().StringVar(&serverTransport, "server-transport", transportStreamableHTTP, "Transport protocol for the MCP server (stdio, streamable-http)")
	rootCmd.Flags().StringVar(&listenAddr, "listen-addr", ":3000", "HTTP listen address (MCP path is fixed to /mcp)")
	rootCmd.Flags().StringVar(&baseURL, "base-url", "", "Externally reachable base URL for approval links (derived from --listen-addr if empty)")
	rootCmd.Flags().BoolVar(&allowUnscoped, "allow-unscoped", false, "Allow operations without a scoped token to use the default credential")
	rootCmd.Flags().DurationVar(&approvalTimeout, "approval-timeout", 2*time.Minute, "Maximum time to wait for a single approval prompt")
	rootCmd.Flags().BoolVar(&console, "console", false, "Start the interactive operator console alongside the server")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	rootCmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.Flags().BoolVar(&jsonRPC, "json-rpc", false, "Enable wire-level HTTP logging for credential service calls")

	// Add subcommands
	rootCmd.AddCommand(newSelfUpdateCmd())
}

// setupSignalHandler sets up graceful shutdown on interrupt signals
func setupSignalHandler(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		if serverTransport != transportStdio {
			fmt.Println("\nReceived interrupt signal, shutting down gracefully...")
		}
		cancel()
	}()
}

func runTokengate(cmd *cobra.Command, args []string) error {
	if apiURL == "" {
		apiURL = os.Getenv("TOKENGATE_API_URL")
	}
	if apiToken == "" {
		apiToken = os.Getenv("TOKENGATE_API_TOKEN")
	}
	if apiURL == "" {
		return fmt.Errorf("credential service URL is required (--api-url or TOKENGATE_API_URL)")
	}
	if apiToken == "" {
		return fmt.Errorf("operator token is required (--api-token or TOKENGATE_API_TOKEN)")
	}
	if serverTransport != transportStdio && serverTransport != transportStreamableHTTP {
		return fmt.Errorf("unsupported server transport '%s' (stdio, streamable-http)", serverTransport)
	}
	if console && serverTransport == transportStdio {
		return fmt.Errorf("--console cannot be combined with stdio transport (stdin is the MCP channel)")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	setupSignalHandler(cancel)

	// Stdio transport owns stdout for JSON-RPC, so logging stays on stderr
	// and wire logging is forced off there.
	logger := gate.NewLogger(verbose, !noColor, jsonRPC && serverTransport != transportStdio)

	if cmd.Flags().Changed("api-token") {
		logger.Warning("Security Warning: Operator token passed via CLI flag is visible in process listings")
		logger.Info("Consider using the environment instead: export TOKENGATE_API_TOKEN=\"...\"")
	}

	vocab := fetchVocabulary(ctx, logger)

	srv, err := gate.NewGateServer(gate.Config{
		APIURL:          apiURL,
		APIToken:        apiToken,
		ListenAddr:      listenAddr,
		BaseURL:         baseURL,
		ServerTransport: serverTransport,
		AllowUnscoped:   allowUnscoped,
		ApprovalTimeout: approvalTimeout,
		Version:         version,
	}, vocab, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if console {
		go func() {
			operatorConsole := gate.NewConsole(srv.Approvals(), logger)
			if err := operatorConsole.Run(ctx); err != nil {
				logger.Error("Console error: %v", err)
			}
			cancel()
		}()
	}

	logger.Info("Starting tokengate MCP server (transport: %s)...", serverTransport)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// fetchVocabulary loads the resource/action catalog from the credential
// service. A failure is not fatal: scope validation falls back to
// action-only checks and the service remains the authority at mint time.
func fetchVocabulary(ctx context.Context, logger *gate.Logger) gate.Vocabulary {
	fetchCtx, fetchCancel := context.WithTimeout(ctx, 15*time.Second)
	defer fetchCancel()

	index, err := gate.FetchEntityIndex(fetchCtx, apiURL, nil)
	if err != nil {
		logger.Warning("Could not fetch entity catalog from %s: %v", apiURL, err)
		logger.Warning("Scope resources will not be validated against the catalog")
		return gate.NewEntityIndex(nil)
	}
	logger.InfoVerbose("Loaded entity catalog: %d resources", len(index.Resources()))
	return index
}
