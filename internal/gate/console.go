package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
)

// errConsoleExit is a sentinel error used to signal console exit
var errConsoleExit = errors.New("exit")

// Console is an interactive operator console for resolving pending
// approval requests without a browser. It runs alongside the server and
// operates on the same ApprovalServer state the approval pages use.
type Console struct {
	approvals       *ApprovalServer
	logger          *Logger
	rl              *readline.Instance
	commandHandlers map[string]consoleCommand
}

// NewConsole creates a new operator console.
func NewConsole(approvals *ApprovalServer, logger *Logger) *Console {
	c := &Console{
		approvals: approvals,
		logger:    logger,
	}
	c.commandHandlers = c.buildCommandHandlers()
	return c
}

// Run starts the console loop and blocks until exit or ctx cancellation.
func (c *Console) Run(ctx context.Context) error {
	historyFile := filepath.Join(os.TempDir(), ".tokengate_history")

	config := &readline.Config{
		Prompt:          "gate> ",
		HistoryFile:     historyFile,
		AutoComplete:    c.createCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: consoleFilterInput,
	}

	rl, err := readline.NewEx(config)
	if err != nil {
		return fmt.Errorf("failed to create readline instance: %w", err)
	}
	defer func() { _ = rl.Close() }()
	c.rl = rl

	c.logger.Info("Operator console started. Type 'help' for available commands. Use TAB for completion.")
	fmt.Println()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Console shutting down...")
			return nil
		default:
		}

		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				continue
			}
		} else if err == io.EOF {
			c.logger.Info("Goodbye!")
			return nil
		} else if err != nil {
			return fmt.Errorf("readline error: %w", err)
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if err := c.executeCommand(input); err != nil {
			if errors.Is(err, errConsoleExit) {
				c.logger.Info("Goodbye!")
				return nil
			}
			c.logger.Error("Error: %v", err)
		}

		fmt.Println()
	}
}

// consoleCommand defines a console command with its handler and argument requirements
type consoleCommand struct {
	minArgs int
	usage   string
	handler func(parts []string) error
}

// buildCommandHandlers creates the map of command handlers
func (c *Console) buildCommandHandlers() map[string]consoleCommand {
	return map[string]consoleCommand{
		"help": {minArgs: 1, handler: func(parts []string) error {
			return c.showHelp()
		}},
		"?": {minArgs: 1, handler: func(parts []string) error {
			return c.showHelp()
		}},
		"exit": {minArgs: 1, handler: func(parts []string) error {
			return errConsoleExit
		}},
		"quit": {minArgs: 1, handler: func(parts []string) error {
			return errConsoleExit
		}},
		"pending": {minArgs: 1, handler: func(parts []string) error {
			return c.handlePending()
		}},
		"approve": {
			minArgs: 2,
			usage:   "usage: approve <request-id>",
			handler: func(parts []string) error {
				return c.handleResolve(parts[1], true)
			},
		},
		"deny": {
			minArgs: 2,
			usage:   "usage: deny <request-id>",
			handler: func(parts []string) error {
				return c.handleResolve(parts[1], false)
			},
		},
	}
}

// executeCommand parses and executes a command
func (c *Console) executeCommand(input string) error {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil
	}

	command := strings.ToLower(parts[0])

	handler, exists := c.commandHandlers[command]
	if !exists {
		return fmt.Errorf("unknown command: %s. Type 'help' for available commands", command)
	}

	if len(parts) < handler.minArgs {
		return errors.New(handler.usage)
	}

	return handler.handler(parts)
}

func (c *Console) showHelp() error {
	fmt.Println("Available commands:")
	fmt.Println("  pending               List pending approval requests")
	fmt.Println("  approve <request-id>  Approve a pending request")
	fmt.Println("  deny <request-id>     Deny a pending request")
	fmt.Println("  help, ?               Show this help")
	fmt.Println("  exit, quit            Exit the console")
	return nil
}

func (c *Console) handlePending() error {
	pending := c.approvals.Pending()
	if len(pending) == 0 {
		fmt.Println("No pending approval requests.")
		return nil
	}

	for _, approval := range pending {
		req := approval.Request()
		fmt.Printf("%s\n", approval.ID())
		fmt.Printf("  name:    %s\n", req.Name)
		fmt.Printf("  scopes:  %s\n", FormatScopes(req.Scopes))
		fmt.Printf("  expires: %s\n", req.ExpiresAt.Format(time.RFC3339))
		fmt.Printf("  waiting: %s\n", time.Since(approval.CreatedAt()).Round(time.Second))
	}
	return nil
}

func (c *Console) handleResolve(id string, approve bool) error {
	status, err := c.approvals.Resolve(id, approve)
	if err != nil {
		return err
	}
	switch status {
	case ApprovalApproved:
		c.logger.Success("Request %s approved", id)
	case ApprovalDenied:
		c.logger.Success("Request %s denied", id)
	default:
		c.logger.Warning("Request %s already resolved: %s", id, status)
	}
	return nil
}

// createCompleter creates the tab completion configuration
func (c *Console) createCompleter() *readline.PrefixCompleter {
	pendingIDs := func(string) []string {
		var ids []string
		for _, approval := range c.approvals.Pending() {
			ids = append(ids, approval.ID())
		}
		return ids
	}

	return readline.NewPrefixCompleter(
		readline.PcItem("help"),
		readline.PcItem("?"),
		readline.PcItem("pending"),
		readline.PcItem("approve", readline.PcItemDynamic(pendingIDs)),
		readline.PcItem("deny", readline.PcItemDynamic(pendingIDs)),
		readline.PcItem("exit"),
		readline.PcItem("quit"),
	)
}

// consoleFilterInput filters input characters for readline
func consoleFilterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}
