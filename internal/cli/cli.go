// Package cli is the line-oriented chat adapter: observations in,
// answers out. Lines starting with '?' query the network (remember);
// slash commands inspect or control the node; everything else is
// recorded as an observation.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/mnemonet/mnemo/internal/memory"
	"github.com/mnemonet/mnemo/internal/termcolor"
	"github.com/mnemonet/mnemo/pkg/p2p"
)

const helpText = `
mnemo CLI
=========
Commands:
  ?<query>    Ask a question (uses remember)
              Example: ?what are my meeting preferences?

  /status     Show node id, capabilities, and known peers
  /clear      Wipe the knowledge graph
  /quit       Exit the CLI
  /help       Show this help message

Anything else is recorded as an observation.
  Example: I prefer morning meetings
`

// CLI drives the interactive loop on top of the routing memory client.
type CLI struct {
	memory memory.API
	node   *p2p.Node
	source string
	log    *slog.Logger
}

// New builds the chat adapter. source identifies this user in graph
// provenance.
func New(mem memory.API, node *p2p.Node, source string, log *slog.Logger) *CLI {
	if source == "" {
		source = "cli_user"
	}
	if log == nil {
		log = slog.Default()
	}
	return &CLI{memory: mem, node: node, source: source, log: log}
}

// Run reads lines from in until EOF, /quit, or ctx cancellation.
func (c *CLI) Run(ctx context.Context, in io.Reader) error {
	fmt.Print(helpText)
	fmt.Println("Ready. Type observations or ?queries:")
	fmt.Println()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			fmt.Println("Goodbye.")
			return nil
		}
		c.handle(ctx, line)
	}
	return scanner.Err()
}

func (c *CLI) handle(ctx context.Context, line string) {
	switch {
	case line == "/help":
		fmt.Print(helpText)

	case line == "/status":
		c.printStatus()

	case line == "/clear":
		if err := c.memory.Clear(ctx); err != nil {
			termcolor.Red("clear failed: %v", err)
			return
		}
		termcolor.Yellow("Knowledge graph cleared.")

	case strings.HasPrefix(line, "?"):
		query := strings.TrimSpace(strings.TrimPrefix(line, "?"))
		if query == "" {
			fmt.Println("Usage: ?<your question>")
			return
		}
		termcolor.Faint("Thinking...\n")
		answer, err := c.memory.Remember(ctx, query)
		if err != nil {
			termcolor.Red("query failed: %v", err)
			return
		}
		fmt.Println()
		termcolor.Cyan("%s", answer)
		fmt.Println()

	default:
		termcolor.Faint("Recording observation...\n")
		obsID, err := c.memory.Observe(ctx, line, c.source)
		if err != nil {
			termcolor.Red("observe failed: %v", err)
			return
		}
		termcolor.Green("Recorded. (id: %s...)", shortID(obsID))
		fmt.Println()
	}
}

func (c *CLI) printStatus() {
	fmt.Printf("node:         %s\n", c.node.NodeID())
	fmt.Printf("capabilities: %s\n", strings.Join(c.node.Capabilities().Sorted(), ", "))
	fmt.Printf("uptime:       %.0fs\n", c.node.Uptime())

	peers := c.node.Routing().AllPeers()
	fmt.Printf("peers:        %d\n", len(peers))
	for _, ps := range peers {
		line := fmt.Sprintf("  %-16s %-8s caps=%s seq=%d",
			ps.Info.NodeID, ps.Status,
			strings.Join(ps.Info.Capabilities.Sorted(), ","), ps.HeartbeatSeq)
		switch ps.Status {
		case p2p.StatusAlive:
			termcolor.Green("%s", line)
		case p2p.StatusSuspect:
			termcolor.Yellow("%s", line)
		default:
			termcolor.Red("%s", line)
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
