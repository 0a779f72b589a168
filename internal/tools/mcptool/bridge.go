// Package mcptool bridges external Model Context Protocol servers into the
// relay's tool dispatcher.
//
// Each configured server is connected via the official MCP Go SDK
// (github.com/modelcontextprotocol/go-sdk) over stdio or streamable-HTTP.
// Every tool the server advertises is registered with the [tools.Dispatcher]
// under its advertised name, so to the AI service an MCP tool looks identical
// to a built-in one.
package mcptool

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/internal/tools"
	"github.com/voxrelay/voxrelay/pkg/realtime"
)

// Bridge manages connections to external MCP servers.
//
// Safe for concurrent use.
type Bridge struct {
	client *mcpsdk.Client

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession // key: server name
}

// NewBridge creates a Bridge with no connections. Call [Bridge.Connect] for
// each configured server.
func NewBridge() *Bridge {
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "voxrelay-mcptool", Version: "1.0.0"},
		nil,
	)
	return &Bridge{
		client:   client,
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
}

// Connect establishes a connection to the MCP server described by cfg,
// discovers its tools, and registers each one with d. Reconnecting a server
// name that is already connected closes the old session first.
func (b *Bridge) Connect(ctx context.Context, d *tools.Dispatcher, cfg config.MCPServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcptool: server config must have a non-empty name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case config.TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("mcptool: stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case config.TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcptool: streamable-http server %q requires a non-empty url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}

	default:
		return fmt.Errorf("mcptool: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	session, err := b.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcptool: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcptool: list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	b.mu.Lock()
	if old, ok := b.sessions[cfg.Name]; ok {
		_ = old.Close()
	}
	b.sessions[cfg.Name] = session
	b.mu.Unlock()

	for _, t := range discovered {
		d.Register(toDefinition(t), b.handlerFor(cfg.Name, t.Name))
	}
	return nil
}

// handlerFor builds a dispatcher handler that routes a call to the named
// server's live session.
func (b *Bridge) handlerFor(serverName, toolName string) tools.Handler {
	return func(ctx context.Context, args string) (string, error) {
		b.mu.Lock()
		session, ok := b.sessions[serverName]
		b.mu.Unlock()
		if !ok {
			return "", fmt.Errorf("mcptool: server %q not connected for tool %q", serverName, toolName)
		}

		var argsMap map[string]any
		if args != "" && args != "{}" {
			if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
				return "", fmt.Errorf("mcptool: invalid args JSON for tool %q: %w", toolName, err)
			}
		}

		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      toolName,
			Arguments: argsMap,
		})
		if err != nil {
			return "", fmt.Errorf("mcptool: call to tool %q failed: %w", toolName, err)
		}

		var sb strings.Builder
		for _, c := range result.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if result.IsError {
			return "", fmt.Errorf("mcptool: tool %q: %s", toolName, sb.String())
		}
		return sb.String(), nil
	}
}

// Close shuts down all server connections. After Close the Bridge must not
// be used again.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for name, session := range b.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcptool: close server %q: %w", name, err)
		}
		delete(b.sessions, name)
	}
	return firstErr
}

// toDefinition converts an SDK tool descriptor into the realtime form.
func toDefinition(t mcpsdk.Tool) realtime.ToolDefinition {
	return realtime.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  schemaToMap(t.InputSchema),
	}
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" becomes ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
