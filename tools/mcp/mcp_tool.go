package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/m4xw311/nexus/config"
	"github.com/m4xw311/nexus/errors"
	"github.com/m4xw311/nexus/tools"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// clientInfo identifies the gateway to the tool provider during the handshake.
var clientInfo = &mcpsdk.Implementation{Name: "nexus-gateway", Version: "v1.0.0"}

// Launcher spawns one MCP server subprocess per Open call. It satisfies
// tools.Opener.
type Launcher struct {
	Config config.ToolProvider
	Logger *slog.Logger
}

// Open starts the subprocess, performs the MCP handshake and discovers the
// tool descriptor set. Every failure, including a handshake that outlives
// HandshakeTimeout, wraps errors.ErrToolProviderUnavailable and leaves no
// process behind.
func (l *Launcher) Open(ctx context.Context) (tools.Session, error) {
	return Open(ctx, l.Config, l.Logger)
}

// Session manages the connection to a single MCP server subprocess.
type Session struct {
	name        string
	cmd         *exec.Cmd
	conn        *mcpsdk.ClientSession
	tools       []tools.Tool
	toolTimeout time.Duration
	closeGrace  time.Duration
	logger      *slog.Logger
	// terminate kills the subprocess through its command context.
	terminate context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

func Open(ctx context.Context, cfg config.ToolProvider, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Command == "" {
		return nil, errors.Kindf(errors.ErrToolProviderUnavailable, nil, "no tool provider command configured")
	}

	hsCtx := ctx
	if cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hsCtx, cancel = context.WithTimeout(ctx, cfg.HandshakeTimeout)
		defer cancel()
	}

	// The subprocess must outlive the handshake context, so it gets its own;
	// Close owns termination.
	procCtx, terminate := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, cfg.Command, cfg.Args...)
	cmd.Env = subprocessEnv(cfg)
	cmd.Stderr = os.Stderr

	s := &Session{
		name:        cfg.Command,
		cmd:         cmd,
		toolTimeout: cfg.ToolTimeout,
		closeGrace:  cfg.CloseGrace,
		logger:      logger,
		terminate:   terminate,
	}

	client := mcpsdk.NewClient(clientInfo, nil)
	conn, err := s.connect(hsCtx, client)
	if err != nil {
		s.kill()
		return nil, errors.Kindf(errors.ErrToolProviderUnavailable, err, "failed to connect to MCP server '%s'", s.name)
	}
	s.conn = conn

	discovered, err := s.discover(hsCtx)
	if err != nil {
		s.Close()
		return nil, errors.Kindf(errors.ErrToolProviderUnavailable, err, "failed to list tools from MCP server '%s'", s.name)
	}
	allowed, err := tools.Filter(discovered, cfg.AllowedTools)
	if err != nil {
		s.Close()
		return nil, errors.Kindf(errors.ErrToolProviderUnavailable, err, "bad allowed_tools for MCP server '%s'", s.name)
	}
	s.tools = allowed
	return s, nil
}

// connect runs the handshake on its own goroutine so that a provider that
// never answers is abandoned when ctx expires.
func (s *Session) connect(ctx context.Context, client *mcpsdk.Client) (*mcpsdk.ClientSession, error) {
	type result struct {
		conn *mcpsdk.ClientSession
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := client.Connect(ctx, mcpsdk.NewCommandTransport(s.cmd))
		done <- result{conn, err}
	}()
	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		s.kill()
		// Connect unblocks once the process is gone.
		if r := <-done; r.conn != nil {
			r.conn.Close()
		}
		return nil, ctx.Err()
	}
}

func (s *Session) discover(ctx context.Context) ([]tools.Tool, error) {
	var discovered []tools.Tool
	params := &mcpsdk.ListToolsParams{}
	for {
		list, err := s.conn.ListTools(ctx, params)
		if err != nil {
			return nil, err
		}
		for _, t := range list.Tools {
			discovered = append(discovered, &MCPTool{
				toolName:    t.Name,
				description: t.Description,
				schema:      schemaMap(t.InputSchema),
				session:     s,
			})
		}
		if list.NextCursor == "" {
			break
		}
		params.Cursor = list.NextCursor
	}
	return discovered, nil
}

// Tools returns the discovered tool descriptor set.
func (s *Session) Tools() []tools.Tool {
	return s.tools
}

// Close terminates the MCP server subprocess. The MCP session is closed first
// so the server sees EOF on stdin; a server still running after the grace
// period is killed. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.conn != nil {
			done := make(chan error, 1)
			go func() { done <- s.conn.Close() }()
			grace := s.closeGrace
			if grace <= 0 {
				grace = 5 * time.Second
			}
			select {
			case err := <-done:
				s.closeErr = err
			case <-time.After(grace):
				s.logger.Warn("tool provider did not exit in time, killing", "command", s.name)
				s.kill()
				s.closeErr = <-done
			}
		}
		s.kill()
	})
	return s.closeErr
}

// kill cancels the command context. os/exec delivers the kill, so this is
// safe while another goroutine is in cmd.Wait, and a no-op once the process
// has exited.
func (s *Session) kill() {
	if s.terminate != nil {
		s.terminate()
	}
}

// MCPTool represents a tool available from an external MCP server.
// It is designed to satisfy the `tools.Tool` interface from the parent package.
type MCPTool struct {
	toolName    string
	description string
	schema      map[string]interface{}
	session     *Session
}

func (t *MCPTool) Name() string {
	return t.toolName
}

// Description returns the tool's description, provided by the MCP server.
func (t *MCPTool) Description() string {
	return t.description
}

func (t *MCPTool) InputSchema() map[string]interface{} {
	return t.schema
}

// Execute sends the arguments to the MCP server and returns the text result.
// A result flagged IsError by the server is returned as an error.
func (t *MCPTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	if t.session.toolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.session.toolTimeout)
		defer cancel()
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	result, err := t.session.conn.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.toolName,
		Arguments: args,
	})
	if err != nil {
		return "", errors.Kindf(errors.ErrToolInvocationFailed, err, "failed to call tool '%s'", t.toolName)
	}
	text := resultText(result.Content)
	if result.IsError {
		return "", errors.Kindf(errors.ErrToolInvocationFailed, nil, "tool '%s' reported an error: %s", t.toolName, text)
	}
	return text, nil
}

func resultText(content []mcpsdk.Content) string {
	var b strings.Builder
	for _, c := range content {
		switch v := c.(type) {
		case *mcpsdk.TextContent:
			b.WriteString(v.Text)
		default:
			fmt.Fprintf(&b, "[unsupported %T content]", v)
		}
	}
	return b.String()
}

// schemaMap converts the SDK schema into the plain JSON object the LLM
// clients forward.
func schemaMap(schema any) map[string]interface{} {
	if schema == nil {
		return nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func subprocessEnv(cfg config.ToolProvider) []string {
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	if cfg.ConnectionString != "" && cfg.ConnectionEnv != "" {
		env = append(env, cfg.ConnectionEnv+"="+cfg.ConnectionString)
	}
	return env
}
