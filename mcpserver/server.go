package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/errdefs"
	"github.com/isdmx/sandboxd/logger"
	"github.com/isdmx/sandboxd/metrics"
	"github.com/isdmx/sandboxd/sandbox"
	"github.com/isdmx/sandboxd/session"
)

const (
	serverName    = "sandboxd"
	serverVersion = "0.1.0"

	encodingText   = "text"
	encodingBase64 = "base64"

	mcpEndpoint       = "/mcp"
	readHeaderTimeout = 10 * time.Second
)

// MCPServer represents the MCP server
type MCPServer struct {
	config     *config.Config
	logger     *zap.Logger
	manager    *session.Manager
	pool       *session.Pool
	mcpServer  *server.MCPServer
	httpServer *http.Server
}

// Option configures an MCPServer.
type Option func(*MCPServer)

// WithPool serves create_sandbox calls that only use the defaults from p.
func WithPool(p *session.Pool) Option {
	return func(s *MCPServer) {
		s.pool = p
	}
}

// New creates a new MCPServer. When m is not nil and server.metrics_path is
// set, the HTTP transport also serves metrics.
func New(cfg *config.Config, logger *zap.Logger, manager *session.Manager, m *metrics.Metrics, opts ...Option) (*MCPServer, error) {
	s := &MCPServer{
		config:  cfg,
		logger:  logger,
		manager: manager,
	}
	for _, opt := range opts {
		opt(s)
	}

	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("adapter_kind", cfg.AdapterKind),
		zap.String("default_template", cfg.DefaultTemplate),
		zap.Int("default_timeout_seconds", cfg.DefaultTimeoutSeconds),
		zap.String("runtime_hint", cfg.RuntimeHint),
		zap.String("state_root", cfg.StateRoot),
		zap.Bool("watchdog.enabled", cfg.Watchdog.Enabled),
		zap.Duration("watchdog.poll_interval", cfg.Watchdog.PollInterval),
	)

	s.mcpServer = server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false))
	s.registerTools()

	mux := http.NewServeMux()
	mux.Handle(mcpEndpoint, server.NewStreamableHTTPServer(s.mcpServer, server.WithEndpointPath(mcpEndpoint)))
	if m != nil && cfg.Server.MetricsPath != "" {
		mux.Handle(cfg.Server.MetricsPath, m.Handler())
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s, nil
}

func (s *MCPServer) registerTools() {
	id := mcp.WithString("id", mcp.Required(), mcp.Description("Session id returned by create_sandbox"))
	path := mcp.WithString("path", mcp.Required(), mcp.Description("Path inside the sandbox; relative paths resolve against the workdir"))

	s.mcpServer.AddTool(mcp.NewTool("create_sandbox",
		mcp.WithDescription("Provision a new sandbox session"),
		mcp.WithString("template", mcp.Description("Template name or image reference; defaults to the configured template")),
		mcp.WithNumber("timeout_seconds", mcp.Description("Idle timeout after which the sandbox is reaped")),
		mcp.WithObject("metadata", mcp.Description("Free-form string tags stored with the session")),
		mcp.WithObject("env", mcp.Description("Environment variables for every command")),
		mcp.WithString("adapter_kind", mcp.Description("Backend to use instead of the configured default"),
			mcp.Enum(sandbox.KindContainer, sandbox.KindRemote, sandbox.KindProcess)),
	), s.handleCreate)

	s.mcpServer.AddTool(mcp.NewTool("connect_sandbox",
		mcp.WithDescription("Check that a session is running and return its record"),
		id,
		mcp.WithString("adapter_kind", mcp.Description("Refuse the session unless it was created by this backend")),
	), s.handleConnect)

	s.mcpServer.AddTool(mcp.NewTool("run_command",
		mcp.WithDescription("Run a command to completion inside a sandbox"),
		id,
		mcp.WithArray("command", mcp.Required(), mcp.Description("Program and arguments"), mcp.WithStringItems()),
		mcp.WithNumber("timeout_seconds", mcp.Description("Kill the command after this many seconds")),
		mcp.WithString("workdir", mcp.Description("Working directory for the command")),
		mcp.WithObject("env", mcp.Description("Extra environment variables")),
	), s.handleRun)

	s.mcpServer.AddTool(mcp.NewTool("run_code",
		mcp.WithDescription("Run a code snippet inside a sandbox"),
		id,
		mcp.WithString("code", mcp.Required(), mcp.Description("Source code")),
		mcp.WithString("language", mcp.Description("Snippet language"), mcp.Enum(session.SupportedLanguages()...)),
		mcp.WithNumber("timeout_seconds", mcp.Description("Kill the program after this many seconds")),
	), s.handleRunCode)

	s.mcpServer.AddTool(mcp.NewTool("read_file",
		mcp.WithDescription("Read a file from a sandbox"),
		id, path,
		mcp.WithString("encoding", mcp.Description("Response encoding"), mcp.Enum(encodingText, encodingBase64)),
	), s.handleReadFile)

	s.mcpServer.AddTool(mcp.NewTool("write_file",
		mcp.WithDescription("Create or replace a file in a sandbox"),
		id, path,
		mcp.WithString("content", mcp.Required(), mcp.Description("File content")),
		mcp.WithString("encoding", mcp.Description("Encoding of content"), mcp.Enum(encodingText, encodingBase64)),
	), s.handleWriteFile)

	s.mcpServer.AddTool(mcp.NewTool("list_dir",
		mcp.WithDescription("List a sandbox directory"),
		id, path,
	), s.handleListDir)

	s.mcpServer.AddTool(mcp.NewTool("glob_files",
		mcp.WithDescription("List sandbox paths matching a shell-style pattern"),
		id,
		mcp.WithString("pattern", mcp.Required(), mcp.Description("Pattern such as /workspace/*.py; relative patterns start at the working directory")),
	), s.handleGlob)

	s.mcpServer.AddTool(mcp.NewTool("make_dir",
		mcp.WithDescription("Create a directory in a sandbox"),
		id, path,
		mcp.WithBoolean("parents", mcp.Description("Create missing parents")),
	), s.handleMakeDir)

	s.mcpServer.AddTool(mcp.NewTool("remove_path",
		mcp.WithDescription("Remove a file or directory from a sandbox"),
		id, path,
		mcp.WithBoolean("recursive", mcp.Description("Remove directories with their content")),
	), s.handleRemove)

	s.mcpServer.AddTool(mcp.NewTool("expose_port",
		mcp.WithDescription("Return the host binding of a sandbox port"),
		id,
		mcp.WithNumber("container_port", mcp.Required(), mcp.Description("Port inside the sandbox")),
		mcp.WithNumber("host_port", mcp.Description("Expected host port")),
		mcp.WithString("protocol", mcp.Enum("tcp", "udp")),
	), s.handleExposePort)

	s.mcpServer.AddTool(mcp.NewTool("sandbox_status",
		mcp.WithDescription("Read the current registry record of a session"),
		id,
	), s.handleStatus)

	s.mcpServer.AddTool(mcp.NewTool("refresh_timeout",
		mcp.WithDescription("Set a new idle timeout measured from now"),
		id,
		mcp.WithNumber("timeout_seconds", mcp.Required(), mcp.Description("New idle timeout")),
	), s.handleRefreshTimeout)

	s.mcpServer.AddTool(mcp.NewTool("shutdown_sandbox",
		mcp.WithDescription("Destroy a sandbox and forget it; safe to repeat"),
		id,
	), s.handleShutdown)

	s.mcpServer.AddTool(mcp.NewTool("list_sandboxes",
		mcp.WithDescription("List every session in the registry"),
	), s.handleList)

	s.mcpServer.AddTool(mcp.NewTool("build_template",
		mcp.WithDescription("Build a reusable template from a host directory containing a Dockerfile"),
		mcp.WithString("dir", mcp.Required(), mcp.Description("Build context on the server host")),
		mcp.WithString("name", mcp.Description("Template name; defaults to the directory name")),
	), s.handleBuildTemplate)

	s.mcpServer.AddTool(mcp.NewTool("list_templates",
		mcp.WithDescription("List built templates"),
	), s.handleListTemplates)

	s.mcpServer.AddTool(mcp.NewTool("remove_template",
		mcp.WithDescription("Remove a template from the catalog"),
		mcp.WithString("name", mcp.Required()),
		mcp.WithBoolean("purge", mcp.Description("Also delete the built image")),
	), s.handleRemoveTemplate)
}

type createArgs struct {
	Template       string            `json:"template"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Metadata       map[string]string `json:"metadata"`
	Env            map[string]string `json:"env"`
	AdapterKind    string            `json:"adapter_kind"`
}

func (a createArgs) defaults() bool {
	return a.Template == "" && a.TimeoutSeconds == 0 && len(a.Metadata) == 0 && len(a.Env) == 0 && a.AdapterKind == ""
}

func (s *MCPServer) handleCreate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args createArgs
	if err := request.BindArguments(&args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	var (
		sess *session.Session
		err  error
	)
	if s.pool != nil && args.defaults() {
		sess, err = s.pool.Acquire(ctx)
	} else {
		sess, err = s.manager.Create(ctx, session.CreateOptions{
			Template:       args.Template,
			TimeoutSeconds: args.TimeoutSeconds,
			Metadata:       args.Metadata,
			Env:            args.Env,
			AdapterKind:    args.AdapterKind,
		})
	}
	if err != nil {
		return s.toolError("create_sandbox", err), nil
	}
	s.logger.Info("sandbox created", zap.String(logger.KeySessionID, sess.ID()))
	return jsonResult(sess.Record())
}

func (s *MCPServer) handleConnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return nil, fmt.Errorf("id parameter is required: %w", err)
	}
	var opts []session.ConnectOption
	if kind := request.GetString("adapter_kind", ""); kind != "" {
		opts = append(opts, session.WithAdapterKind(kind))
	}
	sess, err := s.manager.Connect(ctx, id, opts...)
	if err != nil {
		return s.toolError("connect_sandbox", err), nil
	}
	return jsonResult(sess.Record())
}

type runArgs struct {
	ID             string            `json:"id"`
	Command        []string          `json:"command"`
	TimeoutSeconds float64           `json:"timeout_seconds"`
	Workdir        string            `json:"workdir"`
	Env            map[string]string `json:"env"`
}

type commandView struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMS int64  `json:"duration_ms"`
}

func (s *MCPServer) handleRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args runArgs
	if err := request.BindArguments(&args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if args.ID == "" || len(args.Command) == 0 {
		return nil, fmt.Errorf("id and command parameters are required")
	}

	sess, err := s.manager.Connect(ctx, args.ID)
	if err != nil {
		return s.toolError("run_command", err), nil
	}

	opts := []session.RunOption{session.WithEnv(args.Env), session.WithWorkdir(args.Workdir)}
	if args.TimeoutSeconds > 0 {
		opts = append(opts, session.WithTimeout(time.Duration(args.TimeoutSeconds*float64(time.Second))))
	}

	res, err := sess.Run(ctx, args.Command, opts...)
	if err != nil {
		return s.toolError("run_command", err), nil
	}

	s.logger.Info("command completed",
		zap.String(logger.KeySessionID, args.ID),
		zap.Int("exit_code", res.ExitCode),
		zap.Int("stdout_len", len(res.Stdout)),
		zap.Int("stderr_len", len(res.Stderr)))

	return jsonResult(commandView{
		ExitCode:   res.ExitCode,
		Stdout:     string(res.Stdout),
		Stderr:     string(res.Stderr),
		DurationMS: res.Duration.Milliseconds(),
	})
}

func (s *MCPServer) handleRunCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return nil, fmt.Errorf("id parameter is required: %w", err)
	}
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}
	language := request.GetString("language", session.LanguagePython)

	sess, err := s.manager.Connect(ctx, id)
	if err != nil {
		return s.toolError("run_code", err), nil
	}

	var opts []session.RunOption
	if secs := request.GetFloat("timeout_seconds", 0); secs > 0 {
		opts = append(opts, session.WithTimeout(time.Duration(secs*float64(time.Second))))
	}

	s.logger.Info("executing code in sandbox", zap.String(logger.KeySessionID, id), zap.String("language", language))
	exec, err := sess.RunCode(ctx, language, code, opts...)
	if err != nil {
		return s.toolError("run_code", err), nil
	}
	return jsonResult(exec)
}

func (s *MCPServer) handleReadFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, path, errResult, err := s.connectWithPath(ctx, "read_file", request)
	if sess == nil {
		return errResult, err
	}

	data, err := sess.ReadFile(ctx, path)
	if err != nil {
		return s.toolError("read_file", err), nil
	}

	switch request.GetString("encoding", encodingText) {
	case encodingBase64:
		return jsonResult(map[string]string{"path": path, "encoding": encodingBase64, "content": base64.StdEncoding.EncodeToString(data)})
	default:
		return jsonResult(map[string]string{"path": path, "encoding": encodingText, "content": string(data)})
	}
}

func (s *MCPServer) handleWriteFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := request.RequireString("content")
	if err != nil {
		return nil, fmt.Errorf("content parameter is required: %w", err)
	}
	data := []byte(content)
	if request.GetString("encoding", encodingText) == encodingBase64 {
		if data, err = base64.StdEncoding.DecodeString(content); err != nil {
			return nil, fmt.Errorf("failed to decode content: %w", err)
		}
	}

	sess, path, errResult, err := s.connectWithPath(ctx, "write_file", request)
	if sess == nil {
		return errResult, err
	}
	if err := sess.WriteFile(ctx, path, data); err != nil {
		return s.toolError("write_file", err), nil
	}
	return jsonResult(map[string]any{"path": path, "bytes": len(data)})
}

func (s *MCPServer) handleListDir(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, path, errResult, err := s.connectWithPath(ctx, "list_dir", request)
	if sess == nil {
		return errResult, err
	}
	entries, err := sess.ListDir(ctx, path)
	if err != nil {
		return s.toolError("list_dir", err), nil
	}
	return jsonResult(map[string]any{"path": path, "entries": entries})
}

func (s *MCPServer) handleGlob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return nil, fmt.Errorf("id parameter is required: %w", err)
	}
	pattern, err := request.RequireString("pattern")
	if err != nil {
		return nil, fmt.Errorf("pattern parameter is required: %w", err)
	}
	sess, err := s.manager.Connect(ctx, id)
	if err != nil {
		return s.toolError("glob_files", err), nil
	}
	paths, err := sess.Glob(ctx, pattern)
	if err != nil {
		return s.toolError("glob_files", err), nil
	}
	if paths == nil {
		paths = []string{}
	}
	return jsonResult(map[string]any{"pattern": pattern, "paths": paths})
}

func (s *MCPServer) handleMakeDir(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, path, errResult, err := s.connectWithPath(ctx, "make_dir", request)
	if sess == nil {
		return errResult, err
	}
	if err := sess.MakeDir(ctx, path, request.GetBool("parents", false)); err != nil {
		return s.toolError("make_dir", err), nil
	}
	return jsonResult(map[string]string{"path": path})
}

func (s *MCPServer) handleRemove(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, path, errResult, err := s.connectWithPath(ctx, "remove_path", request)
	if sess == nil {
		return errResult, err
	}
	if err := sess.Remove(ctx, path, request.GetBool("recursive", false)); err != nil {
		return s.toolError("remove_path", err), nil
	}
	return jsonResult(map[string]string{"path": path})
}

func (s *MCPServer) handleExposePort(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return nil, fmt.Errorf("id parameter is required: %w", err)
	}
	port, err := request.RequireInt("container_port")
	if err != nil {
		return nil, fmt.Errorf("container_port parameter is required: %w", err)
	}

	sess, err := s.manager.Connect(ctx, id)
	if err != nil {
		return s.toolError("expose_port", err), nil
	}
	binding, err := sess.ExposePort(ctx, sandbox.PortRequest{
		ContainerPort: port,
		HostPort:      request.GetInt("host_port", 0),
		Protocol:      request.GetString("protocol", "tcp"),
	})
	if err != nil {
		return s.toolError("expose_port", err), nil
	}
	return jsonResult(binding)
}

func (s *MCPServer) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return nil, fmt.Errorf("id parameter is required: %w", err)
	}
	sess, err := s.manager.Connect(ctx, id)
	if err != nil {
		return s.toolError("sandbox_status", err), nil
	}
	rec, err := sess.Status(ctx)
	if err != nil {
		return s.toolError("sandbox_status", err), nil
	}
	return jsonResult(rec)
}

func (s *MCPServer) handleRefreshTimeout(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return nil, fmt.Errorf("id parameter is required: %w", err)
	}
	seconds, err := request.RequireInt("timeout_seconds")
	if err != nil {
		return nil, fmt.Errorf("timeout_seconds parameter is required: %w", err)
	}
	sess, err := s.manager.Connect(ctx, id)
	if err != nil {
		return s.toolError("refresh_timeout", err), nil
	}
	rec, err := sess.RefreshTimeout(ctx, seconds)
	if err != nil {
		return s.toolError("refresh_timeout", err), nil
	}
	return jsonResult(rec)
}

func (s *MCPServer) handleShutdown(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return nil, fmt.Errorf("id parameter is required: %w", err)
	}
	if err := s.manager.Discard(ctx, id); err != nil {
		return s.toolError("shutdown_sandbox", err), nil
	}
	s.logger.Info("sandbox shut down", zap.String(logger.KeySessionID, id))
	return jsonResult(map[string]any{"id": id, "shutdown": true})
}

func (s *MCPServer) handleList(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	records, err := s.manager.List(ctx)
	if err != nil {
		return s.toolError("list_sandboxes", err), nil
	}
	return jsonResult(map[string]any{"sessions": records})
}

func (s *MCPServer) handleBuildTemplate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dir, err := request.RequireString("dir")
	if err != nil {
		return nil, fmt.Errorf("dir parameter is required: %w", err)
	}
	t, err := s.manager.BuildTemplate(ctx, dir, request.GetString("name", ""))
	if err != nil {
		return s.toolError("build_template", err), nil
	}
	return jsonResult(t)
}

func (s *MCPServer) handleListTemplates(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	items, err := s.manager.ListTemplates(ctx)
	if err != nil {
		return s.toolError("list_templates", err), nil
	}
	return jsonResult(map[string]any{"templates": items})
}

func (s *MCPServer) handleRemoveTemplate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return nil, fmt.Errorf("name parameter is required: %w", err)
	}
	t, err := s.manager.RemoveTemplate(ctx, name, request.GetBool("purge", false))
	if err != nil {
		return s.toolError("remove_template", err), nil
	}
	return jsonResult(t)
}

// connectWithPath resolves the id and path arguments shared by file tools.
// A nil session means the returned result and error should be handed back to
// the caller as they are.
func (s *MCPServer) connectWithPath(ctx context.Context, tool string, request mcp.CallToolRequest) (*session.Session, string, *mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return nil, "", nil, fmt.Errorf("id parameter is required: %w", err)
	}
	path, err := request.RequireString("path")
	if err != nil {
		return nil, "", nil, fmt.Errorf("path parameter is required: %w", err)
	}
	sess, err := s.manager.Connect(ctx, id)
	if err != nil {
		return nil, "", s.toolError(tool, err), nil
	}
	return sess, path, nil, nil
}

type errorView struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

func (s *MCPServer) toolError(tool string, err error) *mcp.CallToolResult {
	view := errorView{Error: errdefs.Code(err), Message: err.Error()}
	var se *errdefs.SessionError
	if errors.As(err, &se) {
		view.ID = se.ID
	}
	s.logger.Warn("tool failed", zap.String("tool", tool), zap.String("code", view.Error), zap.Error(err))

	data, _ := json.Marshal(view)
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(data),
			},
		},
		IsError: true,
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(data),
			},
		},
	}, nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP. It returns http.ErrServerClosed after
// Shutdown.
func (s *MCPServer) ServeHTTP() error {
	s.logger.Info("starting MCP server on HTTP",
		zap.String("addr", s.httpServer.Addr),
		zap.String("endpoint", mcpEndpoint),
		zap.String("metrics_path", s.config.Server.MetricsPath))
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the HTTP transport. It is a no-op when HTTP was never served.
func (s *MCPServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
