// Package mcpserver exposes the runtime as Model Context Protocol tools over
// stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"codemode-runtime/internal/capability"
	"codemode-runtime/internal/facade"
)

// Tool names.
const (
	ToolExecuteCode        = "execute_code"
	ToolListCapabilities   = "list_capabilities"
	ToolDescribeCapability = "describe_capability"
)

// Executor is the part of *facade.Runtime the tools call.
type Executor interface {
	Run(ctx context.Context, code string, opts facade.Options) facade.Result
	Capabilities() []facade.Capability
	Describe(name string) (capability.Module, error)
}

// Server wraps an MCP server bound to one runtime.
type Server struct {
	rt  Executor
	mcp *server.MCPServer
}

// New registers the runtime's tools on a fresh MCP server.
func New(rt Executor, version string) *Server {
	s := &Server{
		rt:  rt,
		mcp: server.NewMCPServer("codemode", version, server.WithToolCapabilities(false), server.WithRecovery()),
	}

	s.mcp.AddTool(mcp.NewTool(ToolExecuteCode,
		mcp.WithDescription("Run a Lua snippet in an isolated sandbox. Use require(\"fs\"), require(\"git\") "+
			"and the other modules from list_capabilities. Only printed output is returned, with secrets redacted."),
		mcp.WithString("code", mcp.Required(), mcp.Description("Lua source to run.")),
		mcp.WithNumber("timeout_seconds", mcp.Description("Wall-clock limit; defaults to the server setting.")),
		mcp.WithNumber("memory_limit_mb", mcp.Description("Memory ceiling in MiB.")),
		mcp.WithArray("allowed_directories", mcp.WithStringItems(),
			mcp.Description("Directories the snippet may touch; defaults to the server setting.")),
		mcp.WithString("working_directory", mcp.Description("Directory relative paths resolve against.")),
		mcp.WithArray("allowed_imports", mcp.WithStringItems(), mcp.Description("Modules the snippet may require.")),
		mcp.WithBoolean("mask_secrets", mcp.Description("Redact secrets in the output.")),
		mcp.WithBoolean("aggressive_masking", mcp.Description("Also redact emails, phone numbers and IPs.")),
	), s.executeCode)

	s.mcp.AddTool(mcp.NewTool(ToolListCapabilities,
		mcp.WithDescription("List the modules a snippet may require, one line each."),
	), s.listCapabilities)

	s.mcp.AddTool(mcp.NewTool(ToolDescribeCapability,
		mcp.WithDescription("Show the functions of one module."),
		mcp.WithString("module", mcp.Required(), mcp.Description("Module name from list_capabilities.")),
	), s.describeCapability)

	return s
}

// MCP returns the underlying server.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// ServeStdio serves until stdin closes. Nothing else may write to stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) executeCode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	opts, err := decodeOptions(req.GetArguments())
	if err != nil {
		return mcp.NewToolResultError("invalid options: " + err.Error()), nil
	}

	res := s.rt.Run(ctx, code, opts)
	out, err := jsonResult(res)
	if err != nil {
		return nil, err
	}
	out.IsError = !res.Success
	return out, nil
}

func (s *Server) listCapabilities(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.rt.Capabilities())
}

func (s *Server) describeCapability(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("module")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	m, err := s.rt.Describe(name)
	if err != nil {
		if errors.Is(err, facade.ErrUnknownCapability) {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return nil, err
	}
	return jsonResult(m)
}

// decodeOptions maps tool arguments onto facade.Options by their JSON names.
func decodeOptions(args map[string]any) (facade.Options, error) {
	var opts facade.Options
	if len(args) == 0 {
		return opts, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return opts, err
	}
	if err := json.Unmarshal(data, &opts); err != nil {
		return opts, err
	}
	return opts, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
