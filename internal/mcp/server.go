package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/a3tai/mcp-pdf-fields/internal/config"
	"github.com/a3tai/mcp-pdf-fields/internal/descriptions"
	"github.com/a3tai/mcp-pdf-fields/internal/service"
)

const shutdownTimeout = 10 * time.Second

// Server represents the MCP server instance
type Server struct {
	config    *config.Config
	service   *service.Service
	mcpServer *server.MCPServer
	logger    *zap.Logger
	tools     []string
}

// NewServer creates a new MCP server instance
func NewServer(cfg *config.Config, svc *service.Service, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if svc == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	mcpServer := server.NewMCPServer(
		cfg.ServerName,
		cfg.Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	s := &Server{
		config:    cfg,
		service:   svc,
		mcpServer: mcpServer,
		logger:    logger,
	}
	s.registerTools()
	return s, nil
}

// registerTools registers every described tool, in name order
func (s *Server) registerTools() {
	available := s.toolSet()
	var tools []server.ServerTool
	for _, name := range descriptions.GetAllToolNames() {
		tool, ok := available[name]
		if !ok {
			s.logger.Warn("described tool has no handler", zap.String("tool", name))
			continue
		}
		tools = append(tools, tool)
		s.tools = append(s.tools, name)
	}
	s.mcpServer.AddTools(tools...)
}

// toolSet builds the tool definitions keyed by name
func (s *Server) toolSet() map[string]server.ServerTool {
	describe := func(name string) mcp.ToolOption {
		return mcp.WithDescription(descriptions.GetToolDescription(name))
	}
	tools := []server.ServerTool{
		{
			Tool: mcp.NewTool(
				"pdf_extract_fields",
				describe("pdf_extract_fields"),
				mcp.WithString("path",
					mcp.Required(),
					mcp.Description("Path to the PDF file, absolute or relative to the document directory"),
				),
				mcp.WithString("template",
					mcp.Required(),
					mcp.Description("Template id (see pdf_list_templates)"),
				),
			),
			Handler: s.handleExtractFields,
		},
		{
			Tool: mcp.NewTool(
				"pdf_submit_corrections",
				describe("pdf_submit_corrections"),
				mcp.WithString("path",
					mcp.Required(),
					mcp.Description("Path of the document that was extracted"),
				),
				mcp.WithString("template",
					mcp.Required(),
					mcp.Description("Template id used for the extraction"),
				),
				mcp.WithString("corrections",
					mcp.Required(),
					mcp.Description(`JSON object of field name to correct value, e.g. {"name": "John Doe"}`),
				),
			),
			Handler: s.handleSubmitCorrections,
		},
		{
			Tool: mcp.NewTool(
				"pdf_list_templates",
				describe("pdf_list_templates"),
			),
			Handler: s.handleListTemplates,
		},
		{
			Tool: mcp.NewTool(
				"pdf_field_stats",
				describe("pdf_field_stats"),
				mcp.WithString("template",
					mcp.Required(),
					mcp.Description("Template id"),
				),
			),
			Handler: s.handleFieldStats,
		},
	}

	out := make(map[string]server.ServerTool, len(tools))
	for _, t := range tools {
		out[t.Tool.Name] = t
	}
	return out
}

// Handler functions
func (s *Server) handleExtractFields(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	templateID, err := request.RequireString("template")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := s.service.Extract(ctx, path, templateID)
	if err != nil {
		s.logger.Warn("extraction failed", zap.String("path", path), zap.String("template", templateID), zap.Error(err))
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(result)
}

func (s *Server) handleSubmitCorrections(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	templateID, err := request.RequireString("template")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	corrections, err := parseCorrections(request.GetArguments()["corrections"])
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	report, err := s.service.SubmitCorrections(ctx, path, templateID, corrections)
	if err != nil {
		s.logger.Warn("corrections rejected", zap.String("path", path), zap.String("template", templateID), zap.Error(err))
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(report)
}

func (s *Server) handleListTemplates(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.service.Templates())
}

func (s *Server) handleFieldStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateID, err := request.RequireString("template")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	stats, err := s.service.FieldStats(ctx, templateID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(stats)
}

// parseCorrections accepts a JSON object or its string encoding. Numbers are kept in their
// shortest decimal form.
func parseCorrections(raw any) (map[string]string, error) {
	if s, ok := raw.(string); ok {
		var decoded map[string]any
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			return nil, fmt.Errorf("corrections must be a JSON object: %w", err)
		}
		raw = decoded
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.New("corrections must be a JSON object of field name to value")
	}
	if len(obj) == 0 {
		return nil, errors.New("corrections cannot be empty")
	}

	out := make(map[string]string, len(obj))
	for field, v := range obj {
		switch val := v.(type) {
		case string:
			out[field] = val
		case float64:
			out[field] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[field] = strconv.FormatBool(val)
		default:
			return nil, fmt.Errorf("correction for %q must be a string", field)
		}
	}
	return out, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// Run starts the MCP server in the configured mode and returns when ctx is done or the
// transport stops
func (s *Server) Run(ctx context.Context) error {
	if s == nil || s.config == nil || s.service == nil || s.mcpServer == nil {
		return errors.New("server is not initialised")
	}
	if s.config.IsServerMode() {
		return s.runServerMode(ctx)
	}
	return s.runStdioMode(ctx)
}

// runStdioMode serves MCP over stdin/stdout
func (s *Server) runStdioMode(ctx context.Context) error {
	s.logger.Debug("starting stdio transport", zap.String("dir", s.config.PDFDirectory))

	stdio := server.NewStdioServer(s.mcpServer)
	stdio.SetErrorLogger(zap.NewStdLog(s.logger))
	err := stdio.Listen(ctx, os.Stdin, os.Stdout)
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return fmt.Errorf("failed to serve stdio: %w", err)
}

// runServerMode serves MCP over HTTP with server-sent events
func (s *Server) runServerMode(ctx context.Context) error {
	addr := s.config.Address()
	sse := server.NewSSEServer(s.mcpServer, server.WithBaseURL("http://"+addr))

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting SSE transport", zap.String("addr", addr))
		errCh <- sse.Start(addr)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve http: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := sse.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down http: %w", err)
		}
		return nil
	}
}
