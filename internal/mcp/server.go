// Package mcp serves the tool registry as JSON-RPC 2.0 over a line-oriented
// stream, normally stdin and stdout.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailbar/internal/logging"
	"github.com/brandon/mailbar/internal/tools"
)

const (
	protocolVersion = "2024-11-05"
	serverName      = "mailbar"

	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type callParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Server represents the MCP server
type Server struct {
	tools   *tools.Registry
	logger  *logrus.Entry
	version string

	in  io.Reader
	out io.Writer
	mu  sync.Mutex
}

// NewServer creates a server reading requests from stdin and writing
// responses to stdout
func NewServer(registry *tools.Registry, version string, logger *logrus.Logger) *Server {
	return &Server{
		tools:   registry,
		logger:  logging.For(logger, logging.ComponentMCP),
		version: version,
		in:      os.Stdin,
		out:     os.Stdout,
	}
}

// SetIO replaces the request and response streams
func (s *Server) SetIO(in io.Reader, out io.Writer) {
	s.in = in
	s.out = out
}

// Run serves requests until the input ends or ctx is cancelled. Requests
// are handled one at a time in arrival order.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting MCP server with stdio transport")

	decoder := json.NewDecoder(s.in)
	reqs := make(chan json.RawMessage)
	errc := make(chan error, 1)
	go func() {
		defer close(reqs)
		for {
			var raw json.RawMessage
			if err := decoder.Decode(&raw); err != nil {
				errc <- err
				return
			}
			select {
			case reqs <- raw:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-reqs:
			if !ok {
				err := <-errc
				if errors.Is(err, io.EOF) {
					return nil
				}
				s.write(response{JSONRPC: "2.0", ID: json.RawMessage("null"), Error: &rpcError{Code: codeParseError, Message: err.Error()}})
				return fmt.Errorf("failed to decode request: %w", err)
			}
			if resp, ok := s.handle(ctx, raw); ok {
				s.write(resp)
			}
		}
	}
}

func (s *Server) write(resp response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := json.NewEncoder(s.out).Encode(resp); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

// handle processes one request. Notifications (no id) get no response.
func (s *Server) handle(ctx context.Context, raw json.RawMessage) (response, bool) {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		return response{JSONRPC: "2.0", ID: json.RawMessage("null"), Error: &rpcError{Code: codeParseError, Message: err.Error()}}, true
	}
	if len(req.ID) == 0 {
		s.logger.WithField("method", req.Method).Debug("Received notification")
		return response{}, false
	}

	resp := response{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
			"serverInfo": map[string]interface{}{
				"name":    serverName,
				"version": s.version,
			},
		}
	case "ping":
		resp.Result = map[string]interface{}{}
	case "tools/list":
		resp.Result = map[string]interface{}{
			"tools": s.tools.GetToolDefinitions(),
		}
	case "tools/call":
		resp.Result, resp.Error = s.callTool(ctx, req.Params)
	default:
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("Method not found: %s", req.Method)}
	}
	return resp, true
}

func (s *Server) callTool(ctx context.Context, raw json.RawMessage) (interface{}, *rpcError) {
	var params callParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
		}
	}

	tool, exists := s.tools.GetTool(params.Name)
	if !exists {
		return nil, &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("Tool not found: %s", params.Name)}
	}

	logger := s.logger.WithField("tool", params.Name)
	result, err := tool.Execute(ctx, params.Arguments)
	if err != nil {
		logger.WithError(err).Warn("Tool failed")
		return nil, &rpcError{Code: codeInternalError, Message: firstLine(err.Error())}
	}
	logger.Debug("Tool succeeded")

	resultJSON, err := json.Marshal(result)
	if err != nil {
		resultJSON = []byte(fmt.Sprintf("%v", result))
	}
	return map[string]interface{}{
		"content": []map[string]interface{}{
			{
				"type": "text",
				"text": string(resultJSON),
			},
		},
	}, nil
}

// firstLine keeps error messages to a single human-readable line
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
