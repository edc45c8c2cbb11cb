// Package mcp serves the tool registry over the Model Context Protocol
// using line-delimited JSON-RPC 2.0 on stdio.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/tools"
)

const protocolVersion = "2024-11-05"

// JSON-RPC error codes
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// maxLine bounds one request; send_email bodies can be large
const maxLine = 10 * 1024 * 1024

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// notification reports whether the request expects no response
func (r *request) notification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type callParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

type content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type callResult struct {
	Content []content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Server represents the MCP server
type Server struct {
	tools   *tools.Registry
	logger  *logrus.Logger
	version string

	in  io.Reader
	out io.Writer
	mu  sync.Mutex
}

// NewServer creates a server reading requests from in and writing
// responses to out
func NewServer(registry *tools.Registry, in io.Reader, out io.Writer, version string, logger *logrus.Logger) *Server {
	return &Server{
		tools:   registry,
		logger:  logger,
		version: version,
		in:      in,
		out:     out,
	}
}

// Run serves requests until the input ends or ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting MCP server with stdio transport")

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(s.in)
		scanner.Buffer(make([]byte, 64*1024), maxLine)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			if err != nil {
				return fmt.Errorf("failed to read request: %w", err)
			}
			s.logger.Info("Input closed, stopping MCP server")
			return nil
		case line := <-lines:
			if len(line) == 0 {
				continue
			}
			if resp := s.handle(ctx, line); resp != nil {
				if err := s.write(resp); err != nil {
					return err
				}
			}
		}
	}
}

func (s *Server) write(resp *response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
		data, _ = json.Marshal(&response{
			JSONRPC: "2.0",
			ID:      resp.ID,
			Error:   &rpcError{Code: -32603, Message: "failed to encode response"},
		})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}

func errorResponse(id json.RawMessage, code int, msg string) *response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}}
}

// handle processes one request line. It returns nil for notifications.
func (s *Server) handle(ctx context.Context, line []byte) *response {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		s.logger.WithError(err).Warn("Failed to decode request")
		return errorResponse(nil, codeParseError, "parse error")
	}
	if req.Method == "" {
		return errorResponse(req.ID, codeInvalidRequest, "missing method")
	}

	log := s.logger.WithField("method", req.Method)
	if req.notification() {
		log.Debug("Notification received")
		return nil
	}
	log.Debug("Request received")

	switch req.Method {
	case "initialize":
		return &response{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
			"serverInfo": map[string]interface{}{
				"name":    "mailsync",
				"version": s.version,
			},
		}}
	case "ping":
		return &response{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{}}
	case "tools/list":
		return &response{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{
			"tools": s.tools.GetToolDefinitions(),
		}}
	case "tools/call":
		return s.call(ctx, &req)
	default:
		return errorResponse(req.ID, codeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method))
	}
}

// call runs a tool. Tool failures are results with isError set, so the
// client sees the message; only malformed calls are protocol errors.
func (s *Server) call(ctx context.Context, req *request) *response {
	var p callParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errorResponse(req.ID, codeInvalidParams, fmt.Sprintf("invalid params: %v", err))
		}
	}
	tool, ok := s.tools.GetTool(p.Name)
	if !ok {
		return errorResponse(req.ID, codeInvalidParams, fmt.Sprintf("Tool not found: %s", p.Name))
	}
	if p.Arguments == nil {
		p.Arguments = map[string]interface{}{}
	}

	log := s.logger.WithField("tool", p.Name)
	result, err := tool.Execute(ctx, p.Arguments)
	if err != nil {
		log.WithError(err).Warn("Tool failed")
		return &response{JSONRPC: "2.0", ID: req.ID, Result: &callResult{
			Content: []content{{Type: "text", Text: err.Error()}},
			IsError: true,
		}}
	}

	text, err := json.Marshal(result)
	if err != nil {
		text = []byte(fmt.Sprintf("%v", result))
	}
	log.Debug("Tool completed")
	return &response{JSONRPC: "2.0", ID: req.ID, Result: &callResult{
		Content: []content{{Type: "text", Text: string(text)}},
	}}
}
