// Copyright 2025 The agentmesh Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mcp is a minimal JSON-RPC 2.0 client for Model Context Protocol
// servers. Two transports: HTTP (with SSE-framed responses) for http(s)
// base URLs, and a stdio subprocess for command-line base URLs.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Tool is one entry from tools/list.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// Session is an open connection to one MCP server.
type Session interface {
	ListTools(ctx context.Context) ([]Tool, error)
	// CallTool returns the concatenated text content of the tool result.
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	Close() error
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// shellMeta characters are rejected in stdio commands; the base URL is a
// plain argv list, never a shell expression.
const shellMeta = "|&;<>()$`\\\"'\n*?[]#~"

// Dial opens a session: SSE/HTTP for http(s) base URLs, a stdio subprocess
// otherwise. env is passed to stdio subprocesses only.
func Dial(ctx context.Context, logger log.Logger, baseURL string, env map[string]string) (Session, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if strings.HasPrefix(baseURL, "http://") || strings.HasPrefix(baseURL, "https://") {
		return &httpSession{url: baseURL, client: &http.Client{}}, nil
	}
	return dialStdio(ctx, logger, baseURL, env)
}

type httpSession struct {
	url    string
	client *http.Client
	nextID atomic.Int64
}

func (s *httpSession) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: s.nextID.Add(1), Method: method, Params: params}
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("mcp server returned HTTP %d", resp.StatusCode)
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		body = lastSSEData(body)
	}
	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("mcp error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// lastSSEData extracts the payload of the final data: event in an SSE body.
func lastSSEData(body []byte) []byte {
	var last []byte
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 10<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if bytes.HasPrefix(line, []byte("data:")) {
			last = append([]byte(nil), bytes.TrimSpace(line[5:])...)
		}
	}
	if last == nil {
		return body
	}
	return last
}

func (s *httpSession) ListTools(ctx context.Context) ([]Tool, error) {
	res, err := s.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	return decodeTools(res)
}

func (s *httpSession) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	res, err := s.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return "", err
	}
	return decodeContent(res)
}

func (s *httpSession) Close() error { return nil }

func decodeTools(res json.RawMessage) ([]Tool, error) {
	var out struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(res, &out); err != nil {
		return nil, fmt.Errorf("decoding tools: %w", err)
	}
	return out.Tools, nil
}

func decodeContent(res json.RawMessage) (string, error) {
	var out struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(res, &out); err != nil {
		return "", fmt.Errorf("decoding tool result: %w", err)
	}
	var parts []string
	for _, c := range out.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if out.IsError {
		return "", fmt.Errorf("tool failed: %s", text)
	}
	return text, nil
}

// TokenizeCommand splits a stdio base URL into argv, rejecting shell
// metacharacters outright.
func TokenizeCommand(command string) ([]string, error) {
	if strings.ContainsAny(command, shellMeta) {
		return nil, fmt.Errorf("command contains shell metacharacters")
	}
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return argv, nil
}

type stdioSession struct {
	logger log.Logger
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	nextID atomic.Int64

	mtx     sync.Mutex
	pending map[int64]chan rpcResponse
	done    chan struct{}
}

func dialStdio(ctx context.Context, logger log.Logger, command string, env map[string]string) (Session, error) {
	argv, err := TokenizeCommand(command)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting mcp server: %w", err)
	}
	s := &stdioSession{
		logger:  logger,
		cmd:     cmd,
		stdin:   stdin,
		pending: map[int64]chan rpcResponse{},
		done:    make(chan struct{}),
	}
	go s.readLoop(stdout)
	return s, nil
}

func (s *stdioSession) readLoop(stdout io.Reader) {
	defer close(s.done)
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 10<<20)
	for sc.Scan() {
		var resp rpcResponse
		if err := json.Unmarshal(sc.Bytes(), &resp); err != nil {
			continue // notifications and noise are skipped
		}
		s.mtx.Lock()
		ch, ok := s.pending[resp.ID]
		if ok {
			delete(s.pending, resp.ID)
		}
		s.mtx.Unlock()
		if ok {
			ch <- resp
		}
	}
	if err := sc.Err(); err != nil {
		level.Warn(s.logger).Log("msg", "mcp stdio read", "err", err)
	}
}

func (s *stdioSession) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := s.nextID.Add(1)
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	ch := make(chan rpcResponse, 1)
	s.mtx.Lock()
	s.pending[id] = ch
	s.mtx.Unlock()

	if _, err := s.stdin.Write(append(raw, '\n')); err != nil {
		s.mtx.Lock()
		delete(s.pending, id)
		s.mtx.Unlock()
		return nil, fmt.Errorf("writing request: %w", err)
	}
	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("mcp error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		s.mtx.Lock()
		delete(s.pending, id)
		s.mtx.Unlock()
		return nil, ctx.Err()
	case <-s.done:
		return nil, fmt.Errorf("mcp server exited")
	}
}

func (s *stdioSession) ListTools(ctx context.Context) ([]Tool, error) {
	res, err := s.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	return decodeTools(res)
}

func (s *stdioSession) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	res, err := s.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return "", err
	}
	return decodeContent(res)
}

func (s *stdioSession) Close() error {
	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return s.cmd.Wait()
}
