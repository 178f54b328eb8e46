package fakeserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"slices"
	"strconv"
	"time"
)

// Serve runs the scripted server, reading newline-delimited requests from
// in and writing responses to out. It returns when in closes.
func Serve(ctx context.Context, in io.Reader, out io.Writer, cfg Config) error {
	reader := bufio.NewReader(in)
	requestCount := 0
	methodAttempts := make(map[string]int)
	activeTools := cfg.Tools

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		var req rpcRequest
		if err := json.Unmarshal(bytes.TrimSpace(line), &req); err != nil {
			return err
		}

		requestCount++
		methodAttempts[req.Method]++

		if cfg.CrashOnNthRequest > 0 && requestCount >= cfg.CrashOnNthRequest {
			os.Exit(cfg.CrashExitCode)
		}
		if cfg.CrashOnMethod != "" && req.Method == cfg.CrashOnMethod {
			os.Exit(cfg.CrashExitCode)
		}

		if delay, ok := cfg.Delays[req.Method]; ok {
			time.Sleep(delay)
		}

		// Notifications never get a response, even scripted failures.
		if len(req.ID) == 0 {
			continue
		}

		if cfg.Malformed {
			if _, err := out.Write([]byte("this is not valid json\n")); err != nil {
				return err
			}
			continue
		}

		if failAttempt, ok := cfg.FailOnAttempt[req.Method]; ok && methodAttempts[req.Method] == failAttempt {
			writeError(out, req.ID, RPCError{Code: -32603, Message: "simulated failure"}, cfg)
			continue
		}

		if rpcErr, ok := cfg.Errors[req.Method]; ok {
			writeError(out, req.ID, rpcErr, cfg)
			continue
		}

		switch req.Method {
		case "initialize":
			handleInitialize(out, req, cfg)

		case "tools/list":
			handleListTools(out, req, cfg, activeTools)

		case "tools/call":
			changed := handleCallTool(out, req, cfg, activeTools)
			if changed {
				activeTools = cfg.ToolsAfterChange
				writeNotification(out, "notifications/tools/list_changed", nil)
			}

		case "ping":
			writeResult(out, req.ID, struct{}{}, cfg)

		default:
			writeError(out, req.ID, RPCError{Code: -32601, Message: "Method not found"}, cfg)
		}
	}
}

func handleInitialize(out io.Writer, req rpcRequest, cfg Config) {
	var params initializeParams
	_ = json.Unmarshal(req.Params, &params)

	if slices.Contains(cfg.RejectProtocolVersions, params.ProtocolVersion) {
		writeError(out, req.ID, RPCError{
			Code:    -32602,
			Message: "unsupported protocol version: " + params.ProtocolVersion,
		}, cfg)
		return
	}

	version := cfg.ProtocolVersion
	if version == "" {
		version = params.ProtocolVersion
	}
	writeResult(out, req.ID, initializeResult{
		ProtocolVersion: version,
		ServerInfo:      serverInfo{Name: "fakeserver", Version: "0.1.0"},
		Capabilities:    capabilities{Tools: &toolsCapability{ListChanged: true}},
	}, cfg)
}

func handleListTools(out io.Writer, req rpcRequest, cfg Config, tools []Tool) {
	if tools == nil {
		tools = []Tool{}
	}
	if cfg.PageSize <= 0 || len(tools) <= cfg.PageSize {
		writeResult(out, req.ID, listToolsResult{Tools: tools}, cfg)
		return
	}

	var params listToolsParams
	_ = json.Unmarshal(req.Params, &params)
	offset := 0
	if params.Cursor != "" {
		offset, _ = strconv.Atoi(params.Cursor)
	}
	if offset < 0 || offset >= len(tools) {
		writeError(out, req.ID, RPCError{Code: -32602, Message: "invalid cursor"}, cfg)
		return
	}

	end := offset + cfg.PageSize
	next := ""
	if end >= len(tools) {
		end = len(tools)
	} else {
		next = strconv.Itoa(end)
	}
	writeResult(out, req.ID, listToolsResult{Tools: tools[offset:end], NextCursor: next}, cfg)
}

// handleCallTool answers a tools/call request and reports whether the
// catalog change notification should follow.
func handleCallTool(out io.Writer, req rpcRequest, cfg Config, tools []Tool) bool {
	var params callToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		writeError(out, req.ID, RPCError{Code: -32602, Message: "invalid tool call params"}, cfg)
		return false
	}

	if text, ok := cfg.CallErrors[params.Name]; ok {
		writeResult(out, req.ID, textResult(text, true), cfg)
		return cfg.ListChangedAfterCall
	}
	if text, ok := cfg.CallResults[params.Name]; ok {
		writeResult(out, req.ID, textResult(text, false), cfg)
		return cfg.ListChangedAfterCall
	}
	if cfg.EchoToolCalls {
		args := string(req.Params)
		if params.Arguments != nil {
			args = string(params.Arguments)
		}
		writeResult(out, req.ID, textResult(params.Name+":"+args, false), cfg)
		return cfg.ListChangedAfterCall
	}

	for _, t := range tools {
		if t.Name == params.Name {
			writeResult(out, req.ID, textResult("ok", false), cfg)
			return cfg.ListChangedAfterCall
		}
	}
	writeError(out, req.ID, RPCError{Code: -32602, Message: "unknown tool: " + params.Name}, cfg)
	return false
}
