// Package stubworker is a tiny line-delimited JSON-RPC worker used by tests.
// Test binaries re-exec themselves with EnvMode set and call Main from TestMain.
package stubworker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

const EnvMode = "TOOLBRIDGE_STUB_MODE"

const (
	// ModeEcho answers every request.
	ModeEcho = "echo"
	// ModeSilent completes the handshake and then never answers.
	ModeSilent = "silent"
	// ModeHang never answers, not even initialize.
	ModeHang = "hang"
	// ModeExitAfterHandshake exits as soon as the initialized notification arrives.
	ModeExitAfterHandshake = "exit-after-handshake"
	// ModeNoisy writes non-protocol lines to stdout around every response.
	ModeNoisy = "noisy"
	// ModeNotify sends a notification before every response.
	ModeNotify = "notify"
)

// Enabled reports whether the current process was started as a stub worker.
func Enabled() bool {
	return os.Getenv(EnvMode) != ""
}

// Main serves the mode named by EnvMode on stdin and stdout and returns the exit code.
func Main() int {
	fmt.Fprintf(os.Stderr, "stub worker starting in %s mode\n", os.Getenv(EnvMode))
	if err := Serve(os.Getenv(EnvMode), os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "stub worker: %s\n", err)
		return 1
	}
	fmt.Fprintln(os.Stderr, "stub worker exiting")
	return 0
}

type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

var tools = []map[string]any{
	{
		"name":        "echo",
		"description": "Returns its call parameters",
		"inputSchema": map[string]any{"type": "object"},
	},
	{
		"name":        "fail",
		"description": "Always fails",
		"inputSchema": map[string]any{"type": "object"},
	},
}

// Serve reads requests from in until EOF and writes responses to out.
func Serve(mode string, in io.Reader, out io.Writer) error {
	w := bufio.NewWriter(out)
	write := func(m message) error {
		m.JSONRPC = "2.0"
		b, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			return err
		}
		return w.Flush()
	}
	writeRaw := func(s string) error {
		if _, err := w.WriteString(s + "\n"); err != nil {
			return err
		}
		return w.Flush()
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		var req message
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			return fmt.Errorf("decoding request: %w", err)
		}
		if len(req.ID) == 0 {
			if req.Method == "notifications/initialized" && mode == ModeExitAfterHandshake {
				return nil
			}
			continue
		}
		if mode == ModeHang || (mode == ModeSilent && req.Method != "initialize") {
			continue
		}

		resp := message{ID: req.ID}
		switch req.Method {
		case "initialize":
			resp.Result = map[string]any{
				"protocolVersion": "2024-11-05",
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"serverInfo":      map[string]any{"name": "stub", "version": "0.0.1"},
			}
		case "tools/list":
			resp.Result = map[string]any{"tools": tools}
		case "tools/call":
			var params struct {
				Name string `json:"name"`
			}
			_ = json.Unmarshal(req.Params, &params)
			if params.Name == "fail" {
				resp.Error = &rpcError{Code: -32000, Message: "tool failed", Data: map[string]any{"tool": "fail"}}
			} else {
				resp.Result = map[string]any{"echo": req.Params}
			}
		default:
			resp.Error = &rpcError{Code: -32601, Message: "method not found: " + req.Method}
		}

		switch mode {
		case ModeNoisy:
			if err := writeRaw("handling " + req.Method); err != nil {
				return err
			}
		case ModeNotify:
			note := message{Method: "notifications/message", Params: json.RawMessage(`{"level":"info","data":"handling request"}`)}
			if err := write(note); err != nil {
				return err
			}
		}
		if err := write(resp); err != nil {
			return err
		}
		if mode == ModeNoisy {
			if err := writeRaw(""); err != nil {
				return err
			}
		}
	}
	return scanner.Err()
}
