package scripthost

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// HostCommand is the hidden subcommand of the platform binary that runs
// Serve inside a locked-down process.
const HostCommand = "script-host"

// Caller is the surface the template pipeline needs from a loaded script,
// satisfied by both the in-process Engine and the out-of-process Client.
type Caller interface {
	Functions() []string
	Call(name string, args map[string]any) (any, error)
}

// Client drives one script host process. It is not safe for concurrent calls
// without external synchronization beyond its own mutex.
type Client struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	out       *bufio.Scanner
	functions []string

	mu     sync.Mutex
	killed bool
}

// Start launches exe's script host subcommand, ships it the script and waits
// for the list of exported functions. The child locks itself down before the
// script is evaluated.
func Start(ctx context.Context, exe, script string) (*Client, error) {
	cmd := exec.CommandContext(ctx, exe, HostCommand)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start script host: %w", err)
	}

	c := &Client{cmd: cmd, stdin: stdin, out: bufio.NewScanner(stdout)}
	c.out.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	if err := c.send(initRequest{Script: script}); err != nil {
		c.Kill()
		return nil, err
	}
	var resp initResponse
	if err := c.recv(&resp); err != nil {
		c.Kill()
		return nil, fmt.Errorf("script host handshake: %w", err)
	}
	if resp.Error != "" {
		c.Kill()
		return nil, fmt.Errorf("load helper script: %s", resp.Error)
	}
	c.functions = resp.Functions
	return c, nil
}

// Functions returns the names of the script's exported helpers.
func (c *Client) Functions() []string { return c.functions }

// Call invokes one helper in the host process.
func (c *Client) Call(name string, args map[string]any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.killed {
		return nil, fmt.Errorf("script host terminated")
	}
	if err := c.send(callRequest{Call: name, Args: args}); err != nil {
		return nil, err
	}
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
	}
	if err := c.recv(&resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s", resp.Error)
	}
	return decodeResult(resp.Result)
}

// Kill forcibly terminates the host process. Safe to call more than once.
func (c *Client) Kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.killed {
		return
	}
	c.killed = true
	_ = c.stdin.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	_ = c.cmd.Wait()
}

// Close shuts the host down gracefully.
func (c *Client) Close() {
	c.Kill()
}

func (c *Client) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = c.stdin.Write(append(data, '\n'))
	return err
}

func (c *Client) recv(v any) error {
	for c.out.Scan() {
		line := strings.TrimSpace(c.out.Text())
		if line == "" {
			continue
		}
		return json.Unmarshal([]byte(line), v)
	}
	if err := c.out.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}

// decodeResult turns the wire JSON into Go values, keeping integral numbers
// as int64 so templates print them without an exponent.
func decodeResult(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return normalizeNumbers(v), nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []any:
		for i := range t {
			t[i] = normalizeNumbers(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = normalizeNumbers(t[k])
		}
		return t
	default:
		return v
	}
}
