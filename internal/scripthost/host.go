package scripthost

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Wire messages, one JSON document per line on stdin/stdout of the host
// process.
type initRequest struct {
	Script string `json:"script"`
}

type initResponse struct {
	Functions []string `json:"functions,omitempty"`
	Error     string   `json:"error,omitempty"`
}

type callRequest struct {
	Call string         `json:"call"`
	Args map[string]any `json:"args"`
}

type callResponse struct {
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
}

// Serve runs the host side of the script protocol until r is closed. The
// first line carries the script; every further line is one helper call. The
// caller is expected to have locked the process down before handing over
// control.
func Serve(r io.Reader, w io.Writer) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	enc := json.NewEncoder(w)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return err
		}
		return nil
	}
	var init initRequest
	if err := json.Unmarshal(sc.Bytes(), &init); err != nil {
		_ = enc.Encode(initResponse{Error: fmt.Sprintf("decode init: %s", err)})
		return err
	}
	engine, err := NewEngine(init.Script)
	if err != nil {
		_ = enc.Encode(initResponse{Error: err.Error()})
		return err
	}
	defer engine.Close()
	if err := enc.Encode(initResponse{Functions: engine.Functions()}); err != nil {
		return err
	}

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var req callRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			if err := enc.Encode(callResponse{Error: fmt.Sprintf("decode request: %s", err)}); err != nil {
				return err
			}
			continue
		}
		result, err := engine.Call(req.Call, req.Args)
		resp := callResponse{Result: result}
		if err != nil {
			resp = callResponse{Error: err.Error()}
		}
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	return sc.Err()
}
