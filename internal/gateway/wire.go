package gateway

import (
	"encoding/json"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// Wire protocol constants. The gateway speaks JSON-RPC 2.0 over HTTP POST to
// a single endpoint; every post-handshake call carries the session id and
// protocol version headers and accepts both JSON and SSE-framed bodies.
const (
	ProtocolVersion = "2024-11-05"
	DefaultEndpoint = "http://localhost:8811/mcp"

	headerSessionID       = "Mcp-Session-Id"
	headerProtocolVersion = "Mcp-Protocol-Version"
	acceptValue           = "application/json, text/event-stream"

	clientName    = "mcp-api-gateway"
	clientVersion = "1.0.0"
)

// Tool is one gateway tool descriptor, cached per session and invalidated
// after any catalog-changing call.
type Tool struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	InputSchema *jsonschema.Schema `json:"inputSchema,omitempty"`
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type listToolsResult struct {
	Tools []Tool `json:"tools"`
}

// decodeBody parses a gateway response body into a JSON-RPC response.
// Bodies arrive either as plain JSON or SSE-framed ("data: <json>\n\n");
// both must decode identically.
func decodeBody(body []byte) (*rpcResponse, error) {
	trimmed := strings.TrimSpace(string(body))

	payload := trimmed
	if strings.Contains(trimmed, "data: ") {
		for _, line := range strings.Split(trimmed, "\n") {
			if after, ok := strings.CutPrefix(line, "data: "); ok {
				payload = after
				break
			}
		}
	}

	var resp rpcResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
