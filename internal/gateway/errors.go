package gateway

import (
	"encoding/json"
	"fmt"
)

// TransportError indicates the HTTP exchange with the gateway failed, or the
// gateway handshake did not yield a session. Handshake failures propagate as
// a terminal failure of the whole request.
type TransportError struct {
	Op  string // "initialize", "tools/list", ...
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("gateway transport error during %s", e.Op)
	}
	return fmt.Sprintf("gateway transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteToolError carries a JSON-RPC error the gateway reported for a tool
// call. The structured payload is preserved; it is never swallowed.
type RemoteToolError struct {
	Tool    string
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RemoteToolError) Error() string {
	return fmt.Sprintf("gateway tool %q failed: %s (code %d)", e.Tool, e.Message, e.Code)
}

// PermissionDeniedError indicates a tenant attempted to call a tool outside
// its grant.
type PermissionDeniedError struct {
	Tenant string
	Tool   string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("tenant %q is not granted tool %q", e.Tenant, e.Tool)
}

// ProtocolAnomalyError indicates the gateway sent a body that decodes to
// neither plain JSON nor an SSE-framed JSON-RPC response.
type ProtocolAnomalyError struct {
	Op     string
	Detail string
}

func (e *ProtocolAnomalyError) Error() string {
	return fmt.Sprintf("protocol anomaly during %s: %s", e.Op, e.Detail)
}

// rpcError is the raw JSON-RPC 2.0 error object. Call sites convert it into
// the public taxonomy (RemoteToolError for tools/call, TransportError
// otherwise).
type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}
