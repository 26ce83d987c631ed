// Package gateway implements the MCP gateway protocol session client.
//
// A Client owns exactly one wire-protocol session: it performs the handshake,
// lists and calls tools, and applies the tenant access-control boundary. The
// tenant's filtered catalog is always the intersection of the gateway listing
// with the fixed management tool set plus the tenant's granted tools.
//
// A Client is owned by a single conversation and is not safe for concurrent
// use. Request ids are strictly increasing within the session.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Sagnnik/docker-mcp-bridge/internal/log"
)

// Management tools are always visible and callable regardless of tenant
// grants: discovery, add, remove, config-set, and the code execution surface.
// Dynamic "code-mode-*" tools are created by the session itself and belong to
// the same surface.
var managementTools = map[string]struct{}{
	"mcp-find":       {},
	"mcp-add":        {},
	"mcp-remove":     {},
	"mcp-config-set": {},
	"mcp-exec":       {},
	"code-mode":      {},
}

// IsManagementTool reports whether name belongs to the management surface.
func IsManagementTool(name string) bool {
	if _, ok := managementTools[name]; ok {
		return true
	}
	return strings.HasPrefix(name, "code-mode-")
}

// ManagementToolNames returns the fixed management tool set.
func ManagementToolNames() []string {
	names := make([]string, 0, len(managementTools))
	for name := range managementTools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ConfigEntry is one server configuration key/value pair. Entries are applied
// strictly in slice order: later keys may depend on earlier ones.
type ConfigEntry struct {
	Key   string
	Value string
}

// TenantState is the slice of the per-tenant store the client needs.
// Implemented by state.Store; defined here by the consumer.
type TenantState interface {
	// GrantTools records the verified tool grant for one server, replacing
	// any previous grant for that server. An empty grant is still written.
	GrantTools(ctx context.Context, tenantID, server string, tools []string) error

	// RevokeGrant deletes the server-keyed grant and reports whether one
	// existed.
	RevokeGrant(ctx context.Context, tenantID, server string) (bool, error)

	// ReplaceTools replaces the tenant's whole effective tool set. Used when
	// no server-keyed mapping exists and the set must be recomputed.
	ReplaceTools(ctx context.Context, tenantID string, tools []string) error

	// GrantedTools returns the union of the tenant's grants across servers.
	GrantedTools(ctx context.Context, tenantID string) (map[string]struct{}, error)

	// TrackServer and UntrackServer maintain the tenant's active server list.
	TrackServer(ctx context.Context, tenantID, server string) error
	UntrackServer(ctx context.Context, tenantID, server string) error
}

// Catalog is the slice of the server registry the client needs.
type Catalog interface {
	Tools(server string) []string
}

// GrantStrategy computes the verified tool grant after an add-server call.
// Two strategies exist because the deployments disagree on which source is
// authoritative: the gateway listing diff or the catalog's declared tools.
type GrantStrategy interface {
	Verify(before, after []Tool, declared []string) []string
}

// ListingDiff grants exactly the tools that appeared in the gateway listing
// after the add-server call. This is the default strategy.
type ListingDiff struct{}

func (ListingDiff) Verify(before, after []Tool, _ []string) []string {
	prior := make(map[string]struct{}, len(before))
	for _, t := range before {
		prior[t.Name] = struct{}{}
	}
	var added []string
	for _, t := range after {
		if _, ok := prior[t.Name]; !ok {
			added = append(added, t.Name)
		}
	}
	return added
}

// RegistryDeclared grants the catalog-declared tools that the gateway now
// actually lists.
type RegistryDeclared struct{}

func (RegistryDeclared) Verify(_, after []Tool, declared []string) []string {
	listed := make(map[string]struct{}, len(after))
	for _, t := range after {
		listed[t.Name] = struct{}{}
	}
	var verified []string
	for _, name := range declared {
		if _, ok := listed[name]; ok {
			verified = append(verified, name)
		}
	}
	return verified
}

// Config carries the required dependencies for a Client.
type Config struct {
	// Endpoint is the gateway URL. Default: DefaultEndpoint.
	Endpoint string

	// TenantID scopes every access-control decision this client makes.
	TenantID string

	State   TenantState
	Catalog Catalog

	// Strategy computes verified grants. Default: ListingDiff.
	Strategy GrantStrategy

	// HTTPClient overrides the transport. Default: 300s timeout.
	HTTPClient *http.Client

	Logger log.Logger
}

func (cfg Config) validate() error {
	if cfg.TenantID == "" {
		return errors.New("tenant id is required")
	}
	if cfg.State == nil {
		return errors.New("tenant state store is required")
	}
	if cfg.Catalog == nil {
		return errors.New("server catalog is required")
	}
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Client is one gateway protocol session.
type Client struct {
	endpoint   string
	tenantID   string
	state      TenantState
	catalog    Catalog
	strategy   GrantStrategy
	httpClient *http.Client
	logger     log.Logger

	sessionID string
	nextID    atomic.Int64

	available     map[string]Tool
	activeServers []string
}

// New creates a Client. Initialize must be called before any other method.
func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	strategy := cfg.Strategy
	if strategy == nil {
		strategy = ListingDiff{}
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 300 * time.Second}
	}

	return &Client{
		endpoint:   endpoint,
		tenantID:   cfg.TenantID,
		state:      cfg.State,
		catalog:    cfg.Catalog,
		strategy:   strategy,
		httpClient: httpClient,
		logger:     cfg.Logger.With("component", "gateway"),
		available:  make(map[string]Tool),
	}, nil
}

// SessionID returns the gateway-assigned session id, empty before Initialize.
func (c *Client) SessionID() string { return c.sessionID }

// TenantID returns the tenant this session is scoped to.
func (c *Client) TenantID() string { return c.tenantID }

// ActiveServers returns the servers activated during this session, in
// activation order.
func (c *Client) ActiveServers() []string {
	return slices.Clone(c.activeServers)
}

// CachedTool returns the cached descriptor for name from the last listing.
func (c *Client) CachedTool(name string) (Tool, bool) {
	t, ok := c.available[name]
	return t, ok
}

// CachedToolNames returns the sorted names from the last listing.
func (c *Client) CachedToolNames() []string {
	names := make([]string, 0, len(c.available))
	for name := range c.available {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Initialize performs the gateway handshake: an "initialize" call whose
// response carries the session id in a header, followed by a no-id
// "notifications/initialized" call, followed by an initial tool listing.
func (c *Client) Initialize(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: clientName, Version: clientVersion},
	}

	_, header, err := c.do(ctx, "initialize", params, true)
	if err != nil {
		return asTransport("initialize", err)
	}

	// header.Get canonicalizes, so both "Mcp-Session-Id" and
	// "mcp-session-id" resolve here.
	sessionID := header.Get(headerSessionID)
	if sessionID == "" {
		return &TransportError{Op: "initialize", Err: errors.New("gateway returned no session id")}
	}
	c.sessionID = sessionID

	if _, _, err := c.do(ctx, "notifications/initialized", nil, false); err != nil {
		return asTransport("notifications/initialized", err)
	}

	if _, err := c.ListTools(ctx, false); err != nil {
		return err
	}

	c.logger.Info("gateway session initialized", "session_id", sessionID, "tools", len(c.available))
	return nil
}

// ListTools fetches the gateway's tool list and refreshes the session cache.
// With filterByTenant the listing is intersected with the management tool set
// union the tenant's granted tools; this intersection is the sole
// access-control boundary for visibility.
func (c *Client) ListTools(ctx context.Context, filterByTenant bool) ([]Tool, error) {
	result, _, err := c.do(ctx, "tools/list", map[string]any{}, true)
	if err != nil {
		return nil, asTransport("tools/list", err)
	}

	var listed listToolsResult
	if err := json.Unmarshal(result, &listed); err != nil {
		return nil, &ProtocolAnomalyError{Op: "tools/list", Detail: err.Error()}
	}

	c.available = make(map[string]Tool, len(listed.Tools))
	for _, t := range listed.Tools {
		c.available[t.Name] = t
	}

	if !filterByTenant {
		return listed.Tools, nil
	}

	granted, err := c.state.GrantedTools(ctx, c.tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant grants: %w", err)
	}

	filtered := make([]Tool, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		if IsManagementTool(t.Name) {
			filtered = append(filtered, t)
			continue
		}
		if _, ok := granted[t.Name]; ok {
			filtered = append(filtered, t)
		}
	}
	return filtered, nil
}

// CallTool dispatches one tools/call. Non-management names must be inside
// the tenant's grant or the call fails with PermissionDeniedError before any
// gateway traffic. Gateway-reported errors surface as RemoteToolError,
// never swallowed.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (ToolResult, error) {
	if !IsManagementTool(name) {
		granted, err := c.state.GrantedTools(ctx, c.tenantID)
		if err != nil {
			return ToolResult{}, fmt.Errorf("failed to load tenant grants: %w", err)
		}
		if _, ok := granted[name]; !ok {
			return ToolResult{}, &PermissionDeniedError{Tenant: c.tenantID, Tool: name}
		}
	}

	if args == nil {
		args = map[string]any{}
	}

	result, _, err := c.do(ctx, "tools/call", callParams{Name: name, Arguments: args}, true)
	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) {
			return ToolResult{}, &RemoteToolError{
				Tool:    name,
				Code:    rpcErr.Code,
				Message: rpcErr.Message,
				Data:    rpcErr.Data,
			}
		}
		return ToolResult{}, err
	}

	return ToolResult{Raw: result}, nil
}

// AddServer applies config entries in order via mcp-config-set, calls
// mcp-add, then computes and persists the verified grant for the tenant.
// The grant is always written, even when empty, so failed activations stay
// observable. The server is recorded as active only when the gateway
// confirms the add completed; a response that still asks for config or
// secrets leaves the active set untouched. Returns the mcp-add result and
// the verified tool names.
func (c *Client) AddServer(ctx context.Context, name string, activate bool, config []ConfigEntry) (ToolResult, []string, error) {
	before, err := c.ListTools(ctx, false)
	if err != nil {
		return ToolResult{}, nil, err
	}

	// Order matters: later keys may depend on earlier ones.
	for _, entry := range config {
		if _, err := c.CallTool(ctx, "mcp-config-set", map[string]any{
			"server": name,
			"key":    entry.Key,
			"value":  entry.Value,
		}); err != nil {
			return ToolResult{}, nil, fmt.Errorf("failed to set config %q for %s: %w", entry.Key, name, err)
		}
	}

	result, err := c.CallTool(ctx, "mcp-add", map[string]any{"name": name, "activate": activate})
	if err != nil {
		return ToolResult{}, nil, err
	}

	after, err := c.ListTools(ctx, false)
	if err != nil {
		return ToolResult{}, nil, err
	}

	verified := c.strategy.Verify(before, after, c.catalog.Tools(name))
	if err := c.state.GrantTools(ctx, c.tenantID, name, verified); err != nil {
		return ToolResult{}, nil, fmt.Errorf("failed to persist grant for %s: %w", name, err)
	}

	if !addCompleted(result.Text()) {
		c.logger.Info("server pending activation", "server", name)
		return result, verified, nil
	}

	if err := c.state.TrackServer(ctx, c.tenantID, name); err != nil {
		return ToolResult{}, nil, fmt.Errorf("failed to track server %s: %w", name, err)
	}
	if !slices.Contains(c.activeServers, name) {
		c.activeServers = append(c.activeServers, name)
	}

	c.logger.Info("server added", "server", name, "verified_tools", len(verified))
	return result, verified, nil
}

// addCompletedPhrases mirrors the gateway's own mcp-add success wording.
var addCompletedPhrases = []string{"successfully added", "success", "ready to use"}

// addCompleted reports whether an mcp-add response confirms the server is
// fully added, as opposed to asking for config or secrets first.
func addCompleted(response string) bool {
	lowered := strings.ToLower(response)
	for _, phrase := range addCompletedPhrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}

// RemoveServer calls mcp-remove and withdraws the tenant's grant. When no
// server-keyed grant exists the tenant's tool set is recomputed by
// intersecting the previously granted tools with the gateway's current
// listing.
func (c *Client) RemoveServer(ctx context.Context, name string) (ToolResult, error) {
	result, err := c.CallTool(ctx, "mcp-remove", map[string]any{"name": name})
	if err != nil {
		return ToolResult{}, err
	}

	existed, err := c.state.RevokeGrant(ctx, c.tenantID, name)
	if err != nil {
		return ToolResult{}, fmt.Errorf("failed to revoke grant for %s: %w", name, err)
	}

	if existed {
		if _, err := c.ListTools(ctx, false); err != nil {
			return ToolResult{}, err
		}
	} else {
		granted, err := c.state.GrantedTools(ctx, c.tenantID)
		if err != nil {
			return ToolResult{}, fmt.Errorf("failed to load tenant grants: %w", err)
		}
		current, err := c.ListTools(ctx, false)
		if err != nil {
			return ToolResult{}, err
		}
		var keep []string
		for _, t := range current {
			if _, ok := granted[t.Name]; ok {
				keep = append(keep, t.Name)
			}
		}
		if err := c.state.ReplaceTools(ctx, c.tenantID, keep); err != nil {
			return ToolResult{}, fmt.Errorf("failed to replace tenant tools: %w", err)
		}
	}

	if err := c.state.UntrackServer(ctx, c.tenantID, name); err != nil {
		return ToolResult{}, fmt.Errorf("failed to untrack server %s: %w", name, err)
	}

	if i := slices.Index(c.activeServers, name); i >= 0 {
		c.activeServers = slices.Delete(c.activeServers, i, i+1)
	}

	c.logger.Info("server removed", "server", name)
	return result, nil
}

// do performs one JSON-RPC exchange. Notifications (withID false) carry no
// id and expect no decodable body. JSON-RPC error objects are returned as
// *rpcError for call sites to map into the public taxonomy.
func (c *Client) do(ctx context.Context, method string, params any, withID bool) (json.RawMessage, http.Header, error) {
	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params}
	if withID {
		id := c.nextID.Add(1)
		req.ID = &id
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, nil, &TransportError{Op: method, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, &TransportError{Op: method, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", acceptValue)
	httpReq.Header.Set(headerProtocolVersion, ProtocolVersion)
	if c.sessionID != "" {
		httpReq.Header.Set(headerSessionID, c.sessionID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, &TransportError{Op: method, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.Header, &TransportError{Op: method, Err: err}
	}
	if resp.StatusCode >= 400 {
		return nil, resp.Header, &TransportError{
			Op:  method,
			Err: fmt.Errorf("gateway returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	if !withID {
		return nil, resp.Header, nil
	}

	decoded, err := decodeBody(body)
	if err != nil {
		return nil, resp.Header, &ProtocolAnomalyError{Op: method, Detail: err.Error()}
	}
	if decoded.Error != nil {
		return nil, resp.Header, decoded.Error
	}
	return decoded.Result, resp.Header, nil
}

// asTransport maps rpc-level failures from non-tool calls into the transport
// taxonomy while keeping already-typed errors intact.
func asTransport(op string, err error) error {
	var rpcErr *rpcError
	if errors.As(err, &rpcErr) {
		return &TransportError{Op: op, Err: rpcErr}
	}
	return err
}
