package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/Sagnnik/docker-mcp-bridge/internal/chat"
	"github.com/Sagnnik/docker-mcp-bridge/internal/gateway"
	"github.com/Sagnnik/docker-mcp-bridge/internal/log"
	"github.com/Sagnnik/docker-mcp-bridge/internal/onboard"
	"github.com/Sagnnik/docker-mcp-bridge/internal/provider"
	"github.com/Sagnnik/docker-mcp-bridge/internal/state"
)

// scriptedProvider returns canned responses in order and records requests.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*provider.Response
	requests  []provider.Request
}

func (p *scriptedProvider) Generate(_ context.Context, req provider.Request) (*provider.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return nil, fmt.Errorf("scripted provider exhausted after %d calls", len(p.requests))
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Model() string { return "scripted-model" }

func textResponse(content string) *provider.Response {
	return &provider.Response{
		Message:      chat.Assistant(content),
		FinishReason: chat.FinishStop,
	}
}

func toolCallResponse(calls ...chat.ToolCall) *provider.Response {
	return &provider.Response{
		Message:      chat.AssistantToolCalls("", calls),
		FinishReason: chat.FinishToolCalls,
	}
}

func call(id, name string, args map[string]any) chat.ToolCall {
	raw, _ := json.Marshal(args)
	return chat.ToolCall{ID: id, Name: name, Arguments: string(raw)}
}

type addRecord struct {
	Name     string
	Activate bool
	Config   []gateway.ConfigEntry
}

type addResponse struct {
	Text     string
	Verified []string
	Err      error
}

// fakeSession is an in-memory Session double.
type fakeSession struct {
	mu        sync.Mutex
	tools     []gateway.Tool
	listCalls int
	callTexts map[string]string
	callErrs  map[string]error
	calls     []recordedCall
	addResps  map[string]addResponse
	adds      []addRecord
	active    []string
}

type recordedCall struct {
	Name string
	Args map[string]any
}

func newFakeSession(tools ...gateway.Tool) *fakeSession {
	return &fakeSession{
		tools:     tools,
		callTexts: make(map[string]string),
		callErrs:  make(map[string]error),
		addResps:  make(map[string]addResponse),
	}
}

func (s *fakeSession) ListTools(context.Context, bool) ([]gateway.Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	return s.tools, nil
}

func (s *fakeSession) CallTool(_ context.Context, name string, args map[string]any) (gateway.ToolResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, recordedCall{Name: name, Args: args})
	if err := s.callErrs[name]; err != nil {
		return gateway.ToolResult{}, err
	}
	text, ok := s.callTexts[name]
	if !ok {
		text = "ok"
	}
	raw, _ := json.Marshal(map[string]any{
		"content": []any{map[string]any{"type": "text", "text": text}},
	})
	return gateway.ToolResult{Raw: raw}, nil
}

func (s *fakeSession) AddServer(_ context.Context, name string, activate bool, config []gateway.ConfigEntry) (gateway.ToolResult, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adds = append(s.adds, addRecord{Name: name, Activate: activate, Config: config})
	resp, ok := s.addResps[name]
	if !ok {
		resp = addResponse{Text: "Server successfully added"}
	}
	if resp.Err != nil {
		return gateway.ToolResult{}, nil, resp.Err
	}
	// Mirror the gateway client: only a confirmed add joins the active set.
	if strings.Contains(strings.ToLower(resp.Text), "success") {
		s.active = append(s.active, name)
	}
	raw, _ := json.Marshal(map[string]any{
		"content": []any{map[string]any{"type": "text", "text": resp.Text}},
	})
	return gateway.ToolResult{Raw: raw}, resp.Verified, nil
}

func (s *fakeSession) ActiveServers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.active...)
}

func (s *fakeSession) CachedToolNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.tools))
	for i, t := range s.tools {
		names[i] = t.Name
	}
	return names
}

type emptyCatalog struct{}

func (emptyCatalog) Secrets(string) []string                   { return nil }
func (emptyCatalog) ConfigSchemas(string) []*jsonschema.Schema { return nil }
func (emptyCatalog) Description(string) string                 { return "" }

func newTestLoop(session Session, p provider.Provider, mode Mode) *Loop {
	engine := onboard.NewEngine(emptyCatalog{}, log.NewNop())
	return NewLoop(session, p, engine, mode, 5, log.NewNop())
}

func TestLoopStop(t *testing.T) {
	session := newFakeSession(gateway.Tool{Name: "get_weather"})
	p := &scriptedProvider{responses: []*provider.Response{textResponse("done")}}
	loop := newTestLoop(session, p, ModeDefault)

	result, err := loop.Run(context.Background(), []chat.Message{chat.User("hi")}, 0)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.FinishReason != FinishStop {
		t.Errorf("FinishReason = %s, want stop", result.FinishReason)
	}
	if result.Content != "done" {
		t.Errorf("Content = %q", result.Content)
	}
	last := result.Messages[len(result.Messages)-1]
	if last.Role != chat.RoleAssistant || last.Content != "done" {
		t.Errorf("assistant message not appended: %+v", last)
	}
}

func TestLoopToolDispatchOrder(t *testing.T) {
	session := newFakeSession(gateway.Tool{Name: "get_weather"}, gateway.Tool{Name: "get_forecast"})
	p := &scriptedProvider{responses: []*provider.Response{
		toolCallResponse(
			call("c1", "get_weather", map[string]any{"city": "Oslo"}),
			call("c2", "get_forecast", map[string]any{"city": "Oslo"}),
		),
		textResponse("both done"),
	}}
	loop := newTestLoop(session, p, ModeDefault)

	result, err := loop.Run(context.Background(), []chat.Message{chat.User("weather?")}, 0)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.FinishReason != FinishStop {
		t.Fatalf("FinishReason = %s", result.FinishReason)
	}

	if len(session.calls) != 2 || session.calls[0].Name != "get_weather" || session.calls[1].Name != "get_forecast" {
		t.Errorf("dispatch order = %v", session.calls)
	}

	// Transcript: user, assistant(tool_calls), tool, tool, assistant.
	roles := make([]chat.Role, len(result.Messages))
	for i, m := range result.Messages {
		roles[i] = m.Role
	}
	want := []chat.Role{chat.RoleUser, chat.RoleAssistant, chat.RoleTool, chat.RoleTool, chat.RoleAssistant}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Errorf("roles[%d] = %s, want %s", i, roles[i], want[i])
		}
	}
	if result.Messages[2].ToolCallID != "c1" || result.Messages[3].ToolCallID != "c2" {
		t.Errorf("tool results out of order: %v, %v", result.Messages[2].ToolCallID, result.Messages[3].ToolCallID)
	}

	// No trigger tool was used, so no extra listing beyond the initial one.
	if session.listCalls != 1 {
		t.Errorf("listCalls = %d, want 1", session.listCalls)
	}
}

func TestLoopCatalogRefreshAfterTrigger(t *testing.T) {
	session := newFakeSession(gateway.Tool{Name: "mcp-find"}, gateway.Tool{Name: "mcp-add"})
	session.callTexts["mcp-find"] = `{"servers":[{"name":"weather","description":"forecasts"}]}`
	p := &scriptedProvider{responses: []*provider.Response{
		toolCallResponse(call("c1", "mcp-find", map[string]any{"query": "weather"})),
		textResponse("found it"),
	}}
	loop := newTestLoop(session, p, ModeDynamic)

	result, err := loop.Run(context.Background(), []chat.Message{chat.User("find weather tools")}, 0)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.FinishReason != FinishStop {
		t.Fatalf("FinishReason = %s", result.FinishReason)
	}
	if session.listCalls != 2 {
		t.Errorf("listCalls = %d, want 2 (initial + refresh)", session.listCalls)
	}

	// Discovery metadata landed in the engine cache.
	if d, ok := loop.engine.Discovered("weather"); !ok || d.Description != "forecasts" {
		t.Errorf("Discovered() = %+v, %v", d, ok)
	}
}

func TestLoopInterruptStopsRemainingCalls(t *testing.T) {
	session := newFakeSession(gateway.Tool{Name: "mcp-add"}, gateway.Tool{Name: "get_weather"})
	session.addResps["github"] = addResponse{Text: "Missing required config (org, url)"}
	p := &scriptedProvider{responses: []*provider.Response{
		toolCallResponse(
			call("c1", "mcp-add", map[string]any{"name": "github"}),
			call("c2", "get_weather", map[string]any{"city": "Oslo"}),
		),
	}}
	loop := newTestLoop(session, p, ModeDynamic)

	result, err := loop.Run(context.Background(), []chat.Message{chat.User("add github")}, 0)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.FinishReason != FinishInterrupt {
		t.Fatalf("FinishReason = %s, want interrupt", result.FinishReason)
	}
	if result.Interrupt == nil || result.Interrupt.Kind != state.KindConfigRequired {
		t.Fatalf("Interrupt = %+v", result.Interrupt)
	}
	if result.Interrupt.Server != "github" {
		t.Errorf("Server = %s", result.Interrupt.Server)
	}

	// The second tool call of the turn never ran.
	if len(session.calls) != 0 {
		t.Errorf("remaining calls dispatched: %v", session.calls)
	}

	// The interrupting call still got its tool result in the transcript.
	last := result.Messages[len(result.Messages)-1]
	if last.Role != chat.RoleTool || last.ToolCallID != "c1" {
		t.Errorf("last message = %+v", last)
	}
	if !strings.Contains(last.Content, "config_required") {
		t.Errorf("tool result content = %q", last.Content)
	}
}

func TestLoopSecretsInterrupt(t *testing.T) {
	session := newFakeSession(gateway.Tool{Name: "mcp-add"})
	session.addResps["github"] = addResponse{Text: "Missing required secrets (github.token)"}
	p := &scriptedProvider{responses: []*provider.Response{
		toolCallResponse(call("c1", "mcp-add", map[string]any{"name": "github"})),
	}}
	loop := newTestLoop(session, p, ModeDynamic)

	result, err := loop.Run(context.Background(), []chat.Message{chat.User("add github")}, 0)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Interrupt == nil || result.Interrupt.Kind != state.KindSecretsRequired {
		t.Fatalf("Interrupt = %+v", result.Interrupt)
	}
	if len(result.Interrupt.RequiredSecrets) != 1 || result.Interrupt.RequiredSecrets[0] != "github.token" {
		t.Errorf("RequiredSecrets = %v", result.Interrupt.RequiredSecrets)
	}
}

func TestLoopToolErrorContinues(t *testing.T) {
	session := newFakeSession(gateway.Tool{Name: "get_weather"})
	session.callErrs["get_weather"] = &gateway.RemoteToolError{Tool: "get_weather", Code: -32000, Message: "upstream down"}
	p := &scriptedProvider{responses: []*provider.Response{
		toolCallResponse(call("c1", "get_weather", map[string]any{"city": "Oslo"})),
		textResponse("sorry, the weather service is down"),
	}}
	loop := newTestLoop(session, p, ModeDefault)

	result, err := loop.Run(context.Background(), []chat.Message{chat.User("weather?")}, 0)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.FinishReason != FinishStop {
		t.Fatalf("FinishReason = %s", result.FinishReason)
	}

	var toolMsg *chat.Message
	for i := range result.Messages {
		if result.Messages[i].Role == chat.RoleTool {
			toolMsg = &result.Messages[i]
		}
	}
	if toolMsg == nil || !strings.HasPrefix(toolMsg.Content, "Error:") {
		t.Errorf("tool error not surfaced to model: %+v", toolMsg)
	}
}

func TestLoopUnexpectedFinishReason(t *testing.T) {
	session := newFakeSession()
	p := &scriptedProvider{responses: []*provider.Response{
		{Message: chat.Assistant("truncated"), FinishReason: chat.FinishLength},
	}}
	loop := newTestLoop(session, p, ModeDefault)

	result, err := loop.Run(context.Background(), []chat.Message{chat.User("hi")}, 0)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.FinishReason != FinishMaxIteration {
		t.Errorf("FinishReason = %s, want max_iteration", result.FinishReason)
	}
	// The assistant message still joined the transcript.
	if result.Messages[len(result.Messages)-1].Content != "truncated" {
		t.Errorf("assistant message missing: %v", result.Messages)
	}
}

func TestLoopMaxIterations(t *testing.T) {
	session := newFakeSession(gateway.Tool{Name: "get_weather"})
	var responses []*provider.Response
	for range 5 {
		responses = append(responses, toolCallResponse(call("c", "get_weather", map[string]any{})))
	}
	p := &scriptedProvider{responses: responses}
	loop := newTestLoop(session, p, ModeDefault)

	result, err := loop.Run(context.Background(), []chat.Message{chat.User("loop forever")}, 0)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.FinishReason != FinishMaxIteration {
		t.Errorf("FinishReason = %s, want max_iteration", result.FinishReason)
	}
	if len(p.requests) != 5 {
		t.Errorf("provider called %d times, want 5", len(p.requests))
	}
}

func TestLoopResumeSkipsUsedIterations(t *testing.T) {
	session := newFakeSession()
	p := &scriptedProvider{responses: []*provider.Response{
		toolCallResponse(call("c", "get_weather", map[string]any{})),
	}}
	// maxIters 5, starting at 4: one generation left.
	loop := newTestLoop(session, p, ModeDefault)

	result, err := loop.Run(context.Background(), []chat.Message{chat.User("hi")}, 4)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.FinishReason != FinishMaxIteration {
		t.Errorf("FinishReason = %s", result.FinishReason)
	}
	if len(p.requests) != 1 {
		t.Errorf("provider called %d times, want 1", len(p.requests))
	}
}
