package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/Sagnnik/docker-mcp-bridge/internal/chat"
	"github.com/Sagnnik/docker-mcp-bridge/internal/gateway"
	"github.com/Sagnnik/docker-mcp-bridge/internal/provider"
)

// Mode selects which bridge capabilities the model sees and which system
// instructions it receives.
type Mode string

const (
	// ModeDefault exposes granted server tools only; no discovery or
	// management surface.
	ModeDefault Mode = "default"

	// ModeDynamic exposes discovery and onboarding (mcp-find, mcp-add) so
	// the model can grow its own tool set at runtime.
	ModeDynamic Mode = "dynamic"

	// ModeCode exposes the code execution surface (code-mode, mcp-exec)
	// plus tools created through it.
	ModeCode Mode = "code"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDefault, ModeDynamic, ModeCode:
		return Mode(s), nil
	case "":
		return ModeDefault, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

const systemSeparator = "\n\n--- Your Additional Instructions for MCP Bridge Client ---\n\n"

var modeInstructions = map[Mode]string{
	ModeDefault: `You are a helpful assistant with access to MCP tools.
You may use any available MCP tools to answer user questions when appropriate.`,

	ModeDynamic: "You are a helpful assistant with access to Docker MCP dynamic management tools.\n" +
		"You can discover and add MCP servers at runtime, but you CANNOT configure servers, manage secrets, execute code, or request code-mode environments.\n" +
		"\n" +
		"Available capabilities (exposed to you):\n" +
		"- `mcp-find`: Search for available MCP servers by query (e.g., \"github\", \"database\", \"file system\", \"wikipedia\").\n" +
		"- `mcp-add`: Add and optionally activate a discovered MCP server.\n" +
		"\n" +
		"Dynamic workflow (what you should do):\n" +
		"1. When you need a capability or provider that is not currently available, call `mcp-find` with a concise, specific query describing the server or capability you need.\n" +
		"2. Select the most appropriate server from the search results and call `mcp-add` to add (and activate) it.\n" +
		"3. If the server requires configuration or secrets, the runtime will INTERRUPT the conversation and prompt the user to provide them.\n" +
		"4. After the runtime confirms that the server is fully configured and ready, its tools will become available in your context.\n" +
		"5. Continue using the newly available tools to fulfill the user’s request.\n" +
		"\n" +
		"Behavior rules and constraints:\n" +
		"- You are ONLY allowed to call `mcp-find` and `mcp-add` in dynamic mode.\n" +
		"- You MUST NOT attempt to configure servers, set secrets, or supply configuration values.\n" +
		"- Do NOT request or assume access to `mcp-config-set`, `code-mode`, or `mcp-exec`.\n" +
		"- Prefer already-available tools before discovering new servers.\n" +
		"- Be specific in `mcp-find` queries to minimize ambiguity and speed up discovery.\n" +
		"- If server setup is interrupted for configuration or secrets, wait for the runtime to resume you with confirmation before proceeding.",

	ModeCode: "You are a helpful assistant with access to MCP execution tools and the ability to create and run custom JavaScript/TypeScript logic via code-mode.\n" +
		"\n" +
		"Available capabilities (exposed to you in code mode):\n" +
		"- `code-mode`: Request creation of a code-mode tool environment.\n" +
		"- `mcp-exec`: Execute JavaScript/TypeScript code inside a code-mode environment.\n" +
		"\n" +
		"Code-mode workflow (how to request and use code-mode):\n" +
		"1. Request a `code-mode` environment by specifying:\n" +
		"   - `name`: a unique name (the runtime will prefix it with `code-mode-`).\n" +
		"   - `servers`: an explicit list of MCP servers to include.\n" +
		"   - Do NOT include executable source code in the creation request.\n" +
		"2. The runtime will return documentation describing:\n" +
		"   - helper functions mapped from the selected MCP servers,\n" +
		"   - function signatures and example usage.\n" +
		"3. Use `mcp-exec` to execute JavaScript/TypeScript code:\n" +
		"   - `name`: the code-mode tool name (e.g., `code-mode-my-tool`).\n" +
		"   - `arguments.script`: your JS/TS code string calling the provided helper functions.\n" +
		"4. The sandbox will execute the script and return results for use in answering the user’s question.\n" +
		"\n" +
		"Best practices:\n" +
		"- Inspect the returned helper documentation before writing code.\n" +
		"- Keep scripts short, focused, and deterministic.\n" +
		"- Call only the helper functions you need.\n" +
		"- Code-mode supports JavaScript/TypeScript only.\n" +
		"- Server discovery, secrets, and configuration MUST be completed by the runtime BEFORE entering code mode.",
}

// Instructions returns the mode's system instructions.
func (m Mode) Instructions() string {
	return modeInstructions[m]
}

// PrepareConversation injects the mode instructions into the conversation.
// An existing system message is extended in place; otherwise a new system
// message is inserted first. The input slice is not mutated.
func PrepareConversation(messages []chat.Message, mode Mode) []chat.Message {
	prepared := make([]chat.Message, len(messages))
	copy(prepared, messages)

	for i, m := range prepared {
		if m.Role == chat.RoleSystem {
			prepared[i].Content = strings.TrimRight(m.Content, " \t\n") + systemSeparator + mode.Instructions()
			return prepared
		}
	}

	return append([]chat.Message{chat.System(mode.Instructions())}, prepared...)
}

// ShouldExpose reports whether the named tool is offered to the model in the
// given mode. This governs only what the model sees; calls are still checked
// against tenant grants at dispatch time.
func ShouldExpose(name string, mode Mode) bool {
	managementSurface := name == "mcp-find" || name == "mcp-add" || name == "code-mode" || name == "mcp-exec"
	codeModeTools := name == "code-mode" || name == "mcp-exec"
	custom := strings.HasPrefix(name, "code-mode-")

	switch mode {
	case ModeDefault:
		switch {
		case name == "mcp-add" || name == "mcp-config-set" || name == "mcp-remove":
			return false
		case managementSurface:
			return false
		case custom:
			return false
		}
		return true
	case ModeDynamic:
		switch {
		case name == "mcp-config-set" || name == "mcp-remove":
			return false
		case codeModeTools:
			return false
		case custom:
			return false
		}
		return true
	case ModeCode:
		switch {
		case name == "mcp-config-set" || name == "mcp-remove":
			return false
		case managementSurface:
			return true
		case custom:
			return true
		}
		return false
	default:
		return false
	}
}

// cleanToolSchemas replaces the gateway-advertised schemas of the management
// tools with curated ones. The gateway's own descriptions are written for
// humans; these are written for function calling.
var cleanToolSchemas = map[string]map[string]any{
	"mcp-find": {
		"type":     "object",
		"required": []string{"query"},
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": `Search query to find MCP servers by name, title, or description. Be specific (e.g., "wikipedia", "github", "filesystem") for best results.`,
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum number of results to return",
				"default":     10,
			},
		},
		"additionalProperties": false,
	},
	"code-mode": {
		"type":     "object",
		"required": []string{"name", "servers"},
		"properties": map[string]any{
			"name": map[string]any{
				"type":        "string",
				"description": "Unique identifier for your custom tool (will be prefixed with 'code-mode-'). Use descriptive names like 'wiki-summary' or 'multi-search'.",
			},
			"servers": map[string]any{
				"type":        "array",
				"description": "List of MCP server names whose tools will be available as JavaScript helper functions in your code environment.",
				"items":       map[string]any{"type": "string"},
				"minItems":    1,
			},
			"timeout": map[string]any{
				"type":        "integer",
				"description": "Execution timeout in seconds",
				"default":     30,
			},
		},
		"additionalProperties": false,
	},
	"mcp-exec": {
		"type":     "object",
		"required": []string{"name", "arguments"},
		"properties": map[string]any{
			"name": map[string]any{
				"type":        "string",
				"description": "Name of the code-mode tool to execute (must start with 'code-mode-', e.g., 'code-mode-wiki-summary')",
			},
			"arguments": map[string]any{
				"type":        "object",
				"required":    []string{"script"},
				"description": "Execution arguments containing the script to run",
				"properties": map[string]any{
					"script": map[string]any{
						"type":        "string",
						"description": `JavaScript/TypeScript code to execute. The code has access to helper functions from the MCP servers specified when creating this tool. Use "return" to return results.`,
					},
				},
				"additionalProperties": false,
			},
		},
		"additionalProperties": false,
	},
	"mcp-add": {
		"type":     "object",
		"required": []string{"name"},
		"properties": map[string]any{
			"name": map[string]any{
				"type":        "string",
				"description": "Name of the MCP server to add to the registry (must exist in catalog)",
			},
			"activate": map[string]any{
				"type":        "boolean",
				"description": "Activate all of the server's tools in the current session",
				"default":     false,
			},
		},
		"additionalProperties": false,
	},
}

// ToolSchemas converts the gateway listing into provider tool schemas for
// the given mode: unexposed tools are dropped and management tool schemas
// are replaced with the curated ones.
func ToolSchemas(tools []gateway.Tool, mode Mode) []provider.ToolSchema {
	out := make([]provider.ToolSchema, 0, len(tools))
	for _, t := range tools {
		if !ShouldExpose(t.Name, mode) {
			continue
		}
		schema := provider.ToolSchema{Name: t.Name, Description: t.Description}
		if clean, ok := cleanToolSchemas[t.Name]; ok {
			schema.Parameters = clean
		} else {
			schema.Parameters = schemaToMap(t.InputSchema)
		}
		out = append(out, schema)
	}
	return out
}

func schemaToMap(s *jsonschema.Schema) map[string]any {
	if s == nil {
		return nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
