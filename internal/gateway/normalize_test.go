package gateway

import (
	"encoding/json"
	"testing"
)

func TestNormalizeContent(t *testing.T) {
	tests := []struct {
		name    string
		content any
		want    string
	}{
		{"nil", nil, ""},
		{
			"content blocks",
			[]any{
				map[string]any{"type": "text", "text": "first"},
				map[string]any{"type": "image", "data": "ignored"},
				map[string]any{"type": "text", "text": "second"},
			},
			"first\nsecond",
		},
		{"plain string", "  hello  ", "hello"},
		{"sse wrapped string payload", "event: message\ndata: \"inner text\"\n\n", "inner text"},
		{"sse wrapped object payload", "data: {\"status\":\"ok\"}\n\n", `{"status":"ok"}`},
		{"sse wrapped invalid json", "data: not json at all\n\n", "not json at all"},
		{"number", float64(42), "42"},
		{"object", map[string]any{"a": 1}, `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeContent(tt.content); got != tt.want {
				t.Errorf("NormalizeContent() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestToolResultText(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			"content member",
			`{"content":[{"type":"text","text":"tool output"}],"isError":false}`,
			"tool output",
		},
		{"bare string", `"direct"`, "direct"},
		{"bare array", `[{"type":"text","text":"from array"}]`, "from array"},
		{"no content member", `{"status":"done"}`, `{"status":"done"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ToolResult{Raw: json.RawMessage(tt.raw)}
			if got := result.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}
