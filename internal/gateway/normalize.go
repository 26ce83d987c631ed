package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ToolResult is the raw result payload of one tools/call exchange.
// Text() yields the normalized plain-text form every downstream heuristic
// depends on; Raw is preserved for callers that need structure.
type ToolResult struct {
	Raw json.RawMessage
}

// Text normalizes the result payload to plain text. When the payload is an
// object carrying a "content" member (the MCP content-block form), only that
// member is normalized; otherwise the whole payload is.
func (r ToolResult) Text() string {
	if len(r.Raw) == 0 {
		return ""
	}

	var value any
	if err := json.Unmarshal(r.Raw, &value); err != nil {
		return strings.TrimSpace(string(r.Raw))
	}

	if obj, ok := value.(map[string]any); ok {
		if content, ok := obj["content"]; ok {
			return NormalizeContent(content)
		}
	}
	return NormalizeContent(value)
}

// NormalizeContent converts a decoded gateway payload into plain text.
//
// Three shapes are accepted:
//   - a list of typed content blocks: text-typed items are joined
//   - a string, possibly SSE-framed ("data: " prefix): the frame is stripped
//     and JSON-decoded, falling back to the raw text
//   - anything else: stringified
func NormalizeContent(content any) string {
	switch v := content.(type) {
	case nil:
		return ""

	case []any:
		var texts []string
		for _, item := range v {
			block, ok := item.(map[string]any)
			if !ok || block["type"] != "text" {
				continue
			}
			if text, ok := block["text"].(string); ok {
				texts = append(texts, text)
			}
		}
		return strings.TrimSpace(strings.Join(texts, "\n"))

	case string:
		for _, line := range strings.Split(strings.TrimSpace(v), "\n") {
			after, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}
			var decoded any
			if err := json.Unmarshal([]byte(after), &decoded); err != nil {
				return after
			}
			if s, ok := decoded.(string); ok {
				return s
			}
			return stringify(decoded)
		}
		return strings.TrimSpace(v)

	default:
		return stringify(v)
	}
}

func stringify(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return strings.TrimSpace(fmt.Sprint(v))
	}
	return string(data)
}
