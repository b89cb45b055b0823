// Package bridge implements the in-band tag protocol used for tools the
// backend cannot invoke natively for one client family. Bridged tool
// declarations are rewritten into a system-instruction protocol description
// on the way in, and the model's tag markup is parsed back into structured
// tool invocations on the way out.
package bridge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/phamanh/gemini-bridge/internal/json"
	"github.com/phamanh/gemini-bridge/internal/translator/ir"
)

// Prefix marks tool names routed through the bridge instead of the native
// function-calling path.
const Prefix = "mcp__"

// ResultTag wraps tool results replayed to the model as text.
const ResultTag = "mcp_tool_result"

// SwitchMarker is the literal answer text a non-executing model emits to
// request handoff to the substitute model.
const SwitchMarker = "<request_tool_model/>"

// IsBridged reports whether a declared tool name is reserved for the bridge.
func IsBridged(name string) bool {
	return strings.HasPrefix(name, Prefix)
}

// Bridge holds the bridged tool set compiled once per request.
type Bridge struct {
	tools []ir.ToolDefinition
	names []string
}

// New selects the bridged tools out of the declared tool list. The returned
// bridge is inactive (nil-safe) when none match.
func New(tools []ir.ToolDefinition) *Bridge {
	var bridged []ir.ToolDefinition
	for _, t := range tools {
		if IsBridged(t.Name) {
			bridged = append(bridged, t)
		}
	}
	if len(bridged) == 0 {
		return nil
	}
	names := make([]string, 0, len(bridged))
	for _, t := range bridged {
		names = append(names, t.Name)
	}
	// Longest first so a declared name that prefixes another is never
	// shadowed during tag matching.
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
	return &Bridge{tools: bridged, names: names}
}

func (b *Bridge) Active() bool { return b != nil && len(b.tools) > 0 }

// Names returns bridged tool names, longest first.
func (b *Bridge) Names() []string {
	if b == nil {
		return nil
	}
	return b.names
}

// SystemPrompt renders the protocol description appended to the system
// instruction: one tag per tool, JSON body, results echoed back inside the
// fixed result tag.
func (b *Bridge) SystemPrompt() string {
	if !b.Active() {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("\n\n# External tools\n\n")
	sb.WriteString("The following tools are invoked by writing a bare XML tag whose name is the tool name ")
	sb.WriteString("and whose body is a JSON object with the arguments. Do not wrap the tag in code fences ")
	sb.WriteString("or add attributes. Emit at most one tool tag per response and stop after it.\n\n")
	for _, t := range b.tools {
		sb.WriteString("- ")
		sb.WriteString(t.Name)
		if t.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(t.Description)
		}
		sb.WriteString("\n")
		if len(t.Parameters) > 0 {
			if schema, err := json.Marshal(t.Parameters); err == nil {
				fmt.Fprintf(&sb, "  arguments schema: %s\n", schema)
			}
		}
	}
	sb.WriteString("\nExample:\n")
	fmt.Fprintf(&sb, "<%s>{\"arg\": \"value\"}</%s>\n\n", b.tools[0].Name, b.tools[0].Name)
	fmt.Fprintf(&sb, "Each result is returned wrapped in a <%s> tag containing ", ResultTag)
	sb.WriteString(`{"name", "tool_use_id", "result"}.`)
	return sb.String()
}

// EncodeCall serializes a historical bridged invocation the way the model
// itself would have produced it.
func EncodeCall(tc ir.ToolCall) string {
	args := tc.Args
	if args == "" {
		args = "{}"
	}
	return fmt.Sprintf("<%s>%s</%s>", tc.Name, args, tc.Name)
}

// EncodeResult wraps a tool result in the fixed result tag.
func EncodeResult(name, toolUseID, result string) string {
	payload, err := json.Marshal(map[string]any{
		"name":        name,
		"tool_use_id": toolUseID,
		"result":      result,
	})
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"name":%q,"tool_use_id":%q}`, name, toolUseID))
	}
	return fmt.Sprintf("<%s>%s</%s>", ResultTag, payload, ResultTag)
}
