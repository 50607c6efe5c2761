package gateway

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/guseggert/toolbridge/config"
)

// GenerateSkill renders a SKILL markdown document describing how to call a service's tools through the gateway.
// baseURL is the gateway's externally reachable URL, e.g. "http://localhost:8080".
func GenerateSkill(svc config.ServiceConfig, tools []config.ToolConfig, baseURL string) string {
	callURL := fmt.Sprintf("%s/api/v1/services/%s/call", strings.TrimRight(baseURL, "/"), svc.Name)

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", svc.Title())
	if svc.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", svc.Description)
	}
	b.WriteString("## Tools\n\n")

	if len(tools) == 0 {
		b.WriteString("*No tools available*\n\n")
	}
	for _, tool := range tools {
		fmt.Fprintf(&b, "### %s\n\n", tool.Name)
		if tool.Description != "" {
			fmt.Fprintf(&b, "%s\n\n", tool.Description)
		}
		writeParameters(&b, tool.InputSchema)

		if tool.Example != nil {
			body, err := json.Marshal(map[string]any{"tool": tool.Name, "arguments": tool.Example})
			if err != nil {
				continue
			}
			b.WriteString("**Example:**\n\n")
			b.WriteString("```bash\n")
			fmt.Fprintf(&b, "curl -X POST %q \\\n", callURL)
			b.WriteString("  -H \"Content-Type: application/json\" \\\n")
			fmt.Fprintf(&b, "  -d '%s'\n", body)
			b.WriteString("```\n\n")
		}
	}

	b.WriteString("## Usage\n\n")
	b.WriteString("Call a tool:\n\n")
	b.WriteString("```bash\n")
	fmt.Fprintf(&b, "curl -X POST %q \\\n", callURL)
	b.WriteString("  -H \"Content-Type: application/json\" \\\n")
	b.WriteString("  -d '{\"tool\":\"TOOL_NAME\",\"arguments\":{}}'\n")
	b.WriteString("```\n")

	return b.String()
}

func writeParameters(b *strings.Builder, schema map[string]any) {
	props, ok := schema["properties"].(map[string]any)
	if !ok || len(props) == 0 {
		return
	}

	required := map[string]bool{}
	switch req := schema["required"].(type) {
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	case []string:
		for _, s := range req {
			required[s] = true
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	slices.Sort(names)

	b.WriteString("**Parameters:**\n\n")
	for _, name := range names {
		suffix := ""
		if required[name] {
			suffix = " (required)"
		}
		fmt.Fprintf(b, "- `%s`%s\n", name, suffix)
		prop, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		if t, ok := prop["type"].(string); ok {
			fmt.Fprintf(b, "  - Type: %s\n", t)
		}
		if d, ok := prop["description"].(string); ok {
			fmt.Fprintf(b, "  - Description: %s\n", d)
		}
	}
	b.WriteString("\n")
}
