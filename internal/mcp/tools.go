// ABOUTME: Builds MCP tool descriptors from published services
// ABOUTME: Declared inputs become a JSON Schema object

package mcp

import (
	"strings"

	"github.com/airrange-io/spreadapi-gateway/internal/service"
)

func toolInfo(pub *service.Published) MCPToolInfo {
	return MCPToolInfo{
		Name:        ToolPrefix + pub.ID,
		Title:       pub.Title,
		Description: toolDescription(pub),
		InputSchema: inputSchema(pub.Inputs),
	}
}

func toolDescription(pub *service.Published) string {
	desc := pub.AIDescription
	if desc == "" {
		desc = pub.Description
	}
	if desc == "" {
		desc = pub.Title
	}

	var b strings.Builder
	b.WriteString(desc)
	if len(pub.Outputs) > 0 {
		names := make([]string, len(pub.Outputs))
		for i, o := range pub.Outputs {
			names[i] = o.Name
		}
		b.WriteString("\n\nReturns: ")
		b.WriteString(strings.Join(names, ", "))
	}
	if len(pub.AIUsageExamples) > 0 {
		b.WriteString("\n\nExamples:")
		for _, ex := range pub.AIUsageExamples {
			b.WriteString("\n- ")
			b.WriteString(ex)
		}
	}
	return b.String()
}

func inputSchema(inputs []service.Input) map[string]any {
	props := make(map[string]any, len(inputs))
	required := make([]string, 0, len(inputs))

	for _, in := range inputs {
		prop := map[string]any{"type": jsonType(in.Type)}
		if d := in.Description; d != "" {
			prop["description"] = d
		} else if in.Title != "" {
			prop["description"] = in.Title
		}
		if in.Min != nil {
			prop["minimum"] = *in.Min
		}
		if in.Max != nil {
			prop["maximum"] = *in.Max
		}
		if in.Default != nil {
			prop["default"] = in.Default
		}
		props[in.Name] = prop

		if in.Mandatory && in.Default == nil {
			required = append(required, in.Name)
		}
	}

	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func jsonType(t string) string {
	switch t {
	case service.TypeNumber:
		return "number"
	case service.TypeBoolean:
		return "boolean"
	default:
		return "string"
	}
}
