package mcpcodec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/declue/aipilot/internal/domain"
)

// DescriptorFromMCP converts a discovered MCP tool into a descriptor owned by serverID.
func DescriptorFromMCP(serverID string, tool *mcp.Tool, refreshedAt time.Time) (domain.ToolDescriptor, error) {
	if tool == nil {
		return domain.ToolDescriptor{}, fmt.Errorf("tool is nil")
	}
	if strings.TrimSpace(tool.Name) == "" {
		return domain.ToolDescriptor{}, fmt.Errorf("tool name is empty")
	}
	input, err := schemaJSON(tool.InputSchema)
	if err != nil {
		return domain.ToolDescriptor{}, fmt.Errorf("tool %q input schema: %w", tool.Name, err)
	}
	output, err := schemaJSON(tool.OutputSchema)
	if err != nil {
		return domain.ToolDescriptor{}, fmt.Errorf("tool %q output schema: %w", tool.Name, err)
	}
	description := tool.Description
	if description == "" {
		description = tool.Title
	}
	return domain.ToolDescriptor{
		Name:          tool.Name,
		ServerID:      serverID,
		Description:   description,
		InputSchema:   input,
		OutputSchema:  output,
		LastRefreshed: refreshedAt,
	}, nil
}

// DescriptorToMCP renders a descriptor as an MCP tool definition.
func DescriptorToMCP(desc domain.ToolDescriptor) *mcp.Tool {
	tool := &mcp.Tool{
		Name:        desc.Name,
		Description: desc.Description,
	}
	if len(desc.InputSchema) > 0 {
		tool.InputSchema = json.RawMessage(desc.InputSchema)
	}
	if len(desc.OutputSchema) > 0 {
		tool.OutputSchema = json.RawMessage(desc.OutputSchema)
	}
	return tool
}

func schemaJSON(schema any) (json.RawMessage, error) {
	if schema == nil {
		return nil, nil
	}
	if raw, ok := schema.(json.RawMessage); ok {
		return append(json.RawMessage(nil), raw...), nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, nil
	}
	return raw, nil
}

// OutputFromMCP converts a call result. Tool-reported errors keep the server
// text exactly as sent.
func OutputFromMCP(result *mcp.CallToolResult) (domain.CallOutput, error) {
	if result == nil {
		return domain.CallOutput{}, fmt.Errorf("call result is nil")
	}
	if result.IsError {
		return domain.CallOutput{IsError: true, Message: contentText(result.Content)}, nil
	}
	if result.StructuredContent != nil {
		raw, err := json.Marshal(result.StructuredContent)
		if err != nil {
			return domain.CallOutput{}, fmt.Errorf("encode structured content: %w", err)
		}
		return domain.CallOutput{Payload: raw}, nil
	}
	payload, err := contentPayload(result.Content)
	if err != nil {
		return domain.CallOutput{}, err
	}
	return domain.CallOutput{Payload: payload}, nil
}

func contentText(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, item := range content {
		if text, ok := item.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func contentPayload(content []mcp.Content) (json.RawMessage, error) {
	if len(content) == 0 {
		return nil, nil
	}
	if len(content) == 1 {
		if text, ok := content[0].(*mcp.TextContent); ok {
			if json.Valid([]byte(text.Text)) {
				return json.RawMessage(text.Text), nil
			}
			return json.Marshal(text.Text)
		}
	}
	allText := true
	for _, item := range content {
		if _, ok := item.(*mcp.TextContent); !ok {
			allText = false
			break
		}
	}
	if allText {
		return json.Marshal(contentText(content))
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	return raw, nil
}

// HashDescriptors returns a stable digest of a descriptor set, ignoring refresh times.
func HashDescriptors(tools []domain.ToolDescriptor) string {
	type hashed struct {
		ServerID     string          `json:"s"`
		Name         string          `json:"n"`
		Description  string          `json:"d"`
		InputSchema  json.RawMessage `json:"i,omitempty"`
		OutputSchema json.RawMessage `json:"o,omitempty"`
	}
	items := make([]hashed, 0, len(tools))
	for _, tool := range tools {
		items = append(items, hashed{
			ServerID:     tool.ServerID,
			Name:         tool.Name,
			Description:  tool.Description,
			InputSchema:  tool.InputSchema,
			OutputSchema: tool.OutputSchema,
		})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].ServerID != items[j].ServerID {
			return items[i].ServerID < items[j].ServerID
		}
		return items[i].Name < items[j].Name
	})
	raw, _ := json.Marshal(items)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
