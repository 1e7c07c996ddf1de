package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/declue/aipilot/internal/domain"
	"github.com/declue/aipilot/internal/infra/mcpcodec"
)

// ServerClient is a connected MCP session exposed as a domain.ToolServer.
type ServerClient struct {
	serverID string
	session  *mcp.ClientSession
	now      func() time.Time
}

func newServerClient(serverID string, session *mcp.ClientSession) *ServerClient {
	return &ServerClient{serverID: serverID, session: session, now: time.Now}
}

func (c *ServerClient) ListTools(ctx context.Context) ([]domain.ToolDescriptor, error) {
	refreshedAt := c.now()
	var (
		out    []domain.ToolDescriptor
		cursor string
	)
	for {
		result, err := c.session.ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("list tools: %w", err)
		}
		for _, tool := range result.Tools {
			desc, err := mcpcodec.DescriptorFromMCP(c.serverID, tool, refreshedAt)
			if err != nil {
				return nil, err
			}
			out = append(out, desc)
		}
		if result.NextCursor == "" {
			return out, nil
		}
		cursor = result.NextCursor
	}
}

func (c *ServerClient) CallTool(ctx context.Context, name string, args json.RawMessage) (domain.CallOutput, error) {
	params := &mcp.CallToolParams{Name: name}
	if len(args) > 0 {
		params.Arguments = args
	}
	result, err := c.session.CallTool(ctx, params)
	if err != nil {
		return domain.CallOutput{}, fmt.Errorf("call tool %q: %w", name, err)
	}
	return mcpcodec.OutputFromMCP(result)
}

func (c *ServerClient) Close() error {
	if c == nil || c.session == nil {
		return nil
	}
	return c.session.Close()
}

var _ domain.ToolServer = (*ServerClient)(nil)
