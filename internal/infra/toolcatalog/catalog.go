package toolcatalog

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/declue/aipilot/internal/domain"
)

// FallbackParameters is advertised for tools without a usable object schema.
var FallbackParameters = json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// Catalog is the reasoner-facing projection of a tool snapshot. Names are
// unique: a tool name exposed by more than one server is qualified with its
// server id.
type Catalog struct {
	entries []domain.ToolCatalogEntry
	byName  map[string]domain.ToolDescriptor
}

// Build projects descriptors into catalog entries ordered by name.
func Build(tools []domain.ToolDescriptor) *Catalog {
	counts := make(map[string]int, len(tools))
	for _, tool := range tools {
		counts[tool.Name]++
	}

	catalog := &Catalog{
		entries: make([]domain.ToolCatalogEntry, 0, len(tools)),
		byName:  make(map[string]domain.ToolDescriptor, len(tools)),
	}
	for _, tool := range tools {
		name := sanitizeName(tool.Name)
		if counts[tool.Name] > 1 || name != tool.Name {
			name = QualifiedName(tool.ServerID, tool.Name)
		}
		if _, taken := catalog.byName[name]; taken {
			continue
		}
		catalog.byName[name] = tool
		catalog.entries = append(catalog.entries, domain.ToolCatalogEntry{
			Name:        name,
			ServerID:    tool.ServerID,
			Description: Describe(tool),
			Parameters:  Parameters(tool.InputSchema),
		})
	}
	sort.Slice(catalog.entries, func(i, j int) bool {
		return catalog.entries[i].Name < catalog.entries[j].Name
	})
	return catalog
}

// Entries returns a copy of the catalog entries.
func (c *Catalog) Entries() []domain.ToolCatalogEntry {
	if c == nil {
		return nil
	}
	out := make([]domain.ToolCatalogEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Resolve maps a catalog name back to its descriptor.
func (c *Catalog) Resolve(name string) (domain.ToolDescriptor, bool) {
	if c == nil {
		return domain.ToolDescriptor{}, false
	}
	desc, ok := c.byName[name]
	return desc, ok
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// Names lists catalog names in order.
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, len(c.entries))
	for i, entry := range c.entries {
		names[i] = entry.Name
	}
	return names
}

// QualifiedName joins server id and tool name into a model-safe function name.
func QualifiedName(serverID, name string) string {
	return sanitizeName(serverID) + "__" + sanitizeName(name)
}

// Describe renders the "[SERVER] name: description" line.
func Describe(tool domain.ToolDescriptor) string {
	description := strings.TrimSpace(tool.Description)
	if description == "" {
		description = "no description"
	}
	return fmt.Sprintf("[%s] %s: %s", strings.ToUpper(tool.ServerID), tool.Name, description)
}

// Parameters returns the input schema when it describes an object, otherwise
// FallbackParameters.
func Parameters(inputSchema json.RawMessage) json.RawMessage {
	if len(inputSchema) == 0 {
		return cloneRaw(FallbackParameters)
	}
	var doc map[string]any
	if err := json.Unmarshal(inputSchema, &doc); err != nil || doc == nil {
		return cloneRaw(FallbackParameters)
	}
	typ, _ := doc["type"].(string)
	_, hasProps := doc["properties"].(map[string]any)
	if typ != "object" && !(typ == "" && hasProps) {
		return cloneRaw(FallbackParameters)
	}
	return cloneRaw(inputSchema)
}

func sanitizeName(name string) string {
	return unsafeNameChars.ReplaceAllString(name, "_")
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	return append(json.RawMessage(nil), raw...)
}
