package toolcache

import (
	"sort"
	"sync"

	"github.com/declue/aipilot/internal/domain"
)

// Registry holds the live descriptors keyed by (server, name).
type Registry struct {
	mu       sync.RWMutex
	byServer map[string]map[string]domain.ToolDescriptor
}

func NewRegistry() *Registry {
	return &Registry{byServer: make(map[string]map[string]domain.ToolDescriptor)}
}

// Replace swaps every descriptor of serverID. Duplicate names keep the first
// occurrence; the dropped names are returned.
func (r *Registry) Replace(serverID string, tools []domain.ToolDescriptor) []string {
	next := make(map[string]domain.ToolDescriptor, len(tools))
	var duplicates []string
	for _, tool := range tools {
		tool.ServerID = serverID
		if _, exists := next[tool.Name]; exists {
			duplicates = append(duplicates, tool.Name)
			continue
		}
		next[tool.Name] = tool
	}
	r.mu.Lock()
	r.byServer[serverID] = next
	r.mu.Unlock()
	return duplicates
}

// Remove drops every descriptor of serverID.
func (r *Registry) Remove(serverID string) {
	r.mu.Lock()
	delete(r.byServer, serverID)
	r.mu.Unlock()
}

func (r *Registry) Lookup(serverID, name string) (domain.ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.byServer[serverID][name]
	return tool, ok
}

// Count returns the number of descriptors known for serverID.
func (r *Registry) Count(serverID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byServer[serverID])
}

// Descriptors returns a sorted copy of every descriptor.
func (r *Registry) Descriptors() []domain.ToolDescriptor {
	r.mu.RLock()
	out := make([]domain.ToolDescriptor, 0)
	for _, tools := range r.byServer {
		for _, tool := range tools {
			out = append(out, tool)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerID != out[j].ServerID {
			return out[i].ServerID < out[j].ServerID
		}
		return out[i].Name < out[j].Name
	})
	return out
}
