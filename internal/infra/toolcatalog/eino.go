package toolcatalog

import (
	"encoding/json"
	"fmt"

	"github.com/cloudwego/eino/schema"
	"github.com/eino-contrib/jsonschema"

	"github.com/declue/aipilot/internal/domain"
)

// ToEinoTools converts catalog entries into eino tool definitions.
func ToEinoTools(entries []domain.ToolCatalogEntry) ([]*schema.ToolInfo, error) {
	infos := make([]*schema.ToolInfo, 0, len(entries))
	for _, entry := range entries {
		params := entry.Parameters
		if len(params) == 0 {
			params = FallbackParameters
		}
		var js jsonschema.Schema
		if err := json.Unmarshal(params, &js); err != nil {
			return nil, fmt.Errorf("decode parameters for %s: %w", entry.Name, err)
		}
		infos = append(infos, &schema.ToolInfo{
			Name:        entry.Name,
			Desc:        entry.Description,
			ParamsOneOf: schema.NewParamsOneOfByJSONSchema(&js),
		})
	}
	return infos, nil
}
