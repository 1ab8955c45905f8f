package builtin

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/scitara-cto/dynamic-mcp-server/mcp"
)

// schemaFor derives a tool input schema from a Go argument struct. The
// reflector is configured to inline everything so the result is a single
// self-contained object schema, which is what tool definitions carry.
func schemaFor(v any) mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	raw, err := json.Marshal(r.Reflect(v))
	if err != nil {
		panic(fmt.Sprintf("reflect schema for %T: %v", v, err))
	}
	var out mcp.ToolInputSchema
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("convert schema for %T: %v", v, err))
	}
	if out.Type == "" {
		out.Type = "object"
	}
	return out
}
