package query

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// querySchemaJSON shapes /v1/query bodies before semantic validation. The
// tier enum lists wire aliases as well as canonical forms; canonicalisation
// happens after decoding.
const querySchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["prompt", "tier", "poolKey"],
  "properties": {
    "prompt":             {"type": "string", "minLength": 1},
    "tier":               {"type": "string", "minLength": 1},
    "poolKey":            {"type": "string", "minLength": 1, "maxLength": 128},
    "cwd":                {"type": "string", "maxLength": 4096},
    "enableSkills":       {"type": "boolean"},
    "timeoutMs":          {"type": "integer", "minimum": 0},
    "resumeSessionId":    {"type": "string", "maxLength": 256},
    "userId":             {"type": "string", "maxLength": 256},
    "systemPromptAppend": {"type": "string", "maxLength": 16384},
    "sessionToken":       {"type": "string", "maxLength": 1024}
  },
  "additionalProperties": false
}`

const querySchemaURL = "https://airlock.schemas.local/query.schema.json"

func compileQuerySchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(querySchemaURL, strings.NewReader(querySchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to load query schema: %w", err)
	}
	schema, err := c.Compile(querySchemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile query schema: %w", err)
	}
	return schema, nil
}
