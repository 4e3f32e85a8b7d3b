package supervisor

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// commitMessageSchema constrains every line a decode worker may emit. The
// only producer is code we ship, so a line that fails validation means a
// corrupted pipe or a broken build and the supervisor treats it as fatal.
const commitMessageSchema = `{
  "type": "object",
  "required": ["type", "collection", "commits"],
  "properties": {
    "type": {"const": "commit"},
    "collection": {"type": "string", "minLength": 1},
    "commits": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["uri", "contentHash", "timestamp"],
        "properties": {
          "uri": {"type": "string", "pattern": "^at://"},
          "contentHash": {"type": "string", "minLength": 1},
          "timestamp": {"type": "string", "format": "date-time"}
        }
      }
    }
  }
}`

func compileMessageSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("commit-message.json", strings.NewReader(commitMessageSchema)); err != nil {
		return nil, fmt.Errorf("failed to add commit message schema: %w", err)
	}
	schema, err := compiler.Compile("commit-message.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile commit message schema: %w", err)
	}
	return schema, nil
}
