package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonrepair"
	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ParseArguments decodes the raw argument text of a tool call into an
// object. Blank input is an empty object. Text that is not valid JSON gets
// one repair attempt before giving up.
func ParseArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}

	var v any
	err := json.Unmarshal([]byte(raw), &v)
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		fixed, rerr := jsonrepair.JSONRepair(raw)
		if rerr != nil {
			return nil, fmt.Errorf("arguments are not valid JSON: %w", err)
		}
		v = nil
		err = json.Unmarshal([]byte(fixed), &v)
	}
	if err != nil {
		return nil, fmt.Errorf("arguments are not valid JSON: %w", err)
	}

	switch obj := v.(type) {
	case map[string]any:
		return obj, nil
	case nil:
		return map[string]any{}, nil
	default:
		return nil, fmt.Errorf("arguments must be a JSON object, got %T", v)
	}
}

var schemaCache sync.Map

// validateArguments checks args against the tool's input schema. Tools
// without a usable schema accept anything.
func validateArguments(tool mcptypes.Tool, args map[string]any) error {
	raw, ok := inputSchema(tool)
	if !ok {
		return nil
	}

	schema, err := compileSchema(raw)
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", tool.Name, err)
	}

	// the validator wants plain decoded JSON values
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to encode arguments: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("failed to decode arguments: %w", err)
	}
	return schema.Validate(decoded)
}

func inputSchema(tool mcptypes.Tool) ([]byte, bool) {
	if len(tool.RawInputSchema) > 0 {
		raw := bytes.TrimSpace(tool.RawInputSchema)
		return raw, len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
	}
	if tool.InputSchema.Type == "" {
		return nil, false
	}
	raw, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return nil, false
	}
	return raw, true
}

func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
