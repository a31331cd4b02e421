package workflows

import (
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var inputTypeToJSONType = map[string]string{
	"string":  "string",
	"number":  "number",
	"boolean": "boolean",
	"list":    "array",
	"object":  "object",
}

// inputSchema builds the JSON schema equivalent of the declared inputs:
// required fields enforced, unknown fields rejected.
func (d *Definition) inputSchema() map[string]interface{} {
	props := make(map[string]interface{}, len(d.Inputs))
	var required []string
	for name, spec := range d.Inputs {
		prop := map[string]interface{}{}
		if jsonType, ok := inputTypeToJSONType[spec.Type]; ok {
			prop["type"] = jsonType
		}
		props[name] = prop
		if spec.Required {
			required = append(required, name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		sort.Strings(required)
		schema["required"] = required
	}
	return schema
}

// ValidateInputs checks caller-supplied inputs against the declared specs
// and returns them with defaults filled in. Missing required inputs, unknown
// keys, and type mismatches are INVALID_INPUT.
func (d *Definition) ValidateInputs(inputs map[string]interface{}) (map[string]interface{}, error) {
	if inputs == nil {
		inputs = map[string]interface{}{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(d.inputSchema()),
		gojsonschema.NewGoLoader(inputs),
	)
	if err != nil {
		return nil, WrapError(ErrCodeInvalidInput, err, "input validation failed")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, issue := range result.Errors() {
			msgs = append(msgs, issue.String())
		}
		sort.Strings(msgs)
		return nil, NewError(ErrCodeInvalidInput, "invalid inputs: %s", strings.Join(msgs, "; "))
	}

	merged := make(map[string]interface{}, len(d.Inputs))
	for name, spec := range d.Inputs {
		if spec.Default != nil {
			merged[name] = spec.Default
		}
	}
	for name, value := range inputs {
		merged[name] = NormalizeTree(value)
	}
	return merged, nil
}

// ValidateAgainstSchema checks a value against an inline JSON schema, used
// for user_input response validation.
func ValidateAgainstSchema(value interface{}, schema map[string]interface{}) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(value),
	)
	if err != nil {
		return WrapError(ErrCodeValidation, err, "response validation failed")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, issue := range result.Errors() {
			msgs = append(msgs, issue.String())
		}
		sort.Strings(msgs)
		return NewError(ErrCodeValidation, "response does not match validator: %s", strings.Join(msgs, "; "))
	}
	return nil
}
