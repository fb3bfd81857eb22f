package oracle

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/kaptinlin/jsonrepair"
)

var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// StripFences returns the content of the first fenced code block in s, or s
// unchanged when no fence is present. Models regularly wrap JSON answers in
// markdown fences despite instructions not to.
func StripFences(s string) string {
	m := fencedBlock.FindStringSubmatch(s)
	if len(m) == 2 {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(s)
}

// extractJSONBlock cuts s down to the outermost JSON object or array by
// scanning for the first opening brace/bracket and the last matching closer.
// Returns s unchanged when no bracket pair is found.
func extractJSONBlock(s string) string {
	openObj := strings.Index(s, "{")
	openArr := strings.Index(s, "[")

	open := openObj
	closer := "}"
	if open == -1 || (openArr != -1 && openArr < open) {
		open = openArr
		closer = "]"
	}
	if open == -1 {
		return s
	}

	end := strings.LastIndex(s, closer)
	if end <= open {
		return s
	}
	return s[open : end+1]
}

func stripDuplicateLeadingBrace(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") {
		rest := strings.TrimSpace(s[1:])
		if strings.HasPrefix(rest, "{") {
			return rest
		}
	}
	return s
}

// GenerateSchema creates a JSON Schema from the given Go type.
// It uses reflection to inspect the type structure and generates
// a schema suitable for use with structured model output.
func GenerateSchema(value any) any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	t := reflect.TypeOf(value)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	v := reflect.New(t).Interface()
	return reflector.Reflect(v)
}

// UnmarshalLenient attempts to unmarshal model output into the target with
// multiple fallback strategies: standard JSON unmarshaling, double-encoded
// JSON strings, markdown fence stripping, surrounding-prose removal, and
// finally a repair pass over malformed JSON.
//
// Example:
//
//	var result MyStruct
//	// All of these inputs would work:
//	UnmarshalLenient(`{"name": "test"}`, &result)                  // standard JSON
//	UnmarshalLenient(`"{\"name\": \"test\"}"`, &result)            // double-encoded
//	UnmarshalLenient("```json\n{\"name\": \"test\"}\n```", &result) // fenced
//	UnmarshalLenient(`Sure! {"name": "test"}`, &result)            // leading prose
//	UnmarshalLenient(`{name: "test"}`, &result)                    // malformed (repaired)
func UnmarshalLenient(input string, out any) error {
	input = strings.TrimSpace(input)

	if err := json.Unmarshal([]byte(input), out); err == nil {
		return nil
	}

	var asString string
	if err := json.Unmarshal([]byte(input), &asString); err == nil {
		asString = strings.TrimSpace(asString)
		if err := json.Unmarshal([]byte(asString), out); err == nil {
			return nil
		}
		input = asString
	}

	input = StripFences(input)
	if err := json.Unmarshal([]byte(input), out); err == nil {
		return nil
	}

	if block := extractJSONBlock(input); block != input {
		if err := json.Unmarshal([]byte(block), out); err == nil {
			return nil
		}
		input = block
	}

	input = stripDuplicateLeadingBrace(input)
	repaired, err := jsonrepair.JSONRepair(input)
	if err != nil {
		return fmt.Errorf("json repair failed: %w (input: %s)", err, input)
	}

	if err := json.Unmarshal([]byte(repaired), out); err == nil {
		return nil
	}

	return fmt.Errorf(
		"unmarshal failed after repair: input=%s repaired=%s",
		input, repaired,
	)
}
