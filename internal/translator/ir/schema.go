package ir

import (
	"fmt"
	"strings"
)

// Keywords the backend rejects outright.
var schemaUnsupportedKeys = map[string]bool{
	"$schema":               true,
	"additionalProperties":  true,
	"default":               true,
	"uniqueItems":           true,
	"propertyNames":         true,
	"patternProperties":     true,
	"unevaluatedProperties": true,
}

// Validation keywords the backend has no native support for. They are folded
// into the description text instead of being dropped. Slice order keeps the
// generated annotation deterministic.
var schemaLiftedKeys = []string{
	"minLength", "maxLength",
	"minimum", "maximum",
	"exclusiveMinimum", "exclusiveMaximum",
	"minItems", "maxItems",
}

// CleanSchemaForGemini normalizes a JSON-Schema-like parameter tree into the
// dialect the backend accepts. uppercaseTypes selects the backend-required
// type casing for the parts-oriented dialect; the message-block dialect keeps
// lowercase. Malformed input is returned unchanged, never an error.
func CleanSchemaForGemini(schema map[string]any, uppercaseTypes bool) map[string]any {
	if schema == nil {
		return nil
	}
	return cleanSchemaNode(schema, uppercaseTypes)
}

func cleanSchemaNode(node map[string]any, upper bool) map[string]any {
	out := make(map[string]any, len(node))
	for k, v := range node {
		if schemaUnsupportedKeys[k] {
			continue
		}
		out[k] = v
	}

	liftValidationKeys(out)
	convertConstToEnum(out)
	normalizeNullableType(out)

	for _, key := range []string{"anyOf", "oneOf", "allOf"} {
		branches, ok := out[key].([]any)
		if !ok {
			continue
		}
		cleaned := make([]any, 0, len(branches))
		for _, b := range branches {
			if m, ok := b.(map[string]any); ok {
				cleaned = append(cleaned, cleanSchemaNode(m, upper))
			} else {
				cleaned = append(cleaned, b)
			}
		}
		if key != "allOf" {
			if enum, typ, ok := flattenEnumBranches(cleaned); ok {
				delete(out, key)
				out["enum"] = mergeEnums(out["enum"], enum)
				if _, has := out["type"]; !has {
					out["type"] = typ
				}
				continue
			}
		}
		out[key] = cleaned
	}

	// Property names are data, never keywords; only their schema values are
	// cleaned.
	if props, ok := out["properties"].(map[string]any); ok {
		cleanedProps := make(map[string]any, len(props))
		for name, sub := range props {
			if m, ok := sub.(map[string]any); ok {
				cleanedProps[name] = cleanSchemaNode(m, upper)
			} else {
				cleanedProps[name] = sub
			}
		}
		out["properties"] = cleanedProps
	}

	for _, key := range []string{"items", "contains"} {
		switch sub := out[key].(type) {
		case map[string]any:
			out[key] = cleanSchemaNode(sub, upper)
		case []any:
			arr := make([]any, len(sub))
			for i, item := range sub {
				if m, ok := item.(map[string]any); ok {
					arr[i] = cleanSchemaNode(m, upper)
				} else {
					arr[i] = item
				}
			}
			out[key] = arr
		}
	}
	if prefix, ok := out["prefixItems"].([]any); ok {
		arr := make([]any, len(prefix))
		for i, item := range prefix {
			if m, ok := item.(map[string]any); ok {
				arr[i] = cleanSchemaNode(m, upper)
			} else {
				arr[i] = item
			}
		}
		out["prefixItems"] = arr
	}

	applyTypeCasing(out, upper)
	return out
}

// liftValidationKeys folds unsupported validation keywords into description
// as "(key: value, ...)". Idempotent because the keywords are removed.
func liftValidationKeys(node map[string]any) {
	var parts []string
	for _, key := range schemaLiftedKeys {
		v, ok := node[key]
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %v", key, v))
		delete(node, key)
	}
	if len(parts) == 0 {
		return
	}
	annotation := "(" + strings.Join(parts, ", ") + ")"
	if desc, _ := node["description"].(string); desc != "" {
		node["description"] = desc + " " + annotation
	} else {
		node["description"] = annotation
	}
}

func convertConstToEnum(node map[string]any) {
	constVal, ok := node["const"]
	if !ok {
		return
	}
	delete(node, "const")
	node["enum"] = mergeEnums(node["enum"], []any{constVal})
	if _, has := node["type"]; !has {
		if t := inferJSONType(constVal); t != "" {
			node["type"] = t
		}
	}
}

// normalizeNullableType rewrites type: [T, "null"] into type: T plus
// nullable: true so nullability survives the dialect change.
func normalizeNullableType(node map[string]any) {
	arr, ok := node["type"].([]any)
	if !ok {
		return
	}
	var kept []any
	nullable := false
	for _, t := range arr {
		if s, ok := t.(string); ok && strings.EqualFold(s, "null") {
			nullable = true
			continue
		}
		kept = append(kept, t)
	}
	if !nullable {
		return
	}
	node["nullable"] = true
	switch len(kept) {
	case 0:
		delete(node, "type")
	case 1:
		node["type"] = kept[0]
	default:
		node["type"] = kept
	}
}

// flattenEnumBranches reports whether every branch is a pure enum over one
// shared type, returning the merged enum when so.
func flattenEnumBranches(branches []any) ([]any, string, bool) {
	if len(branches) == 0 {
		return nil, "", false
	}
	var merged []any
	sharedType := ""
	for _, b := range branches {
		m, ok := b.(map[string]any)
		if !ok {
			return nil, "", false
		}
		enum, ok := m["enum"].([]any)
		if !ok || len(enum) == 0 {
			return nil, "", false
		}
		typ, _ := m["type"].(string)
		for k := range m {
			if k != "enum" && k != "type" {
				return nil, "", false
			}
		}
		if typ != "" {
			if sharedType == "" {
				sharedType = typ
			} else if !strings.EqualFold(sharedType, typ) {
				return nil, "", false
			}
		}
		merged = append(merged, enum...)
	}
	return merged, sharedType, true
}

func mergeEnums(existing any, extra []any) []any {
	var merged []any
	if arr, ok := existing.([]any); ok {
		merged = append(merged, arr...)
	}
	merged = append(merged, extra...)

	seen := make(map[string]bool, len(merged))
	unique := merged[:0]
	for _, v := range merged {
		key := fmt.Sprintf("%T:%v", v, v)
		if seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, v)
	}
	return unique
}

func inferJSONType(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32:
		return "number"
	case int, int32, int64:
		return "integer"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return ""
}

func applyTypeCasing(node map[string]any, upper bool) {
	recase := func(s string) string {
		if upper {
			return strings.ToUpper(s)
		}
		return strings.ToLower(s)
	}
	switch t := node["type"].(type) {
	case string:
		node["type"] = recase(t)
	case []any:
		// The slice header may still point into the caller's tree.
		recased := make([]any, len(t))
		for i, v := range t {
			if s, ok := v.(string); ok {
				recased[i] = recase(s)
			} else {
				recased[i] = v
			}
		}
		node["type"] = recased
	}
}
