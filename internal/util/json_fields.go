package util

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DeleteTopLevelFields removes the named top-level fields from a JSON body.
// The backend's token counter rejects wrapper fields the generation
// endpoint requires, so those are stripped before proxying.
func DeleteTopLevelFields(body []byte, fields ...string) []byte {
	for _, f := range fields {
		if gjson.GetBytes(body, f).Exists() {
			body, _ = sjson.DeleteBytes(body, f)
		}
	}
	return body
}

// SetField sets a dot-notation path on a JSON body.
func SetField(body []byte, path string, value any) []byte {
	out, err := sjson.SetBytes(body, path, value)
	if err != nil {
		return body
	}
	return out
}
