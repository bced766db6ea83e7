package shared

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// MarshalJSON encodes v with the standard library, optionally indented with two spaces.
func MarshalJSON(v any, pretty bool) ([]byte, error) {
	if pretty {
		return json.MarshalIndent(v, "", "  ")
	}
	return json.Marshal(v)
}

// UnmarshalJSON decodes data into v using sonic.
//
// The std-compatible config is used so custom [json.Unmarshaler] implementations
// (timestamps, statuses) behave exactly as they would with encoding/json.
func UnmarshalJSON(data []byte, v any) error {
	return sonic.ConfigStd.Unmarshal(data, v)
}
