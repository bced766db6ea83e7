package models

import (
	"encoding/json"
	"strings"
)

// Envelope is the uniform wrapper the backend puts around responses.
//
// Older endpoints return the payload bare. FastAPI errors carry "detail" instead of "error".
type Envelope struct {
	Success *bool           `json:"success,omitempty"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
	Detail  any             `json:"detail,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// HasData reports whether the envelope wraps a non-null payload.
func (e Envelope) HasData() bool {
	d := strings.TrimSpace(string(e.Data))
	return d != "" && d != "null"
}

// Failed reports whether the backend flagged the response as unsuccessful.
func (e Envelope) Failed() bool {
	return e.Success != nil && !*e.Success || e.Error != ""
}

// ErrorMessage returns the human-readable failure text, preferring error, then message, then detail.
func (e Envelope) ErrorMessage() string {
	switch {
	case e.Error != "":
		return e.Error
	case e.Message != "":
		return e.Message
	}

	switch d := e.Detail.(type) {
	case string:
		return d
	case nil:
		return ""
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
