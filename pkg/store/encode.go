package store

import (
	"bytes"
	"encoding/json"
)

// marshalStable encodes v as indented JSON with a trailing newline.
// encoding/json sorts map keys, which keeps the output byte-stable.
func marshalStable(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", " ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
