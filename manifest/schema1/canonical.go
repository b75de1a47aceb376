package schema1

import (
	"bytes"
	"encoding/json"
)

// canonicalJSON serializes v with the formatting the legacy manifest digest
// depends on: keys sorted, three space indentation, ": " and "," as
// separators, and no HTML escaping. The round trip through a generic value
// is what sorts the keys; encoding/json marshals maps in key order.
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "   ")
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}

	// Encode appends a newline that is not part of the canonical form.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
