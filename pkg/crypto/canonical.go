package crypto

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Canonicalize serializes v as JSON with object keys sorted and no HTML
// escaping. Signatures and block hashes are computed over this form, so the
// output must stay byte-stable across releases.
func Canonicalize(v any) ([]byte, error) {
	raw, err := marshalNoEscape(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("failed to normalize payload: %w", err)
	}

	// encoding/json writes map keys in sorted order.
	return marshalNoEscape(generic)
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
