package common

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// ContentHash returns a hex sha256 over the canonical form of a JSON
// payload: whitespace and object key order do not change the hash, so the
// same record serialized by two different devices hashes identically. Both
// the device resolver (duplicate detection for append-only records) and the
// server use it.
func ContentHash(payload json.RawMessage) string {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		// Not valid JSON: hash the raw bytes so the result is still stable.
		sum := sha256.Sum256(payload)
		return hex.EncodeToString(sum[:])
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func canonicalJSON(payload json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	// Keep numbers as their original text so 1.50 and 1.5 stay distinct.
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	// Marshal sorts map keys, which is exactly the normalization needed.
	return json.Marshal(v)
}
