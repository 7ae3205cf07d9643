// Package canonhash content-addresses JSON documents.
package canonhash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Prefix marks every hash this package produces.
const Prefix = "sha256:"

// SumObject hashes the json.Marshal encoding of v. Struct field order makes
// the encoding canonical for the types hashed here.
func SumObject(v any) (string, []byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return Prefix + hex.EncodeToString(sum[:]), b, nil
}

// Valid reports whether h looks like a hash from SumObject.
func Valid(h string) bool {
	if !strings.HasPrefix(h, Prefix) {
		return false
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(h, Prefix))
	return err == nil && len(raw) == sha256.Size
}
