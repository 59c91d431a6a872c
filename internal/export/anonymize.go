package export

import (
	"crypto/sha256"
	"encoding/hex"
)

// anonymizedFields are the identifier keys hashed when anonymization is
// requested. Matching is exact on the JSON key.
var anonymizedFields = map[string]bool{
	"email":        true,
	"user_id":      true,
	"anonymous_id": true,
}

const anonymizedHashLen = 16

// hashIdentifier replaces an identifier with a short stable hash. Equal
// inputs map to equal outputs so journey grouping survives anonymization.
func hashIdentifier(v string) string {
	if v == "" {
		return ""
	}

	sum := sha256.Sum256([]byte(v))

	return "anon_" + hex.EncodeToString(sum[:])[:anonymizedHashLen]
}

// anonymizeTree walks a decoded JSON document and hashes every string value
// under an identifier key, recursively through objects and arrays.
func anonymizeTree(v any) any {
	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			if anonymizedFields[k] {
				if s, ok := child.(string); ok {
					node[k] = hashIdentifier(s)
					continue
				}
			}

			node[k] = anonymizeTree(child)
		}

		return node
	case []any:
		for i, child := range node {
			node[i] = anonymizeTree(child)
		}

		return node
	default:
		return v
	}
}
