package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// GenesisSeed is the chain seed for an empty ledger. Every participant
// must start from the same seed or root hashes can never match.
const GenesisSeed = "genesis"

// Canonical serializes v into deterministic JSON: object keys are sorted
// lexicographically at every nesting level and no insignificant whitespace
// is emitted. Two peers serializing the same logical value must obtain
// byte-identical output.
func Canonical(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}

	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode intermediate form: %w", err)
	}

	buf := make([]byte, 0, len(raw))
	return appendCanonical(buf, decoded)
}

func appendCanonical(buf []byte, v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		return strconv.AppendBool(buf, val), nil
	case string:
		enc, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return append(buf, enc...), nil
	case float64:
		enc, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return append(buf, enc...), nil
	case []interface{}:
		buf = append(buf, '[')
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = appendCanonical(buf, item)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, ']'), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			enc, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, enc...)
			buf = append(buf, ':')
			buf, err = appendCanonical(buf, val[k])
			if err != nil {
				return nil, err
			}
		}
		return append(buf, '}'), nil
	default:
		return nil, fmt.Errorf("unsupported value in canonical form: %T", v)
	}
}

// Calculate hashes the canonical form of v and returns the SHA-256
// digest as lowercase hex.
func Calculate(v interface{}) (string, error) {
	canonical, err := Canonical(v)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// CalculateString hashes a raw string.
func CalculateString(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// Chain is a running hash-chain digest. Each added item extends the
// chain with H(previous + H(item)); the order of additions is part of
// the digest. This is a plain chain, not a Merkle tree.
type Chain struct {
	previous string
}

func NewChain(seed string) *Chain {
	return &Chain{
		previous: seed,
	}
}

func (c *Chain) Add(v interface{}) (string, error) {
	itemHash, err := Calculate(v)
	if err != nil {
		return "", err
	}

	c.previous = CalculateString(c.previous + itemHash)
	return c.previous, nil
}

func (c *Chain) Root() string {
	return c.previous
}
