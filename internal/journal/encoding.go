package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	json "github.com/goccy/go-json"
)

// Marshal serializes a collection as a JSON array. A nil collection encodes
// as "[]" so an empty snapshot never round-trips to null.
func Marshal(c Collection) ([]byte, error) {
	if c == nil {
		c = Collection{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal collection: %w", err)
	}
	return data, nil
}

// Unmarshal parses a JSON array of entries and applies defaults.
// Empty input and "null" decode to an empty collection.
func Unmarshal(data []byte) (Collection, error) {
	if len(data) == 0 {
		return Collection{}, nil
	}
	var c Collection
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse collection: %w", err)
	}
	if c == nil {
		c = Collection{}
	}
	for i := range c {
		c[i].SetDefaults()
	}
	return c, nil
}

// Fingerprint returns a content hash of the collection that ignores order.
func Fingerprint(c Collection) (string, error) {
	sorted := c.Clone()
	if sorted == nil {
		sorted = Collection{}
	}
	sorted.SortNewestFirst()
	data, err := Marshal(sorted)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
