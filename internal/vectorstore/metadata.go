package vectorstore

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// metaKey carries the full JSON metadata next to the flattened string
// fields, so nested values (capability constraints, policy conditions)
// survive backends that store string maps only.
const metaKey = "_meta"

// flattenMetadata renders metadata as strings. Scalars are formatted
// directly; the complete map is also kept as JSON under metaKey.
func flattenMetadata(metadata map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		switch val := v.(type) {
		case string:
			out[k] = val
		case bool:
			out[k] = strconv.FormatBool(val)
		case int:
			out[k] = strconv.Itoa(val)
		case int64:
			out[k] = strconv.FormatInt(val, 10)
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		}
	}
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("encoding metadata: %w", err)
		}
		out[metaKey] = string(raw)
	}
	return out, nil
}

// restoreMetadata reverses flattenMetadata. Maps written without metaKey
// come back as plain strings.
func restoreMetadata(flat map[string]string) map[string]any {
	if raw, ok := flat[metaKey]; ok {
		var out map[string]any
		if err := json.Unmarshal([]byte(raw), &out); err == nil {
			return out
		}
	}
	if len(flat) == 0 {
		return nil
	}
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = v
	}
	return out
}

// filterByFloor keeps chunks scoring at least floor, preserving order, and
// caps the result at topK.
func filterByFloor(chunks []Chunk, topK int, floor float32) []Chunk {
	out := chunks[:0]
	for _, c := range chunks {
		if c.Score >= floor {
			out = append(out, c)
		}
	}
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}
