// Package jsonutil provides deterministic JSON encoding and record file helpers.
package jsonutil

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// CanonicalMarshal encodes v with sorted object keys, no insignificant
// whitespace and numbers preserved verbatim. Record checksums are computed
// over this form.
func CanonicalMarshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}
	var out bytes.Buffer
	if err := encodeValue(&out, tree); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// CanonicalHash is the hex sha256 of CanonicalMarshal(v).
func CanonicalHash(v any) (string, error) {
	data, err := CanonicalMarshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func encodeValue(out *bytes.Buffer, v any) error {
	switch node := v.(type) {
	case map[string]any:
		return encodeObject(out, node)
	case []any:
		return encodeArray(out, node)
	case json.Number:
		out.WriteString(node.String())
		return nil
	default:
		return encodeScalar(out, node)
	}
}

func encodeObject(out *bytes.Buffer, obj map[string]any) error {
	out.WriteByte('{')
	for i, key := range slices.Sorted(maps.Keys(obj)) {
		if i > 0 {
			out.WriteByte(',')
		}
		if err := encodeScalar(out, key); err != nil {
			return err
		}
		out.WriteByte(':')
		if err := encodeValue(out, obj[key]); err != nil {
			return err
		}
	}
	out.WriteByte('}')
	return nil
}

func encodeArray(out *bytes.Buffer, items []any) error {
	out.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			out.WriteByte(',')
		}
		if err := encodeValue(out, item); err != nil {
			return err
		}
	}
	out.WriteByte(']')
	return nil
}

func encodeScalar(out *bytes.Buffer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	out.Write(raw)
	return nil
}
