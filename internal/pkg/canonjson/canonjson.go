package canonjson

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Marshal produces a canonical JSON encoding: object keys sorted, no
// insignificant whitespace, numbers normalized so 2 and 2.0 encode the same.
// Two values are considered equal iff their canonical encodings are
// byte-identical.
func Marshal(v any) ([]byte, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeValue(&buf, norm); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Equal reports whether a and b have identical canonical encodings.
func Equal(a, b any) bool {
	ca, errA := Marshal(a)
	cb, errB := Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

// EqualRaw compares two raw JSON documents canonically.
func EqualRaw(a, b []byte) bool {
	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return false
	}
	return Equal(va, vb)
}

// Hash returns the hex sha256 of the canonical encoding. Used as a content
// fingerprint for staleness detection.
func Hash(v any) (string, error) {
	raw, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// normalize round-trips v through encoding/json semantics so structs, typed
// maps and numbers all reduce to the generic interface representation.
func normalize(v any) (any, error) {
	switch v.(type) {
	case nil, bool, string, float64, json.Number,
		map[string]any, []any:
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	return v, nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		raw, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(raw)
	case float64:
		buf.WriteString(formatNumber(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return err
		}
		buf.WriteString(formatNumber(f))
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			raw, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(raw)
			buf.WriteByte(':')
			inner, err := normalize(t[k])
			if err != nil {
				return err
			}
			if err := writeValue(buf, inner); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			inner, err := normalize(e)
			if err != nil {
				return err
			}
			if err := writeValue(buf, inner); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return fmt.Errorf("canonjson: unsupported type %T", v)
	}
	return nil
}

func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
