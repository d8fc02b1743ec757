package bots

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces canonical JSON for a bot value, a state, or any
// normalized tag value. Object keys are sorted by UTF-16 code units,
// strings are NFC normalized and HTML characters are not escaped.
//
// Unlike encoding/json the output is stable across map iteration order, so
// it is used for hashing and golden traces.
func MarshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := marshalCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func marshalCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case *Bot:
		if val == nil {
			buf.WriteString("null")
			return nil
		}
		obj := map[string]any{"id": val.ID, "tags": map[string]any(val.Tags)}
		if val.Space != "" {
			obj["space"] = val.Space
		}
		if len(val.Masks) > 0 {
			masks := make(map[string]any, len(val.Masks))
			for space, tags := range val.Masks {
				masks[space] = map[string]any(tags)
			}
			obj["masks"] = masks
		}
		return marshalCanonicalObject(buf, obj)
	case BotsState:
		obj := make(map[string]any, len(val))
		for id, b := range val {
			obj[id] = b
		}
		return marshalCanonicalObject(buf, obj)
	case *TagEdit:
		ops := make([]any, len(val.Operations))
		for i, op := range val.Operations {
			o := map[string]any{"type": op.Type}
			if op.Type == OpInsert {
				o["text"] = op.Text
			} else {
				o["count"] = int64(op.Count)
			}
			ops[i] = o
		}
		version := make(map[string]any, len(val.Version))
		for site, clock := range val.Version {
			version[site] = int64(clock)
		}
		return marshalCanonicalObject(buf, map[string]any{
			"operations": ops,
			"version":    version,
			"isRemote":   val.IsRemote,
		})
	}

	switch val := Normalize(v).(type) {
	case nil:
		buf.WriteString("null")
	case string:
		return marshalCanonicalString(buf, val)
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return fmt.Errorf("non-finite number %v in canonical JSON", val)
		}
		if val == math.Trunc(val) && math.Abs(val) < 1e15 {
			buf.WriteString(strconv.FormatInt(int64(val), 10))
		} else {
			buf.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
		}
	case []any:
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := marshalCanonical(buf, e); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		return marshalCanonicalObject(buf, val)
	default:
		return fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
	return nil
}

func marshalCanonicalObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := marshalCanonicalString(buf, k); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
		buf.WriteByte(':')
		if err := marshalCanonical(buf, obj[k]); err != nil {
			return fmt.Errorf("value for key %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

func marshalCanonicalString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'}))
	return nil
}

// compareUTF16 orders strings by UTF-16 code units rather than UTF-8 bytes.
func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	return len(a16) - len(b16)
}
