// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"encoding/hex"
	"fmt"
)

// Field returns fields[i], or nil when the list is shorter.
func Field(fields []any, i int) any {
	if i < len(fields) {
		return fields[i]
	}
	return nil
}

// AsUint32 converts any unsigned integer encoding to uint32.
func AsUint32(v any) (uint32, bool) {
	switch n := v.(type) {
	case uint32:
		return n, true
	case uint8:
		return uint32(n), true
	case uint16:
		return uint32(n), true
	case uint64:
		return uint32(n), true
	default:
		return 0, false
	}
}

// AsUint64 converts any unsigned integer encoding to uint64.
func AsUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case uint32:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	default:
		return 0, false
	}
}

// AsBool reports v as a boolean; anything that is not a bool is false.
func AsBool(v any) bool {
	b, _ := v.(bool)
	return b
}

// AsString accepts strings and symbols.
func AsString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case Symbol:
		return string(s)
	default:
		return ""
	}
}

// AsSymbols reads an AMQP "multiple" symbol field.
func AsSymbols(v any) []Symbol {
	switch s := v.(type) {
	case Symbol:
		return []Symbol{s}
	case []any:
		out := make([]Symbol, 0, len(s))
		for _, item := range s {
			if sym, ok := item.(Symbol); ok {
				out = append(out, sym)
			}
		}
		return out
	default:
		return nil
	}
}

// AsSymbolMap reads a map with symbol keys, skipping other keys.
func AsSymbolMap(v any) map[Symbol]any {
	m, ok := v.(map[any]any)
	if !ok || len(m) == 0 {
		return nil
	}
	out := make(map[Symbol]any, len(m))
	for k, val := range m {
		if sym, ok := k.(Symbol); ok {
			out[sym] = val
		}
	}
	return out
}

// AsStringMap reads a map with string keys, skipping other keys.
func AsStringMap(v any) map[string]any {
	m, ok := v.(map[any]any)
	if !ok || len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		if s, ok := k.(string); ok {
			out[s] = val
		}
	}
	return out
}

// FormatID renders a message-id or correlation-id for logs.
func FormatID(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case []byte:
		return hex.EncodeToString(id)
	case UUID:
		b := id[:]
		return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
	default:
		return fmt.Sprint(id)
	}
}
