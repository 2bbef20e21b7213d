// Package domain defines the shared core types of the Nexus shell: the
// Value model passed through the engine and across the bridge, the parse
// plan produced by the classifier, the per-invocation command context,
// the mutable shell state, and the error taxonomy.
//
// Every other internal package imports domain; domain imports nothing
// from the rest of the tree.
package domain

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// Kind identifies the variant carried by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindList
	KindMap
	KindHandle
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindHandle:
		return "handle"
	default:
		return "unknown"
	}
}

var nextValueID atomic.Uint64

// Value is the tagged datum exchanged between native code, pipelines and
// the scripting runtime. Exactly one payload field is meaningful, selected
// by Kind. The metadata fields (ID, Type, timestamps, Size) are assigned
// at construction and never reused within a process lifetime.
//
// Values form trees: lists and maps contain child Values, never cycles.
// Opaque native resources are represented by KindHandle; the handle id
// resolves against the bridge's handle table until released.
type Value struct {
	ID         uint64
	Type       string
	Kind       Kind
	CreatedAt  int64 // monotonic ns
	ModifiedAt int64
	Size       int64 // payload bytes, best effort

	Bool   bool
	Int    int64
	Float  float64
	Str    string
	Bytes  []byte
	List   []*Value
	Map    map[string]*Value
	Handle uint64
}

func newValue(kind Kind, size int64) *Value {
	now := monotonicNow()
	return &Value{
		ID:         nextValueID.Add(1),
		Type:       kind.String(),
		Kind:       kind,
		CreatedAt:  now,
		ModifiedAt: now,
		Size:       size,
	}
}

var monoBase = time.Now()

func monotonicNow() int64 {
	return int64(time.Since(monoBase))
}

// Null returns a fresh null Value.
func Null() *Value { return newValue(KindNull, 0) }

// NewBool constructs a bool Value.
func NewBool(b bool) *Value {
	v := newValue(KindBool, 1)
	v.Bool = b
	return v
}

// NewInt constructs an int Value.
func NewInt(i int64) *Value {
	v := newValue(KindInt, 8)
	v.Int = i
	return v
}

// NewFloat constructs a float Value.
func NewFloat(f float64) *Value {
	v := newValue(KindFloat, 8)
	v.Float = f
	return v
}

// NewString constructs a string Value.
func NewString(s string) *Value {
	v := newValue(KindString, int64(len(s)))
	v.Str = s
	return v
}

// NewBytes constructs a bytes Value. The slice is not copied; callers
// hand over ownership.
func NewBytes(b []byte) *Value {
	v := newValue(KindBytes, int64(len(b)))
	v.Bytes = b
	return v
}

// NewList constructs a list Value from its elements.
func NewList(elems ...*Value) *Value {
	var size int64
	for _, e := range elems {
		size += e.Size
	}
	v := newValue(KindList, size)
	v.List = elems
	return v
}

// NewMap constructs a map Value.
func NewMap(m map[string]*Value) *Value {
	if m == nil {
		m = make(map[string]*Value)
	}
	var size int64
	for k, e := range m {
		size += int64(len(k)) + e.Size
	}
	v := newValue(KindMap, size)
	v.Map = m
	return v
}

// NewHandle constructs a handle Value pointing at a bridge-held native
// resource. typ names the resource class ("file", "watcher", ...).
func NewHandle(id uint64, typ string) *Value {
	v := newValue(KindHandle, 8)
	v.Handle = id
	v.Type = typ
	return v
}

// Touch updates ModifiedAt. Constructors set ModifiedAt via newValue
// and do not call Touch; callers mutating List/Map in place call it.
func (v *Value) Touch() { v.ModifiedAt = monotonicNow() }

// IsNull reports whether v is nil or the null variant.
func (v *Value) IsNull() bool { return v == nil || v.Kind == KindNull }

// Truthy reports the value's boolean interpretation: null, false, zero,
// empty string/bytes/list/map are false; everything else is true.
func (v *Value) Truthy() bool {
	if v == nil {
		return false
	}
	switch v.Kind {
	case KindNull:
		return false
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int != 0
	case KindFloat:
		return v.Float != 0
	case KindString:
		return v.Str != ""
	case KindBytes:
		return len(v.Bytes) > 0
	case KindList:
		return len(v.List) > 0
	case KindMap:
		return len(v.Map) > 0
	default:
		return true
	}
}

// Equal compares payloads structurally. Metadata (ID, timestamps) is
// ignored; handles compare by handle id.
func (v *Value) Equal(o *Value) bool {
	if v == nil || o == nil {
		return v.IsNull() && o.IsNull()
	}
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindBool:
		return v.Bool == o.Bool
	case KindInt:
		return v.Int == o.Int
	case KindFloat:
		return v.Float == o.Float
	case KindString:
		return v.Str == o.Str
	case KindBytes:
		return string(v.Bytes) == string(o.Bytes)
	case KindList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(o.List[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.Map) != len(o.Map) {
			return false
		}
		for k, e := range v.Map {
			oe, ok := o.Map[k]
			if !ok || !e.Equal(oe) {
				return false
			}
		}
		return true
	case KindHandle:
		return v.Handle == o.Handle
	}
	return false
}

// Export converts the Value tree into plain Go data (nil, bool, int64,
// float64, string, []byte, []any, map[string]any). Handles export as
// map{"$handle": id, "$type": type} so recordings stay JSON-encodable.
func (v *Value) Export() any {
	if v == nil {
		return nil
	}
	switch v.Kind {
	case KindNull:
		return nil
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindString:
		return v.Str
	case KindBytes:
		return v.Bytes
	case KindList:
		out := make([]any, len(v.List))
		for i, e := range v.List {
			out[i] = e.Export()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.Map))
		for k, e := range v.Map {
			out[k] = e.Export()
		}
		return out
	case KindHandle:
		return map[string]any{"$handle": v.Handle, "$type": v.Type}
	}
	return nil
}

// FromGo builds a Value tree from plain Go data produced by Export or by
// JSON decoding. Unknown types become their string representation.
func FromGo(x any) *Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case bool:
		return NewBool(t)
	case int:
		return NewInt(int64(t))
	case int64:
		return NewInt(t)
	case float64:
		return NewFloat(t)
	case string:
		return NewString(t)
	case []byte:
		return NewBytes(t)
	case []any:
		elems := make([]*Value, len(t))
		for i, e := range t {
			elems[i] = FromGo(e)
		}
		return NewList(elems...)
	case map[string]any:
		m := make(map[string]*Value, len(t))
		for k, e := range t {
			m[k] = FromGo(e)
		}
		return NewMap(m)
	default:
		return NewString(fmt.Sprint(t))
	}
}

// Render produces the single-line human representation the REPL prints.
func (v *Value) Render() string {
	if v == nil {
		return "null"
	}
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindFloat:
		return fmt.Sprintf("%g", v.Float)
	case KindString:
		return v.Str
	case KindBytes:
		return fmt.Sprintf("<%d bytes>", len(v.Bytes))
	case KindList:
		parts := make([]string, len(v.List))
		for i, e := range v.List {
			parts[i] = e.Render()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindMap:
		keys := make([]string, 0, len(v.Map))
		for k := range v.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + v.Map[k].Render()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case KindHandle:
		return fmt.Sprintf("<%s #%d>", v.Type, v.Handle)
	}
	return ""
}
