package protocol

import (
	"math"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Decoder converts one JSON element into a typed item. ok=false skips it.
type Decoder[T any] func(gjson.Result) (T, bool)

// List decodes an array. A non-array value yields an empty, non-nil slice.
// When r is an object carrying "items" or "data", that field is used.
func List[T any](r gjson.Result, decode Decoder[T]) []T {
	if r.IsObject() {
		switch {
		case r.Get("items").IsArray():
			r = r.Get("items")
		case r.Get("data").IsArray():
			r = r.Get("data")
		}
	}
	out := make([]T, 0)
	if !r.IsArray() {
		return out
	}
	r.ForEach(func(_, v gjson.Result) bool {
		if item, ok := decode(v); ok {
			out = append(out, item)
		}
		return true
	})
	return out
}

// Upsert returns a copy of list with item replacing the element sharing its
// key, or appended when absent.
func Upsert[T any](list []T, item T, key func(T) string) []T {
	k := key(item)
	out := make([]T, 0, len(list)+1)
	replaced := false
	for _, v := range list {
		if !replaced && key(v) == k {
			out = append(out, item)
			replaced = true
			continue
		}
		out = append(out, v)
	}
	if !replaced {
		out = append(out, item)
	}
	return out
}

// Prepend returns a copy of list with item first, dropping any element that
// shares its key.
func Prepend[T any](list []T, item T, key func(T) string) []T {
	k := key(item)
	out := make([]T, 0, len(list)+1)
	out = append(out, item)
	for _, v := range list {
		if key(v) != k {
			out = append(out, v)
		}
	}
	return out
}

// RemoveWhere returns a copy of list without the elements matching pred.
func RemoveWhere[T any](list []T, pred func(T) bool) []T {
	out := make([]T, 0, len(list))
	for _, v := range list {
		if !pred(v) {
			out = append(out, v)
		}
	}
	return out
}

// Update returns a copy of list where elements matching pred are replaced by
// fn(element).
func Update[T any](list []T, pred func(T) bool, fn func(T) T) []T {
	out := make([]T, len(list))
	for i, v := range list {
		if pred(v) {
			v = fn(v)
		}
		out[i] = v
	}
	return out
}

// ID extracts an identifier from an event payload. It accepts a bare string,
// {"id": ...}, {"_id": ...} or the named fallback field.
func ID(r gjson.Result, fields ...string) string {
	if r.Type == gjson.String {
		return r.String()
	}
	for _, f := range append([]string{"id", "_id"}, fields...) {
		if v := r.Get(f); v.Exists() && v.Type != gjson.Null {
			return v.String()
		}
	}
	return ""
}

// Entity returns the nested object under one of keys, or r itself.
// Servers wrap single entities inconsistently ({"goal": {...}} vs {...}).
func Entity(r gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if v := r.Get(k); v.IsObject() {
			return v
		}
	}
	return r
}

// Array returns the first of keys holding an array, or r itself.
func Array(r gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if v := r.Get(k); v.IsArray() {
			return v
		}
	}
	return r
}

// Time parses an RFC 3339 timestamp or unix seconds/milliseconds.
// Anything else yields the zero time.
func Time(r gjson.Result) time.Time {
	switch r.Type {
	case gjson.String:
		s := strings.TrimSpace(r.String())
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC()
			}
		}
	case gjson.Number:
		n := r.Int()
		if n > 1e12 {
			return time.UnixMilli(n).UTC()
		}
		if n > 0 {
			return time.Unix(n, 0).UTC()
		}
	}
	return time.Time{}
}

// Float reads a number that may arrive as a JSON string.
func Float(r gjson.Result) float64 {
	if r.Type != gjson.String && r.Type != gjson.Number {
		return 0
	}
	f := r.Float()
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
