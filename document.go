package pipebuilder

import (
	"maps"
	"reflect"
	"slices"
	"sort"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// isNil reports whether v is nil or a typed nil map, slice, pointer or interface.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Pointer, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// toDocument converts a document-shaped argument into an ordered bson.D.
// Unordered maps come out with their keys sorted so stages are deterministic.
// The second result is false when v is not document-shaped.
func toDocument(v any) (bson.D, bool) {
	switch doc := v.(type) {
	case bson.D:
		return doc, true
	case bson.E:
		if doc.Key == "" {
			return bson.D{}, true
		}
		return bson.D{doc}, true
	case bson.M:
		return fromMap(doc), true
	case map[string]any:
		return fromMap(doc), true
	}
	return nil, false
}

func fromMap(m map[string]any) bson.D {
	doc := make(bson.D, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		doc = append(doc, bson.E{Key: k, Value: m[k]})
	}
	return doc
}

// toStageList converts a list-of-stages argument into []bson.D. Each element
// must be document-shaped; its contents are not inspected.
func toStageList(v any) ([]bson.D, bool) {
	var items []any
	switch list := v.(type) {
	case mongo.Pipeline:
		return list, true
	case []bson.D:
		return list, true
	case *Builder:
		if list == nil || list.err != nil {
			return nil, false
		}
		return copyStages(list.stages), true
	case bson.A:
		items = list
	case []any:
		items = list
	case []bson.M:
		out := make([]bson.D, len(list))
		for i, m := range list {
			out[i] = fromMap(m)
		}
		return out, true
	case []map[string]any:
		out := make([]bson.D, len(list))
		for i, m := range list {
			out[i] = fromMap(m)
		}
		return out, true
	default:
		return nil, false
	}

	out := make([]bson.D, len(items))
	for i, item := range items {
		if isNil(item) {
			return nil, false
		}
		doc, ok := toDocument(item)
		if !ok {
			return nil, false
		}
		out[i] = doc
	}
	return out, true
}

// deepCopy duplicates every container type a stage payload can hold. Scalars
// and driver value types without shared backing storage are returned as is.
func deepCopy(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case bson.D:
		return copyDocument(t)
	case bson.E:
		return bson.E{Key: t.Key, Value: deepCopy(t.Value)}
	case bson.M:
		if t == nil {
			return t
		}
		out := make(bson.M, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case map[string]any:
		if t == nil {
			return t
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case bson.A:
		if t == nil {
			return t
		}
		out := make(bson.A, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	case mongo.Pipeline:
		return mongo.Pipeline(copyStages(t))
	case []bson.D:
		return copyStages(t)
	case []string:
		return slices.Clone(t)
	case []byte:
		return slices.Clone(t)
	case bson.Binary:
		return bson.Binary{Subtype: t.Subtype, Data: slices.Clone(t.Data)}
	}
	return copyValue(reflect.ValueOf(v)).Interface()
}

// copyValue rebuilds typed slices, arrays, maps and pointers that the type
// switch in deepCopy does not name, such as []int or map[string]int.
func copyValue(rv reflect.Value) reflect.Value {
	switch rv.Kind() {
	case reflect.Slice:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(copyElem(rv.Index(i)))
		}
		return out
	case reflect.Array:
		out := reflect.New(rv.Type()).Elem()
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(copyElem(rv.Index(i)))
		}
		return out
	case reflect.Map:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), copyElem(iter.Value()))
		}
		return out
	case reflect.Pointer:
		if rv.IsNil() {
			return rv
		}
		out := reflect.New(rv.Elem().Type())
		out.Elem().Set(copyElem(rv.Elem()))
		return out
	}
	return rv
}

// copyElem deep copies one element while keeping its static type.
func copyElem(rv reflect.Value) reflect.Value {
	if !rv.CanInterface() {
		return rv
	}
	c := deepCopy(rv.Interface())
	if c == nil {
		return reflect.Zero(rv.Type())
	}
	cv := reflect.ValueOf(c)
	if !cv.Type().AssignableTo(rv.Type()) {
		return rv
	}
	return cv
}

func copyDocument(doc bson.D) bson.D {
	if doc == nil {
		return nil
	}
	out := make(bson.D, len(doc))
	for i, e := range doc {
		out[i] = bson.E{Key: e.Key, Value: deepCopy(e.Value)}
	}
	return out
}

func copyStages(stages []bson.D) []bson.D {
	if stages == nil {
		return nil
	}
	out := make([]bson.D, len(stages))
	for i, s := range stages {
		out[i] = copyDocument(s)
	}
	return out
}

// canonical returns a copy of v with every document's keys sorted, so two
// payloads that differ only in key order render identically.
func canonical(v any) any {
	switch t := v.(type) {
	case bson.D:
		out := make(bson.D, len(t))
		for i, e := range t {
			out[i] = bson.E{Key: e.Key, Value: canonical(e.Value)}
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].Key < out[j].Key })
		return out
	case bson.E:
		return bson.D{{Key: t.Key, Value: canonical(t.Value)}}
	case bson.M:
		return canonical(fromMap(t))
	case map[string]any:
		return canonical(fromMap(t))
	case bson.A:
		out := make(bson.A, len(t))
		for i, val := range t {
			out[i] = canonical(val)
		}
		return out
	case []any:
		out := make(bson.A, len(t))
		for i, val := range t {
			out[i] = canonical(val)
		}
		return out
	case mongo.Pipeline:
		return canonicalStages(t)
	case []bson.D:
		return canonicalStages(t)
	}
	return v
}

func canonicalStages(stages []bson.D) bson.A {
	out := make(bson.A, len(stages))
	for i, s := range stages {
		out[i] = canonical(s)
	}
	return out
}

// stageToken returns the key of a one-element stage document.
func stageToken(stage bson.D) string {
	if len(stage) == 0 {
		return ""
	}
	return stage[0].Key
}

// lookupKey returns the value bound to key in doc.
func lookupKey(doc bson.D, key string) (any, bool) {
	for _, e := range doc {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}
