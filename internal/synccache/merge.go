// Package synccache implements the session's in-memory, mergeable cache of
// "current world state" (§4.5 Sync cache and merge semantics): actors,
// assets, asset-creation requests, and users, kept up to date by deep-
// merging app updates so that a newly joined client can be synchronized
// from the cache alone, without app round-trips.
package synccache

// DeepMerge recursively merges update into target and returns the result:
// object keys from update overlay target's; nested objects recurse; arrays
// in update replace target's array wholesale; primitive values in update
// overwrite target's. target is not mutated — callers get back a new map
// sharing untouched substructure with target.
//
// Go has no `undefined` distinct from "a map key holding nil" (§9 Design
// Notes): this implementation treats an explicit nil value in update the
// same as any other present key — it clobbers target's value for that key.
// Callers that want "don't touch this field" must omit the key entirely.
func DeepMerge(target, update map[string]interface{}) map[string]interface{} {
	if target == nil {
		target = map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(target)+len(update))
	for k, v := range target {
		out[k] = v
	}
	for k, uv := range update {
		tv, exists := out[k]
		if exists {
			tm, tIsMap := asMap(tv)
			um, uIsMap := asMap(uv)
			if tIsMap && uIsMap {
				out[k] = DeepMerge(tm, um)
				continue
			}
		}
		out[k] = uv
	}
	return out
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

// getPath walks a dotted sequence of map keys, returning the value found
// and whether every key on the path existed.
func getPath(m map[string]interface{}, path ...string) (interface{}, bool) {
	cur := interface{}(m)
	for _, p := range path {
		cm, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := cm[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// deletePath removes the final key on a dotted path from its parent map,
// if every key up to the parent exists. No-op otherwise.
func deletePath(m map[string]interface{}, path ...string) {
	if len(path) == 0 {
		return
	}
	parent := m
	for _, p := range path[:len(path)-1] {
		next, ok := parent[p].(map[string]interface{})
		if !ok {
			return
		}
		parent = next
	}
	delete(parent, path[len(path)-1])
}

// hasPath reports whether every key on the dotted path exists.
func hasPath(m map[string]interface{}, path ...string) bool {
	_, ok := getPath(m, path...)
	return ok
}
