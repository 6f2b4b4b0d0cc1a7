package intent

import "strings"

// Resolve walks a dotted path ("action.args.text") into a tree of
// string-keyed nodes produced by Tree. Absent paths resolve to nil, never
// an error, per the resolver contract: a missing field is "not present",
// not malformed input.
func Resolve(tree map[string]interface{}, path string) interface{} {
	var cur interface{} = tree
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		v, ok := m[part]
		if !ok {
			return nil
		}
		cur = v
	}
	return cur
}
