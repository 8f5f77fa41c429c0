package delta

import (
	"reflect"
	"sort"

	"github.com/zot/basekit/internal/path"
)

// Diff returns the changes that turn old into new. Maps are compared key by
// key so only the differing leaves are written; any other value is replaced
// whole when it differs.
func Diff(old, new map[string]any) []Change {
	var changes []Change
	diffInto(nil, old, new, &changes)
	return changes
}

func diffInto(at path.Path, old, new map[string]any, changes *[]Change) {
	keys := make([]string, 0, len(old)+len(new))
	for key := range old {
		keys = append(keys, key)
	}
	for key := range new {
		if _, ok := old[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		p := at.Child(key)
		oldValue, hadOld := old[key]
		newValue, hasNew := new[key]
		switch {
		case !hasNew:
			*changes = append(*changes, Remove(p))
		case !hadOld:
			*changes = append(*changes, Set(p, newValue))
		default:
			oldMap, oldIsMap := oldValue.(map[string]any)
			newMap, newIsMap := newValue.(map[string]any)
			if oldIsMap && newIsMap {
				diffInto(p, oldMap, newMap, changes)
			} else if !reflect.DeepEqual(oldValue, newValue) {
				*changes = append(*changes, Set(p, newValue))
			}
		}
	}
}
