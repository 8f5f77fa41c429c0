// Package path addresses nodes of the base data tree.
//
// A Path is the wire form of an address: a sequence of keys from the root.
// Textual paths join keys with dots, e.g. "tablesById.tbl1.name".
package path

import (
	"fmt"
	"strings"
)

// Well-known keys of the base data tree.
const (
	KeyID              = "id"
	KeyName            = "name"
	KeyPermission      = "permissionLevel"
	KeyCurrentUser     = "currentUserId"
	KeyTableOrder      = "tableOrder"
	KeyTables          = "tablesById"
	KeyDescription     = "description"
	KeyPrimaryField    = "primaryFieldId"
	KeyViewOrder       = "viewOrder"
	KeyFields          = "fieldsById"
	KeyViews           = "viewsById"
	KeyType            = "type"
	KeyOptions         = "options"
	KeyFieldOrder      = "fieldOrder"
	KeyFieldIDs        = "fieldIds"
	KeyVisibleCount    = "visibleFieldCount"
	KeyVisibleRecords  = "visibleRecordIds"
	KeyRecords         = "recordsById"
	KeyCreatedTime     = "createdTime"
	KeyCommentCount    = "commentCount"
	KeyCellValues      = "cellValuesByFieldId"
	KeyCursor          = "cursorData"
	KeyActiveTable     = "activeTableId"
	KeyActiveView      = "activeViewId"
	KeySelectedRecords = "selectedRecordIdSet"
	KeySelectedFields  = "selectedFieldIdSet"
)

// Path is a sequence of keys from the root of the tree.
type Path []string

// Parse splits a dotted path string into keys.
// Empty keys ("a..b", ".a", "a.") are rejected.
func Parse(s string) (Path, error) {
	if s == "" {
		return nil, fmt.Errorf("empty path")
	}
	parts := strings.Split(s, ".")
	for i, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("path %q: empty key at position %d", s, i)
		}
	}
	return Path(parts), nil
}

// MustParse is Parse for literals.
func MustParse(s string) Path {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// String joins the keys with dots.
func (p Path) String() string {
	return strings.Join(p, ".")
}

// Len returns the number of keys.
func (p Path) Len() int {
	return len(p)
}

// IsEmpty returns true for the root path.
func (p Path) IsEmpty() bool {
	return len(p) == 0
}

// Child returns a new path with keys appended. The receiver is not modified.
func (p Path) Child(keys ...string) Path {
	result := make(Path, 0, len(p)+len(keys))
	result = append(result, p...)
	return append(result, keys...)
}

// Parent returns the path without its last key.
func (p Path) Parent() Path {
	if len(p) == 0 {
		return nil
	}
	return p[:len(p)-1:len(p)-1]
}

// Last returns the final key, or "" for the root.
func (p Path) Last() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// HasPrefix reports whether prefix addresses p or one of its ancestors.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i, key := range prefix {
		if p[i] != key {
			return false
		}
	}
	return true
}

// Equal reports whether both paths address the same node.
func (p Path) Equal(other Path) bool {
	return len(p) == len(other) && p.HasPrefix(other)
}

// Clone returns an independent copy.
func (p Path) Clone() Path {
	if p == nil {
		return nil
	}
	return append(Path(nil), p...)
}

func TableOrder() Path { return Path{KeyTableOrder} }

func Table(tableID string) Path { return Path{KeyTables, tableID} }

func Field(tableID, fieldID string) Path {
	return Path{KeyTables, tableID, KeyFields, fieldID}
}

func View(tableID, viewID string) Path {
	return Path{KeyTables, tableID, KeyViews, viewID}
}

func FieldOrder(tableID, viewID string) Path {
	return Path{KeyTables, tableID, KeyViews, viewID, KeyFieldOrder}
}

func VisibleRecordIDs(tableID, viewID string) Path {
	return Path{KeyTables, tableID, KeyViews, viewID, KeyVisibleRecords}
}

func Records(tableID string) Path {
	return Path{KeyTables, tableID, KeyRecords}
}

func Record(tableID, recordID string) Path {
	return Path{KeyTables, tableID, KeyRecords, recordID}
}

func CellValue(tableID, recordID, fieldID string) Path {
	return Path{KeyTables, tableID, KeyRecords, recordID, KeyCellValues, fieldID}
}

func Cursor() Path { return Path{KeyCursor} }
