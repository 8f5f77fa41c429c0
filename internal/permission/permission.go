// Package permission orders session permission levels and maps mutations to
// the level they need.
package permission

import (
	"fmt"

	"github.com/zot/basekit/internal/mutation"
)

// Level is a session permission level.
type Level string

const (
	None    Level = "none"
	Read    Level = "read"
	Comment Level = "comment"
	Edit    Level = "edit"
	Create  Level = "create"
	Owner   Level = "owner"
)

var rank = map[Level]int{None: 0, Read: 1, Comment: 2, Edit: 3, Create: 4, Owner: 5}

// Parse converts a stored level name.
func Parse(s string) (Level, error) {
	l := Level(s)
	if _, ok := rank[l]; !ok {
		return None, fmt.Errorf("unknown permission level %q", s)
	}
	return l, nil
}

// AtLeast reports whether l grants everything min grants.
func (l Level) AtLeast(min Level) bool {
	return rank[l] >= rank[min]
}

// Required returns the level a mutation kind needs.
func Required(kind mutation.Kind) Level {
	switch kind {
	case mutation.KindSetCellValues, mutation.KindCreateRecords, mutation.KindDeleteRecords:
		return Edit
	case mutation.KindCreateField, mutation.KindDeleteField, mutation.KindUpdateFieldName:
		return Create
	}
	return Owner
}

// Check evaluates m for a session at level l. The reason is empty when
// permission is granted.
func Check(l Level, m mutation.Mutation) (bool, string) {
	need := Required(m.Kind())
	if l.AtLeast(need) {
		return true, ""
	}
	return false, fmt.Sprintf("You need %s permissions or higher to perform this action (you have %s)", need, l)
}
