// Package delta describes writes to the base data tree and indexes a batch
// of them by the subtrees they touch.
package delta

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zot/basekit/internal/path"
)

// ErrEmptyPath is returned for a change that does not address a node.
var ErrEmptyPath = errors.New("change path is empty")

// Change is one write to the tree. A nil Value removes the node at Path.
type Change struct {
	Path  path.Path
	Value any
}

// Set returns a change that writes value at p.
func Set(p path.Path, value any) Change {
	return Change{Path: p, Value: value}
}

// Remove returns a change that deletes the node at p.
func Remove(p path.Path) Change {
	return Change{Path: p}
}

// IsRemove returns true if the change deletes its node.
func (c Change) IsRemove() bool {
	return c.Value == nil
}

// Validate checks the structural requirements of a change.
func (c Change) Validate() error {
	if len(c.Path) == 0 {
		return ErrEmptyPath
	}
	for i, key := range c.Path {
		if key == "" {
			return fmt.Errorf("change path %v: empty key at position %d", c.Path, i)
		}
	}
	return nil
}

func (c Change) String() string {
	if c.IsRemove() {
		return fmt.Sprintf("-%s", c.Path)
	}
	return fmt.Sprintf("%s=%v", c.Path, c.Value)
}

type wireChange struct {
	Path  []string        `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// MarshalJSON omits "value" for removals.
func (c Change) MarshalJSON() ([]byte, error) {
	w := wireChange{Path: c.Path}
	if c.Value != nil {
		data, err := json.Marshal(c.Value)
		if err != nil {
			return nil, fmt.Errorf("change %s: %w", c.Path, err)
		}
		w.Value = data
	}
	return json.Marshal(w)
}

// UnmarshalJSON treats a missing or null "value" as a removal.
func (c *Change) UnmarshalJSON(data []byte) error {
	var w wireChange
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.Path = path.Path(w.Path)
	c.Value = nil
	if len(w.Value) > 0 && string(w.Value) != "null" {
		if err := json.Unmarshal(w.Value, &c.Value); err != nil {
			return fmt.Errorf("change %s: %w", c.Path, err)
		}
	}
	return nil
}

// ValidateAll validates every change of a batch.
func ValidateAll(changes []Change) error {
	for i, c := range changes {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("change %d: %w", i, err)
		}
	}
	return nil
}
