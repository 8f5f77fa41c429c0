// Package query normalizes record query options, fingerprints them and
// orders records by them.
package query

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/hashstructure/v2"
)

// Direction values for Sort.
const (
	Asc  = "asc"
	Desc = "desc"
)

// ErrUnknownField is returned when an option names a field the table lacks.
var ErrUnknownField = errors.New("unknown field")

// Sort orders records by one field. Field is an id or a name.
type Sort struct {
	Field     string `json:"field"`
	Direction string `json:"direction,omitempty"`
}

// Options are the caller-facing query options.
type Options struct {
	Sorts  []Sort   `json:"sorts,omitempty"`
	Filter string   `json:"filter,omitempty"`
	Fields []string `json:"fields,omitempty"`
}

// Normalized options hold field ids only, explicit directions, no duplicate
// sort fields and a sorted field set. Two option values that select and order
// records the same way normalize to equal values.
type Normalized struct {
	Sorts  []Sort   `json:"sorts,omitempty"`
	Filter string   `json:"filter,omitempty"`
	Fields []string `json:"fields,omitempty" hash:"set"`
}

// FieldResolver maps a field id or name to the field id.
type FieldResolver func(idOrName string) (string, bool)

// Normalize fills in defaults and resolves field references.
func Normalize(opts Options, resolve FieldResolver) (Normalized, error) {
	var n Normalized

	seen := make(map[string]bool)
	for _, s := range opts.Sorts {
		id, ok := resolve(s.Field)
		if !ok {
			return Normalized{}, fmt.Errorf("sort on %q: %w", s.Field, ErrUnknownField)
		}
		dir := strings.ToLower(strings.TrimSpace(s.Direction))
		switch dir {
		case "":
			dir = Asc
		case Asc, Desc:
		default:
			return Normalized{}, fmt.Errorf("sort on %q: invalid direction %q", s.Field, s.Direction)
		}
		// a repeated sort field cannot change the order
		if seen[id] {
			continue
		}
		seen[id] = true
		n.Sorts = append(n.Sorts, Sort{Field: id, Direction: dir})
	}

	n.Filter = strings.TrimSpace(opts.Filter)

	if len(opts.Fields) > 0 {
		set := make(map[string]bool, len(opts.Fields))
		for _, f := range opts.Fields {
			id, ok := resolve(f)
			if !ok {
				return Normalized{}, fmt.Errorf("field %q: %w", f, ErrUnknownField)
			}
			set[id] = true
		}
		n.Fields = make([]string, 0, len(set))
		for id := range set {
			n.Fields = append(n.Fields, id)
		}
		sort.Strings(n.Fields)
	}
	return n, nil
}

// Includes reports whether values of fieldID are readable through the query.
func (n Normalized) Includes(fieldID string) bool {
	if n.Fields == nil {
		return true
	}
	i := sort.SearchStrings(n.Fields, fieldID)
	return i < len(n.Fields) && n.Fields[i] == fieldID
}

// DependsOn reports whether a change of fieldID can change the order or
// membership of the result.
func (n Normalized) DependsOn(fieldID, fieldName string) bool {
	for _, s := range n.Sorts {
		if s.Field == fieldID {
			return true
		}
	}
	if n.Filter != "" {
		// filters reference fields by name or id; be conservative
		return strings.Contains(n.Filter, fieldID) || (fieldName != "" && strings.Contains(n.Filter, fieldName)) || strings.Contains(n.Filter, "cells")
	}
	return false
}

// Source identifies what a query reads from.
type Source struct {
	Kind string // "table" or "view"
	ID   string
}

type fingerprintKey struct {
	Kind    string
	ID      string
	Options Normalized
}

// Fingerprint returns the cache key of a query.
func Fingerprint(src Source, n Normalized) (string, error) {
	h, err := hashstructure.Hash(fingerprintKey{Kind: src.Kind, ID: src.ID, Options: n}, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s %s: %w", src.Kind, src.ID, err)
	}
	return fmt.Sprintf("%s:%s:%016x", src.Kind, src.ID, h), nil
}
