package simhost

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/zot/basekit/internal/datatree"
	"github.com/zot/basekit/internal/delta"
	"github.com/zot/basekit/internal/fieldtype"
	"github.com/zot/basekit/internal/path"
	"github.com/zot/basekit/internal/permission"
)

// HostContractError reports a base that breaks the host's data contract.
// A session cannot be built over such a base.
type HostContractError struct {
	Path   string
	Reason string
}

func (e *HostContractError) Error() string {
	if e.Path == "" {
		return "host contract violation: " + e.Reason
	}
	return fmt.Sprintf("host contract violation at %s: %s", e.Path, e.Reason)
}

func contractError(at path.Path, format string, args ...any) error {
	return &HostContractError{Path: at.String(), Reason: fmt.Sprintf(format, args...)}
}

type fixtureBase struct {
	ID              string                  `json:"id" validate:"required"`
	Name            string                  `json:"name" validate:"required"`
	PermissionLevel string                  `json:"permissionLevel" validate:"omitempty,oneof=none read comment edit create owner"`
	CurrentUserID   string                  `json:"currentUserId"`
	TableOrder      []string                `json:"tableOrder"`
	Tables          map[string]fixtureTable `json:"tablesById" validate:"required,min=1,dive"`
}

type fixtureTable struct {
	ID             string                   `json:"id" validate:"required"`
	Name           string                   `json:"name" validate:"required"`
	PrimaryFieldID string                   `json:"primaryFieldId" validate:"required"`
	ViewOrder      []string                 `json:"viewOrder"`
	Fields         map[string]fixtureField  `json:"fieldsById" validate:"required,min=1,dive"`
	Views          map[string]fixtureView   `json:"viewsById" validate:"dive"`
	Records        map[string]fixtureRecord `json:"recordsById" validate:"dive"`
}

type fixtureField struct {
	ID      string         `json:"id" validate:"required"`
	Name    string         `json:"name" validate:"required"`
	Type    fieldtype.Type `json:"type" validate:"required"`
	Options map[string]any `json:"options"`
}

type fixtureView struct {
	ID               string             `json:"id" validate:"required"`
	Name             string             `json:"name" validate:"required"`
	FieldOrder       *fixtureFieldOrder `json:"fieldOrder"`
	VisibleRecordIDs []string           `json:"visibleRecordIds"`
}

type fixtureFieldOrder struct {
	FieldIDs          []string `json:"fieldIds"`
	VisibleFieldCount int      `json:"visibleFieldCount" validate:"gte=0"`
}

type fixtureRecord struct {
	ID           string         `json:"id" validate:"required"`
	CreatedTime  string         `json:"createdTime"`
	CommentCount int            `json:"commentCount" validate:"gte=0"`
	CellValues   map[string]any `json:"cellValuesByFieldId"`
}

var fixtureValidator = validator.New()

// LoadFixture reads a base from a YAML, JSON or TOML file.
func LoadFixture(file string) (map[string]any, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return ParseFixture(data, strings.TrimPrefix(filepath.Ext(file), "."))
}

// ParseFixture decodes a base in the given format: yaml, yml, json or toml.
func ParseFixture(data []byte, format string) (map[string]any, error) {
	var raw map[string]any
	var err error
	switch strings.ToLower(format) {
	case "yaml", "yml":
		err = yaml.Unmarshal(data, &raw)
	case "json":
		err = json.Unmarshal(data, &raw)
	case "toml":
		_, err = toml.Decode(string(data), &raw)
	default:
		return nil, fmt.Errorf("unsupported fixture format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s fixture: %w", format, err)
	}
	base, _ := datatree.Normalize(raw).(map[string]any)
	if base == nil {
		return nil, &HostContractError{Reason: "fixture is empty"}
	}
	return base, nil
}

// PrepareBase checks a base against the host contract and fills in the
// view data a fixture may leave out: a view without a field order shows
// every field, a view without visible records shows every record.
func PrepareBase(base map[string]any) (map[string]any, error) {
	base, _ = datatree.Normalize(base).(map[string]any)
	data, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var fb fixtureBase
	if err := json.Unmarshal(data, &fb); err != nil {
		return nil, &HostContractError{Reason: err.Error()}
	}
	if err := fixtureValidator.Struct(fb); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, &HostContractError{Path: verrs[0].Namespace(), Reason: fmt.Sprintf("failed %q", verrs[0].Tag())}
		}
		return nil, &HostContractError{Reason: err.Error()}
	}
	if fb.PermissionLevel != "" {
		if _, err := permission.Parse(fb.PermissionLevel); err != nil {
			return nil, contractError(path.Path{path.KeyPermission}, "%v", err)
		}
	}

	tree := datatree.New(base)
	for _, id := range fb.TableOrder {
		if _, ok := fb.Tables[id]; !ok {
			return nil, contractError(path.TableOrder(), "unknown table %s", id)
		}
	}
	for _, tid := range sortedKeys(fb.Tables) {
		if err := prepareTable(tree, tid, fb.Tables[tid]); err != nil {
			return nil, err
		}
	}
	if !tree.Exists(path.TableOrder()) {
		set(tree, path.TableOrder(), datatree.AnyList(sortedKeys(fb.Tables)))
	}
	return tree.Snapshot(), nil
}

func prepareTable(tree *datatree.Tree, tid string, t fixtureTable) error {
	at := path.Table(tid)
	if t.ID != tid {
		return contractError(at, "id %q does not match its key", t.ID)
	}
	if _, ok := t.Fields[t.PrimaryFieldID]; !ok {
		return contractError(at.Child(path.KeyPrimaryField), "primary field %s does not exist", t.PrimaryFieldID)
	}
	for fid, f := range t.Fields {
		fat := path.Field(tid, fid)
		if f.ID != fid {
			return contractError(fat, "id %q does not match its key", f.ID)
		}
		if !f.Type.Known() {
			return contractError(fat.Child(path.KeyType), "unknown field type %q", f.Type)
		}
		if !f.Type.Computed() {
			if err := fieldtype.ValidateOptions(f.Type, f.Options); err != nil {
				return contractError(fat.Child(path.KeyOptions), "%v", err)
			}
		}
	}
	for rid, r := range t.Records {
		rat := path.Record(tid, rid)
		if r.ID != rid {
			return contractError(rat, "id %q does not match its key", r.ID)
		}
		for fid := range r.CellValues {
			if _, ok := t.Fields[fid]; !ok {
				return contractError(path.CellValue(tid, rid, fid), "cell for unknown field")
			}
		}
	}
	if !tree.Exists(path.Records(tid)) {
		set(tree, path.Records(tid), map[string]any{})
	}
	if !tree.Exists(at.Child(path.KeyViews)) {
		set(tree, at.Child(path.KeyViews), map[string]any{})
	}
	for _, vid := range t.ViewOrder {
		if _, ok := t.Views[vid]; !ok {
			return contractError(at.Child(path.KeyViewOrder), "unknown view %s", vid)
		}
	}
	if !tree.Exists(at.Child(path.KeyViewOrder)) {
		set(tree, at.Child(path.KeyViewOrder), datatree.AnyList(sortedKeys(t.Views)))
	}
	for vid, v := range t.Views {
		if err := prepareView(tree, tid, vid, v, t); err != nil {
			return err
		}
	}
	return nil
}

func prepareView(tree *datatree.Tree, tid, vid string, v fixtureView, t fixtureTable) error {
	vat := path.View(tid, vid)
	if v.ID != vid {
		return contractError(vat, "id %q does not match its key", v.ID)
	}
	if !tree.Exists(vat.Child(path.KeyType)) {
		set(tree, vat.Child(path.KeyType), "grid")
	}
	if v.FieldOrder == nil {
		ids := defaultFieldOrder(t)
		set(tree, path.FieldOrder(tid, vid), map[string]any{
			path.KeyFieldIDs:     datatree.AnyList(ids),
			path.KeyVisibleCount: float64(len(ids)),
		})
	} else {
		seen := make(map[string]bool)
		for _, fid := range v.FieldOrder.FieldIDs {
			if _, ok := t.Fields[fid]; !ok || seen[fid] {
				return contractError(path.FieldOrder(tid, vid), "bad field %s in field order", fid)
			}
			seen[fid] = true
		}
		if len(seen) != len(t.Fields) {
			return contractError(path.FieldOrder(tid, vid), "field order lists %d of %d fields", len(seen), len(t.Fields))
		}
		if v.FieldOrder.VisibleFieldCount > len(seen) {
			return contractError(path.FieldOrder(tid, vid), "visibleFieldCount %d exceeds %d fields", v.FieldOrder.VisibleFieldCount, len(seen))
		}
	}
	if v.VisibleRecordIDs == nil {
		set(tree, path.VisibleRecordIDs(tid, vid), datatree.AnyList(recordsByCreation(t)))
	} else {
		for _, rid := range v.VisibleRecordIDs {
			if _, ok := t.Records[rid]; !ok {
				return contractError(path.VisibleRecordIDs(tid, vid), "unknown record %s", rid)
			}
		}
	}
	return nil
}

func defaultFieldOrder(t fixtureTable) []string {
	ids := []string{t.PrimaryFieldID}
	for _, fid := range sortedKeys(t.Fields) {
		if fid != t.PrimaryFieldID {
			ids = append(ids, fid)
		}
	}
	return ids
}

func recordsByCreation(t fixtureTable) []string {
	ids := sortedKeys(t.Records)
	sort.SliceStable(ids, func(i, j int) bool {
		return t.Records[ids[i]].CreatedTime < t.Records[ids[j]].CreatedTime
	})
	return ids
}

func set(tree *datatree.Tree, p path.Path, v any) {
	if _, err := tree.Apply([]delta.Change{delta.Set(p, v)}); err != nil {
		panic(err)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
