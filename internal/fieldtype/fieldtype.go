// Package fieldtype defines field types and checks cell values against them.
package fieldtype

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Type is a field type name as stored in the tree.
type Type string

const (
	SingleLineText      Type = "singleLineText"
	MultilineText       Type = "multilineText"
	Number              Type = "number"
	Checkbox            Type = "checkbox"
	SingleSelect        Type = "singleSelect"
	MultipleSelects     Type = "multipleSelects"
	Date                Type = "date"
	Email               Type = "email"
	URL                 Type = "url"
	MultipleRecordLinks Type = "multipleRecordLinks"
	Formula             Type = "formula"
	AutoNumber          Type = "autoNumber"
	CreatedTime         Type = "createdTime"
)

// Reason codes carried by InvalidValueError.
const (
	CodeUnknownType   = "unknownFieldType"
	CodeComputed      = "computedField"
	CodeWrongKind     = "wrongValueKind"
	CodeNotFinite     = "numberNotFinite"
	CodeNewline       = "newlineInSingleLine"
	CodeUnknownChoice = "unknownChoice"
	CodeBadDate       = "invalidDate"
	CodeBadEmail      = "invalidEmail"
	CodeBadURL        = "invalidURL"
	CodeBadLink       = "invalidRecordLink"
	CodeBadOptions    = "invalidFieldOptions"
)

var types = map[Type]bool{
	SingleLineText: false, MultilineText: false, Number: false, Checkbox: false,
	SingleSelect: false, MultipleSelects: false, Date: false, Email: false,
	URL: false, MultipleRecordLinks: false,
	Formula: true, AutoNumber: true, CreatedTime: true,
}

var validate = validator.New()

// InvalidValueError explains why a value was rejected. Code is stable and
// meant for programs; Reason is for people.
type InvalidValueError struct {
	Code   string
	Reason string
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func invalid(code, format string, args ...any) error {
	return &InvalidValueError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Known reports whether t is a supported type.
func (t Type) Known() bool {
	_, ok := types[t]
	return ok
}

// Computed reports whether the host computes values of this type. Computed
// fields reject writes.
func (t Type) Computed() bool {
	return types[t]
}

// Types returns every supported type.
func Types() []Type {
	result := make([]Type, 0, len(types))
	for t := range types {
		result = append(result, t)
	}
	return result
}

// NormalizeCellValue checks value against the field type and returns the form
// stored in the tree. A nil value clears the cell.
func NormalizeCellValue(t Type, options map[string]any, value any) (any, error) {
	if !t.Known() {
		return nil, invalid(CodeUnknownType, "field type %q is not supported", t)
	}
	if t.Computed() {
		return nil, invalid(CodeComputed, "%s fields are computed and cannot be written", t)
	}
	if value == nil {
		return nil, nil
	}

	switch t {
	case SingleLineText, MultilineText:
		s, ok := value.(string)
		if !ok {
			return nil, invalid(CodeWrongKind, "%s expects a string, got %T", t, value)
		}
		if t == SingleLineText && strings.ContainsAny(s, "\r\n") {
			return nil, invalid(CodeNewline, "singleLineText cannot contain line breaks")
		}
		return s, nil

	case Number:
		f, ok := toFloat(value)
		if !ok {
			return nil, invalid(CodeWrongKind, "number expects a number, got %T", value)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, invalid(CodeNotFinite, "number must be finite")
		}
		return f, nil

	case Checkbox:
		b, ok := value.(bool)
		if !ok {
			return nil, invalid(CodeWrongKind, "checkbox expects a bool, got %T", value)
		}
		return b, nil

	case SingleSelect:
		return normalizeChoice(options, value)

	case MultipleSelects:
		items, ok := toList(value)
		if !ok {
			return nil, invalid(CodeWrongKind, "multipleSelects expects a list, got %T", value)
		}
		result := make([]any, 0, len(items))
		for _, item := range items {
			choice, err := normalizeChoice(options, item)
			if err != nil {
				return nil, err
			}
			result = append(result, choice)
		}
		return result, nil

	case Date:
		switch d := value.(type) {
		case time.Time:
			return d.UTC().Format(time.RFC3339), nil
		case string:
			if _, err := time.Parse(time.RFC3339, d); err == nil {
				return d, nil
			}
			if _, err := time.Parse(time.DateOnly, d); err == nil {
				return d, nil
			}
			return nil, invalid(CodeBadDate, "%q is not an ISO 8601 date", d)
		}
		return nil, invalid(CodeWrongKind, "date expects a string or time, got %T", value)

	case Email:
		s, ok := value.(string)
		if !ok {
			return nil, invalid(CodeWrongKind, "email expects a string, got %T", value)
		}
		if err := validate.Var(s, "email"); err != nil {
			return nil, invalid(CodeBadEmail, "%q is not an email address", s)
		}
		return s, nil

	case URL:
		s, ok := value.(string)
		if !ok {
			return nil, invalid(CodeWrongKind, "url expects a string, got %T", value)
		}
		if err := validate.Var(s, "url"); err != nil {
			return nil, invalid(CodeBadURL, "%q is not a URL", s)
		}
		return s, nil

	case MultipleRecordLinks:
		items, ok := toList(value)
		if !ok {
			return nil, invalid(CodeWrongKind, "multipleRecordLinks expects a list, got %T", value)
		}
		result := make([]any, 0, len(items))
		for _, item := range items {
			id := refID(item)
			if id == "" {
				return nil, invalid(CodeBadLink, "record link %v has no id", item)
			}
			result = append(result, map[string]any{"id": id})
		}
		return result, nil
	}
	return nil, invalid(CodeUnknownType, "field type %q is not supported", t)
}

// ValidateOptions checks the options given when creating a field.
func ValidateOptions(t Type, options map[string]any) error {
	if !t.Known() {
		return invalid(CodeUnknownType, "field type %q is not supported", t)
	}
	if t.Computed() {
		return invalid(CodeComputed, "%s fields cannot be created from an extension", t)
	}
	if t == SingleSelect || t == MultipleSelects {
		choices, ok := toList(options["choices"])
		if !ok {
			return invalid(CodeBadOptions, "%s requires options.choices", t)
		}
		seen := make(map[string]bool)
		for _, c := range choices {
			m, ok := c.(map[string]any)
			name, _ := m["name"].(string)
			if !ok || name == "" {
				return invalid(CodeBadOptions, "choice %v needs a name", c)
			}
			if seen[name] {
				return invalid(CodeBadOptions, "duplicate choice %q", name)
			}
			seen[name] = true
		}
	}
	return nil
}

// Choices returns the select choices declared in options.
func Choices(options map[string]any) []map[string]any {
	items, _ := toList(options["choices"])
	result := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			result = append(result, m)
		}
	}
	return result
}

func normalizeChoice(options map[string]any, value any) (any, error) {
	var id, name string
	switch v := value.(type) {
	case string:
		name = v
	case map[string]any:
		id, _ = v["id"].(string)
		name, _ = v["name"].(string)
	default:
		return nil, invalid(CodeWrongKind, "select expects a choice name or {id, name}, got %T", value)
	}
	for _, c := range Choices(options) {
		cid, _ := c["id"].(string)
		cname, _ := c["name"].(string)
		if (id != "" && cid == id) || (id == "" && name != "" && cname == name) {
			return map[string]any{"id": cid, "name": cname}, nil
		}
	}
	if id != "" {
		return nil, invalid(CodeUnknownChoice, "no choice with id %q", id)
	}
	return nil, invalid(CodeUnknownChoice, "no choice named %q", name)
}

func refID(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case map[string]any:
		id, _ := x["id"].(string)
		return id
	}
	return ""
}

func toList(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case []string:
		result := make([]any, len(x))
		for i, s := range x {
			result[i] = s
		}
		return result, true
	case []map[string]any:
		result := make([]any, len(x))
		for i, m := range x {
			result[i] = m
		}
		return result, true
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	}
	return 0, false
}
