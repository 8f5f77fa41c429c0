package query

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Filter is a compiled record filter formula. Formulas see:
//
//	id           the record id
//	createdTime  the record creation time
//	fields       cell values by field name
//	cells        cell values by field id
//
// and must evaluate to a bool, e.g. `fields["Status"].name == "Done"`.
type Filter struct {
	source  string
	program *vm.Program
}

var (
	programsMu sync.Mutex
	programs   = make(map[string]*vm.Program)
)

func filterEnv() map[string]any {
	return map[string]any{
		"id":          "",
		"createdTime": "",
		"fields":      map[string]any{},
		"cells":       map[string]any{},
	}
}

// CompileFilter compiles a formula. An empty formula yields a nil filter,
// which matches every record. Compiled programs are shared.
func CompileFilter(source string) (*Filter, error) {
	if source == "" {
		return nil, nil
	}
	programsMu.Lock()
	defer programsMu.Unlock()

	if program, ok := programs[source]; ok {
		return &Filter{source: source, program: program}, nil
	}
	program, err := expr.Compile(source, expr.Env(filterEnv()), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile filter %q: %w", source, err)
	}
	programs[source] = program
	return &Filter{source: source, program: program}, nil
}

// Match evaluates the filter for one record. A nil filter matches all.
func (f *Filter) Match(row Row, names map[string]string) (bool, error) {
	if f == nil {
		return true, nil
	}
	byName := make(map[string]any, len(row.Cells))
	for id, value := range row.Cells {
		if name, ok := names[id]; ok {
			byName[name] = value
		}
	}
	out, err := expr.Run(f.program, map[string]any{
		"id":          row.ID,
		"createdTime": row.CreatedTime,
		"fields":      byName,
		"cells":       row.Cells,
	})
	if err != nil {
		return false, fmt.Errorf("filter %q on %s: %w", f.source, row.ID, err)
	}
	matched, _ := out.(bool)
	return matched, nil
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.source
}
