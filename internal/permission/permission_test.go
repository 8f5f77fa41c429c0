package permission

import (
	"testing"

	"github.com/zot/basekit/internal/mutation"
)

func TestCheck(t *testing.T) {
	tests := []struct {
		level Level
		m     mutation.Mutation
		want  bool
	}{
		{Read, mutation.SetCellValues{Table: "tbl1"}, false},
		{Edit, mutation.SetCellValues{Table: "tbl1"}, true},
		{Edit, mutation.CreateField{Table: "tbl1"}, false},
		{Create, mutation.DeleteField{Table: "tbl1"}, true},
		{Owner, mutation.UpdateFieldName{Table: "tbl1"}, true},
		{None, mutation.DeleteRecords{Table: "tbl1"}, false},
	}

	for _, tt := range tests {
		ok, reason := Check(tt.level, tt.m)
		if ok != tt.want {
			t.Errorf("Check(%s, %s) = %v, want %v", tt.level, tt.m.Kind(), ok, tt.want)
		}
		if !ok && reason == "" {
			t.Errorf("Check(%s, %s) denied without a reason", tt.level, tt.m.Kind())
		}
	}
}

func TestParse(t *testing.T) {
	if l, err := Parse("comment"); err != nil || l != Comment {
		t.Errorf("Parse(comment) = %v, %v", l, err)
	}
	if _, err := Parse("admin"); err == nil {
		t.Error("expected error for unknown level")
	}
}
