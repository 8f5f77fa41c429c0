package path

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Path
		wantErr bool
	}{
		{"name", Path{"name"}, false},
		{"tablesById.tbl1.name", Path{"tablesById", "tbl1", "name"}, false},
		{"", nil, true},
		{"a..b", nil, true},
		{".a", nil, true},
		{"a.", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) expected error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) failed: %v", tt.in, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("Parse(%q) = %v, want %v", tt.in, got, tt.want)
			}
			if got.String() != tt.in {
				t.Errorf("String() = %q, want %q", got.String(), tt.in)
			}
		})
	}
}

func TestHasPrefix(t *testing.T) {
	cell := CellValue("tbl1", "rec1", "fld1")

	if !cell.HasPrefix(Table("tbl1")) {
		t.Error("cell path should be under its table")
	}
	if !cell.HasPrefix(Record("tbl1", "rec1")) {
		t.Error("cell path should be under its record")
	}
	if cell.HasPrefix(Table("tbl2")) {
		t.Error("cell path should not be under another table")
	}
	if Table("tbl1").HasPrefix(cell) {
		t.Error("a shorter path cannot have a longer prefix")
	}
	if !cell.HasPrefix(nil) {
		t.Error("every path is under the root")
	}
}

func TestChildDoesNotAlias(t *testing.T) {
	base := Table("tbl1")
	a := base.Child("name")
	b := base.Child("description")

	if a.Last() != "name" || b.Last() != "description" {
		t.Errorf("children alias each other: %v %v", a, b)
	}
	parent := a.Parent()
	c := parent.Child("x")
	if a.Last() != "name" {
		t.Errorf("appending to Parent() modified the original: %v", a)
	}
	if c.String() != "tablesById.tbl1.x" {
		t.Errorf("unexpected child %v", c)
	}
}
