package notifyref

import "testing"

type inner struct {
	A int    `yaml:"a"`
	B string `yaml:"b"`
}

type outer struct {
	Name  string `yaml:"name"`
	Inner inner  `yaml:"inner"`
}

func TestMerge_NoOverride(t *testing.T) {
	base := outer{Name: "base", Inner: inner{A: 1, B: "x"}}
	got, err := Merge(base, nil)
	if err != nil {
		t.Fatalf("Merge() error: %v", err)
	}
	if got != base {
		t.Fatalf("Merge() = %+v, want unchanged %+v", got, base)
	}
}

func TestMerge_ScalarOverride(t *testing.T) {
	base := outer{Name: "base", Inner: inner{A: 1, B: "x"}}
	got, err := Merge(base, map[string]any{"name": "override"})
	if err != nil {
		t.Fatalf("Merge() error: %v", err)
	}
	if got.Name != "override" {
		t.Fatalf("Name = %q, want %q", got.Name, "override")
	}
	if got.Inner != base.Inner {
		t.Fatalf("Inner changed unexpectedly: %+v", got.Inner)
	}
}

func TestMerge_NestedOverridePreservesSiblingFields(t *testing.T) {
	base := outer{Name: "base", Inner: inner{A: 1, B: "x"}}
	got, err := Merge(base, map[string]any{
		"inner": map[string]any{"a": 2},
	})
	if err != nil {
		t.Fatalf("Merge() error: %v", err)
	}
	if got.Inner.A != 2 {
		t.Fatalf("Inner.A = %d, want 2", got.Inner.A)
	}
	if got.Inner.B != "x" {
		t.Fatalf("Inner.B = %q, want unchanged %q", got.Inner.B, "x")
	}
	if got.Name != "base" {
		t.Fatalf("Name = %q, want unchanged %q", got.Name, "base")
	}
}
