// pkg/core/jsonops_test.go
package core

import "testing"

func mustPath(t *testing.T, s string) JSONPath {
	t.Helper()
	p, err := ParseJSONPath(s)
	if err != nil {
		t.Fatalf("parse path %q: %v", s, err)
	}
	return p
}

func TestJSONPathOverlaps(t *testing.T) {
	cases := []struct {
		a, b     string
		overlaps bool
	}{
		{"foo", "foo", true},
		{"foo", "foo.bar", true},
		{"foo.bar", "foo", true},
		{"foo", "bar", false},
		{"foo.bar", "foo.baz", false},
		{"", "foo", true}, // root overlaps everything
	}
	for _, tc := range cases {
		a := mustPath(t, tc.a)
		b := mustPath(t, tc.b)
		if a.Overlaps(b) != tc.overlaps {
			t.Errorf("Overlaps(%q, %q) = %v, want %v", tc.a, tc.b, !tc.overlaps, tc.overlaps)
		}
		if b.Overlaps(a) != tc.overlaps {
			t.Errorf("Overlaps must be symmetric for (%q, %q)", tc.a, tc.b)
		}
	}
}

func TestSetAtPathCreatesIntermediates(t *testing.T) {
	doc := SetAtPath(NewNull(), mustPath(t, "a.b.c"), NewInt(1))
	got, ok := GetAtPath(doc, mustPath(t, "a.b.c"))
	if !ok || !got.Equal(NewInt(1)) {
		t.Error("deep set must create intermediate objects")
	}
}

func TestDeleteAtPath(t *testing.T) {
	doc := SetAtPath(NewNull(), mustPath(t, "a.b"), NewInt(1))
	doc = SetAtPath(doc, mustPath(t, "a.c"), NewInt(2))

	doc, removed := DeleteAtPath(doc, mustPath(t, "a.b"))
	if !removed {
		t.Fatal("delete should report removal")
	}
	if _, ok := GetAtPath(doc, mustPath(t, "a.b")); ok {
		t.Error("deleted path still present")
	}
	if _, ok := GetAtPath(doc, mustPath(t, "a.c")); !ok {
		t.Error("sibling removed by delete")
	}

	if _, removed := DeleteAtPath(doc, mustPath(t, "missing")); removed {
		t.Error("deleting a missing path should report false")
	}
}

func TestMergeRFC7396(t *testing.T) {
	target := NewObject(map[string]Value{
		"title":  NewString("old"),
		"author": NewObject(map[string]Value{"givenName": NewString("John"), "familyName": NewString("Doe")}),
	})
	patch := NewObject(map[string]Value{
		"title":  NewString("new"),
		"author": NewObject(map[string]Value{"familyName": NewNull()}),
		"tags":   NewArray([]Value{NewString("x")}),
	})

	merged := MergeRFC7396(target, patch)

	if title, _ := GetAtPath(merged, mustPath(t, "title")); !title.Equal(NewString("new")) {
		t.Error("scalar member must be replaced")
	}
	if _, ok := GetAtPath(merged, mustPath(t, "author.familyName")); ok {
		t.Error("null member must delete")
	}
	if given, _ := GetAtPath(merged, mustPath(t, "author.givenName")); !given.Equal(NewString("John")) {
		t.Error("untouched nested member must survive")
	}
	if _, ok := GetAtPath(merged, mustPath(t, "tags")); !ok {
		t.Error("new member must be added")
	}
}

func TestMergeNonObjectPatchReplaces(t *testing.T) {
	target := NewObject(map[string]Value{"a": NewInt(1)})
	merged := MergeRFC7396(target, NewString("whole"))
	if !merged.Equal(NewString("whole")) {
		t.Error("non-object patch replaces the target entirely")
	}
}
