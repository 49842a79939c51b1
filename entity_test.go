package relic

import (
	"testing"
)

type Gadget struct {
	Entity
	Name  string
	Specs []byte
}

func TestModifiedPropsFreshEntityIsClean(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	if err := Register(&Gadget{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	g := &Gadget{Name: "widget"}
	d, err := descriptorOf(g)
	if err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	snapshot(d, g)

	dirty, err := ModifiedProps(g)
	if err != nil {
		t.Fatalf("modified: %v", err)
	}
	if len(dirty) != 0 {
		t.Errorf("snapshotted entity should be clean, got %v", dirty)
	}
}

func TestModifiedPropsDetectsChange(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	if err := Register(&Gadget{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	g := &Gadget{Name: "widget", Specs: []byte("v1")}
	d, _ := descriptorOf(g)
	snapshot(d, g)

	g.Name = "gizmo"
	dirty, err := ModifiedProps(g)
	if err != nil {
		t.Fatalf("modified: %v", err)
	}
	if len(dirty) != 1 || dirty[0] != "Name" {
		t.Errorf("dirty = %v, want [Name]", dirty)
	}

	if isDirty, _ := IsDirty(g, "Name"); !isDirty {
		t.Error("IsDirty(Name) = false")
	}
	if isDirty, _ := IsDirty(g, "Specs"); isDirty {
		t.Error("IsDirty(Specs) = true for untouched property")
	}
	if orig := Original(g, "Name"); orig != "widget" {
		t.Errorf("Original(Name) = %v, want widget", orig)
	}
}

func TestModifiedPropsByteSliceMutation(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	if err := Register(&Gadget{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	g := &Gadget{Specs: []byte("abc")}
	d, _ := descriptorOf(g)
	snapshot(d, g)

	// in-place mutation must still surface: the snapshot holds its own copy
	g.Specs[0] = 'x'
	dirty, _ := ModifiedProps(g)
	if len(dirty) != 1 || dirty[0] != "Specs" {
		t.Errorf("dirty = %v, want [Specs]", dirty)
	}
}

func TestModifiedPropsNilByteSliceStaysClean(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	if err := Register(&Gadget{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// the snapshot must keep a nil slice nil, or the property reads dirty
	// forever and every save issues a spurious UPDATE
	g := &Gadget{Name: "widget"}
	d, _ := descriptorOf(g)
	snapshot(d, g)

	dirty, err := ModifiedProps(g)
	if err != nil {
		t.Fatalf("modified: %v", err)
	}
	if len(dirty) != 0 {
		t.Errorf("nil byte-slice property should stay clean, got %v", dirty)
	}
}

func TestModifiedPropsRevertedChangeIsClean(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	if err := Register(&Gadget{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	g := &Gadget{Name: "widget"}
	d, _ := descriptorOf(g)
	snapshot(d, g)

	g.Name = "gizmo"
	g.Name = "widget"
	dirty, _ := ModifiedProps(g)
	if len(dirty) != 0 {
		t.Errorf("reverted entity should be clean, got %v", dirty)
	}
}
