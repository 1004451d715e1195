package chain

import "testing"

func TestGetKusama(t *testing.T) {
	c, ok := Get(Kusama)
	if !ok {
		t.Fatal("Kusama should be registered")
	}
	if c.Name != "Kusama" {
		t.Errorf("Name = %q, want %q", c.Name, "Kusama")
	}
	if c.SS58Format != 2 {
		t.Errorf("SS58Format = %d, want 2", c.SS58Format)
	}
	if c.BlockLagThreshold != 10 {
		t.Errorf("BlockLagThreshold = %d, want 10", c.BlockLagThreshold)
	}
	if c.TypeRegistryPreset != "kusama" {
		t.Errorf("TypeRegistryPreset = %q, want %q", c.TypeRegistryPreset, "kusama")
	}
}

func TestGetByName(t *testing.T) {
	c, ok := GetByName("Kusama")
	if !ok {
		t.Fatal("GetByName(Kusama) should succeed")
	}
	if c.ID != Kusama {
		t.Errorf("ID = %d, want %d", c.ID, Kusama)
	}

	if _, ok := GetByName("Nope"); ok {
		t.Error("GetByName(Nope) should fail")
	}
}

func TestIsSupported(t *testing.T) {
	if !IsSupported(Kusama) {
		t.Error("Kusama should be supported")
	}
	if IsSupported(ID(999)) {
		t.Error("999 should not be supported")
	}
}

func TestList(t *testing.T) {
	ids := List()
	if len(ids) != 1 || ids[0] != Kusama {
		t.Errorf("List() = %v, want [Kusama]", ids)
	}
}
