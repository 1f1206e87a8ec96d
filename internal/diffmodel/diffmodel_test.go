package diffmodel

import "testing"

func TestBuilderBasic(t *testing.T) {
	b := NewBuilder()
	b.AddWrite("a.txt")
	b.AddMod("b.txt", 100)
	b.AddDelete("c.txt")

	d := b.Build()
	if d.Truncated {
		t.Fatalf("unexpected truncation")
	}
	if len(d.Writes) != 1 || d.Writes[0] != "a.txt" {
		t.Fatalf("writes = %v", d.Writes)
	}
	if len(d.Mods) != 1 || d.Mods[0] != "b.txt" {
		t.Fatalf("mods = %v", d.Mods)
	}
	if len(d.Deletes) != 1 || d.Deletes[0] != "c.txt" {
		t.Fatalf("deletes = %v", d.Deletes)
	}
}

func TestBuilderWriteThenModClearsWrite(t *testing.T) {
	b := NewBuilder()
	b.AddWrite("x.txt")
	b.AddMod("x.txt", 10)

	d := b.Build()
	if len(d.Writes) != 0 {
		t.Fatalf("expected x.txt removed from writes, got %v", d.Writes)
	}
	if len(d.Mods) != 1 || d.Mods[0] != "x.txt" {
		t.Fatalf("mods = %v", d.Mods)
	}
}

func TestBuilderEntryCap(t *testing.T) {
	b := NewBuilder()
	for i := 0; i < MaxEntries+5; i++ {
		b.AddWrite(string(rune('a')) + string(rune(i)))
	}
	d := b.Build()
	if !d.Truncated {
		t.Fatalf("expected truncation past MaxEntries")
	}
	if d.Summary == "" {
		t.Fatalf("expected a summary message on truncation")
	}
}

func TestBuilderSampleByteCap(t *testing.T) {
	b := NewBuilder()
	b.AddMod("big.bin", MaxSampleByte+1)
	b.AddMod("small.bin", 1)

	d := b.Build()
	if !d.Truncated {
		t.Fatalf("expected truncation once sample bytes exceed cap")
	}
	if len(d.Mods) != 1 {
		t.Fatalf("expected the second mod to be dropped, got %v", d.Mods)
	}
}

func TestDeleteThenWriteKeepsTypeChangePair(t *testing.T) {
	b := NewBuilder()
	b.AddDelete("f.txt")
	b.AddWrite("f.txt")

	// A type change is recorded as delete+write, so the path is listed in
	// both Deletes and Writes.
	d := b.Build()
	if len(d.Deletes) != 1 || d.Deletes[0] != "f.txt" {
		t.Fatalf("deletes = %v, want [f.txt]", d.Deletes)
	}
	if len(d.Writes) != 1 || d.Writes[0] != "f.txt" {
		t.Fatalf("writes = %v, want [f.txt]", d.Writes)
	}
}

func TestHashDeterministic(t *testing.T) {
	d1 := FsDiff{Writes: []string{"b", "a"}, Mods: []string{"c"}}
	d2 := FsDiff{Writes: []string{"a", "b"}, Mods: []string{"c"}}
	if d1.Hash() != d2.Hash() {
		t.Fatalf("expected order-independent hash")
	}

	d3 := FsDiff{Writes: []string{"a", "b"}, Deletes: []string{"c"}}
	if d2.Hash() == d3.Hash() {
		t.Fatalf("expected kind to affect hash")
	}
}

func TestEmpty(t *testing.T) {
	var d FsDiff
	if !d.Empty() {
		t.Fatalf("expected zero-value diff to be empty")
	}
	d.Writes = []string{"a"}
	if d.Empty() {
		t.Fatalf("expected non-empty diff once a write is present")
	}
}
