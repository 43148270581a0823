package entity

import "testing"

func TestAttributesCopyOnWrite(t *testing.T) {
	base := Attributes{"a": "1"}
	next := base.With("b", "2")
	if _, ok := base["b"]; ok {
		t.Fatalf("With must not mutate the receiver")
	}
	if next["a"] != "1" || next["b"] != "2" {
		t.Fatalf("next = %#v", next)
	}
	removed := next.Without("a")
	if _, ok := removed["a"]; ok {
		t.Fatalf("Without did not remove key")
	}
	if _, ok := next["a"]; !ok {
		t.Fatalf("Without must not mutate the receiver")
	}
}

func TestItemIsValid(t *testing.T) {
	valid := Item{CollectionID: 1, Parts: []Part{{External: true, Path: "/data/1_r0"}, {External: false}}}
	if !valid.IsValid() {
		t.Fatalf("expected valid item")
	}
	noCollection := Item{Parts: nil}
	if noCollection.IsValid() {
		t.Fatalf("expected item without a collection to be invalid")
	}
	badPart := Item{CollectionID: 1, Parts: []Part{{External: true, Path: ""}}}
	if badPart.IsValid() {
		t.Fatalf("expected external part without a path to be invalid")
	}
}

func TestEffectivePolicy(t *testing.T) {
	local := CachePolicy{Inherit: true}
	parent := CachePolicy{Inherit: false, LocalParts: []string{"PLD:DATA"}}
	got := EffectivePolicy(local, []CachePolicy{parent})
	if got.Inherit {
		t.Fatalf("expected resolved non-inheriting policy")
	}
	if len(got.LocalParts) != 1 || got.LocalParts[0] != "PLD:DATA" {
		t.Fatalf("got = %#v", got)
	}
}

func TestHasFlag(t *testing.T) {
	item := Item{Flags: []int64{1, 2, 3}}
	if !item.HasFlag(2) {
		t.Fatalf("expected HasFlag(2) to be true")
	}
	if item.HasFlag(9) {
		t.Fatalf("expected HasFlag(9) to be false")
	}
}
