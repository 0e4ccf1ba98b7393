package ema

import (
	"math"
	"testing"
)

func TestFilterPrimesOnFirstSample(t *testing.T) {
	f := New(60, 5)
	if f.Primed() {
		t.Fatal("expected unprimed filter before first Update")
	}
	got := f.Update(42.0)
	if got != 42.0 {
		t.Fatalf("first update should seed value exactly, got %v", got)
	}
	if !f.Primed() {
		t.Fatal("expected primed filter after first Update")
	}
}

func TestFilterConvergesTowardConstantInput(t *testing.T) {
	f := New(60, 5)
	f.Update(0.0)
	for i := 0; i < 500; i++ {
		f.Update(100.0)
	}
	if math.Abs(f.Value()-100.0) > 0.01 {
		t.Fatalf("expected convergence to 100, got %v", f.Value())
	}
}

func TestFilterIgnoresNonFiniteInput(t *testing.T) {
	f := New(60, 5)
	f.Update(10.0)
	before := f.Value()
	f.Update(math.NaN())
	f.Update(math.Inf(1))
	f.Update(math.Inf(-1))
	if f.Value() != before {
		t.Fatalf("non-finite input should not change value: before=%v after=%v", before, f.Value())
	}
}

func TestFilterMinimumWindowOfOne(t *testing.T) {
	f := New(1, 5)
	if f.alpha != 1.0 {
		t.Fatalf("expected alpha=1 when n<1, got %v", f.alpha)
	}
}
