package bitfield

import "testing"

func TestNewSizeRounding(t *testing.T) {
	tests := []struct {
		nbits     int
		wantBytes int
	}{
		{0, 0},
		{1, 1},
		{7, 1},
		{8, 1},
		{9, 2},
		{16, 2},
		{17, 3},
	}

	for _, tt := range tests {
		if got := len(New(tt.nbits)); got != tt.wantBytes {
			t.Errorf("New(%d) len = %d, want %d", tt.nbits, got, tt.wantBytes)
		}
	}
}

func TestSetHasClearAndBounds(t *testing.T) {
	bf := New(10)

	if bf.Has(3) {
		t.Fatalf("bit 3 should start unset")
	}
	if !bf.Set(3) {
		t.Fatalf("Set(3) should report newly-set")
	}
	if !bf.Has(3) {
		t.Fatalf("bit 3 should be set")
	}
	if bf.Set(3) {
		t.Fatalf("Set(3) again should report already-set")
	}

	// Out-of-range access must not panic or corrupt valid bits.
	if bf.Has(-1) || bf.Has(1000) {
		t.Fatalf("out-of-range Has should be false")
	}
	if bf.Set(-1) || bf.Set(1000) {
		t.Fatalf("out-of-range Set should report false")
	}
	if bf.Clear(-1) || bf.Clear(1000) {
		t.Fatalf("out-of-range Clear should report false")
	}
	if !bf.Has(3) {
		t.Fatalf("out-of-range access corrupted bit 3")
	}

	if !bf.Clear(3) {
		t.Fatalf("Clear(3) should report previously-set")
	}
	if bf.Has(3) {
		t.Fatalf("bit 3 should be unset after Clear")
	}
}

func TestFromBytesAndToBytesIndependence(t *testing.T) {
	src := []byte{0xFF, 0x00}
	bf := FromBytes(src)

	src[0] = 0x00
	if !bf.Has(0) {
		t.Fatalf("FromBytes should copy the input, not alias it")
	}

	out := bf.Bytes()
	out[0] = 0x00
	if !bf.Has(0) {
		t.Fatalf("Bytes() should return an independent copy")
	}
}

func TestStringRepresentation(t *testing.T) {
	bf := FromBytes([]byte{0xA5, 0x01})
	want := "1010010100000001"
	if got := bf.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestCountAndEquals(t *testing.T) {
	a := FromBytes([]byte{0xA5})
	if got := a.Count(); got != 4 {
		t.Fatalf("Count() = %d, want 4", got)
	}

	b := FromBytes([]byte{0xA5})
	if !a.Equals(b) {
		t.Fatalf("equal bitfields should compare equal")
	}

	c := a.Clone()
	c.Clear(0)
	if a.Equals(c) {
		t.Fatalf("mutating a clone should not affect the original")
	}
	if !a.Has(0) {
		t.Fatalf("Clone should not alias the original")
	}

	if a.None() {
		t.Fatalf("a has set bits, None() should be false")
	}
	if New(4).Any() {
		t.Fatalf("fresh bitfield should have no set bits")
	}
}
