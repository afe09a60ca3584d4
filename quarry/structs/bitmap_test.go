// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"testing"

	"github.com/shoenig/test/must"
	"pgregory.net/rapid"
)

func TestBitmap_Basics(t *testing.T) {
	b, err := NewBitmap(20)
	must.NoError(t, err)
	// Universe rounds up to the byte boundary.
	must.Eq(t, uint(24), b.Size())

	b.Set(0)
	b.Set(7)
	b.Set(19)
	must.True(t, b.Check(0))
	must.True(t, b.Check(7))
	must.True(t, b.Check(19))
	must.False(t, b.Check(1))
	must.Eq(t, uint(3), b.Count())

	b.Unset(7)
	must.False(t, b.Check(7))
	must.Eq(t, uint(2), b.Count())

	first, ok := b.Ffs()
	must.True(t, ok)
	must.Eq(t, uint(0), first)
	last, ok := b.Fls()
	must.True(t, ok)
	must.Eq(t, uint(19), last)

	b.Clear()
	must.Eq(t, uint(0), b.Count())
	_, ok = b.Ffs()
	must.False(t, ok)
}

func TestBitmap_ZeroSize(t *testing.T) {
	_, err := NewBitmap(0)
	must.Error(t, err)
}

func TestBitmap_SetOps(t *testing.T) {
	a, _ := NewBitmap(16)
	b, _ := NewBitmap(16)
	a.Set(1)
	a.Set(2)
	a.Set(3)
	b.Set(2)
	b.Set(3)
	b.Set(4)

	must.True(t, a.Overlaps(b))
	must.False(t, a.IsSuperset(b))
	must.True(t, a.IsSuperset(Bitmap{0b0110, 0}))

	u := a.Copy()
	u.Or(b)
	must.Eq(t, uint(4), u.Count())

	i := a.Copy()
	i.And(b)
	must.Eq(t, uint(2), i.Count())
	must.True(t, i.Check(2))
	must.True(t, i.Check(3))

	d := a.Copy()
	d.AndNot(b)
	must.Eq(t, uint(1), d.Count())
	must.True(t, d.Check(1))
}

func TestBitmap_IndexesInRange(t *testing.T) {
	b, _ := NewBitmap(16)
	b.Set(3)
	b.Set(5)
	b.Set(6)
	must.Eq(t, []int{3, 5, 6}, b.IndexesInRange(true, 0, 15))
	must.Eq(t, []int{5, 6}, b.IndexesInRange(true, 4, 15))
	must.Eq(t, []int{0, 1, 2}, b.IndexesInRange(false, 0, 2))
}

func TestBitmap_String(t *testing.T) {
	b, _ := NewBitmap(24)
	must.Eq(t, "", b.String())

	b.Set(0)
	b.Set(1)
	b.Set(2)
	b.Set(7)
	b.Set(12)
	b.Set(13)
	must.Eq(t, "0-2,7,12-13", b.String())

	parsed, err := ParseBitmap("0-2,7,12-13", 24)
	must.NoError(t, err)
	must.Eq(t, b, parsed)
}

func TestParseBitmap_Errors(t *testing.T) {
	cases := []string{"x", "3-1", "0-99", "99", "1-"}
	for _, in := range cases {
		_, err := ParseBitmap(in, 16)
		must.Error(t, err, must.Sprintf("input %q", in))
	}
}

// The textual range form round-trips through ParseBitmap for any bitmap.
func TestBitmap_StringRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		size := uint(rapid.IntRange(1, 512).Draw(t, "size"))
		b, err := NewBitmap(size)
		if err != nil {
			t.Fatalf("new bitmap: %v", err)
		}
		n := rapid.IntRange(0, int(b.Size())).Draw(t, "bits")
		for i := 0; i < n; i++ {
			b.Set(uint(rapid.IntRange(0, int(b.Size())-1).Draw(t, "idx")))
		}
		parsed, err := ParseBitmap(b.String(), b.Size())
		if err != nil {
			t.Fatalf("parse %q: %v", b.String(), err)
		}
		if parsed.String() != b.String() {
			t.Fatalf("round trip mismatch: %q != %q", parsed.String(), b.String())
		}
		for i := uint(0); i < b.Size(); i++ {
			if parsed.Check(i) != b.Check(i) {
				t.Fatalf("bit %d differs after round trip", i)
			}
		}
	})
}
