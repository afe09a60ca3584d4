// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// Bitmap is a simple uncompressed bitmap over a fixed universe of node or
// core indexes. The universe size is byte aligned so that the length of the
// backing slice fully determines it.
type Bitmap []byte

// NewBitmap returns a bitmap with up to size indexes. Sizes that are not a
// multiple of 8 are rounded up so the universe stays byte aligned.
func NewBitmap(size uint) (Bitmap, error) {
	if size == 0 {
		return nil, fmt.Errorf("bitmap must be positive size")
	}
	return make(Bitmap, (size+7)>>3), nil
}

// Size returns the universe size of the bitmap.
func (b Bitmap) Size() uint {
	return uint(len(b)) << 3
}

// Copy returns a deep copy of the bitmap.
func (b Bitmap) Copy() Bitmap {
	out := make(Bitmap, len(b))
	copy(out, b)
	return out
}

// Set is used to set the given index of the bitmap
func (b Bitmap) Set(idx uint) {
	bucket := idx >> 3
	mask := byte(1 << (idx & 7))
	b[bucket] |= mask
}

// Unset removes the given index from the bitmap
func (b Bitmap) Unset(idx uint) {
	bucket := idx >> 3
	mask := byte(1 << (idx & 7))
	b[bucket] &^= mask
}

// Check is used to check the given index of the bitmap
func (b Bitmap) Check(idx uint) bool {
	bucket := idx >> 3
	mask := byte(1 << (idx & 7))
	return (b[bucket] & mask) != 0
}

// Clear is used to efficiently clear the bitmap
func (b Bitmap) Clear() {
	for i := range b {
		b[i] = 0
	}
}

// SetAll sets every index in the universe.
func (b Bitmap) SetAll() {
	for i := range b {
		b[i] = 0xff
	}
}

// Count returns the number of set indexes.
func (b Bitmap) Count() uint {
	var n int
	for _, x := range b {
		n += bits.OnesCount8(x)
	}
	return uint(n)
}

// And intersects other into b in place. The universes must match.
func (b Bitmap) And(other Bitmap) {
	for i := range b {
		b[i] &= other[i]
	}
}

// AndNot removes every index set in other from b in place.
func (b Bitmap) AndNot(other Bitmap) {
	for i := range b {
		b[i] &^= other[i]
	}
}

// Or unions other into b in place.
func (b Bitmap) Or(other Bitmap) {
	for i := range b {
		b[i] |= other[i]
	}
}

// Not flips every index of the universe in place.
func (b Bitmap) Not() {
	for i := range b {
		b[i] = ^b[i]
	}
}

// IsSuperset returns true if every index set in other is also set in b.
func (b Bitmap) IsSuperset(other Bitmap) bool {
	for i := range b {
		if other[i]&^b[i] != 0 {
			return false
		}
	}
	return true
}

// Overlaps returns true if b and other share any set index.
func (b Bitmap) Overlaps(other Bitmap) bool {
	for i := range b {
		if b[i]&other[i] != 0 {
			return true
		}
	}
	return false
}

// Ffs returns the first set index and true, or false for an empty bitmap.
func (b Bitmap) Ffs() (uint, bool) {
	for i, x := range b {
		if x != 0 {
			return uint(i)<<3 + uint(bits.TrailingZeros8(x)), true
		}
	}
	return 0, false
}

// Fls returns the last set index and true, or false for an empty bitmap.
func (b Bitmap) Fls() (uint, bool) {
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0 {
			return uint(i)<<3 + uint(7-bits.LeadingZeros8(b[i])), true
		}
	}
	return 0, false
}

// IndexesInRange returns the indexes in which the values are either set or
// unset based on the passed parameter in the passed range
func (b Bitmap) IndexesInRange(set bool, from, to uint) []int {
	var indexes []int
	for i := from; i <= to && i < b.Size(); i++ {
		c := b.Check(i)
		if c == set {
			indexes = append(indexes, int(i))
		}
	}
	return indexes
}

// String formats the set indexes as a comma separated list of ranges, such
// as "0-3,7,12-15". The empty bitmap formats as "".
func (b Bitmap) String() string {
	var parts []string
	run := -1
	last := -1
	flush := func() {
		if run < 0 {
			return
		}
		if run == last {
			parts = append(parts, strconv.Itoa(run))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", run, last))
		}
	}
	for i := uint(0); i < b.Size(); i++ {
		if !b.Check(i) {
			continue
		}
		if last == int(i)-1 && run >= 0 {
			last = int(i)
			continue
		}
		flush()
		run, last = int(i), int(i)
	}
	flush()
	return strings.Join(parts, ",")
}

// ParseBitmap is the inverse of String. The universe size must be supplied
// since the textual form does not carry it.
func ParseBitmap(s string, size uint) (Bitmap, error) {
	b, err := NewBitmap(size)
	if err != nil {
		return nil, err
	}
	if s == "" {
		return b, nil
	}
	for _, part := range strings.Split(s, ",") {
		lo, hi, ok := strings.Cut(part, "-")
		start, err := strconv.ParseUint(lo, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid bitmap range %q: %w", part, err)
		}
		end := start
		if ok {
			end, err = strconv.ParseUint(hi, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid bitmap range %q: %w", part, err)
			}
		}
		if end < start || uint(end) >= b.Size() {
			return nil, fmt.Errorf("bitmap range %q out of bounds [0, %d)", part, b.Size())
		}
		for i := uint(start); i <= uint(end); i++ {
			b.Set(i)
		}
	}
	return b, nil
}
