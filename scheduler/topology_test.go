// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/quarry/quarry/structs"
)

func testTopology(t *testing.T) *Topology {
	t.Helper()
	topo, err := NewTopology([3]uint16{4, 4, 4}, 1)
	must.NoError(t, err)
	return topo
}

func TestTopology_FillAndFail(t *testing.T) {
	topo := testTopology(t)

	// 32 + 16 + 16 exactly fills the 64-midplane machine.
	a, err := topo.Alloc(32, ConnTorus)
	must.NoError(t, err)
	must.Eq(t, uint32(32), rect{origin: a.Origin, dim: a.Dim}.volume())

	b, err := topo.Alloc(16, ConnTorus)
	must.NoError(t, err)
	must.Eq(t, uint32(16), rect{origin: b.Origin, dim: b.Dim}.volume())

	c, err := topo.Alloc(16, ConnTorus)
	must.NoError(t, err)
	must.Eq(t, uint32(16), rect{origin: c.Origin, dim: c.Dim}.volume())

	// No allocated boxes overlap.
	boxes := []*Block{a, b, c}
	for i := range boxes {
		for j := i + 1; j < len(boxes); j++ {
			must.False(t, rectsOverlap(
				rect{origin: boxes[i].Origin, dim: boxes[i].Dim},
				rect{origin: boxes[j].Origin, dim: boxes[j].Dim}))
		}
	}

	// The machine is full.
	_, err = topo.Alloc(8, ConnTorus)
	must.Error(t, err)
	must.ErrorIs(t, err, structs.ErrInsufficientResources)

	// Freeing one 16 reopens room for the 8.
	must.NoError(t, topo.Free(b.ID))
	d, err := topo.Alloc(8, ConnTorus)
	must.NoError(t, err)
	must.Eq(t, uint32(8), rect{origin: d.Origin, dim: d.Dim}.volume())
}

func rectsOverlap(a, b rect) bool {
	for axis := 0; axis < 3; axis++ {
		if a.origin[axis]+a.dim[axis] <= b.origin[axis] ||
			b.origin[axis]+b.dim[axis] <= a.origin[axis] {
			return false
		}
	}
	return true
}

func TestTopology_RoundsUpToPowerOfTwo(t *testing.T) {
	topo := testTopology(t)

	// 3 midplanes rounds up to a 4-midplane box.
	b, err := topo.Alloc(3, ConnMesh)
	must.NoError(t, err)
	must.Eq(t, uint32(4), rect{origin: b.Origin, dim: b.Dim}.volume())
}

func TestTopology_GeometryError(t *testing.T) {
	topo := testTopology(t)

	// 128 midplanes can never fit a 64-midplane machine, full or empty.
	_, err := topo.Alloc(128, ConnTorus)
	must.Error(t, err)
	must.ErrorIs(t, err, structs.ErrInvalidRequest)
}

func TestTopology_FreeCoalesces(t *testing.T) {
	topo := testTopology(t)

	var ids []uint32
	for i := 0; i < 4; i++ {
		b, err := topo.Alloc(16, ConnMesh)
		must.NoError(t, err)
		ids = append(ids, b.ID)
	}
	_, err := topo.Alloc(16, ConnMesh)
	must.Error(t, err)

	for _, id := range ids {
		must.NoError(t, topo.Free(id))
	}

	// After freeing everything a full-machine block fits again, which
	// requires the free list to have coalesced.
	b, err := topo.Alloc(64, ConnTorus)
	must.NoError(t, err)
	must.Eq(t, [3]uint16{4, 4, 4}, b.Dim)
}

func TestTopology_Wiring(t *testing.T) {
	topo := testTopology(t)

	b, err := topo.Alloc(64, ConnTorus)
	must.NoError(t, err)

	// Every axis spans the machine: 3 axes x 64 midplanes.
	must.Len(t, 192, b.Wiring)
	counts := map[string]int{}
	for _, op := range b.Wiring {
		counts[op.Pattern]++
	}
	// Per axis: 16 lines of 4 midplanes, wrap at both ends.
	must.Eq(t, 48, counts[WireTorusFirst])
	must.Eq(t, 48, counts[WireTorusLast])
	must.Eq(t, 96, counts[WireTorusMid])
	must.MapEmpty(t, filterMesh(counts))
}

func TestTopology_NAVDegradesToMesh(t *testing.T) {
	topo := testTopology(t)

	// A 2x2x2 box does not span any dimension; NAV wires mesh.
	b, err := topo.Alloc(8, ConnNAV)
	must.NoError(t, err)
	for _, op := range b.Wiring {
		must.StrContains(t, op.Pattern, "mesh")
	}
}

func filterMesh(counts map[string]int) map[string]int {
	out := map[string]int{}
	for k, v := range counts {
		if k == WireMeshFirst || k == WireMeshMid || k == WireMeshLast {
			out[k] = v
		}
	}
	return out
}

func TestTopology_SmallBlocks(t *testing.T) {
	topo, err := NewTopology([3]uint16{2, 2, 2}, 256)
	must.NoError(t, err)

	// The first small request carves one midplane into the subdivision
	// multiset; the rest are served from the leftovers.
	b16, err := topo.Alloc(16, ConnSmall)
	must.NoError(t, err)
	must.Eq(t, uint32(16), b16.SmallSize)

	b16b, err := topo.Alloc(16, ConnSmall)
	must.NoError(t, err)
	must.Eq(t, b16.Origin, b16b.Origin)

	b128, err := topo.Alloc(128, ConnSmall)
	must.NoError(t, err)
	must.Eq(t, b16.Origin, b128.Origin)

	// Freeing every carve reassembles the midplane.
	must.NoError(t, topo.Free(b16.ID))
	must.NoError(t, topo.Free(b16b.ID))
	must.NoError(t, topo.Free(b128.ID))

	// Round trip once more through a fresh carve.
	b32, err := topo.Alloc(32, ConnSmall)
	must.NoError(t, err)
	b64, err := topo.Alloc(64, ConnSmall)
	must.NoError(t, err)
	must.NoError(t, topo.Free(b32.ID))
	must.NoError(t, topo.Free(b64.ID))

	full, err := topo.Alloc(8*256, ConnTorus)
	must.NoError(t, err)
	must.Eq(t, [3]uint16{2, 2, 2}, full.Dim)
}

func TestSubdivide(t *testing.T) {
	must.Eq(t, []uint32{16, 16, 32, 64, 128}, subdivide(256, 16))
	must.Eq(t, []uint32{64, 64, 128}, subdivide(256, 64))
	must.Eq(t, []uint32{16, 16, 32, 64, 128, 256}, subdivide(512, 16))
	must.Eq(t, []uint32{256, 256}, subdivide(512, 256))
}
