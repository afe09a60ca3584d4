// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/quarry/quarry/state"
	"github.com/hashicorp/quarry/quarry/structs"
)

// Connection types for topology-wired allocations.
const (
	ConnTorus = "torus"
	ConnMesh  = "mesh"
	// ConnNAV picks torus where a dimension wraps and mesh otherwise.
	ConnNAV = "nav"
	// ConnSmall carves a sub-midplane block.
	ConnSmall = "small"
)

// Switch wiring patterns, one per midplane per axis. Torus lines wrap the
// last midplane back to the first; mesh lines terminate.
const (
	WireTorusFirst = "torus_first"
	WireTorusMid   = "torus_mid"
	WireTorusLast  = "torus_last"
	WireMeshFirst  = "mesh_first"
	WireMeshMid    = "mesh_mid"
	WireMeshLast   = "mesh_last"
)

// SwitchOp programs one midplane switch along one axis.
type SwitchOp struct {
	Midplane [3]uint16
	Axis     int
	Pattern  string
}

// smallBlockSizes are the only node counts a sub-midplane block may have,
// in ascending order.
var smallBlockSizes = []uint32{16, 32, 64, 128, 256}

// rect is an axis-aligned box of midplanes.
type rect struct {
	origin [3]uint16
	dim    [3]uint16
}

func (r rect) volume() uint32 {
	return uint32(r.dim[0]) * uint32(r.dim[1]) * uint32(r.dim[2])
}

func (r rect) contains(p [3]uint16) bool {
	for a := 0; a < 3; a++ {
		if p[a] < r.origin[a] || p[a] >= r.origin[a]+r.dim[a] {
			return false
		}
	}
	return true
}

// Block is one committed topology allocation.
type Block struct {
	ID     uint32
	Origin [3]uint16
	Dim    [3]uint16
	// SmallSize is the node count when the block is a sub-midplane carve;
	// zero for whole-midplane blocks.
	SmallSize uint32
	Conn      string
	Wiring    []SwitchOp
	JobID     uint64
}

// smallState tracks sub-midplane carving of one midplane.
type smallState struct {
	origin [3]uint16
	// free counts unallocated sub-blocks by size.
	free map[uint32]uint32
	used uint32
}

// Topology owns the free-space accounting of a 3D torus-wired cluster.
// All methods are safe for concurrent use.
type Topology struct {
	mu sync.Mutex

	dims [3]uint16
	// midplaneNodes is the node count of one coordinate unit.
	midplaneNodes uint32

	free   []rect
	blocks map[uint32]*Block
	small  map[[3]uint16]*smallState
	nextID uint32
}

// NewTopology builds an empty cluster of dims midplanes, each carrying
// midplaneNodes nodes.
func NewTopology(dims [3]uint16, midplaneNodes uint32) (*Topology, error) {
	for a := 0; a < 3; a++ {
		if dims[a] == 0 {
			return nil, structs.NewInvalidRequestError("topology dimension %d is zero", a)
		}
	}
	if midplaneNodes == 0 {
		return nil, structs.NewInvalidRequestError("midplane node count is zero")
	}
	return &Topology{
		dims:          dims,
		midplaneNodes: midplaneNodes,
		free:          []rect{{dim: dims}},
		blocks:        make(map[uint32]*Block),
		small:         make(map[[3]uint16]*smallState),
		nextID:        1,
	}, nil
}

// Alloc carves a block for nodes compute nodes with the requested
// connection type. Requests that can never fit the machine fail with a
// distinct geometry error so callers can fail the job rather than queue
// it.
func (t *Topology) Alloc(nodes uint32, conn string) (*Block, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if nodes == 0 {
		return nil, structs.NewInvalidRequestError("topology request for zero nodes")
	}
	if conn == "" {
		conn = ConnNAV
	}

	if nodes < t.midplaneNodes || conn == ConnSmall {
		return t.allocSmall(nodes)
	}

	mpCount := roundUpPow2((nodes + t.midplaneNodes - 1) / t.midplaneNodes)
	if mpCount > uint32(t.dims[0])*uint32(t.dims[1])*uint32(t.dims[2]) {
		return nil, fmt.Errorf("request for %d nodes exceeds machine geometry: %w",
			nodes, structs.ErrInvalidRequest)
	}

	shape, target, ok := t.findFit(mpCount)
	if !ok {
		return nil, fmt.Errorf("%w: no free %d-midplane block", structs.ErrInsufficientResources, mpCount)
	}
	carved := t.carve(target, shape)

	b := &Block{
		ID:     t.nextID,
		Origin: carved.origin,
		Dim:    carved.dim,
		Conn:   conn,
	}
	t.nextID++
	b.Wiring = t.wire(carved, conn)
	t.blocks[b.ID] = b
	metrics.SetGauge([]string{"quarry", "topo", "blocks"}, float32(len(t.blocks)))
	return b, nil
}

// allocSmall satisfies a sub-midplane request, carving a fresh midplane
// through the deterministic subdivision table when no free sub-block of
// the right size exists.
func (t *Topology) allocSmall(nodes uint32) (*Block, error) {
	size, ok := smallSizeFor(nodes, t.midplaneNodes)
	if !ok {
		return nil, fmt.Errorf("no sub-midplane geometry for %d nodes: %w",
			nodes, structs.ErrInvalidRequest)
	}

	st := t.smallWithFree(size)
	if st == nil {
		// Carve a whole midplane into the subdivision multiset.
		shape := [3]uint16{1, 1, 1}
		_, target, ok := t.findFitShape(shape)
		if !ok {
			return nil, fmt.Errorf("%w: no free midplane for small block", structs.ErrInsufficientResources)
		}
		carved := t.carve(target, shape)
		st = &smallState{origin: carved.origin, free: make(map[uint32]uint32)}
		for _, s := range subdivide(t.midplaneNodes, size) {
			st.free[s]++
		}
		t.small[carved.origin] = st
	}

	st.free[size]--
	if st.free[size] == 0 {
		delete(st.free, size)
	}
	st.used += size

	b := &Block{
		ID:        t.nextID,
		Origin:    st.origin,
		Dim:       [3]uint16{1, 1, 1},
		SmallSize: size,
		Conn:      ConnSmall,
	}
	t.nextID++
	t.blocks[b.ID] = b
	return b, nil
}

// Free releases a block and coalesces free space.
func (t *Topology) Free(id uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.blocks[id]
	if !ok {
		return fmt.Errorf("block %d: %w", id, structs.ErrNotFound)
	}
	delete(t.blocks, id)

	if b.SmallSize > 0 {
		st, ok := t.small[b.Origin]
		if !ok {
			return fmt.Errorf("small block %d lost its midplane state", id)
		}
		st.free[b.SmallSize]++
		st.used -= b.SmallSize
		if st.used == 0 {
			// Whole midplane reassembled.
			delete(t.small, b.Origin)
			t.free = append(t.free, rect{origin: b.Origin, dim: [3]uint16{1, 1, 1}})
			t.coalesce()
		}
		return nil
	}

	t.free = append(t.free, rect{origin: b.Origin, dim: b.Dim})
	t.coalesce()
	return nil
}

// BlockByJob finds the committed block of a job.
func (t *Topology) BlockByJob(jobID uint64) (*Block, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.blocks {
		if b.JobID == jobID {
			return b, true
		}
	}
	return nil, false
}

// findFit picks the smallest free rect that can hold mpCount midplanes in
// some power-of-two shape and axis permutation.
func (t *Topology) findFit(mpCount uint32) ([3]uint16, int, bool) {
	best := -1
	var bestShape [3]uint16
	for _, shape := range shapesFor(mpCount, t.dims) {
		for i, f := range t.free {
			if f.dim[0] < shape[0] || f.dim[1] < shape[1] || f.dim[2] < shape[2] {
				continue
			}
			if best < 0 || f.volume() < t.free[best].volume() {
				best = i
				bestShape = shape
			}
		}
	}
	return bestShape, best, best >= 0
}

func (t *Topology) findFitShape(shape [3]uint16) ([3]uint16, int, bool) {
	best := -1
	for i, f := range t.free {
		if f.dim[0] < shape[0] || f.dim[1] < shape[1] || f.dim[2] < shape[2] {
			continue
		}
		if best < 0 || f.volume() < t.free[best].volume() {
			best = i
		}
	}
	return shape, best, best >= 0
}

// carve splits free rect i around a shape-sized corner allocation using
// guillotine cuts, leaving at most three remainder rects.
func (t *Topology) carve(i int, shape [3]uint16) rect {
	f := t.free[i]
	t.free = append(t.free[:i], t.free[i+1:]...)

	alloc := rect{origin: f.origin, dim: shape}
	rest := f
	for a := 0; a < 3; a++ {
		if rest.dim[a] == shape[a] {
			continue
		}
		split := rest
		split.origin[a] += shape[a]
		split.dim[a] = rest.dim[a] - shape[a]
		t.free = append(t.free, split)
		rest.dim[a] = shape[a]
	}
	return alloc
}

// coalesce merges free rects that share a full face, repeating until no
// merge applies.
func (t *Topology) coalesce() {
	merged := true
	for merged {
		merged = false
		for i := 0; i < len(t.free) && !merged; i++ {
			for j := i + 1; j < len(t.free) && !merged; j++ {
				if m, ok := mergeRects(t.free[i], t.free[j]); ok {
					t.free[i] = m
					t.free = append(t.free[:j], t.free[j+1:]...)
					merged = true
				}
			}
		}
	}
	sort.Slice(t.free, func(i, j int) bool {
		a, b := t.free[i], t.free[j]
		if a.origin != b.origin {
			return lessCoord(a.origin, b.origin)
		}
		return lessCoord(a.dim, b.dim)
	})
}

func lessCoord(a, b [3]uint16) bool {
	for i := 0; i < 3; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// mergeRects joins two rects differing only along one axis where they
// abut.
func mergeRects(a, b rect) (rect, bool) {
	for axis := 0; axis < 3; axis++ {
		same := true
		for o := 0; o < 3; o++ {
			if o == axis {
				continue
			}
			if a.origin[o] != b.origin[o] || a.dim[o] != b.dim[o] {
				same = false
				break
			}
		}
		if !same {
			continue
		}
		if a.origin[axis]+a.dim[axis] == b.origin[axis] {
			m := a
			m.dim[axis] += b.dim[axis]
			return m, true
		}
		if b.origin[axis]+b.dim[axis] == a.origin[axis] {
			m := b
			m.dim[axis] += a.dim[axis]
			return m, true
		}
	}
	return rect{}, false
}

// wire emits one switch op per midplane per axis. A dimension wraps into a
// torus only when the block spans the whole machine along that axis;
// otherwise NAV degrades to mesh.
func (t *Topology) wire(r rect, conn string) []SwitchOp {
	var ops []SwitchOp
	for a := 0; a < 3; a++ {
		if r.dim[a] == 1 {
			continue
		}
		torus := false
		switch conn {
		case ConnTorus:
			torus = true
		case ConnNAV:
			torus = r.dim[a] == t.dims[a]
		}
		forEachMidplane(r, func(p [3]uint16) {
			rel := p[a] - r.origin[a]
			var pattern string
			switch {
			case rel == 0 && torus:
				pattern = WireTorusFirst
			case rel == r.dim[a]-1 && torus:
				pattern = WireTorusLast
			case torus:
				pattern = WireTorusMid
			case rel == 0:
				pattern = WireMeshFirst
			case rel == r.dim[a]-1:
				pattern = WireMeshLast
			default:
				pattern = WireMeshMid
			}
			ops = append(ops, SwitchOp{Midplane: p, Axis: a, Pattern: pattern})
		})
	}
	return ops
}

func forEachMidplane(r rect, fn func([3]uint16)) {
	for x := r.origin[0]; x < r.origin[0]+r.dim[0]; x++ {
		for y := r.origin[1]; y < r.origin[1]+r.dim[1]; y++ {
			for z := r.origin[2]; z < r.origin[2]+r.dim[2]; z++ {
				fn([3]uint16{x, y, z})
			}
		}
	}
}

func (t *Topology) smallWithFree(size uint32) *smallState {
	var keys [][3]uint16
	for k := range t.small {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return lessCoord(keys[i], keys[j]) })
	for _, k := range keys {
		if t.small[k].free[size] > 0 {
			return t.small[k]
		}
	}
	return nil
}

// smallSizeFor rounds a node count up to the smallest legal sub-midplane
// size below the midplane.
func smallSizeFor(nodes, midplaneNodes uint32) (uint32, bool) {
	for _, s := range smallBlockSizes {
		if s >= midplaneNodes {
			break
		}
		if s >= nodes {
			return s, true
		}
	}
	return 0, false
}

// subdivide returns the multiset of sub-block sizes a midplane splits into
// when the smallest requested size is req. Halving proceeds top down; each
// level keeps one half intact and splits the other until the requested
// size is reached, so a 256-node midplane asked for 16 yields
// {16,16,32,64,128}.
func subdivide(midplaneNodes, req uint32) []uint32 {
	var out []uint32
	size := midplaneNodes
	for size/2 >= req {
		size /= 2
		out = append(out, size)
	}
	out = append(out, size)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// shapesFor enumerates the power-of-two box shapes of the given volume
// that fit inside dims, most compact first.
func shapesFor(volume uint32, dims [3]uint16) [][3]uint16 {
	var shapes [][3]uint16
	seen := make(map[[3]uint16]struct{})
	for dx := uint32(1); dx <= volume; dx *= 2 {
		if volume%dx != 0 {
			continue
		}
		rem := volume / dx
		for dy := uint32(1); dy <= rem; dy *= 2 {
			if rem%dy != 0 {
				continue
			}
			dz := rem / dy
			if dz != roundUpPow2(dz) {
				continue
			}
			base := [3]uint16{uint16(dx), uint16(dy), uint16(dz)}
			for _, p := range permute3(base) {
				if p[0] > dims[0] || p[1] > dims[1] || p[2] > dims[2] {
					continue
				}
				if _, ok := seen[p]; ok {
					continue
				}
				seen[p] = struct{}{}
				shapes = append(shapes, p)
			}
		}
	}
	// Prefer cubes over slabs over sticks: smaller max edge first.
	sort.Slice(shapes, func(i, j int) bool {
		mi, mj := maxEdge(shapes[i]), maxEdge(shapes[j])
		if mi != mj {
			return mi < mj
		}
		return lessCoord(shapes[i], shapes[j])
	})
	return shapes
}

func permute3(d [3]uint16) [][3]uint16 {
	return [][3]uint16{
		{d[0], d[1], d[2]}, {d[0], d[2], d[1]},
		{d[1], d[0], d[2]}, {d[1], d[2], d[0]},
		{d[2], d[0], d[1]}, {d[2], d[1], d[0]},
	}
}

func maxEdge(d [3]uint16) uint16 {
	m := d[0]
	if d[1] > m {
		m = d[1]
	}
	if d[2] > m {
		m = d[2]
	}
	return m
}

func roundUpPow2(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	p := uint32(1)
	for p < v {
		p *= 2
	}
	return p
}

// TopoSelector adapts Topology to the selector interface. Blocks are
// whole-node and exclusive; core-level sharing does not apply on wired
// machines.
type TopoSelector struct {
	logger hclog.Logger
	topo   *Topology
}

func NewTopoSelector(logger hclog.Logger, topo *Topology) *TopoSelector {
	return &TopoSelector{logger: logger.Named("topo"), topo: topo}
}

func (s *TopoSelector) Name() string { return "topology" }

func (s *TopoSelector) Select(snap *state.SchedulerSnapshot, req *Request) *Result {
	defer metrics.MeasureSince([]string{"quarry", "sched", "topo", "select"}, time.Now())

	nodes := req.Job.Request.MinNodes
	if nodes == 0 {
		nodes = req.Job.Request.MinCPUs
	}
	if nodes == 0 {
		return &Result{Err: structs.NewInvalidRequestError("topology job requests no nodes")}
	}

	block, err := s.topo.Alloc(nodes, req.Job.Request.Connection)
	if err != nil {
		return &Result{Err: err, EarliestStart: earliestRelease(snap, req)}
	}

	res, rerr := s.resourcesFor(snap, req, block)
	if rerr != nil || req.Mode != ModeRunNow {
		if ferr := s.topo.Free(block.ID); ferr != nil {
			s.logger.Error("block rollback failed", "block", block.ID, "error", ferr)
		}
		if rerr != nil {
			return &Result{Err: rerr, EarliestStart: earliestRelease(snap, req)}
		}
		return &Result{Resources: res}
	}
	block.JobID = req.Job.ID
	return &Result{Resources: res}
}

// Release returns a job's block to the free pool after the job leaves its
// nodes.
func (s *TopoSelector) Release(jobID uint64) {
	if b, ok := s.topo.BlockByJob(jobID); ok {
		if err := s.topo.Free(b.ID); err != nil {
			s.logger.Error("block free failed", "block", b.ID, "error", err)
		}
	}
}

// resourcesFor maps a carved block onto the candidate nodes. Every node
// inside the block must be a candidate; drained or reserved nodes inside
// the box sink the placement.
func (s *TopoSelector) resourcesFor(snap *state.SchedulerSnapshot, req *Request, block *Block) (*structs.JobResources, error) {
	r := rect{origin: block.Origin, dim: block.Dim}
	var chosen []*structs.Node
	for _, n := range snap.Nodes {
		if n.Coords == nil || !r.contains(*n.Coords) {
			continue
		}
		if !req.Candidates.Check(n.Index) {
			return nil, fmt.Errorf("%w: node %s inside block is unavailable",
				structs.ErrInsufficientResources, n.Name)
		}
		chosen = append(chosen, n)
		if block.SmallSize > 0 && uint32(len(chosen)) == block.SmallSize {
			break
		}
	}
	if len(chosen) == 0 {
		return nil, fmt.Errorf("%w: block covers no registered nodes", structs.ErrInsufficientResources)
	}
	sort.Slice(chosen, func(i, j int) bool { return chosen[i].Index < chosen[j].Index })

	res := &structs.JobResources{NodeReq: structs.NodeReqReserved}
	maxIdx := chosen[len(chosen)-1].Index
	nb, err := structs.NewBitmap(maxIdx + 1)
	if err != nil {
		return nil, err
	}
	res.NodeBitmap = nb
	var totalCores uint
	for _, n := range chosen {
		totalCores += uint(n.Cores())
	}
	cb, err := structs.NewBitmap(totalCores)
	if err != nil {
		return nil, err
	}
	res.CoreBitmap = cb
	res.CoreOffsets = []uint{0}

	offset := uint(0)
	for _, n := range chosen {
		res.NodeBitmap.Set(n.Index)
		res.NodeNames = append(res.NodeNames, n.Name)
		cores := uint(n.Cores())
		for c := uint(0); c < cores; c++ {
			res.CoreBitmap.Set(offset + c)
		}
		offset += cores
		res.CoreOffsets = append(res.CoreOffsets, offset)
		threads := uint32(1)
		if n.Config != nil && n.Config.ThreadsPerCore > 1 {
			threads = n.Config.ThreadsPerCore
		}
		res.AllocCPUs = append(res.AllocCPUs, n.Cores()*threads)
		_, mem := n.EffectiveResources(structs.FastScheduleUseConfig)
		res.AllocMemoryMB = append(res.AllocMemoryMB, mem)
		res.UsedMemoryMB = append(res.UsedMemoryMB, 0)
		res.Gres = append(res.Gres, nil)
	}
	return res, nil
}
