// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import "fmt"

// Sharing classes summarizing how an allocation interacts with others on
// its nodes.
const (
	// NodeReqReserved removes the nodes from every other partition's
	// available set while the job runs.
	NodeReqReserved = "reserved"
	// NodeReqOneRow shares nodes but not cores: the job occupies a full
	// partition row.
	NodeReqOneRow = "one_row"
	// NodeReqAvailable permits co-allocation up to the partition's row
	// count.
	NodeReqAvailable = "available"
)

// JobResources is the bit-exact record of what a running job owns. The
// core bitmap concatenates each node's cores in canonical node order.
type JobResources struct {
	NodeBitmap Bitmap
	NodeNames  []string

	// CoreBitmap spans CoreOffsets[len(NodeNames)] bits; node i owns
	// [CoreOffsets[i], CoreOffsets[i+1]).
	CoreBitmap  Bitmap
	CoreOffsets []uint

	// Per node, in canonical order.
	AllocCPUs     []uint32
	AllocMemoryMB []uint64
	UsedMemoryMB  []uint64
	Gres          []GresMap

	NodeReq string

	// Row is the partition sharing row this allocation occupies; only
	// meaningful for NodeReqAvailable.
	Row uint32
}

// NCores returns the total core capacity recorded across all nodes.
func (r *JobResources) NCores() uint {
	if len(r.CoreOffsets) == 0 {
		return 0
	}
	return r.CoreOffsets[len(r.CoreOffsets)-1]
}

// TotalCPUs sums the allocated cpu counts across nodes.
func (r *JobResources) TotalCPUs() uint32 {
	var total uint32
	for _, c := range r.AllocCPUs {
		total += c
	}
	return total
}

// TotalMemoryMB sums the allocated memory across nodes.
func (r *JobResources) TotalMemoryMB() uint64 {
	var total uint64
	for _, m := range r.AllocMemoryMB {
		total += m
	}
	return total
}

// NodeOrdinal maps a node name to its position in the canonical order.
func (r *JobResources) NodeOrdinal(name string) (int, bool) {
	for i, n := range r.NodeNames {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// CoresOnNode returns the core indexes held on the i-th allocated node,
// relative to that node's own core numbering.
func (r *JobResources) CoresOnNode(i int) []uint {
	if i < 0 || i+1 >= len(r.CoreOffsets) {
		return nil
	}
	var cores []uint
	for c := r.CoreOffsets[i]; c < r.CoreOffsets[i+1]; c++ {
		if r.CoreBitmap.Check(c) {
			cores = append(cores, c-r.CoreOffsets[i])
		}
	}
	return cores
}

// Validate enforces internal consistency before the allocation is
// committed to a job.
func (r *JobResources) Validate() error {
	n := len(r.NodeNames)
	if n == 0 {
		return NewInvalidRequestError("allocation covers no nodes")
	}
	if len(r.CoreOffsets) != n+1 {
		return NewInvalidRequestError("core offsets do not match node list")
	}
	if len(r.AllocCPUs) != n || len(r.AllocMemoryMB) != n {
		return NewInvalidRequestError("per-node counters do not match node list")
	}
	if got := r.NodeBitmap.Count(); got != uint(n) {
		return NewInvalidRequestError("node bitmap has %d bits for %d nodes", got, n)
	}
	switch r.NodeReq {
	case NodeReqReserved, NodeReqOneRow, NodeReqAvailable:
	default:
		return NewInvalidRequestError("unknown sharing class %q", r.NodeReq)
	}
	for i := range r.NodeNames {
		if r.AllocCPUs[i] == 0 {
			return NewInvalidRequestError("node %s allocated zero cpus", r.NodeNames[i])
		}
	}
	return nil
}

func (r *JobResources) Copy() *JobResources {
	if r == nil {
		return nil
	}
	out := *r
	out.NodeBitmap = r.NodeBitmap.Copy()
	out.NodeNames = append([]string(nil), r.NodeNames...)
	out.CoreBitmap = r.CoreBitmap.Copy()
	out.CoreOffsets = append([]uint(nil), r.CoreOffsets...)
	out.AllocCPUs = append([]uint32(nil), r.AllocCPUs...)
	out.AllocMemoryMB = append([]uint64(nil), r.AllocMemoryMB...)
	out.UsedMemoryMB = append([]uint64(nil), r.UsedMemoryMB...)
	out.Gres = make([]GresMap, len(r.Gres))
	for i, g := range r.Gres {
		out.Gres[i] = g.Copy()
	}
	return &out
}

func (r *JobResources) String() string {
	return fmt.Sprintf("nodes=%v cpus=%d mem=%dMB class=%s",
		r.NodeNames, r.TotalCPUs(), r.TotalMemoryMB(), r.NodeReq)
}
