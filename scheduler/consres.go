// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"fmt"
	"sort"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/quarry/quarry/state"
	"github.com/hashicorp/quarry/quarry/structs"
)

// ConsRes allocates individual cores and memory instead of whole nodes.
// Selection runs in escalating attempts: idle nodes only, then the most
// optimistic availability (everything evictable treated as free) as a hard
// feasibility gate, then strictly unused cores, then a scan over the
// partition's sharing rows, and finally placement with preemption.
type ConsRes struct {
	fastSchedule int
	lln          bool
	// defaultPreemptMode applies to victim partitions with no mode of
	// their own.
	defaultPreemptMode string
}

func NewConsRes(fastSchedule int, lln bool, defaultPreemptMode string) *ConsRes {
	if defaultPreemptMode == "" {
		defaultPreemptMode = structs.PreemptModeOff
	}
	return &ConsRes{
		fastSchedule:       fastSchedule,
		lln:                lln,
		defaultPreemptMode: defaultPreemptMode,
	}
}

func (c *ConsRes) Name() string { return "cons_res" }

// jobUse is one active job's footprint on one node.
type jobUse struct {
	jobID     uint64
	partition string
	prio      uint32
	nodeReq   string
	row       uint32
	cores     structs.Bitmap
	memoryMB  uint64
	// evictMode is the victim partition's effective preempt mode.
	evictMode string
}

// nodeAvail is the scratch availability view of one node for one attempt.
type nodeAvail struct {
	node      *structs.Node
	cores     uint32
	threads   uint32
	freeCores structs.Bitmap
	freeMemMB uint64
	freeGres  structs.GresMap
	uses      []*jobUse
}

func (c *ConsRes) Select(snap *state.SchedulerSnapshot, req *Request) *Result {
	defer metrics.MeasureSince([]string{"quarry", "sched", "consres", "select"}, time.Now())

	usage := c.buildUsage(snap, req)
	if len(usage) == 0 {
		return &Result{Err: fmt.Errorf("%w: no candidate nodes", structs.ErrInsufficientResources)}
	}
	myPrio := req.Partition.Priority

	// Attempt 1: idle nodes only.
	if res, ok := c.attempt(req, usage, func(n *nodeAvail, u *jobUse) bool { return true },
		func(n *nodeAvail) bool { return snap.Idle.Check(n.node.Index) }); ok {
		return &Result{Resources: res}
	}

	// Attempt 2: the most optimistic view. Every core is free unless its
	// holder can never be displaced. Failure here is a hard insufficiency.
	optimistic := func(n *nodeAvail, u *jobUse) bool {
		return !c.displaceable(u, req, myPrio)
	}
	optRes, optOK := c.attempt(req, usage, optimistic, nil)
	if !optOK {
		return &Result{
			Err:           fmt.Errorf("%w: job exceeds available resources", structs.ErrInsufficientResources),
			EarliestStart: earliestRelease(snap, req),
		}
	}

	// Attempt 3: strictly unused cores, sharing with nobody.
	if res, ok := c.attempt(req, usage, func(n *nodeAvail, u *jobUse) bool { return true }, nil); ok {
		return &Result{Resources: res}
	}

	// Attempt 4: row scan. Jobs in the available sharing class may stack
	// on cores already used by other rows of the same partition.
	if req.NodeReq == structs.NodeReqAvailable {
		rows := req.Partition.Share.Rows()
		for row := uint32(0); row < rows; row++ {
			res, ok := c.attempt(req, usage, func(n *nodeAvail, u *jobUse) bool {
				if u.partition != req.Partition.Name {
					return true
				}
				// Same partition: only the target row's jobs block us, and
				// row-exclusive holders always do.
				return u.nodeReq != structs.NodeReqAvailable || u.row == row
			}, nil)
			if ok {
				res.Row = row
				return &Result{Resources: res}
			}
		}
	}

	// Attempt 5: preemption. The optimistic placement already fits; name
	// the victims on its nodes.
	if req.Mode == ModeTestOnly {
		return &Result{
			Err:           fmt.Errorf("%w: waiting for resources", structs.ErrInsufficientResources),
			EarliestStart: earliestRelease(snap, req),
		}
	}
	victims := c.victimsFor(optRes, usage, req, myPrio)
	if len(victims) == 0 {
		return &Result{
			Err:           fmt.Errorf("%w: waiting for resources", structs.ErrInsufficientResources),
			EarliestStart: earliestRelease(snap, req),
		}
	}
	return &Result{Resources: optRes, Preemptees: victims}
}

// displaceable reports whether the holder's cores may be taken, either by
// sharing or by eviction.
func (c *ConsRes) displaceable(u *jobUse, req *Request, myPrio uint32) bool {
	if u.partition == req.Partition.Name {
		// Same partition: sharing only, and only between available-class
		// jobs. Row assignment happens in the row scan.
		return req.NodeReq == structs.NodeReqAvailable && u.nodeReq == structs.NodeReqAvailable
	}
	if u.prio >= myPrio {
		return false
	}
	return u.evictMode != structs.PreemptModeOff
}

// victimsFor lists every evictable job with a footprint on the chosen
// nodes. Whole jobs are preempted, never per-node fractions.
func (c *ConsRes) victimsFor(res *structs.JobResources, usage map[uint]*nodeAvail, req *Request, myPrio uint32) []uint64 {
	seen := make(map[uint64]struct{})
	var victims []uint64
	for _, name := range res.NodeNames {
		for _, n := range usage {
			if n.node.Name != name {
				continue
			}
			for _, u := range n.uses {
				if u.partition == req.Partition.Name || u.prio >= myPrio {
					continue
				}
				if u.evictMode == structs.PreemptModeOff {
					continue
				}
				if _, ok := seen[u.jobID]; ok {
					continue
				}
				seen[u.jobID] = struct{}{}
				victims = append(victims, u.jobID)
			}
		}
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i] < victims[j] })
	return victims
}

// buildUsage assembles the per-candidate-node availability scratch from
// the snapshot's active jobs.
func (c *ConsRes) buildUsage(snap *state.SchedulerSnapshot, req *Request) map[uint]*nodeAvail {
	usage := make(map[uint]*nodeAvail)
	for _, n := range snap.Nodes {
		if !req.Candidates.Check(n.Index) {
			continue
		}
		cpus, mem := n.EffectiveResources(c.fastSchedule)
		cores := n.Cores()
		if c.fastSchedule != structs.FastScheduleTrustNode && n.Config != nil {
			cores = n.Config.Cores()
		}
		threads := uint32(1)
		if n.Config != nil && n.Config.ThreadsPerCore > 1 {
			threads = n.Config.ThreadsPerCore
		} else if n.ThreadsPerCore > 1 {
			threads = n.ThreadsPerCore
		}
		if cores == 0 {
			cores = cpus
		}
		free, err := structs.NewBitmap(uint(cores))
		if err != nil {
			continue
		}
		setFirst(free, uint(cores))
		gres := n.Gres.Copy()
		if gres == nil {
			gres = make(structs.GresMap)
		}
		usage[n.Index] = &nodeAvail{
			node:      n,
			cores:     cores,
			threads:   threads,
			freeCores: free,
			freeMemMB: mem,
			freeGres:  gres,
		}
	}

	for _, job := range snap.ActiveJobs {
		res := job.Resources
		if res == nil {
			continue
		}
		prio := uint32(0)
		mode := c.defaultPreemptMode
		if p, ok := snap.Partitions[job.Request.Partition]; ok {
			prio = p.Priority
			if p.PreemptMode != "" {
				mode = p.PreemptMode
			}
		}
		for i, name := range res.NodeNames {
			idx, ok := snap.NodeIndex[name]
			if !ok {
				continue
			}
			n, ok := usage[idx]
			if !ok {
				continue
			}
			cores, err := structs.NewBitmap(uint(n.cores))
			if err != nil {
				continue
			}
			for _, cIdx := range res.CoresOnNode(i) {
				if cIdx < uint(n.cores) {
					cores.Set(cIdx)
				}
			}
			var memMB uint64
			if i < len(res.AllocMemoryMB) {
				memMB = res.AllocMemoryMB[i]
			}
			u := &jobUse{
				jobID:     job.ID,
				partition: job.Request.Partition,
				prio:      prio,
				nodeReq:   res.NodeReq,
				row:       res.Row,
				cores:     cores,
				memoryMB:  memMB,
				evictMode: mode,
			}
			n.uses = append(n.uses, u)

			// Memory and gres are never shared across rows.
			if memMB >= n.freeMemMB {
				n.freeMemMB = 0
			} else {
				n.freeMemMB -= memMB
			}
			if i < len(res.Gres) {
				n.freeGres.Subtract(res.Gres[i])
			}
		}
	}
	return usage
}

// attempt builds the availability view where blocks(n, u) keeps the use's
// cores out of reach, then runs placement. nodeOK further restricts the
// candidate set when non-nil.
func (c *ConsRes) attempt(req *Request, usage map[uint]*nodeAvail,
	blocks func(*nodeAvail, *jobUse) bool, nodeOK func(*nodeAvail) bool) (*structs.JobResources, bool) {

	avail := make(map[uint]*nodeAvail, len(usage))
	for idx, n := range usage {
		if nodeOK != nil && !nodeOK(n) {
			continue
		}
		free := n.freeCores.Copy()
		setFirst(free, uint(n.cores))
		mem := n.node.RealMemoryMB
		if c.fastSchedule != structs.FastScheduleTrustNode && n.node.Config != nil {
			mem = n.node.Config.RealMemoryMB
		}
		for _, u := range n.uses {
			blocked := blocks(n, u)
			if blocked {
				free.AndNot(u.cores)
			}
			// Memory is never shared across rows: only eviction of a
			// foreign-partition holder gives its memory back.
			if blocked || u.partition == req.Partition.Name {
				if u.memoryMB >= mem {
					mem = 0
				} else {
					mem -= u.memoryMB
				}
			}
		}
		// Gres accounting follows committed state, not the attempt view.
		gres := n.freeGres.Copy()
		avail[idx] = &nodeAvail{
			node:      n.node,
			cores:     n.cores,
			threads:   n.threads,
			freeCores: free,
			freeMemMB: mem,
			freeGres:  gres,
		}
	}
	return c.place(req, avail)
}

// place picks nodes and cores out of one availability view.
func (c *ConsRes) place(req *Request, avail map[uint]*nodeAvail) (*structs.JobResources, bool) {
	r := &req.Job.Request

	memPerCPU := uint64(0)
	memPerNode := uint64(0)
	if r.PnMinMemoryMB&structs.PerCPUMemoryFlag != 0 {
		memPerCPU = r.PnMinMemoryMB &^ structs.PerCPUMemoryFlag
	} else {
		memPerNode = r.PnMinMemoryMB
	}

	type pick struct {
		n    *nodeAvail
		cpus uint32
	}
	// feasible cpu supply per node under this view.
	supply := func(n *nodeAvail) uint32 {
		if !n.freeGres.Superset(r.Gres) {
			return 0
		}
		cpus := uint32(n.freeCores.Count()) * n.threads
		if req.NodeReq == structs.NodeReqReserved {
			// Whole node or nothing.
			if uint32(n.freeCores.Count()) != n.cores {
				return 0
			}
		}
		if memPerNode > 0 && n.freeMemMB < memPerNode {
			return 0
		}
		if memPerCPU > 0 {
			byMem := uint32(n.freeMemMB / memPerCPU)
			if byMem < cpus {
				cpus = byMem
			}
		}
		if req.Partition.MaxCPUsPerNode > 0 && cpus > req.Partition.MaxCPUsPerNode {
			cpus = req.Partition.MaxCPUsPerNode
		}
		if r.PnMinCPUs > 0 && cpus < r.PnMinCPUs {
			return 0
		}
		return cpus
	}

	perNodeDemand := uint32(0)
	if r.NTasksPerNode > 0 {
		cpt := r.CPUsPerTask
		if cpt == 0 {
			cpt = 1
		}
		perNodeDemand = r.NTasksPerNode * cpt
	}

	var picks []pick
	for _, n := range avail {
		s := supply(n)
		if s == 0 {
			continue
		}
		if perNodeDemand > 0 && s < perNodeDemand {
			continue
		}
		picks = append(picks, pick{n: n, cpus: s})
	}

	if c.lln || req.Partition.Flags.Has(structs.PartitionFlagLLN) {
		sort.Slice(picks, func(i, j int) bool {
			if picks[i].cpus != picks[j].cpus {
				return picks[i].cpus > picks[j].cpus
			}
			return picks[i].n.node.Index < picks[j].n.node.Index
		})
	} else {
		sort.Slice(picks, func(i, j int) bool {
			return picks[i].n.node.Index < picks[j].n.node.Index
		})
	}

	minNodes := r.MinNodes
	if minNodes < req.Partition.MinNodes {
		minNodes = req.Partition.MinNodes
	}
	if minNodes == 0 {
		minNodes = 1
	}
	maxNodes := r.MaxNodes
	if req.Partition.MaxNodes > 0 && (maxNodes == 0 || maxNodes > req.Partition.MaxNodes) {
		maxNodes = req.Partition.MaxNodes
	}
	minCPUs := r.MinCPUs

	chooseFrom := func(cands []pick) []pick {
		var chosen []pick
		var cpus uint32
		for _, p := range cands {
			if maxNodes > 0 && uint32(len(chosen)) >= maxNodes {
				break
			}
			chosen = append(chosen, p)
			cpus += p.cpus
			if uint32(len(chosen)) >= minNodes && cpus >= minCPUs {
				return chosen
			}
		}
		return nil
	}

	var chosen []pick
	if r.Contiguous {
		// Scan index-contiguous windows of increasing width.
		sort.Slice(picks, func(i, j int) bool {
			return picks[i].n.node.Index < picks[j].n.node.Index
		})
		for lo := 0; lo < len(picks) && chosen == nil; lo++ {
			var window []pick
			var cpus uint32
			for hi := lo; hi < len(picks); hi++ {
				if hi > lo && picks[hi].n.node.Index != picks[hi-1].n.node.Index+1 {
					break
				}
				if maxNodes > 0 && uint32(len(window)) >= maxNodes {
					break
				}
				window = append(window, picks[hi])
				cpus += picks[hi].cpus
				if uint32(len(window)) >= minNodes && cpus >= minCPUs {
					chosen = window
					break
				}
			}
		}
	} else {
		chosen = chooseFrom(picks)
	}
	if chosen == nil {
		return nil, false
	}

	// Canonical node order for the resource record.
	sort.Slice(chosen, func(i, j int) bool {
		return chosen[i].n.node.Index < chosen[j].n.node.Index
	})

	// Distribute the cpu demand over the chosen nodes.
	need := make([]uint32, len(chosen))
	if perNodeDemand > 0 {
		for i := range need {
			need[i] = perNodeDemand
		}
	} else {
		remaining := minCPUs
		if remaining == 0 {
			remaining = uint32(len(chosen))
		}
		for i, p := range chosen {
			share := p.cpus
			left := uint32(len(chosen) - i)
			even := (remaining + left - 1) / left
			if share > even {
				share = even
			}
			if share == 0 {
				share = 1
			}
			need[i] = share
			if remaining > share {
				remaining -= share
			} else {
				remaining = 0
			}
		}
		// Top up left to right when even shares fell short.
		for i := 0; remaining > 0 && i < len(chosen); i++ {
			spare := chosen[i].cpus - need[i]
			if spare == 0 {
				continue
			}
			if spare > remaining {
				spare = remaining
			}
			need[i] += spare
			remaining -= spare
		}
		if remaining > 0 {
			return nil, false
		}
	}

	res := &structs.JobResources{NodeReq: req.NodeReq}
	maxIdx := chosen[len(chosen)-1].n.node.Index
	nb, err := structs.NewBitmap(maxIdx + 1)
	if err != nil {
		return nil, false
	}
	res.NodeBitmap = nb
	var totalCores uint
	for _, p := range chosen {
		totalCores += uint(p.n.cores)
	}
	cb, err := structs.NewBitmap(totalCores)
	if err != nil {
		return nil, false
	}
	res.CoreBitmap = cb
	res.CoreOffsets = make([]uint, 0, len(chosen)+1)
	res.CoreOffsets = append(res.CoreOffsets, 0)

	offset := uint(0)
	for i, p := range chosen {
		n := p.n
		res.NodeBitmap.Set(n.node.Index)
		res.NodeNames = append(res.NodeNames, n.node.Name)

		cpus := need[i]
		if req.NodeReq == structs.NodeReqReserved {
			cpus = n.cores * n.threads
		}
		nCores := (cpus + n.threads - 1) / n.threads
		cores := pickCores(n, nCores, r.Distribution)
		if uint32(len(cores)) < nCores {
			return nil, false
		}
		for _, cIdx := range cores {
			res.CoreBitmap.Set(offset + cIdx)
		}
		offset += uint(n.cores)
		res.CoreOffsets = append(res.CoreOffsets, offset)

		res.AllocCPUs = append(res.AllocCPUs, cpus)
		var mem uint64
		switch {
		case req.NodeReq == structs.NodeReqReserved && memPerNode == 0 && memPerCPU == 0:
			mem = n.freeMemMB
		case memPerCPU > 0:
			mem = memPerCPU * uint64(cpus)
		default:
			mem = memPerNode
		}
		res.AllocMemoryMB = append(res.AllocMemoryMB, mem)
		res.UsedMemoryMB = append(res.UsedMemoryMB, 0)
		res.Gres = append(res.Gres, r.Gres.Copy())
	}
	if err := res.Validate(); err != nil {
		return nil, false
	}
	return res, true
}

// setFirst sets exactly the first count indexes, leaving byte-alignment
// padding clear so Count stays exact.
func setFirst(b structs.Bitmap, count uint) {
	b.SetAll()
	for i := count; i < b.Size(); i++ {
		b.Unset(i)
	}
}

// pickCores selects count free cores honoring the task distribution.
// Block packs the lowest free cores; cyclic round-robins over sockets.
func pickCores(n *nodeAvail, count uint32, dist string) []uint {
	raw := n.freeCores.IndexesInRange(true, 0, uint(n.cores)-1)
	free := make([]uint, len(raw))
	for i, c := range raw {
		free[i] = uint(c)
	}
	if uint32(len(free)) < count {
		return nil
	}
	if dist != structs.DistCyclic || n.node.Config == nil || n.node.Config.Sockets <= 1 {
		return free[:count]
	}
	perSock := uint(n.node.Config.CoresPerSock)
	if perSock == 0 {
		return free[:count]
	}
	bySocket := make(map[uint][]uint)
	var sockets []uint
	for _, c := range free {
		s := c / perSock
		if _, ok := bySocket[s]; !ok {
			sockets = append(sockets, s)
		}
		bySocket[s] = append(bySocket[s], c)
	}
	sort.Slice(sockets, func(i, j int) bool { return sockets[i] < sockets[j] })
	var out []uint
	for uint32(len(out)) < count {
		progressed := false
		for _, s := range sockets {
			if len(bySocket[s]) == 0 {
				continue
			}
			out = append(out, bySocket[s][0])
			bySocket[s] = bySocket[s][1:]
			progressed = true
			if uint32(len(out)) == count {
				break
			}
		}
		if !progressed {
			return nil
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// earliestRelease estimates when resources could free up, from the time
// limits of running jobs on the candidate nodes.
func earliestRelease(snap *state.SchedulerSnapshot, req *Request) time.Time {
	var earliest time.Time
	for _, job := range snap.ActiveJobs {
		if job.State != structs.JobStateRunning || job.Request.TimeLimit == 0 || job.Resources == nil {
			continue
		}
		touches := false
		for _, name := range job.Resources.NodeNames {
			if idx, ok := snap.NodeIndex[name]; ok && req.Candidates.Check(idx) {
				touches = true
				break
			}
		}
		if !touches {
			continue
		}
		end := job.StartTime.Add(job.Request.TimeLimit + job.PreSuspend)
		if earliest.IsZero() || end.Before(earliest) {
			earliest = end
		}
	}
	return earliest
}
