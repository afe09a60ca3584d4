// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"fmt"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/quarry/helper/testlog"
	"github.com/hashicorp/quarry/quarry/state"
	"github.com/hashicorp/quarry/quarry/structs"
)

// testCluster builds a registered n-node cluster with one up partition.
func testCluster(t *testing.T, n int, part *structs.Partition) *state.StateStore {
	t.Helper()
	store := state.TestStateStore(t)
	tpl := state.TestNodeTemplate()
	now := time.Now()
	for i := 1; i <= n; i++ {
		name := fmt.Sprintf("node%02d", i)
		_, err := store.CreateNode(tpl, name, nil, []string{part.Name})
		must.NoError(t, err)
		err = store.RegisterNode(&structs.NodeRegisterRequest{
			Name:         name,
			CPUs:         tpl.CPUs,
			Sockets:      tpl.Sockets,
			CoresPerSock: tpl.CoresPerSock,
			ThreadsPerCore: tpl.ThreadsPerCore,
			RealMemoryMB: tpl.RealMemoryMB,
			TmpDiskMB:    tpl.TmpDiskMB,
			AgentVersion: "1.0.0",
		}, now, structs.FastScheduleUseConfig)
		must.NoError(t, err)
		part.NodeNames = append(part.NodeNames, name)
	}
	nodes, err := structs.NewBitmap(uint(n))
	must.NoError(t, err)
	for i := uint(0); i < uint(n); i++ {
		nodes.Set(i)
	}
	part.Nodes = nodes
	must.NoError(t, store.UpsertPartition(part))
	return store
}

func testPartition(name string) *structs.Partition {
	return &structs.Partition{
		Name:     name,
		Priority: 10,
		Default:  true,
		State:    structs.PartitionStateUp,
		Share:    structs.SharePolicy{Kind: structs.ShareNo},
	}
}

func testDriver(t *testing.T, store *state.StateStore) *Driver {
	t.Helper()
	sel := NewConsRes(structs.FastScheduleUseConfig, false, structs.PreemptModeOff)
	return NewDriver(testlog.HCLogger(t), store, sel, nil, nil, Config{})
}

func submit(t *testing.T, store *state.StateStore, req *structs.JobRequest, now time.Time) *structs.Job {
	t.Helper()
	job, err := store.CreateJob(req, now)
	must.NoError(t, err)
	return job
}

func TestConsRes_ExclusiveThenShared(t *testing.T) {
	part := testPartition("batch")
	store := testCluster(t, 2, part)
	d := testDriver(t, store)
	now := time.Now()

	excl := submit(t, store, &structs.JobRequest{
		Partition: "batch", MinNodes: 1, MinCPUs: 1, Exclusive: true,
	}, now)
	stats := d.RunCycle(now)
	must.Eq(t, 1, stats.Started)

	got, err := store.JobByID(excl.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStateRunning, got.State)
	must.Len(t, 1, got.Resources.NodeNames)
	exclNode := got.Resources.NodeNames[0]

	// The exclusive holder owns every core of its node.
	n, err := store.NodeByName(exclNode)
	must.NoError(t, err)
	must.Eq(t, excl.ID, n.ExclusiveJob)
	must.Eq(t, n.Cores(), got.Resources.AllocCPUs[0])

	// A second job must land on the other node.
	second := submit(t, store, &structs.JobRequest{
		Partition: "batch", MinNodes: 1, MinCPUs: 2,
	}, now)
	stats = d.RunCycle(now)
	must.Eq(t, 1, stats.Started)
	got, err = store.JobByID(second.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStateRunning, got.State)
	must.Len(t, 1, got.Resources.NodeNames)
	must.NotEq(t, exclNode, got.Resources.NodeNames[0])

	must.SliceEmpty(t, store.VerifyAllocInvariants())
}

func TestConsRes_MemoryConstrained(t *testing.T) {
	part := testPartition("batch")
	store := testCluster(t, 1, part)
	d := testDriver(t, store)
	now := time.Now()

	big := submit(t, store, &structs.JobRequest{
		Partition: "batch", MinNodes: 1, MinCPUs: 1, PnMinMemoryMB: 3000,
	}, now)
	must.Eq(t, 1, d.RunCycle(now).Started)

	// 1096 MB remain; a 2000 MB request has cores available but no
	// memory and must wait.
	blocked := submit(t, store, &structs.JobRequest{
		Partition: "batch", MinNodes: 1, MinCPUs: 1, PnMinMemoryMB: 2000,
	}, now)
	stats := d.RunCycle(now)
	must.Eq(t, 0, stats.Started)

	got, err := store.JobByID(blocked.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatePending, got.State)
	must.StrContains(t, got.WaitReason, "resources")

	// Releasing the big job unblocks it.
	must.NoError(t, store.ReleaseJobAllocation(big.ID, structs.JobStateCompleted, now))
	must.Eq(t, 1, d.RunCycle(now).Started)
	got, err = store.JobByID(blocked.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStateRunning, got.State)
}

func TestConsRes_PerCPUMemory(t *testing.T) {
	part := testPartition("batch")
	store := testCluster(t, 1, part)
	d := testDriver(t, store)
	now := time.Now()

	// 4 cpus at 1024 MB each exactly fills the 4096 MB node.
	job := submit(t, store, &structs.JobRequest{
		Partition:     "batch",
		MinNodes:      1,
		MinCPUs:       4,
		PnMinMemoryMB: structs.PerCPUMemoryFlag | 1024,
	}, now)
	must.Eq(t, 1, d.RunCycle(now).Started)

	got, err := store.JobByID(job.ID)
	must.NoError(t, err)
	must.Eq(t, uint64(4096), got.Resources.AllocMemoryMB[0])
	must.SliceEmpty(t, store.VerifyAllocInvariants())
}

func TestConsRes_RowSharing(t *testing.T) {
	part := testPartition("shared")
	part.Share = structs.SharePolicy{Kind: structs.ShareForce, MaxRows: 2}
	store := testCluster(t, 1, part)
	d := testDriver(t, store)
	now := time.Now()

	req := func() *structs.JobRequest {
		return &structs.JobRequest{Partition: "shared", MinNodes: 1, MinCPUs: 4, Shared: true}
	}

	// Two full-node jobs stack in separate rows; the third finds every
	// row taken.
	a := submit(t, store, req(), now)
	b := submit(t, store, req(), now)
	c := submit(t, store, req(), now)
	stats := d.RunCycle(now)
	must.Eq(t, 2, stats.Started)

	ja, err := store.JobByID(a.ID)
	must.NoError(t, err)
	jb, err := store.JobByID(b.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStateRunning, ja.State)
	must.Eq(t, structs.JobStateRunning, jb.State)
	must.NotEq(t, ja.Resources.Row, jb.Resources.Row)

	jc, err := store.JobByID(c.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatePending, jc.State)
	must.SliceEmpty(t, store.VerifyAllocInvariants())
}

func TestConsRes_Preemption(t *testing.T) {
	lo := testPartition("lo")
	lo.Priority = 10
	lo.PreemptMode = structs.PreemptModeCancel
	store := testCluster(t, 1, lo)

	hi := testPartition("hi")
	hi.Priority = 100
	hi.Default = false
	hi.Nodes = lo.Nodes.Copy()
	hi.NodeNames = append([]string(nil), lo.NodeNames...)
	must.NoError(t, store.UpsertPartition(hi))

	d := testDriver(t, store)
	now := time.Now()

	victim := submit(t, store, &structs.JobRequest{
		Partition: "lo", MinNodes: 1, MinCPUs: 4,
	}, now)
	must.Eq(t, 1, d.RunCycle(now).Started)

	preemptor := submit(t, store, &structs.JobRequest{
		Partition: "hi", MinNodes: 1, MinCPUs: 4,
	}, now)
	stats := d.RunCycle(now)
	must.Eq(t, 1, stats.Started)
	must.Eq(t, 1, stats.Preempted)

	gotVictim, err := store.JobByID(victim.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatePreempted, gotVictim.State)

	gotHi, err := store.JobByID(preemptor.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStateRunning, gotHi.State)
	must.SliceEmpty(t, store.VerifyAllocInvariants())
}

func TestConsRes_PreemptionOffBlocks(t *testing.T) {
	lo := testPartition("lo")
	lo.Priority = 10
	lo.PreemptMode = structs.PreemptModeOff
	store := testCluster(t, 1, lo)

	hi := testPartition("hi")
	hi.Priority = 100
	hi.Default = false
	hi.Nodes = lo.Nodes.Copy()
	hi.NodeNames = append([]string(nil), lo.NodeNames...)
	must.NoError(t, store.UpsertPartition(hi))

	d := testDriver(t, store)
	now := time.Now()

	submit(t, store, &structs.JobRequest{Partition: "lo", MinNodes: 1, MinCPUs: 4}, now)
	must.Eq(t, 1, d.RunCycle(now).Started)

	blocked := submit(t, store, &structs.JobRequest{Partition: "hi", MinNodes: 1, MinCPUs: 4}, now)
	must.Eq(t, 0, d.RunCycle(now).Started)

	got, err := store.JobByID(blocked.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatePending, got.State)
}

func TestConsRes_FeatureConstraint(t *testing.T) {
	part := testPartition("batch")
	store := testCluster(t, 2, part)
	now := time.Now()

	// Only node02 has the gpu feature.
	must.NoError(t, store.RegisterNode(&structs.NodeRegisterRequest{
		Name: "node02", CPUs: 4, Sockets: 1, CoresPerSock: 4, ThreadsPerCore: 1,
		RealMemoryMB: 4096, TmpDiskMB: 8192, AgentVersion: "1.0.0",
		Features: []string{"gpu"},
	}, now, structs.FastScheduleUseConfig))

	d := testDriver(t, store)
	job := submit(t, store, &structs.JobRequest{
		Partition: "batch", MinNodes: 1, MinCPUs: 1, Features: "gpu",
	}, now)
	must.Eq(t, 1, d.RunCycle(now).Started)

	got, err := store.JobByID(job.ID)
	must.NoError(t, err)
	must.Eq(t, []string{"node02"}, got.Resources.NodeNames)
}

func TestConsRes_GresConstraint(t *testing.T) {
	part := testPartition("batch")
	store := testCluster(t, 2, part)
	now := time.Now()

	must.NoError(t, store.RegisterNode(&structs.NodeRegisterRequest{
		Name: "node01", CPUs: 4, Sockets: 1, CoresPerSock: 4, ThreadsPerCore: 1,
		RealMemoryMB: 4096, TmpDiskMB: 8192, AgentVersion: "1.0.0",
		Gres: structs.GresMap{"gpu": 2},
	}, now, structs.FastScheduleUseConfig))

	d := testDriver(t, store)
	job := submit(t, store, &structs.JobRequest{
		Partition: "batch", MinNodes: 1, MinCPUs: 1,
		Gres: structs.GresMap{"gpu": 1},
	}, now)
	must.Eq(t, 1, d.RunCycle(now).Started)

	got, err := store.JobByID(job.ID)
	must.NoError(t, err)
	must.Eq(t, []string{"node01"}, got.Resources.NodeNames)

	n, err := store.NodeByName("node01")
	must.NoError(t, err)
	must.Eq(t, uint64(1), n.AllocGres["gpu"])
}

func TestConsRes_MultiNodeSpread(t *testing.T) {
	part := testPartition("batch")
	store := testCluster(t, 4, part)
	d := testDriver(t, store)
	now := time.Now()

	job := submit(t, store, &structs.JobRequest{
		Partition: "batch", MinNodes: 3, MinCPUs: 9, Distribution: structs.DistBlock,
	}, now)
	must.Eq(t, 1, d.RunCycle(now).Started)

	got, err := store.JobByID(job.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStateRunning, got.State)
	must.Len(t, 3, got.Resources.NodeNames)
	must.Eq(t, uint32(9), got.Resources.TotalCPUs())
	must.SliceEmpty(t, store.VerifyAllocInvariants())
}

func TestDriver_TimeLimit(t *testing.T) {
	part := testPartition("batch")
	store := testCluster(t, 1, part)
	d := testDriver(t, store)
	now := time.Now()

	job := submit(t, store, &structs.JobRequest{
		Partition: "batch", MinNodes: 1, MinCPUs: 1, TimeLimit: time.Minute,
	}, now)
	must.Eq(t, 1, d.RunCycle(now).Started)

	// Under the limit: untouched.
	must.Eq(t, 0, d.EnforceTimeLimits(now.Add(30*time.Second), 30))

	// Past the limit: begins completion as timeout.
	must.Eq(t, 1, d.EnforceTimeLimits(now.Add(2*time.Minute), 30))
	got, err := store.JobByID(job.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStateCompleting, got.State)
	must.Eq(t, structs.JobStateTimeout, got.FinalState)
}

func TestDriver_WillRun(t *testing.T) {
	part := testPartition("batch")
	store := testCluster(t, 1, part)
	d := testDriver(t, store)
	now := time.Now()

	blockerReq := &structs.JobRequest{
		Partition: "batch", MinNodes: 1, MinCPUs: 4, TimeLimit: time.Hour,
	}
	submit(t, store, blockerReq, now)
	must.Eq(t, 1, d.RunCycle(now).Started)

	probe, err := store.CreateJob(&structs.JobRequest{
		Partition: "batch", MinNodes: 1, MinCPUs: 4,
	}, now)
	must.NoError(t, err)

	res := d.WillRun(probe, true, now)
	must.Error(t, res.Err)
	must.ErrorIs(t, res.Err, structs.ErrInsufficientResources)
	must.False(t, res.EarliestStart.IsZero())
}

func TestDriver_PriorityOrder(t *testing.T) {
	part := testPartition("batch")
	store := testCluster(t, 1, part)
	d := testDriver(t, store)
	now := time.Now()

	low := submit(t, store, &structs.JobRequest{
		Partition: "batch", MinNodes: 1, MinCPUs: 4, Priority: 1,
	}, now)
	high := submit(t, store, &structs.JobRequest{
		Partition: "batch", MinNodes: 1, MinCPUs: 4, Priority: 500,
	}, now)

	// Only one fits; the higher priority submission wins despite the
	// later submit time.
	must.Eq(t, 1, d.RunCycle(now).Started)
	gotHigh, err := store.JobByID(high.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStateRunning, gotHigh.State)
	gotLow, err := store.JobByID(low.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatePending, gotLow.State)
}
