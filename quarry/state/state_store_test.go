// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/quarry/quarry/structs"
)

// createNodes adds n nodes named node01.. under the shared test template
// and registers them with exactly the template resources.
func createNodes(t *testing.T, s *StateStore, n int) []string {
	t.Helper()
	tpl := s.UpsertConfigTemplate(TestNodeTemplate())
	now := time.Now()
	names := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		name := fmt.Sprintf("node%02d", i)
		_, err := s.CreateNode(tpl, name, nil, []string{"batch"})
		must.NoError(t, err)
		must.NoError(t, s.RegisterNode(&structs.NodeRegisterRequest{
			Name: name, CPUs: 4, Sockets: 1, CoresPerSock: 4, ThreadsPerCore: 1,
			RealMemoryMB: 4096, TmpDiskMB: 8192,
			AgentVersion: "1.0.0",
		}, now, structs.FastScheduleUseConfig))
		names = append(names, name)
	}
	return names
}

// testAlloc builds a one-row allocation over the named nodes, cpusEach
// cores and memEach MB apiece.
func testAlloc(t *testing.T, s *StateStore, names []string, cpusEach uint32, memEach uint64) *structs.JobResources {
	t.Helper()
	res := &structs.JobResources{
		NodeNames:   names,
		CoreOffsets: []uint{0},
		NodeReq:     structs.NodeReqAvailable,
	}
	nb, err := structs.NewBitmap(s.NodeCount())
	must.NoError(t, err)
	cb, err := structs.NewBitmap(uint(len(names)) * 4)
	must.NoError(t, err)
	for i, name := range names {
		node, err := s.NodeByName(name)
		must.NoError(t, err)
		nb.Set(node.Index)
		for c := uint(0); c < uint(cpusEach); c++ {
			cb.Set(uint(i)*4 + c)
		}
		res.CoreOffsets = append(res.CoreOffsets, uint(i+1)*4)
		res.AllocCPUs = append(res.AllocCPUs, cpusEach)
		res.AllocMemoryMB = append(res.AllocMemoryMB, memEach)
	}
	res.NodeBitmap = nb
	res.CoreBitmap = cb
	return res
}

func TestStateStore_CreateNode(t *testing.T) {
	s := TestStateStore(t)
	tpl := s.UpsertConfigTemplate(TestNodeTemplate())

	n1, err := s.CreateNode(tpl, "node01", nil, []string{"batch"})
	must.NoError(t, err)
	must.Eq(t, uint(0), n1.Index)
	must.Eq(t, structs.NodeStateUnknown, n1.State)

	n2, err := s.CreateNode(tpl, "node02", nil, nil)
	must.NoError(t, err)
	must.Eq(t, uint(1), n2.Index)

	// Identical node lines share one interned template.
	must.True(t, n1.Config == n2.Config)

	_, err = s.CreateNode(tpl, "node01", nil, nil)
	must.ErrorIs(t, err, structs.ErrDuplicate)

	// Unregistered nodes are not schedulable.
	must.Eq(t, uint(0), s.UpBitmap().Count())
}

func TestStateStore_RegisterNode(t *testing.T) {
	s := TestStateStore(t)
	tpl := s.UpsertConfigTemplate(TestNodeTemplate())
	_, err := s.CreateNode(tpl, "node01", nil, nil)
	must.NoError(t, err)

	// Under-delivering memory fails validation and drains the node.
	err = s.RegisterNode(&structs.NodeRegisterRequest{
		Name: "node01", CPUs: 4, Sockets: 1, CoresPerSock: 4, ThreadsPerCore: 1,
		RealMemoryMB: 1024, TmpDiskMB: 8192,
	}, time.Now(), structs.FastScheduleUseConfig)
	must.ErrorIs(t, err, structs.ErrValidationFail)

	n, err := s.NodeByName("node01")
	must.NoError(t, err)
	must.True(t, n.Flags.Has(structs.NodeFlagDrain))
	must.Eq(t, structs.NodeStateIdle, n.State)
	must.Eq(t, uint(0), s.UpBitmap().Count())

	// A corrected registration does not clear the drain flag by itself.
	err = s.RegisterNode(&structs.NodeRegisterRequest{
		Name: "node01", CPUs: 4, Sockets: 1, CoresPerSock: 4, ThreadsPerCore: 1,
		RealMemoryMB: 4096, TmpDiskMB: 8192,
	}, time.Now(), structs.FastScheduleUseConfig)
	must.NoError(t, err)
	n, err = s.NodeByName("node01")
	must.NoError(t, err)
	must.True(t, n.Flags.Has(structs.NodeFlagDrain))

	must.NoError(t, s.MarkNodeState("node01", "", 0, structs.NodeFlagDrain, "", 0))
	must.Eq(t, uint(1), s.UpBitmap().Count())
	must.Eq(t, uint(1), s.IdleBitmap().Count())
}

func TestStateStore_TombstoneNode(t *testing.T) {
	s := TestStateStore(t)
	createNodes(t, s, 2)

	must.NoError(t, s.TombstoneNode("node01"))

	// The index space keeps the slot; listings and bitmaps drop it.
	must.Eq(t, uint(2), s.NodeCount())
	must.Len(t, 1, s.Nodes(nil))
	must.False(t, s.LiveBitmap().Check(0))
	must.True(t, s.LiveBitmap().Check(1))

	n, err := s.NodeByName("node01")
	must.NoError(t, err)
	must.True(t, n.Flags.Has(structs.NodeFlagTombstone))
}

func TestStateStore_MarkNodeState(t *testing.T) {
	s := TestStateStore(t)
	createNodes(t, s, 1)

	must.Error(t, s.MarkNodeState("node01", "broken", 0, 0, "", 0))
	must.Error(t, s.MarkNodeState("ghost", structs.NodeStateDown, 0, 0, "", 0))

	must.NoError(t, s.MarkNodeState("node01", structs.NodeStateDown, 0, 0, "power supply", 42))
	n, err := s.NodeByName("node01")
	must.NoError(t, err)
	must.Eq(t, structs.NodeStateDown, n.State)
	must.Eq(t, "power supply", n.Reason)
	must.Eq(t, uint32(42), n.ReasonUID)
	must.Eq(t, uint(0), s.UpBitmap().Count())
}

func TestStateStore_JobLifecycle(t *testing.T) {
	s := TestStateStore(t)
	names := createNodes(t, s, 2)
	now := time.Now()

	job, err := s.CreateJob(&structs.JobRequest{
		Partition: "batch", MinNodes: 2, MinCPUs: 4, TimeLimit: time.Hour,
	}, now)
	must.NoError(t, err)
	must.Eq(t, uint64(1), job.ID)
	must.Eq(t, structs.JobStatePending, job.State)

	res := testAlloc(t, s, names, 2, 1024)
	must.NoError(t, s.SetJobAllocation(job.ID, res, now))

	job, err = s.JobByID(job.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStateRunning, job.State)
	must.NotNil(t, job.Resources)
	must.SliceEmpty(t, s.VerifyAllocInvariants())

	n, err := s.NodeByName(names[0])
	must.NoError(t, err)
	must.Eq(t, uint32(2), n.AllocCPUs)
	must.Eq(t, structs.NodeStateMixed, n.State)
	must.MapContainsKey(t, n.ActiveJobs, job.ID)

	// Completion waits on every allocated node.
	must.NoError(t, s.BeginJobCompletion(job.ID, structs.JobStateCompleted, 0, now))
	job, err = s.JobByID(job.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStateCompleting, job.State)

	n, err = s.NodeByName(names[0])
	must.NoError(t, err)
	must.Eq(t, structs.NodeStateCompleting, n.State)

	done, err := s.ConfirmNodeCompletion(job.ID, names[0], now)
	must.NoError(t, err)
	must.False(t, done)

	done, err = s.ConfirmNodeCompletion(job.ID, names[1], now)
	must.NoError(t, err)
	must.True(t, done)

	job, err = s.JobByID(job.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStateCompleted, job.State)
	must.Nil(t, job.Resources)
	must.SliceEmpty(t, s.VerifyAllocInvariants())

	n, err = s.NodeByName(names[0])
	must.NoError(t, err)
	must.Eq(t, structs.NodeStateIdle, n.State)
	must.Eq(t, uint32(0), n.AllocCPUs)
	must.MapEmpty(t, n.ActiveJobs)

	// Terminal jobs reject further transitions.
	err = s.BeginJobCompletion(job.ID, structs.JobStateFailed, 1, now)
	must.ErrorIs(t, err, structs.ErrAlreadyTerminal)
}

func TestStateStore_SetJobAllocation_Rollback(t *testing.T) {
	s := TestStateStore(t)
	names := createNodes(t, s, 2)
	now := time.Now()

	job, err := s.CreateJob(&structs.JobRequest{
		Partition: "batch", MinNodes: 2, MinCPUs: 2, TimeLimit: time.Hour,
	}, now)
	must.NoError(t, err)

	// The second node goes down between selection and commit; nothing
	// sticks on the first.
	must.NoError(t, s.MarkNodeState(names[1], structs.NodeStateDown, 0, 0, "died", 0))
	res := testAlloc(t, s, names, 1, 512)
	err = s.SetJobAllocation(job.ID, res, now)
	must.ErrorIs(t, err, structs.ErrNodeDown)

	n, err := s.NodeByName(names[0])
	must.NoError(t, err)
	must.Eq(t, uint32(0), n.AllocCPUs)
	must.MapEmpty(t, n.ActiveJobs)
	must.SliceEmpty(t, s.VerifyAllocInvariants())

	job, err = s.JobByID(job.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatePending, job.State)
}

func TestStateStore_ReleaseJobAllocation(t *testing.T) {
	s := TestStateStore(t)
	names := createNodes(t, s, 1)
	now := time.Now()

	job, err := s.CreateJob(&structs.JobRequest{
		Partition: "batch", MinCPUs: 2, TimeLimit: time.Hour,
	}, now)
	must.NoError(t, err)
	must.NoError(t, s.SetJobAllocation(job.ID, testAlloc(t, s, names, 2, 1024), now))

	must.NoError(t, s.ReleaseJobAllocation(job.ID, structs.JobStateNodeFail, now))
	job, err = s.JobByID(job.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStateNodeFail, job.State)
	must.Nil(t, job.Resources)

	n, err := s.NodeByName(names[0])
	must.NoError(t, err)
	must.Eq(t, uint32(0), n.AllocCPUs)
	must.SliceEmpty(t, s.VerifyAllocInvariants())

	// Releasing a terminal job is a no-op.
	must.NoError(t, s.ReleaseJobAllocation(job.ID, structs.JobStateCancelled, now))
}

func TestStateStore_SuspendJob(t *testing.T) {
	s := TestStateStore(t)
	names := createNodes(t, s, 1)
	base := time.Now()

	job, err := s.CreateJob(&structs.JobRequest{
		Partition: "batch", MinCPUs: 1, TimeLimit: time.Hour,
	}, base)
	must.NoError(t, err)

	// Pending jobs cannot be suspended.
	must.Error(t, s.SuspendJob(job.ID, true, base))

	must.NoError(t, s.SetJobAllocation(job.ID, testAlloc(t, s, names, 1, 512), base))
	must.NoError(t, s.SuspendJob(job.ID, true, base))

	job, err = s.JobByID(job.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStateSuspended, job.State)

	// The allocation stays committed while suspended.
	n, err := s.NodeByName(names[0])
	must.NoError(t, err)
	must.Eq(t, uint32(1), n.AllocCPUs)

	must.NoError(t, s.SuspendJob(job.ID, false, base.Add(10*time.Minute)))
	job, err = s.JobByID(job.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStateRunning, job.State)
	must.Eq(t, 10*time.Minute, job.PreSuspend)
	must.True(t, job.SuspendTime.IsZero())
}

func TestStateStore_PendingJobs(t *testing.T) {
	s := TestStateStore(t)
	now := time.Now()

	submit := func(priority int64, dependency string) *structs.Job {
		job, err := s.CreateJob(&structs.JobRequest{
			Partition: "batch", MinCPUs: 1, TimeLimit: time.Hour,
			Dependency: dependency,
		}, now)
		must.NoError(t, err)
		if priority != 0 {
			job.Priority = priority
			must.NoError(t, s.UpdateJob(job))
		}
		return job
	}

	low := submit(1, "")
	high := submit(10, "")
	tied := submit(10, "")
	submit(0, fmt.Sprintf("afterok:%d", low.ID)) // ineligible until the dependency clears

	queue := s.PendingJobs(now)
	must.Len(t, 3, queue)
	must.Eq(t, high.ID, queue[0].ID)
	must.Eq(t, tied.ID, queue[1].ID)
	must.Eq(t, low.ID, queue[2].ID)
}

func TestStateStore_RefreshDependencies(t *testing.T) {
	s := TestStateStore(t)
	now := time.Now()

	mkTerminal := func(state string) *structs.Job {
		job, err := s.CreateJob(&structs.JobRequest{
			Partition: "batch", MinCPUs: 1, TimeLimit: time.Hour,
		}, now)
		must.NoError(t, err)
		job.State = state
		job.EndTime = now
		must.NoError(t, s.UpdateJob(job))
		return job
	}
	mkDependent := func(dep string) *structs.Job {
		job, err := s.CreateJob(&structs.JobRequest{
			Partition: "batch", MinCPUs: 1, TimeLimit: time.Hour, Dependency: dep,
		}, now)
		must.NoError(t, err)
		must.True(t, job.EligibleTime.IsZero())
		must.Eq(t, "dependency", job.WaitReason)
		return job
	}

	ok := mkTerminal(structs.JobStateCompleted)
	bad := mkTerminal(structs.JobStateFailed)
	running, err := s.CreateJob(&structs.JobRequest{
		Partition: "batch", MinCPUs: 1, TimeLimit: time.Hour,
	}, now)
	must.NoError(t, err)

	promote := mkDependent(fmt.Sprintf("afterok:%d", ok.ID))
	cancel := mkDependent(fmt.Sprintf("afterok:%d", bad.ID))
	rescue := mkDependent(fmt.Sprintf("afternotok:%d", bad.ID))
	wait := mkDependent(fmt.Sprintf("afterany:%d", running.ID))
	orphan := mkDependent("afterok:9999")

	later := now.Add(time.Second)
	promoted := s.RefreshDependencies(later)
	must.SliceContains(t, promoted, promote.ID)
	must.SliceContains(t, promoted, rescue.ID)
	must.SliceContains(t, promoted, orphan.ID)
	must.SliceNotContains(t, promoted, cancel.ID)
	must.SliceNotContains(t, promoted, wait.ID)

	j, err := s.JobByID(cancel.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStateCancelled, j.State)

	j, err = s.JobByID(wait.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatePending, j.State)
	must.True(t, j.EligibleTime.IsZero())

	j, err = s.JobByID(promote.ID)
	must.NoError(t, err)
	must.False(t, j.EligibleTime.IsZero())
	must.Eq(t, "", j.WaitReason)
}

func TestStateStore_PurgeJob(t *testing.T) {
	s := TestStateStore(t)
	now := time.Now()

	job, err := s.CreateJob(&structs.JobRequest{
		Partition: "batch", MinCPUs: 1, TimeLimit: time.Hour,
	}, now)
	must.NoError(t, err)

	must.Error(t, s.PurgeJob(job.ID))

	job.State = structs.JobStateCancelled
	job.EndTime = now
	must.NoError(t, s.UpdateJob(job))
	must.NoError(t, s.PurgeJob(job.ID))
	_, err = s.JobByID(job.ID)
	must.ErrorIs(t, err, structs.ErrNotFound)

	must.ErrorIs(t, s.PurgeJob(job.ID), structs.ErrNotFound)
}

func TestStateStore_Reservations(t *testing.T) {
	s := TestStateStore(t)
	now := time.Now()

	r1, err := s.UpsertReservation(&structs.Reservation{
		Name: "maint", Start: now, End: now.Add(time.Hour),
	})
	must.NoError(t, err)
	must.Eq(t, uint32(1), r1.ID)

	r2, err := s.UpsertReservation(&structs.Reservation{
		Name: "chem", Start: now, End: now.Add(time.Hour),
	})
	must.NoError(t, err)
	must.Eq(t, uint32(2), r2.ID)

	// Same name with a different id is a duplicate, not an update.
	_, err = s.UpsertReservation(&structs.Reservation{
		Name: "maint", ID: 99, Start: now, End: now.Add(time.Hour),
	})
	must.ErrorIs(t, err, structs.ErrDuplicate)

	// Updating in place with the same id is fine.
	r1.CPUCount = 8
	updated, err := s.UpsertReservation(r1)
	must.NoError(t, err)
	must.Eq(t, uint32(8), updated.CPUCount)

	must.Len(t, 2, s.Reservations())
	must.NoError(t, s.DeleteReservation("chem"))
	must.ErrorIs(t, s.DeleteReservation("chem"), structs.ErrNotFound)
	must.Len(t, 1, s.Reservations())
	must.Eq(t, uint32(3), s.NextResvID())
}

func TestStateStore_Snapshot(t *testing.T) {
	s := TestStateStore(t)
	names := createNodes(t, s, 2)
	now := time.Now()

	must.NoError(t, s.UpsertPartition(&structs.Partition{
		Name: "batch", State: structs.PartitionStateUp,
		Share: structs.SharePolicy{Kind: structs.ShareNo},
	}))
	job, err := s.CreateJob(&structs.JobRequest{
		Partition: "batch", MinCPUs: 2, TimeLimit: time.Hour,
	}, now)
	must.NoError(t, err)
	must.NoError(t, s.SetJobAllocation(job.ID, testAlloc(t, s, names[:1], 2, 1024), now))

	snap := s.Snapshot(now)
	must.Len(t, 2, snap.Nodes)
	must.Len(t, 1, snap.ActiveJobs)
	must.Eq(t, job.ID, snap.ActiveJobs[0].ID)
	must.MapContainsKey(t, snap.Partitions, "batch")

	// The snapshot is a deep copy: mutating it never reaches the store.
	snap.Nodes[0].AllocCPUs = 99
	n, err := s.NodeByName(names[0])
	must.NoError(t, err)
	must.Eq(t, uint32(2), n.AllocCPUs)
}
