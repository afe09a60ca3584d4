// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package quarry

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/quarry/quarry/structs"
)

func TestJob_Submit_Defaults(t *testing.T) {
	s := testServer(t, nil)
	registerNodes(t, s, "node01")

	// No partition named: the default partition is used, and the
	// submitting uid overrides whatever the request claims.
	var resp structs.JobSubmitResponse
	must.NoError(t, s.RPC("Job.Submit", &structs.JobSubmitRequest{
		Job:          structs.JobRequest{MinCPUs: 1, UserID: 12345},
		WriteRequest: structs.WriteRequest{AuthUID: 1000},
	}, &resp))

	job, err := s.state.JobByID(resp.JobID)
	must.NoError(t, err)
	must.Eq(t, "batch", job.Request.Partition)
	must.Eq(t, uint32(1000), job.Request.UserID)
	must.Eq(t, structs.JobStatePending, job.State)
}

func TestJob_Submit_MaxJobCount(t *testing.T) {
	s := testServer(t, func(c *Config) { c.MaxJobCount = 2 })
	registerNodes(t, s, "node01")

	for i := 0; i < 2; i++ {
		var resp structs.JobSubmitResponse
		must.NoError(t, s.RPC("Job.Submit", &structs.JobSubmitRequest{
			Job: structs.JobRequest{Partition: "batch", MinCPUs: 1},
		}, &resp))
	}
	var resp structs.JobSubmitResponse
	err := s.RPC("Job.Submit", &structs.JobSubmitRequest{
		Job: structs.JobRequest{Partition: "batch", MinCPUs: 1},
	}, &resp)
	must.Error(t, err)
	must.StrContains(t, err.Error(), "job table full")
}

func TestJob_Submit_TimeLimits(t *testing.T) {
	s := testServer(t, func(c *Config) {
		c.Partitions["batch"].DefaultTimeSec = 600
		c.Partitions["batch"].MaxTimeSec = 3600
	})
	registerNodes(t, s, "node01")

	var resp structs.JobSubmitResponse
	must.NoError(t, s.RPC("Job.Submit", &structs.JobSubmitRequest{
		Job: structs.JobRequest{Partition: "batch", MinCPUs: 1},
	}, &resp))
	job, err := s.state.JobByID(resp.JobID)
	must.NoError(t, err)
	must.Eq(t, 10*time.Minute, job.Request.TimeLimit)

	err = s.RPC("Job.Submit", &structs.JobSubmitRequest{
		Job: structs.JobRequest{Partition: "batch", MinCPUs: 1, TimeLimit: 2 * time.Hour},
	}, &resp)
	must.Error(t, err)
	must.StrContains(t, err.Error(), "exceeds partition maximum")
}

func TestJob_Lifecycle(t *testing.T) {
	s := testServer(t, nil)
	registerNodes(t, s, "node01", "node02", "node03", "node04")

	var alloc structs.JobAllocateResponse
	must.NoError(t, s.RPC("Job.Allocate", &structs.JobAllocateRequest{
		Job: structs.JobRequest{Partition: "batch", MinNodes: 2, MinCPUs: 4, TimeLimit: time.Hour},
	}, &alloc))
	must.False(t, alloc.Pending)
	must.NotEq(t, "", alloc.NodeList)

	job, err := s.state.JobByID(alloc.JobID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStateRunning, job.State)
	agents := s.agents.(*stubAgents)
	must.Eq(t, []uint64{job.ID}, agents.launched)

	// Each allocated node confirms completion; the job is terminal only
	// after the last one.
	nodes := job.Resources.NodeNames
	var comp structs.JobCompleteResponse
	must.NoError(t, s.RPC("Job.Complete", &structs.JobCompleteRequest{
		JobID: job.ID, NodeName: nodes[0], ExitCode: 0,
	}, &comp))

	job, err = s.state.JobByID(alloc.JobID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStateCompleting, job.State)

	must.NoError(t, s.RPC("Job.Complete", &structs.JobCompleteRequest{
		JobID: job.ID, NodeName: nodes[1], ExitCode: 0,
	}, &comp))

	job, err = s.state.JobByID(alloc.JobID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStateCompleted, job.State)
	must.Nil(t, job.Resources)
	must.SliceEmpty(t, s.state.VerifyAllocInvariants())

	// The nodes are idle again.
	node, err := s.state.NodeByName(nodes[0])
	must.NoError(t, err)
	must.Eq(t, structs.NodeStateIdle, node.State)
}

func TestJob_Kill_Idempotent(t *testing.T) {
	s := testServer(t, nil)
	registerNodes(t, s, "node01")

	// Pending job: cancel finalizes it directly.
	var resp structs.JobSubmitResponse
	must.NoError(t, s.RPC("Job.Submit", &structs.JobSubmitRequest{
		Job: structs.JobRequest{Partition: "batch", MinCPUs: 64},
	}, &resp))

	var kill structs.JobKillResponse
	must.NoError(t, s.RPC("Job.Kill", &structs.JobKillRequest{JobID: resp.JobID, Signal: 9}, &kill))

	job, err := s.state.JobByID(resp.JobID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStateCancelled, job.State)

	// Killing a terminal job is a no-op success.
	must.NoError(t, s.RPC("Job.Kill", &structs.JobKillRequest{JobID: resp.JobID, Signal: 9}, &kill))
}

func TestJob_Kill_Permission(t *testing.T) {
	s := testServer(t, nil)
	registerNodes(t, s, "node01")

	var resp structs.JobSubmitResponse
	must.NoError(t, s.RPC("Job.Submit", &structs.JobSubmitRequest{
		Job:          structs.JobRequest{Partition: "batch", MinCPUs: 1},
		WriteRequest: structs.WriteRequest{AuthUID: 1000},
	}, &resp))

	var kill structs.JobKillResponse
	err := s.RPC("Job.Kill", &structs.JobKillRequest{
		JobID:        resp.JobID,
		WriteRequest: structs.WriteRequest{AuthUID: 2000},
	}, &kill)
	must.Error(t, err)
	must.StrContains(t, err.Error(), "permission denied")

	// Root can kill anything.
	must.NoError(t, s.RPC("Job.Kill", &structs.JobKillRequest{JobID: resp.JobID}, &kill))
}

func TestJob_WillRun(t *testing.T) {
	s := testServer(t, nil)
	registerNodes(t, s, "node01", "node02", "node03", "node04")

	var resp structs.JobWillRunResponse
	must.NoError(t, s.RPC("Job.WillRun", &structs.JobWillRunRequest{
		Job:      structs.JobRequest{Partition: "batch", MinCPUs: 4},
		TestOnly: true,
	}, &resp))
	must.True(t, resp.CanRun)

	// Nothing was committed.
	must.Len(t, 0, s.state.Jobs(nil))

	must.NoError(t, s.RPC("Job.WillRun", &structs.JobWillRunRequest{
		Job:      structs.JobRequest{Partition: "batch", MinCPUs: 64},
		TestOnly: true,
	}, &resp))
	must.False(t, resp.CanRun)
	must.NotEq(t, "", resp.Reason)
}

func TestJob_List_ScriptPrivacy(t *testing.T) {
	s := testServer(t, nil)
	registerNodes(t, s, "node01")

	var resp structs.JobSubmitResponse
	must.NoError(t, s.RPC("Job.Submit", &structs.JobSubmitRequest{
		Job: structs.JobRequest{
			Partition: "batch", MinCPUs: 1,
			Script: "#!/bin/sh\necho secret\n",
		},
		WriteRequest: structs.WriteRequest{AuthUID: 1000},
	}, &resp))

	// The owner and root see the script; other users do not.
	var list structs.JobListResponse
	must.NoError(t, s.RPC("Job.List", &structs.JobListRequest{
		QueryOptions: structs.QueryOptions{AuthUID: 1000},
	}, &list))
	must.Len(t, 1, list.Jobs)
	must.StrContains(t, list.Jobs[0].Request.Script, "secret")

	list = structs.JobListResponse{}
	must.NoError(t, s.RPC("Job.List", &structs.JobListRequest{
		QueryOptions: structs.QueryOptions{AuthUID: 2000},
	}, &list))
	must.Len(t, 1, list.Jobs)
	must.Eq(t, "", list.Jobs[0].Request.Script)
}

func TestJob_StepLaunch(t *testing.T) {
	s := testServer(t, nil)
	registerNodes(t, s, "node01", "node02", "node03", "node04")

	var alloc structs.JobAllocateResponse
	must.NoError(t, s.RPC("Job.Allocate", &structs.JobAllocateRequest{
		Job: structs.JobRequest{Partition: "batch", MinNodes: 2, MinCPUs: 2, TimeLimit: time.Hour},
	}, &alloc))
	must.False(t, alloc.Pending)

	var step structs.StepLaunchResponse
	must.NoError(t, s.RPC("Job.StepLaunch", &structs.StepLaunchRequest{
		JobID: alloc.JobID, NTasks: 2, Distribution: structs.DistBlock,
	}, &step))

	job, err := s.state.JobByID(alloc.JobID)
	must.NoError(t, err)
	must.Len(t, 1, job.Steps)
	must.Eq(t, step.StepID, job.Steps[0].StepID)
	must.Eq(t, structs.JobStateRunning, job.Steps[0].State)

	// Steps need a running job.
	var kill structs.JobKillResponse
	must.NoError(t, s.RPC("Job.Kill", &structs.JobKillRequest{JobID: alloc.JobID}, &kill))
	err = s.RPC("Job.StepLaunch", &structs.StepLaunchRequest{JobID: alloc.JobID, NTasks: 1}, &step)
	must.Error(t, err)
}

func TestJob_Complete_ClosesStep(t *testing.T) {
	s := testServer(t, nil)
	registerNodes(t, s, "node01", "node02", "node03", "node04")

	var alloc structs.JobAllocateResponse
	must.NoError(t, s.RPC("Job.Allocate", &structs.JobAllocateRequest{
		Job: structs.JobRequest{Partition: "batch", MinNodes: 2, MinCPUs: 2, TimeLimit: time.Hour},
	}, &alloc))
	must.False(t, alloc.Pending)

	// User step ids start at zero, so a completion naming step 0 must
	// close the step without disturbing the job transition.
	var step structs.StepLaunchResponse
	must.NoError(t, s.RPC("Job.StepLaunch", &structs.StepLaunchRequest{
		JobID: alloc.JobID, NTasks: 2, Distribution: structs.DistBlock,
	}, &step))
	must.Eq(t, uint32(0), step.StepID)

	job, err := s.state.JobByID(alloc.JobID)
	must.NoError(t, err)
	nodes := job.Resources.NodeNames

	var comp structs.JobCompleteResponse
	must.NoError(t, s.RPC("Job.Complete", &structs.JobCompleteRequest{
		JobID: alloc.JobID, StepID: step.StepID, NodeName: nodes[0],
	}, &comp))

	// The first confirmation leaves the job waiting on the other node,
	// with the step finalized.
	job, err = s.state.JobByID(alloc.JobID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStateCompleting, job.State)
	must.Len(t, 1, job.Steps)
	must.Eq(t, structs.JobStateCompleted, job.Steps[0].State)
	must.False(t, job.Steps[0].EndTime.IsZero())

	must.NoError(t, s.RPC("Job.Complete", &structs.JobCompleteRequest{
		JobID: alloc.JobID, StepID: step.StepID, NodeName: nodes[1],
	}, &comp))

	job, err = s.state.JobByID(alloc.JobID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStateCompleted, job.State)
	must.Nil(t, job.Resources)
	must.SliceEmpty(t, s.state.VerifyAllocInvariants())
}

func TestJob_Suspend_OperatorOnly(t *testing.T) {
	s := testServer(t, nil)
	registerNodes(t, s, "node01")

	var alloc structs.JobAllocateResponse
	must.NoError(t, s.RPC("Job.Allocate", &structs.JobAllocateRequest{
		Job: structs.JobRequest{Partition: "batch", MinCPUs: 1, TimeLimit: time.Hour},
	}, &alloc))
	must.False(t, alloc.Pending)

	var resp structs.JobSuspendResponse
	err := s.RPC("Job.Suspend", &structs.JobSuspendRequest{
		JobID: alloc.JobID, Suspend: true,
		WriteRequest: structs.WriteRequest{AuthUID: 1000},
	}, &resp)
	must.Error(t, err)

	must.NoError(t, s.RPC("Job.Suspend", &structs.JobSuspendRequest{
		JobID: alloc.JobID, Suspend: true,
	}, &resp))
	job, err := s.state.JobByID(alloc.JobID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStateSuspended, job.State)

	must.NoError(t, s.RPC("Job.Suspend", &structs.JobSuspendRequest{
		JobID: alloc.JobID, Suspend: false,
	}, &resp))
	job, err = s.state.JobByID(alloc.JobID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStateRunning, job.State)
}

func TestJob_ReservationConfinement(t *testing.T) {
	s := testServer(t, nil)
	registerNodes(t, s, "node01", "node02", "node03", "node04")
	now := time.Now()

	// Reserve two nodes for account "chem".
	var create structs.ReservationCreateResponse
	must.NoError(t, s.RPC("Reservation.Create", &structs.ReservationCreateRequest{
		Reservation: structs.Reservation{
			Name:      "chemwin",
			Start:     now.Add(-time.Minute),
			End:       now.Add(time.Hour),
			NodeNames: []string{"node01", "node02"},
			Accounts:  []string{"chem"},
		},
	}, &create))

	// A job outside the reservation cannot span all four nodes.
	var probe structs.JobWillRunResponse
	must.NoError(t, s.RPC("Job.WillRun", &structs.JobWillRunRequest{
		Job:      structs.JobRequest{Partition: "batch", MinNodes: 4, MinCPUs: 4},
		TestOnly: true,
	}, &probe))
	must.False(t, probe.CanRun)

	// A chem job naming the reservation runs inside it.
	var alloc structs.JobAllocateResponse
	must.NoError(t, s.RPC("Job.Allocate", &structs.JobAllocateRequest{
		Job: structs.JobRequest{
			Partition: "batch", MinCPUs: 2, TimeLimit: time.Hour,
			Account: "chem", Reservation: "chemwin",
		},
	}, &alloc))
	must.False(t, alloc.Pending)

	job, err := s.state.JobByID(alloc.JobID)
	must.NoError(t, err)
	for _, name := range job.Resources.NodeNames {
		must.SliceContains(t, []string{"node01", "node02"}, name)
	}
}
