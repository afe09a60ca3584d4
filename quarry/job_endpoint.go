// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package quarry

import (
	"errors"
	"fmt"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/quarry/acct"
	"github.com/hashicorp/quarry/helper/hostlist"
	"github.com/hashicorp/quarry/quarry/structs"
)

// Job is the client facing job endpoint.
type Job struct {
	srv *Server
}

// Submit queues a batch job. The submitting uid always wins over
// whatever the request claims.
func (j *Job) Submit(req *structs.JobSubmitRequest, resp *structs.JobSubmitResponse) error {
	defer metrics.MeasureSince([]string{"quarry", "job", "submit"}, time.Now())
	if err := j.srv.checkRequest(req); err != nil {
		return err
	}
	job, err := j.srv.createJob(&req.Job, req.AuthUID)
	if err != nil {
		return err
	}
	resp.JobID = job.ID
	j.srv.logger.Info("job submitted",
		"job_id", job.ID, "partition", job.Request.Partition, "uid", req.AuthUID)
	j.srv.kickScheduler()
	return nil
}

// Allocate is the interactive variant: it runs a scheduling pass
// immediately and reports the node list, or that the job was queued.
func (j *Job) Allocate(req *structs.JobAllocateRequest, resp *structs.JobAllocateResponse) error {
	defer metrics.MeasureSince([]string{"quarry", "job", "allocate"}, time.Now())
	if err := j.srv.checkRequest(req); err != nil {
		return err
	}
	job, err := j.srv.createJob(&req.Job, req.AuthUID)
	if err != nil {
		return err
	}
	resp.JobID = job.ID

	j.srv.driver.RunCycle(time.Now())

	job, err = j.srv.state.JobByID(job.ID)
	if err != nil {
		return err
	}
	if job.Active() && job.Resources != nil {
		resp.NodeList = hostlist.Compress(job.Resources.NodeNames)
		return nil
	}
	resp.Pending = true
	return nil
}

// createJob applies admission control shared by Submit and Allocate.
func (s *Server) createJob(jobReq *structs.JobRequest, authUID uint32) (*structs.Job, error) {
	if s.config.MaxJobCount > 0 && len(s.state.Jobs(nil)) >= s.config.MaxJobCount {
		return nil, fmt.Errorf("%w: job table full (%d jobs)",
			structs.ErrInsufficientResources, s.config.MaxJobCount)
	}
	jobReq.UserID = authUID
	if jobReq.Partition == "" {
		def, err := s.state.DefaultPartition()
		if err != nil {
			return nil, structs.NewInvalidRequestError("no partition named and no default exists")
		}
		jobReq.Partition = def.Name
	}
	part, err := s.state.PartitionByName(jobReq.Partition)
	if err != nil {
		return nil, err
	}
	if part.Flags.Has(structs.PartitionFlagRootOnly) && authUID != 0 {
		return nil, fmt.Errorf("partition %s is root-only: %w",
			part.Name, structs.ErrPermissionDenied)
	}
	if jobReq.TimeLimit == 0 && part.DefaultTime > 0 {
		jobReq.TimeLimit = part.DefaultTime
	}
	if part.MaxTime > 0 && jobReq.TimeLimit > part.MaxTime {
		return nil, structs.NewInvalidRequestError(
			"time limit %s exceeds partition maximum %s", jobReq.TimeLimit, part.MaxTime)
	}
	return s.state.CreateJob(jobReq, time.Now())
}

// Kill signals a job. Killing a job already in a terminal state is a
// no-op success so retried cancels stay idempotent.
func (j *Job) Kill(req *structs.JobKillRequest, resp *structs.JobKillResponse) error {
	defer metrics.MeasureSince([]string{"quarry", "job", "kill"}, time.Now())
	if err := j.srv.checkRequest(req); err != nil {
		return err
	}
	job, err := j.srv.state.JobByID(req.JobID)
	if err != nil {
		return err
	}
	if req.AuthUID != 0 && req.AuthUID != job.Request.UserID {
		return fmt.Errorf("job %d belongs to uid %d: %w",
			job.ID, job.Request.UserID, structs.ErrPermissionDenied)
	}
	if job.Terminal() {
		return nil
	}
	now := time.Now()
	if job.State == structs.JobStatePending {
		job.State = structs.JobStateCancelled
		job.EndTime = now
		if err := j.srv.state.UpdateJob(job); err != nil {
			return err
		}
		j.srv.finishJob(job.ID, now)
		return nil
	}
	if err := j.srv.Terminate(job, req.Signal, uint32(j.srv.config.KillWaitSec)); err != nil {
		j.srv.logger.Warn("kill signal dispatch failed", "job_id", job.ID, "error", err)
	}
	if job.State == structs.JobStateCompleting {
		return nil
	}
	if err := j.srv.state.BeginJobCompletion(job.ID, structs.JobStateCancelled, 0, now); err != nil {
		return err
	}
	j.srv.logger.Info("job cancelled", "job_id", job.ID, "signal", req.Signal, "uid", req.AuthUID)
	return nil
}

// Complete records a per-node completion confirmation, from the node
// agent or self-reported.
func (j *Job) Complete(req *structs.JobCompleteRequest, resp *structs.JobCompleteResponse) error {
	defer metrics.MeasureSince([]string{"quarry", "job", "complete"}, time.Now())
	if err := j.srv.checkRequest(req); err != nil {
		return err
	}
	now := time.Now()

	job, err := j.srv.state.JobByID(req.JobID)
	if err != nil {
		return err
	}

	// A running job reporting completion first transitions to COMPLETING
	// over its whole allocation.
	if job.State == structs.JobStateRunning || job.State == structs.JobStateSuspended {
		final := structs.JobStateCompleted
		if req.ExitCode != 0 {
			final = structs.JobStateFailed
		}
		if err := j.srv.state.BeginJobCompletion(job.ID, final, req.ExitCode, now); err != nil {
			return err
		}
	}

	j.srv.closeStep(req.JobID, req.StepID, req.ExitCode, now)

	done, err := j.srv.state.ConfirmNodeCompletion(req.JobID, req.NodeName, now)
	if err != nil {
		if errors.Is(err, structs.ErrAlreadyTerminal) {
			return nil
		}
		return err
	}
	if done {
		j.srv.finishJob(req.JobID, now)
	}
	return nil
}

// Suspend pauses or resumes a running job.
func (j *Job) Suspend(req *structs.JobSuspendRequest, resp *structs.JobSuspendResponse) error {
	defer metrics.MeasureSince([]string{"quarry", "job", "suspend"}, time.Now())
	if err := j.srv.checkRequest(req); err != nil {
		return err
	}
	if req.AuthUID != 0 {
		return fmt.Errorf("suspend is an operator action: %w", structs.ErrPermissionDenied)
	}
	now := time.Now()
	if err := j.srv.state.SuspendJob(req.JobID, req.Suspend, now); err != nil {
		return err
	}
	rec := &acct.SuspendRecord{JobID: req.JobID, Cluster: j.srv.clusterName()}
	if req.Suspend {
		rec.Start = now
	} else {
		rec.End = now
	}
	if err := j.srv.acctStore.AddJobSuspend(rec); err != nil {
		j.srv.logger.Error("accounting suspend failed", "job_id", req.JobID, "error", err)
	}
	if !req.Suspend {
		j.srv.kickScheduler()
	}
	return nil
}

// StepLaunch creates a step inside a running job and dispatches its
// tasks to the member agents.
func (j *Job) StepLaunch(req *structs.StepLaunchRequest, resp *structs.StepLaunchResponse) error {
	defer metrics.MeasureSince([]string{"quarry", "job", "step_launch"}, time.Now())
	if err := j.srv.checkRequest(req); err != nil {
		return err
	}
	job, err := j.srv.state.JobByID(req.JobID)
	if err != nil {
		return err
	}
	if job.State != structs.JobStateRunning {
		return structs.NewInvalidRequestError("job %d is %s, steps need a running job",
			job.ID, job.State)
	}
	if req.AuthUID != 0 && req.AuthUID != job.Request.UserID {
		return fmt.Errorf("job %d belongs to uid %d: %w",
			job.ID, job.Request.UserID, structs.ErrPermissionDenied)
	}

	nodes, names, err := j.srv.stepNodes(job, req.NodeList)
	if err != nil {
		return err
	}
	now := time.Now()
	step := &structs.Step{
		StepID:       job.NextStepID,
		JobID:        job.ID,
		Nodes:        nodes,
		State:        structs.JobStateRunning,
		StartTime:    now,
		Distribution: req.Distribution,
		NTasks:       req.NTasks,
	}
	job.NextStepID++
	job.Steps = append(job.Steps, step)
	if err := j.srv.state.UpdateJob(job); err != nil {
		return err
	}
	resp.StepID = step.StepID

	if err := j.srv.acctStore.AddStepStart(&acct.StepRecord{
		JobID:     job.ID,
		StepID:    step.StepID,
		Cluster:   j.srv.clusterName(),
		Nodes:     hostlist.Compress(names),
		StartTime: now,
	}); err != nil {
		j.srv.logger.Error("accounting step start failed", "job_id", job.ID, "error", err)
	}

	if err := j.srv.agents.LaunchTasks(job, step, names); err != nil {
		j.srv.logger.Error("step dispatch failed",
			"job_id", job.ID, "step_id", step.StepID, "error", err)
		return err
	}
	return nil
}

// stepNodes resolves the requested step node list against the job's
// allocation; an empty request means the whole allocation.
func (s *Server) stepNodes(job *structs.Job, nodeList string) (structs.Bitmap, []string, error) {
	if job.Resources == nil {
		return nil, nil, structs.NewInvalidRequestError("job %d holds no allocation", job.ID)
	}
	if nodeList == "" {
		return job.Resources.NodeBitmap.Copy(), job.Resources.NodeNames, nil
	}
	names, err := hostlist.Expand(nodeList)
	if err != nil {
		return nil, nil, err
	}
	b, err := structs.NewBitmap(job.Resources.NodeBitmap.Size())
	if err != nil {
		return nil, nil, err
	}
	for _, name := range names {
		if _, ok := job.Resources.NodeOrdinal(name); !ok {
			return nil, nil, structs.NewInvalidRequestError(
				"node %s is not part of job %d's allocation", name, job.ID)
		}
		node, err := s.state.NodeByName(name)
		if err != nil {
			return nil, nil, err
		}
		b.Set(node.Index)
	}
	return b, names, nil
}

// WillRun answers a placement probe without creating a job.
func (j *Job) WillRun(req *structs.JobWillRunRequest, resp *structs.JobWillRunResponse) error {
	defer metrics.MeasureSince([]string{"quarry", "job", "will_run"}, time.Now())
	if err := j.srv.checkRequest(req); err != nil {
		return err
	}
	if err := req.Job.Validate(); err != nil {
		return err
	}
	now := time.Now()
	probe := &structs.Job{
		Request:      req.Job,
		State:        structs.JobStatePending,
		SubmitTime:   now,
		EligibleTime: now,
	}
	probe.Request.UserID = req.AuthUID

	res := j.srv.driver.WillRun(probe, req.TestOnly, now)
	if res.Err != nil {
		if errors.Is(res.Err, structs.ErrInsufficientResources) {
			resp.CanRun = false
			resp.EarliestStart = res.EarliestStart
			resp.Reason = res.Err.Error()
			return nil
		}
		return res.Err
	}
	resp.CanRun = true
	resp.Preemptees = res.Preemptees
	resp.EarliestStart = res.EarliestStart
	return nil
}

// List returns the job table. Scripts and environments of other users'
// jobs are blanked for non-root callers.
func (j *Job) List(req *structs.JobListRequest, resp *structs.JobListResponse) error {
	defer metrics.MeasureSince([]string{"quarry", "job", "list"}, time.Now())
	if err := j.srv.checkRequest(req); err != nil {
		return err
	}
	for _, job := range j.srv.state.Jobs(nil) {
		if !req.SinceTime.IsZero() && job.CreateTime.Before(req.SinceTime) {
			continue
		}
		match, err := j.srv.matchFilter(req.Filter, job)
		if err != nil {
			return err
		}
		if !match {
			continue
		}
		if req.AuthUID != 0 && req.AuthUID != job.Request.UserID {
			job = job.Copy()
			job.Request.Script = ""
			job.Request.Env = nil
		}
		resp.Jobs = append(resp.Jobs, job)
	}
	return nil
}

// closeStep finalizes a step's record when a completion names it. The
// step is closed on the stored record so an in-flight job transition is
// never overwritten by a stale copy.
func (s *Server) closeStep(jobID uint64, stepID uint32, exitCode int32, now time.Time) {
	step, err := s.state.CloseStep(jobID, stepID, exitCode, now)
	if err != nil {
		s.logger.Error("step close failed", "job_id", jobID, "step_id", stepID, "error", err)
		return
	}
	if step == nil {
		return
	}
	if err := s.acctStore.AddStepComplete(&acct.StepRecord{
		JobID:      jobID,
		StepID:     stepID,
		Cluster:    s.clusterName(),
		EndTime:    now,
		ExitCode:   exitCode,
		UserCPUSecs: float64(step.Usage.CPUSec),
		MaxRSSKB:   step.Usage.MaxRSSKB,
	}); err != nil {
		s.logger.Error("accounting step complete failed",
			"job_id", jobID, "step_id", stepID, "error", err)
	}
}
