// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package scheduler turns pending jobs into allocations. The driver walks
// the priority-ordered queue and dispatches each job to the configured
// selector; selectors never mutate state, they return a result variant the
// driver commits through the state store.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/quarry/quarry/state"
	"github.com/hashicorp/quarry/quarry/structs"
)

// Mode controls selector side effects and semantics.
type Mode int

const (
	// ModeRunNow selects for an immediate start.
	ModeRunNow Mode = iota
	// ModeTestOnly answers "would it fit now" with no state change.
	ModeTestOnly
	// ModeWillRun additionally considers evicting preemptable jobs and
	// reports the victims and earliest start.
	ModeWillRun
)

// Request is one placement question for a selector.
type Request struct {
	Job       *structs.Job
	Partition *structs.Partition
	// Candidates is the node bitmap already filtered by partition
	// membership, up state, features, and explicit node lists.
	Candidates structs.Bitmap
	NodeReq    string
	Mode       Mode
}

// Result is the selector's answer. Exactly one of Resources or Err is
// set; ModeWillRun may set Preemptees alongside Resources.
type Result struct {
	Resources     *structs.JobResources
	Preemptees    []uint64
	EarliestStart time.Time
	Err           error
}

// Selector picks nodes and cores for a job against a read snapshot.
type Selector interface {
	Name() string
	Select(snap *state.SchedulerSnapshot, req *Request) *Result
}

// Launcher issues launch and terminate requests to node agents. The
// server's implementation retries and downs unreachable nodes.
type Launcher interface {
	Launch(job *structs.Job, res *structs.JobResources) error
	Terminate(job *structs.Job, signal int32, graceSec uint32) error
}

// PriorityFn maps a job to its effective priority. Re-evaluated for every
// pending job at the top of each cycle.
type PriorityFn func(job *structs.Job) int64

// DefaultPriorityFn weighs the submitted priority, nice, the partition
// priority, and queue age. The weights are policy, not contract.
func DefaultPriorityFn(partitions map[string]*structs.Partition, now time.Time) PriorityFn {
	return func(job *structs.Job) int64 {
		prio := int64(job.Request.Priority) - int64(job.Request.Nice)
		if p, ok := partitions[job.Request.Partition]; ok {
			prio += int64(p.Priority) * 1000
		}
		ageMin := int64(now.Sub(job.SubmitTime) / time.Minute)
		if ageMin > 1440 {
			ageMin = 1440
		}
		return prio + ageMin
	}
}

// Config tunes one driver.
type Config struct {
	// MaxCycleJobs bounds how many pending jobs one cycle examines; zero
	// means no bound.
	MaxCycleJobs int
	// CycleBudget bounds wall time per cycle; zero means no bound.
	CycleBudget time.Duration
	// DefaultPreemptMode applies to partitions that do not set one.
	DefaultPreemptMode string
	// LLN forces least-loaded-node placement cluster-wide.
	LLN bool
}

// Driver owns the pending-queue scan.
type Driver struct {
	logger   hclog.Logger
	store    *state.StateStore
	selector Selector
	launcher Launcher
	priority PriorityFn
	config   Config
}

// NewDriver wires a driver to its collaborators. priority may be nil to
// use the default policy.
func NewDriver(logger hclog.Logger, store *state.StateStore, selector Selector, launcher Launcher, priority PriorityFn, config Config) *Driver {
	return &Driver{
		logger:   logger.Named("sched"),
		store:    store,
		selector: selector,
		launcher: launcher,
		priority: priority,
		config:   config,
	}
}

// CycleStats summarizes one scheduling pass.
type CycleStats struct {
	Examined  int
	Started   int
	Preempted int
	Failed    int
}

// RunCycle walks the eligible pending queue in priority order and starts
// everything that fits.
func (d *Driver) RunCycle(now time.Time) CycleStats {
	defer metrics.MeasureSince([]string{"quarry", "sched", "cycle"}, time.Now())
	var stats CycleStats

	d.store.RefreshDependencies(now)
	d.reprioritize(now)

	deadline := time.Time{}
	if d.config.CycleBudget > 0 {
		deadline = now.Add(d.config.CycleBudget)
	}

	pending := d.store.PendingJobs(now)
	for _, job := range pending {
		if d.config.MaxCycleJobs > 0 && stats.Examined >= d.config.MaxCycleJobs {
			break
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			break
		}
		stats.Examined++
		started, preempted, err := d.tryStart(job, now)
		if started {
			stats.Started++
			stats.Preempted += preempted
			continue
		}
		if err == nil {
			continue
		}
		if errors.Is(err, structs.ErrInsufficientResources) {
			// Not an error; the wait reason was recorded on the job.
			continue
		}
		stats.Failed++
		d.logger.Error("job failed to schedule", "job_id", job.ID, "error", err)
	}
	return stats
}

// tryStart runs selection and, on success, evicts victims, commits the
// allocation, and issues the launch.
func (d *Driver) tryStart(job *structs.Job, now time.Time) (bool, int, error) {
	snap := d.store.Snapshot(now)
	part, ok := snap.Partitions[job.Request.Partition]
	if !ok {
		d.failJob(job, now, fmt.Sprintf("partition %s does not exist", job.Request.Partition))
		return false, 0, fmt.Errorf("partition %s: %w", job.Request.Partition, structs.ErrNotFound)
	}
	if !part.Schedulable() {
		d.recordWait(job, fmt.Sprintf("partition %s is %s", part.Name, part.State))
		return false, 0, structs.ErrInsufficientResources
	}

	candidates, err := d.CandidateNodes(snap, job, part, now)
	if err != nil {
		d.failJob(job, now, err.Error())
		return false, 0, err
	}

	req := &Request{
		Job:        job,
		Partition:  part,
		Candidates: candidates,
		NodeReq:    job.NodeReq(part),
		Mode:       ModeRunNow,
	}
	res := d.selector.Select(snap, req)
	if res.Err != nil {
		if errors.Is(res.Err, structs.ErrInsufficientResources) {
			d.recordWait(job, waitReason(res.Err))
			return false, 0, res.Err
		}
		d.failJob(job, now, res.Err.Error())
		return false, 0, res.Err
	}

	// Evict victims before the commit so their cores are free by the
	// time counters are applied. How a victim dies is its own
	// partition's policy.
	for _, victimID := range res.Preemptees {
		if err := d.preempt(victimID, snap, now); err != nil {
			d.logger.Error("preemption failed", "job_id", job.ID, "victim", victimID, "error", err)
			d.recordWait(job, "waiting on preemption")
			return false, 0, structs.ErrInsufficientResources
		}
	}

	if err := d.store.SetJobAllocation(job.ID, res.Resources, now); err != nil {
		d.logger.Error("allocation commit failed", "job_id", job.ID, "error", err)
		return false, 0, err
	}
	metrics.IncrCounter([]string{"quarry", "sched", "started"}, 1)

	if d.launcher != nil {
		job, err := d.store.JobByID(job.ID)
		if err == nil {
			if err := d.launcher.Launch(job, res.Resources); err != nil {
				d.logger.Error("launch dispatch failed", "job_id", job.ID, "error", err)
			}
		}
	}
	return true, len(res.Preemptees), nil
}

// WillRun answers placement probes without committing anything.
func (d *Driver) WillRun(job *structs.Job, testOnly bool, now time.Time) *Result {
	snap := d.store.Snapshot(now)
	part, ok := snap.Partitions[job.Request.Partition]
	if !ok {
		return &Result{Err: fmt.Errorf("partition %s: %w", job.Request.Partition, structs.ErrNotFound)}
	}
	candidates, err := d.CandidateNodes(snap, job, part, now)
	if err != nil {
		return &Result{Err: err}
	}
	mode := ModeTestOnly
	if !testOnly {
		mode = ModeWillRun
	}
	return d.selector.Select(snap, &Request{
		Job:        job,
		Partition:  part,
		Candidates: candidates,
		NodeReq:    job.NodeReq(part),
		Mode:       mode,
	})
}

// CandidateNodes computes the initial candidate bitmap: partition membership,
// up, features, explicit node lists, and reservation access.
func (d *Driver) CandidateNodes(snap *state.SchedulerSnapshot, job *structs.Job, part *structs.Partition, now time.Time) (structs.Bitmap, error) {
	b := part.Nodes.Copy()
	b.And(snap.Up)
	b.And(snap.Live)

	var featureExpr *structs.FeatureExpr
	if job.Request.Features != "" {
		var err error
		featureExpr, err = structs.ParseFeatureExpr(job.Request.Features)
		if err != nil {
			return nil, err
		}
	}
	for _, n := range snap.Nodes {
		if !b.Check(n.Index) {
			continue
		}
		if featureExpr != nil && !featureExpr.Match(nodeFeatures(n)) {
			b.Unset(n.Index)
		}
		// Nodes held exclusively by another job are gone for everyone.
		if n.ExclusiveJob != 0 && n.ExclusiveJob != job.ID {
			b.Unset(n.Index)
		}
	}

	if job.Request.ReqNodes != "" {
		req, err := nodeExprBitmap(snap, job.Request.ReqNodes)
		if err != nil {
			return nil, err
		}
		if !b.IsSuperset(req) {
			return nil, fmt.Errorf("%w: required nodes unavailable", structs.ErrInsufficientResources)
		}
		b.And(req)
	}
	if job.Request.ExcNodes != "" {
		exc, err := nodeExprBitmap(snap, job.Request.ExcNodes)
		if err != nil {
			return nil, err
		}
		b.AndNot(exc)
	}

	// Reservation carve-outs: nodes inside an active reservation are only
	// available to jobs admitted by it, unless the reservation ignores
	// jobs. A job naming a reservation is confined to its nodes.
	if part.Flags.Has(structs.PartitionFlagReqResv) && job.Request.Reservation == "" {
		return nil, structs.NewInvalidRequestError("partition %s requires a reservation", part.Name)
	}
	for _, r := range snap.Reservations {
		if r.Periodic() || !r.ActiveAt(now) || r.Flags.Has(structs.ResvFlagIgnoreJobs) {
			continue
		}
		if r.Name == job.Request.Reservation {
			if !r.Allows(userName(job), job.Request.Account) {
				return nil, fmt.Errorf("reservation %s: %w", r.Name, structs.ErrPermissionDenied)
			}
			b.And(r.Nodes)
			continue
		}
		if !r.Allows(userName(job), job.Request.Account) {
			b.AndNot(r.Nodes)
		}
	}
	if job.Request.Reservation != "" {
		found := false
		for _, r := range snap.Reservations {
			if r.Name == job.Request.Reservation && !r.Periodic() {
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("reservation %s: %w", job.Request.Reservation, structs.ErrNotFound)
		}
	}
	return b, nil
}

// EnforceTimeLimits signals every running job past its limit and marks it
// TIMEOUT. Runs as its own periodic pass.
func (d *Driver) EnforceTimeLimits(now time.Time, graceSec uint32) int {
	var hit int
	for _, job := range d.store.JobsByState(structs.JobStateRunning) {
		if !job.TimeLimitExceeded(now) {
			continue
		}
		hit++
		d.logger.Info("job exceeded time limit", "job_id", job.ID, "limit", job.Request.TimeLimit)
		if d.launcher != nil {
			if err := d.launcher.Terminate(job, 15, graceSec); err != nil {
				d.logger.Error("time limit signal failed", "job_id", job.ID, "error", err)
			}
		}
		if err := d.store.BeginJobCompletion(job.ID, structs.JobStateTimeout, 0, now); err != nil {
			d.logger.Error("time limit transition failed", "job_id", job.ID, "error", err)
		}
	}
	return hit
}

// preempt evicts one victim according to its own partition's preempt
// mode.
func (d *Driver) preempt(victimID uint64, snap *state.SchedulerSnapshot, now time.Time) error {
	victim, err := d.store.JobByID(victimID)
	if err != nil {
		return err
	}
	if victim.Terminal() {
		return nil
	}
	mode := d.config.DefaultPreemptMode
	if p, ok := snap.Partitions[victim.Request.Partition]; ok && p.PreemptMode != "" {
		mode = p.PreemptMode
	}
	if d.launcher != nil {
		if err := d.launcher.Terminate(victim, 15, 0); err != nil {
			d.logger.Warn("preemption signal failed", "victim", victimID, "error", err)
		}
	}
	switch mode {
	case structs.PreemptModeSuspend, structs.PreemptModeGang:
		return d.store.SuspendJob(victimID, true, now)
	case structs.PreemptModeRequeue:
		// Release resources and resubmit the same request as a fresh
		// pending queue entry under the same id semantics.
		if err := d.store.ReleaseJobAllocation(victimID, structs.JobStatePreempted, now); err != nil {
			return err
		}
		requeued := victim.Copy()
		requeued.State = structs.JobStatePending
		requeued.Resources = nil
		requeued.StartTime = time.Time{}
		requeued.EndTime = time.Time{}
		requeued.EligibleTime = now
		requeued.WaitReason = "requeued after preemption"
		return d.store.UpdateJob(requeued)
	default: // cancel
		return d.store.ReleaseJobAllocation(victimID, structs.JobStatePreempted, now)
	}
}

// reprioritize recomputes effective priorities for the pending queue.
func (d *Driver) reprioritize(now time.Time) {
	fn := d.priority
	if fn == nil {
		snap := d.store.Snapshot(now)
		fn = DefaultPriorityFn(snap.Partitions, now)
	}
	for _, job := range d.store.JobsByState(structs.JobStatePending) {
		prio := fn(job)
		if prio == job.Priority {
			continue
		}
		job.Priority = prio
		if err := d.store.UpdateJob(job); err != nil {
			d.logger.Error("priority update failed", "job_id", job.ID, "error", err)
		}
	}
}

func (d *Driver) recordWait(job *structs.Job, reason string) {
	job.WaitReason = reason
	if err := d.store.UpdateJob(job); err != nil {
		d.logger.Error("wait reason update failed", "job_id", job.ID, "error", err)
	}
}

func (d *Driver) failJob(job *structs.Job, now time.Time, reason string) {
	job.State = structs.JobStateFailed
	job.EndTime = now
	job.WaitReason = reason
	if err := d.store.UpdateJob(job); err != nil {
		d.logger.Error("job failure update failed", "job_id", job.ID, "error", err)
	}
}

func waitReason(err error) string {
	reason := err.Error()
	if errors.Is(err, structs.ErrInsufficientResources) {
		return reason
	}
	return "resources unavailable: " + reason
}

func nodeFeatures(n *structs.Node) []string {
	if len(n.Features) > 0 {
		return n.Features
	}
	if n.Config != nil {
		return n.Config.Features
	}
	return nil
}

// userName renders the submitting uid for reservation access checks.
func userName(job *structs.Job) string {
	return fmt.Sprintf("%d", job.Request.UserID)
}

// nodeExprBitmap expands a hostlist expression into a node bitmap over
// the snapshot's universe.
func nodeExprBitmap(snap *state.SchedulerSnapshot, expr string) (structs.Bitmap, error) {
	names, err := expandHostExpr(expr)
	if err != nil {
		return nil, err
	}
	b, err := structs.NewBitmap(uint(len(snap.Nodes)))
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		idx, ok := snap.NodeIndex[name]
		if !ok {
			return nil, fmt.Errorf("node %s: %w", name, structs.ErrNotFound)
		}
		b.Set(idx)
	}
	return b, nil
}
