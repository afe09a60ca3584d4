// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"strconv"
	"strings"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

// Job states.
const (
	JobStatePending     = "pending"
	JobStateRunning     = "running"
	JobStateSuspended   = "suspended"
	JobStateCompleting  = "completing"
	JobStateCompleted   = "completed"
	JobStateCancelled   = "cancelled"
	JobStateFailed      = "failed"
	JobStateTimeout     = "timeout"
	JobStateNodeFail    = "node_fail"
	JobStatePreempted   = "preempted"
	JobStateBootFail    = "boot_fail"
	JobStateDeadline    = "deadline"
	JobStateOutOfMemory = "out_of_memory"
	JobStateResizing    = "resizing"
)

// TerminalJobState reports whether a state releases all resources.
func TerminalJobState(state string) bool {
	switch state {
	case JobStatePending, JobStateRunning, JobStateSuspended,
		JobStateCompleting, JobStateResizing:
		return false
	default:
		return true
	}
}

// ActiveJobState reports whether a job in this state holds node resources.
func ActiveJobState(state string) bool {
	switch state {
	case JobStateRunning, JobStateSuspended, JobStateCompleting:
		return true
	default:
		return false
	}
}

// Task distribution methods for core assignment.
const (
	DistBlock  = "block"
	DistCyclic = "cyclic"
)

// PerCPUMemoryFlag marks PnMinMemoryMB as a per-allocated-CPU quantity
// rather than per node. The low bits carry the amount.
const PerCPUMemoryFlag uint64 = 1 << 63

// JobRequest is the caller-supplied shape of a job.
type JobRequest struct {
	Name      string
	Partition string
	Account   string
	UserID    uint32
	GroupID   uint32
	QOS       string
	WCKey     string

	MinNodes     uint32
	MaxNodes     uint32
	MinCPUs      uint32
	CPUsPerTask  uint32
	NTasksPerNode uint32
	// PnMinMemoryMB is memory per node, or per CPU when PerCPUMemoryFlag
	// is set.
	PnMinMemoryMB uint64
	PnMinCPUs     uint32
	TimeLimit     time.Duration
	Contiguous    bool
	Exclusive     bool
	Shared        bool

	Features     string
	Gres         GresMap
	ReqNodes     string
	ExcNodes     string
	Distribution string

	// Connection requests the 3D wiring type on topology clusters.
	Connection string

	Reservation string
	Dependency  string
	Nice        int32
	Priority    uint32

	Script string
	Env    []string
}

// Validate checks the request against the data model before a job record
// is created.
func (r *JobRequest) Validate() error {
	var mErr multierror.Error
	if r.Partition == "" {
		mErr.Errors = append(mErr.Errors, NewInvalidRequestError("missing partition"))
	}
	if r.MaxNodes != 0 && r.MinNodes > r.MaxNodes {
		mErr.Errors = append(mErr.Errors,
			NewInvalidRequestError("min_nodes %d exceeds max_nodes %d", r.MinNodes, r.MaxNodes))
	}
	if r.MinCPUs == 0 && r.MinNodes == 0 {
		mErr.Errors = append(mErr.Errors,
			NewInvalidRequestError("job requests no cpus and no nodes"))
	}
	if r.Distribution != "" && r.Distribution != DistBlock && r.Distribution != DistCyclic {
		mErr.Errors = append(mErr.Errors,
			NewInvalidRequestError("unknown task distribution %q", r.Distribution))
	}
	if r.Dependency != "" {
		if _, err := ParseDependency(r.Dependency); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	}
	if r.TimeLimit < 0 {
		mErr.Errors = append(mErr.Errors, NewInvalidRequestError("negative time limit"))
	}
	return mErr.ErrorOrNil()
}

// Dependency gates a job's eligibility on another job reaching a state.
type Dependency struct {
	// Kind is "afterok", "afternotok" or "afterany".
	Kind  string
	JobID uint64
}

// ParseDependency parses the "kind:jobid" dependency expression.
func ParseDependency(s string) (*Dependency, error) {
	kind, idStr, ok := strings.Cut(s, ":")
	if !ok {
		return nil, NewInvalidRequestError("malformed dependency %q", s)
	}
	switch kind {
	case "afterok", "afternotok", "afterany":
	default:
		return nil, NewInvalidRequestError("unknown dependency kind %q", kind)
	}
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return nil, NewInvalidRequestError("malformed dependency job id %q", idStr)
	}
	return &Dependency{Kind: kind, JobID: id}, nil
}

// Satisfied reports whether the dependency allows the dependent job to
// become eligible, given the referenced job's state.
func (d *Dependency) Satisfied(state string) bool {
	if !TerminalJobState(state) {
		return false
	}
	switch d.Kind {
	case "afterok":
		return state == JobStateCompleted
	case "afternotok":
		return state != JobStateCompleted
	default:
		return true
	}
}

// Job is the authoritative record of one batch job. Owned by the state
// store; mutations only under the JOB exclusive lock.
type Job struct {
	ID uint64

	Request JobRequest

	State string
	// WaitReason explains why a pending job has not started. Never an
	// error; surfaced to clients verbatim.
	WaitReason string

	SubmitTime   time.Time
	EligibleTime time.Time
	StartTime    time.Time
	EndTime      time.Time
	SuspendTime  time.Time
	// PreSuspend accumulates run time from before the current suspension.
	PreSuspend time.Duration

	Priority int64

	AssocID uint32
	WCKeyID uint32

	// Resources is the allocation while the job is active; nil while
	// pending and after release.
	Resources *JobResources

	// CompletingNodes tracks nodes that have not yet confirmed job exit
	// while the job is COMPLETING. FinalState is the terminal state the
	// job reaches once the last node confirms.
	CompletingNodes Bitmap
	FinalState      string

	Steps      []*Step
	NextStepID uint32

	ExitCode  int32
	RequeueUID uint32
	Comment   string

	CreateTime time.Time
}

// Terminal reports whether the job has reached a terminal state.
func (j *Job) Terminal() bool { return TerminalJobState(j.State) }

// Active reports whether the job currently holds node resources.
func (j *Job) Active() bool { return ActiveJobState(j.State) }

// RunDuration returns wall time spent running, excluding suspension.
func (j *Job) RunDuration(now time.Time) time.Duration {
	if j.StartTime.IsZero() {
		return 0
	}
	end := j.EndTime
	if end.IsZero() {
		end = now
	}
	d := end.Sub(j.StartTime) - j.PreSuspend
	if j.State == JobStateSuspended && !j.SuspendTime.IsZero() {
		d -= end.Sub(j.SuspendTime)
	}
	if d < 0 {
		return 0
	}
	return d
}

// TimeLimitExceeded reports whether the running job has outlived its
// limit.
func (j *Job) TimeLimitExceeded(now time.Time) bool {
	if j.State != JobStateRunning || j.Request.TimeLimit == 0 {
		return false
	}
	return j.RunDuration(now) >= j.Request.TimeLimit
}

// NodeReq derives the sharing class from the partition policy and the
// job's own flags.
func (j *Job) NodeReq(p *Partition) string {
	switch {
	case j.Request.Exclusive || p.Share.Kind == ShareExclusive:
		return NodeReqReserved
	case p.Share.Kind == ShareForce:
		return NodeReqAvailable
	case p.Share.Kind == ShareYes && j.Request.Shared:
		return NodeReqAvailable
	default:
		return NodeReqOneRow
	}
}

func (j *Job) Copy() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Request.Env = append([]string(nil), j.Request.Env...)
	out.Request.Gres = j.Request.Gres.Copy()
	out.Resources = j.Resources.Copy()
	out.CompletingNodes = j.CompletingNodes.Copy()
	out.Steps = make([]*Step, len(j.Steps))
	for i, s := range j.Steps {
		out.Steps[i] = s.Copy()
	}
	return &out
}
