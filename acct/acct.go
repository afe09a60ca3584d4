// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package acct collects raw job, step, node and reservation records and
// rolls them up into hourly, daily and monthly usage aggregates per
// cluster, association and workload key.
package acct

import (
	"time"
)

// JobRecord is the accounting view of one job, written at start and
// completed at end.
type JobRecord struct {
	JobID     uint64
	Cluster   string
	Partition string
	// Assoc identifies the account/user association charged for the job.
	Assoc string
	WCKey string

	AllocCPUs   uint32
	Reservation string

	SubmitTime   time.Time
	EligibleTime time.Time
	StartTime    time.Time
	// EndTime is zero while the job still runs.
	EndTime time.Time

	State    string
	ExitCode int32
}

// SuspendRecord is one suspension interval of a job.
type SuspendRecord struct {
	JobID   uint64
	Cluster string
	Start   time.Time
	// End is zero while the suspension is still in effect.
	End time.Time
}

// StepRecord is the accounting view of one job step.
type StepRecord struct {
	JobID   uint64
	StepID  uint32
	Cluster string
	Name    string
	Nodes   string

	StartTime time.Time
	EndTime   time.Time
	ExitCode  int32

	UserCPUSecs float64
	SysCPUSecs  float64
	MaxRSSKB    uint64
}

// NodeEventRecord is one node availability interval.
type NodeEventRecord struct {
	Node    string
	Cluster string
	State   string
	Reason  string
	// Maint marks planned downtime; it lands in the planned-down bucket
	// instead of down.
	Maint bool
	CPUs  uint32
	Start time.Time
	// End is zero while the event is open.
	End time.Time
}

// ReservationRecord is the accounting view of one concrete reservation
// instance.
type ReservationRecord struct {
	Name    string
	ID      uint32
	Cluster string
	CPUs    uint32
	// Assocs are the associations entitled to run inside the
	// reservation; unused reserved time is credited to them equally.
	Assocs []string
	Maint  bool
	Start  time.Time
	End    time.Time
}

// Key addresses one aggregate row. Cluster-wide rows leave Assoc and
// WCKey empty; association rows leave WCKey empty.
type Key struct {
	Cluster string
	Assoc   string
	WCKey   string
}

// Usage is one aggregate row. All buckets are cpu-seconds except
// CPUCount.
type Usage struct {
	CPUCount uint32

	AllocSecs       int64
	DownSecs        int64
	PlannedDownSecs int64
	IdleSecs        int64
	ReservedSecs    int64
	// OverSecs absorbs the negative-idle discrepancy when reservations
	// overlap other buckets, keeping the accounting identity exact.
	OverSecs int64
}

func (u *Usage) add(o *Usage) {
	u.AllocSecs += o.AllocSecs
	u.DownSecs += o.DownSecs
	u.PlannedDownSecs += o.PlannedDownSecs
	u.IdleSecs += o.IdleSecs
	u.ReservedSecs += o.ReservedSecs
	u.OverSecs += o.OverSecs
	if o.CPUCount > u.CPUCount {
		u.CPUCount = o.CPUCount
	}
}

// Store is the accounting surface the controller writes to. Calls must
// be safe for concurrent use; implementations may buffer.
type Store interface {
	AddJobStart(rec *JobRecord) error
	AddJobSuspend(rec *SuspendRecord) error
	AddJobEnd(rec *JobRecord) error
	AddStepStart(rec *StepRecord) error
	AddStepComplete(rec *StepRecord) error
	AddNodeEvent(rec *NodeEventRecord) error
	AddReservation(rec *ReservationRecord) error
	AddClusterCapacity(cluster string, cpus uint32, t time.Time) error

	RunHourlyRollup(hourStart time.Time) error
	RunDailyRollup(dayStart time.Time) error
	RunMonthlyRollup(monthStart time.Time) error
}

// overlapSecs returns the length of [aStart, aEnd) ∩ [bStart, bEnd) in
// seconds. Zero end times mean "still open".
func overlapSecs(aStart, aEnd, bStart, bEnd time.Time) int64 {
	if aEnd.IsZero() {
		aEnd = bEnd
	}
	if aEnd.IsZero() || bEnd.IsZero() {
		return 0
	}
	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	if !end.After(start) {
		return 0
	}
	return int64(end.Sub(start) / time.Second)
}
