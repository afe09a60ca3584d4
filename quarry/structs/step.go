// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import "time"

// Pseudo step ids for the batch script and the external step.
const (
	StepIDBatch  uint32 = 0xfffffffe
	StepIDExtern uint32 = 0xfffffffd
)

// Step states reuse the job vocabulary; a step is terminal when all of its
// tasks have exited.
type Step struct {
	StepID uint32
	JobID  uint64

	// Nodes is a subset of the parent allocation's node bitmap.
	Nodes Bitmap

	State    string
	ExitCode int32
	RequeueUID uint32

	StartTime   time.Time
	EndTime     time.Time
	SuspendTime time.Time

	Distribution string
	NTasks       uint32

	Usage StepUsage
}

// StepUsage carries the resource counters the node agents report per step.
type StepUsage struct {
	CPUSec  uint64
	CPUUsec uint64

	MaxRSSKB     uint64
	MaxRSSNode   string
	MaxRSSTask   uint32
	MaxVSizeKB   uint64
	MaxPages     uint64
	MinCPUSec    uint64
	AveRSSKB     uint64
	AveVSizeKB   uint64
	AveCPUSec    uint64
	EnergyJoules uint64
}

// Merge folds a per-node usage report into the step totals, keeping the
// maxima with their observation site.
func (u *StepUsage) Merge(other StepUsage, node string) {
	u.CPUSec += other.CPUSec
	u.CPUUsec += other.CPUUsec
	u.EnergyJoules += other.EnergyJoules
	if other.MaxRSSKB > u.MaxRSSKB {
		u.MaxRSSKB = other.MaxRSSKB
		u.MaxRSSNode = node
		u.MaxRSSTask = other.MaxRSSTask
	}
	if other.MaxVSizeKB > u.MaxVSizeKB {
		u.MaxVSizeKB = other.MaxVSizeKB
	}
	if other.MaxPages > u.MaxPages {
		u.MaxPages = other.MaxPages
	}
	if u.MinCPUSec == 0 || (other.MinCPUSec != 0 && other.MinCPUSec < u.MinCPUSec) {
		u.MinCPUSec = other.MinCPUSec
	}
}

func (s *Step) Terminal() bool { return TerminalJobState(s.State) }

func (s *Step) Copy() *Step {
	if s == nil {
		return nil
	}
	out := *s
	out.Nodes = s.Nodes.Copy()
	return &out
}
