// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"github.com/hashicorp/quarry/quarry/state"
)

// Serial constrains every job to one cpu on one node. Intended for
// single-core throughput clusters; placement otherwise follows the
// consumable-resource rules.
type Serial struct {
	cons *ConsRes
}

func NewSerial(fastSchedule int, defaultPreemptMode string) *Serial {
	return &Serial{cons: NewConsRes(fastSchedule, false, defaultPreemptMode)}
}

func (s *Serial) Name() string { return "serial" }

func (s *Serial) Select(snap *state.SchedulerSnapshot, req *Request) *Result {
	job := req.Job.Copy()
	job.Request.MinNodes = 1
	job.Request.MaxNodes = 1
	job.Request.MinCPUs = 1
	job.Request.CPUsPerTask = 1
	job.Request.NTasksPerNode = 0
	clamped := *req
	clamped.Job = job
	return s.cons.Select(snap, &clamped)
}
