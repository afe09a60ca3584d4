// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

// Partition states.
const (
	PartitionStateUp       = "up"
	PartitionStateDown     = "down"
	PartitionStateDrain    = "drain"
	PartitionStateInactive = "inactive"
)

// Preemption modes, per partition with a cluster-wide default.
const (
	PreemptModeOff     = "off"
	PreemptModeRequeue = "requeue"
	PreemptModeCancel  = "cancel"
	PreemptModeSuspend = "suspend"
	PreemptModeGang    = "gang"
)

func ValidPreemptMode(mode string) bool {
	switch mode {
	case PreemptModeOff, PreemptModeRequeue, PreemptModeCancel,
		PreemptModeSuspend, PreemptModeGang:
		return true
	default:
		return false
	}
}

// Sharing policy kinds. Yes and Force carry the maximum number of jobs
// that may co-allocate a CPU (the partition row count).
const (
	ShareExclusive = "exclusive"
	ShareNo        = "no"
	ShareYes       = "yes"
	ShareForce     = "force"
)

// SharePolicy is the per-partition CPU sharing rule.
type SharePolicy struct {
	Kind string
	// MaxRows is the row count k for ShareYes and ShareForce; ignored
	// otherwise.
	MaxRows uint32
}

// Rows returns how many sharing rows the policy permits.
func (s SharePolicy) Rows() uint32 {
	switch s.Kind {
	case ShareYes, ShareForce:
		if s.MaxRows == 0 {
			return 1
		}
		return s.MaxRows
	default:
		return 1
	}
}

func (s SharePolicy) Validate() error {
	switch s.Kind {
	case ShareExclusive, ShareNo:
		return nil
	case ShareYes, ShareForce:
		if s.MaxRows == 0 {
			return NewInvalidRequestError("share policy %q requires a row count", s.Kind)
		}
		return nil
	default:
		return NewInvalidRequestError("unknown share policy %q", s.Kind)
	}
}

// Partition flags.
type PartitionFlags uint32

const (
	// PartitionFlagLLN picks the least loaded node first.
	PartitionFlagLLN PartitionFlags = 1 << iota
	// PartitionFlagRootOnly restricts submissions to uid 0.
	PartitionFlagRootOnly
	// PartitionFlagReqResv requires jobs to name a reservation.
	PartitionFlagReqResv
)

func (f PartitionFlags) Has(flag PartitionFlags) bool { return f&flag != 0 }

// Partition is a named group of nodes with scheduling policy. Jobs are
// submitted to exactly one.
type Partition struct {
	Name     string
	Priority uint32
	Default  bool
	Hidden   bool

	State string
	Flags PartitionFlags

	// Nodes is the membership bitmap over node indexes; NodeNames is the
	// same membership in canonical order.
	Nodes     Bitmap
	NodeNames []string

	MaxTime        time.Duration
	DefaultTime    time.Duration
	MaxNodes       uint32
	MinNodes       uint32
	MaxCPUsPerNode uint32

	Share       SharePolicy
	PreemptMode string

	CreateTime time.Time
}

func (p *Partition) Validate() error {
	var mErr multierror.Error
	if p.Name == "" {
		mErr.Errors = append(mErr.Errors, NewInvalidRequestError("missing partition name"))
	}
	if p.MaxNodes != 0 && p.MinNodes > p.MaxNodes {
		mErr.Errors = append(mErr.Errors,
			NewInvalidRequestError("partition %s: min_nodes %d > max_nodes %d", p.Name, p.MinNodes, p.MaxNodes))
	}
	if err := p.Share.Validate(); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	if p.PreemptMode != "" && !ValidPreemptMode(p.PreemptMode) {
		mErr.Errors = append(mErr.Errors,
			NewInvalidRequestError("partition %s: unknown preempt mode %q", p.Name, p.PreemptMode))
	}
	return mErr.ErrorOrNil()
}

// Schedulable returns whether new jobs may start in this partition.
func (p *Partition) Schedulable() bool {
	return p.State == PartitionStateUp
}

func (p *Partition) Copy() *Partition {
	if p == nil {
		return nil
	}
	out := *p
	out.Nodes = p.Nodes.Copy()
	out.NodeNames = append([]string(nil), p.NodeNames...)
	return &out
}
