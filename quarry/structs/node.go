// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-version"
)

// Base node states. Flag bits overlay these; see NodeFlags.
const (
	NodeStateUnknown    = "unknown"
	NodeStateDown       = "down"
	NodeStateIdle       = "idle"
	NodeStateAllocated  = "allocated"
	NodeStateCompleting = "completing"
	NodeStateMixed      = "mixed"
)

// NodeFlags overlay the base state.
type NodeFlags uint32

const (
	NodeFlagDrain NodeFlags = 1 << iota
	NodeFlagFail
	NodeFlagNoRespond
	NodeFlagPowerSave
	NodeFlagMaint
	NodeFlagReserved
	NodeFlagCompleting
	// NodeFlagTombstone marks a record whose name was removed by a config
	// reload. The index stays reserved so bitmaps remain stable; every
	// bitmap predicate must intersect with the live-nodes bitmap.
	NodeFlagTombstone
)

func (f NodeFlags) Has(flag NodeFlags) bool { return f&flag != 0 }

func ValidNodeState(state string) bool {
	switch state {
	case NodeStateUnknown, NodeStateDown, NodeStateIdle,
		NodeStateAllocated, NodeStateCompleting, NodeStateMixed:
		return true
	default:
		return false
	}
}

// MinAgentVersion is the oldest node-agent release the controller accepts
// at registration.
var MinAgentVersion = version.Must(version.NewVersion("0.9.0"))

// Node is a single compute node. Owned by the state store; mutations only
// under the NODE exclusive lock.
type Node struct {
	Name  string
	Index uint

	State string
	Flags NodeFlags

	// Reason records why the node was drained or downed, and by whom.
	Reason    string
	ReasonUID uint32

	// LastResponse is when the node agent was last heard from.
	LastResponse time.Time
	BootTime     time.Time

	// Advertised resources from the last registration. May lag the
	// template; validation compares the two.
	CPUs         uint32
	Sockets      uint32
	CoresPerSock uint32
	ThreadsPerCore uint32
	RealMemoryMB uint64
	TmpDiskMB    uint64
	Gres         GresMap
	AgentVersion string
	Features     []string

	// Allocated resources, maintained additively by the scheduler.
	AllocCPUs     uint32
	AllocMemoryMB uint64
	AllocGres     GresMap

	// ActiveJobs is the set of non-terminal jobs holding resources here.
	ActiveJobs map[uint64]struct{}

	// Config points at the shared template for this node line.
	Config *NodeConfigTemplate

	// Partitions this node is a member of.
	Partitions []string

	// Coords places the node in the 3D wiring grid; nil on clusters that
	// do not use the topology selector.
	Coords *[3]uint16

	// ExclusiveJob is set while a RESERVED sharing-class job holds the
	// whole node.
	ExclusiveJob uint64

	CreateTime time.Time
}

// Cores returns the schedulable core count of the node.
func (n *Node) Cores() uint32 {
	if n.Sockets == 0 || n.CoresPerSock == 0 {
		return n.CPUs
	}
	return n.Sockets * n.CoresPerSock
}

// Ready returns whether the node can accept new work, and the reason it
// cannot.
func (n *Node) Ready() (bool, string) {
	switch {
	case n.Flags.Has(NodeFlagTombstone):
		return false, "node removed from configuration"
	case n.State == NodeStateDown || n.State == NodeStateUnknown:
		return false, fmt.Sprintf("node state %q", n.State)
	case n.Flags.Has(NodeFlagDrain):
		return false, "node is draining"
	case n.Flags.Has(NodeFlagFail):
		return false, "node is failing"
	case n.Flags.Has(NodeFlagNoRespond):
		return false, "node is not responding"
	}
	return true, ""
}

// Up mirrors the "up" bitmap predicate: base state is known, not down, and
// the node is not draining or removed.
func (n *Node) Up() bool {
	if n.Flags.Has(NodeFlagTombstone) || n.Flags.Has(NodeFlagDrain) {
		return false
	}
	return n.State != NodeStateDown && n.State != NodeStateUnknown
}

// Idle mirrors the "idle" bitmap predicate.
func (n *Node) Idle() bool {
	if len(n.ActiveJobs) > 0 || n.State != NodeStateIdle {
		return false
	}
	return !n.Flags.Has(NodeFlagDrain) && !n.Flags.Has(NodeFlagFail) &&
		!n.Flags.Has(NodeFlagTombstone)
}

// ValidateAdvertised compares what the agent registered against the
// configured template. Under-delivery is a validation failure; the caller
// drains the node but leaves it registered for inspection.
func (n *Node) ValidateAdvertised() error {
	c := n.Config
	if c == nil {
		return nil
	}
	if n.CPUs < c.CPUs {
		return fmt.Errorf("%w: node %s advertised %d cpus, config requires %d",
			ErrValidationFail, n.Name, n.CPUs, c.CPUs)
	}
	if n.RealMemoryMB < c.RealMemoryMB {
		return fmt.Errorf("%w: node %s advertised %d MB memory, config requires %d MB",
			ErrValidationFail, n.Name, n.RealMemoryMB, c.RealMemoryMB)
	}
	if n.TmpDiskMB < c.TmpDiskMB {
		return fmt.Errorf("%w: node %s advertised %d MB tmp disk, config requires %d MB",
			ErrValidationFail, n.Name, n.TmpDiskMB, c.TmpDiskMB)
	}
	if !n.Gres.Superset(c.Gres) {
		return fmt.Errorf("%w: node %s advertised gres %q, config requires %q",
			ErrValidationFail, n.Name, n.Gres, c.Gres)
	}
	if n.AgentVersion != "" {
		v, err := version.NewVersion(n.AgentVersion)
		if err != nil {
			return fmt.Errorf("%w: node %s agent version %q unparseable",
				ErrValidationFail, n.Name, n.AgentVersion)
		}
		if v.LessThan(MinAgentVersion) {
			return fmt.Errorf("%w: node %s agent version %s below minimum %s",
				ErrValidationFail, n.Name, v, MinAgentVersion)
		}
	}
	return nil
}

// EffectiveResources returns the cpu count and memory the scheduler should
// trust, honoring the fast_schedule mode.
func (n *Node) EffectiveResources(fastSchedule int) (uint32, uint64) {
	if fastSchedule == FastScheduleTrustNode || n.Config == nil {
		return n.CPUs, n.RealMemoryMB
	}
	return n.Config.CPUs, n.Config.RealMemoryMB
}

// fast_schedule modes from the configuration surface.
const (
	FastScheduleTrustNode   = 0
	FastScheduleUseConfig   = 1
	FastScheduleNeverDrain  = 2
)

func (n *Node) Copy() *Node {
	if n == nil {
		return nil
	}
	out := *n
	out.Gres = n.Gres.Copy()
	out.AllocGres = n.AllocGres.Copy()
	out.Features = append([]string(nil), n.Features...)
	out.Partitions = append([]string(nil), n.Partitions...)
	if n.ActiveJobs != nil {
		out.ActiveJobs = make(map[uint64]struct{}, len(n.ActiveJobs))
		for id := range n.ActiveJobs {
			out.ActiveJobs[id] = struct{}{}
		}
	}
	if n.Coords != nil {
		coords := *n.Coords
		out.Coords = &coords
	}
	return &out
}
