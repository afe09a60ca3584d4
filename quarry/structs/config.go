// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"github.com/hashicorp/go-set/v3"
	"github.com/mitchellh/hashstructure"
)

// NodeConfigTemplate is the declared shape of a group of identical nodes,
// created at configuration load and shared by reference. Nodes that
// advertise less than their template at registration are drained.
type NodeConfigTemplate struct {
	CPUs         uint32
	Sockets      uint32
	CoresPerSock uint32
	ThreadsPerCore uint32
	RealMemoryMB uint64
	TmpDiskMB    uint64
	Weight       uint32
	Features     []string
	Gres         GresMap

	// RefCount tracks how many live node records point at this template.
	// Owned by the state store under the CONFIG lock.
	RefCount int `hash:"ignore"`
}

// Cores returns the total core count of the template.
func (c *NodeConfigTemplate) Cores() uint32 {
	if c.Sockets == 0 || c.CoresPerSock == 0 {
		return c.CPUs
	}
	return c.Sockets * c.CoresPerSock
}

// FeatureSet returns the template features as a set for expression
// matching.
func (c *NodeConfigTemplate) FeatureSet() *set.Set[string] {
	return set.From(c.Features)
}

// Hash returns a stable identity for the template so that identical node
// lines collapse onto one refcounted record.
func (c *NodeConfigTemplate) Hash() uint64 {
	h, err := hashstructure.Hash(c, nil)
	if err != nil {
		// Only reachable for types hashstructure cannot walk, which the
		// fields above are not.
		panic(err)
	}
	return h
}

func (c *NodeConfigTemplate) Copy() *NodeConfigTemplate {
	if c == nil {
		return nil
	}
	out := *c
	out.Features = append([]string(nil), c.Features...)
	out.Gres = c.Gres.Copy()
	return &out
}
