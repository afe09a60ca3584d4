// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package quarry

import (
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/quarry/quarry/structs"
)

// checkNodeLiveness walks the node table and escalates silence in two
// steps: past nack_timeout a node is flagged NOT_RESPONDING and stops
// receiving new work; past down_timeout it goes DOWN and its jobs fail.
func (s *Server) checkNodeLiveness(now time.Time) {
	defer metrics.MeasureSince([]string{"quarry", "heartbeat", "check"}, time.Now())

	nack := time.Duration(s.config.NackTimeoutSec) * time.Second
	down := time.Duration(s.config.DownTimeoutSec) * time.Second

	for _, node := range s.state.Nodes(nil) {
		if node.Flags.Has(structs.NodeFlagTombstone) || node.State == structs.NodeStateDown {
			continue
		}
		// Nodes that never registered are not timed out; they are still
		// unknown and unschedulable.
		if node.LastResponse.IsZero() {
			continue
		}
		silent := now.Sub(node.LastResponse)

		switch {
		case silent >= down:
			s.logger.Warn("node down: no heartbeat",
				"node", node.Name, "silent", silent)
			reason := "no heartbeat for " + silent.Truncate(time.Second).String()
			if err := s.state.MarkNodeState(node.Name, structs.NodeStateDown,
				0, structs.NodeFlagNoRespond, reason, 0); err != nil {
				s.logger.Error("node down transition failed", "node", node.Name, "error", err)
				continue
			}
			s.downNode(node.Name, reason, now)
			metrics.IncrCounter([]string{"quarry", "heartbeat", "down"}, 1)

		case silent >= nack && !node.Flags.Has(structs.NodeFlagNoRespond):
			s.logger.Warn("node not responding",
				"node", node.Name, "silent", silent)
			if err := s.state.MarkNodeState(node.Name, "",
				structs.NodeFlagNoRespond, 0, "", 0); err != nil {
				s.logger.Error("node flag update failed", "node", node.Name, "error", err)
			}
			metrics.IncrCounter([]string{"quarry", "heartbeat", "no_respond"}, 1)
		}
	}
}
