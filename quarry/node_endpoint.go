// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package quarry

import (
	"errors"
	"time"

	humanize "github.com/dustin/go-humanize"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/quarry/acct"
	"github.com/hashicorp/quarry/helper/hostlist"
	"github.com/hashicorp/quarry/quarry/structs"
)

// Node is the node-agent facing endpoint.
type Node struct {
	srv *Server
}

// Register processes a full node registration. Validation failures
// drain the node but still answer the agent so the record stays
// inspectable.
func (n *Node) Register(req *structs.NodeRegisterRequest, resp *structs.NodeRegisterResponse) error {
	defer metrics.MeasureSince([]string{"quarry", "node", "register"}, time.Now())
	if err := n.srv.checkRequest(req); err != nil {
		return err
	}
	now := time.Now()
	err := n.srv.state.RegisterNode(req, now, n.srv.config.FastSchedule)
	switch {
	case err == nil:
	case errors.Is(err, structs.ErrValidationFail):
		n.srv.logger.Warn("node failed resource validation", "node", req.Name, "error", err)
		resp.ValidationError = err.Error()
	default:
		return err
	}

	n.srv.logger.Debug("node registered",
		"node", req.Name,
		"cpus", req.CPUs,
		"memory", humanize.IBytes(req.RealMemoryMB*1024*1024),
		"agent_version", req.AgentVersion)

	resp.HeartbeatTTL = time.Duration(n.srv.config.HeartbeatTTLSec) * time.Second
	n.srv.kickScheduler()
	return nil
}

// Heartbeat refreshes node liveness and reconciles the agent's view of
// its jobs with the controller's.
func (n *Node) Heartbeat(req *structs.HeartbeatRequest, resp *structs.HeartbeatResponse) error {
	defer metrics.MeasureSince([]string{"quarry", "node", "heartbeat"}, time.Now())
	if err := n.srv.checkRequest(req); err != nil {
		return err
	}
	now := time.Now()
	if err := n.srv.state.TouchNode(req.Name, now); err != nil {
		return err
	}

	for _, report := range req.Jobs {
		job, err := n.srv.state.JobByID(report.JobID)
		if err != nil || job.Terminal() {
			resp.StaleJobs = append(resp.StaleJobs, report.JobID)
			continue
		}
		if report.Alive {
			continue
		}
		// The agent saw the job exit before any completion RPC arrived;
		// drive the transition from here.
		if job.State == structs.JobStateRunning || job.State == structs.JobStateSuspended {
			final := structs.JobStateCompleted
			if report.ExitCode != 0 {
				final = structs.JobStateFailed
			}
			if err := n.srv.state.BeginJobCompletion(report.JobID, final, report.ExitCode, now); err != nil {
				n.srv.logger.Error("heartbeat completion transition failed",
					"node", req.Name, "job_id", report.JobID, "error", err)
				continue
			}
		}
		done, err := n.srv.state.ConfirmNodeCompletion(report.JobID, req.Name, now)
		if err != nil {
			n.srv.logger.Error("heartbeat completion failed",
				"node", req.Name, "job_id", report.JobID, "error", err)
			continue
		}
		if done {
			n.srv.finishJob(report.JobID, now)
		}
	}
	return nil
}

// Update applies an admin state change to a hostlist expression of
// nodes. Downing or draining a node requires a reason.
func (n *Node) Update(req *structs.NodeUpdateRequest, resp *structs.NodeUpdateResponse) error {
	defer metrics.MeasureSince([]string{"quarry", "node", "update"}, time.Now())
	if err := n.srv.checkRequest(req); err != nil {
		return err
	}
	if req.State == structs.NodeStateDown || req.SetFlags.Has(structs.NodeFlagDrain) {
		if req.Reason == "" {
			return structs.NewInvalidRequestError("downing or draining a node requires a reason")
		}
	}
	names, err := hostlist.Expand(req.NodeExpr)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, name := range names {
		if err := n.srv.state.MarkNodeState(name, req.State,
			req.SetFlags, req.ClearFlags, req.Reason, req.AuthUID); err != nil {
			return err
		}
		resp.Updated = append(resp.Updated, name)

		if req.State == structs.NodeStateDown {
			n.srv.downNode(name, req.Reason, now)
		} else if req.SetFlags.Has(structs.NodeFlagDrain) {
			n.srv.recordNodeEvent(name, "drain", req.Reason, false, now)
		}
	}
	n.srv.logger.Info("node state updated",
		"expr", req.NodeExpr, "state", req.State, "count", len(resp.Updated), "uid", req.AuthUID)
	n.srv.kickScheduler()
	return nil
}

// List returns the node table, newest-first filtering by SinceTime and
// the optional filter expression.
func (n *Node) List(req *structs.NodeListRequest, resp *structs.NodeListResponse) error {
	defer metrics.MeasureSince([]string{"quarry", "node", "list"}, time.Now())
	if err := n.srv.checkRequest(req); err != nil {
		return err
	}
	for _, node := range n.srv.state.Nodes(nil) {
		if !req.SinceTime.IsZero() && node.CreateTime.Before(req.SinceTime) {
			continue
		}
		match, err := n.srv.matchFilter(req.Filter, node)
		if err != nil {
			return err
		}
		if match {
			resp.Nodes = append(resp.Nodes, node)
		}
	}
	return nil
}

// downNode fails every job the node was running and records the outage.
// Completion confirmations cannot arrive from a down node, so
// allocations are released directly.
func (s *Server) downNode(name, reason string, now time.Time) {
	node, err := s.state.NodeByName(name)
	if err != nil {
		return
	}
	for jobID := range node.ActiveJobs {
		if err := s.state.ReleaseJobAllocation(jobID, structs.JobStateNodeFail, now); err != nil {
			s.logger.Error("node failure job release failed",
				"node", name, "job_id", jobID, "error", err)
			continue
		}
		s.finishJob(jobID, now)
	}
	s.recordNodeEvent(name, structs.NodeStateDown, reason, false, now)
}

func (s *Server) recordNodeEvent(name, state, reason string, maint bool, now time.Time) {
	node, err := s.state.NodeByName(name)
	if err != nil {
		return
	}
	cpus, _ := node.EffectiveResources(s.config.FastSchedule)
	if err := s.acctStore.AddNodeEvent(&acct.NodeEventRecord{
		Node:    name,
		Cluster: s.clusterName(),
		State:   state,
		Reason:  reason,
		Maint:   maint,
		CPUs:    cpus,
		Start:   now,
	}); err != nil {
		s.logger.Error("accounting node event failed", "node", name, "error", err)
	}
}

// closeNodeEvent ends the open outage interval when a node recovers.
func (s *Server) closeNodeEvent(name string, now time.Time) {
	if err := s.acctStore.AddNodeEvent(&acct.NodeEventRecord{
		Node: name,
		End:  now,
	}); err != nil {
		s.logger.Error("accounting node event close failed", "node", name, "error", err)
	}
}
