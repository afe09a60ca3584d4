// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package quarry

import (
	"fmt"
	"net"
	"net/rpc"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/hashicorp/quarry/helper/pool"
	"github.com/hashicorp/quarry/quarry/structs"
)

// NodeAgents is the dispatch surface toward the node agents. The
// production implementation is AgentPool; tests substitute a recorder.
type NodeAgents interface {
	LaunchBatch(job *structs.Job, res *structs.JobResources) error
	LaunchTasks(job *structs.Job, step *structs.Step, names []string) error
	Terminate(job *structs.Job, signal int32, graceSec uint32) error
	Reconfigure(names []string) error
	Close()
}

// AgentPool maintains RPC connections to the node agents. Connections
// are cached per node and rebuilt on failure; every call retries with
// backoff before the failure is surfaced.
type AgentPool struct {
	logger    hclog.Logger
	agentPort int
	retries   int
	timeout   time.Duration

	mu      sync.Mutex
	clients map[string]*rpc.Client
}

func NewAgentPool(logger hclog.Logger, config *Config) *AgentPool {
	return &AgentPool{
		logger:    logger.Named("agents"),
		agentPort: config.AgentPort,
		retries:   config.LaunchRetries,
		timeout:   config.MessageTimeout(),
		clients:   make(map[string]*rpc.Client),
	}
}

// Close drops every cached connection.
func (p *AgentPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for node, client := range p.clients {
		client.Close()
		delete(p.clients, node)
	}
}

func (p *AgentPool) client(node string) (*rpc.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[node]; ok {
		return c, nil
	}
	addr := net.JoinHostPort(node, strconv.Itoa(p.agentPort))
	conn, err := net.DialTimeout("tcp", addr, p.timeout)
	if err != nil {
		return nil, fmt.Errorf("dial agent %s: %w", node, err)
	}
	c := rpc.NewClientWithCodec(pool.NewClientCodec(conn))
	p.clients[node] = c
	return c, nil
}

func (p *AgentPool) drop(node string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[node]; ok {
		c.Close()
		delete(p.clients, node)
	}
}

// call issues one RPC to a node agent, retrying transport failures with
// linear backoff. The cached connection is dropped on any error so the
// next attempt redials.
func (p *AgentPool) call(node, method string, args, reply interface{}) error {
	var mErr multierror.Error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
		client, err := p.client(node)
		if err != nil {
			mErr.Errors = append(mErr.Errors, err)
			continue
		}
		if err := client.Call(method, args, reply); err != nil {
			p.drop(node)
			mErr.Errors = append(mErr.Errors, err)
			metrics.IncrCounter([]string{"quarry", "agents", "retry"}, 1)
			continue
		}
		return nil
	}
	return fmt.Errorf("agent %s unreachable after %d attempts: %w",
		node, p.retries+1, mErr.ErrorOrNil())
}

// LaunchBatch sends the batch script to the allocation's lead node; the
// agent fans the job environment out to the member nodes itself.
func (p *AgentPool) LaunchBatch(job *structs.Job, res *structs.JobResources) error {
	defer metrics.MeasureSince([]string{"quarry", "agents", "launch_batch"}, time.Now())
	lead := res.NodeNames[0]
	req := &structs.LaunchBatchRequest{
		JobID:      job.ID,
		StepID:     structs.StepIDBatch,
		NodeNames:  res.NodeNames,
		CoreBitmap: res.CoreBitmap.String(),
		Script:     job.Request.Script,
		Env:        job.Request.Env,
	}
	var resp structs.LaunchResponse
	if err := p.call(lead, "Agent.LaunchBatch", req, &resp); err != nil {
		return err
	}
	p.logger.Debug("batch launched", "job_id", job.ID, "lead", lead, "nodes", len(res.NodeNames))
	return nil
}

// LaunchTasks dispatches a step's tasks to each member agent.
func (p *AgentPool) LaunchTasks(job *structs.Job, step *structs.Step, names []string) error {
	defer metrics.MeasureSince([]string{"quarry", "agents", "launch_tasks"}, time.Now())
	req := &structs.LaunchTasksRequest{
		JobID:        job.ID,
		StepID:       step.StepID,
		NodeNames:    names,
		NTasks:       step.NTasks,
		Distribution: step.Distribution,
	}
	var mErr multierror.Error
	for _, node := range names {
		var resp structs.LaunchResponse
		if err := p.call(node, "Agent.LaunchTasks", req, &resp); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	}
	return mErr.ErrorOrNil()
}

// Terminate signals the job on every node of its allocation. Nodes that
// cannot be reached are reported but do not stop the fan-out.
func (p *AgentPool) Terminate(job *structs.Job, signal int32, graceSec uint32) error {
	defer metrics.MeasureSince([]string{"quarry", "agents", "terminate"}, time.Now())
	if job.Resources == nil {
		return nil
	}
	req := &structs.TerminateJobRequest{
		JobID:    job.ID,
		Signal:   signal,
		GraceSec: graceSec,
	}
	var mErr multierror.Error
	for _, node := range job.Resources.NodeNames {
		var resp structs.TerminateJobResponse
		if err := p.call(node, "Agent.TerminateJob", req, &resp); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	}
	return mErr.ErrorOrNil()
}

// Reconfigure tells each named agent to re-read its configuration.
// Unreachable agents are reported but do not stop the fan-out; they
// pick up the new configuration at their next registration.
func (p *AgentPool) Reconfigure(names []string) error {
	defer metrics.MeasureSince([]string{"quarry", "agents", "reconfigure"}, time.Now())
	var mErr multierror.Error
	for _, node := range names {
		var resp structs.GenericResponse
		if err := p.call(node, "Agent.Reconfigure", &structs.ReconfigureRequest{}, &resp); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	}
	return mErr.ErrorOrNil()
}
