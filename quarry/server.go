// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package quarry

import (
	"fmt"
	"net"
	"net/rpc"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"
	uuid "github.com/hashicorp/go-uuid"
	bexpr "github.com/hashicorp/go-bexpr"

	"github.com/hashicorp/quarry/acct"
	"github.com/hashicorp/quarry/helper/hostlist"
	"github.com/hashicorp/quarry/helper/pointer"
	"github.com/hashicorp/quarry/quarry/state"
	"github.com/hashicorp/quarry/quarry/structs"
	"github.com/hashicorp/quarry/scheduler"
)

// Server is the controller: it owns the authoritative state, schedules
// pending jobs, heartbeats the node agents, and serves the RPC surface.
type Server struct {
	config     *Config
	configPath string
	logger     hclog.Logger

	state  *state.StateStore
	driver *scheduler.Driver
	// topo is set only on topology_3d clusters; its block table must be
	// released explicitly when jobs finish.
	topo *scheduler.TopoSelector

	acctStore acct.Store
	spool     *acct.BufferedStore

	agents NodeAgents

	rpcServer *rpc.Server
	listener  net.Listener

	// filterCache memoizes compiled list-filter expressions.
	filterCache *lru.Cache[string, *bexpr.Evaluator]

	// evalCh wakes the scheduler loop; capacity one, extra kicks coalesce.
	evalCh chan struct{}

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewServer builds a controller from its configuration: state is
// restored from the save location, the cluster identity is created on
// first start, and the configured nodes and partitions are applied.
// The RPC listener and the periodic agents start with Start.
func NewServer(config *Config, logger hclog.Logger) (*Server, error) {
	logger = logger.Named("quarry")

	maxNodes := configuredNodeCount(config)
	store, err := state.NewStateStore(logger, maxNodes)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:     config,
		logger:     logger,
		state:      store,
		evalCh:     make(chan struct{}, 1),
		shutdownCh: make(chan struct{}),
	}
	s.filterCache, err = lru.New[string, *bexpr.Evaluator](256)
	if err != nil {
		return nil, err
	}

	if err := s.restoreState(); err != nil {
		return nil, err
	}
	if err := s.bootstrapClusterMeta(); err != nil {
		return nil, err
	}
	if err := s.applyConfig(config); err != nil {
		return nil, err
	}
	if err := s.setupAccounting(); err != nil {
		return nil, err
	}

	s.agents = NewAgentPool(logger, config)

	selector, topo, err := s.buildSelector()
	if err != nil {
		return nil, err
	}
	s.topo = topo
	s.driver = scheduler.NewDriver(logger, store, selector, s, nil, scheduler.Config{
		MaxCycleJobs:       500,
		CycleBudget:        2 * time.Second,
		DefaultPreemptMode: config.PreemptMode,
		LLN:                config.SelectParam("CR_LLN"),
	})

	s.setupRPC()
	return s, nil
}

// configuredNodeCount sizes the node table from the config blocks.
func configuredNodeCount(config *Config) uint {
	total := 0
	for expr := range config.Nodes {
		if names, err := hostlist.Expand(expr); err == nil {
			total += len(names)
		}
	}
	if total < 64 {
		total = 64
	}
	return uint(total)
}

func (s *Server) restoreState() error {
	dir := s.config.StateSaveLocation
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("state directory: %w", err)
		}
		return nil
	}
	if err := s.state.Restore(dir); err != nil {
		return fmt.Errorf("state restore: %w", err)
	}
	s.logger.Info("restored state",
		"dir", dir, "nodes", s.state.NodeCount(), "jobs", len(s.state.Jobs(nil)))
	return nil
}

// bootstrapClusterMeta creates the cluster identity on first start; the
// id survives restarts through the state directory and names this
// cluster in accounting records.
func (s *Server) bootstrapClusterMeta() error {
	if meta := s.state.Meta(); meta != nil {
		if meta.ClusterName != s.config.ClusterName {
			return fmt.Errorf("%w: state belongs to cluster %q, config names %q",
				structs.ErrFatalConfig, meta.ClusterName, s.config.ClusterName)
		}
		return nil
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return err
	}
	s.state.SetMeta(&structs.ClusterMeta{
		ClusterID:   id,
		ClusterName: s.config.ClusterName,
		CreateTime:  time.Now().UTC(),
	})
	s.logger.Info("generated cluster identity", "cluster_id", id, "cluster_name", s.config.ClusterName)
	return nil
}

// applyConfig reconciles the node and partition tables with the config
// blocks. Nodes that disappeared from the config are tombstoned so
// indexes stay stable; new nodes are created against interned templates.
func (s *Server) applyConfig(config *Config) error {
	configured := make(map[string]struct{})

	// Deterministic application order regardless of map iteration.
	exprs := make([]string, 0, len(config.Nodes))
	for expr := range config.Nodes {
		exprs = append(exprs, expr)
	}
	sort.Strings(exprs)

	for _, expr := range exprs {
		block := config.Nodes[expr]
		tpl, err := block.Template()
		if err != nil {
			return fmt.Errorf("%w: node block %q: %v", structs.ErrFatalConfig, expr, err)
		}
		tpl = s.state.UpsertConfigTemplate(tpl)

		names, err := hostlist.Expand(expr)
		if err != nil {
			return fmt.Errorf("%w: node block %q: %v", structs.ErrFatalConfig, expr, err)
		}
		for _, name := range names {
			configured[name] = struct{}{}
			if _, err := s.state.NodeByName(name); err == nil {
				continue
			}
			var coords *[3]uint16
			if config.Topology != nil {
				coords = pointer.Of(s.nodeCoords(config.Topology, s.state.NodeCount()))
			}
			if _, err := s.state.CreateNode(tpl, name, coords, block.Partitions); err != nil {
				return fmt.Errorf("%w: node %s: %v", structs.ErrFatalConfig, name, err)
			}
		}
	}

	// Tombstone records the config no longer names.
	for _, n := range s.state.Nodes(nil) {
		if _, ok := configured[n.Name]; ok {
			continue
		}
		if n.Flags.Has(structs.NodeFlagTombstone) {
			continue
		}
		s.logger.Warn("node removed from configuration", "node", n.Name)
		if err := s.state.TombstoneNode(n.Name); err != nil {
			return err
		}
	}

	names := make([]string, 0, len(config.Partitions))
	for name := range config.Partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		block := config.Partitions[name]
		if block.Share == "" {
			block.Share = config.SharingDefault
		}
		if block.PreemptMode == "" {
			block.PreemptMode = config.PreemptMode
		}
		part, err := block.Partition(name)
		if err != nil {
			return fmt.Errorf("%w: partition %s: %v", structs.ErrFatalConfig, name, err)
		}
		if err := s.resolvePartitionNodes(part, block.Nodes); err != nil {
			return fmt.Errorf("%w: partition %s: %v", structs.ErrFatalConfig, name, err)
		}
		if err := s.state.UpsertPartition(part); err != nil {
			return err
		}
	}
	return nil
}

// resolvePartitionNodes fills the membership bitmap from a hostlist
// expression, falling back to per-node partition lists when the block
// names no nodes.
func (s *Server) resolvePartitionNodes(part *structs.Partition, expr string) error {
	b, err := structs.NewBitmap(s.state.NodeCount())
	if err != nil {
		return err
	}
	var members []string
	if expr != "" {
		names, err := hostlist.Expand(expr)
		if err != nil {
			return err
		}
		for _, name := range names {
			n, err := s.state.NodeByName(name)
			if err != nil {
				return fmt.Errorf("member %s: %w", name, err)
			}
			b.Set(n.Index)
			members = append(members, name)
		}
	} else {
		for _, n := range s.state.Nodes(nil) {
			for _, p := range n.Partitions {
				if p == part.Name {
					b.Set(n.Index)
					members = append(members, n.Name)
				}
			}
		}
	}
	sort.Strings(members)
	part.Nodes = b
	part.NodeNames = members
	return nil
}

// nodeCoords places the idx-th configured node in the wiring grid.
// Nodes fill midplanes in index order, midplanes fill the grid in
// x-major order.
func (s *Server) nodeCoords(topo *TopologyConfig, idx uint) [3]uint16 {
	per := topo.MidplaneNodes
	if per <= 0 {
		per = 1
	}
	mp := int(idx) / per
	dy, dz := topo.Dims[1], topo.Dims[2]
	return [3]uint16{
		uint16(mp / (dy * dz)),
		uint16((mp / dz) % dy),
		uint16(mp % dz),
	}
}

func (s *Server) setupAccounting() error {
	backend := acct.NewMemStore(s.logger)
	if s.config.TrackWCKey {
		backend.TrackWCKey = true
	}
	if s.config.AcctSpoolPath == "" {
		s.acctStore = backend
		return nil
	}
	spool, err := acct.NewBufferedStore(s.logger, backend, s.config.AcctSpoolPath)
	if err != nil {
		return err
	}
	s.spool = spool
	s.acctStore = spool
	return nil
}

func (s *Server) buildSelector() (scheduler.Selector, *scheduler.TopoSelector, error) {
	switch s.config.SelectType {
	case SelectConsRes:
		return scheduler.NewConsRes(s.config.FastSchedule,
			s.config.SelectParam("CR_LLN"), s.config.PreemptMode), nil, nil
	case SelectSerial:
		return scheduler.NewSerial(s.config.FastSchedule, s.config.PreemptMode), nil, nil
	case SelectTopology3D:
		tc := s.config.Topology
		dims := [3]uint16{uint16(tc.Dims[0]), uint16(tc.Dims[1]), uint16(tc.Dims[2])}
		topo, err := scheduler.NewTopology(dims, uint32(tc.MidplaneNodes))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", structs.ErrFatalConfig, err)
		}
		sel := scheduler.NewTopoSelector(s.logger, topo)
		return sel, sel, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown select_type %q", structs.ErrFatalConfig, s.config.SelectType)
	}
}

// Start binds the RPC listener and launches the periodic agents.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.BindAddr, s.config.ControllerPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("controller listening", "address", ln.Addr().String())

	s.wg.Add(1)
	go s.listen()
	s.startPeriodic()
	return nil
}

// Addr returns the bound RPC address, or empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the periodic agents, closes the listener, writes a
// final checkpoint, and drains the accounting spool handle.
func (s *Server) Shutdown() error {
	var err error
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
		if s.listener != nil {
			s.listener.Close()
		}
		s.wg.Wait()
		if cerr := s.state.Checkpoint(s.config.StateSaveLocation); cerr != nil {
			s.logger.Error("final checkpoint failed", "error", cerr)
			err = cerr
		}
		if s.spool != nil {
			if cerr := s.spool.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		s.agents.Close()
		s.logger.Info("controller shut down")
	})
	return err
}

// SetConfigPath records where the configuration was loaded from so
// Operator.Reconfigure can re-read it.
func (s *Server) SetConfigPath(path string) { s.configPath = path }

// kickScheduler requests a scheduling pass; concurrent kicks coalesce.
func (s *Server) kickScheduler() {
	select {
	case s.evalCh <- struct{}{}:
	default:
	}
}

// clusterName is used to tag accounting records.
func (s *Server) clusterName() string {
	if meta := s.state.Meta(); meta != nil {
		return meta.ClusterName
	}
	return s.config.ClusterName
}

// Launch implements scheduler.Launcher: the allocation is recorded for
// accounting, the topology block (if any) is already committed, and the
// batch script is dispatched to the lead node agent.
func (s *Server) Launch(job *structs.Job, res *structs.JobResources) error {
	rec := &acct.JobRecord{
		JobID:        job.ID,
		Cluster:      s.clusterName(),
		Partition:    job.Request.Partition,
		Assoc:        job.Request.Account,
		WCKey:        job.Request.WCKey,
		AllocCPUs:    res.TotalCPUs(),
		Reservation:  job.Request.Reservation,
		SubmitTime:   job.SubmitTime,
		EligibleTime: job.EligibleTime,
		StartTime:    job.StartTime,
	}
	if err := s.acctStore.AddJobStart(rec); err != nil {
		s.logger.Error("accounting job start failed", "job_id", job.ID, "error", err)
	}
	if err := s.agents.LaunchBatch(job, res); err != nil {
		// The lead agent never took the job: the node goes down and the
		// job fails with a node failure, releasing its allocation.
		lead := res.NodeNames[0]
		now := time.Now()
		s.logger.Error("launch failed, downing node", "job_id", job.ID, "node", lead, "error", err)
		if merr := s.state.MarkNodeState(lead, structs.NodeStateDown,
			0, 0, "batch launch failed: "+err.Error(), 0); merr != nil {
			s.logger.Error("node down transition failed", "node", lead, "error", merr)
		}
		s.downNode(lead, "batch launch failed", now)
		return err
	}
	return nil
}

// Terminate implements scheduler.Launcher.
func (s *Server) Terminate(job *structs.Job, signal int32, graceSec uint32) error {
	return s.agents.Terminate(job, signal, graceSec)
}

// finishJob runs the bookkeeping shared by every path that observes a
// job reaching a terminal state: accounting close-out and topology
// block release.
func (s *Server) finishJob(jobID uint64, now time.Time) {
	job, err := s.state.JobByID(jobID)
	if err != nil {
		return
	}
	end := job.EndTime
	if end.IsZero() {
		end = now
	}
	if err := s.acctStore.AddJobEnd(&acct.JobRecord{
		JobID:    job.ID,
		Cluster:  s.clusterName(),
		EndTime:  end,
		State:    job.State,
		ExitCode: job.ExitCode,
	}); err != nil {
		s.logger.Error("accounting job end failed", "job_id", job.ID, "error", err)
	}
	if s.topo != nil {
		s.topo.Release(job.ID)
	}
	s.kickScheduler()
}
