// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package state owns the authoritative in-memory tables for nodes,
// partitions, configs, jobs, and reservations.
//
// Access is gated by four lock domains acquired in the fixed order
// CONFIG -> JOB -> NODE -> PARTITION. Exported methods take the locks they
// need in that order; callers never hold store locks across calls.
package state

import (
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/quarry/quarry/structs"
)

// StateStore exclusively owns all cluster entities. Readers receive
// copies; mutations happen through store methods only.
type StateStore struct {
	logger hclog.Logger

	// Lock domains. Declaration order is acquisition order.
	configLock lockDomain
	jobLock    lockDomain
	nodeLock   lockDomain
	partLock   lockDomain

	// CONFIG domain.
	meta      *structs.ClusterMeta
	templates map[uint64]*structs.NodeConfigTemplate

	// JOB domain. Jobs live in a memdb table indexed by id and state.
	db        *memdb.MemDB
	nextJobID uint64

	// NODE domain. Nodes are dense-index addressed; the bitmaps are the
	// derived views every selector consumes.
	nodes      []*structs.Node
	nodeIndex  map[string]uint
	up         structs.Bitmap
	idle       structs.Bitmap
	completing structs.Bitmap
	live       structs.Bitmap

	// PARTITION domain.
	partitions map[string]*structs.Partition
	resvs      map[string]*structs.Reservation
	nextResvID uint32
}

// NewStateStore creates an empty store sized for up to maxNodes node
// records.
func NewStateStore(logger hclog.Logger, maxNodes uint) (*StateStore, error) {
	db, err := memdb.NewMemDB(stateStoreSchema())
	if err != nil {
		return nil, fmt.Errorf("state store setup failed: %w", err)
	}
	if maxNodes == 0 {
		maxNodes = 8
	}
	mk := func() structs.Bitmap {
		b, _ := structs.NewBitmap(maxNodes)
		return b
	}
	return &StateStore{
		logger:     logger.Named("state_store"),
		templates:  make(map[uint64]*structs.NodeConfigTemplate),
		db:         db,
		nextJobID:  1,
		nodeIndex:  make(map[string]uint),
		up:         mk(),
		idle:       mk(),
		completing: mk(),
		live:       mk(),
		partitions: make(map[string]*structs.Partition),
		resvs:      make(map[string]*structs.Reservation),
		nextResvID: 1,
	}, nil
}

// ---- CONFIG domain ----

// Meta returns the cluster identity record, or nil before bootstrap.
func (s *StateStore) Meta() *structs.ClusterMeta {
	s.configLock.RLock()
	defer s.configLock.RUnlock()
	if s.meta == nil {
		return nil
	}
	meta := *s.meta
	return &meta
}

// SetMeta installs the cluster identity record.
func (s *StateStore) SetMeta(meta *structs.ClusterMeta) {
	s.configLock.Lock()
	defer s.configLock.Unlock()
	m := *meta
	s.meta = &m
}

// UpsertConfigTemplate interns the template, collapsing identical node
// lines onto one refcounted record. The returned pointer is the canonical
// shared instance.
func (s *StateStore) UpsertConfigTemplate(t *structs.NodeConfigTemplate) *structs.NodeConfigTemplate {
	s.configLock.Lock()
	defer s.configLock.Unlock()
	return s.internTemplate(t)
}

func (s *StateStore) internTemplate(t *structs.NodeConfigTemplate) *structs.NodeConfigTemplate {
	h := t.Hash()
	if existing, ok := s.templates[h]; ok {
		return existing
	}
	shared := t.Copy()
	shared.RefCount = 0
	s.templates[h] = shared
	return shared
}

// ---- NODE domain ----

// CreateNode adds a node under the given shared template. The index is
// assigned densely; tombstoned slots are not reused so bitmap positions
// stay stable for the life of the process.
func (s *StateStore) CreateNode(template *structs.NodeConfigTemplate, name string, coords *[3]uint16, partitions []string) (*structs.Node, error) {
	s.configLock.Lock()
	defer s.configLock.Unlock()
	s.nodeLock.Lock()
	defer s.nodeLock.Unlock()

	if _, exists := s.nodeIndex[name]; exists {
		return nil, fmt.Errorf("node %s: %w", name, structs.ErrDuplicate)
	}
	tpl := s.internTemplate(template)
	tpl.RefCount++

	idx := uint(len(s.nodes))
	n := &structs.Node{
		Name:       name,
		Index:      idx,
		State:      structs.NodeStateUnknown,
		Config:     tpl,
		Partitions: append([]string(nil), partitions...),
		ActiveJobs: make(map[uint64]struct{}),
		CreateTime: time.Now(),
	}
	if coords != nil {
		c := *coords
		n.Coords = &c
	}
	s.nodes = append(s.nodes, n)
	s.nodeIndex[name] = idx
	s.growBitmaps(uint(len(s.nodes)))
	s.live.Set(idx)
	s.refreshDerived(n)
	return n.Copy(), nil
}

// TombstoneNode marks a removed node without compacting indexes. Bitmap
// predicates must intersect with the live bitmap.
func (s *StateStore) TombstoneNode(name string) error {
	s.configLock.Lock()
	defer s.configLock.Unlock()
	s.nodeLock.Lock()
	defer s.nodeLock.Unlock()

	n, err := s.nodeByNameLocked(name)
	if err != nil {
		return err
	}
	n.Flags |= structs.NodeFlagTombstone
	if n.Config != nil {
		n.Config.RefCount--
	}
	s.live.Unset(n.Index)
	s.refreshDerived(n)
	return nil
}

// NodeByName returns a copy of the named node.
func (s *StateStore) NodeByName(name string) (*structs.Node, error) {
	s.nodeLock.RLock()
	defer s.nodeLock.RUnlock()
	n, err := s.nodeByNameLocked(name)
	if err != nil {
		return nil, err
	}
	return n.Copy(), nil
}

func (s *StateStore) nodeByNameLocked(name string) (*structs.Node, error) {
	idx, ok := s.nodeIndex[name]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", name, structs.ErrNotFound)
	}
	return s.nodes[idx], nil
}

// Nodes returns copies of all live nodes matching the filter; a nil
// filter matches everything.
func (s *StateStore) Nodes(filter func(*structs.Node) bool) []*structs.Node {
	s.nodeLock.RLock()
	defer s.nodeLock.RUnlock()
	var out []*structs.Node
	for _, n := range s.nodes {
		if n.Flags.Has(structs.NodeFlagTombstone) {
			continue
		}
		if filter == nil || filter(n) {
			out = append(out, n.Copy())
		}
	}
	return out
}

// NodeCount returns the size of the node index space, tombstones
// included.
func (s *StateStore) NodeCount() uint {
	s.nodeLock.RLock()
	defer s.nodeLock.RUnlock()
	return uint(len(s.nodes))
}

// UpBitmap returns a copy of the up bitmap.
func (s *StateStore) UpBitmap() structs.Bitmap {
	s.nodeLock.RLock()
	defer s.nodeLock.RUnlock()
	return s.up.Copy()
}

// IdleBitmap returns a copy of the idle bitmap.
func (s *StateStore) IdleBitmap() structs.Bitmap {
	s.nodeLock.RLock()
	defer s.nodeLock.RUnlock()
	return s.idle.Copy()
}

// LiveBitmap returns a copy of the live-nodes bitmap.
func (s *StateStore) LiveBitmap() structs.Bitmap {
	s.nodeLock.RLock()
	defer s.nodeLock.RUnlock()
	return s.live.Copy()
}

// MarkNodeState applies an admin or timer driven state change.
func (s *StateStore) MarkNodeState(name, newBase string, setFlags, clearFlags structs.NodeFlags, reason string, uid uint32) error {
	s.nodeLock.Lock()
	defer s.nodeLock.Unlock()
	n, err := s.nodeByNameLocked(name)
	if err != nil {
		return err
	}
	if newBase != "" {
		if !structs.ValidNodeState(newBase) {
			return structs.NewInvalidRequestError("unknown node state %q", newBase)
		}
		n.State = newBase
	}
	n.Flags |= setFlags
	n.Flags &^= clearFlags
	if reason != "" {
		n.Reason = reason
		n.ReasonUID = uid
	}
	s.refreshDerived(n)
	return nil
}

// RegisterNode processes a node-agent registration. Resources below the
// configured template drain the node and surface ErrValidationFail; the
// base state stays inspectable rather than down.
func (s *StateStore) RegisterNode(req *structs.NodeRegisterRequest, now time.Time, fastSchedule int) error {
	s.nodeLock.Lock()
	defer s.nodeLock.Unlock()
	n, err := s.nodeByNameLocked(req.Name)
	if err != nil {
		return err
	}

	n.CPUs = req.CPUs
	n.Sockets = req.Sockets
	n.CoresPerSock = req.CoresPerSock
	n.ThreadsPerCore = req.ThreadsPerCore
	n.RealMemoryMB = req.RealMemoryMB
	n.TmpDiskMB = req.TmpDiskMB
	n.Gres = req.Gres.Copy()
	n.Features = append([]string(nil), req.Features...)
	n.BootTime = req.BootTime
	n.AgentVersion = req.AgentVersion
	n.LastResponse = now
	n.Flags &^= structs.NodeFlagNoRespond

	if err := n.ValidateAdvertised(); err != nil {
		if fastSchedule != structs.FastScheduleNeverDrain {
			n.Flags |= structs.NodeFlagDrain
			n.Reason = err.Error()
		}
		if n.State == structs.NodeStateUnknown {
			n.State = structs.NodeStateIdle
		}
		s.refreshDerived(n)
		return err
	}

	if n.State == structs.NodeStateUnknown || n.State == structs.NodeStateDown {
		if len(n.ActiveJobs) == 0 {
			n.State = structs.NodeStateIdle
		}
	}
	s.refreshDerived(n)
	return nil
}

// TouchNode records a heartbeat without a full registration.
func (s *StateStore) TouchNode(name string, now time.Time) error {
	s.nodeLock.Lock()
	defer s.nodeLock.Unlock()
	n, err := s.nodeByNameLocked(name)
	if err != nil {
		return err
	}
	n.LastResponse = now
	if n.Flags.Has(structs.NodeFlagNoRespond) {
		n.Flags &^= structs.NodeFlagNoRespond
		s.refreshDerived(n)
	}
	return nil
}

// growBitmaps widens the derived bitmaps when the node table outgrows
// them, preserving set bits.
func (s *StateStore) growBitmaps(n uint) {
	if n <= s.up.Size() {
		return
	}
	grow := func(old structs.Bitmap) structs.Bitmap {
		b, _ := structs.NewBitmap(n)
		copy(b, old)
		return b
	}
	s.up = grow(s.up)
	s.idle = grow(s.idle)
	s.completing = grow(s.completing)
	s.live = grow(s.live)
}

// refreshDerived recomputes the bitmap bits for one node. Caller holds the
// NODE exclusive lock.
func (s *StateStore) refreshDerived(n *structs.Node) {
	idx := n.Index
	if n.Up() {
		s.up.Set(idx)
	} else {
		s.up.Unset(idx)
	}
	if n.Idle() {
		s.idle.Set(idx)
	} else {
		s.idle.Unset(idx)
	}
	if n.State == structs.NodeStateCompleting || n.Flags.Has(structs.NodeFlagCompleting) {
		s.completing.Set(idx)
	} else {
		s.completing.Unset(idx)
	}
}

// recomputeNodeBase derives the base state from the node's active jobs
// and counters. Caller holds the NODE exclusive lock.
func (s *StateStore) recomputeNodeBase(n *structs.Node, completing bool) {
	switch {
	case n.State == structs.NodeStateDown || n.State == structs.NodeStateUnknown:
		// Down and unknown are only left via registration or admin.
	case completing:
		n.State = structs.NodeStateCompleting
	case len(n.ActiveJobs) == 0:
		n.State = structs.NodeStateIdle
	case n.AllocCPUs >= n.Cores():
		n.State = structs.NodeStateAllocated
	default:
		n.State = structs.NodeStateMixed
	}
	s.refreshDerived(n)
}

// ---- JOB domain ----

// CreateJob validates the request and creates a PENDING job with the next
// monotonic id.
func (s *StateStore) CreateJob(req *structs.JobRequest, now time.Time) (*structs.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	s.jobLock.Lock()
	defer s.jobLock.Unlock()

	job := &structs.Job{
		ID:           s.nextJobID,
		Request:      *req,
		State:        structs.JobStatePending,
		SubmitTime:   now,
		EligibleTime: now,
		CreateTime:   now,
	}
	job.Request.Env = append([]string(nil), req.Env...)
	job.Request.Gres = req.Gres.Copy()
	if req.Dependency != "" {
		// Jobs with unmet dependencies stay ineligible until the pass in
		// RefreshDependencies clears them.
		job.EligibleTime = time.Time{}
		job.WaitReason = "dependency"
	}

	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableJobs, job); err != nil {
		return nil, fmt.Errorf("job insert failed: %w", err)
	}
	txn.Commit()
	s.nextJobID++
	return job.Copy(), nil
}

// JobByID returns a copy of the job.
func (s *StateStore) JobByID(id uint64) (*structs.Job, error) {
	s.jobLock.RLock()
	defer s.jobLock.RUnlock()
	return s.jobByIDLocked(id)
}

func (s *StateStore) jobByIDLocked(id uint64) (*structs.Job, error) {
	txn := s.db.Txn(false)
	raw, err := txn.First(tableJobs, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("job %d: %w", id, structs.ErrNotFound)
	}
	return raw.(*structs.Job).Copy(), nil
}

// Jobs returns copies of all jobs matching the filter.
func (s *StateStore) Jobs(filter func(*structs.Job) bool) []*structs.Job {
	s.jobLock.RLock()
	defer s.jobLock.RUnlock()
	txn := s.db.Txn(false)
	iter, err := txn.Get(tableJobs, "id")
	if err != nil {
		return nil
	}
	var out []*structs.Job
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		j := raw.(*structs.Job)
		if filter == nil || filter(j) {
			out = append(out, j.Copy())
		}
	}
	return out
}

// JobsByState returns copies of jobs in the given state.
func (s *StateStore) JobsByState(state string) []*structs.Job {
	s.jobLock.RLock()
	defer s.jobLock.RUnlock()
	txn := s.db.Txn(false)
	iter, err := txn.Get(tableJobs, "state", state)
	if err != nil {
		return nil
	}
	var out []*structs.Job
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Job).Copy())
	}
	return out
}

// PendingJobs returns eligible pending jobs ordered by descending
// priority, then by id for fairness between equals.
func (s *StateStore) PendingJobs(now time.Time) []*structs.Job {
	pending := s.JobsByState(structs.JobStatePending)
	eligible := pending[:0]
	for _, j := range pending {
		if !j.EligibleTime.IsZero() && !j.EligibleTime.After(now) {
			eligible = append(eligible, j)
		}
	}
	sort.SliceStable(eligible, func(i, k int) bool {
		if eligible[i].Priority != eligible[k].Priority {
			return eligible[i].Priority > eligible[k].Priority
		}
		return eligible[i].ID < eligible[k].ID
	})
	return eligible
}

// UpdateJob replaces the stored record with the caller's mutated copy.
func (s *StateStore) UpdateJob(job *structs.Job) error {
	s.jobLock.Lock()
	defer s.jobLock.Unlock()
	return s.updateJobLocked(job)
}

func (s *StateStore) updateJobLocked(job *structs.Job) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tableJobs, "id", job.ID)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("job %d: %w", job.ID, structs.ErrNotFound)
	}
	if err := txn.Insert(tableJobs, job.Copy()); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// PurgeJob removes a terminal job from memory.
func (s *StateStore) PurgeJob(id uint64) error {
	s.jobLock.Lock()
	defer s.jobLock.Unlock()
	txn := s.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tableJobs, "id", id)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("job %d: %w", id, structs.ErrNotFound)
	}
	job := raw.(*structs.Job)
	if !job.Terminal() {
		return structs.NewInvalidRequestError("cannot purge non-terminal job %d in state %s", id, job.State)
	}
	if err := txn.Delete(tableJobs, raw); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// RefreshDependencies re-checks dependency expressions of ineligible
// pending jobs, promoting or failing them. Returns the promoted job ids.
func (s *StateStore) RefreshDependencies(now time.Time) []uint64 {
	s.jobLock.Lock()
	defer s.jobLock.Unlock()

	var promoted []uint64
	txn := s.db.Txn(true)
	defer txn.Abort()
	iter, err := txn.Get(tableJobs, "state", structs.JobStatePending)
	if err != nil {
		return nil
	}
	var updates []*structs.Job
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		j := raw.(*structs.Job)
		if !j.EligibleTime.IsZero() || j.Request.Dependency == "" {
			continue
		}
		dep, err := structs.ParseDependency(j.Request.Dependency)
		if err != nil {
			continue
		}
		depRaw, err := txn.First(tableJobs, "id", dep.JobID)
		if err != nil {
			continue
		}
		if depRaw == nil {
			// Dependency purged; treat purge-after-terminal as satisfied.
			c := j.Copy()
			c.EligibleTime = now
			c.WaitReason = ""
			updates = append(updates, c)
			continue
		}
		depJob := depRaw.(*structs.Job)
		if !depJob.Terminal() {
			continue
		}
		c := j.Copy()
		if dep.Satisfied(depJob.State) {
			c.EligibleTime = now
			c.WaitReason = ""
		} else {
			c.State = structs.JobStateCancelled
			c.EndTime = now
			c.WaitReason = fmt.Sprintf("dependency %s never satisfied", j.Request.Dependency)
		}
		updates = append(updates, c)
	}
	for _, u := range updates {
		if err := txn.Insert(tableJobs, u); err != nil {
			return promoted
		}
		if u.State == structs.JobStatePending {
			promoted = append(promoted, u.ID)
		}
	}
	txn.Commit()
	return promoted
}

// NextJobID exposes the id counter for checkpointing.
func (s *StateStore) NextJobID() uint64 {
	s.jobLock.RLock()
	defer s.jobLock.RUnlock()
	return s.nextJobID
}

// ---- allocation commit (JOB + NODE) ----

// SetJobAllocation commits an allocation: the job becomes RUNNING and the
// additive node counters are applied, all under the JOB and NODE exclusive
// locks. A partial failure rolls back the whole commit.
func (s *StateStore) SetJobAllocation(jobID uint64, res *structs.JobResources, now time.Time) error {
	if err := res.Validate(); err != nil {
		return err
	}
	s.jobLock.Lock()
	defer s.jobLock.Unlock()
	s.nodeLock.Lock()
	defer s.nodeLock.Unlock()

	job, err := s.jobByIDLocked(jobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return fmt.Errorf("job %d: %w", jobID, structs.ErrAlreadyTerminal)
	}

	// Stage the node-side changes so a bad node rolls back cleanly.
	applied := make([]*structs.Node, 0, len(res.NodeNames))
	rollback := func() {
		for i, n := range applied {
			n.AllocCPUs -= res.AllocCPUs[i]
			n.AllocMemoryMB -= res.AllocMemoryMB[i]
			if i < len(res.Gres) {
				n.AllocGres.Subtract(res.Gres[i])
			}
			delete(n.ActiveJobs, jobID)
			if n.ExclusiveJob == jobID {
				n.ExclusiveJob = 0
			}
			s.recomputeNodeBase(n, false)
		}
	}
	for i, name := range res.NodeNames {
		n, err := s.nodeByNameLocked(name)
		if err != nil {
			rollback()
			return err
		}
		if ok, reason := n.Ready(); !ok {
			rollback()
			return fmt.Errorf("node %s not schedulable (%s): %w", name, reason, structs.ErrNodeDown)
		}
		n.AllocCPUs += res.AllocCPUs[i]
		n.AllocMemoryMB += res.AllocMemoryMB[i]
		if i < len(res.Gres) && res.Gres[i] != nil {
			if n.AllocGres == nil {
				n.AllocGres = make(structs.GresMap)
			}
			n.AllocGres.Add(res.Gres[i])
		}
		if n.ActiveJobs == nil {
			n.ActiveJobs = make(map[uint64]struct{})
		}
		n.ActiveJobs[jobID] = struct{}{}
		if res.NodeReq == structs.NodeReqReserved {
			n.ExclusiveJob = jobID
		}
		s.recomputeNodeBase(n, false)
		applied = append(applied, n)
	}

	job.Resources = res.Copy()
	job.State = structs.JobStateRunning
	job.StartTime = now
	job.WaitReason = ""
	if err := s.updateJobLocked(job); err != nil {
		rollback()
		return err
	}
	return nil
}

// BeginJobCompletion moves an active job to COMPLETING, waiting on each
// allocated node to confirm exit. finalState is recorded once all nodes
// confirm.
func (s *StateStore) BeginJobCompletion(jobID uint64, finalState string, exitCode int32, now time.Time) error {
	s.jobLock.Lock()
	defer s.jobLock.Unlock()
	s.nodeLock.Lock()
	defer s.nodeLock.Unlock()

	job, err := s.jobByIDLocked(jobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return fmt.Errorf("job %d: %w", jobID, structs.ErrAlreadyTerminal)
	}
	if job.Resources == nil {
		// Never started; finalize directly.
		job.State = finalState
		job.EndTime = now
		job.ExitCode = exitCode
		return s.updateJobLocked(job)
	}

	job.State = structs.JobStateCompleting
	job.FinalState = finalState
	job.ExitCode = exitCode
	job.EndTime = now
	job.CompletingNodes = job.Resources.NodeBitmap.Copy()
	for _, name := range job.Resources.NodeNames {
		if n, err := s.nodeByNameLocked(name); err == nil {
			s.recomputeNodeBase(n, true)
		}
	}
	return s.updateJobLocked(job)
}

// ConfirmNodeCompletion records one node's confirmation that the job's
// processes are gone. When the last node confirms, the allocation is
// released and the job reaches its recorded final state.
func (s *StateStore) ConfirmNodeCompletion(jobID uint64, nodeName string, now time.Time) (done bool, err error) {
	s.jobLock.Lock()
	defer s.jobLock.Unlock()
	s.nodeLock.Lock()
	defer s.nodeLock.Unlock()

	job, err := s.jobByIDLocked(jobID)
	if err != nil {
		return false, err
	}
	if job.State != structs.JobStateCompleting {
		return job.Terminal(), nil
	}
	n, err := s.nodeByNameLocked(nodeName)
	if err != nil {
		return false, err
	}
	job.CompletingNodes.Unset(n.Index)
	if job.CompletingNodes.Count() > 0 {
		return false, s.updateJobLocked(job)
	}

	final := job.FinalState
	if !structs.TerminalJobState(final) {
		final = structs.JobStateCompleted
	}
	job.FinalState = ""
	job.State = final
	job.EndTime = now
	if err := s.releaseAllocationLocked(job); err != nil {
		return false, err
	}
	return true, s.updateJobLocked(job)
}

// ReleaseJobAllocation force-releases a job's resources and finalizes it,
// bypassing per-node confirmation. Used for node-failure cleanup.
func (s *StateStore) ReleaseJobAllocation(jobID uint64, finalState string, now time.Time) error {
	s.jobLock.Lock()
	defer s.jobLock.Unlock()
	s.nodeLock.Lock()
	defer s.nodeLock.Unlock()

	job, err := s.jobByIDLocked(jobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return nil
	}
	if err := s.releaseAllocationLocked(job); err != nil {
		return err
	}
	job.State = finalState
	job.EndTime = now
	job.CompletingNodes = nil
	return s.updateJobLocked(job)
}

// releaseAllocationLocked subtracts the job's counters from its nodes and
// clears the allocation. Caller holds JOB and NODE exclusive.
func (s *StateStore) releaseAllocationLocked(job *structs.Job) error {
	res := job.Resources
	if res == nil {
		return nil
	}
	for i, name := range res.NodeNames {
		n, err := s.nodeByNameLocked(name)
		if err != nil {
			continue
		}
		if n.AllocCPUs >= res.AllocCPUs[i] {
			n.AllocCPUs -= res.AllocCPUs[i]
		} else {
			s.logger.Warn("allocation drift on release", "node", name, "job", job.ID)
			n.AllocCPUs = 0
		}
		if n.AllocMemoryMB >= res.AllocMemoryMB[i] {
			n.AllocMemoryMB -= res.AllocMemoryMB[i]
		} else {
			n.AllocMemoryMB = 0
		}
		if i < len(res.Gres) {
			n.AllocGres.Subtract(res.Gres[i])
		}
		delete(n.ActiveJobs, job.ID)
		if n.ExclusiveJob == job.ID {
			n.ExclusiveJob = 0
		}
		completing := false
		for id := range n.ActiveJobs {
			if other, err := s.jobByIDLocked(id); err == nil && other.State == structs.JobStateCompleting {
				completing = true
			}
		}
		s.recomputeNodeBase(n, completing)
	}
	job.Resources = nil
	return nil
}

// CloseStep finalizes the named step on the stored record. The closed
// step is returned for accounting; nil when no live step matches.
func (s *StateStore) CloseStep(jobID uint64, stepID uint32, exitCode int32, now time.Time) (*structs.Step, error) {
	s.jobLock.Lock()
	defer s.jobLock.Unlock()
	job, err := s.jobByIDLocked(jobID)
	if err != nil {
		return nil, err
	}
	for _, step := range job.Steps {
		if step.StepID != stepID || step.Terminal() {
			continue
		}
		step.EndTime = now
		step.ExitCode = exitCode
		step.State = structs.JobStateCompleted
		if exitCode != 0 {
			step.State = structs.JobStateFailed
		}
		if err := s.updateJobLocked(job); err != nil {
			return nil, err
		}
		return step, nil
	}
	return nil, nil
}

// SuspendJob toggles suspension on an active job. Node counters are kept;
// suspension only stops the clock.
func (s *StateStore) SuspendJob(jobID uint64, suspend bool, now time.Time) error {
	s.jobLock.Lock()
	defer s.jobLock.Unlock()
	job, err := s.jobByIDLocked(jobID)
	if err != nil {
		return err
	}
	switch {
	case suspend && job.State == structs.JobStateRunning:
		job.State = structs.JobStateSuspended
		job.SuspendTime = now
	case !suspend && job.State == structs.JobStateSuspended:
		job.State = structs.JobStateRunning
		job.PreSuspend += now.Sub(job.SuspendTime)
		job.SuspendTime = time.Time{}
	default:
		return structs.NewInvalidRequestError("job %d in state %s cannot change suspension", jobID, job.State)
	}
	return s.updateJobLocked(job)
}

// ---- PARTITION domain ----

// UpsertPartition validates and installs a partition definition.
func (s *StateStore) UpsertPartition(p *structs.Partition) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.partLock.Lock()
	defer s.partLock.Unlock()
	cp := p.Copy()
	if cp.CreateTime.IsZero() {
		cp.CreateTime = time.Now()
	}
	s.partitions[cp.Name] = cp
	return nil
}

// PartitionByName returns a copy of the named partition.
func (s *StateStore) PartitionByName(name string) (*structs.Partition, error) {
	s.partLock.RLock()
	defer s.partLock.RUnlock()
	p, ok := s.partitions[name]
	if !ok {
		return nil, fmt.Errorf("partition %s: %w", name, structs.ErrNotFound)
	}
	return p.Copy(), nil
}

// Partitions returns copies of all partitions.
func (s *StateStore) Partitions() []*structs.Partition {
	s.partLock.RLock()
	defer s.partLock.RUnlock()
	out := make([]*structs.Partition, 0, len(s.partitions))
	for _, p := range s.partitions {
		out = append(out, p.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DefaultPartition returns the partition flagged default, if any.
func (s *StateStore) DefaultPartition() (*structs.Partition, error) {
	s.partLock.RLock()
	defer s.partLock.RUnlock()
	for _, p := range s.partitions {
		if p.Default {
			return p.Copy(), nil
		}
	}
	return nil, fmt.Errorf("default partition: %w", structs.ErrNotFound)
}

// ---- reservations ----

// UpsertReservation installs a reservation, assigning an id when absent.
func (s *StateStore) UpsertReservation(r *structs.Reservation) (*structs.Reservation, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	s.partLock.Lock()
	defer s.partLock.Unlock()
	cp := r.Copy()
	if existing, ok := s.resvs[cp.Name]; ok && existing.ID != cp.ID {
		return nil, fmt.Errorf("reservation %s: %w", cp.Name, structs.ErrDuplicate)
	}
	if cp.ID == 0 {
		cp.ID = s.nextResvID
		s.nextResvID++
	}
	if cp.CreateTime.IsZero() {
		cp.CreateTime = time.Now()
	}
	s.resvs[cp.Name] = cp
	return cp.Copy(), nil
}

// DeleteReservation removes the named reservation.
func (s *StateStore) DeleteReservation(name string) error {
	s.partLock.Lock()
	defer s.partLock.Unlock()
	if _, ok := s.resvs[name]; !ok {
		return fmt.Errorf("reservation %s: %w", name, structs.ErrNotFound)
	}
	delete(s.resvs, name)
	return nil
}

// Reservations returns copies of all reservations.
func (s *StateStore) Reservations() []*structs.Reservation {
	s.partLock.RLock()
	defer s.partLock.RUnlock()
	out := make([]*structs.Reservation, 0, len(s.resvs))
	for _, r := range s.resvs {
		out = append(out, r.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SyncReservationFlags reconciles the per-node maintenance and reserved
// flag bits against the reservation windows active at now. Templates
// only mark nodes through their materialized instances.
func (s *StateStore) SyncReservationFlags(now time.Time) {
	s.nodeLock.Lock()
	defer s.nodeLock.Unlock()
	s.partLock.RLock()
	defer s.partLock.RUnlock()

	for _, n := range s.nodes {
		if n.Flags.Has(structs.NodeFlagTombstone) {
			continue
		}
		var want structs.NodeFlags
		for _, r := range s.resvs {
			if r.Periodic() || !r.ActiveAt(now) || !reservationCovers(r, n) {
				continue
			}
			if r.Flags.Has(structs.ResvFlagMaint) {
				want |= structs.NodeFlagMaint
			} else {
				want |= structs.NodeFlagReserved
			}
		}
		next := n.Flags&^(structs.NodeFlagMaint|structs.NodeFlagReserved) | want
		if next != n.Flags {
			n.Flags = next
		}
	}
}

func reservationCovers(r *structs.Reservation, n *structs.Node) bool {
	if r.Nodes != nil {
		return r.Nodes.Check(n.Index)
	}
	for _, name := range r.NodeNames {
		if name == n.Name {
			return true
		}
	}
	return false
}

// NextResvID exposes the reservation id counter for checkpointing.
func (s *StateStore) NextResvID() uint32 {
	s.partLock.RLock()
	defer s.partLock.RUnlock()
	return s.nextResvID
}

// ---- scheduler snapshot ----

// SchedulerSnapshot is a read-consistent deep copy of everything the
// selectors need for one cycle.
type SchedulerSnapshot struct {
	Nodes        []*structs.Node
	NodeIndex    map[string]uint
	Up           structs.Bitmap
	Idle         structs.Bitmap
	Live         structs.Bitmap
	Partitions   map[string]*structs.Partition
	ActiveJobs   []*structs.Job
	Reservations []*structs.Reservation
	Taken        time.Time
}

// Snapshot captures a consistent view under all four shared locks, taken
// in domain order.
func (s *StateStore) Snapshot(now time.Time) *SchedulerSnapshot {
	s.configLock.RLock()
	defer s.configLock.RUnlock()
	s.jobLock.RLock()
	defer s.jobLock.RUnlock()
	s.nodeLock.RLock()
	defer s.nodeLock.RUnlock()
	s.partLock.RLock()
	defer s.partLock.RUnlock()

	snap := &SchedulerSnapshot{
		NodeIndex:  make(map[string]uint, len(s.nodeIndex)),
		Up:         s.up.Copy(),
		Idle:       s.idle.Copy(),
		Live:       s.live.Copy(),
		Partitions: make(map[string]*structs.Partition, len(s.partitions)),
		Taken:      now,
	}
	for _, n := range s.nodes {
		snap.Nodes = append(snap.Nodes, n.Copy())
	}
	for name, idx := range s.nodeIndex {
		snap.NodeIndex[name] = idx
	}
	for name, p := range s.partitions {
		snap.Partitions[name] = p.Copy()
	}
	txn := s.db.Txn(false)
	if iter, err := txn.Get(tableJobs, "id"); err == nil {
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			j := raw.(*structs.Job)
			if j.Active() {
				snap.ActiveJobs = append(snap.ActiveJobs, j.Copy())
			}
		}
	}
	for _, r := range s.resvs {
		snap.Reservations = append(snap.Reservations, r.Copy())
	}
	sort.Slice(snap.Reservations, func(i, j int) bool {
		return snap.Reservations[i].ID < snap.Reservations[j].ID
	})
	return snap
}

// VerifyAllocInvariants recomputes per-node counters from active jobs and
// compares against the live tables, returning every discrepancy. Used by
// tests and the drift logger.
func (s *StateStore) VerifyAllocInvariants() []error {
	s.jobLock.RLock()
	defer s.jobLock.RUnlock()
	s.nodeLock.RLock()
	defer s.nodeLock.RUnlock()

	type tally struct {
		cpus uint32
		mem  uint64
		jobs map[uint64]struct{}
	}
	expect := make(map[string]*tally, len(s.nodes))
	for _, n := range s.nodes {
		expect[n.Name] = &tally{jobs: make(map[uint64]struct{})}
	}
	txn := s.db.Txn(false)
	iter, err := txn.Get(tableJobs, "id")
	if err != nil {
		return []error{err}
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		j := raw.(*structs.Job)
		if !j.Active() || j.Resources == nil {
			continue
		}
		for i, name := range j.Resources.NodeNames {
			t, ok := expect[name]
			if !ok {
				continue
			}
			t.cpus += j.Resources.AllocCPUs[i]
			t.mem += j.Resources.AllocMemoryMB[i]
			t.jobs[j.ID] = struct{}{}
		}
	}
	var errs []error
	for _, n := range s.nodes {
		t := expect[n.Name]
		if n.AllocCPUs != t.cpus {
			errs = append(errs, fmt.Errorf("node %s: alloc_cpus %d, jobs sum to %d", n.Name, n.AllocCPUs, t.cpus))
		}
		if n.AllocMemoryMB != t.mem {
			errs = append(errs, fmt.Errorf("node %s: alloc_memory %d, jobs sum to %d", n.Name, n.AllocMemoryMB, t.mem))
		}
		if len(n.ActiveJobs) != len(t.jobs) {
			errs = append(errs, fmt.Errorf("node %s: %d active jobs recorded, %d hold resources", n.Name, len(n.ActiveJobs), len(t.jobs)))
		}
	}
	return errs
}
