// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"time"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// MsgpackHandle is shared by the RPC layer and the state directory codec.
var MsgpackHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.RawToString = true
	h.MapType = nil
	return h
}()

// MessageType tags checkpoint records so restore can dispatch on them.
type MessageType uint8

const (
	NodeRecordType MessageType = iota
	JobRecordType
	PartitionRecordType
	ReservationRecordType
	ConfigTemplateRecordType
	ClusterMetaRecordType
)

// QueryOptions is embedded in read requests.
type QueryOptions struct {
	// AuthUID identifies the caller; filtering of hidden partitions and
	// other users' scripts keys off it.
	AuthUID uint32

	// Deadline bounds the handler; zero means the server default.
	Deadline time.Time

	// Filter is an optional go-bexpr expression evaluated against each
	// returned record.
	Filter string
}

func (q QueryOptions) IsRead() bool            { return true }
func (q QueryOptions) RequestDeadline() time.Time { return q.Deadline }

// WriteRequest is embedded in mutating requests.
type WriteRequest struct {
	AuthUID  uint32
	Deadline time.Time
}

func (w WriteRequest) IsRead() bool            { return false }
func (w WriteRequest) RequestDeadline() time.Time { return w.Deadline }

// RPCInfo is implemented by all request types.
type RPCInfo interface {
	IsRead() bool
	RequestDeadline() time.Time
}

// ClusterMeta identifies this cluster in accounting records. Generated on
// first start and persisted with node state.
type ClusterMeta struct {
	ClusterID   string
	ClusterName string
	CreateTime  time.Time
}

// ---- controller <-> node-agent surface ----

// NodeRegisterRequest is the periodic full registration from a node agent.
type NodeRegisterRequest struct {
	Name         string
	CPUs         uint32
	Sockets      uint32
	CoresPerSock uint32
	ThreadsPerCore uint32
	RealMemoryMB uint64
	TmpDiskMB    uint64
	Gres         GresMap
	Features     []string
	BootTime     time.Time
	AgentVersion string

	WriteRequest
}

type NodeRegisterResponse struct {
	// ValidationError is set when the node under-delivered; the node is
	// drained but stays registered.
	ValidationError string
	HeartbeatTTL    time.Duration
}

// JobStatusReport is one job's liveness as seen by the node agent.
type JobStatusReport struct {
	JobID    uint64
	StepID   uint32
	Alive    bool
	ExitCode int32
	Usage    StepUsage
}

type HeartbeatRequest struct {
	Name string
	Jobs []JobStatusReport

	WriteRequest
}

type HeartbeatResponse struct {
	// StaleJobs are job ids the controller no longer knows; the agent
	// should reap them.
	StaleJobs []uint64
}

// LaunchBatchRequest asks a node agent to start a batch script.
type LaunchBatchRequest struct {
	JobID      uint64
	StepID     uint32
	NodeNames  []string
	CoreBitmap string
	Script     string
	Env        []string
	Credential []byte

	WriteRequest
}

// LaunchTasksRequest asks node agents to start parallel tasks of a step.
type LaunchTasksRequest struct {
	JobID        uint64
	StepID       uint32
	NodeNames    []string
	NTasks       uint32
	Distribution string

	WriteRequest
}

type LaunchResponse struct{}

// TerminateJobRequest signals a job on its nodes.
type TerminateJobRequest struct {
	JobID    uint64
	Signal   int32
	GraceSec uint32

	WriteRequest
}

type TerminateJobResponse struct{}

// ---- client <-> controller surface ----

type JobSubmitRequest struct {
	Job JobRequest

	WriteRequest
}

type JobSubmitResponse struct {
	JobID uint64
}

// JobAllocateRequest is an interactive allocation: the caller wants the
// node list back instead of a queued batch script.
type JobAllocateRequest struct {
	Job JobRequest

	WriteRequest
}

type JobAllocateResponse struct {
	JobID    uint64
	NodeList string
	// Pending is true when the allocation could not start immediately and
	// was queued instead.
	Pending bool
}

type JobKillRequest struct {
	JobID  uint64
	Signal int32

	WriteRequest
}

type JobKillResponse struct{}

// JobCompleteRequest reports step or job completion, from the node agent
// or self-reported by a client.
type JobCompleteRequest struct {
	JobID    uint64
	StepID   uint32
	NodeName string
	ExitCode int32

	WriteRequest
}

type JobCompleteResponse struct{}

type JobSuspendRequest struct {
	JobID   uint64
	Suspend bool

	WriteRequest
}

type JobSuspendResponse struct{}

// StepLaunchRequest creates a step inside a running job.
type StepLaunchRequest struct {
	JobID        uint64
	NodeList     string
	NTasks       uint32
	Distribution string

	WriteRequest
}

type StepLaunchResponse struct {
	StepID uint32
}

// JobWillRunRequest probes placement without committing state.
type JobWillRunRequest struct {
	Job      JobRequest
	TestOnly bool

	QueryOptions
}

type JobWillRunResponse struct {
	CanRun        bool
	EarliestStart time.Time
	// Preemptees are jobs that would need eviction for the earliest
	// start.
	Preemptees []uint64
	Reason     string
}

type JobListRequest struct {
	SinceTime time.Time

	QueryOptions
}

type JobListResponse struct {
	Jobs []*Job
}

type NodeListRequest struct {
	SinceTime time.Time

	QueryOptions
}

type NodeListResponse struct {
	Nodes []*Node
}

type PartitionListRequest struct {
	SinceTime time.Time

	QueryOptions
}

type PartitionListResponse struct {
	Partitions []*Partition
}

// NodeUpdateRequest applies admin changes to a hostlist expression of
// nodes.
type NodeUpdateRequest struct {
	NodeExpr   string
	State      string
	SetFlags   NodeFlags
	ClearFlags NodeFlags
	Reason     string

	WriteRequest
}

type NodeUpdateResponse struct {
	Updated []string
}

type PartitionUpdateRequest struct {
	Partition Partition

	WriteRequest
}

type PartitionUpdateResponse struct{}

type ReservationCreateRequest struct {
	Reservation Reservation

	WriteRequest
}

type ReservationCreateResponse struct {
	ID uint32
}

type ReservationDeleteRequest struct {
	Name string

	WriteRequest
}

type ReservationDeleteResponse struct{}

type ReconfigureRequest struct {
	WriteRequest
}

type ReconfigureResponse struct{}

type GenericResponse struct{}
