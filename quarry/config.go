// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package quarry is the cluster controller: it owns the state store,
// drives the scheduler, serves the RPC surface, and runs the periodic
// agents.
package quarry

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/hashicorp/quarry/quarry/structs"
)

// Select types.
const (
	SelectConsRes    = "cons_res"
	SelectSerial     = "serial"
	SelectTopology3D = "topology_3d"
)

// Config is the controller configuration surface. Time options are in
// seconds, matching the file syntax.
type Config struct {
	ClusterName       string `hcl:"cluster_name"`
	StateSaveLocation string `hcl:"state_save_location"`

	BindAddr       string `hcl:"bind_addr"`
	ControllerPort int    `hcl:"controller_port"`
	AgentPort      int    `hcl:"agent_port"`
	ControlMachine string `hcl:"control_machine"`
	BackupMachine  string `hcl:"backup_machine"`

	NodeRecordPrefix string `hcl:"node_record_prefix"`

	// FastSchedule: 0 trusts node-advertised resources, 1 schedules on
	// the config template, 2 additionally never drains on mismatch.
	FastSchedule int `hcl:"fast_schedule"`

	SelectType   string   `hcl:"select_type"`
	SelectParams []string `hcl:"select_type_parameters"`

	SharingDefault string `hcl:"sharing_default"`
	PreemptMode    string `hcl:"preempt_mode"`
	TrackWCKey     bool   `hcl:"track_wckey"`

	MinJobAgeSec      int `hcl:"min_job_age"`
	MaxJobCount       int `hcl:"max_job_count"`
	MessageTimeoutSec int `hcl:"message_timeout"`

	// Heartbeat liveness windows: NO_RESPOND after nack_timeout,
	// DOWN after down_timeout.
	HeartbeatTTLSec int `hcl:"heartbeat_ttl"`
	NackTimeoutSec  int `hcl:"nack_timeout"`
	DownTimeoutSec  int `hcl:"down_timeout"`

	LaunchRetries int `hcl:"launch_retries"`
	KillWaitSec   int `hcl:"kill_wait"`

	AcctSpoolPath string `hcl:"acct_spool_path"`

	LogLevel string `hcl:"log_level"`

	Nodes      map[string]*NodeConfig      `hcl:"node"`
	Partitions map[string]*PartitionConfig `hcl:"partition"`
	Topology   *TopologyConfig             `hcl:"topology"`
}

// NodeConfig is one "node" block; the block label is a hostlist
// expression covering every node of the line.
type NodeConfig struct {
	CPUs           int      `hcl:"cpus"`
	Sockets        int      `hcl:"sockets"`
	CoresPerSocket int      `hcl:"cores_per_socket"`
	ThreadsPerCore int      `hcl:"threads_per_core"`
	RealMemoryMB   int      `hcl:"real_memory_mb"`
	TmpDiskMB      int      `hcl:"tmp_disk_mb"`
	Weight         int      `hcl:"weight"`
	Features       []string `hcl:"features"`
	// Gres uses the "kind:count,kind:count" syntax.
	Gres       string   `hcl:"gres"`
	Partitions []string `hcl:"partitions"`
}

// PartitionConfig is one "partition" block keyed by partition name.
type PartitionConfig struct {
	Priority int  `hcl:"priority"`
	Default  bool `hcl:"default"`
	Hidden   bool `hcl:"hidden"`

	State string `hcl:"state"`
	// Nodes is a hostlist expression of the members.
	Nodes string `hcl:"nodes"`

	MaxTimeSec     int `hcl:"max_time"`
	DefaultTimeSec int `hcl:"default_time"`
	MaxNodes       int `hcl:"max_nodes"`
	MinNodes       int `hcl:"min_nodes"`
	MaxCPUsPerNode int `hcl:"max_cpus_per_node"`

	// Share is "exclusive", "no", "yes:<rows>" or "force:<rows>".
	Share       string `hcl:"share"`
	PreemptMode string `hcl:"preempt_mode"`

	LLN      bool `hcl:"lln"`
	RootOnly bool `hcl:"root_only"`
	ReqResv  bool `hcl:"req_resv"`
}

// TopologyConfig describes the 3D wiring grid for topology_3d clusters.
type TopologyConfig struct {
	Dims          []int `hcl:"dims"`
	MidplaneNodes int   `hcl:"midplane_nodes"`
}

// DefaultConfig returns the baseline every load merges over.
func DefaultConfig() *Config {
	return &Config{
		ClusterName:       "quarry",
		StateSaveLocation: "/var/lib/quarry",
		BindAddr:          "0.0.0.0",
		ControllerPort:    6817,
		AgentPort:         6818,
		FastSchedule:      structs.FastScheduleUseConfig,
		SelectType:        SelectConsRes,
		SharingDefault:    structs.ShareNo,
		PreemptMode:       structs.PreemptModeOff,
		MinJobAgeSec:      300,
		MaxJobCount:       10000,
		MessageTimeoutSec: 10,
		HeartbeatTTLSec:   30,
		NackTimeoutSec:    120,
		DownTimeoutSec:    300,
		LaunchRetries:     3,
		KillWaitSec:       30,
		LogLevel:          "INFO",
	}
}

// LoadConfig reads and parses a configuration file, merged over the
// defaults. Parse and validation failures are fatal configuration
// errors.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", structs.ErrFatalConfig, err)
	}
	fileCfg := &Config{}
	if err := hcl.Decode(fileCfg, string(data)); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", structs.ErrFatalConfig, path, err)
	}
	cfg := DefaultConfig().Merge(fileCfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Merge layers b over c, returning a new Config. Zero values in b keep
// c's setting.
func (c *Config) Merge(b *Config) *Config {
	result := *c
	if b == nil {
		return &result
	}
	if b.ClusterName != "" {
		result.ClusterName = b.ClusterName
	}
	if b.StateSaveLocation != "" {
		result.StateSaveLocation = b.StateSaveLocation
	}
	if b.BindAddr != "" {
		result.BindAddr = b.BindAddr
	}
	if b.ControllerPort != 0 {
		result.ControllerPort = b.ControllerPort
	}
	if b.AgentPort != 0 {
		result.AgentPort = b.AgentPort
	}
	if b.ControlMachine != "" {
		result.ControlMachine = b.ControlMachine
	}
	if b.BackupMachine != "" {
		result.BackupMachine = b.BackupMachine
	}
	if b.NodeRecordPrefix != "" {
		result.NodeRecordPrefix = b.NodeRecordPrefix
	}
	if b.FastSchedule != 0 {
		result.FastSchedule = b.FastSchedule
	}
	if b.SelectType != "" {
		result.SelectType = b.SelectType
	}
	if len(b.SelectParams) != 0 {
		result.SelectParams = append([]string(nil), b.SelectParams...)
	}
	if b.SharingDefault != "" {
		result.SharingDefault = b.SharingDefault
	}
	if b.PreemptMode != "" {
		result.PreemptMode = b.PreemptMode
	}
	if b.TrackWCKey {
		result.TrackWCKey = true
	}
	if b.MinJobAgeSec != 0 {
		result.MinJobAgeSec = b.MinJobAgeSec
	}
	if b.MaxJobCount != 0 {
		result.MaxJobCount = b.MaxJobCount
	}
	if b.MessageTimeoutSec != 0 {
		result.MessageTimeoutSec = b.MessageTimeoutSec
	}
	if b.HeartbeatTTLSec != 0 {
		result.HeartbeatTTLSec = b.HeartbeatTTLSec
	}
	if b.NackTimeoutSec != 0 {
		result.NackTimeoutSec = b.NackTimeoutSec
	}
	if b.DownTimeoutSec != 0 {
		result.DownTimeoutSec = b.DownTimeoutSec
	}
	if b.LaunchRetries != 0 {
		result.LaunchRetries = b.LaunchRetries
	}
	if b.KillWaitSec != 0 {
		result.KillWaitSec = b.KillWaitSec
	}
	if b.AcctSpoolPath != "" {
		result.AcctSpoolPath = b.AcctSpoolPath
	}
	if b.LogLevel != "" {
		result.LogLevel = b.LogLevel
	}
	if len(b.Nodes) != 0 {
		result.Nodes = b.Nodes
	}
	if len(b.Partitions) != 0 {
		result.Partitions = b.Partitions
	}
	if b.Topology != nil {
		result.Topology = b.Topology
	}
	return &result
}

// Validate rejects configurations the controller cannot start with.
func (c *Config) Validate() error {
	var mErr multierror.Error
	fatal := func(format string, args ...interface{}) {
		mErr.Errors = append(mErr.Errors,
			fmt.Errorf("%w: %s", structs.ErrFatalConfig, fmt.Sprintf(format, args...)))
	}

	if c.ClusterName == "" {
		fatal("cluster_name is required")
	}
	if c.StateSaveLocation == "" {
		fatal("state_save_location is required")
	}
	switch c.SelectType {
	case SelectConsRes, SelectSerial, SelectTopology3D:
	default:
		fatal("unknown select_type %q", c.SelectType)
	}
	if c.SelectType == SelectTopology3D {
		if c.Topology == nil {
			fatal("select_type topology_3d requires a topology block")
		} else if len(c.Topology.Dims) != 3 {
			fatal("topology dims must have exactly three entries")
		}
	}
	switch c.FastSchedule {
	case structs.FastScheduleTrustNode, structs.FastScheduleUseConfig, structs.FastScheduleNeverDrain:
	default:
		fatal("fast_schedule must be 0, 1 or 2")
	}
	if c.PreemptMode != "" && !structs.ValidPreemptMode(c.PreemptMode) {
		fatal("unknown preempt_mode %q", c.PreemptMode)
	}
	if c.NackTimeoutSec >= c.DownTimeoutSec {
		fatal("nack_timeout %ds must be below down_timeout %ds",
			c.NackTimeoutSec, c.DownTimeoutSec)
	}
	defaultCount := 0
	for name, p := range c.Partitions {
		if p.Default {
			defaultCount++
		}
		if _, err := ParseSharePolicy(p.Share); p.Share != "" && err != nil {
			fatal("partition %s: %v", name, err)
		}
		if p.PreemptMode != "" && !structs.ValidPreemptMode(p.PreemptMode) {
			fatal("partition %s: unknown preempt_mode %q", name, p.PreemptMode)
		}
	}
	if defaultCount > 1 {
		fatal("more than one default partition")
	}
	return mErr.ErrorOrNil()
}

// MessageTimeout returns the default RPC deadline.
func (c *Config) MessageTimeout() time.Duration {
	return time.Duration(c.MessageTimeoutSec) * time.Second
}

// MinJobAge returns the terminal-job retention window.
func (c *Config) MinJobAge() time.Duration {
	return time.Duration(c.MinJobAgeSec) * time.Second
}

// SelectParam reports whether a select_type_parameters flag is set.
func (c *Config) SelectParam(name string) bool {
	for _, p := range c.SelectParams {
		if strings.EqualFold(p, name) {
			return true
		}
	}
	return false
}

// ParseSharePolicy parses "exclusive", "no", "yes:<rows>" or
// "force:<rows>"; a bare "yes"/"force" means one row.
func ParseSharePolicy(s string) (structs.SharePolicy, error) {
	if s == "" {
		return structs.SharePolicy{Kind: structs.ShareNo}, nil
	}
	kind, rowStr, hasRows := strings.Cut(strings.ToLower(s), ":")
	policy := structs.SharePolicy{Kind: kind}
	switch kind {
	case structs.ShareExclusive, structs.ShareNo:
		if hasRows {
			return policy, structs.NewInvalidRequestError("share %q takes no row count", kind)
		}
		return policy, nil
	case structs.ShareYes, structs.ShareForce:
		policy.MaxRows = 1
		if hasRows {
			rows, err := strconv.ParseUint(rowStr, 10, 32)
			if err != nil || rows == 0 {
				return policy, structs.NewInvalidRequestError("bad share row count %q", rowStr)
			}
			policy.MaxRows = uint32(rows)
		}
		return policy, nil
	default:
		return policy, structs.NewInvalidRequestError("unknown share policy %q", s)
	}
}

// Template converts a node block into the interned scheduling template.
func (n *NodeConfig) Template() (*structs.NodeConfigTemplate, error) {
	gres, err := structs.ParseGres(n.Gres)
	if err != nil {
		return nil, err
	}
	tpl := &structs.NodeConfigTemplate{
		CPUs:           uint32(n.CPUs),
		Sockets:        uint32(n.Sockets),
		CoresPerSock:   uint32(n.CoresPerSocket),
		ThreadsPerCore: uint32(n.ThreadsPerCore),
		RealMemoryMB:   uint64(n.RealMemoryMB),
		TmpDiskMB:      uint64(n.TmpDiskMB),
		Weight:         uint32(n.Weight),
		Features:       append([]string(nil), n.Features...),
		Gres:           gres,
	}
	if tpl.ThreadsPerCore == 0 {
		tpl.ThreadsPerCore = 1
	}
	if tpl.Sockets == 0 {
		tpl.Sockets = 1
	}
	if tpl.CoresPerSock == 0 && tpl.Sockets > 0 {
		tpl.CoresPerSock = tpl.CPUs / tpl.Sockets
	}
	return tpl, nil
}

// Partition converts a partition block into the state-store record.
// Membership bitmaps are resolved by the caller once node indexes exist.
func (p *PartitionConfig) Partition(name string) (*structs.Partition, error) {
	share, err := ParseSharePolicy(p.Share)
	if err != nil {
		return nil, err
	}
	state := p.State
	if state == "" {
		state = structs.PartitionStateUp
	}
	part := &structs.Partition{
		Name:           name,
		Priority:       uint32(p.Priority),
		Default:        p.Default,
		Hidden:         p.Hidden,
		State:          state,
		MaxTime:        time.Duration(p.MaxTimeSec) * time.Second,
		DefaultTime:    time.Duration(p.DefaultTimeSec) * time.Second,
		MaxNodes:       uint32(p.MaxNodes),
		MinNodes:       uint32(p.MinNodes),
		MaxCPUsPerNode: uint32(p.MaxCPUsPerNode),
		Share:          share,
		PreemptMode:    p.PreemptMode,
	}
	if p.LLN {
		part.Flags |= structs.PartitionFlagLLN
	}
	if p.RootOnly {
		part.Flags |= structs.PartitionFlagRootOnly
	}
	if p.ReqResv {
		part.Flags |= structs.PartitionFlagReqResv
	}
	return part, nil
}
