// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"github.com/hashicorp/quarry/helper/testlog"
	"github.com/hashicorp/quarry/quarry/structs"
)

// TestStateStore returns a store for testing, failing the test on setup
// errors.
func TestStateStore(t testingT) *StateStore {
	store, err := NewStateStore(testlog.HCLogger(t), 64)
	if err != nil {
		t.Fatalf("state store setup: %v", err)
	}
	return store
}

// TestNodeTemplate is a 4 cpu / 4 GB template convenient for scheduler
// tests.
func TestNodeTemplate() *structs.NodeConfigTemplate {
	return &structs.NodeConfigTemplate{
		CPUs:           4,
		Sockets:        1,
		CoresPerSock:   4,
		ThreadsPerCore: 1,
		RealMemoryMB:   4096,
		TmpDiskMB:      8192,
	}
}

type testingT interface {
	Logf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}
