// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"
)

func TestJobRequest_Validate(t *testing.T) {
	good := JobRequest{Partition: "batch", MinCPUs: 2, TimeLimit: time.Hour}
	must.NoError(t, good.Validate())

	cases := []struct {
		name string
		mut  func(*JobRequest)
	}{
		{"missing partition", func(r *JobRequest) { r.Partition = "" }},
		{"min above max nodes", func(r *JobRequest) { r.MinNodes = 4; r.MaxNodes = 2 }},
		{"no cpus no nodes", func(r *JobRequest) { r.MinCPUs = 0; r.MinNodes = 0 }},
		{"bad distribution", func(r *JobRequest) { r.Distribution = "spiral" }},
		{"bad dependency", func(r *JobRequest) { r.Dependency = "after:abc:1" }},
		{"negative time limit", func(r *JobRequest) { r.TimeLimit = -time.Minute }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := good
			tc.mut(&r)
			must.Error(t, r.Validate())
		})
	}
}

func TestParseDependency(t *testing.T) {
	d, err := ParseDependency("afterok:42")
	must.NoError(t, err)
	must.Eq(t, "afterok", d.Kind)
	must.Eq(t, uint64(42), d.JobID)

	for _, in := range []string{"afterok", "before:1", "afterok:x", ":1"} {
		_, err = ParseDependency(in)
		must.Error(t, err, must.Sprintf("input %q", in))
	}
}

func TestDependency_Satisfied(t *testing.T) {
	cases := []struct {
		kind      string
		state     string
		satisfied bool
	}{
		// Non-terminal states never satisfy anything.
		{"afterany", JobStateRunning, false},
		{"afterok", JobStatePending, false},

		{"afterok", JobStateCompleted, true},
		{"afterok", JobStateFailed, false},
		{"afterok", JobStateCancelled, false},

		{"afternotok", JobStateCompleted, false},
		{"afternotok", JobStateFailed, true},
		{"afternotok", JobStateNodeFail, true},

		{"afterany", JobStateCompleted, true},
		{"afterany", JobStateFailed, true},
		{"afterany", JobStateTimeout, true},
	}
	for _, tc := range cases {
		d := &Dependency{Kind: tc.kind}
		must.Eq(t, tc.satisfied, d.Satisfied(tc.state),
			must.Sprintf("%s on %s", tc.kind, tc.state))
	}
}
