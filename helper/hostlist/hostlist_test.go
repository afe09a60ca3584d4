// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package hostlist

import (
	"fmt"
	"strconv"
	"testing"

	"github.com/shoenig/test/must"
	"pgregory.net/rapid"
)

func TestExpand(t *testing.T) {
	cases := []struct {
		expr string
		want []string
	}{
		{"node01", []string{"node01"}},
		{"node[01-03]", []string{"node01", "node02", "node03"}},
		{"node[1-3]", []string{"node1", "node2", "node3"}},
		{"node[01-02,05]", []string{"node01", "node02", "node05"}},
		{"a1,b[2-3],c", []string{"a1", "b2", "b3", "c"}},
		{"node[09-11]", []string{"node09", "node10", "node11"}},
		{"gpu[008-010]", []string{"gpu008", "gpu009", "gpu010"}},
	}
	for _, tc := range cases {
		got, err := Expand(tc.expr)
		must.NoError(t, err, must.Sprintf("expr %q", tc.expr))
		must.Eq(t, tc.want, got, must.Sprintf("expr %q", tc.expr))
	}
}

func TestExpand_Errors(t *testing.T) {
	for _, expr := range []string{"node[01", "node01]", "node[3-1]", "node[a-b]", "node[1-]"} {
		_, err := Expand(expr)
		must.Error(t, err, must.Sprintf("expr %q", expr))
	}
}

func TestCompress(t *testing.T) {
	cases := []struct {
		names []string
		want  string
	}{
		{nil, ""},
		{[]string{"node01"}, "node01"},
		{[]string{"node01", "node02", "node03"}, "node[01-03]"},
		{[]string{"node03", "node01", "node02"}, "node[01-03]"},
		{[]string{"node01", "node03"}, "node[01,03]"},
		{[]string{"node01", "node01", "node02"}, "node[01-02]"},
		{[]string{"a1", "a2", "b1"}, "a[1-2],b1"},
		{[]string{"login", "node01", "node02"}, "login,node[01-02]"},
		// Unpadded and padded numbers never merge into one bracket.
		{[]string{"node1", "node01"}, "node1,node01"},
		{[]string{"node09", "node10", "node11"}, "node[09-11]"},
	}
	for _, tc := range cases {
		must.Eq(t, tc.want, Compress(tc.names), must.Sprintf("names %v", tc.names))
	}
}

// Compress output always expands back to the same host set, and the
// compressed form is a fixed point.
func TestCompress_RoundTrip(t *testing.T) {
	nameGen := rapid.Custom(func(t *rapid.T) string {
		prefix := rapid.SampledFrom([]string{"node", "gpu", "rack1n", "login"}).Draw(t, "prefix")
		if rapid.Bool().Draw(t, "plain") {
			return prefix
		}
		n := rapid.IntRange(0, 199).Draw(t, "num")
		if rapid.Bool().Draw(t, "padded") {
			return prefix + fmt.Sprintf("%03d", n)
		}
		return prefix + strconv.Itoa(n)
	})
	rapid.Check(t, func(t *rapid.T) {
		names := rapid.SliceOfN(nameGen, 0, 32).Draw(t, "names")

		expr := Compress(names)
		expanded, err := Expand(expr)
		if err != nil {
			t.Fatalf("expand %q: %v", expr, err)
		}

		want := make(map[string]struct{})
		for _, n := range names {
			want[n] = struct{}{}
		}
		got := make(map[string]struct{})
		for _, n := range expanded {
			got[n] = struct{}{}
		}
		if len(got) != len(want) {
			t.Fatalf("host set changed: %v -> %q -> %v", names, expr, expanded)
		}
		for n := range want {
			if _, ok := got[n]; !ok {
				t.Fatalf("lost host %q through %q", n, expr)
			}
		}
		if again := Compress(expanded); again != expr {
			t.Fatalf("not a fixed point: %q != %q", again, expr)
		}
	})
}
