// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// GresMap counts generic resources by kind, e.g. {"gpu": 4, "mic": 2}.
// A nil map means no generic resources.
type GresMap map[string]uint64

func (g GresMap) Copy() GresMap {
	if g == nil {
		return nil
	}
	out := make(GresMap, len(g))
	for k, v := range g {
		out[k] = v
	}
	return out
}

// Superset returns true if g has at least the count of every kind in other.
func (g GresMap) Superset(other GresMap) bool {
	for k, v := range other {
		if g[k] < v {
			return false
		}
	}
	return true
}

// Add accumulates other into g.
func (g GresMap) Add(other GresMap) {
	for k, v := range other {
		g[k] += v
	}
}

// Subtract removes other from g, clamping at zero.
func (g GresMap) Subtract(other GresMap) {
	for k, v := range other {
		if g[k] <= v {
			delete(g, k)
		} else {
			g[k] -= v
		}
	}
}

// String renders the map in the "kind:count" comma form used by node
// registration and job requests, sorted by kind for determinism.
func (g GresMap) String() string {
	if len(g) == 0 {
		return ""
	}
	kinds := make([]string, 0, len(g))
	for k := range g {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%s:%d", k, g[k]))
	}
	return strings.Join(parts, ",")
}

// ParseGres parses the "kind:count[,kind:count]" form. A bare kind counts
// as one.
func ParseGres(s string) (GresMap, error) {
	if s == "" {
		return nil, nil
	}
	out := make(GresMap)
	for _, part := range strings.Split(s, ",") {
		kind, count, ok := strings.Cut(part, ":")
		if kind == "" {
			return nil, fmt.Errorf("empty gres kind in %q", s)
		}
		n := uint64(1)
		if ok {
			var err error
			n, err = strconv.ParseUint(count, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid gres count in %q: %w", part, err)
			}
		}
		out[kind] += n
	}
	return out, nil
}
