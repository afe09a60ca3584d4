// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package hostlist expands and compresses bracketed host name ranges such
// as "node[01-32,40]". The compressed form is canonical: hosts sort by
// prefix then numeric value, and the zero padding of a range is the
// original width of its low bound.
package hostlist

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// host is one parsed name: prefix, optional numeric core, suffix. width is
// the digit count when the number is zero padded, 0 for unpadded numbers.
type host struct {
	prefix string
	suffix string
	num    uint64
	width  int
	// plain is set for names without a numeric core.
	plain bool
	raw   string
}

func parseHost(name string) host {
	// The numeric core is the last maximal digit run.
	end := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] >= '0' && name[i] <= '9' {
			end = i
			break
		}
	}
	if end < 0 {
		return host{plain: true, raw: name, prefix: name}
	}
	start := end
	for start > 0 && name[start-1] >= '0' && name[start-1] <= '9' {
		start--
	}
	digits := name[start : end+1]
	num, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		// Digit run too long to be an index; treat the name as opaque.
		return host{plain: true, raw: name, prefix: name}
	}
	h := host{
		prefix: name[:start],
		suffix: name[end+1:],
		num:    num,
		raw:    name,
	}
	if len(digits) > 1 && digits[0] == '0' {
		h.width = len(digits)
	}
	return h
}

func (h host) render() string {
	if h.plain {
		return h.raw
	}
	if h.width > 0 {
		return fmt.Sprintf("%s%0*d%s", h.prefix, h.width, h.num, h.suffix)
	}
	return fmt.Sprintf("%s%d%s", h.prefix, h.num, h.suffix)
}

// Expand parses a comma separated hostlist expression, expanding bracketed
// ranges, and returns the individual host names in expression order.
func Expand(expr string) ([]string, error) {
	var out []string
	for _, part := range splitTopLevel(expr) {
		if part == "" {
			continue
		}
		open := strings.IndexByte(part, '[')
		if open < 0 {
			if strings.ContainsAny(part, "]") {
				return nil, fmt.Errorf("unbalanced bracket in %q", part)
			}
			out = append(out, part)
			continue
		}
		close := strings.IndexByte(part[open:], ']')
		if close < 0 {
			return nil, fmt.Errorf("unbalanced bracket in %q", part)
		}
		close += open
		prefix, ranges, suffix := part[:open], part[open+1:close], part[close+1:]
		for _, r := range strings.Split(ranges, ",") {
			lo, hi, isRange := strings.Cut(r, "-")
			loN, err := strconv.ParseUint(lo, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad range bound %q in %q", lo, part)
			}
			hiN := loN
			if isRange {
				hiN, err = strconv.ParseUint(hi, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("bad range bound %q in %q", hi, part)
				}
			}
			if hiN < loN {
				return nil, fmt.Errorf("descending range %q in %q", r, part)
			}
			width := 0
			if len(lo) > 1 && lo[0] == '0' {
				width = len(lo)
			}
			for n := loN; n <= hiN; n++ {
				if width > 0 {
					out = append(out, fmt.Sprintf("%s%0*d%s", prefix, width, n, suffix))
				} else {
					out = append(out, fmt.Sprintf("%s%d%s", prefix, n, suffix))
				}
			}
		}
	}
	return out, nil
}

// splitTopLevel splits on commas that are not inside brackets.
func splitTopLevel(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// Compress renders host names in the canonical compressed form. Duplicate
// names collapse. The printer is deterministic and idempotent under
// Expand.
func Compress(names []string) string {
	hosts := make([]host, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		h := parseHost(n)
		key := h.render()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		hosts = append(hosts, h)
	}
	sort.Slice(hosts, func(i, j int) bool {
		a, b := hosts[i], hosts[j]
		if a.prefix != b.prefix {
			return a.prefix < b.prefix
		}
		if a.plain != b.plain {
			return b.plain
		}
		if a.num != b.num {
			return a.num < b.num
		}
		if a.width != b.width {
			return a.width < b.width
		}
		return a.suffix < b.suffix
	})

	var parts []string
	for i := 0; i < len(hosts); {
		h := hosts[i]
		if h.plain {
			parts = append(parts, h.raw)
			i++
			continue
		}
		// Collect the whole group sharing prefix, suffix, and padding
		// class, then pack its contiguous runs into one bracket.
		j := i + 1
		for j < len(hosts) {
			n := hosts[j]
			if n.plain || n.prefix != h.prefix || n.suffix != h.suffix || n.width != h.width {
				break
			}
			j++
		}
		if j == i+1 {
			parts = append(parts, h.render())
			i = j
			continue
		}
		format := func(n uint64) string {
			if h.width > 0 {
				return fmt.Sprintf("%0*d", h.width, n)
			}
			return strconv.FormatUint(n, 10)
		}
		var ranges []string
		for k := i; k < j; {
			r := k + 1
			for r < j && hosts[r].num == hosts[r-1].num+1 {
				r++
			}
			if r == k+1 {
				ranges = append(ranges, format(hosts[k].num))
			} else {
				ranges = append(ranges, format(hosts[k].num)+"-"+format(hosts[r-1].num))
			}
			k = r
		}
		parts = append(parts, fmt.Sprintf("%s[%s]%s", h.prefix, strings.Join(ranges, ","), h.suffix))
		i = j
	}
	return strings.Join(parts, ",")
}
