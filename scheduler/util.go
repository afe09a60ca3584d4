// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"github.com/hashicorp/quarry/helper/hostlist"
)

// expandHostExpr expands a hostlist expression such as "node[01-16,20]"
// into individual node names.
func expandHostExpr(expr string) ([]string, error) {
	return hostlist.Expand(expr)
}
