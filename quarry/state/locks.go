// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import "sync"

// lockDomain is one of the four named lock domains (CONFIG, JOB, NODE,
// PARTITION). Each supports shared and exclusive modes. The acquisition
// order is fixed to the struct declaration order in StateStore; methods
// that span domains take them in that order and never interleave.
type lockDomain struct {
	sync.RWMutex
}
