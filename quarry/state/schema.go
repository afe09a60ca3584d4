// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"github.com/hashicorp/go-memdb"
)

const tableJobs = "jobs"

// stateStoreSchema lays out the in-memory job table. Jobs are the only
// entity with enough cardinality and query shapes (by id, by state) to
// warrant radix indexes; nodes are dense-index addressed and partitions
// are a handful of records held in plain maps.
func stateStoreSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableJobs: {
				Name: tableJobs,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.UintFieldIndex{Field: "ID"},
					},
					"state": {
						Name:    "state",
						Indexer: &memdb.StringFieldIndex{Field: "State"},
					},
				},
			},
		},
	}
}
