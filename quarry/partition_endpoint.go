// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package quarry

import (
	"fmt"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/quarry/helper/hostlist"
	"github.com/hashicorp/quarry/quarry/structs"
)

// Partition is the partition admin endpoint.
type Partition struct {
	srv *Server
}

// List returns the partition table. Hidden partitions are omitted for
// callers that are neither root nor members' owners.
func (p *Partition) List(req *structs.PartitionListRequest, resp *structs.PartitionListResponse) error {
	defer metrics.MeasureSince([]string{"quarry", "partition", "list"}, time.Now())
	if err := p.srv.checkRequest(req); err != nil {
		return err
	}
	for _, part := range p.srv.state.Partitions() {
		if part.Hidden && req.AuthUID != 0 {
			continue
		}
		if !req.SinceTime.IsZero() && part.CreateTime.Before(req.SinceTime) {
			continue
		}
		match, err := p.srv.matchFilter(req.Filter, part)
		if err != nil {
			return err
		}
		if match {
			resp.Partitions = append(resp.Partitions, part)
		}
	}
	return nil
}

// Update creates or replaces a partition. The membership bitmap is
// recomputed from NodeNames so clients never send raw bitmaps.
func (p *Partition) Update(req *structs.PartitionUpdateRequest, resp *structs.PartitionUpdateResponse) error {
	defer metrics.MeasureSince([]string{"quarry", "partition", "update"}, time.Now())
	if err := p.srv.checkRequest(req); err != nil {
		return err
	}
	if req.AuthUID != 0 {
		return fmt.Errorf("partition updates are an operator action: %w",
			structs.ErrPermissionDenied)
	}
	part := req.Partition
	if err := part.Validate(); err != nil {
		return err
	}
	expr := hostlist.Compress(part.NodeNames)
	if err := p.srv.resolvePartitionNodes(&part, expr); err != nil {
		return err
	}
	if part.CreateTime.IsZero() {
		part.CreateTime = time.Now()
	}
	if err := p.srv.state.UpsertPartition(&part); err != nil {
		return err
	}
	p.srv.logger.Info("partition updated",
		"partition", part.Name, "state", part.State, "nodes", len(part.NodeNames))
	p.srv.kickScheduler()
	return nil
}
