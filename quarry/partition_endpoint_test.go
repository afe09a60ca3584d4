// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package quarry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hashicorp/quarry/quarry/structs"
)

func TestPartition_List_HidesHidden(t *testing.T) {
	s := testServer(t, func(c *Config) {
		c.Partitions["secret"] = &PartitionConfig{Hidden: true, Priority: 1}
	})

	var resp structs.PartitionListResponse
	require.NoError(t, s.RPC("Partition.List", &structs.PartitionListRequest{
		QueryOptions: structs.QueryOptions{AuthUID: 1000},
	}, &resp))
	require.Len(t, resp.Partitions, 1)
	require.Equal(t, "batch", resp.Partitions[0].Name)

	// Root sees everything.
	resp = structs.PartitionListResponse{}
	require.NoError(t, s.RPC("Partition.List", &structs.PartitionListRequest{}, &resp))
	require.Len(t, resp.Partitions, 2)
}

func TestPartition_Update(t *testing.T) {
	s := testServer(t, nil)

	req := &structs.PartitionUpdateRequest{
		Partition: structs.Partition{
			Name:      "debug",
			Priority:  100,
			State:     structs.PartitionStateUp,
			Share:     structs.SharePolicy{Kind: structs.ShareNo},
			NodeNames: []string{"node01", "node02"},
		},
	}
	var resp structs.PartitionUpdateResponse
	require.NoError(t, s.RPC("Partition.Update", req, &resp))

	part, err := s.state.PartitionByName("debug")
	require.NoError(t, err)
	require.Equal(t, uint32(100), part.Priority)
	require.Equal(t, []string{"node01", "node02"}, part.NodeNames)
	require.EqualValues(t, 2, part.Nodes.Count())
	require.False(t, part.CreateTime.IsZero())
}

func TestPartition_Update_OperatorOnly(t *testing.T) {
	s := testServer(t, nil)

	req := &structs.PartitionUpdateRequest{
		Partition: structs.Partition{
			Name:  "debug",
			State: structs.PartitionStateUp,
			Share: structs.SharePolicy{Kind: structs.ShareNo},
		},
		WriteRequest: structs.WriteRequest{AuthUID: 1000},
	}
	var resp structs.PartitionUpdateResponse
	err := s.RPC("Partition.Update", req, &resp)
	require.ErrorContains(t, err, "permission denied")
}

func TestPartition_Update_Validates(t *testing.T) {
	s := testServer(t, nil)

	req := &structs.PartitionUpdateRequest{
		Partition: structs.Partition{
			Name:  "debug",
			State: structs.PartitionStateUp,
			Share: structs.SharePolicy{Kind: "sometimes"},
		},
	}
	var resp structs.PartitionUpdateResponse
	err := s.RPC("Partition.Update", req, &resp)
	require.ErrorContains(t, err, "share policy")

	// Unknown members are rejected rather than silently dropped.
	req = &structs.PartitionUpdateRequest{
		Partition: structs.Partition{
			Name:      "debug",
			State:     structs.PartitionStateUp,
			Share:     structs.SharePolicy{Kind: structs.ShareNo},
			NodeNames: []string{"node99"},
		},
	}
	err = s.RPC("Partition.Update", req, &resp)
	require.Error(t, err)
}
