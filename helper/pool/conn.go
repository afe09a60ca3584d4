// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package pool holds the shared RPC codec construction for the
// controller and the node-agent client connections.
package pool

import (
	"io"
	"net/rpc"

	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc/v2"

	"github.com/hashicorp/quarry/quarry/structs"
)

// NewServerCodec wraps a connection for serving msgpack RPC with the
// shared handle.
func NewServerCodec(conn io.ReadWriteCloser) rpc.ServerCodec {
	return msgpackrpc.NewCodecFromHandle(true, true, conn, structs.MsgpackHandle)
}

// NewClientCodec wraps a connection for issuing msgpack RPC with the
// shared handle.
func NewClientCodec(conn io.ReadWriteCloser) rpc.ClientCodec {
	return msgpackrpc.NewCodecFromHandle(true, true, conn, structs.MsgpackHandle)
}
